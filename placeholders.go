package pgdb

import (
	"strconv"
	"strings"
)

// rewritePlaceholders turns '?' placeholders into positional '$N' ones, the
// convenience syntax this layer offers over raw PostgreSQL SQL. It is a
// no-op pass-through when dollarOnly is set: every '?' is then a literal
// operator (e.g. the JSONB containment/existence operators '?', '?|',
// '?&') and must reach the server unchanged.
//
// '?' inside single-quoted string literals is never treated as a
// placeholder, quoted or not.
func rewritePlaceholders(sql string, dollarOnly bool) string {
	if dollarOnly || !strings.ContainsRune(sql, '?') {
		return sql
	}

	var b strings.Builder
	b.Grow(len(sql) + 8)
	n := 0
	inString := false
	for i := 0; i < len(sql); i++ {
		c := sql[i]
		switch {
		case c == '\'':
			inString = !inString
			b.WriteByte(c)
		case c == '?' && !inString:
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
		default:
			b.WriteByte(c)
		}
	}
	return b.String()
}
