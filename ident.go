package pgdb

import "strings"

// quoteIdent double-quotes a PostgreSQL identifier, doubling any embedded
// double quotes, the same convention pgx's pgx.Identifier.Sanitize uses.
func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}
