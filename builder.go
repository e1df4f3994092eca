package pgdb

import (
	"fmt"
	"sort"
	"strings"
)

// There is no generic SQL-builder package underneath this file; it
// hand-assembles parameterized SQL with strings.Builder, fmt.Sprintf and
// positional "$N" placeholders rather than reaching for a query-builder
// dependency.

// OnConflict is the tagged variant for the ON CONFLICT option: accept the
// variant directly rather than sniff runtime types.
type OnConflict struct {
	kind onConflictKind

	fields []string
	set    map[string]any

	literal     string
	literalArgs []any
}

type onConflictKind int

const (
	onConflictNone onConflictKind = iota
	onConflictDoNothing
	onConflictFields
	onConflictLiteral
)

// OnConflictDoNothing renders " ON CONFLICT DO NOTHING".
func OnConflictDoNothing() OnConflict { return OnConflict{kind: onConflictDoNothing} }

// OnConflictUpdate renders " ON CONFLICT (fields...) DO UPDATE SET ...".
func OnConflictUpdate(fields []string, set map[string]any) OnConflict {
	return OnConflict{kind: onConflictFields, fields: fields, set: set}
}

// OnConflictLiteral inlines sql after "ON CONFLICT", optionally appending
// args as its own bind parameters. The "$N" placeholders in sql start at
// $1 and are renumbered to follow the row's own binds.
func OnConflictLiteral(sql string, args ...any) OnConflict {
	return OnConflict{kind: onConflictLiteral, literal: sql, literalArgs: args}
}

// GroupBy is the tagged variant for the GROUP BY option: either a list of
// identifiers to quote, or a literal SQL fragment.
type GroupBy struct {
	fields  []string
	literal string
}

// GroupByFields quotes each field as an identifier.
func GroupByFields(fields ...string) GroupBy { return GroupBy{fields: fields} }

// GroupByLiteral inlines sql verbatim after "GROUP BY".
func GroupByLiteral(sql string) GroupBy { return GroupBy{literal: sql} }

// ForClause is the tagged variant for the FOR option.
type ForClause struct {
	update  bool
	literal string
}

// ForUpdate renders " FOR UPDATE".
func ForUpdate() ForClause { return ForClause{update: true} }

// ForLiteral inlines sql verbatim after "FOR".
func ForLiteral(sql string) ForClause { return ForClause{literal: sql} }

// Join is one entry of the source list a Select query may be built
// against: either a plain table name, or a join tuple
// [name, fk, pk, type?] rendered as " [type] JOIN name ON (name.fk = first.pk)".
type Join struct {
	Table string
	FK    string
	PK    string
	Type  string // "", "left", "right", "inner", "full"; "" means plain INNER JOIN
}

// InsertOptions configures Builder.Insert beyond the base column/value
// list.
type InsertOptions struct {
	OnConflict *OnConflict
	Returning  []string
}

// SelectOptions configures Builder.Select's ORDER-BY tail.
type SelectOptions struct {
	Where   string
	Args    []any
	GroupBy *GroupBy
	OrderBy string
	Limit   *int
	Offset  *int
	For     *ForClause
}

// Builder renders PostgreSQL DML with positional "$N" placeholders and
// uppercase keywords. Column names, the table of Insert/Update/Delete, and
// RETURNING and GROUP BY fields are double-quoted; Select's sources, join
// tuples, and WHERE/ORDER BY fragments are inlined as given. It is deliberately
// stateless: every method takes its full input and returns a complete
// statement plus its bind arguments.
type Builder struct{}

// NewBuilder returns a Builder. It carries no state; the zero value works
// equally well, but a constructor matches this module's convention of
// constructing collaborators explicitly rather than using bare literals.
func NewBuilder() *Builder { return &Builder{} }

// Insert renders INSERT INTO table (cols...) VALUES (...) with the
// row's values as positional binds, plus the ON CONFLICT / RETURNING
// clauses from opts.
func (b *Builder) Insert(table string, row map[string]any, opts *InsertOptions) (string, []any, error) {
	if len(row) == 0 {
		return "", nil, builderErrorf("insert: row must have at least one column")
	}

	cols := make([]string, 0, len(row))
	for c := range row {
		cols = append(cols, c)
	}
	sort.Strings(cols)

	args := make([]any, 0, len(cols))
	placeholders := make([]string, len(cols))
	quoted := make([]string, len(cols))
	for i, c := range cols {
		quoted[i] = quoteIdent(c)
		args = append(args, row[c])
		placeholders[i] = fmt.Sprintf("$%d", i+1)
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "INSERT INTO %s (%s) VALUES (%s)", quoteIdent(table), strings.Join(quoted, ", "), strings.Join(placeholders, ", "))

	suppressReturning := false
	if opts != nil && opts.OnConflict != nil {
		clause, cargs, err := b.renderOnConflict(*opts.OnConflict, len(args))
		if err != nil {
			return "", nil, err
		}
		sb.WriteString(clause)
		args = append(args, cargs...)
		if len(opts.Returning) == 0 {
			suppressReturning = true
		}
	}

	if opts != nil && len(opts.Returning) > 0 && !suppressReturning {
		quotedRet := make([]string, len(opts.Returning))
		for i, r := range opts.Returning {
			quotedRet[i] = quoteIdent(r)
		}
		fmt.Fprintf(&sb, " RETURNING %s", strings.Join(quotedRet, ", "))
	}

	return sb.String(), args, nil
}

func (b *Builder) renderOnConflict(oc OnConflict, argOffset int) (string, []any, error) {
	switch oc.kind {
	case onConflictDoNothing:
		return " ON CONFLICT DO NOTHING", nil, nil
	case onConflictFields:
		if len(oc.fields) == 0 || len(oc.set) == 0 {
			return "", nil, builderErrorf("on_conflict: fields and set must both be non-empty")
		}
		quotedFields := make([]string, len(oc.fields))
		for i, f := range oc.fields {
			quotedFields[i] = quoteIdent(f)
		}
		setCols := make([]string, 0, len(oc.set))
		for c := range oc.set {
			setCols = append(setCols, c)
		}
		sort.Strings(setCols)
		setClauses := make([]string, len(setCols))
		args := make([]any, len(setCols))
		for i, c := range setCols {
			setClauses[i] = fmt.Sprintf("%s = $%d", quoteIdent(c), argOffset+i+1)
			args[i] = oc.set[c]
		}
		return fmt.Sprintf(" ON CONFLICT (%s) DO UPDATE SET %s", strings.Join(quotedFields, ", "), strings.Join(setClauses, ", ")), args, nil
	case onConflictLiteral:
		if oc.literal == "" {
			return "", nil, builderErrorf("on_conflict: literal must be non-empty")
		}
		rebased := rebasePlaceholders(oc.literal, argOffset)
		return " ON CONFLICT " + rebased, oc.literalArgs, nil
	default:
		return "", nil, nil
	}
}

// rebasePlaceholders shifts every "$N" in sql by offset, so a literal
// fragment written in isolation (starting its own binds at $1) still
// lines up once appended after the statement's existing arguments.
func rebasePlaceholders(sql string, offset int) string {
	if offset == 0 {
		return sql
	}
	var b strings.Builder
	i := 0
	for i < len(sql) {
		if sql[i] == '$' && i+1 < len(sql) && sql[i+1] >= '0' && sql[i+1] <= '9' {
			j := i + 1
			for j < len(sql) && sql[j] >= '0' && sql[j] <= '9' {
				j++
			}
			var n int
			fmt.Sscanf(sql[i+1:j], "%d", &n)
			fmt.Fprintf(&b, "$%d", n+offset)
			i = j
			continue
		}
		b.WriteByte(sql[i])
		i++
	}
	return b.String()
}

// Update renders UPDATE table SET ... WHERE ... with positional binds,
// SET values first, WHERE args appended after.
func (b *Builder) Update(table string, set map[string]any, where string, whereArgs []any, returning []string) (string, []any, error) {
	if len(set) == 0 {
		return "", nil, builderErrorf("update: set must have at least one column")
	}

	cols := make([]string, 0, len(set))
	for c := range set {
		cols = append(cols, c)
	}
	sort.Strings(cols)

	args := make([]any, 0, len(cols)+len(whereArgs))
	setClauses := make([]string, len(cols))
	for i, c := range cols {
		setClauses[i] = fmt.Sprintf("%s = $%d", quoteIdent(c), i+1)
		args = append(args, set[c])
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "UPDATE %s SET %s", quoteIdent(table), strings.Join(setClauses, ", "))
	if where != "" {
		fmt.Fprintf(&sb, " WHERE %s", rebasePlaceholders(where, len(cols)))
		args = append(args, whereArgs...)
	}
	if len(returning) > 0 {
		quotedRet := make([]string, len(returning))
		for i, r := range returning {
			quotedRet[i] = quoteIdent(r)
		}
		fmt.Fprintf(&sb, " RETURNING %s", strings.Join(quotedRet, ", "))
	}
	return sb.String(), args, nil
}

// Delete renders DELETE FROM table WHERE ....
func (b *Builder) Delete(table string, where string, whereArgs []any, returning []string) (string, []any, error) {
	var sb strings.Builder
	fmt.Fprintf(&sb, "DELETE FROM %s", quoteIdent(table))
	if where != "" {
		fmt.Fprintf(&sb, " WHERE %s", where)
	}
	if len(returning) > 0 {
		quotedRet := make([]string, len(returning))
		for i, r := range returning {
			quotedRet[i] = quoteIdent(r)
		}
		fmt.Fprintf(&sb, " RETURNING %s", strings.Join(quotedRet, ", "))
	}
	return sb.String(), whereArgs, nil
}

// Select renders SELECT cols FROM source(s) [JOIN ...] [WHERE ...]
// [GROUP BY ...] [ORDER BY ...] [LIMIT $n] [OFFSET $n] [FOR ...].
// sources mixes plain table names and Join tuples; the first plain table
// name encountered is the join base other join tuples are anchored to.
func (b *Builder) Select(cols []string, sources []any, opts *SelectOptions) (string, []any, error) {
	if len(sources) == 0 {
		return "", nil, builderErrorf("select: at least one source is required")
	}

	colList := "*"
	if len(cols) > 0 {
		quoted := make([]string, len(cols))
		for i, c := range cols {
			quoted[i] = quoteIdent(c)
		}
		colList = strings.Join(quoted, ", ")
	}

	var firstTable string
	var sb strings.Builder
	fmt.Fprintf(&sb, "SELECT %s FROM ", colList)

	plain := make([]string, 0, len(sources))
	joins := make([]Join, 0)
	for _, s := range sources {
		switch v := s.(type) {
		case string:
			if firstTable == "" {
				firstTable = v
			}
			plain = append(plain, v)
		case Join:
			joins = append(joins, v)
		default:
			return "", nil, builderErrorf("select: source must be a table name or a Join, got %T", s)
		}
	}
	sb.WriteString(strings.Join(plain, ", "))

	for _, j := range joins {
		if firstTable == "" {
			return "", nil, builderErrorf("select: a join tuple requires at least one plain table source first")
		}
		joinType := ""
		if j.Type != "" {
			joinType = strings.ToUpper(j.Type) + " "
		}
		fmt.Fprintf(&sb, " %sJOIN %s ON (%s.%s = %s.%s)", joinType, j.Table, j.Table, j.FK, firstTable, j.PK)
	}

	args := []any{}
	if opts != nil {
		if opts.Where != "" {
			fmt.Fprintf(&sb, " WHERE %s", opts.Where)
			args = append(args, opts.Args...)
		}
		if opts.GroupBy != nil {
			clause, err := renderGroupBy(*opts.GroupBy)
			if err != nil {
				return "", nil, err
			}
			sb.WriteString(clause)
		}
		if opts.OrderBy != "" {
			fmt.Fprintf(&sb, " ORDER BY %s", opts.OrderBy)
		}
		if opts.Limit != nil {
			args = append(args, *opts.Limit)
			fmt.Fprintf(&sb, " LIMIT $%d", len(args))
		}
		if opts.Offset != nil {
			args = append(args, *opts.Offset)
			fmt.Fprintf(&sb, " OFFSET $%d", len(args))
		}
		if opts.For != nil {
			if opts.For.update {
				sb.WriteString(" FOR UPDATE")
			} else if opts.For.literal != "" {
				fmt.Fprintf(&sb, " FOR %s", opts.For.literal)
			}
		}
	}

	return sb.String(), args, nil
}

func renderGroupBy(g GroupBy) (string, error) {
	if g.literal != "" {
		return " GROUP BY " + g.literal, nil
	}
	if len(g.fields) == 0 {
		return "", builderErrorf("group_by: must name at least one field or literal")
	}
	quoted := make([]string, len(g.fields))
	for i, f := range g.fields {
		quoted[i] = quoteIdent(f)
	}
	return " GROUP BY " + strings.Join(quoted, ", "), nil
}
