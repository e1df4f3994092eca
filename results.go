package pgdb

import (
	"encoding/json"
	"fmt"
	"strings"
)

// jsonOIDs are the PostgreSQL type OIDs for json and jsonb. A column typed
// as either is a candidate for lazy decoding once Expand has been called.
const (
	oidJSON  uint32 = 114
	oidJSONB uint32 = 3802
)

// Results wraps one executed statement's outcome. It owns the
// Stmt it was produced from until the Results itself goes out of scope;
// Go has no destructors, so callers that need the statement's identity to
// outlive the Results should retain Sth() themselves rather than relying
// on any explicit Close.
type Results struct {
	stmt Stmt
	rows *RowSet
	err  error

	pos    int
	expand bool
}

// Sth returns the underlying statement handle, exposed for error
// introspection and identity assertions.
func (r *Results) Sth() Stmt { return r.stmt }

// Err returns the terminal error recorded against this statement, if any.
func (r *Results) Err() error { return r.err }

// Columns returns the ordered column names. Idempotent.
func (r *Results) Columns() []string {
	if r.rows == nil {
		return nil
	}
	return r.rows.Columns
}

// Rows returns the number of rows affected (INSERT/UPDATE/DELETE) or the
// row count for a SELECT when the driver reports one. Idempotent.
func (r *Results) Rows() int64 {
	if r.rows == nil {
		return 0
	}
	if r.rows.RowsAffected != 0 {
		return r.rows.RowsAffected
	}
	return int64(len(r.rows.Rows))
}

// Expand returns the same Results with a flag set so any JSON/JSONB typed
// column is decoded on subsequent row reads. Applied per row, not
// per result: rows already consumed before Expand is called are unaffected.
func (r *Results) Expand() *Results {
	r.expand = true
	return r
}

// Array returns the next row as an ordered slice of column values, or nil
// when exhausted.
func (r *Results) Array() []any {
	if r.rows == nil || r.pos >= len(r.rows.Rows) {
		return nil
	}
	row := r.rows.Rows[r.pos]
	r.pos++
	return r.decodeRow(row)
}

// Hash returns the next row as a column-name-to-value mapping, or nil
// when exhausted.
func (r *Results) Hash() map[string]any {
	row := r.Array()
	if row == nil {
		return nil
	}
	h := make(map[string]any, len(row))
	for i, col := range r.rows.Columns {
		if i < len(row) {
			h[col] = row[i]
		}
	}
	return h
}

// Arrays materializes all remaining rows as array-of-arrays.
func (r *Results) Arrays() [][]any {
	var out [][]any
	for {
		row := r.Array()
		if row == nil {
			break
		}
		out = append(out, row)
	}
	return out
}

// Hashes materializes all remaining rows as array-of-hashes.
func (r *Results) Hashes() []map[string]any {
	var out []map[string]any
	for {
		h := r.Hash()
		if h == nil {
			break
		}
		out = append(out, h)
	}
	return out
}

// Text renders the remaining rows as a tabular string: a header line of
// column names, then one line per row, with two-space column separation.
func (r *Results) Text() string {
	if r.rows == nil {
		return ""
	}
	var sb strings.Builder
	sb.WriteString(strings.Join(r.rows.Columns, "  "))
	sb.WriteByte('\n')
	for _, row := range r.Arrays() {
		cells := make([]string, len(row))
		for i, v := range row {
			cells[i] = fmt.Sprint(v)
		}
		sb.WriteString(strings.Join(cells, "  "))
		sb.WriteByte('\n')
	}
	return sb.String()
}

// decodeRow returns a copy of row with any JSON/JSONB columns decoded when
// Expand has been set. Values from the driver arrive as text-format
// strings (see readRowSet in driver_pgx.go); decoding is best-effort and
// leaves the raw string in place on failure rather than raising, since a
// malformed JSON payload from a JSON-typed column would indicate a server
// bug, not a caller error to surface mid-iteration.
func (r *Results) decodeRow(row []any) []any {
	if !r.expand || r.rows == nil || len(r.rows.ColumnOIDs) == 0 {
		return row
	}
	out := make([]any, len(row))
	copy(out, row)
	for i, oid := range r.rows.ColumnOIDs {
		if i >= len(out) {
			break
		}
		if oid != oidJSON && oid != oidJSONB {
			continue
		}
		s, ok := out[i].(string)
		if !ok {
			continue
		}
		var decoded any
		if err := json.Unmarshal([]byte(s), &decoded); err == nil {
			out[i] = decoded
		}
	}
	return out
}
