package pgdb

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestResults_ArrayAndHash(t *testing.T) {
	rs := &RowSet{
		Columns: []string{"one", "two", "three"},
		Rows:    [][]any{{"1", "2", "3"}},
	}
	r := &Results{stmt: &fakeStmt{sql: "select 1 as one, 2 as two, 3 as three"}, rows: rs}

	h := r.Hash()
	assert.Equal(t, map[string]any{"one": "1", "two": "2", "three": "3"}, h)
	assert.Nil(t, r.Array())
}

func TestResults_ArraysAndHashesMaterializeRemaining(t *testing.T) {
	rs := &RowSet{
		Columns: []string{"n"},
		Rows:    [][]any{{"1"}, {"2"}, {"3"}},
	}
	r := &Results{stmt: &fakeStmt{}, rows: rs}

	assert.Equal(t, []any{"1"}, r.Array())
	assert.Equal(t, [][]any{{"2"}, {"3"}}, r.Arrays())
	assert.Nil(t, r.Array())
}

func TestResults_RowsPrefersRowsAffected(t *testing.T) {
	r := &Results{rows: &RowSet{RowsAffected: 5, Rows: [][]any{{"a"}, {"b"}}}}
	assert.Equal(t, int64(5), r.Rows())

	r2 := &Results{rows: &RowSet{Rows: [][]any{{"a"}, {"b"}, {"c"}}}}
	assert.Equal(t, int64(3), r2.Rows())
}

func TestResults_Text(t *testing.T) {
	rs := &RowSet{Columns: []string{"a", "b"}, Rows: [][]any{{"1", "2"}, {"3", "4"}}}
	r := &Results{rows: rs}
	assert.Equal(t, "a  b\n1  2\n3  4\n", r.Text())
}

func TestResults_ExpandDecodesJSONColumns(t *testing.T) {
	rs := &RowSet{
		Columns:    []string{"id", "data"},
		ColumnOIDs: []uint32{23, oidJSONB},
		Rows:       [][]any{{"1", `{"a":1}`}},
	}
	r := &Results{rows: rs}
	r.Expand()

	h := r.Hash()
	assert.Equal(t, "1", h["id"])
	assert.Equal(t, map[string]any{"a": float64(1)}, h["data"])
}

func TestResults_NoExpandLeavesJSONAsString(t *testing.T) {
	rs := &RowSet{
		Columns:    []string{"data"},
		ColumnOIDs: []uint32{oidJSONB},
		Rows:       [][]any{{`{"a":1}`}},
	}
	r := &Results{rows: rs}
	assert.Equal(t, `{"a":1}`, r.Hash()["data"])
}

func TestResults_ErrAndSthAccessors(t *testing.T) {
	stmt := &fakeStmt{sql: "select 1"}
	testErr := usageErrorf("boom")
	r := &Results{stmt: stmt, err: testErr}
	assert.Same(t, stmt, r.Sth())
	assert.Equal(t, testErr, r.Err())
}
