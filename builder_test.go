package pgdb

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuilder_Insert_OnConflictDoNothing(t *testing.T) {
	b := NewBuilder()
	oc := OnConflictDoNothing()
	sql, args, err := b.Insert("t", map[string]any{"a": "b"}, &InsertOptions{OnConflict: &oc})
	require.NoError(t, err)
	assert.Equal(t, `INSERT INTO "t" ("a") VALUES ($1) ON CONFLICT DO NOTHING`, sql)
	assert.Equal(t, []any{"b"}, args)
}

func TestBuilder_Insert_OnConflictUpdate(t *testing.T) {
	b := NewBuilder()
	oc := OnConflictUpdate([]string{"a"}, map[string]any{"a": "c"})
	sql, args, err := b.Insert("t", map[string]any{"a": "b"}, &InsertOptions{OnConflict: &oc})
	require.NoError(t, err)
	assert.Equal(t, `INSERT INTO "t" ("a") VALUES ($1) ON CONFLICT ("a") DO UPDATE SET "a" = $2`, sql)
	assert.Equal(t, []any{"b", "c"}, args)
}

func TestBuilder_Insert_ReturningSuppressedWithOnConflict(t *testing.T) {
	b := NewBuilder()
	oc := OnConflictDoNothing()
	sql, _, err := b.Insert("t", map[string]any{"a": "b"}, &InsertOptions{OnConflict: &oc, Returning: nil})
	require.NoError(t, err)
	assert.NotContains(t, sql, "RETURNING")

	sql2, _, err := b.Insert("t", map[string]any{"a": "b"}, &InsertOptions{OnConflict: &oc, Returning: []string{"id"}})
	require.NoError(t, err)
	assert.Contains(t, sql2, `RETURNING "id"`)
}

func TestBuilder_Select_LeftJoin(t *testing.T) {
	b := NewBuilder()
	sql, _, err := b.Select(nil, []any{"foo", Join{Table: "bar", FK: "foo_id", PK: "id", Type: "left"}}, nil)
	require.NoError(t, err)
	assert.Equal(t, `SELECT * FROM foo LEFT JOIN bar ON (bar.foo_id = foo.id)`, sql)
}

func TestBuilder_Select_InnerJoinNoType(t *testing.T) {
	b := NewBuilder()
	sql, _, err := b.Select(nil, []any{"foo", Join{Table: "bar", FK: "foo_id", PK: "id"}}, nil)
	require.NoError(t, err)
	assert.Equal(t, `SELECT * FROM foo JOIN bar ON (bar.foo_id = foo.id)`, sql)
}

func TestBuilder_Select_GroupByLimitOffsetFor(t *testing.T) {
	b := NewBuilder()
	limit, offset := 10, 5
	forUpdate := ForUpdate()
	groupBy := GroupByFields("org_id")
	sql, args, err := b.Select([]string{"org_id"}, []any{"events"}, &SelectOptions{
		Where:   "created_at > $1",
		Args:    []any{"2024-01-01"},
		GroupBy: &groupBy,
		OrderBy: "org_id ASC",
		Limit:   &limit,
		Offset:  &offset,
		For:     &forUpdate,
	})
	require.NoError(t, err)
	assert.Equal(t, `SELECT "org_id" FROM events WHERE created_at > $1 GROUP BY "org_id" ORDER BY org_id ASC LIMIT $2 OFFSET $3 FOR UPDATE`, sql)
	assert.Equal(t, []any{"2024-01-01", 10, 5}, args)
}

func TestBuilder_Update(t *testing.T) {
	b := NewBuilder()
	sql, args, err := b.Update("t", map[string]any{"a": "b"}, "id = $1", []any{7}, []string{"id"})
	require.NoError(t, err)
	assert.Equal(t, `UPDATE "t" SET "a" = $1 WHERE id = $2 RETURNING "id"`, sql)
	assert.Equal(t, []any{"b", 7}, args)
}

func TestBuilder_Delete(t *testing.T) {
	b := NewBuilder()
	sql, args, err := b.Delete("t", "id = $1", []any{9}, nil)
	require.NoError(t, err)
	assert.Equal(t, `DELETE FROM "t" WHERE id = $1`, sql)
	assert.Equal(t, []any{9}, args)
}

func TestBuilder_Insert_RequiresNonEmptyRow(t *testing.T) {
	b := NewBuilder()
	_, _, err := b.Insert("t", nil, nil)
	assert.Error(t, err)
}

func TestBuilder_Select_RequiresSource(t *testing.T) {
	b := NewBuilder()
	_, _, err := b.Select(nil, nil, nil)
	assert.Error(t, err)
}
