package pgdb

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRewritePlaceholders_Basic(t *testing.T) {
	got := rewritePlaceholders("select * from t where a = ? and b = ?", false)
	assert.Equal(t, "select * from t where a = $1 and b = $2", got)
}

func TestRewritePlaceholders_IgnoresInsideStringLiterals(t *testing.T) {
	got := rewritePlaceholders("select * from t where a = ? and note = 'is this ok?'", false)
	assert.Equal(t, "select * from t where a = $1 and note = 'is this ok?'", got)
}

func TestRewritePlaceholders_DollarOnlyIsNoOp(t *testing.T) {
	sql := "select * from t where data ? 'key'"
	got := rewritePlaceholders(sql, true)
	assert.Equal(t, sql, got)
}

func TestRewritePlaceholders_NoPlaceholdersUnchanged(t *testing.T) {
	sql := "select 1"
	assert.Equal(t, sql, rewritePlaceholders(sql, false))
}
