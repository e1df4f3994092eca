package pgdb

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTransaction_CommitMarksCommitted(t *testing.T) {
	fc := newFakeConn(1)
	sess := newTestSession(t, fc, newFakeReactor())

	tx, err := sess.Begin(context.Background(), "")
	require.NoError(t, err)
	assert.Contains(t, fc.stmts, "BEGIN")

	require.NoError(t, tx.Commit(context.Background()))
	assert.Equal(t, "committed", tx.State())
	assert.Contains(t, fc.stmts, "COMMIT")

	// Close after Commit is a no-op, per the automatic-rollback contract.
	require.NoError(t, tx.Close(context.Background()))
	assert.Equal(t, "committed", tx.State())
}

func TestTransaction_CloseRollsBackWhenOpen(t *testing.T) {
	fc := newFakeConn(1)
	sess := newTestSession(t, fc, newFakeReactor())

	tx, err := sess.Begin(context.Background(), "serializable")
	require.NoError(t, err)
	assert.Contains(t, fc.stmts, "BEGIN ISOLATION LEVEL serializable")

	require.NoError(t, tx.Close(context.Background()))
	assert.Equal(t, "rolled_back", tx.State())
	assert.Contains(t, fc.stmts, "ROLLBACK")
}

func TestTransaction_SavepointReleaseRollbackTo(t *testing.T) {
	fc := newFakeConn(1)
	sess := newTestSession(t, fc, newFakeReactor())

	tx, err := sess.Begin(context.Background(), "")
	require.NoError(t, err)

	require.NoError(t, tx.Savepoint(context.Background(), "sp1"))
	assert.Contains(t, fc.stmts, `SAVEPOINT "sp1"`)

	require.NoError(t, tx.RollbackTo(context.Background(), "sp1"))
	assert.Contains(t, fc.stmts, `ROLLBACK TO SAVEPOINT "sp1"`)

	require.NoError(t, tx.Release(context.Background(), "sp1"))
	assert.Contains(t, fc.stmts, `RELEASE SAVEPOINT "sp1"`)

	require.NoError(t, tx.Rollback(context.Background()))
}

func TestTransaction_DoubleCommitFails(t *testing.T) {
	fc := newFakeConn(1)
	sess := newTestSession(t, fc, newFakeReactor())

	tx, err := sess.Begin(context.Background(), "")
	require.NoError(t, err)
	require.NoError(t, tx.Commit(context.Background()))

	err = tx.Commit(context.Background())
	assert.Error(t, err)
}
