package pgdb

import (
	"context"
	"fmt"
)

// txState tracks a Transaction's lifecycle.
type txState int

const (
	txOpen txState = iota
	txCommitted
	txRolledBack
)

// Transaction is a scoped BEGIN/COMMIT/ROLLBACK handle. It holds a
// reference to the Session it was begun on, expressed as the "scoped
// guard owning a borrowed reference" idiom for a systems language:
// the caller is expected to `defer tx.Close(ctx)` immediately after Begin
// succeeds, so any return path that doesn't call Commit rolls back.
type Transaction struct {
	sess      *Session
	state     txState
	isolation string
}

// Commit issues COMMIT and marks the transaction committed.
func (t *Transaction) Commit(ctx context.Context) error {
	if t.state != txOpen {
		return usageErrorf("transaction is not open: cannot commit")
	}
	if _, err := t.sess.Query(ctx, "COMMIT"); err != nil {
		return err
	}
	t.state = txCommitted
	return nil
}

// Rollback issues ROLLBACK and marks the transaction rolled back.
func (t *Transaction) Rollback(ctx context.Context) error {
	if t.state != txOpen {
		return usageErrorf("transaction is not open: cannot rollback")
	}
	if _, err := t.sess.Query(ctx, "ROLLBACK"); err != nil {
		return err
	}
	t.state = txRolledBack
	return nil
}

// Savepoint issues SAVEPOINT name.
func (t *Transaction) Savepoint(ctx context.Context, name string) error {
	if t.state != txOpen {
		return usageErrorf("transaction is not open: cannot savepoint")
	}
	_, err := t.sess.Query(ctx, fmt.Sprintf("SAVEPOINT %s", quoteIdent(name)))
	return err
}

// Release issues RELEASE SAVEPOINT name.
func (t *Transaction) Release(ctx context.Context, name string) error {
	if t.state != txOpen {
		return usageErrorf("transaction is not open: cannot release savepoint")
	}
	_, err := t.sess.Query(ctx, fmt.Sprintf("RELEASE SAVEPOINT %s", quoteIdent(name)))
	return err
}

// RollbackTo issues ROLLBACK TO SAVEPOINT name.
func (t *Transaction) RollbackTo(ctx context.Context, name string) error {
	if t.state != txOpen {
		return usageErrorf("transaction is not open: cannot rollback to savepoint")
	}
	_, err := t.sess.Query(ctx, fmt.Sprintf("ROLLBACK TO SAVEPOINT %s", quoteIdent(name)))
	return err
}

// Close implements the automatic-rollback contract: any path out
// of the enclosing scope that has not already called Commit rolls back.
// It is idempotent and safe to call after an explicit Commit or Rollback.
func (t *Transaction) Close(ctx context.Context) error {
	if t.state != txOpen {
		return nil
	}
	return t.Rollback(ctx)
}

// State reports whether the transaction is still open, committed, or
// rolled back.
func (t *Transaction) State() string {
	switch t.state {
	case txCommitted:
		return "committed"
	case txRolledBack:
		return "rolled_back"
	default:
		return "open"
	}
}
