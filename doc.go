// Package pgdb is an asynchronous PostgreSQL client layer built on top of
// github.com/jackc/pgx/v5/pgconn. It adds three things pgconn does not
// provide on its own: a fork-safe idle connection cache (Manager), a
// per-connection state machine that interleaves blocking queries,
// non-blocking queries, and LISTEN/NOTIFY delivery through a caller-supplied
// I/O reactor (Session), and a row-shaped results view with lazy JSON
// expansion (Results).
//
// A typical embedding looks like:
//
//	mgr, err := pgdb.NewManager(databaseURL, pgdb.WithReactor(reactor))
//	sess, err := mgr.Session(ctx)
//	...
//	res, err := sess.Query(ctx, "select 1 as one")
//
// Sessions are not safe for concurrent use; one Session belongs to one
// reactor-owned goroutine at a time. The Manager's cache may be shared
// across goroutines.
package pgdb
