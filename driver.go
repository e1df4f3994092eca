package pgdb

import "context"

// Notification is a LISTEN/NOTIFY delivery drained from the driver's
// pg_notifies inbox.
type Notification struct {
	Channel string
	PID     uint32
	Payload string
}

// BackendInfo identifies the server-side process behind a connection.
type BackendInfo struct {
	PID uint32
}

// RowSet is a materialized view of a completed query's rows, as handed
// back by the driver collaborator. Results wraps one of these.
type RowSet struct {
	Columns      []string
	ColumnOIDs   []uint32
	Rows         [][]any
	RowsAffected int64
}

// Stmt is an opaque prepared-statement handle, scoped to one connection
// and keyed by SQL text in that connection's own statement cache. Two
// Query calls with identical SQL text on the same connection receive the
// same Stmt.
type Stmt interface {
	// SQL is the statement text this handle was prepared for.
	SQL() string
}

// AsyncQuery is a non-blocking query submitted to the driver. At most one
// may be outstanding per connection at a time.
type AsyncQuery interface {
	// Ready reports whether the server has finished processing, without
	// blocking.
	Ready() bool
	// Fetch materializes the result. Only valid once Ready reports true.
	// A server-side error (e.g. a constraint violation) is returned as
	// err but never panics, so the reactor loop can hand it to a
	// continuation instead of propagating it.
	Fetch(ctx context.Context) (*RowSet, error)
}

// conn is the minimal surface this layer requires from a PostgreSQL
// driver: prepared statements, blocking and non-blocking execution, a raw
// socket descriptor for reactor registration, and a pull-style
// notification inbox. It is implemented by *pgxConn, which wraps
// github.com/jackc/pgx/v5/pgconn, and by fakeConn in tests.
type conn interface {
	Backend() BackendInfo
	Ping(ctx context.Context) error
	Close(ctx context.Context) error

	// WatchFd is the descriptor a Session registers with its Reactor. For
	// pgxConn this is a self-pipe woken whenever the driver's background
	// notification pump or an async query completion needs the reactor to
	// re-enter the session, not the raw PostgreSQL socket (see "Socket
	// duplication" and driver_pgx.go).
	WatchFd() int

	// Exec runs sql with no parameters, for connect-time SET statements
	// and for operations like LISTEN/UNLISTEN/NOTIFY that never need a
	// cached statement.
	Exec(ctx context.Context, sql string) error

	// Prepare returns the cached Stmt for sql on this connection,
	// preparing a new one if the text has not been seen (or was
	// evicted) before.
	Prepare(ctx context.Context, sql string) (Stmt, error)

	// ExecPrepared runs stmt synchronously with the given positional
	// arguments. dollarOnly restricts placeholder parsing to $N.
	ExecPrepared(ctx context.Context, stmt Stmt, args []any, dollarOnly bool) (*RowSet, error)

	// SubmitAsync starts stmt executing without blocking. The caller
	// polls the returned AsyncQuery via the reactor wake-up.
	SubmitAsync(stmt Stmt, args []any, dollarOnly bool) (AsyncQuery, error)

	// DrainNotifications returns and clears all notifications received
	// since the last drain. Never blocks.
	DrainNotifications() []Notification

	// NoReuse reports whether this connection has been poisoned (e.g. by
	// a protocol-level error) and must not be returned to a Manager's cache.
	NoReuse() bool
	MarkNoReuse()

	// AsyncPending reports whether a SubmitAsync call has not yet
	// delivered its outcome. A connection in this state must never be
	// handed to a second caller: pgconn.PgConn is not safe for concurrent
	// use, and the background goroutine driving the async call is still
	// holding it.
	AsyncPending() bool
}

// JSONParam tags a value to be JSON-encoded and bound as text.
type JSONParam struct{ Value any }

// JSON wraps v so Query JSON-encodes it and binds the result as text.
func JSON(v any) JSONParam { return JSONParam{Value: v} }

// TypedParam tags a value to be bound with an explicit driver-native type
// OID.
type TypedParam struct {
	OID   uint32
	Value any
}

// Typed wraps v so Query binds it using the PostgreSQL type identified by oid.
func Typed(oid uint32, v any) TypedParam { return TypedParam{OID: oid, Value: v} }
