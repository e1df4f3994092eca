package pgdb

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/jackc/pgx/v5/pgconn"
	"golang.org/x/sys/unix"
)

// pgxConn is the conn implementation backed by the low-level
// github.com/jackc/pgx/v5/pgconn driver: prepared statements, blocking and
// non-blocking execution, and a pull-style notification inbox.
//
// pgconn.PgConn is not safe for concurrent use (every public method takes
// an internal lock), so pgxConn serializes all access to it through a
// single background "pump" goroutine plus whichever goroutine currently
// holds the connection for a blocking or async call. See DESIGN.md for
// the full rationale.
type pgxConn struct {
	pg       *pgconn.PgConn
	wakeR    *int // read end of the self-pipe, see startPump
	wakeW    int  // write end of the self-pipe
	stmtSeq  uint64
	stmts    *stmtCache

	mu      sync.Mutex
	inbox   []Notification
	noReuse bool

	pumpCancel context.CancelFunc
	pumpDone   chan struct{}

	asyncMu      sync.Mutex
	asyncPending bool
}

func dialPgx(ctx context.Context, dsn string, stmtCacheSize int) (*pgxConn, error) {
	cfg, err := pgconn.ParseConfig(dsn)
	if err != nil {
		return nil, usageErrorf("invalid connection url: %v", err)
	}

	c := &pgxConn{stmts: newStmtCache(stmtCacheSize)}
	cfg.OnNotification = func(_ *pgconn.PgConn, n *pgconn.Notification) {
		c.mu.Lock()
		c.inbox = append(c.inbox, Notification{Channel: n.Channel, PID: n.PID, Payload: n.Payload})
		c.mu.Unlock()
	}

	pg, err := pgconn.ConnectConfig(ctx, cfg)
	if err != nil {
		return nil, connectionError("failed to connect", err)
	}
	c.pg = pg

	rfd, wfd, err := unix.Pipe2(unix.O_NONBLOCK | unix.O_CLOEXEC)
	if err != nil {
		pg.Close(ctx)
		return nil, connectionError("failed to create wake pipe", err)
	}
	c.wakeR = &rfd
	c.wakeW = wfd

	c.startPump()
	return c, nil
}

// startPump launches the background goroutine that blocks on
// WaitForNotification while the connection is otherwise idle, so that
// notifications delivered with no query in flight still land in the
// inbox and still wake the reactor. It must be paused (pausePump) before
// any other goroutine issues a blocking or async call on c.pg, since
// pgconn.PgConn rejects concurrent use.
func (c *pgxConn) startPump() {
	ctx, cancel := context.WithCancel(context.Background())
	c.pumpCancel = cancel
	c.pumpDone = make(chan struct{})

	go func() {
		defer close(c.pumpDone)
		for {
			err := c.pg.WaitForNotification(ctx)
			if err != nil {
				if ctx.Err() == nil {
					// Not a pause request: the connection itself failed
					// while idle. Mark it unfit for reuse and wake the
					// reactor so Session.onReadable observes the close.
					c.MarkNoReuse()
					c.wake()
				}
				return
			}
			c.wake()
		}
	}()
}

// pausePump cancels the background pump and waits for it to exit before
// returning, so the caller can safely take c.pg for its own blocking call.
func (c *pgxConn) pausePump() {
	if c.pumpCancel != nil {
		c.pumpCancel()
		<-c.pumpDone
		c.pumpCancel = nil
	}
}

// resumePump restarts the background pump unless it is already running or
// the connection has been marked unfit for reuse.
func (c *pgxConn) resumePump() {
	if c.pumpCancel == nil && !c.noReuseLocked() {
		c.startPump()
	}
}

func (c *pgxConn) noReuseLocked() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.noReuse
}

// wake writes a single byte to the self-pipe, the signal a Reactor watch
// on wakeFd() translates into a call back into Session.onReadable.
func (c *pgxConn) wake() {
	var b [1]byte
	unix.Write(c.wakeW, b[:])
}

// wakeFd is the read end of the self-pipe, the descriptor registered with
// a Reactor instead of the raw PostgreSQL socket. The Session duplicates
// it (via unix.Dup) before handing it to the Reactor, so Reactor-side
// removal never races with pgxConn closing its own copy.
func (c *pgxConn) wakeFd() int { return *c.wakeR }

// drainWake empties the self-pipe after a reactor wake-up so the next
// write reliably re-arms readability.
func (c *pgxConn) drainWake() {
	var buf [64]byte
	for {
		n, err := unix.Read(c.wakeFd(), buf[:])
		if n <= 0 || err != nil {
			return
		}
	}
}

// Backend reports the server-side PID.
func (c *pgxConn) Backend() BackendInfo {
	return BackendInfo{PID: c.pg.PID()}
}

// WatchFd returns the self-pipe's read end. The reactor watches this,
// never the raw PostgreSQL socket: see wakeFd's doc comment.
func (c *pgxConn) WatchFd() int { return c.wakeFd() }

func (c *pgxConn) Ping(ctx context.Context) error {
	c.pausePump()
	defer c.resumePump()

	if err := c.pg.CheckConn(); err != nil {
		c.MarkNoReuse()
		return connectionError("ping failed", err)
	}
	mrr := c.pg.Exec(ctx, "SELECT 1")
	_, err := mrr.ReadAll()
	if err != nil {
		c.MarkNoReuse()
		return connectionError("ping failed", err)
	}
	return nil
}

func (c *pgxConn) Close(ctx context.Context) error {
	c.pausePump()
	unix.Close(c.wakeW)
	unix.Close(c.wakeFd())
	return c.pg.Close(ctx)
}

func (c *pgxConn) Exec(ctx context.Context, sql string) error {
	c.pausePump()
	defer c.resumePump()

	mrr := c.pg.Exec(ctx, sql)
	_, err := mrr.ReadAll()
	if err != nil {
		return queryError(sql, err)
	}
	return nil
}

func (c *pgxConn) Prepare(ctx context.Context, sql string) (Stmt, error) {
	if cached, ok := c.stmts.get(sql); ok {
		return cached, nil
	}

	c.pausePump()
	defer c.resumePump()

	name := fmt.Sprintf("pgdb_%d", atomic.AddUint64(&c.stmtSeq, 1))
	desc, err := c.pg.Prepare(ctx, name, sql, nil)
	if err != nil {
		return nil, queryError(sql, err)
	}

	stmt := &pgxStmt{sql: sql, name: name, desc: desc}
	if evicted, ok := c.stmts.put(sql, stmt).(*pgxStmt); ok && evicted != nil {
		// The evicted statement is not deallocated: it stays prepared
		// on the server under its unique name until the connection
		// closes, which costs a little server-side memory, not
		// correctness.
		_ = evicted
	}
	return stmt, nil
}

// ExecPrepared runs stmt's cached prepared statement with args bound
// positionally. When args includes a Typed(oid, v) bind, the OID can only
// be communicated to the server at Parse time, but stmt was already
// prepared (and cached) without it, so this falls back to pgconn's
// unnamed-statement ExecParams, which accepts paramOIDs per call, instead
// of the named ExecPrepared path. The statement cache entry itself is
// untouched either way: the next call with the same SQL text and no
// typed binds still hits the cached prepared statement.
func (c *pgxConn) ExecPrepared(ctx context.Context, stmt Stmt, args []any, dollarOnly bool) (*RowSet, error) {
	c.pausePump()
	defer c.resumePump()

	ps := stmt.(*pgxStmt)
	values, formats, paramOIDs, err := encodeParams(args)
	if err != nil {
		return nil, err
	}
	resultFormats := make([]int16, len(ps.desc.Fields))

	var rr *pgconn.ResultReader
	if hasTypedBind(paramOIDs) {
		rr = c.pg.ExecParams(ctx, ps.sql, values, paramOIDs, formats, resultFormats)
	} else {
		rr = c.pg.ExecPrepared(ctx, ps.name, values, formats, resultFormats)
	}

	rows, err := readRowSet(rr, ps.desc)
	if err != nil {
		return nil, queryError(stmt.SQL(), err)
	}
	return rows, nil
}

// asyncOutcome is the payload the background execution goroutine hands
// back over a channel once the server has finished processing.
type asyncOutcome struct {
	rows *RowSet
	err  error
}

type pgxAsyncQuery struct {
	done chan asyncOutcome
	mu   sync.Mutex
	got  *asyncOutcome
}

func (a *pgxAsyncQuery) Ready() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.got != nil {
		return true
	}
	select {
	case o := <-a.done:
		a.got = &o
		return true
	default:
		return false
	}
}

func (a *pgxAsyncQuery) Fetch(ctx context.Context) (*RowSet, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.got == nil {
		o := <-a.done
		a.got = &o
	}
	return a.got.rows, a.got.err
}

// SubmitAsync starts stmt executing on a dedicated goroutine and returns
// immediately. The background notification pump is paused for the
// duration (pgconn.PgConn permits only one caller at a time); any
// notification interleaved with the query's response stream is still
// captured because receiveMessage() invokes OnNotification regardless of
// which public method triggered the read.
func (c *pgxConn) SubmitAsync(stmt Stmt, args []any, dollarOnly bool) (AsyncQuery, error) {
	c.asyncMu.Lock()
	if c.asyncPending {
		c.asyncMu.Unlock()
		return nil, ErrBusy
	}
	c.asyncPending = true
	c.asyncMu.Unlock()

	c.pausePump()

	aq := &pgxAsyncQuery{done: make(chan asyncOutcome, 1)}
	go func() {
		rows, err := c.ExecPrepared(context.Background(), stmt, args, dollarOnly)
		aq.done <- asyncOutcome{rows: rows, err: err}

		c.asyncMu.Lock()
		c.asyncPending = false
		c.asyncMu.Unlock()
		c.resumePump()
		c.wake()
	}()

	return aq, nil
}

func (c *pgxConn) DrainNotifications() []Notification {
	c.drainWake()
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.inbox) == 0 {
		return nil
	}
	out := c.inbox
	c.inbox = nil
	return out
}

func (c *pgxConn) NoReuse() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.noReuse
}

func (c *pgxConn) MarkNoReuse() {
	c.mu.Lock()
	c.noReuse = true
	c.mu.Unlock()
}

// AsyncPending reports whether SubmitAsync's background goroutine is
// still running (it has not yet reset asyncPending at the tail of its
// goroutine in SubmitAsync).
func (c *pgxConn) AsyncPending() bool {
	c.asyncMu.Lock()
	defer c.asyncMu.Unlock()
	return c.asyncPending
}

// pgxStmt is the Stmt implementation for pgxConn: a server-side prepared
// statement name plus its cached field descriptions.
type pgxStmt struct {
	sql  string
	name string
	desc *pgconn.StatementDescription
}

func (s *pgxStmt) SQL() string { return s.sql }

// encodeParams renders args into the wire format ExecPrepared/ExecParams
// expect, handling the JSON-tagged and typed-bind parameter shapes in
// addition to plain scalars. Everything is sent in text format (format
// code 0). paramOIDs carries a non-zero entry for every TypedParam, 0
// (meaning "let the server infer") for everything else; a caller that
// passed no TypedParam gets an all-zero paramOIDs, which is the signal to
// use the cached prepared statement instead of a one-off ExecParams call.
func encodeParams(args []any) (values [][]byte, formats []int16, paramOIDs []uint32, err error) {
	values = make([][]byte, len(args))
	formats = make([]int16, len(args))
	paramOIDs = make([]uint32, len(args))

	for i, a := range args {
		switch v := a.(type) {
		case nil:
			values[i] = nil
		case JSONParam:
			b, jerr := json.Marshal(v.Value)
			if jerr != nil {
				return nil, nil, nil, usageErrorf("failed to JSON-encode parameter %d: %v", i+1, jerr)
			}
			values[i] = b
		case TypedParam:
			values[i] = []byte(fmt.Sprint(v.Value))
			paramOIDs[i] = v.OID
		case []byte:
			values[i] = v
		case string:
			values[i] = []byte(v)
		default:
			values[i] = []byte(fmt.Sprint(v))
		}
	}
	return values, formats, paramOIDs, nil
}

// hasTypedBind reports whether any entry of paramOIDs names an explicit
// type, i.e. the caller used Typed(oid, v) for at least one parameter.
func hasTypedBind(paramOIDs []uint32) bool {
	for _, oid := range paramOIDs {
		if oid != 0 {
			return true
		}
	}
	return false
}

// readRowSet materializes a ResultReader into a RowSet. Values stay as the
// raw text-format bytes pgconn returned, decoded lazily by Results rather
// than eagerly converted to a Go type the driver doesn't know the caller
// wants.
func readRowSet(rr *pgconn.ResultReader, desc *pgconn.StatementDescription) (*RowSet, error) {
	var fields []pgconn.FieldDescription
	if desc != nil {
		fields = desc.Fields
	}

	rs := &RowSet{}
	for rr.NextRow() {
		if rs.Columns == nil {
			rs.Columns = make([]string, len(rr.FieldDescriptions()))
			rs.ColumnOIDs = make([]uint32, len(rr.FieldDescriptions()))
			for i, fd := range rr.FieldDescriptions() {
				rs.Columns[i] = fd.Name
				rs.ColumnOIDs[i] = fd.DataTypeOID
			}
		}
		raw := rr.Values()
		row := make([]any, len(raw))
		for i, v := range raw {
			if v == nil {
				row[i] = nil
			} else {
				cp := make([]byte, len(v))
				copy(cp, v)
				row[i] = string(cp)
			}
		}
		rs.Rows = append(rs.Rows, row)
	}

	result, err := rr.Close()
	if err != nil {
		return nil, err
	}
	rs.RowsAffected = result.RowsAffected()

	if rs.Columns == nil && len(fields) > 0 {
		rs.Columns = make([]string, len(fields))
		rs.ColumnOIDs = make([]uint32, len(fields))
		for i, fd := range fields {
			rs.Columns[i] = fd.Name
			rs.ColumnOIDs[i] = fd.DataTypeOID
		}
	}

	return rs, nil
}
