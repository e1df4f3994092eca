package pgdb

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"golang.org/x/sys/unix"
)

// AsyncCallback is the continuation a caller supplies to QueryAsync. It is
// invoked from whatever goroutine owns the Session's Reactor, exactly once.
// err is nil on success; res is non-nil whenever the query completed, even
// alongside a query error, so the caller can still inspect the statement's
// error state. res is nil when err is ErrPrematureClose.
type AsyncCallback func(sess *Session, err error, res *Results)

// NotificationHandler receives LISTEN/NOTIFY deliveries, the
// "notification(channel, backend_pid, payload)" event.
type NotificationHandler func(sess *Session, n Notification)

// CloseHandler receives the "close()" event: the backend disappeared
// while the session was still subscribed to at least one channel.
type CloseHandler func(sess *Session)

type waitingAsync struct {
	queryID uuid.UUID
	sql     string
	stmt    Stmt
	aq      AsyncQuery
	cb      AsyncCallback
}

// Session owns exactly one Backend Connection for its lifetime. It is not
// safe for concurrent use: all of a Session's methods and its Reactor
// callbacks run on a single cooperative event-loop goroutine.
type Session struct {
	mgr     *Manager
	conn    conn
	reactor Reactor
	logger  *slog.Logger

	onNotification NotificationHandler
	onClose        CloseHandler

	listens map[string]struct{}
	waiting *waitingAsync

	dollarOnceSet bool

	watched   bool
	watchedFd int

	closed bool
}

func newSession(mgr *Manager, c conn, reactor Reactor, logger *slog.Logger, onNotification NotificationHandler, onClose CloseHandler) *Session {
	if reactor == nil {
		reactor = noopReactor{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Session{
		mgr:            mgr,
		conn:           c,
		reactor:        reactor,
		logger:         logger,
		onNotification: onNotification,
		onClose:        onClose,
		listens:        make(map[string]struct{}),
	}
}

// PID returns the server-side backend PID, used by tests to
// terminate the backend out of band.
func (s *Session) PID() uint32 { return s.conn.Backend().PID }

// Ping reports whether the connection is still alive.
func (s *Session) Ping(ctx context.Context) bool {
	return s.conn.Ping(ctx) == nil
}

// DollarOnly sets the one-shot "dollar-only placeholders" flag consumed by
// the next Query or QueryAsync call.
func (s *Session) DollarOnly() *Session {
	s.dollarOnceSet = true
	return s
}

// IsListening reports whether channel is in this session's listen set.
func (s *Session) IsListening(channel string) bool {
	_, ok := s.listens[channel]
	return ok
}

// Query runs sql synchronously and returns its Results.
func (s *Session) Query(ctx context.Context, sql string, params ...any) (*Results, error) {
	if s.waiting != nil {
		return nil, ErrBusy
	}

	dollarOnly := s.consumeDollarOnly()
	rendered := rewritePlaceholders(sql, dollarOnly)

	stmt, err := s.conn.Prepare(ctx, rendered)
	if err != nil {
		return nil, err
	}

	rows, execErr := s.conn.ExecPrepared(ctx, stmt, params, dollarOnly)
	s.drainAndEmit()

	res := &Results{stmt: stmt, rows: rows, err: execErr}
	if execErr != nil {
		return res, execErr
	}
	return res, nil
}

// QueryAsync submits sql without blocking. cb fires exactly once, from the
// Reactor's goroutine, once the driver reports completion.
func (s *Session) QueryAsync(ctx context.Context, sql string, cb AsyncCallback, params ...any) error {
	if s.waiting != nil {
		return ErrBusy
	}

	dollarOnly := s.consumeDollarOnly()
	rendered := rewritePlaceholders(sql, dollarOnly)

	stmt, err := s.conn.Prepare(ctx, rendered)
	if err != nil {
		return err
	}

	aq, err := s.conn.SubmitAsync(stmt, params, dollarOnly)
	if err != nil {
		return err
	}

	queryID := uuid.New()
	s.waiting = &waitingAsync{queryID: queryID, sql: rendered, stmt: stmt, aq: aq, cb: cb}
	s.logger.Debug("pgdb: async query submitted", "query_id", queryID, "pid", s.PID())
	s.updateWatch()
	return nil
}

func (s *Session) consumeDollarOnly() bool {
	v := s.dollarOnceSet
	s.dollarOnceSet = false
	return v
}

// Listen issues LISTEN for channel (idempotent) and ensures the socket is
// watched.
func (s *Session) Listen(ctx context.Context, channel string) error {
	if _, ok := s.listens[channel]; ok {
		return nil
	}
	if err := s.conn.Exec(ctx, "LISTEN "+quoteIdent(channel)); err != nil {
		return err
	}
	s.listens[channel] = struct{}{}
	s.updateWatch()
	return nil
}

// Unlisten issues UNLISTEN for channel, or for every channel when channel
// is "*".
func (s *Session) Unlisten(ctx context.Context, channel string) error {
	target := "*"
	if channel != "*" {
		target = quoteIdent(channel)
	}
	if err := s.conn.Exec(ctx, "UNLISTEN "+target); err != nil {
		return err
	}
	if channel == "*" {
		s.listens = make(map[string]struct{})
	} else {
		delete(s.listens, channel)
	}
	s.updateWatch()
	return nil
}

// Notify issues NOTIFY channel[, payload]. Because the issuing session may
// itself be listening on channel, its own notification inbox is drained
// before Notify returns.
func (s *Session) Notify(ctx context.Context, channel string, payload *string) error {
	sql := "NOTIFY " + quoteIdent(channel)
	if payload != nil {
		sql = fmt.Sprintf("NOTIFY %s, %s", quoteIdent(channel), quoteLiteral(*payload))
	}
	if err := s.conn.Exec(ctx, sql); err != nil {
		return err
	}
	s.drainAndEmit()
	return nil
}

// tablesQuery lists user-visible tables and views, excluding pg_catalog
// and information_schema.
const tablesQuery = `SELECT table_name FROM information_schema.tables
	WHERE table_schema NOT IN ('pg_catalog', 'information_schema')
	AND table_type IN ('BASE TABLE', 'VIEW')
	ORDER BY table_name`

// Tables returns user-visible table and view names, excluding pg_catalog
// and information_schema.
func (s *Session) Tables(ctx context.Context) ([]string, error) {
	res, err := s.Query(ctx, tablesQuery)
	if err != nil {
		return nil, err
	}
	rows := res.Arrays()
	out := make([]string, 0, len(rows))
	for _, row := range rows {
		if len(row) > 0 {
			if name, ok := row[0].(string); ok {
				out = append(out, name)
			}
		}
	}
	return out, nil
}

// Insert builds an INSERT statement with NewBuilder().Insert and runs it
// through Query.
func (s *Session) Insert(ctx context.Context, table string, row map[string]any, opts *InsertOptions) (*Results, error) {
	sql, args, err := NewBuilder().Insert(table, row, opts)
	if err != nil {
		return nil, err
	}
	return s.Query(ctx, sql, args...)
}

// Update builds an UPDATE statement with NewBuilder().Update and runs it
// through Query.
func (s *Session) Update(ctx context.Context, table string, set map[string]any, where string, whereArgs []any, returning []string) (*Results, error) {
	sql, args, err := NewBuilder().Update(table, set, where, whereArgs, returning)
	if err != nil {
		return nil, err
	}
	return s.Query(ctx, sql, args...)
}

// Delete builds a DELETE statement with NewBuilder().Delete and runs it
// through Query.
func (s *Session) Delete(ctx context.Context, table string, where string, whereArgs []any, returning []string) (*Results, error) {
	sql, args, err := NewBuilder().Delete(table, where, whereArgs, returning)
	if err != nil {
		return nil, err
	}
	return s.Query(ctx, sql, args...)
}

// Select builds a SELECT statement with NewBuilder().Select and runs it
// through Query.
func (s *Session) Select(ctx context.Context, cols []string, sources []any, opts *SelectOptions) (*Results, error) {
	sql, args, err := NewBuilder().Select(cols, sources, opts)
	if err != nil {
		return nil, err
	}
	return s.Query(ctx, sql, args...)
}

// Begin issues BEGIN, optionally with ISOLATION LEVEL isolation, and
// returns a Transaction scoped to this Session.
func (s *Session) Begin(ctx context.Context, isolation string) (*Transaction, error) {
	sql := "BEGIN"
	if isolation != "" {
		sql = fmt.Sprintf("BEGIN ISOLATION LEVEL %s", isolation)
	}
	if _, err := s.Query(ctx, sql); err != nil {
		return nil, err
	}
	return &Transaction{sess: s, state: txOpen, isolation: isolation}, nil
}

// Disconnect unwatches the socket and closes the underlying connection
// directly, bypassing the Manager's cache.
func (s *Session) Disconnect(ctx context.Context) error {
	s.forceUnwatch()
	return s.conn.Close(ctx)
}

// Close ends the Session. If an async query is in flight its continuation
// fires with ErrPrematureClose. The backend connection is then offered
// back to the Manager's cache, which admits or discards it: a connection
// with live LISTEN subscriptions or an async query still running in the
// driver is never admitted, since the next Session to pick it up would
// otherwise silently inherit notifications it never subscribed to, or
// race the still-running async call. Close is idempotent.
func (s *Session) Close() {
	if s.closed {
		return
	}
	s.closed = true

	if s.waiting != nil {
		w := s.waiting
		s.waiting = nil
		w.cb(s, ErrPrematureClose, nil)
	}

	hasSubscriptions := len(s.listens) > 0
	s.forceUnwatch()
	s.mgr.enqueue(s.conn, hasSubscriptions)
}

// updateWatch registers or unregisters the socket with the Reactor so that
// "watched" always tracks (async in flight) OR (listen set non-empty).
func (s *Session) updateWatch() {
	shouldWatch := s.waiting != nil || len(s.listens) > 0
	if shouldWatch == s.watched {
		return
	}
	if shouldWatch {
		fd, err := unix.Dup(s.conn.WatchFd())
		if err != nil {
			s.logger.Error("pgdb: failed to duplicate watch fd", "error", err)
			return
		}
		s.watchedFd = fd
		s.watched = true
		s.reactor.Watch(fd, s.onReadable, s.onSocketClose)
	} else {
		s.forceUnwatch()
	}
}

func (s *Session) forceUnwatch() {
	if !s.watched {
		return
	}
	s.reactor.Unwatch(s.watchedFd)
	unix.Close(s.watchedFd)
	s.watched = false
	s.watchedFd = -1
}

// onReadable is the Reactor's readability callback: it drains pending
// notifications, then checks whether the in-flight async query (if any)
// has completed.
func (s *Session) onReadable() {
	if s.conn.NoReuse() {
		s.onSocketClose()
		return
	}

	for _, n := range s.conn.DrainNotifications() {
		s.emitNotification(n)
	}

	if s.conn.NoReuse() {
		s.onSocketClose()
		return
	}

	if s.waiting != nil && s.waiting.aq.Ready() {
		w := s.waiting
		s.waiting = nil

		rows, err := w.aq.Fetch(context.Background())
		var res *Results
		if rows != nil || err != nil {
			res = &Results{stmt: w.stmt, rows: rows, err: err}
		}
		s.updateWatch()
		w.cb(s, err, res)
		return
	}

	s.updateWatch()
}

// onSocketClose handles peer-disconnect detection while watched.
func (s *Session) onSocketClose() {
	wasListening := len(s.listens) > 0
	s.forceUnwatch()

	if s.waiting != nil {
		w := s.waiting
		s.waiting = nil
		w.cb(s, ErrPrematureClose, nil)
	}

	if wasListening {
		s.emitClose()
	}
}

func (s *Session) drainAndEmit() {
	for _, n := range s.conn.DrainNotifications() {
		s.emitNotification(n)
	}
}

func (s *Session) emitNotification(n Notification) {
	s.logger.Debug("pgdb: notification received", "channel", n.Channel, "pid", n.PID)
	if s.onNotification != nil {
		s.onNotification(s, n)
	}
}

func (s *Session) emitClose() {
	s.logger.Debug("pgdb: session backend closed while subscribed", "pid", s.PID())
	if s.onClose != nil {
		s.onClose(s)
	}
}

// quoteLiteral single-quotes a SQL string literal, doubling any embedded
// single quotes, for NOTIFY payloads.
func quoteLiteral(s string) string {
	var b []byte
	b = append(b, '\'')
	for i := 0; i < len(s); i++ {
		if s[i] == '\'' {
			b = append(b, '\'', '\'')
		} else {
			b = append(b, s[i])
		}
	}
	b = append(b, '\'')
	return string(b)
}
