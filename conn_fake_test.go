package pgdb

import (
	"context"
	"os"
	"sync"
)

// fakeConn is a hand-written fake of the conn collaborator, standing in
// for a live PostgreSQL backend. It is a plain struct rather than a
// testify mock.Mock: the state machine under test depends on multi-step
// async completion and notification ordering that a call-recording mock
// cannot script as directly as a small hand-rolled fake can.
type fakeConn struct {
	mu sync.Mutex

	pid     uint32
	noReuse bool
	closed  bool
	pingErr error

	execErr   map[string]error
	execCalls []string

	stmts map[string]Stmt

	rowsFor map[string]*RowSet
	errFor  map[string]error

	inbox []Notification

	lastAsync *fakeAsyncQuery

	pr, pw *os.File
}

func newFakeConn(pid uint32) *fakeConn {
	r, w, err := os.Pipe()
	if err != nil {
		panic(err)
	}
	return &fakeConn{
		pid:     pid,
		execErr: make(map[string]error),
		stmts:   make(map[string]Stmt),
		rowsFor: make(map[string]*RowSet),
		errFor:  make(map[string]error),
		pr:      r,
		pw:      w,
	}
}

func (c *fakeConn) Backend() BackendInfo { return BackendInfo{PID: c.pid} }

func (c *fakeConn) Ping(ctx context.Context) error { return c.pingErr }

func (c *fakeConn) Close(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	c.pr.Close()
	c.pw.Close()
	return nil
}

func (c *fakeConn) WatchFd() int { return int(c.pr.Fd()) }

func (c *fakeConn) Exec(ctx context.Context, sql string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.execCalls = append(c.execCalls, sql)
	return c.execErr[sql]
}

type fakeStmt struct{ sql string }

func (s *fakeStmt) SQL() string { return s.sql }

func (c *fakeConn) Prepare(ctx context.Context, sql string) (Stmt, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if s, ok := c.stmts[sql]; ok {
		return s, nil
	}
	s := &fakeStmt{sql: sql}
	c.stmts[sql] = s
	return s, nil
}

func (c *fakeConn) ExecPrepared(ctx context.Context, stmt Stmt, args []any, dollarOnly bool) (*RowSet, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	sql := stmt.SQL()
	if err, ok := c.errFor[sql]; ok {
		return nil, err
	}
	if rs, ok := c.rowsFor[sql]; ok {
		return rs, nil
	}
	return &RowSet{}, nil
}

type fakeAsyncQuery struct {
	mu    sync.Mutex
	ready bool
	rows  *RowSet
	err   error
}

func (a *fakeAsyncQuery) Ready() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.ready
}

func (a *fakeAsyncQuery) Fetch(ctx context.Context) (*RowSet, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.rows, a.err
}

func (a *fakeAsyncQuery) complete(rows *RowSet, err error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.ready = true
	a.rows = rows
	a.err = err
}

func (c *fakeConn) SubmitAsync(stmt Stmt, args []any, dollarOnly bool) (AsyncQuery, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	aq := &fakeAsyncQuery{}
	c.lastAsync = aq
	return aq, nil
}

func (c *fakeConn) DrainNotifications() []Notification {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.inbox) == 0 {
		return nil
	}
	out := c.inbox
	c.inbox = nil
	return out
}

func (c *fakeConn) pushNotification(n Notification) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.inbox = append(c.inbox, n)
}

func (c *fakeConn) NoReuse() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.noReuse
}

func (c *fakeConn) MarkNoReuse() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.noReuse = true
}

func (c *fakeConn) AsyncPending() bool {
	c.mu.Lock()
	aq := c.lastAsync
	c.mu.Unlock()
	return aq != nil && !aq.Ready()
}

// fakeReactor is a manually-triggered Reactor: tests call TriggerLast /
// TriggerLastClose to simulate the event loop waking the Session up,
// instead of driving real epoll/kqueue readiness.
type fakeReactor struct {
	mu      sync.Mutex
	fds     []int
	onRead  map[int]func()
	onClose map[int]func()
}

func newFakeReactor() *fakeReactor {
	return &fakeReactor{onRead: make(map[int]func()), onClose: make(map[int]func())}
}

func (r *fakeReactor) Watch(fd int, onReadable func(), onClose func()) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.onRead[fd]; !ok {
		r.fds = append(r.fds, fd)
	}
	r.onRead[fd] = onReadable
	r.onClose[fd] = onClose
}

func (r *fakeReactor) Unwatch(fd int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.onRead, fd)
	delete(r.onClose, fd)
}

func (r *fakeReactor) TriggerLast() {
	r.mu.Lock()
	fd := r.fds[len(r.fds)-1]
	fn := r.onRead[fd]
	r.mu.Unlock()
	if fn != nil {
		fn()
	}
}

func (r *fakeReactor) TriggerLastClose() {
	r.mu.Lock()
	fd := r.fds[len(r.fds)-1]
	fn := r.onClose[fd]
	r.mu.Unlock()
	if fn != nil {
		fn()
	}
}

func (r *fakeReactor) watchedCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.onRead)
}
