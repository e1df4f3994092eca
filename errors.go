package pgdb

import "fmt"

// Kind categorizes an Error into a small closed set of stable kinds
// callers can switch on or match with errors.Is against the
// package-level sentinels below, rather than string-matching Error().
type Kind string

const (
	// KindUsage marks a precondition violated by the caller: a busy
	// session, a double-commit, a bad builder option shape. Raised
	// synchronously, never retried.
	KindUsage Kind = "usage_error"
	// KindQuery marks a SQL or server-side error. Synchronous queries
	// return it directly; asynchronous queries deliver it to the
	// continuation.
	KindQuery Kind = "query_error"
	// KindConnection marks a lost socket, a premature close, or a
	// failed ping.
	KindConnection Kind = "connection_error"
	// KindBuilder marks a malformed option passed to the SQL builder
	// extension, raised synchronously at build time.
	KindBuilder Kind = "builder_error"
)

// Error is the error type returned throughout pgdb: a stable kind, a
// human message, and an optional wrapped cause for errors.Is/errors.As
// chains.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("pgdb: %s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("pgdb: %s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// Is lets errors.Is match on Kind+Message alone, so the package-level
// sentinels below (ErrBusy, ErrPrematureClose, ...) compare equal to any
// *Error carrying the same stable string, regardless of wrapped cause.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind && e.Message == t.Message
}

func newError(kind Kind, message string, err error) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

// Error strings of record. These are the stable messages callers may
// match against; they are never reworded.
const (
	msgBusy           = "Non-blocking query already in progress"
	msgPrematureClose = "Premature connection close"
)

// Sentinel errors for errors.Is comparisons. Wrapped causes (if any) are
// attached at the call site, not here.
var (
	// ErrBusy is returned by Query when an async query is already in
	// flight on the session.
	ErrBusy = newError(KindUsage, msgBusy, nil)
	// ErrPrematureClose is delivered to an async continuation when its
	// session is dropped, or when the Reactor reports the socket closed
	// while the query is still in flight. Listeners are told of a closed
	// socket through the close() event, not through this error.
	ErrPrematureClose = newError(KindConnection, msgPrematureClose, nil)
)

func usageErrorf(format string, args ...any) *Error {
	return newError(KindUsage, fmt.Sprintf(format, args...), nil)
}

func queryError(sql string, err error) *Error {
	return newError(KindQuery, fmt.Sprintf("query failed: %s", sql), err)
}

func connectionError(message string, err error) *Error {
	return newError(KindConnection, message, err)
}

func builderErrorf(format string, args ...any) *Error {
	return newError(KindBuilder, fmt.Sprintf(format, args...), nil)
}
