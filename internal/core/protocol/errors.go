package protocol

import "fmt"

// Kind classifies protocol failures. The hub uses the kind to decide whether
// a connection survives the error.
type Kind string

const (
	KindProtocol         Kind = "protocol_error"
	KindSchema           Kind = "schema_error"
	KindSessionMismatch  Kind = "session_mismatch"
	KindUnauthorized     Kind = "unauthorized"
	KindSizeLimit        Kind = "size_limit_exceeded"
	KindCommandTimeout   Kind = "command_timeout"
	KindBackpressureDrop Kind = "backpressure_drop"
	KindStaleHeartbeat   Kind = "stale_heartbeat"
)

// Sentinels for errors.Is matching. Any *Error with the same Kind matches.
var (
	ErrProtocol         = &Error{Kind: KindProtocol}
	ErrSchema           = &Error{Kind: KindSchema}
	ErrSessionMismatch  = &Error{Kind: KindSessionMismatch}
	ErrUnauthorized     = &Error{Kind: KindUnauthorized}
	ErrSizeLimit        = &Error{Kind: KindSizeLimit}
	ErrCommandTimeout   = &Error{Kind: KindCommandTimeout}
	ErrBackpressureDrop = &Error{Kind: KindBackpressureDrop}
	ErrStaleHeartbeat   = &Error{Kind: KindStaleHeartbeat}
)

// Error is a classified protocol failure.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func newError(kind Kind, err error, format string, args ...any) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...), Err: err}
}

func (e *Error) Error() string {
	switch {
	case e.Msg != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Err)
	case e.Msg != "":
		return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	default:
		return string(e.Kind)
	}
}

func (e *Error) Unwrap() error { return e.Err }

// Is reports whether target is an *Error of the same kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// Fatal reports whether a connection must be closed after this error.
// Transport noise (bad frames, oversized frames, schema problems) is
// recoverable; trust-boundary violations are not.
func (e *Error) Fatal() bool {
	switch e.Kind {
	case KindSessionMismatch, KindUnauthorized:
		return true
	default:
		return false
	}
}

// Wire codes carried in command_result error bodies.
const (
	CodeInvalidTarget      = "invalid_target"
	CodePublisherMissing   = "publisher_missing"
	CodeUnsupportedCommand = "unsupported_command"
	CodeRoleViolation      = "role_violation"
	CodeTimeout            = "timeout"
	CodeInvalidRequest     = "invalid_request"
	CodeInvalidArgs        = "invalid_args"
	CodeFocusFailed        = "focus_failed"
	CodePatchUnavailable   = "patch_unavailable"
)
