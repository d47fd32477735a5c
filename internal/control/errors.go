package control

import (
	"fmt"
	"time"
)

// DefaultPortOpDeadline bounds outbound port_add/port_remove and similar
// proxied requests from the local control socket to a container (spec
// §4.7: "10 s deadline").
const DefaultPortOpDeadline = 10 * time.Second

// ErrorKind is the core's fixed vocabulary of error kinds (spec §7). Every
// structured error surfaced to a caller or over the wire carries one.
type ErrorKind string

const (
	KindInvalidInput      ErrorKind = "invalid_input"
	KindUnknownSelector   ErrorKind = "unknown_selector"
	KindNotConnected      ErrorKind = "not_connected"
	KindTimeout           ErrorKind = "timeout"
	KindTransportClosed   ErrorKind = "transport_closed"
	KindInstallFailed     ErrorKind = "install_failed"
	KindConflict          ErrorKind = "conflict"
	KindExternalToolError ErrorKind = "external_tool_failed"
	KindFatal             ErrorKind = "fatal"
)

// Error pairs one of the fixed kinds with a human-readable message. Its
// Error() string is what ends up in a {"ok": false, "error": "..."} payload.
type Error struct {
	Kind ErrorKind
	Msg  string
}

func (e *Error) Error() string {
	if e.Msg == "" {
		return string(e.Kind)
	}
	return e.Msg
}

// Errorf builds a *Error of the given kind.
func Errorf(kind ErrorKind, format string, args ...any) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// ErrTimeout is returned by Correlator.Wait when a caller's deadline fires
// before a matching response arrives.
var ErrTimeout = &Error{Kind: KindTimeout, Msg: "timeout waiting for response"}

// ErrTransportClosed is used to fail every pending waiter on a connection
// whose underlying transport has died.
var ErrTransportClosed = &Error{Kind: KindTransportClosed, Msg: "transport closed"}
