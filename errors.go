package kephaslink

import (
	"errors"
	"fmt"
)

var (
	// ErrNoAvailableNode is returned when no node is in the Open state.
	ErrNoAvailableNode = errors.New("no available node")

	// ErrPlayerDestroyed is returned by operations on a player after Destroy.
	ErrPlayerDestroyed = errors.New("player destroyed")

	// ErrConnectionClosed is returned when sending on a closed transport.
	ErrConnectionClosed = errors.New(ErrConnectionClosedMsg)
)

// ProtocolError reports a malformed frame, handshake or control message.
// On the transport it drops the connection; on the node dispatch path it is
// reported as a non-fatal event.
type ProtocolError struct {
	Reason string
	Err    error
}

func (e *ProtocolError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("protocol error: %s: %v", e.Reason, e.Err)
	}
	return "protocol error: " + e.Reason
}

func (e *ProtocolError) Unwrap() error { return e.Err }

// NewProtocolError formats a ProtocolError.
func NewProtocolError(format string, args ...any) *ProtocolError {
	return &ProtocolError{Reason: fmt.Sprintf(format, args...)}
}

// RPCError reports a failed control-plane HTTP call. It is never retried by
// the library.
type RPCError struct {
	Method  string
	Path    string
	Status  int
	Message string
	Err     error
}

func (e *RPCError) Error() string {
	switch {
	case e.Err != nil:
		return fmt.Sprintf("rpc %s %s: %v", e.Method, e.Path, e.Err)
	case e.Message != "":
		return fmt.Sprintf("rpc %s %s: status %d: %s", e.Method, e.Path, e.Status, e.Message)
	default:
		return fmt.Sprintf("rpc %s %s: status %d", e.Method, e.Path, e.Status)
	}
}

func (e *RPCError) Unwrap() error { return e.Err }

// InvalidArgumentError reports caller misuse of an argument. No state is
// mutated when it is returned.
type InvalidArgumentError struct {
	Param  string
	Reason string
}

func (e *InvalidArgumentError) Error() string {
	return fmt.Sprintf("invalid argument %q: %s", e.Param, e.Reason)
}

// InvalidStateError reports an operation that is not allowed in the current
// player state. No state is mutated when it is returned.
type InvalidStateError struct {
	Op     string
	Reason string
}

func (e *InvalidStateError) Error() string {
	return fmt.Sprintf("invalid state for %s: %s", e.Op, e.Reason)
}

// IndexError reports an out-of-range 1-based queue position.
type IndexError struct {
	Position int
	Size     int
}

func (e *IndexError) Error() string {
	return fmt.Sprintf("queue position %d out of range [1, %d]", e.Position, e.Size)
}
