package server

import (
	"errors"
	"fmt"
)

var (
	// ErrAlreadyRunning is returned by Start when the server is already accepting.
	ErrAlreadyRunning = errors.New("server: already running")

	// ErrSessionClosed is wrapped by SendError when the session can no longer write.
	ErrSessionClosed = errors.New("server: session closed")

	// ErrServerFull is reported when a connection is refused because
	// MaxSessions sessions are already connected.
	ErrServerFull = errors.New("server: session limit reached")
)

// BindError is returned by Start when the listening endpoint cannot be bound.
type BindError struct {
	Addr string
	Err  error
}

func (e *BindError) Error() string {
	return fmt.Sprintf("server: bind %s: %v", e.Addr, e.Err)
}

func (e *BindError) Unwrap() error {
	return e.Err
}

// SendError is returned by Session.Send when a response could not be written.
// It never affects other sessions or the accept loop.
type SendError struct {
	SessionID uint64
	Err       error
}

func (e *SendError) Error() string {
	return fmt.Sprintf("server: session %d: send: %v", e.SessionID, e.Err)
}

func (e *SendError) Unwrap() error {
	return e.Err
}

// HandlerPanicError wraps a value recovered from a panicking protocol callback.
type HandlerPanicError struct {
	Value any
	Stack []byte
}

func (e *HandlerPanicError) Error() string {
	return fmt.Sprintf("server: handler panic: %v", e.Value)
}
