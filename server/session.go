package server

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cyberinferno/sessionkit/frame"
	"github.com/cyberinferno/sessionkit/logger"
)

// State is the lifecycle state of a Session.
type State int32

const (
	StateConnecting   State = iota // Accepted, waiting for Protocol.OnWelcome
	StateActive                    // Welcomed and in the server's active set
	StateClosing                   // Close in progress; graceful callback running
	StateClosed                    // Closed through Close or rejected at welcome
	StateDisconnected              // Lost to an I/O failure not initiated by Close
)

// String returns a human-readable name for the state.
func (st State) String() string {
	switch st {
	case StateConnecting:
		return "Connecting"
	case StateActive:
		return "Active"
	case StateClosing:
		return "Closing"
	case StateClosed:
		return "Closed"
	case StateDisconnected:
		return "Disconnected"
	default:
		return "Unknown"
	}
}

// SessionInfo is a point-in-time description of a session.
type SessionInfo struct {
	ID          uint64    `json:"id"`
	RemoteAddr  string    `json:"remote_addr"`
	State       string    `json:"state"`
	ConnectedAt time.Time `json:"connected_at"`
	Data        string    `json:"data,omitempty"`
}

// Session owns one accepted connection. Its writes are serialized so that a
// direct reply and a concurrent broadcast never interleave on the wire.
type Session struct {
	id          uint64
	conn        net.Conn
	server      *Server
	logger      logger.Logger
	connectedAt time.Time
	ctx         context.Context
	cancel      context.CancelFunc

	state   atomic.Int32
	writeMu sync.Mutex

	dataMu sync.RWMutex
	data   any
}

func newSession(srv *Server, id uint64, conn net.Conn) *Session {
	s := &Session{
		id:          id,
		conn:        conn,
		server:      srv,
		connectedAt: time.Now(),
		logger: srv.logger.With(
			logger.Field{Key: "session_id", Value: id},
			logger.Field{Key: "remote", Value: conn.RemoteAddr().String()},
		),
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.state.Store(int32(StateConnecting))
	return s
}

// ID returns the session's server-assigned identifier.
func (s *Session) ID() uint64 {
	return s.id
}

// RemoteAddr returns the peer address.
func (s *Session) RemoteAddr() net.Addr {
	return s.conn.RemoteAddr()
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	return State(s.state.Load())
}

// Server returns the server that accepted the session.
func (s *Session) Server() *Server {
	return s.server
}

// Logger returns the session-scoped logger.
func (s *Session) Logger() logger.Logger {
	return s.logger
}

// Context returns a context that is cancelled when the session ends.
func (s *Session) Context() context.Context {
	return s.ctx
}

// ConnectedAt returns the time the connection was accepted.
func (s *Session) ConnectedAt() time.Time {
	return s.connectedAt
}

// Data returns the caller-defined session payload, or nil when none is set.
func (s *Session) Data() any {
	s.dataMu.RLock()
	defer s.dataMu.RUnlock()
	return s.data
}

// SetData replaces the caller-defined session payload. Passing nil clears it.
func (s *Session) SetData(v any) {
	s.dataMu.Lock()
	defer s.dataMu.Unlock()
	s.data = v
}

// SwapData replaces the session payload and returns the previous one. When
// several goroutines race to clear the same payload, exactly one observes it.
func (s *Session) SwapData(v any) any {
	s.dataMu.Lock()
	defer s.dataMu.Unlock()
	old := s.data
	s.data = v
	return old
}

// Info returns a snapshot of the session suitable for JSON encoding.
func (s *Session) Info() SessionInfo {
	info := SessionInfo{
		ID:          s.id,
		RemoteAddr:  s.conn.RemoteAddr().String(),
		State:       s.State().String(),
		ConnectedAt: s.connectedAt,
	}

	if data := s.Data(); data != nil {
		info.Data = fmt.Sprint(data)
	}

	return info
}

// Send writes a response frame to the peer.
//
// Parameters:
//   - resp: The response to send
//
// Returns:
//   - nil on success, or a *SendError. A failed write retires the session
//     through the abrupt-disconnect path.
func (s *Session) Send(resp frame.Response) error {
	return s.SendRaw(resp.Body())
}

// SendRaw writes an arbitrary packet body to the peer. It behaves like Send.
func (s *Session) SendRaw(body []byte) error {
	switch s.State() {
	case StateConnecting, StateActive, StateClosing:
	default:
		return &SendError{SessionID: s.id, Err: ErrSessionClosed}
	}

	s.writeMu.Lock()
	err := s.write(body)
	s.writeMu.Unlock()

	if err == nil {
		return nil
	}

	if errors.Is(err, frame.ErrBodyTooLarge) {
		return &SendError{SessionID: s.id, Err: err}
	}

	s.server.metrics.sendErrors.Inc()
	s.logger.Debug("session write failed", logger.Err(err))
	s.abort()
	return &SendError{SessionID: s.id, Err: err}
}

func (s *Session) write(body []byte) error {
	if timeout := s.server.cfg.WriteTimeout; timeout > 0 {
		if err := s.conn.SetWriteDeadline(time.Now().Add(timeout)); err != nil {
			return err
		}
	}

	return frame.WritePacket(s.conn, body, s.server.cfg.Limits)
}

// Close performs the graceful path: the session leaves the active set, the
// protocol's OnGracefulDisconnect runs, then the connection is closed.
// Calling Close more than once, or after an abrupt disconnect, is a no-op.
//
// Returns:
//   - The error from closing the connection, if any
func (s *Session) Close() error {
	for {
		switch cur := s.State(); cur {
		case StateConnecting:
			if s.state.CompareAndSwap(int32(cur), int32(StateClosed)) {
				s.cancel()
				return s.conn.Close()
			}
		case StateActive:
			if s.state.CompareAndSwap(int32(cur), int32(StateClosing)) {
				return s.server.retireGraceful(s)
			}
		default:
			return nil
		}
	}
}

// abort moves the session to Disconnected unless a Close already claimed it.
// Only sessions that were active fire the abrupt callback.
func (s *Session) abort() {
	for {
		switch cur := s.State(); cur {
		case StateConnecting:
			if s.state.CompareAndSwap(int32(cur), int32(StateDisconnected)) {
				s.cancel()
				_ = s.conn.Close()
				return
			}
		case StateActive:
			if s.state.CompareAndSwap(int32(cur), int32(StateDisconnected)) {
				s.server.retireAbrupt(s)
				return
			}
		default:
			return
		}
	}
}

// readLoop delivers frames until the connection fails. A read error after
// Close is the shutdown signal, not a protocol fault; abort tells them apart
// by the state Close left behind.
func (s *Session) readLoop() {
	reader := bufio.NewReader(s.conn)
	for {
		body, err := frame.ReadPacket(reader, s.server.cfg.Limits)
		if err != nil {
			if s.State() == StateActive {
				s.logger.Debug("session read ended", logger.Err(err))
			}

			s.abort()
			return
		}

		s.server.metrics.framesReceived.Inc()
		s.server.deliver(s, body)
	}
}
