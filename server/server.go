// Package server implements a protocol-pluggable concurrent TCP session
// server. A Server owns one listener and one Protocol; every accepted
// connection becomes a Session with its own read goroutine, and frames are
// handed to the Protocol in arrival order.
package server

import (
	"errors"
	"fmt"
	"net"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/cyberinferno/sessionkit/frame"
	"github.com/cyberinferno/sessionkit/logger"
)

// Config holds the listening and per-session settings of a Server.
type Config struct {
	// Name identifies the server in logs and metrics.
	Name string
	// Addr is the "host:port" to listen on. When empty, the protocol's
	// declared Port is used.
	Addr string
	// MaxSessions caps concurrent sessions, counting those still in welcome,
	// on every entry path (listener and ServeConn); 0 means unlimited.
	MaxSessions int
	// Limits bounds frame sizes in both directions.
	Limits frame.Limits
	// WriteTimeout bounds each Send; 0 means no deadline.
	WriteTimeout time.Duration
}

// DefaultConfig returns a Config with default limits and no session cap.
func DefaultConfig() Config {
	return Config{
		Name:         "sessionkit",
		Limits:       frame.DefaultLimits(),
		WriteTimeout: 10 * time.Second,
	}
}

// FailureHandler receives handler errors that no protocol mapping covered,
// and recovered panics. s is nil when the failure is not tied to a session.
type FailureHandler func(s *Session, err error)

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the server's logger. Sessions derive theirs from it.
func WithLogger(l logger.Logger) Option {
	return func(s *Server) {
		s.logger = l
	}
}

// WithRegistry registers the server's metrics on reg instead of a private registry.
func WithRegistry(reg *prometheus.Registry) Option {
	return func(s *Server) {
		s.registry = reg
	}
}

// WithFailureHandler sets the callback invoked by ReportFailure.
func WithFailureHandler(h FailureHandler) Option {
	return func(s *Server) {
		s.onFailure = h
	}
}

// Server accepts connections and drives one Protocol over all of them.
type Server struct {
	cfg       Config
	protocol  Protocol
	logger    logger.Logger
	registry  *prometheus.Registry
	metrics   *Metrics
	onFailure FailureHandler
	sessions  registry

	mu         sync.Mutex
	listener   net.Listener
	acceptDone chan struct{}
	running    atomic.Bool
	wg         sync.WaitGroup
}

// New creates a stopped Server for protocol p.
//
// Parameters:
//   - cfg: Listening and session settings (see DefaultConfig)
//   - p: The protocol serving every session
//   - opts: Optional logger, metrics registry and failure handler
//
// Returns:
//   - A Server ready to Start
func New(cfg Config, p Protocol, opts ...Option) *Server {
	if cfg.Name == "" {
		cfg.Name = "sessionkit"
	}

	if cfg.Limits.MaxBodyBytes == 0 {
		cfg.Limits = frame.DefaultLimits()
	}

	s := &Server{cfg: cfg, protocol: p}
	for _, opt := range opts {
		opt(s)
	}

	if s.logger == nil {
		s.logger = logger.Nop()
	}

	if s.registry == nil {
		s.registry = prometheus.NewRegistry()
	}

	s.logger = s.logger.With(logger.Field{Key: "server", Value: cfg.Name})
	s.metrics = newMetrics(s.registry, cfg.Name)
	return s
}

// Start binds the listening endpoint and starts the accept loop in a goroutine.
//
// Returns:
//   - ErrAlreadyRunning if the server is running, or a *BindError if the
//     address cannot be bound; the server is not running in either case
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running.Load() {
		return ErrAlreadyRunning
	}

	addr := s.listenAddr()
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		s.logger.Error("server failed to start", logger.Field{Key: "addr", Value: addr}, logger.Err(err))
		return &BindError{Addr: addr, Err: err}
	}

	s.listener = ln
	s.acceptDone = make(chan struct{})
	s.running.Store(true)

	s.logger.Info(fmt.Sprintf("%s server started", s.cfg.Name), logger.Field{Key: "addr", Value: ln.Addr().String()})
	go s.acceptLoop(ln, s.acceptDone)

	return nil
}

// Stop ends the accept loop, closes every active session through the
// graceful path, waits for their goroutines, and releases the listener.
// Safe to call when the server is not running.
func (s *Server) Stop() {
	s.mu.Lock()
	if !s.running.CompareAndSwap(true, false) {
		s.mu.Unlock()
		return
	}

	ln, done := s.listener, s.acceptDone
	s.mu.Unlock()

	_ = ln.Close()
	<-done

	for _, sess := range s.sessions.snapshot() {
		_ = sess.Close()
	}

	s.wg.Wait()
	s.sessions.reset()

	s.logger.Info(fmt.Sprintf("%s server stopped", s.cfg.Name))
}

// Addr returns the bound listener address, or nil when not running.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.listener == nil || !s.running.Load() {
		return nil
	}

	return s.listener.Addr()
}

// Name returns the configured server name.
func (s *Server) Name() string {
	return s.cfg.Name
}

// Running reports whether the accept loop is active.
func (s *Server) Running() bool {
	return s.running.Load()
}

// Protocol returns the protocol serving this server.
func (s *Server) Protocol() Protocol {
	return s.protocol
}

// Logger returns the server-scoped logger.
func (s *Server) Logger() logger.Logger {
	return s.logger
}

// Metrics returns the server's collectors.
func (s *Server) Metrics() *Metrics {
	return s.metrics
}

// Registry returns the Prometheus registry holding the server's metrics.
func (s *Server) Registry() *prometheus.Registry {
	return s.registry
}

// SessionCount returns the number of active sessions.
func (s *Server) SessionCount() int {
	return s.sessions.len()
}

// Session returns the active session with the given ID.
func (s *Server) Session(id uint64) (*Session, bool) {
	return s.sessions.get(id)
}

// Sessions returns a snapshot of the active sessions ordered by ID.
func (s *Server) Sessions() []*Session {
	return s.sessions.snapshot()
}

// Broadcast sends body to every active session except exclude. It iterates
// over a snapshot: sessions welcomed during the call are skipped, and
// sessions that fail to receive are retired without aborting the rest.
//
// Parameters:
//   - body: The packet body to send
//   - exclude: Session to skip; may be nil
//
// Returns:
//   - The number of sessions that received body
func (s *Server) Broadcast(body []byte, exclude *Session) int {
	s.metrics.broadcasts.Inc()

	delivered := 0
	for _, sess := range s.sessions.snapshot() {
		if sess == exclude {
			continue
		}

		if err := sess.SendRaw(body); err != nil {
			continue
		}

		delivered++
	}

	return delivered
}

// BroadcastResponse is Broadcast for an encoded response frame.
func (s *Server) BroadcastResponse(resp frame.Response, exclude *Session) int {
	return s.Broadcast(resp.Body(), exclude)
}

// ReportFailure surfaces a handler failure to operators: it is logged at
// error level, counted, and passed to the failure handler. The session, if
// any, stays open.
func (s *Server) ReportFailure(sess *Session, err error) {
	s.metrics.handlerFailures.Inc()

	l := s.logger
	if sess != nil {
		l = sess.logger
	}

	var panicErr *HandlerPanicError
	if errors.As(err, &panicErr) {
		l.Error("protocol handler panicked", logger.Err(err), logger.Field{Key: "stack", Value: string(panicErr.Stack)})
	} else {
		l.Error("protocol handler failed", logger.Err(err))
	}

	if s.onFailure != nil {
		s.onFailure(sess, err)
	}
}

// ServeConn runs the welcome and read loop for a connection accepted outside
// the server's own listener (e.g. an upgraded websocket). It blocks until the
// session ends. The connection is closed immediately when the server is not
// running.
func (s *Server) ServeConn(conn net.Conn) {
	s.mu.Lock()
	if !s.running.Load() {
		s.mu.Unlock()
		_ = conn.Close()
		return
	}
	s.wg.Add(1)
	s.mu.Unlock()

	defer s.wg.Done()
	s.serve(conn)
}

func (s *Server) listenAddr() string {
	if s.cfg.Addr != "" {
		return s.cfg.Addr
	}

	if p, ok := s.protocol.(Porter); ok {
		return fmt.Sprintf(":%d", p.Port())
	}

	return ":0"
}

func (s *Server) acceptLoop(ln net.Listener, done chan struct{}) {
	defer close(done)

	var backoff time.Duration
	for {
		conn, err := ln.Accept()
		if err != nil {
			if !s.running.Load() || errors.Is(err, net.ErrClosed) {
				return
			}

			backoff = min(max(2*backoff, 5*time.Millisecond), time.Second)
			s.logger.Error(fmt.Sprintf("%s server accept error", s.cfg.Name), logger.Err(err))
			time.Sleep(backoff)
			continue
		}

		backoff = 0
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.serve(conn)
		}()
	}
}

func (s *Server) serve(conn net.Conn) {
	if !s.sessions.reserve(s.cfg.MaxSessions) {
		s.metrics.sessionsRejected.WithLabelValues("full").Inc()
		s.logger.Warn("connection refused", logger.Field{Key: "remote", Value: conn.RemoteAddr().String()}, logger.Err(ErrServerFull))
		_ = conn.Close()
		return
	}

	sess := newSession(s, s.sessions.nextID(), conn)

	if !s.welcome(sess) {
		_ = sess.Close()
		s.sessions.release()
		s.metrics.sessionsRejected.WithLabelValues("welcome").Inc()
		sess.logger.Debug("session rejected at welcome")
		return
	}

	// add before going Active so a racing retire always finds the session
	s.sessions.add(sess)
	if !sess.state.CompareAndSwap(int32(StateConnecting), int32(StateActive)) {
		s.sessions.remove(sess.id)
		_ = conn.Close()
		return
	}

	s.metrics.sessionsAccepted.Inc()
	s.metrics.sessionsActive.Inc()
	sess.logger.Debug("session welcomed")

	if !s.running.Load() {
		_ = sess.Close()
	}

	sess.readLoop()
}

func (s *Server) welcome(sess *Session) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			s.ReportFailure(sess, &HandlerPanicError{Value: r, Stack: debug.Stack()})
			ok = false
		}
	}()

	return s.protocol.OnWelcome(sess)
}

func (s *Server) deliver(sess *Session, body []byte) {
	s.guard(sess, func() { s.protocol.OnCommand(sess, body) })
}

// retireGraceful finishes Close for a session already moved to Closing.
func (s *Server) retireGraceful(sess *Session) error {
	removed := s.sessions.remove(sess.id)
	s.guard(sess, func() { s.protocol.OnGracefulDisconnect(sess) })
	sess.cancel()

	err := sess.conn.Close()
	sess.state.Store(int32(StateClosed))

	if removed {
		s.metrics.sessionsActive.Dec()
	}
	s.metrics.disconnects.WithLabelValues("graceful").Inc()
	sess.logger.Debug("session closed")
	return err
}

// retireAbrupt finishes the I/O failure path for a session already moved to
// Disconnected.
func (s *Server) retireAbrupt(sess *Session) {
	removed := s.sessions.remove(sess.id)
	sess.cancel()
	_ = sess.conn.Close()
	s.guard(sess, func() { s.protocol.OnAbruptDisconnect(sess) })

	if removed {
		s.metrics.sessionsActive.Dec()
	}
	s.metrics.disconnects.WithLabelValues("abrupt").Inc()
	sess.logger.Debug("session disconnected")
}

// guard runs a protocol callback, converting a panic into a reported failure.
func (s *Server) guard(sess *Session, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			s.ReportFailure(sess, &HandlerPanicError{Value: r, Stack: debug.Stack()})
		}
	}()

	fn()
}
