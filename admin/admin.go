// Package admin serves the HTTP side of a sessionkit server: health and
// session listings, Prometheus metrics, and a websocket entry point that
// turns browser connections into ordinary sessions.
package admin

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/cyberinferno/sessionkit/logger"
	"github.com/cyberinferno/sessionkit/server"
)

var ErrAlreadyRunning = errors.New("admin: already running")

// Health is the /healthz response body.
type Health struct {
	Status   string `json:"status"`
	Server   string `json:"server"`
	Running  bool   `json:"running"`
	Sessions int    `json:"sessions"`
}

type Option func(*Admin)

// WithLogger sets the logger used for request failures.
func WithLogger(l logger.Logger) Option {
	return func(a *Admin) {
		a.logger = l
	}
}

// WithWebSocket enables or disables the /ws endpoint. It is enabled by
// default.
func WithWebSocket(enabled bool) Option {
	return func(a *Admin) {
		a.websocket = enabled
	}
}

// Admin is the HTTP admin surface for one server.
type Admin struct {
	srv       *server.Server
	logger    logger.Logger
	websocket bool
	upgrader  websocket.Upgrader
	router    chi.Router

	mu   sync.Mutex
	http *http.Server
	ln   net.Listener
}

// New builds the admin router for srv.
func New(srv *server.Server, opts ...Option) *Admin {
	a := &Admin{
		srv:       srv,
		logger:    logger.Nop(),
		websocket: true,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}

	for _, opt := range opts {
		opt(a)
	}

	a.logger = a.logger.With(logger.Field{Key: "component", Value: "admin"})
	a.router = a.routes()
	return a
}

func (a *Admin) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/healthz", a.health)
	r.Get("/sessions", a.sessions)
	r.Delete("/sessions/{id}", a.kick)
	r.Handle("/metrics", promhttp.HandlerFor(a.srv.Registry(), promhttp.HandlerOpts{}))

	if a.websocket {
		r.Get("/ws", a.serveWS)
	}

	return r
}

// Handler returns the admin router.
func (a *Admin) Handler() http.Handler {
	return a.router
}

// Start listens on addr and serves in the background.
//
// Parameters:
//   - addr: HTTP listen address, e.g. "127.0.0.1:8080"
//
// Returns:
//   - ErrAlreadyRunning, or the listen error
func (a *Admin) Start(addr string) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.http != nil {
		return ErrAlreadyRunning
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("admin: listen %s: %w", addr, err)
	}

	hs := &http.Server{
		Handler:           a.router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	a.http = hs
	a.ln = ln

	go func() {
		if err := hs.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("admin server stopped", logger.Err(err))
		}
	}()

	a.logger.Info("admin listening", logger.Field{Key: "addr", Value: ln.Addr().String()})
	return nil
}

// Addr returns the bound address, or nil when not started.
func (a *Admin) Addr() net.Addr {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.ln == nil {
		return nil
	}
	return a.ln.Addr()
}

// Shutdown stops accepting requests and waits for in-flight ones until ctx
// ends. Upgraded websockets are not tracked by http.Server; they end when
// the session server stops.
func (a *Admin) Shutdown(ctx context.Context) error {
	a.mu.Lock()
	hs := a.http
	a.http = nil
	a.ln = nil
	a.mu.Unlock()

	if hs == nil {
		return nil
	}

	return hs.Shutdown(ctx)
}

func (a *Admin) health(w http.ResponseWriter, _ *http.Request) {
	h := Health{
		Status:   "ok",
		Server:   a.srv.Name(),
		Running:  a.srv.Running(),
		Sessions: a.srv.SessionCount(),
	}

	code := http.StatusOK
	if !h.Running {
		h.Status = "stopped"
		code = http.StatusServiceUnavailable
	}

	a.writeJSON(w, code, h)
}

func (a *Admin) sessions(w http.ResponseWriter, _ *http.Request) {
	list := a.srv.Sessions()
	infos := make([]server.SessionInfo, 0, len(list))
	for _, s := range list {
		infos = append(infos, s.Info())
	}

	a.writeJSON(w, http.StatusOK, infos)
}

func (a *Admin) kick(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseUint(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		http.Error(w, "invalid session id", http.StatusBadRequest)
		return
	}

	s, ok := a.srv.Session(id)
	if !ok {
		http.Error(w, "session not found", http.StatusNotFound)
		return
	}

	if err := s.Close(); err != nil && !errors.Is(err, server.ErrSessionClosed) {
		a.logger.Warn("close session", logger.Field{Key: "session_id", Value: id}, logger.Err(err))
	}

	w.WriteHeader(http.StatusNoContent)
}

func (a *Admin) serveWS(w http.ResponseWriter, r *http.Request) {
	if !a.srv.Running() {
		http.Error(w, "server not running", http.StatusServiceUnavailable)
		return
	}

	ws, err := a.upgrader.Upgrade(w, r, nil)
	if err != nil {
		a.logger.Debug("websocket upgrade failed", logger.Err(err))
		return
	}

	a.srv.ServeConn(newWSConn(ws))
}

func (a *Admin) writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		a.logger.Debug("write response", logger.Err(err))
	}
}
