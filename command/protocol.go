package command

import (
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/cyberinferno/sessionkit/frame"
	"github.com/cyberinferno/sessionkit/logger"
	"github.com/cyberinferno/sessionkit/server"
)

const tracerName = "github.com/cyberinferno/sessionkit/command"

// Hooks are the optional lifecycle callbacks of a command-table protocol.
type Hooks struct {
	// OnWelcome decides whether to accept a session; nil accepts.
	OnWelcome            func(s *server.Session) bool
	OnGracefulDisconnect func(s *server.Session)
	OnAbruptDisconnect   func(s *server.Session)
}

// Protocol dispatches request frames through a Table. It implements
// server.Protocol.
type Protocol struct {
	table  *Table
	hooks  Hooks
	tracer trace.Tracer
}

// NewProtocol returns a Protocol serving table.
func NewProtocol(table *Table, hooks Hooks) *Protocol {
	return &Protocol{
		table:  table,
		hooks:  hooks,
		tracer: otel.Tracer(tracerName),
	}
}

// Table returns the protocol's binding table.
func (p *Protocol) Table() *Table {
	return p.table
}

func (p *Protocol) OnWelcome(s *server.Session) bool {
	if p.hooks.OnWelcome == nil {
		return true
	}

	return p.hooks.OnWelcome(s)
}

func (p *Protocol) OnGracefulDisconnect(s *server.Session) {
	if p.hooks.OnGracefulDisconnect != nil {
		p.hooks.OnGracefulDisconnect(s)
	}
}

func (p *Protocol) OnAbruptDisconnect(s *server.Session) {
	if p.hooks.OnAbruptDisconnect != nil {
		p.hooks.OnAbruptDisconnect(s)
	}
}

// OnCommand selects the handler by the body's first byte and runs it. The
// session is never closed here: unknown codes get the invalid-command
// response, and handler errors become mapped responses or reported failures.
func (p *Protocol) OnCommand(s *server.Session, body []byte) {
	srv := s.Server()

	req, err := frame.DecodeRequest(body)
	if err != nil {
		p.rejectInvalid(s, srv)
		return
	}

	bind, ok := p.table.Lookup(req.Code)
	if !ok {
		p.rejectInvalid(s, srv)
		return
	}

	_, span := p.tracer.Start(s.Context(), "command."+bind.Name, trace.WithAttributes(
		attribute.Int64("session.id", int64(s.ID())),
		attribute.Int("command.code", int(req.Code)),
		attribute.String("command.name", bind.Name),
	))
	defer span.End()

	start := time.Now()
	err = invoke(bind.Handler, frame.NewReader(req.Payload), s, srv)
	elapsed := time.Since(start)

	if err == nil {
		srv.Metrics().ObserveCommand(bind.Name, server.OutcomeOK, elapsed)
		return
	}

	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())

	if resp, mapped := p.table.ResponseFor(err); mapped {
		srv.Metrics().ObserveCommand(bind.Name, server.OutcomeMapped, elapsed)
		if sendErr := s.Send(resp); sendErr != nil {
			s.Logger().Debug("mapped response not delivered", logger.Err(sendErr))
		}
		return
	}

	var sendErr *server.SendError
	if errors.As(err, &sendErr) {
		srv.Metrics().ObserveCommand(bind.Name, server.OutcomeUndelivered, elapsed)
		s.Logger().Debug("command response not delivered", logger.Field{Key: "command", Value: bind.Name}, logger.Err(err))
		return
	}

	srv.Metrics().ObserveCommand(bind.Name, server.OutcomeFailure, elapsed)
	srv.ReportFailure(s, fmt.Errorf("command %s: %w", bind.Name, err))
}

func (p *Protocol) rejectInvalid(s *server.Session, srv *server.Server) {
	srv.Metrics().ObserveCommand("unknown", server.OutcomeInvalid, 0)
	_ = s.Send(p.table.Invalid())
}

// invoke runs h, converting a panic into a *server.HandlerPanicError.
func invoke(h Handler, r *frame.Reader, s *server.Session, srv *server.Server) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = &server.HandlerPanicError{Value: rec, Stack: debug.Stack()}
		}
	}()

	return h(r, s, srv)
}

// RequireData wraps h so that it only runs for sessions with data set (for
// example a logged-in user). Other sessions are sent resp instead.
func RequireData(resp frame.Response, h Handler) Handler {
	return func(r *frame.Reader, s *server.Session, srv *server.Server) error {
		if s.Data() == nil {
			return s.Send(resp)
		}

		return h(r, s, srv)
	}
}
