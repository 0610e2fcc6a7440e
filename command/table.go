// Package command builds command-table protocols: a request's first byte
// selects a registered Handler, and handler errors are translated into
// protocol responses through an explicit error mapping.
package command

import (
	"errors"
	"fmt"
	"slices"

	"github.com/cyberinferno/sessionkit/frame"
	"github.com/cyberinferno/sessionkit/server"
)

var (
	ErrDuplicateCode = errors.New("command: duplicate command code")
	ErrNilHandler    = errors.New("command: nil handler")
	ErrEmptyName     = errors.New("command: empty command name")
)

// Handler serves one command. r reads the request payload (the body after
// the command code). A returned error is matched against the table's error
// mappings; unmatched errors are reported through srv.ReportFailure.
type Handler func(r *frame.Reader, s *server.Session, srv *server.Server) error

// Binding associates a command code with its handler.
type Binding struct {
	Code    byte
	Name    string
	Handler Handler
}

type errorMapping struct {
	target error
	resp   frame.Response
}

// Builder accumulates bindings and error mappings. It is not safe for
// concurrent use; Build produces the immutable Table.
type Builder struct {
	bindings []Binding
	mappings []errorMapping
	invalid  *frame.Response
}

// NewBuilder returns an empty Builder.
func NewBuilder() *Builder {
	return &Builder{}
}

// Register binds code to h. name labels the command in logs, traces and metrics.
func (b *Builder) Register(code byte, name string, h Handler) *Builder {
	b.bindings = append(b.bindings, Binding{Code: code, Name: name, Handler: h})
	return b
}

// MapError sends resp whenever a handler returns an error matching target
// (errors.Is). Mappings are tried in registration order.
func (b *Builder) MapError(target error, resp frame.Response) *Builder {
	b.mappings = append(b.mappings, errorMapping{target: target, resp: resp})
	return b
}

// InvalidCommand sets the response sent for empty requests and unknown codes.
func (b *Builder) InvalidCommand(resp frame.Response) *Builder {
	b.invalid = &resp
	return b
}

// Build validates the registrations and returns the Table.
//
// Returns:
//   - The immutable Table
//   - An error wrapping ErrDuplicateCode, ErrNilHandler or ErrEmptyName
func (b *Builder) Build() (*Table, error) {
	t := &Table{
		byCode:   make(map[byte]Binding, len(b.bindings)),
		mappings: slices.Clone(b.mappings),
		invalid:  frame.Err(0, "invalid command"),
	}

	if b.invalid != nil {
		t.invalid = *b.invalid
	}

	for _, bind := range b.bindings {
		switch {
		case bind.Name == "":
			return nil, fmt.Errorf("%w: code 0x%02x", ErrEmptyName, bind.Code)
		case bind.Handler == nil:
			return nil, fmt.Errorf("%w: %s", ErrNilHandler, bind.Name)
		}

		if prev, ok := t.byCode[bind.Code]; ok {
			return nil, fmt.Errorf("%w: 0x%02x bound to %s and %s", ErrDuplicateCode, bind.Code, prev.Name, bind.Name)
		}

		t.byCode[bind.Code] = bind
	}

	return t, nil
}

// Table is an immutable set of bindings. Safe for concurrent use.
type Table struct {
	byCode   map[byte]Binding
	mappings []errorMapping
	invalid  frame.Response
}

// Lookup returns the binding for code.
func (t *Table) Lookup(code byte) (Binding, bool) {
	b, ok := t.byCode[code]
	return b, ok
}

// ResponseFor returns the response of the first mapping matching err.
func (t *Table) ResponseFor(err error) (frame.Response, bool) {
	for _, m := range t.mappings {
		if errors.Is(err, m.target) {
			return m.resp, true
		}
	}

	return frame.Response{}, false
}

// Commands returns every binding ordered by code.
func (t *Table) Commands() []Binding {
	out := make([]Binding, 0, len(t.byCode))
	for _, b := range t.byCode {
		out = append(out, b)
	}

	slices.SortFunc(out, func(a, b Binding) int { return int(a.Code) - int(b.Code) })
	return out
}

// Invalid returns the response sent for unknown or empty requests.
func (t *Table) Invalid() frame.Response {
	return t.invalid
}
