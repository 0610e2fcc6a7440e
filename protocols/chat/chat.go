// Package chat implements a multi-user chat room as a command-table
// protocol. A session logs in with a user name and password hash, after
// which it can list online users, talk to the room, and whisper to one user.
//
// Requests are [command][payload]. Strings in payloads are NUL-terminated;
// the last field of a request runs to the end of the payload. Errors are
// reported as StatusErr responses whose payload starts with one of the Code
// constants.
package chat

import (
	"fmt"

	"github.com/cyberinferno/sessionkit/command"
	"github.com/cyberinferno/sessionkit/frame"
	"github.com/cyberinferno/sessionkit/logger"
	"github.com/cyberinferno/sessionkit/server"
	"github.com/cyberinferno/sessionkit/userstore"
)

// Port is the default chat listening port.
const Port = 7777

// Command codes.
const (
	CmdLogin  byte = 0x01 // [username\0][password hash]
	CmdLogout byte = 0x02
	CmdList   byte = 0x03
	CmdSay    byte = 0x04 // [text]
	CmdSayTo  byte = 0x05 // [destination\0][text]
	CmdQuit   byte = 0x06
)

// Error codes carried in the first payload byte of StatusErr responses.
const (
	CodeUnknown        byte = 0
	CodeInvalidLogin   byte = 1
	CodeBanned         byte = 2
	CodeInvalidInfo    byte = 3
	CodeInvalidCommand byte = 4
	CodeNoLogin        byte = 5
)

// Room messages.
const (
	MsgLoggedIn = "Has iniciado sesión."

	joinedFormat       = "%s ha iniciado sesión."
	leftFormat         = "%s ha cerrado sesión."
	disconnectedFormat = "%s se ha desconectado."
	sayFormat          = "%s: %s"
	whisperFormat      = "%s (privado): %s"
)

var (
	respUnknown        = frame.Err(CodeUnknown, "")
	respInvalidLogin   = frame.Err(CodeInvalidLogin, "")
	respBanned         = frame.Err(CodeBanned, "")
	respInvalidInfo    = frame.Err(CodeInvalidInfo, "")
	respInvalidCommand = frame.Err(CodeInvalidCommand, "")
	respNoLogin        = frame.Err(CodeNoLogin, "")
)

// Protocol is the chat protocol. The embedded command.Protocol provides
// the server.Protocol implementation.
type Protocol struct {
	*command.Protocol

	checker userstore.Checker
	roster  *Roster
}

// New returns a chat Protocol that authenticates logins with checker.
func New(checker userstore.Checker) (*Protocol, error) {
	p := &Protocol{
		checker: checker,
		roster:  NewRoster(),
	}

	table, err := command.NewBuilder().
		Register(CmdLogin, "login", p.login).
		Register(CmdLogout, "logout", command.RequireData(respNoLogin, p.logout)).
		Register(CmdList, "list", command.RequireData(respNoLogin, p.list)).
		Register(CmdSay, "say", command.RequireData(respNoLogin, p.say)).
		Register(CmdSayTo, "say_to", command.RequireData(respNoLogin, p.sayTo)).
		Register(CmdQuit, "quit", p.quit).
		MapError(frame.ErrShortPayload, respInvalidInfo).
		MapError(userstore.ErrUnavailable, respUnknown).
		InvalidCommand(respInvalidCommand).
		Build()
	if err != nil {
		return nil, err
	}

	p.Protocol = command.NewProtocol(table, command.Hooks{
		OnGracefulDisconnect: p.leave,
		OnAbruptDisconnect:   p.leave,
	})

	return p, nil
}

func (p *Protocol) Port() int { return Port }

// Roster returns the set of logged-in names.
func (p *Protocol) Roster() *Roster {
	return p.roster
}

// userName returns the name a session is logged in as.
func userName(s *server.Session) (string, bool) {
	name, ok := s.Data().(string)
	return name, ok
}

func (p *Protocol) login(r *frame.Reader, s *server.Session, srv *server.Server) error {
	name, err := r.String()
	if err != nil {
		return err
	}

	hash := string(r.Rest())

	if name == "" {
		return s.Send(respInvalidInfo)
	}

	if _, loggedIn := userName(s); loggedIn {
		return s.Send(respInvalidLogin)
	}

	verdict, err := p.checker.Check(s.Context(), name, hash)
	if err != nil {
		return err
	}

	switch verdict {
	case userstore.Allow:
	case userstore.Banned:
		s.Logger().Info("banned user refused", logger.Field{Key: "user", Value: name})
		return s.Send(respBanned)
	default:
		return s.Send(respInvalidLogin)
	}

	if !p.roster.Claim(name) {
		return s.Send(respInvalidLogin)
	}

	s.SetData(name)

	// a disconnect that ran before SetData saw no name to release
	if s.State() != server.StateActive {
		if s.SwapData(nil) != nil {
			p.roster.Release(name)
		}
		return nil
	}

	s.Logger().Info("user logged in", logger.Field{Key: "user", Value: name})

	if err := s.Send(frame.Ok(nil)); err != nil {
		return err
	}

	if err := s.Send(frame.Msg(MsgLoggedIn)); err != nil {
		return err
	}

	srv.BroadcastResponse(frame.Msg(fmt.Sprintf(joinedFormat, name)), s)
	return nil
}

func (p *Protocol) logout(_ *frame.Reader, s *server.Session, srv *server.Server) error {
	name, ok := s.SwapData(nil).(string)
	if !ok {
		return s.Send(respNoLogin)
	}

	p.roster.Release(name)
	s.Logger().Info("user logged out", logger.Field{Key: "user", Value: name})

	if err := s.Send(frame.Ok(nil)); err != nil {
		return err
	}

	srv.BroadcastResponse(frame.Msg(fmt.Sprintf(leftFormat, name)), s)
	return nil
}

func (p *Protocol) list(_ *frame.Reader, s *server.Session, _ *server.Server) error {
	b := frame.NewBuilder()
	for _, name := range p.roster.Names() {
		b.String(name)
	}

	return s.Send(frame.Ok(b.Build()))
}

func (p *Protocol) say(r *frame.Reader, s *server.Session, srv *server.Server) error {
	name, _ := userName(s)

	text := string(r.Rest())
	if text == "" {
		return s.Send(respInvalidInfo)
	}

	srv.BroadcastResponse(frame.Msg(fmt.Sprintf(sayFormat, name, text)), nil)
	return nil
}

func (p *Protocol) sayTo(r *frame.Reader, s *server.Session, srv *server.Server) error {
	name, _ := userName(s)

	dest, err := r.String()
	if err != nil {
		return err
	}

	text := string(r.Rest())
	if dest == "" || text == "" || !p.roster.Contains(dest) {
		return s.Send(respInvalidInfo)
	}

	msg := frame.Msg(fmt.Sprintf(whisperFormat, name, text))
	delivered := 0
	for _, target := range srv.Sessions() {
		if to, ok := userName(target); ok && to == dest {
			if target.Send(msg) == nil {
				delivered++
			}
		}
	}

	if delivered == 0 {
		return s.Send(respInvalidInfo)
	}

	return s.Send(frame.Ok(nil))
}

func (p *Protocol) quit(_ *frame.Reader, s *server.Session, _ *server.Server) error {
	if err := s.Send(frame.Ok(nil)); err != nil {
		return err
	}

	return s.Close()
}

// leave runs on both disconnect paths.
func (p *Protocol) leave(s *server.Session) {
	name, ok := s.SwapData(nil).(string)
	if !ok {
		return
	}

	p.roster.Release(name)
	s.Logger().Info("user disconnected", logger.Field{Key: "user", Value: name})
	s.Server().BroadcastResponse(frame.Msg(fmt.Sprintf(disconnectedFormat, name)), s)
}
