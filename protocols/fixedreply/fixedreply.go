// Package fixedreply provides a raw protocol that answers every connection
// with one computed value and then closes it. Sessions never become active.
package fixedreply

import (
	"github.com/cyberinferno/sessionkit/logger"
	"github.com/cyberinferno/sessionkit/server"
)

// Protocol sends Reply() on welcome and rejects the session.
type Protocol struct {
	reply func() []byte
	port  int
}

// New returns a Protocol that sends reply() to each connection. port is the
// declared listening port; 0 declares none.
func New(reply func() []byte, port int) *Protocol {
	return &Protocol{reply: reply, port: port}
}

func (p *Protocol) Port() int { return p.port }

func (p *Protocol) OnWelcome(s *server.Session) bool {
	if err := s.SendRaw(p.reply()); err != nil {
		s.Logger().Debug("fixed reply not delivered", logger.Err(err))
	}

	return false
}

func (*Protocol) OnCommand(*server.Session, []byte) {}

func (*Protocol) OnGracefulDisconnect(*server.Session) {}

func (*Protocol) OnAbruptDisconnect(*server.Session) {}
