// Package echo provides a raw protocol that returns every frame body it receives.
package echo

import "github.com/cyberinferno/sessionkit/server"

// Port is the well-known echo port.
const Port = 7

// Protocol echoes frame bodies unchanged.
type Protocol struct{}

// New returns an echo Protocol.
func New() *Protocol {
	return &Protocol{}
}

func (*Protocol) Port() int { return Port }

func (*Protocol) OnWelcome(*server.Session) bool { return true }

func (*Protocol) OnCommand(s *server.Session, body []byte) {
	_ = s.SendRaw(body)
}

func (*Protocol) OnGracefulDisconnect(*server.Session) {}

func (*Protocol) OnAbruptDisconnect(*server.Session) {}
