package server

// Protocol is the pluggable policy of a Server. One Protocol instance serves
// every session of the server, so implementations must be safe for concurrent
// use. OnCommand for a session runs on that session's read goroutine, one
// frame at a time. The disconnect callbacks run on whichever goroutine ended
// the session and may overlap that session's OnCommand: Session.Close called
// from another goroutine (Server.Stop, an admin request) runs
// OnGracefulDisconnect there, and a failed write during another session's
// Broadcast runs OnAbruptDisconnect on the broadcasting goroutine.
type Protocol interface {
	// OnWelcome is called for every accepted connection before it joins the
	// active set. Returning false closes the connection; no other callback
	// fires for that session. The session may already Send.
	OnWelcome(s *Session) bool

	// OnCommand receives each frame body in the order it arrived.
	OnCommand(s *Session, body []byte)

	// OnGracefulDisconnect runs once when the session is closed through
	// Session.Close or Server.Stop, while the connection is still writable.
	OnGracefulDisconnect(s *Session)

	// OnAbruptDisconnect runs once when the connection is lost to an I/O
	// failure or a peer close that was not initiated by Close.
	OnAbruptDisconnect(s *Session)
}

// Porter is implemented by protocols that declare a well-known listening
// port. It is used when Config.Addr is empty.
type Porter interface {
	Port() int
}
