package client

import (
	"bufio"
	"net"
	"sync"
	"time"

	"github.com/cyberinferno/sessionkit/frame"
)

// Conn is a blocking frame connection: each Receive reads the next response.
// Sends are safe for concurrent use; receives are not.
type Conn struct {
	conn    net.Conn
	reader  *bufio.Reader
	limits  frame.Limits
	writeMu sync.Mutex
}

// Dial connects to addr within timeout.
func Dial(addr string, timeout time.Duration) (*Conn, error) {
	conn, err := net.DialTimeout("tcp", addr, timeout)
	if err != nil {
		return nil, err
	}

	return NewConn(conn), nil
}

// NewConn wraps an established connection.
func NewConn(conn net.Conn) *Conn {
	return &Conn{
		conn:   conn,
		reader: bufio.NewReader(conn),
		limits: frame.DefaultLimits(),
	}
}

// Send writes a request frame.
func (c *Conn) Send(req frame.Request) error {
	return c.SendRaw(req.Body())
}

// SendRaw writes an arbitrary packet body.
func (c *Conn) SendRaw(body []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return frame.WritePacket(c.conn, body, c.limits)
}

// Receive reads and decodes the next response frame.
//
// Parameters:
//   - timeout: Maximum wait; 0 waits indefinitely
//
// Returns:
//   - The decoded response
//   - A timeout net.Error, io.EOF when the server closed the connection, or
//     a frame decode error
func (c *Conn) Receive(timeout time.Duration) (frame.Response, error) {
	body, err := c.ReceiveRaw(timeout)
	if err != nil {
		return frame.Response{}, err
	}

	return frame.DecodeResponse(body)
}

// ReceiveRaw reads the next packet body without decoding it.
func (c *Conn) ReceiveRaw(timeout time.Duration) ([]byte, error) {
	var deadline time.Time
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
	}

	if err := c.conn.SetReadDeadline(deadline); err != nil {
		return nil, err
	}

	return frame.ReadPacket(c.reader, c.limits)
}

// LocalAddr returns the local endpoint of the connection.
func (c *Conn) LocalAddr() net.Addr {
	return c.conn.LocalAddr()
}

// Close closes the connection.
func (c *Conn) Close() error {
	return c.conn.Close()
}
