// Package client provides clients for servers speaking the frame codec: an
// event-driven Client with optional auto-reconnect, and a blocking Conn for
// request/response tooling and tests.
package client

import (
	"bufio"
	"errors"
	"net"
	"sync"
	"time"

	"github.com/cyberinferno/sessionkit/frame"
)

var (
	ErrClosed           = errors.New("client: closed")
	ErrNotConnected     = errors.New("client: not connected")
	ErrAlreadyConnected = errors.New("client: already connected or connecting")
)

// State is the connection state of a Client.
type State int

const (
	Disconnected State = iota // Not connected and not attempting to connect
	Connecting                // Dial in progress
	Connected                 // Connected and reading responses
	Reconnecting              // Waiting to redial after a failure (AutoReconnect)
	Closed                    // Closed for good
)

// String returns a human-readable name for the state.
func (s State) String() string {
	switch s {
	case Disconnected:
		return "Disconnected"
	case Connecting:
		return "Connecting"
	case Connected:
		return "Connected"
	case Reconnecting:
		return "Reconnecting"
	case Closed:
		return "Closed"
	default:
		return "Unknown"
	}
}

// StateEvent is emitted on every state change.
type StateEvent struct {
	State     State
	Address   string
	Timestamp time.Time
	Err       error // Non-nil when the change was caused by a failure
}

// ResponseEvent carries one decoded response frame.
type ResponseEvent struct {
	Response  frame.Response
	Timestamp time.Time
}

// ErrorEvent is emitted for dial, read, write and decode failures.
type ErrorEvent struct {
	Err       error
	Timestamp time.Time
}

// Handlers are invoked synchronously on the goroutine that produced the
// event, so responses arrive in the order the server sent them. Handlers
// must not call Close.
type (
	StateHandler    func(StateEvent)
	ResponseHandler func(ResponseEvent)
	ErrorHandler    func(ErrorEvent)
)

// Config holds the connection settings of a Client.
type Config struct {
	// Address is the "host:port" to connect to.
	Address string
	// AutoReconnect redials after the connection is lost.
	AutoReconnect bool
	// ReconnectInterval is the delay before each redial.
	ReconnectInterval time.Duration
	// WriteTimeout bounds each send; 0 means no deadline.
	WriteTimeout time.Duration
	// ReadTimeout bounds the wait for each response; 0 means no deadline.
	ReadTimeout time.Duration
	// ConnectTimeout bounds each dial.
	ConnectTimeout time.Duration
	// Limits bounds accepted response sizes.
	Limits frame.Limits
}

// DefaultConfig returns a Config for address with auto-reconnect disabled.
func DefaultConfig(address string) Config {
	return Config{
		Address:           address,
		ReconnectInterval: 5 * time.Second,
		WriteTimeout:      10 * time.Second,
		ConnectTimeout:    10 * time.Second,
		Limits:            frame.DefaultLimits(),
	}
}

// Client is an event-driven frame client. It is safe for concurrent use.
type Client struct {
	cfg Config

	mu         sync.RWMutex
	conn       net.Conn
	state      State
	closed     bool
	onState    StateHandler
	onResponse ResponseHandler
	onError    ErrorHandler

	writeMu       sync.Mutex
	stop          chan struct{}
	reconnect     chan struct{}
	reconnectOnce sync.Once
	wg            sync.WaitGroup
}

// New returns a Disconnected Client. Register handlers, then call Connect.
func New(cfg Config) *Client {
	if cfg.Limits.MaxBodyBytes == 0 {
		cfg.Limits = frame.DefaultLimits()
	}

	return &Client{
		cfg:       cfg,
		stop:      make(chan struct{}),
		reconnect: make(chan struct{}, 1),
	}
}

// OnConnectionState replaces the state change handler. nil clears it.
func (c *Client) OnConnectionState(h StateHandler) {
	c.mu.Lock()
	c.onState = h
	c.mu.Unlock()
}

// OnResponse replaces the response handler. nil clears it.
func (c *Client) OnResponse(h ResponseHandler) {
	c.mu.Lock()
	c.onResponse = h
	c.mu.Unlock()
}

// OnError replaces the error handler. nil clears it.
func (c *Client) OnError(h ErrorHandler) {
	c.mu.Lock()
	c.onError = h
	c.mu.Unlock()
}

// Connect dials the configured address and starts reading responses.
//
// Returns:
//   - ErrClosed after Close, ErrAlreadyConnected while connected or
//     connecting, or the dial error
func (c *Client) Connect() error {
	c.mu.RLock()
	closed, state := c.closed, c.state
	c.mu.RUnlock()

	if closed {
		return ErrClosed
	}

	if state == Connected || state == Connecting {
		return ErrAlreadyConnected
	}

	if c.cfg.AutoReconnect {
		c.reconnectOnce.Do(func() {
			c.wg.Add(1)
			go c.reconnectLoop()
		})
	}

	return c.connect()
}

// Disconnect closes the current connection. Connect may be called again.
func (c *Client) Disconnect() error {
	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()

	if conn == nil {
		return nil
	}

	err := conn.Close()
	c.setState(Disconnected, nil)
	return err
}

// Close disconnects, stops reconnecting and waits for the client's
// goroutines. It is idempotent.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}

	c.closed = true
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()

	if conn != nil {
		_ = conn.Close()
	}

	close(c.stop)
	c.wg.Wait()
	c.setState(Closed, nil)
	return nil
}

// Send writes a request frame.
func (c *Client) Send(req frame.Request) error {
	return c.SendRaw(req.Body())
}

// SendRaw writes an arbitrary packet body. A write failure drops the
// connection and, with AutoReconnect, schedules a redial.
func (c *Client) SendRaw(body []byte) error {
	c.mu.RLock()
	conn := c.conn
	c.mu.RUnlock()

	if conn == nil {
		return ErrNotConnected
	}

	c.writeMu.Lock()
	err := c.write(conn, body)
	c.writeMu.Unlock()

	if err != nil && !errors.Is(err, frame.ErrBodyTooLarge) {
		c.fail(conn, err)
	}

	return err
}

func (c *Client) write(conn net.Conn, body []byte) error {
	if c.cfg.WriteTimeout > 0 {
		if err := conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout)); err != nil {
			return err
		}
	}

	return frame.WritePacket(conn, body, c.cfg.Limits)
}

// State returns the current connection state.
func (c *Client) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// IsConnected reports whether the client is Connected.
func (c *Client) IsConnected() bool {
	return c.State() == Connected
}

func (c *Client) connect() error {
	c.setState(Connecting, nil)

	dialer := net.Dialer{Timeout: c.cfg.ConnectTimeout}
	conn, err := dialer.Dial("tcp", c.cfg.Address)
	if err != nil {
		c.setState(Disconnected, err)
		c.emitError(err)
		return err
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		_ = conn.Close()
		return ErrClosed
	}
	c.conn = conn
	c.mu.Unlock()

	c.setState(Connected, nil)

	c.wg.Add(1)
	go c.readLoop(conn)
	return nil
}

func (c *Client) readLoop(conn net.Conn) {
	defer c.wg.Done()

	reader := bufio.NewReader(conn)
	for {
		if c.cfg.ReadTimeout > 0 {
			if err := conn.SetReadDeadline(time.Now().Add(c.cfg.ReadTimeout)); err != nil {
				c.fail(conn, err)
				return
			}
		}

		body, err := frame.ReadPacket(reader, c.cfg.Limits)
		if err != nil {
			c.fail(conn, err)
			return
		}

		resp, err := frame.DecodeResponse(body)
		if err != nil {
			c.emitError(err)
			continue
		}

		c.emitResponse(resp)
	}
}

// fail drops conn if it is still the current connection. Failures on a
// connection that Disconnect or Close already released are not reported.
func (c *Client) fail(conn net.Conn, err error) {
	c.mu.Lock()
	if c.conn != conn {
		c.mu.Unlock()
		return
	}
	c.conn = nil
	c.mu.Unlock()

	_ = conn.Close()
	c.emitError(err)
	c.setState(Disconnected, err)
	c.triggerReconnect()
}

func (c *Client) reconnectLoop() {
	defer c.wg.Done()

	for {
		select {
		case <-c.stop:
			return
		case <-c.reconnect:
		}

		c.setState(Reconnecting, nil)

		select {
		case <-c.stop:
			return
		case <-time.After(c.cfg.ReconnectInterval):
		}

		if err := c.connect(); err != nil && !errors.Is(err, ErrClosed) {
			c.triggerReconnect()
		}
	}
}

func (c *Client) triggerReconnect() {
	c.mu.RLock()
	closed := c.closed
	c.mu.RUnlock()

	if !c.cfg.AutoReconnect || closed {
		return
	}

	select {
	case c.reconnect <- struct{}{}:
	default:
	}
}

func (c *Client) setState(state State, err error) {
	c.mu.Lock()
	c.state = state
	h := c.onState
	c.mu.Unlock()

	if h != nil {
		h(StateEvent{State: state, Address: c.cfg.Address, Timestamp: time.Now(), Err: err})
	}
}

func (c *Client) emitResponse(resp frame.Response) {
	c.mu.RLock()
	h := c.onResponse
	c.mu.RUnlock()

	if h != nil {
		h(ResponseEvent{Response: resp, Timestamp: time.Now()})
	}
}

func (c *Client) emitError(err error) {
	c.mu.RLock()
	h := c.onError
	c.mu.RUnlock()

	if h != nil {
		h(ErrorEvent{Err: err, Timestamp: time.Now()})
	}
}
