package client

import (
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cyberinferno/sessionkit/frame"
	"github.com/cyberinferno/sessionkit/protocols/echo"
	"github.com/cyberinferno/sessionkit/server"
)

func startEcho(t *testing.T) *server.Server {
	t.Helper()
	cfg := server.DefaultConfig()
	cfg.Addr = "127.0.0.1:0"
	srv := server.New(cfg, echo.New())
	require.NoError(t, srv.Start())
	t.Cleanup(srv.Stop)
	return srv
}

type collector struct {
	mu        sync.Mutex
	responses []frame.Response
	states    []State
	errs      []error
}

func (c *collector) attach(cl *Client) {
	cl.OnResponse(func(e ResponseEvent) {
		c.mu.Lock()
		c.responses = append(c.responses, e.Response)
		c.mu.Unlock()
	})
	cl.OnConnectionState(func(e StateEvent) {
		c.mu.Lock()
		c.states = append(c.states, e.State)
		c.mu.Unlock()
	})
	cl.OnError(func(e ErrorEvent) {
		c.mu.Lock()
		c.errs = append(c.errs, e.Err)
		c.mu.Unlock()
	})
}

func (c *collector) responseCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.responses)
}

func (c *collector) sawState(s State) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, st := range c.states {
		if st == s {
			return true
		}
	}
	return false
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "Disconnected", Disconnected.String())
	assert.Equal(t, "Connecting", Connecting.String())
	assert.Equal(t, "Connected", Connected.String())
	assert.Equal(t, "Reconnecting", Reconnecting.String())
	assert.Equal(t, "Closed", Closed.String())
	assert.Equal(t, "Unknown", State(99).String())
}

func TestClient_ConnectSendReceive(t *testing.T) {
	srv := startEcho(t)
	cl := New(DefaultConfig(srv.Addr().String()))
	col := &collector{}
	col.attach(cl)
	defer cl.Close()

	require.NoError(t, cl.Connect())
	assert.True(t, cl.IsConnected())
	assert.ErrorIs(t, cl.Connect(), ErrAlreadyConnected)

	for i := byte(0); i < 20; i++ {
		require.NoError(t, cl.SendRaw([]byte{frame.StatusMsg, i}))
	}

	require.Eventually(t, func() bool { return col.responseCount() == 20 }, 2*time.Second, 5*time.Millisecond)

	col.mu.Lock()
	for i, resp := range col.responses {
		assert.Equal(t, frame.StatusMsg, resp.Status)
		assert.Equal(t, []byte{byte(i)}, resp.Payload)
	}
	col.mu.Unlock()

	t.Run("empty response is reported and skipped", func(t *testing.T) {
		require.NoError(t, cl.SendRaw(nil))
		require.NoError(t, cl.SendRaw([]byte{frame.StatusOk}))
		require.Eventually(t, func() bool { return col.responseCount() == 21 }, 2*time.Second, 5*time.Millisecond)

		col.mu.Lock()
		defer col.mu.Unlock()
		require.NotEmpty(t, col.errs)
		assert.ErrorIs(t, col.errs[0], frame.ErrEmptyBody)
	})
}

func TestClient_Disconnect(t *testing.T) {
	srv := startEcho(t)
	cl := New(DefaultConfig(srv.Addr().String()))
	col := &collector{}
	col.attach(cl)

	require.NoError(t, cl.Connect())
	require.NoError(t, cl.Disconnect())
	assert.Equal(t, Disconnected, cl.State())
	assert.ErrorIs(t, cl.SendRaw([]byte{0}), ErrNotConnected)

	require.NoError(t, cl.Connect())
	assert.True(t, cl.IsConnected())

	require.NoError(t, cl.Close())
	require.NoError(t, cl.Close())
	assert.Equal(t, Closed, cl.State())
	assert.ErrorIs(t, cl.Connect(), ErrClosed)

	col.mu.Lock()
	defer col.mu.Unlock()
	assert.Empty(t, col.errs)
}

func TestClient_AutoReconnect(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()

	accepted := make(chan net.Conn, 4)
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			accepted <- conn
		}
	}()
	defer ln.Close()

	cfg := DefaultConfig(addr)
	cfg.AutoReconnect = true
	cfg.ReconnectInterval = 20 * time.Millisecond
	cl := New(cfg)
	col := &collector{}
	col.attach(cl)
	defer cl.Close()

	require.NoError(t, cl.Connect())
	first := <-accepted
	require.NoError(t, first.Close())

	select {
	case second := <-accepted:
		defer second.Close()
	case <-time.After(2 * time.Second):
		t.Fatal("client did not reconnect")
	}

	require.Eventually(t, cl.IsConnected, time.Second, 5*time.Millisecond)
	assert.True(t, col.sawState(Reconnecting))
}

func TestConn(t *testing.T) {
	srv := startEcho(t)

	conn, err := Dial(srv.Addr().String(), time.Second)
	require.NoError(t, err)
	defer conn.Close()
	assert.NotNil(t, conn.LocalAddr())

	require.NoError(t, conn.Send(frame.Request{Code: frame.StatusMsg, Payload: []byte("ping")}))
	resp, err := conn.Receive(time.Second)
	require.NoError(t, err)
	assert.Equal(t, frame.StatusMsg, resp.Status)
	assert.Equal(t, "ping", string(resp.Payload))

	t.Run("receive times out", func(t *testing.T) {
		_, err := conn.ReceiveRaw(50 * time.Millisecond)
		var netErr net.Error
		require.ErrorAs(t, err, &netErr)
		assert.True(t, netErr.Timeout())
	})

	_, err = Dial("127.0.0.1:1", 100*time.Millisecond)
	assert.Error(t, err)
}
