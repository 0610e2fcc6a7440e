package server

import (
	"bufio"
	"errors"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cyberinferno/sessionkit/frame"
)

// recorder is a Protocol that echoes bodies and counts lifecycle callbacks.
type recorder struct {
	welcome    func(*Session) bool
	command    func(*Session, []byte)
	graceful   atomic.Int32
	abrupt     atomic.Int32
	mu         sync.Mutex
	disconnect []uint64
}

func (r *recorder) OnWelcome(s *Session) bool {
	if r.welcome != nil {
		return r.welcome(s)
	}
	return true
}

func (r *recorder) OnCommand(s *Session, body []byte) {
	if r.command != nil {
		r.command(s, body)
		return
	}
	_ = s.SendRaw(body)
}

func (r *recorder) OnGracefulDisconnect(s *Session) {
	r.graceful.Add(1)
	r.track(s)
}

func (r *recorder) OnAbruptDisconnect(s *Session) {
	r.abrupt.Add(1)
	r.track(s)
}

func (r *recorder) track(s *Session) {
	r.mu.Lock()
	r.disconnect = append(r.disconnect, s.ID())
	r.mu.Unlock()
}

type peer struct {
	conn   net.Conn
	reader *bufio.Reader
}

func dial(t *testing.T, srv *Server) *peer {
	t.Helper()
	conn, err := net.DialTimeout("tcp", srv.Addr().String(), time.Second)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return &peer{conn: conn, reader: bufio.NewReader(conn)}
}

func (p *peer) send(t *testing.T, body []byte) {
	t.Helper()
	require.NoError(t, frame.WritePacket(p.conn, body, frame.DefaultLimits()))
}

func (p *peer) recv(t *testing.T) []byte {
	t.Helper()
	require.NoError(t, p.conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	body, err := frame.ReadPacket(p.reader, frame.DefaultLimits())
	require.NoError(t, err)
	return body
}

// silent asserts that nothing arrives within d.
func (p *peer) silent(t *testing.T, d time.Duration) {
	t.Helper()
	require.NoError(t, p.conn.SetReadDeadline(time.Now().Add(d)))
	_, err := frame.ReadPacket(p.reader, frame.DefaultLimits())
	var netErr net.Error
	require.True(t, errors.As(err, &netErr) && netErr.Timeout(), "expected read timeout, got %v", err)
}

func startServer(t *testing.T, p Protocol, mutate ...func(*Config)) *Server {
	t.Helper()
	cfg := DefaultConfig()
	cfg.Addr = "127.0.0.1:0"
	for _, m := range mutate {
		m(&cfg)
	}

	srv := New(cfg, p)
	require.NoError(t, srv.Start())
	t.Cleanup(srv.Stop)
	return srv
}

func TestServer_Start(t *testing.T) {
	t.Run("second start fails", func(t *testing.T) {
		srv := startServer(t, &recorder{})
		assert.True(t, srv.Running())
		assert.ErrorIs(t, srv.Start(), ErrAlreadyRunning)
	})

	t.Run("occupied port returns bind error", func(t *testing.T) {
		ln, err := net.Listen("tcp", "127.0.0.1:0")
		require.NoError(t, err)
		defer ln.Close()

		cfg := DefaultConfig()
		cfg.Addr = ln.Addr().String()
		srv := New(cfg, &recorder{})

		err = srv.Start()
		var bindErr *BindError
		require.ErrorAs(t, err, &bindErr)
		assert.Equal(t, cfg.Addr, bindErr.Addr)
		assert.False(t, srv.Running())
		assert.Nil(t, srv.Addr())
	})

	t.Run("restart after stop", func(t *testing.T) {
		srv := startServer(t, &recorder{})
		srv.Stop()
		assert.False(t, srv.Running())
		require.NoError(t, srv.Start())
		assert.True(t, srv.Running())
	})
}

func TestServer_Stop(t *testing.T) {
	t.Run("stop on stopped server is a no-op", func(t *testing.T) {
		srv := New(DefaultConfig(), &recorder{})
		srv.Stop()
		srv.Stop()
		assert.False(t, srv.Running())
	})

	t.Run("stop closes sessions gracefully", func(t *testing.T) {
		rec := &recorder{}
		srv := startServer(t, rec)
		a, b := dial(t, srv), dial(t, srv)
		require.Eventually(t, func() bool { return srv.SessionCount() == 2 }, time.Second, 5*time.Millisecond)

		srv.Stop()
		srv.Stop()

		assert.Equal(t, 0, srv.SessionCount())
		assert.EqualValues(t, 2, rec.graceful.Load())
		assert.EqualValues(t, 0, rec.abrupt.Load())

		for _, p := range []*peer{a, b} {
			require.NoError(t, p.conn.SetReadDeadline(time.Now().Add(time.Second)))
			_, err := frame.ReadPacket(p.reader, frame.DefaultLimits())
			assert.Error(t, err)
		}
	})
}

func TestServer_Echo(t *testing.T) {
	srv := startServer(t, &recorder{})
	p := dial(t, srv)

	p.send(t, []byte{0x01, 'h', 'i'})
	assert.Equal(t, []byte{0x01, 'h', 'i'}, p.recv(t))

	t.Run("frames are delivered in order", func(t *testing.T) {
		for i := byte(0); i < 50; i++ {
			p.send(t, []byte{i})
		}
		for i := byte(0); i < 50; i++ {
			assert.Equal(t, []byte{i}, p.recv(t))
		}
	})

	assert.EqualValues(t, 51, testutil.ToFloat64(srv.Metrics().framesReceived))
}

func TestServer_Broadcast(t *testing.T) {
	rec := &recorder{}
	rec.command = func(s *Session, body []byte) {
		s.Server().Broadcast(body, s)
	}
	srv := startServer(t, rec)

	peers := make([]*peer, 4)
	for i := range peers {
		peers[i] = dial(t, srv)
	}
	require.Eventually(t, func() bool { return srv.SessionCount() == len(peers) }, time.Second, 5*time.Millisecond)

	peers[0].send(t, []byte("news"))
	for _, p := range peers[1:] {
		assert.Equal(t, []byte("news"), p.recv(t))
	}
	peers[0].silent(t, 100*time.Millisecond)

	t.Run("nil exclude reaches everyone", func(t *testing.T) {
		n := srv.BroadcastResponse(frame.Msg("all"), nil)
		assert.Equal(t, len(peers), n)
		for _, p := range peers {
			assert.Equal(t, frame.Msg("all").Body(), p.recv(t))
		}
	})
}

func TestServer_Welcome(t *testing.T) {
	t.Run("rejected connection receives welcome and is closed", func(t *testing.T) {
		rec := &recorder{welcome: func(s *Session) bool {
			_ = s.Send(frame.Msg("bye"))
			return false
		}}
		srv := startServer(t, rec)
		p := dial(t, srv)

		assert.Equal(t, frame.Msg("bye").Body(), p.recv(t))
		require.NoError(t, p.conn.SetReadDeadline(time.Now().Add(time.Second)))
		_, err := frame.ReadPacket(p.reader, frame.DefaultLimits())
		assert.Error(t, err)

		assert.Equal(t, 0, srv.SessionCount())
		assert.EqualValues(t, 0, rec.graceful.Load()+rec.abrupt.Load())
	})

	t.Run("panicking welcome rejects and reports", func(t *testing.T) {
		var failures atomic.Int32
		rec := &recorder{welcome: func(*Session) bool { panic("boom") }}

		cfg := DefaultConfig()
		cfg.Addr = "127.0.0.1:0"
		srv := New(cfg, rec, WithFailureHandler(func(_ *Session, err error) {
			var panicErr *HandlerPanicError
			if errors.As(err, &panicErr) {
				failures.Add(1)
			}
		}))
		require.NoError(t, srv.Start())
		defer srv.Stop()

		dial(t, srv)
		require.Eventually(t, func() bool { return failures.Load() == 1 }, time.Second, 5*time.Millisecond)
		assert.Equal(t, 0, srv.SessionCount())
	})
}

func TestServer_Disconnect(t *testing.T) {
	t.Run("peer close fires abrupt callback once", func(t *testing.T) {
		rec := &recorder{}
		srv := startServer(t, rec)
		p := dial(t, srv)
		require.Eventually(t, func() bool { return srv.SessionCount() == 1 }, time.Second, 5*time.Millisecond)

		require.NoError(t, p.conn.Close())
		require.Eventually(t, func() bool { return rec.abrupt.Load() == 1 }, time.Second, 5*time.Millisecond)

		time.Sleep(50 * time.Millisecond)
		assert.EqualValues(t, 1, rec.abrupt.Load())
		assert.EqualValues(t, 0, rec.graceful.Load())
		assert.Equal(t, 0, srv.SessionCount())
	})

	t.Run("oversized frame is treated as an abrupt disconnect", func(t *testing.T) {
		rec := &recorder{}
		srv := startServer(t, rec, func(c *Config) { c.Limits = frame.Limits{MaxBodyBytes: 8} })
		p := dial(t, srv)

		_, err := p.conn.Write(frame.EncodePacket(make([]byte, 64)))
		require.NoError(t, err)
		require.Eventually(t, func() bool { return rec.abrupt.Load() == 1 }, time.Second, 5*time.Millisecond)
	})

	t.Run("close fires graceful callback once", func(t *testing.T) {
		rec := &recorder{}
		rec.command = func(s *Session, _ []byte) {
			_ = s.Send(frame.Ok(nil))
			assert.NoError(t, s.Close())
			assert.NoError(t, s.Close())
			assert.Equal(t, StateClosed, s.State())

			var sendErr *SendError
			assert.ErrorAs(t, s.Send(frame.Ok(nil)), &sendErr)
			assert.ErrorIs(t, sendErr, ErrSessionClosed)
		}
		srv := startServer(t, rec)
		p := dial(t, srv)

		p.send(t, []byte{0x06})
		assert.Equal(t, frame.Ok(nil).Body(), p.recv(t))
		require.Eventually(t, func() bool { return rec.graceful.Load() == 1 }, time.Second, 5*time.Millisecond)

		time.Sleep(50 * time.Millisecond)
		assert.EqualValues(t, 0, rec.abrupt.Load())
		assert.Equal(t, 0, srv.SessionCount())
	})
}

func TestServer_MaxSessions(t *testing.T) {
	srv := startServer(t, &recorder{}, func(c *Config) { c.MaxSessions = 1 })
	first := dial(t, srv)
	require.Eventually(t, func() bool { return srv.SessionCount() == 1 }, time.Second, 5*time.Millisecond)

	second := dial(t, srv)
	require.NoError(t, second.conn.SetReadDeadline(time.Now().Add(time.Second)))
	_, err := frame.ReadPacket(second.reader, frame.DefaultLimits())
	assert.Error(t, err)

	first.send(t, []byte("still here"))
	assert.Equal(t, []byte("still here"), first.recv(t))
	assert.EqualValues(t, 1, testutil.ToFloat64(srv.Metrics().sessionsRejected.WithLabelValues("full")))
}

func TestServer_HandlerPanic(t *testing.T) {
	var reported atomic.Int32
	rec := &recorder{}
	rec.command = func(s *Session, body []byte) {
		if string(body) == "panic" {
			panic("handler exploded")
		}
		_ = s.SendRaw(body)
	}

	cfg := DefaultConfig()
	cfg.Addr = "127.0.0.1:0"
	srv := New(cfg, rec, WithFailureHandler(func(*Session, error) { reported.Add(1) }))
	require.NoError(t, srv.Start())
	defer srv.Stop()

	p := dial(t, srv)
	p.send(t, []byte("panic"))
	p.send(t, []byte("ok"))

	assert.Equal(t, []byte("ok"), p.recv(t))
	assert.EqualValues(t, 1, reported.Load())
	assert.Equal(t, 1, srv.SessionCount())
}

func TestSession_Info(t *testing.T) {
	var got atomic.Pointer[Session]
	rec := &recorder{welcome: func(s *Session) bool {
		s.SetData("alice")
		got.Store(s)
		return true
	}}
	srv := startServer(t, rec)
	dial(t, srv)
	require.Eventually(t, func() bool { return srv.SessionCount() == 1 }, time.Second, 5*time.Millisecond)

	sess := got.Load()
	info := sess.Info()
	assert.Equal(t, sess.ID(), info.ID)
	assert.Equal(t, "Active", info.State)
	assert.Equal(t, "alice", info.Data)

	found, ok := srv.Session(sess.ID())
	require.True(t, ok)
	assert.Same(t, sess, found)
}

func TestRegistry(t *testing.T) {
	var r registry
	a := &Session{id: r.nextID()}
	b := &Session{id: r.nextID()}
	assert.Less(t, a.id, b.id)

	require.True(t, r.reserve(2))
	require.True(t, r.reserve(2))
	assert.False(t, r.reserve(2))

	r.add(b)
	r.add(a)
	r.add(a)
	assert.Equal(t, 2, r.len())
	assert.Equal(t, []*Session{a, b}, r.snapshot())

	assert.True(t, r.remove(a.id))
	assert.False(t, r.remove(a.id))
	assert.Equal(t, 1, r.len())
	assert.True(t, r.reserve(2), "removal frees the slot")
	r.release()

	r.reset()
	assert.Equal(t, 0, r.len())
	assert.Empty(t, r.snapshot())
	assert.EqualValues(t, 0, r.slots.Load())
	assert.True(t, r.reserve(0))
}

// brokenConn accepts reads from the wrapped conn but fails every write.
type brokenConn struct {
	net.Conn
}

func (brokenConn) Write([]byte) (int, error) {
	return 0, errors.New("link down")
}

// serveConn runs srv.ServeConn in the background and returns a channel closed
// when it returns, plus the far end of the pipe.
func serveConn(t *testing.T, srv *Server, wrap func(net.Conn) net.Conn) (<-chan struct{}, net.Conn) {
	t.Helper()
	local, remote := net.Pipe()
	t.Cleanup(func() {
		_ = local.Close()
		_ = remote.Close()
	})

	done := make(chan struct{})
	go func() {
		defer close(done)
		srv.ServeConn(wrap(local))
	}()
	return done, remote
}

func waitDone(t *testing.T, done <-chan struct{}) {
	t.Helper()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("ServeConn did not return")
	}
}

func TestServer_BroadcastDropsFailedSession(t *testing.T) {
	rec := &recorder{}
	srv := startServer(t, rec)

	good := dial(t, srv)
	require.Eventually(t, func() bool { return srv.SessionCount() == 1 }, time.Second, 5*time.Millisecond)

	done, _ := serveConn(t, srv, func(c net.Conn) net.Conn { return brokenConn{c} })
	require.Eventually(t, func() bool { return srv.SessionCount() == 2 }, time.Second, 5*time.Millisecond)

	assert.Equal(t, 1, srv.Broadcast([]byte("news"), nil))
	assert.Equal(t, []byte("news"), good.recv(t))

	assert.Equal(t, 1, srv.SessionCount())
	assert.EqualValues(t, 1, rec.abrupt.Load())
	assert.EqualValues(t, 0, rec.graceful.Load())
	assert.EqualValues(t, 1, testutil.ToFloat64(srv.Metrics().sendErrors))
	waitDone(t, done)

	t.Run("later broadcasts skip the dropped session", func(t *testing.T) {
		assert.Equal(t, 1, srv.Broadcast([]byte("again"), nil))
		assert.Equal(t, []byte("again"), good.recv(t))
		assert.EqualValues(t, 1, rec.abrupt.Load())
	})
}

func TestServer_ServeConn(t *testing.T) {
	t.Run("session limit applies", func(t *testing.T) {
		srv := startServer(t, &recorder{}, func(c *Config) { c.MaxSessions = 1 })
		first := dial(t, srv)
		require.Eventually(t, func() bool { return srv.SessionCount() == 1 }, time.Second, 5*time.Millisecond)

		done, remote := serveConn(t, srv, func(c net.Conn) net.Conn { return c })
		waitDone(t, done)

		_, err := remote.Read(make([]byte, 1))
		assert.ErrorIs(t, err, io.EOF)
		assert.Equal(t, 1, srv.SessionCount())
		assert.EqualValues(t, 1, testutil.ToFloat64(srv.Metrics().sessionsRejected.WithLabelValues("full")))

		first.send(t, []byte("ok"))
		assert.Equal(t, []byte("ok"), first.recv(t))
	})

	t.Run("stop waits for the session", func(t *testing.T) {
		rec := &recorder{}
		srv := startServer(t, rec)

		done, _ := serveConn(t, srv, func(c net.Conn) net.Conn { return c })
		require.Eventually(t, func() bool { return srv.SessionCount() == 1 }, time.Second, 5*time.Millisecond)

		srv.Stop()
		waitDone(t, done)
		assert.EqualValues(t, 1, rec.graceful.Load())
	})

	t.Run("stopped server closes the conn", func(t *testing.T) {
		srv := New(DefaultConfig(), &recorder{})

		done, remote := serveConn(t, srv, func(c net.Conn) net.Conn { return c })
		waitDone(t, done)

		_, err := remote.Read(make([]byte, 1))
		assert.ErrorIs(t, err, io.EOF)
	})
}
