package transport

import (
	"context"
	"errors"
	"io"
	"net"
	"testing"
	"time"

	"github.com/hongjun500/signal/internal/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testPSK = "0123456789abcdef"

func startServer(t *testing.T, mutate func(*ServerSettings), setup ...func(*Server)) *Server {
	t.Helper()
	s := DefaultServerSettings()
	s.ListenIP = "127.0.0.1"
	s.ListenPort = 0
	if mutate != nil {
		mutate(&s)
	}
	srv, err := NewServer(s)
	require.NoError(t, err)
	for _, fn := range setup {
		fn(srv)
	}
	require.NoError(t, srv.Start())
	t.Cleanup(func() { _ = srv.Stop() })
	return srv
}

func serverPort(srv *Server) int { return srv.Addr().(*net.TCPAddr).Port }

func newTestClient(t *testing.T, srv *Server, mutate func(*ClientSettings)) *Client {
	t.Helper()
	cs := DefaultClientSettings()
	cs.Port = serverPort(srv)
	if mutate != nil {
		mutate(&cs)
	}
	c, err := NewClient(cs)
	require.NoError(t, err)
	t.Cleanup(c.Close)
	return c
}

func connectReady(t *testing.T, c *Client) {
	t.Helper()
	require.NoError(t, c.Connect(context.Background()))
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, c.WaitReady(ctx))
}

// connEvents 收集指定类型的连接事件
func connEvents(events *Events, kind EventType) <-chan *ConnectionEvent {
	ch := make(chan *ConnectionEvent, 16)
	events.Subscribe(kind, func(e Event) { ch <- e.(*ConnectionEvent) })
	return ch
}

func waitEvent(t *testing.T, ch <-chan *ConnectionEvent, d time.Duration) *ConnectionEvent {
	t.Helper()
	select {
	case e := <-ch:
		return e
	case <-time.After(d):
		t.Fatal("event not received")
		return nil
	}
}

func TestEndToEnd_PingWithoutAuth(t *testing.T) {
	srv := startServer(t, nil)
	srv.SetRequestHandler(func(req *Request) *Response {
		if req.Tag() == "ping" {
			return Ok("pong")
		}
		return NotFound(nil)
	})
	c := newTestClient(t, srv, nil)
	connectReady(t, c)
	assert.True(t, c.IsConnected())
	assert.Equal(t, StateConnected, c.State())

	resp, err := c.RpcRequest(context.Background(), 2*time.Second, protocol.TagHeader("ping"), nil)
	require.NoError(t, err)
	assert.Equal(t, protocol.StatusOk, resp.StatusCode)
	assert.Equal(t, "pong", string(resp.Data))

	got, status := RpcRequestAs[string](context.Background(), c, 2*time.Second, protocol.TagHeader("ping"), nil)
	assert.Equal(t, protocol.StatusOk, status)
	assert.Equal(t, "pong", got)

	_, status = RpcRequestAs[string](context.Background(), c, 2*time.Second, protocol.TagHeader("nope"), nil)
	assert.Equal(t, protocol.StatusNotFound, status)

	assert.True(t, c.Ping())
}

func TestEndToEnd_ServerToClientRpc(t *testing.T) {
	srv := startServer(t, nil)
	c := newTestClient(t, srv, nil)
	c.SetRequestHandler(func(req *Request) *Response { return Ok(append([]byte("client:"), req.Data...)) })
	connectReady(t, c)

	ipPort := c.Conn().LocalAddr().String()
	require.Eventually(t, func() bool { _, ok := srv.Client(ipPort); return ok }, time.Second, 10*time.Millisecond)
	resp, err := srv.RpcRequest(context.Background(), ipPort, time.Second, protocol.TagHeader("hi"), "x")
	require.NoError(t, err)
	assert.Equal(t, "client:x", string(resp.Data))

	_, err = srv.RpcRequest(context.Background(), "127.0.0.1:1", time.Second, protocol.TagHeader("hi"), nil)
	assert.True(t, errors.Is(err, ErrNotConnected))
}

func TestEndToEnd_AuthFailure(t *testing.T) {
	var disconnected <-chan *ConnectionEvent
	srv := startServer(t, func(s *ServerSettings) { s.PresharedKey = testPSK }, func(s *Server) {
		disconnected = connEvents(s.Events(), EventDisconnected)
	})
	c := newTestClient(t, srv, func(cs *ClientSettings) { cs.PresharedKey = "fedcba9876543210" })
	clientFailed := connEvents(c.Events(), EventAuthFailed)

	require.NoError(t, c.Connect(context.Background()))
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	err := c.WaitReady(ctx)
	assert.True(t, errors.Is(err, ErrAuthFailed), "got %v", err)
	assert.Equal(t, ReasonAuthFailure, c.Conn().Reason())
	waitEvent(t, clientFailed, time.Second)

	e := waitEvent(t, disconnected, 2*time.Second)
	assert.Equal(t, ReasonAuthFailure, e.Reason)
	assert.False(t, c.IsConnected())
}

func TestEndToEnd_AuthTimeoutWithoutKey(t *testing.T) {
	srv := startServer(t, func(s *ServerSettings) {
		s.PresharedKey = testPSK
		s.AuthTimeout = 200 * time.Millisecond
	})
	c := newTestClient(t, srv, nil)
	require.NoError(t, c.Connect(context.Background()))
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	err := c.WaitReady(ctx)
	assert.True(t, errors.Is(err, ErrAuthFailed), "got %v", err)
}

func TestEndToEnd_AuthSuccess(t *testing.T) {
	var succeeded <-chan *ConnectionEvent
	srv := startServer(t, func(s *ServerSettings) { s.PresharedKey = testPSK }, func(s *Server) {
		succeeded = connEvents(s.Events(), EventAuthSucceeded)
	})
	srv.SetRequestHandler(func(req *Request) *Response { return Ok(req.Data) })
	c := newTestClient(t, srv, func(cs *ClientSettings) { cs.PresharedKey = " " + testPSK + "\n" })
	connected := connEvents(c.Events(), EventConnected)
	connectReady(t, c)

	e := waitEvent(t, succeeded, time.Second)
	require.NotNil(t, e.Client)
	assert.True(t, e.Client.Authenticated())
	waitEvent(t, connected, time.Second)

	resp, err := c.RpcRequest(context.Background(), time.Second, protocol.TagHeader("echo"), []byte("abc"))
	require.NoError(t, err)
	assert.Equal(t, []byte("abc"), resp.Data)
}

func TestEndToEnd_BroadcastAndChannels(t *testing.T) {
	var inbound chan *BroadcastEvent
	srv := startServer(t, nil, func(s *Server) {
		inbound = make(chan *BroadcastEvent, 4)
		s.Events().Subscribe(EventBroadcastMessage, func(e Event) { inbound <- e.(*BroadcastEvent) })
	})
	c := newTestClient(t, srv, func(cs *ClientSettings) { cs.Channel = 3 })
	outbound := make(chan *BroadcastEvent, 4)
	c.Events().Subscribe(EventBroadcastMessage, func(e Event) { outbound <- e.(*BroadcastEvent) })
	connectReady(t, c)

	require.True(t, c.Send(protocol.TagHeader("up"), "from client"))
	select {
	case e := <-inbound:
		assert.Equal(t, "from client", string(e.Data))
		require.NotNil(t, e.Client)
		assert.Equal(t, c.Conn().LocalAddr().String(), e.IpPort)
	case <-time.After(time.Second):
		t.Fatal("server did not receive broadcast")
	}

	ipPort := c.Conn().LocalAddr().String()
	require.Eventually(t, func() bool {
		cc, ok := srv.Client(ipPort)
		if !ok {
			return false
		}
		ch, ok := cc.Channel()
		return ok && ch == 3
	}, time.Second, 10*time.Millisecond)

	assert.Equal(t, 0, srv.SendToChannel(4, protocol.TagHeader("down"), "nobody"))
	assert.Equal(t, 1, srv.SendToChannel(3, protocol.TagHeader("down"), "channel"))
	assert.Equal(t, 1, srv.Broadcast(protocol.TagHeader("down"), "everyone"))

	var got []string
	for len(got) < 2 {
		select {
		case e := <-outbound:
			got = append(got, string(e.Data))
		case <-time.After(time.Second):
			t.Fatalf("client received %v", got)
		}
	}
	assert.ElementsMatch(t, []string{"channel", "everyone"}, got)
}

func TestEndToEnd_IdleReaper(t *testing.T) {
	var disconnected <-chan *ConnectionEvent
	srv := startServer(t, func(s *ServerSettings) { s.IdleClientTimeout = 300 * time.Millisecond }, func(s *Server) {
		s.reapInterval = 50 * time.Millisecond
		disconnected = connEvents(s.Events(), EventDisconnected)
	})
	c := newTestClient(t, srv, nil)
	connectReady(t, c)

	e := waitEvent(t, disconnected, 3*time.Second)
	assert.Equal(t, ReasonTimeout, e.Reason)
	assert.EqualValues(t, 0, srv.Registry().Count())
	select {
	case <-c.Conn().Done():
	case <-time.After(time.Second):
		t.Fatal("client connection still open")
	}
}

func TestEndToEnd_ActiveClientIsNotReaped(t *testing.T) {
	srv := startServer(t, func(s *ServerSettings) { s.IdleClientTimeout = 400 * time.Millisecond }, func(s *Server) {
		s.reapInterval = 50 * time.Millisecond
	})
	c := newTestClient(t, srv, nil)
	connectReady(t, c)
	for i := 0; i < 8; i++ {
		require.True(t, c.Ping())
		time.Sleep(100 * time.Millisecond)
	}
	assert.True(t, c.IsConnected())
	assert.EqualValues(t, 1, srv.Registry().Count())
}

func TestEndToEnd_BlockedIP(t *testing.T) {
	srv := startServer(t, func(s *ServerSettings) { s.BlockedIPs = []string{"127.0.0.0/8"} })
	c := newTestClient(t, srv, nil)
	require.NoError(t, c.Connect(context.Background()))
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	err := c.WaitReady(ctx)
	assert.True(t, errors.Is(err, ErrConnClosed), "got %v", err)
	assert.EqualValues(t, 0, srv.Registry().Count())
}

func TestEndToEnd_DisconnectAndStop(t *testing.T) {
	srv := startServer(t, nil)
	first := newTestClient(t, srv, nil)
	second := newTestClient(t, srv, nil)
	firstGone := connEvents(first.Events(), EventDisconnected)
	secondGone := connEvents(second.Events(), EventDisconnected)
	connectReady(t, first)
	connectReady(t, second)
	require.Eventually(t, func() bool { return srv.Registry().Count() == 2 }, time.Second, 10*time.Millisecond)

	require.True(t, srv.DisconnectClient(first.Conn().LocalAddr().String()))
	assert.Equal(t, ReasonRemoved, waitEvent(t, firstGone, time.Second).Reason)
	assert.False(t, srv.DisconnectClient("127.0.0.1:1"))

	require.NoError(t, srv.Stop())
	assert.Equal(t, ReasonShutdown, waitEvent(t, secondGone, time.Second).Reason)
	assert.True(t, errors.Is(srv.Stop(), ErrNotListening))
	assert.False(t, srv.Listening())
}

func TestEndToEnd_StartTwice(t *testing.T) {
	srv := startServer(t, nil)
	assert.True(t, errors.Is(srv.Start(), ErrAlreadyListening))
	st := srv.Stats()
	assert.True(t, st.Listening)
	assert.NotEmpty(t, st.Addr)
}

func TestEndToEnd_MaxConnectionsPausesAccept(t *testing.T) {
	srv := startServer(t, func(s *ServerSettings) { s.MaxConnections = 1 })
	first := newTestClient(t, srv, nil)
	connectReady(t, first)

	second := newTestClient(t, srv, nil)
	require.NoError(t, second.Connect(context.Background()))
	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	err := second.WaitReady(ctx)
	cancel()
	assert.True(t, errors.Is(err, ErrTimeout), "got %v", err)

	require.NoError(t, first.Disconnect(true))
	ctx, cancel = context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, second.WaitReady(ctx))
}

func TestEndToEnd_IdentityTakeoverRevokesRequests(t *testing.T) {
	srv := startServer(t, nil)
	srv.SetRequestHandler(func(req *Request) *Response {
		if req.Tag() == "identify" {
			if srv.IdentityAuthenticate(string(req.Data), req.Client) {
				return Authorize(nil)
			}
			return Conflict(nil)
		}
		return Ok(nil)
	})
	first := newTestClient(t, srv, nil)
	second := newTestClient(t, srv, nil)
	connectReady(t, first)
	connectReady(t, second)

	ctx := context.Background()
	resp, err := first.RpcRequest(ctx, time.Second, protocol.TagHeader("identify"), []byte("alice"))
	require.NoError(t, err)
	assert.Equal(t, protocol.StatusAuthorize, resp.StatusCode)

	// same IP, so the second connection takes the identity over
	resp, err = second.RpcRequest(ctx, time.Second, protocol.TagHeader("identify"), []byte("alice"))
	require.NoError(t, err)
	assert.Equal(t, protocol.StatusAuthorize, resp.StatusCode)

	info, ok := srv.Identity("alice")
	require.True(t, ok)
	assert.Equal(t, second.Conn().LocalAddr().String(), info.IpPort)

	resp, err = first.RpcRequest(ctx, time.Second, protocol.TagHeader("other"), nil)
	require.NoError(t, err)
	assert.Equal(t, protocol.StatusSessionExpired, resp.StatusCode)

	assert.Equal(t, 1, srv.DisconnectByIdentityID("alice"))
	_, ok = srv.Identity("alice")
	assert.False(t, ok)
}

func TestClient_WatchdogClosesIdleServer(t *testing.T) {
	srv := startServer(t, nil)
	c := newTestClient(t, srv, func(cs *ClientSettings) { cs.IdleServerTimeout = 300 * time.Millisecond })
	gone := connEvents(c.Events(), EventDisconnected)
	connectReady(t, c)
	assert.Equal(t, ReasonTimeout, waitEvent(t, gone, 2*time.Second).Reason)
	assert.Equal(t, StateDisconnected, c.State())
}

func TestClient_AutoReconnect(t *testing.T) {
	srv := startServer(t, nil)
	c := newTestClient(t, srv, func(cs *ClientSettings) { cs.AutoReconnect = time.Second })
	connectReady(t, c)
	before := c.Conn()

	require.True(t, srv.DisconnectClient(before.LocalAddr().String()))
	require.Eventually(t, func() bool {
		return c.IsConnected() && c.Conn() != before
	}, 6*time.Second, 50*time.Millisecond)

	// a manual disconnect is never undone
	require.NoError(t, c.Disconnect(false))
	time.Sleep(2500 * time.Millisecond)
	assert.False(t, c.IsConnected())
}

func TestClient_ConnectErrors(t *testing.T) {
	srv := startServer(t, nil)
	c := newTestClient(t, srv, nil)
	connectReady(t, c)
	assert.True(t, errors.Is(c.Connect(context.Background()), ErrAlreadyConnected))

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	require.NoError(t, ln.Close())

	cs := DefaultClientSettings()
	cs.Port = port
	refused, err := NewClient(cs)
	require.NoError(t, err)
	defer refused.Close()
	assert.True(t, errors.Is(refused.Connect(context.Background()), ErrConnection))
	_, err = refused.RpcRequest(context.Background(), time.Second, protocol.TagHeader("x"), nil)
	assert.True(t, errors.Is(err, ErrNotConnected))
	assert.False(t, refused.Send(protocol.TagHeader("x"), nil))
	assert.Panics(t, func() { refused.Send(nil, nil) })
}

func TestEndToEnd_OversizedBodyClosesOnlyThatConnection(t *testing.T) {
	var disconnected <-chan *ConnectionEvent
	srv := startServer(t, nil, func(s *Server) {
		disconnected = connEvents(s.Events(), EventDisconnected)
	})
	srv.SetRequestHandler(func(*Request) *Response { return Ok("pong") })
	c := newTestClient(t, srv, nil)
	connectReady(t, c)

	raw, err := net.Dial("tcp", srv.Addr().String())
	require.NoError(t, err)
	defer raw.Close()
	m := protocol.NewBroadcast(protocol.TagHeader("x"), nil)
	m.ContentLength = 1 << 50
	_, err = raw.Write(protocol.BuildHeaderBytes(m))
	require.NoError(t, err)

	e := waitEvent(t, disconnected, 2*time.Second)
	assert.Equal(t, raw.LocalAddr().String(), e.IpPort)
	assert.Equal(t, ReasonProtocolError, e.Reason)

	resp, err := c.RpcRequest(context.Background(), time.Second, protocol.TagHeader("ping"), nil)
	require.NoError(t, err)
	assert.Equal(t, "pong", string(resp.Data))
	assert.EqualValues(t, 1, srv.Registry().Count())
}

// sameAddrConn 让两条 net.Pipe 连接报告相同的远端地址
type sameAddrConn struct {
	net.Conn
	remote net.Addr
}

func (c *sameAddrConn) RemoteAddr() net.Addr { return c.remote }

func TestServer_DuplicateEndpointGetsFailure(t *testing.T) {
	srv, err := NewServer(DefaultServerSettings())
	require.NoError(t, err)
	addr := &net.TCPAddr{IP: net.ParseIP("10.0.0.7"), Port: 40000}
	slots := make(chan struct{}, 2)

	firstSrv, firstPeer := net.Pipe()
	defer firstPeer.Close()
	slots <- struct{}{}
	srv.wg.Add(1)
	go srv.serveClient(&sameAddrConn{Conn: firstSrv, remote: addr}, slots)
	m, err := NewFrameCodec(firstPeer, 0).ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, protocol.MsgConnectionReady, m.Type)
	first, ok := srv.Client(addr.String())
	require.True(t, ok)

	secondSrv, secondPeer := net.Pipe()
	defer secondPeer.Close()
	slots <- struct{}{}
	srv.wg.Add(1)
	go srv.serveClient(&sameAddrConn{Conn: secondSrv, remote: addr}, slots)
	m, err = NewFrameCodec(secondPeer, 0).ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, protocol.MsgFailure, m.Type)

	current, ok := srv.Client(addr.String())
	require.True(t, ok)
	assert.Same(t, first, current)
	assert.False(t, first.Closed())
	assert.EqualValues(t, 1, srv.Registry().Count())
	// 被拒绝的连接归还了连接槽
	require.Eventually(t, func() bool { return len(slots) == 1 }, time.Second, 10*time.Millisecond)
}

func TestClient_FailureNoticeMeansRejected(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		_ = NewFrameCodec(conn, 0).WriteMessage(protocol.NewControl(protocol.MsgFailure))
		_, _ = io.Copy(io.Discard, conn)
	}()

	cs := DefaultClientSettings()
	cs.Port = ln.Addr().(*net.TCPAddr).Port
	c, err := NewClient(cs)
	require.NoError(t, err)
	defer c.Close()
	require.NoError(t, c.Connect(context.Background()))
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	err = c.WaitReady(ctx)
	assert.True(t, errors.Is(err, ErrConnClosed), "got %v", err)
	assert.Equal(t, ReasonRejected, c.Conn().Reason())
}

func TestRpcRequest_ArgumentsCheckedBeforeConnection(t *testing.T) {
	c, err := NewClient(DefaultClientSettings())
	require.NoError(t, err)
	defer c.Close()
	_, err = c.RpcRequest(context.Background(), 500*time.Millisecond, protocol.TagHeader("x"), nil)
	assert.True(t, errors.Is(err, ErrInvalidArgument), "got %v", err)
	_, err = c.RpcRequest(context.Background(), time.Second, nil, nil)
	assert.True(t, errors.Is(err, ErrInvalidArgument), "got %v", err)

	srv, err := NewServer(DefaultServerSettings())
	require.NoError(t, err)
	_, err = srv.RpcRequest(context.Background(), "127.0.0.1:1", 500*time.Millisecond, protocol.TagHeader("x"), nil)
	assert.True(t, errors.Is(err, ErrInvalidArgument), "got %v", err)
	_, err = srv.RpcRequest(context.Background(), "127.0.0.1:1", time.Second, protocol.TagHeader("x"), nil)
	assert.True(t, errors.Is(err, ErrNotConnected), "got %v", err)
}
