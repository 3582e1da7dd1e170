package transport

import (
	"context"
	"errors"
	"io"
	"net"
	"net/netip"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hongjun500/signal/internal/observe"
	"github.com/hongjun500/signal/internal/protocol"
	"github.com/hongjun500/signal/pkg/logger"
)

const reconnectGrace = time.Second

type ClientState int32

const (
	StateDisconnected ClientState = iota
	StateConnecting
	StateConnected
	StateReconnecting
)

func (s ClientState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	default:
		return "unknown"
	}
}

// session 是一次 TCP 连接的生命周期：连接核心、就绪信号与其后台任务
type session struct {
	conn      *Conn
	ready     chan struct{}
	readyOnce sync.Once
	loops     sync.WaitGroup
}

// Client 是协议的客户端角色，发送类方法委托给当前连接
type Client struct {
	settings ClientSettings
	events   *Events
	payloads *protocol.PayloadCodec
	handler  atomic.Pointer[RequestHandler]

	mu     sync.Mutex // 串行化 Connect/Disconnect/重连
	sess   atomic.Pointer[session]
	state  atomic.Int32
	manual atomic.Bool // 主动断开后不再自动重连

	reconnectFlag    atomic.Bool
	reconnectOnce    sync.Once
	lastReconnectErr atomic.Pointer[error]

	ctx    context.Context
	cancel context.CancelFunc
	bg     sync.WaitGroup
	closed atomic.Bool
}

// NewClient 校验配置并创建客户端，调用 Connect 后才建立连接
func NewClient(settings ClientSettings) (*Client, error) {
	if err := settings.Validate(); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Client{
		settings: settings,
		events:   NewEvents("signal-client"),
		payloads: protocol.NewPayloadCodec(),
		ctx:      ctx,
		cancel:   cancel,
	}, nil
}

// Events 返回客户端的事件中心，跨重连保持不变
func (c *Client) Events() *Events                  { return c.events }
func (c *Client) Payloads() *protocol.PayloadCodec { return c.payloads }
func (c *Client) Settings() ClientSettings         { return c.settings }
func (c *Client) State() ClientState               { return ClientState(c.state.Load()) }

// SetRequestHandler 设置 RPC 回调，可在运行中替换
func (c *Client) SetRequestHandler(h RequestHandler) { c.handler.Store(&h) }

func (c *Client) requestHandler() RequestHandler {
	if p := c.handler.Load(); p != nil {
		return *p
	}
	return nil
}

func (c *Client) setState(s ClientState) { c.state.Store(int32(s)) }

// IsConnected 报告握手已完成且连接仍然打开
func (c *Client) IsConnected() bool {
	s := c.sess.Load()
	return s != nil && !s.conn.Closed() && c.State() == StateConnected
}

// LastReconnectError 返回最近一次自动重连失败的原因
func (c *Client) LastReconnectError() error {
	if p := c.lastReconnectErr.Load(); p != nil {
		return *p
	}
	return nil
}

// Conn 返回当前连接核心，未连接时为 nil
func (c *Client) Conn() *Conn {
	if s := c.sess.Load(); s != nil {
		return s.conn
	}
	return nil
}

// Connect 建立 TCP 连接并启动读循环，握手结果通过 WaitReady 或事件获得
func (c *Client) Connect(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed.Load() {
		return ErrConnClosed
	}
	if s := c.sess.Load(); s != nil && !s.conn.Closed() {
		return ErrAlreadyConnected
	}
	c.manual.Store(false)
	if err := c.connectLocked(ctx); err != nil {
		return err
	}
	if c.settings.AutoReconnect > 0 {
		c.reconnectOnce.Do(func() {
			c.bg.Add(1)
			go c.reconnectLoop()
		})
	}
	return nil
}

func (c *Client) connectLocked(ctx context.Context) error {
	c.setState(StateConnecting)
	nc, err := c.dial(ctx)
	if err != nil {
		c.setState(StateDisconnected)
		return err
	}
	if tc, ok := nc.(*net.TCPConn); ok {
		_ = tc.SetNoDelay(c.settings.NoDelay)
	}

	s := &session{
		conn: newConn(nc, connOptions{
			side:       "client",
			bufferSize: c.settings.StreamBufferSize,
			maxProxied: c.settings.MaxProxiedStreamSize,
		maxMessage: c.settings.MaxMessageSize,
			payloads:   c.payloads,
			events:     c.events,
			handler:    c.requestHandler,
		}),
		ready: make(chan struct{}),
	}
	c.sess.Store(s)
	s.loops.Add(2)
	go c.readLoop(s)
	go c.watchdog(s)
	logger.L().Sugar().Infow("client_connected", "ip_port", s.conn.IpPort(), "local", s.conn.LocalAddr().String())
	return nil
}

func (c *Client) dial(ctx context.Context) (net.Conn, error) {
	timeout := c.settings.ConnectTimeout
	dctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ip, err := resolveHost(dctx, c.settings.Host)
	if err != nil {
		return nil, dialError(ctx, dctx, c.settings.Host, err)
	}
	kac, ka := c.settings.Keepalive.config()
	d := net.Dialer{KeepAlive: ka, KeepAliveConfig: kac}
	if c.settings.LocalPort > 0 {
		d.LocalAddr = &net.TCPAddr{Port: c.settings.LocalPort}
	}
	addr := net.JoinHostPort(ip.String(), strconv.Itoa(c.settings.Port))
	nc, err := d.DialContext(dctx, "tcp", addr)
	if err != nil {
		return nil, dialError(ctx, dctx, addr, err)
	}
	return nc, nil
}

func dialError(parent, dctx context.Context, target string, err error) error {
	switch {
	case parent.Err() != nil:
		return withContext(ErrCanceled, target, err)
	case errors.Is(dctx.Err(), context.DeadlineExceeded):
		return withContext(ErrTimeout, "connect "+target, err)
	default:
		return withContext(ErrConnection, target, err)
	}
}

// resolveHost 解析主机名，优先返回 IPv4 地址
func resolveHost(ctx context.Context, host string) (netip.Addr, error) {
	if ip, err := netip.ParseAddr(host); err == nil {
		return ip.Unmap(), nil
	}
	ips, err := net.DefaultResolver.LookupNetIP(ctx, "ip", host)
	if err != nil {
		return netip.Addr{}, err
	}
	for _, ip := range ips {
		if ip.Unmap().Is4() {
			return ip.Unmap(), nil
		}
	}
	if len(ips) == 0 {
		return netip.Addr{}, &net.DNSError{Err: "no addresses", Name: host, IsNotFound: true}
	}
	return ips[0], nil
}

// WaitReady 等待 ConnectionReady 或 AuthSuccess。认证失败返回 ErrAuthFailed。
func (c *Client) WaitReady(ctx context.Context) error {
	s := c.sess.Load()
	if s == nil {
		return ErrNotConnected
	}
	select {
	case <-s.ready:
		return nil
	case <-s.conn.Done():
		if s.conn.Reason() == ReasonAuthFailure {
			return ErrAuthFailed
		}
		return withContext(ErrConnClosed, s.conn.Reason().String(), nil)
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return withContext(ErrTimeout, "waiting for handshake", ctx.Err())
		}
		return withContext(ErrCanceled, "waiting for handshake", ctx.Err())
	}
}

func (c *Client) readLoop(s *session) {
	defer s.loops.Done()
	conn := s.conn
	defer c.connectionClosed(s)
	for {
		m, err := conn.codec.ReadMessage()
		if err != nil {
			if !conn.Closed() {
				reason := readErrorReason(err)
				if reason == ReasonProtocolError {
					logger.L().Sugar().Warnw("client_read_error", "ip_port", conn.IpPort(), "err", err)
				}
				conn.setReason(reason)
			}
			return
		}
		conn.touch()
		receivedAt := time.Now()

		switch m.Type {
		case protocol.MsgRemoved:
			conn.setReason(ReasonRemoved)
			return
		case protocol.MsgShutdown:
			conn.setReason(ReasonShutdown)
			return
		case protocol.MsgDisconnect:
			conn.setReason(ReasonNormal)
			return
		case protocol.MsgFailure:
			// 服务端拒绝重复的远端地址
			conn.setReason(ReasonRejected)
			return
		case protocol.MsgAuthFailure:
			conn.setReason(ReasonAuthFailure)
			observe.IncAuthFailure()
			c.events.Emit(&ConnectionEvent{Kind: EventAuthFailed, When: receivedAt, IpPort: conn.IpPort(), Reason: ReasonAuthFailure})
			return
		case protocol.MsgAuthSuccess:
			c.markReady(s, true)
		case protocol.MsgConnectionReady:
			c.markReady(s, false)
		case protocol.MsgAuthRequired:
			if key := c.settings.PresharedKey; key != "" {
				if err := conn.write(protocol.NewAuthRequested([]byte(key))); err != nil {
					conn.setReason(ReasonNormal)
					return
				}
			} else {
				logger.L().Sugar().Warnw("client_auth_required_without_key", "ip_port", conn.IpPort())
			}
		case protocol.MsgSuccess, protocol.MsgPingPack, protocol.MsgAuthRequested, protocol.MsgRegisterChannel:
			if err := conn.codec.Drain(m); err != nil {
				conn.setReason(ReasonProtocolError)
				return
			}
		case protocol.MsgRequestPack, protocol.MsgResponsePack, protocol.MsgBroadcastPack, protocol.MsgStreamPack:
			if err := conn.dispatchData(m, receivedAt, nil); err != nil {
				logger.L().Sugar().Warnw("client_body_error", "ip_port", conn.IpPort(), "err", err)
				conn.setReason(ReasonProtocolError)
				return
			}
		default:
			logger.L().Sugar().Warnw("client_unknown_message", "ip_port", conn.IpPort(), "type", m.Type)
			conn.setReason(ReasonProtocolError)
			return
		}
	}
}

// markReady 完成握手：注册频道并触发 connected 事件
func (c *Client) markReady(s *session, authenticated bool) {
	first := false
	s.readyOnce.Do(func() { first = true })
	if !first {
		return
	}
	if ch := c.settings.Channel; ch >= 1 {
		_ = s.conn.write(protocol.NewRegisterChannel(ch))
	}
	c.setState(StateConnected)
	close(s.ready)
	logger.L().Sugar().Infow("client_ready", "ip_port", s.conn.IpPort(), "authenticated", authenticated)
	if authenticated {
		c.events.Emit(&ConnectionEvent{Kind: EventAuthSucceeded, When: time.Now(), IpPort: s.conn.IpPort()})
	}
	c.events.Emit(&ConnectionEvent{Kind: EventConnected, When: time.Now(), IpPort: s.conn.IpPort()})
}

func (c *Client) connectionClosed(s *session) {
	s.conn.Close()
	if c.sess.Load() == s {
		c.setState(StateDisconnected)
		if c.settings.AutoReconnect > 0 && !c.manual.Load() && !c.closed.Load() {
			c.reconnectFlag.Store(true)
		}
	}
	logger.L().Sugar().Infow("client_disconnected", "ip_port", s.conn.IpPort(), "reason", s.conn.Reason().String())
	c.events.Emit(&ConnectionEvent{Kind: EventDisconnected, When: time.Now(), IpPort: s.conn.IpPort(), Reason: s.conn.Reason()})
}

// watchdog 在服务端长时间无数据时关闭连接
func (c *Client) watchdog(s *session) {
	defer s.loops.Done()
	timeout := c.settings.IdleServerTimeout
	if timeout <= 0 {
		return
	}
	tick := timeout / 4
	if tick < 100*time.Millisecond {
		tick = 100 * time.Millisecond
	}
	ticker := time.NewTicker(tick)
	defer ticker.Stop()
	for {
		select {
		case <-s.conn.Done():
			return
		case now := <-ticker.C:
			if idle := now.Sub(s.conn.LastActive()); idle > timeout {
				logger.L().Sugar().Infow("client_server_idle", "ip_port", s.conn.IpPort(), "idle", idle)
				s.conn.setReason(ReasonTimeout)
				s.conn.Close()
				return
			}
		}
	}
}

func (c *Client) reconnectLoop() {
	defer c.bg.Done()
	ticker := time.NewTicker(c.settings.AutoReconnect)
	defer ticker.Stop()
	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
		}
		if !c.reconnectFlag.Load() || c.manual.Load() {
			continue
		}
		if s := c.sess.Load(); s != nil {
			s.conn.Close()
		}
		select {
		case <-time.After(reconnectGrace):
		case <-c.ctx.Done():
			return
		}

		c.mu.Lock()
		if c.manual.Load() || c.closed.Load() {
			c.mu.Unlock()
			continue
		}
		c.setState(StateReconnecting)
		c.reconnectFlag.Store(false)
		observe.IncReconnect()
		err := c.connectLocked(c.ctx)
		c.mu.Unlock()
		if err != nil {
			c.lastReconnectErr.Store(&err)
			c.reconnectFlag.Store(true)
			logger.L().Sugar().Warnw("client_reconnect_failed", "host", c.settings.Host, "port", c.settings.Port, "err", err)
		}
	}
}

// Disconnect 断开当前连接，sendShutdown 为 true 时先通知服务端。
// 后台任务 10s 内未退出时返回 ErrTimeout。
func (c *Client) Disconnect(sendShutdown bool) error {
	c.mu.Lock()
	c.manual.Store(true)
	c.reconnectFlag.Store(false)
	s := c.sess.Load()
	c.mu.Unlock()
	if s == nil {
		return nil
	}
	if sendShutdown {
		s.conn.sendControl(protocol.MsgShutdown)
	}
	s.conn.setReason(ReasonNormal)
	s.conn.Close()
	return waitTimeout(&s.loops, stopTimeout)
}

// Close 释放客户端，之后不能再连接。从不返回错误。
func (c *Client) Close() {
	if !c.closed.CompareAndSwap(false, true) {
		return
	}
	c.cancel()
	_ = c.Disconnect(false)
	_ = waitTimeout(&c.bg, stopTimeout)
}

func (c *Client) current() *Conn {
	if s := c.sess.Load(); s != nil && !s.conn.Closed() {
		return s.conn
	}
	return nil
}

// Send 发送 BroadcastPack，未连接或写入失败时返回 false
func (c *Client) Send(header *protocol.Header, obj any) bool {
	conn := c.current()
	if conn == nil {
		if header == nil {
			invalidArgument("header is nil")
		}
		return false
	}
	return conn.Send(header, obj)
}

// SendStream 发送 contentLength 字节的 StreamPack
func (c *Client) SendStream(header *protocol.Header, r io.Reader, contentLength int64) bool {
	conn := c.current()
	if conn == nil {
		checkStreamArgs(header, r, contentLength)
		closeQuietly(r)
		return false
	}
	return conn.SendStream(header, r, contentLength)
}

// SendAsync 是 Send 的异步版本
func (c *Client) SendAsync(ctx context.Context, header *protocol.Header, obj any) <-chan bool {
	conn := c.current()
	if conn == nil {
		if header == nil {
			invalidArgument("header is nil")
		}
		out := make(chan bool, 1)
		out <- false
		return out
	}
	return conn.SendAsync(ctx, header, obj)
}

// SendStreamAsync 是 SendStream 的异步版本
func (c *Client) SendStreamAsync(ctx context.Context, header *protocol.Header, r io.Reader, contentLength int64) <-chan bool {
	conn := c.current()
	if conn == nil {
		checkStreamArgs(header, r, contentLength)
		closeQuietly(r)
		out := make(chan bool, 1)
		out <- false
		return out
	}
	return conn.SendStreamAsync(ctx, header, r, contentLength)
}

// RpcRequest 在当前连接上发起请求，未连接时返回 ErrNotConnected
func (c *Client) RpcRequest(ctx context.Context, timeout time.Duration, header *protocol.Header, obj any) (*Response, error) {
	if err := checkRpcArgs(timeout, header); err != nil {
		return nil, err
	}
	conn := c.current()
	if conn == nil {
		return nil, ErrNotConnected
	}
	return conn.RpcRequest(ctx, timeout, header, obj)
}

// Ping 发送 PingPack，用于保持服务端的活跃时间
func (c *Client) Ping() bool {
	conn := c.current()
	return conn != nil && conn.sendControl(protocol.MsgPingPack)
}
