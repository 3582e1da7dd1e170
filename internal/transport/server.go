package transport

import (
	"context"
	"crypto/subtle"
	"errors"
	"io"
	"net"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hongjun500/signal/internal/observe"
	"github.com/hongjun500/signal/internal/protocol"
	"github.com/hongjun500/signal/pkg/logger"
)

const (
	defaultReapInterval = 5 * time.Second
	stopTimeout         = 10 * time.Second
)

// Stats 是服务端运行状态的快照
type Stats struct {
	Listening     bool
	Addr          string
	Connections   int64
	Identities    int
	StartedAt     time.Time
	MaxConnection int
}

// Server 监听 TCP 连接，完成握手并为每个客户端运行读循环
type Server struct {
	settings   ServerSettings
	filter     *ipFilter
	events     *Events
	payloads   *protocol.PayloadCodec
	registry   *ClientRegistry
	identities *IdentitySessions
	handler    atomic.Pointer[RequestHandler]

	reapInterval time.Duration

	mu        sync.Mutex
	ln        net.Listener
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	slots     chan struct{}
	startedAt time.Time
}

// NewServer 校验配置并创建服务端，调用 Start 后才开始监听
func NewServer(settings ServerSettings) (*Server, error) {
	if err := settings.Validate(); err != nil {
		return nil, err
	}
	filter, err := newIPFilter(settings.PermittedIPs, settings.BlockedIPs)
	if err != nil {
		return nil, err
	}
	return &Server{
		settings:     settings,
		filter:       filter,
		events:       NewEvents("signal-server"),
		payloads:     protocol.NewPayloadCodec(),
		registry:     NewClientRegistry(),
		identities:   NewIdentitySessions(settings.SessionTTL, settings.ForcedSessionUpdate),
		reapInterval: defaultReapInterval,
	}, nil
}

// Events 返回服务端的事件中心，应在 Start 之前订阅
func (s *Server) Events() *Events                  { return s.events }
func (s *Server) Payloads() *protocol.PayloadCodec { return s.payloads }
func (s *Server) Registry() *ClientRegistry        { return s.registry }
func (s *Server) Identities() *IdentitySessions    { return s.identities }
func (s *Server) Settings() ServerSettings         { return s.settings }

// SetRequestHandler 设置 RPC 回调，可在运行中替换
func (s *Server) SetRequestHandler(h RequestHandler) { s.handler.Store(&h) }

func (s *Server) requestHandler() RequestHandler {
	if p := s.handler.Load(); p != nil {
		return *p
	}
	return nil
}

// Addr 返回实际监听地址，未监听时为 nil
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

// Listening 报告监听器是否在运行
func (s *Server) Listening() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ln != nil
}

// Start 绑定监听地址并启动 accept 循环与空闲回收循环
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln != nil {
		return ErrAlreadyListening
	}

	kac, ka := s.settings.Keepalive.config()
	lc := net.ListenConfig{KeepAlive: ka, KeepAliveConfig: kac, Control: exclusiveListen}
	addr := net.JoinHostPort(s.settings.ListenIP, strconv.Itoa(s.settings.ListenPort))
	ln, err := lc.Listen(context.Background(), "tcp", addr)
	if err != nil {
		return withContext(ErrConnection, "listen "+addr, err)
	}

	s.ln = ln
	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.startedAt = time.Now()
	if s.settings.MaxConnections > 0 {
		s.slots = make(chan struct{}, s.settings.MaxConnections)
	} else {
		s.slots = nil
	}

	s.wg.Add(2)
	go s.acceptLoop(s.ctx, ln, s.slots)
	go s.reapLoop(s.ctx)

	logger.L().Sugar().Infow("server_listen", "addr", ln.Addr().String(), "auth", s.settings.PresharedKey != "")
	s.events.Emit(&ServerEvent{Kind: EventServerStarted, When: time.Now(), Addr: ln.Addr().String()})
	return nil
}

// Stop 关闭监听并断开所有客户端，后台任务在 10s 内未退出时返回 ErrTimeout
func (s *Server) Stop() error {
	s.mu.Lock()
	ln := s.ln
	if ln == nil {
		s.mu.Unlock()
		return ErrNotListening
	}
	s.ln = nil
	s.cancel()
	s.mu.Unlock()

	_ = ln.Close()
	for _, cc := range s.registry.All() {
		s.disconnect(cc, protocol.MsgShutdown, ReasonShutdown)
	}

	err := waitTimeout(&s.wg, stopTimeout)
	logger.L().Sugar().Infow("server_stopped", "addr", ln.Addr().String(), "err", err)
	s.events.Emit(&ServerEvent{Kind: EventServerStopped, When: time.Now(), Addr: ln.Addr().String()})
	return err
}

func (s *Server) acceptLoop(ctx context.Context, ln net.Listener, slots chan struct{}) {
	defer s.wg.Done()
	for {
		// 连接数达到上限时暂停 accept，但保留监听
		if slots != nil {
			select {
			case slots <- struct{}{}:
			case <-ctx.Done():
				return
			}
		}
		conn, err := ln.Accept()
		if err != nil {
			releaseSlot(slots)
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			logger.L().Sugar().Warnw("server_accept_error", "err", err)
			select {
			case <-time.After(50 * time.Millisecond):
			case <-ctx.Done():
				return
			}
			continue
		}

		ip := remoteIP(conn.RemoteAddr())
		if !s.filter.allowed(ip) {
			logger.L().Sugar().Infow("server_ip_rejected", "ip_port", conn.RemoteAddr().String())
			observe.IncRejected("ip_filter")
			_ = conn.Close()
			releaseSlot(slots)
			continue
		}

		s.wg.Add(1)
		go s.serveClient(conn, slots)
	}
}

func releaseSlot(slots chan struct{}) {
	if slots == nil {
		return
	}
	select {
	case <-slots:
	default:
	}
}

func (s *Server) serveClient(conn net.Conn, slots chan struct{}) {
	defer s.wg.Done()
	if tc, ok := conn.(*net.TCPConn); ok {
		_ = tc.SetNoDelay(s.settings.NoDelay)
	}
	cc := newClientContext(conn, connOptions{
		side:       "server",
		bufferSize: s.settings.StreamBufferSize,
		maxProxied: s.settings.MaxProxiedStreamSize,
		maxMessage: s.settings.MaxMessageSize,
		payloads:   s.payloads,
		events:     s.events,
		handler:    s.requestHandler,
	})

	if err := s.registry.Add(cc); err != nil {
		logger.L().Sugar().Warnw("server_duplicate_endpoint", "ip_port", cc.IpPort(), "err", err)
		observe.IncRejected("duplicate")
		cc.notify(protocol.MsgFailure, ReasonRejected)
		releaseSlot(slots)
		return
	}
	observe.AddConnections(1)
	logger.L().Sugar().Infow("server_client_connected", "ip_port", cc.IpPort(), "id", cc.ID())
	s.events.Emit(&ConnectionEvent{Kind: EventConnected, When: time.Now(), IpPort: cc.IpPort(), Client: cc})
	defer s.finish(cc, slots)

	if s.settings.PresharedKey != "" {
		if !cc.sendControl(protocol.MsgAuthRequired) {
			cc.setReason(ReasonNormal)
			return
		}
		timer := time.AfterFunc(s.settings.AuthTimeout, func() {
			if cc.authState.CompareAndSwap(authPending, authFailed) {
				logger.L().Sugar().Infow("server_auth_timeout", "ip_port", cc.IpPort())
				s.failAuth(cc)
			}
		})
		defer timer.Stop()
	} else {
		cc.authState.Store(authOK)
		cc.sendControl(protocol.MsgConnectionReady)
	}

	s.readLoop(cc)
}

func (s *Server) failAuth(cc *ClientContext) {
	observe.IncAuthFailure()
	cc.notify(protocol.MsgAuthFailure, ReasonAuthFailure)
	s.events.Emit(&ConnectionEvent{Kind: EventAuthFailed, When: time.Now(), IpPort: cc.IpPort(), Client: cc, Reason: ReasonAuthFailure})
}

// verifyKey 比较去除首尾空白后的密钥
func (s *Server) verifyKey(key []byte) bool {
	want := strings.TrimSpace(s.settings.PresharedKey)
	got := strings.TrimSpace(string(key))
	return subtle.ConstantTimeCompare([]byte(want), []byte(got)) == 1
}

func (s *Server) authenticate(cc *ClientContext, m *protocol.Message) bool {
	if m.Type == protocol.MsgAuthRequested && s.verifyKey(m.PresharedKey) {
		if cc.authState.CompareAndSwap(authPending, authOK) {
			cc.sendControl(protocol.MsgAuthSuccess)
			logger.L().Sugar().Infow("server_auth_succeeded", "ip_port", cc.IpPort())
			s.events.Emit(&ConnectionEvent{Kind: EventAuthSucceeded, When: time.Now(), IpPort: cc.IpPort(), Client: cc})
			return true
		}
		return false
	}
	if cc.authState.CompareAndSwap(authPending, authFailed) {
		logger.L().Sugar().Infow("server_auth_failed", "ip_port", cc.IpPort(), "type", m.Type)
		s.failAuth(cc)
	}
	return false
}

// readLoop 与客户端读循环的分发表一致，另外处理 RegisterChannel
func (s *Server) readLoop(cc *ClientContext) {
	for {
		m, err := cc.codec.ReadMessage()
		if err != nil {
			if !cc.Closed() {
				reason := readErrorReason(err)
				if reason == ReasonProtocolError {
					logger.L().Sugar().Warnw("server_read_error", "ip_port", cc.IpPort(), "err", err)
				}
				cc.setReason(reason)
			}
			return
		}
		cc.touch()
		receivedAt := time.Now()

		if !cc.Authenticated() {
			if !s.authenticate(cc, m) {
				return
			}
			continue
		}

		switch m.Type {
		case protocol.MsgRemoved:
			cc.setReason(ReasonRemoved)
			return
		case protocol.MsgShutdown:
			cc.setReason(ReasonShutdown)
			return
		case protocol.MsgDisconnect:
			cc.setReason(ReasonNormal)
			return
		case protocol.MsgPingPack:
			observe.IncMessage("in", m.Type.String())
		case protocol.MsgRegisterChannel:
			if ch, ok := m.Header.Channel(); ok && ch > 0 {
				cc.setChannel(ch)
				logger.L().Sugar().Debugw("server_channel_registered", "ip_port", cc.IpPort(), "channel", ch)
			}
		case protocol.MsgSuccess, protocol.MsgFailure, protocol.MsgAuthRequired, protocol.MsgAuthRequested,
			protocol.MsgAuthSuccess, protocol.MsgAuthFailure, protocol.MsgConnectionReady:
			if err := cc.codec.Drain(m); err != nil {
				cc.setReason(ReasonProtocolError)
				return
			}
		case protocol.MsgRequestPack:
			if !cc.RequestAllowed() {
				if err := cc.codec.Drain(m); err != nil {
					cc.setReason(ReasonProtocolError)
					return
				}
				cc.respond(m.ConversationID, m.Expiration, SessionExpired(nil))
				continue
			}
			if err := cc.dispatchData(m, receivedAt, cc); err != nil {
				logger.L().Sugar().Warnw("server_body_error", "ip_port", cc.IpPort(), "err", err)
				cc.setReason(ReasonProtocolError)
				return
			}
		case protocol.MsgResponsePack, protocol.MsgBroadcastPack, protocol.MsgStreamPack:
			if err := cc.dispatchData(m, receivedAt, cc); err != nil {
				logger.L().Sugar().Warnw("server_body_error", "ip_port", cc.IpPort(), "err", err)
				cc.setReason(ReasonProtocolError)
				return
			}
		default:
			logger.L().Sugar().Warnw("server_unknown_message", "ip_port", cc.IpPort(), "type", m.Type)
			cc.setReason(ReasonProtocolError)
			return
		}
	}
}

// finish 释放连接占用的全部资源，每个已注册的连接只执行一次
func (s *Server) finish(cc *ClientContext, slots chan struct{}) {
	cc.Close()
	if s.registry.Remove(cc) {
		observe.AddConnections(-1)
	}
	if id := cc.IdentityID(); id != "" {
		s.identities.Release(id, cc)
	}
	releaseSlot(slots)
	logger.L().Sugar().Infow("server_client_disconnected", "ip_port", cc.IpPort(), "reason", cc.Reason().String())
	s.events.Emit(&ConnectionEvent{Kind: EventDisconnected, When: time.Now(), IpPort: cc.IpPort(), Client: cc, Reason: cc.Reason()})
}

func (s *Server) reapLoop(ctx context.Context) {
	defer s.wg.Done()
	ticker := time.NewTicker(s.reapInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			s.reap(now)
		}
	}
}

// reap 移除空闲超时或探测失败的客户端，并清理空条目
func (s *Server) reap(now time.Time) {
	if n := s.registry.Prune(); n > 0 {
		for i := 0; i < n; i++ {
			observe.IncReaped("nil")
		}
		logger.L().Sugar().Warnw("server_pruned_nil_clients", "count", n)
	}
	idle := s.settings.IdleClientTimeout
	s.registry.Each(func(cc *ClientContext) bool {
		switch {
		case idle > 0 && cc.Idle(now) > idle:
			logger.L().Sugar().Infow("server_client_idle", "ip_port", cc.IpPort(), "idle", cc.Idle(now))
			observe.IncReaped("idle")
			s.evict(cc, ReasonTimeout)
		case !cc.IsConnected():
			logger.L().Sugar().Infow("server_client_dead", "ip_port", cc.IpPort())
			observe.IncReaped("dead")
			s.evict(cc, ReasonNormal)
		}
		return true
	})
}

func (s *Server) evict(cc *ClientContext, reason DisconnectReason) {
	cc.setReason(reason)
	if s.registry.Remove(cc) {
		observe.AddConnections(-1)
	}
	cc.Close()
}

// disconnect 通知客户端后断开；通知失败时强制从注册表移除
func (s *Server) disconnect(cc *ClientContext, notice protocol.MessageType, reason DisconnectReason) {
	if !cc.notify(notice, reason) {
		if s.registry.Remove(cc) {
			observe.AddConnections(-1)
		}
	}
}

// DisconnectClient 以 Removed 通知断开指定客户端
func (s *Server) DisconnectClient(ipPort string) bool {
	cc, ok := s.registry.Get(ipPort)
	if !ok {
		return false
	}
	s.disconnect(cc, protocol.MsgRemoved, ReasonRemoved)
	return true
}

// DisconnectAll 断开所有客户端，返回处理的数量
func (s *Server) DisconnectAll() int {
	all := s.registry.All()
	for _, cc := range all {
		s.disconnect(cc, protocol.MsgRemoved, ReasonRemoved)
	}
	return len(all)
}

// DisconnectByIp 断开来自 ip 的所有连接
func (s *Server) DisconnectByIp(ip string) int {
	matched := s.registry.ByIP(ip)
	for _, cc := range matched {
		s.disconnect(cc, protocol.MsgRemoved, ReasonRemoved)
	}
	return len(matched)
}

// DisconnectByIdentityID 断开持有 identityID 的连接
func (s *Server) DisconnectByIdentityID(identityID string) int {
	matched := s.registry.ByIdentity(identityID)
	for _, cc := range matched {
		s.disconnect(cc, protocol.MsgRemoved, ReasonRemoved)
	}
	s.identities.Remove(identityID)
	return len(matched)
}

// IdentityAuthenticate 让 client 认领 identityID，规则见 IdentitySessions
func (s *Server) IdentityAuthenticate(identityID string, client *ClientContext) bool {
	ok := s.identities.Claim(identityID, client)
	logger.L().Sugar().Infow("server_identity_claim", "identity_id", identityID, "ip_port", client.IpPort(), "ok", ok)
	return ok
}

// RemoveIdentity 释放身份会话，持有者降级但不断开
func (s *Server) RemoveIdentity(identityID string) bool {
	return s.identities.Remove(identityID)
}

// Identity 返回身份会话的快照
func (s *Server) Identity(identityID string) (SessionInfo, bool) {
	return s.identities.Lookup(identityID)
}

// Client 按 ip:port 查找在线客户端
func (s *Server) Client(ipPort string) (*ClientContext, bool) {
	return s.registry.Get(ipPort)
}

// Clients 返回所有在线客户端的 ip:port
func (s *Server) Clients() []string {
	all := s.registry.All()
	out := make([]string, 0, len(all))
	for _, cc := range all {
		out = append(out, cc.IpPort())
	}
	return out
}

// ClientInfos 实现 observe.ClientLister
func (s *Server) ClientInfos() []observe.ClientInfo {
	all := s.registry.All()
	out := make([]observe.ClientInfo, 0, len(all))
	for _, cc := range all {
		out = append(out, cc.Info())
	}
	return out
}

// Stats 返回当前计数快照
func (s *Server) Stats() Stats {
	s.mu.Lock()
	st := Stats{
		Listening:     s.ln != nil,
		StartedAt:     s.startedAt,
		MaxConnection: s.settings.MaxConnections,
	}
	if s.ln != nil {
		st.Addr = s.ln.Addr().String()
	}
	s.mu.Unlock()
	st.Connections = s.registry.Count()
	st.Identities = s.identities.Len()
	return st
}

// Send 向 ipPort 发送 BroadcastPack，客户端不存在或写入失败时返回 false
func (s *Server) Send(ipPort string, header *protocol.Header, obj any) bool {
	cc, ok := s.registry.Get(ipPort)
	if !ok {
		return false
	}
	return cc.Send(header, obj)
}

// SendStream 向 ipPort 发送 StreamPack，r 在返回前被关闭（若实现了 io.Closer）
func (s *Server) SendStream(ipPort string, header *protocol.Header, r io.Reader, contentLength int64) bool {
	cc, ok := s.registry.Get(ipPort)
	if !ok {
		closeQuietly(r)
		return false
	}
	return cc.SendStream(header, r, contentLength)
}

// SendAsync 在事件协程池中发送，结果写入返回的通道
func (s *Server) SendAsync(ctx context.Context, ipPort string, header *protocol.Header, obj any) <-chan bool {
	cc, ok := s.registry.Get(ipPort)
	if !ok {
		out := make(chan bool, 1)
		out <- false
		return out
	}
	return cc.SendAsync(ctx, header, obj)
}

// RpcRequest 向 ipPort 对应的客户端发起请求
func (s *Server) RpcRequest(ctx context.Context, ipPort string, timeout time.Duration, header *protocol.Header, obj any) (*Response, error) {
	if err := checkRpcArgs(timeout, header); err != nil {
		return nil, err
	}
	cc, ok := s.registry.Get(ipPort)
	if !ok {
		return nil, withContext(ErrNotConnected, ipPort, nil)
	}
	return cc.RpcRequest(ctx, timeout, header, obj)
}

// Broadcast 向所有已认证客户端发送，返回成功数量
func (s *Server) Broadcast(header *protocol.Header, obj any) int {
	return s.sendEach(s.registry.Filter((*ClientContext).Authenticated), header, obj)
}

// SendToChannel 向注册了 channel 的已认证客户端发送
func (s *Server) SendToChannel(channel int, header *protocol.Header, obj any) int {
	targets := s.registry.Filter(func(cc *ClientContext) bool {
		ch, ok := cc.Channel()
		return ok && ch == channel && cc.Authenticated()
	})
	return s.sendEach(targets, header, obj)
}

func (s *Server) sendEach(targets []*ClientContext, header *protocol.Header, obj any) int {
	if header == nil {
		invalidArgument("header is nil")
	}
	data, err := s.payloads.Serialize(obj)
	if err != nil {
		invalidArgument("%v", err)
	}
	n := 0
	for _, cc := range targets {
		if cc.Send(header, data) {
			n++
		}
	}
	return n
}

// waitTimeout 等待 wg，超时返回 ErrTimeout
func waitTimeout(wg *sync.WaitGroup, d time.Duration) error {
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-done:
		return nil
	case <-timer.C:
		return withContext(ErrTimeout, "waiting for background tasks", nil)
	}
}
