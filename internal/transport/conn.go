package transport

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/hongjun500/signal/internal/observe"
	"github.com/hongjun500/signal/internal/protocol"
	"github.com/hongjun500/signal/pkg/logger"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("github.com/hongjun500/signal/internal/transport")

type connOptions struct {
	side       string // client|server
	bufferSize int
	maxProxied int64
	maxMessage int64
	payloads   *protocol.PayloadCodec
	events     *Events
	handler    func() RequestHandler
}

// Conn 是客户端与服务端共用的连接核心：发送、流发送、RPC 与入站数据分发
type Conn struct {
	id     string
	side   string
	ipPort string
	nc     net.Conn
	codec  *FrameCodec

	payloads   *protocol.PayloadCodec
	pending    *pendingTable
	events     *Events
	handler    func() RequestHandler
	maxProxied int64
	maxMessage int64

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
	closed    atomic.Bool

	lastActive atomic.Int64 // unix nanos
	reasonSet  atomic.Bool
	reason     atomic.Int32
}

func newConn(nc net.Conn, opt connOptions) *Conn {
	ctx, cancel := context.WithCancel(context.Background())
	if opt.payloads == nil {
		opt.payloads = protocol.NewPayloadCodec()
	}
	if opt.handler == nil {
		opt.handler = func() RequestHandler { return nil }
	}
	if opt.maxMessage <= 0 {
		opt.maxMessage = DefaultMaxMessageSize
	}
	c := &Conn{
		id:         uuid.NewString(),
		side:       opt.side,
		ipPort:     nc.RemoteAddr().String(),
		nc:         nc,
		codec:      NewFrameCodec(nc, opt.bufferSize),
		payloads:   opt.payloads,
		pending:    newPendingTable(),
		events:     opt.events,
		handler:    opt.handler,
		maxProxied: opt.maxProxied,
		maxMessage: opt.maxMessage,
		ctx:        ctx,
		cancel:     cancel,
	}
	c.touch()
	return c
}

// ID 是连接的唯一标识，与地址无关
func (c *Conn) ID() string { return c.id }

// IpPort 返回对端的 ip:port
func (c *Conn) IpPort() string { return c.ipPort }

func (c *Conn) LocalAddr() net.Addr  { return c.nc.LocalAddr() }
func (c *Conn) RemoteAddr() net.Addr { return c.nc.RemoteAddr() }

func (c *Conn) Payloads() *protocol.PayloadCodec { return c.payloads }

// Done 在连接关闭后被关闭
func (c *Conn) Done() <-chan struct{} { return c.ctx.Done() }

// Closed 报告连接是否已关闭
func (c *Conn) Closed() bool { return c.closed.Load() }

// LastActive 返回最近一次收到数据的时间
func (c *Conn) LastActive() time.Time { return time.Unix(0, c.lastActive.Load()) }

func (c *Conn) touch() { c.lastActive.Store(time.Now().UnixNano()) }

// Pending 返回尚未完成的 RPC 数量
func (c *Conn) Pending() int64 { return c.pending.len() }

// setReason records why the connection ended. The first caller wins.
func (c *Conn) setReason(r DisconnectReason) bool {
	if !c.reasonSet.CompareAndSwap(false, true) {
		return false
	}
	c.reason.Store(int32(r))
	return true
}

// Reason 返回连接结束的原因，连接仍打开时为 ReasonNormal
func (c *Conn) Reason() DisconnectReason { return DisconnectReason(c.reason.Load()) }

// Close 关闭连接并取消其上下文，可重复调用，从不返回错误
func (c *Conn) Close() {
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		c.cancel()
		_ = c.nc.Close()
	})
}

// Send 以 BroadcastPack 发送 obj，传输失败返回 false。
// header 为 nil 或 obj 类型不受支持时 panic。
func (c *Conn) Send(header *protocol.Header, obj any) bool {
	msg := c.buildBroadcast(header, obj)
	return c.write(msg) == nil
}

// SendStream 以 StreamPack 发送 r 中的 contentLength 字节，发送结束后关闭 r（如实现了 io.Closer）
func (c *Conn) SendStream(header *protocol.Header, r io.Reader, contentLength int64) bool {
	checkStreamArgs(header, r, contentLength)
	defer closeQuietly(r)
	return c.write(protocol.NewStream(header, r, contentLength)) == nil
}

// SendAsync 是 Send 的非阻塞版本，结果从返回的 channel 读取
func (c *Conn) SendAsync(ctx context.Context, header *protocol.Header, obj any) <-chan bool {
	msg := c.buildBroadcast(header, obj)
	return c.goWrite(ctx, msg, nil)
}

// SendStreamAsync 是 SendStream 的非阻塞版本
func (c *Conn) SendStreamAsync(ctx context.Context, header *protocol.Header, r io.Reader, contentLength int64) <-chan bool {
	checkStreamArgs(header, r, contentLength)
	return c.goWrite(ctx, protocol.NewStream(header, r, contentLength), r)
}

func (c *Conn) buildBroadcast(header *protocol.Header, obj any) *protocol.Message {
	if header == nil {
		invalidArgument("header is nil")
	}
	data, err := c.payloads.Serialize(obj)
	if err != nil {
		invalidArgument("%v", err)
	}
	return protocol.NewBroadcast(header, data)
}

func (c *Conn) goWrite(ctx context.Context, msg *protocol.Message, owned io.Reader) <-chan bool {
	if ctx == nil {
		ctx = context.Background()
	}
	out := make(chan bool, 1)
	c.events.Go(func() {
		defer closeQuietly(owned)
		if ctx.Err() != nil {
			out <- false
			return
		}
		out <- c.write(msg) == nil
	})
	return out
}

// checkRpcArgs 校验 RpcRequest 的调用约定，先于连接状态检查
func checkRpcArgs(timeout time.Duration, header *protocol.Header) error {
	if timeout < MinRpcTimeout {
		return withContext(ErrInvalidArgument, "timeout below "+MinRpcTimeout.String(), nil)
	}
	if header == nil {
		return withContext(ErrInvalidArgument, "header is nil", nil)
	}
	return nil
}

func checkStreamArgs(header *protocol.Header, r io.Reader, contentLength int64) {
	if header == nil {
		invalidArgument("header is nil")
	}
	if contentLength < 0 {
		invalidArgument("negative content length %d", contentLength)
	}
	if contentLength > 0 && r == nil {
		invalidArgument("stream is nil with content length %d", contentLength)
	}
}

func closeQuietly(r io.Reader) {
	if cl, ok := r.(io.Closer); ok {
		_ = cl.Close()
	}
}

// write 序列化并写出一条消息。写锁由 FrameCodec 持有，任何返回路径都会释放。
func (c *Conn) write(msg *protocol.Message) error {
	if c.closed.Load() {
		return ErrConnClosed
	}
	if msg.SenderTimestamp.IsZero() {
		msg.SenderTimestamp = time.Now().UTC()
	}
	if err := c.codec.WriteMessage(msg); err != nil {
		if errors.Is(err, protocol.ErrInvalidMessage) {
			return withContext(ErrInvalidArgument, msg.Type.String(), err)
		}
		logger.L().Sugar().Debugw("conn_write_error", "side", c.side, "ip_port", c.ipPort, "type", msg.Type, "err", err)
		if c.closed.Load() {
			return ErrConnClosed
		}
		// 帧可能只写出了一部分，连接无法继续使用
		c.setReason(ReasonProtocolError)
		c.Close()
		return withContext(ErrConnection, c.ipPort, err)
	}
	observe.IncMessage("out", msg.Type.String())
	return nil
}

func (c *Conn) sendControl(t protocol.MessageType) bool {
	return c.write(protocol.NewControl(t)) == nil
}

// RpcRequest 发送请求并等待关联的响应。timeout 不得小于 MinRpcTimeout。
func (c *Conn) RpcRequest(ctx context.Context, timeout time.Duration, header *protocol.Header, obj any) (*Response, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if err := checkRpcArgs(timeout, header); err != nil {
		return nil, err
	}
	data, err := c.payloads.Serialize(obj)
	if err != nil {
		return nil, withContext(ErrInvalidArgument, "payload", err)
	}

	id := uuid.NewString()
	ctx, span := tracer.Start(ctx, "signal.rpc",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("signal.conversation_id", id),
			attribute.String("signal.tag", header.Tag()),
			attribute.String("signal.peer", c.ipPort),
		),
	)
	defer span.End()

	start := time.Now()
	resp, err := c.roundTrip(ctx, id, timeout, header, data)
	status := StatusFromError(err)
	if err == nil {
		status = resp.StatusCode
		span.SetStatus(codes.Ok, "")
	} else {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.SetAttributes(attribute.String("signal.status", status.String()))
	observe.ObserveRPC(c.side, status.String(), time.Since(start).Seconds())
	return resp, err
}

func (c *Conn) roundTrip(ctx context.Context, id string, timeout time.Duration, header *protocol.Header, data []byte) (*Response, error) {
	now := time.Now().UTC()
	msg := protocol.NewRequest(header, data, id, now.Add(timeout))
	msg.SenderTimestamp = now

	wait, err := c.pending.add(id)
	if err != nil {
		return nil, err
	}
	if err := c.write(msg); err != nil {
		c.pending.remove(id)
		return nil, err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	var cause error
	select {
	case res := <-wait:
		return responseFromMessage(res.msg, res.data), nil
	case <-timer.C:
		cause = withContext(ErrTimeout, "conversation "+id, nil)
	case <-ctx.Done():
		cause = withContext(ErrCanceled, "conversation "+id, ctx.Err())
	case <-c.Done():
		cause = withContext(ErrConnClosed, c.ipPort, nil)
	}
	if !c.pending.remove(id) {
		// resolved concurrently with the timeout; the result is already buffered
		res := <-wait
		return responseFromMessage(res.msg, res.data), nil
	}
	return nil, cause
}

// handleResponseReceived 按会话 ID 交付响应，过期、迟到或未知的响应静默丢弃
func (c *Conn) handleResponseReceived(m *protocol.Message, data []byte) {
	if m.Expired(time.Now()) {
		observe.IncDroppedResponse("expired")
		logger.L().Sugar().Debugw("rpc_response_expired", "side", c.side, "ip_port", c.ipPort, "conversation_id", m.ConversationID)
		return
	}
	if !c.pending.resolve(m.ConversationID, pendingResult{msg: m, data: data}) {
		observe.IncDroppedResponse("unknown")
		logger.L().Sugar().Debugw("rpc_response_unmatched", "side", c.side, "ip_port", c.ipPort, "conversation_id", m.ConversationID)
	}
}

// handleRequestReceived 把请求交给协程池中的回调，读循环不等待回调返回
func (c *Conn) handleRequestReceived(m *protocol.Message, data []byte, receivedAt time.Time, client *ClientContext) {
	if m.ExpiredOnArrival() {
		observe.IncDroppedResponse("expired")
		logger.L().Sugar().Debugw("rpc_request_expired", "side", c.side, "ip_port", c.ipPort, "conversation_id", m.ConversationID)
		return
	}
	req := &Request{
		ConversationID:  m.ConversationID,
		Header:          m.Header,
		Data:            data,
		SenderTimestamp: m.SenderTimestamp,
		Expiration:      m.Expiration,
		ReceivedAt:      receivedAt,
		IpPort:          c.ipPort,
		Client:          client,
		payloads:        c.payloads,
	}
	c.events.Go(func() {
		resp := c.invokeHandler(req)
		if deadline := req.Deadline(); !deadline.IsZero() && time.Now().After(deadline) {
			observe.IncDroppedResponse("late")
			logger.L().Sugar().Debugw("rpc_response_too_late", "side", c.side, "ip_port", c.ipPort, "conversation_id", req.ConversationID)
			return
		}
		c.respond(req.ConversationID, req.Expiration, resp)
	})
}

func (c *Conn) invokeHandler(req *Request) (resp *Response) {
	h := c.handler()
	if h == nil {
		return Unsupported(nil)
	}
	_, span := tracer.Start(c.ctx, "signal.rpc.handle",
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(
			attribute.String("signal.conversation_id", req.ConversationID),
			attribute.String("signal.tag", req.Tag()),
		),
	)
	defer span.End()
	defer func() {
		if r := recover(); r != nil {
			logger.L().Sugar().Errorw("rpc_handler_panic", "side", c.side, "ip_port", c.ipPort, "conversation_id", req.ConversationID, "panic", r)
			span.SetStatus(codes.Error, "handler panic")
			resp = NewResponse(protocol.StatusUnknown, nil)
		}
	}()
	resp = h(req)
	if resp == nil {
		resp = NewResponse(protocol.StatusNullValue, nil)
	}
	span.SetAttributes(attribute.String("signal.status", resp.StatusCode.String()))
	return resp
}

// respond 写出响应，沿用请求的会话 ID 与过期时间
func (c *Conn) respond(id string, expiration time.Time, resp *Response) bool {
	header := resp.Header.Clone()
	code := resp.StatusCode
	data := resp.Data
	if data == nil && resp.Payload != nil {
		var err error
		if data, err = c.payloads.Serialize(resp.Payload); err != nil {
			logger.L().Sugar().Warnw("rpc_response_encode_error", "side", c.side, "ip_port", c.ipPort, "conversation_id", id, "err", err)
			code, data = protocol.StatusUnsupported, nil
		}
	}
	header.SetStatusCode(code)
	return c.write(protocol.NewResponse(header, data, id, expiration)) == nil
}

// dispatchData 处理四种数据包。返回错误表示连接不可继续读取。
func (c *Conn) dispatchData(m *protocol.Message, receivedAt time.Time, client *ClientContext) error {
	observe.IncMessage("in", m.Type.String())
	if m.Type == protocol.MsgStreamPack && (m.ContentLength > c.maxProxied || m.ContentLength > c.maxMessage) {
		// 大流直接把连接上的数据交给订阅者，读循环在此等待
		c.events.EmitSync(&StreamEvent{
			When:          receivedAt,
			IpPort:        c.ipPort,
			Client:        client,
			Header:        m.Header,
			ContentLength: m.ContentLength,
			Stream:        m.Body,
		})
		return c.codec.Drain(m)
	}
	if m.ContentLength > c.maxMessage {
		return fmt.Errorf("Conn.dispatchData: %s of %d bytes: %w", m.Type, m.ContentLength, protocol.ErrBodyTooLarge)
	}

	data, err := c.codec.ReadBody(m)
	if err != nil {
		return err
	}
	switch m.Type {
	case protocol.MsgRequestPack:
		c.handleRequestReceived(m, data, receivedAt, client)
	case protocol.MsgResponsePack:
		c.handleResponseReceived(m, data)
	case protocol.MsgBroadcastPack:
		c.events.Emit(&BroadcastEvent{When: receivedAt, IpPort: c.ipPort, Client: client, Header: m.Header, Data: data})
	case protocol.MsgStreamPack:
		c.events.Emit(&StreamEvent{
			When:          receivedAt,
			IpPort:        c.ipPort,
			Client:        client,
			Header:        m.Header,
			ContentLength: m.ContentLength,
			Stream:        bytes.NewReader(data),
		})
	}
	return nil
}

// readErrorReason 区分对端正常关闭与协议错误
func readErrorReason(err error) DisconnectReason {
	if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
		return ReasonNormal
	}
	var ne net.Error
	if errors.As(err, &ne) {
		return ReasonNormal
	}
	return ReasonProtocolError
}
