package transport

import (
	"context"
	"io"
	"sync"
	"time"

	"github.com/bytedance/gopkg/util/gopool"
	"github.com/hongjun500/signal/internal/protocol"
	"github.com/hongjun500/signal/pkg/logger"
)

type EventType string

const (
	EventServerStarted    EventType = "server.started"
	EventServerStopped    EventType = "server.stopped"
	EventConnected        EventType = "conn.connected"
	EventDisconnected     EventType = "conn.disconnected"
	EventAuthSucceeded    EventType = "auth.succeeded"
	EventAuthFailed       EventType = "auth.failed"
	EventBroadcastMessage EventType = "message.broadcast"
	EventStreamMessage    EventType = "message.stream"
)

type Event interface {
	Type() EventType
}

// DisconnectReason 记录连接结束的原因，先写入者生效
type DisconnectReason int32

const (
	ReasonNormal DisconnectReason = iota
	ReasonRemoved
	ReasonShutdown
	ReasonTimeout
	ReasonAuthFailure
	ReasonRejected
	ReasonProtocolError
)

func (r DisconnectReason) String() string {
	switch r {
	case ReasonNormal:
		return "normal"
	case ReasonRemoved:
		return "removed"
	case ReasonShutdown:
		return "shutdown"
	case ReasonTimeout:
		return "timeout"
	case ReasonAuthFailure:
		return "auth_failure"
	case ReasonRejected:
		return "rejected"
	case ReasonProtocolError:
		return "protocol_error"
	default:
		return "unknown"
	}
}

type ServerEvent struct {
	Kind EventType
	When time.Time
	Addr string
}

func (e *ServerEvent) Type() EventType { return e.Kind }

// ConnectionEvent covers connect, disconnect and auth outcomes. Client is nil on the client role.
type ConnectionEvent struct {
	Kind   EventType
	When   time.Time
	IpPort string
	Client *ClientContext
	Reason DisconnectReason
}

func (e *ConnectionEvent) Type() EventType { return e.Kind }

type BroadcastEvent struct {
	When   time.Time
	IpPort string
	Client *ClientContext
	Header *protocol.Header
	Data   []byte
}

func (e *BroadcastEvent) Type() EventType { return EventBroadcastMessage }

// StreamEvent 的 Stream 在大流场景下是连接上的实时数据，处理器必须同步读完
type StreamEvent struct {
	When          time.Time
	IpPort        string
	Client        *ClientContext
	Header        *protocol.Header
	ContentLength int64
	Stream        io.Reader
}

func (e *StreamEvent) Type() EventType { return EventStreamMessage }

type EventHandler func(Event)

type handlerEntry struct {
	id uint64
	fn EventHandler
}

// Events 按事件类型维护订阅者列表，异步分发跑在协程池上
type Events struct {
	handlersMu sync.RWMutex
	handlers   map[EventType][]handlerEntry
	nextHID    uint64

	pool gopool.Pool
}

func NewEvents(name string) *Events {
	pool := gopool.NewPool(name, 10000, gopool.NewConfig())
	pool.SetPanicHandler(func(_ context.Context, r interface{}) {
		logger.L().Sugar().Errorw("event_handler_panic", "pool", name, "panic", r)
	})
	return &Events{
		handlers: make(map[EventType][]handlerEntry),
		pool:     pool,
	}
}

// Subscribe 注册事件处理器
func (h *Events) Subscribe(t EventType, fn EventHandler) { _ = h.SubscribeCancelable(t, fn) }

// SubscribeCancelable 注册并返回一个取消函数，用于移除该处理器
func (h *Events) SubscribeCancelable(t EventType, fn EventHandler) (cancel func()) {
	h.handlersMu.Lock()
	h.nextHID++
	id := h.nextHID
	h.handlers[t] = append(h.handlers[t], handlerEntry{id: id, fn: fn})
	h.handlersMu.Unlock()

	return func() {
		h.handlersMu.Lock()
		entries := h.handlers[t]
		filtered := make([]handlerEntry, 0, len(entries))
		for _, e := range entries {
			if e.id != id {
				filtered = append(filtered, e)
			}
		}
		if len(filtered) == 0 {
			delete(h.handlers, t)
		} else {
			h.handlers[t] = filtered
		}
		h.handlersMu.Unlock()
	}
}

func (h *Events) snapshot(t EventType) []handlerEntry {
	h.handlersMu.RLock()
	defer h.handlersMu.RUnlock()
	entries := h.handlers[t]
	if len(entries) == 0 {
		return nil
	}
	return append([]handlerEntry(nil), entries...)
}

// Emit 异步分发事件给所有 handler，非阻塞返回
func (h *Events) Emit(e Event) {
	for _, entry := range h.snapshot(e.Type()) {
		f := entry.fn
		h.pool.Go(func() { f(e) })
	}
}

// EmitSync 在调用方协程中按注册顺序执行 handler，返回时全部执行完毕
func (h *Events) EmitSync(e Event) {
	for _, entry := range h.snapshot(e.Type()) {
		func() {
			defer func() {
				if r := recover(); r != nil {
					logger.L().Sugar().Errorw("event_handler_panic", "type", e.Type(), "panic", r)
				}
			}()
			entry.fn(e)
		}()
	}
}

// Go 在事件协程池中执行 f
func (h *Events) Go(f func()) { h.pool.Go(f) }
