package subscriber

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/hongjun500/signal/internal/bus/redisstream"
	"github.com/hongjun500/signal/internal/observe"
	"github.com/hongjun500/signal/internal/protocol"
	"github.com/hongjun500/signal/internal/transport"
	"github.com/hongjun500/signal/pkg/logger"
)

type Publisher interface {
	Publish(ctx context.Context, m *redisstream.Message) error
}

// Fanout is implemented by *transport.Server.
type Fanout interface {
	Broadcast(header *protocol.Header, obj any) int
	SendToChannel(channel int, header *protocol.Header, obj any) int
}

// Relay 把本节点收到的广播发布到 redis，并把其他节点的广播投递给本地客户端
type Relay struct {
	node    string
	pub     Publisher
	fanout  Fanout
	timeout time.Duration
}

// NewRelay 创建转发器，node 为空时生成随机节点 id
func NewRelay(node string, pub Publisher, fanout Fanout) *Relay {
	if node == "" {
		node = uuid.NewString()
	}
	return &Relay{node: node, pub: pub, fanout: fanout, timeout: 3 * time.Second}
}

func (r *Relay) Node() string { return r.node }

// Attach 订阅广播事件，返回取消函数
func (r *Relay) Attach(events *transport.Events) func() {
	return events.SubscribeCancelable(transport.EventBroadcastMessage, func(e transport.Event) {
		r.publish(e.(*transport.BroadcastEvent))
	})
}

func (r *Relay) publish(be *transport.BroadcastEvent) {
	m := &redisstream.Message{
		Kind:   redisstream.KindBroadcast,
		When:   be.When,
		Origin: r.node,
		From:   be.IpPort,
		Tag:    be.Header.Tag(),
		Data:   be.Data,
	}
	if ch, ok := be.Header.Channel(); ok {
		m.Kind = redisstream.KindChannel
		m.Channel = ch
	}
	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()
	if err := r.pub.Publish(ctx, m); err != nil {
		observe.IncRelay("error")
		logger.L().Sugar().Warnw("relay_publish_failed", "ip_port", be.IpPort, "err", err)
		return
	}
	observe.IncRelay("published")
}

// Deliver 是 redisstream.Handler，忽略本节点发出的消息
func (r *Relay) Deliver(_ context.Context, m *redisstream.Message) error {
	if m.Origin == r.node {
		return nil
	}
	header := protocol.NewHeader()
	if m.Tag != "" {
		header.SetTag(m.Tag)
	}
	var n int
	switch m.Kind {
	case redisstream.KindChannel:
		header.SetChannel(m.Channel)
		n = r.fanout.SendToChannel(m.Channel, header, m.Data)
	default:
		n = r.fanout.Broadcast(header, m.Data)
	}
	observe.IncRelay("delivered")
	logger.L().Sugar().Debugw("relay_delivered", "origin", m.Origin, "from", m.From, "clients", n)
	return nil
}
