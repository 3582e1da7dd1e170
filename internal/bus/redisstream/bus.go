package redisstream

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/hongjun500/signal/pkg/logger"
	"github.com/redis/go-redis/v9"
)

type Bus struct {
	cli    *redis.Client
	stream string
	group  string
}

const (
	KindBroadcast = "broadcast"
	KindChannel   = "channel"
)

// Message 是节点间转发的一条广播，Origin 为发布节点 id
type Message struct {
	Kind    string    `json:"kind"`
	When    time.Time `json:"when"`
	Origin  string    `json:"origin"`
	From    string    `json:"from,omitempty"`
	Tag     string    `json:"tag,omitempty"`
	Channel int       `json:"channel,omitempty"`
	Data    []byte    `json:"data,omitempty"`
}

func New(addr string, db int, stream, group string) *Bus {
	cli := redis.NewClient(&redis.Options{Addr: addr, DB: db})
	return &Bus{cli: cli, stream: stream, group: group}
}

func (b *Bus) Ping(ctx context.Context) error { return b.cli.Ping(ctx).Err() }

func (b *Bus) Close() error { return b.cli.Close() }

func (b *Bus) EnsureGroup(ctx context.Context) error {
	err := b.cli.XGroupCreateMkStream(ctx, b.stream, b.group, "$").Err()
	// 组已存在
	if err != nil && strings.HasPrefix(err.Error(), "BUSYGROUP") {
		return nil
	}
	return err
}

func Encode(m *Message) ([]byte, error) { return json.Marshal(m) }

func Decode(raw string) (*Message, error) {
	var m Message
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		return nil, err
	}
	return &m, nil
}

func (b *Bus) Publish(ctx context.Context, m *Message) error {
	payload, err := Encode(m)
	if err != nil {
		return err
	}
	return b.cli.XAdd(ctx, &redis.XAddArgs{Stream: b.stream, Values: map[string]any{"data": payload}}).Err()
}

type Handler func(ctx context.Context, m *Message) error

// Consume blocks and delivers messages to handler until ctx is done.
func (b *Bus) Consume(ctx context.Context, consumer string, handler Handler) error {
	for {
		res, err := b.cli.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    b.group,
			Consumer: consumer,
			Streams:  []string{b.stream, ">"},
			Count:    100,
			Block:    5 * time.Second,
		}).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			logger.L().Sugar().Warnw("redis_read_failed", "stream", b.stream, "err", err)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Second):
			}
			continue
		}
		for _, str := range res {
			for _, xmsg := range str.Messages {
				raw, _ := xmsg.Values["data"].(string)
				m, err := Decode(raw)
				if err != nil {
					logger.L().Sugar().Warnw("redis_decode_failed", "id", xmsg.ID, "err", err)
				} else if err := handler(ctx, m); err != nil {
					logger.L().Sugar().Warnw("redis_handler_failed", "id", xmsg.ID, "err", err)
				}
				_ = b.cli.XAck(ctx, b.stream, b.group, xmsg.ID).Err()
			}
		}
	}
}
