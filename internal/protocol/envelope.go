package protocol

import (
	"errors"
	"fmt"
	"io"
	"time"
)

var (
	ErrMalformedEnvelope = errors.New("malformed envelope")
	ErrInvalidMessage    = errors.New("invalid message")
)

// Message 协议信封：描述一次传输的种类、长度、关联 ID 与时间信息。
// Body 不参与序列化，只在发送/接收正文时使用。
type Message struct {
	ContentLength   int64
	PresharedKey    []byte
	Type            MessageType
	Header          *Header
	SenderTimestamp time.Time
	Expiration      time.Time
	ConversationID  string

	Body io.Reader
}

// Validate checks the fields a message must carry before it is written.
func (m *Message) Validate() error {
	if m == nil {
		return fmt.Errorf("Message.Validate: %w: message is nil", ErrInvalidMessage)
	}
	if m.ContentLength < 0 {
		return fmt.Errorf("Message.Validate: %w: negative content length %d", ErrInvalidMessage, m.ContentLength)
	}
	if m.ContentLength > 0 && m.Body == nil {
		return fmt.Errorf("Message.Validate: %w: content length %d without body", ErrInvalidMessage, m.ContentLength)
	}
	if (m.Type == MsgRequestPack || m.Type == MsgResponsePack) && m.ConversationID == "" {
		return fmt.Errorf("Message.Validate: %w: %s without conversation id", ErrInvalidMessage, m.Type)
	}
	return nil
}

// Expired reports whether the absolute expiration has passed. A zero expiration never expires.
func (m *Message) Expired(now time.Time) bool {
	return !m.Expiration.IsZero() && now.After(m.Expiration)
}

// Budget is the time the sender granted the message, measured on the sender's clock.
// It is what survives clock skew between peers.
func (m *Message) Budget() time.Duration {
	if m.Expiration.IsZero() || m.SenderTimestamp.IsZero() {
		return 0
	}
	return m.Expiration.Sub(m.SenderTimestamp)
}

// LocalDeadline translates the sender's expiration to the local clock, assuming the message
// was received at receivedAt. Messages without an expiration return the zero time.
func (m *Message) LocalDeadline(receivedAt time.Time) time.Time {
	if m.Expiration.IsZero() {
		return time.Time{}
	}
	if m.SenderTimestamp.IsZero() {
		return m.Expiration
	}
	return receivedAt.Add(m.Budget())
}

// ExpiredOnArrival reports whether a message with an expiration arrived with no budget left.
func (m *Message) ExpiredOnArrival() bool {
	return !m.Expiration.IsZero() && !m.SenderTimestamp.IsZero() && m.Budget() <= 0
}
