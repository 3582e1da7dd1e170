package protocol

import (
	"bytes"
	"io"
	"time"
)

// NewControl 创建无正文的控制消息（AuthRequired、Shutdown、ConnectionReady 等）
func NewControl(t MessageType) *Message {
	return &Message{Type: t, Header: NewHeader()}
}

// NewAuthRequested 创建携带预共享密钥的认证消息
func NewAuthRequested(key []byte) *Message {
	m := NewControl(MsgAuthRequested)
	m.PresharedKey = append([]byte(nil), key...)
	return m
}

// NewRegisterChannel 创建频道注册消息，频道号放在头部
func NewRegisterChannel(channel int) *Message {
	m := NewControl(MsgRegisterChannel)
	m.Header.SetChannel(channel)
	return m
}

// NewBroadcast 创建广播消息
func NewBroadcast(header *Header, data []byte) *Message {
	return withBody(&Message{Type: MsgBroadcastPack, Header: orEmpty(header)}, data)
}

// NewStream 创建流消息，正文由调用方提供的 reader 给出
func NewStream(header *Header, body io.Reader, contentLength int64) *Message {
	return &Message{
		Type:          MsgStreamPack,
		Header:        orEmpty(header),
		ContentLength: contentLength,
		Body:          body,
	}
}

// NewRequest 创建 RPC 请求
func NewRequest(header *Header, data []byte, conversationID string, expiration time.Time) *Message {
	m := withBody(&Message{Type: MsgRequestPack, Header: orEmpty(header)}, data)
	m.ConversationID = conversationID
	m.Expiration = expiration
	return m
}

// NewResponse 创建 RPC 响应，沿用请求的会话 ID 与过期时间
func NewResponse(header *Header, data []byte, conversationID string, expiration time.Time) *Message {
	m := withBody(&Message{Type: MsgResponsePack, Header: orEmpty(header)}, data)
	m.ConversationID = conversationID
	m.Expiration = expiration
	return m
}

func withBody(m *Message, data []byte) *Message {
	m.ContentLength = int64(len(data))
	if len(data) > 0 {
		m.Body = bytes.NewReader(data)
	}
	return m
}

func orEmpty(h *Header) *Header {
	if h == nil {
		return NewHeader()
	}
	return h
}
