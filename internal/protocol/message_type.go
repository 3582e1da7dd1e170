package protocol

import "fmt"

// MessageType 消息种类，决定读循环的分发路径
type MessageType int32

const (
	MsgUnknown MessageType = iota
	MsgSuccess
	MsgFailure
	MsgAuthRequired
	MsgAuthRequested
	MsgAuthSuccess
	MsgAuthFailure
	MsgRemoved
	MsgShutdown
	MsgDisconnect
	MsgConnectionReady
	MsgPingPack
	MsgRequestPack
	MsgResponsePack
	MsgBroadcastPack
	MsgStreamPack
	MsgRegisterChannel
)

var messageTypeNames = [...]string{
	MsgUnknown:         "Unknown",
	MsgSuccess:         "Success",
	MsgFailure:         "Failure",
	MsgAuthRequired:    "AuthRequired",
	MsgAuthRequested:   "AuthRequested",
	MsgAuthSuccess:     "AuthSuccess",
	MsgAuthFailure:     "AuthFailure",
	MsgRemoved:         "Removed",
	MsgShutdown:        "Shutdown",
	MsgDisconnect:      "Disconnect",
	MsgConnectionReady: "ConnectionReady",
	MsgPingPack:        "PingPack",
	MsgRequestPack:     "RequestPack",
	MsgResponsePack:    "ResponsePack",
	MsgBroadcastPack:   "BroadcastPack",
	MsgStreamPack:      "StreamPack",
	MsgRegisterChannel: "RegisterChannel",
}

func (t MessageType) String() string {
	if t >= 0 && int(t) < len(messageTypeNames) {
		return messageTypeNames[t]
	}
	return fmt.Sprintf("MessageType(%d)", int32(t))
}

// Valid reports whether t is a known, non-Unknown message kind.
func (t MessageType) Valid() bool {
	return t > MsgUnknown && t <= MsgRegisterChannel
}

// IsData reports whether t carries application data (request, response, broadcast or stream).
func (t MessageType) IsData() bool {
	switch t {
	case MsgRequestPack, MsgResponsePack, MsgBroadcastPack, MsgStreamPack:
		return true
	default:
		return false
	}
}
