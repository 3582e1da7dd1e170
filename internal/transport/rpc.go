package transport

import (
	"context"
	"errors"
	"reflect"
	"time"

	"github.com/hongjun500/signal/internal/protocol"
)

// MinRpcTimeout 是 RpcRequest 允许的最小超时
const MinRpcTimeout = time.Second

// Request 是交给 RPC 回调的入站请求
type Request struct {
	ConversationID  string
	Header          *protocol.Header
	Data            []byte
	SenderTimestamp time.Time
	Expiration      time.Time
	ReceivedAt      time.Time
	IpPort          string
	// Client is set on the server role only.
	Client *ClientContext

	payloads *protocol.PayloadCodec
}

// Tag 返回请求头中的 tag
func (r *Request) Tag() string { return r.Header.Tag() }

// Deadline is the expiration translated to the local clock.
func (r *Request) Deadline() time.Time {
	m := protocol.Message{SenderTimestamp: r.SenderTimestamp, Expiration: r.Expiration}
	return m.LocalDeadline(r.ReceivedAt)
}

// Decode 使用连接的负载编解码器解析请求正文
func (r *Request) Decode(target any) error {
	pc := r.payloads
	if pc == nil {
		pc = protocol.NewPayloadCodec()
	}
	return pc.Deserialize(r.Data, target)
}

// Response 既是 RPC 回调的返回值，也是 RpcRequest 的结果
type Response struct {
	StatusCode     protocol.StatusCode
	Header         *protocol.Header
	Data           []byte
	Payload        any // serialized when Data is nil, responding side only
	ConversationID string
	Expiration     time.Time
}

// RequestHandler 处理入站请求。返回 nil 时对端收到 NullValue。
type RequestHandler func(*Request) *Response

// NewResponse 构造携带状态码的响应，obj 可为 []byte、string、proto.Message 或已注册类型
func NewResponse(code protocol.StatusCode, obj any) *Response {
	r := &Response{StatusCode: code, Header: protocol.NewHeader()}
	if b, ok := obj.([]byte); ok {
		r.Data = b
	} else {
		r.Payload = obj
	}
	return r
}

func Ok(obj any) *Response             { return NewResponse(protocol.StatusOk, obj) }
func Accept(obj any) *Response         { return NewResponse(protocol.StatusAccept, obj) }
func Authorize(obj any) *Response      { return NewResponse(protocol.StatusAuthorize, obj) }
func Unauthorize(obj any) *Response    { return NewResponse(protocol.StatusUnauthorize, obj) }
func NotFound(obj any) *Response       { return NewResponse(protocol.StatusNotFound, obj) }
func BadRequest(obj any) *Response     { return NewResponse(protocol.StatusBadRequest, obj) }
func SessionExpired(obj any) *Response { return NewResponse(protocol.StatusSessionExpired, obj) }
func Newest(obj any) *Response         { return NewResponse(protocol.StatusNewest, obj) }
func OutOfDate(obj any) *Response      { return NewResponse(protocol.StatusOutOfDate, obj) }
func Unsupported(obj any) *Response    { return NewResponse(protocol.StatusUnsupported, obj) }
func Unavailable(obj any) *Response    { return NewResponse(protocol.StatusUnavailable, obj) }
func Block(obj any) *Response          { return NewResponse(protocol.StatusBlock, obj) }
func Reject(obj any) *Response         { return NewResponse(protocol.StatusReject, obj) }
func SessionFull(obj any) *Response    { return NewResponse(protocol.StatusSessionFull, obj) }
func Conflict(obj any) *Response       { return NewResponse(protocol.StatusConflict, obj) }

// Requester is implemented by *Conn, *Client and *ClientContext.
type Requester interface {
	RpcRequest(ctx context.Context, timeout time.Duration, header *protocol.Header, obj any) (*Response, error)
	Payloads() *protocol.PayloadCodec
}

// RpcRequestAs 发起请求并把响应正文解码为 T，传输错误与状态码统一折叠为 StatusCode
func RpcRequestAs[T any](ctx context.Context, r Requester, timeout time.Duration, header *protocol.Header, obj any) (T, protocol.StatusCode) {
	var zero T
	resp, err := r.RpcRequest(ctx, timeout, header, obj)
	if err != nil {
		return zero, StatusFromError(err)
	}
	if resp.StatusCode != protocol.StatusOk && resp.StatusCode != protocol.StatusAccept {
		return zero, resp.StatusCode
	}
	if len(resp.Data) == 0 {
		return zero, protocol.StatusNullValue
	}
	out, target := newTarget[T]()
	if err := r.Payloads().Deserialize(resp.Data, target); err != nil {
		if errors.Is(err, protocol.ErrUnsupportedType) {
			return zero, protocol.StatusUnsupported
		}
		return zero, protocol.StatusBadRequest
	}
	return *out, resp.StatusCode
}

// newTarget 返回解码目标。T 为指针时分配其指向的值并直接解码进去，
// 否则解码进 *T。
func newTarget[T any]() (*T, any) {
	out := new(T)
	if rt := reflect.TypeOf(out).Elem(); rt.Kind() == reflect.Pointer {
		*out = reflect.New(rt.Elem()).Interface().(T)
		return out, *out
	}
	return out, out
}

// StatusFromError maps an RpcRequest error to the status code a caller would act on.
func StatusFromError(err error) protocol.StatusCode {
	switch {
	case err == nil:
		return protocol.StatusOk
	case errors.Is(err, ErrTimeout):
		return protocol.StatusTimeout
	case errors.Is(err, ErrCanceled):
		return protocol.StatusTaskCancel
	case errors.Is(err, ErrConnection), errors.Is(err, ErrNotConnected), errors.Is(err, ErrConnClosed):
		return protocol.StatusConnectionError
	case errors.Is(err, ErrInvalidArgument):
		return protocol.StatusBadRequest
	default:
		return protocol.StatusUnknown
	}
}

// responseFromMessage 把入站 ResponsePack 转换为 Response
func responseFromMessage(m *protocol.Message, data []byte) *Response {
	code, ok := m.Header.StatusCode()
	if !ok {
		code = protocol.StatusHeaderNull
	}
	return &Response{
		StatusCode:     code,
		Header:         m.Header,
		Data:           data,
		ConversationID: m.ConversationID,
		Expiration:     m.Expiration,
	}
}
