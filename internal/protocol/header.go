package protocol

import "strconv"

// Header keys reserved by the protocol. They are opaque on the wire and never configurable.
const (
	HeaderTag        = "0x1"
	HeaderStatusCode = "0x2"
	HeaderChannel    = "0x3"
)

// Header is an insertion-ordered string map carried in the envelope. It is a small typed
// side channel next to the body: a payload tag, a response status code or a channel number.
type Header struct {
	keys   []string
	values map[string]string
}

// NewHeader 创建一个空的有序头部
func NewHeader() *Header {
	return &Header{values: make(map[string]string)}
}

// TagHeader 创建只携带 tag 的头部
func TagHeader(tag string) *Header {
	return NewHeader().SetTag(tag)
}

// Set stores v under k, keeping the first insertion position of k.
func (h *Header) Set(k, v string) *Header {
	if h.values == nil {
		h.values = make(map[string]string)
	}
	if _, ok := h.values[k]; !ok {
		h.keys = append(h.keys, k)
	}
	h.values[k] = v
	return h
}

// Get returns the value stored under k.
func (h *Header) Get(k string) (string, bool) {
	if h == nil || h.values == nil {
		return "", false
	}
	v, ok := h.values[k]
	return v, ok
}

// Del removes k and its position in the insertion order.
func (h *Header) Del(k string) {
	if h == nil || h.values == nil {
		return
	}
	if _, ok := h.values[k]; !ok {
		return
	}
	delete(h.values, k)
	for i, key := range h.keys {
		if key == k {
			h.keys = append(h.keys[:i], h.keys[i+1:]...)
			break
		}
	}
}

// Len reports the number of keys. A nil header has none.
func (h *Header) Len() int {
	if h == nil {
		return 0
	}
	return len(h.keys)
}

// Keys returns a copy of the keys in insertion order.
func (h *Header) Keys() []string {
	if h == nil {
		return nil
	}
	out := make([]string, len(h.keys))
	copy(out, h.keys)
	return out
}

// Range 按插入顺序遍历，fn 返回 false 时停止
func (h *Header) Range(fn func(k, v string) bool) {
	if h == nil {
		return
	}
	for _, k := range h.keys {
		if !fn(k, h.values[k]) {
			return
		}
	}
}

// Clone returns a deep copy; cloning nil yields an empty header.
func (h *Header) Clone() *Header {
	out := NewHeader()
	h.Range(func(k, v string) bool {
		out.Set(k, v)
		return true
	})
	return out
}

// Equal compares keys, order and values.
func (h *Header) Equal(o *Header) bool {
	if h.Len() != o.Len() {
		return false
	}
	hk, ok := h.Keys(), o.Keys()
	for i := range hk {
		if hk[i] != ok[i] {
			return false
		}
		a, _ := h.Get(hk[i])
		b, _ := o.Get(hk[i])
		if a != b {
			return false
		}
	}
	return true
}

// Tag 返回 HeaderTag 的值，未设置时为空串
func (h *Header) Tag() string {
	v, _ := h.Get(HeaderTag)
	return v
}

// SetTag 设置 HeaderTag
func (h *Header) SetTag(tag string) *Header {
	return h.Set(HeaderTag, tag)
}

// StatusCode returns the status code and whether the header carried one at all.
func (h *Header) StatusCode() (StatusCode, bool) {
	v, ok := h.Get(HeaderStatusCode)
	if !ok {
		return StatusHeaderNull, false
	}
	return ParseStatusCode(v), true
}

// SetStatusCode stores code as its decimal value under HeaderStatusCode.
func (h *Header) SetStatusCode(code StatusCode) *Header {
	return h.Set(HeaderStatusCode, strconv.Itoa(int(code)))
}

// Channel returns the channel number, false when absent or not a number.
func (h *Header) Channel() (int, bool) {
	v, ok := h.Get(HeaderChannel)
	if !ok {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, false
	}
	return n, true
}

// SetChannel stores the channel number under HeaderChannel.
func (h *Header) SetChannel(channel int) *Header {
	return h.Set(HeaderChannel, strconv.Itoa(channel))
}
