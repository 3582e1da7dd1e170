package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"reflect"
	"sync"

	"google.golang.org/protobuf/proto"
)

// ErrUnsupportedType is returned for payload types the codec does not know how to encode.
var ErrUnsupportedType = errors.New("unsupported payload type")

// PayloadCodec provides encoding/decoding for message bodies.
// Raw bytes pass through untouched, strings are UTF-8, protobuf messages use the protobuf
// wire format and registered Go types are JSON encoded.
type PayloadCodec struct {
	mu       sync.RWMutex
	registry map[reflect.Type]struct{}
}

// NewPayloadCodec creates a codec with no registered types.
func NewPayloadCodec() *PayloadCodec {
	return &PayloadCodec{registry: make(map[reflect.Type]struct{})}
}

// Register registers the concrete type of sample (and its pointer/value counterpart).
func (pc *PayloadCodec) Register(samples ...any) {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	for _, s := range samples {
		t := reflect.TypeOf(s)
		if t == nil {
			continue
		}
		if t.Kind() == reflect.Pointer {
			t = t.Elem()
		}
		pc.registry[t] = struct{}{}
	}
}

// Registered reports whether v's type was registered.
func (pc *PayloadCodec) Registered(v any) bool {
	t := reflect.TypeOf(v)
	if t == nil {
		return false
	}
	if t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	pc.mu.RLock()
	defer pc.mu.RUnlock()
	_, ok := pc.registry[t]
	return ok
}

// Serialize encodes obj into a body buffer.
func (pc *PayloadCodec) Serialize(obj any) ([]byte, error) {
	switch v := obj.(type) {
	case nil:
		return nil, nil
	case []byte:
		return v, nil
	case string:
		return []byte(v), nil
	case proto.Message:
		data, err := proto.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("PayloadCodec.Serialize: failed to marshal protobuf %T: %w", v, err)
		}
		return data, nil
	}
	if !pc.Registered(obj) {
		return nil, fmt.Errorf("PayloadCodec.Serialize: %w: %T", ErrUnsupportedType, obj)
	}
	data, err := json.Marshal(obj)
	if err != nil {
		return nil, fmt.Errorf("PayloadCodec.Serialize: failed to encode %T: %w", obj, err)
	}
	return data, nil
}

// SerializeTo writes the encoded obj to w and returns the number of bytes written.
func (pc *PayloadCodec) SerializeTo(w io.Writer, obj any) (int64, error) {
	if w == nil {
		return 0, fmt.Errorf("PayloadCodec.SerializeTo: writer is nil")
	}
	if !isBuiltinPayload(obj) && pc.Registered(obj) {
		cw := &countingWriter{w: w}
		if err := json.NewEncoder(cw).Encode(obj); err != nil {
			return cw.n, fmt.Errorf("PayloadCodec.SerializeTo: failed to encode %T: %w", obj, err)
		}
		return cw.n, nil
	}
	data, err := pc.Serialize(obj)
	if err != nil {
		return 0, err
	}
	n, err := w.Write(data)
	return int64(n), err
}

// Deserialize decodes data into target, which must be a pointer.
func (pc *PayloadCodec) Deserialize(data []byte, target any) error {
	switch t := target.(type) {
	case nil:
		return fmt.Errorf("PayloadCodec.Deserialize: target is nil")
	case *[]byte:
		*t = append((*t)[:0], data...)
		return nil
	case *string:
		*t = string(data)
		return nil
	case proto.Message:
		if err := proto.Unmarshal(data, t); err != nil {
			return fmt.Errorf("PayloadCodec.Deserialize: failed to unmarshal protobuf %T (size=%d bytes): %w", t, len(data), err)
		}
		return nil
	}
	if reflect.TypeOf(target).Kind() != reflect.Pointer {
		return fmt.Errorf("PayloadCodec.Deserialize: target %T is not a pointer", target)
	}
	if !pc.Registered(target) {
		return fmt.Errorf("PayloadCodec.Deserialize: %w: %T", ErrUnsupportedType, target)
	}
	if err := json.Unmarshal(data, target); err != nil {
		return fmt.Errorf("PayloadCodec.Deserialize: failed to decode %T: %w", target, err)
	}
	return nil
}

func isBuiltinPayload(obj any) bool {
	switch obj.(type) {
	case nil, []byte, string, proto.Message:
		return true
	}
	return false
}

type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}
