package protocol

import (
	"fmt"
	"time"

	"google.golang.org/protobuf/encoding/protowire"
)

// Envelope field numbers. New fields may be appended; decoders skip what they do not know.
const (
	fieldContentLength   protowire.Number = 1
	fieldPresharedKey    protowire.Number = 2
	fieldType            protowire.Number = 3
	fieldHeader          protowire.Number = 4
	fieldSenderTimestamp protowire.Number = 5
	fieldExpiration      protowire.Number = 6
	fieldConversationID  protowire.Number = 7

	fieldHeaderKey   protowire.Number = 1
	fieldHeaderValue protowire.Number = 2
)

// MarshalEnvelope encodes the envelope fields of m in protobuf wire format.
func MarshalEnvelope(m *Message) []byte {
	b := make([]byte, 0, 64)
	if m.ContentLength != 0 {
		b = protowire.AppendTag(b, fieldContentLength, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(m.ContentLength))
	}
	if len(m.PresharedKey) > 0 {
		b = protowire.AppendTag(b, fieldPresharedKey, protowire.BytesType)
		b = protowire.AppendBytes(b, m.PresharedKey)
	}
	b = protowire.AppendTag(b, fieldType, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(m.Type))
	m.Header.Range(func(k, v string) bool {
		var entry []byte
		entry = protowire.AppendTag(entry, fieldHeaderKey, protowire.BytesType)
		entry = protowire.AppendString(entry, k)
		entry = protowire.AppendTag(entry, fieldHeaderValue, protowire.BytesType)
		entry = protowire.AppendString(entry, v)
		b = protowire.AppendTag(b, fieldHeader, protowire.BytesType)
		b = protowire.AppendBytes(b, entry)
		return true
	})
	if !m.SenderTimestamp.IsZero() {
		b = protowire.AppendTag(b, fieldSenderTimestamp, protowire.Fixed64Type)
		b = protowire.AppendFixed64(b, uint64(m.SenderTimestamp.UnixNano()))
	}
	if !m.Expiration.IsZero() {
		b = protowire.AppendTag(b, fieldExpiration, protowire.Fixed64Type)
		b = protowire.AppendFixed64(b, uint64(m.Expiration.UnixNano()))
	}
	if m.ConversationID != "" {
		b = protowire.AppendTag(b, fieldConversationID, protowire.BytesType)
		b = protowire.AppendString(b, m.ConversationID)
	}
	return b
}

// UnmarshalEnvelope decodes an envelope written by MarshalEnvelope.
func UnmarshalEnvelope(b []byte) (*Message, error) {
	m := &Message{Header: NewHeader()}
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, fmt.Errorf("UnmarshalEnvelope: %w: %v", ErrMalformedEnvelope, protowire.ParseError(n))
		}
		b = b[n:]

		switch {
		case num == fieldContentLength && typ == protowire.VarintType:
			var v uint64
			v, n = protowire.ConsumeVarint(b)
			m.ContentLength = int64(v)
		case num == fieldPresharedKey && typ == protowire.BytesType:
			var v []byte
			v, n = protowire.ConsumeBytes(b)
			m.PresharedKey = append([]byte(nil), v...)
		case num == fieldType && typ == protowire.VarintType:
			var v uint64
			v, n = protowire.ConsumeVarint(b)
			m.Type = MessageType(int32(v))
		case num == fieldHeader && typ == protowire.BytesType:
			var v []byte
			v, n = protowire.ConsumeBytes(b)
			if n >= 0 {
				k, val, err := unmarshalHeaderEntry(v)
				if err != nil {
					return nil, err
				}
				m.Header.Set(k, val)
			}
		case num == fieldSenderTimestamp && typ == protowire.Fixed64Type:
			var v uint64
			v, n = protowire.ConsumeFixed64(b)
			m.SenderTimestamp = time.Unix(0, int64(v)).UTC()
		case num == fieldExpiration && typ == protowire.Fixed64Type:
			var v uint64
			v, n = protowire.ConsumeFixed64(b)
			m.Expiration = time.Unix(0, int64(v)).UTC()
		case num == fieldConversationID && typ == protowire.BytesType:
			m.ConversationID, n = protowire.ConsumeString(b)
		default:
			n = protowire.ConsumeFieldValue(num, typ, b)
		}
		if n < 0 {
			return nil, fmt.Errorf("UnmarshalEnvelope: %w: field %d: %v", ErrMalformedEnvelope, num, protowire.ParseError(n))
		}
		b = b[n:]
	}
	if m.ContentLength < 0 {
		return nil, fmt.Errorf("UnmarshalEnvelope: %w: negative content length %d", ErrMalformedEnvelope, m.ContentLength)
	}
	return m, nil
}

func unmarshalHeaderEntry(b []byte) (key, value string, err error) {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return "", "", fmt.Errorf("UnmarshalEnvelope: %w: header entry: %v", ErrMalformedEnvelope, protowire.ParseError(n))
		}
		b = b[n:]
		switch {
		case num == fieldHeaderKey && typ == protowire.BytesType:
			key, n = protowire.ConsumeString(b)
		case num == fieldHeaderValue && typ == protowire.BytesType:
			value, n = protowire.ConsumeString(b)
		default:
			n = protowire.ConsumeFieldValue(num, typ, b)
		}
		if n < 0 {
			return "", "", fmt.Errorf("UnmarshalEnvelope: %w: header entry: %v", ErrMalformedEnvelope, protowire.ParseError(n))
		}
		b = b[n:]
	}
	return key, value, nil
}
