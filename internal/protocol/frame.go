package protocol

import (
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
)

const (
	// MaxHeaderSize bounds the terminator scan so a peer cannot stream garbage forever.
	MaxHeaderSize = 64 * 1024
	// minHeaderRead is the initial chunk read before scanning byte by byte; no valid header
	// block is shorter.
	minHeaderRead = 5
)

var (
	// Terminator separates the header block from the body.
	Terminator = []byte{'\r', '\n', '\r', '\n'}

	// HeaderKey is the shared obfuscation key. Every byte is >= 0x80 so the XOR of the
	// base64 text can never produce '\r' or '\n'.
	HeaderKey = []byte{0xA7, 0xC3, 0x9E}

	ErrTruncatedHeader = errors.New("stream closed before header terminator")
	ErrTruncatedBody   = errors.New("stream closed before body was complete")
	ErrHeaderTooLarge  = errors.New("header exceeds maximum size")
	ErrBodyTooLarge    = errors.New("body exceeds maximum size")
)

var headerEncoding = base64.RawStdEncoding

// XOR applies a repeating-key XOR and returns a new slice. XOR(XOR(x, k), k) == x.
func XOR(data, key []byte) []byte {
	out := make([]byte, len(data))
	if len(key) == 0 {
		copy(out, data)
		return out
	}
	for i, b := range data {
		out[i] = b ^ key[i%len(key)]
	}
	return out
}

// BuildHeaderBytes serializes the envelope, obfuscates it and appends the terminator.
func BuildHeaderBytes(m *Message) []byte {
	raw := MarshalEnvelope(m)
	text := make([]byte, headerEncoding.EncodedLen(len(raw)), headerEncoding.EncodedLen(len(raw))+len(Terminator))
	headerEncoding.Encode(text, raw)
	for i := range text {
		text[i] ^= HeaderKey[i%len(HeaderKey)]
	}
	return append(text, Terminator...)
}

// DecodeHeaderBytes reverses BuildHeaderBytes. b must include the trailing terminator.
func DecodeHeaderBytes(b, key []byte) (*Message, error) {
	if len(key) == 0 {
		return nil, fmt.Errorf("DecodeHeaderBytes: %w: empty key", ErrMalformedEnvelope)
	}
	if len(b) <= len(Terminator) {
		return nil, fmt.Errorf("DecodeHeaderBytes: %w: %d bytes", ErrMalformedEnvelope, len(b))
	}
	text := XOR(b[:len(b)-len(Terminator)], key)
	raw := make([]byte, headerEncoding.DecodedLen(len(text)))
	n, err := headerEncoding.Decode(raw, text)
	if err != nil {
		return nil, fmt.Errorf("DecodeHeaderBytes: %w: %v", ErrMalformedEnvelope, err)
	}
	return UnmarshalEnvelope(raw[:n])
}

// ByteReader is what ReadFrame needs from the underlying stream; *bufio.Reader satisfies it.
type ByteReader interface {
	io.Reader
	io.ByteReader
}

// ScanHeader reads up to and including the terminator. It returns io.EOF when the stream
// ends cleanly before the first byte.
func ScanHeader(r ByteReader) ([]byte, error) {
	buf := make([]byte, minHeaderRead, 128)
	n, err := io.ReadFull(r, buf)
	if err != nil {
		if err == io.EOF && n == 0 {
			return nil, io.EOF
		}
		return nil, fmt.Errorf("ScanHeader: %w: read %d bytes: %v", ErrTruncatedHeader, n, err)
	}
	for !bytes.HasSuffix(buf, Terminator) {
		if len(buf) >= MaxHeaderSize {
			return nil, fmt.Errorf("ScanHeader: %w: %d bytes", ErrHeaderTooLarge, len(buf))
		}
		c, err := r.ReadByte()
		if err != nil {
			return nil, fmt.Errorf("ScanHeader: %w: read %d bytes: %v", ErrTruncatedHeader, len(buf), err)
		}
		buf = append(buf, c)
	}
	return buf, nil
}

// ReadFrame reads one header block and returns the decoded message. Body is a reader over
// exactly ContentLength bytes of r that the caller must consume before the next ReadFrame.
func ReadFrame(r ByteReader) (*Message, error) {
	raw, err := ScanHeader(r)
	if err != nil {
		return nil, err
	}
	m, err := DecodeHeaderBytes(raw, HeaderKey)
	if err != nil {
		return nil, err
	}
	m.Body = io.LimitReader(r, m.ContentLength)
	return m, nil
}

// ReadBody reads exactly contentLength bytes from r using reads of at most bufferSize bytes.
// The result grows with the bytes that actually arrive, so a peer announcing a huge length
// and then stalling costs at most one chunk.
func ReadBody(r io.Reader, contentLength int64, bufferSize int) ([]byte, error) {
	if contentLength < 0 {
		return nil, fmt.Errorf("ReadBody: %w: negative content length %d", ErrInvalidMessage, contentLength)
	}
	if bufferSize <= 0 {
		bufferSize = 64 * 1024
	}
	initial := int64(bufferSize)
	if contentLength < initial {
		initial = contentLength
	}
	data := make([]byte, 0, initial)
	chunk := make([]byte, bufferSize)
	var read int64
	for read < contentLength {
		want := contentLength - read
		if want > int64(bufferSize) {
			want = int64(bufferSize)
		}
		n, err := r.Read(chunk[:want])
		data = append(data, chunk[:n]...)
		read += int64(n)
		if n == 0 && err != nil {
			return nil, fmt.Errorf("ReadBody: %w: %d of %d bytes: %v", ErrTruncatedBody, read, contentLength, err)
		}
	}
	return data, nil
}
