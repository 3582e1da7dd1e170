package transport

import (
	"bufio"
	"fmt"
	"io"
	"sync"

	"github.com/hongjun500/signal/internal/protocol"
)

const defaultBufferSize = 64 * 1024

// FrameCodec 连接级的帧读写器：头部 + 终止符 + 正文。
// 写锁保证一条消息的头部与正文不会与其它消息交错。
type FrameCodec struct {
	r *bufio.Reader
	w *bufio.Writer

	readMu  sync.Mutex // 读锁，读循环独占时也保持对称
	writeMu sync.Mutex // 写锁
	bufPool *sync.Pool // 用于复用正文拷贝缓冲区

	bufferSize int
}

func NewFrameCodec(rw io.ReadWriter, bufferSize int) *FrameCodec {
	if bufferSize <= 0 {
		bufferSize = defaultBufferSize
	}
	return &FrameCodec{
		r: bufio.NewReaderSize(rw, bufferSize),
		w: bufio.NewWriterSize(rw, bufferSize),
		bufPool: &sync.Pool{
			New: func() any {
				b := make([]byte, bufferSize)
				return &b
			},
		},
		bufferSize: bufferSize,
	}
}

// BufferSize 返回正文读写使用的块大小
func (c *FrameCodec) BufferSize() int { return c.bufferSize }

// WriteMessage 在写锁内写出头部与恰好 ContentLength 字节的正文，然后 flush
func (c *FrameCodec) WriteMessage(m *protocol.Message) error {
	if c == nil {
		return fmt.Errorf("framecodec is nil")
	}
	if err := m.Validate(); err != nil {
		return err
	}
	header := protocol.BuildHeaderBytes(m)

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if _, err := c.w.Write(header); err != nil {
		return err
	}
	if m.ContentLength > 0 {
		bp := c.bufPool.Get().(*[]byte)
		n, err := io.CopyBuffer(c.w, io.LimitReader(m.Body, m.ContentLength), *bp)
		c.bufPool.Put(bp)
		if err != nil {
			return err
		}
		if n != m.ContentLength {
			return fmt.Errorf("FrameCodec.WriteMessage: body ended after %d of %d bytes: %w", n, m.ContentLength, io.ErrUnexpectedEOF)
		}
	}
	return c.w.Flush()
}

// ReadMessage 读取下一帧的头部。调用方必须在下一次读取前读完 Body。
func (c *FrameCodec) ReadMessage() (*protocol.Message, error) {
	c.readMu.Lock()
	defer c.readMu.Unlock()
	return protocol.ReadFrame(c.r)
}

// ReadBody 将消息正文完整读入内存
func (c *FrameCodec) ReadBody(m *protocol.Message) ([]byte, error) {
	if m.ContentLength == 0 {
		return nil, nil
	}
	return protocol.ReadBody(m.Body, m.ContentLength, c.bufferSize)
}

// Drain 丢弃正文中尚未读取的部分，使读循环可以继续读下一帧
func (c *FrameCodec) Drain(m *protocol.Message) error {
	if m.Body == nil {
		return nil
	}
	bp := c.bufPool.Get().(*[]byte)
	defer c.bufPool.Put(bp)
	_, err := io.CopyBuffer(io.Discard, m.Body, *bp)
	return err
}
