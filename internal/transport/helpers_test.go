package transport

import (
	"net"
	"testing"
	"time"

	"github.com/hongjun500/signal/internal/protocol"
)

// pipePair 返回通过 net.Pipe 相连的两个连接核心，各自运行一个最简读循环
func pipePair(t *testing.T) (a, b *Conn) {
	t.Helper()
	na, nb := net.Pipe()
	a = newConn(na, connOptions{side: "client", events: NewEvents("pipe-a"), maxProxied: 1 << 20})
	b = newConn(nb, connOptions{side: "server", events: NewEvents("pipe-b"), maxProxied: 1 << 20})
	go pump(a)
	go pump(b)
	t.Cleanup(func() {
		a.Close()
		b.Close()
	})
	return a, b
}

// pump 是不带握手的读循环，只分发数据包
func pump(c *Conn) {
	defer c.Close()
	for {
		m, err := c.codec.ReadMessage()
		if err != nil {
			return
		}
		c.touch()
		switch m.Type {
		case protocol.MsgRequestPack, protocol.MsgResponsePack, protocol.MsgBroadcastPack, protocol.MsgStreamPack:
			if err := c.dispatchData(m, time.Now(), nil); err != nil {
				return
			}
		default:
			if err := c.codec.Drain(m); err != nil {
				return
			}
		}
	}
}

func withHandler(c *Conn, h RequestHandler) {
	c.handler = func() RequestHandler { return h }
}

// fakeConn 只提供地址，用于构造不需要真实 IO 的 ClientContext
type fakeConn struct {
	net.Conn
	local, remote net.Addr
	closed        bool
}

func (f *fakeConn) LocalAddr() net.Addr              { return f.local }
func (f *fakeConn) RemoteAddr() net.Addr             { return f.remote }
func (f *fakeConn) Read([]byte) (int, error)         { return 0, net.ErrClosed }
func (f *fakeConn) Write([]byte) (int, error)        { return 0, net.ErrClosed }
func (f *fakeConn) SetDeadline(time.Time) error      { return nil }
func (f *fakeConn) SetReadDeadline(time.Time) error  { return nil }
func (f *fakeConn) SetWriteDeadline(time.Time) error { return nil }

func (f *fakeConn) Close() error {
	f.closed = true
	return nil
}

func fakeClient(ip string, port int) *ClientContext {
	nc := &fakeConn{
		local:  &net.TCPAddr{IP: net.ParseIP("127.0.0.1"), Port: 8000},
		remote: &net.TCPAddr{IP: net.ParseIP(ip), Port: port},
	}
	return newClientContext(nc, connOptions{side: "server", events: NewEvents("fake")})
}
