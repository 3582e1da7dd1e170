//go:build linux

package transport

import (
	"errors"
	"net"
	"syscall"

	"golang.org/x/sys/unix"
)

// probeAlive 在不消费数据的前提下判断套接字是否仍然可用：
// 先做一次非阻塞的零字节 send，再 poll 可读事件，可读时用 MSG_PEEK 区分数据与 FIN。
func probeAlive(nc net.Conn) bool {
	sc, ok := nc.(syscall.Conn)
	if !ok {
		return true
	}
	raw, err := sc.SyscallConn()
	if err != nil {
		return false
	}
	alive := true
	cerr := raw.Control(func(fd uintptr) {
		s := int(fd)
		if err := unix.Sendto(s, nil, unix.MSG_DONTWAIT|unix.MSG_NOSIGNAL, nil); err != nil &&
			!errors.Is(err, unix.EAGAIN) && !errors.Is(err, unix.EWOULDBLOCK) {
			alive = false
			return
		}
		fds := []unix.PollFd{{Fd: int32(s), Events: unix.POLLIN}}
		n, err := unix.Poll(fds, 0)
		if err != nil || n == 0 {
			return
		}
		if fds[0].Revents&(unix.POLLERR|unix.POLLHUP|unix.POLLNVAL) != 0 {
			alive = false
			return
		}
		buf := make([]byte, 1)
		m, _, err := unix.Recvfrom(s, buf, unix.MSG_PEEK|unix.MSG_DONTWAIT)
		if err == nil && m == 0 {
			// orderly shutdown from the peer
			alive = false
		}
	})
	if cerr != nil {
		return false
	}
	return alive
}
