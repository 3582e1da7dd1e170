//go:build linux

package transport

import (
	"syscall"

	"golang.org/x/sys/unix"
)

// exclusiveListen 关闭 Go 为监听套接字默认开启的 SO_REUSEADDR，
// 地址仍被其他套接字占用时 bind 直接失败
func exclusiveListen(_, _ string, rc syscall.RawConn) error {
	var serr error
	if err := rc.Control(func(fd uintptr) {
		serr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 0)
	}); err != nil {
		return err
	}
	return serr
}
