//go:build linux || darwin || freebsd || netbsd || openbsd || dragonfly

package tcp

import (
	"syscall"

	"golang.org/x/sys/unix"
)

// ReusePortSupported 当前平台是否支持 SO_REUSEPORT
func ReusePortSupported() bool {
	return true
}

// reusePortControl 在 bind 之前设置端口复用
func reusePortControl(_, _ string, c syscall.RawConn) error {
	var opErr error
	err := c.Control(func(fd uintptr) {
		opErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
		if opErr == nil {
			opErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEPORT, 1)
		}
	})
	if err != nil {
		return err
	}
	return opErr
}
