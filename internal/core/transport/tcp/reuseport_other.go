//go:build !(linux || darwin || freebsd || netbsd || openbsd || dragonfly)

package tcp

import "syscall"

// ReusePortSupported 当前平台是否支持 SO_REUSEPORT
func ReusePortSupported() bool {
	return false
}

func reusePortControl(_, _ string, _ syscall.RawConn) error {
	return nil
}
