package tcp

import (
	"sync/atomic"

	manet "github.com/multiformats/go-multiaddr/net"
)

// Listener TCP 监听器
//
// Accept 返回的连接默认启用 TCP_NODELAY。
type Listener struct {
	manet.Listener

	transport *Transport
	closed    atomic.Bool
}

// Close 关闭监听器
func (l *Listener) Close() error {
	if !l.closed.CompareAndSwap(false, true) {
		return nil
	}
	l.transport.removeListener(l)
	return l.Listener.Close()
}

// IsClosed 是否已关闭
func (l *Listener) IsClosed() bool {
	return l.closed.Load()
}
