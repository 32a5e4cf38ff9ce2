package client

import (
	"net"

	ma "github.com/multiformats/go-multiaddr"

	"github.com/dep2p/go-natlink/pkg/interfaces"
)

var _ net.Conn = (*circuitConn)(nil)

// circuitConn 把中继流包装为原始电路连接
type circuitConn struct {
	interfaces.Stream

	local  ma.Multiaddr
	remote ma.Multiaddr
}

func newCircuitConn(s interfaces.Stream, local, remote ma.Multiaddr) *circuitConn {
	return &circuitConn{Stream: s, local: local, remote: remote}
}

// LocalAddr 实现 net.Conn
func (c *circuitConn) LocalAddr() net.Addr {
	return &circuitAddr{c.local}
}

// RemoteAddr 实现 net.Conn
func (c *circuitConn) RemoteAddr() net.Addr {
	return &circuitAddr{c.remote}
}

// circuitAddr 电路地址
type circuitAddr struct {
	ma.Multiaddr
}

// Network 实现 net.Addr
func (a *circuitAddr) Network() string {
	return "p2p-circuit"
}
