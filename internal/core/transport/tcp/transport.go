package tcp

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	ma "github.com/multiformats/go-multiaddr"
	manet "github.com/multiformats/go-multiaddr/net"

	"github.com/dep2p/go-natlink/internal/util/addrutil"
	"github.com/dep2p/go-natlink/internal/util/logger"
)

var log = logger.Logger("transport.tcp")

var (
	// ErrTransportClosed 传输层已关闭
	ErrTransportClosed = errors.New("tcp transport closed")

	// ErrUnsupportedAddr 不支持的地址
	ErrUnsupportedAddr = errors.New("unsupported tcp address")
)

// Config TCP 传输配置
type Config struct {
	// ReusePort 监听与打洞拨号启用端口复用
	ReusePort bool

	// DialTimeout 拨号超时
	DialTimeout time.Duration

	// KeepAlive TCP keepalive 周期
	KeepAlive time.Duration
}

// DefaultConfig 默认配置
func DefaultConfig() Config {
	return Config{
		ReusePort:   ReusePortSupported(),
		DialTimeout: 15 * time.Second,
		KeepAlive:   30 * time.Second,
	}
}

// ============================================================================
//                              Transport 实现
// ============================================================================

// Transport TCP 传输层
type Transport struct {
	config Config

	listenersMu sync.RWMutex
	listeners   map[*Listener]struct{}

	closed atomic.Bool
}

// New 创建 TCP 传输层
func New(config Config) *Transport {
	if config.ReusePort && !ReusePortSupported() {
		log.Warn("当前平台不支持端口复用，已禁用")
		config.ReusePort = false
	}
	return &Transport{
		config:    config,
		listeners: make(map[*Listener]struct{}),
	}
}

// CanDial 是否可以拨号到该地址
func (t *Transport) CanDial(addr ma.Multiaddr) bool {
	if addr == nil || addrutil.IsRelayAddr(addr) {
		return false
	}
	_, _, err := manet.DialArgs(addr)
	if err != nil {
		return false
	}
	_, ok := addrutil.TCPPort(addr)
	return ok
}

// Listen 监听入站连接
func (t *Transport) Listen(addr ma.Multiaddr) (*Listener, error) {
	if t.closed.Load() {
		return nil, ErrTransportClosed
	}
	if !t.CanDial(addr) {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedAddr, addr)
	}
	network, host, err := manet.DialArgs(addr)
	if err != nil {
		return nil, err
	}

	lc := net.ListenConfig{KeepAlive: t.config.KeepAlive}
	if t.config.ReusePort {
		lc.Control = reusePortControl
	}
	nl, err := lc.Listen(context.Background(), network, host)
	if err != nil {
		return nil, fmt.Errorf("监听失败: %w", err)
	}
	ml, err := manet.WrapNetListener(nl)
	if err != nil {
		_ = nl.Close()
		return nil, fmt.Errorf("包装监听器失败: %w", err)
	}

	l := &Listener{Listener: ml, transport: t}
	t.listenersMu.Lock()
	t.listeners[l] = struct{}{}
	t.listenersMu.Unlock()

	log.Debug("开始监听", "addr", l.Multiaddr())
	return l, nil
}

// Dial 建立出站连接
func (t *Transport) Dial(ctx context.Context, raddr ma.Multiaddr) (manet.Conn, error) {
	return t.dial(ctx, raddr, nil)
}

// DialReuse 从监听端口发起连接
//
// 未启用端口复用或没有同协议族的监听器时退化为普通拨号。
func (t *Transport) DialReuse(ctx context.Context, raddr ma.Multiaddr) (manet.Conn, error) {
	if !t.config.ReusePort {
		return t.dial(ctx, raddr, nil)
	}
	laddr := t.reuseLocalAddr(raddr)
	if laddr == nil {
		log.Debug("没有可复用的监听端口", "raddr", raddr)
	}
	return t.dial(ctx, raddr, laddr)
}

func (t *Transport) dial(ctx context.Context, raddr ma.Multiaddr, laddr *net.TCPAddr) (manet.Conn, error) {
	if t.closed.Load() {
		return nil, ErrTransportClosed
	}
	if !t.CanDial(raddr) {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedAddr, raddr)
	}
	network, host, err := manet.DialArgs(raddr)
	if err != nil {
		return nil, err
	}

	dialer := &net.Dialer{
		Timeout:   t.config.DialTimeout,
		KeepAlive: t.config.KeepAlive,
	}
	if laddr != nil {
		dialer.LocalAddr = laddr
		dialer.Control = reusePortControl
	}

	nc, err := dialer.DialContext(ctx, network, host)
	if err != nil {
		return nil, fmt.Errorf("连接失败: %w", err)
	}
	mc, err := manet.WrapNetConn(nc)
	if err != nil {
		_ = nc.Close()
		return nil, err
	}
	return mc, nil
}

// reuseLocalAddr 选择与远端同协议族的监听端口
func (t *Transport) reuseLocalAddr(raddr ma.Multiaddr) *net.TCPAddr {
	t.listenersMu.RLock()
	defer t.listenersMu.RUnlock()

	for l := range t.listeners {
		la := l.Multiaddr()
		if !addrutil.SameFamily(la, raddr) {
			continue
		}
		tcpAddr, ok := l.Addr().(*net.TCPAddr)
		if !ok {
			continue
		}
		// 通配地址上的监听端口同样可以用于出站
		if tcpAddr.IP.IsUnspecified() {
			return &net.TCPAddr{Port: tcpAddr.Port}
		}
		return &net.TCPAddr{IP: tcpAddr.IP, Port: tcpAddr.Port}
	}
	return nil
}

// ListenPorts 返回所有监听端口
func (t *Transport) ListenPorts() []int {
	t.listenersMu.RLock()
	defer t.listenersMu.RUnlock()

	ports := make([]int, 0, len(t.listeners))
	for l := range t.listeners {
		if port, ok := addrutil.TCPPort(l.Multiaddr()); ok {
			if p, err := strconv.Atoi(port); err == nil {
				ports = append(ports, p)
			}
		}
	}
	return ports
}

// Close 关闭传输层及所有监听器
func (t *Transport) Close() error {
	if !t.closed.CompareAndSwap(false, true) {
		return nil
	}

	t.listenersMu.Lock()
	listeners := make([]*Listener, 0, len(t.listeners))
	for l := range t.listeners {
		listeners = append(listeners, l)
	}
	t.listenersMu.Unlock()

	var lastErr error
	for _, l := range listeners {
		if err := l.Close(); err != nil {
			lastErr = err
		}
	}
	return lastErr
}

func (t *Transport) removeListener(l *Listener) {
	t.listenersMu.Lock()
	delete(t.listeners, l)
	t.listenersMu.Unlock()
}
