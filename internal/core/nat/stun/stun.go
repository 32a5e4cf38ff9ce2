// Package stun 通过 STUN Binding 请求发现本机的公网 IP
//
// 只使用 XOR-MAPPED-ADDRESS（回退 MAPPED-ADDRESS），不做 NAT 类型检测。
package stun

import (
	"context"
	"errors"
	"net"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pion/stun"

	"github.com/dep2p/go-natlink/internal/util/logger"
)

var log = logger.Logger("nat.stun")

const (
	// DefaultTimeout 单次请求超时
	DefaultTimeout = 5 * time.Second

	// DefaultCacheDuration 结果缓存时间
	DefaultCacheDuration = 5 * time.Minute

	maxResponseSize = 1500
)

// ErrNoServers 未配置 STUN 服务器
var ErrNoServers = &Error{Message: "no STUN servers"}

// Error STUN 错误
type Error struct {
	Server  string
	Message string
	Cause   error
}

func (e *Error) Error() string {
	msg := "stun: " + e.Message
	if e.Server != "" {
		msg = "stun " + e.Server + ": " + e.Message
	}
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// Client STUN 客户端
type Client struct {
	servers []string
	timeout time.Duration
	clock   clock.Clock

	mu            sync.Mutex
	cachedAddr    *net.UDPAddr
	cachedTime    time.Time
	cacheDuration time.Duration
}

// NewClient 创建 STUN 客户端
func NewClient(servers []string) *Client {
	return &Client{
		servers:       append([]string(nil), servers...),
		timeout:       DefaultTimeout,
		clock:         clock.New(),
		cacheDuration: DefaultCacheDuration,
	}
}

// SetTimeout 设置单次请求超时
func (c *Client) SetTimeout(d time.Duration) {
	c.timeout = d
}

// ExternalAddr 返回 STUN 服务器观测到的地址
//
// 按顺序尝试各服务器，返回第一个成功结果；全部失败时返回最后一个错误。
func (c *Client) ExternalAddr(ctx context.Context) (*net.UDPAddr, error) {
	if addr := c.cached(); addr != nil {
		return addr, nil
	}
	if len(c.servers) == 0 {
		return nil, ErrNoServers
	}

	var lastErr error
	for _, server := range c.servers {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		addr, err := c.query(ctx, server)
		if err != nil {
			log.Debug("STUN 查询失败", "server", server, "err", err)
			lastErr = err
			continue
		}

		c.mu.Lock()
		c.cachedAddr = addr
		c.cachedTime = c.clock.Now()
		c.mu.Unlock()

		log.Debug("STUN 查询成功", "server", server, "addr", addr)
		return addr, nil
	}
	return nil, lastErr
}

// Invalidate 清除缓存
func (c *Client) Invalidate() {
	c.mu.Lock()
	c.cachedAddr = nil
	c.mu.Unlock()
}

func (c *Client) cached() *net.UDPAddr {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cachedAddr != nil && c.clock.Since(c.cachedTime) < c.cacheDuration {
		return c.cachedAddr
	}
	return nil
}

// query 向单个服务器发送 Binding 请求
func (c *Client) query(ctx context.Context, server string) (*net.UDPAddr, error) {
	raddr, err := net.ResolveUDPAddr("udp", server)
	if err != nil {
		return nil, &Error{Server: server, Message: "resolve server address", Cause: err}
	}
	conn, err := net.DialUDP("udp", nil, raddr)
	if err != nil {
		return nil, &Error{Server: server, Message: "dial server", Cause: err}
	}
	defer conn.Close()

	deadline := time.Now().Add(c.timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = conn.SetDeadline(deadline)

	stop := context.AfterFunc(ctx, func() { _ = conn.SetDeadline(time.Unix(1, 0)) })
	defer stop()

	req, err := stun.Build(stun.TransactionID, stun.BindingRequest, stun.Fingerprint)
	if err != nil {
		return nil, &Error{Server: server, Message: "build request", Cause: err}
	}
	if _, err := req.WriteTo(conn); err != nil {
		return nil, &Error{Server: server, Message: "send request", Cause: err}
	}

	buf := make([]byte, maxResponseSize)
	for {
		n, err := conn.Read(buf)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, ctxErr
			}
			return nil, &Error{Server: server, Message: "read response", Cause: err}
		}

		res := &stun.Message{Raw: append([]byte(nil), buf[:n]...)}
		if err := res.Decode(); err != nil {
			return nil, &Error{Server: server, Message: "decode response", Cause: err}
		}
		// 迟到的旧响应
		if res.TransactionID != req.TransactionID {
			continue
		}
		if res.Type != stun.BindingSuccess {
			return nil, &Error{Server: server, Message: "unexpected response " + res.Type.String()}
		}
		return mappedAddr(server, res)
	}
}

func mappedAddr(server string, res *stun.Message) (*net.UDPAddr, error) {
	var xor stun.XORMappedAddress
	if err := xor.GetFrom(res); err == nil {
		return &net.UDPAddr{IP: xor.IP, Port: xor.Port}, nil
	} else if !errors.Is(err, stun.ErrAttributeNotFound) {
		return nil, &Error{Server: server, Message: "parse XOR-MAPPED-ADDRESS", Cause: err}
	}

	var mapped stun.MappedAddress
	if err := mapped.GetFrom(res); err != nil {
		return nil, &Error{Server: server, Message: "no mapped address in response", Cause: err}
	}
	return &net.UDPAddr{IP: mapped.IP, Port: mapped.Port}, nil
}
