// Package testutil 提供测试辅助工具
//
// Endpoint 是 interfaces.Endpoint 的内存实现：记录 Listen/Dial 命令，
// 事件由测试通过 Push 注入。
package testutil

import (
	"errors"
	"sync"
	"testing"

	ma "github.com/multiformats/go-multiaddr"
	"github.com/stretchr/testify/require"

	"github.com/dep2p/go-natlink/internal/core/identity"
	"github.com/dep2p/go-natlink/pkg/interfaces"
	"github.com/dep2p/go-natlink/pkg/types"
)

// ErrEndpointClosed Listen 在端点关闭后返回
var ErrEndpointClosed = errors.New("testutil: endpoint closed")

// eventBuffer 事件通道容量
const eventBuffer = 1024

var _ interfaces.Endpoint = (*Endpoint)(nil)

// Endpoint 记录命令、由测试注入事件的端点
type Endpoint struct {
	id     types.PeerID
	events chan types.Event

	mu      sync.Mutex
	dials   []ma.Multiaddr
	listens []ma.Multiaddr
	dialErr error
	closed  bool
}

// NewEndpoint 创建使用随机身份的端点
func NewEndpoint(t *testing.T) *Endpoint {
	t.Helper()
	return &Endpoint{
		id:     NewPeerID(t),
		events: make(chan types.Event, eventBuffer),
	}
}

// ID 实现 interfaces.Endpoint
func (e *Endpoint) ID() types.PeerID { return e.id }

// Listen 记录监听地址
func (e *Endpoint) Listen(addr ma.Multiaddr) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return ErrEndpointClosed
	}
	e.listens = append(e.listens, addr)
	return nil
}

// Dial 记录拨号地址；SetDialErr 设置后直接返回该错误
func (e *Endpoint) Dial(addr ma.Multiaddr) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.dialErr != nil {
		return e.dialErr
	}
	e.dials = append(e.dials, addr)
	return nil
}

// Events 实现 interfaces.Endpoint
func (e *Endpoint) Events() <-chan types.Event { return e.events }

// ListenAddrs 返回已记录的监听地址
func (e *Endpoint) ListenAddrs() []ma.Multiaddr {
	return e.Listens()
}

// Close 关闭事件通道，可重复调用
func (e *Endpoint) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.closed {
		e.closed = true
		close(e.events)
	}
	return nil
}

// ============================================================================
//                              测试控制
// ============================================================================

// Push 按顺序注入事件
func (e *Endpoint) Push(evs ...types.Event) {
	for _, ev := range evs {
		e.events <- ev
	}
}

// Feed 返回事件通道的发送端，用于 select 中持续注入
func (e *Endpoint) Feed() chan<- types.Event { return e.events }

// Queued 返回尚未被消费的事件数
func (e *Endpoint) Queued() int { return len(e.events) }

// SetDialErr 设置 Dial 的同步错误，nil 恢复正常
func (e *Endpoint) SetDialErr(err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.dialErr = err
}

// Dials 返回已记录的拨号地址
func (e *Endpoint) Dials() []ma.Multiaddr {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]ma.Multiaddr(nil), e.dials...)
}

// Listens 返回已记录的监听地址
func (e *Endpoint) Listens() []ma.Multiaddr {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]ma.Multiaddr(nil), e.listens...)
}

// ============================================================================
//                              身份与地址
// ============================================================================

// NewPeerID 生成随机 PeerID
func NewPeerID(t *testing.T) types.PeerID {
	t.Helper()
	id, err := identity.Generate()
	require.NoError(t, err)
	return id.ID()
}

// RelayAddrFor 返回 /ip4/203.0.113.7/tcp/4001/p2p/<relay>
func RelayAddrFor(relay types.PeerID) ma.Multiaddr {
	return ma.StringCast("/ip4/203.0.113.7/tcp/4001/p2p/" + relay.String())
}
