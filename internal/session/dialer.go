package session

import (
	"sync"

	ma "github.com/multiformats/go-multiaddr"

	"github.com/dep2p/go-natlink/pkg/interfaces"
	"github.com/dep2p/go-natlink/pkg/types"
)

// ShouldInitiate 返回 local 是否应当主动拨号 remote
//
// 只有 PeerID 较小的一方发起。双方独立计算，结论必然互补，不需要往返协商。
func ShouldInitiate(local, remote types.PeerID) bool {
	return local != remote && local.Less(remote)
}

// PeerDialer 经中继拨号协调器
//
// 每个目标节点最多一个进行中的拨号；拨号结果（连接建立或拨号失败）
// 经 Observe 清除待定状态。
type PeerDialer struct {
	local types.PeerID

	mu      sync.Mutex
	pending map[types.PeerID]ma.Multiaddr
}

// NewPeerDialer 创建拨号协调器
func NewPeerDialer(local types.PeerID) *PeerDialer {
	return &PeerDialer{
		local:   local,
		pending: make(map[types.PeerID]ma.Multiaddr),
	}
}

// DialViaRelay 经中继向 target 发起拨号，结果以事件异步送达
func (d *PeerDialer) DialViaRelay(g *Guard, b *RelayBinding, target types.PeerID) error {
	if b == nil {
		return ErrNotRegistered
	}
	if target == d.local {
		return ErrDialSelf
	}
	if err := target.Validate(); err != nil {
		return err
	}

	addr := b.CircuitAddr(target)

	d.mu.Lock()
	if _, ok := d.pending[target]; ok {
		d.mu.Unlock()
		return ErrDialInProgress
	}
	d.pending[target] = addr
	d.mu.Unlock()

	err := g.Do(func(ep interfaces.Endpoint) error { return ep.Dial(addr) })
	if err != nil {
		d.clear(target)
		return err
	}
	log.Info("经中继拨号", "peer", target.ShortString(), "addr", addr)
	return nil
}

// Connect 按 PeerID 决定发起或等待
//
// 返回 true 表示本端已发起拨号；false 表示由对端发起，本端经中继电路被动接受。
func (d *PeerDialer) Connect(g *Guard, b *RelayBinding, target types.PeerID) (bool, error) {
	if b == nil {
		return false, ErrNotRegistered
	}
	if target == d.local {
		return false, ErrDialSelf
	}
	if !ShouldInitiate(d.local, target) {
		log.Info("等待对端发起连接", "peer", target.ShortString())
		return false, nil
	}
	if err := d.DialViaRelay(g, b, target); err != nil {
		return false, err
	}
	return true, nil
}

// Pending 返回到 target 的拨号是否进行中
func (d *PeerDialer) Pending(target types.PeerID) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.pending[target]
	return ok
}

// Observe 拨号结果到达时清除待定状态，注册为 Guard 观察者
func (d *PeerDialer) Observe(ev types.Event, _ Class) {
	switch e := ev.(type) {
	case types.EvtConnectionEstablished:
		d.clear(e.Peer)
	case types.EvtDialError:
		d.clear(e.Peer)
	}
}

func (d *PeerDialer) clear(peer types.PeerID) {
	d.mu.Lock()
	delete(d.pending, peer)
	d.mu.Unlock()
}
