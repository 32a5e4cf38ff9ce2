package swarm

import (
	"context"
	"crypto/ed25519"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	ma "github.com/multiformats/go-multiaddr"
	"go.uber.org/multierr"

	"github.com/dep2p/go-natlink/internal/core/identity"
	"github.com/dep2p/go-natlink/internal/core/transport/tcp"
	"github.com/dep2p/go-natlink/internal/core/upgrader"
	"github.com/dep2p/go-natlink/internal/util/logger"
	"github.com/dep2p/go-natlink/pkg/interfaces"
	"github.com/dep2p/go-natlink/pkg/protocol"
	"github.com/dep2p/go-natlink/pkg/types"
)

var log = logger.Logger("swarm")

var (
	_ interfaces.Endpoint = (*Swarm)(nil)
	_ interfaces.Host     = (*Swarm)(nil)
)

// Swarm 网络端点
type Swarm struct {
	id       *identity.Identity
	config   *Config
	tcp      *tcp.Transport
	upgrader *upgrader.Upgrader
	events   *eventQueue

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu        sync.RWMutex
	conns     map[types.PeerID][]*Conn
	listeners map[*tcp.Listener][]ma.Multiaddr
	circuits  map[string]ma.Multiaddr
	reserving map[string]struct{}
	external  map[string]ma.Multiaddr
	circuitTr interfaces.CircuitTransport

	handlersMu sync.RWMutex
	handlers   map[protocol.ID]interfaces.StreamHandler

	notifMu   sync.RWMutex
	notifiees []interfaces.Notifiee

	closed atomic.Bool
}

// New 创建 Swarm
func New(id *identity.Identity, config *Config) (*Swarm, error) {
	if id == nil {
		return nil, errors.New("identity is nil")
	}
	if config == nil {
		config = DefaultConfig()
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	up, err := upgrader.New(id, config.Muxer)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Swarm{
		id:        id,
		config:    config,
		tcp:       tcp.New(config.TCP),
		upgrader:  up,
		events:    newEventQueue(),
		ctx:       ctx,
		cancel:    cancel,
		conns:     make(map[types.PeerID][]*Conn),
		listeners: make(map[*tcp.Listener][]ma.Multiaddr),
		circuits:  make(map[string]ma.Multiaddr),
		reserving: make(map[string]struct{}),
		external:  make(map[string]ma.Multiaddr),
		handlers:  make(map[protocol.ID]interfaces.StreamHandler),
	}, nil
}

// ID 返回本地节点 ID
func (s *Swarm) ID() types.PeerID {
	return s.id.ID()
}

// PublicKey 返回本地身份公钥
func (s *Swarm) PublicKey() ed25519.PublicKey {
	return s.id.PublicKey()
}

// Events 返回事件流
func (s *Swarm) Events() <-chan types.Event {
	return s.events.out
}

// Emit 发布事件
func (s *Swarm) Emit(ev types.Event) {
	s.events.push(ev)
}

// PendingEvents 返回尚未被消费的事件数
func (s *Swarm) PendingEvents() int {
	return s.events.len()
}

// ============================================================================
//                              地址
// ============================================================================

// ListenAddrs 返回本地监听地址（含中继电路地址）
func (s *Swarm) ListenAddrs() []ma.Multiaddr {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var addrs []ma.Multiaddr
	for _, bound := range s.listeners {
		addrs = append(addrs, bound...)
	}
	for _, a := range s.circuits {
		addrs = append(addrs, a)
	}
	sortAddrs(addrs)
	return addrs
}

// ExternalAddrs 返回已知的外部地址
func (s *Swarm) ExternalAddrs() []ma.Multiaddr {
	s.mu.RLock()
	defer s.mu.RUnlock()

	addrs := make([]ma.Multiaddr, 0, len(s.external))
	for _, a := range s.external {
		addrs = append(addrs, a)
	}
	sortAddrs(addrs)
	return addrs
}

// AddExternalAddr 记录外部地址
func (s *Swarm) AddExternalAddr(addr ma.Multiaddr, source string) {
	if addr == nil {
		return
	}
	key := addr.String()

	s.mu.Lock()
	_, exists := s.external[key]
	if !exists {
		s.external[key] = addr
	}
	s.mu.Unlock()

	if !exists {
		log.Info("发现外部地址", "addr", addr, "source", source)
		s.events.push(types.EvtExternalAddress{Source: source, Addr: addr})
	}
}

func sortAddrs(addrs []ma.Multiaddr) {
	sort.Slice(addrs, func(i, j int) bool { return addrs[i].String() < addrs[j].String() })
}

// ============================================================================
//                              协议处理器
// ============================================================================

// SetStreamHandler 注册协议处理器
func (s *Swarm) SetStreamHandler(id protocol.ID, handler interfaces.StreamHandler) {
	s.handlersMu.Lock()
	defer s.handlersMu.Unlock()
	s.handlers[id] = handler
}

// RemoveStreamHandler 移除协议处理器
func (s *Swarm) RemoveStreamHandler(id protocol.ID) {
	s.handlersMu.Lock()
	defer s.handlersMu.Unlock()
	delete(s.handlers, id)
}

// Protocols 返回已注册的协议
func (s *Swarm) Protocols() []protocol.ID {
	s.handlersMu.RLock()
	defer s.handlersMu.RUnlock()

	ids := make([]protocol.ID, 0, len(s.handlers))
	for id := range s.handlers {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func (s *Swarm) handler(id protocol.ID) interfaces.StreamHandler {
	s.handlersMu.RLock()
	defer s.handlersMu.RUnlock()
	return s.handlers[id]
}

// ============================================================================
//                              通知
// ============================================================================

// Notify 注册连接通知
func (s *Swarm) Notify(n interfaces.Notifiee) {
	s.notifMu.Lock()
	defer s.notifMu.Unlock()
	s.notifiees = append(s.notifiees, n)
}

// StopNotify 取消连接通知
func (s *Swarm) StopNotify(n interfaces.Notifiee) {
	s.notifMu.Lock()
	defer s.notifMu.Unlock()
	for i, existing := range s.notifiees {
		if existing == n {
			s.notifiees = append(s.notifiees[:i], s.notifiees[i+1:]...)
			return
		}
	}
}

func (s *Swarm) notifyAll(fn func(interfaces.Notifiee)) {
	s.notifMu.RLock()
	notifiees := make([]interfaces.Notifiee, len(s.notifiees))
	copy(notifiees, s.notifiees)
	s.notifMu.RUnlock()

	for _, n := range notifiees {
		fn(n)
	}
}

// ============================================================================
//                              中继电路
// ============================================================================

// SetCircuitTransport 安装中继电路传输
func (s *Swarm) SetCircuitTransport(ct interfaces.CircuitTransport) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.circuitTr = ct
}

func (s *Swarm) circuitTransport() interfaces.CircuitTransport {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.circuitTr
}

// ============================================================================
//                              连接查询
// ============================================================================

// Peers 返回所有已连接的节点
func (s *Swarm) Peers() []types.PeerID {
	s.mu.RLock()
	defer s.mu.RUnlock()

	peers := make([]types.PeerID, 0, len(s.conns))
	for p := range s.conns {
		peers = append(peers, p)
	}
	return peers
}

// ConnsToPeer 返回到指定节点的所有连接
func (s *Swarm) ConnsToPeer(peer types.PeerID) []interfaces.Conn {
	s.mu.RLock()
	defer s.mu.RUnlock()

	conns := make([]interfaces.Conn, 0, len(s.conns[peer]))
	for _, c := range s.conns[peer] {
		conns = append(conns, c)
	}
	return conns
}

// bestConn 选择到 peer 的最佳连接：直连优先，其次最新
func (s *Swarm) bestConn(peer types.PeerID) *Conn {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var best *Conn
	for _, c := range s.conns[peer] {
		if c.IsClosed() {
			continue
		}
		switch {
		case best == nil:
			best = c
		case best.relayed && !c.relayed:
			best = c
		case best.relayed == c.relayed && c.opened.After(best.opened):
			best = c
		}
	}
	return best
}

// ============================================================================
//                              关闭
// ============================================================================

// Close 关闭 Swarm：停止监听、关闭所有连接，最后关闭事件通道
func (s *Swarm) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	s.cancel()

	errs := s.tcp.Close()

	s.mu.Lock()
	var conns []*Conn
	for _, pc := range s.conns {
		conns = append(conns, pc...)
	}
	s.mu.Unlock()

	for _, c := range conns {
		errs = multierr.Append(errs, c.Close())
	}

	s.wg.Wait()
	s.events.close()

	if errs != nil {
		return fmt.Errorf("close swarm: %w", errs)
	}
	log.Debug("Swarm 已关闭", "peer", s.ID().ShortString())
	return nil
}

// IsClosed 是否已关闭
func (s *Swarm) IsClosed() bool {
	return s.closed.Load()
}
