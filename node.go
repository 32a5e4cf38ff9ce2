package natlink

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"time"

	ma "github.com/multiformats/go-multiaddr"
	"go.uber.org/fx"

	"github.com/dep2p/go-natlink/config"
	"github.com/dep2p/go-natlink/internal/core/identity"
	"github.com/dep2p/go-natlink/internal/core/metrics"
	"github.com/dep2p/go-natlink/internal/core/nat"
	"github.com/dep2p/go-natlink/internal/core/nat/holepunch"
	"github.com/dep2p/go-natlink/internal/core/relay/client"
	"github.com/dep2p/go-natlink/internal/core/relay/server"
	"github.com/dep2p/go-natlink/internal/core/swarm"
	"github.com/dep2p/go-natlink/internal/session"
	"github.com/dep2p/go-natlink/internal/util/logger"
	"github.com/dep2p/go-natlink/pkg/interfaces"
	"github.com/dep2p/go-natlink/pkg/types"
)

var log = logger.Logger("natlink")

// 生命周期超时
const (
	// startTimeout 启动超时（Fx App Start），ctx 无截止时间时使用
	startTimeout = 30 * time.Second

	// stopTimeout 关闭超时（Fx App Stop）
	stopTimeout = 10 * time.Second
)

// ════════════════════════════════════════════════════════════════════════════
//                              Node
// ════════════════════════════════════════════════════════════════════════════

// Node natlink 节点
//
// 一个节点持有一个端点，所有对端点的命令与事件排空都经过同一个守卫。
//
// listener（hub）节点运行中继服务，只需要 Bind 与 RunForever；
// dialer（client）节点在 Bind 之后向中继注册，再经中继拨号其他节点：
//
//	node, err := natlink.New(types.RoleDialer, id, natlink.WithRelay("203.0.113.7", 4001))
//	if err != nil {
//	    return err
//	}
//	defer node.Close()
//
//	if err := node.Bind(ctx); err != nil {
//	    return err
//	}
//	if err := node.RegisterWithRelay(ctx, relayAddr); err != nil {
//	    return err
//	}
//	go node.RunForever(ctx)
//	_, err = node.Connect(peer)
type Node struct {
	role     types.Role
	cfg      *config.Config
	table    session.Table
	interval time.Duration

	// 由 attach 设置
	id     types.PeerID
	guard  *session.Guard
	dialer *session.PeerDialer

	// Fx 注入
	app           *fx.App
	swarm         *swarm.Swarm
	collector     *metrics.Collector
	metricsServer *metrics.Server
	relayServer   *server.Server
	relayClient   *client.Client
	natService    *nat.Service
	holePunch     *holepunch.Service

	mu      sync.Mutex
	binding *session.RelayBinding
	started bool
	closed  bool
}

// New 创建节点
//
// ident 为 nil 时按配置中的 identity.key_file 加载或生成身份。
// 返回的节点尚未启动，Bind 或 Start 会启动内部服务。
func New(role types.Role, ident *identity.Identity, opts ...Option) (*Node, error) {
	if !role.IsValid() {
		return nil, fmt.Errorf("%w: %d", types.ErrInvalidRole, role)
	}

	o := newOptions()
	for _, opt := range opts {
		if err := opt(o); err != nil {
			return nil, fmt.Errorf("apply option: %w", err)
		}
	}

	cfg := o.toConfig(role)
	n := newNode(role, cfg)

	app, err := buildFxApp(cfg, ident, o.userFxOptions, n)
	if err != nil {
		return nil, fmt.Errorf("build node: %w", err)
	}
	n.app = app

	log.Info("节点已创建", "peer", n.id.ShortString(), "role", role)
	return n, nil
}

// newNode 创建未绑定端点的节点
func newNode(role types.Role, cfg *config.Config) *Node {
	return &Node{
		role:     role,
		cfg:      cfg,
		table:    session.DefaultTable(),
		interval: cfg.Pump.Interval.Duration(),
	}
}

// attach 绑定端点并注册拨号协调器
func (n *Node) attach(id types.PeerID, ep interfaces.Endpoint) {
	n.id = id
	n.guard = session.NewGuard(ep)
	n.dialer = session.NewPeerDialer(id)
	n.guard.Observe(n.dialer.Observe)
}

// ════════════════════════════════════════════════════════════════════════════
//                              访问器
// ════════════════════════════════════════════════════════════════════════════

// ID 返回本节点 ID
func (n *Node) ID() types.PeerID {
	return n.id
}

// Role 返回本节点角色
func (n *Node) Role() types.Role {
	return n.role
}

// Config 返回节点配置（只读）
func (n *Node) Config() *config.Config {
	return n.cfg
}

// Binding 返回当前中继绑定
func (n *Node) Binding() (session.RelayBinding, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.binding == nil {
		return session.RelayBinding{}, false
	}
	return *n.binding, true
}

func (n *Node) currentBinding() *session.RelayBinding {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.binding
}

// Collector 返回事件指标收集器
func (n *Node) Collector() *metrics.Collector {
	return n.collector
}

// MetricsAddr 返回指标服务实际监听地址，未启用时为空
func (n *Node) MetricsAddr() string {
	if n.metricsServer == nil {
		return ""
	}
	return n.metricsServer.Addr()
}

// ════════════════════════════════════════════════════════════════════════════
//                              生命周期
// ════════════════════════════════════════════════════════════════════════════

// Start 启动内部服务（中继服务/客户端、系统协议、探测、指标）
//
// 重复调用无副作用。
func (n *Node) Start(ctx context.Context) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.closed {
		return ErrNodeClosed
	}
	if n.started || n.app == nil {
		return nil
	}

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, startTimeout)
		defer cancel()
	}
	if err := n.app.Start(ctx); err != nil {
		return fmt.Errorf("start node: %w", err)
	}
	n.started = true
	log.Debug("节点服务已启动", "peer", n.id.ShortString())
	return nil
}

// Bind 在配置的地址上监听
//
// 等待首个 EvtListenAddrBound，最长 bind_timeout；超时不视为错误，
// 监听失败会以 EvtListenError 经事件泵送达。
func (n *Node) Bind(ctx context.Context) error {
	if err := n.Start(ctx); err != nil {
		return err
	}

	addr := n.cfg.ListenAddr()
	bound := make(chan ma.Multiaddr, 1)
	remove := n.guard.Observe(func(ev types.Event, _ session.Class) {
		if e, ok := ev.(types.EvtListenAddrBound); ok {
			select {
			case bound <- e.Addr:
			default:
			}
		}
	})
	defer remove()

	if err := n.guard.Do(func(ep interfaces.Endpoint) error { return ep.Listen(addr) }); err != nil {
		return fmt.Errorf("listen on %s: %w", addr, err)
	}

	clk := n.guard.Clock()
	deadline := clk.Now().Add(n.cfg.BindTimeout.Duration())
	for {
		select {
		case a := <-bound:
			log.Info("本地地址", "addr", a, "peer", n.id.String())
			return nil
		default:
		}
		if !clk.Now().Before(deadline) {
			log.Warn("等待监听地址超时", "addr", addr, "timeout", n.cfg.BindTimeout)
			return nil
		}
		if err := n.guard.Pump(ctx, n.interval, n.table); err != nil {
			return err
		}
	}
}

// RunForever 持续排空事件，直到 ctx 结束或遇到致命事件
//
// 致命事件返回 *FatalEventError。
func (n *Node) RunForever(ctx context.Context) error {
	if err := n.Start(ctx); err != nil {
		return err
	}
	for {
		if err := n.guard.Pump(ctx, n.interval, n.table); err != nil {
			var fatal *FatalEventError
			if errors.As(err, &fatal) {
				log.Error("事件泵终止", "err", err)
			}
			return err
		}
		runtime.Gosched()
	}
}

// Close 关闭节点，停止所有服务并关闭端点
func (n *Node) Close() error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.closed {
		return nil
	}
	n.closed = true

	if n.started && n.app != nil {
		ctx, cancel := context.WithTimeout(context.Background(), stopTimeout)
		defer cancel()
		if err := n.app.Stop(ctx); err != nil {
			return fmt.Errorf("stop node: %w", err)
		}
	} else if n.swarm != nil {
		if err := n.swarm.Close(); err != nil {
			return err
		}
	}
	log.Info("节点已关闭", "peer", n.id.ShortString())
	return nil
}

// ════════════════════════════════════════════════════════════════════════════
//                              中继与拨号
// ════════════════════════════════════════════════════════════════════════════

// RegisterWithRelay 向中继注册（仅 dialer）
//
// 完成双向地址交换后在中继电路上监听，并保存绑定。
// relay.timeout 非零时作为握手超时；之后自动连接配置中的 peers。
func (n *Node) RegisterWithRelay(ctx context.Context, relayAddr ma.Multiaddr) error {
	if n.role != types.RoleDialer {
		return fmt.Errorf("%w: register with relay as %s", ErrWrongRole, n.role)
	}
	if err := n.Start(ctx); err != nil {
		return err
	}

	if t := n.cfg.Relay.Timeout.Duration(); t > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t)
		defer cancel()
	}

	b, err := session.Establish(ctx, n.guard, relayAddr, session.EstablishOptions{
		Role:     n.role,
		Interval: n.interval,
		Table:    n.table,
	})
	if err != nil {
		return err
	}

	n.mu.Lock()
	n.binding = &b
	n.mu.Unlock()

	n.connectPeers()
	return nil
}

// connectPeers 连接配置中的节点，失败只记录
func (n *Node) connectPeers() {
	for _, s := range n.cfg.Peers {
		peer := types.PeerID(s)
		if peer == n.id {
			continue
		}
		if _, err := n.Connect(peer); err != nil {
			log.Warn("自动连接失败", "peer", peer.ShortString(), "err", err)
		}
	}
}

// Dial 经中继拨号 peer（仅 dialer）
//
// 只校验并发起，结果以 EvtConnectionEstablished 或 EvtDialError 送达。
func (n *Node) Dial(peer types.PeerID) error {
	if n.role != types.RoleDialer {
		return fmt.Errorf("%w: dial as %s", ErrWrongRole, n.role)
	}
	return n.dialer.DialViaRelay(n.guard, n.currentBinding(), peer)
}

// Connect 按 PeerID 决定是否发起拨号（仅 dialer）
//
// 返回 true 表示本端已发起；false 表示等待对端经中继发起。
func (n *Node) Connect(peer types.PeerID) (bool, error) {
	if n.role != types.RoleDialer {
		return false, fmt.Errorf("%w: connect as %s", ErrWrongRole, n.role)
	}
	return n.dialer.Connect(n.guard, n.currentBinding(), peer)
}

// ════════════════════════════════════════════════════════════════════════════
//                              状态
// ════════════════════════════════════════════════════════════════════════════

// Status 节点状态快照
type Status struct {
	ID            types.PeerID
	Role          types.Role
	ListenAddrs   []ma.Multiaddr
	ExternalAddrs []ma.Multiaddr
	Peers         []types.PeerID

	// Registered 是否已完成中继注册；Relay 仅在为 true 时有效
	Registered bool
	Relay      session.RelayBinding

	// Reachability 可达性（仅 dialer）
	Reachability string

	// HolePunch 是否启用打洞
	HolePunch bool

	// Reservations listener 为中继服务当前预留数，dialer 为持有的预留数
	Reservations int
}

// Status 返回节点状态快照
func (n *Node) Status() Status {
	s := Status{ID: n.id, Role: n.role}
	_ = n.guard.Do(func(ep interfaces.Endpoint) error {
		s.ListenAddrs = ep.ListenAddrs()
		return nil
	})
	s.Relay, s.Registered = n.Binding()

	if n.swarm != nil {
		s.ExternalAddrs = n.swarm.ExternalAddrs()
		s.Peers = n.swarm.Peers()
	}
	if n.natService != nil {
		s.Reachability = n.natService.Reachability().String()
	}
	s.HolePunch = n.holePunch != nil
	if n.relayServer != nil {
		s.Reservations = n.relayServer.Reservations()
	}
	if n.relayClient != nil {
		s.Reservations = len(n.relayClient.Reservations())
	}
	return s
}
