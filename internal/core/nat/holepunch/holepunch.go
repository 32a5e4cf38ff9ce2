package holepunch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	ma "github.com/multiformats/go-multiaddr"

	"github.com/dep2p/go-natlink/internal/core/relay/pb"
	"github.com/dep2p/go-natlink/internal/util/addrutil"
	"github.com/dep2p/go-natlink/internal/util/logger"
	"github.com/dep2p/go-natlink/pkg/interfaces"
	"github.com/dep2p/go-natlink/pkg/protocol"
	"github.com/dep2p/go-natlink/pkg/types"
)

var log = logger.Logger("nat.holepunch")

// ProtocolID 打洞协调协议
const ProtocolID = protocol.HolePunch

const (
	// StreamTimeout 协调流超时
	StreamTimeout = time.Minute

	// DialTimeout 单轮直连拨号超时
	DialTimeout = 5 * time.Second

	// MaxAttempts 发起方最大尝试轮数
	MaxAttempts = 3

	// MaxAddrs 单条消息中的最大地址数
	MaxAddrs = 16

	// minResponderDelay 响应方在 SYNC 后至少等待的时间
	minResponderDelay = 100 * time.Millisecond
)

// 打洞错误
var (
	ErrNoAddrs       = errors.New("holepunch: no dialable addresses")
	ErrInProgress    = errors.New("holepunch: already in progress")
	ErrClosed        = errors.New("holepunch: service closed")
	ErrUnexpectedMsg = errors.New("holepunch: unexpected message")
)

// Service 打洞服务
type Service struct {
	host  interfaces.Host
	clock clock.Clock

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	active  map[types.PeerID]struct{}
	started bool
	closed  bool
}

// NewService 创建打洞服务
func NewService(host interfaces.Host) *Service {
	return newService(host, clock.New())
}

func newService(host interfaces.Host, clk clock.Clock) *Service {
	ctx, cancel := context.WithCancel(context.Background())
	return &Service{
		host:   host,
		clock:  clk,
		ctx:    ctx,
		cancel: cancel,
		active: make(map[types.PeerID]struct{}),
	}
}

// Start 注册协议处理器并监听新连接
func (s *Service) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started || s.closed {
		return
	}
	s.started = true

	s.host.SetStreamHandler(ProtocolID, s.handleStream)
	s.host.Notify(s)
}

// Close 停止服务并等待进行中的打洞结束
func (s *Service) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	started := s.started
	s.mu.Unlock()

	if started {
		s.host.StopNotify(s)
		s.host.RemoveStreamHandler(ProtocolID)
	}
	s.cancel()
	s.wg.Wait()
	return nil
}

// spawn 在服务生命周期内运行 fn
func (s *Service) spawn(fn func()) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		fn()
	}()
	return true
}

// Connected 入站中继连接触发打洞
func (s *Service) Connected(conn interfaces.Conn) {
	if !conn.Relayed() || conn.Direction() != types.DirInbound {
		return
	}
	peer := conn.RemotePeer()
	s.spawn(func() {
		if err := s.DirectConnect(s.ctx, peer); err != nil && !errors.Is(err, ErrInProgress) {
			log.Debug("打洞失败", "peer", peer.ShortString(), "err", err)
		}
	})
}

// Disconnected 实现 interfaces.Notifiee
func (s *Service) Disconnected(interfaces.Conn) {}

func (s *Service) begin(peer types.PeerID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.active[peer]; ok {
		return false
	}
	s.active[peer] = struct{}{}
	return true
}

func (s *Service) end(peer types.PeerID) {
	s.mu.Lock()
	delete(s.active, peer)
	s.mu.Unlock()
}

// ============================================================================
//                              发起方
// ============================================================================

// DirectConnect 经已有中继连接协调，建立到 peer 的直连
//
// 已有直连时立即返回 nil。
func (s *Service) DirectConnect(ctx context.Context, peer types.PeerID) error {
	if s.directConn(peer) != nil {
		return nil
	}
	if !s.begin(peer) {
		return ErrInProgress
	}
	defer s.end(peer)

	log.Info("开始打洞", "peer", peer.ShortString())
	s.host.Emit(types.EvtHolePunch{Peer: peer, Outcome: types.HolePunchStarted})

	var err error
	for attempt := 1; attempt <= MaxAttempts; attempt++ {
		var addr ma.Multiaddr
		addr, err = s.initiate(ctx, peer)
		if err == nil {
			log.Info("打洞成功", "peer", peer.ShortString(), "addr", addr, "attempt", attempt)
			s.host.Emit(types.EvtHolePunch{Peer: peer, Outcome: types.HolePunchSucceeded, Addr: addr})
			return nil
		}
		if ctx.Err() != nil || errors.Is(err, ErrNoAddrs) {
			break
		}
		log.Debug("打洞尝试失败", "peer", peer.ShortString(), "attempt", attempt, "err", err)
	}

	log.Info("打洞失败，保留中继连接", "peer", peer.ShortString(), "err", err)
	s.host.Emit(types.EvtHolePunch{Peer: peer, Outcome: types.HolePunchFailed, Err: err})
	return err
}

// initiate 执行一轮 CONNECT / SYNC 并拨号
func (s *Service) initiate(ctx context.Context, peer types.PeerID) (ma.Multiaddr, error) {
	st, err := s.host.NewStream(ctx, peer, ProtocolID)
	if err != nil {
		return nil, fmt.Errorf("open stream: %w", err)
	}
	defer st.Close()
	_ = st.SetDeadline(time.Now().Add(StreamTimeout))

	if err := pb.WriteMsg(st, &Message{Type: MsgConnect, ObsAddrs: s.localAddrs()}); err != nil {
		return nil, fmt.Errorf("send connect: %w", err)
	}
	start := s.clock.Now()

	var resp Message
	if err := pb.ReadMsg(st, &resp); err != nil {
		return nil, fmt.Errorf("read connect: %w", err)
	}
	if resp.Type != MsgConnect {
		return nil, fmt.Errorf("%w: %s", ErrUnexpectedMsg, resp.Type)
	}
	rtt := s.clock.Since(start)

	addrs := filterAddrs(resp.ObsAddrs)
	if len(addrs) == 0 {
		return nil, ErrNoAddrs
	}

	if err := pb.WriteMsg(st, &Message{Type: MsgSync}); err != nil {
		return nil, fmt.Errorf("send sync: %w", err)
	}

	timer := s.clock.Timer(rtt / 2)
	select {
	case <-ctx.Done():
		timer.Stop()
		return nil, ctx.Err()
	case <-timer.C:
	}

	return s.dialAll(ctx, peer, addrs, true)
}

// ============================================================================
//                              响应方
// ============================================================================

// handleStream 响应打洞协调
func (s *Service) handleStream(st interfaces.Stream) {
	defer st.Close()
	peer := st.Conn().RemotePeer()
	_ = st.SetDeadline(time.Now().Add(StreamTimeout))

	var req Message
	if err := pb.ReadMsg(st, &req); err != nil {
		log.Debug("读取 CONNECT 失败", "peer", peer.ShortString(), "err", err)
		return
	}
	if req.Type != MsgConnect {
		log.Debug("期望 CONNECT", "peer", peer.ShortString(), "type", req.Type)
		return
	}
	if err := pb.WriteMsg(st, &Message{Type: MsgConnect, ObsAddrs: s.localAddrs()}); err != nil {
		log.Debug("发送 CONNECT 失败", "peer", peer.ShortString(), "err", err)
		return
	}
	start := s.clock.Now()

	var syncMsg Message
	if err := pb.ReadMsg(st, &syncMsg); err != nil {
		log.Debug("读取 SYNC 失败", "peer", peer.ShortString(), "err", err)
		return
	}
	if syncMsg.Type != MsgSync {
		log.Debug("期望 SYNC", "peer", peer.ShortString(), "type", syncMsg.Type)
		return
	}
	rtt := s.clock.Since(start)

	if !s.begin(peer) {
		return
	}
	defer s.end(peer)

	addrs := filterAddrs(req.ObsAddrs)
	s.host.Emit(types.EvtHolePunch{Peer: peer, Outcome: types.HolePunchStarted})

	addr, err := s.respond(peer, addrs, rtt)
	if err != nil {
		log.Info("打洞失败（响应方）", "peer", peer.ShortString(), "err", err)
		s.host.Emit(types.EvtHolePunch{Peer: peer, Outcome: types.HolePunchFailed, Err: err})
		return
	}
	log.Info("打洞成功（响应方）", "peer", peer.ShortString(), "addr", addr)
	s.host.Emit(types.EvtHolePunch{Peer: peer, Outcome: types.HolePunchSucceeded, Addr: addr})
}

// respond 等待发起方拨号，仍无直连时从本端拨号
//
// 发起方在 SYNC 后 RTT/2 拨号；响应方至少再等一个 RTT，
// 期间到达的直连即为结果，否则本端拨号打开 NAT 映射。
func (s *Service) respond(peer types.PeerID, addrs []ma.Multiaddr, rtt time.Duration) (ma.Multiaddr, error) {
	delay := rtt
	if delay < minResponderDelay {
		delay = minResponderDelay
	}
	timer := s.clock.Timer(delay)
	select {
	case <-s.ctx.Done():
		timer.Stop()
		return nil, ErrClosed
	case <-timer.C:
	}

	if c := s.directConn(peer); c != nil {
		return c.RemoteMultiaddr(), nil
	}
	if len(addrs) == 0 {
		return nil, ErrNoAddrs
	}
	return s.dialAll(s.ctx, peer, addrs, false)
}

// ============================================================================
//                              拨号与地址
// ============================================================================

// dialAll 依次直连各地址，任一成功即返回
func (s *Service) dialAll(ctx context.Context, peer types.PeerID, addrs []ma.Multiaddr, initiator bool) (ma.Multiaddr, error) {
	dctx, cancel := context.WithTimeout(ctx, DialTimeout)
	defer cancel()

	var lastErr error
	for _, a := range addrs {
		if c := s.directConn(peer); c != nil {
			return c.RemoteMultiaddr(), nil
		}
		c, err := s.host.DialDirect(dctx, peer, a, initiator)
		if err == nil {
			return c.RemoteMultiaddr(), nil
		}
		log.Debug("直连拨号失败", "peer", peer.ShortString(), "addr", a, "initiator", initiator, "err", err)
		lastErr = err
		if dctx.Err() != nil {
			break
		}
	}

	// 对端的拨号可能先到达
	if c := s.directConn(peer); c != nil {
		return c.RemoteMultiaddr(), nil
	}
	return nil, lastErr
}

// directConn 返回到 peer 的一条直连
func (s *Service) directConn(peer types.PeerID) interfaces.Conn {
	for _, c := range s.host.ConnsToPeer(peer) {
		if !c.Relayed() && !c.IsClosed() {
			return c
		}
	}
	return nil
}

// localAddrs 返回向对端公布的直连候选地址，外部地址在前
func (s *Service) localAddrs() []ma.Multiaddr {
	return filterAddrs(append(s.host.ExternalAddrs(), s.host.ListenAddrs()...))
}

// filterAddrs 保留可直连的 TCP 地址，去重并截断
func filterAddrs(in []ma.Multiaddr) []ma.Multiaddr {
	seen := make(map[string]struct{}, len(in))
	out := make([]ma.Multiaddr, 0, len(in))
	for _, a := range in {
		if a == nil || addrutil.IsRelayAddr(a) || addrutil.IsUnspecifiedAddr(a) {
			continue
		}
		if _, ok := addrutil.TCPPort(a); !ok {
			continue
		}
		a = addrutil.StripPeerID(a)
		key := a.String()
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, a)
		if len(out) == MaxAddrs {
			break
		}
	}
	return out
}
