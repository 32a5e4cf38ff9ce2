package swarm

import (
	"context"
	"fmt"

	ma "github.com/multiformats/go-multiaddr"

	"github.com/dep2p/go-natlink/internal/util/addrutil"
	"github.com/dep2p/go-natlink/pkg/interfaces"
	"github.com/dep2p/go-natlink/pkg/types"
)

// Dial 发起出站连接
//
// 地址必须以 /p2p/<PeerID> 结尾。同步只做校验，每次调用都建立新连接，
// 结果以 EvtConnectionEstablished 或 EvtDialError 送达。
func (s *Swarm) Dial(addr ma.Multiaddr) error {
	peer, err := s.checkDialAddr(addr)
	if err != nil {
		return err
	}

	s.mu.Lock()
	if s.closed.Load() {
		s.mu.Unlock()
		return ErrSwarmClosed
	}
	s.wg.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.wg.Done()
		_, _ = s.dialAddr(s.ctx, peer, addr)
	}()
	return nil
}

// Connect 同步拨号，已有匹配的连接时直接返回
//
// 中继地址复用任意已有连接，直连地址只复用直连连接。
func (s *Swarm) Connect(ctx context.Context, addr ma.Multiaddr) (interfaces.Conn, error) {
	peer, err := s.checkDialAddr(addr)
	if err != nil {
		return nil, err
	}
	if c := s.bestConn(peer); c != nil && (!c.relayed || addrutil.IsRelayAddr(addr)) {
		return c, nil
	}
	c, err := s.dialAddr(ctx, peer, addr)
	if err != nil {
		return nil, err
	}
	return c, nil
}

// checkDialAddr 校验拨号地址并返回目标节点
func (s *Swarm) checkDialAddr(addr ma.Multiaddr) (types.PeerID, error) {
	if s.closed.Load() {
		return "", ErrSwarmClosed
	}
	peer, transportAddr, err := addrutil.ParseFullAddr(addr)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidAddr, err)
	}
	if peer == s.ID() {
		return "", ErrDialToSelf
	}

	if addrutil.IsRelayAddr(addr) {
		if s.circuitTransport() == nil {
			return "", ErrNoCircuitTransport
		}
		if _, _, _, err := addrutil.ParseRelayAddr(addr); err != nil {
			return "", fmt.Errorf("%w: %v", ErrInvalidAddr, err)
		}
		return peer, nil
	}
	if !s.tcp.CanDial(transportAddr) {
		return "", fmt.Errorf("%w: %s", ErrNoTransport, transportAddr)
	}
	return peer, nil
}

// dialAddr 拨号并发布 EvtDialing / EvtDialError
func (s *Swarm) dialAddr(ctx context.Context, peer types.PeerID, addr ma.Multiaddr) (*Conn, error) {
	log.Debug("开始拨号", "peer", peer.ShortString(), "addr", addr)
	s.events.push(types.EvtDialing{Peer: peer, Addr: addr})

	var (
		c   *Conn
		err error
	)
	if addrutil.IsRelayAddr(addr) {
		c, err = s.dialCircuit(ctx, addr)
	} else {
		c, err = s.dialDirect(ctx, peer, addrutil.StripPeerID(addr), nil)
	}
	if err != nil {
		if s.closed.Load() {
			return nil, ErrSwarmClosed
		}
		log.Debug("拨号失败", "peer", peer.ShortString(), "addr", addr, "err", err)
		s.events.push(types.EvtDialError{Peer: peer, Addr: addr, Err: err})
		return nil, err
	}
	return c, nil
}

// dialDirect TCP 拨号并升级
//
// initiator 为 nil 时按出站方向升级，否则使用端口复用并以指定角色升级。
func (s *Swarm) dialDirect(ctx context.Context, peer types.PeerID, raddr ma.Multiaddr, initiator *bool) (*Conn, error) {
	dctx, cancel := context.WithTimeout(ctx, s.config.DialTimeout)
	defer cancel()

	dial := s.tcp.Dial
	if initiator != nil {
		dial = s.tcp.DialReuse
	}
	mc, err := dial(dctx, raddr)
	if err != nil {
		return nil, err
	}

	uctx, ucancel := context.WithTimeout(ctx, s.config.UpgradeTimeout)
	defer ucancel()

	if initiator == nil {
		uc, err := s.upgrader.Upgrade(uctx, mc, types.DirOutbound, peer)
		if err != nil {
			return nil, err
		}
		return s.addConn(uc, types.DirOutbound, mc.LocalMultiaddr(), mc.RemoteMultiaddr(), false)
	}
	uc, err := s.upgrader.UpgradeAs(uctx, mc, peer, *initiator)
	if err != nil {
		return nil, err
	}
	return s.addConn(uc, types.DirOutbound, mc.LocalMultiaddr(), mc.RemoteMultiaddr(), false)
}

// dialCircuit 经中继拨号并在电路上升级
func (s *Swarm) dialCircuit(ctx context.Context, addr ma.Multiaddr) (*Conn, error) {
	ct := s.circuitTransport()
	if ct == nil {
		return nil, ErrNoCircuitTransport
	}
	relayAddr, _, target, err := addrutil.ParseRelayAddr(addr)
	if err != nil {
		return nil, err
	}

	dctx, cancel := context.WithTimeout(ctx, s.config.DialTimeout)
	defer cancel()
	raw, err := ct.DialCircuit(dctx, relayAddr, target)
	if err != nil {
		return nil, err
	}

	uctx, ucancel := context.WithTimeout(ctx, s.config.UpgradeTimeout)
	defer ucancel()
	uc, err := s.upgrader.Upgrade(uctx, raw, types.DirOutbound, target)
	if err != nil {
		return nil, err
	}
	circuit := addrutil.CircuitListenAddr(relayAddr)
	return s.addConn(uc, types.DirOutbound, circuit, circuit, true)
}

// DialDirect 从监听端口直连对端（打洞）
//
// 不发布 EvtDialing / EvtDialError，打洞结果由调用方以 EvtHolePunch 报告。
func (s *Swarm) DialDirect(ctx context.Context, peer types.PeerID, addr ma.Multiaddr, initiator bool) (interfaces.Conn, error) {
	if s.closed.Load() {
		return nil, ErrSwarmClosed
	}
	raddr := addrutil.StripPeerID(addr)
	if !s.tcp.CanDial(raddr) {
		return nil, fmt.Errorf("%w: %s", ErrNoTransport, raddr)
	}
	c, err := s.dialDirect(ctx, peer, raddr, &initiator)
	if err != nil {
		return nil, err
	}
	return c, nil
}
