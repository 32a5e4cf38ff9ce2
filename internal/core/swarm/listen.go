package swarm

import (
	"context"
	"fmt"
	"net"

	ma "github.com/multiformats/go-multiaddr"
	manet "github.com/multiformats/go-multiaddr/net"

	"github.com/dep2p/go-natlink/internal/core/transport/tcp"
	"github.com/dep2p/go-natlink/internal/util/addrutil"
	"github.com/dep2p/go-natlink/pkg/interfaces"
	"github.com/dep2p/go-natlink/pkg/types"
)

// Listen 开始在 addr 上接受入站连接
//
// TCP 地址同步绑定，绑定失败直接返回错误；/p2p-circuit 地址异步预留，
// 结果以 EvtListenAddrBound 或 EvtListenError 送达。
func (s *Swarm) Listen(addr ma.Multiaddr) error {
	if s.closed.Load() {
		return ErrSwarmClosed
	}
	if addr == nil {
		return fmt.Errorf("%w: nil", ErrInvalidAddr)
	}
	if addrutil.IsRelayAddr(addr) {
		return s.listenCircuit(addr)
	}

	l, err := s.tcp.Listen(addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}
	bound := expandListenAddr(l.Multiaddr())

	s.mu.Lock()
	if s.closed.Load() {
		s.mu.Unlock()
		_ = l.Close()
		return ErrSwarmClosed
	}
	s.listeners[l] = bound
	s.wg.Add(1)
	s.mu.Unlock()

	for _, a := range bound {
		log.Info("监听地址已绑定", "addr", a)
		s.events.push(types.EvtListenAddrBound{Addr: a})
	}

	go s.acceptLoop(l)
	return nil
}

// expandListenAddr 将通配地址展开为各接口地址
func expandListenAddr(laddr ma.Multiaddr) []ma.Multiaddr {
	if !addrutil.IsUnspecifiedAddr(laddr) {
		return []ma.Multiaddr{laddr}
	}
	ifaces, err := manet.InterfaceMultiaddrs()
	if err != nil {
		log.Warn("获取接口地址失败", "err", err)
		return []ma.Multiaddr{laddr}
	}
	resolved, err := manet.ResolveUnspecifiedAddress(laddr, ifaces)
	if err != nil || len(resolved) == 0 {
		return []ma.Multiaddr{laddr}
	}
	return resolved
}

// acceptLoop 接受入站连接直到监听器关闭
func (s *Swarm) acceptLoop(l *tcp.Listener) {
	defer s.wg.Done()

	for {
		mc, err := l.Accept()
		if err != nil {
			var closeErr error
			if !l.IsClosed() && !s.closed.Load() {
				closeErr = err
				_ = l.Close()
			}

			s.mu.Lock()
			addrs := s.listeners[l]
			delete(s.listeners, l)
			s.mu.Unlock()

			log.Debug("监听器关闭", "addr", l.Multiaddr(), "err", closeErr)
			s.events.push(types.EvtListenerClosed{Addrs: addrs, Err: closeErr})
			return
		}

		s.wg.Add(1)
		go s.handleInbound(mc)
	}
}

// handleInbound 升级入站连接
func (s *Swarm) handleInbound(mc manet.Conn) {
	defer s.wg.Done()

	ctx, cancel := context.WithTimeout(s.ctx, s.config.UpgradeTimeout)
	defer cancel()

	uc, err := s.upgrader.Upgrade(ctx, mc, types.DirInbound, "")
	if err != nil {
		log.Debug("入站连接升级失败", "remote", mc.RemoteMultiaddr(), "err", err)
		s.events.push(types.EvtIncomingConnectionError{
			LocalAddr:  mc.LocalMultiaddr(),
			RemoteAddr: mc.RemoteMultiaddr(),
			Err:        err,
		})
		return
	}
	_, _ = s.addConn(uc, types.DirInbound, mc.LocalMultiaddr(), mc.RemoteMultiaddr(), false)
}

// ============================================================================
//                              中继监听
// ============================================================================

// listenCircuit 通过中继预留监听
func (s *Swarm) listenCircuit(addr ma.Multiaddr) error {
	ct := s.circuitTransport()
	if ct == nil {
		return ErrNoCircuitTransport
	}
	relayAddr, _, target, err := addrutil.ParseRelayAddr(addr)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidAddr, err)
	}
	if !target.IsEmpty() {
		return fmt.Errorf("%w: circuit listen address must end with /p2p-circuit", ErrInvalidAddr)
	}

	listenAddr := addrutil.CircuitListenAddr(relayAddr)
	key := listenAddr.String()

	s.mu.Lock()
	if s.closed.Load() {
		s.mu.Unlock()
		return ErrSwarmClosed
	}
	// 同一中继只保持一个预留
	if _, ok := s.circuits[key]; ok {
		s.mu.Unlock()
		log.Debug("中继监听地址已绑定", "addr", listenAddr)
		s.events.push(types.EvtListenAddrBound{Addr: listenAddr})
		return nil
	}
	if _, ok := s.reserving[key]; ok {
		s.mu.Unlock()
		return nil
	}
	s.reserving[key] = struct{}{}
	s.wg.Add(1)
	s.mu.Unlock()

	go s.reserve(ct, relayAddr, listenAddr)
	return nil
}

// reserve 保持中继预留，预留丢失时发布监听错误并关闭该监听地址
func (s *Swarm) reserve(ct interfaces.CircuitTransport, relayAddr, listenAddr ma.Multiaddr) {
	defer s.wg.Done()

	key := listenAddr.String()
	lost, err := ct.Reserve(s.ctx, relayAddr)
	if err != nil {
		s.mu.Lock()
		delete(s.reserving, key)
		s.mu.Unlock()

		if s.closed.Load() {
			return
		}
		log.Warn("中继预留失败", "relay", relayAddr, "err", err)
		s.events.push(types.EvtListenError{Addr: listenAddr, Err: err})
		return
	}

	s.mu.Lock()
	delete(s.reserving, key)
	s.circuits[key] = listenAddr
	s.mu.Unlock()

	log.Info("中继监听地址已绑定", "addr", listenAddr)
	s.events.push(types.EvtListenAddrBound{Addr: listenAddr})

	var lostErr error
	select {
	case lostErr = <-lost:
	case <-s.ctx.Done():
	}

	s.mu.Lock()
	delete(s.circuits, key)
	s.mu.Unlock()

	if s.closed.Load() {
		return
	}
	if lostErr != nil {
		log.Warn("中继预留丢失", "relay", relayAddr, "err", lostErr)
		s.events.push(types.EvtListenError{Addr: listenAddr, Err: lostErr})
	}
	s.events.push(types.EvtListenerClosed{Addrs: []ma.Multiaddr{listenAddr}, Err: lostErr})
}

// AcceptCircuit 接收经中继到达的入站电路
func (s *Swarm) AcceptCircuit(raw net.Conn, relayAddr ma.Multiaddr, src types.PeerID) {
	s.mu.Lock()
	if s.closed.Load() {
		s.mu.Unlock()
		_ = raw.Close()
		return
	}
	s.wg.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.wg.Done()

		circuit := addrutil.CircuitListenAddr(relayAddr)
		ctx, cancel := context.WithTimeout(s.ctx, s.config.UpgradeTimeout)
		defer cancel()

		uc, err := s.upgrader.UpgradeAs(ctx, raw, src, false)
		if err != nil {
			log.Debug("入站电路升级失败", "src", src.ShortString(), "err", err)
			s.events.push(types.EvtIncomingConnectionError{
				LocalAddr:  circuit,
				RemoteAddr: addrutil.CircuitAddr(relayAddr, src),
				Err:        err,
			})
			return
		}
		_, _ = s.addConn(uc, types.DirInbound, circuit, circuit, true)
	}()
}
