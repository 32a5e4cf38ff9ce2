package swarm

import (
	"crypto/ed25519"
	"errors"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	ma "github.com/multiformats/go-multiaddr"

	"github.com/dep2p/go-natlink/internal/core/muxer"
	"github.com/dep2p/go-natlink/internal/core/upgrader"
	"github.com/dep2p/go-natlink/pkg/interfaces"
	"github.com/dep2p/go-natlink/pkg/types"
)

var _ interfaces.Conn = (*Conn)(nil)

// Conn Swarm 连接封装
type Conn struct {
	swarm *Swarm
	uc    *upgrader.Conn

	id      string
	dir     types.Direction
	relayed bool
	local   ma.Multiaddr
	remote  ma.Multiaddr
	opened  time.Time

	closedLocally atomic.Bool
}

// ID 连接唯一标识
func (c *Conn) ID() string { return c.id }

// LocalPeer 本地节点 ID
func (c *Conn) LocalPeer() types.PeerID { return c.uc.LocalPeer() }

// RemotePeer 远端节点 ID
func (c *Conn) RemotePeer() types.PeerID { return c.uc.RemotePeer() }

// RemotePublicKey 远端身份公钥
func (c *Conn) RemotePublicKey() ed25519.PublicKey { return c.uc.RemotePublicKey() }

// LocalMultiaddr 本地地址
func (c *Conn) LocalMultiaddr() ma.Multiaddr { return c.local }

// RemoteMultiaddr 远端地址（中继连接为 relay/p2p-circuit）
func (c *Conn) RemoteMultiaddr() ma.Multiaddr { return c.remote }

// Direction 连接方向
func (c *Conn) Direction() types.Direction { return c.dir }

// Relayed 是否经中继
func (c *Conn) Relayed() bool { return c.relayed }

// Opened 建立时间
func (c *Conn) Opened() time.Time { return c.opened }

// Close 关闭连接
func (c *Conn) Close() error {
	c.closedLocally.Store(true)
	return c.uc.Close()
}

// IsClosed 是否已关闭
func (c *Conn) IsClosed() bool { return c.uc.IsClosed() }

// ============================================================================
//                              连接表
// ============================================================================

// addConn 登记已升级的连接并发布 EvtConnectionEstablished
func (s *Swarm) addConn(uc *upgrader.Conn, dir types.Direction, local, remote ma.Multiaddr, relayed bool) (*Conn, error) {
	c := &Conn{
		swarm:   s,
		uc:      uc,
		id:      uuid.NewString(),
		dir:     dir,
		relayed: relayed,
		local:   local,
		remote:  remote,
		opened:  time.Now(),
	}
	peer := uc.RemotePeer()

	s.mu.Lock()
	if s.closed.Load() {
		s.mu.Unlock()
		_ = uc.Close()
		return nil, ErrSwarmClosed
	}
	s.conns[peer] = append(s.conns[peer], c)
	s.wg.Add(1)
	s.mu.Unlock()

	log.Info("连接建立",
		"peer", peer.ShortString(),
		"addr", remote,
		"direction", dir,
		"relayed", relayed)
	s.events.push(types.EvtConnectionEstablished{Peer: peer, Addr: remote, Direction: dir, Relayed: relayed})

	go s.streamLoop(c)
	s.notifyAll(func(n interfaces.Notifiee) { n.Connected(c) })
	return c, nil
}

// removeConn 移除连接并发布 EvtConnectionClosed
func (s *Swarm) removeConn(c *Conn, cause error) {
	peer := c.RemotePeer()

	s.mu.Lock()
	conns := s.conns[peer]
	for i, existing := range conns {
		if existing == c {
			conns = append(conns[:i], conns[i+1:]...)
			break
		}
	}
	if len(conns) == 0 {
		delete(s.conns, peer)
	} else {
		s.conns[peer] = conns
	}
	s.mu.Unlock()

	_ = c.uc.Close()

	var closeErr error
	if !c.closedLocally.Load() && !errors.Is(cause, muxer.ErrMuxerClosed) {
		closeErr = cause
	}

	log.Info("连接关闭", "peer", peer.ShortString(), "addr", c.remote, "err", closeErr)
	s.events.push(types.EvtConnectionClosed{
		Peer:      peer,
		Addr:      c.remote,
		Direction: c.dir,
		Relayed:   c.relayed,
		Err:       closeErr,
	})
	s.notifyAll(func(n interfaces.Notifiee) { n.Disconnected(c) })
}
