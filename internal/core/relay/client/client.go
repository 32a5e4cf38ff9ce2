package client

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	ma "github.com/multiformats/go-multiaddr"

	"github.com/dep2p/go-natlink/internal/core/relay"
	"github.com/dep2p/go-natlink/internal/core/relay/pb"
	"github.com/dep2p/go-natlink/internal/util/addrutil"
	"github.com/dep2p/go-natlink/internal/util/logger"
	"github.com/dep2p/go-natlink/pkg/interfaces"
	"github.com/dep2p/go-natlink/pkg/protocol"
	"github.com/dep2p/go-natlink/pkg/types"
)

var log = logger.Logger("relay.client")

var _ interfaces.CircuitTransport = (*Client)(nil)

const (
	// DefaultHopTimeout HOP / STOP 消息交换超时
	DefaultHopTimeout = 30 * time.Second

	// minRenewInterval 续租最短间隔
	minRenewInterval = time.Second
)

// ErrAlreadyReserved 已在该中继上持有预留
var ErrAlreadyReserved = errors.New("relay: already reserved on this relay")

// Client 中继客户端
type Client struct {
	host  interfaces.Host
	clock clock.Clock

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu           sync.Mutex
	reservations map[types.PeerID]*reservation
	started      bool
}

// reservation 单个中继上的预留
type reservation struct {
	relay     types.PeerID
	relayAddr ma.Multiaddr

	mu     sync.Mutex
	expiry time.Time

	lost   chan error
	cancel context.CancelFunc
	once   sync.Once
}

// fail 结束预留并送出原因
func (r *reservation) fail(err error) {
	r.once.Do(func() {
		r.cancel()
		r.lost <- err
		close(r.lost)
	})
}

func (r *reservation) expiryTime() time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.expiry
}

// NewClient 创建中继客户端
func NewClient(host interfaces.Host) *Client {
	return newClient(host, clock.New())
}

func newClient(host interfaces.Host, clk clock.Clock) *Client {
	ctx, cancel := context.WithCancel(context.Background())
	return &Client{
		host:         host,
		clock:        clk,
		ctx:          ctx,
		cancel:       cancel,
		reservations: make(map[types.PeerID]*reservation),
	}
}

// Start 注册 STOP 处理器并向 swarm 安装电路传输
func (c *Client) Start() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.started {
		return
	}
	c.started = true

	c.host.SetStreamHandler(protocol.RelayStop, c.handleStop)
	c.host.Notify(c)
	c.host.SetCircuitTransport(c)
}

// Close 释放所有预留
func (c *Client) Close() error {
	c.mu.Lock()
	if !c.started {
		c.mu.Unlock()
		return nil
	}
	c.started = false
	reservations := make([]*reservation, 0, len(c.reservations))
	for _, r := range c.reservations {
		reservations = append(reservations, r)
	}
	c.reservations = make(map[types.PeerID]*reservation)
	c.mu.Unlock()

	c.host.StopNotify(c)
	c.host.RemoveStreamHandler(protocol.RelayStop)
	c.cancel()
	for _, r := range reservations {
		r.fail(relay.ErrClosed)
	}
	c.wg.Wait()
	return nil
}

// Reservations 返回持有预留的中继
func (c *Client) Reservations() []types.PeerID {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]types.PeerID, 0, len(c.reservations))
	for p := range c.reservations {
		out = append(out, p)
	}
	return out
}

// ============================================================================
//                              预留
// ============================================================================

// Reserve 在中继上预留槽位
func (c *Client) Reserve(ctx context.Context, relayAddr ma.Multiaddr) (<-chan error, error) {
	relayPeer, err := relayPeerOf(relayAddr)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	if !c.started {
		c.mu.Unlock()
		return nil, relay.ErrClosed
	}
	if _, ok := c.reservations[relayPeer]; ok {
		c.mu.Unlock()
		return nil, ErrAlreadyReserved
	}
	c.mu.Unlock()

	conn, err := c.host.Connect(ctx, relayAddr)
	if err != nil {
		return nil, fmt.Errorf("connect relay: %w", err)
	}
	if conn.Relayed() {
		return nil, fmt.Errorf("relay %s reachable only through a circuit", relayPeer.ShortString())
	}

	expiry, err := c.reserve(ctx, relayPeer)
	if err != nil {
		return nil, err
	}

	rctx, cancel := context.WithCancel(c.ctx)
	r := &reservation{
		relay:     relayPeer,
		relayAddr: relayAddr,
		expiry:    expiry,
		lost:      make(chan error, 1),
		cancel:    cancel,
	}

	c.mu.Lock()
	if !c.started {
		c.mu.Unlock()
		cancel()
		return nil, relay.ErrClosed
	}
	if _, ok := c.reservations[relayPeer]; ok {
		c.mu.Unlock()
		cancel()
		return nil, ErrAlreadyReserved
	}
	c.reservations[relayPeer] = r
	c.wg.Add(1)
	c.mu.Unlock()

	log.Info("中继预留成功", "relay", relayPeer.ShortString(), "expiry", expiry)
	c.host.Emit(types.EvtReservationAccepted{Relay: relayPeer, Expiry: expiry})

	go c.keep(rctx, r)
	return r.lost, nil
}

// reserve 发送 HOP RESERVE 并返回过期时间
func (c *Client) reserve(ctx context.Context, relayPeer types.PeerID) (time.Time, error) {
	s, err := c.host.NewStream(ctx, relayPeer, protocol.RelayHop)
	if err != nil {
		return time.Time{}, fmt.Errorf("open hop stream: %w", err)
	}
	defer s.Close()
	c.setDeadline(ctx, s)

	if err := pb.WriteMsg(s, &pb.HopMessage{Type: pb.HopReserve}); err != nil {
		return time.Time{}, fmt.Errorf("send reserve: %w", err)
	}

	var msg pb.HopMessage
	if err := pb.ReadMsg(s, &msg); err != nil {
		return time.Time{}, fmt.Errorf("read reserve response: %w", err)
	}
	if msg.Type != pb.HopStatus {
		return time.Time{}, fmt.Errorf("%w: hop type %d", relay.ErrUnexpectedMessage, msg.Type)
	}
	if err := relay.CheckStatus("reserve", msg.Status); err != nil {
		return time.Time{}, err
	}
	if msg.Reservation == nil {
		return time.Time{}, fmt.Errorf("%w: missing reservation", pb.ErrMalformed)
	}
	return msg.Reservation.ExpireTime(), nil
}

// keep 在有效期过半时续租
func (c *Client) keep(ctx context.Context, r *reservation) {
	defer c.wg.Done()

	for {
		wait := c.clock.Until(r.expiryTime()) / 2
		if wait < minRenewInterval {
			wait = minRenewInterval
		}
		timer := c.clock.Timer(wait)

		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		rctx, cancel := context.WithTimeout(ctx, DefaultHopTimeout)
		expiry, err := c.reserve(rctx, r.relay)
		cancel()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Warn("中继续租失败", "relay", r.relay.ShortString(), "err", err)
			c.drop(r, fmt.Errorf("%w: renew: %v", relay.ErrReservationLost, err))
			return
		}

		r.mu.Lock()
		r.expiry = expiry
		r.mu.Unlock()

		log.Debug("中继续租成功", "relay", r.relay.ShortString(), "expiry", expiry)
		c.host.Emit(types.EvtReservationAccepted{Relay: r.relay, Expiry: expiry, Renewal: true})
	}
}

// drop 移除预留并通知 swarm
func (c *Client) drop(r *reservation, err error) {
	c.mu.Lock()
	if c.reservations[r.relay] == r {
		delete(c.reservations, r.relay)
	}
	c.mu.Unlock()
	r.fail(err)
}

func (c *Client) reservationFor(relayPeer types.PeerID) *reservation {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reservations[relayPeer]
}

// ============================================================================
//                              连接通知
// ============================================================================

// Connected 实现 interfaces.Notifiee
func (c *Client) Connected(interfaces.Conn) {}

// Disconnected 与中继断开直连时预留丢失
func (c *Client) Disconnected(conn interfaces.Conn) {
	r := c.reservationFor(conn.RemotePeer())
	if r == nil {
		return
	}
	for _, other := range c.host.ConnsToPeer(r.relay) {
		if !other.Relayed() && !other.IsClosed() {
			return
		}
	}
	log.Warn("与中继断开", "relay", r.relay.ShortString())
	c.drop(r, fmt.Errorf("%w: relay disconnected", relay.ErrReservationLost))
}

// ============================================================================
//                              电路
// ============================================================================

// DialCircuit 经中继打开到 target 的原始电路
func (c *Client) DialCircuit(ctx context.Context, relayAddr ma.Multiaddr, target types.PeerID) (net.Conn, error) {
	relayPeer, err := relayPeerOf(relayAddr)
	if err != nil {
		return nil, err
	}
	if _, err := c.host.Connect(ctx, relayAddr); err != nil {
		return nil, fmt.Errorf("connect relay: %w", err)
	}

	s, err := c.host.NewStream(ctx, relayPeer, protocol.RelayHop)
	if err != nil {
		return nil, fmt.Errorf("open hop stream: %w", err)
	}
	c.setDeadline(ctx, s)

	if err := pb.WriteMsg(s, &pb.HopMessage{Type: pb.HopConnect, Peer: &pb.Peer{ID: target}}); err != nil {
		s.Close()
		return nil, fmt.Errorf("send connect: %w", err)
	}

	var msg pb.HopMessage
	if err := pb.ReadMsg(s, &msg); err != nil {
		s.Close()
		return nil, fmt.Errorf("read connect response: %w", err)
	}
	if msg.Type != pb.HopStatus {
		s.Close()
		return nil, fmt.Errorf("%w: hop type %d", relay.ErrUnexpectedMessage, msg.Type)
	}
	if err := relay.CheckStatus("connect", msg.Status); err != nil {
		s.Close()
		return nil, err
	}
	_ = s.SetDeadline(time.Time{})

	log.Debug("电路已建立", "relay", relayPeer.ShortString(), "target", target.ShortString())
	return newCircuitConn(s, addrutil.CircuitListenAddr(relayAddr), addrutil.CircuitAddr(relayAddr, target)), nil
}

// handleStop 受理中继转来的入站电路
func (c *Client) handleStop(s interfaces.Stream) {
	relayPeer := s.Conn().RemotePeer()
	_ = s.SetDeadline(time.Now().Add(DefaultHopTimeout))

	var msg pb.StopMessage
	if err := pb.ReadMsg(s, &msg); err != nil {
		log.Debug("读取 STOP 消息失败", "relay", relayPeer.ShortString(), "err", err)
		s.Close()
		return
	}

	r := c.reservationFor(relayPeer)
	status := pb.StatusOK
	switch {
	case msg.Type != pb.StopConnect:
		status = pb.StatusUnexpectedMessage
	case msg.Peer == nil || msg.Peer.ID.IsEmpty():
		status = pb.StatusMalformedMessage
	case r == nil:
		status = pb.StatusPermissionDenied
	}

	if err := pb.WriteMsg(s, &pb.StopMessage{Type: pb.StopStatus, Status: status}); err != nil || status != pb.StatusOK {
		log.Debug("拒绝入站电路", "relay", relayPeer.ShortString(), "status", status, "err", err)
		s.Close()
		return
	}
	_ = s.SetDeadline(time.Time{})

	src := msg.Peer.ID
	if msg.Limit != nil {
		log.Debug("入站电路", "relay", relayPeer.ShortString(), "src", src.ShortString(),
			"limitDuration", time.Duration(msg.Limit.Duration)*time.Second, "limitData", msg.Limit.Data)
	} else {
		log.Debug("入站电路", "relay", relayPeer.ShortString(), "src", src.ShortString())
	}

	c.host.AcceptCircuit(
		newCircuitConn(s, addrutil.CircuitListenAddr(r.relayAddr), addrutil.CircuitAddr(r.relayAddr, src)),
		r.relayAddr,
		src,
	)
}

func (c *Client) setDeadline(ctx context.Context, s interfaces.Stream) {
	deadline := time.Now().Add(DefaultHopTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = s.SetDeadline(deadline)
}

// relayPeerOf 返回中继地址末尾的 PeerID
func relayPeerOf(relayAddr ma.Multiaddr) (types.PeerID, error) {
	id, err := addrutil.ExtractPeerID(relayAddr)
	if err != nil {
		return types.EmptyPeerID, err
	}
	if id.IsEmpty() {
		return types.EmptyPeerID, fmt.Errorf("%w: %s", addrutil.ErrMissingPeerID, relayAddr)
	}
	return id, nil
}
