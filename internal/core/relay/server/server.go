package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	ma "github.com/multiformats/go-multiaddr"
	manet "github.com/multiformats/go-multiaddr/net"

	"github.com/dep2p/go-natlink/internal/core/relay"
	"github.com/dep2p/go-natlink/internal/core/relay/pb"
	"github.com/dep2p/go-natlink/internal/util/logger"
	"github.com/dep2p/go-natlink/pkg/interfaces"
	"github.com/dep2p/go-natlink/pkg/protocol"
	"github.com/dep2p/go-natlink/pkg/types"
)

var log = logger.Logger("relay.server")

const (
	// StreamTimeout HOP / STOP 消息交换超时
	StreamTimeout = time.Minute

	// ConnectTimeout 打开到目标的 STOP 流的超时
	ConnectTimeout = 30 * time.Second

	// gcInterval 过期预留清理间隔
	gcInterval = time.Minute
)

// 服务端错误
var (
	// ErrRelayedConn 经中继的连接不能使用中继服务
	ErrRelayedConn = errors.New("relay: relayed connection refused")

	// ErrTooManyReservations 预留数已满
	ErrTooManyReservations = errors.New("relay: too many reservations")
)

// ============================================================================
//                              配置
// ============================================================================

// Config 中继服务配置
type Config struct {
	MaxReservations    int
	ReservationTTL     time.Duration
	MaxCircuits        int
	MaxCircuitsPerPeer int

	// MaxCircuitDuration 单个电路最长时间，0 表示不限
	MaxCircuitDuration time.Duration

	// MaxCircuitBytes 单个电路单方向最大字节数，0 表示不限
	MaxCircuitBytes int64

	ReservationRate  float64
	ReservationBurst int
}

// DefaultConfig 返回默认配置
func DefaultConfig() Config {
	return Config{
		MaxReservations:    128,
		ReservationTTL:     time.Hour,
		MaxCircuits:        256,
		MaxCircuitsPerPeer: 16,
		ReservationRate:    1,
		ReservationBurst:   4,
	}
}

func (c Config) limit() *pb.Limit {
	if c.MaxCircuitDuration <= 0 && c.MaxCircuitBytes <= 0 {
		return nil
	}
	return &pb.Limit{
		Duration: uint32(c.MaxCircuitDuration / time.Second),
		Data:     uint64(c.MaxCircuitBytes),
	}
}

// ============================================================================
//                              Server
// ============================================================================

// Server 中继服务端
type Server struct {
	host    interfaces.Host
	config  Config
	clock   clock.Clock
	limiter *Limiter

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu           sync.Mutex
	reservations map[types.PeerID]time.Time
	circuits     map[string]*circuit
	started      bool
	closed       bool
}

// circuit 活跃电路
type circuit struct {
	id       string
	src, dst types.PeerID
	srcS     interfaces.Stream
	dstS     interfaces.Stream
	opened   time.Time
	once     sync.Once
}

func (c *circuit) close() {
	c.once.Do(func() {
		_ = c.srcS.Close()
		_ = c.dstS.Close()
	})
}

// New 创建中继服务端
func New(host interfaces.Host, config Config) *Server {
	return newServer(host, config, clock.New())
}

func newServer(host interfaces.Host, config Config, clk clock.Clock) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		host:   host,
		config: config,
		clock:  clk,
		limiter: NewLimiter(LimiterConfig{
			ReservationRate:    config.ReservationRate,
			ReservationBurst:   config.ReservationBurst,
			MaxCircuits:        config.MaxCircuits,
			MaxCircuitsPerPeer: config.MaxCircuitsPerPeer,
		}, clk),
		ctx:          ctx,
		cancel:       cancel,
		reservations: make(map[types.PeerID]time.Time),
		circuits:     make(map[string]*circuit),
	}
}

// Start 注册 HOP 处理器并启动过期清理
func (s *Server) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started || s.closed {
		return
	}
	s.started = true

	s.host.SetStreamHandler(protocol.RelayHop, s.handleHop)
	s.host.Notify(s)

	s.wg.Add(1)
	go s.gcLoop()

	log.Info("中继服务已启动",
		"maxReservations", s.config.MaxReservations,
		"maxCircuits", s.config.MaxCircuits,
		"reservationTTL", s.config.ReservationTTL)
}

// Close 停止服务并关闭所有电路
func (s *Server) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	started := s.started
	circuits := make([]*circuit, 0, len(s.circuits))
	for _, c := range s.circuits {
		circuits = append(circuits, c)
	}
	s.reservations = make(map[types.PeerID]time.Time)
	s.mu.Unlock()

	if started {
		s.host.RemoveStreamHandler(protocol.RelayHop)
		s.host.StopNotify(s)
	}
	s.cancel()
	for _, c := range circuits {
		c.close()
	}
	s.wg.Wait()

	log.Info("中继服务已停止")
	return nil
}

// Reservations 返回当前有效预留数
func (s *Server) Reservations() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.reservations)
}

// Circuits 返回当前活跃电路数
func (s *Server) Circuits() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.circuits)
}

// hasReservation 检查 peer 是否持有未过期的预留
func (s *Server) hasReservation(peer types.PeerID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	expiry, ok := s.reservations[peer]
	return ok && s.clock.Now().Before(expiry)
}

// ============================================================================
//                              HOP
// ============================================================================

// handleHop 处理 HOP 流
func (s *Server) handleHop(st interfaces.Stream) {
	_ = st.SetDeadline(time.Now().Add(StreamTimeout))

	var msg pb.HopMessage
	if err := pb.ReadMsg(st, &msg); err != nil {
		log.Debug("读取 HOP 消息失败", "peer", st.Conn().RemotePeer().ShortString(), "err", err)
		s.replyHop(st, pb.StatusMalformedMessage)
		_ = st.Close()
		return
	}

	switch msg.Type {
	case pb.HopReserve:
		s.handleReserve(st)
		_ = st.Close()
	case pb.HopConnect:
		s.handleConnect(st, &msg)
	default:
		s.replyHop(st, pb.StatusUnexpectedMessage)
		_ = st.Close()
	}
}

func (s *Server) replyHop(st interfaces.Stream, status pb.Status) {
	if err := pb.WriteMsg(st, &pb.HopMessage{Type: pb.HopStatus, Status: status}); err != nil {
		log.Debug("发送 HOP 状态失败", "peer", st.Conn().RemotePeer().ShortString(), "err", err)
	}
}

// handleReserve 处理 RESERVE
func (s *Server) handleReserve(st interfaces.Stream) {
	conn := st.Conn()
	peer := conn.RemotePeer()

	deny := func(status pb.Status, err error) {
		log.Debug("拒绝预留", "peer", peer.ShortString(), "status", status, "err", err)
		s.replyHop(st, status)
		s.host.Emit(types.EvtRelayServer{Action: types.RelayReservationDenied, Src: peer, Err: err})
	}

	if conn.Relayed() {
		deny(pb.StatusPermissionDenied, ErrRelayedConn)
		return
	}
	if err := s.limiter.AllowReservation(remoteIP(conn.RemoteMultiaddr())); err != nil {
		deny(pb.StatusReservationRefused, err)
		return
	}

	expiry := s.clock.Now().Add(s.config.ReservationTTL)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		deny(pb.StatusReservationRefused, relay.ErrClosed)
		return
	}
	if _, renew := s.reservations[peer]; !renew && len(s.reservations) >= s.config.MaxReservations {
		s.mu.Unlock()
		deny(pb.StatusResourceLimitExceeded, ErrTooManyReservations)
		return
	}
	s.reservations[peer] = expiry
	s.mu.Unlock()

	resp := &pb.HopMessage{
		Type:   pb.HopStatus,
		Status: pb.StatusOK,
		Reservation: &pb.Reservation{
			Expire: uint64(expiry.Unix()),
			Addrs:  s.relayAddrs(),
		},
		Limit: s.config.limit(),
	}
	if err := pb.WriteMsg(st, resp); err != nil {
		log.Debug("发送预留响应失败", "peer", peer.ShortString(), "err", err)
		return
	}

	log.Info("预留成功", "peer", peer.ShortString(), "expiry", expiry)
	s.host.Emit(types.EvtRelayServer{Action: types.RelayReservationGranted, Src: peer})
}

// relayAddrs 返回客户端可用于公告的中继地址
func (s *Server) relayAddrs() []ma.Multiaddr {
	addrs := append([]ma.Multiaddr{}, s.host.ExternalAddrs()...)
	for _, a := range s.host.ListenAddrs() {
		if !manet.IsIPLoopback(a) {
			addrs = append(addrs, a)
		}
	}
	return addrs
}

// handleConnect 处理 CONNECT：通知目标并拼接电路
func (s *Server) handleConnect(st interfaces.Stream, msg *pb.HopMessage) {
	conn := st.Conn()
	src := conn.RemotePeer()

	var dst types.PeerID
	if msg.Peer != nil {
		dst = msg.Peer.ID
	}

	deny := func(status pb.Status, err error) {
		log.Debug("拒绝电路", "src", src.ShortString(), "dst", dst.ShortString(), "status", status, "err", err)
		s.replyHop(st, status)
		_ = st.Close()
		s.host.Emit(types.EvtRelayServer{Action: types.RelayCircuitDenied, Src: src, Dst: dst, Err: err})
	}

	switch {
	case dst.IsEmpty():
		deny(pb.StatusMalformedMessage, fmt.Errorf("%w: missing peer", pb.ErrMalformed))
		return
	case conn.Relayed():
		deny(pb.StatusPermissionDenied, ErrRelayedConn)
		return
	case !s.hasReservation(dst):
		deny(pb.StatusNoReservation, relay.ErrNoReservation)
		return
	}

	if err := s.limiter.AllowCircuit(src); err != nil {
		deny(pb.StatusResourceLimitExceeded, err)
		return
	}

	dstS, err := s.openStop(src, dst)
	if err != nil {
		s.limiter.ReleaseCircuit(src)
		deny(pb.StatusConnectionFailed, err)
		return
	}

	if err := pb.WriteMsg(st, &pb.HopMessage{Type: pb.HopStatus, Status: pb.StatusOK, Limit: s.config.limit()}); err != nil {
		s.limiter.ReleaseCircuit(src)
		_ = dstS.Close()
		_ = st.Close()
		log.Debug("发送 CONNECT 响应失败", "src", src.ShortString(), "err", err)
		return
	}
	_ = st.SetDeadline(time.Time{})
	_ = dstS.SetDeadline(time.Time{})

	c := &circuit{
		id:     uuid.NewString(),
		src:    src,
		dst:    dst,
		srcS:   st,
		dstS:   dstS,
		opened: s.clock.Now(),
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		s.limiter.ReleaseCircuit(src)
		c.close()
		return
	}
	s.circuits[c.id] = c
	s.wg.Add(1)
	s.mu.Unlock()

	log.Info("电路已建立", "circuit", c.id, "src", src.ShortString(), "dst", dst.ShortString())
	s.host.Emit(types.EvtRelayServer{Action: types.RelayCircuitOpened, Src: src, Dst: dst})

	s.splice(c)
}

// openStop 打开到目标的 STOP 流并完成握手
func (s *Server) openStop(src, dst types.PeerID) (interfaces.Stream, error) {
	ctx, cancel := context.WithTimeout(s.ctx, ConnectTimeout)
	defer cancel()

	dstS, err := s.host.NewStream(ctx, dst, protocol.RelayStop)
	if err != nil {
		return nil, fmt.Errorf("open stop stream: %w", err)
	}
	_ = dstS.SetDeadline(time.Now().Add(StreamTimeout))

	req := &pb.StopMessage{
		Type:  pb.StopConnect,
		Peer:  &pb.Peer{ID: src},
		Limit: s.config.limit(),
	}
	if err := pb.WriteMsg(dstS, req); err != nil {
		_ = dstS.Close()
		return nil, fmt.Errorf("send stop connect: %w", err)
	}

	var resp pb.StopMessage
	if err := pb.ReadMsg(dstS, &resp); err != nil {
		_ = dstS.Close()
		return nil, fmt.Errorf("read stop response: %w", err)
	}
	if resp.Type != pb.StopStatus {
		_ = dstS.Close()
		return nil, fmt.Errorf("%w: stop type %d", relay.ErrUnexpectedMessage, resp.Type)
	}
	if err := relay.CheckStatus("stop", resp.Status); err != nil {
		_ = dstS.Close()
		return nil, err
	}
	return dstS, nil
}

// splice 双向转发直到任一方向结束或超出限制
func (s *Server) splice(c *circuit) {
	defer s.wg.Done()

	if s.config.MaxCircuitDuration > 0 {
		timer := s.clock.AfterFunc(s.config.MaxCircuitDuration, c.close)
		defer timer.Stop()
	}

	errCh := make(chan error, 2)
	go func() { errCh <- s.pipe(c.dstS, c.srcS) }()
	go func() { errCh <- s.pipe(c.srcS, c.dstS) }()

	err := <-errCh
	c.close()
	<-errCh

	s.mu.Lock()
	delete(s.circuits, c.id)
	s.mu.Unlock()
	s.limiter.ReleaseCircuit(c.src)

	if isClosedErr(err) {
		err = nil
	}
	log.Info("电路已关闭", "circuit", c.id, "duration", s.clock.Since(c.opened), "err", err)
	s.host.Emit(types.EvtRelayServer{Action: types.RelayCircuitClosed, Src: c.src, Dst: c.dst, Err: err})
}

// pipe 单方向转发
func (s *Server) pipe(dst io.Writer, src io.Reader) error {
	if s.config.MaxCircuitBytes > 0 {
		src = io.LimitReader(src, s.config.MaxCircuitBytes)
	}
	_, err := io.Copy(dst, src)
	return err
}

func isClosedErr(err error) bool {
	return err == nil || errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) || errors.Is(err, io.ErrClosedPipe)
}

// ============================================================================
//                              预留维护
// ============================================================================

// gcLoop 定期清理过期预留
func (s *Server) gcLoop() {
	defer s.wg.Done()

	ticker := s.clock.Ticker(gcInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.expireReservations()
		}
	}
}

// expireReservations 移除过期预留
func (s *Server) expireReservations() {
	now := s.clock.Now()

	var expired []types.PeerID
	s.mu.Lock()
	for peer, expiry := range s.reservations {
		if !now.Before(expiry) {
			delete(s.reservations, peer)
			expired = append(expired, peer)
		}
	}
	s.mu.Unlock()

	for _, peer := range expired {
		log.Debug("预留过期", "peer", peer.ShortString())
		s.host.Emit(types.EvtRelayServer{Action: types.RelayReservationExpired, Src: peer})
	}
}

// Connected 实现 interfaces.Notifiee
func (s *Server) Connected(interfaces.Conn) {}

// Disconnected 预留方的直连全部断开时移除预留
func (s *Server) Disconnected(conn interfaces.Conn) {
	peer := conn.RemotePeer()
	for _, other := range s.host.ConnsToPeer(peer) {
		if !other.Relayed() && !other.IsClosed() {
			return
		}
	}

	s.mu.Lock()
	_, ok := s.reservations[peer]
	delete(s.reservations, peer)
	s.mu.Unlock()

	if ok {
		log.Debug("预留方断开，移除预留", "peer", peer.ShortString())
		s.host.Emit(types.EvtRelayServer{Action: types.RelayReservationExpired, Src: peer, Err: relay.ErrReservationLost})
	}
}

// remoteIP 提取来源 IP，无法解析时返回完整地址
func remoteIP(addr ma.Multiaddr) string {
	if addr == nil {
		return ""
	}
	if ip, err := manet.ToIP(addr); err == nil {
		return ip.String()
	}
	return addr.String()
}
