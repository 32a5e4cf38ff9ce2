package ping

import (
	"bytes"
	"context"
	"crypto/rand"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/dep2p/go-natlink/internal/util/logger"
	"github.com/dep2p/go-natlink/pkg/interfaces"
	"github.com/dep2p/go-natlink/pkg/protocol"
	"github.com/dep2p/go-natlink/pkg/types"
)

var log = logger.Logger("protocol.ping")

// ProtocolID Ping 协议 ID
const ProtocolID = protocol.Ping

const (
	// PingSize Ping 消息大小（32 字节）
	PingSize = 32

	// HandlerIdleTimeout Handler 空闲超时时间
	HandlerIdleTimeout = 60 * time.Second
)

// ErrDataMismatch Ping 回显数据不匹配
var ErrDataMismatch = errors.New("ping: echo data mismatch")

// Config Ping 配置
type Config struct {
	// Interval 周期探测间隔
	Interval time.Duration

	// Timeout 单次探测超时
	Timeout time.Duration
}

// DefaultConfig 返回默认配置
func DefaultConfig() Config {
	return Config{
		Interval: 15 * time.Second,
		Timeout:  10 * time.Second,
	}
}

// Service Ping 服务
type Service struct {
	host   interfaces.Host
	config Config
	clock  clock.Clock

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	pingers map[types.PeerID]context.CancelFunc
	started bool
}

// NewService 创建 Ping 服务
func NewService(host interfaces.Host, config Config) *Service {
	return newService(host, config, clock.New())
}

func newService(host interfaces.Host, config Config, clk clock.Clock) *Service {
	ctx, cancel := context.WithCancel(context.Background())
	return &Service{
		host:    host,
		config:  config,
		clock:   clk,
		ctx:     ctx,
		cancel:  cancel,
		pingers: make(map[types.PeerID]context.CancelFunc),
	}
}

// Start 注册协议处理器并开始对新连接周期探测
func (s *Service) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return
	}
	s.started = true

	s.host.SetStreamHandler(ProtocolID, s.Handler)
	s.host.Notify(s)
	log.Debug("Ping 服务已启动", "interval", s.config.Interval)
}

// Stop 停止服务
func (s *Service) Stop() {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	s.started = false
	s.mu.Unlock()

	s.host.StopNotify(s)
	s.host.RemoveStreamHandler(ProtocolID)
	s.cancel()
	s.wg.Wait()
}

// ============================================================================
//                              连接通知
// ============================================================================

// Connected 为新连接的节点启动周期探测（每个节点一个）
func (s *Service) Connected(c interfaces.Conn) {
	peer := c.RemotePeer()

	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.started {
		return
	}
	if _, ok := s.pingers[peer]; ok {
		return
	}
	ctx, cancel := context.WithCancel(s.ctx)
	s.pingers[peer] = cancel

	s.wg.Add(1)
	go s.pingLoop(ctx, peer)
}

// Disconnected 节点没有剩余连接时停止探测
func (s *Service) Disconnected(c interfaces.Conn) {
	peer := c.RemotePeer()
	if len(s.host.ConnsToPeer(peer)) > 0 {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if cancel, ok := s.pingers[peer]; ok {
		cancel()
		delete(s.pingers, peer)
	}
}

// pingLoop 立即探测一次，之后按间隔探测
func (s *Service) pingLoop(ctx context.Context, peer types.PeerID) {
	defer s.wg.Done()

	ticker := s.clock.Ticker(s.config.Interval)
	defer ticker.Stop()

	for {
		s.pingOnce(ctx, peer)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (s *Service) pingOnce(ctx context.Context, peer types.PeerID) {
	pctx, cancel := context.WithTimeout(ctx, s.config.Timeout)
	defer cancel()

	rtt, err := Ping(pctx, s.host, peer)
	if ctx.Err() != nil {
		return
	}
	if err != nil {
		log.Debug("Ping 失败", "peer", peer.ShortString(), "err", err)
	}
	s.host.Emit(types.EvtLiveness{Peer: peer, Direction: types.LivenessSent, RTT: rtt, Err: err})
}

// ============================================================================
//                              协议实现
// ============================================================================

// Handler 处理 Ping 请求（服务器端）
// 读取数据并回显，支持同一流上的连续 Ping
func (s *Service) Handler(stream interfaces.Stream) {
	defer stream.Close()

	peer := stream.Conn().RemotePeer()
	buf := make([]byte, PingSize)

	for {
		_ = stream.SetReadDeadline(time.Now().Add(HandlerIdleTimeout))

		if _, err := io.ReadFull(stream, buf); err != nil {
			return
		}
		if _, err := stream.Write(buf); err != nil {
			return
		}
		s.host.Emit(types.EvtLiveness{Peer: peer, Direction: types.LivenessReceived})
	}
}

// Ping 主动 Ping 节点（客户端）
// 返回往返时间（RTT）
func Ping(ctx context.Context, host interfaces.Host, peer types.PeerID) (time.Duration, error) {
	stream, err := host.NewStream(ctx, peer, ProtocolID)
	if err != nil {
		return 0, err
	}
	defer stream.Close()

	if deadline, ok := ctx.Deadline(); ok {
		_ = stream.SetDeadline(deadline)
	}

	buf := make([]byte, PingSize)
	if _, err := rand.Read(buf); err != nil {
		return 0, err
	}

	start := time.Now()
	if _, err := stream.Write(buf); err != nil {
		return 0, err
	}

	echo := make([]byte, PingSize)
	if _, err := io.ReadFull(stream, echo); err != nil {
		return 0, err
	}
	rtt := time.Since(start)

	if !bytes.Equal(buf, echo) {
		return 0, ErrDataMismatch
	}
	return rtt, nil
}
