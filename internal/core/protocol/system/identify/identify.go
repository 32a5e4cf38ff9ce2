package identify

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/Masterminds/semver/v3"
	lru "github.com/hashicorp/golang-lru/v2"
	ma "github.com/multiformats/go-multiaddr"

	"github.com/dep2p/go-natlink/internal/util/addrutil"
	"github.com/dep2p/go-natlink/internal/util/logger"
	"github.com/dep2p/go-natlink/pkg/interfaces"
	"github.com/dep2p/go-natlink/pkg/protocol"
	"github.com/dep2p/go-natlink/pkg/types"
)

var log = logger.Logger("protocol.identify")

// ProtocolID Identify 协议 ID
const ProtocolID = protocol.Identify

const (
	// DefaultTimeout 单次识别超时
	DefaultTimeout = 10 * time.Second

	// DefaultCacheSize 节点信息缓存容量
	DefaultCacheSize = 256

	// maxMessageSize IdentifyInfo 最大字节数
	maxMessageSize = 64 << 10
)

var (
	// ErrKeyMismatch 公钥与 PeerID 不符
	ErrKeyMismatch = errors.New("identify: public key does not match peer id")

	// ErrPeerMismatch 消息中的 PeerID 与连接对端不符
	ErrPeerMismatch = errors.New("identify: peer id does not match connection")
)

// IdentifyInfo 节点身份信息
type IdentifyInfo struct {
	// PeerID 节点 ID
	PeerID string `json:"peer_id"`

	// PublicKey 公钥（protobuf 编码后 base64）
	PublicKey string `json:"public_key"`

	// ListenAddrs 监听地址列表
	ListenAddrs []string `json:"listen_addrs"`

	// ObservedAddr 观测到的远端地址
	ObservedAddr string `json:"observed_addr"`

	// Protocols 支持的协议列表
	Protocols []string `json:"protocols"`

	// AgentVersion 代理版本
	AgentVersion string `json:"agent_version"`

	// ProtocolVersion 协议版本
	ProtocolVersion string `json:"protocol_version"`
}

// Service Identify 服务
type Service struct {
	host         interfaces.Host
	agentVersion string
	timeout      time.Duration
	constraint   *semver.Constraints
	cache        *lru.Cache[types.PeerID, *IdentifyInfo]

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	started bool
}

// NewService 创建 Identify 服务
func NewService(host interfaces.Host, agentVersion string) (*Service, error) {
	if agentVersion == "" {
		agentVersion = protocol.AgentVersion
	}
	constraint, err := semver.NewConstraint(protocol.VersionConstraint)
	if err != nil {
		return nil, fmt.Errorf("parse version constraint: %w", err)
	}
	cache, err := lru.New[types.PeerID, *IdentifyInfo](DefaultCacheSize)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Service{
		host:         host,
		agentVersion: agentVersion,
		timeout:      DefaultTimeout,
		constraint:   constraint,
		cache:        cache,
		ctx:          ctx,
		cancel:       cancel,
	}, nil
}

// Start 注册协议处理器并识别每个新连接
func (s *Service) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return
	}
	s.started = true

	s.host.SetStreamHandler(ProtocolID, s.Handler)
	s.host.Notify(s)
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

// PeerInfo 返回缓存的节点信息
func (s *Service) PeerInfo(peer types.PeerID) (*IdentifyInfo, bool) {
	return s.cache.Get(peer)
}

// ============================================================================
//                              连接通知
// ============================================================================

// Connected 连接建立后向对端发起识别
func (s *Service) Connected(c interfaces.Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.started {
		return
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.identifyConn(c)
	}()
}

// Disconnected 实现 interfaces.Notifiee
func (s *Service) Disconnected(interfaces.Conn) {}

func (s *Service) identifyConn(c interfaces.Conn) {
	ctx, cancel := context.WithTimeout(s.ctx, s.timeout)
	defer cancel()

	peer := c.RemotePeer()
	info, err := Identify(ctx, s.host, peer)
	if err != nil {
		if s.ctx.Err() == nil {
			log.Debug("识别节点失败", "peer", peer.ShortString(), "err", err)
		}
		return
	}
	s.handleInfo(peer, c, info)
}

// handleInfo 记录对端信息并发布 EvtIdentifyReceived
func (s *Service) handleInfo(peer types.PeerID, c interfaces.Conn, info *IdentifyInfo) {
	if !s.versionCompatible(info.ProtocolVersion) {
		log.Warn("协议版本不兼容",
			"peer", peer.ShortString(),
			"version", info.ProtocolVersion,
			"constraint", protocol.VersionConstraint)
	}
	s.cache.Add(peer, info)

	observed := parseAddr(info.ObservedAddr)
	if observed != nil && !c.Relayed() && addrutil.IsPublicAddr(observed) {
		s.host.AddExternalAddr(observed, "identify")
	}

	listenAddrs := make([]ma.Multiaddr, 0, len(info.ListenAddrs))
	for _, a := range info.ListenAddrs {
		if m := parseAddr(a); m != nil {
			listenAddrs = append(listenAddrs, m)
		}
	}

	log.Debug("已获知节点信息", "peer", peer.ShortString(), "observed", observed, "agent", info.AgentVersion)
	s.host.Emit(types.EvtIdentifyReceived{
		Peer:            peer,
		Observed:        observed,
		ListenAddrs:     listenAddrs,
		Protocols:       info.Protocols,
		AgentVersion:    info.AgentVersion,
		ProtocolVersion: info.ProtocolVersion,
	})
}

// versionCompatible 检查 "natlink/<semver>" 是否满足版本约束
func (s *Service) versionCompatible(pv string) bool {
	_, ver, ok := strings.Cut(pv, "/")
	if !ok {
		return false
	}
	v, err := semver.NewVersion(ver)
	if err != nil {
		return false
	}
	return s.constraint.Check(v)
}

// ============================================================================
//                              协议实现
// ============================================================================

// Handler 处理 Identify 请求（服务器端）
// 返回本节点的身份信息，发送成功后发布 EvtIdentifySent
func (s *Service) Handler(stream interfaces.Stream) {
	defer stream.Close()

	_ = stream.SetWriteDeadline(time.Now().Add(s.timeout))

	info := &IdentifyInfo{
		PeerID:          s.host.ID().String(),
		PublicKey:       base64.StdEncoding.EncodeToString(types.MarshalPublicKey(s.host.PublicKey())),
		ListenAddrs:     addrStrings(append(s.host.ListenAddrs(), s.host.ExternalAddrs()...)),
		ObservedAddr:    ObserveAddr(stream),
		Protocols:       protocol.Strings(s.host.Protocols()),
		AgentVersion:    s.agentVersion,
		ProtocolVersion: protocol.Version,
	}

	if err := json.NewEncoder(stream).Encode(info); err != nil {
		log.Debug("发送身份信息失败", "peer", stream.Conn().RemotePeer().ShortString(), "err", err)
		return
	}
	s.host.Emit(types.EvtIdentifySent{Peer: stream.Conn().RemotePeer()})
}

// Identify 主动识别节点（客户端）
// 返回经公钥校验的远端节点信息
func Identify(ctx context.Context, host interfaces.Host, peer types.PeerID) (*IdentifyInfo, error) {
	stream, err := host.NewStream(ctx, peer, ProtocolID)
	if err != nil {
		return nil, err
	}
	defer stream.Close()

	if deadline, ok := ctx.Deadline(); ok {
		_ = stream.SetDeadline(deadline)
	}

	info := &IdentifyInfo{}
	if err := json.NewDecoder(io.LimitReader(stream, maxMessageSize)).Decode(info); err != nil {
		return nil, fmt.Errorf("decode identify message: %w", err)
	}
	if err := verifyInfo(peer, info); err != nil {
		return nil, err
	}
	return info, nil
}

// verifyInfo 校验消息中的 PeerID 与公钥
func verifyInfo(peer types.PeerID, info *IdentifyInfo) error {
	if info.PeerID != peer.String() {
		return fmt.Errorf("%w: got %s", ErrPeerMismatch, info.PeerID)
	}
	raw, err := base64.StdEncoding.DecodeString(info.PublicKey)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrKeyMismatch, err)
	}
	pub, err := types.UnmarshalPublicKey(raw)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrKeyMismatch, err)
	}
	id, err := types.PeerIDFromPublicKey(pub)
	if err != nil || id != peer {
		return ErrKeyMismatch
	}
	return nil
}

// ObserveAddr 从流中获取观测地址
//
// 返回连接的远端地址（对方看到的我方地址）。
func ObserveAddr(stream interfaces.Stream) string {
	conn := stream.Conn()
	if conn == nil {
		return ""
	}
	if remoteAddr := conn.RemoteMultiaddr(); remoteAddr != nil {
		return remoteAddr.String()
	}
	return ""
}

func parseAddr(s string) ma.Multiaddr {
	if s == "" {
		return nil
	}
	m, err := ma.NewMultiaddr(s)
	if err != nil {
		return nil
	}
	return m
}

func addrStrings(addrs []ma.Multiaddr) []string {
	out := make([]string, 0, len(addrs))
	for _, a := range addrs {
		out = append(out, a.String())
	}
	return out
}
