package interfaces

import (
	"context"
	"crypto/ed25519"
	"io"
	"net"
	"time"

	ma "github.com/multiformats/go-multiaddr"

	"github.com/dep2p/go-natlink/pkg/protocol"
	"github.com/dep2p/go-natlink/pkg/types"
)

// ============================================================================
//                              Stream / Conn
// ============================================================================

// Stream 已协商协议的多路复用流
type Stream interface {
	io.ReadWriteCloser

	// Protocol 返回协商得到的协议
	Protocol() protocol.ID

	// Conn 返回所属连接
	Conn() Conn

	SetDeadline(t time.Time) error
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
}

// StreamHandler 入站流处理函数
//
// 处理函数负责关闭流。
type StreamHandler func(Stream)

// Conn 已升级（加密 + 多路复用）的连接
type Conn interface {
	// ID 连接唯一标识
	ID() string

	LocalPeer() types.PeerID
	RemotePeer() types.PeerID
	RemotePublicKey() ed25519.PublicKey

	LocalMultiaddr() ma.Multiaddr
	RemoteMultiaddr() ma.Multiaddr

	Direction() types.Direction

	// Relayed 是否为经中继的电路连接
	Relayed() bool

	// Opened 连接建立时间
	Opened() time.Time

	Close() error
	IsClosed() bool
}

// Notifiee 连接通知接收者
//
// 回调在网络 goroutine 中同步调用，不得阻塞。
type Notifiee interface {
	Connected(Conn)
	Disconnected(Conn)
}

// NotifyBundle 以函数实现 Notifiee
type NotifyBundle struct {
	ConnectedF    func(Conn)
	DisconnectedF func(Conn)
}

// Connected 实现 Notifiee
func (nb *NotifyBundle) Connected(c Conn) {
	if nb.ConnectedF != nil {
		nb.ConnectedF(c)
	}
}

// Disconnected 实现 Notifiee
func (nb *NotifyBundle) Disconnected(c Conn) {
	if nb.DisconnectedF != nil {
		nb.DisconnectedF(c)
	}
}

// ============================================================================
//                              Host
// ============================================================================

// Host 协议服务使用的网络端点
type Host interface {
	ID() types.PeerID
	PublicKey() ed25519.PublicKey

	// ListenAddrs 返回本地监听地址（已展开通配地址）
	ListenAddrs() []ma.Multiaddr

	// ExternalAddrs 返回已知的外部地址（观测地址、STUN、端口映射）
	ExternalAddrs() []ma.Multiaddr

	// AddExternalAddr 记录外部地址，首次出现时发布 EvtExternalAddress
	AddExternalAddr(addr ma.Multiaddr, source string)

	SetStreamHandler(id protocol.ID, handler StreamHandler)
	RemoveStreamHandler(id protocol.ID)
	Protocols() []protocol.ID

	// NewStream 在到 peer 的连接上打开流并协商协议
	//
	// 优先选择直连连接；没有连接时返回错误，不会隐式拨号。
	NewStream(ctx context.Context, peer types.PeerID, protos ...protocol.ID) (Stream, error)

	// Connect 同步拨号，已有连接时直接返回
	Connect(ctx context.Context, addr ma.Multiaddr) (Conn, error)

	// DialDirect 使用监听端口复用拨号（打洞），initiator 决定安全握手角色
	DialDirect(ctx context.Context, peer types.PeerID, addr ma.Multiaddr, initiator bool) (Conn, error)

	// ConnsToPeer 返回到 peer 的所有连接
	ConnsToPeer(peer types.PeerID) []Conn

	// Emit 发布事件
	Emit(ev types.Event)

	Notify(n Notifiee)
	StopNotify(n Notifiee)

	// SetCircuitTransport 安装中继电路传输，启用 /p2p-circuit 地址的监听与拨号
	SetCircuitTransport(ct CircuitTransport)

	// AcceptCircuit 接收经中继到达的入站电路，以响应者身份升级
	AcceptCircuit(conn net.Conn, relayAddr ma.Multiaddr, src types.PeerID)
}

// ============================================================================
//                              CircuitTransport
// ============================================================================

// CircuitTransport 中继电路传输
type CircuitTransport interface {
	// Reserve 在中继上预留槽位，首次预留成功后返回
	//
	// 预留在后台续租；续租失败或连接断开时 lost 通道送出原因后关闭。
	Reserve(ctx context.Context, relayAddr ma.Multiaddr) (lost <-chan error, err error)

	// DialCircuit 经中继打开到 target 的原始电路（尚未加密）
	DialCircuit(ctx context.Context, relayAddr ma.Multiaddr, target types.PeerID) (net.Conn, error)
}
