package types

import (
	"time"

	ma "github.com/multiformats/go-multiaddr"
)

// ============================================================================
//                              EventKind - 事件种类
// ============================================================================

// EventKind 事件种类
type EventKind int

const (
	// KindUnknown 未分类事件
	KindUnknown EventKind = iota
	// KindListenAddrBound 本地监听地址已绑定
	KindListenAddrBound
	// KindListenerClosed 监听器关闭
	KindListenerClosed
	// KindListenError 监听失败（包括中继拒绝预留）
	KindListenError
	// KindDialing 开始拨号
	KindDialing
	// KindConnectionEstablished 连接建立
	KindConnectionEstablished
	// KindConnectionClosed 连接关闭
	KindConnectionClosed
	// KindLiveness 存活探测
	KindLiveness
	// KindIdentifySent 已向对端告知本地信息
	KindIdentifySent
	// KindIdentifyReceived 已从对端获知本地观测地址
	KindIdentifyReceived
	// KindReservationAccepted 中继接受预留
	KindReservationAccepted
	// KindRelayServer 中继服务端事件
	KindRelayServer
	// KindHolePunch 打洞协调事件
	KindHolePunch
	// KindExternalAddress 发现外部地址
	KindExternalAddress
	// KindDialError 出站连接失败
	KindDialError
	// KindIncomingConnectionError 入站连接失败
	KindIncomingConnectionError
)

var eventKindNames = map[EventKind]string{
	KindUnknown:                 "unknown",
	KindListenAddrBound:         "listen_addr_bound",
	KindListenerClosed:          "listener_closed",
	KindListenError:             "listen_error",
	KindDialing:                 "dialing",
	KindConnectionEstablished:   "connection_established",
	KindConnectionClosed:        "connection_closed",
	KindLiveness:                "liveness",
	KindIdentifySent:            "identify_sent",
	KindIdentifyReceived:        "identify_received",
	KindReservationAccepted:     "reservation_accepted",
	KindRelayServer:             "relay_server",
	KindHolePunch:               "hole_punch",
	KindExternalAddress:         "external_address",
	KindDialError:               "dial_error",
	KindIncomingConnectionError: "incoming_connection_error",
}

// String 返回事件种类名称
func (k EventKind) String() string {
	if name, ok := eventKindNames[k]; ok {
		return name
	}
	return "unknown"
}

// AllEventKinds 返回全部事件种类（包括 KindUnknown）
func AllEventKinds() []EventKind {
	kinds := make([]EventKind, 0, len(eventKindNames))
	for k := KindUnknown; k <= KindIncomingConnectionError; k++ {
		kinds = append(kinds, k)
	}
	return kinds
}

// ============================================================================
//                              Event - 封闭事件集合
// ============================================================================

// Event 连接事件
//
// 事件集合是封闭的：只有本包定义的 Evt* 类型实现该接口。
// 底层新增而尚未分类的事件以 EvtUnknown 表示，由消费者显式处理。
type Event interface {
	// Kind 返回事件种类
	Kind() EventKind

	isEvent()
}

// EvtListenAddrBound 本地监听地址已绑定
//
// 监听通配地址时，每个本地接口各产生一个事件。
type EvtListenAddrBound struct {
	Addr ma.Multiaddr
}

// EvtListenerClosed 监听器关闭
type EvtListenerClosed struct {
	Addrs []ma.Multiaddr
	Err   error
}

// EvtListenError 监听失败
type EvtListenError struct {
	Addr ma.Multiaddr
	Err  error
}

// EvtDialing 开始向对端拨号
type EvtDialing struct {
	Peer PeerID
	Addr ma.Multiaddr
}

// EvtConnectionEstablished 连接建立
type EvtConnectionEstablished struct {
	Peer      PeerID
	Addr      ma.Multiaddr
	Direction Direction
	Relayed   bool
}

// EvtConnectionClosed 连接关闭
type EvtConnectionClosed struct {
	Peer      PeerID
	Addr      ma.Multiaddr
	Direction Direction
	Relayed   bool
	Err       error
}

// EvtLiveness 存活探测结果
type EvtLiveness struct {
	Peer      PeerID
	Direction LivenessDirection
	RTT       time.Duration
	Err       error
}

// EvtIdentifySent 已向对端发送本地身份信息（包含对端的观测地址）
type EvtIdentifySent struct {
	Peer PeerID
}

// EvtIdentifyReceived 已收到对端身份信息
type EvtIdentifyReceived struct {
	Peer            PeerID
	Observed        ma.Multiaddr
	ListenAddrs     []ma.Multiaddr
	Protocols       []string
	AgentVersion    string
	ProtocolVersion string
}

// EvtReservationAccepted 中继接受预留
type EvtReservationAccepted struct {
	Relay   PeerID
	Expiry  time.Time
	Renewal bool
}

// EvtRelayServer 中继服务端事件
type EvtRelayServer struct {
	Action RelayServerEventKind
	Src    PeerID
	Dst    PeerID
	Err    error
}

// EvtHolePunch 打洞协调事件
type EvtHolePunch struct {
	Peer    PeerID
	Outcome HolePunchOutcome
	Addr    ma.Multiaddr
	Err     error
}

// EvtExternalAddress 发现外部地址（STUN / 端口映射）
type EvtExternalAddress struct {
	Source string
	Addr   ma.Multiaddr
}

// EvtDialError 出站连接失败
type EvtDialError struct {
	Peer PeerID
	Addr ma.Multiaddr
	Err  error
}

// EvtIncomingConnectionError 入站连接失败
type EvtIncomingConnectionError struct {
	LocalAddr  ma.Multiaddr
	RemoteAddr ma.Multiaddr
	Err        error
}

// EvtUnknown 未分类事件
type EvtUnknown struct {
	Name    string
	Payload any
}

func (EvtListenAddrBound) Kind() EventKind         { return KindListenAddrBound }
func (EvtListenerClosed) Kind() EventKind          { return KindListenerClosed }
func (EvtListenError) Kind() EventKind             { return KindListenError }
func (EvtDialing) Kind() EventKind                 { return KindDialing }
func (EvtConnectionEstablished) Kind() EventKind   { return KindConnectionEstablished }
func (EvtConnectionClosed) Kind() EventKind        { return KindConnectionClosed }
func (EvtLiveness) Kind() EventKind                { return KindLiveness }
func (EvtIdentifySent) Kind() EventKind            { return KindIdentifySent }
func (EvtIdentifyReceived) Kind() EventKind        { return KindIdentifyReceived }
func (EvtReservationAccepted) Kind() EventKind     { return KindReservationAccepted }
func (EvtRelayServer) Kind() EventKind             { return KindRelayServer }
func (EvtHolePunch) Kind() EventKind               { return KindHolePunch }
func (EvtExternalAddress) Kind() EventKind         { return KindExternalAddress }
func (EvtDialError) Kind() EventKind               { return KindDialError }
func (EvtIncomingConnectionError) Kind() EventKind { return KindIncomingConnectionError }
func (EvtUnknown) Kind() EventKind                 { return KindUnknown }

func (EvtListenAddrBound) isEvent()         {}
func (EvtListenerClosed) isEvent()          {}
func (EvtListenError) isEvent()             {}
func (EvtDialing) isEvent()                 {}
func (EvtConnectionEstablished) isEvent()   {}
func (EvtConnectionClosed) isEvent()        {}
func (EvtLiveness) isEvent()                {}
func (EvtIdentifySent) isEvent()            {}
func (EvtIdentifyReceived) isEvent()        {}
func (EvtReservationAccepted) isEvent()     {}
func (EvtRelayServer) isEvent()             {}
func (EvtHolePunch) isEvent()               {}
func (EvtExternalAddress) isEvent()         {}
func (EvtDialError) isEvent()               {}
func (EvtIncomingConnectionError) isEvent() {}
func (EvtUnknown) isEvent()                 {}
