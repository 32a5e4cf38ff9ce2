package types

import (
	"errors"
	"fmt"
	"strings"
)

// ============================================================================
//                              Role - 节点角色
// ============================================================================

// Role 节点角色
//
// 角色在构造时确定，运行期间不再变化。
type Role int

const (
	// RoleListener 监听者：接受连接并为他人中继流量（hub）
	RoleListener Role = iota + 1
	// RoleDialer 拨号者：本地绑定、向中继注册、再拨号目标节点（client）
	RoleDialer
)

// ErrInvalidRole 无效的角色
var ErrInvalidRole = errors.New("invalid role")

// String 返回角色的字符串表示
func (r Role) String() string {
	switch r {
	case RoleListener:
		return "listener"
	case RoleDialer:
		return "dialer"
	default:
		return "unknown"
	}
}

// IsValid 检查角色是否有效
func (r Role) IsValid() bool {
	return r == RoleListener || r == RoleDialer
}

// ParseRole 解析角色名称
//
// 同时接受配置文件中的旧名称：hub -> listener，client -> dialer。
func ParseRole(s string) (Role, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "listener", "hub":
		return RoleListener, nil
	case "dialer", "client":
		return RoleDialer, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrInvalidRole, s)
	}
}

// MarshalText 实现 encoding.TextMarshaler
func (r Role) MarshalText() ([]byte, error) {
	if !r.IsValid() {
		return nil, ErrInvalidRole
	}
	return []byte(r.String()), nil
}

// UnmarshalText 实现 encoding.TextUnmarshaler
func (r *Role) UnmarshalText(text []byte) error {
	role, err := ParseRole(string(text))
	if err != nil {
		return err
	}
	*r = role
	return nil
}

// ============================================================================
//                              Direction - 连接方向
// ============================================================================

// Direction 连接方向
type Direction int

const (
	// DirUnknown 未知方向
	DirUnknown Direction = iota
	// DirInbound 入站连接
	DirInbound
	// DirOutbound 出站连接
	DirOutbound
)

// String 返回方向的字符串表示
func (d Direction) String() string {
	switch d {
	case DirInbound:
		return "inbound"
	case DirOutbound:
		return "outbound"
	default:
		return "unknown"
	}
}

// ============================================================================
//                              LivenessDirection - 存活探测方向
// ============================================================================

// LivenessDirection 存活探测方向
type LivenessDirection int

const (
	// LivenessSent 本地发出的探测得到回应
	LivenessSent LivenessDirection = iota + 1
	// LivenessReceived 收到远端探测
	LivenessReceived
)

// String 返回探测方向的字符串表示
func (d LivenessDirection) String() string {
	switch d {
	case LivenessSent:
		return "sent"
	case LivenessReceived:
		return "received"
	default:
		return "unknown"
	}
}

// ============================================================================
//                              HolePunchOutcome - 打洞结果
// ============================================================================

// HolePunchOutcome 打洞结果
type HolePunchOutcome int

const (
	// HolePunchStarted 开始协调
	HolePunchStarted HolePunchOutcome = iota + 1
	// HolePunchSucceeded 直连建立
	HolePunchSucceeded
	// HolePunchFailed 直连失败，继续使用中继电路
	HolePunchFailed
)

// String 返回打洞结果的字符串表示
func (o HolePunchOutcome) String() string {
	switch o {
	case HolePunchStarted:
		return "started"
	case HolePunchSucceeded:
		return "succeeded"
	case HolePunchFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// ============================================================================
//                              RelayServerEventKind - 中继服务端事件
// ============================================================================

// RelayServerEventKind 中继服务端事件子类型
type RelayServerEventKind int

const (
	// RelayReservationGranted 接受预留
	RelayReservationGranted RelayServerEventKind = iota + 1
	// RelayReservationDenied 拒绝预留
	RelayReservationDenied
	// RelayReservationExpired 预留过期
	RelayReservationExpired
	// RelayCircuitOpened 电路建立
	RelayCircuitOpened
	// RelayCircuitDenied 电路被拒绝
	RelayCircuitDenied
	// RelayCircuitClosed 电路关闭
	RelayCircuitClosed
)

// String 返回中继服务端事件的字符串表示
func (k RelayServerEventKind) String() string {
	switch k {
	case RelayReservationGranted:
		return "reservation_granted"
	case RelayReservationDenied:
		return "reservation_denied"
	case RelayReservationExpired:
		return "reservation_expired"
	case RelayCircuitOpened:
		return "circuit_opened"
	case RelayCircuitDenied:
		return "circuit_denied"
	case RelayCircuitClosed:
		return "circuit_closed"
	default:
		return "unknown"
	}
}
