package session

import (
	"context"
	"log/slog"

	"github.com/dep2p/go-natlink/internal/util/logger"
	"github.com/dep2p/go-natlink/pkg/types"
)

var log = logger.Logger("session")

// ============================================================================
//                              Class - 事件分类
// ============================================================================

// Class 事件分类
type Class int

const (
	// ClassFatal 未分类事件，终止排空
	ClassFatal Class = iota
	// ClassInfo 记录并继续
	ClassInfo
	// ClassDebug 低级别记录并继续
	ClassDebug
	// ClassError 以错误级别记录并继续
	ClassError
)

// String 返回分类名称
func (c Class) String() string {
	switch c {
	case ClassInfo:
		return "info"
	case ClassDebug:
		return "debug"
	case ClassError:
		return "error"
	default:
		return "fatal"
	}
}

// level 返回分类对应的日志级别
func (c Class) level() slog.Level {
	switch c {
	case ClassDebug:
		return slog.LevelDebug
	case ClassError, ClassFatal:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// ============================================================================
//                              Table - 分类表
// ============================================================================

// Table 事件种类到分类的映射
//
// 表中缺失的种类视为 ClassFatal。
type Table map[types.EventKind]Class

// DefaultTable 返回默认分类表
func DefaultTable() Table {
	return Table{
		types.KindListenAddrBound:         ClassInfo,
		types.KindListenerClosed:          ClassInfo,
		types.KindDialing:                 ClassDebug,
		types.KindConnectionEstablished:   ClassInfo,
		types.KindConnectionClosed:        ClassInfo,
		types.KindLiveness:                ClassDebug,
		types.KindIdentifySent:            ClassDebug,
		types.KindIdentifyReceived:        ClassDebug,
		types.KindReservationAccepted:     ClassInfo,
		types.KindRelayServer:             ClassInfo,
		types.KindHolePunch:               ClassInfo,
		types.KindExternalAddress:         ClassInfo,
		types.KindDialError:               ClassError,
		types.KindIncomingConnectionError: ClassError,
		types.KindListenError:             ClassError,
		types.KindUnknown:                 ClassFatal,
	}
}

// Classify 返回事件的分类
func (t Table) Classify(ev types.Event) Class {
	if ev == nil {
		return ClassFatal
	}
	if c, ok := t[ev.Kind()]; ok {
		return c
	}
	return ClassFatal
}

// Log 按分类级别记录事件
func (t Table) Log(ev types.Event, class Class) {
	ctx := context.Background()
	level := class.level()
	if !log.Enabled(ctx, level) {
		return
	}
	log.Log(ctx, level, describe(ev), append([]any{"class", class.String()}, eventAttrs(ev)...)...)
}

// describe 返回事件的日志消息
func describe(ev types.Event) string {
	switch ev.(type) {
	case types.EvtListenAddrBound:
		return "监听地址已绑定"
	case types.EvtListenerClosed:
		return "监听器关闭"
	case types.EvtListenError:
		return "监听失败"
	case types.EvtDialing:
		return "开始拨号"
	case types.EvtConnectionEstablished:
		return "连接建立"
	case types.EvtConnectionClosed:
		return "连接关闭"
	case types.EvtLiveness:
		return "存活探测"
	case types.EvtIdentifySent:
		return "已告知对端"
	case types.EvtIdentifyReceived:
		return "已获知观测地址"
	case types.EvtReservationAccepted:
		return "中继接受预留"
	case types.EvtRelayServer:
		return "中继服务事件"
	case types.EvtHolePunch:
		return "打洞"
	case types.EvtExternalAddress:
		return "发现外部地址"
	case types.EvtDialError:
		return "拨号失败"
	case types.EvtIncomingConnectionError:
		return "入站连接失败"
	default:
		return "未分类事件"
	}
}

// eventAttrs 返回事件的日志字段
func eventAttrs(ev types.Event) []any {
	switch e := ev.(type) {
	case types.EvtListenAddrBound:
		return []any{"addr", e.Addr}
	case types.EvtListenerClosed:
		return []any{"addrs", e.Addrs, "err", e.Err}
	case types.EvtListenError:
		return []any{"addr", e.Addr, "err", e.Err}
	case types.EvtDialing:
		return []any{"peer", e.Peer.ShortString(), "addr", e.Addr}
	case types.EvtConnectionEstablished:
		return []any{"peer", e.Peer.ShortString(), "addr", e.Addr, "dir", e.Direction, "relayed", e.Relayed}
	case types.EvtConnectionClosed:
		return []any{"peer", e.Peer.ShortString(), "addr", e.Addr, "relayed", e.Relayed, "err", e.Err}
	case types.EvtLiveness:
		return []any{"peer", e.Peer.ShortString(), "dir", e.Direction, "rtt", e.RTT, "err", e.Err}
	case types.EvtIdentifySent:
		return []any{"peer", e.Peer.ShortString()}
	case types.EvtIdentifyReceived:
		return []any{"peer", e.Peer.ShortString(), "observed", e.Observed, "agent", e.AgentVersion}
	case types.EvtReservationAccepted:
		return []any{"relay", e.Relay.ShortString(), "expiry", e.Expiry, "renewal", e.Renewal}
	case types.EvtRelayServer:
		return []any{"action", e.Action, "src", e.Src.ShortString(), "dst", e.Dst.ShortString(), "err", e.Err}
	case types.EvtHolePunch:
		return []any{"peer", e.Peer.ShortString(), "outcome", e.Outcome, "addr", e.Addr, "err", e.Err}
	case types.EvtExternalAddress:
		return []any{"addr", e.Addr, "source", e.Source}
	case types.EvtDialError:
		return []any{"peer", e.Peer.ShortString(), "addr", e.Addr, "err", e.Err}
	case types.EvtIncomingConnectionError:
		return []any{"local", e.LocalAddr, "remote", e.RemoteAddr, "err", e.Err}
	case types.EvtUnknown:
		return []any{"name", e.Name, "payload", e.Payload}
	default:
		return []any{"type", ev}
	}
}
