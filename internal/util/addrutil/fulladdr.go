// Package addrutil 提供地址解析工具
//
// 本包提供完整地址（含 /p2p/<PeerID>）与中继电路地址的解析和构建，
// 用于中继注册、经中继拨号和打洞地址筛选。
package addrutil

import (
	"errors"
	"fmt"

	ma "github.com/multiformats/go-multiaddr"

	"github.com/dep2p/go-natlink/pkg/types"
)

// ============================================================================
//                              错误定义
// ============================================================================

var (
	// ErrMissingPeerID 缺少 /p2p/<PeerID> 后缀
	ErrMissingPeerID = errors.New("missing /p2p/<PeerID> suffix")

	// ErrMissingTransport 缺少传输部分
	ErrMissingTransport = errors.New("missing transport before /p2p/<PeerID>")

	// ErrNotRelayAddr 不是中继电路地址
	ErrNotRelayAddr = errors.New("not a relay circuit address")

	// ErrPeerIDConflict 地址已包含不同的 PeerID
	ErrPeerIDConflict = errors.New("address already contains different peer ID")
)

// ============================================================================
//                              完整地址解析
// ============================================================================

// ParseFullAddr 解析完整地址（末尾为 /p2p/<PeerID>）
//
//	/ip4/1.2.3.4/tcp/4001/p2p/12D3KooW...
//	  → id = 12D3KooW..., dialAddr = /ip4/1.2.3.4/tcp/4001
//
//	/ip4/.../p2p/R/p2p-circuit/p2p/T
//	  → id = T, dialAddr = /ip4/.../p2p/R/p2p-circuit
func ParseFullAddr(addr ma.Multiaddr) (types.PeerID, ma.Multiaddr, error) {
	if addr == nil {
		return types.EmptyPeerID, nil, ErrMissingPeerID
	}
	rest, last := ma.SplitLast(addr)
	if last == nil || last.Protocol().Code != ma.P_P2P {
		return types.EmptyPeerID, nil, ErrMissingPeerID
	}
	id, err := types.ParsePeerID(last.Value())
	if err != nil {
		return types.EmptyPeerID, nil, err
	}
	if rest == nil {
		return types.EmptyPeerID, nil, ErrMissingTransport
	}
	return id, rest, nil
}

// BuildFullAddr 在地址末尾追加 /p2p/<PeerID>
//
// 地址已以相同 PeerID 结尾时原样返回，结尾为不同 PeerID 时返回错误。
func BuildFullAddr(addr ma.Multiaddr, id types.PeerID) (ma.Multiaddr, error) {
	if addr == nil {
		return nil, ErrMissingTransport
	}
	if err := id.Validate(); err != nil {
		return nil, err
	}
	if existing, err := ExtractPeerID(addr); err == nil && !existing.IsEmpty() {
		if existing != id {
			return nil, fmt.Errorf("%w: %s", ErrPeerIDConflict, existing.ShortString())
		}
		return addr, nil
	}
	p2p, err := ma.NewComponent("p2p", id.String())
	if err != nil {
		return nil, err
	}
	return addr.Encapsulate(p2p), nil
}

// ExtractPeerID 提取末尾的 PeerID
//
// 地址不以 /p2p/<PeerID> 结尾时返回 EmptyPeerID 和 nil 错误。
func ExtractPeerID(addr ma.Multiaddr) (types.PeerID, error) {
	if addr == nil {
		return types.EmptyPeerID, nil
	}
	_, last := ma.SplitLast(addr)
	if last == nil || last.Protocol().Code != ma.P_P2P {
		return types.EmptyPeerID, nil
	}
	return types.ParsePeerID(last.Value())
}

// StripPeerID 移除末尾的 /p2p/<PeerID>
func StripPeerID(addr ma.Multiaddr) ma.Multiaddr {
	if addr == nil {
		return nil
	}
	rest, last := ma.SplitLast(addr)
	if last == nil || last.Protocol().Code != ma.P_P2P || rest == nil {
		return addr
	}
	return rest
}

// ============================================================================
//                              中继电路地址
// ============================================================================

// IsRelayAddr 是否包含 /p2p-circuit
func IsRelayAddr(addr ma.Multiaddr) bool {
	if addr == nil {
		return false
	}
	_, err := addr.ValueForProtocol(ma.P_CIRCUIT)
	return err == nil
}

// ParseRelayAddr 解析中继电路地址
//
//	<relay-transport>/p2p/<relay>/p2p-circuit[/p2p/<target>]
//
// 返回含 /p2p/<relay> 的中继地址、中继 ID 以及目标 ID（监听地址时为空）。
func ParseRelayAddr(addr ma.Multiaddr) (relayAddr ma.Multiaddr, relay, target types.PeerID, err error) {
	if !IsRelayAddr(addr) {
		return nil, "", "", ErrNotRelayAddr
	}
	relayAddr, circuit := ma.SplitFunc(addr, func(c ma.Component) bool {
		return c.Protocol().Code == ma.P_CIRCUIT
	})
	if relayAddr == nil {
		return nil, "", "", fmt.Errorf("%w: %s", ErrMissingTransport, addr)
	}
	relay, _, err = ParseFullAddr(relayAddr)
	if err != nil {
		return nil, "", "", fmt.Errorf("relay part: %w", err)
	}

	// circuit = /p2p-circuit[/p2p/<target>]
	_, tail := ma.SplitFirst(circuit)
	if tail != nil {
		if target, err = ExtractPeerID(tail); err != nil {
			return nil, "", "", fmt.Errorf("target part: %w", err)
		}
		if target.IsEmpty() {
			return nil, "", "", fmt.Errorf("%w: unexpected %s after /p2p-circuit", ErrNotRelayAddr, tail)
		}
	}
	return relayAddr, relay, target, nil
}

// CircuitListenAddr 返回经中继监听的地址 relay/p2p-circuit
func CircuitListenAddr(relayAddr ma.Multiaddr) ma.Multiaddr {
	return relayAddr.Encapsulate(ma.StringCast("/p2p-circuit"))
}

// CircuitAddr 返回经中继到达 target 的地址 relay/p2p-circuit/p2p/<target>
func CircuitAddr(relayAddr ma.Multiaddr, target types.PeerID) ma.Multiaddr {
	return relayAddr.Encapsulate(ma.StringCast("/p2p-circuit/p2p/" + target.String()))
}
