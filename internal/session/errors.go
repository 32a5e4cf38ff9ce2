package session

import (
	"errors"
	"fmt"

	ma "github.com/multiformats/go-multiaddr"

	"github.com/dep2p/go-natlink/pkg/types"
)

// 会话错误
var (
	// ErrInvalidRelayAddr 中继地址缺少传输部分或 /p2p/<relay-id>
	ErrInvalidRelayAddr = errors.New("session: invalid relay address")

	// ErrNotRegistered 尚未完成中继注册
	ErrNotRegistered = errors.New("session: not registered with a relay")

	// ErrDialInProgress 到同一节点的拨号尚未结束
	ErrDialInProgress = errors.New("session: dial already in progress")

	// ErrDialSelf 拨号目标是本节点
	ErrDialSelf = errors.New("session: dial to self")

	// ErrEndpointClosed 端点事件流已关闭
	ErrEndpointClosed = errors.New("session: endpoint closed")
)

// FatalEventError 未分类事件
//
// 表示底层产生了协调器没有处理分支的事件。
type FatalEventError struct {
	Event types.Event
}

func (e *FatalEventError) Error() string {
	if u, ok := e.Event.(types.EvtUnknown); ok {
		return fmt.Sprintf("session: unclassified event %q", u.Name)
	}
	return fmt.Sprintf("session: unclassified event kind %s (%T)", e.Event.Kind(), e.Event)
}

// DialError 中继握手期间连接中继失败
type DialError struct {
	Relay types.PeerID
	Addr  ma.Multiaddr
	Err   error
}

func (e *DialError) Error() string {
	return fmt.Sprintf("session: dial relay %s at %s: %v", e.Relay.ShortString(), e.Addr, e.Err)
}

func (e *DialError) Unwrap() error {
	return e.Err
}
