package natlink

import (
	"errors"

	"github.com/dep2p/go-natlink/internal/session"
)

// 公共错误定义
var (
	// ────────────────────────────────────────────────────────────────────────
	// 节点生命周期错误
	// ────────────────────────────────────────────────────────────────────────

	// ErrNodeClosed 节点已关闭
	ErrNodeClosed = errors.New("node closed")

	// ErrWrongRole 当前角色不支持该操作
	ErrWrongRole = errors.New("operation not supported by role")

	// ────────────────────────────────────────────────────────────────────────
	// 控制台命令错误
	// ────────────────────────────────────────────────────────────────────────

	// ErrUnknownCommand 未知命令
	ErrUnknownCommand = errors.New("unknown command")

	// ErrInvalidArguments 命令参数个数不对
	ErrInvalidArguments = errors.New("wrong number of arguments")

	// ────────────────────────────────────────────────────────────────────────
	// 会话错误（与 internal/session 相同的值）
	// ────────────────────────────────────────────────────────────────────────

	// ErrNotRegistered 尚未完成中继注册
	ErrNotRegistered = session.ErrNotRegistered

	// ErrInvalidRelayAddr 中继地址无效
	ErrInvalidRelayAddr = session.ErrInvalidRelayAddr

	// ErrDialInProgress 到该节点的拨号进行中
	ErrDialInProgress = session.ErrDialInProgress
)

// FatalEventError 未分类事件导致事件泵终止
type FatalEventError = session.FatalEventError

// DialError 中继拨号失败
type DialError = session.DialError
