package swarm

import "errors"

var (
	// ErrSwarmClosed Swarm 已关闭
	ErrSwarmClosed = errors.New("swarm closed")

	// ErrInvalidAddr 无效地址
	ErrInvalidAddr = errors.New("invalid address")

	// ErrNoTransport 没有可用传输层
	ErrNoTransport = errors.New("no transport for address")

	// ErrNoCircuitTransport 未安装中继电路传输
	ErrNoCircuitTransport = errors.New("no circuit transport")

	// ErrNoConnection 没有连接
	ErrNoConnection = errors.New("no connection to peer")

	// ErrDialToSelf 尝试拨号自己
	ErrDialToSelf = errors.New("dial to self attempted")

	// ErrInvalidConfig 无效配置
	ErrInvalidConfig = errors.New("invalid swarm config")
)
