package interfaces

import (
	ma "github.com/multiformats/go-multiaddr"

	"github.com/dep2p/go-natlink/pkg/types"
)

// Endpoint 网络端点
//
// Listen 与 Dial 只做同步校验并发起操作，结果通过 Events 异步送达。
// 事件通道在 Close 之后关闭。
type Endpoint interface {
	// ID 返回本地节点 ID
	ID() types.PeerID

	// Listen 开始在 addr 上接受入站连接
	//
	// 以 /p2p-circuit 结尾的地址表示通过中继预留监听。
	Listen(addr ma.Multiaddr) error

	// Dial 发起出站连接
	//
	// 地址中包含 /p2p-circuit 时经中继拨号。
	Dial(addr ma.Multiaddr) error

	// Events 返回事件流
	Events() <-chan types.Event

	// ListenAddrs 返回当前监听地址
	ListenAddrs() []ma.Multiaddr

	// Close 关闭端点
	Close() error
}
