// Package protocol 定义 natlink 协议标识符
//
// 本包是所有协议 ID 的单一来源，各模块从此处引用协议常量。
// 格式: /natlink/<protocol>/<version>
package protocol

// ID 协议标识符
type ID string

// String 返回协议ID字符串
func (id ID) String() string {
	return string(id)
}

// ============================================================================
//                           连接升级协议
// ============================================================================

const (
	// Noise 安全通道
	Noise ID = "/noise"

	// Yamux 流多路复用
	Yamux ID = "/yamux/1.0.0"
)

// ============================================================================
//                           系统协议
// ============================================================================

const (
	// Ping 存活检测协议
	Ping ID = "/natlink/ping/1.0.0"

	// Identify 身份识别协议
	// 用于交换监听地址并告知对端其观测地址
	Identify ID = "/natlink/id/1.0.0"

	// HolePunch 打洞协调协议
	HolePunch ID = "/natlink/dcutr/1.0.0"
)

// ============================================================================
//                           中继协议
// ============================================================================

const (
	// RelayHop 客户端 -> 中继：预留与连接请求
	RelayHop ID = "/natlink/relay/hop/1.0.0"

	// RelayStop 中继 -> 目标：电路到达通知
	RelayStop ID = "/natlink/relay/stop/1.0.0"
)

// ============================================================================
//                           版本信息
// ============================================================================

const (
	// Version 身份协议中声明的协议版本
	Version = "natlink/1.0.0"

	// VersionConstraint 可互通的协议版本范围
	VersionConstraint = "^1.0.0"

	// AgentVersion 默认代理版本
	AgentVersion = "go-natlink/0.1.0"
)

// Strings 将协议 ID 列表转换为字符串
func Strings(ids []ID) []string {
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = string(id)
	}
	return out
}
