// Package types 定义 natlink 的基础类型
//
// 这是整个系统的最底层包，不依赖任何其他 natlink 内部包。
// 所有类型都是纯值类型，用于在各模块间传递数据：
//   - PeerID: 节点标识（由 Ed25519 公钥派生）
//   - Role: 节点角色（监听者 / 拨号者），构造时确定
//   - Direction: 连接方向
//   - Event: 封闭的连接事件集合
package types
