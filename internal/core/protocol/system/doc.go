// Package system 实现系统协议
//
// # 系统协议
//
//   - identify: 节点身份识别协议
//   - ping: 存活检测协议
//
// # 协议 ID
//
//   - /natlink/id/1.0.0
//   - /natlink/ping/1.0.0
package system
