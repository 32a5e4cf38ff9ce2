// Package protocol 组装系统协议服务
//
// 系统协议在节点启动时注册到 Host，两种角色都会运行：
//
//   - Ping (/natlink/ping/1.0.0) - 存活检测和 RTT 测量
//   - Identify (/natlink/id/1.0.0) - 节点身份信息与观测地址交换
//
// 流的协议协商由 swarm 通过 multistream-select 完成，本包只负责服务的
// 创建与生命周期。
package protocol
