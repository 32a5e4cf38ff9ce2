// Package ping 实现存活检测协议
//
// ping 协议用于检测节点是否存活，测量往返延迟（RTT）。
//
// # 协议 ID
//
//	/natlink/ping/1.0.0
//
// # 消息格式
//
// 请求和响应都是 32 字节的随机数据，响应必须与请求相同。
//
// # 周期探测
//
// Service 对每个已连接节点周期性发起 Ping，结果以 EvtLiveness{Sent}
// 发布；处理入站 Ping 时发布 EvtLiveness{Received}。
//
// # 使用示例
//
//	rtt, err := ping.Ping(ctx, host, peerID)
//	if err != nil {
//	    log.Warn("节点不可达", "err", err)
//	}
package ping
