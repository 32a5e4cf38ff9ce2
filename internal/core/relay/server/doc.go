// Package server 提供中继服务端（hub 角色）
//
// 服务端处理 HOP 协议：
//   - RESERVE：为请求方登记预留槽位，返回过期时间、中继地址与电路限制
//   - CONNECT：检查目标预留，以 STOP 协议通知目标，成功后双向拼接两条流
//
// 资源限制：
//   - 每个来源 IP 的预留请求速率（令牌桶）
//   - 预留总数、活跃电路总数与每节点电路数
//   - 单个电路的最长时间与单方向字节数
//
// 经中继到达的连接不能再申请预留或发起电路。
package server
