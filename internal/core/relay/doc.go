// Package relay 实现中继协议
//
// # 组件
//
//   - pb: HOP / STOP 消息与帧编解码
//   - client: 在中继上预留槽位、经中继拨号、接收入站电路，
//     实现 interfaces.CircuitTransport
//   - server: 中继服务端（hub 角色），受理预留、转发电路并执行资源限制
//
// # 流程
//
//	client A                 relay R                  client B
//	   │                        │  <── HOP RESERVE ──────  │
//	   │                        │  ─── STATUS OK ───────>  │
//	   │ ── HOP CONNECT(B) ──>  │                          │
//	   │                        │  ─── STOP CONNECT(A) ──> │
//	   │                        │  <── STATUS OK ───────── │
//	   │ <── STATUS OK ──────── │                          │
//	   │ <══════════ 拼接后的电路（Noise + yamux）═══════> │
//
// 电路建立后两端在其上再执行一次完整的连接升级，中继无法读取内容。
package relay
