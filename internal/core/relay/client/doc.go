// Package client 实现中继客户端
//
// Client 实现 interfaces.CircuitTransport，安装到 swarm 后：
//
//   - Listen(<relay>/p2p-circuit) 触发 Reserve：连接中继、发送 HOP RESERVE，
//     在有效期过半时续租，续租失败或与中继断开时通知 swarm 预留丢失
//   - Dial(<relay>/p2p-circuit/p2p/<target>) 触发 DialCircuit：发送 HOP CONNECT，
//     中继同意后该流即成为原始电路
//   - 中继发来的 STOP CONNECT 被受理后交给 swarm.AcceptCircuit 升级
//
// 预留成功与续租成功都会发布 EvtReservationAccepted。
package client
