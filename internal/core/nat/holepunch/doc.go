// Package holepunch 实现经中继协调的 TCP 打洞（DCUtR）
//
// 接受中继电路的一方（入站 + Relayed）在连接建立后发起协调：
//
//	A (发起方)                        B (响应方)
//	  │ ── CONNECT{A 的地址} ───────────▶ │
//	  │ ◀─────────── CONNECT{B 的地址} ── │   A 记录 RTT
//	  │ ── SYNC ────────────────────────▶ │   B 记录 RTT
//	  │   等待 RTT/2                      │   等待 max(RTT, 100ms)
//	  │ ── 从监听端口直连 B ─────────────▶ │
//	  │ ◀──────────── 仍无直连时 B 拨号 ── │
//
// 双方都以 SO_REUSEPORT 从监听端口拨号，发起方在安全握手中担任发起者。
// 结果以 EvtHolePunch 报告；失败时中继连接保留为备用路径。
package holepunch
