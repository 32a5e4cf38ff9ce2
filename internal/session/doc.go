// Package session 实现连接协调核心
//
// 组成：
//   - Guard: 端点的互斥访问守卫，命令与事件排空轮流持锁
//   - Table: 事件分类表，每种事件映射到 info / debug / error / fatal
//   - Establish: 中继注册握手，产生 RelayBinding
//   - PeerDialer: 经中继拨号，拒绝重复拨号，按 PeerID 决定发起方
//
// 锁的持有时间以一次命令或一个有界排空周期为限：
//
//	Guard.Do(fn)                 执行一条命令
//	Guard.Pump(ctx, d, table)    最多持锁 d，分类并记录事件
//	Guard.Drain(ctx, d, table, h) 同上，并把每个事件交给 h
//
// 未分类事件（EvtUnknown，或分类表中缺失的种类）以 *FatalEventError 终止排空。
package session
