// Package metrics 提供 natlink 事件指标
//
// Collector 作为事件泵的观察者，按事件种类与分类计数，
// 并维护连接、打洞、中继相关的细分指标：
//
//	natlink_events_total{kind, class}
//	natlink_connections{transport}          当前连接数（direct / relayed）
//	natlink_hole_punch_total{outcome}
//	natlink_relay_server_total{action}
//	natlink_reservations_total{renewal}
//
// metrics.listen 非空时，Server 在该地址以 /metrics 暴露 Prometheus 文本格式。
package metrics
