// Package tcp 实现 TCP 传输层
//
// tcp 提供原始 TCP 连接，需要配合 upgrader（Noise + yamux）使用。
//
// # 地址格式
//
//	/ip4/1.2.3.4/tcp/4001
//	/ip6/::1/tcp/4001
//	/dns/relay.example.com/tcp/4001
//
// # 端口复用
//
// 启用 ReusePort 时监听套接字设置 SO_REUSEADDR 与 SO_REUSEPORT，
// DialReuse 从监听端口发起连接。打洞时双方从各自的监听端口互相拨号，
// NAT 为同一映射放行对端的报文。
package tcp
