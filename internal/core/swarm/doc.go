// Package swarm 实现网络端点
//
// Swarm 同时实现 interfaces.Endpoint（会话层使用）和 interfaces.Host
// （协议服务使用）：
//
//   - 监听 TCP 地址，通配地址按本地接口展开，每个地址产生一个 EvtListenAddrBound
//   - 拨号 TCP 地址或 /p2p-circuit 中继地址，结果以 EvtConnectionEstablished
//     或 EvtDialError 异步送达
//   - 入站连接升级失败产生 EvtIncomingConnectionError
//   - 连接上的流通过 multistream-select 分发到已注册的协议处理器
//
// # 事件队列
//
// 事件队列无界：网络 goroutine 发布事件从不阻塞，即使会话层正持有守卫。
// 事件通道在 Close 之后关闭。
//
// # 中继
//
// /p2p-circuit 地址的监听与拨号委托给 SetCircuitTransport 安装的电路传输
// （relay/client）。电路建立后在其上再次执行 Noise + yamux 升级。
package swarm
