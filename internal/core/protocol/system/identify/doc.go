// Package identify 实现节点身份识别协议
//
// identify 协议用于在连接建立后交换节点信息，包括：
//   - 节点 ID 和公钥
//   - 支持的协议列表
//   - 监听地址
//   - 对端观测到的地址
//   - 代理版本与协议版本
//
// # 协议 ID
//
//	/natlink/id/1.0.0
//
// # 流程
//
//  1. 连接建立后双方各自打开 identify 流
//  2. 响应方写入 JSON 编码的 IdentifyInfo 并发布 EvtIdentifySent
//  3. 请求方校验公钥与版本，缓存信息并发布 EvtIdentifyReceived
//
// 中继会话依赖这两个事件判断"已告知中继"与"已获知观测地址"。
package identify
