// Package nat 实现可达性探测与 NAT 穿透服务
//
// 子包：
//   - stun: 通过 STUN Binding 请求获取公网 IP
//   - portmap: NAT-PMP / UPnP 端口映射
//   - holepunch: 经中继协调的 TCP 打洞
//
// Service 周期性地探测外部地址：启动后等待 BootDelay，
// 成功后每隔 RefreshInterval 刷新，失败后每隔 RetryInterval 重试。
// 发现的地址经 Host.AddExternalAddr 记录并以 EvtExternalAddress 发布，
// 随后由 identify 与打洞协议向对端公布。
package nat
