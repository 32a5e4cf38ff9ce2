// Package interfaces 定义 natlink 组件之间的公共接口
//
// 接口分为两层：
//   - Endpoint: 协调引擎（internal/session）看到的网络端点，只暴露
//     监听、拨号与事件流；
//   - Host: 协议服务（ping、identify、relay、holepunch）看到的网络端点，
//     额外提供流处理、连接通知与事件发布。
//
// internal/core/swarm.Swarm 同时实现两者。
package interfaces
