// Package natlink 让位于 NAT 之后的节点经中继协调建立直连
//
// 节点分两种角色：
//
//   - listener（hub）：公网可达，运行中继服务、ping 与 identify；
//   - dialer（client）：位于 NAT 之后，向 hub 注册中继预留，
//     经中继电路拨号其他 client，并在电路上协调打洞升级为直连，
//     打洞失败时保留中继连接。
//
// # 快速开始
//
//	cfg, _ := config.Load("natlink.json")
//
//	// 身份为 nil 时按 cfg.Identity 加载或生成密钥
//	node, err := natlink.New(types.RoleDialer, nil,
//	    natlink.WithConfig(cfg),
//	    natlink.WithRelay("203.0.113.7", 4001),
//	)
//	if err != nil {
//	    return err
//	}
//	defer node.Close()
//
//	if err := node.Bind(ctx); err != nil {
//	    return err
//	}
//	relay, _ := node.Config().RelayAddr(hubID)
//	if err := node.RegisterWithRelay(ctx, relay); err != nil {
//	    return err
//	}
//
//	go func() {
//	    for scanner.Scan() {
//	        if quit, err := node.Execute(ctx, scanner.Text()); quit {
//	            cancel()
//	        } else if err != nil {
//	            log.Warn("命令失败", "err", err)
//	        }
//	    }
//	}()
//	return node.RunForever(ctx)
//
// # 并发模型
//
// 节点的端点由一个守卫保护。命令（监听、拨号）持锁执行一次，
// 事件泵持锁排空一个有界周期（默认 100µs），二者轮流进行；
// 网络 goroutine 产生的事件进入无界队列，从不因守卫被占用而阻塞。
//
// 每个事件按分类表记录日志；表中没有的事件种类（EvtUnknown）是致命的，
// RunForever 以 *FatalEventError 返回。
//
// # 包组织
//
//	natlink (本包)            Node 门面、选项、Fx 组装、控制台命令
//	config                    JSON 配置与 NATLINK_* 环境变量
//	internal/session          守卫、事件分类、中继注册握手、经中继拨号
//	internal/core/swarm       端点实现：TCP 监听/拨号、升级、事件队列
//	internal/core/relay       中继服务端与客户端
//	internal/core/nat         STUN 与端口映射探测、打洞
//	internal/core/protocol    ping 与 identify
//	internal/core/metrics     Prometheus 指标
//	cmd/natlink               命令行程序
package natlink
