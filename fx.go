package natlink

import (
	"fmt"

	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"

	"github.com/dep2p/go-natlink/config"
	"github.com/dep2p/go-natlink/internal/core/identity"
	"github.com/dep2p/go-natlink/internal/core/metrics"
	"github.com/dep2p/go-natlink/internal/core/nat"
	"github.com/dep2p/go-natlink/internal/core/nat/holepunch"
	"github.com/dep2p/go-natlink/internal/core/protocol"
	"github.com/dep2p/go-natlink/internal/core/relay/client"
	"github.com/dep2p/go-natlink/internal/core/relay/server"
	"github.com/dep2p/go-natlink/internal/core/swarm"
	"github.com/dep2p/go-natlink/internal/session"
	"github.com/dep2p/go-natlink/pkg/interfaces"
	"github.com/dep2p/go-natlink/pkg/types"
)

// buildFxApp 构建 Fx 应用
//
// 按角色组装模块：
//   - 公共：Identity → Swarm → Protocol(ping, identify) → Metrics
//   - listener：中继服务
//   - dialer：中继客户端、可达性探测、打洞
//
// ident 为 nil 时由 identity.Module 按 cfg.Identity 加载或生成。
func buildFxApp(cfg *config.Config, ident *identity.Identity, userOpts []fx.Option, node *Node) (*fx.App, error) {
	// ════════════════════════════════════════════════════════════════════════
	// 1. 配置验证（前置）
	// ════════════════════════════════════════════════════════════════════════
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	// ════════════════════════════════════════════════════════════════════════
	// 2. 核心模块（必须加载）
	// ════════════════════════════════════════════════════════════════════════
	modules := []fx.Option{
		fx.Supply(cfg),
	}
	if ident != nil {
		modules = append(modules, fx.Supply(ident))
	} else {
		modules = append(modules, identity.Module())
	}
	modules = append(modules,
		swarm.Module,      // 端点
		protocol.Module(), // ping / identify，依赖 Host
		metrics.Module,    // 事件计数，可选 HTTP 服务
	)

	// ════════════════════════════════════════════════════════════════════════
	// 3. 角色模块
	// ════════════════════════════════════════════════════════════════════════
	switch cfg.Role {
	case types.RoleListener:
		modules = append(modules,
			server.Module,
			fx.Invoke(func(*server.Server) {}),
		)
	case types.RoleDialer:
		modules = append(modules,
			client.Module,
			fx.Invoke(func(*client.Client) {}),
			nat.Module, // 含打洞
		)
	default:
		return nil, fmt.Errorf("%w: %s", types.ErrInvalidRole, cfg.Role)
	}

	// ════════════════════════════════════════════════════════════════════════
	// 4. 用户扩展（Fx Options）
	// ════════════════════════════════════════════════════════════════════════
	if len(userOpts) > 0 {
		modules = append(modules, userOpts...)
	}

	// ════════════════════════════════════════════════════════════════════════
	// 5. Node 组件注入
	// ════════════════════════════════════════════════════════════════════════
	modules = append(modules, fx.Invoke(injectNodeComponents(node)))

	// ════════════════════════════════════════════════════════════════════════
	// 6. Fx 配置
	// ════════════════════════════════════════════════════════════════════════
	modules = append(modules,
		// 禁用 Fx 日志输出（避免干扰用户日志）
		fx.WithLogger(func() fxevent.Logger {
			return &fxevent.ZapLogger{Logger: zap.NewNop()}
		}),
		fx.NopLogger,
	)

	app := fx.New(modules...)
	if err := app.Err(); err != nil {
		return nil, err
	}
	return app, nil
}

// ════════════════════════════════════════════════════════════════════════════
// 组件注入辅助函数
// ════════════════════════════════════════════════════════════════════════════

// nodeInjectParams Node 组件注入参数
type nodeInjectParams struct {
	fx.In

	// 核心组件（必需）
	Identity  *identity.Identity
	Swarm     *swarm.Swarm
	Endpoint  interfaces.Endpoint
	Collector *metrics.Collector

	// 可选组件
	MetricsServer *metrics.Server    `optional:"true"`
	RelayServer   *server.Server     `optional:"true"`
	RelayClient   *client.Client     `optional:"true"`
	NATService    *nat.Service       `optional:"true"`
	HolePunch     *holepunch.Service `optional:"true"`
}

// injectNodeComponents 创建 Node 组件注入函数
func injectNodeComponents(node *Node) interface{} {
	return func(params nodeInjectParams) {
		node.attach(params.Identity.ID(), params.Endpoint)
		node.swarm = params.Swarm
		node.collector = params.Collector

		node.metricsServer = params.MetricsServer
		node.relayServer = params.RelayServer
		node.relayClient = params.RelayClient
		node.natService = params.NATService
		node.holePunch = params.HolePunch

		node.guard.Observe(func(ev types.Event, class session.Class) {
			params.Collector.Observe(ev, class.String())
		})
	}
}
