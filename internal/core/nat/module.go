package nat

import (
	"context"

	"go.uber.org/fx"

	"github.com/dep2p/go-natlink/config"
	"github.com/dep2p/go-natlink/internal/core/nat/holepunch"
	"github.com/dep2p/go-natlink/pkg/interfaces"
)

// Params NAT 模块依赖参数
type Params struct {
	fx.In

	Host       interfaces.Host
	UnifiedCfg *config.Config `optional:"true"`
	LC         fx.Lifecycle
}

// Module NAT Fx 模块（dialer 角色）
//
// 提供可达性探测服务；nat.hole_punch 启用时同时提供打洞服务。
var Module = fx.Module("nat",
	fx.Provide(provideService, provideHolePunch),
	fx.Invoke(func(*Service, *holepunch.Service) {}),
)

// ConfigFromUnified 从统一配置创建 NAT 配置
func ConfigFromUnified(cfg *config.Config) Config {
	if cfg == nil {
		return DefaultConfig()
	}
	n := cfg.NAT
	return Config{
		STUNServers:     n.STUNServers,
		PortMapping:     n.PortMapping,
		BootDelay:       n.BootDelay.Duration(),
		RetryInterval:   n.RetryInterval.Duration(),
		RefreshInterval: n.RefreshInterval.Duration(),
	}
}

func provideService(p Params) *Service {
	s := NewService(p.Host, ConfigFromUnified(p.UnifiedCfg))
	p.LC.Append(fx.Hook{
		OnStart: func(context.Context) error {
			s.Start()
			return nil
		},
		OnStop: func(context.Context) error {
			return s.Close()
		},
	})
	return s
}

func provideHolePunch(p Params) *holepunch.Service {
	if p.UnifiedCfg != nil && !p.UnifiedCfg.NAT.HolePunch {
		log.Info("打洞已禁用")
		return nil
	}
	hp := holepunch.NewService(p.Host)
	p.LC.Append(fx.Hook{
		OnStart: func(context.Context) error {
			hp.Start()
			return nil
		},
		OnStop: func(context.Context) error {
			return hp.Close()
		},
	})
	return hp
}
