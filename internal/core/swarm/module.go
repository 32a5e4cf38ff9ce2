package swarm

import (
	"context"

	"go.uber.org/fx"

	"github.com/dep2p/go-natlink/config"
	"github.com/dep2p/go-natlink/internal/core/identity"
	"github.com/dep2p/go-natlink/pkg/interfaces"
)

// SwarmParams Swarm 依赖参数
type SwarmParams struct {
	fx.In

	Identity   *identity.Identity
	UnifiedCfg *config.Config `optional:"true"`
	LC         fx.Lifecycle
}

// SwarmOutput Swarm 模块输出
type SwarmOutput struct {
	fx.Out

	Swarm    *Swarm
	Host     interfaces.Host
	Endpoint interfaces.Endpoint
}

// Module Swarm Fx 模块
var Module = fx.Module("swarm",
	fx.Provide(provideSwarm),
)

// ConfigFromUnified 从统一配置创建 Swarm 配置
//
// 中继握手超时不在此处应用，由会话层以 ctx 控制。
func ConfigFromUnified(cfg *config.Config) *Config {
	c := DefaultConfig()
	if cfg == nil {
		return c
	}
	c.Muxer.KeepAliveInterval = cfg.Ping.Interval.Duration()
	return c
}

func provideSwarm(params SwarmParams) (SwarmOutput, error) {
	s, err := New(params.Identity, ConfigFromUnified(params.UnifiedCfg))
	if err != nil {
		return SwarmOutput{}, err
	}

	params.LC.Append(fx.Hook{
		OnStop: func(context.Context) error {
			return s.Close()
		},
	})
	return SwarmOutput{Swarm: s, Host: s, Endpoint: s}, nil
}
