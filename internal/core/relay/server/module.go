package server

import (
	"context"

	"go.uber.org/fx"

	"github.com/dep2p/go-natlink/config"
	"github.com/dep2p/go-natlink/pkg/interfaces"
)

// Params 中继服务依赖参数
type Params struct {
	fx.In

	Host       interfaces.Host
	UnifiedCfg *config.Config `optional:"true"`
	LC         fx.Lifecycle
}

// Module 中继服务 Fx 模块（listener 角色）
var Module = fx.Module("relay.server",
	fx.Provide(provideServer),
)

// ConfigFromUnified 从统一配置创建中继服务配置
func ConfigFromUnified(cfg *config.Config) Config {
	if cfg == nil {
		return DefaultConfig()
	}
	rs := cfg.RelayService
	return Config{
		MaxReservations:    rs.MaxReservations,
		ReservationTTL:     rs.ReservationTTL.Duration(),
		MaxCircuits:        rs.MaxCircuits,
		MaxCircuitsPerPeer: rs.MaxCircuitsPerPeer,
		MaxCircuitDuration: rs.MaxCircuitDuration.Duration(),
		MaxCircuitBytes:    rs.MaxCircuitBytes,
		ReservationRate:    rs.ReservationRate,
		ReservationBurst:   rs.ReservationBurst,
	}
}

func provideServer(p Params) *Server {
	s := New(p.Host, ConfigFromUnified(p.UnifiedCfg))
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
