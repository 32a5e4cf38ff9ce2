package metrics

import (
	"context"

	"go.uber.org/fx"

	"github.com/dep2p/go-natlink/config"
)

// Params 指标模块依赖参数
type Params struct {
	fx.In

	UnifiedCfg *config.Config `optional:"true"`
	LC         fx.Lifecycle
}

// Output 指标模块输出
type Output struct {
	fx.Out

	Collector *Collector
	Server    *Server
}

// Module 指标 Fx 模块
var Module = fx.Module("metrics",
	fx.Provide(provide),
)

func provide(p Params) Output {
	c := NewCollector()
	if p.UnifiedCfg == nil || p.UnifiedCfg.Metrics.Listen == "" {
		return Output{Collector: c}
	}

	s := NewServer(c, p.UnifiedCfg.Metrics.Listen)
	p.LC.Append(fx.Hook{
		OnStart: func(context.Context) error {
			return s.Start()
		},
		OnStop: func(context.Context) error {
			return s.Stop()
		},
	})
	return Output{Collector: c, Server: s}
}
