package protocol

import (
	"context"

	"go.uber.org/fx"

	"github.com/dep2p/go-natlink/config"
	"github.com/dep2p/go-natlink/internal/core/protocol/system/identify"
	"github.com/dep2p/go-natlink/internal/core/protocol/system/ping"
	"github.com/dep2p/go-natlink/internal/util/logger"
	"github.com/dep2p/go-natlink/pkg/interfaces"
	"github.com/dep2p/go-natlink/pkg/protocol"
)

var log = logger.Logger("protocol")

// Params 系统协议依赖参数
type Params struct {
	fx.In

	Host       interfaces.Host
	UnifiedCfg *config.Config `optional:"true"`
}

// Output 系统协议服务
type Output struct {
	fx.Out

	Ping     *ping.Service
	Identify *identify.Service
}

// Module 返回 Fx 模块
func Module() fx.Option {
	return fx.Module("protocol",
		fx.Provide(ProvideServices),
		fx.Invoke(registerSystemProtocols),
	)
}

// PingConfigFromUnified 从统一配置创建 Ping 配置
func PingConfigFromUnified(cfg *config.Config) ping.Config {
	if cfg == nil {
		return ping.DefaultConfig()
	}
	return ping.Config{
		Interval: cfg.Ping.Interval.Duration(),
		Timeout:  cfg.Ping.Timeout.Duration(),
	}
}

// ProvideServices 提供 Ping 与 Identify 服务
func ProvideServices(p Params) (Output, error) {
	idSvc, err := identify.NewService(p.Host, protocol.AgentVersion)
	if err != nil {
		return Output{}, err
	}
	return Output{
		Ping:     ping.NewService(p.Host, PingConfigFromUnified(p.UnifiedCfg)),
		Identify: idSvc,
	}, nil
}

type systemProtocolsInput struct {
	fx.In

	Lifecycle fx.Lifecycle
	Host      interfaces.Host
	Ping      *ping.Service
	Identify  *identify.Service
}

// registerSystemProtocols 在启动时注册系统协议，停止时注销
func registerSystemProtocols(input systemProtocolsInput) {
	input.Lifecycle.Append(fx.Hook{
		OnStart: func(context.Context) error {
			input.Ping.Start()
			input.Identify.Start()
			log.Info("系统协议注册完成",
				"nodeID", input.Host.ID().ShortString(),
				"protocols", []protocol.ID{ping.ProtocolID, identify.ProtocolID})
			return nil
		},
		OnStop: func(context.Context) error {
			input.Identify.Stop()
			input.Ping.Stop()
			return nil
		},
	})
}
