package client

import (
	"context"

	"go.uber.org/fx"

	"github.com/dep2p/go-natlink/pkg/interfaces"
)

// Module 中继客户端 Fx 模块
var Module = fx.Module("relay.client",
	fx.Provide(provideClient),
)

func provideClient(host interfaces.Host, lc fx.Lifecycle) *Client {
	c := NewClient(host)
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			c.Start()
			return nil
		},
		OnStop: func(context.Context) error {
			return c.Close()
		},
	})
	return c
}
