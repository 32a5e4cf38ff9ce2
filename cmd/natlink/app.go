package main

import (
	"github.com/urfave/cli/v2"

	"github.com/dep2p/go-natlink/internal/util/logger"
	"github.com/dep2p/go-natlink/pkg/protocol"
)

var log = logger.Logger("cmd")

// ═══════════════════════════════════════════════════════════════════════════
// 命令行参数
// ═══════════════════════════════════════════════════════════════════════════
//
// 优先级：命令行参数 > NATLINK_* 环境变量 > JSON 配置文件 > 默认值
//
// ═══════════════════════════════════════════════════════════════════════════

const (
	flagConfig      = "config"
	flagLogLevel    = "log-level"
	flagLogFormat   = "log-format"
	flagPort        = "port"
	flagIPv6        = "ipv6"
	flagIdentity    = "identity"
	flagMetrics     = "metrics"
	flagRelayHost   = "relay-host"
	flagRelayPort   = "relay-port"
	flagRelay       = "relay"
	flagPeer        = "peer"
	flagNoHolePunch = "no-hole-punch"
	flagPortMapping = "port-mapping"
)

func newApp() *cli.App {
	return &cli.App{
		Name:    "natlink",
		Usage:   "NAT 穿透：经中继注册并协调打洞",
		Version: protocol.AgentVersion,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    flagConfig,
				Aliases: []string{"c"},
				Usage:   "JSON 配置文件路径",
			},
			&cli.StringFlag{
				Name:  flagLogLevel,
				Usage: "日志级别，格式同 NATLINK_LOG_LEVEL（如 debug 或 session=debug,info）",
			},
			&cli.StringFlag{
				Name:  flagLogFormat,
				Usage: "日志格式：text 或 json",
			},
		},
		Before: func(c *cli.Context) error {
			logger.Configure(c.String(flagLogLevel), c.String(flagLogFormat))
			return nil
		},
		Commands: []*cli.Command{
			hubCommand(),
			clientCommand(),
			idCommand(),
		},
	}
}

// commonFlags hub 与 client 共用的参数
func commonFlags() []cli.Flag {
	return []cli.Flag{
		&cli.IntFlag{
			Name:  flagPort,
			Usage: "TCP 监听端口（hub 默认 4001，client 默认随机）",
		},
		&cli.BoolFlag{
			Name:  flagIPv6,
			Usage: "在 IPv6 通配地址上监听",
		},
		&cli.StringFlag{
			Name:  flagIdentity,
			Usage: "身份密钥文件路径（不存在时生成）",
		},
		&cli.StringFlag{
			Name:  flagMetrics,
			Usage: "Prometheus /metrics 监听地址（如 127.0.0.1:9100）",
		},
	}
}

func hubCommand() *cli.Command {
	return &cli.Command{
		Name:   "hub",
		Usage:  "运行中继节点（listener）",
		Flags:  commonFlags(),
		Action: runHub,
	}
}

func clientCommand() *cli.Command {
	return &cli.Command{
		Name:  "client",
		Usage: "运行 NAT 后的节点（dialer），从标准输入读取命令",
		Flags: append(commonFlags(),
			&cli.StringFlag{
				Name:  flagRelayHost,
				Usage: "中继主机（IP 或域名）",
			},
			&cli.IntFlag{
				Name:  flagRelayPort,
				Usage: "中继端口",
			},
			&cli.StringFlag{
				Name:  flagRelay,
				Usage: "中继 PeerID，设置后启动时自动注册",
			},
			&cli.StringSliceFlag{
				Name:  flagPeer,
				Usage: "注册后自动连接的 PeerID（可重复）",
			},
			&cli.BoolFlag{
				Name:  flagNoHolePunch,
				Usage: "禁用打洞，只使用中继电路",
			},
			&cli.BoolFlag{
				Name:  flagPortMapping,
				Usage: "启用 NAT-PMP / UPnP 端口映射",
			},
		),
		Action: runClient,
	}
}

func idCommand() *cli.Command {
	return &cli.Command{
		Name:  "id",
		Usage: "打印本节点 PeerID（密钥不存在时生成）",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  flagIdentity,
				Usage: "身份密钥文件路径",
			},
		},
		Action: runID,
	}
}
