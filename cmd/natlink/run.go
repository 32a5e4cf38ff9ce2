package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/urfave/cli/v2"

	natlink "github.com/dep2p/go-natlink"
	"github.com/dep2p/go-natlink/config"
	"github.com/dep2p/go-natlink/internal/core/identity"
	"github.com/dep2p/go-natlink/internal/util/logger"
	"github.com/dep2p/go-natlink/pkg/types"
)

// ═══════════════════════════════════════════════════════════════════════════
// 配置
// ═══════════════════════════════════════════════════════════════════════════

// loadConfig 按优先级合并配置：默认值 → 配置文件 → 环境变量 → 命令行参数
func loadConfig(c *cli.Context, role types.Role) (*config.Config, error) {
	cfg := config.NewConfig(role)
	if path := c.String(flagConfig); path != "" {
		loaded, err := config.Load(path)
		if err != nil {
			return nil, fmt.Errorf("加载配置文件失败: %w", err)
		}
		cfg = loaded
	}
	if err := config.ApplyEnv(cfg); err != nil {
		return nil, err
	}
	applyFlags(c, cfg)

	if cfg.Role != role {
		log.Warn("配置中的角色被子命令覆盖", "config", cfg.Role, "command", role)
		cfg.Role = role
	}
	return cfg, cfg.Validate()
}

// applyFlags 应用显式设置的命令行参数
func applyFlags(c *cli.Context, cfg *config.Config) {
	if c.IsSet(flagPort) {
		cfg.ListenPort = c.Int(flagPort)
	}
	if c.IsSet(flagIPv6) {
		cfg.UseIPv6 = c.Bool(flagIPv6)
	}
	if c.IsSet(flagIdentity) {
		cfg.Identity.KeyFile = c.String(flagIdentity)
	}
	if c.IsSet(flagMetrics) {
		cfg.Metrics.Listen = c.String(flagMetrics)
	}
	if c.IsSet(flagRelayHost) {
		cfg.Relay.Host = c.String(flagRelayHost)
	}
	if c.IsSet(flagRelayPort) {
		cfg.Relay.Port = c.Int(flagRelayPort)
	}
	if c.IsSet(flagRelay) {
		cfg.Relay.Peer = c.String(flagRelay)
	}
	if c.IsSet(flagPeer) {
		cfg.Peers = append(cfg.Peers, c.StringSlice(flagPeer)...)
	}
	if c.IsSet(flagNoHolePunch) {
		cfg.NAT.HolePunch = !c.Bool(flagNoHolePunch)
	}
	if c.IsSet(flagPortMapping) {
		cfg.NAT.PortMapping = c.Bool(flagPortMapping)
	}

	// 配置文件中的日志设置低于命令行参数
	if cfg.Log.Level != "" && !c.IsSet(flagLogLevel) {
		logger.Configure(cfg.Log.Level, "")
	}
	if cfg.Log.Format != "" && !c.IsSet(flagLogFormat) {
		logger.Configure("", cfg.Log.Format)
	}
}

// ═══════════════════════════════════════════════════════════════════════════
// 子命令
// ═══════════════════════════════════════════════════════════════════════════

func runHub(c *cli.Context) error {
	cfg, err := loadConfig(c, types.RoleListener)
	if err != nil {
		return err
	}
	node, err := startNode(c, cfg)
	if err != nil {
		return err
	}
	defer node.Close()

	fmt.Fprintf(c.App.Writer, "hub peer id: %s\n", node.ID())
	return pump(c.Context, node)
}

func runClient(c *cli.Context) error {
	cfg, err := loadConfig(c, types.RoleDialer)
	if err != nil {
		return err
	}
	node, err := startNode(c, cfg)
	if err != nil {
		return err
	}
	defer node.Close()

	fmt.Fprintf(c.App.Writer, "client peer id: %s\n", node.ID())

	ctx, cancel := context.WithCancel(c.Context)
	defer cancel()

	relay, err := cfg.DefaultRelayAddr()
	if err != nil {
		return err
	}
	if relay != nil {
		if err := node.RegisterWithRelay(ctx, relay); err != nil {
			return fmt.Errorf("中继注册失败: %w", err)
		}
	}

	fmt.Fprintln(c.App.Writer, natlink.CommandUsage)
	go console(ctx, node, c.App.Reader, cancel)
	return pump(ctx, node)
}

func runID(c *cli.Context) error {
	cfg := config.DefaultIdentityConfig()
	if c.IsSet(flagIdentity) {
		cfg.KeyFile = c.String(flagIdentity)
	}
	id, err := identity.FromConfig(cfg)
	if err != nil {
		return err
	}
	fmt.Fprintln(c.App.Writer, id.ID())
	return nil
}

// ═══════════════════════════════════════════════════════════════════════════
// 辅助函数
// ═══════════════════════════════════════════════════════════════════════════

// startNode 创建节点并绑定监听地址
func startNode(c *cli.Context, cfg *config.Config) (*natlink.Node, error) {
	node, err := natlink.New(cfg.Role, nil, natlink.WithConfig(cfg))
	if err != nil {
		return nil, err
	}
	if err := node.Bind(c.Context); err != nil {
		_ = node.Close()
		return nil, err
	}
	if addr := node.MetricsAddr(); addr != "" {
		fmt.Fprintf(c.App.Writer, "metrics: http://%s/metrics\n", addr)
	}
	return node, nil
}

// pump 运行事件泵；ctx 结束视为正常退出
func pump(ctx context.Context, node *natlink.Node) error {
	err := node.RunForever(ctx)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// console 逐行读取命令，quit 时调用 stop
//
// 输入结束后节点继续运行，直到收到信号。
func console(ctx context.Context, node *natlink.Node, r io.Reader, stop context.CancelFunc) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		quit, err := node.Execute(ctx, scanner.Text())
		if err != nil {
			log.Warn("命令失败", "err", err)
			continue
		}
		if quit {
			stop()
			return
		}
	}
	if err := scanner.Err(); err != nil {
		log.Warn("读取标准输入失败", "err", err)
	}
}
