package natlink

import (
	"fmt"
	"time"

	"go.uber.org/fx"

	"github.com/dep2p/go-natlink/config"
	"github.com/dep2p/go-natlink/pkg/types"
)

// Option 用户配置选项函数
type Option func(*options) error

// options 内部选项结构
type options struct {
	// 基础配置（nil 时使用 config.NewConfig(role)）
	config *config.Config

	// 监听配置
	listenPort *int
	useIPv6    *bool

	// 中继配置
	relay struct {
		host    string
		port    int
		timeout *time.Duration
	}

	// 事件泵配置
	pumpInterval *time.Duration
	bindTimeout  *time.Duration

	// 自动连接的节点
	peers []string

	// NAT 配置
	holePunch   *bool
	portMapping *bool

	// 指标服务地址
	metricsListen *string

	// 用户扩展
	userFxOptions []fx.Option
}

// newOptions 创建默认选项
func newOptions() *options {
	return &options{}
}

// toConfig 合并为节点配置
//
// 基础配置被复制，调用方持有的配置不会被修改。
func (o *options) toConfig(role types.Role) *config.Config {
	var cfg config.Config
	if o.config != nil {
		cfg = *o.config
		cfg.Peers = append([]string(nil), o.config.Peers...)
		cfg.NAT.STUNServers = append([]string(nil), o.config.NAT.STUNServers...)
	} else {
		cfg = *config.NewConfig(role)
	}
	cfg.Role = role

	if o.listenPort != nil {
		cfg.ListenPort = *o.listenPort
	}
	if o.useIPv6 != nil {
		cfg.UseIPv6 = *o.useIPv6
	}

	// 覆盖: 中继
	if o.relay.host != "" {
		cfg.Relay.Host = o.relay.host
		cfg.Relay.Port = o.relay.port
	}
	if o.relay.timeout != nil {
		cfg.Relay.Timeout = config.Duration(*o.relay.timeout)
	}

	// 覆盖: 事件泵
	if o.pumpInterval != nil {
		cfg.Pump.Interval = config.Duration(*o.pumpInterval)
	}
	if o.bindTimeout != nil {
		cfg.BindTimeout = config.Duration(*o.bindTimeout)
	}

	if len(o.peers) > 0 {
		cfg.Peers = append(cfg.Peers, o.peers...)
	}

	// 覆盖: NAT
	if o.holePunch != nil {
		cfg.NAT.HolePunch = *o.holePunch
	}
	if o.portMapping != nil {
		cfg.NAT.PortMapping = *o.portMapping
	}

	if o.metricsListen != nil {
		cfg.Metrics.Listen = *o.metricsListen
	}
	return &cfg
}

// ============================================================================
//                              配置选项
// ============================================================================

// WithConfig 使用完整配置作为基础
//
// 配置中的 role 被 New 的 role 参数覆盖。
func WithConfig(cfg *config.Config) Option {
	return func(o *options) error {
		if cfg == nil {
			return fmt.Errorf("配置不能为空")
		}
		o.config = cfg
		return nil
	}
}

// ============================================================================
//                              监听选项
// ============================================================================

// WithListenPort 设置 TCP 监听端口
//
// port=0：listener 使用默认端口 4001，dialer 由系统分配。
func WithListenPort(port int) Option {
	return func(o *options) error {
		if port < 0 || port > 65535 {
			return fmt.Errorf("无效的端口号: %d", port)
		}
		o.listenPort = &port
		return nil
	}
}

// WithIPv6 在 IPv6 通配地址上监听
func WithIPv6(enable bool) Option {
	return func(o *options) error {
		o.useIPv6 = &enable
		return nil
	}
}

// WithBindTimeout 设置 Bind 等待首个监听地址的最长时间
func WithBindTimeout(d time.Duration) Option {
	return func(o *options) error {
		if d <= 0 {
			return fmt.Errorf("绑定超时必须为正数: %s", d)
		}
		o.bindTimeout = &d
		return nil
	}
}

// ============================================================================
//                              中继选项
// ============================================================================

// WithRelay 设置中继主机与端口
//
// 控制台命令 "relay <peer-id>" 用它构造中继地址。
//
// 示例:
//
//	natlink.New(types.RoleDialer, id, natlink.WithRelay("203.0.113.7", 4001))
func WithRelay(host string, port int) Option {
	return func(o *options) error {
		if host == "" {
			return fmt.Errorf("中继主机不能为空")
		}
		if port <= 0 || port > 65535 {
			return fmt.Errorf("无效的中继端口: %d", port)
		}
		o.relay.host = host
		o.relay.port = port
		return nil
	}
}

// WithRelayTimeout 设置中继握手超时，0 表示不限
func WithRelayTimeout(d time.Duration) Option {
	return func(o *options) error {
		if d < 0 {
			return fmt.Errorf("中继超时不能为负数: %s", d)
		}
		o.relay.timeout = &d
		return nil
	}
}

// WithPeers 中继注册完成后自动连接的节点
func WithPeers(peers ...types.PeerID) Option {
	return func(o *options) error {
		for _, p := range peers {
			if err := p.Validate(); err != nil {
				return err
			}
			o.peers = append(o.peers, p.String())
		}
		return nil
	}
}

// ============================================================================
//                              事件泵选项
// ============================================================================

// WithPumpInterval 设置单次排空周期
func WithPumpInterval(d time.Duration) Option {
	return func(o *options) error {
		if d <= 0 {
			return fmt.Errorf("排空周期必须为正数: %s", d)
		}
		o.pumpInterval = &d
		return nil
	}
}

// ============================================================================
//                              NAT 选项
// ============================================================================

// WithHolePunch 启用或禁用打洞（仅 dialer）
func WithHolePunch(enable bool) Option {
	return func(o *options) error {
		o.holePunch = &enable
		return nil
	}
}

// WithPortMapping 启用或禁用 NAT-PMP / UPnP 端口映射（仅 dialer）
func WithPortMapping(enable bool) Option {
	return func(o *options) error {
		o.portMapping = &enable
		return nil
	}
}

// ============================================================================
//                              指标选项
// ============================================================================

// WithMetrics 在 addr 上提供 /metrics、/health 与 /debug/pprof
//
// 安全警告: 不建议暴露到公网，pprof 端点可能泄露敏感信息。
func WithMetrics(addr string) Option {
	return func(o *options) error {
		o.metricsListen = &addr
		return nil
	}
}

// ============================================================================
//                              扩展选项
// ============================================================================

// WithFxOptions 追加自定义 Fx 选项
func WithFxOptions(opts ...fx.Option) Option {
	return func(o *options) error {
		o.userFxOptions = append(o.userFxOptions, opts...)
		return nil
	}
}
