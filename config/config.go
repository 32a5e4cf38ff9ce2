// Package config 提供 natlink 节点配置
//
// 配置来源按优先级从低到高：
//  1. 默认值（NewConfig）
//  2. JSON 配置文件（Load）
//  3. NATLINK_* 环境变量（ApplyEnv）
//  4. 命令行参数（cmd/natlink）
//
// 配置文件示例（hub）：
//
//	{
//	  "role": "hub",
//	  "listen_port": 4001,
//	  "relay_service": {"max_reservations": 64}
//	}
//
// 配置文件示例（client）：
//
//	{
//	  "role": "client",
//	  "relay": {"host": "203.0.113.7", "port": 4001, "peer": "12D3KooW..."},
//	  "peers": ["12D3KooW..."]
//	}
package config

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	ma "github.com/multiformats/go-multiaddr"

	"github.com/dep2p/go-natlink/pkg/types"
)

// ErrInvalidConfig 配置无效
var ErrInvalidConfig = errors.New("invalid config")

// DefaultHubPort hub 角色默认监听端口
const DefaultHubPort = 4001

// Config 节点配置
type Config struct {
	// Role 节点角色：hub/listener 或 client/dialer
	Role types.Role `json:"role"`

	// UseIPv6 监听 IPv6 通配地址
	UseIPv6 bool `json:"use_ipv6,omitempty"`

	// ListenPort 监听端口
	// listener 角色为 0 时使用 DefaultHubPort；dialer 角色为 0 时随机分配
	ListenPort int `json:"listen_port,omitempty"`

	// BindTimeout 等待首个监听地址的最长时间
	BindTimeout Duration `json:"bind_timeout,omitempty"`

	// Peers dialer 完成中继注册后自动连接的节点
	Peers []string `json:"peers,omitempty"`

	Identity     IdentityConfig     `json:"identity"`
	Relay        RelayConfig        `json:"relay"`
	RelayService RelayServiceConfig `json:"relay_service"`
	Pump         PumpConfig         `json:"pump"`
	Ping         PingConfig         `json:"ping"`
	NAT          NATConfig          `json:"nat"`
	Metrics      MetricsConfig      `json:"metrics"`
	Log          LogConfig          `json:"log"`
}

// NewConfig 创建指定角色的默认配置
func NewConfig(role types.Role) *Config {
	return &Config{
		Role:         role,
		BindTimeout:  Duration(time.Second),
		Identity:     DefaultIdentityConfig(),
		Relay:        DefaultRelayConfig(),
		RelayService: DefaultRelayServiceConfig(),
		Pump:         DefaultPumpConfig(),
		Ping:         DefaultPingConfig(),
		NAT:          DefaultNATConfig(),
	}
}

// Validate 验证配置
func (c *Config) Validate() error {
	if !c.Role.IsValid() {
		return fmt.Errorf("%w: role must be hub or client", ErrInvalidConfig)
	}
	if c.ListenPort < 0 || c.ListenPort > 65535 {
		return fmt.Errorf("%w: listen_port %d out of range", ErrInvalidConfig, c.ListenPort)
	}
	if c.BindTimeout <= 0 {
		return fmt.Errorf("%w: bind_timeout must be positive", ErrInvalidConfig)
	}
	for _, p := range c.Peers {
		if _, err := types.ParsePeerID(p); err != nil {
			return fmt.Errorf("%w: peers: %v", ErrInvalidConfig, err)
		}
	}

	for _, sub := range []interface{ Validate() error }{
		&c.Identity, &c.Relay, &c.RelayService, &c.Pump, &c.Ping, &c.NAT, &c.Metrics,
	} {
		if err := sub.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// EffectiveListenPort 返回实际使用的监听端口
func (c *Config) EffectiveListenPort() int {
	if c.ListenPort == 0 && c.Role == types.RoleListener {
		return DefaultHubPort
	}
	return c.ListenPort
}

// ListenAddr 返回本地监听地址
//
//	/ip4/0.0.0.0/tcp/<port> 或 /ip6/::/tcp/<port>
func (c *Config) ListenAddr() ma.Multiaddr {
	port := strconv.Itoa(c.EffectiveListenPort())
	if c.UseIPv6 {
		return ma.StringCast("/ip6/::/tcp/" + port)
	}
	return ma.StringCast("/ip4/0.0.0.0/tcp/" + port)
}

// RelayAddr 使用配置的中继主机和端口构造中继地址
//
//	/ip4/<host>/tcp/<port>/p2p/<relay>
func (c *Config) RelayAddr(relay types.PeerID) (ma.Multiaddr, error) {
	if c.Relay.Host == "" {
		return nil, fmt.Errorf("%w: relay.host not set", ErrInvalidConfig)
	}
	if err := relay.Validate(); err != nil {
		return nil, err
	}
	return ma.NewMultiaddr(hostComponent(c.Relay.Host) + "/tcp/" + strconv.Itoa(c.Relay.Port) + "/p2p/" + relay.String())
}

// DefaultRelayAddr 返回配置中完整的中继地址（relay.peer 未设置时返回 nil）
func (c *Config) DefaultRelayAddr() (ma.Multiaddr, error) {
	if c.Relay.Peer == "" {
		return nil, nil
	}
	return c.RelayAddr(types.PeerID(c.Relay.Peer))
}

// hostComponent 将主机名转换为 multiaddr 前缀
func hostComponent(host string) string {
	if ip := net.ParseIP(host); ip != nil {
		if ip.To4() != nil {
			return "/ip4/" + ip.String()
		}
		return "/ip6/" + ip.String()
	}
	return "/dns/" + host
}
