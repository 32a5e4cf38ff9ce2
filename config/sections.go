package config

import (
	"fmt"
	"net"
	"time"

	"github.com/dep2p/go-natlink/pkg/types"
)

// ============================================================================
//                              身份
// ============================================================================

// IdentityConfig 身份配置
type IdentityConfig struct {
	// KeyFile 私钥文件路径，支持 "~"
	KeyFile string `json:"key_file,omitempty"`

	// Ephemeral 使用临时身份，不读写密钥文件
	Ephemeral bool `json:"ephemeral,omitempty"`
}

// DefaultIdentityConfig 默认身份配置
func DefaultIdentityConfig() IdentityConfig {
	return IdentityConfig{KeyFile: "~/.natlink/identity.key"}
}

// Validate 验证身份配置
func (c *IdentityConfig) Validate() error {
	if !c.Ephemeral && c.KeyFile == "" {
		return fmt.Errorf("%w: identity.key_file required unless ephemeral", ErrInvalidConfig)
	}
	return nil
}

// ============================================================================
//                              中继（客户端）
// ============================================================================

// RelayConfig dialer 使用的中继
type RelayConfig struct {
	// Host 中继主机（IP 或域名）
	Host string `json:"host,omitempty"`

	// Port 中继端口
	Port int `json:"port,omitempty"`

	// Peer 中继 PeerID；设置后启动时自动注册
	Peer string `json:"peer,omitempty"`

	// Timeout 中继握手超时，0 表示不限
	Timeout Duration `json:"timeout,omitempty"`
}

// DefaultRelayConfig 默认中继配置
func DefaultRelayConfig() RelayConfig {
	return RelayConfig{Port: DefaultHubPort}
}

// Validate 验证中继配置
func (c *RelayConfig) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("%w: relay.port %d out of range", ErrInvalidConfig, c.Port)
	}
	if c.Timeout < 0 {
		return fmt.Errorf("%w: relay.timeout must not be negative", ErrInvalidConfig)
	}
	if c.Peer != "" {
		if c.Host == "" {
			return fmt.Errorf("%w: relay.peer set without relay.host", ErrInvalidConfig)
		}
		if _, err := types.ParsePeerID(c.Peer); err != nil {
			return fmt.Errorf("%w: relay.peer: %v", ErrInvalidConfig, err)
		}
	}
	return nil
}

// ============================================================================
//                              中继（服务端）
// ============================================================================

// RelayServiceConfig listener 角色提供的中继服务
type RelayServiceConfig struct {
	// MaxReservations 最大预留数
	MaxReservations int `json:"max_reservations,omitempty"`

	// ReservationTTL 预留有效期，客户端在一半时间时续租
	ReservationTTL Duration `json:"reservation_ttl,omitempty"`

	// MaxCircuits 最大活跃电路数
	MaxCircuits int `json:"max_circuits,omitempty"`

	// MaxCircuitsPerPeer 每个节点的最大电路数
	MaxCircuitsPerPeer int `json:"max_circuits_per_peer,omitempty"`

	// MaxCircuitDuration 单个电路最长时间，0 表示不限
	MaxCircuitDuration Duration `json:"max_circuit_duration,omitempty"`

	// MaxCircuitBytes 单个电路单方向最大字节数，0 表示不限
	MaxCircuitBytes int64 `json:"max_circuit_bytes,omitempty"`

	// ReservationRate 每个 IP 每秒允许的预留请求数
	ReservationRate float64 `json:"reservation_rate,omitempty"`

	// ReservationBurst 预留请求突发上限
	ReservationBurst int `json:"reservation_burst,omitempty"`
}

// DefaultRelayServiceConfig 默认中继服务配置
func DefaultRelayServiceConfig() RelayServiceConfig {
	return RelayServiceConfig{
		MaxReservations:    128,
		ReservationTTL:     Duration(time.Hour),
		MaxCircuits:        256,
		MaxCircuitsPerPeer: 16,
		ReservationRate:    1,
		ReservationBurst:   4,
	}
}

// Validate 验证中继服务配置
func (c *RelayServiceConfig) Validate() error {
	switch {
	case c.MaxReservations <= 0:
		return fmt.Errorf("%w: relay_service.max_reservations must be positive", ErrInvalidConfig)
	case c.ReservationTTL < Duration(time.Minute):
		return fmt.Errorf("%w: relay_service.reservation_ttl must be at least 1m", ErrInvalidConfig)
	case c.MaxCircuits <= 0 || c.MaxCircuitsPerPeer <= 0:
		return fmt.Errorf("%w: relay_service circuit limits must be positive", ErrInvalidConfig)
	case c.MaxCircuitDuration < 0 || c.MaxCircuitBytes < 0:
		return fmt.Errorf("%w: relay_service circuit bounds must not be negative", ErrInvalidConfig)
	case c.ReservationRate <= 0 || c.ReservationBurst <= 0:
		return fmt.Errorf("%w: relay_service reservation rate must be positive", ErrInvalidConfig)
	}
	return nil
}

// ============================================================================
//                              事件泵
// ============================================================================

// PumpConfig 事件泵配置
type PumpConfig struct {
	// Interval 单次排空周期的最长持锁时间
	Interval Duration `json:"interval,omitempty"`
}

// DefaultPumpConfig 默认事件泵配置
func DefaultPumpConfig() PumpConfig {
	return PumpConfig{Interval: Duration(100 * time.Microsecond)}
}

// Validate 验证事件泵配置
func (c *PumpConfig) Validate() error {
	if c.Interval <= 0 || c.Interval > Duration(time.Second) {
		return fmt.Errorf("%w: pump.interval must be in (0, 1s]", ErrInvalidConfig)
	}
	return nil
}

// ============================================================================
//                              Ping
// ============================================================================

// PingConfig 存活探测配置
type PingConfig struct {
	Interval Duration `json:"interval,omitempty"`
	Timeout  Duration `json:"timeout,omitempty"`
}

// DefaultPingConfig 默认存活探测配置
func DefaultPingConfig() PingConfig {
	return PingConfig{
		Interval: Duration(15 * time.Second),
		Timeout:  Duration(10 * time.Second),
	}
}

// Validate 验证存活探测配置
func (c *PingConfig) Validate() error {
	if c.Interval <= 0 || c.Timeout <= 0 {
		return fmt.Errorf("%w: ping interval and timeout must be positive", ErrInvalidConfig)
	}
	return nil
}

// ============================================================================
//                              NAT
// ============================================================================

// NATConfig 可达性探测与打洞配置
type NATConfig struct {
	// STUNServers STUN 服务器（host:port）
	STUNServers []string `json:"stun_servers,omitempty"`

	// PortMapping 启用 NAT-PMP / UPnP 端口映射
	PortMapping bool `json:"port_mapping,omitempty"`

	// HolePunch 启用打洞
	HolePunch bool `json:"hole_punch"`

	// BootDelay 首次探测前的等待时间
	BootDelay Duration `json:"boot_delay,omitempty"`

	// RetryInterval 探测失败后的重试间隔
	RetryInterval Duration `json:"retry_interval,omitempty"`

	// RefreshInterval 探测成功后的刷新间隔
	RefreshInterval Duration `json:"refresh_interval,omitempty"`
}

// DefaultNATConfig 默认 NAT 配置
func DefaultNATConfig() NATConfig {
	return NATConfig{
		STUNServers:     []string{"stun.l.google.com:19302"},
		HolePunch:       true,
		BootDelay:       Duration(5 * time.Second),
		RetryInterval:   Duration(10 * time.Second),
		RefreshInterval: Duration(30 * time.Second),
	}
}

// Validate 验证 NAT 配置
func (c *NATConfig) Validate() error {
	for _, s := range c.STUNServers {
		if _, _, err := net.SplitHostPort(s); err != nil {
			return fmt.Errorf("%w: nat.stun_servers: %v", ErrInvalidConfig, err)
		}
	}
	if c.BootDelay < 0 || c.RetryInterval <= 0 || c.RefreshInterval <= 0 {
		return fmt.Errorf("%w: nat intervals must be positive", ErrInvalidConfig)
	}
	return nil
}

// ============================================================================
//                              指标 / 日志
// ============================================================================

// MetricsConfig Prometheus 指标配置
type MetricsConfig struct {
	// Listen /metrics 监听地址（host:port），空表示禁用
	Listen string `json:"listen,omitempty"`
}

// Validate 验证指标配置
func (c *MetricsConfig) Validate() error {
	if c.Listen == "" {
		return nil
	}
	if _, _, err := net.SplitHostPort(c.Listen); err != nil {
		return fmt.Errorf("%w: metrics.listen: %v", ErrInvalidConfig, err)
	}
	return nil
}

// LogConfig 日志配置，格式同 NATLINK_LOG_LEVEL / NATLINK_LOG_FORMAT
type LogConfig struct {
	Level  string `json:"level,omitempty"`
	Format string `json:"format,omitempty"`
}
