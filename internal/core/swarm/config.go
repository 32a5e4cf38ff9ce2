package swarm

import (
	"time"

	"github.com/dep2p/go-natlink/internal/core/muxer"
	"github.com/dep2p/go-natlink/internal/core/transport/tcp"
)

// Config Swarm 配置
type Config struct {
	// DialTimeout 拨号超时（TCP 建连或中继电路建立）
	DialTimeout time.Duration

	// UpgradeTimeout 连接升级（Noise + yamux）超时
	UpgradeTimeout time.Duration

	// NegotiateTimeout 流协议协商超时
	NegotiateTimeout time.Duration

	Muxer muxer.Config
	TCP   tcp.Config
}

// DefaultConfig 返回默认配置
func DefaultConfig() *Config {
	return &Config{
		DialTimeout:      15 * time.Second,
		UpgradeTimeout:   30 * time.Second,
		NegotiateTimeout: 10 * time.Second,
		Muxer:            muxer.DefaultConfig(),
		TCP:              tcp.DefaultConfig(),
	}
}

// Validate 验证配置
func (c *Config) Validate() error {
	if c.DialTimeout <= 0 || c.UpgradeTimeout <= 0 || c.NegotiateTimeout <= 0 {
		return ErrInvalidConfig
	}
	return nil
}
