package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/dep2p/go-natlink/pkg/types"
)

// 环境变量（均使用 NATLINK_ 前缀）
const (
	EnvPrefix          = "NATLINK_"
	EnvRole            = "ROLE"
	EnvListenPort      = "LISTEN_PORT"
	EnvUseIPv6         = "USE_IPV6"
	EnvIdentityKeyFile = "IDENTITY_KEY_FILE"
	EnvRelayHost       = "RELAY_HOST"
	EnvRelayPort       = "RELAY_PORT"
	EnvRelayPeer       = "RELAY_PEER"
	EnvPeers           = "PEERS"
	EnvMetricsListen   = "METRICS_LISTEN"
)

// Load 从 JSON 文件加载配置
//
// 文件中未出现的字段保留默认值。
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path) //nolint:gosec // G304: 用户指定的配置文件路径是预期行为
	if err != nil {
		return nil, err
	}

	cfg := NewConfig(types.RoleDialer)
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidConfig, path, err)
	}
	return cfg, nil
}

// ApplyEnv 应用环境变量覆盖配置
//
// 环境变量优先级高于配置文件，但低于命令行参数。
func ApplyEnv(cfg *Config) error {
	if v := os.Getenv(EnvPrefix + EnvRole); v != "" {
		role, err := types.ParseRole(v)
		if err != nil {
			return fmt.Errorf("%w: %s%s: %v", ErrInvalidConfig, EnvPrefix, EnvRole, err)
		}
		cfg.Role = role
	}

	if v := os.Getenv(EnvPrefix + EnvListenPort); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%w: %s%s: %v", ErrInvalidConfig, EnvPrefix, EnvListenPort, err)
		}
		cfg.ListenPort = port
	}

	if v := os.Getenv(EnvPrefix + EnvUseIPv6); v != "" {
		cfg.UseIPv6 = ParseBool(v)
	}

	if v := os.Getenv(EnvPrefix + EnvIdentityKeyFile); v != "" {
		cfg.Identity.KeyFile = v
	}

	if v := os.Getenv(EnvPrefix + EnvRelayHost); v != "" {
		cfg.Relay.Host = v
	}

	if v := os.Getenv(EnvPrefix + EnvRelayPort); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%w: %s%s: %v", ErrInvalidConfig, EnvPrefix, EnvRelayPort, err)
		}
		cfg.Relay.Port = port
	}

	if v := os.Getenv(EnvPrefix + EnvRelayPeer); v != "" {
		cfg.Relay.Peer = v
	}

	if v := os.Getenv(EnvPrefix + EnvPeers); v != "" {
		cfg.Peers = SplitAndTrim(v, ",")
	}

	if v := os.Getenv(EnvPrefix + EnvMetricsListen); v != "" {
		cfg.Metrics.Listen = v
	}
	return nil
}

// ParseBool 解析布尔值字符串
func ParseBool(s string) bool {
	s = strings.ToLower(strings.TrimSpace(s))
	return s == "true" || s == "1" || s == "yes" || s == "on"
}

// SplitAndTrim 分割字符串并去除空白
func SplitAndTrim(s, sep string) []string {
	parts := strings.Split(s, sep)
	result := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			result = append(result, p)
		}
	}
	return result
}
