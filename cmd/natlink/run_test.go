package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/urfave/cli/v2"

	"github.com/dep2p/go-natlink/config"
	"github.com/dep2p/go-natlink/internal/core/identity"
	"github.com/dep2p/go-natlink/pkg/types"
)

// captureConfig 运行子命令，只解析配置不启动节点
func captureConfig(t *testing.T, args ...string) (*config.Config, error) {
	t.Helper()
	app := newApp()
	var (
		got    *config.Config
		cfgErr error
	)
	for _, cmd := range app.Commands {
		role := types.RoleDialer
		if cmd.Name == "hub" {
			role = types.RoleListener
		}
		cmd.Action = func(c *cli.Context) error {
			got, cfgErr = loadConfig(c, role)
			return nil
		}
	}
	require.NoError(t, app.Run(append([]string{"natlink"}, args...)))
	return got, cfgErr
}

func testPeer(t *testing.T) types.PeerID {
	t.Helper()
	id, err := identity.Generate()
	require.NoError(t, err)
	return id.ID()
}

// TestLoadConfig_Flags 测试命令行参数覆盖默认值
func TestLoadConfig_Flags(t *testing.T) {
	relay := testPeer(t)
	peer := testPeer(t)

	cfg, err := captureConfig(t, "client",
		"--port", "4500",
		"--relay-host", "203.0.113.7",
		"--relay-port", "4002",
		"--relay", relay.String(),
		"--peer", peer.String(),
		"--no-hole-punch",
		"--port-mapping",
		"--metrics", "127.0.0.1:9100",
	)
	require.NoError(t, err)

	assert.Equal(t, types.RoleDialer, cfg.Role)
	assert.Equal(t, 4500, cfg.ListenPort)
	assert.Equal(t, "203.0.113.7", cfg.Relay.Host)
	assert.Equal(t, 4002, cfg.Relay.Port)
	assert.Equal(t, relay.String(), cfg.Relay.Peer)
	assert.Equal(t, []string{peer.String()}, cfg.Peers)
	assert.False(t, cfg.NAT.HolePunch)
	assert.True(t, cfg.NAT.PortMapping)
	assert.Equal(t, "127.0.0.1:9100", cfg.Metrics.Listen)

	addr, err := cfg.DefaultRelayAddr()
	require.NoError(t, err)
	assert.Equal(t, "/ip4/203.0.113.7/tcp/4002/p2p/"+relay.String(), addr.String())
	t.Log("✅ 命令行参数覆盖成功")
}

// TestLoadConfig_Precedence 测试配置文件 < 环境变量 < 命令行参数
func TestLoadConfig_Precedence(t *testing.T) {
	path := filepath.Join(t.TempDir(), "natlink.json")
	require.NoError(t, os.WriteFile(path, []byte(`{
		"role": "client",
		"listen_port": 4100,
		"relay": {"host": "198.51.100.1", "port": 4001}
	}`), 0o600))

	t.Setenv("NATLINK_LISTEN_PORT", "4200")
	t.Setenv("NATLINK_RELAY_HOST", "198.51.100.2")

	cfg, err := captureConfig(t, "--config", path, "hub", "--port", "4300")
	require.NoError(t, err)

	// 子命令决定角色
	assert.Equal(t, types.RoleListener, cfg.Role)
	assert.Equal(t, 4300, cfg.ListenPort)
	assert.Equal(t, "198.51.100.2", cfg.Relay.Host)
}

// TestLoadConfig_Invalid 测试无效配置
func TestLoadConfig_Invalid(t *testing.T) {
	t.Run("非法中继 PeerID", func(t *testing.T) {
		_, err := captureConfig(t, "client", "--relay-host", "203.0.113.7", "--relay", "bogus")
		assert.ErrorIs(t, err, config.ErrInvalidConfig)
	})

	t.Run("配置文件不存在", func(t *testing.T) {
		_, err := captureConfig(t, "--config", filepath.Join(t.TempDir(), "missing.json"), "hub")
		assert.Error(t, err)
	})

	t.Run("端口越界", func(t *testing.T) {
		_, err := captureConfig(t, "hub", "--port", "70000")
		assert.ErrorIs(t, err, config.ErrInvalidConfig)
	})
}

// TestRunID 测试 id 子命令生成并复用密钥
func TestRunID(t *testing.T) {
	keyFile := filepath.Join(t.TempDir(), "identity.key")

	run := func() string {
		var out bytes.Buffer
		app := newApp()
		app.Writer = &out
		require.NoError(t, app.Run([]string{"natlink", "id", "--identity", keyFile}))
		return strings.TrimSpace(out.String())
	}

	first := run()
	_, err := types.ParsePeerID(first)
	require.NoError(t, err)
	assert.FileExists(t, keyFile)

	assert.Equal(t, first, run(), "密钥文件存在时 PeerID 不变")
	t.Log("✅ id 子命令输出稳定")
}
