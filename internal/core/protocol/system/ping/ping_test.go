package ping

import (
	"context"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	ma "github.com/multiformats/go-multiaddr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dep2p/go-natlink/internal/core/identity"
	"github.com/dep2p/go-natlink/internal/core/swarm"
	"github.com/dep2p/go-natlink/internal/util/addrutil"
	"github.com/dep2p/go-natlink/pkg/types"
)

func newTestSwarm(t *testing.T) *swarm.Swarm {
	t.Helper()
	id, err := identity.Generate()
	require.NoError(t, err)
	s, err := swarm.New(id, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

// connect 让 a 连接到 b 的回环监听地址
func connect(t *testing.T, a, b *swarm.Swarm) {
	t.Helper()
	require.NoError(t, b.Listen(ma.StringCast("/ip4/127.0.0.1/tcp/0")))
	addrs := b.ListenAddrs()
	require.NotEmpty(t, addrs)
	full, err := addrutil.BuildFullAddr(addrs[0], b.ID())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_, err = a.Connect(ctx, full)
	require.NoError(t, err)
}

// waitLiveness 等待指定方向的存活事件
func waitLiveness(t *testing.T, s *swarm.Swarm, dir types.LivenessDirection) types.EvtLiveness {
	t.Helper()
	timeout := time.After(10 * time.Second)
	for {
		select {
		case ev, ok := <-s.Events():
			require.True(t, ok)
			if l, ok := ev.(types.EvtLiveness); ok && l.Direction == dir {
				return l
			}
		case <-timeout:
			t.Fatalf("等待 %s 存活事件超时", dir)
		}
	}
}

// TestPing 测试单次 Ping
func TestPing(t *testing.T) {
	a := newTestSwarm(t)
	b := newTestSwarm(t)

	svc := NewService(b, DefaultConfig())
	b.SetStreamHandler(ProtocolID, svc.Handler)
	connect(t, a, b)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	rtt, err := Ping(ctx, a, b.ID())
	require.NoError(t, err)
	assert.Greater(t, rtt, time.Duration(0))

	ev := waitLiveness(t, b, types.LivenessReceived)
	assert.Equal(t, a.ID(), ev.Peer)

	t.Logf("✅ Ping 成功, RTT: %v", rtt)
}

// TestPing_NoConnection 测试未连接时 Ping 失败
func TestPing_NoConnection(t *testing.T) {
	a := newTestSwarm(t)
	b := newTestSwarm(t)

	_, err := Ping(context.Background(), a, b.ID())
	assert.ErrorIs(t, err, swarm.ErrNoConnection)
}

// TestService_Periodic 测试周期探测
func TestService_Periodic(t *testing.T) {
	a := newTestSwarm(t)
	b := newTestSwarm(t)

	mock := clock.NewMock()
	cfg := Config{Interval: 15 * time.Second, Timeout: 5 * time.Second}

	sa := newService(a, cfg, mock)
	sb := NewService(b, cfg)
	sa.Start()
	sb.Start()
	defer sa.Stop()
	defer sb.Stop()

	connect(t, a, b)

	t.Run("连接后立即探测", func(t *testing.T) {
		ev := waitLiveness(t, a, types.LivenessSent)
		assert.Equal(t, b.ID(), ev.Peer)
		assert.NoError(t, ev.Err)
		assert.Greater(t, ev.RTT, time.Duration(0))
	})

	t.Run("间隔到期再次探测", func(t *testing.T) {
		mock.Add(cfg.Interval)
		ev := waitLiveness(t, a, types.LivenessSent)
		assert.NoError(t, ev.Err)
	})

	t.Log("✅ 周期探测正常")
}

// TestService_Stop 测试停止后不再响应
func TestService_Stop(t *testing.T) {
	a := newTestSwarm(t)
	b := newTestSwarm(t)

	svc := NewService(b, DefaultConfig())
	svc.Start()
	assert.Contains(t, b.Protocols(), ProtocolID)

	svc.Stop()
	svc.Stop()
	assert.NotContains(t, b.Protocols(), ProtocolID)

	connect(t, a, b)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := Ping(ctx, a, b.ID())
	assert.Error(t, err)
}
