package server

import (
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dep2p/go-natlink/internal/core/identity"
	"github.com/dep2p/go-natlink/pkg/types"
)

func testPeer(t *testing.T) types.PeerID {
	t.Helper()
	id, err := identity.Generate()
	require.NoError(t, err)
	return id.ID()
}

// TestLimiter_Reservation 测试预留速率限制
func TestLimiter_Reservation(t *testing.T) {
	clk := clock.NewMock()
	clk.Set(time.Now())

	l := NewLimiter(LimiterConfig{ReservationRate: 1, ReservationBurst: 2}, clk)

	assert.NoError(t, l.AllowReservation("1.2.3.4"))
	assert.NoError(t, l.AllowReservation("1.2.3.4"))
	assert.ErrorIs(t, l.AllowReservation("1.2.3.4"), ErrRateLimited)

	// 其他 IP 不受影响
	assert.NoError(t, l.AllowReservation("5.6.7.8"))

	clk.Add(time.Second)
	assert.NoError(t, l.AllowReservation("1.2.3.4"))

	t.Log("✅ 预留限速正确")
}

// TestLimiter_Cleanup 测试闲置 IP 清理
func TestLimiter_Cleanup(t *testing.T) {
	clk := clock.NewMock()
	clk.Set(time.Now())

	l := NewLimiter(LimiterConfig{ReservationRate: 1, ReservationBurst: 1}, clk)
	require.NoError(t, l.AllowReservation("1.2.3.4"))
	assert.Equal(t, 1, l.Stats().TrackedIPs)

	clk.Add(RequestExpiry + time.Second)
	require.NoError(t, l.AllowReservation("5.6.7.8"))
	assert.Equal(t, 1, l.Stats().TrackedIPs)
}

// TestLimiter_Circuits 测试电路数限制
func TestLimiter_Circuits(t *testing.T) {
	l := NewLimiter(LimiterConfig{MaxCircuits: 3, MaxCircuitsPerPeer: 2}, nil)
	a, b := testPeer(t), testPeer(t)

	t.Run("单节点上限", func(t *testing.T) {
		require.NoError(t, l.AllowCircuit(a))
		require.NoError(t, l.AllowCircuit(a))
		assert.ErrorIs(t, l.AllowCircuit(a), ErrTooManyCircuits)
	})

	t.Run("全局上限", func(t *testing.T) {
		require.NoError(t, l.AllowCircuit(b))
		assert.ErrorIs(t, l.AllowCircuit(b), ErrResourceLimitExceeded)
	})

	t.Run("释放", func(t *testing.T) {
		l.ReleaseCircuit(a)
		assert.NoError(t, l.AllowCircuit(b))

		stats := l.Stats()
		assert.Equal(t, 3, stats.TotalCircuits)
		assert.Equal(t, 2, stats.UniquePeers)

		l.ReleaseCircuit(a)
		l.ReleaseCircuit(b)
		l.ReleaseCircuit(b)
		l.ReleaseCircuit(b)
		assert.Equal(t, 0, l.Stats().TotalCircuits)
	})
}
