package metrics

import (
	"context"
	"errors"
	"io"
	"net/http"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/fx"
	"go.uber.org/fx/fxtest"

	"github.com/dep2p/go-natlink/config"
	"github.com/dep2p/go-natlink/pkg/types"
)

// TestCollector_Observe 测试事件计数
func TestCollector_Observe(t *testing.T) {
	c := NewCollector()

	c.Observe(types.EvtDialError{Err: errors.New("refused")}, "error")
	c.Observe(types.EvtDialError{Err: errors.New("refused")}, "error")
	c.Observe(types.EvtListenAddrBound{}, "info")
	c.Observe(nil, "info")

	assert.Equal(t, 2.0, testutil.ToFloat64(c.events.WithLabelValues("dial_error", "error")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.events.WithLabelValues("listen_addr_bound", "info")))

	t.Log("✅ 事件计数正确")
}

// TestCollector_Details 测试细分指标
func TestCollector_Details(t *testing.T) {
	c := NewCollector()

	t.Run("连接数", func(t *testing.T) {
		c.Observe(types.EvtConnectionEstablished{Relayed: true}, "info")
		c.Observe(types.EvtConnectionEstablished{}, "info")
		c.Observe(types.EvtConnectionEstablished{}, "info")
		c.Observe(types.EvtConnectionClosed{}, "info")

		assert.Equal(t, 1.0, testutil.ToFloat64(c.connections.WithLabelValues("relayed")))
		assert.Equal(t, 1.0, testutil.ToFloat64(c.connections.WithLabelValues("direct")))
	})

	t.Run("打洞结果", func(t *testing.T) {
		c.Observe(types.EvtHolePunch{Outcome: types.HolePunchStarted}, "info")
		c.Observe(types.EvtHolePunch{Outcome: types.HolePunchSucceeded}, "info")

		assert.Equal(t, 1.0, testutil.ToFloat64(c.holePunches.WithLabelValues(types.HolePunchSucceeded.String())))
		assert.Equal(t, 2, testutil.CollectAndCount(c.holePunches))
	})

	t.Run("预留", func(t *testing.T) {
		c.Observe(types.EvtReservationAccepted{}, "info")
		c.Observe(types.EvtReservationAccepted{Renewal: true}, "info")
		assert.Equal(t, 1.0, testutil.ToFloat64(c.reservations.WithLabelValues("true")))
	})

	t.Run("中继服务端", func(t *testing.T) {
		c.Observe(types.EvtRelayServer{Action: types.RelayReservationGranted}, "info")
		assert.Equal(t, 1.0, testutil.ToFloat64(c.relayServer.WithLabelValues(types.RelayReservationGranted.String())))
	})
}

// TestServer 测试 /metrics 与 /health
func TestServer(t *testing.T) {
	c := NewCollector()
	c.Observe(types.EvtDialing{}, "debug")

	s := NewServer(c, "127.0.0.1:0")
	require.NoError(t, s.Start())
	defer s.Stop()

	resp, err := http.Get("http://" + s.Addr() + "/metrics")
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), `natlink_events_total{class="debug",kind="dialing"} 1`)

	resp, err = http.Get("http://" + s.Addr() + "/health")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	require.NoError(t, s.Stop())
	assert.NoError(t, s.Stop())
}

// TestModule 测试 Fx 模块装配
func TestModule(t *testing.T) {
	t.Run("未配置监听地址", func(t *testing.T) {
		var c *Collector
		var s *Server
		app := fxtest.New(t, Module, fx.Populate(&c, &s))
		app.RequireStart()
		defer app.RequireStop()

		assert.NotNil(t, c)
		assert.Nil(t, s)
	})

	t.Run("启用 HTTP 服务", func(t *testing.T) {
		cfg := config.NewConfig(types.RoleListener)
		cfg.Metrics.Listen = "127.0.0.1:0"

		var s *Server
		app := fxtest.New(t,
			fx.Supply(cfg),
			Module,
			fx.Populate(&s),
		)
		require.NoError(t, app.Start(context.Background()))
		defer app.RequireStop()

		require.NotNil(t, s)
		assert.NotEqual(t, "127.0.0.1:0", s.Addr())
	})
}
