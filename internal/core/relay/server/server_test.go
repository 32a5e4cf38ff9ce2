package server

import (
	"context"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	ma "github.com/multiformats/go-multiaddr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dep2p/go-natlink/internal/core/identity"
	"github.com/dep2p/go-natlink/internal/core/relay"
	"github.com/dep2p/go-natlink/internal/core/relay/pb"
	"github.com/dep2p/go-natlink/internal/core/swarm"
	"github.com/dep2p/go-natlink/internal/util/addrutil"
	"github.com/dep2p/go-natlink/pkg/protocol"
	"github.com/dep2p/go-natlink/pkg/types"
)

func newSwarm(t *testing.T) *swarm.Swarm {
	t.Helper()
	id, err := identity.Generate()
	require.NoError(t, err)
	s, err := swarm.New(id, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

// waitRelayEvent 等待指定动作的中继事件；match 非空时还需满足全部条件
func waitRelayEvent(t *testing.T, s *swarm.Swarm, action types.RelayServerEventKind, match ...func(types.EvtRelayServer) bool) types.EvtRelayServer {
	t.Helper()
	timeout := time.After(10 * time.Second)
	for {
		select {
		case ev, ok := <-s.Events():
			require.True(t, ok, "事件通道已关闭")
			if e, ok := ev.(types.EvtRelayServer); ok && e.Action == action && matchAll(e, match) {
				return e
			}
		case <-timeout:
			t.Fatalf("等待 %s 超时", action)
		}
	}
}

func matchAll(e types.EvtRelayServer, match []func(types.EvtRelayServer) bool) bool {
	for _, m := range match {
		if !m(e) {
			return false
		}
	}
	return true
}

// withDst 只匹配目标为 dst 的事件
func withDst(dst types.PeerID) func(types.EvtRelayServer) bool {
	return func(e types.EvtRelayServer) bool { return e.Dst == dst }
}

// startServer 启动监听回环地址的中继
func startServer(t *testing.T, cfg Config, clk clock.Clock) (*Server, *swarm.Swarm, ma.Multiaddr) {
	t.Helper()
	host := newSwarm(t)
	require.NoError(t, host.Listen(ma.StringCast("/ip4/127.0.0.1/tcp/0")))
	full, err := addrutil.BuildFullAddr(host.ListenAddrs()[0], host.ID())
	require.NoError(t, err)

	s := newServer(host, cfg, clk)
	s.Start()
	t.Cleanup(func() { _ = s.Close() })
	return s, host, full
}

// hop 发送一条 HOP 消息并读取响应
func hop(t *testing.T, from *swarm.Swarm, relayAddr ma.Multiaddr, req *pb.HopMessage) *pb.HopMessage {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_, err := from.Connect(ctx, relayAddr)
	require.NoError(t, err)
	relayID, err := addrutil.ExtractPeerID(relayAddr)
	require.NoError(t, err)

	st, err := from.NewStream(ctx, relayID, protocol.RelayHop)
	require.NoError(t, err)
	defer st.Close()

	require.NoError(t, pb.WriteMsg(st, req))
	var resp pb.HopMessage
	require.NoError(t, pb.ReadMsg(st, &resp))
	return &resp
}

// TestServer_Reserve 测试预留响应
func TestServer_Reserve(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxCircuitDuration = 2 * time.Minute
	cfg.MaxCircuitBytes = 1 << 20
	s, host, addr := startServer(t, cfg, clock.New())

	a := newSwarm(t)
	resp := hop(t, a, addr, &pb.HopMessage{Type: pb.HopReserve})

	assert.Equal(t, pb.HopStatus, resp.Type)
	assert.Equal(t, pb.StatusOK, resp.Status)
	require.NotNil(t, resp.Reservation)
	assert.WithinDuration(t, time.Now().Add(cfg.ReservationTTL), resp.Reservation.ExpireTime(), 2*time.Second)
	require.NotNil(t, resp.Limit)
	assert.Equal(t, uint32(120), resp.Limit.Duration)
	assert.Equal(t, uint64(1<<20), resp.Limit.Data)

	ev := waitRelayEvent(t, host, types.RelayReservationGranted)
	assert.Equal(t, a.ID(), ev.Src)
	assert.True(t, s.hasReservation(a.ID()))

	t.Log("✅ 预留响应正确")
}

// TestServer_ReserveLimits 测试预留上限与限速
func TestServer_ReserveLimits(t *testing.T) {
	t.Run("预留数已满", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.MaxReservations = 1
		_, host, addr := startServer(t, cfg, clock.New())

		a, b := newSwarm(t), newSwarm(t)
		assert.Equal(t, pb.StatusOK, hop(t, a, addr, &pb.HopMessage{Type: pb.HopReserve}).Status)
		// 续租不占新名额
		assert.Equal(t, pb.StatusOK, hop(t, a, addr, &pb.HopMessage{Type: pb.HopReserve}).Status)
		assert.Equal(t, pb.StatusResourceLimitExceeded, hop(t, b, addr, &pb.HopMessage{Type: pb.HopReserve}).Status)

		ev := waitRelayEvent(t, host, types.RelayReservationDenied)
		assert.ErrorIs(t, ev.Err, ErrTooManyReservations)
	})

	t.Run("请求过于频繁", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.ReservationBurst = 1
		cfg.ReservationRate = 0.001
		_, _, addr := startServer(t, cfg, clock.New())

		a := newSwarm(t)
		assert.Equal(t, pb.StatusOK, hop(t, a, addr, &pb.HopMessage{Type: pb.HopReserve}).Status)
		assert.Equal(t, pb.StatusReservationRefused, hop(t, a, addr, &pb.HopMessage{Type: pb.HopReserve}).Status)
	})
}

// TestServer_Connect 测试 CONNECT 的拒绝路径
func TestServer_Connect(t *testing.T) {
	_, host, addr := startServer(t, DefaultConfig(), clock.New())
	a := newSwarm(t)

	t.Run("缺少目标", func(t *testing.T) {
		resp := hop(t, a, addr, &pb.HopMessage{Type: pb.HopConnect})
		assert.Equal(t, pb.StatusMalformedMessage, resp.Status)
	})

	t.Run("目标未预留", func(t *testing.T) {
		target := newSwarm(t)
		resp := hop(t, a, addr, &pb.HopMessage{Type: pb.HopConnect, Peer: &pb.Peer{ID: target.ID()}})
		assert.Equal(t, pb.StatusNoReservation, resp.Status)

		// 前一子测试的拒绝事件目标为空，按目标过滤
		ev := waitRelayEvent(t, host, types.RelayCircuitDenied, withDst(target.ID()))
		assert.Equal(t, a.ID(), ev.Src)
		assert.Equal(t, target.ID(), ev.Dst)
		assert.ErrorIs(t, ev.Err, relay.ErrNoReservation)
	})

	t.Run("目标未运行 STOP", func(t *testing.T) {
		target := newSwarm(t)
		require.Equal(t, pb.StatusOK, hop(t, target, addr, &pb.HopMessage{Type: pb.HopReserve}).Status)

		resp := hop(t, a, addr, &pb.HopMessage{Type: pb.HopConnect, Peer: &pb.Peer{ID: target.ID()}})
		assert.Equal(t, pb.StatusConnectionFailed, resp.Status)
	})

	t.Run("意外消息", func(t *testing.T) {
		resp := hop(t, a, addr, &pb.HopMessage{Type: pb.HopStatus})
		assert.Equal(t, pb.StatusUnexpectedMessage, resp.Status)
	})
}

// TestServer_Expire 测试预留过期清理
func TestServer_Expire(t *testing.T) {
	clk := clock.NewMock()
	clk.Set(time.Now())

	cfg := DefaultConfig()
	cfg.ReservationTTL = 2 * time.Minute
	s, host, addr := startServer(t, cfg, clk)

	a := newSwarm(t)
	require.Equal(t, pb.StatusOK, hop(t, a, addr, &pb.HopMessage{Type: pb.HopReserve}).Status)
	require.Equal(t, 1, s.Reservations())

	clk.Add(3 * time.Minute)

	ev := waitRelayEvent(t, host, types.RelayReservationExpired)
	assert.Equal(t, a.ID(), ev.Src)
	assert.Equal(t, 0, s.Reservations())
}

// TestServer_Disconnect 测试预留方断开后移除预留
func TestServer_Disconnect(t *testing.T) {
	s, host, addr := startServer(t, DefaultConfig(), clock.New())

	a := newSwarm(t)
	require.Equal(t, pb.StatusOK, hop(t, a, addr, &pb.HopMessage{Type: pb.HopReserve}).Status)
	require.NoError(t, a.Close())

	ev := waitRelayEvent(t, host, types.RelayReservationExpired)
	assert.Equal(t, a.ID(), ev.Src)
	assert.Equal(t, 0, s.Reservations())
}
