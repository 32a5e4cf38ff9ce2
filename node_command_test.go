package natlink

import (
	"context"
	"errors"
	"testing"
	"time"

	ma "github.com/multiformats/go-multiaddr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dep2p/go-natlink/config"
	"github.com/dep2p/go-natlink/internal/session"
	"github.com/dep2p/go-natlink/internal/testutil"
	"github.com/dep2p/go-natlink/internal/util/addrutil"
	"github.com/dep2p/go-natlink/pkg/types"
)

// newTestNode 创建挂在假端点上的节点（不构建 Fx 应用）
func newTestNode(t *testing.T, role types.Role) (*Node, *testutil.Endpoint) {
	t.Helper()
	cfg := config.NewConfig(role)
	cfg.Relay.Host = "203.0.113.7"
	cfg.BindTimeout = config.Duration(50 * time.Millisecond)
	cfg.Pump.Interval = config.Duration(time.Millisecond)

	n := newNode(role, cfg)
	ep := testutil.NewEndpoint(t)
	n.attach(ep.ID(), ep)
	return n, ep
}

// register 在后台执行 "relay <hub>" 并注入握手事件
func register(t *testing.T, n *Node, ep *testutil.Endpoint, hub types.PeerID) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		_, err := n.Execute(ctx, "relay "+hub.String())
		done <- err
	}()

	require.Eventually(t, func() bool { return len(ep.Dials()) == 1 }, 2*time.Second, time.Millisecond)
	ep.Push(
		types.EvtConnectionEstablished{Peer: hub, Addr: testutil.RelayAddrFor(hub)},
		types.EvtIdentifySent{Peer: hub},
		types.EvtIdentifyReceived{Peer: hub, Observed: ma.StringCast("/ip4/198.51.100.20/tcp/53211")},
	)
	require.NoError(t, <-done)
}

// ============================================================================
//                              命令解析
// ============================================================================

// TestExecute_Parse 测试命令解析，错误命令没有副作用
func TestExecute_Parse(t *testing.T) {
	n, ep := newTestNode(t, types.RoleDialer)
	ctx := context.Background()

	tests := []struct {
		name    string
		line    string
		quit    bool
		wantErr error
	}{
		{"空行", "", false, nil},
		{"空白行", "   \t", false, nil},
		{"退出", "quit", true, nil},
		{"大写退出", "QUIT", true, nil},
		{"exit 别名", "exit", true, nil},
		{"退出带参数", "quit now", false, ErrInvalidArguments},
		{"未知命令", "frobnicate", false, ErrUnknownCommand},
		{"dial 缺少参数", "dial", false, ErrInvalidArguments},
		{"dial 多余参数", "dial a b", false, ErrInvalidArguments},
		{"dial 非法 PeerID", "dial not-a-peer", false, types.ErrInvalidPeerID},
		{"connect 非法 PeerID", "connect 12D3KooWxxxx", false, types.ErrInvalidPeerID},
		{"relay 缺少参数", "relay", false, ErrInvalidArguments},
		{"relay 非法 PeerID", "relay nope", false, types.ErrInvalidPeerID},
		{"斜杠开头的未知命令", "/bogus", false, ErrUnknownCommand},
		{"relay 地址无法解析", "relay /ip4/not-an-ip", false, ErrInvalidRelayAddr},
		{"relay 地址缺少节点 ID", "relay /ip4/203.0.113.7/tcp/4001", false, ErrInvalidRelayAddr},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			quit, err := n.Execute(ctx, tt.line)
			assert.Equal(t, tt.quit, quit)
			if tt.wantErr == nil {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, tt.wantErr)
			}
		})
	}

	assert.Empty(t, ep.Dials(), "错误命令不应发起拨号")
	assert.Empty(t, ep.Listens())
	t.Log("✅ 命令解析正确")
}

// TestExecute_Status 测试 status 命令
func TestExecute_Status(t *testing.T) {
	n, _ := newTestNode(t, types.RoleDialer)

	quit, err := n.Execute(context.Background(), "status")
	require.NoError(t, err)
	assert.False(t, quit)

	_, err = n.Execute(context.Background(), "status verbose")
	assert.ErrorIs(t, err, ErrInvalidArguments)
}

// TestExecute_WrongRole 测试 listener 不接受控制台命令
func TestExecute_WrongRole(t *testing.T) {
	n, ep := newTestNode(t, types.RoleListener)
	hub := testutil.NewPeerID(t)

	_, err := n.Execute(context.Background(), "dial "+hub.String())
	assert.ErrorIs(t, err, ErrWrongRole)

	err = n.RegisterWithRelay(context.Background(), testutil.RelayAddrFor(hub))
	assert.ErrorIs(t, err, ErrWrongRole)

	assert.ErrorIs(t, n.Dial(hub), ErrWrongRole)
	_, err = n.Connect(hub)
	assert.ErrorIs(t, err, ErrWrongRole)

	assert.Empty(t, ep.Dials())
}

// ============================================================================
//                              场景
// ============================================================================

// TestExecute_DialBeforeRegistration 测试注册前拨号
func TestExecute_DialBeforeRegistration(t *testing.T) {
	n, ep := newTestNode(t, types.RoleDialer)
	peer := testutil.NewPeerID(t)

	quit, err := n.Execute(context.Background(), "dial "+peer.String())
	assert.False(t, quit)
	assert.ErrorIs(t, err, ErrNotRegistered)

	_, err = n.Execute(context.Background(), "connect "+peer.String())
	assert.ErrorIs(t, err, ErrNotRegistered)

	assert.Empty(t, ep.Dials())
	t.Log("✅ 注册前拨号被拒绝")
}

// TestExecute_Registration 测试中继注册后经中继拨号
func TestExecute_Registration(t *testing.T) {
	n, ep := newTestNode(t, types.RoleDialer)
	hub := testutil.NewPeerID(t)
	peer := testutil.NewPeerID(t)

	register(t, n, ep, hub)

	t.Run("绑定", func(t *testing.T) {
		b, ok := n.Binding()
		require.True(t, ok)
		assert.Equal(t, hub, b.RelayPeer)
		assert.True(t, testutil.RelayAddrFor(hub).Equal(b.Relay))
		assert.Equal(t, "/ip4/198.51.100.20/tcp/53211", b.Observed.String())

		require.Len(t, ep.Listens(), 1)
		assert.True(t, addrutil.CircuitListenAddr(testutil.RelayAddrFor(hub)).Equal(ep.Listens()[0]))
	})

	t.Run("经中继拨号", func(t *testing.T) {
		quit, err := n.Execute(context.Background(), "dial "+peer.String())
		require.NoError(t, err)
		assert.False(t, quit)

		dials := ep.Dials()
		require.Len(t, dials, 2)
		want := addrutil.CircuitAddr(testutil.RelayAddrFor(hub), peer)
		assert.True(t, want.Equal(dials[1]), "got %s", dials[1])
	})

	t.Run("重复拨号", func(t *testing.T) {
		_, err := n.Execute(context.Background(), "dial "+peer.String())
		assert.ErrorIs(t, err, ErrDialInProgress)
		assert.Len(t, ep.Dials(), 2)
	})

	t.Run("拨号失败后可重试", func(t *testing.T) {
		ep.Push(types.EvtDialError{Peer: peer, Err: errors.New("NO_RESERVATION")})
		require.NoError(t, n.guard.Pump(context.Background(), 10*time.Millisecond, n.table))

		_, err := n.Execute(context.Background(), "dial "+peer.String())
		require.NoError(t, err)
		assert.Len(t, ep.Dials(), 3)
	})

	t.Run("状态", func(t *testing.T) {
		s := n.Status()
		assert.True(t, s.Registered)
		assert.Equal(t, hub, s.Relay.RelayPeer)
		assert.Equal(t, n.ID(), s.ID)
		assert.Equal(t, types.RoleDialer, s.Role)
	})

	t.Log("✅ 注册与经中继拨号成功")
}

// TestExecute_RelayMultiaddr 测试以完整地址注册
func TestExecute_RelayMultiaddr(t *testing.T) {
	n, ep := newTestNode(t, types.RoleDialer)
	hub := testutil.NewPeerID(t)
	addr := ma.StringCast("/ip4/192.0.2.1/tcp/9000/p2p/" + hub.String())

	done := make(chan error, 1)
	go func() {
		_, err := n.Execute(context.Background(), "relay "+addr.String())
		done <- err
	}()

	require.Eventually(t, func() bool { return len(ep.Dials()) == 1 }, 2*time.Second, time.Millisecond)
	assert.True(t, addr.Equal(ep.Dials()[0]))
	ep.Push(
		types.EvtIdentifyReceived{Peer: hub, Observed: ma.StringCast("/ip4/198.51.100.20/tcp/1")},
		types.EvtIdentifySent{Peer: hub},
	)
	require.NoError(t, <-done)

	b, ok := n.Binding()
	require.True(t, ok)
	assert.True(t, addr.Equal(b.Relay))
}

// TestExecute_Connect 测试 connect 按 PeerID 大小决定发起方
func TestExecute_Connect(t *testing.T) {
	n, ep := newTestNode(t, types.RoleDialer)
	hub := testutil.NewPeerID(t)
	register(t, n, ep, hub)

	for i := 0; i < 8; i++ {
		peer := testutil.NewPeerID(t)
		before := len(ep.Dials())

		initiated, err := n.Connect(peer)
		require.NoError(t, err)
		assert.Equal(t, session.ShouldInitiate(n.ID(), peer), initiated)

		if initiated {
			assert.Len(t, ep.Dials(), before+1)
		} else {
			assert.Len(t, ep.Dials(), before)
		}
	}
}

// TestNode_AutoConnectPeers 测试注册后自动连接配置中的节点
func TestNode_AutoConnectPeers(t *testing.T) {
	n, ep := newTestNode(t, types.RoleDialer)
	hub := testutil.NewPeerID(t)

	var peers []types.PeerID
	initiate := 0
	for i := 0; i < 6; i++ {
		p := testutil.NewPeerID(t)
		peers = append(peers, p)
		n.cfg.Peers = append(n.cfg.Peers, p.String())
		if session.ShouldInitiate(n.ID(), p) {
			initiate++
		}
	}
	// 自身被跳过
	n.cfg.Peers = append(n.cfg.Peers, n.ID().String())

	register(t, n, ep, hub)

	// 第一次拨号是中继
	assert.Len(t, ep.Dials(), 1+initiate)
	for _, p := range peers {
		assert.Equal(t, session.ShouldInitiate(n.ID(), p), n.dialer.Pending(p))
	}
}

// TestNode_RegisterTimeout 测试 relay.timeout 限制握手时间
func TestNode_RegisterTimeout(t *testing.T) {
	n, ep := newTestNode(t, types.RoleDialer)
	n.cfg.Relay.Timeout = config.Duration(30 * time.Millisecond)
	hub := testutil.NewPeerID(t)

	start := time.Now()
	err := n.RegisterWithRelay(context.Background(), testutil.RelayAddrFor(hub))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 2*time.Second)

	// 只完成一半握手，没有绑定
	_, ok := n.Binding()
	assert.False(t, ok)
	assert.Empty(t, ep.Listens())
}

// TestNode_RegisterDialError 测试中继拨号失败
func TestNode_RegisterDialError(t *testing.T) {
	n, ep := newTestNode(t, types.RoleDialer)
	hub := testutil.NewPeerID(t)

	done := make(chan error, 1)
	go func() {
		done <- n.RegisterWithRelay(context.Background(), testutil.RelayAddrFor(hub))
	}()
	require.Eventually(t, func() bool { return len(ep.Dials()) == 1 }, 2*time.Second, time.Millisecond)
	ep.Push(types.EvtDialError{Peer: hub, Err: errors.New("connection refused")})

	err := <-done
	var dialErr *DialError
	require.ErrorAs(t, err, &dialErr)
	assert.Equal(t, hub, dialErr.Relay)
}
