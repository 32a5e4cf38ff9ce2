package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dep2p/go-natlink/internal/testutil"
	"github.com/dep2p/go-natlink/pkg/types"
)

func registeredDialer(t *testing.T) (*testutil.Endpoint, *Guard, *PeerDialer, *RelayBinding) {
	t.Helper()
	ep := testutil.NewEndpoint(t)
	g := NewGuard(ep)
	d := NewPeerDialer(ep.ID())
	g.Observe(d.Observe)
	relay := testutil.NewPeerID(t)
	b := &RelayBinding{Role: types.RoleDialer, Relay: testutil.RelayAddrFor(relay), RelayPeer: relay}
	return ep, g, d, b
}

// TestShouldInitiate 测试 tie-break 对随机节点对的确定性
func TestShouldInitiate(t *testing.T) {
	for i := 0; i < 64; i++ {
		a, b := testutil.NewPeerID(t), testutil.NewPeerID(t)
		require.NotEqual(t, a, b)

		ab, ba := ShouldInitiate(a, b), ShouldInitiate(b, a)
		assert.True(t, ab != ba, "恰好一方发起: %s / %s", a, b)
		// 重复计算结果不变
		assert.Equal(t, ab, ShouldInitiate(a, b))
	}

	a := testutil.NewPeerID(t)
	assert.False(t, ShouldInitiate(a, a))

	t.Log("✅ tie-break 双方结论一致")
}

// TestPeerDialer_NotRegistered 测试注册前拨号失败且不发出拨号
func TestPeerDialer_NotRegistered(t *testing.T) {
	ep, g, d, _ := registeredDialer(t)
	target := testutil.NewPeerID(t)

	assert.ErrorIs(t, d.DialViaRelay(g, nil, target), ErrNotRegistered)
	_, err := d.Connect(g, nil, target)
	assert.ErrorIs(t, err, ErrNotRegistered)
	assert.Empty(t, ep.Dials())
	assert.False(t, d.Pending(target))
}

// TestPeerDialer_DialViaRelay 测试拨号地址为 relay/p2p-circuit/p2p/target
func TestPeerDialer_DialViaRelay(t *testing.T) {
	ep, g, d, b := registeredDialer(t)
	target := testutil.NewPeerID(t)

	require.NoError(t, d.DialViaRelay(g, b, target))
	require.Len(t, ep.Dials(), 1)
	assert.Equal(t, b.Relay.String()+"/p2p-circuit/p2p/"+target.String(), ep.Dials()[0].String())
	assert.True(t, d.Pending(target))

	t.Run("拨号自身", func(t *testing.T) {
		assert.ErrorIs(t, d.DialViaRelay(g, b, ep.ID()), ErrDialSelf)
	})

	t.Run("无效 PeerID", func(t *testing.T) {
		assert.ErrorIs(t, d.DialViaRelay(g, b, types.PeerID("not-a-peer")), types.ErrInvalidPeerID)
	})
}

// TestPeerDialer_Duplicate 测试重复拨号被拒绝，结果到达后可以再次拨号
func TestPeerDialer_Duplicate(t *testing.T) {
	ep, g, d, b := registeredDialer(t)
	target := testutil.NewPeerID(t)

	require.NoError(t, d.DialViaRelay(g, b, target))
	assert.ErrorIs(t, d.DialViaRelay(g, b, target), ErrDialInProgress)
	assert.Len(t, ep.Dials(), 1)

	t.Run("并发拨号只发出一次", func(t *testing.T) {
		other := testutil.NewPeerID(t)
		var wg sync.WaitGroup
		var mu sync.Mutex
		ok := 0
		for i := 0; i < 16; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				if d.DialViaRelay(g, b, other) == nil {
					mu.Lock()
					ok++
					mu.Unlock()
				}
			}()
		}
		wg.Wait()
		assert.Equal(t, 1, ok)
		assert.Len(t, ep.Dials(), 2)
	})

	t.Run("拨号失败后清除", func(t *testing.T) {
		d.Observe(types.EvtDialError{Peer: target, Err: errors.New("refused")}, ClassError)
		assert.False(t, d.Pending(target))
		require.NoError(t, d.DialViaRelay(g, b, target))
	})

	t.Run("连接建立后清除", func(t *testing.T) {
		ep.Push(types.EvtConnectionEstablished{Peer: target, Relayed: true})
		require.NoError(t, g.Pump(context.Background(), 10*time.Millisecond, DefaultTable()))
		assert.False(t, d.Pending(target))
	})

	t.Run("端点拒绝时清除", func(t *testing.T) {
		third := testutil.NewPeerID(t)
		ep.SetDialErr(errors.New("closed"))
		assert.Error(t, d.DialViaRelay(g, b, third))
		assert.False(t, d.Pending(third))
		ep.SetDialErr(nil)
	})
}

// TestPeerDialer_Connect 测试 Connect 按 tie-break 发起或等待
func TestPeerDialer_Connect(t *testing.T) {
	ep, g, d, b := registeredDialer(t)

	for i := 0; i < 8; i++ {
		target := testutil.NewPeerID(t)
		initiated, err := d.Connect(g, b, target)
		require.NoError(t, err)
		assert.Equal(t, ShouldInitiate(ep.ID(), target), initiated)
		assert.Equal(t, initiated, d.Pending(target))
	}

	_, err := d.Connect(g, b, ep.ID())
	assert.ErrorIs(t, err, ErrDialSelf)
}
