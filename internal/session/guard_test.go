package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dep2p/go-natlink/internal/testutil"
	"github.com/dep2p/go-natlink/pkg/interfaces"
	"github.com/dep2p/go-natlink/pkg/types"
)

// TestGuard_PumpTimer 测试计时结束时返回
func TestGuard_PumpTimer(t *testing.T) {
	ep := testutil.NewEndpoint(t)
	mock := clock.NewMock()
	g := newGuard(ep, mock)

	ep.Push(types.EvtListenAddrBound{}, types.EvtDialing{})

	done := make(chan error, 1)
	go func() { done <- g.Pump(context.Background(), time.Millisecond, DefaultTable()) }()

	// 计时未到前排空全部事件且不返回
	require.Eventually(t, func() bool { return ep.Queued() == 0 }, 2*time.Second, time.Millisecond)
	select {
	case <-done:
		t.Fatal("计时未到即返回")
	default:
	}

	require.Eventually(t, func() bool {
		mock.Add(time.Millisecond)
		select {
		case err := <-done:
			assert.NoError(t, err)
			return true
		default:
			return false
		}
	}, 2*time.Second, time.Millisecond)

	t.Log("✅ 排空周期按时结束")
}

// TestGuard_PumpExit 测试排空的各种退出方式
func TestGuard_PumpExit(t *testing.T) {
	t.Run("未分类事件", func(t *testing.T) {
		ep := testutil.NewEndpoint(t)
		g := NewGuard(ep)
		ep.Push(types.EvtDialing{}, types.EvtUnknown{Name: "mdns"}, types.EvtDialing{})

		err := g.Pump(context.Background(), time.Second, DefaultTable())
		var fatal *FatalEventError
		require.ErrorAs(t, err, &fatal)
		assert.Equal(t, types.KindUnknown, fatal.Event.Kind())
		assert.Contains(t, err.Error(), "mdns")
		// 致命事件之后的事件留在队列中
		assert.Equal(t, 1, ep.Queued())
	})

	t.Run("分类表缺失", func(t *testing.T) {
		ep := testutil.NewEndpoint(t)
		g := NewGuard(ep)
		ep.Push(types.EvtHolePunch{})

		err := g.Pump(context.Background(), time.Second, Table{})
		var fatal *FatalEventError
		assert.ErrorAs(t, err, &fatal)
	})

	t.Run("取消", func(t *testing.T) {
		ep := testutil.NewEndpoint(t)
		g := NewGuard(ep)
		ctx, cancel := context.WithCancel(context.Background())
		go func() {
			time.Sleep(10 * time.Millisecond)
			cancel()
		}()
		assert.ErrorIs(t, g.Pump(ctx, time.Hour, DefaultTable()), context.Canceled)
	})

	t.Run("已取消", func(t *testing.T) {
		ep := testutil.NewEndpoint(t)
		g := NewGuard(ep)
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		ep.Push(types.EvtDialing{})
		assert.ErrorIs(t, g.Pump(ctx, time.Hour, DefaultTable()), context.Canceled)
		assert.Equal(t, 1, ep.Queued())
	})

	t.Run("端点关闭", func(t *testing.T) {
		ep := testutil.NewEndpoint(t)
		g := NewGuard(ep)
		require.NoError(t, ep.Close())
		assert.ErrorIs(t, g.Pump(context.Background(), time.Hour, DefaultTable()), ErrEndpointClosed)
	})
}

// TestGuard_BoundedHold 测试排空运行时命令仍能在一个周期内拿到锁
func TestGuard_BoundedHold(t *testing.T) {
	ep := testutil.NewEndpoint(t)
	g := NewGuard(ep)
	const interval = 2 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for ctx.Err() == nil {
			_ = g.Pump(ctx, interval, DefaultTable())
		}
	}()
	defer func() {
		cancel()
		wg.Wait()
	}()

	// 持续产生事件，排空不会因为空闲提前退出
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		for {
			select {
			case <-stop:
				return
			case ep.Feed() <- types.EvtLiveness{}:
			}
		}
	}()

	for i := 0; i < 20; i++ {
		start := time.Now()
		err := g.Do(func(interfaces.Endpoint) error { return nil })
		require.NoError(t, err)
		// 一个周期加调度余量
		assert.Less(t, time.Since(start), interval+100*time.Millisecond)
	}
}

// TestGuard_Observe 测试观察者收到分类后的事件
func TestGuard_Observe(t *testing.T) {
	ep := testutil.NewEndpoint(t)
	g := NewGuard(ep)

	var got []Class
	g.Observe(func(_ types.Event, class Class) { got = append(got, class) })

	ep.Push(types.EvtDialError{}, types.EvtConnectionEstablished{}, types.EvtUnknown{})
	err := g.Pump(context.Background(), time.Second, DefaultTable())
	require.Error(t, err)
	assert.Equal(t, []Class{ClassError, ClassInfo, ClassFatal}, got)
}

// TestGuard_Drain 测试处理器错误结束排空
func TestGuard_Drain(t *testing.T) {
	ep := testutil.NewEndpoint(t)
	g := NewGuard(ep)
	stopErr := errors.New("stop")

	ep.Push(types.EvtDialing{}, types.EvtDialError{}, types.EvtDialing{})
	n := 0
	err := g.Drain(context.Background(), time.Second, DefaultTable(), func(ev types.Event, class Class) error {
		n++
		if class == ClassError {
			return stopErr
		}
		return nil
	})
	assert.ErrorIs(t, err, stopErr)
	assert.Equal(t, 2, n)
	assert.Equal(t, 1, ep.Queued())
}
