package session

import (
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/dep2p/go-natlink/pkg/interfaces"
	"github.com/dep2p/go-natlink/pkg/types"
)

// DefaultPumpInterval 默认排空周期
const DefaultPumpInterval = 100 * time.Microsecond

// Observer 观察每个已分类的事件
//
// 在持有守卫时调用，不得回调 Guard 的方法。
type Observer func(ev types.Event, class Class)

// Handler 处理排空得到的事件，返回非 nil 错误时结束排空
type Handler func(ev types.Event, class Class) error

// Guard 端点互斥访问守卫
//
// 命令（Do）与事件排空（Pump / Drain）在同一把锁上轮流执行，
// 每次持锁以一条命令或一个有界周期为限。
type Guard struct {
	mu    sync.Mutex
	ep    interfaces.Endpoint
	clock clock.Clock

	obsMu     sync.RWMutex
	observers []observerEntry
	nextObsID uint64
}

type observerEntry struct {
	id uint64
	fn Observer
}

// NewGuard 创建守卫
func NewGuard(ep interfaces.Endpoint) *Guard {
	return newGuard(ep, clock.New())
}

func newGuard(ep interfaces.Endpoint, clk clock.Clock) *Guard {
	return &Guard{ep: ep, clock: clk}
}

// ID 返回端点的节点 ID（不需要持锁）
func (g *Guard) ID() types.PeerID {
	return g.ep.ID()
}

// Clock 返回守卫使用的时钟
func (g *Guard) Clock() clock.Clock {
	return g.clock
}

// Do 持锁执行一条命令
func (g *Guard) Do(fn func(ep interfaces.Endpoint) error) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	return fn(g.ep)
}

// Observe 注册事件观察者，返回注销函数
//
// 观察者看到所有经守卫排空的事件，与由哪个调用方排空无关。
func (g *Guard) Observe(o Observer) (remove func()) {
	g.obsMu.Lock()
	g.nextObsID++
	id := g.nextObsID
	g.observers = append(g.observers, observerEntry{id: id, fn: o})
	g.obsMu.Unlock()

	return func() {
		g.obsMu.Lock()
		defer g.obsMu.Unlock()
		for i, e := range g.observers {
			if e.id == id {
				g.observers = append(g.observers[:i:i], g.observers[i+1:]...)
				return
			}
		}
	}
}

// Pump 持锁排空事件，最长 maxDuration
//
// 计时结束返回 nil；ctx 取消返回 ctx.Err()；
// 未分类事件返回 *FatalEventError；事件流关闭返回 ErrEndpointClosed。
func (g *Guard) Pump(ctx context.Context, maxDuration time.Duration, table Table) error {
	return g.Drain(ctx, maxDuration, table, nil)
}

// Drain 同 Pump，并把每个非致命事件交给 handle
//
// handle 返回的错误原样返回并结束本周期。
func (g *Guard) Drain(ctx context.Context, maxDuration time.Duration, table Table, handle Handler) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if maxDuration <= 0 {
		maxDuration = DefaultPumpInterval
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	timer := g.clock.Timer(maxDuration)
	defer timer.Stop()

	events := g.ep.Events()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
			return nil
		case ev, ok := <-events:
			if !ok {
				return ErrEndpointClosed
			}
			class := table.Classify(ev)
			table.Log(ev, class)
			g.notify(ev, class)
			if class == ClassFatal {
				return &FatalEventError{Event: ev}
			}
			if handle != nil {
				if err := handle(ev, class); err != nil {
					return err
				}
			}
		}
	}
}

func (g *Guard) notify(ev types.Event, class Class) {
	g.obsMu.RLock()
	defer g.obsMu.RUnlock()
	for _, e := range g.observers {
		e.fn(ev, class)
	}
}
