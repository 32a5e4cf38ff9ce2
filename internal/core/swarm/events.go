package swarm

import (
	"sync"

	"github.com/dep2p/go-natlink/pkg/types"
)

// eventQueue 无界事件队列
//
// push 从不阻塞；单个 goroutine 按顺序把事件送入 out。
type eventQueue struct {
	mu     sync.Mutex
	buf    []types.Event
	closed bool

	signal chan struct{}
	done   chan struct{}
	out    chan types.Event
}

func newEventQueue() *eventQueue {
	q := &eventQueue{
		signal: make(chan struct{}, 1),
		done:   make(chan struct{}),
		out:    make(chan types.Event),
	}
	go q.run()
	return q
}

func (q *eventQueue) push(ev types.Event) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.buf = append(q.buf, ev)
	q.mu.Unlock()

	select {
	case q.signal <- struct{}{}:
	default:
	}
}

func (q *eventQueue) run() {
	defer close(q.out)
	for {
		q.mu.Lock()
		if len(q.buf) == 0 {
			q.mu.Unlock()
			select {
			case <-q.signal:
				continue
			case <-q.done:
				return
			}
		}
		ev := q.buf[0]
		q.buf[0] = nil
		q.buf = q.buf[1:]
		q.mu.Unlock()

		select {
		case q.out <- ev:
		case <-q.done:
			return
		}
	}
}

// len 返回待送达事件数
func (q *eventQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.buf)
}

func (q *eventQueue) close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	q.buf = nil
	close(q.done)
}
