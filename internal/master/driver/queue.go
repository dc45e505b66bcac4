package driver

import (
	"context"
	"sync"
)

// eventQueue 无界 FIFO. 回调里发出的动作 (例如对账) 会再往队列里放事件,
// 有界 channel 在这里会死锁
type eventQueue struct {
	mu     sync.Mutex
	items  []func()
	signal chan struct{}
}

func newEventQueue() *eventQueue {
	return &eventQueue{signal: make(chan struct{}, 1)}
}

func (q *eventQueue) push(fn func()) {
	q.mu.Lock()
	q.items = append(q.items, fn)
	q.mu.Unlock()

	select {
	case q.signal <- struct{}{}:
	default:
	}
}

// pop 阻塞直到有事件或 ctx 结束
func (q *eventQueue) pop(ctx context.Context) (func(), bool) {
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			fn := q.items[0]
			q.items[0] = nil
			q.items = q.items[1:]
			q.mu.Unlock()
			return fn, true
		}
		q.mu.Unlock()

		select {
		case <-q.signal:
		case <-ctx.Done():
			return nil, false
		}
	}
}

func (q *eventQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
