package eventbus

import (
	"context"
	"sync"
)

// spillQueue absorbs bursts for a Spill subscriber. Everything published to
// such a subscriber goes through the queue so ordering is preserved.
type spillQueue struct {
	mu    sync.Mutex
	items []Envelope
	limit int

	wake    chan struct{}
	stopped chan struct{}
}

func newSpillQueue(limit int) *spillQueue {
	return &spillQueue{
		limit:   limit,
		wake:    make(chan struct{}, 1),
		stopped: make(chan struct{}),
	}
}

// offer queues env and reports false when the queue is at its limit.
func (q *spillQueue) offer(env Envelope) bool {
	q.mu.Lock()
	if len(q.items) >= q.limit {
		q.mu.Unlock()
		return false
	}
	q.items = append(q.items, env)
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}
	return true
}

func (q *spillQueue) take() (Envelope, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return Envelope{}, false
	}
	env := q.items[0]
	q.items[0] = Envelope{}
	q.items = q.items[1:]
	if len(q.items) == 0 {
		q.items = nil
	}
	return env, true
}

func (q *spillQueue) pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// run moves queued envelopes into out until ctx is cancelled.
func (q *spillQueue) run(ctx context.Context, out chan<- Envelope) {
	defer close(q.stopped)
	for {
		for {
			env, ok := q.take()
			if !ok {
				break
			}
			select {
			case out <- env:
			case <-ctx.Done():
				return
			}
		}
		select {
		case <-q.wake:
		case <-ctx.Done():
			return
		}
	}
}
