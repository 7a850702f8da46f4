package speech

import (
	"context"
	"sync"

	"github.com/nupi-ai/voxgate/internal/protocol"
)

// Output is one item for the device: a model event, or a failure notice
// when Event is nil.
type Output struct {
	Event   *protocol.Event
	Failure string
}

// Frame renders the item for deviceID.
func (o Output) Frame(deviceID string) ([]byte, error) {
	if o.Event == nil {
		return protocol.Encode(protocol.NewSessionError(deviceID, o.Failure))
	}
	return protocol.ForwardFrame(o.Event, deviceID)
}

// Queue is an unbounded FIFO with a single consumer. Push never blocks.
type Queue struct {
	mu     sync.Mutex
	items  []Output
	closed bool
	notify chan struct{}
}

// NewQueue returns an empty open queue.
func NewQueue() *Queue {
	return &Queue{notify: make(chan struct{}, 1)}
}

// Push appends an item. It reports false once the queue is closed.
func (q *Queue) Push(item Output) bool {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return false
	}
	q.items = append(q.items, item)
	q.mu.Unlock()
	q.wake()
	return true
}

// Close stops accepting items. Buffered items are still delivered.
func (q *Queue) Close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.wake()
}

// Next blocks for the next item. ok is false once the queue is closed and
// drained or ctx is done.
func (q *Queue) Next(ctx context.Context) (Output, bool) {
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			item := q.items[0]
			q.items[0] = Output{}
			q.items = q.items[1:]
			q.mu.Unlock()
			return item, true
		}
		closed := q.closed
		q.mu.Unlock()
		if closed {
			return Output{}, false
		}

		select {
		case <-q.notify:
		case <-ctx.Done():
			return Output{}, false
		}
	}
}

// Len reports the number of buffered items.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

func (q *Queue) wake() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}
