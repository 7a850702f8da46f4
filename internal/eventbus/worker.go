package eventbus

import (
	"context"
	"sync"
)

// Consume passes payloads from sub to handler until ctx is done or the
// subscription closes. wg, when set, is marked done on return.
func Consume[T any](ctx context.Context, sub *TypedSubscription[T], wg *sync.WaitGroup, handler func(T)) {
	if wg != nil {
		defer wg.Done()
	}
	if sub == nil {
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		case env, ok := <-sub.C():
			if !ok {
				return
			}
			handler(env.Payload)
		}
	}
}

// ServiceLifecycle owns the context, subscriptions and consumer goroutines
// of a bus-driven service.
type ServiceLifecycle struct {
	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	closers []interface{ Close() }
	wg      sync.WaitGroup
}

// Start derives the service context from parent.
func (l *ServiceLifecycle) Start(parent context.Context) {
	l.ctx, l.cancel = context.WithCancel(parent)
}

// Context returns the service context.
func (l *ServiceLifecycle) Context() context.Context {
	return l.ctx
}

// AddSubscriptions closes subs on Shutdown.
func (l *ServiceLifecycle) AddSubscriptions(subs ...interface{ Close() }) {
	l.mu.Lock()
	l.closers = append(l.closers, subs...)
	l.mu.Unlock()
}

// Go runs worker with the service context.
func (l *ServiceLifecycle) Go(worker func(ctx context.Context)) {
	if worker == nil {
		return
	}
	ctx := l.ctx
	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		worker(ctx)
	}()
}

// Shutdown cancels the context, closes subscriptions and waits for workers
// until ctx expires.
func (l *ServiceLifecycle) Shutdown(ctx context.Context) error {
	if l.cancel != nil {
		l.cancel()
	}
	l.mu.Lock()
	closers := l.closers
	l.closers = nil
	l.mu.Unlock()
	for _, c := range closers {
		c.Close()
	}
	return WaitForWorkers(ctx, &l.wg)
}

// WaitForWorkers waits for wg or returns ctx.Err when ctx is done first.
func WaitForWorkers(ctx context.Context, wg *sync.WaitGroup) error {
	if wg == nil {
		return nil
	}
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
