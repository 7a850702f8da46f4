package runtime

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"
)

// FuncService adapts a pair of functions to Service. Nil functions are no-ops.
type FuncService struct {
	StartFunc    func(ctx context.Context) error
	ShutdownFunc func(ctx context.Context) error
}

func (f FuncService) Start(ctx context.Context) error {
	if f.StartFunc == nil {
		return nil
	}
	return f.StartFunc(ctx)
}

func (f FuncService) Shutdown(ctx context.Context) error {
	if f.ShutdownFunc == nil {
		return nil
	}
	return f.ShutdownFunc(ctx)
}

// PeriodicService runs task every interval until shut down. Task errors are
// logged and the schedule continues.
type PeriodicService struct {
	name     string
	interval time.Duration
	task     func(ctx context.Context) error

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewPeriodicService builds a PeriodicService. interval must be positive.
func NewPeriodicService(name string, interval time.Duration, task func(ctx context.Context) error) (*PeriodicService, error) {
	if interval <= 0 {
		return nil, fmt.Errorf("runtime: periodic %q: interval must be positive", name)
	}
	if task == nil {
		return nil, fmt.Errorf("runtime: periodic %q: task required", name)
	}
	return &PeriodicService{name: name, interval: interval, task: task}, nil
}

func (p *PeriodicService) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cancel != nil {
		return fmt.Errorf("runtime: periodic %q already running", p.name)
	}
	runCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.done = make(chan struct{})
	go p.loop(runCtx, p.done)
	return nil
}

func (p *PeriodicService) loop(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := p.task(ctx); err != nil && ctx.Err() == nil {
				log.Printf("[Runtime] %s: %v", p.name, err)
			}
		}
	}
}

func (p *PeriodicService) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	cancel := p.cancel
	done := p.done
	p.cancel = nil
	p.mu.Unlock()

	if cancel == nil {
		return nil
	}
	cancel()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
