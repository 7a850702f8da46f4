package runtime

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"

	"github.com/nupi-ai/voxgate/internal/constants"
)

// ServiceFactory builds a service when the host starts.
type ServiceFactory func(ctx context.Context) (Service, error)

// Option configures one hosted service.
type Option func(*hosted)

// WithShutdownTimeout bounds how long the service may take to stop.
func WithShutdownTimeout(timeout time.Duration) Option {
	return func(h *hosted) {
		if timeout > 0 {
			h.stopTimeout = timeout
		}
	}
}

type hosted struct {
	name        string
	factory     ServiceFactory
	stopTimeout time.Duration
	svc         Service
}

// ServiceHost starts services in registration order and stops them in
// reverse. Services exposing Errors() <-chan error have their failures
// forwarded to the host's Errors channel.
type ServiceHost struct {
	mu       sync.Mutex
	services []*hosted
	running  []*hosted
	started  bool
	cancel   context.CancelFunc
	errs     chan error
}

// NewServiceHost creates an empty host.
func NewServiceHost() *ServiceHost {
	return &ServiceHost{errs: make(chan error, 1)}
}

// Register adds a service. Names must be unique and registration closes
// once the host has started.
func (h *ServiceHost) Register(name string, factory ServiceFactory, opts ...Option) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.started {
		return fmt.Errorf("runtime: cannot register service %q after start", name)
	}
	for _, s := range h.services {
		if s.name == name {
			return fmt.Errorf("runtime: service %q already registered", name)
		}
	}
	entry := &hosted{name: name, factory: factory, stopTimeout: constants.Duration5Seconds}
	for _, opt := range opts {
		opt(entry)
	}
	h.services = append(h.services, entry)
	return nil
}

// Start builds and starts every service. If one fails, those already
// running are stopped again before the error is returned.
func (h *ServiceHost) Start(ctx context.Context) error {
	h.mu.Lock()
	if h.started {
		h.mu.Unlock()
		return fmt.Errorf("runtime: service host already started")
	}
	h.started = true
	runCtx, cancel := context.WithCancel(ctx)
	h.cancel = cancel
	services := append([]*hosted(nil), h.services...)
	h.mu.Unlock()

	for _, entry := range services {
		if err := h.launch(runCtx, entry); err != nil {
			h.rollback()
			return err
		}
		log.Printf("[Runtime] %s started", entry.name)
	}
	return nil
}

func (h *ServiceHost) launch(ctx context.Context, entry *hosted) error {
	svc, err := entry.factory(ctx)
	if err != nil {
		return fmt.Errorf("runtime: create service %q: %w", entry.name, err)
	}
	if err := svc.Start(ctx); err != nil {
		return fmt.Errorf("runtime: start service %q: %w", entry.name, err)
	}
	entry.svc = svc

	h.mu.Lock()
	h.running = append(h.running, entry)
	h.mu.Unlock()

	if observable, ok := svc.(interface{ Errors() <-chan error }); ok {
		go h.forwardErrors(entry.name, observable.Errors())
	}
	return nil
}

func (h *ServiceHost) forwardErrors(name string, ch <-chan error) {
	for err := range ch {
		if err == nil {
			continue
		}
		select {
		case h.errs <- fmt.Errorf("%s service error: %w", name, err):
		default:
		}
	}
}

// Stop shuts running services down in reverse start order. Every service
// is asked to stop even when an earlier one fails; failures are combined.
func (h *ServiceHost) Stop(ctx context.Context) error {
	h.mu.Lock()
	if !h.started {
		h.mu.Unlock()
		return nil
	}
	h.started = false
	cancel := h.cancel
	h.cancel = nil
	h.mu.Unlock()

	if cancel != nil {
		cancel()
	}

	var result *multierror.Error
	for _, entry := range h.drainRunning() {
		if err := stopHosted(ctx, entry); err != nil {
			result = multierror.Append(result, err)
			continue
		}
		log.Printf("[Runtime] %s stopped", entry.name)
	}
	return result.ErrorOrNil()
}

func (h *ServiceHost) rollback() {
	ctx, cancel := context.WithTimeout(context.Background(), constants.Duration5Seconds)
	defer cancel()
	for _, entry := range h.drainRunning() {
		if err := stopHosted(ctx, entry); err != nil {
			log.Printf("[Runtime] rollback %s: %v", entry.name, err)
		}
	}
}

// drainRunning empties the running list and returns it newest first.
func (h *ServiceHost) drainRunning() []*hosted {
	h.mu.Lock()
	running := h.running
	h.running = nil
	h.mu.Unlock()

	out := make([]*hosted, 0, len(running))
	for i := len(running) - 1; i >= 0; i-- {
		out = append(out, running[i])
	}
	return out
}

func stopHosted(ctx context.Context, entry *hosted) error {
	svc := entry.svc
	entry.svc = nil
	if svc == nil {
		return nil
	}
	stopCtx, cancel := context.WithTimeout(ctx, entry.stopTimeout)
	defer cancel()
	if err := svc.Shutdown(stopCtx); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("runtime: shutdown service %q: %w", entry.name, err)
	}
	return nil
}

// Errors returns a channel receiving fatal service errors.
func (h *ServiceHost) Errors() <-chan error {
	return h.errs
}
