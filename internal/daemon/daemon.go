// Package daemon wires the gateway components into one process.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/nupi-ai/voxgate/internal/auth"
	"github.com/nupi-ai/voxgate/internal/config"
	configstore "github.com/nupi-ai/voxgate/internal/config/store"
	"github.com/nupi-ai/voxgate/internal/constants"
	"github.com/nupi-ai/voxgate/internal/eventbus"
	"github.com/nupi-ai/voxgate/internal/observability"
	"github.com/nupi-ai/voxgate/internal/registry"
	daemonruntime "github.com/nupi-ai/voxgate/internal/runtime"
	"github.com/nupi-ai/voxgate/internal/server"
	"github.com/nupi-ai/voxgate/internal/tlswarn"
	transportgateway "github.com/nupi-ai/voxgate/internal/transport/gateway"
	"github.com/nupi-ai/voxgate/internal/upstream"
	"github.com/nupi-ai/voxgate/internal/validate"
)

// Options groups dependencies required to construct a Daemon.
type Options struct {
	Config *config.Gateway
	Store  *configstore.Store
	// Dialer overrides the relay dialer built from Config.Upstream.
	Dialer upstream.Dialer
}

// Daemon represents the main daemon process.
type Daemon struct {
	cfg           *config.Gateway
	store         *configstore.Store
	auth          *auth.Service
	registry      *registry.Registry
	serviceHost   *daemonruntime.ServiceHost
	runtimeInfo   *RuntimeInfo
	lifecycle     *daemonruntime.Lifecycle
	instancePaths config.InstancePaths
	eventBus      *eventbus.Bus
	ctx           context.Context
	cancel        context.CancelFunc
	errMu         sync.Mutex
	runErr        error
}

const (
	// storeQueryTimeout bounds store work done while wiring the daemon.
	storeQueryTimeout = constants.Duration5Seconds

	// serviceOpTimeout bounds graceful shutdown of every service.
	serviceOpTimeout = constants.Duration10Seconds
)

// New creates a daemon bound to the provided configuration and store.
func New(opts Options) (*Daemon, error) {
	if opts.Store == nil {
		return nil, errors.New("daemon: configuration store is required")
	}
	cfg := opts.Config
	if cfg == nil {
		cfg = config.DefaultGateway()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	paths := config.GetInstancePaths(opts.Store.InstanceName())
	bus := eventbus.New()

	tokens, err := newTokenStore(cfg.Auth)
	if err != nil {
		return nil, fmt.Errorf("daemon: token store: %w", err)
	}
	authService, err := auth.NewService(auth.Options{
		Users:  opts.Store,
		Tokens: tokens,
		Secret: []byte(cfg.Auth.JWTSecret),
	})
	if err != nil {
		_ = tokens.Close()
		return nil, fmt.Errorf("daemon: auth service: %w", err)
	}

	seedCtx, cancel := context.WithTimeout(context.Background(), storeQueryTimeout)
	err = authService.SeedDefaults(seedCtx, cfg.Auth.AdminPassword, cfg.Auth.DevicePassword)
	cancel()
	if err != nil {
		_ = authService.Close()
		return nil, fmt.Errorf("daemon: seed accounts: %w", err)
	}

	dialer := opts.Dialer
	if dialer == nil {
		dialer = &upstream.RelayDialer{
			URL:     cfg.Upstream.URL,
			ModelID: cfg.Upstream.ModelID,
			Region:  cfg.Upstream.Region,
			Headers: cfg.Upstream.Headers,
		}
		if validate.PlaintextRemote(cfg.Upstream.URL) {
			tlswarn.LogPlaintext("upstream relay", cfg.Upstream.URL)
		}
	}

	reg, err := registry.New(registry.Options{
		Store:    opts.Store,
		Dialer:   dialer,
		Recorder: opts.Store,
		Bus:      bus,
	})
	if err != nil {
		_ = authService.Close()
		return nil, fmt.Errorf("daemon: registry: %w", err)
	}

	handler, err := transportgateway.NewDeviceHandler(transportgateway.HandlerOptions{
		Accounts: authService,
		Devices:  opts.Store,
		Sessions: reg,
		Bus:      bus,
	})
	if err != nil {
		_ = authService.Close()
		return nil, fmt.Errorf("daemon: device handler: %w", err)
	}

	exporter := observability.NewExporter(bus)
	admin, err := server.New(server.Options{
		Addr:     cfg.Listen.AdminAddr,
		Accounts: authService,
		Devices:  opts.Store,
		Sessions: reg,
		Metrics:  exporter.Handler(),
	})
	if err != nil {
		_ = authService.Close()
		return nil, fmt.Errorf("daemon: admin server: %w", err)
	}

	runtimeInfo := &RuntimeInfo{}
	host := daemonruntime.NewServiceHost()

	// Services stop in reverse order: listeners first, then the registry
	// tearing down whatever sessions remain, then metrics.
	registrations := []registration{
		{name: "metrics", factory: func(context.Context) (daemonruntime.Service, error) {
			return exporter, nil
		}},
		{name: "registry", factory: func(context.Context) (daemonruntime.Service, error) {
			return daemonruntime.FuncService{ShutdownFunc: reg.Shutdown}, nil
		}, opts: []daemonruntime.Option{daemonruntime.WithShutdownTimeout(serviceOpTimeout)}},
		{name: "token_sweeper", factory: func(context.Context) (daemonruntime.Service, error) {
			return daemonruntime.NewPeriodicService("token_sweeper", constants.SessionTokenSweepPeriod, sweepTokens(authService))
		}},
		{name: "gateway", factory: func(context.Context) (daemonruntime.Service, error) {
			return newGatewayService(handler, transportgateway.Options{
				DeviceAddr: cfg.Listen.DeviceAddr,
				GRPCAddr:   cfg.Listen.GRPCAddr,
			}, runtimeInfo), nil
		}, opts: []daemonruntime.Option{daemonruntime.WithShutdownTimeout(serviceOpTimeout)}},
	}
	if cfg.Listen.AdminAddr != "" {
		registrations = append(registrations, registration{name: "admin", factory: func(context.Context) (daemonruntime.Service, error) {
			return &adminService{admin: admin, info: runtimeInfo}, nil
		}})
	}
	for _, r := range registrations {
		if err := host.Register(r.name, r.factory, r.opts...); err != nil {
			_ = authService.Close()
			return nil, err
		}
	}

	return &Daemon{
		cfg:           cfg,
		store:         opts.Store,
		auth:          authService,
		registry:      reg,
		serviceHost:   host,
		runtimeInfo:   runtimeInfo,
		lifecycle:     daemonruntime.NewLifecycle(),
		instancePaths: paths,
		eventBus:      bus,
	}, nil
}

type registration struct {
	name    string
	factory daemonruntime.ServiceFactory
	opts    []daemonruntime.Option
}

func newTokenStore(cfg config.AuthConfig) (auth.TokenStore, error) {
	kind := auth.TokenStoreType(cfg.TokenStore)
	if kind != auth.TokenStoreRedis {
		return auth.NewTokenStore(kind)
	}
	client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, DB: cfg.RedisDB})
	ctx, cancel := context.WithTimeout(context.Background(), storeQueryTimeout)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis %s: %w", cfg.RedisAddr, err)
	}
	return auth.NewTokenStore(kind, auth.WithRedisClient(client))
}

func sweepTokens(svc *auth.Service) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		removed, err := svc.CleanupExpired(ctx)
		if err != nil {
			return err
		}
		if removed > 0 {
			log.Printf("[Auth] cleaned up %d expired sessions", removed)
		}
		return nil
	}
}

// Start runs the daemon services until Shutdown is called or a service fails.
func (d *Daemon) Start() error {
	if pid, running := daemonruntime.RunningPID(d.instancePaths.PIDFile); running && pid != os.Getpid() {
		d.closeResources()
		return fmt.Errorf("daemon: already running (pid %d)", pid)
	}
	if err := daemonruntime.WritePIDFile(d.instancePaths.PIDFile, os.Getpid()); err != nil {
		return fmt.Errorf("daemon: write pid file: %w", err)
	}
	defer daemonruntime.RemovePIDFile(d.instancePaths.PIDFile)

	d.runtimeInfo.SetStartTime(time.Now())
	d.ctx, d.cancel = context.WithCancel(context.Background())

	if err := d.serviceHost.Start(d.ctx); err != nil {
		d.cancel()
		d.closeResources()
		return fmt.Errorf("daemon: start services: %w", err)
	}
	d.watchHostErrors()

	log.Printf("[Daemon] voxgate ready: devices on %s, admin on %s", d.runtimeInfo.DeviceAddr(), d.runtimeInfo.AdminAddr())

	<-d.lifecycle.Done()

	stopCtx, cancel := context.WithTimeout(context.Background(), 2*serviceOpTimeout)
	if err := d.serviceHost.Stop(stopCtx); err != nil && !errors.Is(err, context.Canceled) {
		fmt.Fprintf(os.Stderr, "daemon: service shutdown error: %v\n", err)
		d.setRunError(err)
	}
	cancel()
	d.cancel()

	d.closeResources()
	return d.getRunError()
}

func (d *Daemon) closeResources() {
	if err := d.auth.Close(); err != nil {
		log.Printf("[Daemon] token store close error: %v", err)
	}
	d.eventBus.Shutdown()
	if err := d.store.Close(); err != nil && !errors.Is(err, context.Canceled) {
		fmt.Fprintf(os.Stderr, "daemon: store close error: %v\n", err)
	}
}

// Shutdown signals the daemon to stop.
func (d *Daemon) Shutdown() error {
	d.lifecycle.Shutdown()
	return nil
}

func (d *Daemon) watchHostErrors() {
	go func() {
		for err := range d.serviceHost.Errors() {
			if err == nil {
				continue
			}
			d.setRunError(err)
			fmt.Fprintf(os.Stderr, "%v\n", err)
			d.lifecycle.Shutdown()
		}
	}()
}

func (d *Daemon) setRunError(err error) {
	if err == nil {
		return
	}

	d.errMu.Lock()
	defer d.errMu.Unlock()
	if d.runErr == nil {
		d.runErr = err
	}
}

func (d *Daemon) getRunError() error {
	d.errMu.Lock()
	defer d.errMu.Unlock()
	return d.runErr
}

// RuntimeInfo exposes the bound listener addresses.
func (d *Daemon) RuntimeInfo() *RuntimeInfo {
	return d.runtimeInfo
}

// Registry returns the device registry.
func (d *Daemon) Registry() *registry.Registry {
	return d.registry
}

// EventBus returns the daemon event bus.
func (d *Daemon) EventBus() *eventbus.Bus {
	return d.eventBus
}
