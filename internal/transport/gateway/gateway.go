// Package gateway exposes the device websocket endpoint and the gRPC health
// service.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"sync"

	"github.com/nupi-ai/voxgate/internal/constants"
)

// Options configure the gateway listeners.
type Options struct {
	// DeviceAddr is the device websocket listen address.
	DeviceAddr string
	// GRPCAddr is the health listen address. Empty disables gRPC.
	GRPCAddr string
}

// Info reports the bound listener addresses. GRPCAddr is empty when the
// health endpoint is disabled.
type Info struct {
	DeviceAddr string
	GRPCAddr   string
}

// Gateway runs the device websocket server and the gRPC health server.
type Gateway struct {
	handler *DeviceHandler
	opts    Options

	mu      sync.Mutex
	http    *http.Server
	health  *healthEndpoint
	cancel  context.CancelFunc
	errs    chan error
	serving sync.WaitGroup
	info    Info
}

// New constructs a Gateway serving handler.
func New(handler *DeviceHandler, opts Options) *Gateway {
	return &Gateway{handler: handler, opts: opts}
}

// Mux routes the device websocket at "/" and "/ws".
func (g *Gateway) Mux() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/ws", g.handler)
	mux.Handle("/", g.handler)
	return mux
}

// Start binds both listeners before serving either, so a bad address
// leaves nothing running.
func (g *Gateway) Start(ctx context.Context) (Info, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.http != nil {
		return Info{}, fmt.Errorf("gateway: already started")
	}

	deviceLn, err := net.Listen("tcp", g.opts.DeviceAddr)
	if err != nil {
		return Info{}, fmt.Errorf("gateway: listen device: %w", err)
	}
	var healthLn net.Listener
	if g.opts.GRPCAddr != "" {
		if healthLn, err = net.Listen("tcp", g.opts.GRPCAddr); err != nil {
			_ = deviceLn.Close()
			return Info{}, fmt.Errorf("gateway: listen grpc: %w", err)
		}
	}

	// Cancelling connCtx ends hijacked websocket read loops, which
	// http.Server.Shutdown does not track.
	connCtx, cancel := context.WithCancel(ctx)
	g.cancel = cancel
	g.errs = make(chan error, 2)
	srv := &http.Server{
		Handler:           g.Mux(),
		ReadHeaderTimeout: constants.DeviceWSWriteTimeout,
		BaseContext:       func(net.Listener) context.Context { return connCtx },
	}
	g.http = srv
	g.info = Info{DeviceAddr: deviceLn.Addr().String()}

	g.run(func() error {
		err := srv.Serve(deviceLn)
		if errors.Is(err, http.ErrServerClosed) || errors.Is(err, net.ErrClosed) {
			return nil
		}
		return err
	})
	log.Printf("[Gateway] device websocket listening on %s", g.info.DeviceAddr)

	if healthLn != nil {
		g.health = newHealthEndpoint(healthLn)
		g.info.GRPCAddr = g.health.addr()
		g.run(g.health.serve)
		log.Printf("[Gateway] grpc health listening on %s", g.info.GRPCAddr)
	}

	errs := g.errs
	go func() {
		g.serving.Wait()
		close(errs)
	}()
	return g.info, nil
}

// run serves in the background and reports unexpected failures on errs,
// which has room for one error per listener.
func (g *Gateway) run(serve func() error) {
	errs := g.errs
	g.serving.Add(1)
	go func() {
		defer g.serving.Done()
		if err := serve(); err != nil {
			errs <- err
		}
	}()
}

// Shutdown reports NOT_SERVING, stops accepting devices, closes open
// device connections and waits for the listeners to exit.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.mu.Lock()
	srv, hp, cancel := g.http, g.health, g.cancel
	g.http, g.health, g.cancel = nil, nil, nil
	g.mu.Unlock()

	if srv == nil {
		return nil
	}
	if hp != nil {
		hp.drain()
	}

	shutdownCtx, stop := context.WithTimeout(ctx, constants.Duration5Seconds)
	defer stop()
	err := srv.Shutdown(shutdownCtx)
	cancel()
	if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("gateway: shutdown http: %w", err)
	}

	if hp != nil {
		hp.stop(constants.Duration5Seconds)
	}
	g.serving.Wait()
	g.handler.wait(shutdownCtx)
	return nil
}

// Errors reports listener failures. It is closed once both listeners have
// exited, and is closed immediately if the gateway never started.
func (g *Gateway) Errors() <-chan error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.errs == nil {
		ch := make(chan error)
		close(ch)
		return ch
	}
	return g.errs
}

// Info returns the addresses bound by the last Start.
func (g *Gateway) Info() Info {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.info
}
