// Package server implements the administrative control surface: login,
// device inspection, live configuration updates and session restarts.
package server

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"sync"

	"github.com/gorilla/mux"

	"github.com/nupi-ai/voxgate/internal/auth"
	configstore "github.com/nupi-ai/voxgate/internal/config/store"
	"github.com/nupi-ai/voxgate/internal/constants"
	"github.com/nupi-ai/voxgate/internal/device"
	"github.com/nupi-ai/voxgate/internal/registry"
)

// Accounts verifies administrator credentials and bearer tokens.
type Accounts interface {
	Authenticate(ctx context.Context, username, password string) (auth.Identity, error)
	IssueToken(ctx context.Context, identity auth.Identity, deviceID string) (string, error)
	ValidateToken(ctx context.Context, token string) (auth.AuthContext, error)
	RevokeToken(ctx context.Context, token string) error
}

// DeviceStore exposes the persisted device records.
type DeviceStore interface {
	ListDevices(ctx context.Context) ([]device.Config, error)
	GetDeviceConfig(ctx context.Context, deviceID string) (device.Config, error)
	UpdateDeviceConfig(ctx context.Context, deviceID string, patch device.Patch) (device.Config, []string, error)
	ListSessions(ctx context.Context, deviceID string, limit int) ([]configstore.SpeechSessionRecord, error)
}

// SessionControl is the registry surface driven by configuration changes.
type SessionControl interface {
	ApplyConfigUpdate(ctx context.Context, deviceID string, touched []string) (bool, error)
	ForceRestart(ctx context.Context, deviceID string) bool
	Status(deviceID string) (registry.Status, bool)
}

// Options wires an AdminServer.
type Options struct {
	Addr     string
	Accounts Accounts
	Devices  DeviceStore
	Sessions SessionControl
	// Metrics serves /metrics when set.
	Metrics http.Handler
}

// AdminServer serves the control API on a dedicated listener.
type AdminServer struct {
	opts   Options
	router *mux.Router

	mu         sync.Mutex
	httpServer *http.Server
	addr       string
	done       chan struct{}
}

// New validates opts and builds the router.
func New(opts Options) (*AdminServer, error) {
	if opts.Accounts == nil || opts.Devices == nil || opts.Sessions == nil {
		return nil, errors.New("server: accounts, devices and sessions are required")
	}
	s := &AdminServer{opts: opts}
	s.router = s.routes()
	return s, nil
}

func (s *AdminServer) routes() *mux.Router {
	router := mux.NewRouter()
	router.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	if s.opts.Metrics != nil {
		router.Handle("/metrics", s.opts.Metrics).Methods(http.MethodGet)
	}
	router.HandleFunc("/api/auth/login", s.handleLogin).Methods(http.MethodPost)
	router.HandleFunc("/api/auth/logout", s.handleLogout).Methods(http.MethodPost)

	api := router.PathPrefix("/api/devices").Subrouter()
	api.Use(s.requireAdmin)
	api.HandleFunc("", s.handleDevicesList).Methods(http.MethodGet)
	api.HandleFunc("/{device_id}", s.handleDeviceGet).Methods(http.MethodGet)
	api.HandleFunc("/{device_id}", s.handleDeviceUpdate).Methods(http.MethodPut)
	api.HandleFunc("/{device_id}/action", s.handleDeviceAction).Methods(http.MethodPost)
	api.HandleFunc("/{device_id}/sessions", s.handleDeviceSessions).Methods(http.MethodGet)

	router.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusNotFound, "not found")
	})
	router.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	})
	return router
}

// Handler exposes the router for embedding and tests.
func (s *AdminServer) Handler() http.Handler {
	return s.router
}

// Start listens on Options.Addr and returns the bound address.
func (s *AdminServer) Start(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.httpServer != nil {
		return "", fmt.Errorf("server: already started")
	}

	listener, err := net.Listen("tcp", s.opts.Addr)
	if err != nil {
		return "", fmt.Errorf("server: listen admin: %w", err)
	}
	s.httpServer = &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: constants.Duration10Seconds,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
	s.addr = listener.Addr().String()
	s.done = make(chan struct{})

	go func(server *http.Server, done chan struct{}) {
		defer close(done)
		if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Printf("[Admin] serve error: %v", err)
		}
	}(s.httpServer, s.done)

	log.Printf("[Admin] control API listening on %s", s.addr)
	return s.addr, nil
}

// Shutdown stops the listener and waits for in-flight requests.
func (s *AdminServer) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	server := s.httpServer
	done := s.done
	s.httpServer = nil
	s.mu.Unlock()

	if server == nil {
		return nil
	}
	shutdownCtx, cancel := context.WithTimeout(ctx, constants.AdminHTTPShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server: shutdown admin: %w", err)
	}
	<-done
	return nil
}

// Addr returns the bound address after Start.
func (s *AdminServer) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}
