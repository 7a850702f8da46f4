package gateway

import (
	"errors"
	"net"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
)

// healthEndpoint serves grpc.health.v1.Health for load balancers and
// supervisors. The overall status ("" service) tracks the gateway.
type healthEndpoint struct {
	server   *grpc.Server
	status   *health.Server
	listener net.Listener
}

func newHealthEndpoint(listener net.Listener) *healthEndpoint {
	srv := grpc.NewServer()
	st := health.NewServer()
	st.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	healthpb.RegisterHealthServer(srv, st)
	return &healthEndpoint{server: srv, status: st, listener: listener}
}

// serve blocks until the server stops. Orderly stops return nil.
func (h *healthEndpoint) serve() error {
	err := h.server.Serve(h.listener)
	if err == nil || errors.Is(err, net.ErrClosed) || errors.Is(err, grpc.ErrServerStopped) || status.Code(err) == codes.Canceled {
		return nil
	}
	return err
}

// drain flips every service to NOT_SERVING so probes fail before the
// device listener goes away.
func (h *healthEndpoint) drain() {
	h.status.Shutdown()
}

// stop waits up to grace for in-flight health RPCs.
func (h *healthEndpoint) stop(grace time.Duration) {
	done := make(chan struct{})
	go func() {
		h.server.GracefulStop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(grace):
		h.server.Stop()
	}
}

func (h *healthEndpoint) addr() string {
	return h.listener.Addr().String()
}
