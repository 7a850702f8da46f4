package daemon

import (
	"context"
	"errors"
	"net/http"

	"github.com/nupi-ai/voxgate/internal/server"
	transportgateway "github.com/nupi-ai/voxgate/internal/transport/gateway"
)

type gatewayService struct {
	gateway *transportgateway.Gateway
	info    *RuntimeInfo
}

func newGatewayService(handler *transportgateway.DeviceHandler, opts transportgateway.Options, info *RuntimeInfo) *gatewayService {
	return &gatewayService{
		gateway: transportgateway.New(handler, opts),
		info:    info,
	}
}

func (s *gatewayService) Start(ctx context.Context) error {
	info, err := s.gateway.Start(ctx)
	if err != nil {
		return err
	}
	if s.info != nil {
		s.info.SetDeviceAddr(info.DeviceAddr)
		s.info.SetGRPCAddr(info.GRPCAddr)
	}
	return nil
}

func (s *gatewayService) Shutdown(ctx context.Context) error {
	if err := s.gateway.Shutdown(ctx); err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *gatewayService) Errors() <-chan error {
	return s.gateway.Errors()
}

type adminService struct {
	admin *server.AdminServer
	info  *RuntimeInfo
}

func (s *adminService) Start(ctx context.Context) error {
	addr, err := s.admin.Start(ctx)
	if err != nil {
		return err
	}
	if s.info != nil {
		s.info.SetAdminAddr(addr)
	}
	return nil
}

func (s *adminService) Shutdown(ctx context.Context) error {
	return s.admin.Shutdown(ctx)
}
