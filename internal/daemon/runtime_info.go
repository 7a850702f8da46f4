package daemon

import (
	"sync"
	"time"
)

// RuntimeInfo stores the addresses the daemon actually bound.
type RuntimeInfo struct {
	mu         sync.RWMutex
	deviceAddr string
	grpcAddr   string
	adminAddr  string
	startTime  time.Time
}

// SetDeviceAddr records the device websocket address.
func (r *RuntimeInfo) SetDeviceAddr(addr string) {
	r.mu.Lock()
	r.deviceAddr = addr
	r.mu.Unlock()
}

// DeviceAddr returns the device websocket address.
func (r *RuntimeInfo) DeviceAddr() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.deviceAddr
}

// SetGRPCAddr records the gRPC health address.
func (r *RuntimeInfo) SetGRPCAddr(addr string) {
	r.mu.Lock()
	r.grpcAddr = addr
	r.mu.Unlock()
}

// GRPCAddr returns the gRPC health address.
func (r *RuntimeInfo) GRPCAddr() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.grpcAddr
}

// SetAdminAddr records the admin control API address.
func (r *RuntimeInfo) SetAdminAddr(addr string) {
	r.mu.Lock()
	r.adminAddr = addr
	r.mu.Unlock()
}

// AdminAddr returns the admin control API address.
func (r *RuntimeInfo) AdminAddr() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.adminAddr
}

// SetStartTime records the daemon start time.
func (r *RuntimeInfo) SetStartTime(t time.Time) {
	r.mu.Lock()
	r.startTime = t
	r.mu.Unlock()
}

// StartTime returns the daemon start time.
func (r *RuntimeInfo) StartTime() time.Time {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.startTime
}
