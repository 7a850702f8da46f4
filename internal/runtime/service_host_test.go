package runtime

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

type fakeService struct {
	name        string
	startErr    error
	shutdownErr error
	errCh       chan error
	log         *callLog

	mu        sync.Mutex
	starts    int
	shutdowns int
}

type callLog struct {
	mu    sync.Mutex
	calls []string
}

func (l *callLog) add(call string) {
	if l == nil {
		return
	}
	l.mu.Lock()
	l.calls = append(l.calls, call)
	l.mu.Unlock()
}

func (l *callLog) snapshot() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.calls...)
}

func (f *fakeService) factory() ServiceFactory {
	return func(context.Context) (Service, error) { return f, nil }
}

func (f *fakeService) Start(context.Context) error {
	f.mu.Lock()
	f.starts++
	f.mu.Unlock()
	f.log.add("start:" + f.name)
	return f.startErr
}

func (f *fakeService) Shutdown(context.Context) error {
	f.mu.Lock()
	f.shutdowns++
	f.mu.Unlock()
	f.log.add("stop:" + f.name)
	return f.shutdownErr
}

func (f *fakeService) counts() (int, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.starts, f.shutdowns
}

type observableService struct {
	*fakeService
}

func (o observableService) Errors() <-chan error { return o.errCh }

func TestServiceHostStartStopOrder(t *testing.T) {
	calls := &callLog{}
	host := NewServiceHost()
	for _, name := range []string{"metrics", "registry", "gateway"} {
		svc := &fakeService{name: name, log: calls}
		if err := host.Register(name, svc.factory()); err != nil {
			t.Fatalf("register %s: %v", name, err)
		}
	}

	if err := host.Start(context.Background()); err != nil {
		t.Fatalf("start host: %v", err)
	}
	if err := host.Stop(context.Background()); err != nil {
		t.Fatalf("stop host: %v", err)
	}
	if err := host.Stop(context.Background()); err != nil {
		t.Fatalf("second stop should be a no-op: %v", err)
	}

	want := []string{
		"start:metrics", "start:registry", "start:gateway",
		"stop:gateway", "stop:registry", "stop:metrics",
	}
	if got := calls.snapshot(); !slicesEqual(got, want) {
		t.Fatalf("calls = %v, want %v", got, want)
	}
}

func TestServiceHostRegisterGuards(t *testing.T) {
	host := NewServiceHost()
	svc := &fakeService{name: "svc"}

	if err := host.Register("svc", svc.factory()); err != nil {
		t.Fatalf("register svc: %v", err)
	}
	if err := host.Register("svc", svc.factory()); err == nil {
		t.Fatal("expected duplicate registration error")
	}

	if err := host.Start(context.Background()); err != nil {
		t.Fatalf("start host: %v", err)
	}
	defer host.Stop(context.Background())

	if err := host.Start(context.Background()); err == nil {
		t.Fatal("expected double start error")
	}
	if err := host.Register("late", svc.factory()); err == nil {
		t.Fatal("expected registration after start to fail")
	}
}

func TestServiceHostStartRollbackOnFailure(t *testing.T) {
	host := NewServiceHost()
	alpha := &fakeService{name: "alpha"}
	beta := &fakeService{name: "beta", startErr: errors.New("boom")}
	gamma := &fakeService{name: "gamma"}

	for _, svc := range []*fakeService{alpha, beta, gamma} {
		if err := host.Register(svc.name, svc.factory()); err != nil {
			t.Fatalf("register %s: %v", svc.name, err)
		}
	}

	err := host.Start(context.Background())
	if err == nil || !errors.Is(err, beta.startErr) {
		t.Fatalf("expected beta start error, got %v", err)
	}
	if _, stops := alpha.counts(); stops != 1 {
		t.Fatalf("alpha should be rolled back, shutdowns = %d", stops)
	}
	if starts, _ := gamma.counts(); starts != 0 {
		t.Fatal("gamma should never start")
	}
}

func TestServiceHostFactoryError(t *testing.T) {
	host := NewServiceHost()
	boom := errors.New("no listener")
	if err := host.Register("broken", func(context.Context) (Service, error) { return nil, boom }); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := host.Start(context.Background()); !errors.Is(err, boom) {
		t.Fatalf("expected factory error, got %v", err)
	}
}

func TestServiceHostPropagatesServiceErrors(t *testing.T) {
	host := NewServiceHost()
	svc := observableService{&fakeService{name: "gateway", errCh: make(chan error, 1)}}

	if err := host.Register("gateway", func(context.Context) (Service, error) { return svc, nil }); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := host.Start(context.Background()); err != nil {
		t.Fatalf("start host: %v", err)
	}
	defer host.Stop(context.Background())

	wantErr := errors.New("listener failed")
	svc.errCh <- wantErr

	select {
	case err := <-host.Errors():
		if !errors.Is(err, wantErr) || !strings.Contains(err.Error(), "gateway") {
			t.Fatalf("unexpected error propagated: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for propagated error")
	}
}

func TestServiceHostStopAggregatesErrors(t *testing.T) {
	host := NewServiceHost()
	first := &fakeService{name: "first", shutdownErr: errors.New("first failed")}
	second := &fakeService{name: "second", shutdownErr: errors.New("second failed")}
	healthy := &fakeService{name: "healthy"}

	for _, svc := range []*fakeService{first, healthy, second} {
		if err := host.Register(svc.name, svc.factory()); err != nil {
			t.Fatalf("register %s: %v", svc.name, err)
		}
	}
	if err := host.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}

	err := host.Stop(context.Background())
	if err == nil {
		t.Fatal("expected aggregated shutdown error")
	}
	if !errors.Is(err, first.shutdownErr) || !errors.Is(err, second.shutdownErr) {
		t.Fatalf("expected both failures, got %v", err)
	}
	if _, stops := healthy.counts(); stops != 1 {
		t.Fatalf("healthy service should still be stopped, count=%d", stops)
	}
}

func TestFuncService(t *testing.T) {
	var started, stopped bool
	svc := FuncService{
		StartFunc:    func(context.Context) error { started = true; return nil },
		ShutdownFunc: func(context.Context) error { stopped = true; return nil },
	}
	if err := svc.Start(context.Background()); err != nil || !started {
		t.Fatalf("start: %v started=%v", err, started)
	}
	if err := svc.Shutdown(context.Background()); err != nil || !stopped {
		t.Fatalf("shutdown: %v stopped=%v", err, stopped)
	}
	if err := (FuncService{}).Start(context.Background()); err != nil {
		t.Fatalf("empty FuncService should be a no-op: %v", err)
	}
}

func TestPeriodicServiceRunsUntilShutdown(t *testing.T) {
	var runs atomic.Int32
	svc, err := NewPeriodicService("sweeper", 5*time.Millisecond, func(context.Context) error {
		if runs.Add(1) == 1 {
			return errors.New("transient")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("new periodic: %v", err)
	}
	if err := svc.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := svc.Start(context.Background()); err == nil {
		t.Fatal("expected error on double start")
	}

	deadline := time.Now().Add(time.Second)
	for runs.Load() < 3 {
		if time.Now().After(deadline) {
			t.Fatalf("task ran %d times", runs.Load())
		}
		time.Sleep(time.Millisecond)
	}

	if err := svc.Shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	after := runs.Load()
	time.Sleep(20 * time.Millisecond)
	if runs.Load() != after {
		t.Fatal("task kept running after shutdown")
	}
}

func TestPeriodicServiceValidation(t *testing.T) {
	noop := func(context.Context) error { return nil }
	if _, err := NewPeriodicService("bad", 0, noop); err == nil || !strings.Contains(err.Error(), "interval") {
		t.Fatalf("expected interval error, got %v", err)
	}
	if _, err := NewPeriodicService("bad", time.Second, nil); err == nil {
		t.Fatal("expected task error")
	}
}

func TestLifecycleShutdown(t *testing.T) {
	lc := NewLifecycle()
	select {
	case <-lc.Done():
		t.Fatalf("unexpected done before shutdown")
	default:
	}

	lc.Shutdown()

	select {
	case <-lc.Done():
	default:
		t.Fatalf("expected done channel closed")
	}

	// Second shutdown should be a no-op without panic.
	lc.Shutdown()
}

func TestPIDFileLifecycle(t *testing.T) {
	dir := t.TempDir()
	pidPath := filepath.Join(dir, "voxgated.pid")

	if err := WritePIDFile(pidPath, 1234); err != nil {
		t.Fatalf("write pid: %v", err)
	}

	info, err := os.Stat(pidPath)
	if err != nil {
		t.Fatalf("stat pid: %v", err)
	}
	if perm := info.Mode().Perm(); perm != 0o600 {
		t.Fatalf("expected 0600 perms, got %o", perm)
	}

	data, err := os.ReadFile(pidPath)
	if err != nil {
		t.Fatalf("read pid: %v", err)
	}
	if string(data) != "1234" {
		t.Fatalf("expected pid 1234, got %s", string(data))
	}

	RemovePIDFile(pidPath)
	if _, err := os.Stat(pidPath); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("expected pid file removed, got err=%v", err)
	}
}

func TestRunningPID(t *testing.T) {
	dir := t.TempDir()
	pidPath := filepath.Join(dir, "voxgated.pid")

	if _, ok := RunningPID(pidPath); ok {
		t.Fatal("missing pid file reported running")
	}

	if err := WritePIDFile(pidPath, os.Getpid()); err != nil {
		t.Fatalf("write pid: %v", err)
	}
	pid, ok := RunningPID(pidPath)
	if !ok || pid != os.Getpid() {
		t.Fatalf("RunningPID = %d, %v", pid, ok)
	}

	if err := WritePIDFile(pidPath, 1<<30-1); err != nil {
		t.Fatalf("write pid: %v", err)
	}
	if _, ok := RunningPID(pidPath); ok {
		t.Fatal("stale pid reported running")
	}

	if err := os.WriteFile(pidPath, []byte("not-a-pid"), 0o600); err != nil {
		t.Fatalf("write pid: %v", err)
	}
	if _, err := ReadPIDFile(pidPath); err == nil {
		t.Fatal("expected malformed pid error")
	}
}

func slicesEqual[T comparable](a, b []T) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
