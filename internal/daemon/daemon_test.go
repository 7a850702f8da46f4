package daemon

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/nupi-ai/voxgate/internal/config"
	configstore "github.com/nupi-ai/voxgate/internal/config/store"
	"github.com/nupi-ai/voxgate/internal/protocol"
	daemonruntime "github.com/nupi-ai/voxgate/internal/runtime"
	"github.com/nupi-ai/voxgate/internal/upstream"
)

func newTestDaemon(t *testing.T) (*Daemon, *upstream.MemoryDialer) {
	t.Helper()
	t.Setenv(config.HomeEnv, t.TempDir())

	store, err := configstore.Open(configstore.Options{
		InstanceName: "test",
		DBPath:       filepath.Join(t.TempDir(), "voxgate.db"),
	})
	if err != nil {
		t.Fatalf("open store: %v", err)
	}

	cfg := config.DefaultGateway()
	cfg.Listen.DeviceAddr = "127.0.0.1:0"
	cfg.Listen.AdminAddr = "127.0.0.1:0"
	cfg.Listen.GRPCAddr = ""
	cfg.Auth.JWTSecret = "test-secret"
	cfg.Auth.AdminPassword = "admin-pass"
	cfg.Auth.DevicePassword = "device-pass"

	dialer := &upstream.MemoryDialer{}
	d, err := New(Options{Config: cfg, Store: store, Dialer: dialer})
	if err != nil {
		t.Fatalf("new daemon: %v", err)
	}
	return d, dialer
}

func runDaemon(t *testing.T, d *Daemon) <-chan error {
	t.Helper()
	done := make(chan error, 1)
	go func() { done <- d.Start() }()

	deadline := time.Now().Add(5 * time.Second)
	for d.RuntimeInfo().AdminAddr() == "" || d.RuntimeInfo().DeviceAddr() == "" {
		select {
		case err := <-done:
			t.Fatalf("daemon exited early: %v", err)
		default:
		}
		if time.Now().After(deadline) {
			t.Fatal("daemon did not start listeners")
		}
		time.Sleep(10 * time.Millisecond)
	}
	return done
}

func stopDaemon(t *testing.T, d *Daemon, done <-chan error) {
	t.Helper()
	if err := d.Shutdown(); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("daemon returned error: %v", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("daemon did not stop")
	}
}

func TestNewRequiresStore(t *testing.T) {
	if _, err := New(Options{}); err == nil {
		t.Fatal("expected error without store")
	}
}

func TestStartRefusesWhenAnotherDaemonRuns(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("uses sleep")
	}
	d, _ := newTestDaemon(t)

	other := exec.Command("sleep", "30")
	if err := other.Start(); err != nil {
		t.Fatalf("start subprocess: %v", err)
	}
	defer func() {
		_ = other.Process.Kill()
		_ = other.Wait()
	}()

	pidFile := config.GetInstancePaths("test").PIDFile
	if err := daemonruntime.WritePIDFile(pidFile, other.Process.Pid); err != nil {
		t.Fatalf("write pid: %v", err)
	}

	err := d.Start()
	if err == nil || !strings.Contains(err.Error(), "already running") {
		t.Fatalf("expected already running error, got %v", err)
	}
}

func TestDaemonServesDevicesAndAdmin(t *testing.T) {
	d, dialer := newTestDaemon(t)
	done := runDaemon(t, d)

	pidPath := config.GetInstancePaths("test").PIDFile
	if _, err := os.Stat(pidPath); err != nil {
		t.Fatalf("expected pid file: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, "ws://"+d.RuntimeInfo().DeviceAddr()+"/ws", nil)
	if err != nil {
		t.Fatalf("dial device socket: %v", err)
	}
	defer conn.CloseNow()

	auth := `{"auth":{"username":"device","password":"device-pass","device_id":"kitchen","device_name":"Kitchen"}}`
	if err := conn.Write(ctx, websocket.MessageText, []byte(auth)); err != nil {
		t.Fatalf("write auth: %v", err)
	}
	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("read auth reply: %v", err)
	}
	var reply map[string]any
	if err := json.Unmarshal(data, &reply); err != nil {
		t.Fatalf("decode auth reply: %v", err)
	}
	if reply["type"] != protocol.TypeAuthSuccess {
		t.Fatalf("unexpected auth reply %v", reply)
	}

	if err := conn.Write(ctx, websocket.MessageText, []byte(`{"event":{"sessionStart":{}}}`)); err != nil {
		t.Fatalf("write sessionStart: %v", err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for dialer.Last() == nil || len(dialer.Last().SentNames()) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("upstream session was not opened")
		}
		time.Sleep(5 * time.Millisecond)
	}

	adminURL := "http://" + d.RuntimeInfo().AdminAddr()
	body, _ := json.Marshal(map[string]string{"username": "admin", "password": "admin-pass"})
	resp, err := http.Post(adminURL+"/api/auth/login", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	var login struct {
		Success bool   `json:"success"`
		Token   string `json:"token"`
	}
	err = json.NewDecoder(resp.Body).Decode(&login)
	resp.Body.Close()
	if err != nil || !login.Success || login.Token == "" {
		t.Fatalf("login failed: %v %+v", err, login)
	}

	req, _ := http.NewRequest(http.MethodPut, adminURL+"/api/devices/kitchen", bytes.NewReader([]byte(`{"voice_id":"tiffany"}`)))
	req.Header.Set("Authorization", "Bearer "+login.Token)
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("update device: %v", err)
	}
	var update struct {
		Success          bool `json:"success"`
		SessionRestarted bool `json:"session_restarted"`
	}
	err = json.NewDecoder(resp.Body).Decode(&update)
	resp.Body.Close()
	if err != nil || !update.Success || !update.SessionRestarted {
		t.Fatalf("unexpected update response: %v %+v", err, update)
	}

	first := dialer.Channels()[0]
	deadline = time.Now().Add(2 * time.Second)
	for !first.Closed() {
		if time.Now().After(deadline) {
			t.Fatal("config change did not restart the upstream session")
		}
		time.Sleep(5 * time.Millisecond)
	}

	resp, err = http.Get(adminURL + "/metrics")
	if err != nil {
		t.Fatalf("metrics: %v", err)
	}
	var metrics bytes.Buffer
	_, _ = metrics.ReadFrom(resp.Body)
	resp.Body.Close()
	if !bytes.Contains(metrics.Bytes(), []byte("voxgate_devices_connected")) {
		t.Fatalf("metrics output missing device gauge:\n%s", metrics.String())
	}

	conn.Close(websocket.StatusNormalClosure, "bye")
	stopDaemon(t, d, done)

	if _, err := os.Stat(pidPath); !os.IsNotExist(err) {
		t.Fatalf("expected pid file removed, got %v", err)
	}
}
