package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/nupi-ai/voxgate/internal/config"
	daemonruntime "github.com/nupi-ai/voxgate/internal/runtime"
	voxversion "github.com/nupi-ai/voxgate/internal/version"
)

func TestVersionCommand(t *testing.T) {
	restore := voxversion.ForTesting("1.2.3")
	defer restore()

	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"version"})
	if err := cmd.Execute(); err != nil {
		t.Fatalf("execute: %v", err)
	}
	if !strings.Contains(out.String(), "1.2.3") {
		t.Fatalf("unexpected version output %q", out.String())
	}
}

func TestLoadConfigFlagsOverrideFile(t *testing.T) {
	t.Setenv(config.HomeEnv, t.TempDir())
	dir := t.TempDir()
	path := filepath.Join(dir, "voxgate.yaml")
	yaml := "listen:\n  device_addr: \":9100\"\n  admin_addr: \"127.0.0.1:9101\"\nupstream:\n  url: ws://relay.internal/v1/stream\n"
	if err := os.WriteFile(path, []byte(yaml), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	f := &flags{configPath: path, instance: "test", wsAddr: ":9200"}
	cfg, err := loadConfig(f, config.GetInstancePaths("test"))
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.Listen.DeviceAddr != ":9200" {
		t.Fatalf("flag should win, got %q", cfg.Listen.DeviceAddr)
	}
	if cfg.Listen.AdminAddr != "127.0.0.1:9101" {
		t.Fatalf("file value lost, got %q", cfg.Listen.AdminAddr)
	}
	if cfg.Upstream.URL != "ws://relay.internal/v1/stream" {
		t.Fatalf("upstream url = %q", cfg.Upstream.URL)
	}
}

func TestRootFlags(t *testing.T) {
	cmd := newRootCmd()
	for _, name := range []string{"config", "instance", "ws-addr", "admin-addr", "grpc-addr"} {
		if cmd.Flags().Lookup(name) == nil && cmd.PersistentFlags().Lookup(name) == nil {
			t.Fatalf("missing flag --%s", name)
		}
	}
}

func TestStatusAndStopWithoutDaemon(t *testing.T) {
	t.Setenv(config.HomeEnv, t.TempDir())

	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"status", "--instance", "idle"})
	if err := cmd.Execute(); err != nil {
		t.Fatalf("status: %v", err)
	}
	if !strings.Contains(out.String(), "not running") {
		t.Fatalf("unexpected status output %q", out.String())
	}

	cmd = newRootCmd()
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"stop", "--instance", "idle"})
	if err := cmd.Execute(); err == nil {
		t.Fatal("stop should fail when no daemon runs")
	}
}

func TestStatusReportsRunningPID(t *testing.T) {
	t.Setenv(config.HomeEnv, t.TempDir())
	paths := config.GetInstancePaths("live")
	if err := daemonruntime.WritePIDFile(paths.PIDFile, os.Getpid()); err != nil {
		t.Fatalf("write pid: %v", err)
	}

	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"status", "--instance", "live"})
	if err := cmd.Execute(); err != nil {
		t.Fatalf("status: %v", err)
	}
	if !strings.Contains(out.String(), "running, pid") {
		t.Fatalf("unexpected status output %q", out.String())
	}
}
