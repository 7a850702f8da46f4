package main

import (
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/nupi-ai/voxgate/internal/config"
	configstore "github.com/nupi-ai/voxgate/internal/config/store"
	"github.com/nupi-ai/voxgate/internal/daemon"
	"github.com/nupi-ai/voxgate/internal/procutil"
	daemonruntime "github.com/nupi-ai/voxgate/internal/runtime"
	voxversion "github.com/nupi-ai/voxgate/internal/version"
)

type flags struct {
	configPath string
	instance   string
	wsAddr     string
	adminAddr  string
	grpcAddr   string
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	f := &flags{}
	rootCmd := &cobra.Command{
		Use:           "voxgated",
		Short:         "Voxgate daemon - device session gateway for speech-to-speech inference",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDaemon(f)
		},
	}
	rootCmd.Version = voxversion.String()
	rootCmd.SetVersionTemplate("{{printf \"%s\\n\" .Version}}")

	rootCmd.Flags().StringVar(&f.configPath, "config", "", "gateway YAML configuration (default: instance voxgate.yaml)")
	rootCmd.PersistentFlags().StringVar(&f.instance, "instance", config.DefaultInstance, "instance name")
	rootCmd.Flags().StringVar(&f.wsAddr, "ws-addr", "", "device websocket listen address")
	rootCmd.Flags().StringVar(&f.adminAddr, "admin-addr", "", "admin control API listen address")
	rootCmd.Flags().StringVar(&f.grpcAddr, "grpc-addr", "", "gRPC health listen address")

	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print the daemon version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), voxversion.String())
		},
	})
	rootCmd.AddCommand(newStatusCmd(f), newStopCmd(f))
	return rootCmd
}

func newStatusCmd(f *flags) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Report whether the daemon for the instance is running",
		RunE: func(cmd *cobra.Command, args []string) error {
			paths := config.GetInstancePaths(f.instance)
			if pid, ok := daemonruntime.RunningPID(paths.PIDFile); ok {
				fmt.Fprintf(cmd.OutOrStdout(), "voxgated (%s) running, pid %d\n", f.instance, pid)
				return nil
			}
			fmt.Fprintf(cmd.OutOrStdout(), "voxgated (%s) not running\n", f.instance)
			return nil
		},
	}
}

func newStopCmd(f *flags) *cobra.Command {
	return &cobra.Command{
		Use:   "stop",
		Short: "Ask the running daemon for the instance to shut down",
		RunE: func(cmd *cobra.Command, args []string) error {
			paths := config.GetInstancePaths(f.instance)
			pid, ok := daemonruntime.RunningPID(paths.PIDFile)
			if !ok {
				return fmt.Errorf("voxgated (%s) is not running", f.instance)
			}
			if err := procutil.TerminateByPID(pid); err != nil {
				return fmt.Errorf("stop pid %d: %w", pid, err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "sent stop to voxgated (%s), pid %d\n", f.instance, pid)
			return nil
		},
	}
}

// loadConfig resolves the gateway settings: .env files, then YAML, then
// VOXGATE_* variables, then explicit flags.
func loadConfig(f *flags, paths config.InstancePaths) (*config.Gateway, error) {
	config.LoadEnvFiles()

	path := f.configPath
	if path == "" {
		path = paths.Config
	}
	cfg, err := config.LoadGateway(path)
	if err != nil {
		return nil, err
	}
	if f.wsAddr != "" {
		cfg.Listen.DeviceAddr = f.wsAddr
	}
	if f.adminAddr != "" {
		cfg.Listen.AdminAddr = f.adminAddr
	}
	if f.grpcAddr != "" {
		cfg.Listen.GRPCAddr = f.grpcAddr
	}
	return cfg, cfg.Validate()
}

func runDaemon(f *flags) error {
	paths, err := config.EnsureInstanceDirs(f.instance)
	if err != nil {
		return fmt.Errorf("failed to prepare instance directories: %w", err)
	}
	if err := setupLogging(paths); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialise logging: %v\n", err)
	}

	cfg, err := loadConfig(f, paths)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	store, err := configstore.Open(configstore.Options{
		InstanceName: f.instance,
		DBPath:       cfg.Store.Path,
	})
	if err != nil {
		return fmt.Errorf("failed to open config store: %w", err)
	}

	d, err := daemon.New(daemon.Options{Config: cfg, Store: store})
	if err != nil {
		store.Close()
		return fmt.Errorf("failed to create daemon: %w", err)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	errChan := make(chan error, 1)
	go func() {
		errChan <- d.Start()
	}()

	log.Printf("Voxgate daemon started (PID: %d)", os.Getpid())

	select {
	case sig := <-sigChan:
		log.Printf("Received signal %s, shutting down...", sig)
		if err := d.Shutdown(); err != nil {
			log.Printf("Error during shutdown: %v", err)
		}
		if err := <-errChan; err != nil {
			log.Printf("Daemon error: %v", err)
			return err
		}
	case err := <-errChan:
		if err != nil {
			log.Printf("Daemon error: %v", err)
			return err
		}
	}

	log.Println("Daemon stopped")
	return nil
}

func setupLogging(paths config.InstancePaths) error {
	if err := os.MkdirAll(paths.Logs, 0o755); err != nil {
		return fmt.Errorf("create logs directory: %w", err)
	}

	logFile, err := os.OpenFile(paths.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open log file: %w", err)
	}

	log.SetOutput(io.MultiWriter(os.Stdout, logFile))
	log.SetFlags(log.LstdFlags | log.Lshortfile)

	log.Printf("=== Voxgate Daemon Starting (PID: %d) ===", os.Getpid())
	log.Printf("Log file: %s", paths.LogFile)
	return nil
}
