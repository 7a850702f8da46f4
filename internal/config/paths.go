package config

import (
	"os"
	"path/filepath"
)

const (
	DefaultInstance = "default"

	// HomeEnv overrides the voxgate home directory (~/.voxgate).
	HomeEnv = "VOXGATE_HOME"
)

// InstancePaths contains all paths for a gateway instance.
type InstancePaths struct {
	Home     string // Instance home directory
	Config   string // YAML gateway configuration
	StoreDB  string // SQLite store for users, devices and configs
	PIDFile  string // Daemon pid file
	Logs     string // Logs directory
	LogFile  string // Daemon log file
	TempDir  string // Temporary files directory
	ToolsDir string // Working directory for stdio tool backends
}

// GetInstancePaths returns all paths for a given instance.
// Empty instance name defaults to "default".
func GetInstancePaths(instanceName string) InstancePaths {
	if instanceName == "" {
		instanceName = DefaultInstance
	}

	instanceDir := filepath.Join(GetHome(), "instances", instanceName)
	logsDir := filepath.Join(instanceDir, "logs")

	return InstancePaths{
		Home:     instanceDir,
		Config:   filepath.Join(instanceDir, "voxgate.yaml"),
		StoreDB:  filepath.Join(instanceDir, "voxgate.db"),
		PIDFile:  filepath.Join(instanceDir, "voxgated.pid"),
		Logs:     logsDir,
		LogFile:  filepath.Join(logsDir, "voxgated.log"),
		TempDir:  filepath.Join(instanceDir, "tmp"),
		ToolsDir: filepath.Join(instanceDir, "tools"),
	}
}

// GetHome returns the voxgate home directory. VOXGATE_HOME wins over ~/.voxgate.
func GetHome() string {
	if override := os.Getenv(HomeEnv); override != "" {
		return ExpandPath(override)
	}
	userHome, _ := os.UserHomeDir()
	return filepath.Join(userHome, ".voxgate")
}

// ExpandPath expands ~ to the user home directory.
func ExpandPath(path string) string {
	if len(path) == 0 {
		return path
	}
	if path[0] == '~' {
		home, _ := os.UserHomeDir()
		if len(path) == 1 {
			return home
		}
		if path[1] == '/' || path[1] == os.PathSeparator {
			return filepath.Join(home, path[2:])
		}
	}
	return path
}

// EnsureInstanceDirs creates the directory structure for the given instance if it does not exist.
func EnsureInstanceDirs(instanceName string) (InstancePaths, error) {
	paths := GetInstancePaths(instanceName)

	dirs := []string{
		paths.Home,
		paths.Logs,
		paths.TempDir,
		paths.ToolsDir,
	}

	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return paths, err
		}
	}

	return paths, nil
}
