package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/nupi-ai/voxgate/internal/constants"
	"github.com/nupi-ai/voxgate/internal/validate"
)

// Token store drivers.
const (
	TokenStoreMemory = "memory"
	TokenStoreRedis  = "redis"
)

// Gateway holds process-level settings for the device gateway daemon.
type Gateway struct {
	Listen   ListenConfig   `yaml:"listen"`
	Upstream UpstreamConfig `yaml:"upstream"`
	Auth     AuthConfig     `yaml:"auth"`
	Store    StoreConfig    `yaml:"store"`
}

// ListenConfig describes the network listeners.
type ListenConfig struct {
	DeviceAddr string `yaml:"device_addr"` // device websocket
	AdminAddr  string `yaml:"admin_addr"`  // admin control API + metrics
	GRPCAddr   string `yaml:"grpc_addr"`   // grpc health, empty disables
}

// UpstreamConfig locates the speech-to-speech inference relay.
type UpstreamConfig struct {
	URL     string            `yaml:"url"`
	ModelID string            `yaml:"model_id"`
	Region  string            `yaml:"region"`
	Headers map[string]string `yaml:"headers"`
}

// AuthConfig controls token issuance and the seeded accounts.
type AuthConfig struct {
	JWTSecret      string `yaml:"jwt_secret"`
	TokenStore     string `yaml:"token_store"` // memory | redis
	RedisAddr      string `yaml:"redis_addr"`
	RedisDB        int    `yaml:"redis_db"`
	AdminPassword  string `yaml:"admin_password"`
	DevicePassword string `yaml:"device_password"`
}

// StoreConfig overrides the SQLite location.
type StoreConfig struct {
	Path string `yaml:"path"`
}

// DefaultGateway returns the settings used when no file is present.
func DefaultGateway() *Gateway {
	return &Gateway{
		Listen: ListenConfig{
			DeviceAddr: ":8765",
			AdminAddr:  "127.0.0.1:8766",
			GRPCAddr:   "127.0.0.1:8767",
		},
		Upstream: UpstreamConfig{
			URL:     "ws://127.0.0.1:9000/v1/stream",
			ModelID: "amazon.nova-sonic-v1:0",
			Region:  "us-east-1",
		},
		Auth: AuthConfig{
			TokenStore:     TokenStoreMemory,
			AdminPassword:  constants.DefaultAdminPassword,
			DevicePassword: constants.DefaultDevicePassword,
		},
	}
}

// LoadEnvFiles loads .env files from the working directory. Existing
// environment variables are never overwritten.
func LoadEnvFiles(files ...string) {
	if len(files) == 0 {
		files = []string{".env", ".env.local"}
	}
	for _, f := range files {
		_ = godotenv.Load(f)
	}
}

// LoadGateway reads the YAML file at path over the defaults, expands
// ${VAR} references and then applies VOXGATE_* overrides. A missing file
// is not an error.
func LoadGateway(path string) (*Gateway, error) {
	cfg := DefaultGateway()

	if path != "" {
		data, err := os.ReadFile(ExpandPath(path))
		switch {
		case errors.Is(err, fs.ErrNotExist):
		case err != nil:
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		default:
			expanded := os.ExpandEnv(string(data))
			if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
				return nil, fmt.Errorf("config: parse %s: %w", path, err)
			}
		}
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks fields that would otherwise fail late at runtime.
func (g *Gateway) Validate() error {
	if strings.TrimSpace(g.Listen.DeviceAddr) == "" {
		return fmt.Errorf("config: listen.device_addr is required")
	}
	if strings.TrimSpace(g.Upstream.URL) == "" {
		return fmt.Errorf("config: upstream.url is required")
	}
	if err := validate.RelayURL(g.Upstream.URL); err != nil {
		return fmt.Errorf("config: upstream.url: %w", err)
	}
	switch g.Auth.TokenStore {
	case "", TokenStoreMemory:
	case TokenStoreRedis:
		if strings.TrimSpace(g.Auth.RedisAddr) == "" {
			return fmt.Errorf("config: auth.redis_addr is required for the redis token store")
		}
	default:
		return fmt.Errorf("config: unknown token store %q", g.Auth.TokenStore)
	}
	return nil
}

func applyEnvOverrides(cfg *Gateway) {
	setString := func(key string, dst *string) {
		if v, ok := os.LookupEnv(key); ok && strings.TrimSpace(v) != "" {
			*dst = strings.TrimSpace(v)
		}
	}

	setString("VOXGATE_WS_ADDR", &cfg.Listen.DeviceAddr)
	setString("VOXGATE_ADMIN_ADDR", &cfg.Listen.AdminAddr)
	setString("VOXGATE_GRPC_ADDR", &cfg.Listen.GRPCAddr)
	setString("VOXGATE_UPSTREAM_URL", &cfg.Upstream.URL)
	setString("VOXGATE_UPSTREAM_MODEL", &cfg.Upstream.ModelID)
	setString("VOXGATE_UPSTREAM_REGION", &cfg.Upstream.Region)
	setString("VOXGATE_JWT_SECRET", &cfg.Auth.JWTSecret)
	setString("VOXGATE_TOKEN_STORE", &cfg.Auth.TokenStore)
	setString("VOXGATE_REDIS_ADDR", &cfg.Auth.RedisAddr)
	setString("VOXGATE_ADMIN_PASSWORD", &cfg.Auth.AdminPassword)
	setString("VOXGATE_DEVICE_PASSWORD", &cfg.Auth.DevicePassword)
	setString("VOXGATE_STORE_PATH", &cfg.Store.Path)

	if v := strings.TrimSpace(os.Getenv("VOXGATE_REDIS_DB")); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Auth.RedisDB = n
		}
	}
}
