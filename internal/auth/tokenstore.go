package auth

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// TokenStoreType selects a token store driver.
type TokenStoreType string

const (
	TokenStoreMemory TokenStoreType = "memory"
	TokenStoreRedis  TokenStoreType = "redis"

	defaultTokenKeyPrefix = "voxgate:token:"
)

// TokenRecord is what the session registry remembers about a token.
type TokenRecord struct {
	Username  string    `json:"username"`
	Role      string    `json:"role"`
	DeviceID  string    `json:"device_id,omitempty"`
	ExpiresAt time.Time `json:"expires_at"`
}

// TokenStore tracks issued tokens so they can be revoked before expiry.
type TokenStore interface {
	Put(ctx context.Context, token string, rec TokenRecord) error
	Get(ctx context.Context, token string) (TokenRecord, bool, error)
	Delete(ctx context.Context, token string) error
	Sweep(ctx context.Context, now time.Time) (int, error)
	Close() error
}

type tokenStoreConfig struct {
	redisClient *redis.Client
	keyPrefix   string
}

// TokenStoreOption customises NewTokenStore.
type TokenStoreOption func(*tokenStoreConfig)

// WithRedisClient provides the client used by the redis driver.
func WithRedisClient(client *redis.Client) TokenStoreOption {
	return func(cfg *tokenStoreConfig) {
		cfg.redisClient = client
	}
}

// WithKeyPrefix overrides the redis key prefix.
func WithKeyPrefix(prefix string) TokenStoreOption {
	return func(cfg *tokenStoreConfig) {
		if prefix != "" {
			cfg.keyPrefix = prefix
		}
	}
}

// NewTokenStore builds a token store of the requested type.
func NewTokenStore(kind TokenStoreType, opts ...TokenStoreOption) (TokenStore, error) {
	cfg := &tokenStoreConfig{keyPrefix: defaultTokenKeyPrefix}
	for _, opt := range opts {
		opt(cfg)
	}

	switch kind {
	case "", TokenStoreMemory:
		return newMemoryTokenStore(), nil
	case TokenStoreRedis:
		if cfg.redisClient == nil {
			return nil, errors.New("auth: redis token store requires a client")
		}
		return &redisTokenStore{client: cfg.redisClient, prefix: cfg.keyPrefix}, nil
	default:
		return nil, fmt.Errorf("auth: unknown token store type %q", kind)
	}
}

// tokenKey avoids keeping raw bearer tokens as map or redis keys.
func tokenKey(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

type memoryTokenStore struct {
	mu      sync.RWMutex
	records map[string]TokenRecord
}

func newMemoryTokenStore() *memoryTokenStore {
	return &memoryTokenStore{records: make(map[string]TokenRecord)}
}

func (m *memoryTokenStore) Put(_ context.Context, token string, rec TokenRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records[tokenKey(token)] = rec
	return nil
}

func (m *memoryTokenStore) Get(_ context.Context, token string) (TokenRecord, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.records[tokenKey(token)]
	return rec, ok, nil
}

func (m *memoryTokenStore) Delete(_ context.Context, token string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.records, tokenKey(token))
	return nil
}

func (m *memoryTokenStore) Sweep(_ context.Context, now time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	removed := 0
	for key, rec := range m.records {
		if !rec.ExpiresAt.After(now) {
			delete(m.records, key)
			removed++
		}
	}
	return removed, nil
}

func (m *memoryTokenStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records = make(map[string]TokenRecord)
	return nil
}

// redisTokenStore keeps one key per token with a TTL matching its expiry.
type redisTokenStore struct {
	client *redis.Client
	prefix string
}

func (r *redisTokenStore) Put(ctx context.Context, token string, rec TokenRecord) error {
	ttl := time.Until(rec.ExpiresAt)
	if ttl <= 0 {
		return nil
	}
	val, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return r.client.Set(ctx, r.key(token), val, ttl).Err()
}

func (r *redisTokenStore) Get(ctx context.Context, token string) (TokenRecord, bool, error) {
	val, err := r.client.Get(ctx, r.key(token)).Result()
	if err == redis.Nil {
		return TokenRecord{}, false, nil
	}
	if err != nil {
		return TokenRecord{}, false, err
	}
	var rec TokenRecord
	if err := json.Unmarshal([]byte(val), &rec); err != nil {
		return TokenRecord{}, false, err
	}
	return rec, true, nil
}

func (r *redisTokenStore) Delete(ctx context.Context, token string) error {
	return r.client.Del(ctx, r.key(token)).Err()
}

// Sweep is a no-op: redis expires keys on its own.
func (r *redisTokenStore) Sweep(context.Context, time.Time) (int, error) {
	return 0, nil
}

func (r *redisTokenStore) Close() error {
	return r.client.Close()
}

func (r *redisTokenStore) key(token string) string {
	return r.prefix + tokenKey(token)
}
