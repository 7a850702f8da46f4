package auth

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
)

func TestNewTokenStoreTypes(t *testing.T) {
	if _, err := NewTokenStore(TokenStoreMemory); err != nil {
		t.Fatalf("memory store: %v", err)
	}
	if _, err := NewTokenStore(TokenStoreRedis); err == nil {
		t.Fatal("expected redis store without client to fail")
	}
	if _, err := NewTokenStore("etcd"); err == nil {
		t.Fatal("expected unknown store type to fail")
	}
}

func TestMemoryTokenStoreSweep(t *testing.T) {
	store := newMemoryTokenStore()
	ctx := context.Background()
	now := time.Now()

	store.Put(ctx, "live", TokenRecord{Username: "a", ExpiresAt: now.Add(time.Hour)})
	store.Put(ctx, "dead", TokenRecord{Username: "b", ExpiresAt: now.Add(-time.Second)})

	removed, err := store.Sweep(ctx, now)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if removed != 1 {
		t.Fatalf("expected 1 removed, got %d", removed)
	}
	if _, ok, _ := store.Get(ctx, "live"); !ok {
		t.Fatal("live token was swept")
	}
	if _, ok, _ := store.Get(ctx, "dead"); ok {
		t.Fatal("expired token survived sweep")
	}
}

func TestRedisTokenStore(t *testing.T) {
	addr := os.Getenv("VOXGATE_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("VOXGATE_TEST_REDIS_ADDR not set")
	}

	client := redis.NewClient(&redis.Options{Addr: addr})
	store, err := NewTokenStore(TokenStoreRedis, WithRedisClient(client), WithKeyPrefix("voxgate-test:"))
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	defer store.Close()

	ctx := context.Background()
	rec := TokenRecord{Username: "u", Role: "device_user", DeviceID: "dev-1", ExpiresAt: time.Now().Add(time.Minute)}
	if err := store.Put(ctx, "tok", rec); err != nil {
		t.Fatalf("put: %v", err)
	}
	got, ok, err := store.Get(ctx, "tok")
	if err != nil || !ok {
		t.Fatalf("get: ok=%v err=%v", ok, err)
	}
	if got.DeviceID != "dev-1" {
		t.Fatalf("unexpected record %+v", got)
	}
	if err := store.Delete(ctx, "tok"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, ok, _ := store.Get(ctx, "tok"); ok {
		t.Fatal("token survived delete")
	}
}
