package auth

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	configstore "github.com/nupi-ai/voxgate/internal/config/store"
	"github.com/nupi-ai/voxgate/internal/constants"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestService(t *testing.T) (*Service, *configstore.Store, *fakeClock) {
	t.Helper()

	store, err := configstore.Open(configstore.Options{DBPath: filepath.Join(t.TempDir(), "auth.db")})
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	clock := &fakeClock{now: time.Now().UTC()}
	svc, err := NewService(Options{
		Users:  store,
		Secret: []byte("test-secret"),
		Now:    clock.Now,
	})
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	return svc, store, clock
}

func TestAuthenticate(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	if err := svc.CreateUser(ctx, "d1", "goodpass", ""); err != nil {
		t.Fatalf("create user: %v", err)
	}

	tests := []struct {
		name     string
		user     string
		pass     string
		wantErr  error
		wantRole string
	}{
		{name: "good", user: "d1", pass: "goodpass", wantRole: constants.TokenRoleDeviceUser},
		{name: "bad password", user: "d1", pass: "bad", wantErr: ErrInvalidCredentials},
		{name: "unknown user", user: "nobody", pass: "goodpass", wantErr: ErrInvalidCredentials},
		{name: "empty", user: "", pass: "", wantErr: ErrInvalidCredentials},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			id, err := svc.Authenticate(ctx, tt.user, tt.pass)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("expected %v, got %v", tt.wantErr, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("authenticate: %v", err)
			}
			if id.Role != tt.wantRole || id.Username != tt.user {
				t.Fatalf("unexpected identity %+v", id)
			}
		})
	}
}

func TestAuthenticateUpgradesLegacyHash(t *testing.T) {
	svc, store, _ := newTestService(t)
	ctx := context.Background()

	sum := sha256.Sum256([]byte("legacy123"))
	if err := store.CreateUser(ctx, configstore.User{
		Username:     "old",
		PasswordHash: hex.EncodeToString(sum[:]),
		Role:         constants.TokenRoleDeviceUser,
	}); err != nil {
		t.Fatalf("create legacy user: %v", err)
	}

	if _, err := svc.Authenticate(ctx, "old", "legacy123"); err != nil {
		t.Fatalf("authenticate legacy: %v", err)
	}

	user, err := store.GetUser(ctx, "old")
	if err != nil {
		t.Fatalf("get user: %v", err)
	}
	if !strings.HasPrefix(user.PasswordHash, "$2") {
		t.Fatalf("expected bcrypt hash after upgrade, got %q", user.PasswordHash)
	}
	if _, err := svc.Authenticate(ctx, "old", "legacy123"); err != nil {
		t.Fatalf("authenticate after upgrade: %v", err)
	}
}

func TestCreateUserValidation(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	if err := svc.CreateUser(ctx, "shorty", "abcd", ""); !errors.Is(err, ErrPasswordTooShort) {
		t.Fatalf("expected ErrPasswordTooShort, got %v", err)
	}
	if err := svc.CreateUser(ctx, "", "abcdef", ""); !errors.Is(err, ErrMissingFields) {
		t.Fatalf("expected ErrMissingFields, got %v", err)
	}
	if err := svc.CreateUser(ctx, "x", "abcdef", "root"); !errors.Is(err, ErrInvalidRole) {
		t.Fatalf("expected ErrInvalidRole, got %v", err)
	}
	if err := svc.CreateUser(ctx, "dup", "abcdef", ""); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := svc.CreateUser(ctx, "dup", "abcdefg", ""); !errors.Is(err, ErrUserExists) {
		t.Fatalf("expected ErrUserExists, got %v", err)
	}
}

func TestChangePassword(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	if err := svc.CreateUser(ctx, "u", "first-pass", ""); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := svc.ChangePassword(ctx, "u", "wrong", "second-pass"); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected invalid credentials, got %v", err)
	}
	if err := svc.ChangePassword(ctx, "u", "", "second-pass"); !errors.Is(err, ErrMissingFields) {
		t.Fatalf("expected missing fields, got %v", err)
	}
	if err := svc.ChangePassword(ctx, "u", "first-pass", "second-pass"); err != nil {
		t.Fatalf("change password: %v", err)
	}
	if _, err := svc.Authenticate(ctx, "u", "first-pass"); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("old password still accepted: %v", err)
	}
	if _, err := svc.Authenticate(ctx, "u", "second-pass"); err != nil {
		t.Fatalf("new password rejected: %v", err)
	}
}

func TestIssueAndValidateToken(t *testing.T) {
	svc, _, clock := newTestService(t)
	ctx := context.Background()

	if err := svc.CreateUser(ctx, "d1", "goodpass", ""); err != nil {
		t.Fatalf("create: %v", err)
	}
	id, err := svc.Authenticate(ctx, "d1", "goodpass")
	if err != nil {
		t.Fatalf("authenticate: %v", err)
	}

	token, err := svc.IssueToken(ctx, id, "dev-1")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	authCtx, err := svc.ValidateToken(ctx, token)
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if authCtx.DeviceID != "dev-1" || authCtx.Username != "d1" || authCtx.IsAdmin() {
		t.Fatalf("unexpected auth context %+v", authCtx)
	}

	clock.Advance(constants.SessionTokenTTL + time.Second)
	if _, err := svc.ValidateToken(ctx, token); !errors.Is(err, ErrTokenInvalid) {
		t.Fatalf("expected expired token to be rejected, got %v", err)
	}

	removed, err := svc.CleanupExpired(ctx)
	if err != nil {
		t.Fatalf("cleanup: %v", err)
	}
	if removed != 1 {
		t.Fatalf("expected one expired token removed, got %d", removed)
	}
}

func TestRevokeToken(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	if err := svc.SeedDefaults(ctx, "admin-pass", "device-pass"); err != nil {
		t.Fatalf("seed: %v", err)
	}
	id, err := svc.Authenticate(ctx, constants.DefaultAdminUsername, "admin-pass")
	if err != nil {
		t.Fatalf("authenticate admin: %v", err)
	}
	token, err := svc.IssueToken(ctx, id, "")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	authCtx, err := svc.ValidateToken(ctx, token)
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if !authCtx.IsAdmin() {
		t.Fatal("expected admin role")
	}

	if err := svc.RevokeToken(ctx, token); err != nil {
		t.Fatalf("revoke: %v", err)
	}
	if _, err := svc.ValidateToken(ctx, token); !errors.Is(err, ErrTokenInvalid) {
		t.Fatalf("expected revoked token to be rejected, got %v", err)
	}
}

func TestValidateTokenRejectsForeignSignature(t *testing.T) {
	svc, store, _ := newTestService(t)
	ctx := context.Background()

	other, err := NewService(Options{Users: store, Secret: []byte("other-secret")})
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	token, err := other.IssueToken(ctx, Identity{Username: "x", Role: constants.TokenRoleAdmin}, "")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if _, err := svc.ValidateToken(ctx, token); !errors.Is(err, ErrTokenInvalid) {
		t.Fatalf("expected signature failure, got %v", err)
	}
	if _, err := svc.ValidateToken(ctx, "not-a-jwt"); !errors.Is(err, ErrTokenInvalid) {
		t.Fatalf("expected parse failure, got %v", err)
	}
}

func TestSeedDefaultsIsIdempotent(t *testing.T) {
	svc, store, _ := newTestService(t)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if err := svc.SeedDefaults(ctx, "admin123", "device123"); err != nil {
			t.Fatalf("seed #%d: %v", i, err)
		}
	}
	users, err := store.ListUsers(ctx)
	if err != nil {
		t.Fatalf("list users: %v", err)
	}
	if len(users) != 2 {
		t.Fatalf("expected 2 seeded users, got %d", len(users))
	}
	if users[0].Username != "admin" || users[0].Role != constants.TokenRoleAdmin {
		t.Fatalf("unexpected admin seed %+v", users[0])
	}
	if users[1].Username != "device" || users[1].Role != constants.TokenRoleDeviceUser {
		t.Fatalf("unexpected device seed %+v", users[1])
	}
}
