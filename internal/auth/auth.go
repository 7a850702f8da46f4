// Package auth verifies device and admin credentials and issues the bearer
// tokens that bind a connection to a device id.
package auth

import (
	"context"
	"errors"
	"fmt"
	"log"
	"slices"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	configstore "github.com/nupi-ai/voxgate/internal/config/store"
	"github.com/nupi-ai/voxgate/internal/constants"
)

var (
	ErrInvalidCredentials = errors.New("auth: invalid credentials")
	ErrMissingFields      = errors.New("auth: required fields missing")
	ErrPasswordTooShort   = fmt.Errorf("auth: password must be at least %d characters", constants.MinPasswordLength)
	ErrUserExists         = errors.New("auth: username already exists")
	ErrInvalidRole        = errors.New("auth: invalid role")
	ErrTokenInvalid       = errors.New("auth: token invalid or expired")
)

// UserStore is the persistence surface the service needs.
type UserStore interface {
	GetUser(ctx context.Context, username string) (configstore.User, error)
	CreateUser(ctx context.Context, user configstore.User) error
	UpdateUserPassword(ctx context.Context, username, passwordHash string) error
	TouchUserLogin(ctx context.Context, username string) error
}

// Identity is the result of a successful credential check.
type Identity struct {
	Username string
	Role     string
}

// AuthContext is the validated content of a bearer token.
type AuthContext struct {
	Token     string
	Username  string
	Role      string
	DeviceID  string
	ExpiresAt time.Time
}

// IsAdmin reports whether the token carries the admin role.
func (a AuthContext) IsAdmin() bool {
	return a.Role == constants.TokenRoleAdmin
}

// Options configures a Service.
type Options struct {
	Users  UserStore
	Tokens TokenStore
	Secret []byte
	TTL    time.Duration
	Now    func() time.Time
}

// Service implements credential verification and token issuance.
type Service struct {
	users  UserStore
	tokens TokenStore
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

// NewService validates opts and returns a ready service. A missing secret
// is replaced with a random one, which invalidates tokens across restarts.
func NewService(opts Options) (*Service, error) {
	if opts.Users == nil {
		return nil, fmt.Errorf("auth: user store required")
	}
	if opts.Tokens == nil {
		opts.Tokens = newMemoryTokenStore()
	}
	if len(opts.Secret) == 0 {
		log.Printf("[Auth] no JWT secret configured, generating an ephemeral one")
		opts.Secret = []byte(uuid.NewString() + uuid.NewString())
	}
	if opts.TTL <= 0 {
		opts.TTL = constants.SessionTokenTTL
	}
	if opts.Now == nil {
		opts.Now = func() time.Time { return time.Now().UTC() }
	}
	return &Service{
		users:  opts.Users,
		tokens: opts.Tokens,
		secret: opts.Secret,
		ttl:    opts.TTL,
		now:    opts.Now,
	}, nil
}

// Authenticate verifies username and password.
func (s *Service) Authenticate(ctx context.Context, username, password string) (Identity, error) {
	username = strings.TrimSpace(username)
	if username == "" || password == "" {
		return Identity{}, ErrInvalidCredentials
	}

	user, err := s.users.GetUser(ctx, username)
	if configstore.IsNotFound(err) {
		return Identity{}, ErrInvalidCredentials
	}
	if err != nil {
		return Identity{}, fmt.Errorf("auth: load user: %w", err)
	}

	ok, legacy := VerifyPassword(user.PasswordHash, password)
	if !ok {
		return Identity{}, ErrInvalidCredentials
	}

	if legacy {
		if hash, err := HashPassword(password); err == nil {
			if err := s.users.UpdateUserPassword(ctx, username, hash); err != nil {
				log.Printf("[Auth] rehash legacy password for %s: %v", username, err)
			}
		}
	}
	if err := s.users.TouchUserLogin(ctx, username); err != nil {
		log.Printf("[Auth] record login for %s: %v", username, err)
	}

	return Identity{Username: user.Username, Role: user.Role}, nil
}

// CreateUser registers a new account.
func (s *Service) CreateUser(ctx context.Context, username, password, role string) error {
	username = strings.TrimSpace(username)
	if username == "" || password == "" {
		return ErrMissingFields
	}
	if len(password) < constants.MinPasswordLength {
		return ErrPasswordTooShort
	}
	if role == "" {
		role = constants.TokenRoleDeviceUser
	}
	if !slices.Contains(constants.AllowedTokenRoles, role) {
		return ErrInvalidRole
	}

	hash, err := HashPassword(password)
	if err != nil {
		return err
	}
	err = s.users.CreateUser(ctx, configstore.User{
		Username:     username,
		PasswordHash: hash,
		Role:         role,
		CreatedAt:    s.now(),
	})
	if configstore.IsDuplicate(err) {
		return ErrUserExists
	}
	if err != nil {
		return fmt.Errorf("auth: create user: %w", err)
	}
	log.Printf("[Auth] created user %s (%s)", username, role)
	return nil
}

// ChangePassword replaces the password after verifying the old one.
func (s *Service) ChangePassword(ctx context.Context, username, oldPassword, newPassword string) error {
	if strings.TrimSpace(username) == "" || oldPassword == "" || newPassword == "" {
		return ErrMissingFields
	}
	if _, err := s.Authenticate(ctx, username, oldPassword); err != nil {
		return err
	}
	if len(newPassword) < constants.MinPasswordLength {
		return ErrPasswordTooShort
	}

	hash, err := HashPassword(newPassword)
	if err != nil {
		return err
	}
	if err := s.users.UpdateUserPassword(ctx, strings.TrimSpace(username), hash); err != nil {
		if configstore.IsNotFound(err) {
			return ErrInvalidCredentials
		}
		return fmt.Errorf("auth: update password: %w", err)
	}
	return nil
}

// SeedDefaults creates the admin and device accounts when absent.
func (s *Service) SeedDefaults(ctx context.Context, adminPassword, devicePassword string) error {
	seeds := []struct {
		username string
		password string
		role     string
	}{
		{constants.DefaultAdminUsername, adminPassword, constants.TokenRoleAdmin},
		{constants.DefaultDeviceUsername, devicePassword, constants.TokenRoleDeviceUser},
	}
	for _, seed := range seeds {
		if seed.password == "" {
			continue
		}
		if _, err := s.users.GetUser(ctx, seed.username); err == nil {
			continue
		} else if !configstore.IsNotFound(err) {
			return fmt.Errorf("auth: check seeded user %s: %w", seed.username, err)
		}
		if err := s.CreateUser(ctx, seed.username, seed.password, seed.role); err != nil && !errors.Is(err, ErrUserExists) {
			return fmt.Errorf("auth: seed user %s: %w", seed.username, err)
		}
	}
	return nil
}

// claims is the JWT payload.
type claims struct {
	Username string `json:"username"`
	Role     string `json:"role"`
	DeviceID string `json:"device_id,omitempty"`
	jwt.RegisteredClaims
}

// IssueToken mints a bearer token for identity, optionally bound to a device.
func (s *Service) IssueToken(ctx context.Context, identity Identity, deviceID string) (string, error) {
	now := s.now()
	expires := now.Add(s.ttl)

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims{
		Username: identity.Username,
		Role:     identity.Role,
		DeviceID: deviceID,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Subject:   identity.Username,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expires),
		},
	})
	signed, err := token.SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("auth: sign token: %w", err)
	}

	if err := s.tokens.Put(ctx, signed, TokenRecord{
		Username:  identity.Username,
		Role:      identity.Role,
		DeviceID:  deviceID,
		ExpiresAt: expires,
	}); err != nil {
		return "", fmt.Errorf("auth: register token: %w", err)
	}
	return signed, nil
}

// ValidateToken checks signature, expiry, revocation and that the user
// still exists.
func (s *Service) ValidateToken(ctx context.Context, token string) (AuthContext, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return AuthContext{}, ErrTokenInvalid
	}

	var parsed claims
	_, err := jwt.ParseWithClaims(token, &parsed, func(*jwt.Token) (any, error) {
		return s.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithTimeFunc(s.now))
	if err != nil {
		return AuthContext{}, fmt.Errorf("%w: %v", ErrTokenInvalid, err)
	}

	rec, ok, err := s.tokens.Get(ctx, token)
	if err != nil {
		return AuthContext{}, fmt.Errorf("auth: lookup token: %w", err)
	}
	if !ok || !rec.ExpiresAt.After(s.now()) {
		return AuthContext{}, ErrTokenInvalid
	}

	if _, err := s.users.GetUser(ctx, parsed.Username); err != nil {
		if configstore.IsNotFound(err) {
			return AuthContext{}, ErrTokenInvalid
		}
		return AuthContext{}, fmt.Errorf("auth: load token user: %w", err)
	}

	var expires time.Time
	if parsed.ExpiresAt != nil {
		expires = parsed.ExpiresAt.Time
	}
	return AuthContext{
		Token:     token,
		Username:  parsed.Username,
		Role:      parsed.Role,
		DeviceID:  parsed.DeviceID,
		ExpiresAt: expires,
	}, nil
}

// RevokeToken removes a token from the session registry.
func (s *Service) RevokeToken(ctx context.Context, token string) error {
	if token == "" {
		return nil
	}
	return s.tokens.Delete(ctx, token)
}

// CleanupExpired drops expired tokens and returns how many were removed.
func (s *Service) CleanupExpired(ctx context.Context) (int, error) {
	return s.tokens.Sweep(ctx, s.now())
}

// Close releases the token store.
func (s *Service) Close() error {
	return s.tokens.Close()
}
