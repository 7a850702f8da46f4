package auth

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

// HashPassword returns a bcrypt hash of password.
func HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("auth: hash password: %w", err)
	}
	return string(hash), nil
}

// VerifyPassword compares password against hash. Unsalted SHA-256 hex
// hashes from older deployments are still accepted and reported as legacy
// so the caller can upgrade them.
func VerifyPassword(hash, password string) (ok bool, legacy bool) {
	if strings.HasPrefix(hash, "$2") {
		return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil, false
	}
	if len(hash) != sha256.Size*2 {
		return false, false
	}
	sum := sha256.Sum256([]byte(password))
	candidate := hex.EncodeToString(sum[:])
	if subtle.ConstantTimeCompare([]byte(candidate), []byte(strings.ToLower(hash))) == 1 {
		return true, true
	}
	return false, false
}
