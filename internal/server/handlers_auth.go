package server

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strings"

	"github.com/nupi-ai/voxgate/internal/auth"
)

type authContextKey struct{}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type loginUser struct {
	Username string `json:"username"`
	Role     string `json:"role"`
}

type loginResponse struct {
	Success bool      `json:"success"`
	Token   string    `json:"token,omitempty"`
	User    loginUser `json:"user"`
}

type failureResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
}

func (s *AdminServer) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy", "service": "voxgate"})
}

func (s *AdminServer) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, failureResponse{Error: "Invalid JSON"})
		return
	}
	if strings.TrimSpace(req.Username) == "" || req.Password == "" {
		writeJSON(w, http.StatusBadRequest, failureResponse{Error: "Username and password required"})
		return
	}

	identity, err := s.opts.Accounts.Authenticate(r.Context(), req.Username, req.Password)
	if err != nil {
		if errors.Is(err, auth.ErrInvalidCredentials) {
			log.Printf("[Admin] login failed for user: %s", req.Username)
			writeJSON(w, http.StatusUnauthorized, failureResponse{Error: "Invalid credentials"})
			return
		}
		log.Printf("[Admin] login error for %s: %v", req.Username, err)
		writeJSON(w, http.StatusInternalServerError, failureResponse{Error: "Server error"})
		return
	}

	token, err := s.opts.Accounts.IssueToken(r.Context(), identity, "")
	if err != nil {
		log.Printf("[Admin] issue token for %s: %v", req.Username, err)
		writeJSON(w, http.StatusInternalServerError, failureResponse{Error: "Server error"})
		return
	}

	log.Printf("[Admin] login successful for user: %s", identity.Username)
	writeJSON(w, http.StatusOK, loginResponse{
		Success: true,
		Token:   token,
		User:    loginUser{Username: identity.Username, Role: identity.Role},
	})
}

func (s *AdminServer) handleLogout(w http.ResponseWriter, r *http.Request) {
	token, ok := bearerToken(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "Authentication required")
		return
	}
	if err := s.opts.Accounts.RevokeToken(r.Context(), token); err != nil {
		log.Printf("[Admin] revoke token: %v", err)
		writeError(w, http.StatusInternalServerError, "Server error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

// requireAdmin admits requests carrying a valid admin bearer token.
func (s *AdminServer) requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, ok := bearerToken(r)
		if !ok {
			writeError(w, http.StatusUnauthorized, "Authentication required")
			return
		}
		authCtx, err := s.opts.Accounts.ValidateToken(r.Context(), token)
		if err != nil {
			if errors.Is(err, auth.ErrTokenInvalid) {
				writeError(w, http.StatusUnauthorized, "Invalid token")
				return
			}
			log.Printf("[Admin] validate token: %v", err)
			writeError(w, http.StatusInternalServerError, "Authentication failed")
			return
		}
		if !authCtx.IsAdmin() {
			writeError(w, http.StatusForbidden, "Admin access required")
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), authContextKey{}, authCtx)))
	})
}

func bearerToken(r *http.Request) (string, bool) {
	header := r.Header.Get("Authorization")
	if !strings.HasPrefix(header, "Bearer ") {
		return "", false
	}
	token := strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	return token, token != ""
}

func callerFromContext(ctx context.Context) string {
	if authCtx, ok := ctx.Value(authContextKey{}).(auth.AuthContext); ok {
		return authCtx.Username
	}
	return "unknown"
}
