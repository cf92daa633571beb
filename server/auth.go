package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/GoCodeAlone/baton/config"
	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"
)

// tokenTTL is how long an issued dashboard token stays valid.
const tokenTTL = 24 * time.Hour

var errAuthDisabled = errors.New("authentication disabled")

// issueToken signs an HS256 token for subject.
func issueToken(secret, subject string, now time.Time) (string, error) {
	claims := jwt.RegisteredClaims{
		Subject:   subject,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(tokenTTL)),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

// verifyToken validates a token and returns its subject.
func verifyToken(secret, token string) (string, error) {
	var claims jwt.RegisteredClaims
	_, err := jwt.ParseWithClaims(token, &claims, func(*jwt.Token) (any, error) {
		return []byte(secret), nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithExpirationRequired())
	if err != nil {
		return "", err
	}
	return claims.Subject, nil
}

// UpdateAuth swaps the auth settings of a running server.
func (s *Server) UpdateAuth(a config.AuthConfig) {
	s.auth.Store(&a)
}

func (s *Server) authConfig() config.AuthConfig {
	if a := s.auth.Load(); a != nil {
		return *a
	}
	return config.AuthConfig{}
}

// authenticate returns the subject of the request's token. With auth disabled
// every request passes with an empty subject.
func (s *Server) authenticate(r *http.Request, allowQuery bool) (string, error) {
	a := s.authConfig()
	if !a.Enabled() {
		return "", nil
	}
	token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	if !ok && allowQuery {
		token, ok = r.URL.Query().Get("token"), r.URL.Query().Has("token")
	}
	if !ok || token == "" {
		return "", errors.New("missing or invalid Authorization header")
	}
	subject, err := verifyToken(a.JWTSecret, token)
	if err != nil {
		return "", fmt.Errorf("invalid token: %w", err)
	}
	return subject, nil
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type loginResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

// handleLogin validates credentials and issues a JWT.
func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	a := s.authConfig()
	if !a.Enabled() {
		writeJSONError(w, http.StatusNotFound, errAuthDisabled.Error())
		return
	}
	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Username != a.AdminUser ||
		bcrypt.CompareHashAndPassword([]byte(a.AdminPassHash), []byte(req.Password)) != nil {
		s.logger.Warn("login rejected", slog.String("user", req.Username))
		writeJSONError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}

	now := s.now()
	token, err := issueToken(a.JWTSecret, req.Username, now)
	if err != nil {
		s.logger.Error("issue token", slog.Any("err", err))
		writeJSONError(w, http.StatusInternalServerError, "could not issue token")
		return
	}
	writeJSON(w, http.StatusOK, loginResponse{Token: token, ExpiresAt: now.Add(tokenTTL).UTC()})
}

// handleMe returns the currently authenticated user.
func (s *Server) handleMe(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"username":     SubjectFromContext(r.Context()),
		"auth_enabled": s.authConfig().Enabled(),
	})
}

// authMiddleware enforces JWT authentication on wrapped handlers.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return s.requireToken(next, false)
}

// streamAuth is authMiddleware for event streams. Browsers cannot set headers
// on EventSource or WebSocket, so the token may also arrive as ?token=.
func (s *Server) streamAuth(next http.Handler) http.Handler {
	return s.requireToken(next, true)
}

func (s *Server) requireToken(next http.Handler, allowQuery bool) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		subject, err := s.authenticate(r, allowQuery)
		if err != nil {
			writeJSONError(w, http.StatusUnauthorized, err.Error())
			return
		}
		next.ServeHTTP(w, r.WithContext(contextWithSubject(r.Context(), subject)))
	})
}
