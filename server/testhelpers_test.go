package server

import (
	"io"
	"log/slog"
	"testing"

	"github.com/GoCodeAlone/baton/broker"
	"github.com/GoCodeAlone/baton/comms"
	"github.com/GoCodeAlone/baton/config"
	"github.com/GoCodeAlone/baton/storage"
	"golang.org/x/crypto/bcrypt"
)

const (
	testSecret   = "test-secret-key-1234567890"
	testPassword = "secret"
)

// testAuth returns an enabled auth config for admin/secret.
func testAuth(t *testing.T) config.AuthConfig {
	t.Helper()
	hash, err := bcrypt.GenerateFromPassword([]byte(testPassword), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("bcrypt: %v", err)
	}
	return config.AuthConfig{AdminUser: "admin", AdminPassHash: string(hash), JWTSecret: testSecret}
}

// newTestServer builds a Server over a real in-memory broker.
func newTestServer(t *testing.T, auth config.AuthConfig) *Server {
	t.Helper()
	db, err := storage.Open(storage.MemoryPath)
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	b, err := broker.New(db, comms.NewHub(), broker.WithLogger(logger))
	if err != nil {
		t.Fatalf("broker.New: %v", err)
	}
	cfg := config.Config{Server: config.ServerConfig{Addr: ":0"}, Auth: auth}
	return New(cfg, b, "test", logger)
}
