package server

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/GoCodeAlone/baton/config"
	"github.com/golang-jwt/jwt/v5"
)

func login(t *testing.T, h http.Handler, password string) *httptest.ResponseRecorder {
	t.Helper()
	body := `{"username":"admin","password":"` + password + `"}`
	req := httptest.NewRequest(http.MethodPost, "/api/auth/login", bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func tokenFor(t *testing.T, h http.Handler) string {
	t.Helper()
	rr := login(t, h, testPassword)
	if rr.Code != http.StatusOK {
		t.Fatalf("login failed: %d %s", rr.Code, rr.Body.String())
	}
	var resp loginResponse
	if err := json.NewDecoder(rr.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	return resp.Token
}

func TestIssueAndVerifyToken(t *testing.T) {
	token, err := issueToken("my-test-secret", "alice", time.Now())
	if err != nil {
		t.Fatalf("issueToken: %v", err)
	}
	subject, err := verifyToken("my-test-secret", token)
	if err != nil {
		t.Fatalf("verifyToken: %v", err)
	}
	if subject != "alice" {
		t.Errorf("expected subject 'alice', got %q", subject)
	}
}

func TestVerifyToken_Expired(t *testing.T) {
	token, _ := issueToken("my-test-secret", "alice", time.Now().Add(-2*tokenTTL))
	if _, err := verifyToken("my-test-secret", token); err == nil {
		t.Fatal("expected error for expired token")
	}
}

func TestVerifyToken_BadSignature(t *testing.T) {
	token, _ := issueToken("correct-secret", "alice", time.Now())
	if _, err := verifyToken("wrong-secret", token); err == nil {
		t.Fatal("expected error for wrong secret")
	}
}

func TestVerifyToken_RejectsOtherMethods(t *testing.T) {
	claims := jwt.RegisteredClaims{Subject: "alice", ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour))}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS512, claims).SignedString([]byte("my-test-secret"))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if _, err := verifyToken("my-test-secret", token); err == nil {
		t.Fatal("HS512 token accepted")
	}
}

func TestHandleLogin(t *testing.T) {
	h := newTestServer(t, testAuth(t)).Handler()

	if token := tokenFor(t, h); token == "" {
		t.Error("expected non-empty token")
	}
	if rr := login(t, h, "wrong"); rr.Code != http.StatusUnauthorized {
		t.Errorf("wrong password: expected 401, got %d", rr.Code)
	}
}

func TestHandleLogin_Disabled(t *testing.T) {
	h := newTestServer(t, config.AuthConfig{}).Handler()
	if rr := login(t, h, testPassword); rr.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", rr.Code)
	}
}

func TestAuthMiddleware(t *testing.T) {
	h := newTestServer(t, testAuth(t)).Handler()

	req := httptest.NewRequest(http.MethodGet, "/api/tasks", nil)
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	if rr.Code != http.StatusUnauthorized {
		t.Errorf("missing token: expected 401, got %d", rr.Code)
	}

	// Public routes stay open.
	for _, path := range []string{"/api/status", "/api/version"} {
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, path, nil))
		if rr.Code != http.StatusOK {
			t.Errorf("%s: expected 200, got %d", path, rr.Code)
		}
	}

	token := tokenFor(t, h)
	req = httptest.NewRequest(http.MethodGet, "/api/auth/me", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	var me map[string]any
	_ = json.NewDecoder(rr.Body).Decode(&me)
	if me["username"] != "admin" || me["auth_enabled"] != true {
		t.Errorf("me = %+v", me)
	}
}

func TestAuthDisabledPassesThrough(t *testing.T) {
	h := newTestServer(t, config.AuthConfig{}).Handler()
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/api/tasks", nil))
	if rr.Code != http.StatusOK {
		t.Errorf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
}

func TestUpdateAuth(t *testing.T) {
	s := newTestServer(t, config.AuthConfig{})
	h := s.Handler()

	s.UpdateAuth(testAuth(t))
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/api/tasks", nil))
	if rr.Code != http.StatusUnauthorized {
		t.Errorf("after enabling auth: expected 401, got %d", rr.Code)
	}

	s.UpdateAuth(config.AuthConfig{})
	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/api/tasks", nil))
	if rr.Code != http.StatusOK {
		t.Errorf("after disabling auth: expected 200, got %d", rr.Code)
	}
}

func TestEventsAcceptsQueryToken(t *testing.T) {
	s := newTestServer(t, testAuth(t))
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/events")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("no token: expected 401, got %d", resp.StatusCode)
	}

	token := tokenFor(t, s.Handler())
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/events?token="+token, nil)
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	line, err := bufio.NewReader(resp.Body).ReadString('\n')
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !strings.HasPrefix(line, "event: connected") {
		t.Errorf("first line = %q", line)
	}
}
