package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/brainlytree/sensor-server/internal/config"
	"github.com/brainlytree/sensor-server/internal/models"
	"github.com/brainlytree/sensor-server/internal/storage"
	"github.com/brainlytree/sensor-server/pkg/crypto"
)

// fakeStore panics on any method a test doesn't stub via the embedded
// nil interface, which keeps each test's surface explicit.
type fakeStore struct {
	storage.Store

	users   map[string]*models.User
	updated int
}

func newFakeStore() *fakeStore {
	return &fakeStore{users: make(map[string]*models.User)}
}

func (f *fakeStore) GetUserByEmail(_ context.Context, email string) (*models.User, error) {
	user, ok := f.users[email]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return user, nil
}

func (f *fakeStore) UpdateUser(_ context.Context, _ *models.User) error {
	f.updated++
	return nil
}

func newTestServer(store storage.Store) *RESTServer {
	cfg := &config.Config{}
	cfg.Server.Name = "test"
	cfg.JWT.Secret = "test-secret"
	cfg.JWT.AccessTokenTTL = 15 * time.Minute
	cfg.JWT.RefreshTokenTTL = time.Hour
	return NewRESTServer(cfg, store, nil, nil)
}

func TestHealth(t *testing.T) {
	s := newTestServer(newFakeStore())

	req := httptest.NewRequest(http.MethodGet, "/api/v1/health", nil)
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
}

func TestLogin(t *testing.T) {
	store := newFakeStore()
	hash, err := crypto.HashPassword("hunter22")
	if err != nil {
		t.Fatal(err)
	}
	store.users["op@example.com"] = &models.User{
		Email:        "op@example.com",
		PasswordHash: hash,
		IsActive:     true,
	}

	s := newTestServer(store)

	body, _ := json.Marshal(map[string]string{"email": "op@example.com", "password": "hunter22"})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/auth/login", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", rec.Code, rec.Body.String())
	}

	var resp struct {
		AccessToken string `json:"access_token"`
		TokenType   string `json:"token_type"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.AccessToken == "" {
		t.Error("empty access token")
	}
	if resp.TokenType != "Bearer" {
		t.Errorf("token type = %q, want Bearer", resp.TokenType)
	}
	if store.updated != 1 {
		t.Errorf("login time updates = %d, want 1", store.updated)
	}
}

func TestLoginRejectsBadPassword(t *testing.T) {
	store := newFakeStore()
	hash, _ := crypto.HashPassword("hunter22")
	store.users["op@example.com"] = &models.User{
		Email:        "op@example.com",
		PasswordHash: hash,
		IsActive:     true,
	}

	s := newTestServer(store)

	body, _ := json.Marshal(map[string]string{"email": "op@example.com", "password": "wrong"})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/auth/login", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
}

func TestLoginRejectsDisabledAccount(t *testing.T) {
	store := newFakeStore()
	hash, _ := crypto.HashPassword("hunter22")
	store.users["op@example.com"] = &models.User{
		Email:        "op@example.com",
		PasswordHash: hash,
		IsActive:     false,
	}

	s := newTestServer(store)

	body, _ := json.Marshal(map[string]string{"email": "op@example.com", "password": "hunter22"})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/auth/login", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)

	if rec.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", rec.Code)
	}
}

func TestProtectedRoutesRequireToken(t *testing.T) {
	s := newTestServer(newFakeStore())

	req := httptest.NewRequest(http.MethodGet, "/api/v1/devices", nil)
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
}

func TestRetryWithoutCoordinator(t *testing.T) {
	store := newFakeStore()
	hash, _ := crypto.HashPassword("hunter22")
	user := &models.User{Email: "op@example.com", PasswordHash: hash, IsActive: true}
	store.users[user.Email] = user

	s := newTestServer(store)

	access, _, err := s.auth.GenerateTokenPair(user)
	if err != nil {
		t.Fatal(err)
	}

	req := httptest.NewRequest(http.MethodPost,
		"/api/v1/wakes/6b1e9a4e-0000-0000-0000-000000000001/retry", nil)
	req.Header.Set("Authorization", "Bearer "+access)
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)

	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", rec.Code)
	}
}
