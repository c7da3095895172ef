package auth

import (
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const (
	metricsSecret = "metrics-secret-0123456789"
	healthSecret  = "health-secret-0123456789"
)

func newStore(t *testing.T) *KeyStore {
	t.Helper()
	store := NewKeyStore()
	if err := store.Add(APIKey{ID: "prom", Secret: metricsSecret, Permissions: []string{PermissionMetrics}}); err != nil {
		t.Fatalf("Failed to add key: %v", err)
	}
	if err := store.Add(APIKey{ID: "probe", Secret: healthSecret, Permissions: []string{PermissionHealth}}); err != nil {
		t.Fatalf("Failed to add key: %v", err)
	}
	return store
}

func TestKeyStoreValidate(t *testing.T) {
	store := newStore(t)

	key, err := store.Validate(metricsSecret)
	if err != nil {
		t.Fatalf("Failed to validate valid key: %v", err)
	}
	if key.ID != "prom" {
		t.Errorf("Expected key ID 'prom', got '%s'", key.ID)
	}

	if _, err := store.Validate("wrong"); err != ErrInvalidKey {
		t.Errorf("Expected ErrInvalidKey, got %v", err)
	}
	if _, err := store.Validate(""); err != ErrMissingKey {
		t.Errorf("Expected ErrMissingKey, got %v", err)
	}
}

func TestKeyStoreExpiredKey(t *testing.T) {
	store := NewKeyStore()
	past := time.Now().Add(-time.Hour)
	if err := store.Add(APIKey{ID: "old", Secret: metricsSecret, Permissions: []string{PermissionMetrics}, ExpiresAt: &past}); err != nil {
		t.Fatalf("Failed to add key: %v", err)
	}

	if _, err := store.Validate(metricsSecret); err != ErrExpiredKey {
		t.Errorf("Expected ErrExpiredKey, got %v", err)
	}
}

func TestKeyStoreAddRejectsInvalidKeys(t *testing.T) {
	tests := []struct {
		name string
		key  APIKey
	}{
		{"missing id", APIKey{Secret: metricsSecret, Permissions: []string{PermissionMetrics}}},
		{"short secret", APIKey{ID: "a", Secret: "short", Permissions: []string{PermissionMetrics}}},
		{"no permissions", APIKey{ID: "a", Secret: metricsSecret}},
		{"unknown permission", APIKey{ID: "a", Secret: metricsSecret, Permissions: []string{"admin"}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := NewKeyStore().Add(tt.key); err == nil {
				t.Error("Expected error, got nil")
			}
		})
	}
}

func TestKeyStoreRemove(t *testing.T) {
	store := newStore(t)
	store.Remove("prom")

	if store.Len() != 1 {
		t.Fatalf("Expected 1 key, got %d", store.Len())
	}
	if ids := store.IDs(); len(ids) != 1 || ids[0] != "probe" {
		t.Errorf("Expected [probe], got %v", ids)
	}
}

func TestLoadKeys(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keys.yaml")
	content := `keys:
  - id: prom
    secret: ` + metricsSecret + `
    permissions: [metrics]
  - id: probe
    secret: ` + healthSecret + `
    permissions: [health]
    expires_at: 2999-01-01T00:00:00Z
`
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatalf("Failed to write key file: %v", err)
	}

	store, err := LoadKeys(path)
	if err != nil {
		t.Fatalf("Failed to load keys: %v", err)
	}
	if store.Len() != 2 {
		t.Errorf("Expected 2 keys, got %d", store.Len())
	}
	if _, err := store.Validate(healthSecret); err != nil {
		t.Errorf("Expected probe key to be valid: %v", err)
	}
}

func TestParseKeysErrors(t *testing.T) {
	tests := []struct {
		name string
		data string
	}{
		{"no keys", "keys: []"},
		{"bad yaml", "keys: ["},
		{"duplicate", "keys:\n  - {id: a, secret: " + metricsSecret + ", permissions: [metrics]}\n  - {id: a, secret: " + healthSecret + ", permissions: [health]}\n"},
		{"invalid key", "keys:\n  - {id: a, secret: x, permissions: [metrics]}\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := ParseKeys([]byte(tt.data)); err == nil {
				t.Error("Expected error, got nil")
			}
		})
	}
}

func TestGenerateAPIKey(t *testing.T) {
	key, err := GenerateAPIKey("scraper", []string{PermissionMetrics}, nil)
	if err != nil {
		t.Fatalf("Failed to generate key: %v", err)
	}
	if len(key.Secret) != 64 || len(key.ID) != 16 {
		t.Errorf("Unexpected lengths: id %d, secret %d", len(key.ID), len(key.Secret))
	}
	if err := NewKeyStore().Add(key); err != nil {
		t.Errorf("Generated key should be valid: %v", err)
	}
}

func TestMiddleware(t *testing.T) {
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if key, ok := APIKeyFromContext(r.Context()); ok {
			w.Header().Set("X-Key-ID", key.ID)
		}
		w.WriteHeader(http.StatusOK)
	})
	handler := NewMiddleware(newStore(t)).Wrap(next)

	tests := []struct {
		name   string
		path   string
		secret string
		status int
		keyID  string
	}{
		{"metrics with metrics key", "/metrics", metricsSecret, http.StatusOK, "prom"},
		{"metrics with health key", "/metrics", healthSecret, http.StatusForbidden, ""},
		{"health with health key", "/healthz", healthSecret, http.StatusOK, "probe"},
		{"health with metrics key", "/healthz", metricsSecret, http.StatusOK, "prom"},
		{"missing key", "/metrics", "", http.StatusUnauthorized, ""},
		{"wrong key", "/healthz", "nope", http.StatusUnauthorized, ""},
		{"unknown path", "/debug", metricsSecret, http.StatusForbidden, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, tt.path, nil)
			if tt.secret != "" {
				req.Header.Set(HeaderName, tt.secret)
			}
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)

			if rec.Code != tt.status {
				t.Fatalf("Expected status %d, got %d", tt.status, rec.Code)
			}
			if got := rec.Header().Get("X-Key-ID"); got != tt.keyID {
				t.Errorf("Expected key %q in context, got %q", tt.keyID, got)
			}
			if tt.status != http.StatusOK && !strings.Contains(rec.Body.String(), `"code":`) {
				t.Errorf("Expected JSON error body, got %s", rec.Body.String())
			}
		})
	}
}

func TestMiddlewareAllowAnonymous(t *testing.T) {
	next := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusOK) })
	handler := NewMiddleware(newStore(t)).AllowAnonymous("/healthz").Wrap(next)

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("Expected anonymous health check to pass, got %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("Expected metrics to require a key, got %d", rec.Code)
	}
}
