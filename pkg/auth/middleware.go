package auth

import (
	"context"
	"errors"
	"net/http"

	json "github.com/goccy/go-json"
)

// HeaderName carries the API key secret
const HeaderName = "X-API-Key"

// Middleware requires a key with the permission mapped to the request path.
// Paths without a mapping are rejected.
type Middleware struct {
	store       *KeyStore
	permissions map[string]string
	bypass      map[string]bool
}

// NewMiddleware guards /metrics with the metrics permission and /healthz with health.
// Keys holding metrics may also read /healthz.
func NewMiddleware(store *KeyStore) *Middleware {
	return &Middleware{
		store: store,
		permissions: map[string]string{
			"/metrics": PermissionMetrics,
			"/healthz": PermissionHealth,
		},
		bypass: map[string]bool{},
	}
}

// AllowAnonymous lets GET requests to path through without a key
func (m *Middleware) AllowAnonymous(path string) *Middleware {
	m.bypass[path] = true
	return m
}

// Wrap returns next guarded by the middleware
func (m *Middleware) Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if m.bypass[r.URL.Path] && r.Method == http.MethodGet {
			next.ServeHTTP(w, r)
			return
		}

		key, err := m.store.Validate(r.Header.Get(HeaderName))
		if err != nil {
			w.Header().Set("WWW-Authenticate", HeaderName)
			writeError(w, http.StatusUnauthorized, "unauthorized", err)
			return
		}

		if !m.allowed(key, r.URL.Path) {
			writeError(w, http.StatusForbidden, "forbidden", errors.New("insufficient permissions for this endpoint"))
			return
		}

		next.ServeHTTP(w, r.WithContext(ContextWithAPIKey(r.Context(), key)))
	})
}

func (m *Middleware) allowed(key *APIKey, path string) bool {
	required, ok := m.permissions[path]
	if !ok {
		return false
	}
	if key.HasPermission(required) {
		return true
	}
	return required == PermissionHealth && key.HasPermission(PermissionMetrics)
}

type errorBody struct {
	Error   string `json:"error"`
	Message string `json:"message"`
	Code    int    `json:"code"`
}

func writeError(w http.ResponseWriter, status int, kind string, err error) {
	body, _ := json.Marshal(errorBody{Error: kind, Message: err.Error(), Code: status})
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(body)
}

type contextKey string

const apiKeyContextKey contextKey = "api_key"

// ContextWithAPIKey adds an API key to the request context
func ContextWithAPIKey(ctx context.Context, key *APIKey) context.Context {
	return context.WithValue(ctx, apiKeyContextKey, key)
}

// APIKeyFromContext retrieves the API key that authenticated the request
func APIKeyFromContext(ctx context.Context) (*APIKey, bool) {
	key, ok := ctx.Value(apiKeyContextKey).(*APIKey)
	return key, ok
}
