// Package auth guards the self-check endpoints with API keys sent in the X-API-Key header
package auth

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"gopkg.in/yaml.v3"
)

// Permissions understood by the self-check server
const (
	PermissionHealth  = "health"
	PermissionMetrics = "metrics"
)

var (
	ErrMissingKey = errors.New("missing API key")
	ErrInvalidKey = errors.New("invalid API key")
	ErrExpiredKey = errors.New("API key has expired")
)

// APIKey is one credential and the permissions it grants
type APIKey struct {
	ID          string     `json:"id" yaml:"id"`
	Secret      string     `json:"-" yaml:"secret"`
	Permissions []string   `json:"permissions" yaml:"permissions"`
	ExpiresAt   *time.Time `json:"expires_at,omitempty" yaml:"expires_at,omitempty"`
	Name        string     `json:"name,omitempty" yaml:"name,omitempty"`
}

// Validate validates the key definition
func (k APIKey) Validate() error {
	return validation.ValidateStruct(&k,
		validation.Field(&k.ID, validation.Required.Error("cannot be blank")),
		validation.Field(&k.Secret, validation.Required.Error("cannot be blank"), validation.Length(16, 0).Error("must be at least 16 characters")),
		validation.Field(&k.Permissions, validation.Required.Error("at least one permission is required"),
			validation.Each(validation.In(PermissionHealth, PermissionMetrics).Error("must be 'health' or 'metrics'"))),
	)
}

// IsExpired reports whether the key has expired at now
func (k *APIKey) IsExpired(now time.Time) bool {
	return k.ExpiresAt != nil && now.After(*k.ExpiresAt)
}

// HasPermission checks if the API key has a specific permission
func (k *APIKey) HasPermission(permission string) bool {
	for _, p := range k.Permissions {
		if p == permission {
			return true
		}
	}
	return false
}

// KeyStore holds API keys by ID
type KeyStore struct {
	mu   sync.RWMutex
	keys map[string]*APIKey
	now  func() time.Time
}

// NewKeyStore creates an empty store
func NewKeyStore() *KeyStore {
	return &KeyStore{keys: make(map[string]*APIKey), now: time.Now}
}

// Add validates key and stores a copy, replacing any key with the same ID
func (s *KeyStore) Add(key APIKey) error {
	if err := key.Validate(); err != nil {
		return fmt.Errorf("key %q: %w", key.ID, err)
	}
	key.Permissions = append([]string(nil), key.Permissions...)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.keys[key.ID] = &key
	return nil
}

// Remove deletes the key with id
func (s *KeyStore) Remove(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.keys, id)
}

// Len returns the number of stored keys
func (s *KeyStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.keys)
}

// IDs returns the stored key IDs, sorted
func (s *KeyStore) IDs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.keys))
	for id := range s.keys {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Validate returns the key whose secret matches. Every secret is compared in constant time.
func (s *KeyStore) Validate(secret string) (*APIKey, error) {
	if secret == "" {
		return nil, ErrMissingKey
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	var found *APIKey
	for _, key := range s.keys {
		if subtle.ConstantTimeCompare([]byte(key.Secret), []byte(secret)) == 1 {
			found = key
		}
	}
	switch {
	case found == nil:
		return nil, ErrInvalidKey
	case found.IsExpired(s.now()):
		return nil, ErrExpiredKey
	}
	return found, nil
}

type keyFile struct {
	Keys []APIKey `yaml:"keys"`
}

// LoadKeys reads a YAML file of the form "keys: [{id, secret, permissions, expires_at}]"
func LoadKeys(filename string) (*KeyStore, error) {
	data, err := os.ReadFile(filename) // #nosec G304 - path from command line
	if err != nil {
		return nil, fmt.Errorf("error reading key file: %w", err)
	}
	return ParseKeys(data)
}

// ParseKeys parses the YAML key file format
func ParseKeys(data []byte) (*KeyStore, error) {
	var f keyFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse key file: %w", err)
	}
	if len(f.Keys) == 0 {
		return nil, errors.New("key file defines no keys")
	}

	store := NewKeyStore()
	for _, key := range f.Keys {
		if _, dup := store.keys[key.ID]; dup {
			return nil, fmt.Errorf("duplicate key id %q", key.ID)
		}
		if err := store.Add(key); err != nil {
			return nil, err
		}
	}
	return store, nil
}

// GenerateAPIKey generates a key with a random ID and secret
func GenerateAPIKey(name string, permissions []string, expiresAt *time.Time) (APIKey, error) {
	secretBytes := make([]byte, 32)
	if _, err := rand.Read(secretBytes); err != nil {
		return APIKey{}, fmt.Errorf("failed to generate random secret: %w", err)
	}
	idBytes := make([]byte, 8)
	if _, err := rand.Read(idBytes); err != nil {
		return APIKey{}, fmt.Errorf("failed to generate random ID: %w", err)
	}

	return APIKey{
		ID:          hex.EncodeToString(idBytes),
		Secret:      hex.EncodeToString(secretBytes),
		Permissions: append([]string(nil), permissions...),
		ExpiresAt:   expiresAt,
		Name:        name,
	}, nil
}
