package mcp

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	"agentwork-backend/config"
	"agentwork-backend/core/marketplace"
)

// KeyStore resolves API keys to identities. Only SHA-256 hashes of keys are held.
type KeyStore struct {
	mu   sync.RWMutex
	keys map[string]marketplace.Identity
}

// NewKeyStore constructs an empty store.
func NewKeyStore() *KeyStore {
	return &KeyStore{keys: make(map[string]marketplace.Identity)}
}

func apiKeyHash(apiKey string) string {
	key := strings.TrimSpace(apiKey)
	if key == "" {
		return ""
	}
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}

// Add binds key to an identity.
func (s *KeyStore) Add(key string, id marketplace.Identity) error {
	h := apiKeyHash(key)
	if h == "" {
		return fmt.Errorf("api key required")
	}
	if id.Kind == "" {
		id.Kind = marketplace.KindAgent
	}
	if err := marketplace.ValidateIdentity(id); err != nil {
		return err
	}
	if id.Kind == marketplace.KindSystem {
		return fmt.Errorf("api keys cannot act as the system identity")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.keys[h] = id
	return nil
}

// Seed adds the keys from configuration.
func (s *KeyStore) Seed(keys []config.APIKey) error {
	for i, k := range keys {
		err := s.Add(k.Key, marketplace.Identity{
			Kind:   marketplace.IdentityKind(strings.ToLower(strings.TrimSpace(k.Kind))),
			ID:     strings.TrimSpace(k.ID),
			Wallet: strings.TrimSpace(k.Wallet),
			Admin:  k.Admin,
		})
		if err != nil {
			return fmt.Errorf("api key %d (%s): %w", i, k.ID, err)
		}
	}
	return nil
}

type keyFile struct {
	Keys []config.APIKey `yaml:"keys"`
}

// LoadFile seeds keys from a YAML file of the form
//
//	keys:
//	  - key: 3f9a...
//	    kind: agent
//	    id: summariser-7
//	    wallet: 0xabc...
func (s *KeyStore) LoadFile(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("read key file: %w", err)
	}
	var f keyFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return 0, fmt.Errorf("parse key file %s: %w", path, err)
	}
	if err := s.Seed(f.Keys); err != nil {
		return 0, err
	}
	return len(f.Keys), nil
}

// Resolve returns the identity bound to key.
func (s *KeyStore) Resolve(key string) (marketplace.Identity, bool) {
	h := apiKeyHash(key)
	if h == "" {
		return marketplace.Identity{}, false
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.keys[h]
	return id, ok
}

// Issue creates a random key for id and stores it. The plaintext key is returned once.
func (s *KeyStore) Issue(id marketplace.Identity) (string, error) {
	key, err := GenerateKey()
	if err != nil {
		return "", err
	}
	if err := s.Add(key, id); err != nil {
		return "", err
	}
	return key, nil
}

// GenerateKey returns a random 256-bit hex key.
func GenerateKey() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
