// Package identity persists the Worker's {worker_id, api_key,
// secret_key} obtained from the one-shot install-key flow, so
// subsequent `run` invocations don't need the install key again
// (spec.md §6 identity/worker_identity.yaml, restoring the original
// worker CLI's read-if-present / write-after-first-register /
// hash-at-rest behavior — see SPEC_FULL.md Supplemented features).
package identity

import (
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/crypto/bcrypt"
	"gopkg.in/yaml.v3"
)

// Identity is the on-disk record written after a Worker's first
// successful registration.
type Identity struct {
	WorkerID       string `yaml:"worker_id"`
	APIKey         string `yaml:"api_key"`
	SecretKeyHash  string `yaml:"secret_key_hash"`
}

// Store reads and writes the identity file at a fixed path.
type Store struct {
	path string
}

// New returns a Store rooted at path (spec.md §6's
// identity/worker_identity.yaml).
func New(path string) *Store {
	return &Store{path: path}
}

// Load reads the identity file, returning (nil, nil) if it doesn't
// exist yet — the caller falls back to the install-key flow.
func (s *Store) Load() (*Identity, error) {
	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read identity file: %w", err)
	}

	var id Identity
	if err := yaml.Unmarshal(data, &id); err != nil {
		return nil, fmt.Errorf("parse identity file: %w", err)
	}
	return &id, nil
}

// Save hashes secretKey with bcrypt and persists {workerID, apiKey,
// secretKeyHash} after a successful first registration. The plaintext
// secret key is never written to disk.
func (s *Store) Save(workerID, apiKey, secretKey string) error {
	hash, err := bcrypt.GenerateFromPassword([]byte(secretKey), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("hash secret key: %w", err)
	}

	id := Identity{WorkerID: workerID, APIKey: apiKey, SecretKeyHash: string(hash)}
	data, err := yaml.Marshal(id)
	if err != nil {
		return fmt.Errorf("marshal identity: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		return fmt.Errorf("create identity dir: %w", err)
	}
	if err := os.WriteFile(s.path, data, 0o600); err != nil {
		return fmt.Errorf("write identity file: %w", err)
	}
	return nil
}

// VerifySecretKey reports whether secretKey matches the hash stored in
// id, used to confirm a rediscovered identity file before reuse.
func VerifySecretKey(id *Identity, secretKey string) bool {
	return bcrypt.CompareHashAndPassword([]byte(id.SecretKeyHash), []byte(secretKey)) == nil
}
