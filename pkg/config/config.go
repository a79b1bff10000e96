// Package config stores user settings, most importantly the Gemini API key,
// in a small JSON file under the user config directory.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// CredentialKey names the stored Gemini API key setting.
const CredentialKey = "gemini_api_key"

// credentialEnv overrides the stored key when set, which keeps keys out of
// config files in development.
const credentialEnv = "GEMINI_API_KEY"

// DefaultPath returns the settings file location under the platform user
// config directory.
func DefaultPath() (string, error) {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("resolving user config dir: %w", err)
	}
	return filepath.Join(dir, "laoshi", "settings.json"), nil
}

// Store is a file-backed settings store. Reads always reflect the file on
// disk; writes rewrite the whole file with owner-only permissions.
type Store struct {
	path string
	mu   sync.Mutex
}

// NewStore opens a settings store at path.
func NewStore(path string) *Store {
	return &Store{path: path}
}

func (s *Store) load() (map[string]string, error) {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return map[string]string{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading settings: %w", err)
	}
	settings := map[string]string{}
	if err := json.Unmarshal(data, &settings); err != nil {
		return nil, fmt.Errorf("parsing settings %s: %w", s.path, err)
	}
	return settings, nil
}

// Get returns the stored value for key, or "" when unset.
func (s *Store) Get(key string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	settings, err := s.load()
	if err != nil {
		return "", err
	}
	return settings[key], nil
}

// Set stores key=value. An empty value removes the key.
func (s *Store) Set(key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	settings, err := s.load()
	if err != nil {
		return err
	}
	if value == "" {
		delete(settings, key)
	} else {
		settings[key] = value
	}
	data, err := json.MarshalIndent(settings, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding settings: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		return fmt.Errorf("creating settings dir: %w", err)
	}
	// The file holds an API credential.
	if err := os.WriteFile(s.path, append(data, '\n'), 0o600); err != nil {
		return fmt.Errorf("writing settings: %w", err)
	}
	return nil
}

// Credential returns the Gemini API key, preferring the environment
// variable over the stored setting. Returns "" when neither is set.
func (s *Store) Credential() string {
	if v := os.Getenv(credentialEnv); v != "" {
		return v
	}
	v, err := s.Get(CredentialKey)
	if err != nil {
		return ""
	}
	return v
}
