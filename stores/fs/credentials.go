// Package fs provides a file system-based credential store for authfetch clients.
package fs

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/panyam/authfetch"
)

// CredentialStore stores token pairs as a single JSON file on the filesystem.
// Every mutation is written through to disk.
type CredentialStore struct {
	mu      sync.RWMutex
	path    string
	servers map[string]*authfetch.TokenPair
}

// credentialFile is the JSON structure stored on disk
type credentialFile struct {
	Servers map[string]*authfetch.TokenPair `json:"servers"`
}

// DefaultPath returns ~/.config/<appName>/credentials.json
func DefaultPath(appName string) (string, error) {
	configDir, err := os.UserConfigDir()
	if err != nil {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("could not determine config directory: %w", err)
		}
		configDir = filepath.Join(home, ".config")
	}
	if appName == "" {
		appName = "authfetch"
	}
	return filepath.Join(configDir, appName, "credentials.json"), nil
}

// NewCredentialStore opens the credential file at path, creating it lazily on
// the first write. If path is empty, DefaultPath(appName) is used.
func NewCredentialStore(path string, appName string) (*CredentialStore, error) {
	if path == "" {
		p, err := DefaultPath(appName)
		if err != nil {
			return nil, err
		}
		path = p
	}

	store := &CredentialStore{
		path:    path,
		servers: make(map[string]*authfetch.TokenPair),
	}

	// Load existing credentials if file exists
	if err := store.load(); err != nil && !os.IsNotExist(err) {
		return nil, err
	}

	return store, nil
}

// load reads credentials from disk
func (s *CredentialStore) load() error {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return err
	}

	var file credentialFile
	if err := json.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("failed to parse credentials file: %w", err)
	}

	s.servers = file.Servers
	if s.servers == nil {
		s.servers = make(map[string]*authfetch.TokenPair)
	}

	return nil
}

// GetCredential retrieves the token pair stored under key
func (s *CredentialStore) GetCredential(_ context.Context, key string) (*authfetch.TokenPair, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	cred, ok := s.servers[key]
	if !ok {
		return nil, nil
	}
	out := *cred
	return &out, nil
}

// SetCredential stores the token pair under key and saves the file
func (s *CredentialStore) SetCredential(_ context.Context, key string, cred *authfetch.TokenPair) error {
	if cred == nil {
		return fmt.Errorf("nil credential for %s", key)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	c := *cred
	prev, had := s.servers[key]
	s.servers[key] = &c
	if err := s.save(); err != nil {
		if had {
			s.servers[key] = prev
		} else {
			delete(s.servers, key)
		}
		return err
	}
	return nil
}

// RemoveCredential removes the token pair stored under key
func (s *CredentialStore) RemoveCredential(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.servers[key]; !ok {
		return nil
	}
	delete(s.servers, key)
	return s.save()
}

// ListKeys returns all keys with stored credentials
func (s *CredentialStore) ListKeys(_ context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	keys := make([]string, 0, len(s.servers))
	for k := range s.servers {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys, nil
}

// save persists credentials to disk. Caller must hold the write lock.
func (s *CredentialStore) save() error {
	// Ensure directory exists with restricted permissions
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	file := credentialFile{Servers: s.servers}
	data, err := json.MarshalIndent(file, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to serialize credentials: %w", err)
	}

	if err := writeAtomicFile(s.path, data, 0600); err != nil {
		return fmt.Errorf("failed to write credentials: %w", err)
	}
	return nil
}

// Path returns the path to the credentials file
func (s *CredentialStore) Path() string {
	return s.path
}

var _ authfetch.CredentialStore = (*CredentialStore)(nil)
