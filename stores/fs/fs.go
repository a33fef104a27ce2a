// Package fs persists session credentials as a JSON document on the
// filesystem, keyed by the configurable entry names.
package fs

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/centromigrante/sessionkit"
)

// Store writes the credential pair and cached profile to a single JSON file.
// Writes go through a temp file and a rename, so a crash can never leave a
// half-updated document behind.
type Store struct {
	mu   sync.Mutex
	path string
	keys sessionkit.Keys
}

var _ sessionkit.CredentialStore = (*Store)(nil)

// New creates an FS-based store. If path is empty, defaults to
// ~/.config/sessionkit/session.json.
func New(path string, keys sessionkit.Keys) (*Store, error) {
	if path == "" {
		configDir, err := os.UserConfigDir()
		if err != nil {
			home, err := os.UserHomeDir()
			if err != nil {
				return nil, fmt.Errorf("could not determine config directory: %w", err)
			}
			configDir = filepath.Join(home, ".config")
		}
		path = filepath.Join(configDir, "sessionkit", "session.json")
	}

	keys.EnsureDefaults()

	return &Store{path: path, keys: keys}, nil
}

// Path returns the path to the session file.
func (s *Store) Path() string {
	return s.path
}

// Save persists the credential pair and profile together.
func (s *Store) Save(cred *sessionkit.Credential, profile *sessionkit.UserProfile) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc := map[string]json.RawMessage{}

	token, err := json.Marshal(cred.AccessToken)
	if err != nil {
		return fmt.Errorf("failed to serialize token: %w", err)
	}
	doc[s.keys.Token] = token

	if cred.RefreshToken != "" {
		refresh, err := json.Marshal(cred.RefreshToken)
		if err != nil {
			return fmt.Errorf("failed to serialize refresh token: %w", err)
		}
		doc[s.keys.RefreshKey()] = refresh
	}

	if profile != nil {
		user, err := json.Marshal(profile)
		if err != nil {
			return fmt.Errorf("failed to serialize profile: %w", err)
		}
		doc[s.keys.User] = user
	}

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to serialize session: %w", err)
	}

	return s.writeLocked(data)
}

// writeLocked replaces the session file all-or-nothing. Caller holds s.mu.
func (s *Store) writeLocked(data []byte) error {
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".session-*.json")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if err := tmp.Chmod(0600); err != nil {
		tmp.Close()
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write session: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return err
	}

	return os.Rename(tmp.Name(), s.path)
}

// Load reads the stored credential and profile.
// Returns nil, nil, nil when no session file exists.
func (s *Store) Load() (*sessionkit.Credential, *sessionkit.UserProfile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return nil, nil, nil
	}
	if err != nil {
		return nil, nil, err
	}

	var doc map[string]json.RawMessage
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, nil, fmt.Errorf("failed to parse session file: %w", err)
	}

	cred := &sessionkit.Credential{}
	if raw, ok := doc[s.keys.Token]; ok {
		if err := json.Unmarshal(raw, &cred.AccessToken); err != nil {
			return nil, nil, fmt.Errorf("failed to parse stored token: %w", err)
		}
	}
	if cred.AccessToken == "" {
		return nil, nil, nil
	}
	if raw, ok := doc[s.keys.RefreshKey()]; ok {
		if err := json.Unmarshal(raw, &cred.RefreshToken); err != nil {
			return nil, nil, fmt.Errorf("failed to parse stored refresh token: %w", err)
		}
	}

	var profile *sessionkit.UserProfile
	if raw, ok := doc[s.keys.User]; ok {
		profile = &sessionkit.UserProfile{}
		if err := json.Unmarshal(raw, profile); err != nil {
			return nil, nil, fmt.Errorf("failed to parse stored profile: %w", err)
		}
	}

	return cred, profile, nil
}

// Clear removes the session file.
func (s *Store) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.Remove(s.path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}
