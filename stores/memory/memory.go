// Package memory provides an in-memory credential store, suitable for tests
// and short-lived processes that should not persist credentials.
package memory

import (
	"sync"

	"github.com/centromigrante/sessionkit"
)

// Store keeps the credential pair and profile in process memory.
type Store struct {
	mu      sync.RWMutex
	cred    *sessionkit.Credential
	profile *sessionkit.UserProfile
}

var _ sessionkit.CredentialStore = (*Store)(nil)

// New creates an empty store.
func New() *Store {
	return &Store{}
}

// Save stores copies of both values together.
func (s *Store) Save(cred *sessionkit.Credential, profile *sessionkit.UserProfile) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c := *cred
	s.cred = &c
	if profile != nil {
		p := *profile
		s.profile = &p
	} else {
		s.profile = nil
	}

	return nil
}

// Load returns copies of the stored values, or nil, nil, nil when empty.
func (s *Store) Load() (*sessionkit.Credential, *sessionkit.UserProfile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.cred == nil {
		return nil, nil, nil
	}

	c := *s.cred
	if s.profile == nil {
		return &c, nil, nil
	}
	p := *s.profile
	return &c, &p, nil
}

// Clear removes everything.
func (s *Store) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.cred = nil
	s.profile = nil

	return nil
}
