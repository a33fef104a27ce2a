// Package bolt persists session credentials in a bbolt database, for
// clients that already keep local state in one.
package bolt

import (
	"encoding/json"
	"fmt"

	bolt "go.etcd.io/bbolt"

	"github.com/centromigrante/sessionkit"
)

var bucketName = []byte("session")

// Store keeps the credential pair and profile in a single bolt bucket.
// Every mutation runs in one Update transaction, which gives Save and Clear
// their all-or-nothing behavior.
type Store struct {
	db   *bolt.DB
	keys sessionkit.Keys
}

var _ sessionkit.CredentialStore = (*Store)(nil)

// Open opens (creating if needed) a bolt database at path and prepares the
// session bucket. Close must be called when the store is no longer needed.
func Open(path string, keys sessionkit.Keys) (*Store, error) {
	db, err := bolt.Open(path, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("opening session database: %w", err)
	}

	keys.EnsureDefaults()

	store := &Store{db: db, keys: keys}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketName)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("creating session bucket: %w", err)
	}

	return store, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Save persists the credential pair and profile in one transaction.
func (s *Store) Save(cred *sessionkit.Credential, profile *sessionkit.UserProfile) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketName)

		if err := b.Put([]byte(s.keys.Token), []byte(cred.AccessToken)); err != nil {
			return err
		}

		if cred.RefreshToken != "" {
			if err := b.Put([]byte(s.keys.RefreshKey()), []byte(cred.RefreshToken)); err != nil {
				return err
			}
		} else if err := b.Delete([]byte(s.keys.RefreshKey())); err != nil {
			return err
		}

		if profile == nil {
			return b.Delete([]byte(s.keys.User))
		}
		data, err := json.Marshal(profile)
		if err != nil {
			return fmt.Errorf("failed to serialize profile: %w", err)
		}
		return b.Put([]byte(s.keys.User), data)
	})
}

// Load reads the stored credential and profile.
// Returns nil, nil, nil when the store is empty.
func (s *Store) Load() (*sessionkit.Credential, *sessionkit.UserProfile, error) {
	var cred *sessionkit.Credential
	var profile *sessionkit.UserProfile

	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketName)

		token := b.Get([]byte(s.keys.Token))
		if len(token) == 0 {
			return nil
		}

		cred = &sessionkit.Credential{
			AccessToken:  string(token),
			RefreshToken: string(b.Get([]byte(s.keys.RefreshKey()))),
		}

		if data := b.Get([]byte(s.keys.User)); len(data) > 0 {
			profile = &sessionkit.UserProfile{}
			if err := json.Unmarshal(data, profile); err != nil {
				return fmt.Errorf("failed to parse stored profile: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, nil, err
	}

	return cred, profile, nil
}

// Clear removes every session entry in one transaction.
func (s *Store) Clear() error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketName)
		for _, key := range []string{s.keys.Token, s.keys.RefreshKey(), s.keys.User} {
			if err := b.Delete([]byte(key)); err != nil {
				return err
			}
		}
		return nil
	})
}
