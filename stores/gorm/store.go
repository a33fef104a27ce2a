// Package gorm persists session credentials through a caller-supplied GORM
// connection, for applications that already carry a relational store.
package gorm

import (
	"encoding/json"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/centromigrante/sessionkit"
)

// SessionRecord is the database model for one stored session.
type SessionRecord struct {
	Key          string `gorm:"primaryKey;size:128"`
	AccessToken  string `gorm:"type:text"`
	RefreshToken string `gorm:"type:text"`
	Profile      []byte
	UpdatedAt    time.Time
}

// TableName overrides the default table name.
func (SessionRecord) TableName() string {
	return "session_credentials"
}

// AutoMigrate runs the database migration for the session table.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(&SessionRecord{})
}

// Store implements sessionkit.CredentialStore on top of GORM. The session
// lives in a single row keyed by the configured token key, so Save is one
// upsert and Clear one delete; the database makes both atomic with respect
// to Load.
type Store struct {
	db  *gorm.DB
	key string
}

var _ sessionkit.CredentialStore = (*Store)(nil)

// NewStore creates a store on an existing connection. The caller owns the
// connection and its driver.
func NewStore(db *gorm.DB, keys sessionkit.Keys) *Store {
	keys.EnsureDefaults()
	return &Store{db: db, key: keys.Token}
}

// Save upserts the session row with credential and profile together.
func (s *Store) Save(cred *sessionkit.Credential, profile *sessionkit.UserProfile) error {
	record := &SessionRecord{
		Key:          s.key,
		AccessToken:  cred.AccessToken,
		RefreshToken: cred.RefreshToken,
	}

	if profile != nil {
		data, err := json.Marshal(profile)
		if err != nil {
			return fmt.Errorf("failed to serialize profile: %w", err)
		}
		record.Profile = data
	}

	return s.db.Save(record).Error
}

// Load reads the session row.
// Returns nil, nil, nil when no session is stored.
func (s *Store) Load() (*sessionkit.Credential, *sessionkit.UserProfile, error) {
	var record SessionRecord
	if err := s.db.First(&record, "key = ?", s.key).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil, nil
		}
		return nil, nil, err
	}

	if record.AccessToken == "" {
		return nil, nil, nil
	}

	cred := &sessionkit.Credential{
		AccessToken:  record.AccessToken,
		RefreshToken: record.RefreshToken,
	}

	var profile *sessionkit.UserProfile
	if len(record.Profile) > 0 {
		profile = &sessionkit.UserProfile{}
		if err := json.Unmarshal(record.Profile, profile); err != nil {
			return nil, nil, fmt.Errorf("failed to parse stored profile: %w", err)
		}
	}

	return cred, profile, nil
}

// Clear deletes the session row.
func (s *Store) Clear() error {
	return s.db.Delete(&SessionRecord{}, "key = ?", s.key).Error
}
