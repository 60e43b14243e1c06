// Package credential persists session identity and provider tokens in the
// system keyring. TTLs are advisory: the client stops returning expired
// values, but the backend remains the authority on session validity.
package credential

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/99designs/keyring"
)

const serviceName = "leadbox"

// Field names the credential fields the store knows about.
type Field string

const (
	FieldSessionID    Field = "session_id"
	FieldAccessToken  Field = "access_token"
	FieldRefreshToken Field = "refresh_token"
	FieldUserName     Field = "user_name"
	FieldUserEmail    Field = "user_email"
)

// Fields lists every known field, in the order they are cleared on sign-out.
var Fields = []Field{
	FieldSessionID,
	FieldAccessToken,
	FieldRefreshToken,
	FieldUserName,
	FieldUserEmail,
}

// envelope wraps a stored value with its client-enforced expiry.
type envelope struct {
	Value     string    `json:"value"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Store reads and writes credential fields in a keyring.
type Store struct {
	ring keyring.Keyring

	// now is replaceable in tests.
	now func() time.Time
}

// OpenStore opens the system keyring and returns a store over it.
func OpenStore() (*Store, error) {
	ring, err := keyring.Open(keyring.Config{
		ServiceName: serviceName,
		AllowedBackends: []keyring.BackendType{
			keyring.KeychainBackend,
			keyring.SecretServiceBackend,
			keyring.WinCredBackend,
			keyring.PassBackend,
			keyring.FileBackend,
		},
		FileDir:                  "~/.config/leadbox/credentials",
		FilePasswordFunc:         keyring.FixedStringPrompt("leadbox-file-key"),
		KeychainTrustApplication: true,
	})
	if err != nil {
		return nil, fmt.Errorf("opening keyring: %w", err)
	}
	return NewStore(ring), nil
}

// NewStore returns a store over the given keyring.
func NewStore(ring keyring.Keyring) *Store {
	return &Store{ring: ring, now: time.Now}
}

// Set stores a field value with an expiry ttlDays from now. Last write wins.
// A ttlDays of zero or less stores the value without expiry.
func (s *Store) Set(field Field, value string, ttlDays int) error {
	env := envelope{Value: value}
	if ttlDays > 0 {
		env.ExpiresAt = s.now().Add(time.Duration(ttlDays) * 24 * time.Hour)
	}

	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("encoding credential %q: %w", field, err)
	}

	if err := s.ring.Set(keyring.Item{Key: string(field), Data: data}); err != nil {
		return fmt.Errorf("setting credential %q: %w", field, err)
	}
	return nil
}

// Get returns the stored value for a field. The second return is false when
// the field is absent, unreadable, or past its expiry; Get never fails.
func (s *Store) Get(field Field) (string, bool) {
	item, err := s.ring.Get(string(field))
	if err != nil {
		return "", false
	}

	var env envelope
	if err := json.Unmarshal(item.Data, &env); err != nil {
		return "", false
	}

	if !env.ExpiresAt.IsZero() && s.now().After(env.ExpiresAt) {
		// Lazily drop the stale entry.
		_ = s.ring.Remove(string(field))
		return "", false
	}

	return env.Value, true
}

// Clear removes a single field. Removing an absent field is not an error.
func (s *Store) Clear(field Field) error {
	err := s.ring.Remove(string(field))
	if err != nil && err != keyring.ErrKeyNotFound {
		return fmt.Errorf("clearing credential %q: %w", field, err)
	}
	return nil
}

// ClearAll removes every known field; used on sign-out. A failure on one
// field does not stop the others from being cleared.
func (s *Store) ClearAll() error {
	var errs []error
	for _, field := range Fields {
		if err := s.Clear(field); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
