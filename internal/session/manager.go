// Package session establishes and inspects the authenticated session. Sign-in
// hands the browser to the provider and catches the redirect on a local
// listener; the identity fields land in the credential store with the same
// lifetimes the backend gives its cookies.
package session

import (
	"fmt"

	"github.com/jaano/leadbox/internal/credential"
	"github.com/jaano/leadbox/internal/model"
)

// Cookie lifetimes mirrored from the backend: a week for the session and
// tokens, a month for the refresh token.
const (
	sessionTTLDays      = 7
	accessTokenTTLDays  = 7
	refreshTokenTTLDays = 30
	identityTTLDays     = 7
)

// Manager persists and inspects the active session.
type Manager struct {
	creds *credential.Store
}

// NewManager creates a session manager over the credential store.
func NewManager(creds *credential.Store) *Manager {
	return &Manager{creds: creds}
}

// Establish stores a freshly authenticated session. Each field gets its own
// lifetime; a repeated sign-in overwrites whatever was there.
func (m *Manager) Establish(s model.Session) error {
	if s.ID == "" {
		return fmt.Errorf("session id is required")
	}

	fields := []struct {
		field   credential.Field
		value   string
		ttlDays int
	}{
		{credential.FieldSessionID, s.ID, sessionTTLDays},
		{credential.FieldAccessToken, s.AccessToken, accessTokenTTLDays},
		{credential.FieldRefreshToken, s.RefreshToken, refreshTokenTTLDays},
		{credential.FieldUserName, s.UserName, identityTTLDays},
		{credential.FieldUserEmail, s.UserEmail, identityTTLDays},
	}

	for _, f := range fields {
		if f.value == "" {
			continue
		}
		if err := m.creds.Set(f.field, f.value, f.ttlDays); err != nil {
			return fmt.Errorf("establishing session: %w", err)
		}
	}
	return nil
}

// Current returns the active session. The session counts as signed in only
// when the id and both identity fields are present and unexpired; tokens are
// optional because the backend can refresh them server-side.
func (m *Manager) Current() (model.Session, bool) {
	id, ok := m.creds.Get(credential.FieldSessionID)
	if !ok {
		return model.Session{}, false
	}
	name, ok := m.creds.Get(credential.FieldUserName)
	if !ok {
		return model.Session{}, false
	}
	email, ok := m.creds.Get(credential.FieldUserEmail)
	if !ok {
		return model.Session{}, false
	}

	s := model.Session{ID: id, UserName: name, UserEmail: email}
	s.AccessToken, _ = m.creds.Get(credential.FieldAccessToken)
	s.RefreshToken, _ = m.creds.Get(credential.FieldRefreshToken)
	return s, true
}

// Clear removes every stored session field.
func (m *Manager) Clear() error {
	return m.creds.ClearAll()
}
