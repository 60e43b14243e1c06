package model

import "time"

// Session identifies one authenticated user context. The session ID is the
// primary key for every other client-side entity; tokens are replaceable in
// place when the backend signals a refresh.
type Session struct {
	ID           string
	AccessToken  string
	RefreshToken string
	UserName     string
	UserEmail    string
}

// CachedView is the full local snapshot for a session: the ordered lead
// sequence (newest first), the plain-email variant, and the time of the last
// successful sync.
type CachedView struct {
	Leads      []Lead
	Emails     []Email
	LastUpdate time.Time
}

// Empty reports whether the view holds no cached items.
func (v CachedView) Empty() bool {
	return len(v.Leads) == 0 && len(v.Emails) == 0
}

// Notification records a locally generated notice about a newly ingested
// lead. Notifications are session-scoped and cleared with the cache.
type Notification struct {
	ID        string
	SessionID string
	LeadID    string
	Message   string
	Read      bool
	CreatedAt time.Time
}
