// Package cache keeps a durable, session-scoped mirror of the last-known
// leads and emails in a local SQLite database. The cache is advisory: it can
// always be rebuilt from the backend, so reads degrade to an empty view
// instead of failing.
package cache

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"github.com/jaano/leadbox/internal/model"
)

// Store mirrors cached views in a local SQLite database.
type Store struct {
	db  *sqlx.DB
	log *slog.Logger
}

// NewStore opens (or creates) a SQLite database at dbPath, enables WAL mode,
// and runs any pending schema migrations.
func NewStore(dbPath string, log *slog.Logger) (*Store, error) {
	db, err := sqlx.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("opening sqlite db: %w", err)
	}

	// Enable WAL mode for better concurrent read performance.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}

	s := &Store{db: db, log: log}
	if err := s.runMigrations(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// runMigrations checks the current schema version and applies any
// outstanding migrations in order.
func (s *Store) runMigrations() error {
	currentVersion := 0

	var tableCount int
	err := s.db.Get(
		&tableCount,
		"SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name='schema_version'",
	)
	if err != nil {
		return fmt.Errorf("checking schema_version table: %w", err)
	}

	if tableCount > 0 {
		err = s.db.Get(&currentVersion, "SELECT COALESCE(MAX(version), 0) FROM schema_version")
		if err != nil {
			return fmt.Errorf("reading schema version: %w", err)
		}
	}

	for _, m := range migrations {
		if m.version <= currentVersion {
			continue
		}
		if _, err := s.db.Exec(m.sql); err != nil {
			return fmt.Errorf("applying migration v%d: %w", m.version, err)
		}
	}

	return nil
}

// LoadView returns the cached view for a session, ordered for display.
// It never fails: corrupt or unreadable state degrades to an empty view.
func (s *Store) LoadView(ctx context.Context, sessionID string) model.CachedView {
	var view model.CachedView

	rows, err := s.db.QueryxContext(ctx,
		"SELECT * FROM leads WHERE session_id = ? ORDER BY sort_order ASC",
		sessionID,
	)
	if err != nil {
		s.log.Warn("loading cached leads failed, using empty view", "error", err)
		return model.CachedView{}
	}
	defer rows.Close()

	for rows.Next() {
		lead, err := scanLead(rows)
		if err != nil {
			s.log.Warn("scanning cached lead failed, using empty view", "error", err)
			return model.CachedView{}
		}
		view.Leads = append(view.Leads, lead)
	}
	if err := rows.Err(); err != nil {
		s.log.Warn("iterating cached leads failed, using empty view", "error", err)
		return model.CachedView{}
	}

	emailRows, err := s.db.QueryxContext(ctx,
		"SELECT * FROM emails WHERE session_id = ? ORDER BY sort_order ASC",
		sessionID,
	)
	if err != nil {
		s.log.Warn("loading cached emails failed, using empty view", "error", err)
		return model.CachedView{}
	}
	defer emailRows.Close()

	for emailRows.Next() {
		email, err := scanEmail(emailRows)
		if err != nil {
			s.log.Warn("scanning cached email failed, using empty view", "error", err)
			return model.CachedView{}
		}
		view.Emails = append(view.Emails, email)
	}
	if err := emailRows.Err(); err != nil {
		s.log.Warn("iterating cached emails failed, using empty view", "error", err)
		return model.CachedView{}
	}

	var lastUpdate time.Time
	err = s.db.GetContext(ctx, &lastUpdate,
		"SELECT last_update FROM views WHERE session_id = ?", sessionID,
	)
	if err == nil {
		view.LastUpdate = lastUpdate
	} else if !errors.Is(err, sql.ErrNoRows) {
		s.log.Warn("loading last update failed", "error", err)
	}

	return view
}

// SaveView replaces the cached view for a session wholesale and bumps its
// last-update timestamp. The replacement is transactional, so a concurrent
// Mutate sees either the old snapshot or the new one.
func (s *Store) SaveView(ctx context.Context, sessionID string, view model.CachedView) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, "DELETE FROM leads WHERE session_id = ?", sessionID); err != nil {
		return fmt.Errorf("clearing leads: %w", err)
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM emails WHERE session_id = ?", sessionID); err != nil {
		return fmt.Errorf("clearing emails: %w", err)
	}

	for i, lead := range view.Leads {
		if err := insertLead(ctx, tx, sessionID, lead, i); err != nil {
			return err
		}
	}
	for i, email := range view.Emails {
		if err := insertEmail(ctx, tx, sessionID, email, i); err != nil {
			return err
		}
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO views (session_id, last_update) VALUES (?, ?)
		ON CONFLICT(session_id) DO UPDATE SET last_update = excluded.last_update`,
		sessionID, time.Now().UTC(),
	); err != nil {
		return fmt.Errorf("updating view timestamp: %w", err)
	}

	return tx.Commit()
}

// Touch bumps the last-update timestamp for a session's view.
func (s *Store) Touch(ctx context.Context, sessionID string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO views (session_id, last_update) VALUES (?, ?)
		ON CONFLICT(session_id) DO UPDATE SET last_update = excluded.last_update`,
		sessionID, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("touching view for session %s: %w", sessionID, err)
	}
	return nil
}

// InsertIfAbsent inserts a lead at the front of the session's ordered
// sequence unless an entry with the same id already exists. This is the sole
// de-duplication gate shared by pull and push ingestion. It reports whether
// an insert happened.
func (s *Store) InsertIfAbsent(ctx context.Context, sessionID string, lead model.Lead) (bool, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	var exists int
	err = tx.GetContext(ctx, &exists,
		"SELECT COUNT(*) FROM leads WHERE session_id = ? AND id = ?",
		sessionID, lead.ID,
	)
	if err != nil {
		return false, fmt.Errorf("checking lead %s: %w", lead.ID, err)
	}
	if exists > 0 {
		return false, nil
	}

	var minOrder sql.NullInt64
	err = tx.GetContext(ctx, &minOrder,
		"SELECT MIN(sort_order) FROM leads WHERE session_id = ?", sessionID,
	)
	if err != nil {
		return false, fmt.Errorf("reading sort order: %w", err)
	}

	front := 0
	if minOrder.Valid {
		front = int(minOrder.Int64) - 1
	}

	if err := insertLead(ctx, tx, sessionID, lead, front); err != nil {
		return false, err
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("committing insert: %w", err)
	}
	return true, nil
}

// LeadPatch is a partial update to a single cached lead. Nil fields are left
// untouched; SetDraft controls whether Draft (including nil) is applied.
type LeadPatch struct {
	Sender         *string
	Subject        *string
	Snippet        *string
	Classification *model.Classification
	Confidence     *float64
	Reasoning      *string
	Status         *model.LeadStatus
	SetDraft       bool
	Draft          *model.Draft
}

// PatchFromLead builds a full-field patch from an authoritative server copy,
// so the cached entry's content is replaced while its position survives.
func PatchFromLead(lead model.Lead) LeadPatch {
	return LeadPatch{
		Sender:         &lead.Sender,
		Subject:        &lead.Subject,
		Snippet:        &lead.Snippet,
		Classification: &lead.Classification,
		Confidence:     &lead.Confidence,
		Reasoning:      &lead.Reasoning,
		Status:         &lead.Status,
		SetDraft:       true,
		Draft:          lead.Draft,
	}
}

// Mutate applies a partial update to exactly one cached lead. A missing lead
// is a no-op, not an error: the lead simply has not been ingested yet.
func (s *Store) Mutate(ctx context.Context, sessionID, leadID string, patch LeadPatch) error {
	sets := []string{}
	args := []interface{}{}

	appendSet := func(column string, value interface{}) {
		sets = append(sets, column+" = ?")
		args = append(args, value)
	}

	if patch.Sender != nil {
		appendSet("sender", *patch.Sender)
	}
	if patch.Subject != nil {
		appendSet("subject", *patch.Subject)
	}
	if patch.Snippet != nil {
		appendSet("snippet", *patch.Snippet)
	}
	if patch.Classification != nil {
		appendSet("classification", string(*patch.Classification))
	}
	if patch.Confidence != nil {
		appendSet("confidence", *patch.Confidence)
	}
	if patch.Reasoning != nil {
		appendSet("reasoning", *patch.Reasoning)
	}
	if patch.Status != nil {
		appendSet("status", string(*patch.Status))
	}
	if patch.SetDraft {
		draftJSON, err := marshalDraft(patch.Draft)
		if err != nil {
			return err
		}
		appendSet("draft", draftJSON)
	}

	if len(sets) == 0 {
		return nil
	}

	query := "UPDATE leads SET " + strings.Join(sets, ", ") + " WHERE session_id = ? AND id = ?"
	args = append(args, sessionID, leadID)

	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("mutating lead %s: %w", leadID, err)
	}
	return nil
}

// GetLead retrieves a single cached lead, or nil when absent.
func (s *Store) GetLead(ctx context.Context, sessionID, leadID string) (*model.Lead, error) {
	row := s.db.QueryRowxContext(ctx,
		"SELECT * FROM leads WHERE session_id = ? AND id = ?",
		sessionID, leadID,
	)

	lead, err := scanLeadRow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("getting lead %s: %w", leadID, err)
	}
	return &lead, nil
}

// InsertEmailIfAbsent inserts a plain email at the front of the session's
// cached email sequence unless the id is already present.
func (s *Store) InsertEmailIfAbsent(ctx context.Context, sessionID string, email model.Email) (bool, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	var exists int
	err = tx.GetContext(ctx, &exists,
		"SELECT COUNT(*) FROM emails WHERE session_id = ? AND id = ?",
		sessionID, email.ID,
	)
	if err != nil {
		return false, fmt.Errorf("checking email %s: %w", email.ID, err)
	}
	if exists > 0 {
		return false, nil
	}

	var minOrder sql.NullInt64
	err = tx.GetContext(ctx, &minOrder,
		"SELECT MIN(sort_order) FROM emails WHERE session_id = ?", sessionID,
	)
	if err != nil {
		return false, fmt.Errorf("reading sort order: %w", err)
	}

	front := 0
	if minOrder.Valid {
		front = int(minOrder.Int64) - 1
	}

	if err := insertEmail(ctx, tx, sessionID, email, front); err != nil {
		return false, err
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("committing insert: %w", err)
	}
	return true, nil
}

// RemoveEmail drops a single cached email; removing an absent id is a no-op.
func (s *Store) RemoveEmail(ctx context.Context, sessionID, emailID string) error {
	_, err := s.db.ExecContext(ctx,
		"DELETE FROM emails WHERE session_id = ? AND id = ?",
		sessionID, emailID,
	)
	if err != nil {
		return fmt.Errorf("removing email %s: %w", emailID, err)
	}
	return nil
}

// Clear wipes all cached state for a session.
func (s *Store) Clear(ctx context.Context, sessionID string) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	for _, table := range []string{"leads", "emails", "notifications", "views"} {
		if _, err := tx.ExecContext(ctx,
			"DELETE FROM "+table+" WHERE session_id = ?", sessionID,
		); err != nil {
			return fmt.Errorf("clearing %s: %w", table, err)
		}
	}

	return tx.Commit()
}

// CreateNotification inserts a new notification record.
func (s *Store) CreateNotification(ctx context.Context, n model.Notification) error {
	if n.ID == "" {
		n.ID = uuid.New().String()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO notifications (id, session_id, lead_id, message, read, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		n.ID, n.SessionID, n.LeadID, n.Message,
		boolToInt(n.Read), n.CreatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("creating notification: %w", err)
	}
	return nil
}

// UnreadNotifications retrieves all unread notifications for a session,
// newest first.
func (s *Store) UnreadNotifications(ctx context.Context, sessionID string) ([]model.Notification, error) {
	rows, err := s.db.QueryxContext(ctx,
		"SELECT * FROM notifications WHERE session_id = ? AND read = 0 ORDER BY created_at DESC",
		sessionID,
	)
	if err != nil {
		return nil, fmt.Errorf("querying unread notifications: %w", err)
	}
	defer rows.Close()

	var notifications []model.Notification
	for rows.Next() {
		var (
			n         model.Notification
			readInt   int
			createdAt time.Time
		)
		if err := rows.Scan(&n.ID, &n.SessionID, &n.LeadID, &n.Message, &readInt, &createdAt); err != nil {
			return nil, fmt.Errorf("scanning notification row: %w", err)
		}
		n.Read = readInt != 0
		n.CreatedAt = createdAt
		notifications = append(notifications, n)
	}

	return notifications, rows.Err()
}

// MarkNotificationRead marks a single notification as read.
func (s *Store) MarkNotificationRead(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE notifications SET read = 1 WHERE id = ?", id,
	)
	if err != nil {
		return fmt.Errorf("marking notification %s as read: %w", id, err)
	}
	return nil
}

// execer covers both *sqlx.DB and *sqlx.Tx for the insert helpers.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

func insertLead(ctx context.Context, e execer, sessionID string, lead model.Lead, sortOrder int) error {
	draftJSON, err := marshalDraft(lead.Draft)
	if err != nil {
		return err
	}

	_, err = e.ExecContext(ctx, `
		INSERT INTO leads (
			session_id, id, sender, subject, snippet,
			classification, confidence, reasoning, status,
			draft, created_at, sort_order
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sessionID, lead.ID, lead.Sender, lead.Subject, lead.Snippet,
		string(lead.Classification), lead.Confidence, lead.Reasoning, string(lead.Status),
		draftJSON, lead.CreatedAt.UTC(), sortOrder,
	)
	if err != nil {
		return fmt.Errorf("inserting lead %s: %w", lead.ID, err)
	}
	return nil
}

func insertEmail(ctx context.Context, e execer, sessionID string, email model.Email, sortOrder int) error {
	_, err := e.ExecContext(ctx, `
		INSERT INTO emails (
			session_id, id, thread_id, sender, recipient,
			subject, snippet, date, unread, sort_order
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sessionID, email.ID, email.ThreadID, email.From, email.To,
		email.Subject, email.Snippet, email.Date, boolToInt(email.IsUnread), sortOrder,
	)
	if err != nil {
		return fmt.Errorf("inserting email %s: %w", email.ID, err)
	}
	return nil
}

// marshalDraft encodes a draft as a nullable JSON column value.
func marshalDraft(draft *model.Draft) (interface{}, error) {
	if draft == nil {
		return nil, nil
	}
	data, err := json.Marshal(draft)
	if err != nil {
		return nil, fmt.Errorf("marshaling draft: %w", err)
	}
	return string(data), nil
}

// scanLead scans a lead row from a sqlx.Rows result set.
func scanLead(rows *sqlx.Rows) (model.Lead, error) {
	var (
		lead           model.Lead
		sessionID      string
		classification string
		status         string
		draftJSON      sql.NullString
		createdAt      time.Time
		sortOrder      int
	)

	err := rows.Scan(
		&sessionID, &lead.ID, &lead.Sender, &lead.Subject, &lead.Snippet,
		&classification, &lead.Confidence, &lead.Reasoning, &status,
		&draftJSON, &createdAt, &sortOrder,
	)
	if err != nil {
		return model.Lead{}, fmt.Errorf("scanning lead row: %w", err)
	}

	return finishLead(lead, classification, status, draftJSON, createdAt)
}

// scanLeadRow scans a single lead row from a sqlx.Row.
func scanLeadRow(row *sqlx.Row) (model.Lead, error) {
	var (
		lead           model.Lead
		sessionID      string
		classification string
		status         string
		draftJSON      sql.NullString
		createdAt      time.Time
		sortOrder      int
	)

	err := row.Scan(
		&sessionID, &lead.ID, &lead.Sender, &lead.Subject, &lead.Snippet,
		&classification, &lead.Confidence, &lead.Reasoning, &status,
		&draftJSON, &createdAt, &sortOrder,
	)
	if err != nil {
		return model.Lead{}, err
	}

	return finishLead(lead, classification, status, draftJSON, createdAt)
}

func finishLead(lead model.Lead, classification, status string, draftJSON sql.NullString, createdAt time.Time) (model.Lead, error) {
	lead.Classification = model.Classification(classification)
	lead.Status = model.LeadStatus(status)
	lead.CreatedAt = createdAt

	if draftJSON.Valid && draftJSON.String != "" {
		var draft model.Draft
		if err := json.Unmarshal([]byte(draftJSON.String), &draft); err != nil {
			return model.Lead{}, fmt.Errorf("unmarshaling draft: %w", err)
		}
		lead.Draft = &draft
	}

	return lead, nil
}

// scanEmail scans an email row from a sqlx.Rows result set.
func scanEmail(rows *sqlx.Rows) (model.Email, error) {
	var (
		email     model.Email
		sessionID string
		unread    int
		sortOrder int
	)

	err := rows.Scan(
		&sessionID, &email.ID, &email.ThreadID, &email.From, &email.To,
		&email.Subject, &email.Snippet, &email.Date, &unread, &sortOrder,
	)
	if err != nil {
		return model.Email{}, fmt.Errorf("scanning email row: %w", err)
	}

	email.IsUnread = unread != 0
	return email, nil
}

// boolToInt converts a boolean to 0 or 1 for SQLite storage.
func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
