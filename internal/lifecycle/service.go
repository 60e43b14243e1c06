// Package lifecycle drives server-authoritative lead transitions. The client
// never moves a lead to a terminal status on its own: it asks the backend,
// then writes the echoed lead back into the cache, so the cached status only
// ever advances the way the server says it did.
package lifecycle

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/jaano/leadbox/internal/api"
	"github.com/jaano/leadbox/internal/cache"
	"github.com/jaano/leadbox/internal/credential"
	"github.com/jaano/leadbox/internal/model"
	"github.com/jaano/leadbox/internal/status"
)

// Backend is the slice of the API client the lifecycle service uses.
type Backend interface {
	SendLead(ctx context.Context, sessionID, leadID string) (*model.Lead, error)
	UpdateDraft(ctx context.Context, sessionID, leadID, subject, body string) (*model.Lead, error)
	DismissLead(ctx context.Context, sessionID, leadID string) (*model.Lead, error)
	MarkRead(ctx context.Context, sessionID, messageID string) error
	SendReply(ctx context.Context, reply api.ReplyRequest) error
}

// Service executes lead and email actions against the backend and reconciles
// the echoed results into the cache.
type Service struct {
	creds   *credential.Store
	cache   *cache.Store
	backend Backend
	status  *status.Reporter
	log     *slog.Logger
}

// NewService creates a lifecycle service.
func NewService(
	creds *credential.Store,
	cacheStore *cache.Store,
	backend Backend,
	reporter *status.Reporter,
	log *slog.Logger,
) *Service {
	return &Service{
		creds:   creds,
		cache:   cacheStore,
		backend: backend,
		status:  reporter,
		log:     log,
	}
}

// Send asks the backend to send the lead's draft reply. Without a session the
// action is a no-op; a lead already in a terminal status is skipped locally,
// since the transition would be rejected server-side anyway.
func (s *Service) Send(ctx context.Context, leadID string) error {
	sessionID, ok := s.creds.Get(credential.FieldSessionID)
	if !ok {
		s.log.Debug("skipping send without a session", "lead", leadID)
		return nil
	}

	cached, err := s.cache.GetLead(ctx, sessionID, leadID)
	if err != nil {
		return err
	}
	if cached != nil && cached.Status.Terminal() {
		s.log.Info("skipping send for terminal lead", "lead", leadID, "status", cached.Status)
		return nil
	}

	lead, err := s.backend.SendLead(ctx, sessionID, leadID)
	if err != nil {
		s.reportFailure("Failed to send email", err)
		return err
	}

	if err := s.applyEcho(ctx, sessionID, leadID, lead); err != nil {
		return err
	}

	s.status.Successf("Email sent to %s", lead.Sender)
	return nil
}

// UpdateDraft replaces the lead's draft subject and body server-side and
// reconciles the echoed lead into the cache.
func (s *Service) UpdateDraft(ctx context.Context, leadID, subject, body string) error {
	sessionID, ok := s.creds.Get(credential.FieldSessionID)
	if !ok {
		s.log.Debug("skipping draft update without a session", "lead", leadID)
		return nil
	}

	lead, err := s.backend.UpdateDraft(ctx, sessionID, leadID, subject, body)
	if err != nil {
		s.reportFailure("Failed to update draft", err)
		return err
	}

	if err := s.applyEcho(ctx, sessionID, leadID, lead); err != nil {
		return err
	}

	s.status.Successf("Draft updated")
	return nil
}

// Dismiss transitions the lead to dismissed server-side.
func (s *Service) Dismiss(ctx context.Context, leadID string) error {
	sessionID, ok := s.creds.Get(credential.FieldSessionID)
	if !ok {
		s.log.Debug("skipping dismiss without a session", "lead", leadID)
		return nil
	}

	cached, err := s.cache.GetLead(ctx, sessionID, leadID)
	if err != nil {
		return err
	}
	if cached != nil && cached.Status.Terminal() {
		s.log.Info("skipping dismiss for terminal lead", "lead", leadID, "status", cached.Status)
		return nil
	}

	lead, err := s.backend.DismissLead(ctx, sessionID, leadID)
	if err != nil {
		s.reportFailure("Failed to dismiss lead", err)
		return err
	}

	if err := s.applyEcho(ctx, sessionID, leadID, lead); err != nil {
		return err
	}

	s.status.Infof("Lead dismissed")
	return nil
}

// MarkEmailRead marks a plain email read in the mailbox and, on success,
// drops it from the cached unread list.
func (s *Service) MarkEmailRead(ctx context.Context, emailID string) error {
	sessionID, ok := s.creds.Get(credential.FieldSessionID)
	if !ok {
		s.log.Debug("skipping mark-read without a session", "email", emailID)
		return nil
	}

	if err := s.backend.MarkRead(ctx, sessionID, emailID); err != nil {
		s.reportFailure("Failed to mark email as read", err)
		return err
	}

	if err := s.cache.RemoveEmail(ctx, sessionID, emailID); err != nil {
		s.log.Warn("removing read email from cache failed", "email", emailID, "error", err)
	}
	return nil
}

// Reply sends a threaded reply to a plain email and marks it read on success.
func (s *Service) Reply(ctx context.Context, email model.Email, message string) error {
	sessionID, ok := s.creds.Get(credential.FieldSessionID)
	if !ok {
		s.log.Debug("skipping reply without a session", "email", email.ID)
		return nil
	}

	subject := email.Subject
	if !strings.HasPrefix(strings.ToLower(subject), "re:") {
		subject = "Re: " + subject
	}

	err := s.backend.SendReply(ctx, api.ReplyRequest{
		To:                 email.From,
		Subject:            subject,
		Message:            message,
		ThreadID:           email.ThreadID,
		InReplyToMessageID: email.ID,
		SessionID:          sessionID,
	})
	if err != nil {
		s.reportFailure("Failed to send reply", err)
		return err
	}

	if err := s.cache.RemoveEmail(ctx, sessionID, email.ID); err != nil {
		s.log.Warn("removing replied email from cache failed", "email", email.ID, "error", err)
	}

	s.status.Successf("Reply sent to %s", email.From)
	return nil
}

// applyEcho writes the server's authoritative copy of a lead back into the
// cache without disturbing its position. A nil echo leaves the cache alone.
func (s *Service) applyEcho(ctx context.Context, sessionID, leadID string, lead *model.Lead) error {
	if lead == nil || lead.ID == "" {
		return nil
	}
	if err := s.cache.Mutate(ctx, sessionID, leadID, cache.PatchFromLead(*lead)); err != nil {
		return fmt.Errorf("reconciling lead %s: %w", leadID, err)
	}
	return nil
}

// reportFailure surfaces a failed action. The backend's detail message is
// shown verbatim when present; transport errors get the generic fallback.
func (s *Service) reportFailure(fallback string, err error) {
	if detail := api.Detail(err); detail != "" {
		s.status.Errorf("%s", detail)
		return
	}
	s.status.Errorf("%s. Please try again.", fallback)
}
