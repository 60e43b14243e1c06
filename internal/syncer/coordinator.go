// Package syncer orchestrates pull-based synchronization and reconciles it
// with the realtime push channel. Pull results and push events feed the same
// merge gate (cache.InsertIfAbsent keyed by lead id), which is commutative
// and idempotent, so overlapping syncs and events cannot corrupt the cache —
// only which operation's status reaches the user last can vary.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jaano/leadbox/internal/api"
	"github.com/jaano/leadbox/internal/cache"
	"github.com/jaano/leadbox/internal/credential"
	"github.com/jaano/leadbox/internal/model"
	"github.com/jaano/leadbox/internal/realtime"
	"github.com/jaano/leadbox/internal/status"
)

// accessTokenTTLDays matches the token cookie lifetime used at sign-in.
const accessTokenTTLDays = 7

// Backend is the slice of the API client the coordinator uses.
type Backend interface {
	Sync(ctx context.Context, sessionID string, maxResults int) (*api.SyncResponse, error)
	RegisterWatch(ctx context.Context, sessionID, topicName string) error
	Logout(ctx context.Context, sessionID string) error
}

// EventChannel is the realtime subscription the coordinator owns. The
// coordinator holds the only reference; nothing else opens or closes it.
type EventChannel interface {
	Open(ctx context.Context, sessionID string, handler realtime.Handler) error
	Close()
	State() realtime.State
}

// Config holds the coordinator's tunables.
type Config struct {
	// PollInterval is the cadence of background silent syncs.
	PollInterval time.Duration

	// MaxResults caps the number of items requested per sync.
	MaxResults int

	// TopicName is passed to the fire-and-forget watch registration.
	TopicName string
}

// Coordinator drives synchronization for the active session.
type Coordinator struct {
	creds   *credential.Store
	cache   *cache.Store
	backend Backend
	channel EventChannel
	status  *status.Reporter
	log     *slog.Logger
	cfg     Config

	mu      sync.Mutex
	loading bool

	triggerCh chan struct{}
}

// New creates a coordinator.
func New(
	creds *credential.Store,
	cacheStore *cache.Store,
	backend Backend,
	channel EventChannel,
	reporter *status.Reporter,
	log *slog.Logger,
	cfg Config,
) *Coordinator {
	return &Coordinator{
		creds:     creds,
		cache:     cacheStore,
		backend:   backend,
		channel:   channel,
		status:    reporter,
		log:       log,
		cfg:       cfg,
		triggerCh: make(chan struct{}, 1),
	}
}

// Loading reports whether a manual sync is in flight.
func (c *Coordinator) Loading() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.loading
}

func (c *Coordinator) setLoading(v bool) {
	c.mu.Lock()
	c.loading = v
	c.mu.Unlock()
}

// Start brings the session's view up: it returns the cached view immediately
// for instant paint, runs a silent initial sync, arms the realtime channel,
// and registers the mailbox watch in the background.
func (c *Coordinator) Start(ctx context.Context) (model.CachedView, error) {
	sessionID, ok := c.creds.Get(credential.FieldSessionID)
	if !ok {
		return model.CachedView{}, api.ErrSessionExpired
	}

	view := c.cache.LoadView(ctx, sessionID)

	if err := c.Sync(ctx, true, c.cfg.MaxResults); errors.Is(err, api.ErrSessionExpired) {
		return view, err
	}

	if err := c.Arm(ctx); err != nil {
		// A dead push channel degrades to poll-only operation.
		c.log.Warn("arming realtime channel failed", "error", err)
	}

	go c.registerWatch(ctx, sessionID)

	return view, nil
}

// Arm opens the realtime channel for the current session, tearing down any
// prior subscription first.
func (c *Coordinator) Arm(ctx context.Context) error {
	sessionID, ok := c.creds.Get(credential.FieldSessionID)
	if !ok {
		return api.ErrSessionExpired
	}

	return c.channel.Open(ctx, sessionID, func(ev realtime.Event) {
		c.handleEvent(ctx, ev)
	})
}

// registerWatch is fire-and-forget: failures are logged, never surfaced.
func (c *Coordinator) registerWatch(ctx context.Context, sessionID string) {
	if c.cfg.TopicName == "" {
		return
	}
	if err := c.backend.RegisterWatch(ctx, sessionID, c.cfg.TopicName); err != nil {
		c.log.Warn("watch registration failed", "error", err)
		return
	}
	c.log.Info("mailbox watch registered", "topic", c.cfg.TopicName)
}

// Sync performs one pull synchronization. Silent syncs never produce
// user-visible status: background refreshes must not interrupt the user.
// A missing or rejected session returns api.ErrSessionExpired, which is
// fatal to the current view — the caller must force a sign-out.
func (c *Coordinator) Sync(ctx context.Context, silent bool, maxResults int) error {
	sessionID, ok := c.creds.Get(credential.FieldSessionID)
	if !ok {
		if !silent {
			c.status.Errorf("Session expired. Please sign in again.")
		}
		return api.ErrSessionExpired
	}

	if !silent {
		c.setLoading(true)
		defer c.setLoading(false)
	}

	resp, err := c.backend.Sync(ctx, sessionID, maxResults)
	if err != nil {
		if errors.Is(err, api.ErrSessionExpired) {
			return err
		}
		c.log.Warn("sync failed", "silent", silent, "error", err)
		if !silent {
			c.status.Errorf("Failed to sync emails. Please try again.")
		}
		return err
	}

	// Write a refreshed token through before anything else so the next
	// request already uses it.
	if resp.NewAccessToken != "" {
		if err := c.creds.Set(credential.FieldAccessToken, resp.NewAccessToken, accessTokenTTLDays); err != nil {
			c.log.Warn("storing refreshed access token failed", "error", err)
		} else {
			c.log.Info("access token refreshed")
		}
	}

	newCount, err := c.merge(ctx, sessionID, resp.Messages)
	if err != nil {
		if !silent {
			c.status.Errorf("Failed to sync emails. Please try again.")
		}
		return err
	}

	if err := c.cache.Touch(ctx, sessionID); err != nil {
		c.log.Warn("updating view timestamp failed", "error", err)
	}

	c.log.Info("sync complete",
		"silent", silent,
		"fetched", len(resp.Messages),
		"new", newCount,
	)

	if !silent {
		c.status.Successf("Synced %d unread emails", len(resp.Messages))
	}
	return nil
}

// merge folds pull results into the cache. Responses arrive newest-first;
// inserting oldest-first through the front-insert gate reproduces the
// response order for unseen ids while leaving known ids untouched.
func (c *Coordinator) merge(ctx context.Context, sessionID string, leads []model.Lead) (int, error) {
	newCount := 0
	for i := len(leads) - 1; i >= 0; i-- {
		lead := normalizeLead(leads[i])

		inserted, err := c.cache.InsertIfAbsent(ctx, sessionID, lead)
		if err != nil {
			return newCount, fmt.Errorf("merging lead %s: %w", lead.ID, err)
		}
		if inserted {
			newCount++
			c.notifyNewLead(ctx, sessionID, lead)
		}
	}
	return newCount, nil
}

// handleEvent reconciles a push event with the cache. A full new_lead payload
// merges locally without a network round-trip; the degraded new_email signal
// falls back to a silent single-item pull, trusting the sync path to
// materialize the message.
func (c *Coordinator) handleEvent(ctx context.Context, ev realtime.Event) {
	sessionID, ok := c.creds.Get(credential.FieldSessionID)
	if !ok {
		c.log.Warn("dropping push event without a session", "type", ev.Type)
		return
	}

	switch ev.Type {
	case realtime.EventNewLead:
		if ev.Lead == nil || ev.Lead.ID == "" {
			c.log.Warn("dropping new_lead event without a lead payload")
			return
		}
		lead := normalizeLead(*ev.Lead)

		inserted, err := c.cache.InsertIfAbsent(ctx, sessionID, lead)
		if err != nil {
			c.log.Warn("merging pushed lead failed", "lead", lead.ID, "error", err)
			return
		}
		if !inserted {
			// Already ingested by a pull sync; the gate kept it single.
			return
		}
		c.notifyNewLead(ctx, sessionID, lead)
		if err := c.cache.Touch(ctx, sessionID); err != nil {
			c.log.Warn("updating view timestamp failed", "error", err)
		}
		c.status.Infof("New %s lead from %s", lead.Classification, lead.Sender)

	case realtime.EventNewEmail:
		c.status.Infof("New email received! Syncing...")
		// A session expiry here is only logged; the Run loop owns the forced
		// sign-out and performs it on its next sync.
		if err := c.Sync(ctx, true, 1); err != nil {
			c.log.Warn("push-triggered sync failed", "error", err)
		}
	}
}

// notifyNewLead records a notification for a newly ingested lead.
func (c *Coordinator) notifyNewLead(ctx context.Context, sessionID string, lead model.Lead) {
	n := model.Notification{
		SessionID: sessionID,
		LeadID:    lead.ID,
		Message:   fmt.Sprintf("New %s lead: %s", lead.Classification, lead.Subject),
		CreatedAt: time.Now(),
	}
	if err := c.cache.CreateNotification(ctx, n); err != nil {
		c.log.Warn("creating notification failed", "lead", lead.ID, "error", err)
	}
}

// Run is the daemon loop: silent syncs on a ticker, manual syncs on demand
// via RefreshNow, and deterministic channel teardown on exit. A session
// expiry forces a sign-out and stops the loop.
func (c *Coordinator) Run(ctx context.Context) error {
	ticker := time.NewTicker(c.cfg.PollInterval)
	defer ticker.Stop()
	defer c.channel.Close()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case <-ticker.C:
			if err := c.Sync(ctx, true, c.cfg.MaxResults); errors.Is(err, api.ErrSessionExpired) {
				c.SignOut(ctx)
				return err
			}
			// Heal a dropped push channel now that the session proved live.
			if c.channel.State() == realtime.Disconnected {
				if err := c.Arm(ctx); err != nil {
					c.log.Warn("re-arming realtime channel failed", "error", err)
				}
			}

		case <-c.triggerCh:
			if err := c.Sync(ctx, false, c.cfg.MaxResults); errors.Is(err, api.ErrSessionExpired) {
				c.SignOut(ctx)
				return err
			}
		}
	}
}

// RefreshNow requests a manual sync from the Run loop without blocking.
func (c *Coordinator) RefreshNow() {
	select {
	case c.triggerCh <- struct{}{}:
	default:
		// A refresh is already queued.
	}
}

// SignOut tears the session down: close the push channel, best-effort
// backend logout, wipe the cached view, and clear every credential field.
// The cache is not trusted once the session it is keyed to is gone.
func (c *Coordinator) SignOut(ctx context.Context) {
	sessionID, ok := c.creds.Get(credential.FieldSessionID)

	c.channel.Close()

	if ok {
		if err := c.backend.Logout(ctx, sessionID); err != nil {
			c.log.Warn("backend logout failed", "error", err)
		}
		if err := c.cache.Clear(ctx, sessionID); err != nil {
			c.log.Warn("clearing cache failed", "error", err)
		}
	}

	if err := c.creds.ClearAll(); err != nil {
		c.log.Warn("clearing credentials failed", "error", err)
	}

	c.status.Infof("Successfully signed out.")
}

// normalizeLead fills server-omitted fields with safe defaults.
func normalizeLead(lead model.Lead) model.Lead {
	if lead.Status == "" {
		lead.Status = model.StatusPendingReview
	}
	lead.Classification = model.NormalizeClassification(string(lead.Classification))
	if lead.CreatedAt.IsZero() {
		lead.CreatedAt = time.Now()
	}
	return lead
}
