package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jaano/leadbox/internal/api"
	"github.com/jaano/leadbox/internal/cache"
	"github.com/jaano/leadbox/internal/credential"
	"github.com/jaano/leadbox/internal/lifecycle"
	"github.com/jaano/leadbox/internal/model"
	"github.com/jaano/leadbox/internal/realtime"
	"github.com/jaano/leadbox/internal/session"
	"github.com/jaano/leadbox/internal/status"
	"github.com/jaano/leadbox/internal/syncer"
)

type cliConfig struct {
	configPath string
	login      bool
	signout    bool
	sync       bool
	leads      bool
	unread     bool
	sendID     string
	dismissID  string
	draftID    string
	markReadID string
	replyID    string
	subject    string
	body       string
	verbose    bool
}

func main() {
	cfg := parseFlags()
	if err := run(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "leadbox: %v\n", err)
		os.Exit(1)
	}
}

func parseFlags() cliConfig {
	configPath := flag.String("config", model.DefaultConfigPath(), "path to the config file")
	login := flag.Bool("login", false, "sign in through the browser and exit")
	signout := flag.Bool("signout", false, "sign out and clear local state")
	sync := flag.Bool("sync", false, "run one manual sync and exit")
	leads := flag.Bool("leads", false, "print the lead list and exit")
	unread := flag.Bool("unread", false, "print the mailbox unread count and exit")
	sendID := flag.String("send", "", "send the draft reply for the given lead id")
	dismissID := flag.String("dismiss", "", "dismiss the given lead id")
	draftID := flag.String("draft", "", "update the draft for the given lead id (with -subject and -body)")
	markReadID := flag.String("markread", "", "mark the given email id as read")
	replyID := flag.String("reply", "", "reply to the given cached email id (with -body)")
	subject := flag.String("subject", "", "draft subject for -draft")
	body := flag.String("body", "", "draft or reply body")
	verbose := flag.Bool("v", false, "verbose logging")
	flag.Parse()

	return cliConfig{
		configPath: *configPath,
		login:      *login,
		signout:    *signout,
		sync:       *sync,
		leads:      *leads,
		unread:     *unread,
		sendID:     *sendID,
		dismissID:  *dismissID,
		draftID:    *draftID,
		markReadID: *markReadID,
		replyID:    *replyID,
		subject:    *subject,
		body:       *body,
		verbose:    *verbose,
	}
}

// app is the wired-up application: every component shares the same stores,
// backend client, and status reporter.
type app struct {
	cfg       *model.AppConfig
	log       *slog.Logger
	creds     *credential.Store
	cache     *cache.Store
	client    *api.Client
	sessions  *session.Manager
	status    *status.Reporter
	coord     *syncer.Coordinator
	lifecycle *lifecycle.Service
}

func buildApp(cliCfg cliConfig) (*app, error) {
	cfg, err := model.LoadConfig(cliCfg.configPath)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}

	level := slog.LevelInfo
	if cliCfg.verbose {
		level = slog.LevelDebug
	}
	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	creds, err := credential.OpenStore()
	if err != nil {
		return nil, fmt.Errorf("opening credential store: %w", err)
	}

	cacheStore, err := cache.NewStore(cfg.Cache.Path, log)
	if err != nil {
		return nil, fmt.Errorf("opening cache: %w", err)
	}

	client := api.NewClient(cfg.API.BaseURL, time.Duration(cfg.API.TimeoutSec)*time.Second)
	channel := realtime.NewChannel(cfg.API.BaseURL, log)

	reporter := status.NewReporter(time.Duration(cfg.Status.TTLSec) * time.Second)
	reporter.SetListener(func(m status.Message) {
		fmt.Printf("[%s] %s\n", m.Level, m.Text)
	})

	coord := syncer.New(creds, cacheStore, client, channel, reporter, log, syncer.Config{
		PollInterval: time.Duration(cfg.Sync.PollIntervalSec) * time.Second,
		MaxResults:   cfg.Sync.MaxResults,
		TopicName:    cfg.Sync.TopicName,
	})

	return &app{
		cfg:       cfg,
		log:       log,
		creds:     creds,
		cache:     cacheStore,
		client:    client,
		sessions:  session.NewManager(creds),
		status:    reporter,
		coord:     coord,
		lifecycle: lifecycle.NewService(creds, cacheStore, client, reporter, log),
	}, nil
}

func (a *app) close() {
	a.status.Close()
	if err := a.cache.Close(); err != nil {
		a.log.Warn("closing cache failed", "error", err)
	}
}

func run(cliCfg cliConfig) error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	a, err := buildApp(cliCfg)
	if err != nil {
		return err
	}
	defer a.close()

	switch {
	case cliCfg.login:
		return a.login(ctx)
	case cliCfg.signout:
		a.coord.SignOut(ctx)
		return nil
	case cliCfg.sync:
		return a.coord.Sync(ctx, false, a.cfg.Sync.MaxResults)
	case cliCfg.leads:
		return a.printLeads(ctx)
	case cliCfg.unread:
		return a.printUnreadCount(ctx)
	case cliCfg.sendID != "":
		return a.lifecycle.Send(ctx, cliCfg.sendID)
	case cliCfg.dismissID != "":
		return a.lifecycle.Dismiss(ctx, cliCfg.dismissID)
	case cliCfg.draftID != "":
		return a.lifecycle.UpdateDraft(ctx, cliCfg.draftID, cliCfg.subject, cliCfg.body)
	case cliCfg.markReadID != "":
		return a.lifecycle.MarkEmailRead(ctx, cliCfg.markReadID)
	case cliCfg.replyID != "":
		return a.reply(ctx, cliCfg.replyID, cliCfg.body)
	default:
		return a.daemon(ctx)
	}
}

// login walks the browser-based sign-in: ask the backend for an authorization
// URL, catch the redirect locally, and persist the session fields.
func (a *app) login(ctx context.Context) error {
	callback := session.NewCallbackServer(a.cfg.Auth.CallbackAddr)
	if err := callback.Start(); err != nil {
		return err
	}

	challenge, err := a.client.LoginURL(ctx)
	if err != nil {
		return fmt.Errorf("requesting sign-in URL: %w", err)
	}

	fmt.Printf("Open this URL in your browser to sign in:\n\n  %s\n\n", challenge.AuthorizationURL)

	s, err := callback.Wait(ctx)
	if err != nil {
		return err
	}
	if err := a.sessions.Establish(s); err != nil {
		return err
	}

	fmt.Printf("Signed in as %s <%s>\n", s.UserName, s.UserEmail)
	return nil
}

func (a *app) printLeads(ctx context.Context) error {
	s, ok := a.sessions.Current()
	if !ok {
		return api.ErrSessionExpired
	}

	view := a.cache.LoadView(ctx, s.ID)
	if view.Empty() {
		// Cold start: fetch the full lead set and seed the cache with it.
		leads, err := a.client.Leads(ctx, s.ID)
		if err != nil {
			return fmt.Errorf("fetching leads: %w", err)
		}
		view.Leads = leads
		if err := a.cache.SaveView(ctx, s.ID, view); err != nil {
			a.log.Warn("caching fetched leads failed", "error", err)
		}
	}
	if view.Empty() {
		fmt.Println("No leads yet. Run with -sync first.")
		return nil
	}

	for _, lead := range view.Leads {
		fmt.Printf("%-20s %-8s %-15s %s\n", lead.ID, lead.Classification, lead.Status, lead.Subject)
	}
	if !view.LastUpdate.IsZero() {
		fmt.Printf("\nLast synced %s\n", view.LastUpdate.Local().Format(time.RFC822))
	}
	return nil
}

func (a *app) printUnreadCount(ctx context.Context) error {
	s, ok := a.sessions.Current()
	if !ok {
		return api.ErrSessionExpired
	}

	count, err := a.client.UnreadCount(ctx, s.ID)
	if err != nil {
		return fmt.Errorf("fetching unread count: %w", err)
	}
	fmt.Printf("%d unread\n", count)
	return nil
}

// reply looks the email up in the cached view so the reply threads correctly.
func (a *app) reply(ctx context.Context, emailID, body string) error {
	s, ok := a.sessions.Current()
	if !ok {
		return api.ErrSessionExpired
	}
	if body == "" {
		return fmt.Errorf("-reply requires -body")
	}

	view := a.cache.LoadView(ctx, s.ID)
	for _, email := range view.Emails {
		if email.ID == emailID {
			return a.lifecycle.Reply(ctx, email, body)
		}
	}
	return fmt.Errorf("email %s not found in the cached view", emailID)
}

// daemon paints the cached view, then runs the sync loop until interrupted
// or the session dies.
func (a *app) daemon(ctx context.Context) error {
	view, err := a.coord.Start(ctx)
	if err != nil {
		if errors.Is(err, api.ErrSessionExpired) {
			return fmt.Errorf("not signed in: run leadbox -login first")
		}
		return err
	}

	a.log.Info("leadbox running",
		"cached_leads", len(view.Leads),
		"poll_interval_sec", a.cfg.Sync.PollIntervalSec,
	)

	err = a.coord.Run(ctx)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	if errors.Is(err, api.ErrSessionExpired) {
		return fmt.Errorf("session expired: run leadbox -login to sign in again")
	}
	return err
}
