package lifecycle

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/99designs/keyring"

	"github.com/jaano/leadbox/internal/api"
	"github.com/jaano/leadbox/internal/cache"
	"github.com/jaano/leadbox/internal/credential"
	"github.com/jaano/leadbox/internal/model"
	"github.com/jaano/leadbox/internal/status"
)

type fakeBackend struct {
	sendResp    *model.Lead
	sendErr     error
	sendCalls   []string
	draftResp   *model.Lead
	draftErr    error
	dismissResp *model.Lead
	dismissErr  error
	markedRead  []string
	markReadErr error
	replies     []api.ReplyRequest
	replyErr    error
}

func (f *fakeBackend) SendLead(ctx context.Context, sessionID, leadID string) (*model.Lead, error) {
	_ = ctx
	_ = sessionID
	f.sendCalls = append(f.sendCalls, leadID)
	return f.sendResp, f.sendErr
}

func (f *fakeBackend) UpdateDraft(ctx context.Context, sessionID, leadID, subject, body string) (*model.Lead, error) {
	_ = ctx
	_ = sessionID
	_ = leadID
	_ = subject
	_ = body
	return f.draftResp, f.draftErr
}

func (f *fakeBackend) DismissLead(ctx context.Context, sessionID, leadID string) (*model.Lead, error) {
	_ = ctx
	_ = sessionID
	_ = leadID
	return f.dismissResp, f.dismissErr
}

func (f *fakeBackend) MarkRead(ctx context.Context, sessionID, messageID string) error {
	_ = ctx
	_ = sessionID
	f.markedRead = append(f.markedRead, messageID)
	return f.markReadErr
}

func (f *fakeBackend) SendReply(ctx context.Context, reply api.ReplyRequest) error {
	_ = ctx
	f.replies = append(f.replies, reply)
	return f.replyErr
}

type fixture struct {
	svc     *Service
	creds   *credential.Store
	cache   *cache.Store
	backend *fakeBackend
	status  *status.Reporter
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	log := slog.New(slog.NewTextHandler(io.Discard, nil))

	cacheStore, err := cache.NewStore(":memory:", log)
	if err != nil {
		t.Fatalf("creating cache store: %v", err)
	}
	t.Cleanup(func() { cacheStore.Close() })

	creds := credential.NewStore(keyring.NewArrayKeyring(nil))
	if err := creds.Set(credential.FieldSessionID, "sess-1", 7); err != nil {
		t.Fatalf("storing session: %v", err)
	}

	backend := &fakeBackend{}
	reporter := status.NewReporter(time.Minute)
	t.Cleanup(reporter.Close)

	return &fixture{
		svc:     NewService(creds, cacheStore, backend, reporter, log),
		creds:   creds,
		cache:   cacheStore,
		backend: backend,
		status:  reporter,
	}
}

func (f *fixture) seedLead(t *testing.T, lead model.Lead) {
	t.Helper()
	if _, err := f.cache.InsertIfAbsent(context.Background(), "sess-1", lead); err != nil {
		t.Fatalf("seeding lead: %v", err)
	}
}

func pendingLead(id string) model.Lead {
	return model.Lead{
		ID:             id,
		Sender:         "alice@example.com",
		Subject:        "Pricing question",
		Classification: model.ClassificationHot,
		Status:         model.StatusPendingReview,
		Draft:          &model.Draft{To: "alice@example.com", Subject: "Re: Pricing question", Body: "Hi"},
		CreatedAt:      time.Now(),
	}
}

func TestSendAppliesServerEcho(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.seedLead(t, pendingLead("l1"))
	echoed := pendingLead("l1")
	echoed.Status = model.StatusSent
	f.backend.sendResp = &echoed

	if err := f.svc.Send(ctx, "l1"); err != nil {
		t.Fatalf("Send: %v", err)
	}

	got, err := f.cache.GetLead(ctx, "sess-1", "l1")
	if err != nil {
		t.Fatalf("GetLead: %v", err)
	}
	if got == nil || got.Status != model.StatusSent {
		t.Errorf("cached lead = %+v, want status sent", got)
	}

	msg, ok := f.status.Current()
	if !ok || msg.Level != status.Success {
		t.Errorf("status = %+v, %v; want success", msg, ok)
	}
}

func TestSendSkipsTerminalLead(t *testing.T) {
	f := newFixture(t)

	lead := pendingLead("l1")
	lead.Status = model.StatusDismissed
	f.seedLead(t, lead)

	if err := f.svc.Send(context.Background(), "l1"); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if len(f.backend.sendCalls) != 0 {
		t.Errorf("terminal lead reached the backend: %v", f.backend.sendCalls)
	}
}

func TestSendFailureSurfacesServerDetailAndKeepsCache(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.seedLead(t, pendingLead("l1"))
	f.backend.sendErr = &api.ServerError{StatusCode: 400, Detail: "No draft to send"}

	if err := f.svc.Send(ctx, "l1"); err == nil {
		t.Fatalf("expected error")
	}

	got, err := f.cache.GetLead(ctx, "sess-1", "l1")
	if err != nil {
		t.Fatalf("GetLead: %v", err)
	}
	if got == nil || got.Status != model.StatusPendingReview {
		t.Errorf("cached lead mutated on failure: %+v", got)
	}

	msg, ok := f.status.Current()
	if !ok || msg.Level != status.Error {
		t.Fatalf("status = %+v, %v; want error", msg, ok)
	}
	if msg.Text != "No draft to send" {
		t.Errorf("status text = %q, want the server's detail verbatim", msg.Text)
	}
}

func TestSendTransportFailureGetsGenericMessage(t *testing.T) {
	f := newFixture(t)

	f.seedLead(t, pendingLead("l1"))
	f.backend.sendErr = errors.New("dial tcp 127.0.0.1:8000: connect: connection refused")

	if err := f.svc.Send(context.Background(), "l1"); err == nil {
		t.Fatalf("expected error")
	}

	// A raw transport error gets the generic wording, never the error text.
	msg, ok := f.status.Current()
	if !ok || msg.Level != status.Error {
		t.Fatalf("status = %+v, %v; want error", msg, ok)
	}
	if msg.Text != "Failed to send email. Please try again." {
		t.Errorf("status text = %q, want the generic fallback", msg.Text)
	}
}

func TestSendWithoutSessionIsNoOp(t *testing.T) {
	f := newFixture(t)
	if err := f.creds.Clear(credential.FieldSessionID); err != nil {
		t.Fatalf("clearing session: %v", err)
	}

	if err := f.svc.Send(context.Background(), "l1"); err != nil {
		t.Errorf("err = %v, want nil for a signed-out send", err)
	}
	if len(f.backend.sendCalls) != 0 {
		t.Errorf("send should not reach the backend without a session")
	}
	if msg, ok := f.status.Current(); ok {
		t.Errorf("signed-out send produced a status: %+v", msg)
	}
}

func TestUpdateDraftReconcilesEcho(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.seedLead(t, pendingLead("l1"))

	echoed := pendingLead("l1")
	echoed.Draft = &model.Draft{To: "alice@example.com", Subject: "New subject", Body: "New body"}
	f.backend.draftResp = &echoed

	if err := f.svc.UpdateDraft(ctx, "l1", "New subject", "New body"); err != nil {
		t.Fatalf("UpdateDraft: %v", err)
	}

	got, err := f.cache.GetLead(ctx, "sess-1", "l1")
	if err != nil {
		t.Fatalf("GetLead: %v", err)
	}
	if got == nil || got.Draft == nil || got.Draft.Subject != "New subject" {
		t.Errorf("cached draft = %+v", got)
	}
}

func TestDismissAppliesServerEcho(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.seedLead(t, pendingLead("l1"))
	echoed := pendingLead("l1")
	echoed.Status = model.StatusDismissed
	f.backend.dismissResp = &echoed

	if err := f.svc.Dismiss(ctx, "l1"); err != nil {
		t.Fatalf("Dismiss: %v", err)
	}

	got, err := f.cache.GetLead(ctx, "sess-1", "l1")
	if err != nil {
		t.Fatalf("GetLead: %v", err)
	}
	if got == nil || got.Status != model.StatusDismissed {
		t.Errorf("cached lead = %+v, want status dismissed", got)
	}
}

func TestEchoPreservesCachePosition(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.seedLead(t, pendingLead("old"))
	f.seedLead(t, pendingLead("new"))

	echoed := pendingLead("old")
	echoed.Status = model.StatusSent
	f.backend.sendResp = &echoed

	if err := f.svc.Send(ctx, "old"); err != nil {
		t.Fatalf("Send: %v", err)
	}

	view := f.cache.LoadView(ctx, "sess-1")
	if len(view.Leads) != 2 || view.Leads[0].ID != "new" || view.Leads[1].ID != "old" {
		t.Errorf("order after echo = %+v, want new before old", view.Leads)
	}
}

func TestMarkEmailReadRemovesFromCache(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	email := model.Email{ID: "m1", From: "bob@example.com", Subject: "Hello", IsUnread: true}
	if _, err := f.cache.InsertEmailIfAbsent(ctx, "sess-1", email); err != nil {
		t.Fatalf("seeding email: %v", err)
	}

	if err := f.svc.MarkEmailRead(ctx, "m1"); err != nil {
		t.Fatalf("MarkEmailRead: %v", err)
	}

	if len(f.backend.markedRead) != 1 || f.backend.markedRead[0] != "m1" {
		t.Errorf("marked read = %v", f.backend.markedRead)
	}
	if view := f.cache.LoadView(ctx, "sess-1"); len(view.Emails) != 0 {
		t.Errorf("email survived mark-read: %+v", view.Emails)
	}
}

func TestReplyThreadsAndPrefixesSubject(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	email := model.Email{ID: "m1", ThreadID: "t1", From: "bob@example.com", Subject: "Question"}
	if _, err := f.cache.InsertEmailIfAbsent(ctx, "sess-1", email); err != nil {
		t.Fatalf("seeding email: %v", err)
	}

	if err := f.svc.Reply(ctx, email, "Answer"); err != nil {
		t.Fatalf("Reply: %v", err)
	}

	if len(f.backend.replies) != 1 {
		t.Fatalf("replies = %v", f.backend.replies)
	}
	reply := f.backend.replies[0]
	if reply.Subject != "Re: Question" {
		t.Errorf("subject = %q", reply.Subject)
	}
	if reply.To != "bob@example.com" || reply.ThreadID != "t1" || reply.InReplyToMessageID != "m1" {
		t.Errorf("reply = %+v", reply)
	}
	if view := f.cache.LoadView(ctx, "sess-1"); len(view.Emails) != 0 {
		t.Errorf("email survived reply: %+v", view.Emails)
	}
}

func TestReplyKeepsExistingRePrefix(t *testing.T) {
	f := newFixture(t)

	email := model.Email{ID: "m1", From: "bob@example.com", Subject: "RE: Question"}
	if err := f.svc.Reply(context.Background(), email, "Answer"); err != nil {
		t.Fatalf("Reply: %v", err)
	}

	if got := f.backend.replies[0].Subject; got != "RE: Question" {
		t.Errorf("subject = %q, want prefix untouched", got)
	}
}
