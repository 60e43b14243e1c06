package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/jaano/leadbox/internal/model"
)

func newTestClient(t *testing.T, handler http.Handler) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewClient(srv.URL, 5*time.Second)
}

func TestSyncSendsQueryParams(t *testing.T) {
	var gotPath, gotSession, gotMax, gotProcess string

	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotSession = r.URL.Query().Get("session_id")
		gotMax = r.URL.Query().Get("max_results")
		gotProcess = r.URL.Query().Get("process_leads")
		json.NewEncoder(w).Encode(SyncResponse{
			Success:  true,
			Messages: []model.Lead{{ID: "a"}, {ID: "b"}},
		})
	}))

	resp, err := c.Sync(context.Background(), "sess-1", 10)
	if err != nil {
		t.Fatalf("Sync: %v", err)
	}

	if gotPath != "/gmail/sync" {
		t.Errorf("path = %q", gotPath)
	}
	if gotSession != "sess-1" || gotMax != "10" || gotProcess != "true" {
		t.Errorf("query = session %q, max %q, process %q", gotSession, gotMax, gotProcess)
	}
	if len(resp.Messages) != 2 {
		t.Errorf("messages = %d, want 2", len(resp.Messages))
	}
}

func TestSyncCarriesRefreshedToken(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(SyncResponse{Success: true, NewAccessToken: "tok-2"})
	}))

	resp, err := c.Sync(context.Background(), "sess-1", 10)
	if err != nil {
		t.Fatalf("Sync: %v", err)
	}
	if resp.NewAccessToken != "tok-2" {
		t.Errorf("NewAccessToken = %q, want tok-2", resp.NewAccessToken)
	}
}

func TestUnauthorizedMapsToSessionExpired(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"detail": "Token expired. Please login again."}`, http.StatusUnauthorized)
	}))

	_, err := c.Sync(context.Background(), "sess-1", 10)
	if !errors.Is(err, ErrSessionExpired) {
		t.Errorf("err = %v, want ErrSessionExpired", err)
	}
}

func TestServerRejectionCarriesDetail(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		json.NewEncoder(w).Encode(map[string]string{"detail": "no draft to send"})
	}))

	_, err := c.SendLead(context.Background(), "sess-1", "lead-1")
	if err == nil {
		t.Fatalf("expected error")
	}

	var serverErr *ServerError
	if !errors.As(err, &serverErr) {
		t.Fatalf("err = %T, want *ServerError", err)
	}
	if serverErr.Detail != "no draft to send" {
		t.Errorf("detail = %q", serverErr.Detail)
	}
	if Detail(err) != "no draft to send" {
		t.Errorf("Detail(err) = %q", Detail(err))
	}
}

func TestDetailEmptyForTransportErrors(t *testing.T) {
	if got := Detail(errors.New("dial tcp: connection refused")); got != "" {
		t.Errorf("Detail = %q, want empty for a non-server error", got)
	}

	wrapped := fmt.Errorf("executing request: %w", errors.New("connection reset"))
	if got := Detail(wrapped); got != "" {
		t.Errorf("Detail = %q, want empty for a wrapped transport error", got)
	}
}

func TestSendLeadReturnsAuthoritativeEcho(t *testing.T) {
	var gotMethod, gotPath string
	var gotBody map[string]string

	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		gotPath = r.URL.Path
		json.NewDecoder(r.Body).Decode(&gotBody)
		json.NewEncoder(w).Encode(map[string]model.Lead{
			"lead": {ID: "lead-1", Status: model.StatusSent},
		})
	}))

	lead, err := c.SendLead(context.Background(), "sess-1", "lead-1")
	if err != nil {
		t.Fatalf("SendLead: %v", err)
	}

	if gotMethod != http.MethodPost || gotPath != "/leads/lead-1/send" {
		t.Errorf("request = %s %s", gotMethod, gotPath)
	}
	if gotBody["session_id"] != "sess-1" {
		t.Errorf("body session_id = %q", gotBody["session_id"])
	}
	if lead.Status != model.StatusSent {
		t.Errorf("status = %s, want sent", lead.Status)
	}
}

func TestUpdateDraft(t *testing.T) {
	var gotMethod string
	var gotBody map[string]string

	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		json.NewDecoder(r.Body).Decode(&gotBody)
		json.NewEncoder(w).Encode(map[string]model.Lead{
			"lead": {
				ID:     "lead-1",
				Status: model.StatusPendingReview,
				Draft:  &model.Draft{Subject: gotBody["subject"], Body: gotBody["body"]},
			},
		})
	}))

	lead, err := c.UpdateDraft(context.Background(), "sess-1", "lead-1", "New subject", "New body")
	if err != nil {
		t.Fatalf("UpdateDraft: %v", err)
	}

	if gotMethod != http.MethodPut {
		t.Errorf("method = %s, want PUT", gotMethod)
	}
	if lead.Draft == nil || lead.Draft.Subject != "New subject" {
		t.Errorf("draft = %+v", lead.Draft)
	}
	if lead.Status != model.StatusPendingReview {
		t.Errorf("draft update changed status to %s", lead.Status)
	}
}

func TestDismissLeadUsesQuerySession(t *testing.T) {
	var gotQuery string

	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.Query().Get("session_id")
		json.NewEncoder(w).Encode(map[string]model.Lead{
			"lead": {ID: "lead-1", Status: model.StatusDismissed},
		})
	}))

	lead, err := c.DismissLead(context.Background(), "sess-1", "lead-1")
	if err != nil {
		t.Fatalf("DismissLead: %v", err)
	}
	if gotQuery != "sess-1" {
		t.Errorf("session_id query = %q", gotQuery)
	}
	if lead.Status != model.StatusDismissed {
		t.Errorf("status = %s, want dismissed", lead.Status)
	}
}

func TestNetworkFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	c := NewClient(srv.URL, 5*time.Second)
	srv.Close()

	_, err := c.Sync(context.Background(), "sess-1", 10)
	if err == nil {
		t.Fatalf("expected transport error")
	}
	if errors.Is(err, ErrSessionExpired) {
		t.Errorf("transport failure misclassified as session expiry")
	}
}
