// Package api is a thin HTTP client for the leadbox backend. It handles
// JSON marshaling and maps the backend's failure modes onto the client's
// error taxonomy: 401 responses become ErrSessionExpired, other non-success
// responses become ServerError with the backend's detail message.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/jaano/leadbox/internal/model"
)

// Client talks to the leadbox backend.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient creates a backend client. The baseURL should be the root URL of
// the backend (e.g., http://localhost:8000).
func NewClient(baseURL string, timeout time.Duration) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

// AuthChallenge is the backend's response to a login request.
type AuthChallenge struct {
	AuthorizationURL string `json:"authorization_url"`
	State            string `json:"state"`
}

// SyncResponse is the backend's response to a pull sync. Messages are
// newest-first. NewAccessToken is set when the backend refreshed the
// provider token while serving the request.
type SyncResponse struct {
	Success        bool         `json:"success"`
	MessageCount   int          `json:"message_count"`
	Messages       []model.Lead `json:"messages"`
	NewAccessToken string       `json:"new_access_token,omitempty"`
}

type leadEnvelope struct {
	Lead model.Lead `json:"lead"`
}

type leadsEnvelope struct {
	Leads []model.Lead `json:"leads"`
}

type countEnvelope struct {
	Count int `json:"count"`
}

// LoginURL asks the backend for an authorization URL and opaque state.
func (c *Client) LoginURL(ctx context.Context) (*AuthChallenge, error) {
	var challenge AuthChallenge
	if err := c.do(ctx, http.MethodGet, "/auth/login", nil, nil, &challenge); err != nil {
		return nil, err
	}
	if challenge.AuthorizationURL == "" {
		return nil, fmt.Errorf("login response missing authorization URL")
	}
	return &challenge, nil
}

// Logout invalidates the session on the backend.
func (c *Client) Logout(ctx context.Context, sessionID string) error {
	q := url.Values{"session_id": {sessionID}}
	return c.do(ctx, http.MethodPost, "/auth/logout", q, nil, nil)
}

// Sync requests up to maxResults most-recent unread items, instructing the
// backend to also run lead analysis on newly seen messages.
func (c *Client) Sync(ctx context.Context, sessionID string, maxResults int) (*SyncResponse, error) {
	q := url.Values{
		"session_id":    {sessionID},
		"process_leads": {"true"},
		"max_results":   {strconv.Itoa(maxResults)},
	}

	var resp SyncResponse
	if err := c.do(ctx, http.MethodGet, "/gmail/sync", q, nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Leads fetches the session's full lead set.
func (c *Client) Leads(ctx context.Context, sessionID string) ([]model.Lead, error) {
	q := url.Values{"session_id": {sessionID}}

	var env leadsEnvelope
	if err := c.do(ctx, http.MethodGet, "/leads", q, nil, &env); err != nil {
		return nil, err
	}
	return env.Leads, nil
}

// SendLead asks the backend to send the lead's draft reply. The returned
// lead is the authoritative post-send state.
func (c *Client) SendLead(ctx context.Context, sessionID, leadID string) (*model.Lead, error) {
	body := map[string]string{"session_id": sessionID}

	var env leadEnvelope
	if err := c.do(ctx, http.MethodPost, "/leads/"+url.PathEscape(leadID)+"/send", nil, body, &env); err != nil {
		return nil, err
	}
	return &env.Lead, nil
}

// UpdateDraft patches the lead's draft subject and body server-side.
func (c *Client) UpdateDraft(ctx context.Context, sessionID, leadID, subject, body string) (*model.Lead, error) {
	payload := map[string]string{
		"session_id": sessionID,
		"subject":    subject,
		"body":       body,
	}

	var env leadEnvelope
	if err := c.do(ctx, http.MethodPut, "/leads/"+url.PathEscape(leadID)+"/draft", nil, payload, &env); err != nil {
		return nil, err
	}
	return &env.Lead, nil
}

// DismissLead transitions the lead to dismissed server-side.
func (c *Client) DismissLead(ctx context.Context, sessionID, leadID string) (*model.Lead, error) {
	q := url.Values{"session_id": {sessionID}}

	var env leadEnvelope
	if err := c.do(ctx, http.MethodPost, "/leads/"+url.PathEscape(leadID)+"/dismiss", q, nil, &env); err != nil {
		return nil, err
	}
	return &env.Lead, nil
}

// RegisterWatch registers the mailbox watch that feeds push notifications.
func (c *Client) RegisterWatch(ctx context.Context, sessionID, topicName string) error {
	body := map[string]string{
		"session_id": sessionID,
		"topic_name": topicName,
	}
	return c.do(ctx, http.MethodPost, "/gmail/watch", nil, body, nil)
}

// UnreadCount returns the mailbox's unread message count.
func (c *Client) UnreadCount(ctx context.Context, sessionID string) (int, error) {
	q := url.Values{"session_id": {sessionID}}

	var env countEnvelope
	if err := c.do(ctx, http.MethodGet, "/gmail/unread-count", q, nil, &env); err != nil {
		return 0, err
	}
	return env.Count, nil
}

// MarkRead marks a single message as read in the mailbox.
func (c *Client) MarkRead(ctx context.Context, sessionID, messageID string) error {
	body := map[string]string{
		"session_id": sessionID,
		"message_id": messageID,
	}
	return c.do(ctx, http.MethodPost, "/gmail/mark-read", nil, body, nil)
}

// ReplyRequest carries a threaded reply to a plain email.
type ReplyRequest struct {
	To                 string `json:"to"`
	Subject            string `json:"subject"`
	Message            string `json:"message"`
	ThreadID           string `json:"thread_id"`
	InReplyToMessageID string `json:"in_reply_to_message_id"`
	SessionID          string `json:"session_id"`
}

// SendReply sends a threaded reply to a plain email.
func (c *Client) SendReply(ctx context.Context, reply ReplyRequest) error {
	return c.do(ctx, http.MethodPost, "/gmail/send-reply", nil, reply, nil)
}

// do is the core HTTP method that builds the request and handles JSON
// (de)serialization and error mapping.
func (c *Client) do(
	ctx context.Context,
	method string,
	path string,
	query url.Values,
	body interface{},
	result interface{},
) error {
	reqURL := c.baseURL + path
	if len(query) > 0 {
		reqURL += "?" + query.Encode()
	}

	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshaling request body: %w", err)
		}
		bodyReader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, reqURL, bodyReader)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}

	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("executing request %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	respBody, readErr := io.ReadAll(resp.Body)
	if readErr != nil {
		return fmt.Errorf("reading response body: %w", readErr)
	}

	if resp.StatusCode == http.StatusUnauthorized {
		return fmt.Errorf("%s %s: %w", method, path, ErrSessionExpired)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var detail struct {
			Detail string `json:"detail"`
		}
		_ = json.Unmarshal(respBody, &detail)
		return &ServerError{StatusCode: resp.StatusCode, Detail: detail.Detail}
	}

	if result == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}

	if err := json.Unmarshal(respBody, result); err != nil {
		return fmt.Errorf("unmarshaling response from %s %s: %w", method, path, err)
	}

	return nil
}
