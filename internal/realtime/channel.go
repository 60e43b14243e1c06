// Package realtime maintains the single live subscription to server-pushed
// events for the active session. The transport is the backend's SSE endpoint;
// the channel never reconnects on its own — the sync coordinator decides
// whether and when to re-arm, since reconnecting a dead session is wasted
// work.
package realtime

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/jaano/leadbox/internal/model"
)

// State is the channel's connection state.
type State int

const (
	Disconnected State = iota
	Connecting
	Connected
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	default:
		return "disconnected"
	}
}

// EventType tags a pushed event.
type EventType string

const (
	// EventNewLead carries a fully materialized lead.
	EventNewLead EventType = "new_lead"

	// EventNewEmail is the degraded fallback signal: something arrived, but
	// the integration could not push the full payload.
	EventNewEmail EventType = "new_email"
)

// Event is a single server-pushed notification. Events are transient: they
// trigger a cache mutation or a re-pull, never persistence.
type Event struct {
	Type EventType   `json:"type"`
	Lead *model.Lead `json:"lead,omitempty"`
}

// Handler receives parsed events. It runs on the channel's reader goroutine.
type Handler func(Event)

// Channel is a single live event subscription. Exactly one may be open at a
// time: Open tears down any prior subscription first.
type Channel struct {
	baseURL string
	log     *slog.Logger

	// httpClient carries no overall timeout: the stream is long-lived.
	httpClient *http.Client

	mu     sync.Mutex
	state  State
	cancel context.CancelFunc

	// gen guards state transitions from stale reader goroutines.
	gen int
}

// NewChannel creates a channel for the backend at baseURL.
func NewChannel(baseURL string, log *slog.Logger) *Channel {
	return &Channel{
		baseURL:    strings.TrimRight(baseURL, "/"),
		log:        log,
		httpClient: &http.Client{},
	}
}

// State returns the current connection state.
func (c *Channel) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Open subscribes to the session's event stream and dispatches parsed events
// to handler. Any previously open subscription, for this or another session,
// is closed first so events are never delivered twice.
func (c *Channel) Open(ctx context.Context, sessionID string, handler Handler) error {
	c.Close()

	streamCtx, cancel := context.WithCancel(ctx)

	c.mu.Lock()
	c.state = Connecting
	c.cancel = cancel
	c.gen++
	gen := c.gen
	c.mu.Unlock()

	q := url.Values{"session_id": {sessionID}}
	req, err := http.NewRequestWithContext(
		streamCtx, http.MethodGet, c.baseURL+"/events?"+q.Encode(), nil,
	)
	if err != nil {
		c.disconnect(gen)
		return fmt.Errorf("creating event stream request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.disconnect(gen)
		return fmt.Errorf("opening event stream: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		c.disconnect(gen)
		return fmt.Errorf("event stream returned status %d", resp.StatusCode)
	}

	c.mu.Lock()
	// Close raced with the connect; drop the stream instead of resurrecting.
	if c.gen != gen {
		c.mu.Unlock()
		resp.Body.Close()
		return fmt.Errorf("channel closed during connect")
	}
	c.state = Connected
	c.mu.Unlock()

	go c.readLoop(gen, resp.Body, handler)

	return nil
}

// Close tears down the subscription. It is idempotent and safe to call from
// any state, including while a connect is in flight.
func (c *Channel) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	c.state = Disconnected
	c.gen++
}

// disconnect marks the channel disconnected unless a newer Open superseded
// the given generation.
func (c *Channel) disconnect(gen int) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.gen != gen {
		return
	}
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	c.state = Disconnected
}

// readLoop consumes SSE frames until the stream breaks. Malformed frames are
// dropped and logged; they never bring the channel down.
func (c *Channel) readLoop(gen int, body io.ReadCloser, handler Handler) {
	defer body.Close()
	defer c.disconnect(gen)

	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	var data strings.Builder
	for scanner.Scan() {
		line := scanner.Text()

		switch {
		case strings.HasPrefix(line, "data:"):
			if data.Len() > 0 {
				data.WriteByte('\n')
			}
			data.WriteString(strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
		case line == "":
			if data.Len() > 0 {
				c.dispatch(data.String(), handler)
				data.Reset()
			}
		default:
			// Comments and unknown SSE fields (event:, id:, retry:) are
			// ignored; only data frames carry payloads here.
		}
	}

	if err := scanner.Err(); err != nil && !isClosedErr(err) {
		c.log.Warn("event stream broke", "error", err)
	}
}

// dispatch parses one frame and hands it to the handler.
func (c *Channel) dispatch(payload string, handler Handler) {
	var ev Event
	if err := json.Unmarshal([]byte(payload), &ev); err != nil {
		c.log.Warn("dropping malformed push message", "error", err)
		return
	}
	if ev.Type != EventNewLead && ev.Type != EventNewEmail {
		c.log.Warn("dropping push message with unknown type", "type", ev.Type)
		return
	}
	handler(ev)
}

// isClosedErr reports whether the error is the expected teardown error from
// cancelling the stream context.
func isClosedErr(err error) bool {
	return errors.Is(err, context.Canceled) ||
		strings.Contains(err.Error(), "use of closed network connection")
}
