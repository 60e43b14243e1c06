// Package status holds the transient, user-visible status line. Messages are
// never modal: each one replaces the previous and expires on its own after a
// fixed TTL, via a cancellable timer rather than a fire-and-forget one.
package status

import (
	"fmt"
	"sync"
	"time"
)

// Level classifies a status message.
type Level int

const (
	Info Level = iota
	Success
	Error
)

func (l Level) String() string {
	switch l {
	case Success:
		return "success"
	case Error:
		return "error"
	default:
		return "info"
	}
}

// Message is a single transient status line.
type Message struct {
	Text  string
	Level Level
}

// Reporter holds the current status message and expires it after a TTL.
type Reporter struct {
	ttl      time.Duration
	listener func(Message)

	mu      sync.Mutex
	current *Message
	timer   *time.Timer
	closed  bool
}

// NewReporter creates a reporter whose messages expire after ttl.
func NewReporter(ttl time.Duration) *Reporter {
	return &Reporter{ttl: ttl}
}

// SetListener registers a callback invoked on every publish. Set it before
// the reporter is shared across goroutines.
func (r *Reporter) SetListener(fn func(Message)) {
	r.listener = fn
}

// Infof publishes an informational message.
func (r *Reporter) Infof(format string, args ...interface{}) {
	r.publish(Info, fmt.Sprintf(format, args...))
}

// Successf publishes a success message.
func (r *Reporter) Successf(format string, args ...interface{}) {
	r.publish(Success, fmt.Sprintf(format, args...))
}

// Errorf publishes a recoverable, user-visible error message.
func (r *Reporter) Errorf(format string, args ...interface{}) {
	r.publish(Error, fmt.Sprintf(format, args...))
}

func (r *Reporter) publish(level Level, text string) {
	msg := Message{Text: text, Level: level}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}

	r.current = &msg
	if r.timer != nil {
		r.timer.Stop()
	}
	if r.ttl > 0 {
		r.timer = time.AfterFunc(r.ttl, r.Clear)
	}
	listener := r.listener
	r.mu.Unlock()

	if listener != nil {
		listener(msg)
	}
}

// Current returns the active message, if any has not yet expired.
func (r *Reporter) Current() (Message, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.current == nil {
		return Message{}, false
	}
	return *r.current, true
}

// Clear drops the active message immediately.
func (r *Reporter) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.current = nil
	if r.timer != nil {
		r.timer.Stop()
		r.timer = nil
	}
}

// Close clears the message and cancels the pending expiry; further publishes
// are ignored. Tie this to the consuming view's teardown.
func (r *Reporter) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.closed = true
	r.current = nil
	if r.timer != nil {
		r.timer.Stop()
		r.timer = nil
	}
}
