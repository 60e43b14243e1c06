package model

import (
	"strings"
	"time"
)

// Classification is the AI-assigned temperature of a lead.
type Classification string

const (
	ClassificationHot     Classification = "hot"
	ClassificationWarm    Classification = "warm"
	ClassificationCold    Classification = "cold"
	ClassificationUnknown Classification = "unknown"
)

// LeadStatus tracks a lead through its reply workflow. Transitions are
// monotonic: once sent or dismissed, a lead never returns to pending review.
type LeadStatus string

const (
	StatusPendingReview LeadStatus = "pending_review"
	StatusSent          LeadStatus = "sent"
	StatusDismissed     LeadStatus = "dismissed"
)

// Terminal reports whether the status admits no further transitions.
func (s LeadStatus) Terminal() bool {
	return s == StatusSent || s == StatusDismissed
}

// NormalizeClassification folds arbitrary server-sent classification strings
// ("Hot", "WARM", ...) into the known constant set.
func NormalizeClassification(raw string) Classification {
	switch Classification(strings.ToLower(raw)) {
	case ClassificationHot:
		return ClassificationHot
	case ClassificationWarm:
		return ClassificationWarm
	case ClassificationCold:
		return ClassificationCold
	default:
		return ClassificationUnknown
	}
}

// Draft holds the AI-prepared reply attached to a lead.
type Draft struct {
	To      string `json:"to"`
	Subject string `json:"subject"`
	Body    string `json:"body"`
}

// Lead is a classified inbound email with an associated reply workflow.
// The backend assigns the ID; it is unique within a session's lead set.
type Lead struct {
	// ID is the stable, provider-assigned identifier.
	ID string `json:"id"`

	// Sender is the From header of the originating email.
	Sender string `json:"sender"`

	// Subject is the subject line of the originating email.
	Subject string `json:"subject"`

	// Snippet is a short plain-text preview of the email body.
	Snippet string `json:"snippet"`

	// Classification is the AI temperature: hot, warm, cold, or unknown.
	Classification Classification `json:"classification"`

	// Confidence is the classifier's confidence in [0, 1].
	Confidence float64 `json:"confidence"`

	// Reasoning is the classifier's free-text justification.
	Reasoning string `json:"reasoning"`

	// Status is the reply-workflow state (use Status* constants).
	Status LeadStatus `json:"status"`

	// Draft is the prepared reply, nil when none exists yet.
	Draft *Draft `json:"draft,omitempty"`

	// CreatedAt is when the lead was produced by the backend.
	CreatedAt time.Time `json:"created_at"`
}
