package audit

import (
	"errors"
	"time"
)

var (
	ErrNotFound        = errors.New("audit: not found")
	ErrInvalidArgument = errors.New("audit: invalid argument")
	ErrUnavailable     = errors.New("audit: store unavailable")
)

// Outcome is the terminal state of the action being recorded.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailure Outcome = "failure"
	// OutcomeForbidden marks a denied authorization or rate-limit attempt,
	// one of the suspicion heuristics.
	OutcomeForbidden Outcome = "forbidden"
)

// Event is the input to the recorder: what happened, to what, with which
// request/response snapshots. Bodies are redacted before persistence.
type Event struct {
	ActorID       string
	WalletAddress string
	Action        string
	Category      string
	ResourceType  string
	ResourceID    string
	Outcome       Outcome
	Message       string
	RequestBody   any
	ResponseBody  any
	Origin        string
	Duration      time.Duration
	Metadata      map[string]any
}

// Record is the immutable persisted form. The review sub-fields are the only
// mutation allowed after the append, set once by a reviewer.
type Record struct {
	ID            string         `json:"id"`
	OccurredAt    time.Time      `json:"occurred_at"`
	ActorID       string         `json:"actor_id"`
	WalletAddress string         `json:"wallet_address,omitempty"`
	Action        string         `json:"action"`
	Category      string         `json:"category"`
	ResourceType  string         `json:"resource_type,omitempty"`
	ResourceID    string         `json:"resource_id,omitempty"`
	Outcome       Outcome        `json:"outcome"`
	Message       string         `json:"message,omitempty"`
	RequestBody   any            `json:"request_body,omitempty"`
	ResponseBody  any            `json:"response_body,omitempty"`
	Origin        string         `json:"origin,omitempty"`
	DurationMS    int64          `json:"duration_ms"`
	Metadata      map[string]any `json:"metadata,omitempty"`

	IsCritical      bool   `json:"is_critical"`
	IsSuspicious    bool   `json:"is_suspicious"`
	SuspicionReason string `json:"suspicion_reason,omitempty"`
	RequiresReview  bool   `json:"requires_review"`

	ReviewedBy  string    `json:"reviewed_by,omitempty"`
	ReviewedAt  time.Time `json:"reviewed_at,omitempty"`
	ReviewNotes string    `json:"review_notes,omitempty"`
}

// WithoutBodies strips request/response snapshots for self-service listings.
func (r Record) WithoutBodies() Record {
	r.RequestBody = nil
	r.ResponseBody = nil
	return r
}

// CategoryCount is one aggregate bucket of records per category and outcome
// over a time range.
type CategoryCount struct {
	Category string  `json:"category"`
	Outcome  Outcome `json:"outcome"`
	Count    int64   `json:"count"`
}
