package ingest

import (
	"time"

	"github.com/ignite/event-intake/internal/normalize"
)

// Status classifies the outcome of one ingestion request.
type Status string

const (
	StatusCreated   Status = "created"
	StatusDuplicate Status = "duplicate"
	StatusInvalid   Status = "invalid"
	StatusError     Status = "error"
)

// Result is the contract returned to callers. Duplicate is success-shaped
// (idempotent), invalid is a permanent client error for that exact
// payload, error is always retryable.
type Result struct {
	Status            Status                    `json:"status"`
	Fingerprint       string                    `json:"fingerprint"`
	RawEventID        int64                     `json:"raw_event_id,omitempty"`
	NormalizedEventID int64                     `json:"normalized_event_id,omitempty"`
	ReceivedAt        *time.Time                `json:"received_at,omitempty"`
	Canonical         *normalize.CanonicalEvent `json:"canonical,omitempty"`
	Errors            []normalize.FieldError    `json:"errors,omitempty"`
	Warnings          []string                  `json:"warnings,omitempty"`
	Retryable         bool                      `json:"retryable,omitempty"`
	Message           string                    `json:"message,omitempty"`
}
