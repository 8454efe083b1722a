// Package ingest implements the idempotent ingestion pipeline: duplicate
// detection by content fingerprint, atomic two-table persistence with
// rollback, and the orchestration that turns outcomes into a result
// contract.
package ingest

import (
	"context"
	"errors"
	"time"

	"github.com/ignite/event-intake/internal/normalize"
)

// ErrFingerprintExists is returned by PersistAtomic and the raw insert
// when the storage uniqueness constraint reports the fingerprint already
// claimed. The constraint is the final arbiter of exactly-once raw
// storage even when the earlier duplicate check raced.
var ErrFingerprintExists = errors.New("fingerprint already exists")

// errInjectedFault is the synthetic mid-transaction failure raised when
// the caller sets the inject-fault test flag.
var errInjectedFault = errors.New("injected fault before commit")

// Event status and failure categories persisted to storage.
const (
	StatusProcessed = "processed"

	CategoryValidation  = "validation"
	CategoryPersistence = "persistence"
)

// RawEvent is the immutable record of a unique payload: created once per
// fingerprint, never mutated, never deleted.
type RawEvent struct {
	ID          int64
	Fingerprint string
	Payload     []byte
	ReceivedAt  time.Time
}

// NormalizedEvent is the canonical row written only when normalization
// succeeded and the atomic write committed. At most one per RawEvent.
type NormalizedEvent struct {
	ID         int64
	RawEventID int64
	Client     string
	Metric     string
	Amount     float64
	EventTime  time.Time
	Status     string
}

// FailedEvent records a normalization or persistence failure. RawEventID
// is nil when even the raw insert never committed.
type FailedEvent struct {
	ID          int64
	RawEventID  *int64
	Fingerprint string
	Payload     []byte
	Error       string
	Category    string
}

// LogEntry is an append-only audit record. It is written, never read by
// the pipeline.
type LogEntry struct {
	Fingerprint string    `json:"fingerprint"`
	RequestID   string    `json:"request_id,omitempty"`
	Action      string    `json:"action"`
	Outcome     string    `json:"outcome"`
	Message     string    `json:"message,omitempty"`
	At          time.Time `json:"at"`
}

// ExistingRecord is what the duplicate detector reports on a fingerprint
// hit. Canonical is nil when only a RawEvent exists (a previous attempt
// failed validation or rolled back after recording the raw payload);
// FailureCategory then carries the most recent recorded failure, if any,
// so the orchestrator can tell a permanent validation failure from an
// interrupted persist.
type ExistingRecord struct {
	RawEventID      int64
	ReceivedAt      time.Time
	Canonical       *normalize.CanonicalEvent
	FailureCategory string
}

// Store is the capability set the pipeline needs from storage:
// lookup-by-fingerprint, insert-if-absent, and the atomic two-step
// write. Failure records and log entries ride on the same handle.
type Store interface {
	// FindByFingerprint returns nil, nil when no raw event exists.
	FindByFingerprint(ctx context.Context, fingerprint string) (*ExistingRecord, error)

	// InsertRawIfAbsent stores a raw event unless the fingerprint is
	// already claimed, in which case it reports the existing row as a
	// no-op (inserted=false), never an error.
	InsertRawIfAbsent(ctx context.Context, fingerprint string, payload []byte, receivedAt time.Time) (id int64, inserted bool, err error)

	// PersistAtomic inserts the RawEvent and its NormalizedEvent as one
	// atomic unit. A raw row left behind by an earlier interrupted
	// attempt is reused rather than re-inserted, so a retry completes
	// with exactly one normalized row. On any failure, including an
	// injected fault, storage is left exactly as before the call. A
	// fingerprint that is already fully processed, or that a concurrent
	// writer claims mid-flight, surfaces as ErrFingerprintExists.
	PersistAtomic(ctx context.Context, fingerprint string, payload []byte, canonical *normalize.CanonicalEvent, receivedAt time.Time, injectFault bool) (rawID, normalizedID int64, err error)

	InsertFailed(ctx context.Context, failed FailedEvent) error

	AppendLog(ctx context.Context, entry LogEntry) error
}

// EventFilter narrows the read-only normalized event listing.
type EventFilter struct {
	Client string
	Status string
	From   time.Time
	To     time.Time
	Limit  int
	Offset int
}

// NormalizedEventView is a joined row for the read-only listing surface.
type NormalizedEventView struct {
	ID          int64     `json:"id"`
	RawEventID  int64     `json:"raw_event_id"`
	Fingerprint string    `json:"fingerprint"`
	Client      string    `json:"client_id"`
	Metric      string    `json:"metric"`
	Amount      float64   `json:"amount"`
	EventTime   string    `json:"event_time"`
	Status      string    `json:"status"`
	ReceivedAt  time.Time `json:"received_at"`
}

// FailedEventView is a row for the read-only failure listing.
type FailedEventView struct {
	ID          int64     `json:"id"`
	RawEventID  *int64    `json:"raw_event_id,omitempty"`
	Fingerprint string    `json:"fingerprint"`
	Error       string    `json:"error"`
	Category    string    `json:"category"`
	CreatedAt   time.Time `json:"created_at"`
}

// Queries is the read-only surface consumed by the HTTP layer. Kept
// separate from Store so the pipeline never sees ad hoc reads.
type Queries interface {
	ListNormalized(ctx context.Context, filter EventFilter) ([]NormalizedEventView, error)
	ListFailed(ctx context.Context, limit, offset int) ([]FailedEventView, error)
}
