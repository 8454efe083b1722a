package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/ignite/event-intake/internal/fingerprint"
	"github.com/ignite/event-intake/internal/metrics"
	"github.com/ignite/event-intake/internal/normalize"
)

// Log actions and outcomes written to the processing log.
const (
	actionIngest = "ingest"

	outcomeStarted       = "started"
	outcomeDuplicate     = "duplicate"
	outcomeFailed        = "failed"
	outcomeSuccess       = "success"
	outcomePersistFailed = "persist_failed"
	outcomeError         = "error"
)

// Feed receives processing-log entries for out-of-band consumers. The
// pipeline treats it as fire-and-forget.
type Feed interface {
	Publish(ctx context.Context, entry LogEntry)
}

// Options carries per-request inputs that are not event content.
type Options struct {
	RequestID   string
	InjectFault bool
}

// Pipeline sequences hash, duplicate check, normalization and atomic
// persistence. It is stateless apart from counters; all storage access
// goes through the injected Store.
type Pipeline struct {
	store      Store
	normalizer *normalize.Normalizer
	feed       Feed
	now        func() time.Time

	received   int64
	created    int64
	duplicates int64
	invalid    int64
	errored    int64
}

func NewPipeline(store Store, normalizer *normalize.Normalizer, feed Feed) *Pipeline {
	return &Pipeline{
		store:      store,
		normalizer: normalizer,
		feed:       feed,
		now:        time.Now,
	}
}

// Ingest runs one payload through the pipeline and always returns a
// Result, never panics: anything unanticipated is caught at this
// boundary and surfaced as a retryable server error.
func (p *Pipeline) Ingest(ctx context.Context, payload map[string]interface{}, opts Options) (result Result) {
	start := p.now()
	atomic.AddInt64(&p.received, 1)
	if opts.RequestID == "" {
		// Callers outside the HTTP layer get a correlation id too.
		opts.RequestID = uuid.NewString()
	}

	defer func() {
		if r := recover(); r != nil {
			log.Printf("[Ingest] PANIC recovered: %v", r)
			p.logStep(ctx, result.Fingerprint, opts.RequestID, outcomeError, fmt.Sprintf("panic: %v", r))
			result = p.serverError(result.Fingerprint, fmt.Sprintf("internal error: %v", r))
		}
		metrics.EventsTotal.WithLabelValues(string(result.Status)).Inc()
		metrics.IngestDuration.Observe(time.Since(start).Seconds())
	}()

	fp, err := fingerprint.Compute(payload)
	if err != nil {
		atomic.AddInt64(&p.errored, 1)
		return p.serverError("", fmt.Sprintf("fingerprint: %v", err))
	}
	result.Fingerprint = fp

	p.logStep(ctx, fp, opts.RequestID, outcomeStarted, "")

	existing, err := p.store.FindByFingerprint(ctx, fp)
	if err != nil {
		atomic.AddInt64(&p.errored, 1)
		p.logStep(ctx, fp, opts.RequestID, outcomeError, err.Error())
		return p.serverError(fp, fmt.Sprintf("duplicate check: %v", err))
	}
	if existing != nil && !reprocessable(existing) {
		return p.duplicateResult(ctx, fp, opts.RequestID, existing)
	}

	norm := p.normalizer.Normalize(payload)
	metrics.NormalizationWarnings.Add(float64(len(norm.Warnings)))
	if !norm.OK {
		return p.validationFailure(ctx, fp, opts.RequestID, payload, norm)
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		atomic.AddInt64(&p.errored, 1)
		return p.serverError(fp, fmt.Sprintf("serialize payload: %v", err))
	}

	rawID, normalizedID, err := p.store.PersistAtomic(ctx, fp, raw, norm.Canonical, p.now().UTC(), opts.InjectFault)
	if err == nil {
		atomic.AddInt64(&p.created, 1)
		p.logStep(ctx, fp, opts.RequestID, outcomeSuccess, "")
		return Result{
			Status:            StatusCreated,
			Fingerprint:       fp,
			RawEventID:        rawID,
			NormalizedEventID: normalizedID,
			Canonical:         norm.Canonical,
			Warnings:          norm.Warnings,
		}
	}

	if errors.Is(err, ErrFingerprintExists) {
		// Lost the uniqueness race: someone else claimed this content
		// between the pre-check and the insert. Convert the loss into
		// the idempotent outcome rather than a bare error.
		existing, lookupErr := p.store.FindByFingerprint(ctx, fp)
		if lookupErr != nil || existing == nil || reprocessable(existing) {
			atomic.AddInt64(&p.errored, 1)
			p.logStep(ctx, fp, opts.RequestID, outcomeError, fmt.Sprintf("post-race lookup: %v", lookupErr))
			return p.serverError(fp, "fingerprint claimed concurrently, retry")
		}
		return p.duplicateResult(ctx, fp, opts.RequestID, existing)
	}

	// Persistence failure: the unit rolled back, so the fingerprint is
	// unclaimed and a byte-identical retry will proceed past the
	// duplicate check.
	atomic.AddInt64(&p.errored, 1)
	metrics.PersistFailures.Inc()
	log.Printf("[Ingest] persist failed fingerprint=%s: %v", fp, err)
	p.logStep(ctx, fp, opts.RequestID, outcomePersistFailed, err.Error())
	p.recordFailure(ctx, fp, raw, err.Error(), CategoryPersistence)

	res := p.serverError(fp, err.Error())
	return res
}

// reprocessable reports whether an existing record is a raw row left
// behind by an interrupted persist. Such fingerprints re-enter the
// pipeline so the retry can attach the missing normalized row. A raw
// row whose last recorded failure was validation stays terminal: the
// exact payload can never normalize differently.
func reprocessable(rec *ExistingRecord) bool {
	return rec.Canonical == nil && rec.FailureCategory != CategoryValidation
}

// duplicateResult echoes the previously stored outcome. Canonical is nil
// when only a raw event exists (a prior validation failure); the
// fingerprint is still reported as a duplicate because the exact payload
// was already received and judged.
func (p *Pipeline) duplicateResult(ctx context.Context, fp, requestID string, existing *ExistingRecord) Result {
	atomic.AddInt64(&p.duplicates, 1)
	p.logStep(ctx, fp, requestID, outcomeDuplicate, "")
	receivedAt := existing.ReceivedAt
	message := "event already processed"
	if existing.Canonical == nil {
		message = "event already received and failed validation"
	}
	return Result{
		Status:      StatusDuplicate,
		Fingerprint: fp,
		RawEventID:  existing.RawEventID,
		ReceivedAt:  &receivedAt,
		Canonical:   existing.Canonical,
		Message:     message,
	}
}

// validationFailure stores the raw payload by itself, records a
// validation FailedEvent against it, and returns the client-facing
// result. The condition is permanent for this exact payload: corrected
// content hashes to a new fingerprint.
func (p *Pipeline) validationFailure(ctx context.Context, fp, requestID string, payload map[string]interface{}, norm normalize.Result) Result {
	atomic.AddInt64(&p.invalid, 1)

	raw, err := json.Marshal(payload)
	if err != nil {
		raw = []byte("{}")
	}
	p.recordFailure(ctx, fp, raw, joinFieldErrors(norm.Errors), CategoryValidation)
	p.logStep(ctx, fp, requestID, outcomeFailed, joinFieldErrors(norm.Errors))

	return Result{
		Status:      StatusInvalid,
		Fingerprint: fp,
		Errors:      norm.Errors,
		Warnings:    norm.Warnings,
	}
}

// recordFailure is the best-effort secondary write: a standalone raw
// insert (a concurrent claim is a no-op, not a failure) followed by the
// FailedEvent referencing whatever raw row now exists. Its own failures
// are logged, never escalated.
func (p *Pipeline) recordFailure(ctx context.Context, fp string, raw []byte, message, category string) {
	var rawIDRef *int64
	rawID, _, err := p.store.InsertRawIfAbsent(ctx, fp, raw, p.now().UTC())
	if err != nil {
		log.Printf("[Ingest] secondary raw insert failed fingerprint=%s: %v", fp, err)
	} else {
		rawIDRef = &rawID
	}

	failed := FailedEvent{
		RawEventID:  rawIDRef,
		Fingerprint: fp,
		Payload:     raw,
		Error:       message,
		Category:    category,
	}
	if err := p.store.InsertFailed(ctx, failed); err != nil {
		log.Printf("[Ingest] failed-event insert failed fingerprint=%s: %v", fp, err)
	}
}

func (p *Pipeline) serverError(fp, message string) Result {
	return Result{
		Status:      StatusError,
		Fingerprint: fp,
		Retryable:   true,
		Message:     message,
	}
}

// logStep appends to the processing log and, when configured, to the
// audit feed. Both are write-only observability; failures are logged and
// swallowed.
func (p *Pipeline) logStep(ctx context.Context, fp, requestID, outcome, message string) {
	entry := LogEntry{
		Fingerprint: fp,
		RequestID:   requestID,
		Action:      actionIngest,
		Outcome:     outcome,
		Message:     message,
		At:          p.now().UTC(),
	}
	if err := p.store.AppendLog(ctx, entry); err != nil {
		log.Printf("[Ingest] processing log write failed fingerprint=%s outcome=%s: %v", fp, outcome, err)
	}
	if p.feed != nil {
		p.feed.Publish(ctx, entry)
	}
}

// Stats returns the pipeline's atomic counters.
func (p *Pipeline) Stats() map[string]int64 {
	return map[string]int64{
		"received":   atomic.LoadInt64(&p.received),
		"created":    atomic.LoadInt64(&p.created),
		"duplicates": atomic.LoadInt64(&p.duplicates),
		"invalid":    atomic.LoadInt64(&p.invalid),
		"errors":     atomic.LoadInt64(&p.errored),
	}
}

func joinFieldErrors(errs []normalize.FieldError) string {
	msg := ""
	for i, e := range errs {
		if i > 0 {
			msg += "; "
		}
		msg += e.String()
	}
	return msg
}
