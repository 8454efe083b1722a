package ingest

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/ignite/event-intake/internal/normalize"
)

// MemoryStore is an in-process Store and Queries implementation used by
// tests and by STORE=memory dev mode. A single mutex serializes writes,
// matching the one-commit-at-a-time model of the real storage layer.
type MemoryStore struct {
	mu         sync.Mutex
	nextID     int64
	raws       map[string]*RawEvent        // fingerprint -> raw
	normalized map[int64]*NormalizedEvent  // raw id -> normalized
	failed     []FailedEvent
	log        []LogEntry

	// Test knobs: forced failures for the corresponding operations.
	PersistErr error
	FailedErr  error
	LogErr     error
	LookupErr  error

	// BeforePersist, when set, runs just before PersistAtomic takes the
	// write lock. Tests use it to interleave a competing writer.
	BeforePersist func()
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		raws:       make(map[string]*RawEvent),
		normalized: make(map[int64]*NormalizedEvent),
	}
}

func (s *MemoryStore) FindByFingerprint(ctx context.Context, fingerprint string) (*ExistingRecord, error) {
	if s.LookupErr != nil {
		return nil, s.LookupErr
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	raw, ok := s.raws[fingerprint]
	if !ok {
		return nil, nil
	}
	rec := &ExistingRecord{RawEventID: raw.ID, ReceivedAt: raw.ReceivedAt}
	for i := len(s.failed) - 1; i >= 0; i-- {
		if s.failed[i].Fingerprint == fingerprint {
			rec.FailureCategory = s.failed[i].Category
			break
		}
	}
	if n, ok := s.normalized[raw.ID]; ok {
		rec.Canonical = &normalize.CanonicalEvent{
			Client:    n.Client,
			Metric:    n.Metric,
			Amount:    n.Amount,
			Timestamp: n.EventTime.UTC().Format(normalize.TimeLayout),
		}
	}
	return rec, nil
}

func (s *MemoryStore) InsertRawIfAbsent(ctx context.Context, fingerprint string, payload []byte, receivedAt time.Time) (int64, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.raws[fingerprint]; ok {
		return existing.ID, false, nil
	}
	s.nextID++
	raw := &RawEvent{ID: s.nextID, Fingerprint: fingerprint, Payload: payload, ReceivedAt: receivedAt}
	s.raws[fingerprint] = raw
	return raw.ID, true, nil
}

func (s *MemoryStore) PersistAtomic(ctx context.Context, fingerprint string, payload []byte, canonical *normalize.CanonicalEvent, receivedAt time.Time, injectFault bool) (int64, int64, error) {
	if s.BeforePersist != nil {
		s.BeforePersist()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	existing, hasRaw := s.raws[fingerprint]
	if hasRaw {
		if _, done := s.normalized[existing.ID]; done {
			return 0, 0, ErrFingerprintExists
		}
	}
	if s.PersistErr != nil {
		return 0, 0, s.PersistErr
	}
	if injectFault {
		// Nothing written yet: the rollback contract holds trivially.
		return 0, 0, errInjectedFault
	}

	eventTime, err := time.Parse(normalize.TimeLayout, canonical.Timestamp)
	if err != nil {
		return 0, 0, err
	}

	var rawID int64
	if hasRaw {
		// Reuse the raw row an interrupted attempt left behind.
		rawID = existing.ID
	} else {
		s.nextID++
		rawID = s.nextID
		s.raws[fingerprint] = &RawEvent{ID: rawID, Fingerprint: fingerprint, Payload: payload, ReceivedAt: receivedAt}
	}

	s.nextID++
	s.normalized[rawID] = &NormalizedEvent{
		ID:         s.nextID,
		RawEventID: rawID,
		Client:     canonical.Client,
		Metric:     canonical.Metric,
		Amount:     canonical.Amount,
		EventTime:  eventTime,
		Status:     StatusProcessed,
	}
	return rawID, s.nextID, nil
}

func (s *MemoryStore) InsertFailed(ctx context.Context, failed FailedEvent) error {
	if s.FailedErr != nil {
		return s.FailedErr
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	failed.ID = s.nextID
	s.failed = append(s.failed, failed)
	return nil
}

func (s *MemoryStore) AppendLog(ctx context.Context, entry LogEntry) error {
	if s.LogErr != nil {
		return s.LogErr
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.log = append(s.log, entry)
	return nil
}

func (s *MemoryStore) ListNormalized(ctx context.Context, filter EventFilter) ([]NormalizedEventView, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []NormalizedEventView
	for _, raw := range s.raws {
		n, ok := s.normalized[raw.ID]
		if !ok {
			continue
		}
		if filter.Client != "" && n.Client != filter.Client {
			continue
		}
		if filter.Status != "" && n.Status != filter.Status {
			continue
		}
		if !filter.From.IsZero() && n.EventTime.Before(filter.From) {
			continue
		}
		if !filter.To.IsZero() && n.EventTime.After(filter.To) {
			continue
		}
		out = append(out, NormalizedEventView{
			ID:          n.ID,
			RawEventID:  n.RawEventID,
			Fingerprint: raw.Fingerprint,
			Client:      n.Client,
			Metric:      n.Metric,
			Amount:      n.Amount,
			EventTime:   n.EventTime.UTC().Format(normalize.TimeLayout),
			Status:      n.Status,
			ReceivedAt:  raw.ReceivedAt,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].EventTime > out[j].EventTime })

	if filter.Offset > 0 {
		if filter.Offset >= len(out) {
			return nil, nil
		}
		out = out[filter.Offset:]
	}
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (s *MemoryStore) ListFailed(ctx context.Context, limit, offset int) ([]FailedEventView, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []FailedEventView
	for i := len(s.failed) - 1; i >= 0; i-- {
		f := s.failed[i]
		out = append(out, FailedEventView{
			ID:          f.ID,
			RawEventID:  f.RawEventID,
			Fingerprint: f.Fingerprint,
			Error:       f.Error,
			Category:    f.Category,
		})
	}
	if offset > 0 {
		if offset >= len(out) {
			return nil, nil
		}
		out = out[offset:]
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Test inspection helpers.

func (s *MemoryStore) RawCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.raws)
}

func (s *MemoryStore) NormalizedCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.normalized)
}

func (s *MemoryStore) FailedEvents() []FailedEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]FailedEvent, len(s.failed))
	copy(out, s.failed)
	return out
}

func (s *MemoryStore) LogEntries() []LogEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]LogEntry, len(s.log))
	copy(out, s.log)
	return out
}
