package ingest

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/ignite/event-intake/internal/normalize"
)

// PostgresStore implements Store and Queries over database/sql with raw
// SQL. The fingerprint uniqueness constraint on raw_events is the sole
// guard against concurrent identical inserts.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) FindByFingerprint(ctx context.Context, fingerprint string) (*ExistingRecord, error) {
	var (
		rec       ExistingRecord
		client    sql.NullString
		metric    sql.NullString
		amount    sql.NullFloat64
		eventTime sql.NullTime
		category  sql.NullString
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT r.id, r.received_at, n.client_id, n.metric, n.amount, n.event_time,
		       (SELECT f.category FROM failed_events f
		        WHERE f.fingerprint = r.fingerprint
		        ORDER BY f.id DESC LIMIT 1)
		FROM raw_events r
		LEFT JOIN normalized_events n ON n.raw_event_id = r.id
		WHERE r.fingerprint = $1`,
		fingerprint,
	).Scan(&rec.RawEventID, &rec.ReceivedAt, &client, &metric, &amount, &eventTime, &category)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("lookup fingerprint: %w", err)
	}

	rec.FailureCategory = category.String
	if client.Valid {
		rec.Canonical = &normalize.CanonicalEvent{
			Client:    client.String,
			Metric:    metric.String,
			Amount:    amount.Float64,
			Timestamp: eventTime.Time.UTC().Format(normalize.TimeLayout),
		}
	}
	return &rec, nil
}

func (s *PostgresStore) InsertRawIfAbsent(ctx context.Context, fingerprint string, payload []byte, receivedAt time.Time) (int64, bool, error) {
	var id int64
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO raw_events (fingerprint, payload, received_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (fingerprint) DO NOTHING
		RETURNING id`,
		fingerprint, payload, receivedAt,
	).Scan(&id)
	if err == nil {
		return id, true, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return 0, false, fmt.Errorf("insert raw event: %w", err)
	}

	// Conflict: a concurrent writer claimed the fingerprint first. Report
	// the existing row as a no-op.
	err = s.db.QueryRowContext(ctx,
		`SELECT id FROM raw_events WHERE fingerprint = $1`, fingerprint,
	).Scan(&id)
	if err != nil {
		return 0, false, fmt.Errorf("select existing raw event: %w", err)
	}
	return id, false, nil
}

func (s *PostgresStore) PersistAtomic(ctx context.Context, fingerprint string, payload []byte, canonical *normalize.CanonicalEvent, receivedAt time.Time, injectFault bool) (int64, int64, error) {
	eventTime, err := time.Parse(normalize.TimeLayout, canonical.Timestamp)
	if err != nil {
		return 0, 0, fmt.Errorf("canonical timestamp %q: %w", canonical.Timestamp, err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, 0, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	// A raw row may already exist from an interrupted earlier attempt;
	// lock and reuse it so the retry attaches exactly one normalized
	// row. A raw row that already has its normalized row means the
	// content is fully processed.
	var rawID int64
	err = tx.QueryRowContext(ctx,
		`SELECT id FROM raw_events WHERE fingerprint = $1 FOR UPDATE`, fingerprint,
	).Scan(&rawID)
	switch {
	case err == nil:
		var normalized int
		if err := tx.QueryRowContext(ctx,
			`SELECT COUNT(1) FROM normalized_events WHERE raw_event_id = $1`, rawID,
		).Scan(&normalized); err != nil {
			return 0, 0, fmt.Errorf("check normalized event: %w", err)
		}
		if normalized > 0 {
			return 0, 0, ErrFingerprintExists
		}
	case errors.Is(err, sql.ErrNoRows):
		err = tx.QueryRowContext(ctx, `
			INSERT INTO raw_events (fingerprint, payload, received_at)
			VALUES ($1, $2, $3)
			RETURNING id`,
			fingerprint, payload, receivedAt,
		).Scan(&rawID)
		if err != nil {
			if isUniqueViolation(err) {
				return 0, 0, ErrFingerprintExists
			}
			return 0, 0, fmt.Errorf("insert raw event: %w", err)
		}
	default:
		return 0, 0, fmt.Errorf("lock raw event: %w", err)
	}

	var normalizedID int64
	err = tx.QueryRowContext(ctx, `
		INSERT INTO normalized_events (raw_event_id, client_id, metric, amount, event_time, status)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id`,
		rawID, canonical.Client, canonical.Metric, canonical.Amount, eventTime, StatusProcessed,
	).Scan(&normalizedID)
	if err != nil {
		return 0, 0, fmt.Errorf("insert normalized event: %w", err)
	}

	if injectFault {
		return 0, 0, errInjectedFault
	}

	if err := tx.Commit(); err != nil {
		return 0, 0, fmt.Errorf("commit: %w", err)
	}
	return rawID, normalizedID, nil
}

func (s *PostgresStore) InsertFailed(ctx context.Context, failed FailedEvent) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO failed_events (raw_event_id, fingerprint, payload, error, category)
		VALUES ($1, $2, $3, $4, $5)`,
		failed.RawEventID, failed.Fingerprint, failed.Payload, failed.Error, failed.Category,
	)
	if err != nil {
		return fmt.Errorf("insert failed event: %w", err)
	}
	return nil
}

func (s *PostgresStore) AppendLog(ctx context.Context, entry LogEntry) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO processing_log (fingerprint, request_id, action, outcome, message, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		entry.Fingerprint, entry.RequestID, entry.Action, entry.Outcome, entry.Message, entry.At,
	)
	if err != nil {
		return fmt.Errorf("append processing log: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListNormalized(ctx context.Context, filter EventFilter) ([]NormalizedEventView, error) {
	query := `
		SELECT n.id, n.raw_event_id, r.fingerprint, n.client_id, n.metric, n.amount, n.event_time, n.status, r.received_at
		FROM normalized_events n
		JOIN raw_events r ON r.id = n.raw_event_id
		WHERE 1=1`
	var args []interface{}

	if filter.Client != "" {
		args = append(args, filter.Client)
		query += fmt.Sprintf(" AND n.client_id = $%d", len(args))
	}
	if filter.Status != "" {
		args = append(args, filter.Status)
		query += fmt.Sprintf(" AND n.status = $%d", len(args))
	}
	if !filter.From.IsZero() {
		args = append(args, filter.From)
		query += fmt.Sprintf(" AND n.event_time >= $%d", len(args))
	}
	if !filter.To.IsZero() {
		args = append(args, filter.To)
		query += fmt.Sprintf(" AND n.event_time <= $%d", len(args))
	}

	limit := filter.Limit
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	args = append(args, limit)
	query += fmt.Sprintf(" ORDER BY n.event_time DESC LIMIT $%d", len(args))
	args = append(args, filter.Offset)
	query += fmt.Sprintf(" OFFSET $%d", len(args))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list normalized events: %w", err)
	}
	defer rows.Close()

	var out []NormalizedEventView
	for rows.Next() {
		var (
			v         NormalizedEventView
			eventTime time.Time
		)
		if err := rows.Scan(&v.ID, &v.RawEventID, &v.Fingerprint, &v.Client, &v.Metric, &v.Amount, &eventTime, &v.Status, &v.ReceivedAt); err != nil {
			return nil, fmt.Errorf("scan normalized event: %w", err)
		}
		v.EventTime = eventTime.UTC().Format(normalize.TimeLayout)
		out = append(out, v)
	}
	return out, rows.Err()
}

func (s *PostgresStore) ListFailed(ctx context.Context, limit, offset int) ([]FailedEventView, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, raw_event_id, fingerprint, error, category, created_at
		FROM failed_events
		ORDER BY created_at DESC
		LIMIT $1 OFFSET $2`,
		limit, offset,
	)
	if err != nil {
		return nil, fmt.Errorf("list failed events: %w", err)
	}
	defer rows.Close()

	var out []FailedEventView
	for rows.Next() {
		var (
			v     FailedEventView
			rawID sql.NullInt64
		)
		if err := rows.Scan(&v.ID, &rawID, &v.Fingerprint, &v.Error, &v.Category, &v.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan failed event: %w", err)
		}
		if rawID.Valid {
			id := rawID.Int64
			v.RawEventID = &id
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

// isUniqueViolation reports whether err is a postgres unique_violation
// (SQLSTATE 23505).
func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}
