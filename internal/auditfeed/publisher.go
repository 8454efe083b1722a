// Package auditfeed ships processing-log entries to a capped redis
// stream so out-of-band consumers (dashboards, alerting) can tail
// ingestion activity without touching the database.
package auditfeed

import (
	"context"
	"log"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ignite/event-intake/internal/ingest"
)

const (
	// DefaultStream is the stream key when config does not override it.
	DefaultStream = "intake:processing_log"

	// maxStreamLen caps the stream; XADD trims approximately.
	maxStreamLen = 10000

	publishTimeout = 5 * time.Second
)

// Publisher is fire-and-forget: a nil Publisher or a nil client is a
// no-op, and publish errors are logged, never surfaced to the pipeline.
type Publisher struct {
	client *redis.Client
	stream string
}

func NewPublisher(client *redis.Client, stream string) *Publisher {
	if stream == "" {
		stream = DefaultStream
	}
	return &Publisher{client: client, stream: stream}
}

// Publish appends one entry to the stream in the background. The caller's
// context is deliberately not used: the request must not wait on redis.
func (p *Publisher) Publish(_ context.Context, entry ingest.LogEntry) {
	if p == nil || p.client == nil {
		return
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
		defer cancel()

		err := p.client.XAdd(ctx, &redis.XAddArgs{
			Stream: p.stream,
			MaxLen: maxStreamLen,
			Approx: true,
			Values: map[string]interface{}{
				"fingerprint": entry.Fingerprint,
				"request_id":  entry.RequestID,
				"action":      entry.Action,
				"outcome":     entry.Outcome,
				"message":     entry.Message,
				"at":          entry.At.Format(time.RFC3339Nano),
			},
		}).Err()
		if err != nil {
			log.Printf("[AuditFeed] publish failed outcome=%s: %v", entry.Outcome, err)
		}
	}()
}
