package postgres

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/dukerupert/verdandi/internal/domain"
)

// WebhookEventStore implements domain.WebhookEventStore using PostgreSQL.
// The event_id primary key is the dedup set: insert-or-nothing tells us
// whether the event was seen before, durably, across restarts and replicas.
type WebhookEventStore struct {
	pool *pgxpool.Pool
}

var _ domain.WebhookEventStore = (*WebhookEventStore)(nil)

// NewWebhookEventStore creates a PostgreSQL-backed webhook event store.
func NewWebhookEventStore(pool *pgxpool.Pool) *WebhookEventStore {
	return &WebhookEventStore{pool: pool}
}

// MarkReceived records the event id and reports whether it was new.
// ON CONFLICT DO NOTHING makes this safe under concurrent redeliveries:
// exactly one caller observes true.
func (s *WebhookEventStore) MarkReceived(ctx context.Context, eventID, paymentID string) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO processed_webhook_events (event_id, payment_id)
		VALUES ($1, $2)
		ON CONFLICT (event_id) DO NOTHING`,
		eventID, paymentID)
	if err != nil {
		return false, domain.Internal(err, "webhook_event.mark_received", "failed to record event")
	}
	return tag.RowsAffected() == 1, nil
}

// MarkProcessed stamps the event once its effect has been applied.
func (s *WebhookEventStore) MarkProcessed(ctx context.Context, eventID string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE processed_webhook_events
		SET processed_at = now()
		WHERE event_id = $1`,
		eventID)
	if err != nil {
		return domain.Internal(err, "webhook_event.mark_processed", "failed to stamp event")
	}
	return nil
}
