package notify

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/nats-io/nats.go"
)

// Subject prefix for order status events. One subject per order so SSE
// consumers can subscribe to a single external reference.
const subjectPrefix = "orders.status."

// SubjectFor returns the NATS subject carrying events for one order.
func SubjectFor(externalReference string) string {
	return subjectPrefix + externalReference
}

// SubjectAll matches every order's status events.
const SubjectAll = subjectPrefix + ">"

// NATSPublisher publishes order status events to NATS.
type NATSPublisher struct {
	conn   *nats.Conn
	logger *slog.Logger
}

var _ Notifier = (*NATSPublisher)(nil)

// NewNATSPublisher connects to NATS and returns a publisher.
func NewNATSPublisher(url string, logger *slog.Logger) (*NATSPublisher, error) {
	conn, err := nats.Connect(url,
		nats.Name("verdandi-orders"),
		nats.MaxReconnects(-1),
	)
	if err != nil {
		return nil, err
	}
	return &NATSPublisher{conn: conn, logger: logger.With("component", "notify")}, nil
}

// OrderStatusChanged publishes the event. Publish failures are logged and
// swallowed: the transition has already committed and must not be rolled
// back for a messaging hiccup.
func (p *NATSPublisher) OrderStatusChanged(_ context.Context, ev Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	if err := p.conn.Publish(SubjectFor(ev.ExternalReference), payload); err != nil {
		p.logger.Warn("failed to publish order status event",
			"reference", ev.ExternalReference,
			"to", ev.To,
			"error", err)
		return err
	}
	return nil
}

// Conn exposes the underlying connection for subscribers (SSE handler,
// email consumer).
func (p *NATSPublisher) Conn() *nats.Conn {
	return p.conn
}

// Close drains the connection.
func (p *NATSPublisher) Close() {
	if err := p.conn.Drain(); err != nil {
		p.logger.Warn("failed to drain nats connection", "error", err)
	}
}
