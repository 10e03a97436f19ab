package notify

import (
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/nats-io/nats.go"
	"github.com/wneessen/go-mail"

	"github.com/dukerupert/verdandi/internal/domain"
	"github.com/dukerupert/verdandi/internal/telemetry"
)

// EmailConfig holds SMTP connection parameters.
type EmailConfig struct {
	Host     string
	Port     int
	Username string // optional - some servers allow unauthenticated relay
	Password string // optional
	From     string
	FromName string
}

// EmailConsumer subscribes to order status events and sends customer emails.
// Delivery is best-effort: a failed send is counted and logged, never retried
// into the order pipeline.
type EmailConsumer struct {
	cfg    EmailConfig
	conn   *nats.Conn
	sub    *nats.Subscription
	logger *slog.Logger
}

// NewEmailConsumer creates an email consumer reading from the given NATS
// connection.
func NewEmailConsumer(cfg EmailConfig, conn *nats.Conn, logger *slog.Logger) *EmailConsumer {
	return &EmailConsumer{
		cfg:    cfg,
		conn:   conn,
		logger: logger.With("component", "email"),
	}
}

// Start subscribes to all order status events.
func (c *EmailConsumer) Start() error {
	sub, err := c.conn.Subscribe(SubjectAll, func(msg *nats.Msg) {
		var ev Event
		if err := json.Unmarshal(msg.Data, &ev); err != nil {
			c.logger.Warn("failed to decode order status event", "error", err)
			return
		}
		c.handle(ev)
	})
	if err != nil {
		return fmt.Errorf("failed to subscribe to order events: %w", err)
	}
	c.sub = sub
	return nil
}

// Stop unsubscribes the consumer.
func (c *EmailConsumer) Stop() {
	if c.sub != nil {
		_ = c.sub.Unsubscribe()
	}
}

func (c *EmailConsumer) handle(ev Event) {
	var emailType, subject, body string

	switch ev.To {
	case domain.StatusPaid:
		emailType = "order_confirmation"
		subject = fmt.Sprintf("Payment confirmed for order %s", ev.ExternalReference)
		body = fmt.Sprintf(
			"Hi,\n\nWe received your payment of %s for order %s. "+
				"We are preparing it for shipment and will let you know once it is on the way.\n",
			formatCents(ev.TotalCents), ev.ExternalReference)
	case domain.StatusCanceled:
		emailType = "order_canceled"
		subject = fmt.Sprintf("Order %s canceled", ev.ExternalReference)
		body = fmt.Sprintf(
			"Hi,\n\nYour order %s was canceled because we did not receive payment in time. "+
				"You are welcome to place a new order at any time.\n",
			ev.ExternalReference)
	case domain.StatusRefunded:
		emailType = "refund_notice"
		subject = fmt.Sprintf("Refund issued for order %s", ev.ExternalReference)
		body = fmt.Sprintf(
			"Hi,\n\nA refund of %s has been issued for order %s. "+
				"It should reach your account within a few business days.\n",
			formatCents(ev.TotalCents), ev.ExternalReference)
	case domain.StatusSentToFulfillment:
		emailType = "order_shipped"
		subject = fmt.Sprintf("Order %s is on its way", ev.ExternalReference)
		body = fmt.Sprintf(
			"Hi,\n\nGood news: your order %s has been handed to our shipping partner.\n",
			ev.ExternalReference)
	default:
		return
	}

	if err := c.send(ev.PayerEmail, subject, body); err != nil {
		c.logger.Error("failed to send order email",
			"email_type", emailType,
			"reference", ev.ExternalReference,
			"error", err)
		if telemetry.Business != nil {
			telemetry.Business.EmailFailed.WithLabelValues(emailType, "send").Inc()
		}
		return
	}

	c.logger.Info("order email sent",
		"email_type", emailType,
		"reference", ev.ExternalReference)
	if telemetry.Business != nil {
		telemetry.Business.EmailSent.WithLabelValues(emailType).Inc()
	}
}

func (c *EmailConsumer) send(to, subject, body string) error {
	msg := mail.NewMsg()
	if err := msg.FromFormat(c.cfg.FromName, c.cfg.From); err != nil {
		return fmt.Errorf("invalid from address: %w", err)
	}
	if err := msg.To(to); err != nil {
		return fmt.Errorf("invalid to address: %w", err)
	}
	msg.Subject(subject)
	msg.SetBodyString(mail.TypeTextPlain, body)

	opts := []mail.Option{
		mail.WithPort(c.cfg.Port),
		mail.WithTLSPolicy(mail.TLSOpportunistic),
	}
	if c.cfg.Username != "" {
		opts = append(opts,
			mail.WithSMTPAuth(mail.SMTPAuthPlain),
			mail.WithUsername(c.cfg.Username),
			mail.WithPassword(c.cfg.Password),
		)
	}

	client, err := mail.NewClient(c.cfg.Host, opts...)
	if err != nil {
		return fmt.Errorf("failed to create SMTP client: %w", err)
	}
	return client.DialAndSend(msg)
}

func formatCents(cents int64) string {
	return fmt.Sprintf("$%d.%02d", cents/100, cents%100)
}
