package service

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/dukerupert/verdandi/internal/domain"
)

// Risk flag values recorded on orders. Observational only: nothing in the
// engine gates a transition on them; they exist for manual review.
const (
	FlagIPVelocity      = "ip_velocity"
	FlagMissingUA       = "missing_user_agent"
	FlagBotUA           = "bot_user_agent"
	FlagDisposableEmail = "disposable_email"
	FlagHighValue       = "high_value"
)

// riskScorer tuning. Score contributions are additive, capped at 100.
const (
	velocityWindow    = time.Hour
	velocityThreshold = 3
	highValueCents    = 100_000
)

var disposableDomains = map[string]bool{
	"mailinator.com":    true,
	"guerrillamail.com": true,
	"10minutemail.com":  true,
	"tempmail.com":      true,
	"throwaway.email":   true,
	"yopmail.com":       true,
}

var botUASubstrings = []string{"curl", "wget", "python", "bot", "spider", "scrapy"}

// RiskInput is the request metadata scored at order creation.
type RiskInput struct {
	PayerEmail string
	ClientIP   string
	UserAgent  string
	TotalCents int64
}

// RiskScorer computes the immutable risk score and flags recorded on a new
// order.
type RiskScorer struct {
	orders domain.OrderStore
	logger *slog.Logger
}

// NewRiskScorer creates a RiskScorer backed by the order store's IP
// velocity lookup.
func NewRiskScorer(orders domain.OrderStore, logger *slog.Logger) *RiskScorer {
	return &RiskScorer{orders: orders, logger: logger.With("component", "risk")}
}

// Assess scores the request. A failed velocity lookup degrades to a score
// without that signal rather than blocking checkout.
func (r *RiskScorer) Assess(ctx context.Context, in RiskInput) (int32, []string) {
	var score int32
	var flags []string

	if in.ClientIP != "" {
		count, err := r.orders.CountRecentOrdersByIP(ctx, in.ClientIP, time.Now().Add(-velocityWindow))
		if err != nil {
			r.logger.Warn("ip velocity lookup failed", "error", err)
		} else if count >= velocityThreshold {
			score += 40
			flags = append(flags, FlagIPVelocity)
		}
	}

	ua := strings.ToLower(in.UserAgent)
	switch {
	case ua == "":
		score += 20
		flags = append(flags, FlagMissingUA)
	default:
		for _, s := range botUASubstrings {
			if strings.Contains(ua, s) {
				score += 30
				flags = append(flags, FlagBotUA)
				break
			}
		}
	}

	if at := strings.LastIndex(in.PayerEmail, "@"); at >= 0 {
		if disposableDomains[strings.ToLower(in.PayerEmail[at+1:])] {
			score += 10
			flags = append(flags, FlagDisposableEmail)
		}
	}

	if in.TotalCents >= highValueCents {
		score += 20
		flags = append(flags, FlagHighValue)
	}

	if score > 100 {
		score = 100
	}
	return score, flags
}
