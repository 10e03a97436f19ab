// Package lifecycle is the single authority on which order status
// transitions are legal and which side effects travel with them.
// It is pure logic: no I/O, no clock, no storage.
package lifecycle

import (
	"github.com/dukerupert/verdandi/internal/domain"
)

// SideEffects are the consequences bundled with an accepted transition.
// Invariant-affecting effects (coupon release, stock restore) must run in the
// same storage transaction as the status change; NotifyCustomer is best-effort
// and must run outside it.
type SideEffects struct {
	ReleaseCoupon  bool
	RestoreStock   bool
	NotifyCustomer bool
}

// edges is the transition table. Any (from, to) pair absent here is rejected
// with EINVALIDTRANSITION.
var edges = map[domain.OrderStatus]map[domain.OrderStatus]SideEffects{
	domain.StatusPending: {
		domain.StatusPaid:     {NotifyCustomer: true},
		domain.StatusCanceled: {ReleaseCoupon: true, RestoreStock: true, NotifyCustomer: true},
		domain.StatusFailed:   {ReleaseCoupon: true, RestoreStock: true, NotifyCustomer: true},
	},
	domain.StatusPaid: {
		domain.StatusReadyForFulfillment: {},
		domain.StatusRefunded:            {NotifyCustomer: true},
	},
	domain.StatusReadyForFulfillment: {
		domain.StatusSentToFulfillment: {NotifyCustomer: true},
		domain.StatusFailedFulfillment: {},
	},
	domain.StatusFailedFulfillment: {
		domain.StatusSentToFulfillment: {NotifyCustomer: true},
	},
	domain.StatusSentToFulfillment: {
		domain.StatusRefunded: {NotifyCustomer: true},
	},
}

// CanTransition reports whether from → to is a legal edge.
func CanTransition(from, to domain.OrderStatus) bool {
	_, ok := edges[from][to]
	return ok
}

// Plan validates a requested transition and returns its side effects.
// Illegal requests return EINVALIDTRANSITION; the order must be left untouched.
func Plan(from, to domain.OrderStatus) (SideEffects, error) {
	fx, ok := edges[from][to]
	if !ok {
		return SideEffects{}, domain.Errorf(domain.EINVALIDTRANSITION, "lifecycle.plan",
			"illegal transition %s -> %s", from, to)
	}
	return fx, nil
}

// KnownStatus reports whether s is a recognized order status.
func KnownStatus(s domain.OrderStatus) bool {
	for _, known := range Statuses() {
		if s == known {
			return true
		}
	}
	return false
}

// Statuses returns every known order status. Used by tests and validation.
func Statuses() []domain.OrderStatus {
	return []domain.OrderStatus{
		domain.StatusPending,
		domain.StatusPaid,
		domain.StatusReadyForFulfillment,
		domain.StatusSentToFulfillment,
		domain.StatusFailedFulfillment,
		domain.StatusCanceled,
		domain.StatusFailed,
		domain.StatusRefunded,
	}
}
