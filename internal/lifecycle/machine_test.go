package lifecycle

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dukerupert/verdandi/internal/domain"
)

func TestPlan_LegalEdges(t *testing.T) {
	tests := []struct {
		from, to domain.OrderStatus
		fx       SideEffects
	}{
		{domain.StatusPending, domain.StatusPaid, SideEffects{NotifyCustomer: true}},
		{domain.StatusPending, domain.StatusCanceled, SideEffects{ReleaseCoupon: true, RestoreStock: true, NotifyCustomer: true}},
		{domain.StatusPending, domain.StatusFailed, SideEffects{ReleaseCoupon: true, RestoreStock: true, NotifyCustomer: true}},
		{domain.StatusPaid, domain.StatusReadyForFulfillment, SideEffects{}},
		{domain.StatusPaid, domain.StatusRefunded, SideEffects{NotifyCustomer: true}},
		{domain.StatusReadyForFulfillment, domain.StatusSentToFulfillment, SideEffects{NotifyCustomer: true}},
		{domain.StatusReadyForFulfillment, domain.StatusFailedFulfillment, SideEffects{}},
		{domain.StatusFailedFulfillment, domain.StatusSentToFulfillment, SideEffects{NotifyCustomer: true}},
		{domain.StatusSentToFulfillment, domain.StatusRefunded, SideEffects{NotifyCustomer: true}},
	}

	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			fx, err := Plan(tt.from, tt.to)
			require.NoError(t, err)
			assert.Equal(t, tt.fx, fx)
			assert.True(t, CanTransition(tt.from, tt.to))
		})
	}
}

func TestPlan_IllegalEdgesRejected(t *testing.T) {
	tests := []struct {
		name     string
		from, to domain.OrderStatus
	}{
		{"cancel after payment", domain.StatusPaid, domain.StatusCanceled},
		{"pay a canceled order", domain.StatusCanceled, domain.StatusPaid},
		{"resurrect a refund", domain.StatusRefunded, domain.StatusPending},
		{"skip payment", domain.StatusPending, domain.StatusSentToFulfillment},
		{"refund before handoff resolution", domain.StatusFailedFulfillment, domain.StatusRefunded},
		{"self transition", domain.StatusPending, domain.StatusPending},
		{"backwards", domain.StatusReadyForFulfillment, domain.StatusPaid},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Plan(tt.from, tt.to)
			require.Error(t, err)
			assert.Equal(t, domain.EINVALIDTRANSITION, domain.ErrorCode(err))
			assert.False(t, CanTransition(tt.from, tt.to))
		})
	}
}

// TestPlan_RandomSequences walks random transition requests from PENDING and
// asserts the machine only ever advances along table edges: an accepted plan
// moves the cursor, a rejected one leaves it unchanged.
func TestPlan_RandomSequences(t *testing.T) {
	statuses := Statuses()
	rng := rand.New(rand.NewSource(42))

	for seq := 0; seq < 500; seq++ {
		current := domain.StatusPending
		for step := 0; step < 12; step++ {
			target := statuses[rng.Intn(len(statuses))]
			fx, err := Plan(current, target)
			if err != nil {
				require.Equal(t, domain.EINVALIDTRANSITION, domain.ErrorCode(err))
				continue // state unchanged
			}
			require.True(t, CanTransition(current, target))
			_ = fx
			current = target
		}
	}
}

func TestTerminalStatusesHaveNoForwardEdges(t *testing.T) {
	for _, terminal := range []domain.OrderStatus{
		domain.StatusCanceled, domain.StatusFailed, domain.StatusRefunded,
	} {
		for _, to := range Statuses() {
			assert.False(t, CanTransition(terminal, to),
				"terminal status %s must have no outgoing edge (tried %s)", terminal, to)
		}
	}
}
