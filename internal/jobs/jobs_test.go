package jobs

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"

	"github.com/dukerupert/verdandi/internal/domain"
	"github.com/dukerupert/verdandi/internal/gateway"
	"github.com/dukerupert/verdandi/internal/notify"
	"github.com/dukerupert/verdandi/internal/service"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// jobStore is an in-memory domain.OrderStore covering what the background
// loops exercise. Version checks mirror the real store.
type jobStore struct {
	mu          sync.Mutex
	orders      map[uuid.UUID]*domain.Order
	transitions []domain.TransitionLogEntry
}

func newJobStore() *jobStore {
	return &jobStore{orders: make(map[uuid.UUID]*domain.Order)}
}

func (s *jobStore) seed(order domain.Order) *domain.Order {
	s.mu.Lock()
	defer s.mu.Unlock()
	if order.ID == uuid.Nil {
		order.ID = uuid.New()
	}
	if order.Version == 0 {
		order.Version = 1
	}
	if order.Status == "" {
		order.Status = domain.StatusPending
	}
	if order.CreatedAt.IsZero() {
		order.CreatedAt = time.Now().Add(-time.Hour)
	}
	o := order
	s.orders[o.ID] = &o
	return &o
}

func (s *jobStore) statusOf(id uuid.UUID) domain.OrderStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.orders[id].Status
}

func (s *jobStore) CreateOrder(context.Context, domain.CreateOrderParams) (*domain.Order, error) {
	return nil, errors.New("not implemented")
}

func (s *jobStore) GetOrder(_ context.Context, id uuid.UUID) (*domain.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	order, ok := s.orders[id]
	if !ok {
		return nil, domain.ErrOrderNotFound
	}
	copied := *order
	return &copied, nil
}

func (s *jobStore) GetOrderByExternalReference(_ context.Context, ref string) (*domain.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, order := range s.orders {
		if order.ExternalReference == ref {
			copied := *order
			return &copied, nil
		}
	}
	return nil, domain.ErrOrderNotFound
}

func (s *jobStore) GetOrderItems(context.Context, uuid.UUID) ([]domain.OrderItem, error) {
	return nil, nil
}

func (s *jobStore) ListTransitions(_ context.Context, orderID uuid.UUID) ([]domain.TransitionLogEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.TransitionLogEntry
	for _, e := range s.transitions {
		if e.OrderID == orderID {
			out = append(out, e)
		}
	}
	return out, nil
}

func (s *jobStore) Transition(_ context.Context, params domain.TransitionParams) (*domain.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	order, ok := s.orders[params.OrderID]
	if !ok {
		return nil, domain.ErrOrderNotFound
	}
	if order.Version != params.ExpectedVersion || order.Status != params.From {
		return nil, domain.Stale("order.transition")
	}
	order.Status = params.To
	order.Version++
	s.transitions = append(s.transitions, domain.TransitionLogEntry{
		OrderID:       order.ID,
		FromStatus:    params.From,
		ToStatus:      params.To,
		Actor:         params.Actor,
		Reason:        params.Reason,
		GatewayStatus: params.GatewayStatus,
	})
	copied := *order
	return &copied, nil
}

func (s *jobStore) ClaimGatewayPayment(context.Context, uuid.UUID, string) error {
	return errors.New("not implemented")
}

func (s *jobStore) ConfirmGatewayPayment(context.Context, uuid.UUID, string, string) error {
	return errors.New("not implemented")
}

func (s *jobStore) ReleaseGatewayPayment(context.Context, uuid.UUID, string) error {
	return errors.New("not implemented")
}

func (s *jobStore) ListPendingCreatedBetween(_ context.Context, ageCutoff, graceCutoff time.Time, limit int32) ([]domain.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Order
	for _, order := range s.orders {
		if order.Status == domain.StatusPending &&
			!order.CreatedAt.Before(ageCutoff) && !order.CreatedAt.After(graceCutoff) {
			out = append(out, *order)
			if int32(len(out)) == limit {
				break
			}
		}
	}
	return out, nil
}

func (s *jobStore) ListPendingOlderThan(_ context.Context, cutoff time.Time, limit int32) ([]domain.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Order
	for _, order := range s.orders {
		if order.Status == domain.StatusPending && order.CreatedAt.Before(cutoff) {
			out = append(out, *order)
			if int32(len(out)) == limit {
				break
			}
		}
	}
	return out, nil
}

func (s *jobStore) ListOrdersByStatus(_ context.Context, status domain.OrderStatus, limit, offset int32) ([]domain.Order, error) {
	return nil, nil
}

func (s *jobStore) CountRecentOrdersByIP(context.Context, string, time.Time) (int64, error) {
	return 0, nil
}

func newJobServiceForTest(store *jobStore) service.OrderService {
	return service.NewOrderService(store, notify.Nop{}, testLogger())
}

func TestReconciler_SettlesApprovedPayment(t *testing.T) {
	store := newJobStore()
	order := store.seed(domain.Order{
		ExternalReference: "VD-20260901-DDDD0001",
		GatewayPaymentID:  "pay_101",
	})

	var fetched []string
	provider := &gateway.Mock{
		FetchPaymentFunc: func(_ context.Context, id string) (*gateway.Payment, error) {
			fetched = append(fetched, id)
			return &gateway.Payment{
				ID:                id,
				ExternalReference: order.ExternalReference,
				Status:            gateway.StatusApproved,
			}, nil
		},
	}

	r := NewReconciler(ReconcilerConfig{GatewayPace: time.Millisecond},
		store, provider, newJobServiceForTest(store), testLogger())
	r.RunOnce(context.Background())

	assert.Equal(t, []string{"pay_101"}, fetched)
	assert.Equal(t, domain.StatusReadyForFulfillment, store.statusOf(order.ID))

	// A second pass finds nothing PENDING and asks the gateway nothing.
	r.RunOnce(context.Background())
	assert.Len(t, fetched, 1)
}

func TestReconciler_SkipsOrdersWithoutPayment(t *testing.T) {
	store := newJobStore()
	order := store.seed(domain.Order{ExternalReference: "VD-20260901-DDDD0002"})

	provider := &gateway.Mock{
		FetchPaymentFunc: func(context.Context, string) (*gateway.Payment, error) {
			t.Fatal("gateway must not be called for orders without a payment")
			return nil, nil
		},
	}

	r := NewReconciler(ReconcilerConfig{GatewayPace: time.Millisecond},
		store, provider, newJobServiceForTest(store), testLogger())
	r.RunOnce(context.Background())

	assert.Equal(t, domain.StatusPending, store.statusOf(order.ID))
}

func TestReconciler_GatewayFailureLeavesOrderPending(t *testing.T) {
	store := newJobStore()
	broken := store.seed(domain.Order{
		ExternalReference: "VD-20260901-DDDD0003",
		GatewayPaymentID:  "pay_broken",
	})
	healthy := store.seed(domain.Order{
		ExternalReference: "VD-20260901-DDDD0004",
		GatewayPaymentID:  "pay_healthy",
	})

	provider := &gateway.Mock{
		FetchPaymentFunc: func(_ context.Context, id string) (*gateway.Payment, error) {
			if id == "pay_broken" {
				return nil, domain.WrapError(gateway.ErrUnavailable, domain.EGATEWAY, "gateway.do", "payment gateway unreachable")
			}
			ref := healthy.ExternalReference
			return &gateway.Payment{ID: id, ExternalReference: ref, Status: gateway.StatusRejected}, nil
		},
	}

	r := NewReconciler(ReconcilerConfig{GatewayPace: time.Millisecond},
		store, provider, newJobServiceForTest(store), testLogger())
	r.RunOnce(context.Background())

	// One order failing must not stop the other from resolving.
	assert.Equal(t, domain.StatusPending, store.statusOf(broken.ID))
	assert.Equal(t, domain.StatusFailed, store.statusOf(healthy.ID))
}

func TestReconciler_NonTerminalStatusLeftAlone(t *testing.T) {
	store := newJobStore()
	order := store.seed(domain.Order{
		ExternalReference: "VD-20260901-DDDD0005",
		GatewayPaymentID:  "pay_105",
	})

	provider := &gateway.Mock{
		FetchPaymentFunc: func(_ context.Context, id string) (*gateway.Payment, error) {
			return &gateway.Payment{
				ID:                id,
				ExternalReference: order.ExternalReference,
				Status:            gateway.StatusInProcess,
			}, nil
		},
	}

	r := NewReconciler(ReconcilerConfig{GatewayPace: time.Millisecond},
		store, provider, newJobServiceForTest(store), testLogger())
	r.RunOnce(context.Background())

	assert.Equal(t, domain.StatusPending, store.statusOf(order.ID))
}

func TestCanceller_CancelsUnpaidOrders(t *testing.T) {
	store := newJobStore()
	stale := store.seed(domain.Order{
		ExternalReference: "VD-20260901-EEEE0001",
		CreatedAt:         time.Now().Add(-2 * time.Hour),
	})
	fresh := store.seed(domain.Order{
		ExternalReference: "VD-20260901-EEEE0002",
		CreatedAt:         time.Now().Add(-time.Minute),
	})

	c := NewCanceller(CancellerConfig{AbandonAfter: 30 * time.Minute},
		store, &gateway.Mock{}, newJobServiceForTest(store), testLogger())
	c.RunOnce(context.Background())

	assert.Equal(t, domain.StatusCanceled, store.statusOf(stale.ID))
	assert.Equal(t, domain.StatusPending, store.statusOf(fresh.ID))
}

func TestCanceller_SettlesLostApprovalInsteadOfCancelling(t *testing.T) {
	store := newJobStore()
	order := store.seed(domain.Order{
		ExternalReference: "VD-20260901-EEEE0003",
		GatewayPaymentID:  "pay_201",
		CreatedAt:         time.Now().Add(-2 * time.Hour),
	})

	// The webhook for this approval was lost; the canceller's last-chance
	// gateway check must settle the order rather than discard it.
	provider := &gateway.Mock{
		FetchPaymentFunc: func(_ context.Context, id string) (*gateway.Payment, error) {
			return &gateway.Payment{
				ID:                id,
				ExternalReference: order.ExternalReference,
				Status:            gateway.StatusApproved,
			}, nil
		},
	}

	c := NewCanceller(CancellerConfig{AbandonAfter: 30 * time.Minute},
		store, provider, newJobServiceForTest(store), testLogger())
	c.RunOnce(context.Background())

	assert.Equal(t, domain.StatusReadyForFulfillment, store.statusOf(order.ID))
}

func TestCanceller_CancelsStalledNonTerminalPayment(t *testing.T) {
	store := newJobStore()
	order := store.seed(domain.Order{
		ExternalReference: "VD-20260901-EEEE0004",
		GatewayPaymentID:  "pay_202",
		CreatedAt:         time.Now().Add(-2 * time.Hour),
	})

	provider := &gateway.Mock{
		FetchPaymentFunc: func(_ context.Context, id string) (*gateway.Payment, error) {
			return &gateway.Payment{
				ID:                id,
				ExternalReference: order.ExternalReference,
				Status:            gateway.StatusPending,
			}, nil
		},
	}

	c := NewCanceller(CancellerConfig{AbandonAfter: 30 * time.Minute},
		store, provider, newJobServiceForTest(store), testLogger())
	c.RunOnce(context.Background())

	assert.Equal(t, domain.StatusCanceled, store.statusOf(order.ID))
}

func TestCanceller_GatewayFailureDefersCancellation(t *testing.T) {
	store := newJobStore()
	order := store.seed(domain.Order{
		ExternalReference: "VD-20260901-EEEE0005",
		GatewayPaymentID:  "pay_203",
		CreatedAt:         time.Now().Add(-2 * time.Hour),
	})

	provider := &gateway.Mock{
		FetchPaymentFunc: func(context.Context, string) (*gateway.Payment, error) {
			return nil, domain.WrapError(gateway.ErrUnavailable, domain.EGATEWAY, "gateway.do", "payment gateway unreachable")
		},
	}

	c := NewCanceller(CancellerConfig{AbandonAfter: 30 * time.Minute},
		store, provider, newJobServiceForTest(store), testLogger())
	c.RunOnce(context.Background())

	// Cannot rule out a lost approval while the gateway is down.
	assert.Equal(t, domain.StatusPending, store.statusOf(order.ID))
}

func TestStartStopsOnContextCancel(t *testing.T) {
	store := newJobStore()
	svc := newJobServiceForTest(store)

	ctx, cancel := context.WithCancel(context.Background())

	r := NewReconciler(ReconcilerConfig{Interval: time.Hour}, store, &gateway.Mock{}, svc, testLogger())
	c := NewCanceller(CancellerConfig{Interval: time.Hour}, store, &gateway.Mock{}, svc, testLogger())

	done := make(chan struct{}, 2)
	go func() { r.Start(ctx); done <- struct{}{} }()
	go func() { c.Start(ctx); done <- struct{}{} }()

	cancel()
	for i := 0; i < 2; i++ {
		select {
		case <-done:
		case <-time.After(time.Second):
			t.Fatal("job did not stop on context cancellation")
		}
	}
}
