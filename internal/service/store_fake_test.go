package service

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dukerupert/verdandi/internal/domain"
	"github.com/dukerupert/verdandi/internal/notify"
)

// fakeOrderStore is an in-memory domain.OrderStore with the same
// compare-and-swap semantics as the real one. staleBudget injects version
// conflicts: each Transition call consumes one until the budget is spent.
type fakeOrderStore struct {
	mu          sync.Mutex
	orders      map[uuid.UUID]*domain.Order
	items       map[uuid.UUID][]domain.OrderItem
	transitions []domain.TransitionLogEntry
	claims      map[uuid.UUID]string

	staleBudget    int
	couponReleases int
	stockRestores  int
	nextLogID      int64
}

func newFakeOrderStore() *fakeOrderStore {
	return &fakeOrderStore{
		orders: make(map[uuid.UUID]*domain.Order),
		items:  make(map[uuid.UUID][]domain.OrderItem),
		claims: make(map[uuid.UUID]string),
	}
}

func (f *fakeOrderStore) seed(order domain.Order, items ...domain.OrderItem) *domain.Order {
	f.mu.Lock()
	defer f.mu.Unlock()
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
		order.CreatedAt = time.Now()
	}
	o := order
	f.orders[o.ID] = &o
	f.items[o.ID] = items
	return &o
}

func (f *fakeOrderStore) logEntriesFor(orderID uuid.UUID) []domain.TransitionLogEntry {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []domain.TransitionLogEntry
	for _, e := range f.transitions {
		if e.OrderID == orderID {
			out = append(out, e)
		}
	}
	return out
}

func (f *fakeOrderStore) CreateOrder(_ context.Context, params domain.CreateOrderParams) (*domain.Order, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	order := &domain.Order{
		ID:                uuid.New(),
		ExternalReference: params.ExternalReference,
		Status:            domain.StatusPending,
		PayerEmail:        params.PayerEmail,
		SubtotalCents:     params.SubtotalCents,
		DiscountCents:     params.DiscountCents,
		ShippingCents:     params.ShippingCents,
		TotalCents:        params.TotalCents,
		CouponCode:        params.CouponCode,
		RiskScore:         params.RiskScore,
		RiskFlags:         params.RiskFlags,
		ClientIP:          params.ClientIP,
		UserAgent:         params.UserAgent,
		Version:           1,
		CreatedAt:         time.Now(),
		UpdatedAt:         time.Now(),
	}
	f.orders[order.ID] = order
	f.items[order.ID] = params.Items
	f.nextLogID++
	f.transitions = append(f.transitions, domain.TransitionLogEntry{
		ID:       f.nextLogID,
		OrderID:  order.ID,
		ToStatus: domain.StatusPending,
		Actor:    domain.ActorCheckout,
		Reason:   "order created",
	})
	copied := *order
	return &copied, nil
}

func (f *fakeOrderStore) GetOrder(_ context.Context, id uuid.UUID) (*domain.Order, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	order, ok := f.orders[id]
	if !ok {
		return nil, domain.ErrOrderNotFound
	}
	copied := *order
	return &copied, nil
}

func (f *fakeOrderStore) GetOrderByExternalReference(_ context.Context, ref string) (*domain.Order, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, order := range f.orders {
		if order.ExternalReference == ref {
			copied := *order
			return &copied, nil
		}
	}
	return nil, domain.ErrOrderNotFound
}

func (f *fakeOrderStore) GetOrderItems(_ context.Context, orderID uuid.UUID) ([]domain.OrderItem, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.items[orderID], nil
}

func (f *fakeOrderStore) ListTransitions(_ context.Context, orderID uuid.UUID) ([]domain.TransitionLogEntry, error) {
	return f.logEntriesFor(orderID), nil
}

func (f *fakeOrderStore) Transition(_ context.Context, params domain.TransitionParams) (*domain.Order, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	order, ok := f.orders[params.OrderID]
	if !ok {
		return nil, domain.ErrOrderNotFound
	}
	if f.staleBudget > 0 {
		f.staleBudget--
		return nil, domain.Stale("order.transition")
	}
	if order.Version != params.ExpectedVersion || order.Status != params.From {
		return nil, domain.Stale("order.transition")
	}

	order.Status = params.To
	order.Version++
	order.UpdatedAt = time.Now()
	if params.FulfillmentOrderID != "" {
		order.FulfillmentOrderID = params.FulfillmentOrderID
	}
	f.nextLogID++
	f.transitions = append(f.transitions, domain.TransitionLogEntry{
		ID:            f.nextLogID,
		OrderID:       order.ID,
		FromStatus:    params.From,
		ToStatus:      params.To,
		Actor:         params.Actor,
		Reason:        params.Reason,
		GatewayStatus: params.GatewayStatus,
	})
	if params.ReleaseCoupon && order.CouponCode != "" {
		f.couponReleases++
	}
	if params.RestoreStock {
		f.stockRestores++
	}

	copied := *order
	return &copied, nil
}

func (f *fakeOrderStore) ClaimGatewayPayment(_ context.Context, orderID uuid.UUID, claimToken string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	order, ok := f.orders[orderID]
	if !ok {
		return domain.ErrOrderNotFound
	}
	if order.Status != domain.StatusPending || order.GatewayPaymentID != "" || f.claims[orderID] != "" {
		return domain.ErrDuplicatePaymentAttempt
	}
	f.claims[orderID] = claimToken
	order.Version++
	return nil
}

func (f *fakeOrderStore) ConfirmGatewayPayment(_ context.Context, orderID uuid.UUID, claimToken, paymentID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	order, ok := f.orders[orderID]
	if !ok || f.claims[orderID] != claimToken {
		return domain.Conflict("order.confirm_payment", "payment claim no longer held")
	}
	order.GatewayPaymentID = paymentID
	delete(f.claims, orderID)
	order.Version++
	return nil
}

func (f *fakeOrderStore) ReleaseGatewayPayment(_ context.Context, orderID uuid.UUID, claimToken string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.claims[orderID] == claimToken {
		delete(f.claims, orderID)
		if order, ok := f.orders[orderID]; ok {
			order.Version++
		}
	}
	return nil
}

func (f *fakeOrderStore) ListPendingCreatedBetween(_ context.Context, ageCutoff, graceCutoff time.Time, limit int32) ([]domain.Order, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []domain.Order
	for _, order := range f.orders {
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

func (f *fakeOrderStore) ListPendingOlderThan(_ context.Context, cutoff time.Time, limit int32) ([]domain.Order, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []domain.Order
	for _, order := range f.orders {
		if order.Status == domain.StatusPending && order.CreatedAt.Before(cutoff) {
			out = append(out, *order)
			if int32(len(out)) == limit {
				break
			}
		}
	}
	return out, nil
}

func (f *fakeOrderStore) ListOrdersByStatus(_ context.Context, status domain.OrderStatus, limit, offset int32) ([]domain.Order, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []domain.Order
	for _, order := range f.orders {
		if order.Status == status {
			out = append(out, *order)
		}
	}
	return out, nil
}

func (f *fakeOrderStore) CountRecentOrdersByIP(_ context.Context, clientIP string, since time.Time) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var count int64
	for _, order := range f.orders {
		if order.ClientIP == clientIP && !order.CreatedAt.Before(since) {
			count++
		}
	}
	return count, nil
}

// fakeCatalog is an in-memory domain.CatalogStore.
type fakeCatalog struct {
	variants map[uuid.UUID]*domain.ProductVariant
	products map[uuid.UUID]*domain.Product
	coupons  map[string]*domain.Coupon
}

func newFakeCatalog() *fakeCatalog {
	return &fakeCatalog{
		variants: make(map[uuid.UUID]*domain.ProductVariant),
		products: make(map[uuid.UUID]*domain.Product),
		coupons:  make(map[string]*domain.Coupon),
	}
}

func (f *fakeCatalog) addVariant(name string, priceCents int64, stock int32) *domain.ProductVariant {
	product := &domain.Product{ID: uuid.New(), Name: name, Active: true}
	f.products[product.ID] = product
	variant := &domain.ProductVariant{
		ID:         uuid.New(),
		ProductID:  product.ID,
		SKU:        "SKU-" + name,
		PriceCents: priceCents,
		Stock:      stock,
		Active:     true,
	}
	f.variants[variant.ID] = variant
	return variant
}

func (f *fakeCatalog) GetVariant(_ context.Context, id uuid.UUID) (*domain.ProductVariant, error) {
	v, ok := f.variants[id]
	if !ok {
		return nil, domain.ErrProductNotFound
	}
	return v, nil
}

func (f *fakeCatalog) GetProduct(_ context.Context, id uuid.UUID) (*domain.Product, error) {
	p, ok := f.products[id]
	if !ok {
		return nil, domain.ErrProductNotFound
	}
	return p, nil
}

func (f *fakeCatalog) GetCoupon(_ context.Context, code string) (*domain.Coupon, error) {
	c, ok := f.coupons[code]
	if !ok {
		return nil, domain.ErrCouponNotFound
	}
	return c, nil
}

// recordingNotifier captures published events for assertions.
type recordingNotifier struct {
	mu     sync.Mutex
	events []notify.Event
}

func (n *recordingNotifier) OrderStatusChanged(_ context.Context, ev notify.Event) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, ev)
	return nil
}

func (n *recordingNotifier) all() []notify.Event {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]notify.Event(nil), n.events...)
}
