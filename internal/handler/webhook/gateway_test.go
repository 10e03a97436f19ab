package webhook

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dukerupert/verdandi/internal/domain"
	"github.com/dukerupert/verdandi/internal/gateway"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeEventStore is an in-memory dedup set.
type fakeEventStore struct {
	mu        sync.Mutex
	received  map[string]string
	processed map[string]bool
}

func newFakeEventStore() *fakeEventStore {
	return &fakeEventStore{
		received:  make(map[string]string),
		processed: make(map[string]bool),
	}
}

func (s *fakeEventStore) MarkReceived(_ context.Context, eventID, paymentID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.received[eventID]; ok {
		return false, nil
	}
	s.received[eventID] = paymentID
	return true, nil
}

func (s *fakeEventStore) MarkProcessed(_ context.Context, eventID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.processed[eventID] = true
	return nil
}

// stubOrderService records ApplyGatewayPayment calls; everything else is
// unused by the webhook path.
type stubOrderService struct {
	mu      sync.Mutex
	applied []*gateway.Payment
	result  string
	err     error
}

func (s *stubOrderService) ApplyGatewayPayment(_ context.Context, payment *gateway.Payment, _ domain.Actor) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.applied = append(s.applied, payment)
	if s.result == "" && s.err == nil {
		return "applied", nil
	}
	return s.result, s.err
}

func (s *stubOrderService) MarkReadyForFulfillment(context.Context, uuid.UUID, domain.Actor) (*domain.Order, error) {
	panic("not used")
}

func (s *stubOrderService) MarkSentToFulfillment(context.Context, uuid.UUID, string, string, domain.Actor) (*domain.Order, error) {
	panic("not used")
}

func (s *stubOrderService) MarkFulfillmentFailed(context.Context, uuid.UUID, string, domain.Actor) (*domain.Order, error) {
	panic("not used")
}

func (s *stubOrderService) Cancel(context.Context, uuid.UUID, domain.Actor, string) (*domain.Order, error) {
	panic("not used")
}

func (s *stubOrderService) CancelAbandoned(context.Context, domain.Order) error {
	panic("not used")
}

func (s *stubOrderService) GetForCustomer(context.Context, string, string) (*domain.OrderDetail, error) {
	panic("not used")
}

func (s *stubOrderService) GetDetail(context.Context, uuid.UUID) (*domain.OrderDetail, error) {
	panic("not used")
}

func (s *stubOrderService) ListByStatus(context.Context, domain.OrderStatus, int32, int32) ([]domain.Order, error) {
	panic("not used")
}

func deliver(h *GatewayHandler, body, signature string) (*httptest.ResponseRecorder, error) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodPost, "/webhooks/gateway", strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	if signature != "" {
		req.Header.Set(SignatureHeader, signature)
	}
	rec := httptest.NewRecorder()
	return rec, h.Handle(e.NewContext(req, rec))
}

const approvedEvent = `{"id":"evt-1","action":"payment.updated","data":{"id":"pay-9"}}`

func TestHandle_AppliesFetchedStatus(t *testing.T) {
	events := newFakeEventStore()
	orderSvc := &stubOrderService{}
	provider := &gateway.Mock{
		FetchPaymentFunc: func(_ context.Context, id string) (*gateway.Payment, error) {
			return &gateway.Payment{
				ID:                id,
				ExternalReference: "VD-20260901-FFFF0001",
				Status:            gateway.StatusApproved,
			}, nil
		},
	}
	h := NewGatewayHandler(provider, orderSvc, events, testLogger())

	rec, err := deliver(h, approvedEvent, "sig")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, rec.Code)

	// The body's claimed status is irrelevant: the applied payment comes
	// from the authoritative fetch.
	require.Len(t, orderSvc.applied, 1)
	assert.Equal(t, "pay-9", orderSvc.applied[0].ID)
	assert.Equal(t, gateway.StatusApproved, orderSvc.applied[0].Status)
	assert.Equal(t, []string{"pay-9"}, provider.Calls)
	assert.True(t, events.processed["evt-1"])
}

func TestHandle_RejectsBadSignature(t *testing.T) {
	events := newFakeEventStore()
	orderSvc := &stubOrderService{}
	provider := &gateway.Mock{
		VerifyWebhookSignatureFunc: func([]byte, string) error {
			return gateway.ErrInvalidSignature
		},
	}
	h := NewGatewayHandler(provider, orderSvc, events, testLogger())

	_, err := deliver(h, approvedEvent, "forged")
	require.Error(t, err)
	assert.Equal(t, domain.EUNAUTHORIZED, domain.ErrorCode(err))
	assert.Empty(t, orderSvc.applied)
	assert.Empty(t, events.received)
}

func TestHandle_DuplicateEventShortCircuits(t *testing.T) {
	events := newFakeEventStore()
	orderSvc := &stubOrderService{}
	provider := &gateway.Mock{
		FetchPaymentFunc: func(_ context.Context, id string) (*gateway.Payment, error) {
			return &gateway.Payment{ID: id, ExternalReference: "VD-20260901-FFFF0002", Status: gateway.StatusApproved}, nil
		},
	}
	h := NewGatewayHandler(provider, orderSvc, events, testLogger())

	rec, err := deliver(h, approvedEvent, "sig")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, rec.Code)

	// Redelivery: still 200, but no second fetch and no second apply.
	rec, err = deliver(h, approvedEvent, "sig")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, provider.Calls, 1)
	assert.Len(t, orderSvc.applied, 1)
}

func TestHandle_RejectsMissingIdentifiers(t *testing.T) {
	h := NewGatewayHandler(&gateway.Mock{}, &stubOrderService{}, newFakeEventStore(), testLogger())

	for _, body := range []string{
		`{"action":"payment.updated","data":{"id":"pay-9"}}`,
		`{"id":"evt-1","action":"payment.updated","data":{}}`,
		`not json`,
	} {
		_, err := deliver(h, body, "sig")
		require.Error(t, err, body)
		assert.Equal(t, domain.EINVALID, domain.ErrorCode(err))
	}
}

func TestHandle_UnknownOrderIsDiscardedWith200(t *testing.T) {
	events := newFakeEventStore()
	orderSvc := &stubOrderService{err: domain.ErrOrderNotFound}
	provider := &gateway.Mock{
		FetchPaymentFunc: func(_ context.Context, id string) (*gateway.Payment, error) {
			return &gateway.Payment{ID: id, ExternalReference: "VD-UNKNOWN", Status: gateway.StatusApproved}, nil
		},
	}
	h := NewGatewayHandler(provider, orderSvc, events, testLogger())

	rec, err := deliver(h, approvedEvent, "sig")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, events.processed["evt-1"])
}

func TestHandle_FetchFailureStillAcknowledged(t *testing.T) {
	events := newFakeEventStore()
	orderSvc := &stubOrderService{}
	provider := &gateway.Mock{
		FetchPaymentFunc: func(context.Context, string) (*gateway.Payment, error) {
			return nil, domain.WrapError(gateway.ErrUnavailable, domain.EGATEWAY, "gateway.do", "payment gateway unreachable")
		},
	}
	h := NewGatewayHandler(provider, orderSvc, events, testLogger())

	// The event is durably recorded, so we acknowledge and leave the
	// unresolved order to the reconciler.
	rec, err := deliver(h, approvedEvent, "sig")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, orderSvc.applied)
	assert.False(t, events.processed["evt-1"])
}
