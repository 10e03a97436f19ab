package gateway

import (
	"context"
)

// Mock is a test double for Provider. Each method delegates to the matching
// function field when set and falls back to a benign default otherwise.
type Mock struct {
	FetchPaymentFunc           func(ctx context.Context, paymentID string) (*Payment, error)
	CreatePixPaymentFunc       func(ctx context.Context, params CreatePaymentParams) (*Payment, error)
	CreateCardPaymentFunc      func(ctx context.Context, params CreateCardPaymentParams) (*Payment, error)
	VerifyWebhookSignatureFunc func(payload []byte, signature string) error

	// Calls records every FetchPayment id for assertion convenience.
	Calls []string
}

var _ Provider = (*Mock)(nil)

func (m *Mock) FetchPayment(ctx context.Context, paymentID string) (*Payment, error) {
	m.Calls = append(m.Calls, paymentID)
	if m.FetchPaymentFunc != nil {
		return m.FetchPaymentFunc(ctx, paymentID)
	}
	return &Payment{ID: paymentID, Status: StatusPending}, nil
}

func (m *Mock) CreatePixPayment(ctx context.Context, params CreatePaymentParams) (*Payment, error) {
	if m.CreatePixPaymentFunc != nil {
		return m.CreatePixPaymentFunc(ctx, params)
	}
	return &Payment{
		ID:                "mock-pix-" + params.ExternalReference,
		ExternalReference: params.ExternalReference,
		Status:            StatusPending,
		AmountCents:       params.AmountCents,
		Method:            "pix",
		PixCopyPaste:      "00020126mockpixpayload",
	}, nil
}

func (m *Mock) CreateCardPayment(ctx context.Context, params CreateCardPaymentParams) (*Payment, error) {
	if m.CreateCardPaymentFunc != nil {
		return m.CreateCardPaymentFunc(ctx, params)
	}
	return &Payment{
		ID:                "mock-card-" + params.ExternalReference,
		ExternalReference: params.ExternalReference,
		Status:            StatusApproved,
		AmountCents:       params.AmountCents,
		Method:            "card",
	}, nil
}

func (m *Mock) VerifyWebhookSignature(payload []byte, signature string) error {
	if m.VerifyWebhookSignatureFunc != nil {
		return m.VerifyWebhookSignatureFunc(payload, signature)
	}
	return nil
}
