package gateway

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/dukerupert/verdandi/internal/domain"
)

// Config holds gateway connection settings.
type Config struct {
	BaseURL       string
	AccessToken   string
	WebhookSecret string

	// Timeout bounds each gateway call. Defaults to 10s.
	Timeout time.Duration
}

type httpClient struct {
	cfg    Config
	http   *http.Client
	logger *slog.Logger
}

// NewHTTPClient returns a Provider backed by the gateway's REST API.
func NewHTTPClient(cfg Config, logger *slog.Logger) Provider {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	return &httpClient{
		cfg:    cfg,
		http:   &http.Client{Timeout: cfg.Timeout},
		logger: logger.With("component", "gateway"),
	}
}

// paymentResponse is the gateway's wire representation of a payment.
type paymentResponse struct {
	ID                string `json:"id"`
	ExternalReference string `json:"external_reference"`
	Status            string `json:"status"`
	StatusDetail      string `json:"status_detail"`
	AmountCents       int64  `json:"transaction_amount_cents"`
	PaymentMethod     string `json:"payment_method"`
	PointOfInteraction struct {
		TransactionData struct {
			QRCode       string    `json:"qr_code"`
			QRCodeBase64 string    `json:"qr_code_base64"`
			ExpiresAt    time.Time `json:"expiration_date"`
		} `json:"transaction_data"`
	} `json:"point_of_interaction"`
	DateCreated time.Time `json:"date_created"`
}

func (r *paymentResponse) toPayment() *Payment {
	return &Payment{
		ID:                r.ID,
		ExternalReference: r.ExternalReference,
		Status:            Status(r.Status),
		StatusDetail:      r.StatusDetail,
		AmountCents:       r.AmountCents,
		Method:            r.PaymentMethod,
		PixQRCode:         r.PointOfInteraction.TransactionData.QRCodeBase64,
		PixCopyPaste:      r.PointOfInteraction.TransactionData.QRCode,
		PixExpiresAt:      r.PointOfInteraction.TransactionData.ExpiresAt,
		CreatedAt:         r.DateCreated,
	}
}

func (c *httpClient) FetchPayment(ctx context.Context, paymentID string) (*Payment, error) {
	if paymentID == "" {
		return nil, domain.Invalid("gateway.fetch_payment", "payment id is required")
	}

	var resp paymentResponse
	if err := c.do(ctx, http.MethodGet, "/v1/payments/"+paymentID, "", nil, &resp); err != nil {
		return nil, err
	}
	return resp.toPayment(), nil
}

func (c *httpClient) CreatePixPayment(ctx context.Context, params CreatePaymentParams) (*Payment, error) {
	body := map[string]any{
		"external_reference":       params.ExternalReference,
		"transaction_amount_cents": params.AmountCents,
		"description":              params.Description,
		"payment_method":           "pix",
		"payer":                    map[string]string{"email": params.PayerEmail},
	}

	var resp paymentResponse
	if err := c.do(ctx, http.MethodPost, "/v1/payments", params.IdempotencyKey, body, &resp); err != nil {
		return nil, err
	}
	return resp.toPayment(), nil
}

func (c *httpClient) CreateCardPayment(ctx context.Context, params CreateCardPaymentParams) (*Payment, error) {
	body := map[string]any{
		"external_reference":       params.ExternalReference,
		"transaction_amount_cents": params.AmountCents,
		"description":              params.Description,
		"payment_method":           "card",
		"token":                    params.CardToken,
		"installments":             params.Installments,
		"payer":                    map[string]string{"email": params.PayerEmail},
	}

	var resp paymentResponse
	if err := c.do(ctx, http.MethodPost, "/v1/payments", params.IdempotencyKey, body, &resp); err != nil {
		return nil, err
	}
	return resp.toPayment(), nil
}

// VerifyWebhookSignature checks the hex-encoded HMAC-SHA256 of the raw body
// against the shared webhook secret, in constant time.
func (c *httpClient) VerifyWebhookSignature(payload []byte, signature string) error {
	mac := hmac.New(sha256.New, []byte(c.cfg.WebhookSecret))
	mac.Write(payload)
	expected := hex.EncodeToString(mac.Sum(nil))

	if !hmac.Equal([]byte(expected), []byte(signature)) {
		return ErrInvalidSignature
	}
	return nil
}

// do executes one gateway call and decodes the response into out.
// Error mapping: 404 -> ErrPaymentNotFound, other 4xx -> ErrCreationRejected,
// 5xx and transport failures -> ErrUnavailable.
func (c *httpClient) do(ctx context.Context, method, path, idempotencyKey string, body, out any) error {
	var reqBody io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return domain.Internal(err, "gateway.do", "failed to encode request")
		}
		reqBody = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.cfg.BaseURL+path, reqBody)
	if err != nil {
		return domain.Internal(err, "gateway.do", "failed to build request")
	}
	req.Header.Set("Authorization", "Bearer "+c.cfg.AccessToken)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if idempotencyKey != "" {
		req.Header.Set("X-Idempotency-Key", idempotencyKey)
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		c.logger.Warn("gateway request failed",
			"method", method,
			"path", path,
			"error", err)
		return domain.WrapError(fmt.Errorf("%w: %v", ErrUnavailable, err),
			domain.EGATEWAY, "gateway.do", "payment gateway unreachable")
	}
	defer resp.Body.Close()

	c.logger.Debug("gateway request",
		"method", method,
		"path", path,
		"status", resp.StatusCode,
		"duration_ms", time.Since(start).Milliseconds())

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		if out == nil {
			return nil
		}
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return domain.Internal(err, "gateway.do", "failed to decode gateway response")
		}
		return nil
	}

	apiErr := c.readAPIError(resp)

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return domain.WrapError(fmt.Errorf("%w: %v", ErrPaymentNotFound, apiErr),
			domain.ENOTFOUND, "gateway.do", "payment not found at gateway")
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return domain.WrapError(fmt.Errorf("%w: %v", ErrCreationRejected, apiErr),
			domain.EINVALID, "gateway.do", "gateway rejected the request")
	default:
		return domain.WrapError(fmt.Errorf("%w: %v", ErrUnavailable, apiErr),
			domain.EGATEWAY, "gateway.do", "payment gateway error")
	}
}

func (c *httpClient) readAPIError(resp *http.Response) *APIError {
	apiErr := &APIError{StatusCode: resp.StatusCode}

	var payload struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, 8<<10)).Decode(&payload); err == nil {
		apiErr.Code = payload.Error
		apiErr.Message = payload.Message
	}
	return apiErr
}
