package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/dukerupert/verdandi/internal/domain"
)

// OrderStore implements domain.OrderStore using PostgreSQL.
// All multi-row mutations (creation, transitions with their side effects)
// run inside a single transaction.
type OrderStore struct {
	pool *pgxpool.Pool
}

var _ domain.OrderStore = (*OrderStore)(nil)

// NewOrderStore creates a PostgreSQL-backed order store.
func NewOrderStore(pool *pgxpool.Pool) *OrderStore {
	return &OrderStore{pool: pool}
}

const orderColumns = `
	id, external_reference, status, payer_email,
	subtotal_cents, discount_cents, shipping_cents, total_cents,
	coupon_code, gateway_payment_id, fulfillment_order_id,
	risk_score, risk_flags, client_ip, user_agent,
	version, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanOrder(row rowScanner) (*domain.Order, error) {
	var o domain.Order
	err := row.Scan(
		&o.ID, &o.ExternalReference, &o.Status, &o.PayerEmail,
		&o.SubtotalCents, &o.DiscountCents, &o.ShippingCents, &o.TotalCents,
		&o.CouponCode, &o.GatewayPaymentID, &o.FulfillmentOrderID,
		&o.RiskScore, &o.RiskFlags, &o.ClientIP, &o.UserAgent,
		&o.Version, &o.CreatedAt, &o.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &o, nil
}

// CreateOrder creates an order atomically: the order row, item snapshots,
// the coupon usage reservation and the stock decrements all commit together
// or not at all.
func (s *OrderStore) CreateOrder(ctx context.Context, params domain.CreateOrderParams) (*domain.Order, error) {
	const op = "order.create"

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, domain.Internal(err, op, "failed to begin transaction")
	}
	defer tx.Rollback(ctx)

	if params.CouponCode != "" {
		if err := reserveCouponUse(ctx, tx, params.CouponCode); err != nil {
			return nil, err
		}
	}

	for _, item := range params.Items {
		tag, err := tx.Exec(ctx, `
			UPDATE product_variants
			SET stock = stock - $2
			WHERE id = $1 AND active AND stock >= $2`,
			item.VariantID, item.Quantity)
		if err != nil {
			return nil, domain.Internal(err, op, "failed to decrement stock")
		}
		if tag.RowsAffected() == 0 {
			return nil, domain.ErrOutOfStockVariant
		}
	}

	row := tx.QueryRow(ctx, `
		INSERT INTO orders (
			external_reference, status, payer_email,
			subtotal_cents, discount_cents, shipping_cents, total_cents,
			coupon_code, risk_score, risk_flags, client_ip, user_agent
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		RETURNING `+orderColumns,
		params.ExternalReference, domain.StatusPending, params.PayerEmail,
		params.SubtotalCents, params.DiscountCents, params.ShippingCents, params.TotalCents,
		params.CouponCode, params.RiskScore, params.RiskFlags, params.ClientIP, params.UserAgent,
	)
	order, err := scanOrder(row)
	if err != nil {
		return nil, domain.Internal(err, op, "failed to insert order")
	}

	for _, item := range params.Items {
		_, err := tx.Exec(ctx, `
			INSERT INTO order_items (
				order_id, product_id, variant_id,
				product_name, sku, size, color, quantity, unit_price_cents
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
			order.ID, item.ProductID, item.VariantID,
			item.ProductName, item.SKU, item.Size, item.Color,
			item.Quantity, item.UnitPriceCents)
		if err != nil {
			return nil, domain.Internal(err, op, "failed to insert order item")
		}
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO order_transitions (order_id, from_status, to_status, actor, reason)
		VALUES ($1, '', $2, $3, 'order created')`,
		order.ID, domain.StatusPending, domain.ActorCheckout)
	if err != nil {
		return nil, domain.Internal(err, op, "failed to record creation")
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, domain.Internal(err, op, "failed to commit order creation")
	}
	return order, nil
}

// reserveCouponUse increments the coupon's usage count under its guards.
// On failure it re-reads the coupon to return the precise rejection reason.
func reserveCouponUse(ctx context.Context, tx pgx.Tx, code string) error {
	const op = "order.create"

	tag, err := tx.Exec(ctx, `
		UPDATE coupons
		SET uses = uses + 1
		WHERE code = $1 AND active
		  AND (expires_at IS NULL OR expires_at > now())
		  AND (max_uses = 0 OR uses < max_uses)`,
		code)
	if err != nil {
		return domain.Internal(err, op, "failed to reserve coupon use")
	}
	if tag.RowsAffected() == 1 {
		return nil
	}

	var expiresAt *time.Time
	var active bool
	err = tx.QueryRow(ctx, `SELECT expires_at, active FROM coupons WHERE code = $1`, code).
		Scan(&expiresAt, &active)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.ErrCouponNotFound
	}
	if err != nil {
		return domain.Internal(err, op, "failed to inspect coupon")
	}
	if !active || (expiresAt != nil && !expiresAt.After(time.Now())) {
		return domain.ErrCouponExpired
	}
	return domain.ErrCouponExhausted
}

func (s *OrderStore) GetOrder(ctx context.Context, id uuid.UUID) (*domain.Order, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = $1`, id)
	order, err := scanOrder(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrOrderNotFound
	}
	if err != nil {
		return nil, domain.Internal(err, "order.get", "failed to get order")
	}
	return order, nil
}

func (s *OrderStore) GetOrderByExternalReference(ctx context.Context, ref string) (*domain.Order, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+orderColumns+` FROM orders WHERE external_reference = $1`, ref)
	order, err := scanOrder(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrOrderNotFound
	}
	if err != nil {
		return nil, domain.Internal(err, "order.get_by_reference", "failed to get order")
	}
	return order, nil
}

func (s *OrderStore) GetOrderItems(ctx context.Context, orderID uuid.UUID) ([]domain.OrderItem, error) {
	const op = "order.get_items"

	rows, err := s.pool.Query(ctx, `
		SELECT id, order_id, product_id, variant_id,
		       product_name, sku, size, color, quantity, unit_price_cents
		FROM order_items
		WHERE order_id = $1
		ORDER BY id`, orderID)
	if err != nil {
		return nil, domain.Internal(err, op, "failed to query order items")
	}
	defer rows.Close()

	var items []domain.OrderItem
	for rows.Next() {
		var it domain.OrderItem
		err := rows.Scan(&it.ID, &it.OrderID, &it.ProductID, &it.VariantID,
			&it.ProductName, &it.SKU, &it.Size, &it.Color, &it.Quantity, &it.UnitPriceCents)
		if err != nil {
			return nil, domain.Internal(err, op, "failed to scan order item")
		}
		items = append(items, it)
	}
	if err := rows.Err(); err != nil {
		return nil, domain.Internal(err, op, "failed to read order items")
	}
	return items, nil
}

func (s *OrderStore) ListTransitions(ctx context.Context, orderID uuid.UUID) ([]domain.TransitionLogEntry, error) {
	const op = "order.list_transitions"

	rows, err := s.pool.Query(ctx, `
		SELECT id, order_id, from_status, to_status, actor, reason, gateway_status, created_at
		FROM order_transitions
		WHERE order_id = $1
		ORDER BY id`, orderID)
	if err != nil {
		return nil, domain.Internal(err, op, "failed to query transitions")
	}
	defer rows.Close()

	var entries []domain.TransitionLogEntry
	for rows.Next() {
		var e domain.TransitionLogEntry
		err := rows.Scan(&e.ID, &e.OrderID, &e.FromStatus, &e.ToStatus,
			&e.Actor, &e.Reason, &e.GatewayStatus, &e.CreatedAt)
		if err != nil {
			return nil, domain.Internal(err, op, "failed to scan transition")
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, domain.Internal(err, op, "failed to read transitions")
	}
	return entries, nil
}

// Transition applies one lifecycle edge with compare-and-swap on the order
// version. The status change, the audit entry and any coupon/stock releases
// commit in the same transaction. A version mismatch returns ESTALE and
// changes nothing.
func (s *OrderStore) Transition(ctx context.Context, params domain.TransitionParams) (*domain.Order, error) {
	const op = "order.transition"

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, domain.Internal(err, op, "failed to begin transaction")
	}
	defer tx.Rollback(ctx)

	row := tx.QueryRow(ctx, `
		UPDATE orders
		SET status = $4,
		    version = version + 1,
		    updated_at = now(),
		    fulfillment_order_id = CASE WHEN $5 <> '' THEN $5 ELSE fulfillment_order_id END
		WHERE id = $1 AND version = $2 AND status = $3
		RETURNING `+orderColumns,
		params.OrderID, params.ExpectedVersion, params.From, params.To, params.FulfillmentOrderID,
	)
	order, err := scanOrder(row)
	if errors.Is(err, pgx.ErrNoRows) {
		var exists bool
		if err := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM orders WHERE id = $1)`, params.OrderID).
			Scan(&exists); err != nil {
			return nil, domain.Internal(err, op, "failed to check order existence")
		}
		if !exists {
			return nil, domain.ErrOrderNotFound
		}
		return nil, domain.Stale(op)
	}
	if err != nil {
		return nil, domain.Internal(err, op, "failed to update order status")
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO order_transitions (order_id, from_status, to_status, actor, reason, gateway_status)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		params.OrderID, params.From, params.To, params.Actor, params.Reason, params.GatewayStatus)
	if err != nil {
		return nil, domain.Internal(err, op, "failed to append transition log")
	}

	if params.ReleaseCoupon && order.CouponCode != "" {
		_, err := tx.Exec(ctx, `
			UPDATE coupons SET uses = GREATEST(uses - 1, 0) WHERE code = $1`,
			order.CouponCode)
		if err != nil {
			return nil, domain.Internal(err, op, "failed to release coupon use")
		}
	}

	if params.RestoreStock {
		_, err := tx.Exec(ctx, `
			UPDATE product_variants pv
			SET stock = pv.stock + oi.quantity
			FROM order_items oi
			WHERE oi.order_id = $1 AND oi.variant_id = pv.id`,
			params.OrderID)
		if err != nil {
			return nil, domain.Internal(err, op, "failed to restore stock")
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, domain.Internal(err, op, "failed to commit transition")
	}
	return order, nil
}

// ClaimGatewayPayment claims the order's single payment slot. The guarded
// update only succeeds while the order is PENDING with no payment id and no
// outstanding claim, so concurrent payment attempts lose cleanly.
func (s *OrderStore) ClaimGatewayPayment(ctx context.Context, orderID uuid.UUID, claimToken string) error {
	const op = "order.claim_payment"

	tag, err := s.pool.Exec(ctx, `
		UPDATE orders
		SET payment_claim_token = $2, version = version + 1, updated_at = now()
		WHERE id = $1 AND status = $3
		  AND gateway_payment_id = '' AND payment_claim_token = ''`,
		orderID, claimToken, domain.StatusPending)
	if err != nil {
		return domain.Internal(err, op, "failed to claim payment slot")
	}
	if tag.RowsAffected() == 1 {
		return nil
	}

	var exists bool
	if err := s.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM orders WHERE id = $1)`, orderID).
		Scan(&exists); err != nil {
		return domain.Internal(err, op, "failed to check order existence")
	}
	if !exists {
		return domain.ErrOrderNotFound
	}
	return domain.ErrDuplicatePaymentAttempt
}

func (s *OrderStore) ConfirmGatewayPayment(ctx context.Context, orderID uuid.UUID, claimToken, paymentID string) error {
	const op = "order.confirm_payment"

	tag, err := s.pool.Exec(ctx, `
		UPDATE orders
		SET gateway_payment_id = $3, payment_claim_token = '',
		    version = version + 1, updated_at = now()
		WHERE id = $1 AND payment_claim_token = $2`,
		orderID, claimToken, paymentID)
	if err != nil {
		return domain.Internal(err, op, "failed to confirm payment claim")
	}
	if tag.RowsAffected() == 0 {
		return domain.Conflict(op, "payment claim no longer held")
	}
	return nil
}

func (s *OrderStore) ReleaseGatewayPayment(ctx context.Context, orderID uuid.UUID, claimToken string) error {
	const op = "order.release_payment"

	_, err := s.pool.Exec(ctx, `
		UPDATE orders
		SET payment_claim_token = '', version = version + 1, updated_at = now()
		WHERE id = $1 AND payment_claim_token = $2`,
		orderID, claimToken)
	if err != nil {
		return domain.Internal(err, op, "failed to release payment claim")
	}
	return nil
}

func (s *OrderStore) ListPendingCreatedBetween(ctx context.Context, ageCutoff, graceCutoff time.Time, limit int32) ([]domain.Order, error) {
	return s.listOrders(ctx, "order.list_pending_window", `
		SELECT `+orderColumns+`
		FROM orders
		WHERE status = $1 AND created_at >= $2 AND created_at <= $3
		ORDER BY created_at
		LIMIT $4`,
		domain.StatusPending, ageCutoff, graceCutoff, limit)
}

func (s *OrderStore) ListPendingOlderThan(ctx context.Context, cutoff time.Time, limit int32) ([]domain.Order, error) {
	return s.listOrders(ctx, "order.list_pending_stale", `
		SELECT `+orderColumns+`
		FROM orders
		WHERE status = $1 AND created_at < $2
		ORDER BY created_at
		LIMIT $3`,
		domain.StatusPending, cutoff, limit)
}

func (s *OrderStore) ListOrdersByStatus(ctx context.Context, status domain.OrderStatus, limit, offset int32) ([]domain.Order, error) {
	return s.listOrders(ctx, "order.list_by_status", `
		SELECT `+orderColumns+`
		FROM orders
		WHERE status = $1
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3`,
		status, limit, offset)
}

func (s *OrderStore) CountRecentOrdersByIP(ctx context.Context, clientIP string, since time.Time) (int64, error) {
	var count int64
	err := s.pool.QueryRow(ctx, `
		SELECT count(*) FROM orders WHERE client_ip = $1 AND created_at >= $2`,
		clientIP, since).Scan(&count)
	if err != nil {
		return 0, domain.Internal(err, "order.count_by_ip", "failed to count recent orders")
	}
	return count, nil
}

func (s *OrderStore) listOrders(ctx context.Context, op, query string, args ...any) ([]domain.Order, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, domain.Internal(err, op, "failed to query orders")
	}
	defer rows.Close()

	var orders []domain.Order
	for rows.Next() {
		order, err := scanOrder(rows)
		if err != nil {
			return nil, domain.Internal(err, op, "failed to scan order")
		}
		orders = append(orders, *order)
	}
	if err := rows.Err(); err != nil {
		return nil, domain.Internal(err, op, "failed to read orders")
	}
	return orders, nil
}
