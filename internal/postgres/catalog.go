package postgres

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/dukerupert/verdandi/internal/domain"
)

// CatalogStore implements domain.CatalogStore using PostgreSQL.
type CatalogStore struct {
	pool *pgxpool.Pool
}

var _ domain.CatalogStore = (*CatalogStore)(nil)

// NewCatalogStore creates a PostgreSQL-backed catalog store.
func NewCatalogStore(pool *pgxpool.Pool) *CatalogStore {
	return &CatalogStore{pool: pool}
}

func (s *CatalogStore) GetVariant(ctx context.Context, variantID uuid.UUID) (*domain.ProductVariant, error) {
	var v domain.ProductVariant
	err := s.pool.QueryRow(ctx, `
		SELECT id, product_id, sku, size, color, price_cents, stock, active
		FROM product_variants
		WHERE id = $1`, variantID).
		Scan(&v.ID, &v.ProductID, &v.SKU, &v.Size, &v.Color, &v.PriceCents, &v.Stock, &v.Active)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrProductNotFound
	}
	if err != nil {
		return nil, domain.Internal(err, "catalog.get_variant", "failed to get variant")
	}
	return &v, nil
}

func (s *CatalogStore) GetProduct(ctx context.Context, productID uuid.UUID) (*domain.Product, error) {
	var p domain.Product
	err := s.pool.QueryRow(ctx, `
		SELECT id, name, description, active, created_at, updated_at
		FROM products
		WHERE id = $1`, productID).
		Scan(&p.ID, &p.Name, &p.Description, &p.Active, &p.CreatedAt, &p.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrProductNotFound
	}
	if err != nil {
		return nil, domain.Internal(err, "catalog.get_product", "failed to get product")
	}
	return &p, nil
}

func (s *CatalogStore) GetCoupon(ctx context.Context, code string) (*domain.Coupon, error) {
	var c domain.Coupon
	err := s.pool.QueryRow(ctx, `
		SELECT code, percent_off, amount_cents, max_uses, uses, expires_at, active
		FROM coupons
		WHERE code = $1`, code).
		Scan(&c.Code, &c.PercentOff, &c.AmountCents, &c.MaxUses, &c.Uses, &c.ExpiresAt, &c.Active)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrCouponNotFound
	}
	if err != nil {
		return nil, domain.Internal(err, "catalog.get_coupon", "failed to get coupon")
	}
	return &c, nil
}
