package domain

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Product is a sellable catalog entry. Orders never reference products
// directly; they snapshot the variant at creation time.
type Product struct {
	ID          uuid.UUID
	Name        string
	Description string
	Active      bool
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// ProductVariant is the purchasable unit (size/color) with live stock.
type ProductVariant struct {
	ID         uuid.UUID
	ProductID  uuid.UUID
	SKU        string
	Size       string
	Color      string
	PriceCents int64
	Stock      int32
	Active     bool
}

// Coupon is a discount code with a bounded usage budget. Uses are reserved
// at order creation and released when the order dies unpaid.
type Coupon struct {
	Code        string
	PercentOff  int32
	AmountCents int64
	MaxUses     int32
	Uses        int32
	ExpiresAt   *time.Time
	Active      bool
}

// DiscountFor computes the discount this coupon grants on a subtotal.
// Percent coupons round down; the discount never exceeds the subtotal.
func (c *Coupon) DiscountFor(subtotalCents int64) int64 {
	var discount int64
	if c.PercentOff > 0 {
		discount = subtotalCents * int64(c.PercentOff) / 100
	} else {
		discount = c.AmountCents
	}
	if discount > subtotalCents {
		discount = subtotalCents
	}
	return discount
}

// CatalogStore reads the live catalog and coupons.
// Stock and coupon-usage mutations are not exposed here: they only happen
// inside OrderStore transactions so reservations and releases stay atomic
// with the order rows they belong to.
type CatalogStore interface {
	GetVariant(ctx context.Context, variantID uuid.UUID) (*ProductVariant, error)
	GetProduct(ctx context.Context, productID uuid.UUID) (*Product, error)
	GetCoupon(ctx context.Context, code string) (*Coupon, error)
}
