package ports

import (
	"context"
	"time"
)

type ChargeRequest struct {
	PaymentTokenID string
	AmountCents    int64
	Currency       string
	IdempotencyKey string
	UserID         string
}

type ChargeResult struct {
	PaymentIntentRef string
}

// PaymentClient charges a tokenized payment method. A decline is reported as domain.ErrPaymentDeclined;
// any other error means the outcome is unknown to the caller.
type PaymentClient interface {
	Charge(ctx context.Context, req ChargeRequest) (ChargeResult, error)
}

type Product struct {
	ProductID string
	Title     string
	Active    bool
}

type Variant struct {
	ProductID  string
	VariantID  string
	SKU        string
	PriceCents int64
	Currency   string
	Available  int64
}

type CatalogClient interface {
	GetProduct(ctx context.Context, productID string) (Product, error)
	GetVariant(ctx context.Context, productID, variantID string) (Variant, error)
}

type CartItem struct {
	ProductID string
	VariantID string
	Quantity  int
}

type CartSnapshot struct {
	CartID string
	UserID string
	Items  []CartItem
}

type CartClient interface {
	GetCart(ctx context.Context, cartID, userID string) (CartSnapshot, error)
}

// IssuanceLimiter is a per-user sliding window over referral creation times.
type IssuanceLimiter interface {
	// Acquire records a slot at now unless the window is full. The returned token releases the slot.
	Acquire(ctx context.Context, userID string, now time.Time) (token string, ok bool, err error)
	Release(ctx context.Context, userID, token string) error
}

type EventPublisher interface {
	Publish(ctx context.Context, eventType string, payload []byte, partitionKey string) error
}

type Principal struct {
	SubjectID string
	Role      string
}

type TokenVerifier interface {
	Verify(ctx context.Context, rawToken string) (Principal, error)
}
