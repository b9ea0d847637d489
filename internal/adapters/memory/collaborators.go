package memory

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/viralforge/mesh/services/financial-rails/M42-referral-settlement-service/internal/domain"
	"github.com/viralforge/mesh/services/financial-rails/M42-referral-settlement-service/internal/ports"
)

// Catalog is a fixed product list used when no catalog service is configured.
type Catalog struct {
	mu       sync.RWMutex
	products map[string]ports.Product
	variants map[string]ports.Variant
}

func NewCatalog() *Catalog {
	return &Catalog{products: map[string]ports.Product{}, variants: map[string]ports.Variant{}}
}

func (c *Catalog) PutVariant(v ports.Variant) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.products[v.ProductID]; !ok {
		c.products[v.ProductID] = ports.Product{ProductID: v.ProductID, Title: v.ProductID, Active: true}
	}
	c.variants[v.ProductID+"/"+v.VariantID] = v
}

func (c *Catalog) GetProduct(_ context.Context, productID string) (ports.Product, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	p, ok := c.products[productID]
	if !ok {
		return ports.Product{}, domain.ErrProductNotFound
	}
	return p, nil
}

func (c *Catalog) GetVariant(_ context.Context, productID, variantID string) (ports.Variant, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.variants[productID+"/"+variantID]
	if !ok {
		return ports.Variant{}, domain.ErrProductNotFound
	}
	return v, nil
}

type Carts struct {
	mu    sync.RWMutex
	carts map[string]ports.CartSnapshot
}

func NewCarts() *Carts { return &Carts{carts: map[string]ports.CartSnapshot{}} }

func (c *Carts) Put(cart ports.CartSnapshot) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.carts[cart.CartID] = cart
}

func (c *Carts) GetCart(_ context.Context, cartID, _ string) (ports.CartSnapshot, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	cart, ok := c.carts[cartID]
	if !ok {
		return ports.CartSnapshot{}, domain.ErrNotFound
	}
	return cart, nil
}

// Payments approves every token except those prefixed "tok_decline". Tokens prefixed "tok_unavailable"
// fail as a transport error.
type Payments struct {
	Delay   time.Duration
	charges atomic.Int64
}

func NewPayments() *Payments { return &Payments{} }

func (p *Payments) Charge(ctx context.Context, req ports.ChargeRequest) (ports.ChargeResult, error) {
	if p.Delay > 0 {
		select {
		case <-ctx.Done():
			return ports.ChargeResult{}, ctx.Err()
		case <-time.After(p.Delay):
		}
	}
	switch {
	case strings.HasPrefix(req.PaymentTokenID, "tok_decline"):
		return ports.ChargeResult{}, domain.ErrPaymentDeclined
	case strings.HasPrefix(req.PaymentTokenID, "tok_unavailable"):
		return ports.ChargeResult{}, errors.New("payment provider connection refused")
	}
	p.charges.Add(1)
	return ports.ChargeResult{PaymentIntentRef: "pi_" + uuid.NewString()}, nil
}

// Charges reports how many charges were approved.
func (p *Payments) Charges() int64 { return p.charges.Load() }
