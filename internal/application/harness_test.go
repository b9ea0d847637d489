package application_test

import (
	"sync"
	"testing"
	"time"

	"github.com/viralforge/mesh/services/financial-rails/M42-referral-settlement-service/internal/adapters/cache"
	"github.com/viralforge/mesh/services/financial-rails/M42-referral-settlement-service/internal/adapters/memory"
	"github.com/viralforge/mesh/services/financial-rails/M42-referral-settlement-service/internal/application"
	"github.com/viralforge/mesh/services/financial-rails/M42-referral-settlement-service/internal/ports"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type harness struct {
	svc      *application.Service
	store    *memory.Store
	catalog  *memory.Catalog
	carts    *memory.Carts
	payments *memory.Payments
	clock    *testClock
}

var (
	owner  = application.Actor{SubjectID: "user-owner", Role: "user"}
	buyer  = application.Actor{SubjectID: "user-buyer", Role: "user"}
	admin  = application.Actor{SubjectID: "ops-1", Role: "admin"}
	system = application.Actor{SubjectID: "fulfillment", Role: "service"}
)

func newHarness(t *testing.T) *harness {
	t.Helper()
	store := memory.NewStore()
	catalog := memory.NewCatalog()
	catalog.PutVariant(ports.Variant{ProductID: "P1", VariantID: "V1", SKU: "SKU-P1", PriceCents: 4200, Currency: "USD", Available: 100})
	catalog.PutVariant(ports.Variant{ProductID: "P2", VariantID: "V1", SKU: "SKU-P2", PriceCents: 1000, Currency: "USD", Available: 100})
	catalog.PutVariant(ports.Variant{ProductID: "P3", VariantID: "V1", SKU: "SKU-P3", PriceCents: 500, Currency: "EUR", Available: 1})
	carts := memory.NewCarts()
	payments := memory.NewPayments()
	clock := &testClock{now: time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)}

	svc := application.NewService(application.Dependencies{
		Config: application.Config{
			IdempotencyWaitTimeout:  2 * time.Second,
			IdempotencyPollInterval: 5 * time.Millisecond,
		},
		Referrals:      store.Referrals,
		ReferralEvents: store.ReferralEvents,
		Attributions:   store.Attributions,
		Orders:         store.Orders,
		Rewards:        store.Rewards,
		Idempotency:    store.Idempotency,
		Checkouts:      store.Checkouts,
		Conversions:    store.Conversions,
		Outbox:         store.Outbox,
		EventDedup:     store.EventDedup,
		Payments:       payments,
		Catalog:        catalog,
		Carts:          carts,
		Limiter:        cache.NewMemoryIssuanceLimiter(10, 24*time.Hour),
		Clock:          clock.Now,
	})
	return &harness{svc: svc, store: store, catalog: catalog, carts: carts, payments: payments, clock: clock}
}

func checkoutInput(key, userID, rid string, items ...application.CheckoutItem) application.CheckoutInput {
	if len(items) == 0 {
		items = []application.CheckoutItem{{ProductID: "P1", VariantID: "V1", Quantity: 1}}
	}
	return application.CheckoutInput{
		IdempotencyKey:    key,
		UserID:            userID,
		Items:             items,
		PaymentTokenID:    "tok_visa",
		ShippingAddressID: "addr-ship",
		BillingAddressID:  "addr-bill",
		RID:               rid,
	}
}
