package application_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/viralforge/mesh/services/financial-rails/M42-referral-settlement-service/internal/application"
	"github.com/viralforge/mesh/services/financial-rails/M42-referral-settlement-service/internal/domain"
	"github.com/viralforge/mesh/services/financial-rails/M42-referral-settlement-service/internal/ports"
)

func TestCheckoutAttributedPurchaseCreatesHeldReward(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	issued, err := h.svc.IssueReferral(ctx, owner, "P1")
	require.NoError(t, err)
	rid := issued.Referral.RID

	res, err := h.svc.ValidateReferral(ctx, buyer, application.ValidateReferralInput{RID: rid, UserID: buyer.SubjectID})
	require.NoError(t, err)
	require.True(t, res.Valid)

	out, err := h.svc.Checkout(ctx, checkoutInput("key-42", buyer.SubjectID, rid))
	require.NoError(t, err)
	assert.False(t, out.Replayed)
	assert.Equal(t, int64(4200), out.Result.TotalCents)
	assert.Equal(t, domain.OrderStatusPaid, out.Result.Status)
	assert.Equal(t, domain.CheckoutNextAwaitFulfillment, out.Result.Next)
	assert.Equal(t, rid, out.Result.ReferralID)
	assert.Equal(t, domain.AttributionFirstClick, out.Result.Attribution)

	rewards, err := h.svc.ListRewardsByReferral(ctx, owner, rid)
	require.NoError(t, err)
	require.Len(t, rewards, 1)
	assert.Equal(t, domain.RewardStatusPendingHold, rewards[0].Status)
	assert.Equal(t, out.Result.OrderID, rewards[0].OrderID)
	assert.Equal(t, int64(420), rewards[0].AmountCents)
	assert.Equal(t, h.clock.Now().Add(30*24*time.Hour), rewards[0].HoldUntil)

	view, err := h.svc.GetReferral(ctx, owner, rid)
	require.NoError(t, err)
	assert.Equal(t, int64(1), view.Referral.Conversions)
	assert.Equal(t, int64(4200), view.Referral.GMVCents)
	assert.Equal(t, int64(420), view.Rewards.PendingHoldCents)

	order, err := h.svc.GetOrder(ctx, buyer, out.Result.OrderID)
	require.NoError(t, err)
	require.Len(t, order.Timeline, 2)
	assert.Equal(t, domain.OrderStatusCreated, order.Timeline[0].To)
	assert.Equal(t, domain.OrderStatusPaid, order.Timeline[1].To)

	types := h.store.Outbox.EventTypes()
	assert.Contains(t, types, domain.EventCommerceOrderPaid)
	assert.Contains(t, types, domain.EventReferralConversionRecorded)
	assert.Contains(t, types, domain.EventRewardEntryCreated)
}

func TestCheckoutConcurrentSameKeyCreatesOneOrder(t *testing.T) {
	h := newHarness(t)
	h.payments.Delay = 20 * time.Millisecond
	ctx := context.Background()
	in := checkoutInput("key-10", buyer.SubjectID, "", application.CheckoutItem{ProductID: "P2", VariantID: "V1", Quantity: 1})

	const callers = 8
	var wg sync.WaitGroup
	results := make([]application.CheckoutOutcome, callers)
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = h.svc.Checkout(ctx, in)
		}(i)
	}
	wg.Wait()

	for i := 0; i < callers; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, results[0].Result.OrderID, results[i].Result.OrderID)
		assert.Equal(t, int64(1000), results[i].Result.TotalCents)
	}
	assert.Equal(t, 1, h.store.Checkouts.OrderCount())
	assert.Equal(t, int64(1), h.payments.Charges())

	replay, err := h.svc.Checkout(ctx, in)
	require.NoError(t, err)
	assert.True(t, replay.Replayed)
	assert.Equal(t, results[0].Result, replay.Result)
}

func TestCheckoutSameKeyDifferentPayloadConflicts(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	_, err := h.svc.Checkout(ctx, checkoutInput("key-conflict", buyer.SubjectID, ""))
	require.NoError(t, err)

	changed := checkoutInput("key-conflict", buyer.SubjectID, "", application.CheckoutItem{ProductID: "P1", VariantID: "V1", Quantity: 2})
	_, err = h.svc.Checkout(ctx, changed)
	assert.ErrorIs(t, err, domain.ErrIdempotencyConflict)
	assert.Equal(t, 1, h.store.Checkouts.OrderCount())
	assert.Equal(t, int64(1), h.payments.Charges())
}

func TestCheckoutRetryAfterRecordExpiryReplaysOrder(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	in := checkoutInput("key-ttl", buyer.SubjectID, "")
	first, err := h.svc.Checkout(ctx, in)
	require.NoError(t, err)

	h.clock.Advance(25 * time.Hour)
	second, err := h.svc.Checkout(ctx, in)
	require.NoError(t, err)
	assert.True(t, second.Replayed)
	assert.Equal(t, first.Result.OrderID, second.Result.OrderID)
	assert.Equal(t, first.Result.PaymentIntentRef, second.Result.PaymentIntentRef)

	third, err := h.svc.Checkout(ctx, in)
	require.NoError(t, err)
	assert.True(t, third.Replayed)
	assert.Equal(t, first.Result.PaymentIntentRef, third.Result.PaymentIntentRef)

	changed := checkoutInput("key-ttl", buyer.SubjectID, "", application.CheckoutItem{ProductID: "P2", VariantID: "V1", Quantity: 1})
	h.clock.Advance(25 * time.Hour)
	_, err = h.svc.Checkout(ctx, changed)
	assert.ErrorIs(t, err, domain.ErrIdempotencyConflict)

	assert.Equal(t, int64(1), h.payments.Charges())
	assert.Equal(t, 1, h.store.Checkouts.OrderCount())
}

func TestCheckoutEquivalentPayloadsShareKey(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	first, err := h.svc.Checkout(ctx, checkoutInput("key-merge", buyer.SubjectID, "",
		application.CheckoutItem{ProductID: "P1", VariantID: "V1", Quantity: 1},
		application.CheckoutItem{ProductID: "P2", VariantID: "V1", Quantity: 2},
	))
	require.NoError(t, err)

	// Same lines in another order, with one line split in two.
	second, err := h.svc.Checkout(ctx, checkoutInput("key-merge", buyer.SubjectID, "",
		application.CheckoutItem{ProductID: "P2", VariantID: "V1", Quantity: 1},
		application.CheckoutItem{ProductID: "P1", VariantID: "V1", Quantity: 1},
		application.CheckoutItem{ProductID: "P2", VariantID: "V1", Quantity: 1},
	))
	require.NoError(t, err)
	assert.True(t, second.Replayed)
	assert.Equal(t, first.Result.OrderID, second.Result.OrderID)
	assert.Equal(t, int64(6200), second.Result.TotalCents)
}

func TestCheckoutPaymentFailuresReleaseKey(t *testing.T) {
	for name, tc := range map[string]struct {
		token string
		want  error
	}{
		"declined":    {token: "tok_decline_insufficient", want: domain.ErrPaymentDeclined},
		"unavailable": {token: "tok_unavailable", want: domain.ErrPaymentUnavailable},
	} {
		t.Run(name, func(t *testing.T) {
			h := newHarness(t)
			ctx := context.Background()
			in := checkoutInput("key-retry", buyer.SubjectID, "")
			in.PaymentTokenID = tc.token

			_, err := h.svc.Checkout(ctx, in)
			assert.ErrorIs(t, err, tc.want)
			assert.Equal(t, 0, h.store.Checkouts.OrderCount())

			in.PaymentTokenID = "tok_visa"
			out, err := h.svc.Checkout(ctx, in)
			require.NoError(t, err)
			assert.False(t, out.Replayed)
			assert.Equal(t, 1, h.store.Checkouts.OrderCount())
		})
	}
}

func TestCheckoutValidation(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.svc.Checkout(ctx, checkoutInput("", buyer.SubjectID, ""))
	assert.ErrorIs(t, err, domain.ErrIdempotencyRequired)

	_, err = h.svc.Checkout(ctx, checkoutInput("k", "", ""))
	assert.ErrorIs(t, err, domain.ErrUnauthorized)

	in := checkoutInput("k-missing", buyer.SubjectID, "")
	in.ShippingAddressID = ""
	_, err = h.svc.Checkout(ctx, in)
	assert.ErrorIs(t, err, domain.ErrInvalidInput)

	_, err = h.svc.Checkout(ctx, checkoutInput("k-stock", buyer.SubjectID, "", application.CheckoutItem{ProductID: "P3", VariantID: "V1", Quantity: 2}))
	assert.ErrorIs(t, err, domain.ErrOutOfStock)

	_, err = h.svc.Checkout(ctx, checkoutInput("k-mixed", buyer.SubjectID, "",
		application.CheckoutItem{ProductID: "P1", VariantID: "V1", Quantity: 1},
		application.CheckoutItem{ProductID: "P3", VariantID: "V1", Quantity: 1},
	))
	assert.ErrorIs(t, err, domain.ErrInvalidInput)

	// Rejected requests never hold the key.
	out, err := h.svc.Checkout(ctx, checkoutInput("k-stock", buyer.SubjectID, "", application.CheckoutItem{ProductID: "P3", VariantID: "V1", Quantity: 1}))
	require.NoError(t, err)
	assert.Equal(t, int64(500), out.Result.TotalCents)
}

func TestCheckoutFromCart(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.carts.Put(ports.CartSnapshot{CartID: "cart-1", UserID: buyer.SubjectID, Items: []ports.CartItem{
		{ProductID: "P2", VariantID: "V1", Quantity: 3},
	}})

	in := checkoutInput("key-cart", buyer.SubjectID, "")
	in.Items = nil
	in.CartID = "cart-1"
	out, err := h.svc.Checkout(ctx, in)
	require.NoError(t, err)
	assert.Equal(t, int64(3000), out.Result.TotalCents)

	stranger := checkoutInput("key-cart-2", "user-stranger", "")
	stranger.Items = nil
	stranger.CartID = "cart-1"
	_, err = h.svc.Checkout(ctx, stranger)
	assert.ErrorIs(t, err, domain.ErrForbidden)
}

func TestCheckoutSelfReferralProceedsUnattributed(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	issued, err := h.svc.IssueReferral(ctx, owner, "P1")
	require.NoError(t, err)

	out, err := h.svc.Checkout(ctx, checkoutInput("key-self", owner.SubjectID, issued.Referral.RID))
	require.NoError(t, err)
	assert.Empty(t, out.Result.ReferralID)
	assert.Empty(t, out.Result.Attribution)

	rewards, err := h.svc.ListRewardsByReferral(ctx, owner, issued.Referral.RID)
	require.NoError(t, err)
	assert.Empty(t, rewards)
	assert.Contains(t, h.store.Outbox.EventTypes(), domain.EventReferralValidationRejected)
}

func TestDuplicateRewardIsInvariantViolation(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	issued, err := h.svc.IssueReferral(ctx, owner, "P1")
	require.NoError(t, err)
	rid := issued.Referral.RID
	now := h.clock.Now()

	order, err := domain.NewPaidOrder(domain.Order{
		OrderID:          "ord_seeded",
		UserID:           buyer.SubjectID,
		SubtotalCents:    4200,
		TotalCents:       4200,
		Currency:         "USD",
		Items:            []domain.OrderItem{{ProductID: "P1", VariantID: "V1", Quantity: 1, UnitPriceCents: 4200}},
		IdempotencyKey:   "key-seeded",
		ReferralID:       rid,
		PaymentIntentRef: "pi_seeded",
	}, now)
	require.NoError(t, err)
	require.NoError(t, h.store.Idempotency.Reserve(ctx, "key-seeded", "hash", now.Add(time.Hour)))
	task := domain.ConversionTask{
		TaskID: "conv_seeded", OrderID: order.OrderID, ReferralID: rid, GMVCents: 4200, Currency: "USD",
		Policy: issued.Referral.Policy, Status: domain.ConversionTaskPending, CreatedAt: now, UpdatedAt: now,
	}
	require.NoError(t, h.store.Checkouts.CommitCheckout(ctx, ports.CheckoutCommit{
		Order: order, IdempotencyKey: "key-seeded", ResponseCode: 201, ResponseBody: []byte(`{}`), Conversion: &task,
	}))
	h.store.Conversions.SeedReward(domain.RewardLedgerEntry{
		EntryID: "rwd_existing", ReferralID: rid, OrderID: order.OrderID, AmountCents: 420, Currency: "USD",
		Status: domain.RewardStatusPendingHold, HoldUntil: now.Add(30 * 24 * time.Hour),
	})

	report, err := h.svc.ProcessPendingConversions(ctx)
	require.NoError(t, err)
	assert.Equal(t, application.ConversionReport{Scanned: 1, Failed: 1}, report)
	assert.Equal(t, 1, h.store.Rewards.Count(rid, order.OrderID))

	stored, err := h.store.Conversions.GetByID(ctx, task.TaskID)
	require.NoError(t, err)
	assert.Equal(t, domain.ConversionTaskFailed, stored.Status)
	assert.Contains(t, h.store.Outbox.EventTypes(), domain.EventRewardInvariantViolation)

	// Failed tasks are not picked up again.
	report, err = h.svc.ProcessPendingConversions(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, report.Scanned)
}
