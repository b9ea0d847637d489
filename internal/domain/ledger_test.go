package domain

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func paidOrder(t *testing.T, now time.Time) Order {
	t.Helper()
	o, err := NewPaidOrder(Order{
		OrderID:        "ord_1",
		UserID:         "buyer",
		IdempotencyKey: "key-1",
		Items:          []OrderItem{{ProductID: "P1", VariantID: "V1", Quantity: 2, UnitPriceCents: 2100}},
		SubtotalCents:  4200,
		TotalCents:     4200,
		Currency:       "USD",
	}, now)
	require.NoError(t, err)
	return o
}

func TestNewPaidOrderTimelineAndTotals(t *testing.T) {
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	o := paidOrder(t, now)
	assert.Equal(t, OrderStatusPaid, o.Status)
	require.Len(t, o.Timeline, 2)
	assert.Equal(t, OrderStatusCreated, o.Timeline[0].To)
	assert.Equal(t, OrderStatusPaid, o.Timeline[1].To)

	_, err := NewPaidOrder(Order{
		OrderID:        "ord_2",
		UserID:         "buyer",
		IdempotencyKey: "key-2",
		Items:          []OrderItem{{ProductID: "P1", VariantID: "V1", Quantity: 1, UnitPriceCents: 1000}},
		SubtotalCents:  1000,
		ShippingCents:  500,
		TotalCents:     1000,
		Currency:       "USD",
	}, now)
	assert.ErrorIs(t, err, ErrInvariantViolation)
}

func TestOrderTransitions(t *testing.T) {
	allowed := [][2]OrderStatus{
		{OrderStatusCreated, OrderStatusPaid},
		{OrderStatusCreated, OrderStatusCancelled},
		{OrderStatusPaid, OrderStatusSentToBrand},
		{OrderStatusPaid, OrderStatusCancelled},
		{OrderStatusPaid, OrderStatusReturnRequested},
		{OrderStatusSentToBrand, OrderStatusFulfilled},
		{OrderStatusSentToBrand, OrderStatusReturnRequested},
		{OrderStatusFulfilled, OrderStatusDelivered},
		{OrderStatusFulfilled, OrderStatusReturnRequested},
		{OrderStatusReturnRequested, OrderStatusClosed},
	}
	for _, edge := range allowed {
		assert.True(t, CanTransitionOrder(edge[0], edge[1]), "%s -> %s", edge[0], edge[1])
	}

	denied := [][2]OrderStatus{
		{OrderStatusPaid, OrderStatusFulfilled},
		{OrderStatusPaid, OrderStatusDelivered},
		{OrderStatusCreated, OrderStatusSentToBrand},
		{OrderStatusSentToBrand, OrderStatusCancelled},
		{OrderStatusDelivered, OrderStatusReturnRequested},
		{OrderStatusCancelled, OrderStatusPaid},
		{OrderStatusClosed, OrderStatusReturnRequested},
		{OrderStatusPaid, OrderStatusPaid},
	}
	for _, edge := range denied {
		assert.False(t, CanTransitionOrder(edge[0], edge[1]), "%s -> %s", edge[0], edge[1])
	}
}

func TestOrderTransitionAppendsTimeline(t *testing.T) {
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	o := paidOrder(t, now)

	next, err := o.Transition(OrderStatusSentToBrand, "routed", now.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, OrderStatusSentToBrand, next.Status)
	require.Len(t, next.Timeline, 3)
	assert.Equal(t, TimelineEntry{From: OrderStatusPaid, To: OrderStatusSentToBrand, Reason: "routed", At: now.Add(time.Hour)}, next.Timeline[2])
	assert.Len(t, o.Timeline, 2)

	_, err = next.Transition(OrderStatusCancelled, "", now)
	assert.True(t, errors.Is(err, ErrInvalidTransition))
	assert.Equal(t, int64(4200), next.TotalCents)
}

func TestSettle(t *testing.T) {
	now := time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)
	entry := RewardLedgerEntry{EntryID: "rwd_1", Status: RewardStatusPendingHold, HoldUntil: now.Add(-time.Minute), AmountCents: 420}

	out, changed := Settle(entry, OrderStatusDelivered, now)
	assert.True(t, changed)
	assert.Equal(t, RewardStatusPayable, out.Status)

	out, changed = Settle(entry, OrderStatusReturnRequested, now)
	assert.True(t, changed)
	assert.Equal(t, RewardStatusCancelled, out.Status)

	held := entry
	held.HoldUntil = now.Add(time.Hour)
	out, changed = Settle(held, OrderStatusPaid, now)
	assert.False(t, changed)
	assert.Equal(t, RewardStatusPendingHold, out.Status)

	out, changed = Settle(held, OrderStatusCancelled, now)
	assert.True(t, changed)
	assert.Equal(t, RewardStatusCancelled, out.Status)

	exact := entry
	exact.HoldUntil = now
	out, _ = Settle(exact, OrderStatusPaid, now)
	assert.Equal(t, RewardStatusPayable, out.Status)

	for _, terminal := range []RewardStatus{RewardStatusPaid, RewardStatusCancelled} {
		e := entry
		e.Status = terminal
		out, changed = Settle(e, OrderStatusCancelled, now)
		assert.False(t, changed)
		assert.Equal(t, terminal, out.Status)
	}
}

func TestMarkPaid(t *testing.T) {
	now := time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)
	payable := RewardLedgerEntry{EntryID: "rwd_1", Status: RewardStatusPayable}
	paid, err := MarkPaid(payable, "po_1", now)
	require.NoError(t, err)
	assert.Equal(t, RewardStatusPaid, paid.Status)
	assert.Equal(t, "po_1", paid.PayoutRef)

	for _, s := range []RewardStatus{RewardStatusPendingHold, RewardStatusPaid, RewardStatusCancelled} {
		_, err := MarkPaid(RewardLedgerEntry{Status: s}, "po_1", now)
		assert.ErrorIs(t, err, ErrInvalidTransition)
	}
}

func TestSummarizeRewards(t *testing.T) {
	sum := SummarizeRewards([]RewardLedgerEntry{
		{Status: RewardStatusPendingHold, AmountCents: 100},
		{Status: RewardStatusPayable, AmountCents: 200},
		{Status: RewardStatusPaid, AmountCents: 300},
		{Status: RewardStatusCancelled, AmountCents: 400},
	})
	assert.Equal(t, RewardSummary{PendingHoldCents: 100, PayableCents: 200, PaidCents: 300}, sum)
}

func TestErrorCode(t *testing.T) {
	assert.Equal(t, CodeCheckoutConflict, ErrorCode(ErrIdempotencyConflict))
	assert.Equal(t, CodeProductNotFound, ErrorCode(ErrProductNotFound))
	assert.Equal(t, CodeInvalidTransition, ErrorCode(ErrInvalidTransition))
	assert.Equal(t, CodeInternal, ErrorCode(errors.New("boom")))
	assert.Equal(t, "", ErrorCode(nil))
}

func TestConversionTaskRewardEntry(t *testing.T) {
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	task := ConversionTask{OrderID: "ord_1", ReferralID: "rid_1", GMVCents: 4200, Currency: "USD",
		Policy: RewardPolicy{RewardType: RewardTypePercent, RewardValue: 1000, Currency: "USD", HoldDays: 30}}
	entry := task.RewardEntry("rwd_1", now)
	assert.Equal(t, RewardStatusPendingHold, entry.Status)
	assert.Equal(t, int64(420), entry.AmountCents)
	assert.Equal(t, now.AddDate(0, 0, 30), entry.HoldUntil)
}
