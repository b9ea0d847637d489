package application_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/viralforge/mesh/services/financial-rails/M42-referral-settlement-service/internal/adapters/events"
	"github.com/viralforge/mesh/services/financial-rails/M42-referral-settlement-service/internal/application"
	"github.com/viralforge/mesh/services/financial-rails/M42-referral-settlement-service/internal/contracts"
	"github.com/viralforge/mesh/services/financial-rails/M42-referral-settlement-service/internal/domain"
	"github.com/viralforge/mesh/services/financial-rails/M42-referral-settlement-service/internal/ports"
)

// attributedPurchase issues a referral, clicks it as the buyer and checks out once.
func attributedPurchase(t *testing.T, h *harness, key string) (string, domain.CheckoutResult) {
	t.Helper()
	ctx := context.Background()
	issued, err := h.svc.IssueReferral(ctx, owner, "P1")
	require.NoError(t, err)
	_, err = h.svc.ValidateReferral(ctx, buyer, application.ValidateReferralInput{RID: issued.Referral.RID, UserID: buyer.SubjectID})
	require.NoError(t, err)
	out, err := h.svc.Checkout(ctx, checkoutInput(key, buyer.SubjectID, issued.Referral.RID))
	require.NoError(t, err)
	require.Equal(t, issued.Referral.RID, out.Result.ReferralID)
	return issued.Referral.RID, out.Result
}

func onlyReward(t *testing.T, h *harness, rid string) domain.RewardLedgerEntry {
	t.Helper()
	rewards, err := h.svc.ListRewardsByReferral(context.Background(), owner, rid)
	require.NoError(t, err)
	require.Len(t, rewards, 1)
	return rewards[0]
}

func TestSettleRewardsReleasesAfterHold(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	rid, _ := attributedPurchase(t, h, "key-hold")

	h.clock.Advance(29 * 24 * time.Hour)
	report, err := h.svc.SettleRewards(ctx)
	require.NoError(t, err)
	assert.Equal(t, application.SettlementReport{Scanned: 1}, report)
	assert.Equal(t, domain.RewardStatusPendingHold, onlyReward(t, h, rid).Status)

	h.clock.Advance(24 * time.Hour)
	report, err = h.svc.SettleRewards(ctx)
	require.NoError(t, err)
	assert.Equal(t, application.SettlementReport{Scanned: 1, Payable: 1}, report)
	assert.Equal(t, domain.RewardStatusPayable, onlyReward(t, h, rid).Status)

	view, err := h.svc.GetReferral(ctx, owner, rid)
	require.NoError(t, err)
	assert.Equal(t, domain.RewardSummary{PayableCents: 420}, view.Rewards)
	assert.Contains(t, h.store.Outbox.EventTypes(), domain.EventRewardEntryPayable)
}

func TestReturnBeforeHoldCancelsReward(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	rid, result := attributedPurchase(t, h, "key-return")

	order, err := h.svc.TransitionOrder(ctx, system, result.OrderID, "return_requested", "customer_return")
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusReturnRequested, order.Status)
	assert.Equal(t, domain.RewardStatusCancelled, onlyReward(t, h, rid).Status)

	// A cancelled reward never becomes payable, even after the hold.
	h.clock.Advance(31 * 24 * time.Hour)
	_, err = h.svc.SettleRewards(ctx)
	require.NoError(t, err)
	assert.Equal(t, domain.RewardStatusCancelled, onlyReward(t, h, rid).Status)
}

// staleOrders answers reads with the status an order had before a concurrent transition landed.
type staleOrders struct {
	ports.OrderRepository
	status domain.OrderStatus
}

func (o staleOrders) GetByID(ctx context.Context, orderID string) (domain.Order, error) {
	order, err := o.OrderRepository.GetByID(ctx, orderID)
	order.Status = o.status
	return order, err
}

func TestSettleRewardsUsesOrderStatusAtWriteTime(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	rid, result := attributedPurchase(t, h, "key-race")
	svc := application.NewService(application.Dependencies{
		Referrals: h.store.Referrals, ReferralEvents: h.store.ReferralEvents, Attributions: h.store.Attributions,
		Orders: staleOrders{OrderRepository: h.store.Orders, status: domain.OrderStatusPaid}, Rewards: h.store.Rewards,
		Idempotency: h.store.Idempotency, Checkouts: h.store.Checkouts, Conversions: h.store.Conversions,
		Outbox: h.store.Outbox, Catalog: h.catalog, Payments: h.payments, Clock: h.clock.Now,
	})

	// The return is stored but its own reward settlement has not run yet.
	h.clock.Advance(31 * 24 * time.Hour)
	_, err := h.store.Orders.Transition(ctx, result.OrderID, domain.OrderStatusPaid, domain.TimelineEntry{
		From: domain.OrderStatusPaid, To: domain.OrderStatusReturnRequested, Reason: "customer_return", At: h.clock.Now(),
	})
	require.NoError(t, err)

	report, err := svc.SettleRewards(ctx)
	require.NoError(t, err)
	assert.Equal(t, application.SettlementReport{Scanned: 1, Cancelled: 1}, report)
	assert.Equal(t, domain.RewardStatusCancelled, onlyReward(t, h, rid).Status)
}

func TestBuyerCancelCancelsReward(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	rid, result := attributedPurchase(t, h, "key-cancel")

	_, err := h.svc.CancelOrder(ctx, application.Actor{SubjectID: "someone-else", Role: "user"}, result.OrderID, "")
	assert.ErrorIs(t, err, domain.ErrNotFound)

	order, err := h.svc.CancelOrder(ctx, buyer, result.OrderID, "")
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusCancelled, order.Status)
	assert.Equal(t, "cancelled_by_buyer", order.Timeline[len(order.Timeline)-1].Reason)
	assert.Equal(t, domain.RewardStatusCancelled, onlyReward(t, h, rid).Status)
}

func TestOrderTransitions(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	out, err := h.svc.Checkout(ctx, checkoutInput("key-transitions", buyer.SubjectID, ""))
	require.NoError(t, err)
	orderID := out.Result.OrderID

	_, err = h.svc.TransitionOrder(ctx, buyer, orderID, "sent_to_brand", "")
	assert.ErrorIs(t, err, domain.ErrForbidden)

	_, err = h.svc.TransitionOrder(ctx, system, orderID, "delivered", "")
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)

	_, err = h.svc.TransitionOrder(ctx, system, orderID, "teleported", "")
	assert.ErrorIs(t, err, domain.ErrInvalidInput)

	for _, status := range []string{"sent_to_brand", "fulfilled", "delivered"} {
		_, err = h.svc.TransitionOrder(ctx, system, orderID, status, "")
		require.NoError(t, err, status)
	}
	order, err := h.svc.GetOrder(ctx, admin, orderID)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusDelivered, order.Status)
	assert.Len(t, order.Timeline, 5)

	_, err = h.svc.CancelOrder(ctx, buyer, orderID, "")
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)
}

func TestConfirmPayout(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	rid, _ := attributedPurchase(t, h, "key-payout")
	entry := onlyReward(t, h, rid)

	_, err := h.svc.ConfirmPayout(ctx, system, entry.EntryID, "po_1")
	assert.ErrorIs(t, err, domain.ErrInvalidTransition, "still on hold")

	h.clock.Advance(30 * 24 * time.Hour)
	_, err = h.svc.ConfirmPayout(ctx, owner, entry.EntryID, "po_1")
	assert.ErrorIs(t, err, domain.ErrForbidden)

	paid, err := h.svc.ConfirmPayout(ctx, system, entry.EntryID, "po_1")
	require.NoError(t, err)
	assert.Equal(t, domain.RewardStatusPaid, paid.Status)
	assert.Equal(t, "po_1", paid.PayoutRef)

	again, err := h.svc.ConfirmPayout(ctx, system, entry.EntryID, "po_1")
	require.NoError(t, err)
	assert.Equal(t, paid.UpdatedAt, again.UpdatedAt)

	_, err = h.svc.ConfirmPayout(ctx, system, entry.EntryID, "po_2")
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)

	view, err := h.svc.GetReferral(ctx, owner, rid)
	require.NoError(t, err)
	assert.Equal(t, domain.RewardSummary{PaidCents: 420}, view.Rewards)
}

func lifecycleEnvelope(t *testing.T, eventID, eventType string, data any) contracts.EventEnvelope {
	t.Helper()
	raw, err := json.Marshal(data)
	require.NoError(t, err)
	return contracts.EventEnvelope{
		EventID:          eventID,
		EventType:        eventType,
		OccurredAt:       time.Date(2026, 5, 2, 9, 0, 0, 0, time.UTC),
		PartitionKeyPath: "data.order_id",
		PartitionKey:     "k",
		SourceService:    "M30-fulfillment-service",
		TraceID:          "trace-" + eventID,
		SchemaVersion:    "v1",
		Data:             raw,
	}
}

func TestHandleCanonicalEventIsIdempotent(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	rid, result := attributedPurchase(t, h, "key-events")

	env := lifecycleEnvelope(t, "evt-return-1", domain.EventOrderReturnRequested, contracts.OrderLifecyclePayload{OrderID: result.OrderID})
	require.NoError(t, h.svc.HandleCanonicalEvent(ctx, env))
	require.NoError(t, h.svc.HandleCanonicalEvent(ctx, env))

	// Same transition under a new event id is absorbed too.
	env.EventID = "evt-return-2"
	require.NoError(t, h.svc.HandleCanonicalEvent(ctx, env))

	order, err := h.svc.GetOrder(ctx, admin, result.OrderID)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusReturnRequested, order.Status)
	assert.Len(t, order.Timeline, 3)
	assert.Equal(t, domain.RewardStatusCancelled, onlyReward(t, h, rid).Status)
}

func TestHandleCanonicalEventRejectsBadInput(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	err := h.svc.HandleCanonicalEvent(ctx, lifecycleEnvelope(t, "evt-x", "order.teleported", contracts.OrderLifecyclePayload{OrderID: "ord_1"}))
	assert.ErrorIs(t, err, domain.ErrUnsupportedEventType)

	env := lifecycleEnvelope(t, "evt-y", domain.EventOrderDelivered, contracts.OrderLifecyclePayload{OrderID: "ord_1"})
	env.TraceID = ""
	assert.ErrorIs(t, h.svc.HandleCanonicalEvent(ctx, env), domain.ErrInvalidEnvelope)

	env = lifecycleEnvelope(t, "evt-z", domain.EventOrderDelivered, contracts.OrderLifecyclePayload{OrderID: "ord_missing"})
	assert.ErrorIs(t, h.svc.HandleCanonicalEvent(ctx, env), domain.ErrNotFound)
}

func TestPayoutConfirmedEvent(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	rid, _ := attributedPurchase(t, h, "key-payout-event")
	entry := onlyReward(t, h, rid)
	h.clock.Advance(30 * 24 * time.Hour)

	env := lifecycleEnvelope(t, "evt-payout-1", domain.EventPayoutConfirmed, contracts.PayoutConfirmedPayload{EntryID: entry.EntryID, PayoutRef: "po_evt"})
	require.NoError(t, h.svc.HandleCanonicalEvent(ctx, env))
	assert.Equal(t, domain.RewardStatusPaid, onlyReward(t, h, rid).Status)
}

func TestFlushOutboxPublishesEnvelopes(t *testing.T) {
	h, publisher := newHarness(t), events.NewMemoryPublisher()
	svc := application.NewService(application.Dependencies{
		Referrals: h.store.Referrals, ReferralEvents: h.store.ReferralEvents, Attributions: h.store.Attributions,
		Orders: h.store.Orders, Rewards: h.store.Rewards, Idempotency: h.store.Idempotency,
		Checkouts: h.store.Checkouts, Conversions: h.store.Conversions, Outbox: h.store.Outbox,
		Catalog: h.catalog, Payments: h.payments, Publisher: publisher, Clock: h.clock.Now,
	})
	ctx := context.Background()
	issued, err := svc.IssueReferral(ctx, owner, "P1")
	require.NoError(t, err)

	n, err := svc.FlushOutbox(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	published := publisher.Events()
	require.Len(t, published, 1)
	assert.Equal(t, domain.EventReferralIssued, published[0].EventType)
	assert.Equal(t, issued.Referral.RID, published[0].PartitionKey)

	var env contracts.EventEnvelope
	require.NoError(t, json.Unmarshal(published[0].Payload, &env))
	assert.Equal(t, domain.CanonicalEventClassDomain, env.EventClass)
	assert.Equal(t, "data.attributes.rid", env.PartitionKeyPath)
	assert.Equal(t, "M42-Referral-Settlement-Service", env.SourceService)

	n, err = svc.FlushOutbox(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	publisher.Err = errors.New("broker down")
	_, err = svc.IssueReferral(ctx, owner, "P2")
	require.NoError(t, err)
	n, err = svc.FlushOutbox(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	pending, err := h.store.Outbox.FetchUnpublished(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, 1, pending[0].RetryCount)
}

func TestFlushOutboxGivesUpOnUndeliverableRecords(t *testing.T) {
	h, publisher := newHarness(t), events.NewMemoryPublisher()
	svc := application.NewService(application.Dependencies{
		Config:    application.Config{OutboxMaxAttempts: 2},
		Referrals: h.store.Referrals, ReferralEvents: h.store.ReferralEvents, Attributions: h.store.Attributions,
		Orders: h.store.Orders, Rewards: h.store.Rewards, Idempotency: h.store.Idempotency,
		Checkouts: h.store.Checkouts, Conversions: h.store.Conversions, Outbox: h.store.Outbox,
		Catalog: h.catalog, Payments: h.payments, Publisher: publisher, Clock: h.clock.Now,
	})
	ctx := context.Background()
	require.NoError(t, h.store.Outbox.Enqueue(ctx, ports.OutboxRecord{
		RecordID: "rec-bad-class", EventType: "referral.mystery", EventClass: "unknown",
		PartitionKey: "k", Payload: []byte(`{}`), CreatedAt: h.clock.Now(),
	}))
	publisher.Err = errors.New("broker down")
	_, err := svc.IssueReferral(ctx, owner, "P1")
	require.NoError(t, err)

	pending, err := h.store.Outbox.FetchUnpublished(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 2)

	_, err = svc.FlushOutbox(ctx)
	require.NoError(t, err)
	pending, err = h.store.Outbox.FetchUnpublished(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 1, "unsupported class is dropped on the first attempt")
	assert.Equal(t, domain.EventReferralIssued, pending[0].EventType)

	_, err = svc.FlushOutbox(ctx)
	require.NoError(t, err)
	pending, err = h.store.Outbox.FetchUnpublished(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, pending, "publish failures stop after the attempt cap")

	publisher.Err = nil
	n, err := svc.FlushOutbox(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	assert.Empty(t, publisher.Events())
}
