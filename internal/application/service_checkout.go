package application

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/viralforge/mesh/services/financial-rails/M42-referral-settlement-service/internal/domain"
	"github.com/viralforge/mesh/services/financial-rails/M42-referral-settlement-service/internal/ports"
)

const maxCheckoutQuantity = 1000

// normalizedCheckout is the canonical form hashed for idempotency.
type normalizedCheckout struct {
	UserID            string         `json:"user_id"`
	CartID            string         `json:"cart_id,omitempty"`
	Items             []CheckoutItem `json:"items,omitempty"`
	PaymentTokenID    string         `json:"payment_token_id"`
	ShippingAddressID string         `json:"shipping_address_id"`
	BillingAddressID  string         `json:"billing_address_id"`
	RID               string         `json:"rid,omitempty"`
}

func normalizeCheckout(in CheckoutInput) (string, normalizedCheckout, error) {
	key := strings.TrimSpace(in.IdempotencyKey)
	if key == "" {
		return "", normalizedCheckout{}, domain.ErrIdempotencyRequired
	}
	n := normalizedCheckout{
		UserID:            strings.TrimSpace(in.UserID),
		CartID:            strings.TrimSpace(in.CartID),
		PaymentTokenID:    strings.TrimSpace(in.PaymentTokenID),
		ShippingAddressID: strings.TrimSpace(in.ShippingAddressID),
		BillingAddressID:  strings.TrimSpace(in.BillingAddressID),
		RID:               strings.TrimSpace(in.RID),
	}
	if n.UserID == "" {
		return "", normalizedCheckout{}, domain.ErrUnauthorized
	}
	if n.PaymentTokenID == "" || n.ShippingAddressID == "" || n.BillingAddressID == "" {
		return "", normalizedCheckout{}, fmt.Errorf("%w: payment_token_id, shipping_address_id and billing_address_id are required", domain.ErrInvalidInput)
	}
	if n.CartID == "" && len(in.Items) == 0 {
		return "", normalizedCheckout{}, fmt.Errorf("%w: cart_id or items required", domain.ErrInvalidInput)
	}
	items, err := mergeItems(in.Items)
	if err != nil {
		return "", normalizedCheckout{}, err
	}
	n.Items = items
	return key, n, nil
}

func mergeItems(raw []CheckoutItem) ([]CheckoutItem, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	merged := map[[2]string]int{}
	for _, it := range raw {
		pid, vid := strings.TrimSpace(it.ProductID), strings.TrimSpace(it.VariantID)
		if pid == "" || vid == "" || it.Quantity <= 0 || it.Quantity > maxCheckoutQuantity {
			return nil, fmt.Errorf("%w: invalid item %q/%q x%d", domain.ErrInvalidInput, pid, vid, it.Quantity)
		}
		merged[[2]string{pid, vid}] += it.Quantity
	}
	out := make([]CheckoutItem, 0, len(merged))
	for k, qty := range merged {
		if qty > maxCheckoutQuantity {
			return nil, fmt.Errorf("%w: quantity for %s/%s exceeds %d", domain.ErrInvalidInput, k[0], k[1], maxCheckoutQuantity)
		}
		out = append(out, CheckoutItem{ProductID: k[0], VariantID: k[1], Quantity: qty})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ProductID != out[j].ProductID {
			return out[i].ProductID < out[j].ProductID
		}
		return out[i].VariantID < out[j].VariantID
	})
	return out, nil
}

// Checkout runs a purchase exactly once per idempotency key and payload. Concurrent and repeated
// calls with the same key and payload observe the same result; a different payload is a conflict.
func (s *Service) Checkout(ctx context.Context, in CheckoutInput) (CheckoutOutcome, error) {
	key, n, err := normalizeCheckout(in)
	if err != nil {
		return CheckoutOutcome{}, err
	}
	requestHash := hashJSON(n)
	evalCtx := domain.EvaluationContext{
		PurchasingUserID:  n.UserID,
		DeviceFingerprint: strings.TrimSpace(in.DeviceFingerprint),
		IP:                strings.TrimSpace(in.IP),
	}
	// Once started, an orchestration outlives the caller that started it.
	flightCtx := context.WithoutCancel(ctx)
	v, err, _ := s.inflight.Do(key+":"+requestHash, func() (any, error) {
		return s.checkoutOnce(flightCtx, key, requestHash, n, evalCtx)
	})
	if err != nil {
		return CheckoutOutcome{}, err
	}
	return v.(CheckoutOutcome), nil
}

func (s *Service) checkoutOnce(ctx context.Context, key, requestHash string, n normalizedCheckout, evalCtx domain.EvaluationContext) (CheckoutOutcome, error) {
	prior, err := s.beginOrReplay(ctx, key, requestHash)
	if err != nil {
		return CheckoutOutcome{}, err
	}
	if prior != nil {
		return CheckoutOutcome{Result: *prior, Replayed: true}, nil
	}

	result, charged, err := s.executeCheckout(ctx, key, requestHash, n, evalCtx)
	if err != nil {
		if !charged {
			if rErr := s.idempotency.Release(ctx, key); rErr != nil {
				s.logger.WarnContext(ctx, "failed to release idempotency reservation",
					"module", "application",
					"layer", "application",
					"operation", "checkout",
					"outcome", "failure",
					"error", rErr,
				)
			}
		}
		return CheckoutOutcome{}, err
	}
	return CheckoutOutcome{Result: result}, nil
}

// beginOrReplay reserves key for a new orchestration, or returns the stored result for a replay.
// While another caller holds the reservation it polls until that caller finishes.
func (s *Service) beginOrReplay(ctx context.Context, key, requestHash string) (*domain.CheckoutResult, error) {
	waitCtx, cancel := context.WithTimeout(ctx, s.cfg.IdempotencyWaitTimeout)
	defer cancel()
	ticker := time.NewTicker(s.cfg.IdempotencyPollInterval)
	defer ticker.Stop()

	for {
		rec, err := s.idempotency.Get(ctx, key, s.nowFn())
		if err != nil {
			return nil, err
		}
		if rec == nil {
			// The record may have expired after its order was committed.
			prior, err := s.replayFromOrder(ctx, key, requestHash, true)
			if err != nil || prior != nil {
				return prior, err
			}
			err = s.idempotency.Reserve(ctx, key, requestHash, s.nowFn().Add(s.cfg.IdempotencyTTL))
			if err == nil {
				return nil, nil
			}
			if !errors.Is(err, domain.ErrConflict) {
				return nil, err
			}
			continue
		}
		if rec.RequestHash != requestHash {
			return nil, domain.ErrIdempotencyConflict
		}
		if rec.Status == ports.IdempotencyStatusCompleted {
			var out domain.CheckoutResult
			if err := json.Unmarshal(rec.ResponseBody, &out); err != nil {
				return nil, fmt.Errorf("decode stored checkout result: %w", err)
			}
			return &out, nil
		}

		prior, err := s.replayFromOrder(ctx, key, requestHash, false)
		if err != nil || prior != nil {
			return prior, err
		}

		select {
		case <-waitCtx.Done():
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, domain.ErrCheckoutInProgress
		case <-ticker.C:
		}
	}
}

// replayFromOrder rebuilds the result of an order already committed under key and completes the
// idempotency record from it. It returns nil when no such order exists. With reserve set the record is
// recreated first.
func (s *Service) replayFromOrder(ctx context.Context, key, requestHash string, reserve bool) (*domain.CheckoutResult, error) {
	order, err := s.orders.GetByIdempotencyKey(ctx, key)
	if errors.Is(err, domain.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if order.RequestHash != "" && order.RequestHash != requestHash {
		return nil, domain.ErrIdempotencyConflict
	}
	out := checkoutResultFromOrder(order)
	now := s.nowFn()
	if reserve {
		_ = s.idempotency.Reserve(ctx, key, requestHash, now.Add(s.cfg.IdempotencyTTL))
	}
	if raw, mErr := json.Marshal(out); mErr == nil {
		_ = s.idempotency.Complete(ctx, key, http.StatusCreated, raw, now)
	}
	return &out, nil
}

func checkoutResultFromOrder(o domain.Order) domain.CheckoutResult {
	out := domain.CheckoutResult{
		OrderID:          o.OrderID,
		Status:           domain.OrderStatusPaid,
		PaymentIntentRef: o.PaymentIntentRef,
		Next:             domain.CheckoutNextAwaitFulfillment,
		TotalCents:       o.TotalCents,
		Currency:         o.Currency,
		ReferralID:       o.ReferralID,
	}
	if o.ReferralID != "" {
		out.Attribution = domain.AttributionFirstClick
	}
	return out
}

type pricedCart struct {
	items    []domain.OrderItem
	subtotal int64
	currency string
}

func (s *Service) resolveItems(ctx context.Context, n normalizedCheckout) ([]CheckoutItem, error) {
	if len(n.Items) > 0 {
		return n.Items, nil
	}
	if s.carts == nil {
		return nil, fmt.Errorf("%w: items required", domain.ErrInvalidInput)
	}
	cart, err := s.carts.GetCart(ctx, n.CartID, n.UserID)
	if err != nil {
		return nil, err
	}
	if cart.UserID != "" && cart.UserID != n.UserID {
		return nil, domain.ErrForbidden
	}
	raw := make([]CheckoutItem, 0, len(cart.Items))
	for _, it := range cart.Items {
		raw = append(raw, CheckoutItem{ProductID: it.ProductID, VariantID: it.VariantID, Quantity: it.Quantity})
	}
	items, err := mergeItems(raw)
	if err != nil {
		return nil, err
	}
	if len(items) == 0 {
		return nil, fmt.Errorf("%w: cart %s is empty", domain.ErrInvalidInput, n.CartID)
	}
	return items, nil
}

func (s *Service) priceCart(ctx context.Context, items []CheckoutItem) (pricedCart, error) {
	out := pricedCart{items: make([]domain.OrderItem, 0, len(items))}
	for _, it := range items {
		v, err := s.catalog.GetVariant(ctx, it.ProductID, it.VariantID)
		if err != nil {
			return pricedCart{}, err
		}
		if v.PriceCents < 0 {
			return pricedCart{}, fmt.Errorf("%w: negative price for %s", domain.ErrInvariantViolation, it.VariantID)
		}
		if v.Available < int64(it.Quantity) {
			return pricedCart{}, fmt.Errorf("%w: %s/%s", domain.ErrOutOfStock, it.ProductID, it.VariantID)
		}
		currency := strings.ToUpper(strings.TrimSpace(v.Currency))
		if out.currency == "" {
			out.currency = currency
		} else if out.currency != currency {
			return pricedCart{}, fmt.Errorf("%w: cart mixes %s and %s", domain.ErrInvalidInput, out.currency, currency)
		}
		line := domain.OrderItem{ProductID: it.ProductID, VariantID: it.VariantID, SKU: v.SKU, Quantity: it.Quantity, UnitPriceCents: v.PriceCents}
		out.items = append(out.items, line)
		out.subtotal += line.LineTotalCents()
	}
	return out, nil
}

// attributeCheckout decides which referral, if any, a purchase is credited to. Rejections never fail checkout.
func (s *Service) attributeCheckout(ctx context.Context, rid, traceID string, evalCtx domain.EvaluationContext) (*domain.Referral, string) {
	if rid == "" {
		return nil, ""
	}
	now := s.nowFn()
	ref, decision, err := s.evaluate(ctx, rid, evalCtx)
	if err != nil {
		s.logger.WarnContext(ctx, "referral evaluation failed, continuing unattributed",
			"module", "application",
			"layer", "application",
			"operation", "checkout_attribution",
			"outcome", "failure",
			"rid", rid,
			"error", err,
		)
		return nil, ""
	}
	if !decision.Valid {
		s.enqueueEvent(ctx, domain.EventReferralValidationRejected, rid, traceID, map[string]string{
			"rid":    rid,
			"reason": string(decision.Reason),
			"source": "checkout",
		}, now)
		return nil, ""
	}
	winnerRID, err := s.claimAttribution(ctx, *ref, evalCtx)
	if err != nil || winnerRID == ref.RID {
		return ref, decision.Attribution
	}
	// An earlier click through another referral wins when that referral is still valid.
	earlier, earlierDecision, err := s.evaluate(ctx, winnerRID, evalCtx)
	if err == nil && earlierDecision.Valid {
		return earlier, earlierDecision.Attribution
	}
	return ref, decision.Attribution
}

// executeCheckout reports whether the payment was captured so the caller knows if the reservation may be released.
func (s *Service) executeCheckout(ctx context.Context, key, requestHash string, n normalizedCheckout, evalCtx domain.EvaluationContext) (domain.CheckoutResult, bool, error) {
	traceID := uuid.NewString()
	items, err := s.resolveItems(ctx, n)
	if err != nil {
		return domain.CheckoutResult{}, false, err
	}
	priced, err := s.priceCart(ctx, items)
	if err != nil {
		return domain.CheckoutResult{}, false, err
	}
	ref, attribution := s.attributeCheckout(ctx, n.RID, traceID, evalCtx)

	shipping := s.cfg.FlatShippingCents
	draft := domain.Order{
		OrderID:           "ord_" + uuid.NewString(),
		UserID:            n.UserID,
		SubtotalCents:     priced.subtotal,
		TaxCents:          0,
		ShippingCents:     shipping,
		TotalCents:        priced.subtotal + shipping,
		Currency:          priced.currency,
		Items:             priced.items,
		IdempotencyKey:    key,
		RequestHash:       requestHash,
		ShippingAddressID: n.ShippingAddressID,
		BillingAddressID:  n.BillingAddressID,
	}
	if ref != nil {
		draft.ReferralID = ref.RID
	}
	if err := draft.CheckTotals(); err != nil {
		return domain.CheckoutResult{}, false, err
	}

	chargeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.PaymentTimeout)
	charge, err := s.payments.Charge(chargeCtx, ports.ChargeRequest{
		PaymentTokenID: n.PaymentTokenID,
		AmountCents:    draft.TotalCents,
		Currency:       draft.Currency,
		IdempotencyKey: key,
		UserID:         n.UserID,
	})
	cancel()
	if err != nil {
		if errors.Is(err, domain.ErrPaymentDeclined) {
			return domain.CheckoutResult{}, false, err
		}
		return domain.CheckoutResult{}, false, fmt.Errorf("%w: %v", domain.ErrPaymentUnavailable, err)
	}

	// The charge is captured from here on; nothing below may be abandoned by the caller.
	ctx = context.WithoutCancel(ctx)
	now := s.nowFn()
	draft.PaymentIntentRef = charge.PaymentIntentRef
	order, err := domain.NewPaidOrder(draft, now)
	if err != nil {
		s.alarm(ctx, "checkout", err, "order_id", draft.OrderID)
		return domain.CheckoutResult{}, true, err
	}
	result := checkoutResultFromOrder(order)
	result.Attribution = attribution
	body, err := json.Marshal(result)
	if err != nil {
		return domain.CheckoutResult{}, true, err
	}

	commit := ports.CheckoutCommit{
		Order:          order,
		IdempotencyKey: key,
		ResponseCode:   http.StatusCreated,
		ResponseBody:   body,
		Outbox: s.mustOutboxRecord(domain.EventCommerceOrderPaid, order.OrderID, traceID, map[string]string{
			"order_id":           order.OrderID,
			"user_id":            order.UserID,
			"total_cents":        strconv.FormatInt(order.TotalCents, 10),
			"currency":           order.Currency,
			"rid":                order.ReferralID,
			"payment_intent_ref": order.PaymentIntentRef,
		}, now),
	}
	var task *domain.ConversionTask
	if ref != nil {
		task = &domain.ConversionTask{
			TaskID:       "conv_" + uuid.NewString(),
			OrderID:      order.OrderID,
			ReferralID:   ref.RID,
			PurchaserKey: domain.PurchaserKey(evalCtx),
			GMVCents:     order.TotalCents,
			Currency:     order.Currency,
			Policy:       ref.Policy,
			Status:       domain.ConversionTaskPending,
			CreatedAt:    now,
			UpdatedAt:    now,
		}
		commit.Conversion = task
	}
	if err := s.checkouts.CommitCheckout(ctx, commit); err != nil {
		s.logger.ErrorContext(ctx, "checkout commit failed after payment capture",
			"module", "application",
			"layer", "application",
			"operation", "checkout_commit",
			"outcome", "failure",
			"alarm", true,
			"payment_intent_ref", charge.PaymentIntentRef,
			"error", err,
		)
		return domain.CheckoutResult{}, true, err
	}

	if task != nil {
		// A failure here is retried by the conversion worker; the purchase itself is complete.
		_ = s.applyConversion(ctx, *task, traceID)
	}
	return result, true, nil
}

// applyConversion writes the purchase event, counters and the single reward entry for a conversion task.
func (s *Service) applyConversion(ctx context.Context, task domain.ConversionTask, traceID string) error {
	now := s.nowFn()
	reward := task.RewardEntry("rwd_"+uuid.NewString(), now)
	event := domain.ReferralEvent{
		EventID:    "evt_" + uuid.NewString(),
		ReferralID: task.ReferralID,
		Type:       domain.ReferralEventPurchase,
		OrderID:    task.OrderID,
		Metadata: map[string]string{
			"task_id":       task.TaskID,
			"gmv_cents":     strconv.FormatInt(task.GMVCents, 10),
			"purchaser_key": task.PurchaserKey,
		},
		CreatedAt: now,
	}
	outbox := append(
		s.mustOutboxRecord(domain.EventReferralConversionRecorded, task.ReferralID, traceID, map[string]string{
			"rid":       task.ReferralID,
			"order_id":  task.OrderID,
			"gmv_cents": strconv.FormatInt(task.GMVCents, 10),
			"currency":  task.Currency,
		}, now),
		s.mustOutboxRecord(domain.EventRewardEntryCreated, task.ReferralID, traceID, map[string]string{
			"rid":          task.ReferralID,
			"entry_id":     reward.EntryID,
			"order_id":     reward.OrderID,
			"amount_cents": strconv.FormatInt(reward.AmountCents, 10),
			"currency":     reward.Currency,
			"status":       string(reward.Status),
			"hold_until":   formatTime(reward.HoldUntil),
		}, now)...,
	)
	_, err := s.conversions.ApplyConversion(ctx, ports.ConversionApplication{
		TaskID: task.TaskID,
		Event:  event,
		Reward: reward,
		Outbox: outbox,
		At:     now,
	})
	switch {
	case err == nil:
		return nil
	case errors.Is(err, domain.ErrInvariantViolation):
		s.alarm(ctx, "apply_conversion", err, "task_id", task.TaskID, "rid", task.ReferralID, "order_id", task.OrderID)
		_ = s.conversions.MarkFailed(ctx, task.TaskID, err.Error(), true, now)
		s.enqueueEvent(ctx, domain.EventRewardInvariantViolation, task.ReferralID, traceID, map[string]string{
			"rid":      task.ReferralID,
			"order_id": task.OrderID,
			"task_id":  task.TaskID,
		}, now)
		return err
	default:
		s.logger.WarnContext(ctx, "conversion apply failed, will retry",
			"module", "application",
			"layer", "application",
			"operation", "apply_conversion",
			"outcome", "failure",
			"task_id", task.TaskID,
			"error", err,
		)
		_ = s.conversions.MarkFailed(ctx, task.TaskID, err.Error(), false, now)
		return err
	}
}

// ProcessPendingConversions re-delivers conversion tasks that were not applied inline.
func (s *Service) ProcessPendingConversions(ctx context.Context) (ConversionReport, error) {
	tasks, err := s.conversions.ListPending(ctx, s.cfg.ConversionBatchSize)
	if err != nil {
		return ConversionReport{}, err
	}
	report := ConversionReport{Scanned: len(tasks)}
	for _, task := range tasks {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		if err := s.applyConversion(ctx, task, uuid.NewString()); err != nil {
			report.Failed++
			continue
		}
		report.Applied++
	}
	return report, nil
}
