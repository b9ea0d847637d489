package http

import (
	"time"

	"github.com/viralforge/mesh/services/financial-rails/M42-referral-settlement-service/internal/application"
	"github.com/viralforge/mesh/services/financial-rails/M42-referral-settlement-service/internal/contracts"
	"github.com/viralforge/mesh/services/financial-rails/M42-referral-settlement-service/internal/domain"
)

func formatTime(t time.Time) string { return t.UTC().Format(time.RFC3339) }

func toPolicyView(p domain.RewardPolicy) contracts.RewardPolicyView {
	return contracts.RewardPolicyView{RewardType: p.RewardType, RewardValue: p.RewardValue, Currency: p.Currency, HoldDays: p.HoldDays}
}

func toIssueReferralResponse(res application.IssueReferralResult) contracts.IssueReferralResponse {
	return contracts.IssueReferralResponse{
		RID:              res.Referral.RID,
		ShareURL:         res.ShareURL,
		ExpiresAt:        formatTime(res.Referral.ExpiresAt),
		Policy:           toPolicyView(res.Referral.Policy),
		PreviouslyIssued: res.PreviouslyIssued,
	}
}

func toReferralResponse(view application.ReferralView) contracts.ReferralResponse {
	ref := view.Referral
	return contracts.ReferralResponse{
		RID:         ref.RID,
		ProductID:   ref.ProductID,
		Clicks:      ref.Clicks,
		Conversions: ref.Conversions,
		GMVCents:    ref.GMVCents,
		Status:      string(ref.Status),
		ExpiresAt:   formatTime(ref.ExpiresAt),
		Rewards: contracts.RewardSummaryView{
			PendingHold: view.Rewards.PendingHoldCents,
			Payable:     view.Rewards.PayableCents,
			Paid:        view.Rewards.PaidCents,
		},
	}
}

// toValidateResponse keeps attribution and reason as explicit nulls when absent.
func toValidateResponse(res application.ValidationResult) contracts.ValidateReferralResponse {
	out := contracts.ValidateReferralResponse{Valid: res.Valid, AttributedRID: res.AttributedRID}
	if res.Valid {
		attribution := res.Attribution
		out.Attribution = &attribution
	} else {
		reason := string(res.Reason)
		out.Reason = &reason
	}
	return out
}

func toCheckoutResponse(res domain.CheckoutResult) contracts.CheckoutResponse {
	return contracts.CheckoutResponse{
		OrderID:          res.OrderID,
		Status:           string(res.Status),
		PaymentIntentRef: res.PaymentIntentRef,
		Next:             res.Next,
		TotalCents:       res.TotalCents,
		Currency:         res.Currency,
		ReferralID:       res.ReferralID,
	}
}

func toOrderResponse(o domain.Order) contracts.OrderResponse {
	items := make([]contracts.OrderItemView, 0, len(o.Items))
	for _, it := range o.Items {
		items = append(items, contracts.OrderItemView{
			ProductID: it.ProductID, VariantID: it.VariantID, SKU: it.SKU, Quantity: it.Quantity, UnitPriceCents: it.UnitPriceCents,
		})
	}
	timeline := make([]contracts.TimelineEntryView, 0, len(o.Timeline))
	for _, e := range o.Timeline {
		timeline = append(timeline, contracts.TimelineEntryView{From: string(e.From), To: string(e.To), Reason: e.Reason, At: formatTime(e.At)})
	}
	return contracts.OrderResponse{
		ID:               o.OrderID,
		UserID:           o.UserID,
		Status:           string(o.Status),
		ReferralID:       o.ReferralID,
		PaymentIntentRef: o.PaymentIntentRef,
		Totals: contracts.OrderTotals{
			SubtotalCents: o.SubtotalCents,
			TaxCents:      o.TaxCents,
			ShippingCents: o.ShippingCents,
			TotalCents:    o.TotalCents,
			Currency:      o.Currency,
		},
		Items:    items,
		Timeline: timeline,
	}
}

func toRewardEntryResponse(e domain.RewardLedgerEntry) contracts.RewardEntryResponse {
	return contracts.RewardEntryResponse{
		EntryID:     e.EntryID,
		ReferralID:  e.ReferralID,
		OrderID:     e.OrderID,
		AmountCents: e.AmountCents,
		Currency:    e.Currency,
		Status:      string(e.Status),
		HoldUntil:   formatTime(e.HoldUntil),
		PayoutRef:   e.PayoutRef,
	}
}
