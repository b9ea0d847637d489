package domain

import "time"

const CheckoutNextAwaitFulfillment = "await_fulfillment"

// CheckoutResult is the terminal response stored against an idempotency key and replayed verbatim.
type CheckoutResult struct {
	OrderID          string      `json:"order_id"`
	Status           OrderStatus `json:"status"`
	PaymentIntentRef string      `json:"payment_intent_ref"`
	Next             string      `json:"next"`
	TotalCents       int64       `json:"total_cents"`
	Currency         string      `json:"currency"`
	ReferralID       string      `json:"referral_id,omitempty"`
	Attribution      string      `json:"attribution,omitempty"`
}

type ConversionTaskStatus string

const (
	ConversionTaskPending ConversionTaskStatus = "pending"
	ConversionTaskApplied ConversionTaskStatus = "applied"
	// Failed tasks hit an invariant violation and wait for an operator.
	ConversionTaskFailed ConversionTaskStatus = "failed"
)

// ConversionTask carries an attributed purchase from the checkout commit to the reward ledger.
// It is delivered at least once; applying it twice must not create a second reward.
type ConversionTask struct {
	TaskID       string               `json:"task_id"`
	OrderID      string               `json:"order_id"`
	ReferralID   string               `json:"referral_id"`
	PurchaserKey string               `json:"purchaser_key,omitempty"`
	GMVCents     int64                `json:"gmv_cents"`
	Currency     string               `json:"currency"`
	Policy       RewardPolicy         `json:"policy"`
	Status       ConversionTaskStatus `json:"status"`
	Attempts     int                  `json:"attempts"`
	LastError    string               `json:"last_error,omitempty"`
	CreatedAt    time.Time            `json:"created_at"`
	UpdatedAt    time.Time            `json:"updated_at"`
}

// RewardEntry derives the single ledger entry a conversion produces.
func (t ConversionTask) RewardEntry(entryID string, now time.Time) RewardLedgerEntry {
	return RewardLedgerEntry{
		EntryID:     entryID,
		ReferralID:  t.ReferralID,
		OrderID:     t.OrderID,
		AmountCents: t.Policy.RewardAmount(t.GMVCents),
		Currency:    t.Currency,
		Status:      RewardStatusPendingHold,
		HoldUntil:   t.Policy.HoldUntil(now),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}
