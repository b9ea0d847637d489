package domain

import (
	"fmt"
	"time"
)

type RewardStatus string

const (
	RewardStatusPendingHold RewardStatus = "pending_hold"
	RewardStatusPayable     RewardStatus = "payable"
	RewardStatusPaid        RewardStatus = "paid"
	RewardStatusCancelled   RewardStatus = "cancelled"
)

func (s RewardStatus) IsTerminal() bool {
	return s == RewardStatusPaid || s == RewardStatusCancelled
}

type RewardLedgerEntry struct {
	EntryID     string       `json:"entry_id"`
	ReferralID  string       `json:"referral_id"`
	OrderID     string       `json:"order_id"`
	AmountCents int64        `json:"amount_cents"`
	Currency    string       `json:"currency"`
	Status      RewardStatus `json:"status"`
	HoldUntil   time.Time    `json:"hold_until"`
	PayoutRef   string       `json:"payout_ref,omitempty"`
	CreatedAt   time.Time    `json:"created_at"`
	UpdatedAt   time.Time    `json:"updated_at"`
}

// Settle evaluates a pending entry against the current order status. Refunds and cancellations win
// over an elapsed hold. The second return value reports whether the entry changed.
func Settle(entry RewardLedgerEntry, orderStatus OrderStatus, now time.Time) (RewardLedgerEntry, bool) {
	if entry.Status != RewardStatusPendingHold {
		return entry, false
	}
	switch {
	case orderStatus.IsRefundedOrCancelled():
		entry.Status = RewardStatusCancelled
	case !now.Before(entry.HoldUntil):
		entry.Status = RewardStatusPayable
	default:
		return entry, false
	}
	entry.UpdatedAt = now
	return entry, true
}

func MarkPaid(entry RewardLedgerEntry, payoutRef string, now time.Time) (RewardLedgerEntry, error) {
	if entry.Status != RewardStatusPayable {
		return entry, fmt.Errorf("%w: reward %s is %s", ErrInvalidTransition, entry.EntryID, entry.Status)
	}
	entry.Status = RewardStatusPaid
	entry.PayoutRef = payoutRef
	entry.UpdatedAt = now
	return entry, nil
}

type RewardSummary struct {
	PendingHoldCents int64 `json:"pending_hold"`
	PayableCents     int64 `json:"payable"`
	PaidCents        int64 `json:"paid"`
}

func SummarizeRewards(entries []RewardLedgerEntry) RewardSummary {
	var out RewardSummary
	for _, e := range entries {
		switch e.Status {
		case RewardStatusPendingHold:
			out.PendingHoldCents += e.AmountCents
		case RewardStatusPayable:
			out.PayableCents += e.AmountCents
		case RewardStatusPaid:
			out.PaidCents += e.AmountCents
		}
	}
	return out
}
