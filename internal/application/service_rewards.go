package application

import (
	"context"
	"errors"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/viralforge/mesh/services/financial-rails/M42-referral-settlement-service/internal/domain"
)

// SettleRewards runs one settlement pass over entries still in their hold window.
func (s *Service) SettleRewards(ctx context.Context) (SettlementReport, error) {
	entries, err := s.rewards.ListPendingHold(ctx, s.cfg.SettlementBatchSize)
	if err != nil {
		return SettlementReport{}, err
	}
	_, report := s.settleEntries(ctx, entries, uuid.NewString())
	return report, ctx.Err()
}

func (s *Service) settleOrderRewards(ctx context.Context, orderID, traceID string) (SettlementReport, error) {
	entries, err := s.rewards.ListByOrder(ctx, orderID)
	if err != nil {
		return SettlementReport{}, err
	}
	_, report := s.settleEntries(ctx, entries, traceID)
	return report, nil
}

// settleEntries returns the entries as they stand after settlement.
func (s *Service) settleEntries(ctx context.Context, entries []domain.RewardLedgerEntry, traceID string) ([]domain.RewardLedgerEntry, SettlementReport) {
	out := make([]domain.RewardLedgerEntry, 0, len(entries))
	var report SettlementReport
	for _, entry := range entries {
		if entry.Status != domain.RewardStatusPendingHold {
			out = append(out, entry)
			continue
		}
		report.Scanned++
		now := s.nowFn()
		res, err := s.rewards.SettleWithOrder(ctx, entry.EntryID, func(current domain.RewardLedgerEntry, status domain.OrderStatus) (domain.RewardLedgerEntry, bool) {
			return domain.Settle(current, status, now)
		})
		if err != nil {
			s.logger.WarnContext(ctx, "reward settlement failed",
				"module", "application",
				"layer", "application",
				"operation", "settle_rewards",
				"outcome", "failure",
				"entry_id", entry.EntryID,
				"error", err,
			)
			out = append(out, entry)
			continue
		}
		if !res.Changed {
			out = append(out, res.Entry)
			continue
		}
		next, status := res.Entry, res.OrderStatus
		out = append(out, next)
		attrs := map[string]string{
			"rid":          next.ReferralID,
			"entry_id":     next.EntryID,
			"order_id":     next.OrderID,
			"amount_cents": strconv.FormatInt(next.AmountCents, 10),
			"currency":     next.Currency,
			"order_status": string(status),
		}
		switch next.Status {
		case domain.RewardStatusPayable:
			report.Payable++
			if err := s.referralEvents.Append(ctx, domain.ReferralEvent{
				EventID:    "evt_" + uuid.NewString(),
				ReferralID: next.ReferralID,
				Type:       domain.ReferralEventRewardReleased,
				OrderID:    next.OrderID,
				Metadata:   map[string]string{"entry_id": next.EntryID, "amount_cents": attrs["amount_cents"]},
				CreatedAt:  now,
			}); err != nil {
				s.logger.WarnContext(ctx, "failed to append reward released event",
					"module", "application",
					"layer", "application",
					"operation", "settle_rewards",
					"outcome", "failure",
					"entry_id", next.EntryID,
					"error", err,
				)
			}
			s.enqueueEvent(ctx, domain.EventRewardEntryPayable, next.ReferralID, traceID, attrs, now)
		case domain.RewardStatusCancelled:
			report.Cancelled++
			s.enqueueEvent(ctx, domain.EventRewardEntryCancelled, next.ReferralID, traceID, attrs, now)
		}
	}
	return out, report
}

// ConfirmPayout is the payout collaborator's callback. Confirming the same payout twice is a no-op.
func (s *Service) ConfirmPayout(ctx context.Context, actor Actor, entryID, payoutRef string) (domain.RewardLedgerEntry, error) {
	if strings.TrimSpace(actor.SubjectID) == "" {
		return domain.RewardLedgerEntry{}, domain.ErrUnauthorized
	}
	if !isPrivileged(actor) {
		return domain.RewardLedgerEntry{}, domain.ErrForbidden
	}
	entryID, payoutRef = strings.TrimSpace(entryID), strings.TrimSpace(payoutRef)
	if entryID == "" || payoutRef == "" {
		return domain.RewardLedgerEntry{}, domain.ErrInvalidInput
	}
	entry, err := s.rewards.GetByID(ctx, entryID)
	if err != nil {
		return domain.RewardLedgerEntry{}, err
	}
	if entry.Status == domain.RewardStatusPaid && entry.PayoutRef == payoutRef {
		return entry, nil
	}
	if entry.Status == domain.RewardStatusPendingHold {
		// The hold may have elapsed since the last sweep.
		settled, _ := s.settleEntries(ctx, []domain.RewardLedgerEntry{entry}, traceIDOrNew(actor))
		entry = settled[0]
	}
	now := s.nowFn()
	paid, err := domain.MarkPaid(entry, payoutRef, now)
	if err != nil {
		return domain.RewardLedgerEntry{}, err
	}
	if err := s.rewards.UpdateStatus(ctx, paid, domain.RewardStatusPayable); err != nil {
		if errors.Is(err, domain.ErrConflict) {
			return domain.RewardLedgerEntry{}, domain.ErrInvalidTransition
		}
		return domain.RewardLedgerEntry{}, err
	}
	s.enqueueEvent(ctx, domain.EventRewardEntryPaid, paid.ReferralID, traceIDOrNew(actor), map[string]string{
		"rid":          paid.ReferralID,
		"entry_id":     paid.EntryID,
		"order_id":     paid.OrderID,
		"amount_cents": strconv.FormatInt(paid.AmountCents, 10),
		"currency":     paid.Currency,
		"payout_ref":   paid.PayoutRef,
	}, now)
	return paid, nil
}

func (s *Service) ListRewardsByReferral(ctx context.Context, actor Actor, rid string) ([]domain.RewardLedgerEntry, error) {
	view, err := s.GetReferral(ctx, actor, rid)
	if err != nil {
		return nil, err
	}
	return s.rewards.ListByReferral(ctx, view.Referral.RID)
}
