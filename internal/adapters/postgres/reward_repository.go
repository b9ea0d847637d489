package postgres

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/viralforge/mesh/services/financial-rails/M42-referral-settlement-service/internal/domain"
	"github.com/viralforge/mesh/services/financial-rails/M42-referral-settlement-service/internal/ports"
)

type rewardRepository struct {
	db *gorm.DB
}

func (r *rewardRepository) GetByID(ctx context.Context, entryID string) (domain.RewardLedgerEntry, error) {
	var rec rewardModel
	if err := r.db.WithContext(ctx).Where("entry_id = ?", entryID).Take(&rec).Error; err != nil {
		if isNotFound(err) {
			return domain.RewardLedgerEntry{}, domain.ErrNotFound
		}
		return domain.RewardLedgerEntry{}, err
	}
	return toRewardDomain(rec), nil
}

func (r *rewardRepository) ListByReferral(ctx context.Context, rid string) ([]domain.RewardLedgerEntry, error) {
	return r.list(r.db.WithContext(ctx).Where("referral_id = ?", rid))
}

func (r *rewardRepository) ListByOrder(ctx context.Context, orderID string) ([]domain.RewardLedgerEntry, error) {
	return r.list(r.db.WithContext(ctx).Where("order_id = ?", orderID))
}

func (r *rewardRepository) ListPendingHold(ctx context.Context, limit int) ([]domain.RewardLedgerEntry, error) {
	q := r.db.WithContext(ctx).Where("status = ?", string(domain.RewardStatusPendingHold))
	if limit > 0 {
		q = q.Limit(limit)
	}
	return r.list(q)
}

func (r *rewardRepository) list(q *gorm.DB) ([]domain.RewardLedgerEntry, error) {
	var rows []rewardModel
	if err := q.Order("hold_until asc, entry_id asc").Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]domain.RewardLedgerEntry, 0, len(rows))
	for _, row := range rows {
		out = append(out, toRewardDomain(row))
	}
	return out, nil
}

func (r *rewardRepository) UpdateStatus(ctx context.Context, entry domain.RewardLedgerEntry, from domain.RewardStatus) error {
	res := r.db.WithContext(ctx).Model(&rewardModel{}).
		Where("entry_id = ? AND status = ?", entry.EntryID, string(from)).
		Updates(map[string]any{
			"status":     string(entry.Status),
			"payout_ref": entry.PayoutRef,
			"updated_at": entry.UpdatedAt,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		if _, err := r.GetByID(ctx, entry.EntryID); err != nil {
			return err
		}
		return domain.ErrConflict
	}
	return nil
}

// SettleWithOrder locks the entry, then holds a shared lock on its order so a concurrent order
// transition waits for the settlement to commit.
func (r *rewardRepository) SettleWithOrder(ctx context.Context, entryID string, settle ports.SettleFunc) (ports.SettleOutcome, error) {
	var out ports.SettleOutcome
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var rec rewardModel
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).Where("entry_id = ?", entryID).Take(&rec).Error; err != nil {
			if isNotFound(err) {
				return domain.ErrNotFound
			}
			return err
		}
		var order orderModel
		if err := tx.Clauses(clause.Locking{Strength: "SHARE"}).Select("order_id", "status").
			Where("order_id = ?", rec.OrderID).Take(&order).Error; err != nil {
			if isNotFound(err) {
				return fmt.Errorf("%w: order %s", domain.ErrNotFound, rec.OrderID)
			}
			return err
		}
		entry := toRewardDomain(rec)
		status := domain.OrderStatus(order.Status)
		next, changed := settle(entry, status)
		out = ports.SettleOutcome{Entry: entry, OrderStatus: status, Changed: changed}
		if !changed {
			return nil
		}
		if err := tx.Model(&rewardModel{}).Where("entry_id = ?", entryID).Updates(map[string]any{
			"status":     string(next.Status),
			"payout_ref": next.PayoutRef,
			"updated_at": next.UpdatedAt,
		}).Error; err != nil {
			return err
		}
		out.Entry = next
		return nil
	})
	return out, err
}

type conversionRepository struct {
	db *gorm.DB
}

func (r *conversionRepository) GetByID(ctx context.Context, taskID string) (domain.ConversionTask, error) {
	var rec conversionTaskModel
	if err := r.db.WithContext(ctx).Where("task_id = ?", taskID).Take(&rec).Error; err != nil {
		if isNotFound(err) {
			return domain.ConversionTask{}, domain.ErrNotFound
		}
		return domain.ConversionTask{}, err
	}
	return toConversionDomain(rec), nil
}

func (r *conversionRepository) ListPending(ctx context.Context, limit int) ([]domain.ConversionTask, error) {
	q := r.db.WithContext(ctx).Where("status = ?", string(domain.ConversionTaskPending)).Order("created_at asc, task_id asc")
	if limit > 0 {
		q = q.Limit(limit)
	}
	var rows []conversionTaskModel
	if err := q.Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]domain.ConversionTask, 0, len(rows))
	for _, row := range rows {
		out = append(out, toConversionDomain(row))
	}
	return out, nil
}

// ApplyConversion locks the task row, so concurrent workers applying the same task serialize and the
// loser observes it as already applied.
func (r *conversionRepository) ApplyConversion(ctx context.Context, app ports.ConversionApplication) (bool, error) {
	applied := false
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var task conversionTaskModel
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).Where("task_id = ?", app.TaskID).Take(&task).Error; err != nil {
			if isNotFound(err) {
				return domain.ErrNotFound
			}
			return err
		}
		if task.Status != string(domain.ConversionTaskPending) {
			return nil
		}
		var existing int64
		if err := tx.Model(&rewardModel{}).
			Where("referral_id = ? AND order_id = ?", app.Reward.ReferralID, app.Reward.OrderID).
			Count(&existing).Error; err != nil {
			return err
		}
		if existing > 0 {
			return fmt.Errorf("%w: reward already recorded for referral %s order %s", domain.ErrInvariantViolation, app.Reward.ReferralID, app.Reward.OrderID)
		}
		reward := toRewardModel(app.Reward)
		if err := tx.Create(&reward).Error; err != nil {
			if isUniqueViolation(err) {
				return domain.ErrInvariantViolation
			}
			return err
		}
		res := tx.Model(&referralModel{}).Where("rid = ?", task.ReferralID).Updates(map[string]any{
			"conversions": gorm.Expr("conversions + 1"),
			"gmv_cents":   gorm.Expr("gmv_cents + ?", task.GMVCents),
			"updated_at":  app.At,
		})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return domain.ErrNotFound
		}
		event := toReferralEventModel(app.Event)
		if err := tx.Create(&event).Error; err != nil {
			return err
		}
		if err := tx.Model(&conversionTaskModel{}).Where("task_id = ?", app.TaskID).Updates(map[string]any{
			"status":     string(domain.ConversionTaskApplied),
			"attempts":   gorm.Expr("attempts + 1"),
			"updated_at": app.At,
		}).Error; err != nil {
			return err
		}
		if err := insertOutbox(tx, app.Outbox); err != nil {
			return err
		}
		applied = true
		return nil
	})
	if err != nil {
		return false, err
	}
	return applied, nil
}

func (r *conversionRepository) MarkFailed(ctx context.Context, taskID, errMsg string, terminal bool, at time.Time) error {
	updates := map[string]any{
		"attempts":   gorm.Expr("attempts + 1"),
		"last_error": errMsg,
		"updated_at": at,
	}
	if terminal {
		updates["status"] = string(domain.ConversionTaskFailed)
	}
	res := r.db.WithContext(ctx).Model(&conversionTaskModel{}).
		Where("task_id = ? AND status <> ?", taskID, string(domain.ConversionTaskApplied)).
		Updates(updates)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		_, err := r.GetByID(ctx, taskID)
		return err
	}
	return nil
}

var (
	_ ports.RewardRepository     = (*rewardRepository)(nil)
	_ ports.ConversionRepository = (*conversionRepository)(nil)
)
