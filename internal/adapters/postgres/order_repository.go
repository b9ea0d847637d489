package postgres

import (
	"context"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/viralforge/mesh/services/financial-rails/M42-referral-settlement-service/internal/domain"
	"github.com/viralforge/mesh/services/financial-rails/M42-referral-settlement-service/internal/ports"
)

type orderRepository struct {
	db *gorm.DB
}

func (r *orderRepository) GetByID(ctx context.Context, orderID string) (domain.Order, error) {
	return r.take(ctx, "order_id = ?", orderID)
}

func (r *orderRepository) GetByIdempotencyKey(ctx context.Context, key string) (domain.Order, error) {
	return r.take(ctx, "idempotency_key = ?", key)
}

func (r *orderRepository) take(ctx context.Context, query string, arg string) (domain.Order, error) {
	var rec orderModel
	if err := r.db.WithContext(ctx).Where(query, arg).Take(&rec).Error; err != nil {
		if isNotFound(err) {
			return domain.Order{}, domain.ErrNotFound
		}
		return domain.Order{}, err
	}
	return toOrderDomain(rec), nil
}

// Transition locks the row so the timeline append and the status change land together.
func (r *orderRepository) Transition(ctx context.Context, orderID string, from domain.OrderStatus, entry domain.TimelineEntry) (domain.Order, error) {
	var out domain.Order
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var rec orderModel
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).Where("order_id = ?", orderID).Take(&rec).Error; err != nil {
			if isNotFound(err) {
				return domain.ErrNotFound
			}
			return err
		}
		if rec.Status != string(from) {
			return domain.ErrConflict
		}
		rec.Timeline = append(rec.Timeline, entry)
		rec.Status = string(entry.To)
		rec.UpdatedAt = entry.At
		if err := tx.Model(&orderModel{}).Where("order_id = ?", orderID).Updates(map[string]any{
			"status":     rec.Status,
			"timeline":   rec.Timeline,
			"updated_at": rec.UpdatedAt,
		}).Error; err != nil {
			return err
		}
		out = toOrderDomain(rec)
		return nil
	})
	if err != nil {
		return domain.Order{}, err
	}
	return out, nil
}

type checkoutRepository struct {
	db *gorm.DB
}

// CommitCheckout writes the order, completes the idempotency record, and enqueues the conversion task
// and outbox rows in one transaction.
func (r *checkoutRepository) CommitCheckout(ctx context.Context, commit ports.CheckoutCommit) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		order := toOrderModel(commit.Order)
		if err := tx.Create(&order).Error; err != nil {
			if isUniqueViolation(err) {
				return domain.ErrConflict
			}
			return err
		}
		res := tx.Model(&idempotencyModel{}).
			Where("idempotency_key = ?", commit.IdempotencyKey).
			Updates(map[string]any{
				"status":        ports.IdempotencyStatusCompleted,
				"response_code": commit.ResponseCode,
				"response_body": string(commit.ResponseBody),
				"updated_at":    commit.Order.CreatedAt,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return domain.ErrNotFound
		}
		if commit.Conversion != nil {
			task := toConversionModel(*commit.Conversion)
			if err := tx.Create(&task).Error; err != nil {
				return err
			}
		}
		return insertOutbox(tx, commit.Outbox)
	})
}

func insertOutbox(tx *gorm.DB, records []ports.OutboxRecord) error {
	if len(records) == 0 {
		return nil
	}
	rows := toOutboxModels(records)
	return tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&rows).Error
}

type idempotencyRepository struct {
	db *gorm.DB
}

func (r *idempotencyRepository) Get(ctx context.Context, key string, now time.Time) (*ports.IdempotencyRecord, error) {
	var rec idempotencyModel
	err := r.db.WithContext(ctx).Where("idempotency_key = ? AND expires_at > ?", key, now).Take(&rec).Error
	if err != nil {
		if isNotFound(err) {
			return nil, nil
		}
		return nil, err
	}
	return &ports.IdempotencyRecord{
		Key: rec.IdempotencyKey, RequestHash: rec.RequestHash, Status: rec.Status,
		ResponseCode: rec.ResponseCode, ResponseBody: []byte(rec.ResponseBody), ExpiresAt: rec.ExpiresAt.UTC(),
	}, nil
}

// Reserve clears an expired row for the key before inserting, so a stale key can be reused.
func (r *idempotencyRepository) Reserve(ctx context.Context, key, requestHash string, expiresAt time.Time) error {
	now := time.Now().UTC()
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("idempotency_key = ? AND expires_at <= ?", key, now).Delete(&idempotencyModel{}).Error; err != nil {
			return err
		}
		rec := idempotencyModel{
			IdempotencyKey: key,
			RequestHash:    requestHash,
			Status:         ports.IdempotencyStatusReserved,
			ExpiresAt:      expiresAt,
			CreatedAt:      now,
			UpdatedAt:      now,
		}
		if err := tx.Create(&rec).Error; err != nil {
			if isUniqueViolation(err) {
				return domain.ErrConflict
			}
			return err
		}
		return nil
	})
}

func (r *idempotencyRepository) Complete(ctx context.Context, key string, responseCode int, responseBody []byte, at time.Time) error {
	res := r.db.WithContext(ctx).Model(&idempotencyModel{}).
		Where("idempotency_key = ?", key).
		Updates(map[string]any{
			"status":        ports.IdempotencyStatusCompleted,
			"response_code": responseCode,
			"response_body": string(responseBody),
			"updated_at":    at,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (r *idempotencyRepository) Release(ctx context.Context, key string) error {
	return r.db.WithContext(ctx).
		Where("idempotency_key = ? AND status = ?", key, ports.IdempotencyStatusReserved).
		Delete(&idempotencyModel{}).Error
}

var (
	_ ports.OrderRepository       = (*orderRepository)(nil)
	_ ports.CheckoutRepository    = (*checkoutRepository)(nil)
	_ ports.IdempotencyRepository = (*idempotencyRepository)(nil)
)
