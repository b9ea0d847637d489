package postgres

import (
	"context"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/viralforge/mesh/services/financial-rails/M42-referral-settlement-service/internal/domain"
	"github.com/viralforge/mesh/services/financial-rails/M42-referral-settlement-service/internal/ports"
)

type referralRepository struct {
	db *gorm.DB
}

func (r *referralRepository) Create(ctx context.Context, row domain.Referral) error {
	rec := toReferralModel(row)
	if err := r.db.WithContext(ctx).Create(&rec).Error; err != nil {
		if isUniqueViolation(err) {
			return domain.ErrConflict
		}
		return err
	}
	return nil
}

func (r *referralRepository) GetByRID(ctx context.Context, rid string) (domain.Referral, error) {
	var rec referralModel
	if err := r.db.WithContext(ctx).Where("rid = ?", rid).Take(&rec).Error; err != nil {
		if isNotFound(err) {
			return domain.Referral{}, domain.ErrNotFound
		}
		return domain.Referral{}, err
	}
	return toReferralDomain(rec), nil
}

func (r *referralRepository) GetActiveByOwnerProduct(ctx context.Context, ownerUserID, productID string) (domain.Referral, error) {
	var rec referralModel
	err := r.db.WithContext(ctx).
		Where("owner_user_id = ? AND product_id = ? AND status = ?", ownerUserID, productID, string(domain.ReferralStatusActive)).
		Take(&rec).Error
	if err != nil {
		if isNotFound(err) {
			return domain.Referral{}, domain.ErrNotFound
		}
		return domain.Referral{}, err
	}
	return toReferralDomain(rec), nil
}

func (r *referralRepository) ExpireIfActive(ctx context.Context, rid string, now time.Time) (bool, error) {
	res := r.db.WithContext(ctx).Model(&referralModel{}).
		Where("rid = ? AND status = ?", rid, string(domain.ReferralStatusActive)).
		Updates(map[string]any{"status": string(domain.ReferralStatusExpired), "updated_at": now})
	if res.Error != nil {
		return false, res.Error
	}
	if res.RowsAffected == 1 {
		return true, nil
	}
	if _, err := r.GetByRID(ctx, rid); err != nil {
		return false, err
	}
	return false, nil
}

func (r *referralRepository) IncrementClicks(ctx context.Context, rid string, now time.Time) error {
	res := r.db.WithContext(ctx).Model(&referralModel{}).Where("rid = ?", rid).Updates(map[string]any{
		"clicks":     gorm.Expr("clicks + 1"),
		"updated_at": now,
	})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (r *referralRepository) UpdateStatus(ctx context.Context, rid string, from, to domain.ReferralStatus, now time.Time) error {
	res := r.db.WithContext(ctx).Model(&referralModel{}).
		Where("rid = ? AND status = ?", rid, string(from)).
		Updates(map[string]any{"status": string(to), "updated_at": now})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		if _, err := r.GetByRID(ctx, rid); err != nil {
			return err
		}
		return domain.ErrConflict
	}
	return nil
}

type referralEventRepository struct {
	db *gorm.DB
}

func (r *referralEventRepository) Append(ctx context.Context, row domain.ReferralEvent) error {
	rec := toReferralEventModel(row)
	return r.db.WithContext(ctx).Create(&rec).Error
}

func (r *referralEventRepository) ListByReferral(ctx context.Context, rid string) ([]domain.ReferralEvent, error) {
	var rows []referralEventModel
	if err := r.db.WithContext(ctx).Where("referral_id = ?", rid).Order("seq asc").Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]domain.ReferralEvent, 0, len(rows))
	for _, row := range rows {
		out = append(out, toReferralEventDomain(row))
	}
	return out, nil
}

type attributionRepository struct {
	db *gorm.DB
}

// ClaimFirstClick inserts with ON CONFLICT DO NOTHING and reads back whichever row won.
func (r *attributionRepository) ClaimFirstClick(ctx context.Context, row domain.Attribution) (domain.Attribution, error) {
	rec := attributionModel{PurchaserKey: row.PurchaserKey, ReferralID: row.ReferralID, Model: row.Model, ClickedAt: row.ClickedAt}
	if err := r.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&rec).Error; err != nil {
		return domain.Attribution{}, err
	}
	return r.GetByPurchaser(ctx, row.PurchaserKey)
}

func (r *attributionRepository) GetByPurchaser(ctx context.Context, purchaserKey string) (domain.Attribution, error) {
	var rec attributionModel
	if err := r.db.WithContext(ctx).Where("purchaser_key = ?", purchaserKey).Take(&rec).Error; err != nil {
		if isNotFound(err) {
			return domain.Attribution{}, domain.ErrNotFound
		}
		return domain.Attribution{}, err
	}
	return toAttributionDomain(rec), nil
}

var (
	_ ports.ReferralRepository      = (*referralRepository)(nil)
	_ ports.ReferralEventRepository = (*referralEventRepository)(nil)
	_ ports.AttributionRepository   = (*attributionRepository)(nil)
)
