package postgres

import (
	"github.com/viralforge/mesh/services/financial-rails/M42-referral-settlement-service/internal/ports"
	"gorm.io/gorm"
)

type Repositories struct {
	Referrals      ports.ReferralRepository
	ReferralEvents ports.ReferralEventRepository
	Attributions   ports.AttributionRepository
	Orders         ports.OrderRepository
	Rewards        ports.RewardRepository
	Idempotency    ports.IdempotencyRepository
	Checkouts      ports.CheckoutRepository
	Conversions    ports.ConversionRepository
	Outbox         ports.OutboxRepository
	EventDedup     ports.EventDedupRepository
}

func NewRepositories(db *gorm.DB) Repositories {
	return Repositories{
		Referrals:      &referralRepository{db: db},
		ReferralEvents: &referralEventRepository{db: db},
		Attributions:   &attributionRepository{db: db},
		Orders:         &orderRepository{db: db},
		Rewards:        &rewardRepository{db: db},
		Idempotency:    &idempotencyRepository{db: db},
		Checkouts:      &checkoutRepository{db: db},
		Conversions:    &conversionRepository{db: db},
		Outbox:         &outboxRepository{db: db},
		EventDedup:     &eventDedupRepository{db: db},
	}
}
