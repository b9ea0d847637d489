package postgres

import (
	"gorm.io/datatypes"

	"github.com/viralforge/mesh/services/financial-rails/M42-referral-settlement-service/internal/domain"
	"github.com/viralforge/mesh/services/financial-rails/M42-referral-settlement-service/internal/ports"
)

func toReferralModel(r domain.Referral) referralModel {
	return referralModel{
		RID: r.RID, OwnerUserID: r.OwnerUserID, ProductID: r.ProductID, Status: string(r.Status),
		ExpiresAt: r.ExpiresAt, Clicks: r.Clicks, Conversions: r.Conversions, GMVCents: r.GMVCents,
		Policy: datatypes.NewJSONType(r.Policy), CreatedAt: r.CreatedAt, UpdatedAt: r.UpdatedAt,
	}
}

func toReferralDomain(m referralModel) domain.Referral {
	return domain.Referral{
		RID: m.RID, OwnerUserID: m.OwnerUserID, ProductID: m.ProductID, Status: domain.ReferralStatus(m.Status),
		ExpiresAt: m.ExpiresAt.UTC(), Clicks: m.Clicks, Conversions: m.Conversions, GMVCents: m.GMVCents,
		Policy: m.Policy.Data(), CreatedAt: m.CreatedAt.UTC(), UpdatedAt: m.UpdatedAt.UTC(),
	}
}

func toReferralEventModel(e domain.ReferralEvent) referralEventModel {
	return referralEventModel{
		EventID: e.EventID, ReferralID: e.ReferralID, Type: string(e.Type), OrderID: e.OrderID,
		Metadata: datatypes.NewJSONType(e.Metadata), CreatedAt: e.CreatedAt,
	}
}

func toReferralEventDomain(m referralEventModel) domain.ReferralEvent {
	return domain.ReferralEvent{
		EventID: m.EventID, ReferralID: m.ReferralID, Type: domain.ReferralEventType(m.Type), OrderID: m.OrderID,
		Metadata: m.Metadata.Data(), CreatedAt: m.CreatedAt.UTC(),
	}
}

func toAttributionDomain(m attributionModel) domain.Attribution {
	return domain.Attribution{PurchaserKey: m.PurchaserKey, ReferralID: m.ReferralID, Model: m.Model, ClickedAt: m.ClickedAt.UTC()}
}

func toOrderModel(o domain.Order) orderModel {
	return orderModel{
		OrderID: o.OrderID, UserID: o.UserID, Status: string(o.Status),
		SubtotalCents: o.SubtotalCents, TaxCents: o.TaxCents, ShippingCents: o.ShippingCents, TotalCents: o.TotalCents,
		Currency: o.Currency, ReferralID: o.ReferralID, Items: datatypes.NewJSONSlice(o.Items),
		PaymentIntentRef: o.PaymentIntentRef, IdempotencyKey: o.IdempotencyKey, RequestHash: o.RequestHash,
		ShippingAddressID: o.ShippingAddressID, BillingAddressID: o.BillingAddressID,
		Timeline: datatypes.NewJSONSlice(o.Timeline), CreatedAt: o.CreatedAt, UpdatedAt: o.UpdatedAt,
	}
}

func toOrderDomain(m orderModel) domain.Order {
	return domain.Order{
		OrderID: m.OrderID, UserID: m.UserID, Status: domain.OrderStatus(m.Status),
		SubtotalCents: m.SubtotalCents, TaxCents: m.TaxCents, ShippingCents: m.ShippingCents, TotalCents: m.TotalCents,
		Currency: m.Currency, ReferralID: m.ReferralID, Items: []domain.OrderItem(m.Items),
		PaymentIntentRef: m.PaymentIntentRef, IdempotencyKey: m.IdempotencyKey, RequestHash: m.RequestHash,
		ShippingAddressID: m.ShippingAddressID, BillingAddressID: m.BillingAddressID,
		Timeline: []domain.TimelineEntry(m.Timeline), CreatedAt: m.CreatedAt.UTC(), UpdatedAt: m.UpdatedAt.UTC(),
	}
}

func toRewardModel(e domain.RewardLedgerEntry) rewardModel {
	return rewardModel{
		EntryID: e.EntryID, ReferralID: e.ReferralID, OrderID: e.OrderID, AmountCents: e.AmountCents,
		Currency: e.Currency, Status: string(e.Status), HoldUntil: e.HoldUntil, PayoutRef: e.PayoutRef,
		CreatedAt: e.CreatedAt, UpdatedAt: e.UpdatedAt,
	}
}

func toRewardDomain(m rewardModel) domain.RewardLedgerEntry {
	return domain.RewardLedgerEntry{
		EntryID: m.EntryID, ReferralID: m.ReferralID, OrderID: m.OrderID, AmountCents: m.AmountCents,
		Currency: m.Currency, Status: domain.RewardStatus(m.Status), HoldUntil: m.HoldUntil.UTC(), PayoutRef: m.PayoutRef,
		CreatedAt: m.CreatedAt.UTC(), UpdatedAt: m.UpdatedAt.UTC(),
	}
}

func toConversionModel(t domain.ConversionTask) conversionTaskModel {
	return conversionTaskModel{
		TaskID: t.TaskID, OrderID: t.OrderID, ReferralID: t.ReferralID, PurchaserKey: t.PurchaserKey,
		GMVCents: t.GMVCents, Currency: t.Currency, Policy: datatypes.NewJSONType(t.Policy), Status: string(t.Status),
		Attempts: t.Attempts, LastError: t.LastError, CreatedAt: t.CreatedAt, UpdatedAt: t.UpdatedAt,
	}
}

func toConversionDomain(m conversionTaskModel) domain.ConversionTask {
	return domain.ConversionTask{
		TaskID: m.TaskID, OrderID: m.OrderID, ReferralID: m.ReferralID, PurchaserKey: m.PurchaserKey,
		GMVCents: m.GMVCents, Currency: m.Currency, Policy: m.Policy.Data(), Status: domain.ConversionTaskStatus(m.Status),
		Attempts: m.Attempts, LastError: m.LastError, CreatedAt: m.CreatedAt.UTC(), UpdatedAt: m.UpdatedAt.UTC(),
	}
}

func toOutboxModel(r ports.OutboxRecord) outboxModel {
	return outboxModel{
		RecordID: r.RecordID, EventType: r.EventType, EventClass: r.EventClass, PartitionKey: r.PartitionKey,
		Payload: datatypes.JSON(r.Payload), RetryCount: r.RetryCount, PublishedAt: r.PublishedAt,
		FailedAt: r.FailedAt, LastError: r.LastError, CreatedAt: r.CreatedAt,
	}
}

func toOutboxRecord(m outboxModel) ports.OutboxRecord {
	return ports.OutboxRecord{
		RecordID: m.RecordID, EventType: m.EventType, EventClass: m.EventClass, PartitionKey: m.PartitionKey,
		Payload: []byte(m.Payload), RetryCount: m.RetryCount, PublishedAt: m.PublishedAt,
		FailedAt: m.FailedAt, LastError: m.LastError, CreatedAt: m.CreatedAt.UTC(),
	}
}

func toOutboxModels(records []ports.OutboxRecord) []outboxModel {
	out := make([]outboxModel, 0, len(records))
	for _, r := range records {
		out = append(out, toOutboxModel(r))
	}
	return out
}
