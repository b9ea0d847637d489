package domain

const (
	CanonicalEventClassDomain        = "domain"
	CanonicalEventClassAnalyticsOnly = "analytics_only"
	CanonicalEventClassOps           = "ops"
)

const (
	EventReferralIssued             = "referral.issued"
	EventReferralClickRecorded      = "referral.click.recorded"
	EventReferralValidationRejected = "referral.validation.rejected"
	EventReferralFlagged            = "referral.flagged"
	EventReferralConversionRecorded = "referral.conversion.recorded"
	EventCommerceOrderPaid          = "commerce.order.paid"
	EventCommerceOrderStatusChanged = "commerce.order.status_changed"
	EventRewardEntryCreated         = "reward.entry.created"
	EventRewardEntryPayable         = "reward.entry.payable"
	EventRewardEntryCancelled       = "reward.entry.cancelled"
	EventRewardEntryPaid            = "reward.entry.paid"
	EventRewardInvariantViolation   = "reward.invariant.violation"
)

// Consumed from fulfillment, returns and payout collaborators.
const (
	EventOrderSentToBrand     = "order.sent_to_brand"
	EventOrderFulfilled       = "order.fulfilled"
	EventOrderDelivered       = "order.delivered"
	EventOrderReturnRequested = "order.return_requested"
	EventOrderClosed          = "order.closed"
	EventOrderCancelled       = "order.cancelled"
	EventPayoutConfirmed      = "payout.confirmed"
)

func IsCanonicalInputEvent(eventType string) bool {
	_, ok := OrderStatusForInputEvent(eventType)
	return ok || eventType == EventPayoutConfirmed
}

// OrderStatusForInputEvent maps a lifecycle event to the order status it drives.
func OrderStatusForInputEvent(eventType string) (OrderStatus, bool) {
	switch eventType {
	case EventOrderSentToBrand:
		return OrderStatusSentToBrand, true
	case EventOrderFulfilled:
		return OrderStatusFulfilled, true
	case EventOrderDelivered:
		return OrderStatusDelivered, true
	case EventOrderReturnRequested:
		return OrderStatusReturnRequested, true
	case EventOrderClosed:
		return OrderStatusClosed, true
	case EventOrderCancelled:
		return OrderStatusCancelled, true
	default:
		return "", false
	}
}

func IsCanonicalEmittedEvent(eventType string) bool {
	return CanonicalEventClass(eventType) != ""
}

func CanonicalEventClass(eventType string) string {
	switch eventType {
	case EventReferralIssued, EventReferralFlagged, EventReferralConversionRecorded, EventCommerceOrderPaid,
		EventCommerceOrderStatusChanged, EventRewardEntryCreated, EventRewardEntryPayable, EventRewardEntryCancelled,
		EventRewardEntryPaid:
		return CanonicalEventClassDomain
	case EventReferralClickRecorded, EventReferralValidationRejected:
		return CanonicalEventClassAnalyticsOnly
	case EventRewardInvariantViolation:
		return CanonicalEventClassOps
	default:
		return ""
	}
}

func CanonicalPartitionKeyPath(eventType string) string {
	switch eventType {
	case EventCommerceOrderPaid, EventCommerceOrderStatusChanged:
		return "data.attributes.order_id"
	case "":
		return ""
	default:
		if IsCanonicalEmittedEvent(eventType) {
			return "data.attributes.rid"
		}
		return ""
	}
}
