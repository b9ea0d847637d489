package domain

import (
	"fmt"
	"time"
)

type OrderStatus string

const (
	OrderStatusCreated         OrderStatus = "created"
	OrderStatusPaid            OrderStatus = "paid"
	OrderStatusSentToBrand     OrderStatus = "sent_to_brand"
	OrderStatusFulfilled       OrderStatus = "fulfilled"
	OrderStatusDelivered       OrderStatus = "delivered"
	OrderStatusCancelled       OrderStatus = "cancelled"
	OrderStatusReturnRequested OrderStatus = "return_requested"
	OrderStatusClosed          OrderStatus = "closed"
)

var orderTransitions = map[OrderStatus][]OrderStatus{
	OrderStatusCreated:         {OrderStatusPaid, OrderStatusCancelled},
	OrderStatusPaid:            {OrderStatusSentToBrand, OrderStatusCancelled, OrderStatusReturnRequested},
	OrderStatusSentToBrand:     {OrderStatusFulfilled, OrderStatusReturnRequested},
	OrderStatusFulfilled:       {OrderStatusDelivered, OrderStatusReturnRequested},
	OrderStatusReturnRequested: {OrderStatusClosed},
}

func ParseOrderStatus(v string) (OrderStatus, bool) {
	s := OrderStatus(v)
	switch s {
	case OrderStatusCreated, OrderStatusPaid, OrderStatusSentToBrand, OrderStatusFulfilled, OrderStatusDelivered,
		OrderStatusCancelled, OrderStatusReturnRequested, OrderStatusClosed:
		return s, true
	default:
		return "", false
	}
}

func CanTransitionOrder(from, to OrderStatus) bool {
	for _, next := range orderTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// IsRefundedOrCancelled reports whether rewards tied to an order in this status must be cancelled.
func (s OrderStatus) IsRefundedOrCancelled() bool {
	switch s {
	case OrderStatusCancelled, OrderStatusReturnRequested, OrderStatusClosed:
		return true
	default:
		return false
	}
}

type OrderItem struct {
	ProductID      string `json:"product_id"`
	VariantID      string `json:"variant_id"`
	SKU            string `json:"sku,omitempty"`
	Quantity       int    `json:"quantity"`
	UnitPriceCents int64  `json:"unit_price_cents"`
}

func (i OrderItem) LineTotalCents() int64 { return i.UnitPriceCents * int64(i.Quantity) }

type TimelineEntry struct {
	From   OrderStatus `json:"from"`
	To     OrderStatus `json:"to"`
	Reason string      `json:"reason,omitempty"`
	At     time.Time   `json:"at"`
}

type Order struct {
	OrderID           string          `json:"order_id"`
	UserID            string          `json:"user_id"`
	Status            OrderStatus     `json:"status"`
	SubtotalCents     int64           `json:"subtotal_cents"`
	TaxCents          int64           `json:"tax_cents"`
	ShippingCents     int64           `json:"shipping_cents"`
	TotalCents        int64           `json:"total_cents"`
	Currency          string          `json:"currency"`
	ReferralID        string          `json:"referral_id,omitempty"`
	Items             []OrderItem     `json:"items"`
	PaymentIntentRef  string          `json:"payment_intent_ref"`
	IdempotencyKey    string          `json:"idempotency_key"`
	RequestHash       string          `json:"-"`
	ShippingAddressID string          `json:"shipping_address_id,omitempty"`
	BillingAddressID  string          `json:"billing_address_id,omitempty"`
	Timeline          []TimelineEntry `json:"timeline"`
	CreatedAt         time.Time       `json:"created_at"`
	UpdatedAt         time.Time       `json:"updated_at"`
}

// CheckTotals verifies total = subtotal + tax + shipping and that subtotal matches the items.
func (o Order) CheckTotals() error {
	var subtotal int64
	for _, it := range o.Items {
		subtotal += it.LineTotalCents()
	}
	if subtotal != o.SubtotalCents {
		return fmt.Errorf("%w: subtotal %d does not match items %d", ErrInvariantViolation, o.SubtotalCents, subtotal)
	}
	if o.TotalCents != o.SubtotalCents+o.TaxCents+o.ShippingCents {
		return fmt.Errorf("%w: total %d != subtotal %d + tax %d + shipping %d", ErrInvariantViolation, o.TotalCents, o.SubtotalCents, o.TaxCents, o.ShippingCents)
	}
	return nil
}

// NewPaidOrder builds an order that was charged during checkout. Its timeline records creation and payment.
func NewPaidOrder(o Order, now time.Time) (Order, error) {
	if o.OrderID == "" || o.UserID == "" || o.IdempotencyKey == "" || len(o.Items) == 0 {
		return Order{}, ErrInvalidInput
	}
	if err := o.CheckTotals(); err != nil {
		return Order{}, err
	}
	o.Status = OrderStatusPaid
	o.Timeline = []TimelineEntry{
		{From: "", To: OrderStatusCreated, Reason: "checkout", At: now},
		{From: OrderStatusCreated, To: OrderStatusPaid, Reason: "payment_captured", At: now},
	}
	o.CreatedAt = now
	o.UpdatedAt = now
	return o, nil
}

// Transition moves the order along an allowed edge and appends a timeline entry.
func (o Order) Transition(to OrderStatus, reason string, now time.Time) (Order, error) {
	if !CanTransitionOrder(o.Status, to) {
		return o, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, o.Status, to)
	}
	timeline := make([]TimelineEntry, len(o.Timeline), len(o.Timeline)+1)
	copy(timeline, o.Timeline)
	o.Timeline = append(timeline, TimelineEntry{From: o.Status, To: to, Reason: reason, At: now})
	o.Status = to
	o.UpdatedAt = now
	return o, nil
}
