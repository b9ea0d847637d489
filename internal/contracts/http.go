package contracts

type SuccessResponse struct {
	Status string `json:"status"`
	Data   any    `json:"data,omitempty"`
}

type ErrorResponse struct {
	Status  string `json:"status"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

type RewardPolicyView struct {
	RewardType  string `json:"reward_type"`
	RewardValue int64  `json:"reward_value"`
	Currency    string `json:"currency"`
	HoldDays    int    `json:"hold_days"`
}

type IssueReferralRequest struct {
	ProductID string `json:"product_id"`
}

type IssueReferralResponse struct {
	RID              string           `json:"rid"`
	ShareURL         string           `json:"share_url"`
	ExpiresAt        string           `json:"expires_at"`
	Policy           RewardPolicyView `json:"policy"`
	PreviouslyIssued bool             `json:"previously_issued"`
}

type RewardSummaryView struct {
	PendingHold int64 `json:"pending_hold"`
	Payable     int64 `json:"payable"`
	Paid        int64 `json:"paid"`
}

type ReferralResponse struct {
	RID         string            `json:"rid"`
	ProductID   string            `json:"product_id"`
	Clicks      int64             `json:"clicks"`
	Conversions int64             `json:"conversions"`
	GMVCents    int64             `json:"gmv_cents"`
	Status      string            `json:"status"`
	ExpiresAt   string            `json:"expires_at"`
	Rewards     RewardSummaryView `json:"rewards"`
}

type ValidateReferralRequest struct {
	RID               string `json:"rid"`
	UserID            string `json:"user_id,omitempty"`
	DeviceFingerprint string `json:"device_fingerprint,omitempty"`
	IP                string `json:"ip,omitempty"`
}

type ValidateReferralResponse struct {
	Valid         bool    `json:"valid"`
	Attribution   *string `json:"attribution"`
	Reason        *string `json:"reason"`
	AttributedRID string  `json:"attributed_rid,omitempty"`
}

type FlagReferralRequest struct {
	Reason string `json:"reason"`
}

type CheckoutItemRequest struct {
	ProductID string `json:"product_id"`
	VariantID string `json:"variant_id"`
	Quantity  int    `json:"quantity"`
}

type CheckoutRequest struct {
	IdempotencyKey    string                `json:"idempotency_key,omitempty"`
	CartID            string                `json:"cart_id,omitempty"`
	Items             []CheckoutItemRequest `json:"items,omitempty"`
	PaymentTokenID    string                `json:"payment_token_id"`
	ShippingAddressID string                `json:"shipping_address_id"`
	BillingAddressID  string                `json:"billing_address_id"`
	RID               string                `json:"rid,omitempty"`
	DeviceFingerprint string                `json:"device_fingerprint,omitempty"`
}

type CheckoutResponse struct {
	OrderID          string `json:"order_id"`
	Status           string `json:"status"`
	PaymentIntentRef string `json:"payment_intent_ref"`
	Next             string `json:"next"`
	TotalCents       int64  `json:"total_cents"`
	Currency         string `json:"currency"`
	ReferralID       string `json:"referral_id,omitempty"`
}

type OrderTotals struct {
	SubtotalCents int64  `json:"subtotal_cents"`
	TaxCents      int64  `json:"tax_cents"`
	ShippingCents int64  `json:"shipping_cents"`
	TotalCents    int64  `json:"total_cents"`
	Currency      string `json:"currency"`
}

type OrderItemView struct {
	ProductID      string `json:"product_id"`
	VariantID      string `json:"variant_id"`
	SKU            string `json:"sku,omitempty"`
	Quantity       int    `json:"quantity"`
	UnitPriceCents int64  `json:"unit_price_cents"`
}

type TimelineEntryView struct {
	From   string `json:"from"`
	To     string `json:"to"`
	Reason string `json:"reason,omitempty"`
	At     string `json:"at"`
}

type OrderResponse struct {
	ID               string              `json:"id"`
	UserID           string              `json:"user_id"`
	Status           string              `json:"status"`
	ReferralID       string              `json:"referral_id,omitempty"`
	PaymentIntentRef string              `json:"payment_intent_ref"`
	Totals           OrderTotals         `json:"totals"`
	Items            []OrderItemView     `json:"items"`
	Timeline         []TimelineEntryView `json:"timeline"`
}

type TransitionOrderRequest struct {
	Status string `json:"status"`
	Reason string `json:"reason"`
}

type CancelOrderRequest struct {
	Reason string `json:"reason"`
}

type SettleRewardsResponse struct {
	Scanned   int `json:"scanned"`
	Payable   int `json:"payable"`
	Cancelled int `json:"cancelled"`
}

type ConfirmPayoutRequest struct {
	PayoutRef string `json:"payout_ref"`
}

type RewardEntryResponse struct {
	EntryID     string `json:"entry_id"`
	ReferralID  string `json:"referral_id"`
	OrderID     string `json:"order_id"`
	AmountCents int64  `json:"amount_cents"`
	Currency    string `json:"currency"`
	Status      string `json:"status"`
	HoldUntil   string `json:"hold_until"`
	PayoutRef   string `json:"payout_ref,omitempty"`
}
