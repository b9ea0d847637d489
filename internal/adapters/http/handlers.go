package http

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/viralforge/mesh/services/financial-rails/M42-referral-settlement-service/internal/application"
	"github.com/viralforge/mesh/services/financial-rails/M42-referral-settlement-service/internal/contracts"
	"github.com/viralforge/mesh/services/financial-rails/M42-referral-settlement-service/internal/domain"
)

const clickCookieName = "rf_click"

func (h *Handler) healthz(w http.ResponseWriter, _ *http.Request) {
	writeSuccess(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) readyz(w http.ResponseWriter, r *http.Request) {
	if h.ready != nil {
		if err := h.ready(r.Context()); err != nil {
			logHTTPOperationError(r.Context(), "readyz", http.StatusServiceUnavailable, "NOT_READY", "dependencies unavailable", err)
			writeError(w, http.StatusServiceUnavailable, "NOT_READY", "dependencies unavailable")
			return
		}
	}
	writeSuccess(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (h *Handler) issueReferral(w http.ResponseWriter, r *http.Request) {
	var req contracts.IssueReferralRequest
	if err := decodeBody(r, &req); err != nil {
		writeValidationError(r.Context(), w, "issue_referral", err)
		return
	}
	res, err := h.service.IssueReferral(r.Context(), actorFromRequest(r), req.ProductID)
	if err != nil {
		writeMappedError(r.Context(), w, "issue_referral", err)
		return
	}
	status := http.StatusCreated
	if res.PreviouslyIssued {
		status = http.StatusOK
	}
	writeSuccess(w, status, toIssueReferralResponse(res))
}

func (h *Handler) getReferral(w http.ResponseWriter, r *http.Request) {
	view, err := h.service.GetReferral(r.Context(), actorFromRequest(r), chi.URLParam(r, "rid"))
	if err != nil {
		writeMappedError(r.Context(), w, "get_referral", err)
		return
	}
	writeSuccess(w, http.StatusOK, toReferralResponse(view))
}

func (h *Handler) listReferralRewards(w http.ResponseWriter, r *http.Request) {
	entries, err := h.service.ListRewardsByReferral(r.Context(), actorFromRequest(r), chi.URLParam(r, "rid"))
	if err != nil {
		writeMappedError(r.Context(), w, "list_referral_rewards", err)
		return
	}
	out := make([]contracts.RewardEntryResponse, 0, len(entries))
	for _, e := range entries {
		out = append(out, toRewardEntryResponse(e))
	}
	writeSuccess(w, http.StatusOK, out)
}

func (h *Handler) validateReferral(w http.ResponseWriter, r *http.Request) {
	var req contracts.ValidateReferralRequest
	if err := decodeBody(r, &req); err != nil {
		writeValidationError(r.Context(), w, "validate_referral", err)
		return
	}
	actor := actorFromRequest(r)
	in := application.ValidateReferralInput{
		RID:               req.RID,
		UserID:            req.UserID,
		DeviceFingerprint: req.DeviceFingerprint,
		IP:                req.IP,
	}
	if actor.SubjectID != "" && actor.Role == "user" {
		in.UserID = actor.SubjectID
	}
	if in.IP == "" {
		in.IP = readIP(r)
	}
	res, err := h.service.ValidateReferral(r.Context(), actor, in)
	if err != nil {
		writeMappedError(r.Context(), w, "validate_referral", err)
		return
	}
	writeSuccess(w, http.StatusOK, toValidateResponse(res))
}

func (h *Handler) trackClick(w http.ResponseWriter, r *http.Request) {
	in := application.TrackClickInput{
		RID:       chi.URLParam(r, "rid"),
		ClientIP:  readIP(r),
		UserAgent: r.UserAgent(),
	}
	if c, err := r.Cookie(clickCookieName); err == nil {
		in.CookieID = c.Value
	}
	res, err := h.service.TrackClick(r.Context(), in)
	if err != nil {
		writeMappedError(r.Context(), w, "track_click", err)
		return
	}
	http.SetCookie(w, &http.Cookie{
		Name:     clickCookieName,
		Value:    res.CookieID,
		Path:     "/",
		MaxAge:   90 * 24 * 60 * 60,
		HttpOnly: true,
		Secure:   true,
		SameSite: http.SameSiteLaxMode,
	})
	http.Redirect(w, r, res.RedirectURL, http.StatusFound)
}

func (h *Handler) flagReferral(w http.ResponseWriter, r *http.Request) {
	var req contracts.FlagReferralRequest
	if err := decodeOptionalBody(r, &req); err != nil {
		writeValidationError(r.Context(), w, "flag_referral", err)
		return
	}
	ref, err := h.service.FlagReferral(r.Context(), actorFromRequest(r), chi.URLParam(r, "rid"), req.Reason)
	if err != nil {
		writeMappedError(r.Context(), w, "flag_referral", err)
		return
	}
	writeSuccess(w, http.StatusOK, map[string]string{"rid": ref.RID, "status": string(ref.Status)})
}

func (h *Handler) checkout(w http.ResponseWriter, r *http.Request) {
	var req contracts.CheckoutRequest
	if err := decodeBody(r, &req); err != nil {
		writeValidationError(r.Context(), w, "checkout", err)
		return
	}
	actor := actorFromRequest(r)
	key := actor.IdempotencyKey
	bodyKey := strings.TrimSpace(req.IdempotencyKey)
	switch {
	case key == "":
		key = bodyKey
	case bodyKey != "" && bodyKey != key:
		writeMappedError(r.Context(), w, "checkout", domain.ErrIdempotencyConflict)
		return
	}
	items := make([]application.CheckoutItem, 0, len(req.Items))
	for _, it := range req.Items {
		items = append(items, application.CheckoutItem{ProductID: it.ProductID, VariantID: it.VariantID, Quantity: it.Quantity})
	}
	out, err := h.service.Checkout(r.Context(), application.CheckoutInput{
		IdempotencyKey:    key,
		UserID:            actor.SubjectID,
		CartID:            req.CartID,
		Items:             items,
		PaymentTokenID:    req.PaymentTokenID,
		ShippingAddressID: req.ShippingAddressID,
		BillingAddressID:  req.BillingAddressID,
		RID:               req.RID,
		DeviceFingerprint: req.DeviceFingerprint,
		IP:                readIP(r),
	})
	if err != nil {
		writeMappedError(r.Context(), w, "checkout", err)
		return
	}
	writeCheckoutResult(w, toCheckoutResponse(out.Result), out.Replayed)
}

func (h *Handler) getOrder(w http.ResponseWriter, r *http.Request) {
	order, err := h.service.GetOrder(r.Context(), actorFromRequest(r), chi.URLParam(r, "order_id"))
	if err != nil {
		writeMappedError(r.Context(), w, "get_order", err)
		return
	}
	writeSuccess(w, http.StatusOK, toOrderResponse(order))
}

func (h *Handler) transitionOrder(w http.ResponseWriter, r *http.Request) {
	var req contracts.TransitionOrderRequest
	if err := decodeBody(r, &req); err != nil {
		writeValidationError(r.Context(), w, "transition_order", err)
		return
	}
	order, err := h.service.TransitionOrder(r.Context(), actorFromRequest(r), chi.URLParam(r, "order_id"), req.Status, req.Reason)
	if err != nil {
		writeMappedError(r.Context(), w, "transition_order", err)
		return
	}
	writeSuccess(w, http.StatusOK, toOrderResponse(order))
}

func (h *Handler) cancelOrder(w http.ResponseWriter, r *http.Request) {
	var req contracts.CancelOrderRequest
	if err := decodeOptionalBody(r, &req); err != nil {
		writeValidationError(r.Context(), w, "cancel_order", err)
		return
	}
	order, err := h.service.CancelOrder(r.Context(), actorFromRequest(r), chi.URLParam(r, "order_id"), req.Reason)
	if err != nil {
		writeMappedError(r.Context(), w, "cancel_order", err)
		return
	}
	writeSuccess(w, http.StatusOK, toOrderResponse(order))
}

func (h *Handler) settleRewards(w http.ResponseWriter, r *http.Request) {
	report, err := h.service.SettleRewards(r.Context())
	if err != nil {
		writeMappedError(r.Context(), w, "settle_rewards", err)
		return
	}
	writeSuccess(w, http.StatusOK, contracts.SettleRewardsResponse{Scanned: report.Scanned, Payable: report.Payable, Cancelled: report.Cancelled})
}

func (h *Handler) confirmPayout(w http.ResponseWriter, r *http.Request) {
	var req contracts.ConfirmPayoutRequest
	if err := decodeBody(r, &req); err != nil {
		writeValidationError(r.Context(), w, "confirm_payout", err)
		return
	}
	entry, err := h.service.ConfirmPayout(r.Context(), actorFromRequest(r), chi.URLParam(r, "entry_id"), req.PayoutRef)
	if err != nil {
		writeMappedError(r.Context(), w, "confirm_payout", err)
		return
	}
	writeSuccess(w, http.StatusOK, toRewardEntryResponse(entry))
}

func (h *Handler) processConversions(w http.ResponseWriter, r *http.Request) {
	report, err := h.service.ProcessPendingConversions(r.Context())
	if err != nil {
		writeMappedError(r.Context(), w, "process_conversions", err)
		return
	}
	writeSuccess(w, http.StatusOK, map[string]int{"scanned": report.Scanned, "applied": report.Applied, "failed": report.Failed})
}

func (h *Handler) flushOutbox(w http.ResponseWriter, r *http.Request) {
	published, err := h.service.FlushOutbox(r.Context())
	if err != nil {
		writeMappedError(r.Context(), w, "flush_outbox", err)
		return
	}
	writeSuccess(w, http.StatusOK, map[string]int{"published": published})
}
