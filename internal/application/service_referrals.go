package application

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/viralforge/mesh/services/financial-rails/M42-referral-settlement-service/internal/domain"
)

func (s *Service) IssueReferral(ctx context.Context, actor Actor, productID string) (IssueReferralResult, error) {
	owner := strings.TrimSpace(actor.SubjectID)
	if owner == "" {
		return IssueReferralResult{}, domain.ErrUnauthorized
	}
	productID = strings.TrimSpace(productID)
	if productID == "" {
		return IssueReferralResult{}, domain.ErrInvalidInput
	}
	if s.catalog != nil {
		product, err := s.catalog.GetProduct(ctx, productID)
		if err != nil {
			return IssueReferralResult{}, err
		}
		if !product.Active {
			return IssueReferralResult{}, domain.ErrProductNotFound
		}
	}

	if existing, ok, err := s.activeReferralFor(ctx, owner, productID); err != nil {
		return IssueReferralResult{}, err
	} else if ok {
		return IssueReferralResult{Referral: existing, ShareURL: s.shareURL(existing.RID), PreviouslyIssued: true}, nil
	}

	now := s.nowFn()
	var slot string
	if s.limiter != nil {
		token, ok, err := s.limiter.Acquire(ctx, owner, now)
		if err != nil {
			return IssueReferralResult{}, err
		}
		if !ok {
			return IssueReferralResult{}, domain.ErrRateLimited
		}
		slot = token
	}

	ref := domain.Referral{
		RID:         domain.NewRID(owner, productID),
		OwnerUserID: owner,
		ProductID:   productID,
		Status:      domain.ReferralStatusActive,
		ExpiresAt:   now.Add(s.cfg.ReferralTTL),
		Policy:      s.cfg.DefaultPolicy,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.referrals.Create(ctx, ref); err != nil {
		if s.limiter != nil {
			_ = s.limiter.Release(ctx, owner, slot)
		}
		if errors.Is(err, domain.ErrConflict) {
			if winner, ok, gErr := s.activeReferralFor(ctx, owner, productID); gErr == nil && ok {
				return IssueReferralResult{Referral: winner, ShareURL: s.shareURL(winner.RID), PreviouslyIssued: true}, nil
			}
		}
		return IssueReferralResult{}, err
	}

	s.enqueueEvent(ctx, domain.EventReferralIssued, ref.RID, traceIDOrNew(actor), map[string]string{
		"rid":           ref.RID,
		"owner_user_id": ref.OwnerUserID,
		"product_id":    ref.ProductID,
		"expires_at":    formatTime(ref.ExpiresAt),
		"reward_type":   ref.Policy.RewardType,
		"reward_value":  strconv.FormatInt(ref.Policy.RewardValue, 10),
	}, now)
	return IssueReferralResult{Referral: ref, ShareURL: s.shareURL(ref.RID)}, nil
}

func (s *Service) activeReferralFor(ctx context.Context, owner, productID string) (domain.Referral, bool, error) {
	existing, err := s.referrals.GetActiveByOwnerProduct(ctx, owner, productID)
	if errors.Is(err, domain.ErrNotFound) {
		return domain.Referral{}, false, nil
	}
	if err != nil {
		return domain.Referral{}, false, err
	}
	existing, err = s.expireIfPast(ctx, existing)
	if err != nil {
		return domain.Referral{}, false, err
	}
	return existing, existing.Status == domain.ReferralStatusActive, nil
}

func (s *Service) shareURL(rid string) string {
	return strings.TrimRight(s.cfg.PublicBaseURL, "/") + "/r/" + url.PathEscape(rid)
}

// Resolve returns a referral with lazy expiry applied.
func (s *Service) Resolve(ctx context.Context, rid string) (domain.Referral, error) {
	rid = strings.TrimSpace(rid)
	if rid == "" {
		return domain.Referral{}, domain.ErrInvalidInput
	}
	ref, err := s.referrals.GetByRID(ctx, rid)
	if err != nil {
		return domain.Referral{}, err
	}
	return s.expireIfPast(ctx, ref)
}

func (s *Service) expireIfPast(ctx context.Context, ref domain.Referral) (domain.Referral, error) {
	now := s.nowFn()
	if !ref.IsPastExpiry(now) {
		return ref, nil
	}
	if _, err := s.referrals.ExpireIfActive(ctx, ref.RID, now); err != nil {
		return domain.Referral{}, err
	}
	ref.Status = domain.ReferralStatusExpired
	ref.UpdatedAt = now
	return ref, nil
}

func (s *Service) GetReferral(ctx context.Context, actor Actor, rid string) (ReferralView, error) {
	if strings.TrimSpace(actor.SubjectID) == "" {
		return ReferralView{}, domain.ErrUnauthorized
	}
	ref, err := s.Resolve(ctx, rid)
	if err != nil {
		return ReferralView{}, err
	}
	if ref.OwnerUserID != actor.SubjectID && !isPrivileged(actor) {
		return ReferralView{}, domain.ErrForbidden
	}
	entries, err := s.rewards.ListByReferral(ctx, ref.RID)
	if err != nil {
		return ReferralView{}, err
	}
	settled, _ := s.settleEntries(ctx, entries, traceIDOrNew(actor))
	return ReferralView{Referral: ref, Rewards: domain.SummarizeRewards(settled)}, nil
}

// evaluate looks up the referral and applies the fraud policy. A missing referral is a rejection, not an error.
func (s *Service) evaluate(ctx context.Context, rid string, in domain.EvaluationContext) (*domain.Referral, domain.Decision, error) {
	var ref *domain.Referral
	row, err := s.referrals.GetByRID(ctx, rid)
	switch {
	case err == nil:
		ref = &row
	case errors.Is(err, domain.ErrNotFound):
	default:
		return nil, domain.Decision{}, err
	}
	now := s.nowFn()
	decision := domain.Evaluate(ref, in, now)
	if decision.ExpireReferral && ref != nil {
		if _, err := s.referrals.ExpireIfActive(ctx, ref.RID, now); err != nil {
			return nil, domain.Decision{}, err
		}
		ref.Status = domain.ReferralStatusExpired
	}
	return ref, decision, nil
}

// claimAttribution binds the purchaser to ref unless an earlier click already attributed them elsewhere.
func (s *Service) claimAttribution(ctx context.Context, ref domain.Referral, in domain.EvaluationContext) (string, error) {
	key := domain.PurchaserKey(in)
	if key == "" || s.attributions == nil {
		return ref.RID, nil
	}
	winner, err := s.attributions.ClaimFirstClick(ctx, domain.Attribution{
		PurchaserKey: key,
		ReferralID:   ref.RID,
		Model:        domain.AttributionFirstClick,
		ClickedAt:    s.nowFn(),
	})
	if err != nil {
		return "", err
	}
	return winner.ReferralID, nil
}

func (s *Service) ValidateReferral(ctx context.Context, actor Actor, in ValidateReferralInput) (ValidationResult, error) {
	_, res, err := s.recordClick(ctx, actor, in)
	return res, err
}

func (s *Service) recordClick(ctx context.Context, actor Actor, in ValidateReferralInput) (*domain.Referral, ValidationResult, error) {
	rid := strings.TrimSpace(in.RID)
	if rid == "" {
		return nil, ValidationResult{}, domain.ErrInvalidInput
	}
	evalCtx := domain.EvaluationContext{
		PurchasingUserID:  strings.TrimSpace(in.UserID),
		DeviceFingerprint: strings.TrimSpace(in.DeviceFingerprint),
		IP:                strings.TrimSpace(in.IP),
	}
	ref, decision, err := s.evaluate(ctx, rid, evalCtx)
	if err != nil {
		return nil, ValidationResult{}, err
	}
	now := s.nowFn()
	traceID := traceIDOrNew(actor)
	if !decision.Valid {
		s.enqueueEvent(ctx, domain.EventReferralValidationRejected, rid, traceID, map[string]string{
			"rid":    rid,
			"reason": string(decision.Reason),
			"source": "validate",
		}, now)
		return ref, ValidationResult{Valid: false, Reason: decision.Reason}, nil
	}

	attributed, err := s.claimAttribution(ctx, *ref, evalCtx)
	if err != nil {
		return nil, ValidationResult{}, err
	}
	meta := map[string]string{"attributed_rid": attributed}
	if key := domain.PurchaserKey(evalCtx); key != "" {
		meta["purchaser_key"] = key
	}
	if evalCtx.DeviceFingerprint != "" {
		meta["device_fingerprint_hash"] = sha256Hex(evalCtx.DeviceFingerprint)
	}
	if evalCtx.IP != "" {
		meta["ip_hash"] = sha256Hex(evalCtx.IP)
	}
	if err := s.referralEvents.Append(ctx, domain.ReferralEvent{
		EventID:    "evt_" + uuid.NewString(),
		ReferralID: ref.RID,
		Type:       domain.ReferralEventClick,
		Metadata:   meta,
		CreatedAt:  now,
	}); err != nil {
		return nil, ValidationResult{}, err
	}
	if err := s.referrals.IncrementClicks(ctx, ref.RID, now); err != nil {
		return nil, ValidationResult{}, err
	}
	s.enqueueEvent(ctx, domain.EventReferralClickRecorded, ref.RID, traceID, map[string]string{
		"rid":            ref.RID,
		"product_id":     ref.ProductID,
		"attributed_rid": attributed,
	}, now)
	return ref, ValidationResult{Valid: true, Attribution: decision.Attribution, AttributedRID: attributed}, nil
}

// TrackClick records an anonymous click from a share link and returns where to send the visitor.
// Unknown or rejected codes still redirect, without being recorded.
func (s *Service) TrackClick(ctx context.Context, in TrackClickInput) (TrackClickResult, error) {
	cookie := strings.TrimSpace(in.CookieID)
	if cookie == "" {
		cookie = uuid.NewString()
	}
	fallback := TrackClickResult{RedirectURL: s.cfg.ProductBaseURL, CookieID: cookie}
	ref, res, err := s.recordClick(ctx, Actor{}, ValidateReferralInput{RID: in.RID, DeviceFingerprint: cookie, IP: in.ClientIP})
	if err != nil {
		if errors.Is(err, domain.ErrInvalidInput) {
			return fallback, nil
		}
		return TrackClickResult{}, err
	}
	if ref == nil {
		return fallback, nil
	}
	target := fmt.Sprintf("%s/%s?rid=%s", strings.TrimRight(s.cfg.ProductBaseURL, "/"), url.PathEscape(ref.ProductID), url.QueryEscape(ref.RID))
	return TrackClickResult{RedirectURL: target, CookieID: cookie, Recorded: res.Valid}, nil
}

func (s *Service) FlagReferral(ctx context.Context, actor Actor, rid, reason string) (domain.Referral, error) {
	if strings.TrimSpace(actor.SubjectID) == "" {
		return domain.Referral{}, domain.ErrUnauthorized
	}
	if !isAdmin(actor) {
		return domain.Referral{}, domain.ErrForbidden
	}
	ref, err := s.Resolve(ctx, rid)
	if err != nil {
		return domain.Referral{}, err
	}
	switch ref.Status {
	case domain.ReferralStatusFraudFlagged:
		return ref, nil
	case domain.ReferralStatusExpired:
		return domain.Referral{}, fmt.Errorf("%w: referral %s is expired", domain.ErrInvalidTransition, ref.RID)
	}
	now := s.nowFn()
	if err := s.referrals.UpdateStatus(ctx, ref.RID, domain.ReferralStatusActive, domain.ReferralStatusFraudFlagged, now); err != nil {
		return domain.Referral{}, err
	}
	ref.Status = domain.ReferralStatusFraudFlagged
	ref.UpdatedAt = now
	s.enqueueEvent(ctx, domain.EventReferralFlagged, ref.RID, traceIDOrNew(actor), map[string]string{
		"rid":        ref.RID,
		"reason":     strings.TrimSpace(reason),
		"flagged_by": actor.SubjectID,
	}, now)
	return ref, nil
}
