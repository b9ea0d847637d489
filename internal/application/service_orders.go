package application

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/viralforge/mesh/services/financial-rails/M42-referral-settlement-service/internal/domain"
)

func (s *Service) GetOrder(ctx context.Context, actor Actor, orderID string) (domain.Order, error) {
	if strings.TrimSpace(actor.SubjectID) == "" {
		return domain.Order{}, domain.ErrUnauthorized
	}
	orderID = strings.TrimSpace(orderID)
	if orderID == "" {
		return domain.Order{}, domain.ErrInvalidInput
	}
	order, err := s.orders.GetByID(ctx, orderID)
	if err != nil {
		return domain.Order{}, err
	}
	if order.UserID != actor.SubjectID && !isPrivileged(actor) {
		return domain.Order{}, domain.ErrNotFound
	}
	return order, nil
}

// TransitionOrder is driven by fulfillment, returns and operators.
func (s *Service) TransitionOrder(ctx context.Context, actor Actor, orderID, status, reason string) (domain.Order, error) {
	if strings.TrimSpace(actor.SubjectID) == "" {
		return domain.Order{}, domain.ErrUnauthorized
	}
	if !isPrivileged(actor) {
		return domain.Order{}, domain.ErrForbidden
	}
	to, ok := domain.ParseOrderStatus(strings.ToLower(strings.TrimSpace(status)))
	if !ok {
		return domain.Order{}, fmt.Errorf("%w: unknown order status %q", domain.ErrInvalidInput, status)
	}
	return s.transitionOrder(ctx, actor, strings.TrimSpace(orderID), to, strings.TrimSpace(reason))
}

// CancelOrder lets the buyer cancel before the order reaches the brand.
func (s *Service) CancelOrder(ctx context.Context, actor Actor, orderID, reason string) (domain.Order, error) {
	order, err := s.GetOrder(ctx, actor, orderID)
	if err != nil {
		return domain.Order{}, err
	}
	reason = strings.TrimSpace(reason)
	if reason == "" {
		reason = "cancelled_by_buyer"
		if order.UserID != actor.SubjectID {
			reason = "cancelled_by_operator"
		}
	}
	return s.transitionOrder(ctx, actor, order.OrderID, domain.OrderStatusCancelled, reason)
}

func (s *Service) transitionOrder(ctx context.Context, actor Actor, orderID string, to domain.OrderStatus, reason string) (domain.Order, error) {
	if orderID == "" {
		return domain.Order{}, domain.ErrInvalidInput
	}
	order, err := s.orders.GetByID(ctx, orderID)
	if err != nil {
		return domain.Order{}, err
	}
	now := s.nowFn()
	next, err := order.Transition(to, reason, now)
	if err != nil {
		return domain.Order{}, err
	}
	updated, err := s.orders.Transition(ctx, orderID, order.Status, next.Timeline[len(next.Timeline)-1])
	if err != nil {
		if errors.Is(err, domain.ErrConflict) {
			return domain.Order{}, fmt.Errorf("%w: order %s changed concurrently", domain.ErrInvalidTransition, orderID)
		}
		return domain.Order{}, err
	}
	traceID := traceIDOrNew(actor)
	s.enqueueEvent(ctx, domain.EventCommerceOrderStatusChanged, updated.OrderID, traceID, map[string]string{
		"order_id": updated.OrderID,
		"from":     string(order.Status),
		"to":       string(updated.Status),
		"reason":   reason,
		"rid":      updated.ReferralID,
	}, now)
	if updated.Status.IsRefundedOrCancelled() {
		if _, err := s.settleOrderRewards(ctx, updated.OrderID, traceID); err != nil {
			s.logger.WarnContext(ctx, "reward settlement after order transition failed",
				"module", "application",
				"layer", "application",
				"operation", "transition_order",
				"outcome", "failure",
				"order_id", updated.OrderID,
				"error", err,
			)
		}
	}
	return updated, nil
}
