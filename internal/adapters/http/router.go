package http

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/viralforge/mesh/services/financial-rails/M42-referral-settlement-service/internal/application"
	"github.com/viralforge/mesh/services/financial-rails/M42-referral-settlement-service/internal/ports"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// Handler is the HTTP adapter entrypoint for referral, checkout, order and reward use-cases.
type Handler struct {
	service  *application.Service
	verifier ports.TokenVerifier
	ready    func(ctx context.Context) error
}

func NewHandler(service *application.Service, verifier ports.TokenVerifier) *Handler {
	return &Handler{service: service, verifier: verifier}
}

// WithReadiness sets the dependency check behind /readyz.
func (h *Handler) WithReadiness(check func(ctx context.Context) error) *Handler {
	h.ready = check
	return h
}

func NewRouter(handler *Handler) http.Handler {
	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(recoverMiddleware)
	r.Use(loggingMiddleware)

	r.Get("/healthz", handler.healthz)
	r.Get("/readyz", handler.readyz)

	r.With(handler.optionalAuthMiddleware).Get("/r/{rid}", handler.trackClick)

	r.Route("/v1", func(r chi.Router) {
		r.With(handler.optionalAuthMiddleware).Post("/referrals/validate", handler.validateReferral)

		r.Group(func(r chi.Router) {
			r.Use(handler.authMiddleware)
			r.Post("/referrals", handler.issueReferral)
			r.Get("/referrals/{rid}", handler.getReferral)
			r.Get("/referrals/{rid}/rewards", handler.listReferralRewards)
			r.Post("/referrals/{rid}/flag", handler.flagReferral)

			r.Post("/checkout", handler.checkout)

			r.Get("/orders/{order_id}", handler.getOrder)
			r.Post("/orders/{order_id}/transitions", handler.transitionOrder)
			r.Post("/orders/{order_id}/cancel", handler.cancelOrder)

			r.Route("/admin", func(r chi.Router) {
				r.Use(requirePrivileged)
				r.Post("/rewards/settle", handler.settleRewards)
				r.Post("/rewards/{entry_id}/payout", handler.confirmPayout)
				r.Post("/conversions/process", handler.processConversions)
				r.Post("/outbox/flush", handler.flushOutbox)
			})
		})
	})

	return otelhttp.NewHandler(r, "referral-settlement-http")
}
