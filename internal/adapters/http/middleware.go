package http

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/viralforge/mesh/services/financial-rails/M42-referral-settlement-service/internal/application"
	"github.com/viralforge/mesh/services/financial-rails/M42-referral-settlement-service/internal/domain"
	"github.com/viralforge/mesh/services/financial-rails/M42-referral-settlement-service/internal/ports"
)

type ctxKey string

const (
	ctxKeyRequestID ctxKey = "request_id"
	ctxKeyPrincipal ctxKey = "principal"
)

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := r.Header.Get("X-Request-Id")
		if reqID == "" {
			reqID = uuid.NewString()
		}
		w.Header().Set("X-Request-Id", reqID)
		ctx := context.WithValue(r.Context(), ctxKeyRequestID, reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				httpLogger().ErrorContext(r.Context(), "panic recovered",
					"operation", "http_panic_recovery",
					"outcome", "failure",
					"request_id", requestIDFromContext(r.Context()),
					"method", r.Method,
					"path", r.URL.Path,
					"panic", rec,
				)
				writeError(w, http.StatusInternalServerError, domain.CodeInternal, "internal server error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	statusCode int
	bytes      int
}

func (r *statusRecorder) WriteHeader(statusCode int) {
	r.statusCode = statusCode
	r.ResponseWriter.WriteHeader(statusCode)
}

func (r *statusRecorder) Write(payload []byte) (int, error) {
	if r.statusCode == 0 {
		r.statusCode = http.StatusOK
	}
	n, err := r.ResponseWriter.Write(payload)
	r.bytes += n
	return n, err
}

func loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		recorder := &statusRecorder{ResponseWriter: w}
		next.ServeHTTP(recorder, r)

		statusCode := recorder.statusCode
		if statusCode == 0 {
			statusCode = http.StatusOK
		}
		outcome := "success"
		if statusCode >= 400 {
			outcome = "failure"
		}
		fields := []any{
			"operation", "http_request",
			"outcome", outcome,
			"method", r.Method,
			"path", r.URL.Path,
			"status_code", statusCode,
			"bytes", recorder.bytes,
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", requestIDFromContext(r.Context()),
		}
		switch {
		case statusCode >= 500:
			httpLogger().ErrorContext(r.Context(), "http request completed", fields...)
		case statusCode >= 400:
			httpLogger().WarnContext(r.Context(), "http request completed", fields...)
		default:
			httpLogger().InfoContext(r.Context(), "http request completed", fields...)
		}
	})
}

func (h *Handler) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, err := bearerTokenFromHeader(r.Header.Get("Authorization"))
		if err != nil {
			writeMissingBearerError(r.Context(), w, "auth")
			return
		}
		principal, err := h.verify(r.Context(), raw)
		if err != nil {
			writeMappedError(r.Context(), w, "auth", err)
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), ctxKeyPrincipal, principal)))
	})
}

// optionalAuthMiddleware attaches the principal when a valid bearer token is present and lets anonymous
// requests through.
func (h *Handler) optionalAuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, err := bearerTokenFromHeader(r.Header.Get("Authorization"))
		if err == nil {
			if principal, vErr := h.verify(r.Context(), raw); vErr == nil {
				r = r.WithContext(context.WithValue(r.Context(), ctxKeyPrincipal, principal))
			}
		}
		next.ServeHTTP(w, r)
	})
}

func (h *Handler) verify(ctx context.Context, raw string) (ports.Principal, error) {
	if h.verifier == nil {
		return ports.Principal{}, domain.ErrUnauthorized
	}
	return h.verifier.Verify(ctx, raw)
}

func requirePrivileged(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p, _ := principalFromContext(r.Context())
		switch p.Role {
		case "admin", "service":
			next.ServeHTTP(w, r)
		default:
			writeMappedError(r.Context(), w, "admin", domain.ErrForbidden)
		}
	})
}

func requestIDFromContext(ctx context.Context) string {
	v := ctx.Value(ctxKeyRequestID)
	if s, ok := v.(string); ok {
		return s
	}
	return ""
}

func principalFromContext(ctx context.Context) (ports.Principal, bool) {
	p, ok := ctx.Value(ctxKeyPrincipal).(ports.Principal)
	return p, ok
}

func actorFromRequest(r *http.Request) application.Actor {
	p, _ := principalFromContext(r.Context())
	return application.Actor{
		SubjectID:      p.SubjectID,
		Role:           p.Role,
		RequestID:      requestIDFromContext(r.Context()),
		IdempotencyKey: strings.TrimSpace(r.Header.Get("Idempotency-Key")),
	}
}

func bearerTokenFromHeader(header string) (string, error) {
	const prefix = "Bearer "
	if !strings.HasPrefix(header, prefix) {
		return "", errors.New("missing bearer token")
	}
	token := strings.TrimSpace(strings.TrimPrefix(header, prefix))
	if token == "" {
		return "", errors.New("missing bearer token")
	}
	return token, nil
}

func mapDomainError(err error) (int, string, string) {
	code := domain.ErrorCode(err)
	switch code {
	case domain.CodeValidation:
		return http.StatusBadRequest, code, err.Error()
	case domain.CodeIdempotencyRequired:
		return http.StatusBadRequest, code, "idempotency key is required"
	case domain.CodeUnauthorized:
		return http.StatusUnauthorized, code, "invalid or missing credentials"
	case domain.CodeForbidden:
		return http.StatusForbidden, code, "forbidden"
	case domain.CodeNotFound:
		return http.StatusNotFound, code, "resource not found"
	case domain.CodeProductNotFound:
		return http.StatusNotFound, code, "product not found"
	case domain.CodeCheckoutConflict:
		return http.StatusConflict, code, "idempotency key was used with a different request"
	case domain.CodeCheckoutInProgress:
		return http.StatusConflict, code, "a checkout with this idempotency key is still in progress"
	case domain.CodeConflict, domain.CodeInvalidTransition, domain.CodeOutOfStock:
		return http.StatusConflict, code, err.Error()
	case domain.CodeRateLimited:
		return http.StatusTooManyRequests, code, "referral issuance limit reached"
	case domain.CodePaymentDeclined:
		return http.StatusPaymentRequired, code, "payment declined"
	case domain.CodePaymentUnavailable:
		return http.StatusBadGateway, code, "payment provider unavailable"
	case domain.CodeUnsupportedEvent:
		return http.StatusBadRequest, code, err.Error()
	case domain.CodeInvariantViolation:
		return http.StatusInternalServerError, code, "internal invariant violated"
	default:
		return http.StatusInternalServerError, domain.CodeInternal, "internal server error"
	}
}
