package http

import (
	"context"
	"log/slog"

	"github.com/viralforge/mesh/services/financial-rails/M42-referral-settlement-service/internal/domain"
)

const serviceName = "M42-Referral-Settlement-Service"

func httpLogger() *slog.Logger {
	return slog.Default().With(
		"service", serviceName,
		"module", "http",
		"layer", "adapter",
	)
}

// logHTTPOperationError logs a rejected request at WARN, or at ERROR for 5xx. Invariant violations and
// failed payment providers are raised with alarm=true.
func logHTTPOperationError(ctx context.Context, operation string, statusCode int, code, message string, err error) {
	attrs := []slog.Attr{
		slog.String("operation", operation),
		slog.String("outcome", "failure"),
		slog.Int("status_code", statusCode),
		slog.String("error_code", code),
		slog.String("message", message),
		slog.String("request_id", requestIDFromContext(ctx)),
	}
	if p, ok := principalFromContext(ctx); ok {
		attrs = append(attrs, slog.String("subject_id", p.SubjectID))
	}
	if err != nil {
		attrs = append(attrs, slog.String("error", err.Error()))
	}
	switch code {
	case domain.CodeInvariantViolation, domain.CodePaymentUnavailable:
		attrs = append(attrs, slog.Bool("alarm", true))
	}
	level := slog.LevelWarn
	if statusCode >= 500 {
		level = slog.LevelError
	}
	httpLogger().LogAttrs(ctx, level, "http operation failed", attrs...)
}
