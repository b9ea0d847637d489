package http

import (
	"encoding/json"
	"net/http"

	"github.com/viralforge/mesh/services/financial-rails/M42-referral-settlement-service/internal/contracts"
	"github.com/viralforge/mesh/services/financial-rails/M42-referral-settlement-service/internal/domain"
)

const headerIdempotentReplayed = "Idempotent-Replayed"

var encodeFailureBody = []byte(`{"status":"error","code":"` + domain.CodeInternal + `","message":"internal server error"}` + "\n")

// writeJSON marshals before writing so an encoding failure still produces an error envelope. Responses
// carry balances and order state and are never cached.
func writeJSON(w http.ResponseWriter, statusCode int, payload any) {
	body, err := json.Marshal(payload)
	if err != nil {
		statusCode, body = http.StatusInternalServerError, encodeFailureBody
	} else {
		body = append(body, '\n')
	}
	h := w.Header()
	h.Set("Content-Type", "application/json")
	h.Set("Cache-Control", "no-store")
	w.WriteHeader(statusCode)
	_, _ = w.Write(body)
}

func writeSuccess(w http.ResponseWriter, statusCode int, data any) {
	writeJSON(w, statusCode, contracts.SuccessResponse{Status: "success", Data: data})
}

// writeCheckoutResult answers a checkout. A replay repeats the first attempt's status and body and is
// marked with Idempotent-Replayed.
func writeCheckoutResult(w http.ResponseWriter, out contracts.CheckoutResponse, replayed bool) {
	if replayed {
		w.Header().Set(headerIdempotentReplayed, "true")
	}
	writeSuccess(w, http.StatusCreated, out)
}

func writeError(w http.ResponseWriter, statusCode int, code, message string) {
	writeJSON(w, statusCode, contracts.ErrorResponse{Status: "error", Code: code, Message: message})
}
