package api

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/lavente-sso/identity-server/internal/auth"
)

// Envelope is the single response shape every endpoint returns, success or
// failure: {status: bool, message, data?, details?}. The
// dynamic result-shape sniffing the original client carried
// (`data?.access_token || result?.access_token`) collapses to this one
// fixed field name; nothing in this module ever emits a `result` key.
type Envelope struct {
	Status  bool        `json:"status"`
	Message string      `json:"message,omitempty"`
	Data    interface{} `json:"data,omitempty"`
	Details interface{} `json:"details,omitempty"`
}

// RespondJSON writes data wrapped in a successful Envelope.
func RespondJSON(w http.ResponseWriter, status int, data interface{}) {
	writeEnvelope(w, status, Envelope{Status: true, Data: data})
}

// RespondJSONMsg is RespondJSON with a human-readable message in the
// envelope's message field; data may be nil for acknowledgement-only
// responses like logout.
func RespondJSONMsg(w http.ResponseWriter, status int, message string, data interface{}) {
	writeEnvelope(w, status, Envelope{Status: true, Message: message, Data: data})
}

// RespondError maps an *auth.Error onto the HTTP status its Kind implies and
// writes it as a failed Envelope, including per-field validation details
// when present.
func RespondError(w http.ResponseWriter, err *auth.Error) {
	writeEnvelope(w, statusFor(err.Kind), Envelope{
		Status:  false,
		Message: err.Message,
		Details: fieldDetails(err.Fields),
	})
}

// RespondErrorMsg writes a bare error envelope for failures that never
// reached the orchestrator (decode errors, missing auth context).
func RespondErrorMsg(w http.ResponseWriter, status int, message string) {
	writeEnvelope(w, status, Envelope{Status: false, Message: message})
}

func fieldDetails(fields []auth.FieldError) interface{} {
	if len(fields) == 0 {
		return nil
	}
	return fields
}

func statusFor(kind auth.ErrorKind) int {
	switch kind {
	case auth.KindValidation:
		return http.StatusUnprocessableEntity
	case auth.KindMissingField:
		return http.StatusBadRequest
	case auth.KindConflict:
		return http.StatusConflict
	case auth.KindUnauthorized:
		return http.StatusUnauthorized
	case auth.KindForbidden:
		return http.StatusForbidden
	case auth.KindNotFound:
		return http.StatusNotFound
	case auth.KindRateLimited:
		return http.StatusTooManyRequests
	case auth.KindTokenExpired:
		return http.StatusUnauthorized
	default:
		return http.StatusInternalServerError
	}
}

func writeEnvelope(w http.ResponseWriter, status int, env Envelope) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(env); err != nil {
		slog.Error("failed to encode response envelope", "error", err)
	}
}
