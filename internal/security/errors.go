package security

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/example/zakaah-ledger/internal/apperr"
)

type ErrorResponse struct {
	Error         string `json:"error"`
	Message       string `json:"message,omitempty"`
	Field         string `json:"field,omitempty"`
	CorrelationID string `json:"correlation_id,omitempty"`
}

func WriteJSONError(w http.ResponseWriter, r *http.Request, status int, code string) {
	writeErrorResponse(w, r, status, ErrorResponse{Error: code})
}

// WriteError renders err with the status of its apperr kind. Messages of errors
// without a kind are not exposed.
func WriteError(w http.ResponseWriter, r *http.Request, err error) {
	status, code := StatusFor(err)
	resp := ErrorResponse{Error: code}

	var ae *apperr.Error
	if errors.As(err, &ae) && ae.Kind != apperr.KindConservation {
		resp.Message = ae.Message
		resp.Field = ae.Field
	}
	writeErrorResponse(w, r, status, resp)
}

// StatusFor maps an error to its HTTP status and error code.
func StatusFor(err error) (int, string) {
	switch apperr.KindOf(err) {
	case apperr.KindValidation:
		return http.StatusUnprocessableEntity, "validation_failed"
	case apperr.KindNotFound:
		return http.StatusNotFound, "not_found"
	case apperr.KindConcurrency:
		return http.StatusConflict, "conflict"
	case apperr.KindLookup:
		return http.StatusBadGateway, "ledger_lookup_failed"
	case apperr.KindConservation:
		return http.StatusInternalServerError, "conservation_violation"
	default:
		return http.StatusInternalServerError, "internal_error"
	}
}

func writeErrorResponse(w http.ResponseWriter, r *http.Request, status int, resp ErrorResponse) {
	cid := CorrelationIDFromContext(r.Context())
	if cid != "" {
		w.Header().Set(CorrelationIDHeader, cid)
	}
	resp.CorrelationID = cid

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(resp)
}
