package api

import (
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"strconv"

	"go.uber.org/zap"

	"github.com/zoff-tech/go-outbound/pkg/outbound"
	"github.com/zoff-tech/go-outbound/pkg/store"
)

type errorBody struct {
	Error             string `json:"error"`
	Message           string `json:"message"`
	RetryAfterSeconds int64  `json:"retry_after_seconds,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// writeError maps service errors onto HTTP statuses.
func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	var rej *outbound.RejectionError
	switch {
	case errors.As(err, &rej):
		body := errorBody{Error: rej.Reason, Message: rej.Message}
		status := http.StatusUnprocessableEntity
		switch rej.Reason {
		case outbound.ReasonValidationFailed:
			status = http.StatusBadRequest
		case outbound.ReasonQuotaExceeded, outbound.ReasonThrottled:
			status = http.StatusTooManyRequests
			if rej.RetryAfter > 0 {
				secs := int64(math.Ceil(rej.RetryAfter.Seconds()))
				body.RetryAfterSeconds = secs
				w.Header().Set("Retry-After", strconv.FormatInt(secs, 10))
			}
		}
		writeJSON(w, status, body)
	case errors.Is(err, store.ErrNotFound):
		writeJSON(w, http.StatusNotFound, errorBody{Error: "NOT_FOUND", Message: "message not found"})
	case errors.Is(err, outbound.ErrInvalidState):
		writeJSON(w, http.StatusConflict, errorBody{Error: "INVALID_STATE", Message: err.Error()})
	default:
		h.logger.Error("request failed", zap.String("path", r.URL.Path), zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, errorBody{Error: "INTERNAL", Message: "internal error"})
	}
}

func badRequest(w http.ResponseWriter, message string) {
	writeJSON(w, http.StatusBadRequest, errorBody{Error: outbound.ReasonValidationFailed, Message: message})
}
