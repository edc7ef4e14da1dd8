package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"aiproxy/internal/db"
	"aiproxy/internal/ingest"
	"aiproxy/internal/metrics"
	"aiproxy/internal/ollama"
	"aiproxy/internal/openai"
	"aiproxy/internal/ratelimit"
)

// writeJSON encodes v with the given status.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError emits the uniform error envelope.
func writeError(w http.ResponseWriter, status int, message, errType, param string) {
	writeJSON(w, status, openai.NewError(message, errType, param))
}

// writeDomainError maps typed pipeline errors onto status codes and the
// envelope. Unknown errors become a 500.
func writeDomainError(w http.ResponseWriter, err error) {
	var le *ratelimit.LimitError
	if errors.As(err, &le) {
		metrics.RateLimitRejections.WithLabelValues(le.Dimension).Inc()
		if le.RetryAfter > 0 {
			w.Header().Set("Retry-After", strconv.Itoa(le.RetryAfter))
		}
		writeError(w, http.StatusTooManyRequests, le.Message, "rate_limit_error", "")
		return
	}

	var be *ollama.BackendError
	if errors.As(err, &be) {
		writeError(w, be.StatusCode, be.Message, be.Type, be.Param)
		return
	}

	switch {
	case errors.Is(err, db.ErrBusy):
		writeError(w, http.StatusServiceUnavailable, "Service temporarily unavailable, please retry", "server_error", "")
	case errors.Is(err, db.ErrNotFound):
		writeError(w, http.StatusNotFound, "Not found", "invalid_request_error", "")
	case errors.Is(err, ingest.ErrTooLarge):
		writeError(w, http.StatusRequestEntityTooLarge, "Upload exceeds the size limit", "invalid_request_error", "")
	case errors.Is(err, ingest.ErrUnsupportedType):
		writeError(w, http.StatusUnsupportedMediaType, "Unsupported file type", "invalid_request_error", "")
	case errors.Is(err, ingest.ErrBadRequest):
		writeError(w, http.StatusBadRequest, "Malformed upload request", "invalid_request_error", "")
	default:
		writeError(w, http.StatusInternalServerError, "Internal server error", "server_error", "")
	}
}
