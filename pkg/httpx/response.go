package httpx

import (
	"encoding/json"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/nicktill/tinyohlc/pkg/compaction"
	"github.com/nicktill/tinyohlc/pkg/engine"
	"github.com/nicktill/tinyohlc/pkg/series"
)

// RespondJSON writes a JSON response with the given status code and data.
func RespondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		zap.L().Warn("failed to encode JSON response", zap.Error(err))
	}
}

// ErrorResponse represents an error response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

// RespondError writes an error response with the given status code and error message.
func RespondError(w http.ResponseWriter, status int, err error) {
	response := ErrorResponse{
		Error:   http.StatusText(status),
		Message: err.Error(),
	}
	RespondJSON(w, status, response)
}

// RespondErrorString writes an error response with the given status code and error message string.
func RespondErrorString(w http.ResponseWriter, status int, message string) {
	response := ErrorResponse{
		Error:   http.StatusText(status),
		Message: message,
	}
	RespondJSON(w, status, response)
}

// StatusFor maps engine errors onto HTTP status codes.
func StatusFor(err error) int {
	switch {
	case errors.Is(err, series.ErrInvalidTick),
		errors.Is(err, series.ErrInvalidInstrument),
		errors.Is(err, compaction.ErrInvalidResolution):
		return http.StatusBadRequest
	case errors.Is(err, engine.ErrUnknownInstrument),
		errors.Is(err, engine.ErrUnknownResolution):
		return http.StatusNotFound
	case errors.Is(err, engine.ErrRuleConflict):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// RespondEngineError writes err with the status StatusFor picks.
func RespondEngineError(w http.ResponseWriter, err error) {
	RespondError(w, StatusFor(err), err)
}
