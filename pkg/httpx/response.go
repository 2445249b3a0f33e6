package httpx

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/nicktill/tinyoee/pkg/model"
)

// RespondJSON writes a JSON response with the given status code and data.
func RespondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("failed to encode JSON response", slog.String("err", err.Error()))
	}
}

// ErrorResponse represents an error response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
	Field   string `json:"field,omitempty"`
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

// RespondErr maps an engine error onto a status code:
// validation 400, conflict 409, missing or not yet available 404,
// timeouts 504 and everything else 500.
func RespondErr(w http.ResponseWriter, err error) {
	var (
		verr *model.ValidationError
		cerr *model.ConflictError
	)
	switch {
	case errors.As(err, &verr):
		RespondJSON(w, http.StatusBadRequest, ErrorResponse{
			Error:   "validation_failed",
			Message: verr.Reason,
			Field:   verr.Field,
		})
	case errors.As(err, &cerr):
		RespondJSON(w, http.StatusConflict, ErrorResponse{Error: "conflict", Message: err.Error()})
	case model.IsNotYetAvailable(err):
		RespondJSON(w, http.StatusNotFound, ErrorResponse{Error: "not_yet_available", Message: err.Error()})
	case errors.Is(err, model.ErrNotFound):
		RespondJSON(w, http.StatusNotFound, ErrorResponse{Error: "not_found", Message: err.Error()})
	case errors.Is(err, context.DeadlineExceeded):
		RespondJSON(w, http.StatusGatewayTimeout, ErrorResponse{Error: "timeout", Message: err.Error()})
	default:
		slog.Error("request failed", slog.String("err", err.Error()))
		RespondError(w, http.StatusInternalServerError, err)
	}
}
