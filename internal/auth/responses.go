// responses.go -- Package-wide HTTP response helpers.
//
// Shared by handlers and middleware. Bodies go through encoding/json because
// some messages (provider error codes, backend details) are not ours.
package auth

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/MGallo-Code/obol/internal/login"
)

// errorBody is the JSON shape of every non-2xx response.
type errorBody struct {
	Message  string `json:"message"`
	Category string `json:"category,omitempty"`
	Detail   string `json:"detail,omitempty"`
}

// JSON writes v with the given status.
func JSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("writing json response failed", "error", err)
	}
}

// InternalServerError logs the error and returns a generic 500 JSON response.
// Never exposes internal error details to prevent information leakage.
func InternalServerError(w http.ResponseWriter, r *http.Request, err error) {
	logError(r, "internal server error", "error", err)
	JSON(w, http.StatusInternalServerError, errorBody{Message: "internal server error"})
}

// BadRequest returns a 400 JSON response with the given message.
func BadRequest(w http.ResponseWriter, r *http.Request, message string) {
	JSON(w, http.StatusBadRequest, errorBody{Message: message})
}

// NotFound returns a 404 JSON response with the given message.
func NotFound(w http.ResponseWriter, message string) {
	JSON(w, http.StatusNotFound, errorBody{Message: message})
}

// TooManyRequests returns a 429 JSON response.
func TooManyRequests(w http.ResponseWriter) {
	JSON(w, http.StatusTooManyRequests, errorBody{Message: "too many login attempts, please wait"})
}

// LoginFailed writes a failed callback: 401 for invalid state, 502 for a failed token
// exchange (with the backend's message as detail). Anything else is a plain 500.
func LoginFailed(w http.ResponseWriter, err error) {
	body := errorBody{Message: login.UserMessage(err), Category: login.Category(err)}
	var exErr *login.TokenExchangeError
	switch {
	case errors.Is(err, login.ErrInvalidState):
		JSON(w, http.StatusUnauthorized, body)
	case errors.As(err, &exErr):
		body.Detail = exErr.Message
		JSON(w, http.StatusBadGateway, body)
	default:
		JSON(w, http.StatusInternalServerError, errorBody{Message: "internal server error"})
	}
}
