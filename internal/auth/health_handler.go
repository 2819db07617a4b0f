// health_handler.go -- Health check handler for GET /health.
package auth

import (
	"errors"
	"net/http"

	"github.com/MGallo-Code/obol/internal/store"
)

// CheckHealth handles GET /health -- pings Redis and Postgres, returns per-dependency status.
// Returns 200 if every configured dependency is healthy, 503 otherwise.
// Postgres reports "disabled" when no DATABASE_URL is set.
func (h *AuthHandler) CheckHealth(w http.ResponseWriter, r *http.Request) {
	redisStatus := "ok"
	postgresStatus := "ok"

	if h.RS != nil {
		if err := h.RS.CheckHealth(r.Context()); err != nil {
			logError(r, "redis health check failed", "error", err)
			redisStatus = "error"
		}
	}
	if h.Audit != nil {
		if err := h.Audit.CheckHealth(r.Context()); err != nil {
			if errors.Is(err, store.ErrAuditDisabled) {
				postgresStatus = "disabled"
			} else {
				logError(r, "postgres health check failed", "error", err)
				postgresStatus = "error"
			}
		}
	} else {
		postgresStatus = "disabled"
	}

	status := http.StatusOK
	if redisStatus == "error" || postgresStatus == "error" {
		status = http.StatusServiceUnavailable
	}
	JSON(w, status, struct {
		Postgres string `json:"postgres"`
		Redis    string `json:"redis"`
	}{postgresStatus, redisStatus})
}
