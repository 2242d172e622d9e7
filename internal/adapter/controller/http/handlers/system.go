package handlers

import (
	"context"
	"net/http"

	"github.com/Sychedelic-but-cooler/nginx-proxy-orchestra-sub000/internal/usecase/retention"
)

// Retention runs and reports queue purges
type Retention interface {
	RunCleanup(ctx context.Context) *retention.CleanupResult
	LastResult() *retention.CleanupResult
	IsRunning() bool
}

// AlertTester sends a test alert mail
type AlertTester interface {
	SendTest(ctx context.Context) error
}

// SystemHandler exposes maintenance operations
type SystemHandler struct {
	retention Retention
	alerts    AlertTester
}

// NewSystemHandler creates a new system handler. alerts may be nil when
// SMTP is not configured.
func NewSystemHandler(retention Retention, alerts AlertTester) *SystemHandler {
	return &SystemHandler{retention: retention, alerts: alerts}
}

// RetentionStatus returns the worker state and the last purge
// GET /api/v1/system/retention
func (h *SystemHandler) RetentionStatus(w http.ResponseWriter, r *http.Request) {
	JSONResponse(w, http.StatusOK, map[string]interface{}{
		"running":     h.retention.IsRunning(),
		"last_result": h.retention.LastResult(),
	})
}

// RunRetention purges terminal queue items now
// POST /api/v1/system/retention/run
func (h *SystemHandler) RunRetention(w http.ResponseWriter, r *http.Request) {
	result := h.retention.RunCleanup(r.Context())
	if result.Error != "" {
		JSONResponse(w, http.StatusInternalServerError, map[string]interface{}{
			"error":   "Cleanup failed",
			"success": false,
			"details": result.Error,
		})
		return
	}
	SuccessResponse(w, "Cleanup completed", result)
}

// TestAlerts sends a test mail
// POST /api/v1/system/alerts/test
func (h *SystemHandler) TestAlerts(w http.ResponseWriter, r *http.Request) {
	if h.alerts == nil {
		ErrorResponse(w, http.StatusServiceUnavailable, "SMTP not configured", nil)
		return
	}
	if err := h.alerts.SendTest(r.Context()); err != nil {
		ErrorResponse(w, http.StatusBadGateway, "Failed to send test email", err)
		return
	}
	SuccessResponse(w, "Test email sent", nil)
}
