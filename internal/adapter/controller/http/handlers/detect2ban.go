package handlers

import (
	"net/http"

	"github.com/Sychedelic-but-cooler/nginx-proxy-orchestra-sub000/internal/entity"
	"github.com/Sychedelic-but-cooler/nginx-proxy-orchestra-sub000/internal/usecase/detect2ban"
)

// Detect2BanHandler exposes engine status and the notification matrix
type Detect2BanHandler struct {
	engine EngineStatus
	rules  *detect2ban.RuleService
}

// NewDetect2BanHandler creates a new Detect2Ban handler. engine may be
// nil when detection is disabled.
func NewDetect2BanHandler(engine EngineStatus, rules *detect2ban.RuleService) *Detect2BanHandler {
	return &Detect2BanHandler{engine: engine, rules: rules}
}

// StatusResponse is the engine status payload
type StatusResponse struct {
	Enabled bool `json:"enabled"`
	detect2ban.Status
}

// GetStatus returns the engine status
// GET /api/v1/detection/status
func (h *Detect2BanHandler) GetStatus(w http.ResponseWriter, r *http.Request) {
	if h.engine == nil {
		JSONResponse(w, http.StatusOK, StatusResponse{})
		return
	}
	JSONResponse(w, http.StatusOK, StatusResponse{Enabled: true, Status: h.engine.Status()})
}

// ListRules returns the matrix
// GET /api/v1/detection/rules
func (h *Detect2BanHandler) ListRules(w http.ResponseWriter, r *http.Request) {
	rules, err := h.rules.List(r.Context())
	if err != nil {
		ServiceError(w, "Failed to fetch rules", err)
		return
	}
	if rules == nil {
		rules = []entity.MatrixRule{}
	}
	JSONResponse(w, http.StatusOK, map[string]interface{}{"data": rules})
}

// CreateRule adds a matrix rule
// POST /api/v1/detection/rules
func (h *Detect2BanHandler) CreateRule(w http.ResponseWriter, r *http.Request) {
	var req detect2ban.RuleRequest
	if err := DecodeJSON(w, r, &req); err != nil {
		ErrorResponse(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	rule, err := h.rules.Create(r.Context(), req, actor(r))
	if err != nil {
		ServiceError(w, "Failed to create rule", err)
		return
	}
	JSONResponse(w, http.StatusCreated, map[string]interface{}{"data": rule})
}

// UpdateRule rewrites a matrix rule
// PUT /api/v1/detection/rules/{id}
func (h *Detect2BanHandler) UpdateRule(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var req detect2ban.RuleRequest
	if err := DecodeJSON(w, r, &req); err != nil {
		ErrorResponse(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	rule, err := h.rules.Update(r.Context(), id, req, actor(r))
	if err != nil {
		ServiceError(w, "Failed to update rule", err)
		return
	}
	JSONResponse(w, http.StatusOK, map[string]interface{}{"data": rule})
}

// DeleteRule removes a matrix rule
// DELETE /api/v1/detection/rules/{id}
func (h *Detect2BanHandler) DeleteRule(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	if err := h.rules.Delete(r.Context(), id, actor(r)); err != nil {
		ServiceError(w, "Failed to delete rule", err)
		return
	}
	SuccessResponse(w, "Rule deleted", nil)
}
