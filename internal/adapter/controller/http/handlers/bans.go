package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/Sychedelic-but-cooler/nginx-proxy-orchestra-sub000/internal/entity"
	"github.com/Sychedelic-but-cooler/nginx-proxy-orchestra-sub000/internal/usecase/bans"
	"github.com/Sychedelic-but-cooler/nginx-proxy-orchestra-sub000/internal/usecase/detect2ban"
)

// EngineStatus reports detection engine state
type EngineStatus interface {
	Status() detect2ban.Status
}

// BansHandler handles ban-related HTTP requests
type BansHandler struct {
	service *bans.Service
	engine  EngineStatus
}

// NewBansHandler creates a new bans handler. engine may be nil when
// detection is disabled.
func NewBansHandler(service *bans.Service, engine EngineStatus) *BansHandler {
	return &BansHandler{service: service, engine: engine}
}

// List returns all active bans
// GET /api/v1/bans
func (h *BansHandler) List(w http.ResponseWriter, r *http.Request) {
	active, err := h.service.ListActive(r.Context())
	if err != nil {
		ServiceError(w, "Failed to fetch bans", err)
		return
	}
	if active == nil {
		active = []entity.Ban{}
	}
	JSONResponse(w, http.StatusOK, map[string]interface{}{"data": active})
}

// Get returns the active ban on an IP
// GET /api/v1/bans/ip/{ip}
func (h *BansHandler) Get(w http.ResponseWriter, r *http.Request) {
	ban, err := h.service.Get(r.Context(), chi.URLParam(r, "ip"))
	if err != nil {
		ServiceError(w, "Ban not found", err)
		return
	}
	JSONResponse(w, http.StatusOK, map[string]interface{}{"data": ban})
}

// Stats returns ban statistics merged with detection tracking counters
// GET /api/v1/bans/stats
func (h *BansHandler) Stats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.service.GetStats(r.Context())
	if err != nil {
		ServiceError(w, "Failed to fetch stats", err)
		return
	}
	if h.engine != nil {
		st := h.engine.Status()
		stats.TrackedIPs = int64(st.TrackedIPs)
		stats.TrackedEvents = int64(st.TrackedEvents)
	}
	JSONResponse(w, http.StatusOK, stats)
}

// Create bans an IP address, or refreshes its active ban
// POST /api/v1/bans
func (h *BansHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req entity.BanRequest
	if err := DecodeJSON(w, r, &req); err != nil {
		ErrorResponse(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if req.IP == "" {
		ErrorResponse(w, http.StatusBadRequest, "IP address is required", nil)
		return
	}
	if req.Reason == "" {
		ErrorResponse(w, http.StatusBadRequest, "Reason is required", nil)
		return
	}
	if req.Severity == "" {
		req.Severity = entity.SeverityMedium
	}
	req.Actor = actor(r)

	ban, err := h.service.CreateOrRefresh(r.Context(), req)
	if err != nil {
		ServiceError(w, "Failed to ban IP", err)
		return
	}
	JSONResponse(w, http.StatusCreated, map[string]interface{}{"data": ban})
}

// MakePermanent makes a ban permanent
// PUT /api/v1/bans/{id}/permanent
func (h *BansHandler) MakePermanent(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	ban, err := h.service.MakePermanent(r.Context(), id, actor(r))
	if err != nil {
		ServiceError(w, "Failed to make ban permanent", err)
		return
	}
	JSONResponse(w, http.StatusOK, map[string]interface{}{"data": ban})
}

// Delete unbans
// DELETE /api/v1/bans/{id}
func (h *BansHandler) Delete(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	ban, err := h.service.Unban(r.Context(), id, actor(r))
	if err != nil {
		ServiceError(w, "Failed to unban IP", err)
		return
	}
	SuccessResponse(w, "IP unbanned successfully", ban)
}

// Deliveries returns the per integration delivery status of a ban
// GET /api/v1/bans/{id}/deliveries
func (h *BansHandler) Deliveries(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	status, err := h.service.Deliveries(r.Context(), id)
	if err != nil {
		ServiceError(w, "Failed to fetch deliveries", err)
		return
	}
	if status == nil {
		status = []entity.DeliveryStatus{}
	}
	JSONResponse(w, http.StatusOK, map[string]interface{}{"data": status})
}
