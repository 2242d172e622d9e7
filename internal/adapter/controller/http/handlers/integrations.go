package handlers

import (
	"net/http"

	"github.com/Sychedelic-but-cooler/nginx-proxy-orchestra-sub000/internal/entity"
	"github.com/Sychedelic-but-cooler/nginx-proxy-orchestra-sub000/internal/usecase/integrations"
)

// IntegrationsHandler manages provider integrations
type IntegrationsHandler struct {
	service *integrations.Service
}

// NewIntegrationsHandler creates a new integrations handler
func NewIntegrationsHandler(service *integrations.Service) *IntegrationsHandler {
	return &IntegrationsHandler{service: service}
}

// List returns every integration with its queue counters
// GET /api/v1/integrations
func (h *IntegrationsHandler) List(w http.ResponseWriter, r *http.Request) {
	list, err := h.service.List(r.Context())
	if err != nil {
		ServiceError(w, "Failed to fetch integrations", err)
		return
	}
	if list == nil {
		list = []entity.IntegrationStatus{}
	}
	JSONResponse(w, http.StatusOK, map[string]interface{}{"data": list})
}

// Get returns one integration
// GET /api/v1/integrations/{id}
func (h *IntegrationsHandler) Get(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	in, err := h.service.Get(r.Context(), id)
	if err != nil {
		ServiceError(w, "Integration not found", err)
		return
	}
	JSONResponse(w, http.StatusOK, map[string]interface{}{"data": in})
}

// Create registers an integration and starts its worker when enabled
// POST /api/v1/integrations
func (h *IntegrationsHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req entity.IntegrationRequest
	if err := DecodeJSON(w, r, &req); err != nil {
		ErrorResponse(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	in, err := h.service.Create(r.Context(), req, actor(r))
	if err != nil {
		ServiceError(w, "Failed to create integration", err)
		return
	}
	JSONResponse(w, http.StatusCreated, map[string]interface{}{"data": in})
}

// Update changes name, config or credential reference
// PUT /api/v1/integrations/{id}
func (h *IntegrationsHandler) Update(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var req entity.IntegrationRequest
	if err := DecodeJSON(w, r, &req); err != nil {
		ErrorResponse(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	in, err := h.service.Update(r.Context(), id, req, actor(r))
	if err != nil {
		ServiceError(w, "Failed to update integration", err)
		return
	}
	JSONResponse(w, http.StatusOK, map[string]interface{}{"data": in})
}

// Enable resumes delivery
// POST /api/v1/integrations/{id}/enable
func (h *IntegrationsHandler) Enable(w http.ResponseWriter, r *http.Request) {
	h.setEnabled(w, r, true)
}

// Disable stops delivery, keeping pending items
// POST /api/v1/integrations/{id}/disable
func (h *IntegrationsHandler) Disable(w http.ResponseWriter, r *http.Request) {
	h.setEnabled(w, r, false)
}

func (h *IntegrationsHandler) setEnabled(w http.ResponseWriter, r *http.Request, enabled bool) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	in, err := h.service.SetEnabled(r.Context(), id, enabled, actor(r))
	if err != nil {
		ServiceError(w, "Failed to update integration", err)
		return
	}
	JSONResponse(w, http.StatusOK, map[string]interface{}{"data": in})
}

// Delete stops the worker and removes the integration with its queue
// DELETE /api/v1/integrations/{id}
func (h *IntegrationsHandler) Delete(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	if err := h.service.Delete(r.Context(), id, actor(r)); err != nil {
		ServiceError(w, "Failed to delete integration", err)
		return
	}
	SuccessResponse(w, "Integration deleted", nil)
}

// Test checks connectivity and credentials
// POST /api/v1/integrations/{id}/test
func (h *IntegrationsHandler) Test(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	if err := h.service.Test(r.Context(), id, actor(r)); err != nil {
		ServiceError(w, "Connection test failed", err)
		return
	}
	SuccessResponse(w, "Connection test successful", nil)
}
