package handlers

import (
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/Sychedelic-but-cooler/nginx-proxy-orchestra-sub000/internal/entity"
	"github.com/Sychedelic-but-cooler/nginx-proxy-orchestra-sub000/internal/usecase/audit"
)

// AuditHandler serves the audit log
type AuditHandler struct {
	service *audit.Service
	logger  *slog.Logger
}

// NewAuditHandler creates a new audit handler
func NewAuditHandler(service *audit.Service, logger *slog.Logger) *AuditHandler {
	return &AuditHandler{service: service, logger: logger}
}

// Query returns one page of entries
// GET /api/v1/audit?actor=&action=&resource_type=&from=&to=&limit=&offset=
func (h *AuditHandler) Query(w http.ResponseWriter, r *http.Request) {
	filter, err := parseAuditFilter(r.URL.Query())
	if err != nil {
		ErrorResponse(w, http.StatusBadRequest, "Invalid filter", err)
		return
	}
	entries, total, err := h.service.Query(r.Context(), filter)
	if err != nil {
		ServiceError(w, "Failed to query audit log", err)
		return
	}
	if entries == nil {
		entries = []entity.AuditLogEntry{}
	}

	limit := filter.Limit
	switch {
	case limit <= 0:
		limit = audit.DefaultPageSize
	case limit > audit.MaxPageSize:
		limit = audit.MaxPageSize
	}
	JSONResponse(w, http.StatusOK, NewPaginatedResponse(entries, total, limit, filter.Offset))
}

// Export streams every matching entry as CSV
// GET /api/v1/audit/export
func (h *AuditHandler) Export(w http.ResponseWriter, r *http.Request) {
	filter, err := parseAuditFilter(r.URL.Query())
	if err != nil {
		ErrorResponse(w, http.StatusBadRequest, "Invalid filter", err)
		return
	}
	if filter.From != nil && filter.To != nil && filter.To.Before(*filter.From) {
		ErrorResponse(w, http.StatusBadRequest, "Invalid filter", fmt.Errorf("time range ends before it starts"))
		return
	}

	name := fmt.Sprintf("audit-%s.csv", time.Now().UTC().Format("20060102-150405"))
	w.Header().Set("Content-Type", "text/csv; charset=utf-8")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", name))
	w.WriteHeader(http.StatusOK)

	n, err := h.service.ExportCSV(r.Context(), w, filter)
	if err != nil {
		// headers are gone; the truncated file is the only signal
		h.logger.Error("Audit export failed", "written", n, "error", err)
		return
	}
	h.logger.Debug("Audit export complete", "entries", n)
}

func parseAuditFilter(q url.Values) (entity.AuditFilter, error) {
	f := entity.AuditFilter{
		Actor:        q.Get("actor"),
		Action:       q.Get("action"),
		ResourceType: q.Get("resource_type"),
	}

	for _, p := range []struct {
		key string
		dst **time.Time
	}{{"from", &f.From}, {"to", &f.To}} {
		v := q.Get(p.key)
		if v == "" {
			continue
		}
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return f, fmt.Errorf("%s: expected RFC3339 timestamp", p.key)
		}
		*p.dst = &t
	}

	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return f, fmt.Errorf("limit: %w", err)
		}
		f.Limit = n
	}
	if v := q.Get("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return f, fmt.Errorf("offset: must be a non-negative integer")
		}
		f.Offset = n
	}
	return f, nil
}
