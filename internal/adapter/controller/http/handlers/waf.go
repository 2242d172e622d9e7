package handlers

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/Sychedelic-but-cooler/nginx-proxy-orchestra-sub000/internal/entity"
	"github.com/Sychedelic-but-cooler/nginx-proxy-orchestra-sub000/internal/usecase/ingest"
)

// Ingestor accepts WAF events and drives the ModSecurity poller
type Ingestor interface {
	Submit(ctx context.Context, events []entity.WAFEvent, origin string) (ingest.Result, error)
	SyncNow(ctx context.Context) error
	Stats() ingest.SyncStats
}

// EventArchive queries archived WAF events
type EventArchive interface {
	RecentByIP(ctx context.Context, ip string, limit int) ([]entity.WAFEvent, error)
	TopAttackTypes(ctx context.Context, ip string, since time.Time, limit int) ([]entity.AttackTypeCount, error)
}

// WAFHandler handles WAF event ingestion and lookups
type WAFHandler struct {
	ingest  Ingestor
	archive EventArchive
}

// NewWAFHandler creates a new WAF handler. archive may be nil when
// ClickHouse is disabled.
func NewWAFHandler(ingest Ingestor, archive EventArchive) *WAFHandler {
	return &WAFHandler{ingest: ingest, archive: archive}
}

// Ingest accepts a JSON array of events
// POST /api/v1/waf/events
func (h *WAFHandler) Ingest(w http.ResponseWriter, r *http.Request) {
	var events []entity.WAFEvent
	if err := DecodeJSON(w, r, &events); err != nil {
		ErrorResponse(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if len(events) == 0 {
		ErrorResponse(w, http.StatusBadRequest, "At least one event is required", nil)
		return
	}

	res, err := h.ingest.Submit(r.Context(), events, entity.EventSourceAPI)
	if err != nil {
		ServiceError(w, "Failed to ingest events", err)
		return
	}
	JSONResponse(w, http.StatusAccepted, res)
}

// RecentEvents returns archived events of one IP
// GET /api/v1/waf/events/{ip}?limit=100
func (h *WAFHandler) RecentEvents(w http.ResponseWriter, r *http.Request) {
	if h.archive == nil {
		ErrorResponse(w, http.StatusServiceUnavailable, "Event archive not configured", nil)
		return
	}
	ip, err := entity.NormalizeIP(chi.URLParam(r, "ip"))
	if err != nil {
		ServiceError(w, "Invalid IP", err)
		return
	}
	limit := queryInt(r, "limit", 100, 1000)

	events, err := h.archive.RecentByIP(r.Context(), ip, limit)
	if err != nil {
		ServiceError(w, "Failed to fetch events", err)
		return
	}
	if events == nil {
		events = []entity.WAFEvent{}
	}
	JSONResponse(w, http.StatusOK, map[string]interface{}{"data": events})
}

// TopAttacks returns the attack type breakdown of one IP
// GET /api/v1/waf/attacks/{ip}?hours=24
func (h *WAFHandler) TopAttacks(w http.ResponseWriter, r *http.Request) {
	if h.archive == nil {
		ErrorResponse(w, http.StatusServiceUnavailable, "Event archive not configured", nil)
		return
	}
	ip, err := entity.NormalizeIP(chi.URLParam(r, "ip"))
	if err != nil {
		ServiceError(w, "Invalid IP", err)
		return
	}
	hours := queryInt(r, "hours", 24, 24*90)
	since := time.Now().Add(-time.Duration(hours) * time.Hour)

	counts, err := h.archive.TopAttackTypes(r.Context(), ip, since, 10)
	if err != nil {
		ServiceError(w, "Failed to fetch attack types", err)
		return
	}
	if counts == nil {
		counts = []entity.AttackTypeCount{}
	}
	JSONResponse(w, http.StatusOK, map[string]interface{}{"data": counts})
}

// SyncStats returns the ModSecurity poller state
// GET /api/v1/waf/sync
func (h *WAFHandler) SyncStats(w http.ResponseWriter, r *http.Request) {
	JSONResponse(w, http.StatusOK, h.ingest.Stats())
}

// SyncNow triggers an immediate ModSecurity log read
// POST /api/v1/waf/sync
func (h *WAFHandler) SyncNow(w http.ResponseWriter, r *http.Request) {
	if err := h.ingest.SyncNow(r.Context()); err != nil {
		if errors.Is(err, entity.ErrInvalidArgument) {
			ErrorResponse(w, http.StatusServiceUnavailable, "ModSecurity source not configured", err)
			return
		}
		ServiceError(w, "Sync failed", err)
		return
	}
	SuccessResponse(w, "Sync completed", h.ingest.Stats())
}

// queryInt reads a positive integer parameter clamped to max
func queryInt(r *http.Request, key string, def, max int) int {
	n, err := strconv.Atoi(r.URL.Query().Get(key))
	if err != nil || n <= 0 {
		return def
	}
	if n > max {
		return max
	}
	return n
}
