package handlers

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/Sychedelic-but-cooler/nginx-proxy-orchestra-sub000/internal/adapter/controller/http/middleware"
)

// Router holds every handler mounted on the API
type Router struct {
	Logger       *slog.Logger
	Env          string
	CORSOrigins  []string
	RateLimit    int // requests per minute per client IP, 0 disables
	HealthChecks map[string]Check

	Bans         *BansHandler
	Integrations *IntegrationsHandler
	Detection    *Detect2BanHandler
	Audit        *AuditHandler
	WAF          *WAFHandler
	System       *SystemHandler
	LiveStream   http.HandlerFunc
}

// Handler builds the chi router
func (rt *Router) Handler() http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(middleware.Logger(rt.Logger))
	r.Use(chimw.Recoverer)

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   rt.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type", ActorHeader, "X-Request-Id"},
		ExposedHeaders:   []string{"Content-Disposition"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	r.Get("/health", HealthCheck(rt.Env, rt.HealthChecks))
	r.Handle("/metrics", promhttp.Handler())
	if rt.LiveStream != nil {
		r.Get("/ws", rt.LiveStream)
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.SecurityHeaders)
		r.Use(chimw.Compress(5))
		if rt.RateLimit > 0 {
			r.Use(httprate.LimitByIP(rt.RateLimit, time.Minute))
		}

		r.Route("/bans", func(r chi.Router) {
			r.Get("/", rt.Bans.List)
			r.Post("/", rt.Bans.Create)
			r.Get("/stats", rt.Bans.Stats)
			r.Get("/ip/{ip}", rt.Bans.Get)
			r.Delete("/{id}", rt.Bans.Delete)
			r.Put("/{id}/permanent", rt.Bans.MakePermanent)
			r.Get("/{id}/deliveries", rt.Bans.Deliveries)
		})

		r.Route("/integrations", func(r chi.Router) {
			r.Get("/", rt.Integrations.List)
			r.Post("/", rt.Integrations.Create)
			r.Get("/{id}", rt.Integrations.Get)
			r.Put("/{id}", rt.Integrations.Update)
			r.Delete("/{id}", rt.Integrations.Delete)
			r.Post("/{id}/enable", rt.Integrations.Enable)
			r.Post("/{id}/disable", rt.Integrations.Disable)
			r.Post("/{id}/test", rt.Integrations.Test)
		})

		r.Route("/detection", func(r chi.Router) {
			r.Get("/status", rt.Detection.GetStatus)
			r.Get("/rules", rt.Detection.ListRules)
			r.Post("/rules", rt.Detection.CreateRule)
			r.Put("/rules/{id}", rt.Detection.UpdateRule)
			r.Delete("/rules/{id}", rt.Detection.DeleteRule)
		})

		r.Route("/audit", func(r chi.Router) {
			r.Get("/", rt.Audit.Query)
			r.Get("/export", rt.Audit.Export)
		})

		r.Route("/waf", func(r chi.Router) {
			r.Post("/events", rt.WAF.Ingest)
			r.Get("/events/{ip}", rt.WAF.RecentEvents)
			r.Get("/attacks/{ip}", rt.WAF.TopAttacks)
			r.Get("/sync", rt.WAF.SyncStats)
			r.Post("/sync", rt.WAF.SyncNow)
		})

		r.Route("/system", func(r chi.Router) {
			r.Get("/retention", rt.System.RetentionStatus)
			r.Post("/retention/run", rt.System.RunRetention)
			r.Post("/alerts/test", rt.System.TestAlerts)
		})
	})

	return r
}
