package handlers

import (
	"context"
	"net/http"
	"runtime"
	"sort"
	"time"
)

var startTime = time.Now()

// Version is stamped at build time with -ldflags
var Version = "dev"

// Check probes one dependency
type Check func(ctx context.Context) error

// HealthResponse represents the health check response
type HealthResponse struct {
	Status      string            `json:"status"`
	Version     string            `json:"version"`
	Uptime      string            `json:"uptime"`
	Environment string            `json:"environment"`
	Timestamp   time.Time         `json:"timestamp"`
	Checks      map[string]string `json:"checks"`
	System      SystemInfo        `json:"system"`
}

// SystemInfo represents system information
type SystemInfo struct {
	GoVersion    string `json:"go_version"`
	NumCPU       int    `json:"num_cpu"`
	NumGoroutine int    `json:"num_goroutine"`
	MemAllocMB   uint64 `json:"mem_alloc_mb"`
}

// HealthCheck returns a handler probing every named check. Any failure
// reports degraded with status 503.
func HealthCheck(env string, checks map[string]Check) http.HandlerFunc {
	names := make([]string, 0, len(checks))
	for name := range checks {
		names = append(names, name)
	}
	sort.Strings(names)

	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
		defer cancel()

		results := map[string]string{"api": "ok"}
		status, code := "healthy", http.StatusOK
		for _, name := range names {
			if err := checks[name](ctx); err != nil {
				results[name] = err.Error()
				status, code = "degraded", http.StatusServiceUnavailable
				continue
			}
			results[name] = "ok"
		}

		var m runtime.MemStats
		runtime.ReadMemStats(&m)

		JSONResponse(w, code, HealthResponse{
			Status:      status,
			Version:     Version,
			Uptime:      time.Since(startTime).Round(time.Second).String(),
			Environment: env,
			Timestamp:   time.Now().UTC(),
			Checks:      results,
			System: SystemInfo{
				GoVersion:    runtime.Version(),
				NumCPU:       runtime.NumCPU(),
				NumGoroutine: runtime.NumGoroutine(),
				MemAllocMB:   m.Alloc / 1024 / 1024,
			},
		})
	}
}
