package app

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/wesign-qa/cmo/internal/registry"
	"github.com/wesign-qa/cmo/pkg/telemetry"
)

func (a *App) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	comps := make([]telemetry.ComponentStatus, 0, len(a.deps.HealthChecks))
	for _, hc := range a.deps.HealthChecks {
		status := telemetry.StatusHealthy
		msg := ""
		if err := hc.Check(ctx); err != nil {
			status = telemetry.StatusUnhealthy
			msg = err.Error()
		}
		comps = append(comps, telemetry.ComponentStatus{Name: hc.Name, Status: status, Message: msg})
	}

	snapshot := telemetry.NewHealthSnapshot("cmo", comps, a.clock())
	code := http.StatusOK
	switch snapshot.Overall {
	case telemetry.StatusDegraded:
		code = http.StatusOK
	case telemetry.StatusUnhealthy:
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, snapshot)
}

func (a *App) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	if a.deps.PromRegistry == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"error": "metrics_not_configured"})
		return
	}
	promhttp.HandlerFor(a.deps.PromRegistry, promhttp.HandlerOpts{}).ServeHTTP(w, r)
}

func (a *App) handleAgents(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	if a.deps.Registry == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"error": "registry_not_configured"})
		return
	}

	q := r.URL.Query()
	f := registry.DiscoverFilter{
		Tenant:     strings.TrimSpace(q.Get("tenant")),
		Project:    strings.TrimSpace(q.Get("project")),
		Capability: strings.TrimSpace(q.Get("capability")),
	}
	if raw := strings.TrimSpace(q.Get("status")); raw != "" {
		for _, s := range strings.Split(raw, ",") {
			f.Status = append(f.Status, registry.Status(strings.TrimSpace(s)))
		}
	}

	agents, err := a.deps.Registry.Discover(r.Context(), f)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": "discover_failed"})
		return
	}
	writeJSON(w, http.StatusOK, agents)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	_ = enc.Encode(v)
}

// --- admin HTTP middleware chain ---

func envBool(key string, def bool) bool {
	v := strings.TrimSpace(strings.ToLower(os.Getenv(key)))
	if v == "" {
		return def
	}
	switch v {
	case "1", "true", "yes", "y", "on":
		return true
	case "0", "false", "no", "n", "off":
		return false
	default:
		return def
	}
}

func withAuth(next http.Handler) http.Handler {
	required := envBool("CMO_ADMIN_AUTH_REQUIRED", false)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodOptions || r.URL.Path == "/health" || r.URL.Path == "/metrics" {
			next.ServeHTTP(w, r)
			return
		}
		if !required {
			next.ServeHTTP(w, r)
			return
		}
		envKey := strings.TrimSpace(os.Getenv("CMO_ADMIN_API_KEY"))
		if envKey == "" {
			writeJSON(w, http.StatusForbidden, map[string]any{"error": "api_key_not_configured"})
			return
		}
		got := strings.TrimSpace(r.Header.Get("X-API-Key"))
		if got == "" || got != envKey {
			writeJSON(w, http.StatusForbidden, map[string]any{"error": "forbidden"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func withCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET,OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, X-API-Key")
		w.Header().Set("Access-Control-Max-Age", "86400")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func requestLoggingMiddleware(logger *telemetry.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		dur := time.Since(start).Milliseconds()
		fields := map[string]any{
			"method":      r.Method,
			"path":        r.URL.Path,
			"status":      rec.status,
			"duration_ms": dur,
		}
		if rec.status >= 500 {
			logger.Error(r.Context(), "admin_request", fields)
		} else if rec.status >= 400 {
			logger.Warn(r.Context(), "admin_request", fields)
		} else {
			logger.Info(r.Context(), "admin_request", fields)
		}
	})
}
