package handlers

import (
	"context"
	"net/http"
	"time"

	domain "github.com/bazaar-market/api/internal/domain"
	"github.com/bazaar-market/api/internal/platform/httpx"
	"github.com/bazaar-market/api/internal/services"
)

const defaultReadyTimeout = 3 * time.Second

// HealthHandlers serves liveness and readiness probes.
type HealthHandlers struct {
	system  services.SystemService
	build   services.BuildInfo
	clock   func() time.Time
	timeout time.Duration
}

// HealthOption customises HealthHandlers.
type HealthOption func(*HealthHandlers)

// WithHealthSystemService enables dependency checks on /readyz.
func WithHealthSystemService(system services.SystemService) HealthOption {
	return func(h *HealthHandlers) { h.system = system }
}

// WithHealthBuildInfo sets the build metadata echoed by /healthz.
func WithHealthBuildInfo(build services.BuildInfo) HealthOption {
	return func(h *HealthHandlers) { h.build = build }
}

// WithHealthClock overrides the time source.
func WithHealthClock(clock func() time.Time) HealthOption {
	return func(h *HealthHandlers) {
		if clock != nil {
			h.clock = clock
		}
	}
}

// NewHealthHandlers constructs the probe handlers.
func NewHealthHandlers(opts ...HealthOption) *HealthHandlers {
	h := &HealthHandlers{clock: time.Now, timeout: defaultReadyTimeout}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}
	if h.build.StartedAt.IsZero() {
		h.build.StartedAt = h.clock()
	}
	return h
}

type healthzView struct {
	Status      string `json:"status"`
	Version     string `json:"version,omitempty"`
	Environment string `json:"environment,omitempty"`
	Uptime      string `json:"uptime"`
	Timestamp   string `json:"timestamp"`
}

type checkView struct {
	Status    string `json:"status"`
	Detail    string `json:"detail,omitempty"`
	LatencyMS int64  `json:"latency_ms"`
}

type readyzView struct {
	Status      string               `json:"status"`
	Version     string               `json:"version,omitempty"`
	Environment string               `json:"environment,omitempty"`
	Checks      map[string]checkView `json:"checks"`
	GeneratedAt string               `json:"generated_at"`
}

// Healthz reports the process is up. It never touches dependencies.
func (h *HealthHandlers) Healthz(w http.ResponseWriter, _ *http.Request) {
	now := h.clock().UTC()
	httpx.WriteSuccess(w, http.StatusOK, "Service is healthy", healthzView{
		Status:      domain.HealthStatusOK,
		Version:     h.build.Version,
		Environment: h.build.Environment,
		Uptime:      now.Sub(h.build.StartedAt).Truncate(time.Second).String(),
		Timestamp:   now.Format(time.RFC3339),
	})
}

// Readyz probes the store and other dependencies. Anything but ok yields 503.
func (h *HealthHandlers) Readyz(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.system == nil {
		httpx.WriteSuccess(w, http.StatusOK, "Service is ready", readyzView{
			Status:      domain.HealthStatusOK,
			Checks:      map[string]checkView{},
			GeneratedAt: h.clock().UTC().Format(time.RFC3339),
		})
		return
	}

	probeCtx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()
	report, err := h.system.HealthReport(probeCtx)
	if err != nil {
		httpx.WriteError(ctx, w, httpx.NewError(http.StatusServiceUnavailable, "Health check failed"))
		return
	}

	checks := make(map[string]checkView, len(report.Checks))
	for name, check := range report.Checks {
		checks[name] = checkView{Status: check.Status, Detail: check.Detail, LatencyMS: check.Latency.Milliseconds()}
	}
	view := readyzView{
		Status:      report.Status,
		Version:     report.Version,
		Environment: report.Environment,
		Checks:      checks,
		GeneratedAt: report.GeneratedAt.UTC().Format(time.RFC3339),
	}
	if report.Status != domain.HealthStatusOK {
		httpx.WriteEnvelope(w, http.StatusServiceUnavailable, httpx.Envelope{Success: false, Message: "Service is not ready", Data: view})
		return
	}
	httpx.WriteSuccess(w, http.StatusOK, "Service is ready", view)
}
