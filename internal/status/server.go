// Package status exposes the read-only HTTP surface for operators and
// probes. Notable routes:
//   - GET /healthz and /readyz for liveness and readiness probes.
//   - GET /metrics for Prometheus scraping.
//   - GET /v1/status/catalogue, /v1/status/devices, /v1/status/ratelimits
//     for harvest state.
//   - POST /v1/devices/{device_id}/reactivate and /disable for manual
//     rotation overrides.
package status

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/project5001/harvestd/internal/harvest"
)

const (
	queryTimeout    = 3 * time.Second
	recentWindow    = 24 * time.Hour
	rateLimitWindow = time.Hour
	maxRecentEvents = 100
)

// EventLister is the optional extension for stores that can page raw
// rate-limit events.
type EventLister interface {
	RecentRateLimitEvents(ctx context.Context, since time.Time, limit int) ([]harvest.RateLimitEvent, error)
}

// Rotator covers the manual override surface of the device registry.
type Rotator interface {
	Reactivate(ctx context.Context, deviceID string) error
	Disable(ctx context.Context, deviceID string) error
}

// Server wires the status handlers to the store and registry.
type Server struct {
	router  chi.Router
	store   harvest.Store
	rotator Rotator
	clock   harvest.Clock
	logger  *zap.Logger
}

// NewServer constructs the Server. gatherer backs /metrics; pass the registry
// the progress sink registered its collectors on.
func NewServer(
	store harvest.Store,
	rotator Rotator,
	clock harvest.Clock,
	gatherer prometheus.Gatherer,
	logger *zap.Logger,
) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{store: store, rotator: rotator, clock: clock, logger: logger}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	r.Route("/v1", func(r chi.Router) {
		r.Route("/status", func(r chi.Router) {
			r.Get("/catalogue", s.catalogue)
			r.Get("/devices", s.devices)
			r.Get("/ratelimits", s.rateLimits)
		})
		r.Route("/devices/{device_id}", func(r chi.Router) {
			r.Post("/reactivate", s.reactivate)
			r.Post("/disable", s.disable)
		})
	})

	s.router = r
	return s
}

// Handler returns the router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), queryTimeout)
	defer cancel()
	if _, err := s.store.CatalogueStats(ctx, s.clock.Now()); err != nil {
		writeError(w, http.StatusServiceUnavailable, "store unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) catalogue(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), queryTimeout)
	defer cancel()

	stats, err := s.store.CatalogueStats(ctx, s.clock.Now().Add(-recentWindow))
	if err != nil {
		s.logger.Error("catalogue stats failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "catalogue stats unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"total_entries":  stats.TotalEntries,
		"recent_entries": stats.RecentEntries,
		"recent_since":   stats.Since,
	})
}

func (s *Server) devices(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), queryTimeout)
	defer cancel()

	devices, err := s.store.ListDevices(ctx)
	if err != nil {
		s.logger.Error("list devices failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "device list unavailable")
		return
	}
	now := s.clock.Now()
	counts, err := s.store.RecentRateLimitCounts(ctx, now.Add(-rateLimitWindow))
	if err != nil {
		s.logger.Error("rate limit counts failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "rate limit counts unavailable")
		return
	}

	summaries := make([]deviceView, 0, len(devices))
	for _, dev := range devices {
		summaries = append(summaries, newDeviceView(dev, counts[dev.ID], now))
	}
	writeJSON(w, http.StatusOK, map[string]any{"devices": summaries})
}

func (s *Server) rateLimits(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), queryTimeout)
	defer cancel()

	since := s.clock.Now().Add(-recentWindow)
	counts, err := s.store.RecentRateLimitCounts(ctx, since)
	if err != nil {
		s.logger.Error("rate limit counts failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "rate limit counts unavailable")
		return
	}
	resp := map[string]any{"since": since, "counts_by_device": counts}

	if lister, ok := s.store.(EventLister); ok {
		events, err := lister.RecentRateLimitEvents(ctx, since, maxRecentEvents)
		if err != nil {
			s.logger.Error("recent events failed", zap.Error(err))
			writeError(w, http.StatusInternalServerError, "recent events unavailable")
			return
		}
		views := make([]eventView, 0, len(events))
		for _, ev := range events {
			views = append(views, eventView{
				DeviceID:   ev.DeviceID,
				DetectedAt: ev.DetectedAt,
				Signal:     string(ev.Signal),
				Detail:     ev.Detail,
			})
		}
		resp["events"] = views
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) reactivate(w http.ResponseWriter, r *http.Request) {
	s.override(w, r, s.rotator.Reactivate)
}

func (s *Server) disable(w http.ResponseWriter, r *http.Request) {
	s.override(w, r, s.rotator.Disable)
}

func (s *Server) override(w http.ResponseWriter, r *http.Request, action func(context.Context, string) error) {
	deviceID := chi.URLParam(r, "device_id")
	ctx, cancel := context.WithTimeout(r.Context(), queryTimeout)
	defer cancel()

	err := action(ctx, deviceID)
	switch {
	case errors.Is(err, harvest.ErrNotFound):
		writeError(w, http.StatusNotFound, "unknown device")
	case err != nil:
		s.logger.Error("device override failed", zap.String("device_id", deviceID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "override failed")
	default:
		writeJSON(w, http.StatusOK, map[string]string{"device_id": deviceID, "status": "ok"})
	}
}

type deviceView struct {
	ID               string     `json:"id"`
	Name             string     `json:"name"`
	Role             string     `json:"role"`
	State            string     `json:"state"`
	CooldownUntil    *time.Time `json:"cooldown_until,omitempty"`
	InCooldown       bool       `json:"in_cooldown"`
	RecentRateLimits int64      `json:"recent_rate_limits"`
	RateLimitCount   int64      `json:"rate_limit_count"`
	SuccessCount     int64      `json:"success_count"`
	FailureCount     int64      `json:"failure_count"`
	LastActivity     *time.Time `json:"last_activity,omitempty"`
}

func newDeviceView(dev harvest.Device, recent int64, now time.Time) deviceView {
	return deviceView{
		ID:               dev.ID,
		Name:             dev.Name,
		Role:             string(dev.Role),
		State:            string(dev.State),
		CooldownUntil:    dev.CooldownUntil,
		InCooldown:       dev.State == harvest.DeviceCoolingDown && dev.CooldownUntil != nil && dev.CooldownUntil.After(now),
		RecentRateLimits: recent,
		RateLimitCount:   dev.RateLimitCount,
		SuccessCount:     dev.SuccessCount,
		FailureCount:     dev.FailureCount,
		LastActivity:     dev.LastActivity,
	}
}

type eventView struct {
	DeviceID   string    `json:"device_id"`
	DetectedAt time.Time `json:"detected_at"`
	Signal     string    `json:"signal"`
	Detail     string    `json:"detail,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
