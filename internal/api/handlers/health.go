package handlers

import (
	"context"
	"time"

	"github.com/jmylchreest/acquire/internal/browser"
	"github.com/jmylchreest/acquire/internal/models"
	"github.com/jmylchreest/acquire/internal/version"
)

// Pinger reports whether the coordination store answers.
type Pinger interface {
	Ping(ctx context.Context) error
}

// ProxyCounter reports proxy pool size.
type ProxyCounter interface {
	Counts() (total, enabled int)
}

// BrowserStatser reports browser pool occupancy.
type BrowserStatser interface {
	Stats() browser.PoolStats
}

// HealthHandler handles health check requests.
type HealthHandler struct {
	store   Pinger
	proxies ProxyCounter
	pool    BrowserStatser
	started time.Time
}

// NewHealthHandler creates a new health handler. pool may be nil.
func NewHealthHandler(store Pinger, proxies ProxyCounter, pool BrowserStatser) *HealthHandler {
	return &HealthHandler{
		store:   store,
		proxies: proxies,
		pool:    pool,
		started: time.Now(),
	}
}

// HealthOutput is the output wrapper for Huma.
type HealthOutput struct {
	Body models.HealthResponse
}

// Handle returns the health status. A dead store or an empty proxy pool
// degrade the service but do not fail the check: every component falls
// back on its own.
func (h *HealthHandler) Handle(ctx context.Context) *models.HealthResponse {
	resp := &models.HealthResponse{
		Status:  "healthy",
		Version: version.Get().Version,
		Store:   "ok",
		Uptime:  int64(time.Since(h.started).Seconds()),
	}

	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := h.store.Ping(pingCtx); err != nil {
		resp.Status = "degraded"
		resp.Store = err.Error()
	}

	resp.ProxiesTotal, resp.ProxiesEnabled = h.proxies.Counts()
	if resp.ProxiesTotal > 0 && resp.ProxiesEnabled == 0 {
		resp.Status = "degraded"
	}

	if h.pool != nil {
		stats := h.pool.Stats()
		resp.Browsers = &models.BrowserStats{
			Active:  stats.Active,
			MaxSize: stats.MaxSize,
			Waiting: stats.Waiting,
			Ready:   stats.Ready,
		}
	}
	return resp
}
