package handlers

import (
	"context"
	"log/slog"
	"time"

	"github.com/jmylchreest/acquire/internal/models"
	"github.com/jmylchreest/acquire/internal/proxy"
)

// ProxyPool is the proxy manager as seen by the API.
type ProxyPool interface {
	ProxyCounter
	Stats() []proxy.Snapshot
	HealthCheck(ctx context.Context) int
}

// ProxiesHandler reports on and checks the proxy pool.
type ProxiesHandler struct {
	proxies ProxyPool
	logger  *slog.Logger
}

// NewProxiesHandler creates a new proxies handler.
func NewProxiesHandler(proxies ProxyPool, logger *slog.Logger) *ProxiesHandler {
	return &ProxiesHandler{proxies: proxies, logger: logger}
}

// ProxiesOutput is the pool snapshot.
type ProxiesOutput struct {
	Body models.ProxiesResponse
}

// List returns every proxy with credentials redacted.
func (h *ProxiesHandler) List(ctx context.Context, _ *struct{}) (*ProxiesOutput, error) {
	stats := h.proxies.Stats()
	resp := models.ProxiesResponse{Proxies: make([]models.ProxyInfo, 0, len(stats))}
	resp.Total, resp.Enabled = h.proxies.Counts()

	for _, s := range stats {
		resp.Proxies = append(resp.Proxies, models.ProxyInfo{
			Address:    proxy.Redact(s.Address),
			Enabled:    s.Enabled,
			Failures:   s.Failures,
			Successes:  s.Successes,
			LatencyMS:  s.Latency.Milliseconds(),
			LastUsed:   optionalTime(s.LastUsed),
			LastFailed: optionalTime(s.LastFailed),
		})
	}
	return &ProxiesOutput{Body: resp}, nil
}

// ProxyCheckOutput reports a health check pass.
type ProxyCheckOutput struct {
	Body models.ProxyCheckResponse
}

// Check probes disabled proxies now instead of waiting for the next
// scheduled pass.
func (h *ProxiesHandler) Check(ctx context.Context, _ *struct{}) (*ProxyCheckOutput, error) {
	n := h.proxies.HealthCheck(ctx)
	total, enabled := h.proxies.Counts()
	h.logger.Info("proxy health check requested", "reenabled", n, "enabled", enabled, "total", total)
	return &ProxyCheckOutput{Body: models.ProxyCheckResponse{Reenabled: n, Total: total, Enabled: enabled}}, nil
}

func optionalTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
