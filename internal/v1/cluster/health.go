package cluster

import (
	"context"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/meshrtc/signaling/internal/v1/bus"
	"github.com/meshrtc/signaling/internal/v1/logging"
	"github.com/meshrtc/signaling/internal/v1/metrics"
)

const healthCheckInterval = 5 * time.Second

// HealthMonitor probes the shared coordinator on a fixed interval and
// exposes the result as a lock-free flag. Every routing decision consults
// the flag instead of waiting on a Redis round trip, so a coordinator
// outage degrades routing to local-only without blocking the hot path.
type HealthMonitor struct {
	svc     *bus.Service
	nodeID  string
	healthy atomic.Bool
}

// NewHealthMonitor starts optimistic: the coordinator is assumed healthy
// until a probe says otherwise.
func NewHealthMonitor(svc *bus.Service, nodeID string) *HealthMonitor {
	m := &HealthMonitor{svc: svc, nodeID: nodeID}
	m.healthy.Store(true)
	return m
}

// IsHealthy reports the result of the most recent probe.
func (m *HealthMonitor) IsHealthy() bool {
	return m.healthy.Load()
}

// Run probes the coordinator until the context is cancelled. Transitions
// are logged once per edge, not once per probe.
func (m *HealthMonitor) Run(ctx context.Context) {
	ctx = context.WithValue(ctx, logging.NodeIDKey, m.nodeID)
	ticker := time.NewTicker(healthCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.probe(ctx)
		}
	}
}

func (m *HealthMonitor) probe(ctx context.Context) {
	pingCtx, cancel := context.WithTimeout(ctx, healthCheckInterval)
	err := m.svc.Ping(pingCtx)
	cancel()

	wasHealthy := m.healthy.Load()
	if err != nil {
		m.healthy.Store(false)
		metrics.DegradedMode.Set(1)
		if wasHealthy {
			logging.Warn(ctx, "Redis connection lost, entering degraded mode", zap.Error(err))
		}
		return
	}

	m.healthy.Store(true)
	metrics.DegradedMode.Set(0)
	if !wasHealthy {
		logging.Info(ctx, "Redis connection restored, resuming cluster mode")
	}
}
