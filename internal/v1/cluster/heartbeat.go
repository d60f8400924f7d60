package cluster

import (
	"context"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/meshrtc/signaling/internal/v1/bus"
	"github.com/meshrtc/signaling/internal/v1/logging"
	"github.com/meshrtc/signaling/internal/v1/metrics"
)

const (
	heartbeatInterval = 10 * time.Second

	// heartbeatTTL outlives two missed beats so a brief Redis hiccup does
	// not make peers consider this node dead.
	heartbeatTTL = 30 * time.Second
)

// Heartbeat periodically refreshes this node's TTL'd liveness key and
// announces itself on the events channel. If the node dies, the key expires
// on its own and peers stop seeing announcements.
type Heartbeat struct {
	svc             *bus.Service
	nodeID          string
	connectionCount func() int
}

// NewHeartbeat wires the publisher. connectionCount is sampled on each beat;
// it must be safe to call from the heartbeat goroutine.
func NewHeartbeat(svc *bus.Service, nodeID string, connectionCount func() int) *Heartbeat {
	return &Heartbeat{svc: svc, nodeID: nodeID, connectionCount: connectionCount}
}

// Run publishes heartbeats until the context is cancelled.
func (h *Heartbeat) Run(ctx context.Context) {
	ctx = context.WithValue(ctx, logging.NodeIDKey, h.nodeID)
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()

	logging.Info(ctx, "Started heartbeat publisher")

	for {
		select {
		case <-ctx.Done():
			logging.Info(ctx, "Stopped heartbeat publisher")
			return
		case <-ticker.C:
			h.beat(ctx)
		}
	}
}

func (h *Heartbeat) beat(ctx context.Context) {
	now := time.Now().Unix()
	count := h.connectionCount()

	if err := h.svc.SetWithTTL(ctx, ServerHeartbeatKey(h.nodeID), strconv.FormatInt(now, 10), heartbeatTTL); err != nil {
		logging.Warn(ctx, "Failed to refresh heartbeat key", zap.Error(err))
	}

	msg := NewServerHeartbeat(h.nodeID, now, count)
	payload, err := msg.Encode()
	if err != nil {
		logging.Error(ctx, "Failed to encode heartbeat", zap.Error(err))
		return
	}
	if err := h.svc.Publish(ctx, bus.ChannelEvents, payload); err != nil {
		logging.Warn(ctx, "Failed to publish heartbeat", zap.Error(err))
		return
	}
	metrics.ClusterMessages.WithLabelValues(string(MessageServerHeartbeat), "sent").Inc()
	logging.Debug(ctx, "Published heartbeat", zap.Int("connection_count", count))
}
