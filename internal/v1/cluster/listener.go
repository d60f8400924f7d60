package cluster

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/meshrtc/signaling/internal/v1/bus"
	"github.com/meshrtc/signaling/internal/v1/logging"
	"github.com/meshrtc/signaling/internal/v1/metrics"
	"github.com/meshrtc/signaling/internal/v1/protocol"
)

// LocalDelivery is the listener's hook into the node-local registry. The
// router implements it; the listener never touches connections directly.
type LocalDelivery interface {
	// DeliverToLocalUser sends a frame to one locally connected room member.
	// Returns false when the user is not connected here (a stale registry
	// entry, or the user left between publish and delivery).
	DeliverToLocalUser(roomID string, userID uint32, msg protocol.ServerMessage) bool

	// BroadcastToLocalRoom fans a frame out to the room's local members,
	// skipping exceptUserID.
	BroadcastToLocalRoom(roomID string, exceptUserID uint32, msg protocol.ServerMessage)
}

// Listener consumes the cluster message channel and turns bus frames into
// local deliveries. Each node runs exactly one.
type Listener struct {
	svc    *bus.Service
	nodeID string
	local  LocalDelivery
}

func NewListener(svc *bus.Service, nodeID string, local LocalDelivery) *Listener {
	return &Listener{svc: svc, nodeID: nodeID, local: local}
}

// Start subscribes to the cluster message channel. The subscription runs in
// a background goroutine tracked by wg and stops when ctx is cancelled.
func (l *Listener) Start(ctx context.Context, wg *sync.WaitGroup) {
	ctx = context.WithValue(ctx, logging.NodeIDKey, l.nodeID)
	logging.Info(ctx, "Started cluster message listener")
	l.svc.Subscribe(ctx, bus.ChannelMessages, wg, func(payload []byte) {
		l.handle(ctx, payload)
	})
}

func (l *Listener) handle(ctx context.Context, payload []byte) {
	msg, err := DecodeMessage(payload)
	if err != nil {
		logging.Warn(ctx, "Dropping malformed cluster message", zap.Error(err))
		return
	}

	// Every node receives every publish, including its own. Membership
	// deltas are deliberately consumed by the publisher too: the publishing
	// node joins the user silently and relies on this path for the room
	// notification, so exactly one notification reaches each member
	// cluster-wide.
	if msg.TargetServer != "" && msg.TargetServer != l.nodeID {
		return
	}

	metrics.ClusterMessages.WithLabelValues(string(msg.Type), "received").Inc()

	switch msg.Type {
	case MessageUserJoined:
		logging.Debug(ctx, "Cluster: user joined room",
			zap.Uint32("user_id", msg.UserID), zap.String("room_id", msg.RoomID))
		l.local.BroadcastToLocalRoom(msg.RoomID, msg.UserID,
			protocol.NewUserJoined(msg.RoomID, protocol.Participant{UserID: msg.UserID, Username: msg.Username}))

	case MessageUserLeft:
		logging.Debug(ctx, "Cluster: user left room",
			zap.Uint32("user_id", msg.UserID), zap.String("room_id", msg.RoomID))
		l.local.BroadcastToLocalRoom(msg.RoomID, msg.UserID,
			protocol.NewUserLeft(msg.RoomID, msg.UserID))

	case MessageWebRTCSignal:
		l.deliverSignal(ctx, msg)

	case MessageServerHeartbeat:
		// Heartbeats belong on the events channel; tolerate strays.
		logging.Debug(ctx, "Ignoring heartbeat on message channel", zap.String("from", msg.NodeID))
	}
}

// deliverSignal reconstructs the client frame for a cross-node targeted
// signal and hands it to the local recipient.
func (l *Listener) deliverSignal(ctx context.Context, msg *Message) {
	var frame protocol.ServerMessage
	switch msg.SignalType {
	case SignalOffer:
		frame = protocol.NewOffer(msg.RoomID, msg.FromUser, msg.SignalData)
	case SignalAnswer:
		frame = protocol.NewAnswer(msg.RoomID, msg.FromUser, msg.SignalData)
	case SignalIceCandidate:
		frame = protocol.NewIceCandidate(msg.RoomID, msg.FromUser, msg.SignalData, nil, nil)
	default:
		logging.Warn(ctx, "Unknown signal type in cluster message", zap.String("signal_type", msg.SignalType))
		return
	}

	logging.Debug(ctx, "Delivering cross-node signal",
		zap.Uint32("from_user", msg.FromUser),
		zap.Uint32("to_user", msg.ToUser),
		zap.String("signal_type", msg.SignalType),
		zap.String("room_id", msg.RoomID))

	if !l.local.DeliverToLocalUser(msg.RoomID, msg.ToUser, frame) {
		logging.Warn(ctx, "Cross-node signal target not connected locally",
			zap.Uint32("to_user", msg.ToUser), zap.String("room_id", msg.RoomID))
	}
}
