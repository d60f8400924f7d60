package registry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/meshrtc/signaling/internal/v1/bus"
	"github.com/meshrtc/signaling/internal/v1/cluster"
	"github.com/meshrtc/signaling/internal/v1/logging"
	"github.com/meshrtc/signaling/internal/v1/protocol"
	"github.com/meshrtc/signaling/internal/v1/types"
)

// ErrUserNotInRoom is returned when a targeted send cannot find the
// recipient anywhere in the room.
var ErrUserNotInRoom = errors.New("user not in room")

// HealthReporter exposes the coordinator health flag the router consults on
// every routing decision.
type HealthReporter interface {
	IsHealthy() bool
}

// Router composes the local and cluster registries behind the
// types.RoomRouter surface. With a healthy coordinator it routes through the
// shared registry and the bus; when the coordinator is down, or in
// single-node mode, every operation collapses to the local registry. Each
// operation snapshots the health flag once so a mid-operation transition
// cannot mix the two modes.
type Router struct {
	local   *Local
	cluster *Cluster
	health  HealthReporter
	nodeID  string
}

// NewRouter builds a cluster-mode router. Both clusterReg and health must be
// non-nil.
func NewRouter(local *Local, clusterReg *Cluster, health HealthReporter, nodeID string) *Router {
	return &Router{local: local, cluster: clusterReg, health: health, nodeID: nodeID}
}

// NewSingleNodeRouter builds a router with no coordination plane. All
// routing is local.
func NewSingleNodeRouter(local *Local, nodeID string) *Router {
	return &Router{local: local, nodeID: nodeID}
}

func (r *Router) clusterActive() bool {
	return r.cluster != nil && r.health != nil && r.health.IsHealthy()
}

// JoinRoom adds the connection to the room and returns the participants
// present before the join. In cluster mode the pre-existing list comes from
// the shared registry so it spans nodes, the local insert is silent, and the
// published delta notifies every member cluster-wide, this node's included.
func (r *Router) JoinRoom(ctx context.Context, roomName string, conn types.ClientConn) ([]protocol.Participant, error) {
	user := conn.User()
	ctx = context.WithValue(ctx, logging.RoomIDKey, roomName)

	if r.local.UserInRoom(roomName, user.UserID) {
		return nil, ErrAlreadyInRoom
	}

	if !r.clusterActive() {
		return r.local.Join(roomName, conn, true)
	}

	existing, err := r.cluster.Participants(ctx, roomName)
	if err != nil {
		logging.Warn(ctx, "Cluster registry read failed, joining locally", zap.Error(err))
		return r.local.Join(roomName, conn, true)
	}

	info := cluster.ConnectionInfo{
		UserID:       user.UserID,
		Username:     user.Username,
		RoomID:       roomName,
		ConnectedAt:  time.Now().UTC(),
		ConnectionID: conn.ConnectionID(),
	}
	if err := r.cluster.RegisterUser(ctx, info); err != nil {
		logging.Warn(ctx, "Cluster registration failed, joining locally", zap.Error(err))
		return r.local.Join(roomName, conn, true)
	}

	if _, err := r.local.Join(roomName, conn, false); err != nil {
		return nil, err
	}

	delta := cluster.NewUserJoined(roomName, user.UserID, user.Username)
	if err := r.cluster.PublishMessage(ctx, delta); err != nil {
		// The delta never reached anyone; at least tell the members on
		// this node.
		logging.Warn(ctx, "Failed to publish join delta, notifying local members only", zap.Error(err))
		r.local.BroadcastToOthers(roomName, user.UserID,
			protocol.NewUserJoined(roomName, protocol.Participant{UserID: user.UserID, Username: user.Username}))
	}

	sortParticipants(existing)
	return existing, nil
}

// LeaveRoom removes the user from the room. Cluster mode mirrors JoinRoom:
// silent local removal, shared registry cleanup, delta-driven notification.
func (r *Router) LeaveRoom(ctx context.Context, roomName string, userID uint32) error {
	ctx = context.WithValue(ctx, logging.RoomIDKey, roomName)

	if !r.clusterActive() {
		return r.local.Leave(roomName, userID, true)
	}

	if err := r.local.Leave(roomName, userID, false); err != nil {
		return err
	}

	if err := r.cluster.UnregisterUser(ctx, roomName, userID); err != nil {
		logging.Warn(ctx, "Cluster deregistration failed", zap.Error(err))
	}

	delta := cluster.NewUserLeft(roomName, userID)
	if err := r.cluster.PublishMessage(ctx, delta); err != nil {
		logging.Warn(ctx, "Failed to publish leave delta, notifying local members only", zap.Error(err))
		r.local.BroadcastToOthers(roomName, userID, protocol.NewUserLeft(roomName, userID))
	}
	return nil
}

// BroadcastToRoom fans a frame out to the room's members on this node,
// excluding the sender. Untargeted signals are local-scope on purpose;
// cross-node signal traffic is always targeted.
func (r *Router) BroadcastToRoom(ctx context.Context, roomName string, senderID uint32, msg protocol.ServerMessage) error {
	r.local.BroadcastToOthers(roomName, senderID, msg)
	return nil
}

// SendToUserInRoom delivers a frame to one room member. Local connections
// are tried first; otherwise the shared registry locates the hosting node
// and the frame travels the bus as a targeted signal.
func (r *Router) SendToUserInRoom(ctx context.Context, roomName string, targetUserID uint32, msg protocol.ServerMessage) error {
	if r.local.SendToUser(roomName, targetUserID, msg) {
		return nil
	}

	if !r.clusterActive() {
		return fmt.Errorf("%w: user %d in room %s", ErrUserNotInRoom, targetUserID, roomName)
	}

	nodeID, err := r.cluster.FindUserNode(ctx, roomName, targetUserID)
	if err != nil {
		if errors.Is(err, bus.ErrNotFound) {
			return fmt.Errorf("%w: user %d in room %s", ErrUserNotInRoom, targetUserID, roomName)
		}
		return fmt.Errorf("locate user %d: %w", targetUserID, err)
	}
	if nodeID == r.nodeID {
		// The registry says the user is here but no connection holds them;
		// the placement is stale.
		return fmt.Errorf("%w: user %d in room %s", ErrUserNotInRoom, targetUserID, roomName)
	}

	signal, err := signalFromFrame(roomName, targetUserID, nodeID, msg)
	if err != nil {
		return err
	}

	logging.Debug(ctx, "Forwarding signal to remote node",
		zap.Uint32("to_user", targetUserID),
		zap.String("target_node", nodeID),
		zap.String("signal_type", signal.SignalType))
	return r.cluster.PublishMessage(ctx, signal)
}

// signalFromFrame converts a targeted client-bound frame into its bus
// representation. Only signaling frames cross nodes.
func signalFromFrame(roomName string, targetUserID uint32, targetNode string, msg protocol.ServerMessage) (*cluster.Message, error) {
	switch f := msg.(type) {
	case *protocol.Offer:
		return cluster.NewWebRTCSignal(roomName, f.FromUserID, targetUserID, cluster.SignalOffer, f.SDP, targetNode), nil
	case *protocol.Answer:
		return cluster.NewWebRTCSignal(roomName, f.FromUserID, targetUserID, cluster.SignalAnswer, f.SDP, targetNode), nil
	case *protocol.IceCandidate:
		return cluster.NewWebRTCSignal(roomName, f.FromUserID, targetUserID, cluster.SignalIceCandidate, f.Candidate, targetNode), nil
	default:
		return nil, fmt.Errorf("frame type %s cannot cross nodes", msg.MessageType())
	}
}

// UserInRoom reports room membership, cluster-wide when the coordination
// plane is up.
func (r *Router) UserInRoom(ctx context.Context, roomName string, userID uint32) bool {
	if r.local.UserInRoom(roomName, userID) {
		return true
	}
	if !r.clusterActive() {
		return false
	}
	ok, err := r.cluster.UserInRoom(ctx, roomName, userID)
	if err != nil {
		logging.Warn(ctx, "Cluster membership check failed", zap.Error(err))
		return false
	}
	return ok
}

// RemoveUserFromAllRooms tears down every membership owned by the given
// connection. Memberships registered under a different connection id belong
// to a newer login and survive.
func (r *Router) RemoveUserFromAllRooms(ctx context.Context, userID uint32, connectionID uuid.UUID) {
	if !r.clusterActive() {
		r.local.RemoveFromAllRooms(userID, connectionID, true)
		return
	}

	rooms := r.local.RemoveFromAllRooms(userID, connectionID, false)

	seen := make(map[string]bool, len(rooms)+1)
	registeredRoom, ok, err := r.cluster.RemoveConnection(ctx, userID, connectionID)
	if err != nil {
		logging.Warn(ctx, "Cluster disconnect cleanup failed", zap.Error(err))
	} else if ok {
		seen[registeredRoom] = true
	}
	for _, room := range rooms {
		if !seen[room] {
			seen[room] = true
			if err := r.cluster.RemovePlacement(ctx, room, userID); err != nil {
				logging.Warn(ctx, "Failed to remove stale placement",
					zap.String("room_id", room), zap.Error(err))
			}
		}
	}

	for room := range seen {
		delta := cluster.NewUserLeft(room, userID)
		if err := r.cluster.PublishMessage(ctx, delta); err != nil {
			logging.Warn(ctx, "Failed to publish disconnect delta, notifying local members only",
				zap.String("room_id", room), zap.Error(err))
			r.local.BroadcastToOthers(room, userID, protocol.NewUserLeft(room, userID))
		}
	}
}

// GetRoomParticipants returns the room's membership: cluster-wide when the
// coordinator is reachable, local otherwise.
func (r *Router) GetRoomParticipants(ctx context.Context, roomName string) []protocol.Participant {
	if r.clusterActive() {
		participants, err := r.cluster.Participants(ctx, roomName)
		if err == nil {
			sortParticipants(participants)
			return participants
		}
		logging.Warn(ctx, "Cluster registry read failed, using local view", zap.Error(err))
	}
	return r.local.Participants(roomName)
}

// DeliverToLocalUser implements cluster.LocalDelivery for cross-node
// targeted signals.
func (r *Router) DeliverToLocalUser(roomID string, userID uint32, msg protocol.ServerMessage) bool {
	return r.local.SendToUser(roomID, userID, msg)
}

// BroadcastToLocalRoom implements cluster.LocalDelivery for membership
// deltas arriving on the bus.
func (r *Router) BroadcastToLocalRoom(roomID string, exceptUserID uint32, msg protocol.ServerMessage) {
	r.local.BroadcastToOthers(roomID, exceptUserID, msg)
}
