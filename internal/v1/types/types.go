// Package types holds the small shared interfaces that decouple the
// transport layer from the registry and auth packages.
package types

import (
	"context"

	"github.com/google/uuid"

	"github.com/meshrtc/signaling/internal/v1/auth"
	"github.com/meshrtc/signaling/internal/v1/protocol"
)

// TokenValidator defines the interface for bearer token authentication.
type TokenValidator interface {
	ValidateToken(tokenString string) (*auth.AuthenticatedUser, error)
}

// ClientConn is the registry's view of a connected client: identity plus a
// write-only endpoint for outbound frames. The transport layer owns the
// connection; the registry only holds this handle.
type ClientConn interface {
	User() auth.AuthenticatedUser
	ConnectionID() uuid.UUID

	// Send enqueues a frame on the connection's outbound queue. It never
	// blocks; a full queue or an encoding failure drops the frame for this
	// recipient only.
	Send(msg protocol.ServerMessage)
}

// RoomRouter is the composite routing surface the connection handler talks
// to. A single implementation combines the per-node local registry with the
// shared cluster registry and picks between them based on coordinator
// health.
type RoomRouter interface {
	// JoinRoom adds the connection to the room and returns the participants
	// that were already present before this join.
	JoinRoom(ctx context.Context, roomName string, conn ClientConn) ([]protocol.Participant, error)

	// LeaveRoom removes the user from the room.
	LeaveRoom(ctx context.Context, roomName string, userID uint32) error

	// BroadcastToRoom fans a frame out to every room member except the
	// sender. Local members only; cross-node traffic is targeted.
	BroadcastToRoom(ctx context.Context, roomName string, senderID uint32, msg protocol.ServerMessage) error

	// SendToUserInRoom delivers a frame to one member, routing across nodes
	// when the target is not connected locally.
	SendToUserInRoom(ctx context.Context, roomName string, targetUserID uint32, msg protocol.ServerMessage) error

	// UserInRoom reports membership.
	UserInRoom(ctx context.Context, roomName string, userID uint32) bool

	// RemoveUserFromAllRooms tears down every membership whose stored
	// connection id matches. A concurrent re-login under a different
	// connection id is left untouched.
	RemoveUserFromAllRooms(ctx context.Context, userID uint32, connectionID uuid.UUID)

	// GetRoomParticipants returns the current membership view.
	GetRoomParticipants(ctx context.Context, roomName string) []protocol.Participant
}
