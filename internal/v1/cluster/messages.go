// Package cluster implements the multi-node coordination plane: the shared
// registry schema in Redis, the pub/sub message listener, node heartbeats,
// and the coordinator health monitor.
package cluster

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// MessageType tags a frame on the cluster bus.
type MessageType string

const (
	MessageUserJoined      MessageType = "user-joined"
	MessageUserLeft        MessageType = "user-left"
	MessageWebRTCSignal    MessageType = "webrtc-signal"
	MessageServerHeartbeat MessageType = "server-heartbeat"
)

// Signal types carried inside a webrtc-signal message. They mirror the
// client frame tags so the receiving node can reconstruct the original frame.
const (
	SignalOffer        = "offer"
	SignalAnswer       = "answer"
	SignalIceCandidate = "ice-candidate"
)

// Message is the union of all cluster-bus frames. Fields use snake_case on
// the wire, unlike the camelCase client protocol; the two planes are
// versioned independently.
type Message struct {
	Type MessageType `json:"type"`

	// user-joined, user-left, webrtc-signal
	RoomID string `json:"room_id,omitempty"`

	// user-joined, user-left
	UserID   uint32 `json:"user_id,omitempty"`
	Username string `json:"username,omitempty"`

	// TargetServer narrows delivery to one node. Empty means every node
	// should act on the message.
	TargetServer string `json:"target_server,omitempty"`

	// webrtc-signal
	FromUser   uint32 `json:"from_user,omitempty"`
	ToUser     uint32 `json:"to_user,omitempty"`
	SignalType string `json:"signal_type,omitempty"`
	SignalData string `json:"signal_data,omitempty"`

	// server-heartbeat
	NodeID          string `json:"node_id,omitempty"`
	Timestamp       int64  `json:"timestamp,omitempty"`
	ConnectionCount int    `json:"connection_count,omitempty"`
}

// DecodeMessage parses a cluster-bus payload. Unknown types are an error so
// the listener can log and skip them.
func DecodeMessage(data []byte) (*Message, error) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("invalid cluster message: %w", err)
	}
	switch msg.Type {
	case MessageUserJoined, MessageUserLeft, MessageWebRTCSignal, MessageServerHeartbeat:
		return &msg, nil
	default:
		return nil, fmt.Errorf("unknown cluster message type %q", msg.Type)
	}
}

// Encode serializes the message for the bus.
func (m *Message) Encode() ([]byte, error) {
	return json.Marshal(m)
}

// NewUserJoined builds a membership delta announcing a join.
func NewUserJoined(roomID string, userID uint32, username string) *Message {
	return &Message{Type: MessageUserJoined, RoomID: roomID, UserID: userID, Username: username}
}

// NewUserLeft builds a membership delta announcing a leave.
func NewUserLeft(roomID string, userID uint32) *Message {
	return &Message{Type: MessageUserLeft, RoomID: roomID, UserID: userID}
}

// NewWebRTCSignal builds a cross-node targeted signal addressed to the node
// hosting toUser.
func NewWebRTCSignal(roomID string, fromUser, toUser uint32, signalType, signalData, targetServer string) *Message {
	return &Message{
		Type:         MessageWebRTCSignal,
		RoomID:       roomID,
		FromUser:     fromUser,
		ToUser:       toUser,
		SignalType:   signalType,
		SignalData:   signalData,
		TargetServer: targetServer,
	}
}

// NewServerHeartbeat builds a liveness announcement.
func NewServerHeartbeat(nodeID string, timestamp int64, connectionCount int) *Message {
	return &Message{
		Type:            MessageServerHeartbeat,
		NodeID:          nodeID,
		Timestamp:       timestamp,
		ConnectionCount: connectionCount,
	}
}

// ConnectionInfo is the per-connection record stored in this node's
// servers:<node>:connections hash, keyed by user id. The connection id lets
// disconnect cleanup distinguish a stale record from a fresh re-login.
type ConnectionInfo struct {
	UserID       uint32    `json:"user_id"`
	Username     string    `json:"username"`
	RoomID       string    `json:"room_id"`
	ConnectedAt  time.Time `json:"connected_at"`
	ConnectionID uuid.UUID `json:"connection_id"`
}

// Registry key layout. All cluster state lives under these three families.

// RoomParticipantsKey names the hash mapping user id -> node id for a room.
func RoomParticipantsKey(roomID string) string {
	return fmt.Sprintf("rooms:%s:participants", roomID)
}

// ServerConnectionsKey names the hash of ConnectionInfo records for a node.
func ServerConnectionsKey(nodeID string) string {
	return fmt.Sprintf("servers:%s:connections", nodeID)
}

// ServerHeartbeatKey names the TTL'd liveness key for a node.
func ServerHeartbeatKey(nodeID string) string {
	return fmt.Sprintf("servers:%s:heartbeat", nodeID)
}
