// Package protocol defines the JSON wire frames exchanged with browser
// clients. Every frame is a JSON object tagged by a lowercase hyphenated
// "type" field with camelCase payload fields. Optional fields are omitted
// from the wire entirely rather than encoded as null.
package protocol

import (
	"encoding/json"
	"fmt"
)

// ClientMessageType tags a frame sent by a client.
type ClientMessageType string

const (
	ClientAuth         ClientMessageType = "auth"
	ClientJoinRoom     ClientMessageType = "join-room"
	ClientLeaveRoom    ClientMessageType = "leave-room"
	ClientOffer        ClientMessageType = "offer"
	ClientAnswer       ClientMessageType = "answer"
	ClientIceCandidate ClientMessageType = "ice-candidate"
)

// ClientMessage is the union of all client->server frames. Which fields are
// meaningful depends on Type; DecodeClientMessage rejects unknown tags but
// leaves per-type field validation to the connection handler, which owns the
// error frames sent back to the client.
type ClientMessage struct {
	Type ClientMessageType `json:"type"`

	// auth
	Token string `json:"token,omitempty"`

	// join-room, leave-room, offer, answer, ice-candidate
	RoomName string  `json:"roomName,omitempty"`
	Password *string `json:"password,omitempty"`

	// offer, answer
	SDP string `json:"sdp,omitempty"`

	// ice-candidate
	Candidate     string  `json:"candidate,omitempty"`
	SDPMid        *string `json:"sdpMid,omitempty"`
	SDPMLineIndex *uint32 `json:"sdpMLineIndex,omitempty"`

	// offer, answer, ice-candidate
	TargetUserID *uint32 `json:"targetUserId,omitempty"`
}

// DecodeClientMessage parses a raw text frame. An unknown or missing type
// tag is a parse error, never a silent drop.
func DecodeClientMessage(data []byte) (*ClientMessage, error) {
	var msg ClientMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("invalid JSON: %w", err)
	}

	switch msg.Type {
	case ClientAuth, ClientJoinRoom, ClientLeaveRoom, ClientOffer, ClientAnswer, ClientIceCandidate:
		return &msg, nil
	case "":
		return nil, fmt.Errorf("missing message type")
	default:
		return nil, fmt.Errorf("unknown message type %q", msg.Type)
	}
}

// Encode serializes the frame for the wire.
func (m *ClientMessage) Encode() ([]byte, error) {
	return json.Marshal(m)
}
