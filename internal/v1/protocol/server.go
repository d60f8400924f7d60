package protocol

import (
	"encoding/json"
	"fmt"
)

// ServerMessageType tags a frame sent to a client.
type ServerMessageType string

const (
	ServerAuthenticated ServerMessageType = "authenticated"
	ServerRoomJoined    ServerMessageType = "room-joined"
	ServerRoomLeft      ServerMessageType = "room-left"
	ServerUserJoined    ServerMessageType = "user-joined"
	ServerUserLeft      ServerMessageType = "user-left"
	ServerOffer         ServerMessageType = "offer"
	ServerAnswer        ServerMessageType = "answer"
	ServerIceCandidate  ServerMessageType = "ice-candidate"
	ServerError         ServerMessageType = "error"
)

// Participant is the public projection of an authenticated user exposed to
// the other members of a room.
type Participant struct {
	UserID   uint32 `json:"userId"`
	Username string `json:"username"`
}

// ServerMessage is implemented by every server->client frame. Frames are
// distinct structs so each one carries exactly the fields its type defines;
// constructors fill in the tag.
type ServerMessage interface {
	MessageType() ServerMessageType
}

type Authenticated struct {
	Type     ServerMessageType `json:"type"`
	UserID   uint32            `json:"userId"`
	Username string            `json:"username"`
}

type RoomJoined struct {
	Type         ServerMessageType `json:"type"`
	RoomName     string            `json:"roomName"`
	UserID       uint32            `json:"userId"`
	Participants []Participant     `json:"participants"`
}

type RoomLeft struct {
	Type     ServerMessageType `json:"type"`
	RoomName string            `json:"roomName"`
	UserID   uint32            `json:"userId"`
}

type UserJoined struct {
	Type     ServerMessageType `json:"type"`
	RoomName string            `json:"roomName"`
	User     Participant       `json:"user"`
}

type UserLeft struct {
	Type     ServerMessageType `json:"type"`
	RoomName string            `json:"roomName"`
	UserID   uint32            `json:"userId"`
}

type Offer struct {
	Type       ServerMessageType `json:"type"`
	RoomName   string            `json:"roomName"`
	FromUserID uint32            `json:"fromUserId"`
	SDP        string            `json:"sdp"`
}

type Answer struct {
	Type       ServerMessageType `json:"type"`
	RoomName   string            `json:"roomName"`
	FromUserID uint32            `json:"fromUserId"`
	SDP        string            `json:"sdp"`
}

type IceCandidate struct {
	Type          ServerMessageType `json:"type"`
	RoomName      string            `json:"roomName"`
	FromUserID    uint32            `json:"fromUserId"`
	Candidate     string            `json:"candidate"`
	SDPMid        *string           `json:"sdpMid,omitempty"`
	SDPMLineIndex *uint32           `json:"sdpMLineIndex,omitempty"`
}

type Error struct {
	Type    ServerMessageType `json:"type"`
	Message string            `json:"message"`
	Code    *uint32           `json:"code,omitempty"`
}

func (m *Authenticated) MessageType() ServerMessageType { return ServerAuthenticated }
func (m *RoomJoined) MessageType() ServerMessageType    { return ServerRoomJoined }
func (m *RoomLeft) MessageType() ServerMessageType      { return ServerRoomLeft }
func (m *UserJoined) MessageType() ServerMessageType    { return ServerUserJoined }
func (m *UserLeft) MessageType() ServerMessageType      { return ServerUserLeft }
func (m *Offer) MessageType() ServerMessageType         { return ServerOffer }
func (m *Answer) MessageType() ServerMessageType        { return ServerAnswer }
func (m *IceCandidate) MessageType() ServerMessageType  { return ServerIceCandidate }
func (m *Error) MessageType() ServerMessageType         { return ServerError }

func NewAuthenticated(userID uint32, username string) *Authenticated {
	return &Authenticated{Type: ServerAuthenticated, UserID: userID, Username: username}
}

// NewRoomJoined builds the join response. The participants list is never
// nil so an empty room encodes as [] on the wire.
func NewRoomJoined(roomName string, userID uint32, participants []Participant) *RoomJoined {
	if participants == nil {
		participants = []Participant{}
	}
	return &RoomJoined{Type: ServerRoomJoined, RoomName: roomName, UserID: userID, Participants: participants}
}

func NewRoomLeft(roomName string, userID uint32) *RoomLeft {
	return &RoomLeft{Type: ServerRoomLeft, RoomName: roomName, UserID: userID}
}

func NewUserJoined(roomName string, user Participant) *UserJoined {
	return &UserJoined{Type: ServerUserJoined, RoomName: roomName, User: user}
}

func NewUserLeft(roomName string, userID uint32) *UserLeft {
	return &UserLeft{Type: ServerUserLeft, RoomName: roomName, UserID: userID}
}

func NewOffer(roomName string, fromUserID uint32, sdp string) *Offer {
	return &Offer{Type: ServerOffer, RoomName: roomName, FromUserID: fromUserID, SDP: sdp}
}

func NewAnswer(roomName string, fromUserID uint32, sdp string) *Answer {
	return &Answer{Type: ServerAnswer, RoomName: roomName, FromUserID: fromUserID, SDP: sdp}
}

func NewIceCandidate(roomName string, fromUserID uint32, candidate string, sdpMid *string, sdpMLineIndex *uint32) *IceCandidate {
	return &IceCandidate{
		Type:          ServerIceCandidate,
		RoomName:      roomName,
		FromUserID:    fromUserID,
		Candidate:     candidate,
		SDPMid:        sdpMid,
		SDPMLineIndex: sdpMLineIndex,
	}
}

func NewError(message string) *Error {
	return &Error{Type: ServerError, Message: message}
}

func NewErrorWithCode(message string, code uint32) *Error {
	return &Error{Type: ServerError, Message: message, Code: &code}
}

// EncodeServerMessage serializes a frame for the wire.
func EncodeServerMessage(m ServerMessage) ([]byte, error) {
	return json.Marshal(m)
}

// DecodeServerMessage parses a server frame back into its concrete type.
// Used by tests and by anything that consumes the server side of the wire.
func DecodeServerMessage(data []byte) (ServerMessage, error) {
	var envelope struct {
		Type ServerMessageType `json:"type"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil, fmt.Errorf("invalid JSON: %w", err)
	}

	var msg ServerMessage
	switch envelope.Type {
	case ServerAuthenticated:
		msg = &Authenticated{}
	case ServerRoomJoined:
		msg = &RoomJoined{}
	case ServerRoomLeft:
		msg = &RoomLeft{}
	case ServerUserJoined:
		msg = &UserJoined{}
	case ServerUserLeft:
		msg = &UserLeft{}
	case ServerOffer:
		msg = &Offer{}
	case ServerAnswer:
		msg = &Answer{}
	case ServerIceCandidate:
		msg = &IceCandidate{}
	case ServerError:
		msg = &Error{}
	case "":
		return nil, fmt.Errorf("missing message type")
	default:
		return nil, fmt.Errorf("unknown message type %q", envelope.Type)
	}

	if err := json.Unmarshal(data, msg); err != nil {
		return nil, fmt.Errorf("invalid %s frame: %w", envelope.Type, err)
	}
	return msg, nil
}
