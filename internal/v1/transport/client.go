// Package transport owns the WebSocket surface: connection upgrade, the
// per-connection read/write pumps, the in-band authentication handshake,
// and dispatch of client frames to the room router.
package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/meshrtc/signaling/internal/v1/auth"
	"github.com/meshrtc/signaling/internal/v1/logging"
	"github.com/meshrtc/signaling/internal/v1/metrics"
	"github.com/meshrtc/signaling/internal/v1/protocol"
	"github.com/meshrtc/signaling/internal/v1/types"
)

const (
	// writeWait bounds a single frame write.
	writeWait = 10 * time.Second

	// authWait is how long a fresh connection may idle before its first
	// frame. Unauthenticated sockets are not worth keeping around.
	authWait = 30 * time.Second

	// pongWait is the read deadline between keepalives. A client that
	// answers no ping within this window is considered gone.
	pongWait = 60 * time.Second

	// pingPeriod must be shorter than pongWait so the deadline is always
	// refreshed by a live client.
	pingPeriod = (pongWait * 9) / 10

	// maxMessageSize caps inbound frames. SDP payloads run a few KB;
	// anything near this limit is garbage.
	maxMessageSize = 64 * 1024

	// sendQueueSize buffers outbound frames per connection. A full queue
	// drops frames for that client rather than stalling the room.
	sendQueueSize = 256
)

// wsConnection is the slice of *websocket.Conn the client uses. Tests
// substitute mock connections.
type wsConnection interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
	SetReadLimit(limit int64)
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
	SetPongHandler(h func(appData string) error)
}

// Client is one WebSocket connection. It starts unauthenticated; the first
// frame must carry a token, after which the connection is bound to the
// authenticated user for its lifetime. Two goroutines serve the socket:
// readPump decodes and dispatches inbound frames, writePump drains the send
// queue and emits keepalive pings.
type Client struct {
	conn wsConnection

	// send buffers outbound frames for writePump. It is never closed:
	// registries fan out to clients without coordinating with teardown, so
	// a late broadcast must find a dead letter queue, not a closed channel.
	// done signals writePump to stop instead.
	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once

	connID    uuid.UUID
	validator types.TokenValidator
	router    types.RoomRouter
	hub       *Hub

	mu   sync.RWMutex
	user *auth.AuthenticatedUser
}

func newClient(conn wsConnection, hub *Hub, validator types.TokenValidator, router types.RoomRouter) *Client {
	return &Client{
		conn:      conn,
		send:      make(chan []byte, sendQueueSize),
		done:      make(chan struct{}),
		connID:    uuid.New(),
		validator: validator,
		router:    router,
		hub:       hub,
	}
}

// User returns the authenticated identity. Valid only after the handshake;
// the registry never sees a client before then.
func (c *Client) User() auth.AuthenticatedUser {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return *c.user
}

// ConnectionID identifies this socket across re-logins of the same user.
func (c *Client) ConnectionID() uuid.UUID {
	return c.connID
}

func (c *Client) authenticated() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.user != nil
}

func (c *Client) setUser(u *auth.AuthenticatedUser) {
	c.mu.Lock()
	c.user = u
	c.mu.Unlock()
}

// Send enqueues a frame for delivery. It never blocks and never panics:
// frames arriving after close, or while the queue is full, are dropped,
// protecting the sender.
func (c *Client) Send(msg protocol.ServerMessage) {
	select {
	case <-c.done:
		return
	default:
	}

	data, err := protocol.EncodeServerMessage(msg)
	if err != nil {
		logging.Error(context.Background(), "Failed to encode server frame",
			zap.String("frame_type", string(msg.MessageType())), zap.Error(err))
		return
	}
	select {
	case c.send <- data:
	default:
		logging.Warn(context.Background(), "Client send queue full, dropping frame",
			zap.String("connection_id", c.connID.String()),
			zap.String("frame_type", string(msg.MessageType())))
	}
}

// close signals writePump to stop, exactly once. The send queue stays open
// so racing producers cannot hit a closed channel.
func (c *Client) close() {
	c.closeOnce.Do(func() { close(c.done) })
}

// readPump decodes inbound frames and routes them. It owns connection
// teardown: when the read loop exits for any reason the user is removed
// from every room and the socket is closed.
func (c *Client) readPump() {
	defer func() {
		if c.authenticated() {
			user := c.User()
			ctx := context.WithValue(context.Background(), logging.UserIDKey, user.UserID)
			c.router.RemoveUserFromAllRooms(ctx, user.UserID, c.connID)
			logging.Info(ctx, "Cleaned up user from all rooms")
		}
		c.hub.unregister(c)
		c.close()
		c.conn.Close()
		metrics.DecConnection()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(authWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		messageType, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logging.Warn(context.Background(), "WebSocket closed unexpectedly",
					zap.String("connection_id", c.connID.String()), zap.Error(err))
			}
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}

		c.conn.SetReadDeadline(time.Now().Add(pongWait))

		if !c.authenticated() {
			if !c.handleAuth(data) {
				return
			}
			continue
		}

		c.handleFrame(data)
	}
}

// writePump drains the send queue and keeps the connection alive with
// periodic pings. It exits when the client is closed or a write fails;
// closing the underlying socket then unblocks readPump, whose teardown
// removes the user from every room.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case <-c.done:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return
		case data := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// handleAuth processes the handshake frame. The canonical form is an auth
// frame, but any JSON object carrying a token field is accepted for client
// compatibility. Returns false when the connection must close.
func (c *Client) handleAuth(data []byte) bool {
	token, err := extractToken(data)
	if err != nil {
		c.rejectAuth(err)
		return false
	}

	user, err := c.validator.ValidateToken(token)
	if err != nil {
		c.rejectAuth(err)
		return false
	}

	c.setUser(user)
	c.hub.register(c)

	ctx := context.WithValue(context.Background(), logging.UserIDKey, user.UserID)
	logging.Info(ctx, "User authenticated", zap.String("username", user.Username),
		zap.String("connection_id", c.connID.String()))

	c.Send(protocol.NewAuthenticated(user.UserID, user.Username))
	metrics.FramesTotal.WithLabelValues(string(protocol.ClientAuth), "ok").Inc()
	return true
}

func (c *Client) rejectAuth(err error) {
	metrics.AuthFailures.Inc()
	metrics.FramesTotal.WithLabelValues(string(protocol.ClientAuth), "error").Inc()
	logging.Warn(context.Background(), "Authentication failed",
		zap.String("connection_id", c.connID.String()), zap.Error(err))
	c.Send(protocol.NewError(fmt.Sprintf("Authentication failed: %v", err)))

	// Let the write pump flush the error frame before the socket drops.
	time.Sleep(100 * time.Millisecond)
}

// extractToken pulls the credential out of the handshake frame: a proper
// auth frame first, then any JSON object with a token field.
func extractToken(data []byte) (string, error) {
	if msg, err := protocol.DecodeClientMessage(data); err == nil {
		if msg.Type != protocol.ClientAuth {
			return "", fmt.Errorf("expected auth message, got %s", msg.Type)
		}
		if msg.Token == "" {
			return "", fmt.Errorf("no token in auth message")
		}
		return msg.Token, nil
	}

	var generic map[string]json.RawMessage
	if err := json.Unmarshal(data, &generic); err != nil {
		return "", fmt.Errorf("invalid JSON in authentication message")
	}
	raw, ok := generic["token"]
	if !ok {
		return "", fmt.Errorf("no token field in authentication message")
	}
	var token string
	if err := json.Unmarshal(raw, &token); err != nil || token == "" {
		return "", fmt.Errorf("no token field in authentication message")
	}
	return token, nil
}

// handleFrame dispatches one post-handshake frame. Handler errors become
// error frames on this connection; they never close it.
func (c *Client) handleFrame(data []byte) {
	user := c.User()
	ctx := context.WithValue(context.Background(), logging.UserIDKey, user.UserID)

	msg, err := protocol.DecodeClientMessage(data)
	if err != nil {
		metrics.FramesTotal.WithLabelValues("unknown", "error").Inc()
		c.Send(protocol.NewError(fmt.Sprintf("Message handling error: %v", err)))
		return
	}

	if err := c.dispatch(ctx, user, msg); err != nil {
		metrics.FramesTotal.WithLabelValues(string(msg.Type), "error").Inc()
		logging.Warn(ctx, "Frame handling failed", zap.String("frame_type", string(msg.Type)), zap.Error(err))
		c.Send(protocol.NewError(fmt.Sprintf("Message handling error: %v", err)))
		return
	}
	metrics.FramesTotal.WithLabelValues(string(msg.Type), "ok").Inc()
}

func (c *Client) dispatch(ctx context.Context, user auth.AuthenticatedUser, msg *protocol.ClientMessage) error {
	switch msg.Type {
	case protocol.ClientAuth:
		c.Send(protocol.NewError("Authentication already completed"))
		return nil

	case protocol.ClientJoinRoom:
		return c.handleJoin(ctx, user, msg)

	case protocol.ClientLeaveRoom:
		return c.handleLeave(ctx, user, msg)

	case protocol.ClientOffer:
		if !c.router.UserInRoom(ctx, msg.RoomName, user.UserID) {
			c.Send(protocol.NewError("You are not in this room"))
			return nil
		}
		frame := protocol.NewOffer(msg.RoomName, user.UserID, msg.SDP)
		if msg.TargetUserID != nil {
			if err := c.router.SendToUserInRoom(ctx, msg.RoomName, *msg.TargetUserID, frame); err != nil {
				return fmt.Errorf("failed to send offer: %w", err)
			}
			return nil
		}
		return c.router.BroadcastToRoom(ctx, msg.RoomName, user.UserID, frame)

	case protocol.ClientAnswer:
		if !c.router.UserInRoom(ctx, msg.RoomName, user.UserID) {
			c.Send(protocol.NewError("You are not in this room"))
			return nil
		}
		if msg.TargetUserID == nil {
			// Answers are replies to a specific offer; an untargeted
			// answer is a protocol misuse.
			return fmt.Errorf("answer requires targetUserId")
		}
		frame := protocol.NewAnswer(msg.RoomName, user.UserID, msg.SDP)
		if err := c.router.SendToUserInRoom(ctx, msg.RoomName, *msg.TargetUserID, frame); err != nil {
			return fmt.Errorf("failed to send answer: %w", err)
		}
		return nil

	case protocol.ClientIceCandidate:
		if !c.router.UserInRoom(ctx, msg.RoomName, user.UserID) {
			c.Send(protocol.NewError("You are not in this room"))
			return nil
		}
		frame := protocol.NewIceCandidate(msg.RoomName, user.UserID, msg.Candidate, msg.SDPMid, msg.SDPMLineIndex)
		if msg.TargetUserID != nil {
			if err := c.router.SendToUserInRoom(ctx, msg.RoomName, *msg.TargetUserID, frame); err != nil {
				return fmt.Errorf("failed to send ICE candidate: %w", err)
			}
			return nil
		}
		return c.router.BroadcastToRoom(ctx, msg.RoomName, user.UserID, frame)

	default:
		return fmt.Errorf("unknown message type %q", msg.Type)
	}
}

func (c *Client) handleJoin(ctx context.Context, user auth.AuthenticatedUser, msg *protocol.ClientMessage) error {
	roomName := strings.TrimSpace(msg.RoomName)
	if roomName == "" {
		c.Send(protocol.NewError("Failed to join room: room name is empty"))
		return nil
	}

	ctx = context.WithValue(ctx, logging.RoomIDKey, roomName)
	participants, err := c.router.JoinRoom(ctx, roomName, c)
	if err != nil {
		c.Send(protocol.NewError(fmt.Sprintf("Failed to join room: %v", err)))
		return nil
	}

	logging.Info(ctx, "User joined room", zap.Int("existing_participants", len(participants)))
	c.Send(protocol.NewRoomJoined(roomName, user.UserID, participants))
	return nil
}

func (c *Client) handleLeave(ctx context.Context, user auth.AuthenticatedUser, msg *protocol.ClientMessage) error {
	ctx = context.WithValue(ctx, logging.RoomIDKey, msg.RoomName)
	if err := c.router.LeaveRoom(ctx, msg.RoomName, user.UserID); err != nil {
		c.Send(protocol.NewError(fmt.Sprintf("Failed to leave room: %v", err)))
		return nil
	}

	logging.Info(ctx, "User left room")
	c.Send(protocol.NewRoomLeft(msg.RoomName, user.UserID))
	return nil
}
