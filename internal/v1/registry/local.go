// Package registry tracks room membership. The Local registry is the
// per-node source of truth for delivery (which connection a frame goes to);
// the Cluster registry is the shared source of truth for placement (which
// node a user is on). The Router composes the two and picks routes based on
// coordinator health.
package registry

import (
	"errors"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/meshrtc/signaling/internal/v1/metrics"
	"github.com/meshrtc/signaling/internal/v1/protocol"
	"github.com/meshrtc/signaling/internal/v1/types"
)

var (
	ErrAlreadyInRoom = errors.New("already in room")
	ErrNotInRoom     = errors.New("not in room")
	ErrRoomNotFound  = errors.New("room not found")
)

func sortParticipants(p []protocol.Participant) {
	sort.Slice(p, func(i, j int) bool { return p[i].UserID < p[j].UserID })
}

// Local holds the rooms whose members are connected to this node. All
// methods are safe for concurrent use. Sends happen outside the lock so a
// slow client cannot stall membership changes.
type Local struct {
	mu    sync.RWMutex
	rooms map[string]map[uint32]types.ClientConn
}

func NewLocal() *Local {
	return &Local{rooms: make(map[string]map[uint32]types.ClientConn)}
}

// Join adds the connection to the room, creating the room on first join,
// and returns the participants that were present before the insert. When
// announce is true the existing members are notified directly; callers in
// cluster mode pass false and let the bus delta drive the notification so
// each member hears about the join exactly once.
func (l *Local) Join(roomName string, conn types.ClientConn, announce bool) ([]protocol.Participant, error) {
	user := conn.User()

	l.mu.Lock()
	room, ok := l.rooms[roomName]
	if !ok {
		room = make(map[uint32]types.ClientConn)
		l.rooms[roomName] = room
		metrics.ActiveRooms.Inc()
	}
	if _, dup := room[user.UserID]; dup {
		l.mu.Unlock()
		return nil, ErrAlreadyInRoom
	}

	existing := make([]protocol.Participant, 0, len(room))
	peers := make([]types.ClientConn, 0, len(room))
	for _, c := range room {
		u := c.User()
		existing = append(existing, protocol.Participant{UserID: u.UserID, Username: u.Username})
		peers = append(peers, c)
	}

	room[user.UserID] = conn
	metrics.RoomParticipants.WithLabelValues(roomName).Set(float64(len(room)))
	l.mu.Unlock()

	sortParticipants(existing)

	if announce {
		joined := protocol.NewUserJoined(roomName, protocol.Participant{UserID: user.UserID, Username: user.Username})
		for _, c := range peers {
			c.Send(joined)
		}
	}

	return existing, nil
}

// Leave removes the user from the room, dropping the room when it empties.
// With announce set the remaining members receive the user-left frame.
func (l *Local) Leave(roomName string, userID uint32, announce bool) error {
	l.mu.Lock()
	room, ok := l.rooms[roomName]
	if !ok {
		l.mu.Unlock()
		return ErrRoomNotFound
	}
	if _, member := room[userID]; !member {
		l.mu.Unlock()
		return ErrNotInRoom
	}

	delete(room, userID)
	remaining := make([]types.ClientConn, 0, len(room))
	for _, c := range room {
		remaining = append(remaining, c)
	}
	l.dropRoomIfEmptyLocked(roomName, room)
	l.mu.Unlock()

	if announce {
		left := protocol.NewUserLeft(roomName, userID)
		for _, c := range remaining {
			c.Send(left)
		}
	}

	return nil
}

// BroadcastToOthers fans a frame out to every local member except
// exceptUserID. Missing rooms are a no-op: a cluster delta can reference a
// room with no local members.
func (l *Local) BroadcastToOthers(roomName string, exceptUserID uint32, msg protocol.ServerMessage) {
	l.mu.RLock()
	room := l.rooms[roomName]
	targets := make([]types.ClientConn, 0, len(room))
	for id, c := range room {
		if id != exceptUserID {
			targets = append(targets, c)
		}
	}
	l.mu.RUnlock()

	for _, c := range targets {
		c.Send(msg)
	}
}

// SendToUser delivers a frame to one local member. Returns false when the
// user has no connection in this room on this node.
func (l *Local) SendToUser(roomName string, userID uint32, msg protocol.ServerMessage) bool {
	l.mu.RLock()
	conn, ok := l.rooms[roomName][userID]
	l.mu.RUnlock()

	if !ok {
		return false
	}
	conn.Send(msg)
	return true
}

// UserInRoom reports local membership.
func (l *Local) UserInRoom(roomName string, userID uint32) bool {
	l.mu.RLock()
	_, ok := l.rooms[roomName][userID]
	l.mu.RUnlock()
	return ok
}

// Participants returns the local membership of a room, sorted by user id.
func (l *Local) Participants(roomName string) []protocol.Participant {
	l.mu.RLock()
	room := l.rooms[roomName]
	out := make([]protocol.Participant, 0, len(room))
	for _, c := range room {
		u := c.User()
		out = append(out, protocol.Participant{UserID: u.UserID, Username: u.Username})
	}
	l.mu.RUnlock()

	sortParticipants(out)
	return out
}

// RemoveFromAllRooms tears down every membership of userID whose stored
// connection matches connectionID, returning the rooms that were left. A
// membership under a different connection id belongs to a newer login and
// is preserved.
func (l *Local) RemoveFromAllRooms(userID uint32, connectionID uuid.UUID, announce bool) []string {
	type departure struct {
		room      string
		remaining []types.ClientConn
	}

	l.mu.Lock()
	var departures []departure
	for roomName, room := range l.rooms {
		conn, ok := room[userID]
		if !ok || conn.ConnectionID() != connectionID {
			continue
		}
		delete(room, userID)
		remaining := make([]types.ClientConn, 0, len(room))
		for _, c := range room {
			remaining = append(remaining, c)
		}
		departures = append(departures, departure{room: roomName, remaining: remaining})
		l.dropRoomIfEmptyLocked(roomName, room)
	}
	l.mu.Unlock()

	rooms := make([]string, 0, len(departures))
	for _, d := range departures {
		rooms = append(rooms, d.room)
		if announce {
			left := protocol.NewUserLeft(d.room, userID)
			for _, c := range d.remaining {
				c.Send(left)
			}
		}
	}
	return rooms
}

// dropRoomIfEmptyLocked deletes an emptied room and its metric series.
// Callers hold the write lock.
func (l *Local) dropRoomIfEmptyLocked(roomName string, room map[uint32]types.ClientConn) {
	if len(room) == 0 {
		delete(l.rooms, roomName)
		metrics.ActiveRooms.Dec()
		metrics.RoomParticipants.DeleteLabelValues(roomName)
		return
	}
	metrics.RoomParticipants.WithLabelValues(roomName).Set(float64(len(room)))
}
