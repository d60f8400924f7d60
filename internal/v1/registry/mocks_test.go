package registry

import (
	"sync"

	"github.com/google/uuid"

	"github.com/meshrtc/signaling/internal/v1/auth"
	"github.com/meshrtc/signaling/internal/v1/protocol"
)

// fakeConn is a ClientConn that records every frame sent to it.
type fakeConn struct {
	user   auth.AuthenticatedUser
	connID uuid.UUID

	mu     sync.Mutex
	frames []protocol.ServerMessage
}

func newFakeConn(userID uint32, username string) *fakeConn {
	return &fakeConn{
		user:   auth.AuthenticatedUser{UserID: userID, Username: username},
		connID: uuid.New(),
	}
}

func (f *fakeConn) User() auth.AuthenticatedUser { return f.user }
func (f *fakeConn) ConnectionID() uuid.UUID      { return f.connID }

func (f *fakeConn) Send(msg protocol.ServerMessage) {
	f.mu.Lock()
	f.frames = append(f.frames, msg)
	f.mu.Unlock()
}

func (f *fakeConn) Frames() []protocol.ServerMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]protocol.ServerMessage, len(f.frames))
	copy(out, f.frames)
	return out
}

// stubHealth is a HealthReporter with a fixed answer.
type stubHealth struct{ healthy bool }

func (s *stubHealth) IsHealthy() bool { return s.healthy }
