package registry

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meshrtc/signaling/internal/v1/protocol"
)

func TestLocalJoin_ReturnsPreExistingParticipants(t *testing.T) {
	l := NewLocal()
	alice := newFakeConn(1, "alice")
	bob := newFakeConn(2, "bob")

	existing, err := l.Join("room", alice, true)
	require.NoError(t, err)
	assert.Empty(t, existing)

	existing, err = l.Join("room", bob, true)
	require.NoError(t, err)
	require.Len(t, existing, 1)
	assert.Equal(t, protocol.Participant{UserID: 1, Username: "alice"}, existing[0])
}

func TestLocalJoin_Duplicate(t *testing.T) {
	l := NewLocal()
	alice := newFakeConn(1, "alice")

	_, err := l.Join("room", alice, true)
	require.NoError(t, err)

	_, err = l.Join("room", alice, true)
	assert.ErrorIs(t, err, ErrAlreadyInRoom)
}

func TestLocalJoin_AnnounceNotifiesExistingMembersOnly(t *testing.T) {
	l := NewLocal()
	alice := newFakeConn(1, "alice")
	bob := newFakeConn(2, "bob")

	_, err := l.Join("room", alice, true)
	require.NoError(t, err)
	_, err = l.Join("room", bob, true)
	require.NoError(t, err)

	require.Len(t, alice.Frames(), 1)
	joined, ok := alice.Frames()[0].(*protocol.UserJoined)
	require.True(t, ok)
	assert.Equal(t, uint32(2), joined.User.UserID)
	assert.Equal(t, "bob", joined.User.Username)

	// The joiner itself hears nothing from the local registry.
	assert.Empty(t, bob.Frames())
}

func TestLocalJoin_SilentMode(t *testing.T) {
	l := NewLocal()
	alice := newFakeConn(1, "alice")
	bob := newFakeConn(2, "bob")

	_, err := l.Join("room", alice, false)
	require.NoError(t, err)
	_, err = l.Join("room", bob, false)
	require.NoError(t, err)

	assert.Empty(t, alice.Frames())
	assert.Empty(t, bob.Frames())
}

func TestLocalLeave(t *testing.T) {
	l := NewLocal()
	alice := newFakeConn(1, "alice")
	bob := newFakeConn(2, "bob")

	_, _ = l.Join("room", alice, false)
	_, _ = l.Join("room", bob, false)

	require.NoError(t, l.Leave("room", 2, true))

	require.Len(t, alice.Frames(), 1)
	left, ok := alice.Frames()[0].(*protocol.UserLeft)
	require.True(t, ok)
	assert.Equal(t, uint32(2), left.UserID)

	assert.False(t, l.UserInRoom("room", 2))
	assert.True(t, l.UserInRoom("room", 1))
}

func TestLocalLeave_Errors(t *testing.T) {
	l := NewLocal()
	alice := newFakeConn(1, "alice")

	assert.ErrorIs(t, l.Leave("nowhere", 1, true), ErrRoomNotFound)

	_, _ = l.Join("room", alice, false)
	assert.ErrorIs(t, l.Leave("room", 99, true), ErrNotInRoom)
}

func TestLocalLeave_LastMemberDropsRoom(t *testing.T) {
	l := NewLocal()
	alice := newFakeConn(1, "alice")

	_, _ = l.Join("room", alice, false)
	require.NoError(t, l.Leave("room", 1, true))

	// A fresh join sees an empty room, not a stale one.
	existing, err := l.Join("room", newFakeConn(2, "bob"), false)
	require.NoError(t, err)
	assert.Empty(t, existing)
}

func TestLocalBroadcastToOthers(t *testing.T) {
	l := NewLocal()
	alice := newFakeConn(1, "alice")
	bob := newFakeConn(2, "bob")
	carol := newFakeConn(3, "carol")

	_, _ = l.Join("room", alice, false)
	_, _ = l.Join("room", bob, false)
	_, _ = l.Join("room", carol, false)

	l.BroadcastToOthers("room", 1, protocol.NewOffer("room", 1, "v=0..."))

	assert.Empty(t, alice.Frames())
	require.Len(t, bob.Frames(), 1)
	require.Len(t, carol.Frames(), 1)

	// Unknown room is a no-op.
	l.BroadcastToOthers("ghost", 1, protocol.NewOffer("ghost", 1, "v=0..."))
}

func TestLocalSendToUser(t *testing.T) {
	l := NewLocal()
	alice := newFakeConn(1, "alice")
	_, _ = l.Join("room", alice, false)

	ok := l.SendToUser("room", 1, protocol.NewAnswer("room", 2, "v=0..."))
	assert.True(t, ok)
	assert.Len(t, alice.Frames(), 1)

	assert.False(t, l.SendToUser("room", 99, protocol.NewAnswer("room", 2, "v=0...")))
	assert.False(t, l.SendToUser("ghost", 1, protocol.NewAnswer("ghost", 2, "v=0...")))
}

func TestLocalParticipants_Sorted(t *testing.T) {
	l := NewLocal()
	_, _ = l.Join("room", newFakeConn(30, "c"), false)
	_, _ = l.Join("room", newFakeConn(10, "a"), false)
	_, _ = l.Join("room", newFakeConn(20, "b"), false)

	got := l.Participants("room")
	assert.Equal(t, []protocol.Participant{
		{UserID: 10, Username: "a"},
		{UserID: 20, Username: "b"},
		{UserID: 30, Username: "c"},
	}, got)
}

func TestLocalRemoveFromAllRooms(t *testing.T) {
	l := NewLocal()
	alice := newFakeConn(1, "alice")
	bob := newFakeConn(2, "bob")

	_, _ = l.Join("room-a", alice, false)
	_, _ = l.Join("room-b", alice, false)
	_, _ = l.Join("room-a", bob, false)

	rooms := l.RemoveFromAllRooms(1, alice.ConnectionID(), true)
	assert.ElementsMatch(t, []string{"room-a", "room-b"}, rooms)

	assert.False(t, l.UserInRoom("room-a", 1))
	assert.False(t, l.UserInRoom("room-b", 1))
	assert.True(t, l.UserInRoom("room-a", 2))

	// Bob shared room-a and hears about the departure.
	require.Len(t, bob.Frames(), 1)
	left, ok := bob.Frames()[0].(*protocol.UserLeft)
	require.True(t, ok)
	assert.Equal(t, uint32(1), left.UserID)
}

func TestLocalRemoveFromAllRooms_ConnectionIDGate(t *testing.T) {
	l := NewLocal()
	alice := newFakeConn(1, "alice")
	_, _ = l.Join("room", alice, false)

	// A stale disconnect from a previous connection must not evict the
	// current login.
	rooms := l.RemoveFromAllRooms(1, uuid.New(), true)
	assert.Empty(t, rooms)
	assert.True(t, l.UserInRoom("room", 1))
}
