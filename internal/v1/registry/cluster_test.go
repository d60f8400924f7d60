package registry

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meshrtc/signaling/internal/v1/bus"
	"github.com/meshrtc/signaling/internal/v1/cluster"
	"github.com/meshrtc/signaling/internal/v1/protocol"
)

func newTestBus(t *testing.T) (*bus.Service, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)

	svc, err := bus.NewService("redis://" + mr.Addr())
	require.NoError(t, err)

	t.Cleanup(func() {
		_ = svc.Close()
		mr.Close()
	})
	return svc, mr
}

func registerTestUser(t *testing.T, c *Cluster, roomID string, userID uint32, username string) uuid.UUID {
	t.Helper()
	connID := uuid.New()
	err := c.RegisterUser(context.Background(), cluster.ConnectionInfo{
		UserID:       userID,
		Username:     username,
		RoomID:       roomID,
		ConnectedAt:  time.Now().UTC(),
		ConnectionID: connID,
	})
	require.NoError(t, err)
	return connID
}

func TestClusterRegisterUser_WritesBothHashes(t *testing.T) {
	svc, mr := newTestBus(t)
	c := NewCluster(svc, "node-1")

	registerTestUser(t, c, "standup", 42, "alice")

	assert.Equal(t, "node-1", mr.HGet("rooms:standup:participants", "42"))
	assert.True(t, mr.Exists("servers:node-1:connections"))

	node, err := c.FindUserNode(context.Background(), "standup", 42)
	require.NoError(t, err)
	assert.Equal(t, "node-1", node)
}

func TestClusterParticipants_ResolvesUsernames(t *testing.T) {
	svc, _ := newTestBus(t)
	c := NewCluster(svc, "node-1")

	registerTestUser(t, c, "standup", 2, "bob")
	registerTestUser(t, c, "standup", 1, "alice")

	participants, err := c.Participants(context.Background(), "standup")
	require.NoError(t, err)
	assert.ElementsMatch(t, []protocol.Participant{
		{UserID: 1, Username: "alice"},
		{UserID: 2, Username: "bob"},
	}, participants)
}

func TestClusterParticipants_SkipsStaleEntries(t *testing.T) {
	svc, mr := newTestBus(t)
	c := NewCluster(svc, "node-1")

	registerTestUser(t, c, "standup", 1, "alice")

	// A placement pointing at a node with no connection record is stale
	// and must not poison the read.
	mr.HSet("rooms:standup:participants", "99", "node-gone")

	participants, err := c.Participants(context.Background(), "standup")
	require.NoError(t, err)
	require.Len(t, participants, 1)
	assert.Equal(t, uint32(1), participants[0].UserID)
}

func TestClusterUnregisterUser(t *testing.T) {
	svc, mr := newTestBus(t)
	c := NewCluster(svc, "node-1")

	registerTestUser(t, c, "standup", 42, "alice")
	require.NoError(t, c.UnregisterUser(context.Background(), "standup", 42))

	assert.Empty(t, mr.HGet("rooms:standup:participants", "42"))

	_, err := c.FindUserNode(context.Background(), "standup", 42)
	assert.ErrorIs(t, err, bus.ErrNotFound)
}

func TestClusterUserInRoom(t *testing.T) {
	svc, _ := newTestBus(t)
	c := NewCluster(svc, "node-1")

	registerTestUser(t, c, "standup", 42, "alice")

	ok, err := c.UserInRoom(context.Background(), "standup", 42)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = c.UserInRoom(context.Background(), "standup", 7)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestClusterRemoveConnection_MatchingID(t *testing.T) {
	svc, _ := newTestBus(t)
	c := NewCluster(svc, "node-1")

	connID := registerTestUser(t, c, "standup", 42, "alice")

	roomID, ok, err := c.RemoveConnection(context.Background(), 42, connID)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "standup", roomID)

	inRoom, err := c.UserInRoom(context.Background(), "standup", 42)
	require.NoError(t, err)
	assert.False(t, inRoom)
}

func TestClusterRemoveConnection_StaleIDPreservesNewLogin(t *testing.T) {
	svc, _ := newTestBus(t)
	c := NewCluster(svc, "node-1")

	registerTestUser(t, c, "standup", 42, "alice")

	// Disconnect of an older connection must not remove the record the
	// fresh login just wrote.
	_, ok, err := c.RemoveConnection(context.Background(), 42, uuid.New())
	require.NoError(t, err)
	assert.False(t, ok)

	inRoom, err := c.UserInRoom(context.Background(), "standup", 42)
	require.NoError(t, err)
	assert.True(t, inRoom)
}

func TestClusterRemoveConnection_NoRecord(t *testing.T) {
	svc, _ := newTestBus(t)
	c := NewCluster(svc, "node-1")

	_, ok, err := c.RemoveConnection(context.Background(), 7, uuid.New())
	require.NoError(t, err)
	assert.False(t, ok)
}
