package cluster

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meshrtc/signaling/internal/v1/protocol"
)

type targetedDelivery struct {
	roomID string
	userID uint32
	msg    protocol.ServerMessage
}

type broadcastDelivery struct {
	roomID       string
	exceptUserID uint32
	msg          protocol.ServerMessage
}

// fakeDelivery records what the listener asks the local registry to do.
type fakeDelivery struct {
	mu         sync.Mutex
	targeted   []targetedDelivery
	broadcasts []broadcastDelivery
	userKnown  bool
}

func (f *fakeDelivery) DeliverToLocalUser(roomID string, userID uint32, msg protocol.ServerMessage) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.targeted = append(f.targeted, targetedDelivery{roomID, userID, msg})
	return f.userKnown
}

func (f *fakeDelivery) BroadcastToLocalRoom(roomID string, exceptUserID uint32, msg protocol.ServerMessage) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.broadcasts = append(f.broadcasts, broadcastDelivery{roomID, exceptUserID, msg})
}

func encode(t *testing.T, msg *Message) []byte {
	t.Helper()
	data, err := msg.Encode()
	require.NoError(t, err)
	return data
}

func TestListenerHandle_UserJoinedFansOutExcludingJoiner(t *testing.T) {
	local := &fakeDelivery{}
	l := NewListener(nil, "node-1", local)

	l.handle(context.Background(), encode(t, NewUserJoined("room", 5, "eve")))

	require.Len(t, local.broadcasts, 1)
	b := local.broadcasts[0]
	assert.Equal(t, "room", b.roomID)
	assert.Equal(t, uint32(5), b.exceptUserID)

	joined, ok := b.msg.(*protocol.UserJoined)
	require.True(t, ok)
	assert.Equal(t, "room", joined.RoomName)
	assert.Equal(t, protocol.Participant{UserID: 5, Username: "eve"}, joined.User)
}

func TestListenerHandle_UserLeft(t *testing.T) {
	local := &fakeDelivery{}
	l := NewListener(nil, "node-1", local)

	l.handle(context.Background(), encode(t, NewUserLeft("room", 5)))

	require.Len(t, local.broadcasts, 1)
	left, ok := local.broadcasts[0].msg.(*protocol.UserLeft)
	require.True(t, ok)
	assert.Equal(t, uint32(5), left.UserID)
}

func TestListenerHandle_TargetServerFilter(t *testing.T) {
	local := &fakeDelivery{userKnown: true}
	l := NewListener(nil, "node-1", local)

	// Addressed elsewhere: ignored entirely.
	other := NewWebRTCSignal("room", 1, 2, SignalOffer, "v=0...", "node-2")
	l.handle(context.Background(), encode(t, other))
	assert.Empty(t, local.targeted)

	// Addressed here: delivered.
	mine := NewWebRTCSignal("room", 1, 2, SignalOffer, "v=0...", "node-1")
	l.handle(context.Background(), encode(t, mine))
	require.Len(t, local.targeted, 1)
}

func TestListenerHandle_SignalReconstruction(t *testing.T) {
	cases := []struct {
		signalType string
		check      func(t *testing.T, msg protocol.ServerMessage)
	}{
		{SignalOffer, func(t *testing.T, msg protocol.ServerMessage) {
			offer, ok := msg.(*protocol.Offer)
			require.True(t, ok)
			assert.Equal(t, "room", offer.RoomName)
			assert.Equal(t, uint32(1), offer.FromUserID)
			assert.Equal(t, "payload", offer.SDP)
		}},
		{SignalAnswer, func(t *testing.T, msg protocol.ServerMessage) {
			answer, ok := msg.(*protocol.Answer)
			require.True(t, ok)
			assert.Equal(t, "payload", answer.SDP)
		}},
		{SignalIceCandidate, func(t *testing.T, msg protocol.ServerMessage) {
			ice, ok := msg.(*protocol.IceCandidate)
			require.True(t, ok)
			assert.Equal(t, "payload", ice.Candidate)
		}},
	}

	for _, tc := range cases {
		t.Run(tc.signalType, func(t *testing.T) {
			local := &fakeDelivery{userKnown: true}
			l := NewListener(nil, "node-1", local)

			l.handle(context.Background(), encode(t,
				NewWebRTCSignal("room", 1, 2, tc.signalType, "payload", "node-1")))

			require.Len(t, local.targeted, 1)
			assert.Equal(t, "room", local.targeted[0].roomID)
			assert.Equal(t, uint32(2), local.targeted[0].userID)
			tc.check(t, local.targeted[0].msg)
		})
	}
}

func TestListenerHandle_UnknownSignalTypeDropped(t *testing.T) {
	local := &fakeDelivery{userKnown: true}
	l := NewListener(nil, "node-1", local)

	l.handle(context.Background(), encode(t,
		NewWebRTCSignal("room", 1, 2, "renegotiate", "payload", "node-1")))

	assert.Empty(t, local.targeted)
}

func TestListenerHandle_MalformedPayloadIgnored(t *testing.T) {
	local := &fakeDelivery{}
	l := NewListener(nil, "node-1", local)

	l.handle(context.Background(), []byte(`{"type":"gossip"}`))
	l.handle(context.Background(), []byte(`garbage`))

	assert.Empty(t, local.broadcasts)
	assert.Empty(t, local.targeted)
}
