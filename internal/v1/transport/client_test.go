package transport

import (
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meshrtc/signaling/internal/v1/auth"
	"github.com/meshrtc/signaling/internal/v1/protocol"
	"github.com/meshrtc/signaling/internal/v1/registry"
)

// stubConn satisfies wsConnection without a real socket.
type stubConn struct{}

func (stubConn) ReadMessage() (int, []byte, error)         { return 0, nil, io.EOF }
func (stubConn) WriteMessage(int, []byte) error            { return nil }
func (stubConn) Close() error                              { return nil }
func (stubConn) SetReadLimit(int64)                        {}
func (stubConn) SetReadDeadline(time.Time) error           { return nil }
func (stubConn) SetWriteDeadline(time.Time) error          { return nil }
func (stubConn) SetPongHandler(func(appData string) error) {}

func newStubClient() *Client {
	validator := auth.NewValidator(testSecret)
	router := registry.NewSingleNodeRouter(registry.NewLocal(), "test-node")
	hub := NewHub(validator, router, nil)
	return newClient(stubConn{}, hub, validator, router)
}

func TestClientSend_AfterCloseDropsFrame(t *testing.T) {
	c := newStubClient()
	c.close()

	// A registry fan-out can race teardown; a frame landing on a closed
	// client is dropped, never a panic.
	require.NotPanics(t, func() {
		c.Send(protocol.NewError("late frame"))
	})
	assert.Empty(t, c.send)
}

func TestClientClose_Idempotent(t *testing.T) {
	c := newStubClient()
	require.NotPanics(t, func() {
		c.close()
		c.close()
	})
}

func TestClientSend_ConcurrentWithClose(t *testing.T) {
	c := newStubClient()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 1000; i++ {
			c.Send(protocol.NewUserLeft("standup", 99))
		}
	}()
	c.close()
	<-done
}

func TestClientSend_QueueFullDrops(t *testing.T) {
	c := newStubClient()

	// No writePump is draining, so the queue fills and overflow is dropped.
	require.NotPanics(t, func() {
		for i := 0; i < sendQueueSize+10; i++ {
			c.Send(protocol.NewError("fill"))
		}
	})
	assert.Len(t, c.send, sendQueueSize)
}
