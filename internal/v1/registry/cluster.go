package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/meshrtc/signaling/internal/v1/bus"
	"github.com/meshrtc/signaling/internal/v1/cluster"
	"github.com/meshrtc/signaling/internal/v1/logging"
	"github.com/meshrtc/signaling/internal/v1/metrics"
	"github.com/meshrtc/signaling/internal/v1/protocol"
)

// Cluster is this node's view of the shared registry in Redis: room
// placement hashes plus this node's own connection records. It performs no
// fallback itself; the Router decides when to consult it.
type Cluster struct {
	svc    *bus.Service
	nodeID string
}

func NewCluster(svc *bus.Service, nodeID string) *Cluster {
	return &Cluster{svc: svc, nodeID: nodeID}
}

// RegisterUser records placement for a join: the room hash maps the user to
// this node, and this node's connections hash keeps the full record for
// disconnect cleanup and username resolution.
func (c *Cluster) RegisterUser(ctx context.Context, info cluster.ConnectionInfo) error {
	field := strconv.FormatUint(uint64(info.UserID), 10)

	if err := c.svc.HSet(ctx, cluster.RoomParticipantsKey(info.RoomID), field, c.nodeID); err != nil {
		return fmt.Errorf("register room placement: %w", err)
	}

	raw, err := json.Marshal(info)
	if err != nil {
		return fmt.Errorf("encode connection info: %w", err)
	}
	if err := c.svc.HSet(ctx, cluster.ServerConnectionsKey(c.nodeID), field, string(raw)); err != nil {
		return fmt.Errorf("register connection record: %w", err)
	}
	return nil
}

// UnregisterUser removes placement for an explicit leave.
func (c *Cluster) UnregisterUser(ctx context.Context, roomID string, userID uint32) error {
	field := strconv.FormatUint(uint64(userID), 10)

	if err := c.svc.HDel(ctx, cluster.RoomParticipantsKey(roomID), field); err != nil {
		return fmt.Errorf("unregister room placement: %w", err)
	}
	if err := c.svc.HDel(ctx, cluster.ServerConnectionsKey(c.nodeID), field); err != nil {
		return fmt.Errorf("unregister connection record: %w", err)
	}
	return nil
}

// RemovePlacement deletes a user's entry from one room hash without
// touching any connection record. Used for cleanup of rooms the connection
// record no longer references.
func (c *Cluster) RemovePlacement(ctx context.Context, roomID string, userID uint32) error {
	return c.svc.HDel(ctx, cluster.RoomParticipantsKey(roomID), strconv.FormatUint(uint64(userID), 10))
}

// Participants resolves the cluster-wide membership of a room. Usernames
// live in each hosting node's connections hash; entries that no longer
// resolve are skipped as stale rather than failing the whole read.
func (c *Cluster) Participants(ctx context.Context, roomID string) ([]protocol.Participant, error) {
	placement, err := c.svc.HGetAll(ctx, cluster.RoomParticipantsKey(roomID))
	if err != nil {
		return nil, fmt.Errorf("read room placement: %w", err)
	}

	out := make([]protocol.Participant, 0, len(placement))
	for userField, nodeID := range placement {
		userID, err := strconv.ParseUint(userField, 10, 32)
		if err != nil {
			logging.Warn(ctx, "Skipping malformed registry entry",
				zap.String("room_id", roomID), zap.String("field", userField))
			continue
		}

		raw, err := c.svc.HGet(ctx, cluster.ServerConnectionsKey(nodeID), userField)
		if err != nil {
			if !errors.Is(err, bus.ErrNotFound) {
				logging.Warn(ctx, "Failed to resolve participant record",
					zap.String("room_id", roomID), zap.Uint64("user_id", userID), zap.Error(err))
			}
			continue
		}

		var info cluster.ConnectionInfo
		if err := json.Unmarshal([]byte(raw), &info); err != nil {
			logging.Warn(ctx, "Skipping undecodable connection record",
				zap.String("node_id", nodeID), zap.Uint64("user_id", userID), zap.Error(err))
			continue
		}

		out = append(out, protocol.Participant{UserID: uint32(userID), Username: info.Username})
	}
	return out, nil
}

// FindUserNode returns the node hosting userID in the room, or
// bus.ErrNotFound when the user has no placement there.
func (c *Cluster) FindUserNode(ctx context.Context, roomID string, userID uint32) (string, error) {
	return c.svc.HGet(ctx, cluster.RoomParticipantsKey(roomID), strconv.FormatUint(uint64(userID), 10))
}

// UserInRoom reports cluster-wide membership.
func (c *Cluster) UserInRoom(ctx context.Context, roomID string, userID uint32) (bool, error) {
	return c.svc.HExists(ctx, cluster.RoomParticipantsKey(roomID), strconv.FormatUint(uint64(userID), 10))
}

// RemoveConnection cleans up this node's record for a disconnecting user.
// The stored connection id gates the delete: if the user already logged in
// again through another connection, the newer record stays. Returns the
// room the connection was registered in, or ok=false when nothing matched.
func (c *Cluster) RemoveConnection(ctx context.Context, userID uint32, connectionID uuid.UUID) (roomID string, ok bool, err error) {
	field := strconv.FormatUint(uint64(userID), 10)

	raw, err := c.svc.HGet(ctx, cluster.ServerConnectionsKey(c.nodeID), field)
	if err != nil {
		if errors.Is(err, bus.ErrNotFound) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("read connection record: %w", err)
	}

	var info cluster.ConnectionInfo
	if err := json.Unmarshal([]byte(raw), &info); err != nil {
		return "", false, fmt.Errorf("decode connection record: %w", err)
	}
	if info.ConnectionID != connectionID {
		return "", false, nil
	}

	if err := c.UnregisterUser(ctx, info.RoomID, userID); err != nil {
		return "", false, err
	}
	return info.RoomID, true, nil
}

// PublishMessage puts a frame on the cluster message channel.
func (c *Cluster) PublishMessage(ctx context.Context, msg *cluster.Message) error {
	payload, err := msg.Encode()
	if err != nil {
		return fmt.Errorf("encode cluster message: %w", err)
	}
	if err := c.svc.Publish(ctx, bus.ChannelMessages, payload); err != nil {
		return err
	}
	metrics.ClusterMessages.WithLabelValues(string(msg.Type), "sent").Inc()
	return nil
}
