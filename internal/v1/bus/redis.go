// Package bus wraps the shared coordinator: a Redis instance providing the
// hash registry, per-key TTLs, and the pub/sub channels that carry
// cluster-bus frames between nodes.
package bus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker"

	"github.com/meshrtc/signaling/internal/v1/metrics"
)

// Pub/sub channels shared by every node.
const (
	// ChannelMessages carries the routing plane: membership deltas and
	// cross-node targeted signals.
	ChannelMessages = "cluster:messages"

	// ChannelEvents carries heartbeats for observability.
	ChannelEvents = "cluster:events"
)

// ErrNotFound is returned when a hash field or key does not exist.
var ErrNotFound = errors.New("not found")

// Service handles all interaction with the shared Redis coordinator.
type Service struct {
	client *redis.Client
	cb     *gobreaker.CircuitBreaker
}

// Client returns the underlying Redis client.
func (s *Service) Client() *redis.Client {
	if s == nil {
		return nil
	}
	return s.client
}

// NewService connects to the coordinator at the given URL
// (redis://host:port or redis://:password@host:port) and verifies the
// connection with a ping.
func NewService(redisURL string) (*Service, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}
	opts.DialTimeout = 10 * time.Second
	opts.ReadTimeout = 30 * time.Second
	opts.WriteTimeout = 30 * time.Second

	rdb := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	st := gobreaker.Settings{
		Name:        "redis",
		MaxRequests: 5,
		Interval:    1 * time.Minute,
		Timeout:     15 * time.Second,
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			var stateVal float64
			switch to {
			case gobreaker.StateClosed:
				stateVal = 0
			case gobreaker.StateOpen:
				stateVal = 1
			case gobreaker.StateHalfOpen:
				stateVal = 2
			}
			metrics.CircuitBreakerState.WithLabelValues("redis").Set(stateVal)
		},
	}

	slog.Info("Connected to Redis coordinator", "addr", opts.Addr)
	return &Service{
		client: rdb,
		cb:     gobreaker.NewCircuitBreaker(st),
	}, nil
}

func (s *Service) execute(op func() (interface{}, error)) (interface{}, error) {
	res, err := s.cb.Execute(op)
	if err != nil && err == gobreaker.ErrOpenState {
		metrics.CircuitBreakerFailures.WithLabelValues("redis").Inc()
	}
	return res, err
}

// HSet stores a field in a hash.
func (s *Service) HSet(ctx context.Context, key, field, value string) error {
	_, err := s.execute(func() (interface{}, error) {
		return nil, s.client.HSet(ctx, key, field, value).Err()
	})
	if err != nil {
		return fmt.Errorf("hset %s %s: %w", key, field, err)
	}
	return nil
}

// HGet reads a field from a hash. Returns ErrNotFound for a missing field.
func (s *Service) HGet(ctx context.Context, key, field string) (string, error) {
	res, err := s.execute(func() (interface{}, error) {
		return s.client.HGet(ctx, key, field).Result()
	})
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", ErrNotFound
		}
		return "", fmt.Errorf("hget %s %s: %w", key, field, err)
	}
	return res.(string), nil
}

// HDel removes fields from a hash.
func (s *Service) HDel(ctx context.Context, key string, fields ...string) error {
	_, err := s.execute(func() (interface{}, error) {
		return nil, s.client.HDel(ctx, key, fields...).Err()
	})
	if err != nil {
		return fmt.Errorf("hdel %s: %w", key, err)
	}
	return nil
}

// HGetAll reads an entire hash. A missing key yields an empty map.
func (s *Service) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	res, err := s.execute(func() (interface{}, error) {
		return s.client.HGetAll(ctx, key).Result()
	})
	if err != nil {
		return nil, fmt.Errorf("hgetall %s: %w", key, err)
	}
	return res.(map[string]string), nil
}

// HExists reports whether a hash field exists.
func (s *Service) HExists(ctx context.Context, key, field string) (bool, error) {
	res, err := s.execute(func() (interface{}, error) {
		return s.client.HExists(ctx, key, field).Result()
	})
	if err != nil {
		return false, fmt.Errorf("hexists %s %s: %w", key, field, err)
	}
	return res.(bool), nil
}

// SetWithTTL stores a scalar value that expires after ttl.
func (s *Service) SetWithTTL(ctx context.Context, key, value string, ttl time.Duration) error {
	_, err := s.execute(func() (interface{}, error) {
		return nil, s.client.Set(ctx, key, value, ttl).Err()
	})
	if err != nil {
		return fmt.Errorf("set %s: %w", key, err)
	}
	return nil
}

// Publish broadcasts a raw payload on a channel.
func (s *Service) Publish(ctx context.Context, channel string, payload []byte) error {
	_, err := s.execute(func() (interface{}, error) {
		return nil, s.client.Publish(ctx, channel, payload).Err()
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) {
			slog.Warn("Redis circuit breaker open: dropping publish", "channel", channel)
			return err
		}
		slog.Error("Redis publish failed", "channel", channel, "error", err)
		return err
	}
	return nil
}

// Subscribe starts a background goroutine that invokes handler for every
// payload received on the channel, until the context is cancelled.
func (s *Service) Subscribe(ctx context.Context, channel string, wg *sync.WaitGroup, handler func(payload []byte)) {
	// Long-lived subscriptions don't fit a request/response circuit
	// breaker; connection failures surface as a closed message channel.
	pubsub := s.client.Subscribe(ctx, channel)

	if wg != nil {
		wg.Add(1)
	}
	go func() {
		defer pubsub.Close()
		if wg != nil {
			defer wg.Done()
		}

		slog.Info("Subscribed to Redis channel", "channel", channel)

		ch := pubsub.Channel()

		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					slog.Warn("Redis subscription channel closed", "channel", channel)
					return
				}
				handler([]byte(msg.Payload))
			}
		}
	}()
}

// Ping checks coordinator connectivity. Used by the health monitor and the
// readiness probe.
func (s *Service) Ping(ctx context.Context) error {
	if s == nil || s.client == nil {
		return nil // Single-node mode, no coordinator configured
	}
	_, err := s.execute(func() (interface{}, error) {
		return nil, s.client.Ping(ctx).Err()
	})
	return err
}

// Close shuts down the connection to the coordinator.
func (s *Service) Close() error {
	if s == nil || s.client == nil {
		return nil
	}
	return s.client.Close()
}
