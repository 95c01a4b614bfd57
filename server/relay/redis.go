// Package relay fans collaboration messages out across server nodes through
// Redis pub/sub, one channel per session. A single-node deployment runs
// without it.
package relay

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// envelope wraps a wire frame with its origin so nodes can skip their own
// publications and receivers can exclude the original sender.
type envelope struct {
	Node   string          `json:"node"`
	Sender string          `json:"sender"`
	Frame  json.RawMessage `json:"frame"`
}

// Redis is one node's handle on the pub/sub fabric.
type Redis struct {
	client *redis.Client
	nodeID string
	log    *zap.SugaredLogger
}

// New connects to Redis and verifies the connection.
func New(ctx context.Context, addr string, log *zap.SugaredLogger) (*Redis, error) {
	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("relay: ping redis: %w", err)
	}
	return &Redis{client: client, nodeID: uuid.NewString(), log: log}, nil
}

// Publish sends a frame originating from sender to every node subscribed to
// the channel, including this one (its own messages are filtered on receive).
func (r *Redis) Publish(ctx context.Context, channel, sender string, frame []byte) error {
	data, err := json.Marshal(envelope{Node: r.nodeID, Sender: sender, Frame: frame})
	if err != nil {
		return fmt.Errorf("relay: marshal envelope: %w", err)
	}
	return r.client.Publish(ctx, channel, data).Err()
}

// Subscribe delivers frames published on the channel by other nodes. The
// returned cancel func stops delivery and releases the subscription.
func (r *Redis) Subscribe(ctx context.Context, channel string, deliver func(sender string, frame []byte)) func() {
	pubsub := r.client.Subscribe(ctx, channel)
	go func() {
		for msg := range pubsub.Channel() {
			var env envelope
			if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
				r.log.Warnw("relay: dropping malformed envelope", "channel", channel, "err", err)
				continue
			}
			if env.Node == r.nodeID {
				continue
			}
			deliver(env.Sender, env.Frame)
		}
	}()
	return func() {
		if err := pubsub.Close(); err != nil {
			r.log.Warnw("relay: close subscription", "channel", channel, "err", err)
		}
	}
}

// Close releases the Redis connection.
func (r *Redis) Close() error { return r.client.Close() }
