// Package bus carries relayed frames between relay instances over Redis pub/sub,
// so that members of one room connected to different processes still hear each
// other. Delivery is fire-and-forget like the local relay: nothing is stored.
package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

const channelPrefix = "room:"

// Message is one relayed frame as it travels between instances.
type Message struct {
	Origin  string `json:"origin"`
	RoomID  string `json:"roomId"`
	Payload []byte `json:"payload"`
}

// Redis publishes and receives Messages on per-room channels.
type Redis struct {
	rdb *redis.Client
	log logrus.FieldLogger
}

// NewRedis connects to the Redis server at redisURL and verifies connectivity.
func NewRedis(ctx context.Context, redisURL string, log logrus.FieldLogger) (*Redis, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}

	rdb := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &Redis{rdb: rdb, log: log.WithField("component", "bus")}, nil
}

// Publish sends m on its room's channel.
func (b *Redis) Publish(ctx context.Context, m Message) error {
	raw, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("failed to marshal bus message: %w", err)
	}
	if err := b.rdb.Publish(ctx, channel(m.RoomID), raw).Err(); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", channel(m.RoomID), err)
	}
	return nil
}

// Subscribe listens on every room channel and calls fn for each message until
// ctx is cancelled. It returns once the subscription is confirmed, delivering
// messages from a background goroutine.
func (b *Redis) Subscribe(ctx context.Context, fn func(Message)) error {
	pubsub := b.rdb.PSubscribe(ctx, channel("*"))
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return fmt.Errorf("failed to subscribe: %w", err)
	}

	go func() {
		defer pubsub.Close()
		ch := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var m Message
				if err := json.Unmarshal([]byte(msg.Payload), &m); err != nil {
					b.log.WithError(err).WithField("channel", msg.Channel).Warn("Discarding malformed bus message")
					continue
				}
				if m.RoomID == "" {
					m.RoomID = strings.TrimPrefix(msg.Channel, channelPrefix)
				}
				fn(m)
			}
		}
	}()
	return nil
}

// Close shuts down the Redis connection.
func (b *Redis) Close() error { return b.rdb.Close() }

func channel(roomID string) string { return channelPrefix + roomID }
