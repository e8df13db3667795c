package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"

	"huddle/api/internal/logger"
)

const relayPrefix = "huddle:events:"

// RedisRelay shares events between API instances over Redis pub/sub. Every
// instance, including the publisher, receives events through its pattern
// subscription and delivers them to its local hub.
type RedisRelay struct {
	client *redis.Client
	hub    *Hub
	pubsub *redis.PubSub
}

func NewRedisRelay(client *redis.Client, hub *Hub) *RedisRelay {
	return &RedisRelay{client: client, hub: hub}
}

func (r *RedisRelay) Publish(ctx context.Context, e Event) error {
	raw, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if err := r.client.Publish(ctx, relayPrefix+e.ChannelID, raw).Err(); err != nil {
		return fmt.Errorf("publish event: %w", err)
	}
	return nil
}

// Start subscribes and waits for Redis to confirm before returning, then
// forwards events to the hub until ctx ends.
func (r *RedisRelay) Start(ctx context.Context) error {
	pubsub := r.client.PSubscribe(ctx, relayPrefix+"*")
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return fmt.Errorf("subscribe relay: %w", err)
	}
	r.pubsub = pubsub
	messages := pubsub.Channel()

	go func() {
		defer pubsub.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-messages:
				if !ok {
					return
				}
				r.forward(msg)
			}
		}
	}()
	logger.Info("realtime_relay_started", "pattern", relayPrefix+"*")
	return nil
}

func (r *RedisRelay) forward(msg *redis.Message) {
	var e Event
	if err := json.Unmarshal([]byte(msg.Payload), &e); err != nil {
		logger.Warn("realtime_relay_bad_payload", "channel", msg.Channel, "error", err)
		return
	}
	if e.ChannelID != strings.TrimPrefix(msg.Channel, relayPrefix) {
		logger.Warn("realtime_relay_channel_mismatch", "channel", msg.Channel, "event_channel", e.ChannelID)
		return
	}
	r.hub.Deliver(e)
}
