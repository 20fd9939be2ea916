package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	channelPrefix = "room:"
	eventTTL      = 5 * time.Second
)

// redisPayload is the message published to Redis for cross-instance broadcast.
type redisPayload struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
	At    int64           `json:"at"`
}

// RedisPubSub bridges room events across instances over Redis pub/sub.
type RedisPubSub struct {
	client *redis.Client
	logger *zap.Logger
}

// NewRedisPubSub creates a Redis pub/sub bridge for room events.
func NewRedisPubSub(client *redis.Client, logger *zap.Logger) *RedisPubSub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisPubSub{client: client, logger: logger}
}

// PublishRoomEvent publishes an event to the room's Redis channel.
func (r *RedisPubSub) PublishRoomEvent(roomID, event string, payload []byte) error {
	channel := channelPrefix + roomID
	body, err := json.Marshal(redisPayload{Event: event, Data: payload, At: time.Now().Unix()})
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), eventTTL)
	defer cancel()
	return r.client.Publish(ctx, channel, body).Err()
}

// SubscribeRoom subscribes to a room's Redis channel and calls handler for
// each message. Returns a cancel function to stop the subscription.
func (r *RedisPubSub) SubscribeRoom(roomID string, handler func(event string, payload []byte)) (cancel func(), err error) {
	channel := channelPrefix + roomID
	ctx, cancelCtx := context.WithCancel(context.Background())
	pubsub := r.client.Subscribe(ctx, channel)
	_, err = pubsub.Receive(ctx)
	if err != nil {
		cancelCtx()
		return nil, fmt.Errorf("subscribe: %w", err)
	}
	ch := pubsub.Channel()
	go func() {
		defer pubsub.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var p redisPayload
				if err := json.Unmarshal([]byte(msg.Payload), &p); err != nil {
					continue
				}
				handler(p.Event, p.Data)
			}
		}
	}()
	cancel = func() { cancelCtx() }
	return cancel, nil
}
