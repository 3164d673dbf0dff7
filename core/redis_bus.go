package core

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/go-redis/redis/v8"
)

// BusEnvelope wraps every payload published on the bus so subscribers can
// filter on routing key without parsing the body.
type BusEnvelope struct {
	Topic      string          `json:"topic"`
	RoutingKey string          `json:"routing_key"`
	Payload    json.RawMessage `json:"payload"`
}

// RedisBus implements Bus over Redis pub/sub. One pub/sub channel per topic;
// the routing key travels in the envelope. Delivery is at-most-once, which
// matches the fire-and-forget contract of status publishing.
type RedisBus struct {
	client *redis.Client
	logger Logger
}

// NewRedisBus creates a bus on an established connection.
func NewRedisBus(client *redis.Client, logger Logger) *RedisBus {
	if logger == nil {
		logger = &NoOpLogger{}
	}
	return &RedisBus{client: client, logger: logger}
}

// Publish sends payload to every subscriber of topic.
func (b *RedisBus) Publish(ctx context.Context, topic, routingKey string, payload []byte) error {
	env := BusEnvelope{
		Topic:      topic,
		RoutingKey: routingKey,
		Payload:    payload,
	}
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshaling bus envelope: %w", err)
	}
	if err := b.client.Publish(ctx, topic, data).Err(); err != nil {
		return fmt.Errorf("publishing to %s: %w", topic, ErrConnectionFailed)
	}
	return nil
}

// Subscribe delivers envelope payloads published on channel. The reader
// goroutine exits when stop is called or ctx is cancelled.
func (b *RedisBus) Subscribe(ctx context.Context, channel string) (<-chan []byte, func(), error) {
	sub := b.client.Subscribe(ctx, channel)
	// Force the subscription to be established before returning so callers
	// do not miss messages published immediately after Subscribe.
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, nil, fmt.Errorf("subscribing to %s: %w", channel, ErrConnectionFailed)
	}

	out := make(chan []byte, 64)
	done := make(chan struct{})

	go func() {
		defer close(out)
		msgs := sub.Channel()
		for {
			select {
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				var env BusEnvelope
				if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
					b.logger.Warn("Dropping malformed bus message", map[string]interface{}{
						"channel": channel,
						"error":   err.Error(),
					})
					continue
				}
				select {
				case out <- env.Payload:
				case <-done:
					return
				case <-ctx.Done():
					return
				}
			case <-done:
				return
			case <-ctx.Done():
				return
			}
		}
	}()

	stop := func() {
		close(done)
		_ = sub.Close()
	}
	return out, stop, nil
}
