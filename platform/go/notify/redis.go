package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisDispatcher publishes events on a per-client pub/sub channel. The
// notification collaborator subscribes to `<prefix><client_id>`.
type RedisDispatcher struct {
	client *redis.Client
	prefix string
}

// NewRedisDispatcher builds a dispatcher from a redis URL and verifies
// connectivity before returning.
func NewRedisDispatcher(redisURL string) (*RedisDispatcher, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return &RedisDispatcher{client: client, prefix: "ops:events:"}, nil
}

// NewRedisDispatcherWithClient builds a dispatcher from an existing client.
func NewRedisDispatcherWithClient(client *redis.Client) *RedisDispatcher {
	return &RedisDispatcher{client: client, prefix: "ops:events:"}
}

// Dispatch publishes the event as JSON. Errors are returned for logging only;
// callers never fail a workflow action on a dispatch failure.
func (d *RedisDispatcher) Dispatch(ctx context.Context, event Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	channel := d.prefix + event.ClientID.String()
	if err := d.client.Publish(ctx, channel, payload).Err(); err != nil {
		return fmt.Errorf("publish event to %s: %w", channel, err)
	}

	return nil
}

// Close releases the underlying redis connection.
func (d *RedisDispatcher) Close() error {
	return d.client.Close()
}
