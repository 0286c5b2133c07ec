package realtime

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

const redisSubjectPrefix = "jukevox:rt:"

// RedisFeed backs the broadcast transport with Redis pub/sub.
type RedisFeed struct {
	rdb *redis.Client
	log zerolog.Logger
}

// NewRedisFeed wraps an existing client.
func NewRedisFeed(rdb *redis.Client, log zerolog.Logger) *RedisFeed {
	return &RedisFeed{rdb: rdb, log: log.With().Str("component", "redis-feed").Logger()}
}

func (f *RedisFeed) Publish(ctx context.Context, subject string, payload []byte) error {
	if err := f.rdb.Publish(ctx, redisSubjectPrefix+subject, payload).Err(); err != nil {
		return fmt.Errorf("publish %s: %w", subject, err)
	}
	return nil
}

func (f *RedisFeed) Subscribe(subject string, h Handler) (func(), error) {
	ctx := context.Background()
	pubsub := f.rdb.Subscribe(ctx, redisSubjectPrefix+subject)
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("subscribe %s: %w", subject, err)
	}

	go func() {
		for msg := range pubsub.Channel() {
			h([]byte(msg.Payload))
		}
	}()

	return func() { _ = pubsub.Close() }, nil
}

func (f *RedisFeed) Close() error { return nil }
