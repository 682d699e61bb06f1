package events

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

const (
	// StepChannel is the pub/sub channel every step event is published on.
	StepChannel = "repairgym:steps"

	// recentSteps bounds the per-episode list kept in Redis.
	recentSteps = 500
)

// EpisodeKey is the Redis list holding the most recent steps of an episode.
func EpisodeKey(episodeID string) string {
	return "repairgym:episode:" + episodeID
}

// RedisPublisher keeps a capped list of recent steps per episode and fans
// every step out on StepChannel.
type RedisPublisher struct {
	client *redis.Client
}

// NewRedisPublisher connects to the server at url (redis://host:port/db).
func NewRedisPublisher(ctx context.Context, url string) (*RedisPublisher, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return &RedisPublisher{client: client}, nil
}

func (p *RedisPublisher) Publish(ctx context.Context, ev StepEvent) error {
	data, err := ev.Marshal()
	if err != nil {
		return fmt.Errorf("marshal step event: %w", err)
	}

	key := EpisodeKey(ev.EpisodeID)
	pipe := p.client.TxPipeline()
	pipe.LPush(ctx, key, data)
	pipe.LTrim(ctx, key, 0, recentSteps-1)
	pipe.Publish(ctx, StepChannel, data)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("publish step to redis: %w", err)
	}
	return nil
}

func (p *RedisPublisher) Close() error {
	return p.client.Close()
}
