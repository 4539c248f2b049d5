package runtime

import (
	"context"

	"github.com/redis/go-redis/v9"

	"github.com/mohammad-safakhou/colossus/config"
	"github.com/mohammad-safakhou/colossus/internal/queue/streams"
)

// InitQueue registers the session event schemas, makes sure the worker
// consumer group exists and returns a validating publisher.
func InitQueue(ctx context.Context, client *redis.Client, cfg config.WorkerConfig) (*streams.SchemaRegistry, *streams.Publisher, error) {
	cfg = cfg.Normalize()
	registry, err := streams.NewSessionRegistry()
	if err != nil {
		return nil, nil, err
	}
	if err := streams.EnsureGroup(ctx, client, cfg.Stream, cfg.Group); err != nil {
		return nil, nil, err
	}
	return registry, streams.NewPublisher(client, registry), nil
}
