package streams

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel/attribute"
	otelmetric "go.opentelemetry.io/otel/metric"
)

// LagMetrics is the backlog state of one consumer group.
type LagMetrics struct {
	Pending    int64
	Lag        int64
	Consumers  int64
	OldestIdle time.Duration
}

// GroupLag reads backlog details for group on stream. Lag is -1 when the
// group does not exist.
func GroupLag(ctx context.Context, client *redis.Client, stream, group string) (LagMetrics, error) {
	if client == nil {
		return LagMetrics{}, fmt.Errorf("redis client is nil")
	}
	if stream == "" || group == "" {
		return LagMetrics{}, fmt.Errorf("stream and group are required")
	}

	groups, err := client.XInfoGroups(ctx, stream).Result()
	if err != nil {
		return LagMetrics{}, fmt.Errorf("xinfo groups: %w", err)
	}
	m := LagMetrics{Lag: -1}
	for _, info := range groups {
		if info.Name == group {
			m.Pending = info.Pending
			m.Lag = info.Lag
			m.Consumers = int64(info.Consumers)
			break
		}
	}
	if m.Pending == 0 {
		return m, nil
	}

	entries, err := client.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: stream,
		Group:  group,
		Start:  "-",
		End:    "+",
		Count:  1,
	}).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return LagMetrics{}, fmt.Errorf("xpendingext: %w", err)
	}
	if len(entries) > 0 {
		m.OldestIdle = entries[0].Idle
	}
	return m, nil
}

// RegisterLagGauges exports pending and lag counts of group as observable
// gauges. Collection errors are skipped.
func RegisterLagGauges(meter otelmetric.Meter, client *redis.Client, stream, group string) error {
	pending, err := meter.Int64ObservableGauge("stream_group_pending",
		otelmetric.WithDescription("Entries delivered to the consumer group but not acknowledged"))
	if err != nil {
		return fmt.Errorf("pending gauge: %w", err)
	}
	lag, err := meter.Int64ObservableGauge("stream_group_lag",
		otelmetric.WithDescription("Entries not yet delivered to the consumer group"))
	if err != nil {
		return fmt.Errorf("lag gauge: %w", err)
	}
	attrs := otelmetric.WithAttributes(attribute.String("stream", stream), attribute.String("group", group))
	_, err = meter.RegisterCallback(func(ctx context.Context, o otelmetric.Observer) error {
		m, err := GroupLag(ctx, client, stream, group)
		if err != nil {
			return nil
		}
		o.ObserveInt64(pending, m.Pending, attrs)
		o.ObserveInt64(lag, m.Lag, attrs)
		return nil
	}, pending, lag)
	if err != nil {
		return fmt.Errorf("register lag callback: %w", err)
	}
	return nil
}
