// Package queue dispatches research sessions to workers.
package queue

import (
	"context"
	"fmt"

	"github.com/mohammad-safakhou/colossus/internal/queue/streams"
)

// StreamPublisher is the subset of streams.Publisher the dispatcher uses.
type StreamPublisher interface {
	PublishPayload(ctx context.Context, stream, eventType, version string, payload any, opts ...streams.PublishOption) (string, error)
}

// Dispatcher enqueues session runs on a Redis stream.
type Dispatcher struct {
	pub    StreamPublisher
	stream string
}

func NewDispatcher(pub StreamPublisher, stream string) *Dispatcher {
	if stream == "" {
		stream = streams.EventSessionEnqueued
	}
	return &Dispatcher{pub: pub, stream: stream}
}

// Enqueue asks a worker to run the loop for sessionID. It returns the stream entry id.
func (d *Dispatcher) Enqueue(ctx context.Context, sessionID int64) (string, error) {
	return d.enqueue(ctx, sessionID, streams.TriggerStart)
}

// Resume re-enqueues a session left running by an interrupted worker.
func (d *Dispatcher) Resume(ctx context.Context, sessionID int64) (string, error) {
	return d.enqueue(ctx, sessionID, streams.TriggerResume)
}

func (d *Dispatcher) enqueue(ctx context.Context, sessionID int64, trigger string) (string, error) {
	if sessionID <= 0 {
		return "", fmt.Errorf("invalid session id %d", sessionID)
	}
	payload := streams.SessionEnqueued{SessionID: sessionID, Trigger: trigger}
	id, err := d.pub.PublishPayload(ctx, d.stream, streams.EventSessionEnqueued, streams.VersionV1, payload)
	if err != nil {
		return "", fmt.Errorf("enqueue session %d: %w", sessionID, err)
	}
	return id, nil
}
