package orchestrator

import (
	"context"
	"fmt"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/mohammad-safakhou/colossus/internal/reasoning"
	"github.com/mohammad-safakhou/colossus/internal/store"
)

// FallbackSynthesis is stored when the reasoning service cannot produce a report.
const FallbackSynthesis = "Could not synthesize final report."

// synthesize writes the final report and completes the session. Reasoning
// failures are replaced by FallbackSynthesis; cancellation of ctx is returned.
func (e *Engine) synthesize(ctx context.Context, sess store.Session) error {
	ctx, span := e.inst.tracer.Start(ctx, "orchestrator.Synthesize", trace.WithAttributes(attribute.Int64("session.id", sess.ID)))
	defer span.End()

	facts, err := e.store.ListFacts(ctx, sess.ID)
	if err != nil {
		return fmt.Errorf("list facts: %w", err)
	}

	callCtx, cancel := e.callContext(ctx)
	text, err := e.reasoner.Synthesize(callCtx, sess.Prompt, reasoningFacts(facts))
	cancel()
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		span.RecordError(err)
		e.logger.Printf("warn: session %d: synthesis failed, storing fallback: %v", sess.ID, err)
		text = FallbackSynthesis
	} else if strings.TrimSpace(text) == "" {
		text = reasoning.EmptySynthesisText
	}

	if err := e.store.CompleteSession(ctx, sess.ID, text); err != nil {
		return fmt.Errorf("complete session %d: %w", sess.ID, err)
	}
	add(ctx, e.inst.sessionsComplete)
	e.notifier.Publish(sess.ID, synthesisEvent(sess.ID, text))
	e.notifier.Publish(sess.ID, sessionEvent(sess.ID, store.SessionCompleted))
	e.logger.Printf("session %d completed (%d facts)", sess.ID, len(facts))
	return nil
}
