package orchestrator

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/mohammad-safakhou/colossus/internal/reasoning"
	"github.com/mohammad-safakhou/colossus/internal/store"
)

// haltError marks a failure that ends the session instead of the job.
type haltError struct{ err error }

func (h *haltError) Error() string { return h.err.Error() }
func (h *haltError) Unwrap() error { return h.err }

// Run drives a session to a terminal state. It returns nil once the session
// is completed or halted as failed. A cancelled ctx leaves the session
// running so the job can be picked up again; store errors are returned
// without touching the session status.
func (e *Engine) Run(ctx context.Context, sessionID int64) error {
	ctx, span := e.inst.tracer.Start(ctx, "orchestrator.Run", trace.WithAttributes(attribute.Int64("session.id", sessionID)))
	defer span.End()

	sess, ok, err := e.store.GetSession(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("get session %d: %w", sessionID, err)
	}
	if !ok {
		return ErrSessionNotFound
	}
	if store.IsTerminalSession(sess.Status) {
		return ErrSessionTerminal
	}

	if sess.Status == store.SessionRunning {
		if err := e.recoverInterrupted(ctx, sessionID); err != nil {
			return err
		}
	} else {
		if err := e.store.SetSessionStatus(ctx, sessionID, store.SessionRunning); err != nil {
			return fmt.Errorf("mark session %d running: %w", sessionID, err)
		}
		sess.Status = store.SessionRunning
		e.notifier.Publish(sessionID, sessionEvent(sessionID, store.SessionRunning))
	}
	e.logger.Printf("session %d: loop started", sessionID)

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		task, found, err := e.SelectNext(ctx, sessionID)
		if err != nil {
			return fmt.Errorf("select next task: %w", err)
		}
		if !found {
			break
		}
		if err := e.Execute(ctx, task); err != nil {
			if ctx.Err() != nil {
				e.logger.Printf("session %d: interrupted during task %d", sessionID, task.ID)
				return ctx.Err()
			}
			var h *haltError
			if errors.As(err, &h) {
				span.RecordError(err)
				span.SetStatus(codes.Error, "halted")
				return e.halt(ctx, sessionID, h.err)
			}
			return err
		}
	}

	return e.synthesize(ctx, sess)
}

// halt fails the session with a single error log.
func (e *Engine) halt(ctx context.Context, sessionID int64, cause error) error {
	if reasoning.IsQuota(cause) {
		add(ctx, e.inst.quotaHalts)
	}
	if err := e.store.SetSessionStatus(ctx, sessionID, store.SessionFailed); err != nil {
		return fmt.Errorf("mark session %d failed: %w", sessionID, err)
	}
	add(ctx, e.inst.sessionsFailed)
	e.notifier.Publish(sessionID, sessionEvent(sessionID, store.SessionFailed))
	if err := e.appendLog(ctx, sessionID, SystemAgent, "Research halted: "+cause.Error(), store.LogError); err != nil {
		return fmt.Errorf("append halt log: %w", err)
	}
	e.logger.Printf("session %d halted: %v", sessionID, cause)
	return nil
}

// recoverInterrupted returns tasks left running by a previous loop to pending.
func (e *Engine) recoverInterrupted(ctx context.Context, sessionID int64) error {
	running, err := e.store.ListTasksByStatus(ctx, sessionID, store.TaskRunning)
	if err != nil {
		return fmt.Errorf("list running tasks: %w", err)
	}
	for _, t := range running {
		if err := e.store.SetTaskStatus(ctx, t.ID, store.TaskPending); err != nil {
			return fmt.Errorf("requeue task %d: %w", t.ID, err)
		}
		t.Status = store.TaskPending
		e.notifier.Publish(sessionID, taskEvent(t))
		msg := fmt.Sprintf("Task %d was interrupted and returned to the queue.", t.ID)
		if err := e.appendLog(ctx, sessionID, SystemAgent, msg, store.LogWarning); err != nil {
			return fmt.Errorf("append recovery log: %w", err)
		}
	}
	return nil
}
