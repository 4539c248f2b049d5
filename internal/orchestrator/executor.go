package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/mohammad-safakhou/colossus/config"
	"github.com/mohammad-safakhou/colossus/internal/helpers"
	"github.com/mohammad-safakhou/colossus/internal/reasoning"
	"github.com/mohammad-safakhou/colossus/internal/store"
)

const successExcerptRunes = 100

// Execute drives one task from pending to done. On failure the task is left
// running and the error is returned; the loop decides what happens to the
// session.
func (e *Engine) Execute(ctx context.Context, task store.Task) error {
	ctx, span := e.inst.tracer.Start(ctx, "orchestrator.Execute", trace.WithAttributes(
		attribute.Int64("session.id", task.SessionID),
		attribute.Int64("task.id", task.ID),
		attribute.String("task.role", task.Role),
	))
	defer span.End()

	if err := e.store.SetTaskStatus(ctx, task.ID, store.TaskRunning); err != nil {
		return fmt.Errorf("mark task %d running: %w", task.ID, err)
	}
	task.Status = store.TaskRunning
	e.notifier.Publish(task.SessionID, taskEvent(task))

	facts, err := e.store.ListFacts(ctx, task.SessionID)
	if err != nil {
		return fmt.Errorf("list facts: %w", err)
	}

	role := task.Role
	if role == "" {
		role = defaultAgent
	}
	callCtx, cancel := e.callContext(ctx)
	out, err := e.reasoner.RunTask(callCtx, task.Description, role, FormatContext(facts))
	cancel()
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "run task")
		return &haltError{err}
	}

	if err := e.store.CompleteTask(ctx, task.ID, out.Content, out.Citations); err != nil {
		return fmt.Errorf("complete task %d: %w", task.ID, err)
	}
	result := out.Content
	task.Status = store.TaskDone
	task.Result = &result
	task.Citations = out.Citations
	e.notifier.Publish(task.SessionID, taskEvent(task))
	add(ctx, e.inst.tasksExecuted)

	msg := "Completed task: " + helpers.Excerpt(task.Description, successExcerptRunes)
	if err := e.appendLog(ctx, task.SessionID, role, msg, store.LogSuccess); err != nil {
		return fmt.Errorf("append success log: %w", err)
	}

	if e.cfg.Artifacts == config.ArtifactsSimulation {
		if err := e.generateArtifact(ctx, &task, FormatContext(facts)); err != nil {
			return err
		}
	}

	extractCtx, cancel := e.callContext(ctx)
	defer cancel()
	return e.recordFacts(extractCtx, task)
}

// generateArtifact attaches a simulation program or experiment spec to a
// finished task. Quota exhaustion halts the session like any task call;
// other failures only leave a warning and the task keeps its artifacts.
func (e *Engine) generateArtifact(ctx context.Context, task *store.Task, knowledge string) error {
	callCtx, cancel := e.callContext(ctx)
	art, err := e.reasoner.GenerateArtifact(callCtx, task.Description, knowledge)
	cancel()
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if reasoning.IsQuota(err) {
			return &haltError{err}
		}
		msg := fmt.Sprintf("Artifact generation failed for task %d: %v", task.ID, err)
		if err := e.appendLog(ctx, task.SessionID, SystemAgent, msg, store.LogWarning); err != nil {
			return fmt.Errorf("append artifact log: %w", err)
		}
		return nil
	}
	raw, err := json.Marshal(art)
	if err != nil {
		return fmt.Errorf("marshal artifact: %w", err)
	}
	if err := e.store.SetTaskArtifacts(ctx, task.ID, raw); err != nil {
		return fmt.Errorf("store artifact for task %d: %w", task.ID, err)
	}
	task.Artifacts = raw
	e.notifier.Publish(task.SessionID, taskEvent(*task))
	return nil
}
