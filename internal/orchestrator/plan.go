package orchestrator

import (
	"context"
	"fmt"
	"html"
	"strings"

	"github.com/mohammad-safakhou/colossus/internal/helpers"
	"github.com/mohammad-safakhou/colossus/internal/reasoning"
	"github.com/mohammad-safakhou/colossus/internal/store"
)

const (
	defaultBranchName = "Branch"
	defaultPriority   = 5
	truncationMarker  = "\n...[truncated]..."
)

// StartSession creates a pending session for prompt and builds its plan. The
// session is returned even when planning fails; it is then already failed.
func (e *Engine) StartSession(ctx context.Context, prompt string, attachments []reasoning.Attachment) (store.Session, store.Plan, error) {
	prompt = strings.TrimSpace(prompt)
	sess, err := e.store.CreateSession(ctx, prompt)
	if err != nil {
		return store.Session{}, store.Plan{}, fmt.Errorf("create session: %w", err)
	}
	e.logger.Printf("session %d created", sess.ID)

	plan, err := e.BuildPlan(ctx, sess, attachments)
	if err != nil {
		sess.Status = store.SessionFailed
		return sess, store.Plan{}, err
	}
	return sess, plan, nil
}

// BuildPlan asks the reasoning service for a branch graph and persists it in
// one transaction. Any failure marks the session failed.
func (e *Engine) BuildPlan(ctx context.Context, sess store.Session, attachments []reasoning.Attachment) (store.Plan, error) {
	ctx, span := e.inst.tracer.Start(ctx, "orchestrator.BuildPlan")
	defer span.End()

	callCtx, cancel := e.callContext(ctx)
	branches, err := e.reasoner.PlanSession(callCtx, sess.Prompt, e.prepareAttachments(attachments))
	cancel()
	if err != nil {
		span.RecordError(err)
		e.failPlanning(ctx, sess.ID, err)
		return store.Plan{}, fmt.Errorf("plan session %d: %w", sess.ID, err)
	}

	plan, err := e.store.CreatePlan(ctx, sess.ID, planFromReasoning(branches))
	if err != nil {
		span.RecordError(err)
		e.failPlanning(ctx, sess.ID, err)
		return store.Plan{}, fmt.Errorf("persist plan for session %d: %w", sess.ID, err)
	}

	msg := fmt.Sprintf("Plan created with %d branches and %d tasks.", len(plan.Branches), len(plan.Tasks))
	if err := e.appendLog(ctx, sess.ID, OrchestratorAgent, msg, store.LogInfo); err != nil {
		e.logger.Printf("warn: session %d: append plan log failed: %v", sess.ID, err)
	}
	return plan, nil
}

// failPlanning marks the session failed. Errors here are logged only; the
// planning error is what the caller needs.
func (e *Engine) failPlanning(ctx context.Context, sessionID int64, cause error) {
	if reasoning.IsQuota(cause) {
		add(ctx, e.inst.quotaHalts)
	}
	if err := e.store.SetSessionStatus(ctx, sessionID, store.SessionFailed); err != nil {
		e.logger.Printf("warn: session %d: mark failed after planning error: %v", sessionID, err)
		return
	}
	add(ctx, e.inst.sessionsFailed)
	e.notifier.Publish(sessionID, sessionEvent(sessionID, store.SessionFailed))
	if err := e.appendLog(ctx, sessionID, SystemAgent, "Planning failed: "+cause.Error(), store.LogError); err != nil {
		e.logger.Printf("warn: session %d: append planning log failed: %v", sessionID, err)
	}
	e.logger.Printf("session %d: planning failed: %v", sessionID, cause)
}

// prepareAttachments strips markup and bounds each attachment.
func (e *Engine) prepareAttachments(in []reasoning.Attachment) []reasoning.Attachment {
	if len(in) == 0 {
		return nil
	}
	out := make([]reasoning.Attachment, 0, len(in))
	for _, a := range in {
		text := html.UnescapeString(helpers.SanitizeHTMLStrict(a.Content))
		text = strings.TrimSpace(text)
		if text == "" {
			continue
		}
		out = append(out, reasoning.Attachment{
			Name:    strings.TrimSpace(a.Name),
			Content: helpers.Truncate(text, e.cfg.AttachmentMaxRunes, truncationMarker),
		})
	}
	return out
}

func planFromReasoning(branches []reasoning.PlanBranch) []store.PlanBranch {
	out := make([]store.PlanBranch, 0, len(branches))
	for _, b := range branches {
		pb := store.PlanBranch{Name: strings.TrimSpace(b.Name), Tasks: make([]store.PlanTask, 0, len(b.Tasks))}
		if pb.Name == "" {
			pb.Name = defaultBranchName
		}
		for _, t := range b.Tasks {
			pb.Tasks = append(pb.Tasks, planTask(t))
		}
		out = append(out, pb)
	}
	return out
}

func planTask(t reasoning.PlanTask) store.PlanTask {
	pt := store.PlanTask{
		Key:          t.ID,
		Description:  t.Description,
		Role:         strings.TrimSpace(t.Role),
		Status:       t.Status,
		Priority:     defaultPriority,
		Dependencies: t.Dependencies,
		Artifacts:    t.Artifacts,
	}
	if pt.Role == "" {
		pt.Role = defaultAgent
	}
	switch pt.Status {
	case store.TaskPending, store.TaskRunning, store.TaskDone, store.TaskFailed:
	default:
		pt.Status = store.TaskPending
	}
	if t.Priority != nil {
		pt.Priority = *t.Priority
	}
	if pt.Dependencies == nil {
		pt.Dependencies = []string{}
	}
	return pt
}
