package orchestrator

import (
	"context"
	"fmt"
	"strings"

	"github.com/mohammad-safakhou/colossus/internal/reasoning"
	"github.com/mohammad-safakhou/colossus/internal/store"
)

// FactExtractor decides which parts of a finished task become knowledge
// facts. It runs after the task is marked done; the engine appends whatever
// it returns.
type FactExtractor interface {
	Extract(ctx context.Context, task store.Task) ([]store.KnowledgeFact, error)
}

// NoopExtractor never produces facts.
type NoopExtractor struct{}

func (NoopExtractor) Extract(context.Context, store.Task) ([]store.KnowledgeFact, error) {
	return nil, nil
}

// ReviewExtractor peer-reviews the task result and keeps it as a fact when
// approved. The fact confidence is the review score.
type ReviewExtractor struct {
	Reasoner  reasoning.Service
	Threshold int
}

func (r *ReviewExtractor) Extract(ctx context.Context, task store.Task) ([]store.KnowledgeFact, error) {
	if task.Result == nil || strings.TrimSpace(*task.Result) == "" {
		return nil, nil
	}
	rv, err := r.Reasoner.ReviewTaskOutput(ctx, task.Description, *task.Result)
	if err != nil {
		return nil, err
	}
	if !rv.Approved && (r.Threshold <= 0 || rv.Score < r.Threshold) {
		return nil, nil
	}
	source := task.Role
	if source == "" {
		source = defaultAgent
	}
	return []store.KnowledgeFact{{
		SessionID:  task.SessionID,
		Content:    *task.Result,
		Source:     source,
		Confidence: rv.Score,
	}}, nil
}

// FormatContext renders facts as "- [source] content" lines in the given order.
func FormatContext(facts []store.KnowledgeFact) string {
	lines := make([]string, 0, len(facts))
	for _, f := range facts {
		lines = append(lines, fmt.Sprintf("- [%s] %s", f.Source, f.Content))
	}
	return strings.Join(lines, "\n")
}

func reasoningFacts(facts []store.KnowledgeFact) []reasoning.Fact {
	out := make([]reasoning.Fact, 0, len(facts))
	for _, f := range facts {
		out = append(out, reasoning.Fact{Source: f.Source, Content: f.Content, Confidence: f.Confidence})
	}
	return out
}

// recordFacts runs the extractor and appends its facts in order.
func (e *Engine) recordFacts(ctx context.Context, task store.Task) error {
	facts, err := e.extractor.Extract(ctx, task)
	if err != nil {
		return &haltError{err}
	}
	for _, f := range facts {
		f.SessionID = task.SessionID
		if _, err := e.store.AppendFact(ctx, f); err != nil {
			return fmt.Errorf("append fact: %w", err)
		}
	}
	if len(facts) > 0 {
		e.logger.Printf("session %d: task %d added %d fact(s)", task.SessionID, task.ID, len(facts))
	}
	return nil
}
