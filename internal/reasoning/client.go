package reasoning

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"strings"

	"github.com/mohammad-safakhou/colossus/internal/helpers"
)

// Fallback texts used when the backend returns nothing usable.
const (
	EmptySynthesisText = "Synthesis failed."
	ReviewFallbackText = "Automatic approval (parse failure)."
)

// Service is the reasoning capability consumed by the orchestrator.
type Service interface {
	PlanSession(ctx context.Context, prompt string, attachments []Attachment) ([]PlanBranch, error)
	RunTask(ctx context.Context, description, role, knowledge string) (TaskOutput, error)
	Synthesize(ctx context.Context, prompt string, facts []Fact) (string, error)
	ReviewTaskOutput(ctx context.Context, task, output string) (Review, error)
	GenerateArtifact(ctx context.Context, task, knowledge string) (Artifact, error)
}

// Completion is a single model response.
type Completion struct {
	Text      string
	Citations []string
}

// Generator sends one prompt to a model backend. Implementations map
// rate-limit responses to ErrQuotaExhausted.
type Generator interface {
	Generate(ctx context.Context, prompt string) (Completion, error)
}

// Client implements Service on top of a Generator.
type Client struct {
	gen             Generator
	logger          *log.Logger
	reviewThreshold int
}

// Option configures a Client.
type Option func(*Client)

// WithLogger sets the client logger.
func WithLogger(l *log.Logger) Option {
	return func(c *Client) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithReviewThreshold sets the approval score quoted in review prompts.
func WithReviewThreshold(n int) Option {
	return func(c *Client) {
		if n > 0 {
			c.reviewThreshold = n
		}
	}
}

func NewClient(gen Generator, opts ...Option) *Client {
	c := &Client{
		gen:             gen,
		logger:          log.New(io.Discard, "", 0),
		reviewThreshold: 85,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) generate(ctx context.Context, op, prompt string) (Completion, error) {
	comp, err := c.gen.Generate(ctx, prompt)
	if err != nil {
		if !IsQuota(err) && mentionsQuota(err) {
			err = quotaError(err)
		}
		if IsQuota(err) {
			c.logger.Printf("%s failed due to quota: %v", op, err)
		} else {
			c.logger.Printf("%s failed: %v", op, err)
		}
		return Completion{}, opError(op, err)
	}
	return comp, nil
}

// PlanSession asks the model for a branch/task graph. A response that is not
// a list of branches (or an object with a "branches" list) is malformed.
func (c *Client) PlanSession(ctx context.Context, prompt string, attachments []Attachment) ([]PlanBranch, error) {
	const op = "plan_session"
	comp, err := c.generate(ctx, op, planPrompt(prompt, attachments))
	if err != nil {
		return nil, err
	}
	raw, err := ExtractJSON(comp.Text)
	if err != nil {
		return nil, opError(op, err)
	}
	var branches []PlanBranch
	if err := json.Unmarshal(raw, &branches); err != nil {
		var wrapped struct {
			Branches []PlanBranch `json:"branches"`
		}
		if wErr := json.Unmarshal(raw, &wrapped); wErr != nil || wrapped.Branches == nil {
			return nil, opError(op, fmt.Errorf("%w: expected a list of branches: %v", ErrMalformedResponse, err))
		}
		branches = wrapped.Branches
	}
	return branches, nil
}

// RunTask executes one task description in the given role.
func (c *Client) RunTask(ctx context.Context, description, role, knowledge string) (TaskOutput, error) {
	comp, err := c.generate(ctx, "run_task", taskPrompt(description, role, knowledge))
	if err != nil {
		return TaskOutput{}, err
	}
	return TaskOutput{Content: comp.Text, Citations: helpers.DedupeURLs(comp.Citations)}, nil
}

// Synthesize writes the final report. Empty model output is replaced by
// EmptySynthesisText; errors are returned to the caller.
func (c *Client) Synthesize(ctx context.Context, prompt string, facts []Fact) (string, error) {
	comp, err := c.generate(ctx, "synthesize", synthesisPrompt(prompt, facts))
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(comp.Text) == "" {
		return EmptySynthesisText, nil
	}
	return comp.Text, nil
}

// ReviewTaskOutput scores a task output. Unparseable verdicts fall back to
// an optimistic approval; backend failures are returned.
func (c *Client) ReviewTaskOutput(ctx context.Context, task, output string) (Review, error) {
	const op = "review_task_output"
	comp, err := c.generate(ctx, op, reviewPrompt(task, output, c.reviewThreshold))
	if err != nil {
		return Review{}, err
	}
	var rv Review
	if err := DecodeJSON(comp.Text, &rv); err != nil {
		if !errors.Is(err, ErrMalformedResponse) {
			return Review{}, opError(op, err)
		}
		c.logger.Printf("warn: %s parse failed, approving: %v", op, err)
		return Review{Score: 100, Feedback: ReviewFallbackText, Approved: true}, nil
	}
	if rv.Score < 0 {
		rv.Score = 0
	}
	if rv.Score > 100 {
		rv.Score = 100
	}
	return rv, nil
}

// GenerateArtifact asks for either a small simulation program or an
// experiment specification for a task. Output that is not one of the two
// shapes is ErrMalformedResponse.
func (c *Client) GenerateArtifact(ctx context.Context, task, knowledge string) (Artifact, error) {
	const op = "generate_artifact"
	comp, err := c.generate(ctx, op, artifactPrompt(task, knowledge))
	if err != nil {
		return Artifact{}, err
	}
	var a Artifact
	if err := DecodeJSON(comp.Text, &a); err != nil {
		return Artifact{}, opError(op, err)
	}
	a.Type = strings.ToUpper(strings.TrimSpace(a.Type))
	switch {
	case a.Type == ArtifactCode && strings.TrimSpace(a.Code) != "":
		a.Spec = nil
	case a.Type == ArtifactSpec && a.Spec != nil:
		a.Code, a.Scenarios = "", nil
	default:
		return Artifact{}, opError(op, fmt.Errorf("%w: unexpected artifact type %q", ErrMalformedResponse, a.Type))
	}
	return a, nil
}
