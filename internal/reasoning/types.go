package reasoning

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Attachment is a named text document forwarded with the planning request.
type Attachment struct {
	Name    string `json:"name"`
	Content string `json:"content"`
}

// Artifact kinds returned by GenerateArtifact.
const (
	ArtifactCode = "CODE"
	ArtifactSpec = "SPEC"
)

// Artifact is a generated task payload: a toy simulation program with the
// scenarios it covers, or the specification of a heavier experiment.
type Artifact struct {
	Type      string          `json:"type"`
	Code      string          `json:"code,omitempty"`
	Scenarios []string        `json:"scenarios,omitempty"`
	Spec      *ExperimentSpec `json:"spec,omitempty"`
}

// ExperimentSpec describes an experiment too large to run in place.
type ExperimentSpec struct {
	Title           string   `json:"title"`
	Complexity      string   `json:"complexity"`
	Requirements    []string `json:"requirements"`
	CodeSnippet     string   `json:"codeSnippet"`
	Hypothesis      string   `json:"hypothesis"`
	ExpectedOutcome string   `json:"expectedOutcome"`
}

// PlanBranch is one branch descriptor returned by PlanSession.
type PlanBranch struct {
	ID    string     `json:"id"`
	Name  string     `json:"name"`
	Tasks []PlanTask `json:"tasks"`
}

// PlanTask is one task descriptor. Optional fields are left zero or nil when
// the planner omitted them.
type PlanTask struct {
	ID           string
	Description  string
	Role         string
	Status       string
	Priority     *int
	Dependencies []string
	Artifacts    json.RawMessage
}

type planTaskWire struct {
	ID           any             `json:"id"`
	Description  string          `json:"description"`
	AssignedTo   string          `json:"assigned_to"`
	Role         string          `json:"role"`
	Status       string          `json:"status"`
	Priority     any             `json:"priority"`
	Dependencies any             `json:"dependencies"`
	Artifacts    json.RawMessage `json:"artifacts"`
}

// UnmarshalJSON accepts priorities and ids as numbers or strings, and
// dependencies as a list, a single value or null.
func (t *PlanTask) UnmarshalJSON(data []byte) error {
	var w planTaskWire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	t.ID = scalarString(w.ID)
	t.Description = w.Description
	t.Role = w.AssignedTo
	if t.Role == "" {
		t.Role = w.Role
	}
	t.Status = w.Status
	t.Artifacts = nil
	if len(w.Artifacts) > 0 && string(w.Artifacts) != "null" {
		t.Artifacts = w.Artifacts
	}
	t.Priority = nil
	if w.Priority != nil {
		p, err := toInt(w.Priority)
		if err != nil {
			return fmt.Errorf("task priority: %w", err)
		}
		t.Priority = &p
	}
	t.Dependencies = nil
	switch deps := w.Dependencies.(type) {
	case nil:
	case []any:
		for _, d := range deps {
			if s := scalarString(d); s != "" {
				t.Dependencies = append(t.Dependencies, s)
			}
		}
	default:
		if s := scalarString(deps); s != "" {
			t.Dependencies = []string{s}
		}
	}
	return nil
}

// Fact is a knowledge fact passed to Synthesize.
type Fact struct {
	Source     string
	Content    string
	Confidence int
}

// Review is the peer-review verdict on a task output.
type Review struct {
	Score    int    `json:"score"`
	Feedback string `json:"feedback"`
	Approved bool   `json:"approved"`
}

// TaskOutput is the result of RunTask.
type TaskOutput struct {
	Content   string
	Citations []string
}

func scalarString(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(x)
	case float64:
		if x == math.Trunc(x) {
			return strconv.FormatInt(int64(x), 10)
		}
		return strconv.FormatFloat(x, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(x)
	default:
		return fmt.Sprint(x)
	}
}

func toInt(v any) (int, error) {
	switch x := v.(type) {
	case float64:
		return int(math.Round(x)), nil
	case string:
		s := strings.TrimSpace(x)
		if n, err := strconv.Atoi(s); err == nil {
			return n, nil
		}
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return 0, fmt.Errorf("not a number: %q", x)
		}
		return int(math.Round(f)), nil
	default:
		return 0, fmt.Errorf("unsupported type %T", v)
	}
}
