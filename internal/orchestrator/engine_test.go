package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mohammad-safakhou/colossus/config"
	"github.com/mohammad-safakhou/colossus/internal/reasoning"
	"github.com/mohammad-safakhou/colossus/internal/store"
	"github.com/mohammad-safakhou/colossus/internal/store/inmemory"
)

type taskCall struct {
	Description string
	Role        string
	Knowledge   string
}

type fakeReasoner struct {
	mu sync.Mutex

	plan     []reasoning.PlanBranch
	planErr  error
	gotAttch []reasoning.Attachment

	// results keyed by task description; missing keys answer "result: <desc>".
	results  map[string]reasoning.TaskOutput
	failOn   map[string]error
	onRun    func(description string)
	calls    []taskCall
	synthErr error
	synthOut *string
	synths   [][]reasoning.Fact
	review   reasoning.Review
	reviews  int

	artifact    reasoning.Artifact
	artifactErr error
	artifacts   int
}

func (f *fakeReasoner) PlanSession(_ context.Context, _ string, attachments []reasoning.Attachment) ([]reasoning.PlanBranch, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.gotAttch = attachments
	return f.plan, f.planErr
}

func (f *fakeReasoner) RunTask(_ context.Context, description, role, knowledge string) (reasoning.TaskOutput, error) {
	f.mu.Lock()
	f.calls = append(f.calls, taskCall{Description: description, Role: role, Knowledge: knowledge})
	hook := f.onRun
	err := f.failOn[description]
	out, ok := f.results[description]
	f.mu.Unlock()
	if hook != nil {
		hook(description)
	}
	if err != nil {
		return reasoning.TaskOutput{}, err
	}
	if !ok {
		out = reasoning.TaskOutput{Content: "result: " + description}
	}
	return out, nil
}

func (f *fakeReasoner) Synthesize(_ context.Context, _ string, facts []reasoning.Fact) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.synths = append(f.synths, facts)
	if f.synthErr != nil {
		return "", f.synthErr
	}
	if f.synthOut != nil {
		return *f.synthOut, nil
	}
	return "final report", nil
}

func (f *fakeReasoner) ReviewTaskOutput(context.Context, string, string) (reasoning.Review, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reviews++
	return f.review, nil
}

func (f *fakeReasoner) GenerateArtifact(context.Context, string, string) (reasoning.Artifact, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.artifacts++
	return f.artifact, f.artifactErr
}

func (f *fakeReasoner) descriptions() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.calls))
	for _, c := range f.calls {
		out = append(out, c.Description)
	}
	return out
}

type recordingNotifier struct {
	mu     sync.Mutex
	events []Event
}

func (r *recordingNotifier) Publish(_ int64, event any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if ev, ok := event.(Event); ok {
		r.events = append(r.events, ev)
	}
}

func (r *recordingNotifier) types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.events))
	for _, ev := range r.events {
		out = append(out, ev.Type)
	}
	return out
}

func seedSession(t *testing.T, st *inmemory.Store, prompt string, branches ...store.PlanBranch) (store.Session, store.Plan) {
	t.Helper()
	ctx := context.Background()
	sess, err := st.CreateSession(ctx, prompt)
	require.NoError(t, err)
	for bi := range branches {
		for ti := range branches[bi].Tasks {
			if branches[bi].Tasks[ti].Status == "" {
				branches[bi].Tasks[ti].Status = store.TaskPending
			}
			if branches[bi].Tasks[ti].Role == "" {
				branches[bi].Tasks[ti].Role = "Researcher"
			}
		}
	}
	plan, err := st.CreatePlan(ctx, sess.ID, branches)
	require.NoError(t, err)
	return sess, plan
}

func task(desc string, priority int) store.PlanTask {
	return store.PlanTask{Description: desc, Priority: priority}
}

func logsOf(t *testing.T, st *inmemory.Store, sessionID int64, category string) []store.AgentLog {
	t.Helper()
	all, err := st.ListLogs(context.Background(), sessionID)
	require.NoError(t, err)
	var out []store.AgentLog
	for _, l := range all {
		if l.Category == category {
			out = append(out, l)
		}
	}
	return out
}

func statusByDesc(t *testing.T, st *inmemory.Store, sessionID int64) map[string]string {
	t.Helper()
	tasks, err := st.ListTasksBySession(context.Background(), sessionID)
	require.NoError(t, err)
	out := make(map[string]string, len(tasks))
	for _, tk := range tasks {
		out[tk.Description] = tk.Status
	}
	return out
}

func TestSelectNextHighestPriorityThenLowestID(t *testing.T) {
	st := inmemory.New()
	sess, _ := seedSession(t, st, "p",
		store.PlanBranch{Name: "one", Tasks: []store.PlanTask{task("low", 1), task("tie-first", 7)}},
		store.PlanBranch{Name: "two", Tasks: []store.PlanTask{task("tie-second", 7), task("mid", 5)}},
	)
	eng := New(st, &fakeReasoner{}, config.OrchestrationConfig{})

	got, found, err := eng.SelectNext(context.Background(), sess.ID)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "tie-first", got.Description)

	require.NoError(t, st.SetTaskStatus(context.Background(), got.ID, store.TaskDone))
	got, found, err = eng.SelectNext(context.Background(), sess.ID)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "tie-second", got.Description)
}

func TestSelectNextNoPending(t *testing.T) {
	st := inmemory.New()
	sess, _ := seedSession(t, st, "p", store.PlanBranch{Name: "b", Tasks: []store.PlanTask{
		{Description: "done", Priority: 5, Status: store.TaskDone},
	}})
	eng := New(st, &fakeReasoner{}, config.OrchestrationConfig{})

	_, found, err := eng.SelectNext(context.Background(), sess.ID)
	require.NoError(t, err)
	assert.False(t, found)
}

func TestRunExecutesByPriorityAndCompletes(t *testing.T) {
	st := inmemory.New()
	sess, _ := seedSession(t, st, "X", store.PlanBranch{Name: "B1", Tasks: []store.PlanTask{
		{Description: "B", Priority: 3, Role: "Analyst"},
		{Description: "A", Priority: 8, Role: "Researcher"},
	}})
	rs := &fakeReasoner{results: map[string]reasoning.TaskOutput{
		"A": {Content: "answer A", Citations: []string{"https://a.example"}},
	}}
	notes := &recordingNotifier{}
	eng := New(st, rs, config.OrchestrationConfig{}, WithNotifier(notes))

	require.NoError(t, eng.Run(context.Background(), sess.ID))

	assert.Equal(t, []string{"A", "B"}, rs.descriptions())
	assert.Equal(t, map[string]string{"A": store.TaskDone, "B": store.TaskDone}, statusByDesc(t, st, sess.ID))

	success := logsOf(t, st, sess.ID, store.LogSuccess)
	require.Len(t, success, 2)
	assert.Equal(t, "Researcher", success[0].Agent)
	assert.Equal(t, "Completed task: A", success[0].Message)
	assert.Equal(t, "Analyst", success[1].Agent)
	assert.Equal(t, "Completed task: B", success[1].Message)

	got, _, err := st.GetSession(context.Background(), sess.ID)
	require.NoError(t, err)
	assert.Equal(t, store.SessionCompleted, got.Status)
	require.NotNil(t, got.FinalSynthesis)
	assert.Equal(t, "final report", *got.FinalSynthesis)

	require.Len(t, rs.synths, 1)
	assert.Empty(t, rs.synths[0])

	tasks, err := st.ListTasksBySession(context.Background(), sess.ID)
	require.NoError(t, err)
	for _, tk := range tasks {
		if tk.Description == "A" {
			assert.Equal(t, []string{"https://a.example"}, tk.Citations)
			require.NotNil(t, tk.Result)
			assert.Equal(t, "answer A", *tk.Result)
		}
	}

	types := notes.types()
	assert.Equal(t, EventSessionStatus, types[0])
	assert.Contains(t, types, EventSynthesisReady)
	assert.Equal(t, EventSessionStatus, types[len(types)-1])
}

func TestRunRefusesTerminalSession(t *testing.T) {
	st := inmemory.New()
	sess, _ := seedSession(t, st, "X", store.PlanBranch{Name: "B1", Tasks: []store.PlanTask{task("A", 1)}})
	rs := &fakeReasoner{}
	eng := New(st, rs, config.OrchestrationConfig{})

	require.NoError(t, eng.Run(context.Background(), sess.ID))
	err := eng.Run(context.Background(), sess.ID)
	assert.ErrorIs(t, err, ErrSessionTerminal)
	assert.Len(t, rs.synths, 1)
	assert.Len(t, rs.calls, 1)
}

func TestRunUnknownSession(t *testing.T) {
	eng := New(inmemory.New(), &fakeReasoner{}, config.OrchestrationConfig{})
	assert.ErrorIs(t, eng.Run(context.Background(), 42), ErrSessionNotFound)
}

func TestRunQuotaHaltsSession(t *testing.T) {
	st := inmemory.New()
	sess, _ := seedSession(t, st, "X", store.PlanBranch{Name: "B1", Tasks: []store.PlanTask{
		task("first", 9), task("second", 8), task("third", 7), task("fourth", 6),
	}})
	quota := &reasoning.Error{Op: "run_task", Err: fmt.Errorf("%w: 429 too many requests", reasoning.ErrQuotaExhausted)}
	rs := &fakeReasoner{failOn: map[string]error{"second": quota}}
	eng := New(st, rs, config.OrchestrationConfig{})

	require.NoError(t, eng.Run(context.Background(), sess.ID))

	statuses := statusByDesc(t, st, sess.ID)
	assert.Equal(t, store.TaskDone, statuses["first"])
	assert.Equal(t, store.TaskRunning, statuses["second"])
	assert.Equal(t, store.TaskPending, statuses["third"])
	assert.Equal(t, store.TaskPending, statuses["fourth"])

	got, _, err := st.GetSession(context.Background(), sess.ID)
	require.NoError(t, err)
	assert.Equal(t, store.SessionFailed, got.Status)
	assert.Nil(t, got.FinalSynthesis)

	errs := logsOf(t, st, sess.ID, store.LogError)
	require.Len(t, errs, 1)
	assert.Equal(t, SystemAgent, errs[0].Agent)
	assert.True(t, strings.HasPrefix(errs[0].Message, "Research halted: "))
	assert.Empty(t, rs.synths)
}

func TestRunGenericFailureHaltsSession(t *testing.T) {
	st := inmemory.New()
	sess, _ := seedSession(t, st, "X", store.PlanBranch{Name: "B1", Tasks: []store.PlanTask{task("only", 1)}})
	rs := &fakeReasoner{failOn: map[string]error{"only": errors.New("upstream 500")}}
	eng := New(st, rs, config.OrchestrationConfig{})

	require.NoError(t, eng.Run(context.Background(), sess.ID))
	got, _, _ := st.GetSession(context.Background(), sess.ID)
	assert.Equal(t, store.SessionFailed, got.Status)
	errs := logsOf(t, st, sess.ID, store.LogError)
	require.Len(t, errs, 1)
	assert.Equal(t, "Research halted: upstream 500", errs[0].Message)
}

func TestRunWithNoPendingTasksOnlySynthesizes(t *testing.T) {
	st := inmemory.New()
	sess, _ := seedSession(t, st, "X", store.PlanBranch{Name: "B1", Tasks: []store.PlanTask{
		{Description: "already", Priority: 5, Status: store.TaskDone},
	}})
	rs := &fakeReasoner{}
	eng := New(st, rs, config.OrchestrationConfig{})

	before, err := st.ListTasksBySession(context.Background(), sess.ID)
	require.NoError(t, err)
	require.NoError(t, eng.Run(context.Background(), sess.ID))
	after, err := st.ListTasksBySession(context.Background(), sess.ID)
	require.NoError(t, err)

	assert.Equal(t, before, after)
	assert.Empty(t, rs.calls)
	assert.Len(t, rs.synths, 1)
	got, _, _ := st.GetSession(context.Background(), sess.ID)
	assert.Equal(t, store.SessionCompleted, got.Status)
}

func TestPausedBranchStillRunsByDefault(t *testing.T) {
	st := inmemory.New()
	sess, plan := seedSession(t, st, "X", store.PlanBranch{Name: "B1", Tasks: []store.PlanTask{
		task("A", 10), task("C", 9),
	}})
	branchID := plan.Branches[0].ID
	rs := &fakeReasoner{}
	rs.onRun = func(desc string) {
		if desc == "A" {
			_, _, err := st.ToggleBranchPause(context.Background(), branchID)
			require.NoError(t, err)
		}
	}
	eng := New(st, rs, config.OrchestrationConfig{})

	require.NoError(t, eng.Run(context.Background(), sess.ID))
	assert.Equal(t, []string{"A", "C"}, rs.descriptions())
	assert.Equal(t, store.TaskDone, statusByDesc(t, st, sess.ID)["C"])
}

func TestPausedBranchSkippedWhenHonored(t *testing.T) {
	st := inmemory.New()
	sess, plan := seedSession(t, st, "X",
		store.PlanBranch{Name: "B1", Tasks: []store.PlanTask{task("A", 10), task("C", 9)}},
		store.PlanBranch{Name: "B2", Tasks: []store.PlanTask{task("D", 1)}},
	)
	branchID := plan.Branches[0].ID
	rs := &fakeReasoner{}
	rs.onRun = func(desc string) {
		if desc == "A" {
			_, _, err := st.ToggleBranchPause(context.Background(), branchID)
			require.NoError(t, err)
		}
	}
	eng := New(st, rs, config.OrchestrationConfig{HonorBranchPause: true})

	require.NoError(t, eng.Run(context.Background(), sess.ID))
	assert.Equal(t, []string{"A", "D"}, rs.descriptions())
	assert.Equal(t, store.TaskPending, statusByDesc(t, st, sess.ID)["C"])
	got, _, _ := st.GetSession(context.Background(), sess.ID)
	assert.Equal(t, store.SessionCompleted, got.Status)
}

func TestDependenciesEnforcedWhenEnabled(t *testing.T) {
	st := inmemory.New()
	sess, _ := seedSession(t, st, "X", store.PlanBranch{Name: "B1", Tasks: []store.PlanTask{
		{Key: "t2", Description: "needs-gather", Priority: 9, Dependencies: []string{"t1", "missing"}},
		{Key: "t1", Description: "gather", Priority: 1},
	}})
	rs := &fakeReasoner{}
	eng := New(st, rs, config.OrchestrationConfig{EnforceDependencies: true})

	require.NoError(t, eng.Run(context.Background(), sess.ID))
	assert.Equal(t, []string{"gather", "needs-gather"}, rs.descriptions())
}

func TestDependenciesIgnoredByDefault(t *testing.T) {
	st := inmemory.New()
	sess, _ := seedSession(t, st, "X", store.PlanBranch{Name: "B1", Tasks: []store.PlanTask{
		{Key: "t2", Description: "needs-gather", Priority: 9, Dependencies: []string{"t1"}},
		{Key: "t1", Description: "gather", Priority: 1},
	}})
	rs := &fakeReasoner{}
	eng := New(st, rs, config.OrchestrationConfig{})

	require.NoError(t, eng.Run(context.Background(), sess.ID))
	assert.Equal(t, []string{"needs-gather", "gather"}, rs.descriptions())
}

func TestDependencyByNumericIDAndCycle(t *testing.T) {
	st := inmemory.New()
	sess, plan := seedSession(t, st, "X", store.PlanBranch{Name: "B1", Tasks: []store.PlanTask{
		{Key: "x", Description: "cycle-x", Priority: 9, Dependencies: []string{"y"}},
		{Key: "y", Description: "cycle-y", Priority: 9, Dependencies: []string{"x"}},
		{Description: "free", Priority: 1},
	}})
	require.Len(t, plan.Tasks, 3)
	rs := &fakeReasoner{}
	eng := New(st, rs, config.OrchestrationConfig{EnforceDependencies: true})

	require.NoError(t, eng.Run(context.Background(), sess.ID))
	assert.Equal(t, []string{"free"}, rs.descriptions())
	statuses := statusByDesc(t, st, sess.ID)
	assert.Equal(t, store.TaskPending, statuses["cycle-x"])
	assert.Equal(t, store.TaskPending, statuses["cycle-y"])
	got, _, _ := st.GetSession(context.Background(), sess.ID)
	assert.Equal(t, store.SessionCompleted, got.Status)

	idx := newDependencyIndex([]store.Task{
		{ID: 1, Status: store.TaskPending},
		{ID: 2, Status: store.TaskPending, Dependencies: []string{"1"}},
		{ID: 3, Status: store.TaskPending, Dependencies: []string{"3", "99"}},
	})
	assert.False(t, idx.satisfied(store.Task{ID: 2, Dependencies: []string{"1"}}))
	assert.True(t, idx.satisfied(store.Task{ID: 3, Dependencies: []string{"3", "99"}}))
}

func TestRunRecoversInterruptedTasks(t *testing.T) {
	st := inmemory.New()
	sess, plan := seedSession(t, st, "X", store.PlanBranch{Name: "B1", Tasks: []store.PlanTask{task("stuck", 5)}})
	ctx := context.Background()
	require.NoError(t, st.SetSessionStatus(ctx, sess.ID, store.SessionRunning))
	require.NoError(t, st.SetTaskStatus(ctx, plan.Tasks[0].ID, store.TaskRunning))
	rs := &fakeReasoner{}
	eng := New(st, rs, config.OrchestrationConfig{})

	require.NoError(t, eng.Run(ctx, sess.ID))
	assert.Equal(t, []string{"stuck"}, rs.descriptions())
	warnings := logsOf(t, st, sess.ID, store.LogWarning)
	require.Len(t, warnings, 1)
	assert.Equal(t, SystemAgent, warnings[0].Agent)
	got, _, _ := st.GetSession(ctx, sess.ID)
	assert.Equal(t, store.SessionCompleted, got.Status)
}

func TestRunCancelledLeavesSessionRunning(t *testing.T) {
	st := inmemory.New()
	sess, _ := seedSession(t, st, "X", store.PlanBranch{Name: "B1", Tasks: []store.PlanTask{task("slow", 5), task("next", 1)}})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	rs := &fakeReasoner{failOn: map[string]error{"slow": context.Canceled}}
	rs.onRun = func(string) { cancel() }
	eng := New(st, rs, config.OrchestrationConfig{})

	err := eng.Run(ctx, sess.ID)
	assert.ErrorIs(t, err, context.Canceled)
	got, _, _ := st.GetSession(context.Background(), sess.ID)
	assert.Equal(t, store.SessionRunning, got.Status)
	assert.Empty(t, logsOf(t, st, sess.ID, store.LogError))
	assert.Equal(t, store.TaskPending, statusByDesc(t, st, sess.ID)["next"])
}

func TestSynthesisFallbacks(t *testing.T) {
	cases := map[string]struct {
		rs   *fakeReasoner
		want string
	}{
		"error":     {rs: &fakeReasoner{synthErr: errors.New("boom")}, want: FallbackSynthesis},
		"quota":     {rs: &fakeReasoner{synthErr: reasoning.ErrQuotaExhausted}, want: FallbackSynthesis},
		"empty":     {rs: &fakeReasoner{synthOut: new(string)}, want: reasoning.EmptySynthesisText},
		"generated": {rs: &fakeReasoner{}, want: "final report"},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			st := inmemory.New()
			sess, _ := seedSession(t, st, "X")
			eng := New(st, tc.rs, config.OrchestrationConfig{})
			require.NoError(t, eng.Run(context.Background(), sess.ID))
			got, _, _ := st.GetSession(context.Background(), sess.ID)
			assert.Equal(t, store.SessionCompleted, got.Status)
			require.NotNil(t, got.FinalSynthesis)
			assert.Equal(t, tc.want, *got.FinalSynthesis)
		})
	}
}

func TestReviewExtractorFeedsLaterTasks(t *testing.T) {
	st := inmemory.New()
	sess, _ := seedSession(t, st, "X", store.PlanBranch{Name: "B1", Tasks: []store.PlanTask{
		{Description: "first", Priority: 9, Role: "Researcher"},
		{Description: "second", Priority: 1, Role: "Critic"},
	}})
	rs := &fakeReasoner{
		results: map[string]reasoning.TaskOutput{"first": {Content: "water boils at 100C"}},
		review:  reasoning.Review{Score: 91, Approved: true},
	}
	eng := New(st, rs, config.OrchestrationConfig{FactExtraction: config.FactExtractionReview})

	require.NoError(t, eng.Run(context.Background(), sess.ID))
	require.Len(t, rs.calls, 2)
	assert.Equal(t, "", rs.calls[0].Knowledge)
	assert.Equal(t, "- [Researcher] water boils at 100C", rs.calls[1].Knowledge)

	facts, err := st.ListFacts(context.Background(), sess.ID)
	require.NoError(t, err)
	require.Len(t, facts, 2)
	assert.Equal(t, 91, facts[0].Confidence)
	require.Len(t, rs.synths, 1)
	assert.Len(t, rs.synths[0], 2)
}

func TestArtifactStoredAfterTaskCompletes(t *testing.T) {
	st := inmemory.New()
	sess, _ := seedSession(t, st, "X", store.PlanBranch{Name: "B1", Tasks: []store.PlanTask{task("simulate decay", 5)}})
	rs := &fakeReasoner{artifact: reasoning.Artifact{Type: reasoning.ArtifactCode, Code: "print(1)", Scenarios: []string{"baseline"}}}
	notes := &recordingNotifier{}
	eng := New(st, rs, config.OrchestrationConfig{Artifacts: config.ArtifactsSimulation}, WithNotifier(notes))

	require.NoError(t, eng.Run(context.Background(), sess.ID))
	assert.Equal(t, 1, rs.artifacts)

	tasks, err := st.ListTasksBySession(context.Background(), sess.ID)
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, store.TaskDone, tasks[0].Status)
	assert.JSONEq(t, `{"type":"CODE","code":"print(1)","scenarios":["baseline"]}`, string(tasks[0].Artifacts))

	var withArtifacts int
	notes.mu.Lock()
	for _, ev := range notes.events {
		if ev.Task != nil && len(ev.Task.Artifacts) > 0 {
			withArtifacts++
		}
	}
	notes.mu.Unlock()
	assert.Equal(t, 1, withArtifacts)
}

func TestArtifactSkippedWhenDisabled(t *testing.T) {
	st := inmemory.New()
	sess, _ := seedSession(t, st, "X", store.PlanBranch{Name: "B1", Tasks: []store.PlanTask{task("a", 5)}})
	rs := &fakeReasoner{artifact: reasoning.Artifact{Type: reasoning.ArtifactCode, Code: "x"}}
	eng := New(st, rs, config.OrchestrationConfig{})

	require.NoError(t, eng.Run(context.Background(), sess.ID))
	assert.Zero(t, rs.artifacts)

	tasks, err := st.ListTasksBySession(context.Background(), sess.ID)
	require.NoError(t, err)
	assert.Empty(t, tasks[0].Artifacts)
}

func TestArtifactFailureWarnsAndContinues(t *testing.T) {
	st := inmemory.New()
	sess, _ := seedSession(t, st, "X", store.PlanBranch{Name: "B1", Tasks: []store.PlanTask{task("a", 5), task("b", 4)}})
	bad := &reasoning.Error{Op: "generate_artifact", Err: reasoning.ErrMalformedResponse}
	rs := &fakeReasoner{artifactErr: bad}
	eng := New(st, rs, config.OrchestrationConfig{Artifacts: config.ArtifactsSimulation})

	require.NoError(t, eng.Run(context.Background(), sess.ID))
	assert.Equal(t, 2, rs.artifacts)
	assert.Equal(t, map[string]string{"a": store.TaskDone, "b": store.TaskDone}, statusByDesc(t, st, sess.ID))

	warns := logsOf(t, st, sess.ID, store.LogWarning)
	require.Len(t, warns, 2)
	assert.Equal(t, SystemAgent, warns[0].Agent)
	assert.True(t, strings.HasPrefix(warns[0].Message, "Artifact generation failed for task "))

	got, _, err := st.GetSession(context.Background(), sess.ID)
	require.NoError(t, err)
	assert.Equal(t, store.SessionCompleted, got.Status)
}

func TestArtifactQuotaHaltsSession(t *testing.T) {
	st := inmemory.New()
	sess, _ := seedSession(t, st, "X", store.PlanBranch{Name: "B1", Tasks: []store.PlanTask{task("a", 5), task("b", 4)}})
	quota := &reasoning.Error{Op: "generate_artifact", Err: fmt.Errorf("%w: 429", reasoning.ErrQuotaExhausted)}
	rs := &fakeReasoner{artifactErr: quota}
	eng := New(st, rs, config.OrchestrationConfig{Artifacts: config.ArtifactsSimulation})

	require.NoError(t, eng.Run(context.Background(), sess.ID))
	assert.Equal(t, []string{"a"}, rs.descriptions())
	assert.Equal(t, map[string]string{"a": store.TaskDone, "b": store.TaskPending}, statusByDesc(t, st, sess.ID))

	got, _, err := st.GetSession(context.Background(), sess.ID)
	require.NoError(t, err)
	assert.Equal(t, store.SessionFailed, got.Status)
	errs := logsOf(t, st, sess.ID, store.LogError)
	require.Len(t, errs, 1)
	assert.True(t, strings.HasPrefix(errs[0].Message, "Research halted: "))
}

func TestReviewExtractorRejects(t *testing.T) {
	x := &ReviewExtractor{Reasoner: &fakeReasoner{review: reasoning.Review{Score: 40}}, Threshold: 85}
	res := "text"
	facts, err := x.Extract(context.Background(), store.Task{Result: &res})
	require.NoError(t, err)
	assert.Empty(t, facts)

	x = &ReviewExtractor{Reasoner: &fakeReasoner{review: reasoning.Review{Score: 90}}, Threshold: 85}
	facts, err = x.Extract(context.Background(), store.Task{SessionID: 3, Result: &res})
	require.NoError(t, err)
	require.Len(t, facts, 1)
	assert.Equal(t, defaultAgent, facts[0].Source)
	assert.Equal(t, 90, facts[0].Confidence)
}

func TestFormatContext(t *testing.T) {
	got := FormatContext([]store.KnowledgeFact{
		{Source: "Researcher", Content: "one"},
		{Source: "Critic", Content: "two"},
	})
	assert.Equal(t, "- [Researcher] one\n- [Critic] two", got)
	assert.Equal(t, "", FormatContext(nil))
}
