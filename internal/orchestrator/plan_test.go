package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mohammad-safakhou/colossus/config"
	"github.com/mohammad-safakhou/colossus/internal/reasoning"
	"github.com/mohammad-safakhou/colossus/internal/store"
	"github.com/mohammad-safakhou/colossus/internal/store/inmemory"
)

func intPtr(v int) *int { return &v }

func TestStartSessionAppliesDefaults(t *testing.T) {
	st := inmemory.New()
	rs := &fakeReasoner{plan: []reasoning.PlanBranch{
		{Tasks: []reasoning.PlanTask{
			{ID: "t1", Description: "survey"},
			{ID: "t2", Description: "compare", Role: "Analyst", Priority: intPtr(9), Dependencies: []string{"t1"}, Artifacts: json.RawMessage(`{"code":"print(1)"}`)},
		}},
		{Name: "Experiments", Tasks: []reasoning.PlanTask{{Description: "run", Status: "bogus"}}},
	}}
	eng := New(st, rs, config.OrchestrationConfig{})

	sess, plan, err := eng.StartSession(context.Background(), "  why is the sky blue?  ", nil)
	require.NoError(t, err)
	assert.Equal(t, "why is the sky blue?", sess.Prompt)
	assert.Equal(t, store.SessionPending, sess.Status)

	require.Len(t, plan.Branches, 2)
	assert.Equal(t, defaultBranchName, plan.Branches[0].Name)
	assert.Equal(t, "Experiments", plan.Branches[1].Name)
	assert.Equal(t, store.BranchActive, plan.Branches[0].Status)

	require.Len(t, plan.Tasks, 3)
	first := plan.Tasks[0]
	assert.Equal(t, defaultAgent, first.Role)
	assert.Equal(t, store.TaskPending, first.Status)
	assert.Equal(t, defaultPriority, first.Priority)
	assert.Equal(t, []string{}, first.Dependencies)
	assert.Equal(t, "t1", first.Key)

	second := plan.Tasks[1]
	assert.Equal(t, "Analyst", second.Role)
	assert.Equal(t, 9, second.Priority)
	assert.Equal(t, []string{"t1"}, second.Dependencies)
	assert.JSONEq(t, `{"code":"print(1)"}`, string(second.Artifacts))

	assert.Equal(t, store.TaskPending, plan.Tasks[2].Status)

	infos := logsOf(t, st, sess.ID, store.LogInfo)
	require.Len(t, infos, 1)
	assert.Equal(t, OrchestratorAgent, infos[0].Agent)
	assert.Equal(t, "Plan created with 2 branches and 3 tasks.", infos[0].Message)
}

func TestStartSessionQuotaFailsSession(t *testing.T) {
	st := inmemory.New()
	quota := &reasoning.Error{Op: "plan_session", Err: fmt.Errorf("%w: resource_exhausted", reasoning.ErrQuotaExhausted)}
	eng := New(st, &fakeReasoner{planErr: quota}, config.OrchestrationConfig{})

	sess, _, err := eng.StartSession(context.Background(), "p", nil)
	require.Error(t, err)
	assert.True(t, reasoning.IsQuota(err))
	assert.Equal(t, store.SessionFailed, sess.Status)

	got, ok, err := st.GetSession(context.Background(), sess.ID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, store.SessionFailed, got.Status)

	branches, err := st.ListBranches(context.Background(), sess.ID)
	require.NoError(t, err)
	assert.Empty(t, branches)
	assert.Len(t, logsOf(t, st, sess.ID, store.LogError), 1)
}

func TestStartSessionMalformedFailsSession(t *testing.T) {
	st := inmemory.New()
	bad := &reasoning.Error{Op: "plan_session", Err: reasoning.ErrMalformedResponse}
	eng := New(st, &fakeReasoner{planErr: bad}, config.OrchestrationConfig{})

	sess, _, err := eng.StartSession(context.Background(), "p", nil)
	require.Error(t, err)
	assert.True(t, reasoning.IsMalformed(err))
	got, _, _ := st.GetSession(context.Background(), sess.ID)
	assert.Equal(t, store.SessionFailed, got.Status)

	err = eng.Run(context.Background(), sess.ID)
	assert.ErrorIs(t, err, ErrSessionTerminal)
}

func TestPrepareAttachments(t *testing.T) {
	st := inmemory.New()
	rs := &fakeReasoner{}
	eng := New(st, rs, config.OrchestrationConfig{AttachmentMaxRunes: 10})

	_, _, err := eng.StartSession(context.Background(), "p", []reasoning.Attachment{
		{Name: " notes.html ", Content: "<p>Fish &amp; chips</p><script>alert(1)</script>"},
		{Name: "empty", Content: "<div>  </div>"},
		{Name: "long", Content: strings.Repeat("é", 25)},
	})
	require.NoError(t, err)
	require.Len(t, rs.gotAttch, 2)
	assert.Equal(t, "notes.html", rs.gotAttch[0].Name)
	assert.Equal(t, "Fish & chi"+truncationMarker, rs.gotAttch[0].Content)
	assert.Equal(t, strings.Repeat("é", 10)+truncationMarker, rs.gotAttch[1].Content)
}

func TestSnapshotNestsTasksByBranch(t *testing.T) {
	st := inmemory.New()
	sess, _ := seedSession(t, st, "X",
		store.PlanBranch{Name: "B1", Tasks: []store.PlanTask{task("A", 8)}},
		store.PlanBranch{Name: "B2", Tasks: []store.PlanTask{task("B", 3)}},
	)
	eng := New(st, &fakeReasoner{}, config.OrchestrationConfig{FactExtraction: config.FactExtractionReview})
	require.NoError(t, eng.Run(context.Background(), sess.ID))

	snap, ok, err := eng.Snapshot(context.Background(), sess.ID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, store.SessionCompleted, snap.Session.Status)
	require.Len(t, snap.Branches, 2)
	require.Len(t, snap.Branches[0].Tasks, 1)
	assert.Equal(t, "A", snap.Branches[0].Tasks[0].Description)
	assert.Equal(t, "B", snap.Branches[1].Tasks[0].Description)
	assert.Len(t, snap.Logs, 2)

	raw, err := json.Marshal(snap)
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"original_prompt":"X"`)
	assert.Contains(t, string(raw), `"knowledge":[`)
	assert.Contains(t, string(raw), `"assigned_to":"Researcher"`)

	_, ok, err = eng.Snapshot(context.Background(), 999)
	require.NoError(t, err)
	assert.False(t, ok)
}
