// Package inmemory is a process-local implementation of the research store used by
// tests and single-process runs.
package inmemory

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/mohammad-safakhou/colossus/internal/store"
)

type Store struct {
	mu sync.Mutex

	now func() time.Time

	nextSession int64
	nextBranch  int64
	nextTask    int64
	nextLog     int64
	nextFact    int64

	sessions map[int64]store.Session
	branches map[int64]store.Branch
	tasks    map[int64]store.Task
	logs     []store.AgentLog
	facts    []store.KnowledgeFact
	claims   map[string]struct{}
}

func New() *Store {
	return &Store{
		now:      time.Now,
		sessions: make(map[int64]store.Session),
		branches: make(map[int64]store.Branch),
		tasks:    make(map[int64]store.Task),
		claims:   make(map[string]struct{}),
	}
}

func (s *Store) CreateSession(ctx context.Context, prompt string) (store.Session, error) {
	if err := ctx.Err(); err != nil {
		return store.Session{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextSession++
	sess := store.Session{ID: s.nextSession, Prompt: prompt, Status: store.SessionPending, CreatedAt: s.now()}
	s.sessions[sess.ID] = sess
	return copySession(sess), nil
}

func (s *Store) GetSession(ctx context.Context, id int64) (store.Session, bool, error) {
	if err := ctx.Err(); err != nil {
		return store.Session{}, false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	return copySession(sess), ok, nil
}

func (s *Store) SetSessionStatus(ctx context.Context, id int64, status string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return nil
	}
	sess.Status = status
	s.sessions[id] = sess
	return nil
}

func (s *Store) CompleteSession(ctx context.Context, id int64, synthesis string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok || sess.Status != store.SessionRunning {
		return store.ErrSessionNotRunning
	}
	sess.Status = store.SessionCompleted
	sess.FinalSynthesis = &synthesis
	s.sessions[id] = sess
	return nil
}

// CreatePlan writes the whole plan under one lock.
func (s *Store) CreatePlan(ctx context.Context, sessionID int64, branches []store.PlanBranch) (store.Plan, error) {
	if err := ctx.Err(); err != nil {
		return store.Plan{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[sessionID]; !ok {
		return store.Plan{}, fmt.Errorf("session %d not found", sessionID)
	}
	var plan store.Plan
	for _, pb := range branches {
		s.nextBranch++
		b := store.Branch{ID: s.nextBranch, SessionID: sessionID, Name: pb.Name, Status: store.BranchActive, CreatedAt: s.now()}
		s.branches[b.ID] = b
		plan.Branches = append(plan.Branches, b)
		for _, pt := range pb.Tasks {
			s.nextTask++
			deps := append([]string{}, pt.Dependencies...)
			t := store.Task{
				ID:           s.nextTask,
				BranchID:     b.ID,
				SessionID:    sessionID,
				Key:          pt.Key,
				Description:  pt.Description,
				Role:         pt.Role,
				Status:       pt.Status,
				Priority:     pt.Priority,
				Artifacts:    pt.Artifacts,
				Dependencies: deps,
				Citations:    []string{},
				CreatedAt:    s.now(),
			}
			s.tasks[t.ID] = t
			t.BranchStatus = b.Status
			plan.Tasks = append(plan.Tasks, copyTask(t))
		}
	}
	return plan, nil
}

func (s *Store) ListBranches(ctx context.Context, sessionID int64) ([]store.Branch, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []store.Branch
	for _, b := range s.branches {
		if b.SessionID == sessionID {
			out = append(out, b)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) ToggleBranchPause(ctx context.Context, id int64) (store.Branch, bool, error) {
	if err := ctx.Err(); err != nil {
		return store.Branch{}, false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.branches[id]
	if !ok {
		return store.Branch{}, false, nil
	}
	if b.Status == store.BranchPaused {
		b.Status = store.BranchActive
	} else {
		b.Status = store.BranchPaused
	}
	s.branches[id] = b
	return b, true, nil
}

func (s *Store) ListTasksBySession(ctx context.Context, sessionID int64) ([]store.Task, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.filterTasks(func(t store.Task) bool { return t.SessionID == sessionID })
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) ListTasksByStatus(ctx context.Context, sessionID int64, status string) ([]store.Task, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.filterTasks(func(t store.Task) bool { return t.SessionID == sessionID && t.Status == status })
	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority > out[j].Priority
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (s *Store) GetTask(ctx context.Context, id int64) (store.Task, bool, error) {
	if err := ctx.Err(); err != nil {
		return store.Task{}, false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return store.Task{}, false, nil
	}
	t.BranchStatus = s.branches[t.BranchID].Status
	return copyTask(t), true, nil
}

func (s *Store) SetTaskStatus(ctx context.Context, id int64, status string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.tasks[id]; ok {
		t.Status = status
		s.tasks[id] = t
	}
	return nil
}

func (s *Store) CompleteTask(ctx context.Context, id int64, result string, citations []string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.tasks[id]; ok {
		t.Result = &result
		t.Citations = append([]string{}, citations...)
		t.Status = store.TaskDone
		s.tasks[id] = t
	}
	return nil
}

func (s *Store) SetTaskArtifacts(ctx context.Context, id int64, artifacts json.RawMessage) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.tasks[id]; ok {
		t.Artifacts = append(json.RawMessage(nil), artifacts...)
		s.tasks[id] = t
	}
	return nil
}

func (s *Store) AppendLog(ctx context.Context, entry store.AgentLog) (store.AgentLog, error) {
	if err := ctx.Err(); err != nil {
		return store.AgentLog{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextLog++
	entry.ID = s.nextLog
	entry.CreatedAt = s.now()
	s.logs = append(s.logs, entry)
	return entry, nil
}

func (s *Store) ListLogs(ctx context.Context, sessionID int64) ([]store.AgentLog, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []store.AgentLog
	for _, l := range s.logs {
		if l.SessionID == sessionID {
			out = append(out, l)
		}
	}
	return out, nil
}

func (s *Store) AppendFact(ctx context.Context, fact store.KnowledgeFact) (store.KnowledgeFact, error) {
	if err := ctx.Err(); err != nil {
		return store.KnowledgeFact{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if fact.Confidence == 0 {
		fact.Confidence = store.DefaultFactConfidence
	}
	s.nextFact++
	fact.ID = s.nextFact
	fact.CreatedAt = s.now()
	s.facts = append(s.facts, fact)
	return fact, nil
}

func (s *Store) ListFacts(ctx context.Context, sessionID int64) ([]store.KnowledgeFact, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []store.KnowledgeFact
	for _, f := range s.facts {
		if f.SessionID == sessionID {
			out = append(out, f)
		}
	}
	return out, nil
}

func (s *Store) ClaimIdempotency(ctx context.Context, scope, key string) (bool, error) {
	if scope == "" || key == "" {
		return false, fmt.Errorf("scope and key must be provided")
	}
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	k := scope + "\x00" + key
	if _, ok := s.claims[k]; ok {
		return false, nil
	}
	s.claims[k] = struct{}{}
	return true, nil
}

func (s *Store) ReleaseIdempotency(ctx context.Context, scope, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.claims, scope+"\x00"+key)
	return nil
}

// filterTasks must be called with mu held.
func (s *Store) filterTasks(keep func(store.Task) bool) []store.Task {
	var out []store.Task
	for _, t := range s.tasks {
		if !keep(t) {
			continue
		}
		t.BranchStatus = s.branches[t.BranchID].Status
		out = append(out, copyTask(t))
	}
	return out
}

func copySession(s store.Session) store.Session {
	if s.FinalSynthesis != nil {
		v := *s.FinalSynthesis
		s.FinalSynthesis = &v
	}
	return s
}

func copyTask(t store.Task) store.Task {
	if t.Result != nil {
		v := *t.Result
		t.Result = &v
	}
	t.Dependencies = append([]string{}, t.Dependencies...)
	t.Citations = append([]string{}, t.Citations...)
	if t.Artifacts != nil {
		t.Artifacts = append(json.RawMessage(nil), t.Artifacts...)
	}
	return t
}
