package orchestrator

import (
	"context"

	"github.com/mohammad-safakhou/colossus/internal/store"
)

// Snapshot reads the full state of a session. The bool reports whether it exists.
func (e *Engine) Snapshot(ctx context.Context, sessionID int64) (Snapshot, bool, error) {
	sess, ok, err := e.store.GetSession(ctx, sessionID)
	if err != nil || !ok {
		return Snapshot{}, ok, err
	}
	branches, err := e.store.ListBranches(ctx, sessionID)
	if err != nil {
		return Snapshot{}, false, err
	}
	tasks, err := e.store.ListTasksBySession(ctx, sessionID)
	if err != nil {
		return Snapshot{}, false, err
	}
	logs, err := e.store.ListLogs(ctx, sessionID)
	if err != nil {
		return Snapshot{}, false, err
	}
	facts, err := e.store.ListFacts(ctx, sessionID)
	if err != nil {
		return Snapshot{}, false, err
	}

	byBranch := make(map[int64][]store.Task, len(branches))
	for _, t := range tasks {
		byBranch[t.BranchID] = append(byBranch[t.BranchID], t)
	}
	snap := Snapshot{
		Session:  sessionView(sess),
		Branches: make([]BranchView, 0, len(branches)),
		Logs:     make([]LogView, 0, len(logs)),
		Facts:    make([]FactView, 0, len(facts)),
	}
	for _, b := range branches {
		bv := BranchView{ID: b.ID, Name: b.Name, Status: b.Status, Tasks: []TaskView{}}
		for _, t := range byBranch[b.ID] {
			bv.Tasks = append(bv.Tasks, taskView(t))
		}
		snap.Branches = append(snap.Branches, bv)
	}
	for _, l := range logs {
		snap.Logs = append(snap.Logs, logView(l))
	}
	for _, f := range facts {
		snap.Facts = append(snap.Facts, factView(f))
	}
	return snap, true, nil
}
