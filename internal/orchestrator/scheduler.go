package orchestrator

import (
	"context"
	"strconv"
	"strings"

	"github.com/mohammad-safakhou/colossus/internal/store"
)

// SelectNext returns the pending task with the highest priority, lowest id
// first on ties. Branch pause and dependencies are only considered when
// enabled in the orchestration config.
func (e *Engine) SelectNext(ctx context.Context, sessionID int64) (store.Task, bool, error) {
	pending, err := e.store.ListTasksByStatus(ctx, sessionID, store.TaskPending)
	if err != nil {
		return store.Task{}, false, err
	}
	if len(pending) == 0 {
		return store.Task{}, false, nil
	}

	var all []store.Task
	if e.cfg.EnforceDependencies {
		if all, err = e.store.ListTasksBySession(ctx, sessionID); err != nil {
			return store.Task{}, false, err
		}
	}
	deps := newDependencyIndex(all)

	// pending is already ordered by priority desc, id asc.
	for _, t := range pending {
		if e.cfg.HonorBranchPause && t.BranchStatus == store.BranchPaused {
			continue
		}
		if e.cfg.EnforceDependencies && !deps.satisfied(t) {
			continue
		}
		return t, true, nil
	}
	return store.Task{}, false, nil
}

type dependencyIndex struct {
	byID       map[int64]store.Task
	byKey      map[string][]store.Task
	byBranchID map[int64]map[string]store.Task
}

func newDependencyIndex(tasks []store.Task) dependencyIndex {
	idx := dependencyIndex{
		byID:       make(map[int64]store.Task, len(tasks)),
		byKey:      make(map[string][]store.Task),
		byBranchID: make(map[int64]map[string]store.Task),
	}
	for _, t := range tasks {
		idx.byID[t.ID] = t
		if t.Key == "" {
			continue
		}
		idx.byKey[t.Key] = append(idx.byKey[t.Key], t)
		if idx.byBranchID[t.BranchID] == nil {
			idx.byBranchID[t.BranchID] = make(map[string]store.Task)
		}
		idx.byBranchID[t.BranchID][t.Key] = t
	}
	return idx
}

// satisfied reports whether every resolvable dependency of t is done.
// Planner keys are resolved within the branch first, then across the
// session, then as numeric task ids. Unresolvable and self references
// are ignored.
func (d dependencyIndex) satisfied(t store.Task) bool {
	for _, raw := range t.Dependencies {
		ref := strings.TrimSpace(raw)
		if ref == "" {
			continue
		}
		if dep, ok := d.byBranchID[t.BranchID][ref]; ok {
			if dep.ID != t.ID && dep.Status != store.TaskDone {
				return false
			}
			continue
		}
		if matches, ok := d.byKey[ref]; ok {
			for _, dep := range matches {
				if dep.ID != t.ID && dep.Status != store.TaskDone {
					return false
				}
			}
			continue
		}
		if id, err := strconv.ParseInt(ref, 10, 64); err == nil {
			if dep, ok := d.byID[id]; ok && dep.ID != t.ID && dep.Status != store.TaskDone {
				return false
			}
		}
	}
	return true
}
