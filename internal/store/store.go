package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	_ "github.com/lib/pq"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	otelmetric "go.opentelemetry.io/otel/metric"
)

type Store struct {
	DB *sql.DB
}

var (
	metricsOnce    sync.Once
	writeCounter   otelmetric.Int64Counter
	metricsInitErr error
)

func initStoreMetrics() {
	meter := otel.Meter("store")
	writeCounter, metricsInitErr = meter.Int64Counter("research_store_writes_total")
}

func recordWrite(ctx context.Context, table string) {
	metricsOnce.Do(initStoreMetrics)
	if metricsInitErr != nil || writeCounter == nil {
		return
	}
	writeCounter.Add(ctx, 1, otelmetric.WithAttributes(attribute.String("table", table)))
}

// NewWithDSN constructs the Store using an explicit Postgres DSN
func NewWithDSN(ctx context.Context, dsn string) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Store{DB: db}, nil
}

// ---------- sessions ----------

// CreateSession inserts a pending session for prompt.
func (s *Store) CreateSession(ctx context.Context, prompt string) (Session, error) {
	sess := Session{Prompt: prompt, Status: SessionPending}
	err := s.DB.QueryRowContext(ctx, `
INSERT INTO research_sessions (prompt, status, created_at)
VALUES ($1,$2,NOW())
RETURNING id, created_at`, prompt, SessionPending).Scan(&sess.ID, &sess.CreatedAt)
	if err != nil {
		return Session{}, fmt.Errorf("insert session: %w", err)
	}
	recordWrite(ctx, "research_sessions")
	return sess, nil
}

// GetSession returns the session by id. The bool reports whether it exists.
func (s *Store) GetSession(ctx context.Context, id int64) (Session, bool, error) {
	var (
		sess      Session
		synthesis sql.NullString
	)
	row := s.DB.QueryRowContext(ctx, `
SELECT id, prompt, status, created_at, final_synthesis
FROM research_sessions
WHERE id=$1`, id)
	if err := row.Scan(&sess.ID, &sess.Prompt, &sess.Status, &sess.CreatedAt, &synthesis); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Session{}, false, nil
		}
		return Session{}, false, err
	}
	if synthesis.Valid {
		v := synthesis.String
		sess.FinalSynthesis = &v
	}
	return sess, true, nil
}

// SetSessionStatus overwrites the session status.
func (s *Store) SetSessionStatus(ctx context.Context, id int64, status string) error {
	_, err := s.DB.ExecContext(ctx, `UPDATE research_sessions SET status=$2 WHERE id=$1`, id, status)
	if err == nil {
		recordWrite(ctx, "research_sessions")
	}
	return err
}

// CompleteSession stores the final synthesis and marks a running session completed.
// It returns ErrSessionNotRunning when the session is in any other state.
func (s *Store) CompleteSession(ctx context.Context, id int64, synthesis string) error {
	res, err := s.DB.ExecContext(ctx, `
UPDATE research_sessions SET status=$3, final_synthesis=$2
WHERE id=$1 AND status=$4`, id, synthesis, SessionCompleted, SessionRunning)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrSessionNotRunning
	}
	recordWrite(ctx, "research_sessions")
	return nil
}

// ---------- plan / branches ----------

// CreatePlan writes every branch and task in a single transaction.
func (s *Store) CreatePlan(ctx context.Context, sessionID int64, branches []PlanBranch) (plan Plan, err error) {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return Plan{}, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	for _, pb := range branches {
		b := Branch{SessionID: sessionID, Name: pb.Name, Status: BranchActive}
		if err = tx.QueryRowContext(ctx, `
INSERT INTO research_branches (session_id, name, status, created_at)
VALUES ($1,$2,$3,NOW())
RETURNING id, created_at`, sessionID, pb.Name, BranchActive).Scan(&b.ID, &b.CreatedAt); err != nil {
			return Plan{}, fmt.Errorf("insert branch %q: %w", pb.Name, err)
		}
		plan.Branches = append(plan.Branches, b)

		for _, pt := range pb.Tasks {
			deps, mErr := json.Marshal(nonNil(pt.Dependencies))
			if mErr != nil {
				err = fmt.Errorf("marshal dependencies: %w", mErr)
				return Plan{}, err
			}
			t := Task{
				BranchID:     b.ID,
				SessionID:    sessionID,
				Key:          pt.Key,
				Description:  pt.Description,
				Role:         pt.Role,
				Status:       pt.Status,
				Priority:     pt.Priority,
				Artifacts:    pt.Artifacts,
				Dependencies: nonNil(pt.Dependencies),
				Citations:    []string{},
				BranchStatus: BranchActive,
			}
			if err = tx.QueryRowContext(ctx, `
INSERT INTO research_tasks (branch_id, task_key, description, role, status, priority, artifacts, dependencies, citations, created_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,'[]'::jsonb,NOW())
RETURNING id, created_at`, b.ID, pt.Key, pt.Description, pt.Role, pt.Status, pt.Priority, nullJSON(pt.Artifacts), deps).Scan(&t.ID, &t.CreatedAt); err != nil {
				return Plan{}, fmt.Errorf("insert task: %w", err)
			}
			plan.Tasks = append(plan.Tasks, t)
		}
	}

	if err = tx.Commit(); err != nil {
		return Plan{}, err
	}
	recordWrite(ctx, "research_tasks")
	return plan, nil
}

// ListBranches returns the session's branches ordered by id.
func (s *Store) ListBranches(ctx context.Context, sessionID int64) ([]Branch, error) {
	rows, err := s.DB.QueryContext(ctx, `
SELECT id, session_id, name, status, created_at
FROM research_branches
WHERE session_id=$1
ORDER BY id ASC`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Branch
	for rows.Next() {
		var b Branch
		if err := rows.Scan(&b.ID, &b.SessionID, &b.Name, &b.Status, &b.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

// ToggleBranchPause flips a branch between active and paused in one statement.
func (s *Store) ToggleBranchPause(ctx context.Context, id int64) (Branch, bool, error) {
	var b Branch
	err := s.DB.QueryRowContext(ctx, `
UPDATE research_branches
SET status = CASE WHEN status = 'paused' THEN 'active' ELSE 'paused' END
WHERE id=$1
RETURNING id, session_id, name, status, created_at`, id).Scan(&b.ID, &b.SessionID, &b.Name, &b.Status, &b.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Branch{}, false, nil
	}
	if err != nil {
		return Branch{}, false, err
	}
	recordWrite(ctx, "research_branches")
	return b, true, nil
}

// ---------- tasks ----------

const taskColumns = `t.id, t.branch_id, b.session_id, t.task_key, t.description, t.role, t.status, t.priority, t.result, t.artifacts, t.dependencies, t.citations, t.created_at, b.status`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (Task, error) {
	var (
		t         Task
		result    sql.NullString
		artifacts []byte
		deps      []byte
		citations []byte
	)
	if err := row.Scan(&t.ID, &t.BranchID, &t.SessionID, &t.Key, &t.Description, &t.Role, &t.Status, &t.Priority,
		&result, &artifacts, &deps, &citations, &t.CreatedAt, &t.BranchStatus); err != nil {
		return Task{}, err
	}
	if result.Valid {
		v := result.String
		t.Result = &v
	}
	if len(artifacts) > 0 {
		t.Artifacts = json.RawMessage(artifacts)
	}
	var err error
	if t.Dependencies, err = decodeStrings(deps); err != nil {
		return Task{}, fmt.Errorf("task %d dependencies: %w", t.ID, err)
	}
	if t.Citations, err = decodeStrings(citations); err != nil {
		return Task{}, fmt.Errorf("task %d citations: %w", t.ID, err)
	}
	return t, nil
}

func (s *Store) queryTasks(ctx context.Context, query string, args ...any) ([]Task, error) {
	rows, err := s.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// ListTasksBySession returns every task of the session ordered by id.
func (s *Store) ListTasksBySession(ctx context.Context, sessionID int64) ([]Task, error) {
	return s.queryTasks(ctx, `
SELECT `+taskColumns+`
FROM research_tasks t
JOIN research_branches b ON b.id = t.branch_id
WHERE b.session_id=$1
ORDER BY t.id ASC`, sessionID)
}

// ListTasksByStatus returns the session's tasks in status ordered by priority desc, id asc.
func (s *Store) ListTasksByStatus(ctx context.Context, sessionID int64, status string) ([]Task, error) {
	return s.queryTasks(ctx, `
SELECT `+taskColumns+`
FROM research_tasks t
JOIN research_branches b ON b.id = t.branch_id
WHERE b.session_id=$1 AND t.status=$2
ORDER BY t.priority DESC, t.id ASC`, sessionID, status)
}

// GetTask returns a task by id. The bool reports whether it exists.
func (s *Store) GetTask(ctx context.Context, id int64) (Task, bool, error) {
	row := s.DB.QueryRowContext(ctx, `
SELECT `+taskColumns+`
FROM research_tasks t
JOIN research_branches b ON b.id = t.branch_id
WHERE t.id=$1`, id)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Task{}, false, nil
	}
	if err != nil {
		return Task{}, false, err
	}
	return t, true, nil
}

// SetTaskStatus overwrites the task status.
func (s *Store) SetTaskStatus(ctx context.Context, id int64, status string) error {
	_, err := s.DB.ExecContext(ctx, `UPDATE research_tasks SET status=$2 WHERE id=$1`, id, status)
	if err == nil {
		recordWrite(ctx, "research_tasks")
	}
	return err
}

// CompleteTask stores the result and citations and marks the task done.
func (s *Store) CompleteTask(ctx context.Context, id int64, result string, citations []string) error {
	cites, err := json.Marshal(nonNil(citations))
	if err != nil {
		return fmt.Errorf("marshal citations: %w", err)
	}
	_, err = s.DB.ExecContext(ctx, `
UPDATE research_tasks SET result=$2, citations=$3, status=$4
WHERE id=$1`, id, result, cites, TaskDone)
	if err == nil {
		recordWrite(ctx, "research_tasks")
	}
	return err
}

// SetTaskArtifacts replaces the artifact payload of a task.
func (s *Store) SetTaskArtifacts(ctx context.Context, id int64, artifacts json.RawMessage) error {
	_, err := s.DB.ExecContext(ctx, `UPDATE research_tasks SET artifacts=$2 WHERE id=$1`, id, nullJSON(artifacts))
	if err == nil {
		recordWrite(ctx, "research_tasks")
	}
	return err
}

// ---------- logs / facts ----------

// AppendLog appends an agent log entry.
func (s *Store) AppendLog(ctx context.Context, entry AgentLog) (AgentLog, error) {
	err := s.DB.QueryRowContext(ctx, `
INSERT INTO agent_logs (session_id, agent, message, category, created_at)
VALUES ($1,$2,$3,$4,NOW())
RETURNING id, created_at`, entry.SessionID, entry.Agent, entry.Message, entry.Category).Scan(&entry.ID, &entry.CreatedAt)
	if err != nil {
		return AgentLog{}, fmt.Errorf("insert agent log: %w", err)
	}
	recordWrite(ctx, "agent_logs")
	return entry, nil
}

// ListLogs returns the session's logs in insertion order.
func (s *Store) ListLogs(ctx context.Context, sessionID int64) ([]AgentLog, error) {
	rows, err := s.DB.QueryContext(ctx, `
SELECT id, session_id, agent, message, category, created_at
FROM agent_logs
WHERE session_id=$1
ORDER BY id ASC`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []AgentLog
	for rows.Next() {
		var l AgentLog
		if err := rows.Scan(&l.ID, &l.SessionID, &l.Agent, &l.Message, &l.Category, &l.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

// AppendFact appends a knowledge fact. A zero confidence is stored as DefaultFactConfidence.
func (s *Store) AppendFact(ctx context.Context, fact KnowledgeFact) (KnowledgeFact, error) {
	if fact.Confidence == 0 {
		fact.Confidence = DefaultFactConfidence
	}
	err := s.DB.QueryRowContext(ctx, `
INSERT INTO knowledge_facts (session_id, content, source, confidence, created_at)
VALUES ($1,$2,$3,$4,NOW())
RETURNING id, created_at`, fact.SessionID, fact.Content, fact.Source, fact.Confidence).Scan(&fact.ID, &fact.CreatedAt)
	if err != nil {
		return KnowledgeFact{}, fmt.Errorf("insert knowledge fact: %w", err)
	}
	recordWrite(ctx, "knowledge_facts")
	return fact, nil
}

// ListFacts returns the session's facts in creation order.
func (s *Store) ListFacts(ctx context.Context, sessionID int64) ([]KnowledgeFact, error) {
	rows, err := s.DB.QueryContext(ctx, `
SELECT id, session_id, content, source, confidence, created_at
FROM knowledge_facts
WHERE session_id=$1
ORDER BY created_at ASC, id ASC`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []KnowledgeFact
	for rows.Next() {
		var f KnowledgeFact
		if err := rows.Scan(&f.ID, &f.SessionID, &f.Content, &f.Source, &f.Confidence, &f.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

// ---------- idempotency ----------

// ClaimIdempotency attempts to register a processed event. It returns false if the key already exists.
func (s *Store) ClaimIdempotency(ctx context.Context, scope, key string) (bool, error) {
	if scope == "" || key == "" {
		return false, fmt.Errorf("scope and key must be provided")
	}
	var inserted bool
	err := s.DB.QueryRowContext(ctx, `INSERT INTO processed_events (scope, key) VALUES ($1,$2) ON CONFLICT DO NOTHING RETURNING true`, scope, key).Scan(&inserted)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return inserted, nil
}

// ReleaseIdempotency removes a claim so the event can be processed again.
func (s *Store) ReleaseIdempotency(ctx context.Context, scope, key string) error {
	_, err := s.DB.ExecContext(ctx, `DELETE FROM processed_events WHERE scope=$1 AND key=$2`, scope, key)
	return err
}

func nonNil(v []string) []string {
	if v == nil {
		return []string{}
	}
	return v
}

func nullJSON(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return []byte(raw)
}

func decodeStrings(raw []byte) ([]string, error) {
	out := []string{}
	if len(raw) == 0 {
		return out, nil
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	if out == nil {
		out = []string{}
	}
	return out, nil
}
