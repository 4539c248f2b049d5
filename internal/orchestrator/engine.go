// Package orchestrator runs research sessions: it turns a planning response
// into branches and tasks, executes pending tasks one at a time against the
// reasoning service, accumulates knowledge and closes the session with a
// synthesized report.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"

	"github.com/mohammad-safakhou/colossus/config"
	"github.com/mohammad-safakhou/colossus/internal/reasoning"
	"github.com/mohammad-safakhou/colossus/internal/store"
)

var (
	// ErrSessionNotFound is returned when the session id does not exist.
	ErrSessionNotFound = errors.New("session not found")
	// ErrSessionTerminal is returned when running a completed or failed session.
	ErrSessionTerminal = errors.New("session already finished")
)

// Agent names used for orchestration log entries.
const (
	SystemAgent       = "System"
	OrchestratorAgent = "Orchestrator"
	defaultAgent      = "Agent"
)

// Store is the persistence the engine needs.
type Store interface {
	CreateSession(ctx context.Context, prompt string) (store.Session, error)
	GetSession(ctx context.Context, id int64) (store.Session, bool, error)
	SetSessionStatus(ctx context.Context, id int64, status string) error
	CompleteSession(ctx context.Context, id int64, synthesis string) error

	CreatePlan(ctx context.Context, sessionID int64, branches []store.PlanBranch) (store.Plan, error)
	ListBranches(ctx context.Context, sessionID int64) ([]store.Branch, error)

	ListTasksBySession(ctx context.Context, sessionID int64) ([]store.Task, error)
	ListTasksByStatus(ctx context.Context, sessionID int64, status string) ([]store.Task, error)
	SetTaskStatus(ctx context.Context, id int64, status string) error
	CompleteTask(ctx context.Context, id int64, result string, citations []string) error
	SetTaskArtifacts(ctx context.Context, id int64, artifacts json.RawMessage) error

	AppendLog(ctx context.Context, entry store.AgentLog) (store.AgentLog, error)
	ListLogs(ctx context.Context, sessionID int64) ([]store.AgentLog, error)
	AppendFact(ctx context.Context, fact store.KnowledgeFact) (store.KnowledgeFact, error)
	ListFacts(ctx context.Context, sessionID int64) ([]store.KnowledgeFact, error)
}

// Notifier pushes an event to subscribers of a session. Delivery is best effort.
type Notifier interface {
	Publish(sessionID int64, event any)
}

// NopNotifier drops every event.
type NopNotifier struct{}

func (NopNotifier) Publish(int64, any) {}

// Engine drives research sessions.
type Engine struct {
	store     Store
	reasoner  reasoning.Service
	notifier  Notifier
	extractor FactExtractor
	cfg       config.OrchestrationConfig
	logger    *log.Logger
	inst      instruments
}

// Option configures an Engine.
type Option func(*Engine)

// WithNotifier sets the event sink.
func WithNotifier(n Notifier) Option {
	return func(e *Engine) {
		if n != nil {
			e.notifier = n
		}
	}
}

// WithFactExtractor overrides the extractor chosen from configuration.
func WithFactExtractor(x FactExtractor) Option {
	return func(e *Engine) {
		if x != nil {
			e.extractor = x
		}
	}
}

// WithLogger sets the engine logger.
func WithLogger(l *log.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}

func New(st Store, rs reasoning.Service, cfg config.OrchestrationConfig, opts ...Option) *Engine {
	cfg = cfg.Normalize()
	e := &Engine{
		store:    st,
		reasoner: rs,
		notifier: NopNotifier{},
		cfg:      cfg,
		logger:   log.New(io.Discard, "", 0),
		inst:     defaultInstruments(),
	}
	switch cfg.FactExtraction {
	case config.FactExtractionReview:
		e.extractor = &ReviewExtractor{Reasoner: rs, Threshold: cfg.ReviewThreshold}
	default:
		e.extractor = NoopExtractor{}
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// callContext bounds a single reasoning call when call_timeout is set.
func (e *Engine) callContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if e.cfg.CallTimeout > 0 {
		return context.WithTimeout(ctx, e.cfg.CallTimeout)
	}
	return context.WithCancel(ctx)
}

func (e *Engine) appendLog(ctx context.Context, sessionID int64, agent, message, category string) error {
	if agent == "" {
		agent = defaultAgent
	}
	entry, err := e.store.AppendLog(ctx, store.AgentLog{SessionID: sessionID, Agent: agent, Message: message, Category: category})
	if err != nil {
		return err
	}
	e.notifier.Publish(sessionID, logEvent(entry))
	return nil
}
