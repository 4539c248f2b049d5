package worker_test

import (
	"context"
	"fmt"
	"log"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/testcontainers/testcontainers-go"
	tcPostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	tcRedis "github.com/testcontainers/testcontainers-go/modules/redis"
	"github.com/testcontainers/testcontainers-go/wait"
	otelnoop "go.opentelemetry.io/otel/metric/noop"
	tracenoop "go.opentelemetry.io/otel/trace/noop"

	"github.com/mohammad-safakhou/colossus/config"
	"github.com/mohammad-safakhou/colossus/internal/orchestrator"
	"github.com/mohammad-safakhou/colossus/internal/queue"
	"github.com/mohammad-safakhou/colossus/internal/queue/streams"
	"github.com/mohammad-safakhou/colossus/internal/reasoning"
	"github.com/mohammad-safakhou/colossus/internal/runtime"
	"github.com/mohammad-safakhou/colossus/internal/store"
	"github.com/mohammad-safakhou/colossus/internal/worker"
)

// scriptedModel answers each prompt kind with a canned response.
type scriptedModel struct {
	mu    sync.Mutex
	tasks []string
}

func (m *scriptedModel) Generate(_ context.Context, prompt string) (reasoning.Completion, error) {
	switch {
	case strings.Contains(prompt, "peer reviewer"):
		return reasoning.Completion{Text: `{"score": 90, "feedback": "solid", "approved": true}`}, nil
	case strings.Contains(prompt, "USER PROMPT:"):
		return reasoning.Completion{Text: "```json\n" + `[{"name":"B1","tasks":[
			{"id":"a","description":"Survey cathode chemistries","assigned_to":"Chemist","priority":8},
			{"id":"b","description":"Estimate cycle life","priority":3,"dependencies":["a"]}]}]` + "\n```"}, nil
	case strings.Contains(prompt, "Write the final research report"):
		return reasoning.Completion{Text: "Final report"}, nil
	default:
		m.mu.Lock()
		m.tasks = append(m.tasks, prompt)
		m.mu.Unlock()
		return reasoning.Completion{Text: "finding", Citations: []string{"https://example.com/a", "https://example.com/a"}}, nil
	}
}

type infra struct {
	st  *store.Store
	rdb *redis.Client
}

func startInfra(t *testing.T, ctx context.Context) infra {
	t.Helper()
	pgUser, pgPassword, pgDB := "colossus", "colossus", "colossus"

	pgC, err := tcPostgres.RunContainer(ctx,
		tcPostgres.WithDatabase(pgDB),
		tcPostgres.WithUsername(pgUser),
		tcPostgres.WithPassword(pgPassword),
		tcPostgres.WithInitScripts(),
		testcontainers.WithWaitStrategy(wait.ForListeningPort("5432/tcp")),
	)
	if err != nil {
		t.Fatalf("postgres container: %v", err)
	}
	t.Cleanup(func() { _ = pgC.Terminate(context.Background()) })

	pgHost, err := pgC.Host(ctx)
	if err != nil {
		t.Fatalf("postgres host: %v", err)
	}
	pgPort, err := pgC.MappedPort(ctx, "5432")
	if err != nil {
		t.Fatalf("postgres port: %v", err)
	}

	redisC, err := tcRedis.RunContainer(ctx, testcontainers.WithWaitStrategy(wait.ForListeningPort("6379/tcp")))
	if err != nil {
		t.Fatalf("redis container: %v", err)
	}
	t.Cleanup(func() { _ = redisC.Terminate(context.Background()) })

	redisHost, err := redisC.Host(ctx)
	if err != nil {
		t.Fatalf("redis host: %v", err)
	}
	redisPort, err := redisC.MappedPort(ctx, "6379")
	if err != nil {
		t.Fatalf("redis port: %v", err)
	}

	dsn := fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=disable", pgUser, pgPassword, pgHost, pgPort.Port(), pgDB)
	var migErr error
	for i := 0; i < 20; i++ {
		if migErr = runtime.Migrate("file://../../migrations", dsn, "up", 0); migErr == nil {
			break
		}
		time.Sleep(250 * time.Millisecond)
	}
	if migErr != nil {
		t.Fatalf("apply migrations: %v", migErr)
	}

	st, err := store.NewWithDSN(ctx, dsn)
	if err != nil {
		t.Fatalf("store init: %v", err)
	}
	t.Cleanup(func() { _ = st.DB.Close() })

	rdb, err := runtime.OpenRedis(ctx, config.RedisConfig{Host: redisHost, Port: redisPort.Port()})
	if err != nil {
		t.Fatalf("redis client: %v", err)
	}
	t.Cleanup(func() { _ = rdb.Close() })
	return infra{st: st, rdb: rdb}
}

func TestWorkerRunsQueuedSessionToCompletion(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	ctx := context.Background()
	in := startInfra(t, ctx)

	wcfg := config.WorkerConfig{
		Stream:       streams.EventSessionEnqueued,
		Group:        "test-group",
		Concurrency:  2,
		BlockTimeout: 200 * time.Millisecond,
		LeaseTTL:     3 * time.Second,
		ClaimIdle:    time.Minute,
	}
	registry, publisher, err := runtime.InitQueue(ctx, in.rdb, wcfg)
	if err != nil {
		t.Fatalf("init queue: %v", err)
	}

	model := &scriptedModel{}
	engine := orchestrator.New(in.st, reasoning.NewClient(model), config.OrchestrationConfig{
		FactExtraction:      config.FactExtractionReview,
		EnforceDependencies: true,
	})

	sess, plan, err := engine.StartSession(ctx, "Sodium batteries", nil)
	if err != nil {
		t.Fatalf("start session: %v", err)
	}
	if len(plan.Tasks) != 2 {
		t.Fatalf("expected 2 planned tasks, got %d", len(plan.Tasks))
	}
	if _, err := queue.NewDispatcher(publisher, wcfg.Stream).Enqueue(ctx, sess.ID); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	consumer := streams.NewConsumer(in.rdb, registry, wcfg.Group, "consumer-1")
	logger := log.New(os.Stdout, "[TEST] ", log.LstdFlags)
	proc := worker.NewProcessor(logger, in.st, engine, consumer, publisher, worker.NewRedisLocker(in.rdb, wcfg.LeaseTTL), wcfg,
		otelnoop.NewMeterProvider().Meter("worker-test"), tracenoop.NewTracerProvider().Tracer("worker-test"))

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() { done <- proc.Start(runCtx) }()

	deadline := time.Now().Add(20 * time.Second)
	for time.Now().Before(deadline) {
		n, err := in.rdb.XLen(ctx, worker.FinishedStream).Result()
		if err != nil {
			t.Fatalf("xlen finished: %v", err)
		}
		if n > 0 {
			break
		}
		time.Sleep(100 * time.Millisecond)
	}
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("processor exit: %v", err)
	}

	final, _, err := in.st.GetSession(ctx, sess.ID)
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	if final.Status != store.SessionCompleted {
		t.Fatalf("expected completed session, got %q", final.Status)
	}
	if final.FinalSynthesis == nil || *final.FinalSynthesis != "Final report" {
		t.Fatalf("unexpected synthesis %v", final.FinalSynthesis)
	}

	tasks, err := in.st.ListTasksBySession(ctx, sess.ID)
	if err != nil {
		t.Fatalf("list tasks: %v", err)
	}
	for _, task := range tasks {
		if task.Status != store.TaskDone {
			t.Fatalf("task %d still %s", task.ID, task.Status)
		}
		if len(task.Citations) != 1 {
			t.Fatalf("expected deduplicated citations, got %v", task.Citations)
		}
	}
	if len(model.tasks) != 2 || !strings.Contains(model.tasks[0], "Survey cathode chemistries") {
		t.Fatalf("unexpected task order: %d prompts", len(model.tasks))
	}
	if !strings.Contains(model.tasks[1], "- [Chemist] finding") {
		t.Fatalf("second task should see the first task's fact:\n%s", model.tasks[1])
	}

	facts, err := in.st.ListFacts(ctx, sess.ID)
	if err != nil {
		t.Fatalf("list facts: %v", err)
	}
	if len(facts) != 2 || facts[0].Confidence != 90 {
		t.Fatalf("unexpected facts %+v", facts)
	}

	finished, err := in.rdb.XRange(ctx, worker.FinishedStream, "-", "+").Result()
	if err != nil {
		t.Fatalf("xrange finished: %v", err)
	}
	if len(finished) != 1 {
		t.Fatalf("expected one session.finished entry, got %d", len(finished))
	}
	pending, err := in.rdb.XPending(ctx, wcfg.Stream, wcfg.Group).Result()
	if err != nil {
		t.Fatalf("xpending: %v", err)
	}
	if pending.Count != 0 {
		t.Fatalf("expected the entry to be acked, %d pending", pending.Count)
	}
}

func TestRedisLockerExcludesSecondHolder(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	ctx := context.Background()
	in := startInfra(t, ctx)
	locker := worker.NewRedisLocker(in.rdb, time.Second)

	lease, ok, err := locker.Acquire(ctx, 7)
	if err != nil || !ok {
		t.Fatalf("first acquire: ok=%v err=%v", ok, err)
	}
	if _, ok, err := locker.Acquire(ctx, 7); err != nil || ok {
		t.Fatalf("second acquire should fail: ok=%v err=%v", ok, err)
	}
	if err := lease.Refresh(ctx); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if err := lease.Release(ctx); err != nil {
		t.Fatalf("release: %v", err)
	}
	if err := lease.Refresh(ctx); err != worker.ErrLeaseLost {
		t.Fatalf("refresh after release: want ErrLeaseLost, got %v", err)
	}

	again, ok, err := locker.Acquire(ctx, 7)
	if err != nil || !ok {
		t.Fatalf("acquire after release: ok=%v err=%v", ok, err)
	}
	time.Sleep(1500 * time.Millisecond)
	if err := again.Refresh(ctx); err != worker.ErrLeaseLost {
		t.Fatalf("expired lease should be lost, got %v", err)
	}
}
