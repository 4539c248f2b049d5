package worker

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	otelmetric "go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/mohammad-safakhou/colossus/config"
	"github.com/mohammad-safakhou/colossus/internal/orchestrator"
	"github.com/mohammad-safakhou/colossus/internal/queue/streams"
	"github.com/mohammad-safakhou/colossus/internal/store"
)

// FinishedStream receives one session.finished envelope per loop run.
const FinishedStream = streams.EventSessionFinished

const finishedMaxLen = 10000

// StoreAPI captures the store methods required by the worker.
type StoreAPI interface {
	ClaimIdempotency(ctx context.Context, scope, key string) (bool, error)
	ReleaseIdempotency(ctx context.Context, scope, key string) error
	GetSession(ctx context.Context, id int64) (store.Session, bool, error)
}

// Runner drives one session to a terminal state. *orchestrator.Engine satisfies it.
type Runner interface {
	Run(ctx context.Context, sessionID int64) error
}

// Source is the stream consumer used by the processor.
type Source interface {
	Read(ctx context.Context, stream string, opts ...streams.ConsumerOption) ([]streams.Message, error)
	Ack(ctx context.Context, stream string, ids ...string) error
	AutoClaim(ctx context.Context, stream string, minIdle time.Duration, start string, count int64) ([]streams.Message, string, error)
}

// Publisher emits session.finished events.
type Publisher interface {
	PublishPayload(ctx context.Context, stream, eventType, version string, payload any, opts ...streams.PublishOption) (string, error)
}

// Processor consumes session.enqueued events and runs each session loop
// under a lease, up to cfg.Concurrency at a time.
type Processor struct {
	logger    *log.Logger
	store     StoreAPI
	runner    Runner
	source    Source
	publisher Publisher
	locker    Locker
	cfg       config.WorkerConfig

	sem chan struct{}
	wg  sync.WaitGroup

	tracer          trace.Tracer
	runCounter      otelmetric.Int64Counter
	skipCounter     otelmetric.Int64Counter
	reclaimCounter  otelmetric.Int64Counter
	interruptCounts otelmetric.Int64Counter
}

// NewProcessor constructs a Processor. meter and tracer may be nil.
func NewProcessor(logger *log.Logger, st StoreAPI, runner Runner, src Source, pub Publisher, locker Locker, cfg config.WorkerConfig, meter otelmetric.Meter, tracer trace.Tracer) *Processor {
	cfg = cfg.Normalize()
	if tracer == nil {
		tracer = noop.NewTracerProvider().Tracer("worker")
	}
	p := &Processor{
		logger:    logger,
		store:     st,
		runner:    runner,
		source:    src,
		publisher: pub,
		locker:    locker,
		cfg:       cfg,
		sem:       make(chan struct{}, cfg.Concurrency),
		tracer:    tracer,
	}
	if meter != nil {
		var err error
		if p.runCounter, err = meter.Int64Counter("worker_sessions_processed"); err != nil {
			logger.Printf("warn: create run counter failed: %v", err)
		}
		if p.skipCounter, err = meter.Int64Counter("worker_sessions_skipped"); err != nil {
			logger.Printf("warn: create skip counter failed: %v", err)
		}
		if p.reclaimCounter, err = meter.Int64Counter("worker_messages_reclaimed"); err != nil {
			logger.Printf("warn: create reclaim counter failed: %v", err)
		}
		if p.interruptCounts, err = meter.Int64Counter("worker_sessions_interrupted"); err != nil {
			logger.Printf("warn: create interrupt counter failed: %v", err)
		}
	}
	return p
}

// Start blocks, processing session.enqueued events until ctx is cancelled.
// In-flight sessions are interrupted and left for redelivery.
func (p *Processor) Start(ctx context.Context) error {
	p.logger.Printf("worker processor starting; consuming stream %s (concurrency %d)", p.cfg.Stream, p.cfg.Concurrency)
	defer p.wg.Wait()

	p.reclaim(ctx)
	lastReclaim := time.Now()

	for {
		select {
		case <-ctx.Done():
			p.logger.Printf("worker processor stopping: %v", ctx.Err())
			return nil
		default:
		}

		if time.Since(lastReclaim) >= p.cfg.ClaimIdle {
			p.reclaim(ctx)
			lastReclaim = time.Now()
		}

		free := cap(p.sem) - len(p.sem)
		if free == 0 {
			select {
			case <-ctx.Done():
				continue
			case <-time.After(100 * time.Millisecond):
				continue
			}
		}
		msgs, err := p.source.Read(ctx, p.cfg.Stream, streams.WithBlock(p.cfg.BlockTimeout), streams.WithCount(int64(free)))
		if err != nil {
			if ctx.Err() != nil {
				continue
			}
			p.logger.Printf("error reading stream: %v", err)
			sleep(ctx, time.Second)
			continue
		}
		for _, msg := range msgs {
			p.dispatch(ctx, msg, false)
		}
	}
}

// reclaim takes over entries other consumers left pending for longer than ClaimIdle.
func (p *Processor) reclaim(ctx context.Context) {
	start := "0-0"
	for ctx.Err() == nil {
		msgs, next, err := p.source.AutoClaim(ctx, p.cfg.Stream, p.cfg.ClaimIdle, start, int64(p.cfg.Concurrency))
		if err != nil {
			p.logger.Printf("warn: reclaim pending entries failed: %v", err)
			return
		}
		for _, msg := range msgs {
			if p.reclaimCounter != nil {
				p.reclaimCounter.Add(ctx, 1)
			}
			p.logger.Printf("reclaimed message %s", msg.ID)
			p.dispatch(ctx, msg, true)
		}
		if next == "" || next == "0-0" {
			return
		}
		start = next
	}
}

// dispatch runs msg on a free slot, waiting for one if needed.
func (p *Processor) dispatch(ctx context.Context, msg streams.Message, reclaimed bool) {
	select {
	case p.sem <- struct{}{}:
	case <-ctx.Done():
		return
	}
	p.wg.Add(1)
	go func() {
		defer func() {
			<-p.sem
			p.wg.Done()
		}()
		if err := p.handle(ctx, msg, reclaimed); err != nil {
			p.logger.Printf("error handling message %s: %v", msg.ID, err)
		}
	}()
}

type outcome int

const (
	outcomeAck outcome = iota
	// outcomeSkip acks without reporting a finished run.
	outcomeSkip
	outcomeRetry
	// outcomeLeave keeps the entry pending and the claim in place; the
	// lease holder acks it when its run ends.
	outcomeLeave
)

// handle processes one envelope. It acks unless the run was interrupted or
// hit a store error, in which case the entry stays pending for redelivery.
// Reclaimed entries run even when their claim exists: the previous holder
// never acked them. A reclaimed entry whose session is still leased stays
// pending so it survives a failure of the current holder.
func (p *Processor) handle(ctx context.Context, msg streams.Message, reclaimed bool) error {
	ctx, span := p.tracer.Start(ctx, "worker.handle_session")
	defer span.End()

	var payload streams.SessionEnqueued
	if err := msg.Envelope.Decode(&payload); err != nil {
		p.ack(ctx, msg.ID)
		return err
	}
	span.SetAttributes(attribute.Int64("session.id", payload.SessionID), attribute.String("trigger", payload.Trigger))

	scope, key := msg.Envelope.EventType, msg.Envelope.EventID
	claimed, err := p.store.ClaimIdempotency(ctx, scope, key)
	if err != nil {
		return fmt.Errorf("claim idempotency: %w", err)
	}
	if !claimed && !reclaimed {
		p.logger.Printf("skip event %s: already processed", key)
		p.count(ctx, p.skipCounter)
		p.ack(ctx, msg.ID)
		return nil
	}

	started := time.Now()
	result, runErr := p.runSession(ctx, payload.SessionID, reclaimed)
	switch result {
	case outcomeRetry:
		if err := p.store.ReleaseIdempotency(context.WithoutCancel(ctx), scope, key); err != nil {
			p.logger.Printf("warn: release claim %s: %v", key, err)
		}
		p.count(ctx, p.interruptCounts)
		return runErr
	case outcomeLeave:
		return runErr
	case outcomeSkip:
		p.ack(ctx, msg.ID)
		return runErr
	}

	p.ack(ctx, msg.ID)
	p.count(ctx, p.runCounter)
	p.publishFinished(context.WithoutCancel(ctx), payload.SessionID, time.Since(started), runErr)
	return runErr
}

// runSession holds the session lease while the loop runs.
func (p *Processor) runSession(ctx context.Context, sessionID int64, reclaimed bool) (outcome, error) {
	lease, ok, err := p.locker.Acquire(ctx, sessionID)
	if err != nil {
		return outcomeRetry, err
	}
	if !ok {
		p.count(ctx, p.skipCounter)
		if reclaimed {
			return p.leasedElsewhere(ctx, sessionID)
		}
		p.logger.Printf("session %d is leased by another worker; dropping duplicate trigger", sessionID)
		return outcomeSkip, nil
	}

	runCtx, cancel := context.WithCancel(ctx)
	refreshDone := make(chan struct{})
	go func() {
		defer close(refreshDone)
		p.keepAlive(runCtx, cancel, sessionID, lease)
	}()

	err = p.runner.Run(runCtx, sessionID)
	cancel()
	<-refreshDone
	if relErr := lease.Release(context.WithoutCancel(ctx)); relErr != nil {
		p.logger.Printf("warn: session %d: %v", sessionID, relErr)
	}

	switch {
	case err == nil:
		return outcomeAck, nil
	case errors.Is(err, orchestrator.ErrSessionTerminal):
		p.logger.Printf("session %d already finished", sessionID)
		return outcomeAck, nil
	case errors.Is(err, orchestrator.ErrSessionNotFound):
		p.logger.Printf("warn: session %d not found", sessionID)
		return outcomeAck, err
	case ctx.Err() != nil:
		p.logger.Printf("session %d interrupted: %v", sessionID, err)
		return outcomeRetry, err
	default:
		p.logger.Printf("session %d left for redelivery: %v", sessionID, err)
		return outcomeRetry, err
	}
}

// leasedElsewhere decides the fate of a reclaimed entry whose session is
// leased. It may be the entry the holder is running, so it is only acked
// once the session is finished.
func (p *Processor) leasedElsewhere(ctx context.Context, sessionID int64) (outcome, error) {
	sess, ok, err := p.store.GetSession(ctx, sessionID)
	if err != nil {
		return outcomeLeave, fmt.Errorf("get session %d: %w", sessionID, err)
	}
	if !ok || store.IsTerminalSession(sess.Status) {
		p.logger.Printf("reclaimed trigger for session %d is stale; acking", sessionID)
		return outcomeSkip, nil
	}
	p.logger.Printf("session %d is still leased; leaving reclaimed entry pending", sessionID)
	return outcomeLeave, nil
}

// keepAlive refreshes the lease every third of its TTL and cancels the run
// when the lease is lost.
func (p *Processor) keepAlive(ctx context.Context, cancel context.CancelFunc, sessionID int64, lease Lease) {
	interval := p.cfg.LeaseTTL / 3
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := lease.Refresh(ctx); err != nil {
				if ctx.Err() != nil {
					return
				}
				p.logger.Printf("warn: session %d lease refresh failed, stopping run: %v", sessionID, err)
				cancel()
				return
			}
		}
	}
}

func (p *Processor) publishFinished(ctx context.Context, sessionID int64, took time.Duration, runErr error) {
	if p.publisher == nil {
		return
	}
	ev := streams.SessionFinished{SessionID: sessionID, DurationMS: took.Milliseconds()}
	if runErr != nil {
		ev.Error = runErr.Error()
	}
	sess, ok, err := p.store.GetSession(ctx, sessionID)
	if err != nil || !ok {
		return
	}
	ev.Status = sess.Status
	if _, err := p.publisher.PublishPayload(ctx, FinishedStream, streams.EventSessionFinished, streams.VersionV1, ev, streams.WithMaxLenApprox(finishedMaxLen)); err != nil {
		p.logger.Printf("warn: publish session.finished for %d: %v", sessionID, err)
	}
}

func (p *Processor) ack(ctx context.Context, id string) {
	if err := p.source.Ack(context.WithoutCancel(ctx), p.cfg.Stream, id); err != nil {
		p.logger.Printf("warn: failed to ack message %s: %v", id, err)
	}
}

func (p *Processor) count(ctx context.Context, c otelmetric.Int64Counter) {
	if c != nil {
		c.Add(ctx, 1)
	}
}

func sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
