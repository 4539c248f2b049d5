package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/mohammad-safakhou/colossus/config"
	"github.com/mohammad-safakhou/colossus/internal/notify"
	"github.com/mohammad-safakhou/colossus/internal/orchestrator"
	"github.com/mohammad-safakhou/colossus/internal/queue/streams"
	"github.com/mohammad-safakhou/colossus/internal/reasoning"
	"github.com/mohammad-safakhou/colossus/internal/runtime"
	"github.com/mohammad-safakhou/colossus/internal/worker"
)

func workerCMD() *cobra.Command {
	var cfgPath string
	var concurrency int
	var cmd = &cobra.Command{
		Use:   "worker",
		Short: "Consume queued sessions and run their research loops",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.LoadConfig(cfgPath)
			if concurrency > 0 {
				cfg.Worker.Concurrency = concurrency
			}
			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer cancel()
			return runWorker(ctx, cfg)
		},
	}
	cmd.Flags().IntVar(&concurrency, "concurrency", 0, "sessions run in parallel (overrides worker.concurrency)")
	cmd.PersistentFlags().StringVarP(&cfgPath, "config", "c", "", "config file (default is .)")
	return cmd
}

func runWorker(ctx context.Context, cfg *config.Config) error {
	logger := log.New(os.Stdout, "[WORKER] ", log.LstdFlags)

	telemetry, meter, tracer, err := runtime.SetupTelemetry(ctx, cfg.Telemetry, runtime.TelemetryOptions{ServiceName: "colossus-worker", ServiceVersion: "dev", MetricsPort: cfg.Telemetry.MetricsPort})
	if err != nil {
		return fmt.Errorf("worker telemetry init: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = telemetry.Shutdown(shutdownCtx)
	}()

	st, err := runtime.OpenStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer st.DB.Close()

	rdb, err := runtime.OpenRedis(ctx, cfg.Storage.Redis)
	if err != nil {
		return fmt.Errorf("worker redis: %w", err)
	}
	defer func() { _ = rdb.Close() }()

	registry, publisher, err := runtime.InitQueue(ctx, rdb, cfg.Worker)
	if err != nil {
		return fmt.Errorf("worker queue init: %w", err)
	}
	if err := streams.RegisterLagGauges(meter, rdb, cfg.Worker.Stream, cfg.Worker.Group); err != nil {
		logger.Printf("warn: lag gauges: %v", err)
	}

	rs, err := reasoning.NewService(*cfg, log.New(os.Stdout, "[REASONING] ", log.LstdFlags))
	if err != nil {
		return err
	}
	engine := orchestrator.New(st, rs, cfg.Orchestration,
		orchestrator.WithLogger(log.New(os.Stdout, "[ORCH] ", log.LstdFlags)),
		orchestrator.WithNotifier(notify.NewRedisPublisher(rdb, logger)),
		orchestrator.WithTelemetry(meter, tracer),
	)

	consumerName := fmt.Sprintf("worker-%s", uuid.NewString()[:8])
	consumer := streams.NewConsumer(rdb, registry, cfg.Worker.Group, consumerName)
	locker := worker.NewRedisLocker(rdb, cfg.Worker.LeaseTTL)

	processor := worker.NewProcessor(logger, st, engine, consumer, publisher, locker, cfg.Worker, meter, tracer)
	logger.Printf("consumer %s joined group %s", consumerName, cfg.Worker.Group)
	return processor.Start(ctx)
}
