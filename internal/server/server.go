// Package server exposes the research API over HTTP and websockets.
package server

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/mohammad-safakhou/colossus/config"
	"github.com/mohammad-safakhou/colossus/internal/notify"
	"github.com/mohammad-safakhou/colossus/internal/orchestrator"
	"github.com/mohammad-safakhou/colossus/internal/queue"
	"github.com/mohammad-safakhou/colossus/internal/queue/streams"
	"github.com/mohammad-safakhou/colossus/internal/reasoning"
	"github.com/mohammad-safakhou/colossus/internal/runtime"
)

// Version is reported in telemetry resources.
var Version = "dev"

// NewEcho builds the HTTP router around h. metrics serves /metrics.
func NewEcho(h *ResearchHandler, metrics http.Handler, cfg config.ServerConfig, logger *log.Logger) *echo.Echo {
	cfg = cfg.Normalize()
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())
	// Unified HTTP error handler with structured JSON and logging
	e.HTTPErrorHandler = func(err error, c echo.Context) {
		code := http.StatusInternalServerError
		msg := "internal error"
		var he *echo.HTTPError
		if errors.As(err, &he) {
			code = he.Code
			if he.Message != nil {
				msg = fmt.Sprint(he.Message)
			}
		}
		req := c.Request()
		logger.Printf("%d %s %s from %s: %v", code, req.Method, req.URL.Path, c.RealIP(), err)
		if !c.Response().Committed {
			_ = c.JSON(code, map[string]interface{}{"error": msg})
		}
	}
	origins := cfg.AllowedOrigins
	if cfg.AllowAnyOrigin {
		origins = []string{"*"}
	}
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: origins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders: []string{echo.HeaderContentType},
	}))

	e.GET("/healthz", func(c echo.Context) error { return c.String(http.StatusOK, "ok") })
	if metrics != nil {
		e.GET("/metrics", echo.WrapHandler(metrics))
	}
	registerDocs(e)
	h.Register(e.Group("/research"))
	return e
}

// Run wires storage, the job queue and the notifier, then serves the API
// until SIGINT or SIGTERM.
func Run(cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger := log.New(os.Stdout, "[HTTP] ", log.LstdFlags)
	tel, meter, tracer, err := runtime.SetupTelemetry(ctx, cfg.Telemetry, runtime.TelemetryOptions{ServiceName: "colossus-api", ServiceVersion: Version})
	if err != nil {
		return fmt.Errorf("api telemetry init: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = tel.Shutdown(shutdownCtx)
	}()

	if cfg.Server.AutoMigrate {
		dsn, err := runtime.BuildPostgresDSN(cfg)
		if err != nil {
			return err
		}
		if err := runtime.Migrate(cfg.Server.MigrationsDir, dsn, "up", 0); err != nil {
			logger.Printf("warn: migrations not applied: %v", err)
		}
	}

	st, err := runtime.OpenStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer st.DB.Close()

	rdb, err := runtime.OpenRedis(ctx, cfg.Storage.Redis)
	if err != nil {
		return err
	}
	defer rdb.Close()

	_, publisher, err := runtime.InitQueue(ctx, rdb, cfg.Worker)
	if err != nil {
		return fmt.Errorf("init queue: %w", err)
	}
	if err := streams.RegisterLagGauges(meter, rdb, cfg.Worker.Stream, cfg.Worker.Group); err != nil {
		logger.Printf("warn: lag gauges: %v", err)
	}

	hub := notify.NewHub(
		notify.WithLogger(logger),
		notify.WithQueueSize(cfg.Server.Normalize().WSQueueSize),
		notify.WithWriteTimeout(cfg.Server.Normalize().WSWriteTimeout),
	)
	defer hub.Close()
	bridge := notify.NewRedisBridge(rdb, hub, logger)
	go func() {
		if err := bridge.Run(ctx); err != nil {
			logger.Printf("warn: event bridge stopped: %v", err)
		}
	}()

	rs, err := reasoning.NewService(*cfg, log.New(os.Stdout, "[PLANNER] ", log.LstdFlags))
	if err != nil {
		return err
	}
	engine := orchestrator.New(st, rs, cfg.Orchestration,
		orchestrator.WithLogger(log.New(os.Stdout, "[ORCH] ", log.LstdFlags)),
		orchestrator.WithNotifier(notify.NewRedisPublisher(rdb, logger)),
		orchestrator.WithTelemetry(meter, tracer),
	)
	dispatcher := queue.NewDispatcher(publisher, cfg.Worker.Stream)

	h := NewResearchHandler(engine, st, dispatcher, hub, cfg.Server, logger)
	e := NewEcho(h, tel.Handler(), cfg.Server, logger)

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		hub.Close()
		_ = e.Shutdown(shutdownCtx)
	}()

	logger.Printf("listening on %s", cfg.Server.Address)
	if err := e.Start(cfg.Server.Address); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
