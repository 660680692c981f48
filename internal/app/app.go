package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"CanvasPilot/internal/config"
	"CanvasPilot/internal/domain"
	"CanvasPilot/internal/infrastructure/canvas"
	"CanvasPilot/internal/infrastructure/llm"
	"CanvasPilot/internal/infrastructure/scheduler"
	"CanvasPilot/internal/infrastructure/storage"
	"CanvasPilot/internal/logging"
	"CanvasPilot/internal/ports"
	"CanvasPilot/internal/server"
	"CanvasPilot/internal/usecase"
)

// Application wires configs to use cases and lifecycle orchestration.
type Application struct {
	cfg    config.Config
	logger *slog.Logger

	db        *storage.DB
	lms       *canvas.Factory
	completer *llm.Completer
	audit     *storage.AuditLog
	runs      *storage.RunStore
	users     *storage.UserStore
	responses *storage.ResponseStore
	pipeline  *usecase.Pipeline
	scheduler *usecase.Scheduler
}

// New opens and migrates the store and builds every adapter.
func New(ctx context.Context, cfg config.Config, baseLogger *slog.Logger) (*Application, error) {
	if baseLogger == nil {
		baseLogger = logging.New(cfg.Logging.Level, cfg.Logging.Format)
	}

	db, err := storage.Open(ctx, cfg.Database.Driver, cfg.Database.DSN)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	version, err := storage.Migrate(ctx, db)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate store: %w", err)
	}
	baseLogger.Debug("store ready", "driver", db.Dialect(), "schema_version", version)

	gen, err := llm.NewGenerator(cfg.Generation)
	if err != nil {
		_ = db.Close()
		return nil, err
	}

	a := &Application{
		cfg:       cfg,
		logger:    baseLogger,
		db:        db,
		lms:       canvas.NewFactory(cfg.Canvas, baseLogger.With("component", "canvas")),
		completer: llm.NewCompleter(gen, cfg.Generation.EditorPrompt, baseLogger.With("component", "llm")),
		audit:     storage.NewAuditLog(db),
		runs:      storage.NewRunStore(db),
		users:     storage.NewUserStore(db),
		responses: storage.NewResponseStore(db),
	}

	a.pipeline = usecase.NewPipeline(usecase.PipelineDeps{
		Completer:            a.completer,
		AuditLog:             a.audit,
		Runs:                 a.runs,
		Responses:            a.responses,
		Logger:               baseLogger.With("component", "pipeline"),
		MinDescriptionLength: cfg.Pipeline.MinDescriptionLength,
		RunLockTTL:           cfg.Pipeline.RunLockTTL,
	})

	var driver ports.Scheduler
	if cfg.Scheduler.Enabled {
		driver = scheduler.NewTickerScheduler(cfg.Scheduler.Interval)
	}
	a.scheduler = usecase.NewScheduler(driver, a.pipeline, usecase.ScheduleOptions{
		Source:   a.lms.For(cfg.Canvas.ServiceAPIKey),
		Hour:     cfg.Scheduler.Hour,
		Location: cfg.Scheduler.Location(),
		Submit:   cfg.Scheduler.Submit,
		Logger:   baseLogger.With("component", "scheduler"),
	})

	return a, nil
}

// Close releases the store.
func (a *Application) Close() error {
	return a.db.Close()
}

// Serve runs the HTTP API (and the in-process scheduler when enabled) until ctx is done.
func (a *Application) Serve(ctx context.Context) error {
	if err := a.cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	sessions, err := server.NewSessions(a.cfg.Auth.JWTSecret, a.cfg.Auth.TokenTTL)
	if err != nil {
		return err
	}
	handler, err := server.New(server.Config{
		Pipeline:   a.pipeline,
		Scheduler:  a.scheduler,
		LMS:        a.lms.For,
		Completer:  a.completer,
		AuditLog:   a.audit,
		Runs:       a.runs,
		Users:      a.users,
		Responses:  a.responses,
		Sessions:   sessions,
		DemoAPIKey: a.cfg.Canvas.DemoAPIKey,
		CronSecret: a.cfg.Auth.CronSecret,
		BasePath:   a.cfg.Server.BasePath,
		Logger:     a.logger,
	})
	if err != nil {
		return err
	}

	srv := &http.Server{
		Addr:              a.cfg.Server.Addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       a.cfg.Server.ReadTimeout,
		WriteTimeout:      a.cfg.Server.WriteTimeout,
	}

	if err := a.scheduler.Start(ctx); err != nil {
		return fmt.Errorf("start scheduler: %w", err)
	}

	errCh := make(chan error, 1)
	go func() {
		a.logger.Info("http server listening", "addr", srv.Addr, "base_path", a.cfg.Server.BasePath)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		_ = a.scheduler.Stop(context.Background())
		return err
	case <-ctx.Done():
	}

	a.logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := a.scheduler.Stop(shutdownCtx); err != nil {
		a.logger.Warn("scheduler stop", "error", err)
	}
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

// RunOnce executes one completion run with the service credential.
func (a *Application) RunOnce(ctx context.Context, submit bool) usecase.Result {
	return a.pipeline.Run(ctx, usecase.RunRequest{
		Source:  a.lms.For(a.cfg.Canvas.ServiceAPIKey),
		Trigger: domain.TriggerManual,
		Submit:  submit,
	})
}

func (a *Application) Logs(ctx context.Context, q domain.LogQuery) (domain.LogPage, error) {
	return a.audit.List(ctx, q)
}

func (a *Application) Runs(ctx context.Context, limit int) ([]domain.CompletionRun, error) {
	return a.runs.List(ctx, limit)
}
