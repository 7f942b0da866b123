package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"dispatch-engine-go/internal/config"
	"dispatch-engine-go/internal/db"
	"dispatch-engine-go/internal/errreport"
	"dispatch-engine-go/internal/events"
	"dispatch-engine-go/internal/handler"
	"dispatch-engine-go/internal/housekeeping"
	"dispatch-engine-go/internal/mailer"
	"dispatch-engine-go/internal/metrics"
	"dispatch-engine-go/internal/queue"
	"dispatch-engine-go/internal/ratelimit"
	"dispatch-engine-go/internal/repository"
	"dispatch-engine-go/internal/router"
	"dispatch-engine-go/internal/service"
	"dispatch-engine-go/internal/worker"
)

// App holds the shared components every command needs
type App struct {
	cfg        *config.Config
	db         *gorm.DB
	repo       *repository.Repository
	redis      *redis.Client
	queue      *queue.Queue
	limiter    *ratelimit.Limiter
	metrics    *metrics.Metrics
	publisher  events.Publisher
	dispatches *service.DispatchService
}

// New loads configuration and connects the database, Redis and the event stream
func New(ctx context.Context) (*App, error) {
	logrus.SetFormatter(&logrus.JSONFormatter{})
	logrus.SetLevel(logrus.InfoLevel)

	cfg, err := config.LoadConfig()
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	if level, err := logrus.ParseLevel(cfg.App.LogLevel); err == nil {
		logrus.SetLevel(level)
	} else {
		logrus.Warnf("Unknown log level %q, using info", cfg.App.LogLevel)
	}

	if err := errreport.Init(cfg.Sentry, cfg.App.Env); err != nil {
		logrus.Warnf("Error reporting disabled: %v", err)
	}

	dbConn, err := db.Init(cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}
	client, err := db.NewRedis(ctx, cfg.Redis)
	if err != nil {
		_ = db.Close(dbConn)
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	a := &App{
		cfg:   cfg,
		db:    dbConn,
		repo:  repository.New(dbConn),
		redis: client,
		queue: queue.New(client, queue.Options{
			Name:          cfg.Queue.Name,
			MaxAttempts:   cfg.Queue.MaxAttempts,
			BackoffBase:   cfg.Queue.BackoffBase,
			PollInterval:  cfg.Queue.PollInterval,
			Lease:         cfg.Queue.Lease,
			KeepCompleted: cfg.Queue.KeepCompleted,
			KeepFailed:    cfg.Queue.KeepFailed,
		}),
		limiter:   ratelimit.New(client, cfg.RateLimit.MaxPerHour),
		metrics:   metrics.NewMetrics(),
		publisher: events.New(cfg.Events),
	}
	a.dispatches = service.NewDispatchService(
		service.NewStore(a.repo), a.queue, a.limiter, a.publisher, a.metrics, cfg.Scheduler,
	)
	return a, nil
}

// Close releases every connection opened by New
func (a *App) Close() {
	errreport.Flush(2 * time.Second)
	if err := a.publisher.Close(); err != nil {
		logrus.Errorf("Failed to close event publisher: %v", err)
	}
	if err := a.redis.Close(); err != nil {
		logrus.Errorf("Failed to close redis: %v", err)
	}
	if err := db.Close(a.db); err != nil {
		logrus.Errorf("Failed to close database: %v", err)
	}
}

// Serve runs the HTTP API, housekeeping and, when enabled, the worker pool
// until ctx is cancelled
func (a *App) Serve(ctx context.Context) error {
	logrus.Info("Starting dispatch engine")

	a.recoverOnBoot(ctx)

	workerCtx, stopWorkers := context.WithCancel(ctx)
	defer stopWorkers()
	workersDone, err := a.startWorkers(workerCtx)
	if err != nil {
		return err
	}

	settler := worker.NewSettler(a.repo, a.publisher, a.metrics)
	reconciler := worker.NewReconciler(a.repo, a.queue, settler, a.metrics, a.cfg.Housekeeping.StuckAfter)
	hk := housekeeping.New(a.cfg.Housekeeping, a.queue, a.dispatches, reconciler, a.metrics)
	if err := hk.Start(); err != nil {
		return fmt.Errorf("failed to start housekeeping: %w", err)
	}

	h := handler.NewHandlers(a.dispatches, hk, handler.Options{
		JWTSecret:  a.cfg.Auth.JWTSecret,
		HideErrors: a.cfg.App.IsProduction(),
		Checks: map[string]handler.PingFunc{
			"database": a.repo.Ping,
			"redis": func(ctx context.Context) error {
				return a.redis.Ping(ctx).Err()
			},
		},
	})
	srv := &http.Server{
		Addr:         ":" + a.cfg.Server.Port,
		Handler:      router.SetupRouter(h, a.cfg.App.IsProduction()),
		ReadTimeout:  a.cfg.Server.ReadTimeout,
		WriteTimeout: a.cfg.Server.WriteTimeout,
	}

	serveErr := make(chan error, 1)
	go func() {
		logrus.Infof("Starting HTTP server on port %s", a.cfg.Server.Port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	var runErr error
	select {
	case <-ctx.Done():
	case err, ok := <-serveErr:
		if ok {
			runErr = fmt.Errorf("HTTP server error: %w", err)
		}
	}

	logrus.Info("Shutting down server...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.shutdownTimeout())
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logrus.Errorf("HTTP server shutdown error: %v", err)
	}
	if err := hk.Stop(); err != nil {
		logrus.Errorf("Failed to stop housekeeping: %v", err)
	}
	hk.Wait()

	stopWorkers()
	a.waitWorkers(shutdownCtx, workersDone)

	logrus.Info("Server stopped gracefully")
	return runErr
}

// Work runs only the worker pool until ctx is cancelled
func (a *App) Work(ctx context.Context) error {
	logrus.Info("Starting dispatch worker")
	a.recoverOnBoot(ctx)

	done, err := a.runWorkers(ctx)
	if err != nil {
		return err
	}
	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.shutdownTimeout())
	defer cancel()
	a.waitWorkers(shutdownCtx, done)
	return nil
}

// Recover re-links stale dispatches to the queue once and exits
func (a *App) Recover(ctx context.Context) error {
	count, err := a.dispatches.RecoverStale(ctx)
	if err != nil {
		return fmt.Errorf("recovery failed: %w", err)
	}
	logrus.Infof("Recovered %d stale dispatches", count)
	return nil
}

// Seed creates the development sender identity
func (a *App) Seed(ctx context.Context) error {
	identity, err := db.SeedDevIdentity(ctx, a.db)
	if err != nil {
		return err
	}
	fmt.Printf("Sender ID: %s\nEmail: %s\n", identity.ID, identity.Email)
	return nil
}

// recoverOnBoot re-enqueues work orphaned by a previous crash. Failure is not
// fatal; housekeeping retries it later.
func (a *App) recoverOnBoot(ctx context.Context) {
	if _, err := a.dispatches.RecoverStale(ctx); err != nil {
		logrus.Errorf("Startup recovery failed: %v", err)
		errreport.Capture(err, map[string]string{"stage": "startup_recovery"})
	}
}

// startWorkers starts the pool when the worker is enabled. The returned
// channel is nil otherwise.
func (a *App) startWorkers(ctx context.Context) (<-chan struct{}, error) {
	if !a.cfg.Worker.Enabled {
		logrus.Info("Worker disabled, serving API only")
		return nil, nil
	}
	return a.runWorkers(ctx)
}

func (a *App) runWorkers(ctx context.Context) (<-chan struct{}, error) {
	sender, err := mailer.New(ctx, a.cfg.Mailer)
	if err != nil {
		return nil, fmt.Errorf("failed to create mail sender: %w", err)
	}

	processor := worker.NewProcessor(a.repo, a.limiter, sender, a.publisher, a.metrics, worker.ProcessorConfig{
		SendTimeout: a.cfg.Worker.SendTimeout,
		MaxJitter:   a.cfg.Worker.MaxJitter,
		DefaultFrom: a.cfg.Mailer.DefaultFrom,
	})
	pool := worker.NewPool(a.queue, processor, a.metrics, a.cfg.Worker)

	done := make(chan struct{})
	go func() {
		defer close(done)
		pool.Run(ctx)
		if err := sender.Close(); err != nil {
			logrus.Errorf("Failed to close mail sender: %v", err)
		}
	}()
	return done, nil
}

func (a *App) waitWorkers(ctx context.Context, done <-chan struct{}) {
	if done == nil {
		return
	}
	select {
	case <-done:
	case <-ctx.Done():
		logrus.Warn("Timed out waiting for in-flight dispatches")
	}
}

func (a *App) shutdownTimeout() time.Duration {
	if a.cfg.Server.ShutdownTimeout > 0 {
		return a.cfg.Server.ShutdownTimeout
	}
	return 30 * time.Second
}
