// StratLab Backend Server
// Entry point for the backtesting and optimization service

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	httpapi "github.com/saltfish/stratlab/go-backend/internal/api/http"
	"github.com/saltfish/stratlab/go-backend/internal/backtest"
	"github.com/saltfish/stratlab/go-backend/internal/config"
	"github.com/saltfish/stratlab/go-backend/internal/db"
	"github.com/saltfish/stratlab/go-backend/internal/db/repository"
	"github.com/saltfish/stratlab/go-backend/internal/domain"
	"github.com/saltfish/stratlab/go-backend/internal/events"
	"github.com/saltfish/stratlab/go-backend/internal/logging"
	"github.com/saltfish/stratlab/go-backend/internal/metrics"
	"github.com/saltfish/stratlab/go-backend/internal/optimizer"
)

// Build-time variables (set via ldflags)
var (
	Version   = "dev"
	BuildTime = "unknown"
)

func main() {
	configPath := flag.String("config", "", "Path to configuration file (YAML)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger, err := logging.New(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	logger.Info("Starting StratLab Backend",
		zap.String("version", Version),
		zap.String("build_time", BuildTime),
		zap.String("environment", cfg.Env),
		zap.String("log_level", cfg.Logging.Level),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("Application error", zap.Error(err))
		os.Exit(1)
	}

	logger.Info("StratLab Backend stopped")
}

// run initializes and runs all application components.
func run(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	gb := &cfg.GoBackend

	// 1. Storage: PostgreSQL when enabled, in-memory otherwise
	var (
		pool    *db.Pool
		store   optimizer.JobStore = optimizer.NewMemoryStore()
		candles repository.CandleRepository
	)
	if gb.Database.Enabled {
		logger.Info("Connecting to PostgreSQL...")
		p, err := db.NewPool(ctx, &gb.Database, logger)
		if err != nil {
			return fmt.Errorf("failed to connect to database: %w", err)
		}
		defer p.Close()
		if err := p.EnsureSchema(ctx); err != nil {
			return err
		}
		pool = p
		repos := repository.NewRepositories(pool)
		store = repos.Jobs
		candles = repos.Candles
		logger.Info("Connected to PostgreSQL")
	} else {
		logger.Info("Database disabled, jobs are kept in memory")
	}

	// 2. Backtest engine and optimizer
	engine := backtest.NewEngine(gb.Engine.Backtest(), metrics.NewCalculator(gb.Criteria), logger)
	broker := optimizer.NewBroker(logger)
	svc := optimizer.NewService(gb.Optimizer.Service(), engine, store, broker, logger)

	// 3. Retention janitor
	janitor, err := optimizer.NewJanitor(store, gb.Optimizer.RetentionCron, gb.Optimizer.Retention(), logger)
	if err != nil {
		return fmt.Errorf("failed to create retention janitor: %w", err)
	}
	janitor.Start()
	defer janitor.Stop()

	// 4. Event publisher and command subscriber (RabbitMQ)
	var eventPublisher events.Publisher = events.NewNoOpPublisher()
	if gb.RabbitMQ.Enabled {
		logger.Info("Connecting to RabbitMQ...")
		publisher, err := events.NewRabbitMQPublisher(&gb.RabbitMQ, logger)
		if err != nil {
			logger.Warn("Failed to connect to RabbitMQ, using no-op publisher", zap.Error(err))
		} else {
			eventPublisher = publisher
			defer publisher.Close()
			logger.Info("Connected to RabbitMQ")
		}

		subscriber, err := events.NewRabbitMQSubscriber(&gb.RabbitMQ, gb.RabbitMQ.CommandQueue, logger)
		if err != nil {
			logger.Warn("Failed to create RabbitMQ subscriber, optimizer commands will not be consumed", zap.Error(err))
		} else {
			defer subscriber.Close()
			handler := events.NewCommandHandler(svc, 10*time.Second, logger)
			if err := subscriber.Subscribe(ctx, events.CommandRoutingKeys, handler); err != nil {
				logger.Warn("Failed to subscribe to optimizer commands", zap.Error(err))
			}
		}
	} else {
		logger.Info("RabbitMQ disabled, using no-op publisher")
	}

	// Event sinks outlive the signal context so the final events of jobs cancelled
	// during shutdown still reach RabbitMQ and WebSocket clients.
	eventsCtx, stopEvents := context.WithCancel(context.Background())
	defer stopEvents()
	var sinks sync.WaitGroup

	progress, unsubscribe := svc.SubscribeAll()
	defer unsubscribe()
	sinks.Add(1)
	go func() {
		defer sinks.Done()
		events.Forward(eventsCtx, progress, eventPublisher, logger)
	}()

	// 5. HTTP server (REST API + WebSocket + health)
	hub := httpapi.NewHub(logger)
	go hub.Run()
	defer hub.Shutdown()

	wsEvents, wsUnsubscribe := svc.SubscribeAll()
	defer wsUnsubscribe()
	sinks.Add(1)
	go func() {
		defer sinks.Done()
		hub.Pump(eventsCtx, wsEvents)
	}()

	handler := httpapi.NewHandler(engine, svc, candles, logger)
	handler.SetEventPublisher(eventPublisher)
	handler.SetDeepTimeframe(domain.Timeframe(gb.Engine.DeepTimeframe))

	httpAddr := fmt.Sprintf(":%d", gb.HTTPPort)
	httpServer := httpapi.NewServer(httpAddr, handler, hub, pool, logger)
	httpServer.SetActiveJobs(svc.Active)

	serverErr := make(chan error, 1)
	go func() {
		if err := httpServer.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	logger.Info("StratLab Backend initialized and running", zap.String("http_address", httpAddr))

	var runErr error
	select {
	case <-ctx.Done():
	case err := <-serverErr:
		runErr = fmt.Errorf("http server: %w", err)
	}

	logger.Info("Shutting down StratLab Backend...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), gb.ShutdownTimeoutDuration())
	defer cancel()

	if err := httpServer.Stop(shutdownCtx); err != nil {
		logger.Error("Error stopping HTTP server", zap.Error(err))
	}

	// Running jobs are cancelled and saved before the broker and stores close.
	if err := svc.Shutdown(shutdownCtx); err != nil {
		logger.Error("Error stopping optimizer", zap.Error(err))
	}

	// Closing the broker lets both sinks drain their queues and return.
	broker.Close()
	drained := make(chan struct{})
	go func() {
		sinks.Wait()
		close(drained)
	}()
	select {
	case <-drained:
	case <-shutdownCtx.Done():
		logger.Warn("Timed out delivering final progress events")
	}
	stopEvents()

	return runErr
}
