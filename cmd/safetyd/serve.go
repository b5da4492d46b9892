package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"fleet-monitor/safety/internal/auth"
	"fleet-monitor/safety/internal/classifier"
	"fleet-monitor/safety/internal/config"
	"fleet-monitor/safety/internal/decision"
	"fleet-monitor/safety/internal/hub"
	"fleet-monitor/safety/internal/logging"
	"fleet-monitor/safety/internal/pipeline"
	"fleet-monitor/safety/internal/store"
	httptransport "fleet-monitor/safety/internal/transport/http"
	"fleet-monitor/safety/internal/transport/ws"
)

const (
	shutdownTimeout = 15 * time.Second
	janitorInterval = time.Minute
)

func serveCmd() *cobra.Command {
	var port string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the ingestion API and dashboard stream",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("config error: %w", err)
			}
			if port != "" {
				cfg.HTTPPort = port
			}

			logger := logging.New(logging.Options{
				Level:  cfg.LogLevel,
				Format: cfg.LogFormat,
				File:   cfg.LogFile,
			})

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			return serve(ctx, cfg, logger)
		},
	}

	cmd.Flags().StringVarP(&port, "port", "p", "", "HTTP port (overrides HTTP_PORT)")
	return cmd
}

func serve(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	var redisStore *store.RedisStore
	if cfg.RedisEnabled {
		rs, err := store.NewRedisStore(ctx, cfg)
		if err != nil {
			return err
		}
		defer rs.Close()
		redisStore = rs
		logger.Info("redis connected", "addr", cfg.RedisAddr)
	}

	var tsStore *store.TimescaleStore
	if cfg.PersistEnabled {
		ts, err := store.NewTimescaleStore(ctx, cfg)
		if err != nil {
			return err
		}
		defer ts.Close()
		tsStore = ts
		logger.Info("timescaledb connected", "host", cfg.DBHost, "db", cfg.DBName)
	}

	states := store.NewStateStore(logger)
	observers := hub.New(states, cfg.ObserverQueueSize, logger)

	// Persistence stages only get a channel when their backend is enabled.
	var dbSize, stateSize, decisionSize int
	if tsStore != nil {
		dbSize = cfg.DBChannelSize
	}
	if redisStore != nil {
		stateSize = cfg.StateChannelSize
	}
	if tsStore != nil || redisStore != nil {
		decisionSize = cfg.DecisionChannelSize
	}
	pipe := pipeline.NewDispatcher(dbSize, stateSize, decisionSize)

	decisions := newDecisionDispatcher(cfg, redisStore, pipe, logger)

	cls := classifier.New(states, classifier.Options{
		Thresholds:   cfg.Thresholds,
		ClearSamples: cfg.HysteresisSamples,
		Cooldown:     cfg.HysteresisCooldown,
	}, logger, observers, decisions, pipe)

	var writers sync.WaitGroup
	writerCtx, cancelWriters := context.WithCancel(context.Background())
	defer cancelWriters()
	startWriters(writerCtx, &writers, cfg, pipe, tsStore, redisStore, logger)

	var authMW *httptransport.AuthMiddleware
	if cfg.AuthRequired {
		var lookup auth.KeyLookup
		if redisStore != nil {
			lookup = redisStore
		}
		authMW = httptransport.NewAuthMiddleware(auth.NewAuthenticator(cfg, lookup, logger))
	}
	var limiter *httptransport.RateLimiter
	if cfg.IngestRatePerSec > 0 {
		limiter = httptransport.NewRateLimiter(cfg.IngestRatePerSec, cfg.IngestBurst)
	}
	var history httptransport.IncidentHistory
	if tsStore != nil {
		history = tsStore
	}

	api := httptransport.NewServer(httptransport.Options{
		Classifier: cls,
		State:      states,
		Decisions:  decisions.Audit(),
		History:    history,
		Observers:  ws.NewHandler(observers, ws.DefaultOptions(), logger),
		Auth:       authMW,
		Limiter:    limiter,
		Logger:     logger,
	})

	srv := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           api.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	var background sync.WaitGroup
	bgCtx, cancelBackground := context.WithCancel(ctx)
	defer cancelBackground()
	if cfg.SnapshotInterval > 0 {
		background.Add(1)
		go func() {
			defer background.Done()
			every(bgCtx, cfg.SnapshotInterval, observers.BroadcastSnapshot)
		}()
	}
	if cfg.VehicleTTL > 0 {
		background.Add(1)
		go func() {
			defer background.Done()
			every(bgCtx, janitorInterval, func() {
				evicted := states.EvictIdle(time.Now().Add(-cfg.VehicleTTL), observers.Evicted)
				if len(evicted) > 0 {
					logger.Info("evicted idle vehicles", "count", len(evicted), "ttl", cfg.VehicleTTL)
				}
			})
		}()
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("safety service listening",
			"addr", srv.Addr,
			"auth_required", cfg.AuthRequired,
			"redis", cfg.RedisEnabled,
			"persist", cfg.PersistEnabled,
			"remote_decisions", cfg.RemoteDecisionEnabled,
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("shutdown requested")
	case err, ok := <-serveErr:
		if ok {
			runErr = fmt.Errorf("http server failed: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown incomplete", "error", err)
	}
	observers.Close()
	cancelBackground()
	background.Wait()

	if err := decisions.Close(shutdownCtx); err != nil {
		logger.Warn("decision drain incomplete", "error", err)
	}
	pipe.Close()

	flushed := make(chan struct{})
	go func() {
		writers.Wait()
		close(flushed)
	}()
	select {
	case <-flushed:
	case <-shutdownCtx.Done():
		logger.Warn("pipeline flush timed out")
		cancelWriters()
		<-flushed
	}

	logger.Info("safety service stopped")
	return runErr
}

func newDecisionDispatcher(
	cfg *config.Config,
	redisStore *store.RedisStore,
	pipe *pipeline.Dispatcher,
	logger *slog.Logger,
) *decision.Dispatcher {
	opts := decision.DispatcherOptions{
		Timeout:   cfg.DecisionTimeout,
		Audit:     decision.NewAuditTrail(cfg.DecisionAuditSize),
		Executors: []decision.Executor{decision.NewLogExecutor(logger), pipe},
	}
	if redisStore != nil {
		opts.Claimer = decision.ClaimerFunc(redisStore.ClaimDecision)
	}
	if cfg.RemoteDecisionEnabled {
		opts.Remote = decision.NewRemoteProvider(decision.RemoteConfig{
			URL:      cfg.RemoteDecisionURL,
			APIKey:   cfg.RemoteDecisionAPIKey,
			TokenURL: cfg.RemoteDecisionTokenURL,
			AgentID:  cfg.DecisionAgentID,
		}, &http.Client{})
	}
	return decision.NewDispatcher(opts, logger)
}

func startWriters(
	ctx context.Context,
	wg *sync.WaitGroup,
	cfg *config.Config,
	pipe *pipeline.Dispatcher,
	tsStore *store.TimescaleStore,
	redisStore *store.RedisStore,
	logger *slog.Logger,
) {
	run := func(stage interface{ Run(context.Context) }) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			stage.Run(ctx)
		}()
	}

	if pipe.DBChan != nil {
		run(pipeline.NewDBWriter(pipe.DBChan, tsStore, cfg.DBBatchSize, cfg.DBFlushIntervalMS, logger))
	}
	if pipe.StateChan != nil {
		run(pipeline.NewStateWriter(pipe.StateChan, redisStore, logger))
	}
	if pipe.DecisionChan != nil {
		// Untyped nils keep a disabled target nil inside the interface.
		var audit pipeline.DecisionAudit
		if tsStore != nil {
			audit = tsStore
		}
		var queue pipeline.DecisionQueue
		if redisStore != nil {
			queue = redisStore
		}
		run(pipeline.NewDecisionWriter(pipe.DecisionChan, audit, queue, logger))
	}
}

func every(ctx context.Context, interval time.Duration, fn func()) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			fn()
		}
	}
}
