// Package main wires together the sitelens analysis service.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/sitelens/sitelens/internal/access"
	"github.com/sitelens/sitelens/internal/admission"
	"github.com/sitelens/sitelens/internal/analysis"
	"github.com/sitelens/sitelens/internal/analyzer"
	"github.com/sitelens/sitelens/internal/api"
	"github.com/sitelens/sitelens/internal/clock/system"
	"github.com/sitelens/sitelens/internal/config"
	"github.com/sitelens/sitelens/internal/dispatcher"
	eventsmem "github.com/sitelens/sitelens/internal/events/memory"
	eventspubsub "github.com/sitelens/sitelens/internal/events/pubsub"
	"github.com/sitelens/sitelens/internal/id/uuid"
	"github.com/sitelens/sitelens/internal/logging"
	queuemem "github.com/sitelens/sitelens/internal/queue/memory"
	ratelimitmem "github.com/sitelens/sitelens/internal/ratelimit/memory"
	ratelimitredis "github.com/sitelens/sitelens/internal/ratelimit/redis"
	"github.com/sitelens/sitelens/internal/recovery"
	storagemem "github.com/sitelens/sitelens/internal/storage/memory"
	storagepg "github.com/sitelens/sitelens/internal/storage/postgres"
	"github.com/sitelens/sitelens/internal/worker"
)

func main() {
	cfgPath := flag.String("config", "", "Path to config file")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config failed: %v\n", err)
		os.Exit(1)
	}
	logger, err := logging.New(cfg.Logging.Development)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger init failed: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		if syncErr := logger.Sync(); syncErr != nil {
			fmt.Fprintf(os.Stderr, "logger sync failed: %v\n", syncErr)
		}
	}()
	zap.ReplaceGlobals(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	clock := system.New()
	idGen := uuid.NewUUIDGenerator()
	queue := queuemem.NewQueue(cfg.Queue.Depth)

	var jobStore analysis.JobStore
	if cfg.DB.DSN != "" {
		pgStore, err := storagepg.NewJobStore(ctx, storagepg.JobStoreConfig{
			DSN:      cfg.DB.DSN,
			MaxConns: cfg.DB.MaxConns,
			MinConns: cfg.DB.MinConns,
		})
		if err != nil {
			logger.Fatal("postgres job store init failed", zap.Error(err))
		}
		defer pgStore.Close()
		jobStore = pgStore
		logger.Info("using postgres job store")
	} else {
		jobStore = storagemem.NewJobStore()
		logger.Warn("using in-memory job store, jobs will not survive restarts")
	}

	var ledger analysis.Ledger
	if cfg.Redis.Addr != "" {
		redisLedger, err := ratelimitredis.NewLedger(ctx, ratelimitredis.Config{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		}, clock)
		if err != nil {
			logger.Fatal("redis ledger init failed", zap.Error(err))
		}
		defer func() {
			if err := redisLedger.Close(); err != nil {
				logger.Warn("redis close failed", zap.Error(err))
			}
		}()
		ledger = redisLedger
		logger.Info("using redis rate-limit ledger", zap.String("addr", cfg.Redis.Addr))
	} else {
		ledger = ratelimitmem.NewLedger(clock)
		logger.Warn("using in-memory rate-limit ledger, quotas reset on restart")
	}

	var events analysis.EventPublisher
	if cfg.PubSub.ProjectID != "" && cfg.PubSub.TopicName != "" {
		pubsubEvents, err := eventspubsub.New(ctx, cfg.PubSub.ProjectID, cfg.PubSub.TopicName)
		if err != nil {
			logger.Fatal("pubsub publisher init failed", zap.Error(err))
		}
		defer func() {
			if err := pubsubEvents.Close(); err != nil {
				logger.Warn("pubsub close failed", zap.Error(err))
			}
		}()
		events = pubsubEvents
		logger.Info("publishing job events", zap.String("topic", cfg.PubSub.TopicName))
	} else {
		events = eventsmem.New()
	}

	analyzerClient := analyzer.NewClient(analyzer.Config{
		Endpoint:     cfg.Analyzer.Endpoint,
		Timeout:      time.Duration(cfg.Analyzer.TimeoutSeconds) * time.Second,
		PollInterval: time.Duration(cfg.Analyzer.PollIntervalMs) * time.Millisecond,
	}, logger.Named("analyzer"))

	retry := analysis.NewExponentialRetryPolicy(
		cfg.Worker.MaxRetries,
		time.Duration(cfg.Worker.BackoffInitialMs)*time.Millisecond,
		time.Duration(cfg.Worker.BackoffMaxMs)*time.Millisecond,
	)
	workerCfg := worker.Config{
		JobDeadline:   cfg.JobDeadline(),
		ShutdownGrace: cfg.ShutdownGrace(),
	}
	var workers []*worker.Worker
	for i := 0; i < cfg.Worker.Concurrency; i++ {
		workers = append(workers, worker.New(
			queue,
			jobStore,
			analyzerClient,
			events,
			retry,
			clock,
			workerCfg,
			logger.Named("worker").With(zap.Int("index", i)),
		))
	}
	dispatch := dispatcher.New(queue, workers, dispatcher.Config{}, logger.Named("dispatcher"))

	sweeper := recovery.New(jobStore, queue, clock, recovery.Config{
		Interval:         time.Duration(cfg.Recovery.IntervalSeconds) * time.Second,
		JobDeadline:      cfg.JobDeadline(),
		StaleQueuedAfter: time.Duration(cfg.Recovery.StaleQueuedSeconds) * time.Second,
		MaxRequeues:      cfg.Recovery.MaxRequeues,
	}, logger.Named("recovery"))

	admit := admission.NewController(jobStore, ledger, queue, idGen, clock, admission.Config{
		AuthRequired:    cfg.Auth.Required,
		AnonymousPerDay: cfg.Limits.AnonymousPerDay,
		FreePerWeek:     cfg.Limits.FreePerWeek,
	}, logger.Named("admission"))

	resolver := access.NewResolver(cfg.StatusGrace(), cfg.ReportGrace())
	apiServer := api.NewServer(admit, jobStore, resolver, clock, cfg, logger.Named("api"))

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	dispatchDone := make(chan struct{})
	go func() {
		logger.Info("dispatcher started")
		dispatch.Run(ctx)
		close(dispatchDone)
	}()

	sweeperDone := make(chan struct{})
	go func() {
		logger.Info("recovery sweeper started")
		sweeper.Run(ctx)
		close(sweeperDone)
	}()

	go func() {
		logger.Info("http server started", zap.Int("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", zap.Error(err))
	}

	// In-flight jobs get the configured grace before workers are cut off.
	select {
	case <-dispatchDone:
	case <-time.After(cfg.ShutdownGrace() + 5*time.Second):
		logger.Warn("workers did not stop within grace period")
	}
	<-sweeperDone
	queue.Close()
	logger.Info("shutdown complete")
}
