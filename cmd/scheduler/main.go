package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/sirupsen/logrus"

	"github.com/Nihal-123-456/linkedin-post-scheduler/flows"
	"github.com/Nihal-123-456/linkedin-post-scheduler/internal/api"
	"github.com/Nihal-123-456/linkedin-post-scheduler/internal/config"
	"github.com/Nihal-123-456/linkedin-post-scheduler/internal/linkedin"
	"github.com/Nihal-123-456/linkedin-post-scheduler/internal/logging"
	"github.com/Nihal-123-456/linkedin-post-scheduler/internal/media"
	"github.com/Nihal-123-456/linkedin-post-scheduler/internal/posts"
	"github.com/Nihal-123-456/linkedin-post-scheduler/internal/scheduler"
)

const serviceName = "linkedin-post-scheduler"

func main() {
	bootLog := logging.NewLoggerWithService(serviceName)
	config.LoadEnv(bootLog)

	cfg, err := config.Load()
	if err != nil {
		bootLog.WithError(err).Fatal("Invalid configuration")
	}

	logger := logging.NewLogger()
	logger.SetLevel(logging.ParseLevel(cfg.LogLevel))
	log := logger.WithField("service", serviceName)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		log.WithError(err).Fatal("Scheduler stopped with error")
	}
	log.Info("Scheduler stopped")
}

func run(ctx context.Context, cfg config.Config, log *logrus.Entry) error {
	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	defer pool.Close()
	if err := pool.Ping(ctx); err != nil {
		return fmt.Errorf("ping database: %w", err)
	}

	dbConfig := flows.DBConfig{Schema: cfg.FlowsSchema, ShardCount: cfg.ShardCount}
	if cfg.ApplySchema {
		for _, stmt := range []string{flows.SchemaSQLFor(cfg.FlowsSchema), posts.SchemaSQL, linkedin.AccountsSchemaSQL} {
			if _, err := pool.Exec(ctx, stmt); err != nil {
				return fmt.Errorf("apply schema: %w", err)
			}
		}
		log.Info("Database schema applied")
	}

	source, err := mediaSource(ctx, cfg)
	if err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	publisher := linkedin.NewClient(linkedin.ClientConfig{
		BaseURL:     cfg.LinkedInAPIBase,
		Credentials: linkedin.NewStoreCredentials(pool),
		Media:       source,
		Logger:      log.WithField("component", "linkedin"),
	})

	store := posts.NewStore(pool)
	workflow := &scheduler.PublishWorkflow{Posts: store, Publisher: publisher}
	flowsClient := flows.Client{DBConfig: dbConfig}
	trigger := &scheduler.Trigger{Client: flowsClient, Workflow: workflow}
	service := posts.NewService(pool, trigger, log.WithField("component", "posts"))

	registry := flows.NewRegistry()
	flows.Register[scheduler.Input, scheduler.Output](registry, workflow, flows.WithConcurrency(cfg.WorkerConcurrency))

	worker := &flows.Worker{
		Pool:          pool,
		Registry:      registry,
		PollInterval:  cfg.PollInterval,
		LeaseDuration: cfg.LeaseDuration,
		DBConfig:      dbConfig,
		Logger:        log.WithField("component", "worker"),
		Metrics:       flows.NewMetrics(reg),
	}

	gin.SetMode(gin.ReleaseMode)
	router := api.NewRouter(api.Config{
		Service:  serviceName,
		Posts:    service,
		Runs:     api.TriggerRuns{Trigger: trigger, DB: pool},
		DB:       pool,
		InFlight: worker.InFlight,
		Metrics:  api.NewHTTPMetrics(reg),
		Gatherer: reg,
		Logger:   log.WithField("component", "http"),
	})
	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()

	var wg sync.WaitGroup
	errCh := make(chan error, 2)

	wg.Add(1)
	go func() {
		defer wg.Done()
		log.WithField("workflows", registry.Names()).Info("Worker started")
		if err := worker.Run(ctx); err != nil {
			errCh <- fmt.Errorf("worker: %w", err)
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		log.WithField("port", cfg.Port).Info("HTTP server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http server: %w", err)
		}
	}()

	var runErr error
	select {
	case <-ctx.Done():
		log.Info("Shutdown signal received")
	case runErr = <-errCh:
	}
	cancelRun()

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("HTTP server shutdown")
	}
	wg.Wait()
	return runErr
}

func mediaSource(ctx context.Context, cfg config.Config) (media.Source, error) {
	if cfg.MediaS3.Bucket == "" {
		return media.LocalSource{Root: cfg.MediaRoot}, nil
	}
	src, err := media.NewS3Source(ctx, media.S3Config{
		Bucket:       cfg.MediaS3.Bucket,
		Region:       cfg.MediaS3.Region,
		Endpoint:     cfg.MediaS3.Endpoint,
		AccessKey:    cfg.MediaS3.AccessKey,
		SecretKey:    cfg.MediaS3.SecretKey,
		UsePathStyle: cfg.MediaS3.UsePathStyle,
	})
	if err != nil {
		return nil, fmt.Errorf("media source: %w", err)
	}
	return src, nil
}
