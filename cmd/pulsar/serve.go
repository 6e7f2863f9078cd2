package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/oriys/pulsar/internal/ai"
	"github.com/oriys/pulsar/internal/api"
	"github.com/oriys/pulsar/internal/bus"
	"github.com/oriys/pulsar/internal/config"
	"github.com/oriys/pulsar/internal/consumer"
	"github.com/oriys/pulsar/internal/kubejob"
	"github.com/oriys/pulsar/internal/logging"
	"github.com/oriys/pulsar/internal/metrics"
	"github.com/oriys/pulsar/internal/observability"
	"github.com/oriys/pulsar/internal/orchestrator"
	"github.com/oriys/pulsar/internal/retry"
	"github.com/oriys/pulsar/internal/sandbox"
	"github.com/oriys/pulsar/internal/store"
	"github.com/oriys/pulsar/internal/validator"
)

func serveCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the execution API service and async consumer",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.Default()
			if configPath != "" {
				loaded, err := config.LoadFromFile(configPath)
				if err != nil {
					return fmt.Errorf("load config %s: %w", configPath, err)
				}
				cfg = loaded
			}
			config.LoadFromEnv(cfg)
			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("invalid configuration: %w", err)
			}
			return runServe(cfg)
		},
	}

	cmd.Flags().StringVar(&configPath, "config", "", "Path to JSON config file")
	return cmd
}

func runServe(cfg *config.Config) error {
	logging.InitStructured(cfg.LogFormat, cfg.LogLevel)
	log := logging.Op()

	metrics.Init("pulsar")
	metrics.SetServiceHealthy(true)
	defer metrics.SetServiceHealthy(false)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := observability.Init(ctx, observability.Config{
		Enabled:     cfg.Tracing.Enabled,
		Endpoint:    cfg.Tracing.Endpoint,
		ServiceName: cfg.ServiceName,
		SampleRate:  cfg.Tracing.SampleRate,
	}); err != nil {
		log.Warn("tracing initialization failed", "error", err)
	}
	defer observability.Shutdown(context.Background())

	// Persistence is best-effort: the service runs degraded without it.
	var history *store.Store
	if s, err := store.New(ctx, cfg.PostgresDSN); err != nil {
		log.Warn("job history unavailable", "error", err)
	} else {
		history = s
		defer history.Close()
	}

	// The cluster is optional: without it heavy jobs return 503.
	var jobs *kubejob.Manager
	if m, err := kubejob.NewManager(cfg.Kubernetes); err != nil {
		log.Warn("kubernetes job manager unavailable, heavy jobs disabled", "error", err)
	} else {
		jobs = m
	}

	exec := sandbox.New(
		sandbox.WithInterpreter(cfg.Execution.Interpreter),
		sandbox.WithDefaultTimeout(time.Duration(cfg.Execution.DefaultTimeout)*time.Second),
	)
	llm := ai.NewClient(ai.Config{
		APIKey:  cfg.LLM.APIKey,
		Model:   cfg.LLM.Model,
		BaseURL: cfg.LLM.BaseURL,
	})
	orch := orchestrator.New(llm, validator.New(nil))
	retrier := retry.New(cfg.Execution.MaxRetries)

	handler := api.NewHandler()
	handler.Orchestrator = orch
	handler.Sandbox = exec
	handler.History = history
	handler.ServiceName = cfg.ServiceName
	handler.MaxRetries = cfg.Execution.MaxRetries
	handler.Retrier = retrier
	if jobs != nil {
		handler.Jobs = jobs
	}

	// Async consumer over the requests topic.
	var requests *bus.RedisStream
	if stream, err := bus.NewRedisStream(ctx, bus.StreamConfig{
		Addr:     cfg.Bus.Addr,
		Stream:   cfg.Bus.RequestsTopic,
		Group:    cfg.Bus.ConsumerGroup,
		Consumer: cfg.ServiceName + "-" + uuid.New().String()[:8],
	}); err != nil {
		log.Warn("message bus unavailable, async consumer disabled", "error", err)
	} else {
		requests = stream
		defer requests.Close()
		handler.Bus = requests

		var jobCreator consumer.JobCreator
		if jobs != nil {
			jobCreator = jobs
		}
		cons := consumer.New(requests, exec, jobCreator, consumer.Config{Workers: cfg.Bus.Workers})
		go cons.Run(ctx)
	}

	// History janitor enforces the retention window once a day.
	if history != nil {
		go func() {
			ticker := time.NewTicker(24 * time.Hour)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					purged, err := history.PurgeOlderThan(ctx, cfg.Retention())
					if err != nil {
						log.Warn("history purge failed", "error", err)
						continue
					}
					log.Info("history purged", "records", purged, "retention_days", cfg.RetentionDays)
				}
			}
		}()
	}

	mux := http.NewServeMux()
	handler.RegisterRoutes(mux)
	httpServer := &http.Server{
		Addr:    cfg.Server.Addr(),
		Handler: api.Middleware(mux),
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("executor service started",
			"addr", cfg.Server.Addr(), "service_name", cfg.ServiceName,
			"kubernetes", jobs != nil, "consumer", requests != nil, "history", history != nil)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.Info("shutdown signal received", "signal", sig.String())
		cancel()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown http server: %w", err)
		}
		return nil
	case err := <-errCh:
		return fmt.Errorf("http server error: %w", err)
	}
}
