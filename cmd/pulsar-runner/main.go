// pulsar-runner is the container entrypoint for heavy executor jobs. It
// reads the job from the environment, executes it, reports the result to
// object storage, the bus, and the history table, and exits with the
// child's exit code.
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/oriys/pulsar/internal/bus"
	"github.com/oriys/pulsar/internal/config"
	"github.com/oriys/pulsar/internal/logging"
	"github.com/oriys/pulsar/internal/objstore"
	"github.com/oriys/pulsar/internal/runner"
	"github.com/oriys/pulsar/internal/sandbox"
	"github.com/oriys/pulsar/internal/store"
)

func main() {
	rootCmd := &cobra.Command{
		Use:          "pulsar-runner",
		Short:        "Execute one heavy job from the pod environment",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			code, err := run()
			if err != nil {
				return err
			}
			os.Exit(code)
			return nil
		},
	}
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() (int, error) {
	cfg := config.Default()
	config.LoadFromEnv(cfg)
	logging.InitStructured(cfg.LogFormat, cfg.LogLevel)
	log := logging.Op()

	job, err := runner.JobFromEnv()
	if err != nil {
		return 0, fmt.Errorf("read job from environment: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(),
		time.Duration(job.TimeoutSeconds+60)*time.Second)
	defer cancel()

	r := &runner.Runner{
		Exec: sandbox.New(
			sandbox.WithInterpreter(cfg.Execution.Interpreter),
			sandbox.WithLane("heavy"),
		),
	}

	// Reporting sinks are best-effort; a missing one is logged, not fatal.
	if cfg.Storage.Bucket != "" {
		writer, err := objstore.NewWriter(ctx, objstore.Config{
			Bucket:    cfg.Storage.Bucket,
			Region:    cfg.Storage.Region,
			Endpoint:  cfg.Storage.Endpoint,
			AccessKey: cfg.Storage.AccessKey,
			SecretKey: cfg.Storage.SecretKey,
		})
		if err != nil {
			log.Warn("result storage unavailable", "error", err)
		} else {
			r.Results = writer
		}
	}
	if stream, err := bus.NewRedisStream(ctx, bus.StreamConfig{
		Addr:     cfg.Bus.Addr,
		Stream:   cfg.Bus.ResultsTopic,
		Group:    cfg.Bus.ConsumerGroup,
		Consumer: "runner-" + job.RequestID,
	}); err != nil {
		log.Warn("result bus unavailable", "error", err)
	} else {
		r.Events = stream
		defer stream.Close()
	}
	if history, err := store.New(ctx, cfg.PostgresDSN); err != nil {
		log.Warn("job history unavailable", "error", err)
	} else {
		r.History = history
		defer history.Close()
	}

	outcome := r.Run(ctx, job)
	return runner.ExitCode(outcome), nil
}
