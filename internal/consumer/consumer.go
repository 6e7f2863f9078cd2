// Package consumer feeds the execution pipeline from the message bus.
//
// Each message is decoded into an execution request, classified, and
// dispatched to the sandbox (lightweight) or the cluster job manager
// (heavy). The bus checkpoint is advanced only after dispatch returns
// successfully; parse, classification, and dispatch failures leave the
// message unacknowledged so the bus redelivers it. Poison messages are
// therefore retried until the bus's retention window expires; that is
// the intended at-least-once behavior, not a bug.
package consumer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/oriys/pulsar/internal/bus"
	"github.com/oriys/pulsar/internal/classifier"
	"github.com/oriys/pulsar/internal/domain"
	"github.com/oriys/pulsar/internal/kubejob"
	"github.com/oriys/pulsar/internal/logging"
	"github.com/oriys/pulsar/internal/metrics"
)

// SandboxExecutor runs lightweight code.
type SandboxExecutor interface {
	Execute(ctx context.Context, code, requestID string, timeout time.Duration) (domain.ExecutionOutcome, error)
}

// JobCreator submits heavy code to the cluster.
type JobCreator interface {
	CreateJob(ctx context.Context, req kubejob.JobRequest) (domain.JobHandle, error)
}

// Config configures the consumer.
type Config struct {
	Workers int // bound on concurrent sandbox children
}

// Consumer pulls execution requests from the bus and dispatches them.
type Consumer struct {
	bus     bus.Consumer
	sandbox SandboxExecutor
	jobs    JobCreator
	slots   chan struct{}
}

// New creates a consumer. jobs may be nil when no cluster is configured;
// heavy messages then stay unacknowledged.
func New(b bus.Consumer, sandbox SandboxExecutor, jobs JobCreator, cfg Config) *Consumer {
	workers := cfg.Workers
	if workers <= 0 {
		workers = 4
	}
	return &Consumer{
		bus:     b,
		sandbox: sandbox,
		jobs:    jobs,
		slots:   make(chan struct{}, workers),
	}
}

// Run consumes messages until the context is cancelled.
func (c *Consumer) Run(ctx context.Context) error {
	log := logging.Op()
	log.Info("async consumer started")
	for {
		if ctx.Err() != nil {
			log.Info("async consumer stopped")
			return ctx.Err()
		}
		msg, err := c.bus.Receive(ctx)
		if errors.Is(err, bus.ErrNoMessage) {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				log.Info("async consumer stopped")
				return ctx.Err()
			}
			log.Error("bus receive failed", "error", err)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Second):
			}
			continue
		}

		if err := c.handle(ctx, msg); err != nil {
			// No ack: the bus will redeliver.
			log.ErrorContext(ctx, "message processing failed, leaving unacknowledged",
				"message_id", msg.ID, "error", err)
			metrics.RecordConsumerMessage("failed")
			continue
		}
		if err := c.bus.Ack(ctx, msg.ID); err != nil {
			log.ErrorContext(ctx, "ack failed", "message_id", msg.ID, "error", err)
			metrics.RecordConsumerMessage("ack_failed")
			continue
		}
		metrics.RecordConsumerMessage("processed")
	}
}

// handle decodes and dispatches one message. A nil return means the
// message is safe to acknowledge.
func (c *Consumer) handle(ctx context.Context, msg *bus.Message) error {
	req, err := decodeRequest(msg.Payload)
	if err != nil {
		logging.Op().Error("failed to parse bus message", "message_id", msg.ID, "error", err)
		return err
	}

	// Correlate every log line for the rest of this message's handling.
	ctx = logging.WithRequestID(ctx, req.RequestID)
	log := logging.Op()
	log.InfoContext(ctx, "received execution request",
		"message_id", msg.ID, "code_length", len(req.Code), "timeout", req.TimeoutSeconds)

	complexity := classifier.Classify(req.Code)
	log.InfoContext(ctx, "code classified", "classification", complexity)

	if complexity == classifier.Heavy {
		return c.dispatchHeavy(ctx, req)
	}
	return c.dispatchLightweight(ctx, req)
}

// decodeRequest parses and validates an ExecutionRequest payload.
func decodeRequest(payload []byte) (domain.ExecutionRequest, error) {
	var req domain.ExecutionRequest
	if len(payload) == 0 {
		return req, errors.New("empty message payload")
	}
	if err := json.Unmarshal(payload, &req); err != nil {
		return req, fmt.Errorf("invalid JSON in message: %w", err)
	}
	if req.TimeoutSeconds == 0 {
		req.TimeoutSeconds = 30
	}
	if req.RequestID == "" {
		return req, errors.New("invalid execution request: request_id must not be empty")
	}
	if req.Code == "" {
		return req, fmt.Errorf("invalid execution request: %w", domain.ErrEmptyCode)
	}
	// The heavy lane allows up to an hour; the sandbox clamps harder at
	// dispatch time.
	if req.TimeoutSeconds < 0 || req.TimeoutSeconds > 3600 {
		return req, fmt.Errorf("invalid execution request: timeout %d out of range", req.TimeoutSeconds)
	}
	return req, nil
}

func (c *Consumer) dispatchHeavy(ctx context.Context, req domain.ExecutionRequest) error {
	if c.jobs == nil {
		return errors.New("cluster job manager not available for heavy code")
	}
	limits := domain.DefaultLimits()
	if req.Limits != nil {
		limits = *req.Limits
	}
	handle, err := c.jobs.CreateJob(ctx, kubejob.JobRequest{
		RequestID: req.RequestID,
		Code:      req.Code,
		Limits:    limits,
	})
	if err != nil {
		return fmt.Errorf("create job: %w", err)
	}
	logging.Op().InfoContext(ctx, "heavy job created", "job_id", handle.JobID)
	return nil
}

func (c *Consumer) dispatchLightweight(ctx context.Context, req domain.ExecutionRequest) error {
	// Bound concurrent sandbox children so one slow program cannot take
	// the host down with it.
	select {
	case c.slots <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	defer func() { <-c.slots }()

	timeout := req.TimeoutSeconds
	if timeout > 300 {
		timeout = 300
	}
	outcome, err := c.sandbox.Execute(ctx, req.Code, req.RequestID,
		time.Duration(timeout)*time.Second)
	if err != nil {
		return fmt.Errorf("sandbox execution: %w", err)
	}
	logging.Op().InfoContext(ctx, "lightweight execution completed",
		"status", outcome.Status, "exit_code", outcome.ExitCode, "duration_ms", outcome.DurationMs)
	return nil
}
