// Package orchestrator drives a natural-language query through code
// generation, security validation, bounded correction, and lane
// classification.
//
// The flow is an explicit state machine over a State value; transitions
// are pure given the LLM's replies. Nothing is classified or routed until
// the most recent verdict is clean, and every corrected program is
// re-validated from scratch.
package orchestrator

import (
	"context"
	"fmt"

	"github.com/oriys/pulsar/internal/classifier"
	"github.com/oriys/pulsar/internal/logging"
	"github.com/oriys/pulsar/internal/metrics"
	"github.com/oriys/pulsar/internal/validator"
)

// Status names a state of the synthesis flow.
type Status string

const (
	StatusParsed           Status = "parsed"
	StatusGenerated        Status = "generated"
	StatusValidationFailed Status = "validation_failed"
	StatusRoutedPending    Status = "routed_pending"
	StatusRouted           Status = "routed"
	StatusMaxRetries       Status = "validation_failed_max_retries"
	StatusError            Status = "error"
)

// CodeGenerator is the LLM collaborator.
type CodeGenerator interface {
	Generate(ctx context.Context, query string) (string, error)
	Correct(ctx context.Context, query, code string, findings []string) (string, error)
}

// State is the orchestrator's working memory for one query.
type State struct {
	Query      string                `json:"query"`
	Code       string                `json:"code"`
	Verdict    *validator.Result     `json:"verdict,omitempty"`
	Attempts   int                   `json:"attempts"`
	MaxRetries int                   `json:"max_retries"`
	Tag        classifier.Complexity `json:"tag,omitempty"`
	Status     Status                `json:"status"`
}

// Orchestrator runs the generate → validate → correct → classify flow.
type Orchestrator struct {
	gen CodeGenerator
	val *validator.Validator
}

// New creates an orchestrator.
func New(gen CodeGenerator, val *validator.Validator) *Orchestrator {
	return &Orchestrator{gen: gen, val: val}
}

// Execute drives a query to a terminal state. The returned error is
// non-nil only when the LLM collaborator failed; validation failures are
// terminal states, not errors.
func (o *Orchestrator) Execute(ctx context.Context, query string, maxRetries int) (State, error) {
	state := State{
		Query:      query,
		MaxRetries: maxRetries,
		Status:     StatusParsed,
	}
	log := logging.Op()

	code, err := o.gen.Generate(ctx, query)
	if err != nil {
		state.Status = StatusError
		return state, fmt.Errorf("code generation failed: %w", err)
	}
	state.Code = code
	state.Status = StatusGenerated
	log.InfoContext(ctx, "code generated", "code_length", len(code))

	for {
		verdict := o.val.Validate(state.Code)
		state.Verdict = &verdict
		metrics.RecordValidation(verdict.OK)

		if verdict.OK {
			state.Status = StatusRoutedPending
			break
		}

		state.Status = StatusValidationFailed
		log.WarnContext(ctx, "validation failed",
			"attempts", state.Attempts, "max_retries", state.MaxRetries, "findings", len(verdict.Errors))

		if state.Attempts >= state.MaxRetries {
			state.Status = StatusMaxRetries
			return state, nil
		}

		corrected, err := o.gen.Correct(ctx, query, state.Code, verdict.Errors)
		if err != nil {
			state.Status = StatusError
			return state, fmt.Errorf("code correction failed: %w", err)
		}
		state.Code = corrected
		state.Attempts++
		state.Status = StatusGenerated
		metrics.RecordCorrection()
	}

	state.Tag = classifier.Classify(state.Code)
	state.Status = StatusRouted
	log.InfoContext(ctx, "query routed", "classification", state.Tag, "attempts", state.Attempts)
	return state, nil
}
