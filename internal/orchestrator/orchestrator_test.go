package orchestrator

import (
	"context"
	"errors"
	"testing"

	"github.com/oriys/pulsar/internal/classifier"
	"github.com/oriys/pulsar/internal/validator"
)

// scriptedGenerator replays canned generations and corrections.
type scriptedGenerator struct {
	generations []string
	corrections []string
	genErr      error
	correctErr  error
	genCalls    int
	correctCalls int
	lastFindings []string
}

func (g *scriptedGenerator) Generate(ctx context.Context, query string) (string, error) {
	if g.genErr != nil {
		return "", g.genErr
	}
	code := g.generations[g.genCalls]
	g.genCalls++
	return code, nil
}

func (g *scriptedGenerator) Correct(ctx context.Context, query, code string, findings []string) (string, error) {
	if g.correctErr != nil {
		return "", g.correctErr
	}
	g.lastFindings = findings
	corrected := g.corrections[g.correctCalls]
	g.correctCalls++
	return corrected, nil
}

func newOrchestrator(gen CodeGenerator) *Orchestrator {
	return New(gen, validator.New(nil))
}

func TestExecuteCleanFirstTry(t *testing.T) {
	gen := &scriptedGenerator{generations: []string{"result = sum(range(101))\nprint(result)"}}
	state, err := newOrchestrator(gen).Execute(context.Background(), "sum 1..100", 3)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if state.Status != StatusRouted {
		t.Fatalf("status = %s, want routed", state.Status)
	}
	if state.Attempts != 0 {
		t.Fatalf("attempts = %d, want 0", state.Attempts)
	}
	if state.Tag != classifier.Lightweight {
		t.Fatalf("tag = %s, want lightweight", state.Tag)
	}
	if state.Verdict == nil || !state.Verdict.OK {
		t.Fatalf("verdict = %+v", state.Verdict)
	}
}

func TestExecuteCorrectionLoop(t *testing.T) {
	gen := &scriptedGenerator{
		generations: []string{"import os\nos.system('ls')"},
		corrections: []string{"result = 42\nprint(result)"},
	}
	state, err := newOrchestrator(gen).Execute(context.Background(), "compute", 3)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if state.Status != StatusRouted {
		t.Fatalf("status = %s, want routed", state.Status)
	}
	if state.Attempts != 1 {
		t.Fatalf("attempts = %d, want 1", state.Attempts)
	}
	if gen.correctCalls != 1 {
		t.Fatalf("correct calls = %d", gen.correctCalls)
	}
	if len(gen.lastFindings) == 0 {
		t.Fatal("correction did not receive verdict findings")
	}
	if !state.Verdict.OK {
		t.Fatal("final verdict must be clean")
	}
}

func TestExecuteCorrectedCodeIsRevalidated(t *testing.T) {
	// The "corrected" program is still dangerous; it must be rejected
	// again, not trusted.
	gen := &scriptedGenerator{
		generations: []string{"import os"},
		corrections: []string{"import subprocess", "result = 1"},
	}
	state, err := newOrchestrator(gen).Execute(context.Background(), "compute", 5)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if state.Attempts != 2 {
		t.Fatalf("attempts = %d, want 2", state.Attempts)
	}
	if state.Status != StatusRouted {
		t.Fatalf("status = %s", state.Status)
	}
}

func TestExecuteMaxRetriesExceeded(t *testing.T) {
	gen := &scriptedGenerator{
		generations: []string{"import os\nos.system('rm -rf /')"},
		corrections: []string{"import os\nos.system('rm -rf /')", "import os\nos.system('rm -rf /')"},
	}
	state, err := newOrchestrator(gen).Execute(context.Background(), "dangerous", 2)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if state.Status != StatusMaxRetries {
		t.Fatalf("status = %s, want %s", state.Status, StatusMaxRetries)
	}
	if state.Attempts > state.MaxRetries {
		t.Fatalf("attempts %d exceeded max retries %d", state.Attempts, state.MaxRetries)
	}
	if state.Tag != "" {
		t.Fatalf("classification must not run on rejected code, got %s", state.Tag)
	}
	if state.Verdict.OK {
		t.Fatal("final verdict must be failing")
	}
}

func TestExecuteHeavyClassification(t *testing.T) {
	// Operators who want heavy data libraries extend the allowlist; the
	// classifier then routes such programs to the heavy lane.
	allow := map[string]bool{"pandas": true}
	for k := range validator.DefaultAllowlist {
		allow[k] = true
	}
	gen := &scriptedGenerator{generations: []string{"import pandas\nresult = pandas.__version__"}}
	o := New(gen, validator.New(allow))
	state, err := o.Execute(context.Background(), "version of pandas", 1)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if state.Status != StatusRouted {
		t.Fatalf("status = %s", state.Status)
	}
	if state.Tag != classifier.Heavy {
		t.Fatalf("tag = %s, want heavy", state.Tag)
	}
}

func TestExecuteGenerateFailure(t *testing.T) {
	gen := &scriptedGenerator{genErr: errors.New("provider down")}
	state, err := newOrchestrator(gen).Execute(context.Background(), "anything", 3)
	if err == nil {
		t.Fatal("expected error")
	}
	if state.Status != StatusError {
		t.Fatalf("status = %s, want error", state.Status)
	}
}

func TestExecuteCorrectFailureDoesNotReuseOldCode(t *testing.T) {
	gen := &scriptedGenerator{
		generations: []string{"import os"},
		correctErr:  errors.New("provider down"),
	}
	state, err := newOrchestrator(gen).Execute(context.Background(), "anything", 3)
	if err == nil {
		t.Fatal("expected error")
	}
	if state.Status != StatusError {
		t.Fatalf("status = %s, want error", state.Status)
	}
	if state.Tag != "" {
		t.Fatal("no classification on error path")
	}
}
