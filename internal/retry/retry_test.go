package retry

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/oriys/pulsar/internal/domain"
)

func noSleep(recorded *[]time.Duration) Option {
	return WithSleeper(func(ctx context.Context, d time.Duration) error {
		if recorded != nil {
			*recorded = append(*recorded, d)
		}
		return nil
	})
}

func TestBackoffFormula(t *testing.T) {
	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{0, 1 * time.Second},
		{1, 2 * time.Second},
		{2, 4 * time.Second},
		{3, 8 * time.Second},
		{5, 32 * time.Second},
		{6, 60 * time.Second},
		{10, 60 * time.Second},
		{40, 60 * time.Second},
	}
	for _, tt := range tests {
		if got := Backoff(tt.attempt); got != tt.want {
			t.Fatalf("Backoff(%d) = %v, want %v", tt.attempt, got, tt.want)
		}
	}
}

func TestRunReturnsOutcomeImmediately(t *testing.T) {
	c := New(3, noSleep(nil))
	want := domain.ExecutionOutcome{RequestID: "r1", Status: domain.StatusSuccess}
	calls := 0
	got, err := c.Run(context.Background(), "r1", func(ctx context.Context) (domain.ExecutionOutcome, error) {
		calls++
		return want, nil
	})
	if err != nil || got.Status != domain.StatusSuccess || calls != 1 {
		t.Fatalf("got %+v err %v calls %d", got, err, calls)
	}
}

func TestRunDoesNotRetryTerminalOutcomes(t *testing.T) {
	// A timeout or failed outcome is a result, not an error: no retry.
	c := New(3, noSleep(nil))
	calls := 0
	got, _ := c.Run(context.Background(), "r1", func(ctx context.Context) (domain.ExecutionOutcome, error) {
		calls++
		return domain.ExecutionOutcome{RequestID: "r1", Status: domain.StatusTimeout, ExitCode: -1}, nil
	})
	if calls != 1 {
		t.Fatalf("terminal outcome retried: %d calls", calls)
	}
	if got.Status != domain.StatusTimeout {
		t.Fatalf("status = %s", got.Status)
	}
}

func TestRunRetriesRetryableErrors(t *testing.T) {
	var sleeps []time.Duration
	c := New(2, noSleep(&sleeps))
	calls := 0
	got, err := c.Run(context.Background(), "r1", func(ctx context.Context) (domain.ExecutionOutcome, error) {
		calls++
		if calls < 3 {
			return domain.ExecutionOutcome{}, MarkRetryable(errors.New("fork: resource temporarily unavailable"))
		}
		return domain.ExecutionOutcome{RequestID: "r1", Status: domain.StatusSuccess}, nil
	})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if calls != 3 {
		t.Fatalf("calls = %d, want 3", calls)
	}
	if got.Status != domain.StatusSuccess {
		t.Fatalf("status = %s", got.Status)
	}
	if len(sleeps) != 2 || sleeps[0] != 1*time.Second || sleeps[1] != 2*time.Second {
		t.Fatalf("sleeps = %v, want [1s 2s]", sleeps)
	}
}

func TestRunExhaustionSynthesizesFailure(t *testing.T) {
	c := New(2, noSleep(nil))
	calls := 0
	got, err := c.Run(context.Background(), "r1", func(ctx context.Context) (domain.ExecutionOutcome, error) {
		calls++
		return domain.ExecutionOutcome{}, MarkRetryable(errors.New("spawn child process: fork failed"))
	})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if calls != 3 { // initial + 2 retries
		t.Fatalf("calls = %d, want 3", calls)
	}
	if got.Status != domain.StatusFailed || got.ExitCode != -1 {
		t.Fatalf("outcome = %+v", got)
	}
	for _, want := range []string{"attempt 1", "attempt 2", "attempt 3"} {
		if !strings.Contains(got.Stderr, want) {
			t.Fatalf("stderr %q missing %q", got.Stderr, want)
		}
	}
}

func TestRunNonRetryableErrorIsTerminal(t *testing.T) {
	c := New(5, noSleep(nil))
	calls := 0
	got, _ := c.Run(context.Background(), "r1", func(ctx context.Context) (domain.ExecutionOutcome, error) {
		calls++
		return domain.ExecutionOutcome{}, errors.New("execution timed out after 5 seconds")
	})
	if calls != 1 {
		t.Fatalf("non-retryable error retried: %d calls", calls)
	}
	if got.Status != domain.StatusFailed {
		t.Fatalf("status = %s", got.Status)
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{"nil", nil, KindUnknown},
		{"marked retryable", MarkRetryable(errors.New("x")), KindRetryable},
		{"eagain", errors.New("fork/exec: resource temporarily unavailable"), KindRetryable},
		{"enomem", errors.New("cannot allocate memory"), KindRetryable},
		{"spawn", errors.New("spawn child process: fork failed"), KindRetryable},
		{"timeout", errors.New("run timed out"), KindNonRetryable},
		{"network", errors.New("network access denied"), KindNonRetryable},
		{"unknown", errors.New("something odd"), KindUnknown},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Classify(tt.err); got != tt.want {
				t.Fatalf("Classify = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestRunHonorsContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	c := New(5, WithSleeper(func(ctx context.Context, d time.Duration) error {
		cancel()
		return ctx.Err()
	}))
	got, err := c.Run(ctx, "r1", func(ctx context.Context) (domain.ExecutionOutcome, error) {
		return domain.ExecutionOutcome{}, MarkRetryable(errors.New("transient"))
	})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if got.Status != domain.StatusFailed {
		t.Fatalf("status = %s, want failed on cancelled backoff", got.Status)
	}
}
