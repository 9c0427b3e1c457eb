package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	llmmock "github.com/pitchdrill/pitchdrill/pkg/llm/mock"
)

func TestCompleterUsesPrimary(t *testing.T) {
	t.Parallel()

	primary := &llmmock.Completer{Reply: "primary verdict"}
	c := NewCompleter(primary, "primary", CircuitBreakerConfig{})

	got, err := c.Complete(context.Background(), "evaluate")
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if got != "primary verdict" {
		t.Errorf("reply = %q", got)
	}
	if len(primary.Prompts) != 1 || primary.Prompts[0] != "evaluate" {
		t.Errorf("prompts = %v", primary.Prompts)
	}
}

func TestCompleterFailsOverToFallback(t *testing.T) {
	t.Parallel()

	primary := &llmmock.Completer{Err: errors.New("endpoint down")}
	fallback := &llmmock.Completer{Reply: "fallback verdict"}

	c := NewCompleter(primary, "primary", CircuitBreakerConfig{})
	c.AddFallback("fallback", fallback)

	got, err := c.Complete(context.Background(), "evaluate")
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if got != "fallback verdict" {
		t.Errorf("reply = %q", got)
	}
	if len(primary.Prompts) != 1 || len(fallback.Prompts) != 1 {
		t.Errorf("calls: primary %d fallback %d", len(primary.Prompts), len(fallback.Prompts))
	}
}

func TestCompleterAllBackendsFail(t *testing.T) {
	t.Parallel()

	primary := &llmmock.Completer{Err: errors.New("down")}
	c := NewCompleter(primary, "primary", CircuitBreakerConfig{})

	if _, err := c.Complete(context.Background(), "evaluate"); !errors.Is(err, ErrAllBackendsFailed) {
		t.Fatalf("err = %v, want ErrAllBackendsFailed", err)
	}
}

func TestCompleterBreakerSkipsDeadPrimary(t *testing.T) {
	t.Parallel()

	primary := &llmmock.Completer{Err: errors.New("down")}
	fallback := &llmmock.Completer{Reply: "ok"}

	c := NewCompleter(primary, "primary", CircuitBreakerConfig{
		MaxFailures:  2,
		ResetTimeout: time.Hour,
	})
	c.AddFallback("fallback", fallback)

	for i := 0; i < 4; i++ {
		if _, err := c.Complete(context.Background(), "evaluate"); err != nil {
			t.Fatalf("call %d: %v", i, err)
		}
	}

	// After two failures the primary's breaker is open; later calls must not
	// touch it.
	if got := len(primary.Prompts); got != 2 {
		t.Errorf("primary calls = %d, want 2", got)
	}
	if got := len(fallback.Prompts); got != 4 {
		t.Errorf("fallback calls = %d, want 4", got)
	}
}
