package resilience

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/pitchdrill/pitchdrill/pkg/llm"
)

// ErrAllBackendsFailed is returned by [Completer.Complete] when every backend
// fails or has an open breaker.
var ErrAllBackendsFailed = errors.New("resilience: all completion backends failed")

// backend pairs one completion client with its dedicated breaker.
type backend struct {
	name      string
	completer llm.Completer
	breaker   *CircuitBreaker
}

// Completer implements [llm.Completer] across a chain of completion backends.
// Backends are tried in registration order; one with an open breaker is
// skipped without a call.
type Completer struct {
	cfg      CircuitBreakerConfig
	backends []backend
	log      *slog.Logger
}

// Compile-time interface assertion.
var _ llm.Completer = (*Completer)(nil)

// NewCompleter creates a [Completer] with primary as the preferred backend.
// cfg tunes the per-backend breakers; its Name field is ignored in favour of
// each backend's own name.
func NewCompleter(primary llm.Completer, name string, cfg CircuitBreakerConfig) *Completer {
	c := &Completer{
		cfg: cfg,
		log: slog.Default().With("component", "resilience"),
	}
	c.AddFallback(name, primary)
	return c
}

// AddFallback appends a completion backend tried after all earlier ones.
func (c *Completer) AddFallback(name string, completer llm.Completer) {
	cfg := c.cfg
	cfg.Name = name
	c.backends = append(c.backends, backend{
		name:      name,
		completer: completer,
		breaker:   NewCircuitBreaker(cfg),
	})
}

// Complete sends the prompt to the first healthy backend and returns its
// reply.
func (c *Completer) Complete(ctx context.Context, prompt string) (string, error) {
	var lastErr error
	for i := range c.backends {
		b := &c.backends[i]
		var reply string
		err := b.breaker.Execute(func() error {
			var err error
			reply, err = b.completer.Complete(ctx, prompt)
			return err
		})
		if err == nil {
			return reply, nil
		}
		lastErr = err
		if errors.Is(err, ErrCircuitOpen) {
			c.log.Debug("skipping backend", "backend", b.name)
		} else {
			c.log.Warn("backend failed, trying next", "backend", b.name, "err", err)
		}
	}
	return "", fmt.Errorf("%w: %v", ErrAllBackendsFailed, lastErr)
}
