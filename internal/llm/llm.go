// Package llm is the inference gateway: a uniform call surface over the search-capable and the
// reasoning model back-ends.
package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// Kind names a provider role.
type Kind string

const (
	KindSearch    Kind = "search"
	KindReasoning Kind = "reasoning"
)

func ParseKind(s string) (Kind, error) {
	switch Kind(s) {
	case KindSearch, KindReasoning:
		return Kind(s), nil
	}
	return "", fmt.Errorf("unknown provider kind %q", s)
}

// Provider performs one text generation call against a model back-end.
type Provider interface {
	Name() string
	Generate(ctx context.Context, prompt string) (string, error)
}

// Invoker is what pipeline stages depend on.
type Invoker interface {
	Invoke(ctx context.Context, kind Kind, prompt string) (string, error)
}

// InvocationError wraps every provider failure that leaves the gateway.
type InvocationError struct {
	Provider string
	Kind     Kind
	Attempts int
	Err      error
}

func (e *InvocationError) Error() string {
	return fmt.Sprintf("%s provider %s failed after %d attempt(s): %v", e.Kind, e.Provider, e.Attempts, e.Err)
}

func (e *InvocationError) Unwrap() error { return e.Err }

type permanentError struct{ err error }

func (p permanentError) Error() string { return p.err.Error() }
func (p permanentError) Unwrap() error { return p.err }

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return permanentError{err: err}
}

func isPermanent(err error) bool {
	var p permanentError
	return errors.As(err, &p) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

// RetryPolicy bounds retries per provider kind. Kinds not listed get exactly one attempt.
type RetryPolicy struct {
	MaxRetries int
	Backoff    time.Duration
	Kinds      []Kind
}

// DefaultRetryPolicy retries the reasoning provider twice and never retries search.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxRetries: 2, Backoff: 500 * time.Millisecond, Kinds: []Kind{KindReasoning}}
}

func (p RetryPolicy) attempts(kind Kind) int {
	if p.MaxRetries <= 0 {
		return 1
	}
	for _, k := range p.Kinds {
		if k == kind {
			return p.MaxRetries + 1
		}
	}
	return 1
}

// Observer receives one callback per logical invocation.
type Observer interface {
	ObserveInvocation(kind string, outcome string, elapsed time.Duration)
}

type Gateway struct {
	providers map[Kind]Provider
	policy    RetryPolicy
	logger    *slog.Logger
	observer  Observer
}

type GatewayOption func(*Gateway)

func WithRetryPolicy(p RetryPolicy) GatewayOption { return func(g *Gateway) { g.policy = p } }

func WithLogger(l *slog.Logger) GatewayOption {
	return func(g *Gateway) {
		if l != nil {
			g.logger = l
		}
	}
}

func WithObserver(o Observer) GatewayOption { return func(g *Gateway) { g.observer = o } }

func NewGateway(search, reasoning Provider, opts ...GatewayOption) *Gateway {
	g := &Gateway{
		providers: map[Kind]Provider{KindSearch: search, KindReasoning: reasoning},
		policy:    DefaultRetryPolicy(),
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(g)
	}
	g.logger = g.logger.With("component", "llm")
	return g
}

// Invoke sends prompt to the provider registered for kind and returns its text. Failures are
// always *InvocationError.
func (g *Gateway) Invoke(ctx context.Context, kind Kind, prompt string) (string, error) {
	p, ok := g.providers[kind]
	if !ok || p == nil {
		return "", &InvocationError{Provider: "none", Kind: kind, Err: fmt.Errorf("no provider for kind %q", kind)}
	}

	start := time.Now()
	tries := g.policy.attempts(kind)
	attempts := 0
	var lastErr error
retry:
	for attempts < tries {
		attempts++
		out, err := p.Generate(ctx, prompt)
		if err == nil {
			g.observe(kind, "success", start)
			return out, nil
		}
		lastErr = err
		if isPermanent(err) || attempts == tries {
			break
		}
		g.logger.Warn("provider call failed, retrying", "provider", p.Name(), "kind", kind, "attempt", attempts, "error", err)
		select {
		case <-time.After(g.policy.Backoff * time.Duration(1<<(attempts-1))):
		case <-ctx.Done():
			lastErr = ctx.Err()
			break retry
		}
	}
	g.observe(kind, "error", start)
	g.logger.Error("provider call failed", "provider", p.Name(), "kind", kind, "attempts", attempts, "error", lastErr)
	return "", &InvocationError{Provider: p.Name(), Kind: kind, Attempts: attempts, Err: lastErr}
}

func (g *Gateway) observe(kind Kind, outcome string, start time.Time) {
	if g.observer != nil {
		g.observer.ObserveInvocation(string(kind), outcome, time.Since(start))
	}
}
