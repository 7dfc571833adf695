package llm

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

type fakeProvider struct {
	name   string
	errs   []error
	out    string
	calls  int
	prompt string
}

func (f *fakeProvider) Name() string { return f.name }

func (f *fakeProvider) Generate(_ context.Context, prompt string) (string, error) {
	f.prompt = prompt
	f.calls++
	if f.calls <= len(f.errs) && f.errs[f.calls-1] != nil {
		return "", f.errs[f.calls-1]
	}
	return f.out, nil
}

type recordingObserver struct {
	mu       sync.Mutex
	outcomes []string
}

func (r *recordingObserver) ObserveInvocation(kind, outcome string, _ time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.outcomes = append(r.outcomes, kind+":"+outcome)
}

func fastPolicy() RetryPolicy {
	return RetryPolicy{MaxRetries: 2, Backoff: time.Millisecond, Kinds: []Kind{KindReasoning}}
}

func TestInvokeRoutesByKind(t *testing.T) {
	search := &fakeProvider{name: "s", out: "search-out"}
	reasoning := &fakeProvider{name: "r", out: "reasoning-out"}
	g := NewGateway(search, reasoning)

	out, err := g.Invoke(context.Background(), KindSearch, "p1")
	if err != nil || out != "search-out" || search.prompt != "p1" {
		t.Fatalf("search: %q, %v", out, err)
	}
	out, err = g.Invoke(context.Background(), KindReasoning, "p2")
	if err != nil || out != "reasoning-out" || reasoning.prompt != "p2" {
		t.Fatalf("reasoning: %q, %v", out, err)
	}
}

func TestInvokeRetriesReasoningOnly(t *testing.T) {
	boom := errors.New("503")
	search := &fakeProvider{name: "s", errs: []error{boom, boom}}
	reasoning := &fakeProvider{name: "r", errs: []error{boom, boom}, out: "ok"}
	obs := &recordingObserver{}
	g := NewGateway(search, reasoning, WithRetryPolicy(fastPolicy()), WithObserver(obs))

	if _, err := g.Invoke(context.Background(), KindSearch, "p"); err == nil {
		t.Fatalf("expected search failure")
	}
	if search.calls != 1 {
		t.Fatalf("search must not be retried, got %d calls", search.calls)
	}

	out, err := g.Invoke(context.Background(), KindReasoning, "p")
	if err != nil || out != "ok" {
		t.Fatalf("reasoning should succeed on third attempt: %q, %v", out, err)
	}
	if reasoning.calls != 3 {
		t.Fatalf("expected 3 calls, got %d", reasoning.calls)
	}
	if len(obs.outcomes) != 2 || obs.outcomes[0] != "search:error" || obs.outcomes[1] != "reasoning:success" {
		t.Fatalf("expected one observation per logical call, got %v", obs.outcomes)
	}
}

func TestInvokeWrapsExhaustedRetries(t *testing.T) {
	boom := errors.New("overloaded")
	reasoning := &fakeProvider{name: "r", errs: []error{boom, boom, boom, boom}}
	g := NewGateway(&fakeProvider{name: "s"}, reasoning, WithRetryPolicy(fastPolicy()))

	_, err := g.Invoke(context.Background(), KindReasoning, "p")
	var ie *InvocationError
	if !errors.As(err, &ie) {
		t.Fatalf("expected InvocationError, got %T", err)
	}
	if ie.Attempts != 3 || ie.Provider != "r" || ie.Kind != KindReasoning {
		t.Fatalf("unexpected error fields: %+v", ie)
	}
	if !errors.Is(err, boom) {
		t.Fatalf("cause should unwrap")
	}
	if reasoning.calls != 3 {
		t.Fatalf("expected bounded retries, got %d calls", reasoning.calls)
	}
}

func TestInvokeStopsOnPermanentError(t *testing.T) {
	reasoning := &fakeProvider{name: "r", errs: []error{Permanent(errors.New("401"))}}
	g := NewGateway(&fakeProvider{name: "s"}, reasoning, WithRetryPolicy(fastPolicy()))

	if _, err := g.Invoke(context.Background(), KindReasoning, "p"); err == nil {
		t.Fatalf("expected failure")
	}
	if reasoning.calls != 1 {
		t.Fatalf("permanent errors must not be retried, got %d calls", reasoning.calls)
	}
}

func TestInvokeHonoursCancellationDuringBackoff(t *testing.T) {
	reasoning := &fakeProvider{name: "r", errs: []error{errors.New("x"), errors.New("x"), errors.New("x")}}
	g := NewGateway(&fakeProvider{name: "s"}, reasoning,
		WithRetryPolicy(RetryPolicy{MaxRetries: 2, Backoff: time.Hour, Kinds: []Kind{KindReasoning}}))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := g.Invoke(ctx, KindReasoning, "p")
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
	if reasoning.calls != 1 {
		t.Fatalf("expected a single call before cancellation, got %d", reasoning.calls)
	}
}

func TestInvokeUnknownKind(t *testing.T) {
	g := NewGateway(&fakeProvider{name: "s"}, &fakeProvider{name: "r"})
	var ie *InvocationError
	if _, err := g.Invoke(context.Background(), Kind("vision"), "p"); !errors.As(err, &ie) {
		t.Fatalf("expected InvocationError, got %v", err)
	}
}

func TestParseKind(t *testing.T) {
	if k, err := ParseKind("search"); err != nil || k != KindSearch {
		t.Fatalf("ParseKind(search) = %q, %v", k, err)
	}
	if _, err := ParseKind("vision"); err == nil {
		t.Fatalf("expected error for unknown kind")
	}
}
