// Package pipeline runs the Research → Draft → Refine sequence for one query and checkpoints
// each stage against the session store.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/mohammad-safakhou/deepresearch/internal/llm"
	"github.com/mohammad-safakhou/deepresearch/internal/session"
	"github.com/mohammad-safakhou/deepresearch/internal/stream"
)

const (
	msgResearchFailed = "Research step failed."
	msgWriterFailed   = "Writer step failed."
	msgRefineFailed   = "Refinement flow failed"
	msgReportPersist  = "DB update error"
	msgPersistFailed  = "Failed to persist session"

	statusRefining = "Refining report"
	statusComplete = "Report refinement complete"
)

var errSessionGone = errors.New("session not found")

// StageObserver receives one callback per finished stage.
type StageObserver interface {
	ObserveStage(stage string, outcome string, elapsed time.Duration)
}

type Orchestrator struct {
	llm      llm.Invoker
	store    session.Store
	logger   *slog.Logger
	tracer   trace.Tracer
	observer StageObserver
}

type Option func(*Orchestrator)

func WithLogger(l *slog.Logger) Option {
	return func(o *Orchestrator) {
		if l != nil {
			o.logger = l
		}
	}
}

func WithObserver(obs StageObserver) Option { return func(o *Orchestrator) { o.observer = obs } }

func New(invoker llm.Invoker, store session.Store, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		llm:    invoker,
		store:  store,
		logger: slog.Default(),
		tracer: otel.Tracer("deepresearch/pipeline"),
	}
	for _, opt := range opts {
		opt(o)
	}
	o.logger = o.logger.With("component", "pipeline")
	return o
}

// Run executes the three stages in order. A Research or Draft error emits the terminal error
// event and skips the remaining stages. The returned state reflects the last stage that ran.
func (o *Orchestrator) Run(ctx context.Context, state AgentState, sink stream.Sink) AgentState {
	ctx, span := o.tracer.Start(ctx, "pipeline.Run", trace.WithAttributes(
		attribute.String("session_id", state.SessionID),
		attribute.String("user_id", state.UserID),
	))
	defer span.End()

	state = o.Research(ctx, state, sink)
	if state.AgentStatus[AgentResearcher] == StatusError {
		span.SetStatus(codes.Error, "research failed")
		sink.Emit(ErrorEvent{Error: msgResearchFailed})
		return state
	}
	state = o.Draft(ctx, state, sink)
	if state.AgentStatus[AgentWriter] == StatusError {
		span.SetStatus(codes.Error, "draft failed")
		sink.Emit(ErrorEvent{Error: msgWriterFailed})
		return state
	}
	return o.Refine(ctx, state, sink)
}

// Research asks the search provider for strict JSON results. Unparseable output counts as an
// empty result set; only a failed invocation marks the stage as errored.
func (o *Orchestrator) Research(ctx context.Context, state AgentState, sink stream.Sink) AgentState {
	ctx, span := o.tracer.Start(ctx, "pipeline.Research")
	defer span.End()
	start := time.Now()

	next := o.begin(state, AgentResearcher, sink)
	raw, err := o.llm.Invoke(ctx, llm.KindSearch, researchPrompt(next))
	if err != nil {
		next = o.fail(span, next, AgentResearcher, err, sink)
		o.checkpoint(ctx, next, sink)
		o.observe("research", "error", start)
		return next
	}

	data, ok := parseSearchData(raw)
	if !ok {
		o.logger.Warn("research output was not valid JSON, continuing with no results", "session_id", next.SessionID)
	}
	next.SearchResults = data.Results
	next.VisitedURLs = data.VisitedURLs
	next.Messages = append(next.Messages, session.NewMessage(session.RoleUser, "Search results: "+next.SearchResultsJSON()))
	next.IterationCount++
	next = o.end(next, AgentResearcher, sink)
	span.SetAttributes(attribute.Int("results", len(data.Results)))

	o.checkpoint(ctx, next, sink)
	o.persistURLs(ctx, next, sink)
	o.observe("research", "success", start)
	return next
}

// Draft asks the search provider for a Markdown report built from the research results.
func (o *Orchestrator) Draft(ctx context.Context, state AgentState, sink stream.Sink) AgentState {
	ctx, span := o.tracer.Start(ctx, "pipeline.Draft")
	defer span.End()
	start := time.Now()

	next := o.begin(state, AgentWriter, sink)
	draft, err := o.llm.Invoke(ctx, llm.KindSearch, draftPrompt(next))
	if err != nil {
		next = o.fail(span, next, AgentWriter, err, sink)
		o.checkpoint(ctx, next, sink)
		o.observe("draft", "error", start)
		return next
	}

	next.ReportDraft = draft
	next.Messages = append(next.Messages, session.NewMessage(session.RoleAssistant,
		fmt.Sprintf("Draft report (Iteration %d): %s", next.IterationCount, draft)))
	next = o.end(next, AgentWriter, sink)

	o.checkpoint(ctx, next, sink)
	o.observe("draft", "success", start)
	return next
}

// Refine sends every gathered input to the reasoning provider and publishes the cleaned answer
// as the final report. On failure the incoming state is returned untouched.
func (o *Orchestrator) Refine(ctx context.Context, state AgentState, sink stream.Sink) AgentState {
	ctx, span := o.tracer.Start(ctx, "pipeline.Refine")
	defer span.End()
	start := time.Now()

	sink.Emit(StatusEvent{Status: statusRefining})
	raw, err := o.llm.Invoke(ctx, llm.KindReasoning, refinePrompt(state))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		o.logger.Error("refinement failed", "session_id", state.SessionID, "error", err)
		sink.Emit(ErrorEvent{Error: msgRefineFailed, Details: err.Error()})
		o.observe("refine", "error", start)
		return state
	}

	report := llm.StripReasoning(raw)
	visible := stream.Normalize(report)
	sink.Emit(ReportEvent{Status: statusComplete, Report: visible, Answer: visible})

	next := state.clone()
	next.FinalReport = &report
	o.checkpoint(ctx, next, sink)

	ok, err := o.store.UpdateFinalReport(ctx, next.UserID, next.SessionID, report)
	switch {
	case err != nil:
		o.logger.Error("persist final report failed", "session_id", next.SessionID, "error", err)
		sink.Emit(ErrorEvent{Error: msgReportPersist, Details: err.Error()})
	case !ok:
		o.logger.Error("persist final report failed", "session_id", next.SessionID, "error", errSessionGone)
		sink.Emit(ErrorEvent{Error: msgReportPersist, Details: errSessionGone.Error()})
	}
	o.observe("refine", "success", start)
	return next
}

func (o *Orchestrator) begin(state AgentState, agent Agent, sink stream.Sink) AgentState {
	next := state.clone()
	next.AgentStatus[agent] = StatusWorking
	ev := newTimelineEvent(TimelineStart, agent, "")
	next.TimelineEvents = append(next.TimelineEvents, ev)
	sink.Emit(AgentStatusEvent{AgentStatus: map[Agent]Status{agent: StatusWorking}, TimelineEvents: []TimelineEvent{ev}})
	return next
}

func (o *Orchestrator) end(state AgentState, agent Agent, sink stream.Sink) AgentState {
	state.AgentStatus[agent] = StatusIdle
	ev := newTimelineEvent(TimelineEnd, agent, "")
	state.TimelineEvents = append(state.TimelineEvents, ev)
	sink.Emit(AgentStatusEvent{AgentStatus: map[Agent]Status{agent: StatusIdle}, TimelineEvents: []TimelineEvent{ev}})
	return state
}

func (o *Orchestrator) fail(span trace.Span, state AgentState, agent Agent, err error, sink stream.Sink) AgentState {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	o.logger.Error("stage failed", "agent", agent, "session_id", state.SessionID, "error", err)
	state.AgentStatus[agent] = StatusError
	ev := newTimelineEvent(TimelineError, agent, err.Error())
	state.TimelineEvents = append(state.TimelineEvents, ev)
	sink.Emit(AgentStatusEvent{AgentStatus: map[Agent]Status{agent: StatusError}, TimelineEvents: []TimelineEvent{ev}})
	return state
}

// checkpoint writes the conversation so far. Failures are reported but never stop the run.
func (o *Orchestrator) checkpoint(ctx context.Context, state AgentState, sink stream.Sink) {
	sess, err := o.store.UpdateMessages(ctx, state.UserID, state.SessionID, state.Messages)
	if err == nil && sess == nil {
		err = errSessionGone
	}
	if err != nil {
		o.logger.Error("checkpoint failed", "session_id", state.SessionID, "error", err)
		sink.Emit(ErrorEvent{Error: msgPersistFailed, Details: err.Error()})
	}
}

// persistURLs stores the result links in the order the model returned them.
func (o *Orchestrator) persistURLs(ctx context.Context, state AgentState, sink stream.Sink) {
	ok, err := o.store.UpdateURLs(ctx, state.UserID, state.SessionID, resultURLs(state.SearchResults))
	if err == nil && !ok {
		err = errSessionGone
	}
	if err != nil {
		o.logger.Error("persist urls failed", "session_id", state.SessionID, "error", err)
		sink.Emit(ErrorEvent{Error: msgPersistFailed, Details: err.Error()})
	}
}

func resultURLs(results []SearchResult) []string {
	urls := make([]string, 0, len(results))
	for _, r := range results {
		if u := strings.TrimSpace(r.URL); u != "" {
			urls = append(urls, u)
		}
	}
	return urls
}

func (o *Orchestrator) observe(stage, outcome string, start time.Time) {
	if o.observer != nil {
		o.observer.ObserveStage(stage, outcome, time.Since(start))
	}
}

// parseSearchData decodes the research output. Anything that is not a JSON object with a
// results array yields an empty SearchData and false.
func parseSearchData(raw string) (SearchData, bool) {
	var data SearchData
	if err := json.Unmarshal([]byte(llm.StripCodeFence(raw)), &data); err != nil || data.Results == nil {
		return SearchData{Results: []SearchResult{}, VisitedURLs: []string{}}, false
	}
	if data.VisitedURLs == nil {
		data.VisitedURLs = []string{}
	}
	return data, true
}
