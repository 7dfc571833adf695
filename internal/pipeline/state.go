package pipeline

import (
	"encoding/json"
	"time"

	"github.com/mohammad-safakhou/deepresearch/internal/session"
)

// Agent names a stage worker as it appears on the event stream.
type Agent string

const (
	AgentResearcher Agent = "researcher"
	AgentWriter     Agent = "writer"
)

type Status string

const (
	StatusIdle    Status = "idle"
	StatusWorking Status = "working"
	StatusError   Status = "error"
)

type TimelineType string

const (
	TimelineStart TimelineType = "agent_start"
	TimelineEnd   TimelineType = "agent_end"
	TimelineError TimelineType = "agent_error"
)

type TimelineEvent struct {
	Type      TimelineType `json:"type"`
	Agent     Agent        `json:"agent"`
	Timestamp time.Time    `json:"timestamp"`
	Error     string       `json:"error,omitempty"`
}

func newTimelineEvent(t TimelineType, agent Agent, errMsg string) TimelineEvent {
	return TimelineEvent{Type: t, Agent: agent, Timestamp: time.Now().UTC(), Error: errMsg}
}

// SearchResult is one hit returned by the research model.
type SearchResult struct {
	Title   string `json:"title"`
	URL     string `json:"url"`
	Content string `json:"content"`
}

// SearchData is the strict JSON document the research prompt asks for.
type SearchData struct {
	Results     []SearchResult `json:"results"`
	VisitedURLs []string       `json:"visited_urls"`
}

// AgentState is the working state of one run. The orchestrator owns it for the run's duration
// and each stage returns an updated copy.
type AgentState struct {
	SessionID string
	UserID    string
	Query     string
	// ConversationHistory is the rendered transcript of turns before this run's query.
	ConversationHistory string
	// Messages mirrors the session conversation and only grows.
	Messages       []session.Message
	URLs           []string
	SearchResults  []SearchResult
	VisitedURLs    []string
	ReportDraft    string
	FinalReport    *string
	PreviousReport *string
	AgentStatus    map[Agent]Status
	TimelineEvents []TimelineEvent
	IterationCount int
	MaxIterations  int
}

// NewAgentState seeds a run from a resolved session whose messages already end with the
// current query.
func NewAgentState(sess *session.Session, query string, urls []string, maxIterations int) AgentState {
	msgs := session.CloneMessages(sess.Messages)
	prior := msgs
	if n := len(prior); n > 0 && prior[n-1].Role == session.RoleUser && prior[n-1].Content == query {
		prior = prior[:n-1]
	}
	var previous *string
	if sess.FinalReport != nil {
		r := *sess.FinalReport
		previous = &r
	}
	return AgentState{
		SessionID:           sess.ID,
		UserID:              sess.UserID,
		Query:               query,
		ConversationHistory: session.RenderHistory(prior),
		Messages:            msgs,
		URLs:                append([]string{}, urls...),
		PreviousReport:      previous,
		AgentStatus:         map[Agent]Status{AgentResearcher: StatusIdle, AgentWriter: StatusIdle},
		MaxIterations:       maxIterations,
	}
}

// SearchResultsJSON is the serialized result array used in prompts and the research turn.
func (s AgentState) SearchResultsJSON() string {
	results := s.SearchResults
	if results == nil {
		results = []SearchResult{}
	}
	b, err := json.Marshal(results)
	if err != nil {
		return "[]"
	}
	return string(b)
}

// clone copies the slices and map a stage may mutate so earlier snapshots stay intact.
func (s AgentState) clone() AgentState {
	out := s
	out.Messages = session.CloneMessages(s.Messages)
	out.TimelineEvents = append([]TimelineEvent(nil), s.TimelineEvents...)
	out.AgentStatus = make(map[Agent]Status, len(s.AgentStatus))
	for k, v := range s.AgentStatus {
		out.AgentStatus[k] = v
	}
	return out
}

// Stream payloads.

type AgentStatusEvent struct {
	AgentStatus    map[Agent]Status `json:"agent_status"`
	TimelineEvents []TimelineEvent  `json:"timeline_events,omitempty"`
}

type StatusEvent struct {
	Status    string `json:"status"`
	SessionID string `json:"sessionId,omitempty"`
}

type ReportEvent struct {
	Status string `json:"status"`
	Report string `json:"report"`
	Answer string `json:"answer"`
}

type ErrorEvent struct {
	Error   string `json:"error"`
	Details any    `json:"details,omitempty"`
}
