package session

import (
	"context"
	"strings"
	"time"
)

// Role tags a conversation turn.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one persisted conversation turn. Provider-specific message objects are
// converted to this shape before they reach storage.
type Message struct {
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// NewMessage stamps a turn with the current UTC time.
func NewMessage(role Role, content string) Message {
	return Message{Role: role, Content: content, Timestamp: time.Now().UTC()}
}

// Session is the durable record of a research thread. It belongs to exactly one user.
type Session struct {
	ID          string    `json:"id"`
	UserID      string    `json:"user_id"`
	Query       string    `json:"query"`
	Messages    []Message `json:"messages"`
	URLs        []string  `json:"urls"`
	FinalReport *string   `json:"final_report,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Store persists sessions. Every operation is scoped by (userID, sessionID); a session owned by
// another user is indistinguishable from a missing one. Not-found and constraint violations are
// reported through the nil/false sentinel, errors are reserved for infrastructure faults.
type Store interface {
	CreateSession(ctx context.Context, userID, query string) (*Session, error)
	GetSession(ctx context.Context, userID, sessionID string) (*Session, error)
	UpdateMessages(ctx context.Context, userID, sessionID string, messages []Message) (*Session, error)
	UpdateFinalReport(ctx context.Context, userID, sessionID, report string) (bool, error)
	UpdateURLs(ctx context.Context, userID, sessionID string, urls []string) (bool, error)
	ListSessions(ctx context.Context, userID string) ([]Session, error)
}

// RenderHistory flattens turns into the "User: ... / Assistant: ..." transcript used in prompts.
func RenderHistory(messages []Message) string {
	if len(messages) == 0 {
		return ""
	}
	lines := make([]string, 0, len(messages))
	for _, m := range messages {
		speaker := "Assistant"
		if m.Role == RoleUser {
			speaker = "User"
		}
		lines = append(lines, speaker+": "+m.Content)
	}
	return strings.Join(lines, "\n")
}

// CloneMessages returns a copy that callers may append to without aliasing.
func CloneMessages(in []Message) []Message {
	if in == nil {
		return nil
	}
	out := make([]Message, len(in))
	copy(out, in)
	return out
}
