package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mohammad-safakhou/deepresearch/internal/session"
)

// SessionStore keeps sessions in process memory. Reads hand out deep copies so callers never
// mutate stored state.
type SessionStore struct {
	mu       sync.RWMutex
	sessions map[string]*session.Session
	now      func() time.Time
}

func NewSessionStore() *SessionStore {
	return &SessionStore{
		sessions: make(map[string]*session.Session),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

func (s *SessionStore) CreateSession(_ context.Context, userID, query string) (*session.Session, error) {
	if userID == "" {
		return nil, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	sess := &session.Session{
		ID:        uuid.NewString(),
		UserID:    userID,
		Query:     query,
		Messages:  []session.Message{},
		URLs:      []string{},
		CreatedAt: now,
		UpdatedAt: now,
	}
	s.sessions[sess.ID] = sess
	return clone(sess), nil
}

func (s *SessionStore) GetSession(_ context.Context, userID, sessionID string) (*session.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.owned(userID, sessionID)
	if !ok {
		return nil, nil
	}
	return clone(sess), nil
}

func (s *SessionStore) UpdateMessages(_ context.Context, userID, sessionID string, messages []session.Message) (*session.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.owned(userID, sessionID)
	if !ok {
		return nil, nil
	}
	sess.Messages = session.CloneMessages(messages)
	sess.UpdatedAt = s.now()
	return clone(sess), nil
}

func (s *SessionStore) UpdateFinalReport(_ context.Context, userID, sessionID, report string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.owned(userID, sessionID)
	if !ok {
		return false, nil
	}
	sess.FinalReport = &report
	sess.UpdatedAt = s.now()
	return true, nil
}

func (s *SessionStore) UpdateURLs(_ context.Context, userID, sessionID string, urls []string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.owned(userID, sessionID)
	if !ok {
		return false, nil
	}
	sess.URLs = append([]string{}, urls...)
	sess.UpdatedAt = s.now()
	return true, nil
}

// ListSessions returns the user's sessions, most recently updated first.
func (s *SessionStore) ListSessions(_ context.Context, userID string) ([]session.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []session.Session
	for _, sess := range s.sessions {
		if sess.UserID == userID {
			out = append(out, *clone(sess))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.After(out[j].UpdatedAt) })
	return out, nil
}

func (s *SessionStore) owned(userID, sessionID string) (*session.Session, bool) {
	sess, ok := s.sessions[sessionID]
	if !ok || sess.UserID != userID {
		return nil, false
	}
	return sess, true
}

func clone(in *session.Session) *session.Session {
	out := *in
	out.Messages = session.CloneMessages(in.Messages)
	out.URLs = append([]string{}, in.URLs...)
	if in.FinalReport != nil {
		report := *in.FinalReport
		out.FinalReport = &report
	}
	return &out
}

var _ session.Store = (*SessionStore)(nil)
