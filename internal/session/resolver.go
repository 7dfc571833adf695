package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
)

// ErrUnavailable reports that no session could be loaded or created.
var ErrUnavailable = errors.New("failed to create or load research session")

// Resolver loads an existing session or starts a new one for a run.
type Resolver struct {
	store  Store
	logger *slog.Logger
}

func NewResolver(store Store, logger *slog.Logger) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{store: store, logger: logger.With("component", "resolver")}
}

// Resolve returns the caller's session sessionID, or a fresh one seeded with query when the id is
// empty or unknown for userID. Store faults and a nil create are returned as errors so the caller
// can report them on the stream instead of aborting the request.
func (r *Resolver) Resolve(ctx context.Context, userID, query, sessionID string) (*Session, error) {
	sessionID = strings.TrimSpace(sessionID)
	if sessionID != "" {
		sess, err := r.store.GetSession(ctx, userID, sessionID)
		if err != nil {
			return nil, fmt.Errorf("load session %s: %w", sessionID, err)
		}
		if sess != nil {
			return sess, nil
		}
		r.logger.Info("session not found, creating new session", "session_id", sessionID, "user_id", userID)
	}
	sess, err := r.store.CreateSession(ctx, userID, query)
	if err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}
	if sess == nil {
		return nil, ErrUnavailable
	}
	r.logger.Info("created session", "session_id", sess.ID, "user_id", userID)
	return sess, nil
}
