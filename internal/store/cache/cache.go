// Package cache decorates a session.Store with a redis read-through cache and provides the
// per-session run lock.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/mohammad-safakhou/deepresearch/internal/session"
)

// SessionCache serves GetSession from redis and keeps entries in step with writes. Redis faults
// degrade to the underlying store; they never fail a request.
type SessionCache struct {
	next   session.Store
	client *redis.Client
	ttl    time.Duration
	prefix string
	logger *slog.Logger
}

type Option func(*SessionCache)

func WithTTL(ttl time.Duration) Option { return func(c *SessionCache) { c.ttl = ttl } }

func WithPrefix(prefix string) Option { return func(c *SessionCache) { c.prefix = prefix } }

func WithLogger(logger *slog.Logger) Option {
	return func(c *SessionCache) {
		if logger != nil {
			c.logger = logger
		}
	}
}

func New(next session.Store, client *redis.Client, opts ...Option) *SessionCache {
	c := &SessionCache{
		next:   next,
		client: client,
		ttl:    30 * time.Minute,
		prefix: "deepresearch:",
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With("component", "session_cache")
	return c
}

func (c *SessionCache) key(userID, sessionID string) string {
	return c.prefix + "session:" + userID + ":" + sessionID
}

func (c *SessionCache) CreateSession(ctx context.Context, userID, query string) (*session.Session, error) {
	sess, err := c.next.CreateSession(ctx, userID, query)
	if err == nil && sess != nil {
		c.put(ctx, sess)
	}
	return sess, err
}

func (c *SessionCache) GetSession(ctx context.Context, userID, sessionID string) (*session.Session, error) {
	raw, err := c.client.Get(ctx, c.key(userID, sessionID)).Bytes()
	switch {
	case err == nil:
		var sess session.Session
		if jerr := json.Unmarshal(raw, &sess); jerr == nil {
			return &sess, nil
		}
		c.logger.Warn("dropping undecodable cache entry", "session_id", sessionID)
		c.evict(ctx, userID, sessionID)
	case !errors.Is(err, redis.Nil):
		c.logger.Warn("cache read failed", "session_id", sessionID, "error", err)
	}

	sess, err := c.next.GetSession(ctx, userID, sessionID)
	if err == nil && sess != nil {
		c.put(ctx, sess)
	}
	return sess, err
}

func (c *SessionCache) UpdateMessages(ctx context.Context, userID, sessionID string, messages []session.Message) (*session.Session, error) {
	sess, err := c.next.UpdateMessages(ctx, userID, sessionID, messages)
	if err != nil {
		c.evict(ctx, userID, sessionID)
		return nil, err
	}
	if sess != nil {
		c.put(ctx, sess)
	}
	return sess, nil
}

func (c *SessionCache) UpdateFinalReport(ctx context.Context, userID, sessionID, report string) (bool, error) {
	ok, err := c.next.UpdateFinalReport(ctx, userID, sessionID, report)
	c.evict(ctx, userID, sessionID)
	return ok, err
}

func (c *SessionCache) UpdateURLs(ctx context.Context, userID, sessionID string, urls []string) (bool, error) {
	ok, err := c.next.UpdateURLs(ctx, userID, sessionID, urls)
	c.evict(ctx, userID, sessionID)
	return ok, err
}

// ListSessions is not cached.
func (c *SessionCache) ListSessions(ctx context.Context, userID string) ([]session.Session, error) {
	return c.next.ListSessions(ctx, userID)
}

func (c *SessionCache) put(ctx context.Context, sess *session.Session) {
	raw, err := json.Marshal(sess)
	if err != nil {
		return
	}
	if err := c.client.Set(ctx, c.key(sess.UserID, sess.ID), raw, c.ttl).Err(); err != nil {
		c.logger.Warn("cache write failed", "session_id", sess.ID, "error", err)
	}
}

func (c *SessionCache) evict(ctx context.Context, userID, sessionID string) {
	if err := c.client.Del(ctx, c.key(userID, sessionID)).Err(); err != nil {
		c.logger.Warn("cache evict failed", "session_id", sessionID, "error", err)
	}
}

var _ session.Store = (*SessionCache)(nil)
