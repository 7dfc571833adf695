package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/mohammad-safakhou/deepresearch/internal/session"
)

// Store is the Postgres-backed session.Store.
type Store struct {
	DB *sql.DB
}

var storeTracer = otel.Tracer("deepresearch/store")

const sessionColumns = `id, user_id, query, messages, urls, final_report, created_at, updated_at`

// NewWithDSN opens and pings a Postgres connection.
func NewWithDSN(ctx context.Context, dsn string) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Store{DB: db}, nil
}

func (s *Store) Close() error { return s.DB.Close() }

func (s *Store) CreateSession(ctx context.Context, userID, query string) (*session.Session, error) {
	ctx, span := storeTracer.Start(ctx, "store.CreateSession", trace.WithAttributes(attribute.String("user_id", userID)))
	defer span.End()

	row := s.DB.QueryRowContext(ctx, `
INSERT INTO research_sessions (id, user_id, query, messages, urls, created_at, updated_at)
VALUES ($1,$2,$3,'[]'::jsonb,'{}',NOW(),NOW())
RETURNING `+sessionColumns, uuid.NewString(), userID, query)
	sess, err := scanSession(row)
	if err != nil {
		if isConstraintViolation(err) {
			return nil, nil
		}
		recordErr(span, err)
		return nil, fmt.Errorf("insert research session: %w", err)
	}
	return sess, nil
}

// GetSession returns nil, nil when the id is unknown, malformed or owned by someone else.
func (s *Store) GetSession(ctx context.Context, userID, sessionID string) (*session.Session, error) {
	if _, err := uuid.Parse(sessionID); err != nil {
		return nil, nil
	}
	ctx, span := storeTracer.Start(ctx, "store.GetSession", trace.WithAttributes(attribute.String("session_id", sessionID)))
	defer span.End()

	row := s.DB.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM research_sessions WHERE id=$1 AND user_id=$2`, sessionID, userID)
	sess, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		recordErr(span, err)
		return nil, fmt.Errorf("select research session: %w", err)
	}
	return sess, nil
}

func (s *Store) UpdateMessages(ctx context.Context, userID, sessionID string, messages []session.Message) (*session.Session, error) {
	if _, err := uuid.Parse(sessionID); err != nil {
		return nil, nil
	}
	ctx, span := storeTracer.Start(ctx, "store.UpdateMessages", trace.WithAttributes(
		attribute.String("session_id", sessionID),
		attribute.Int("messages", len(messages)),
	))
	defer span.End()

	if messages == nil {
		messages = []session.Message{}
	}
	payload, err := json.Marshal(messages)
	if err != nil {
		return nil, fmt.Errorf("encode messages: %w", err)
	}
	row := s.DB.QueryRowContext(ctx, `
UPDATE research_sessions SET messages=$3, updated_at=NOW()
WHERE id=$1 AND user_id=$2
RETURNING `+sessionColumns, sessionID, userID, payload)
	sess, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) || isConstraintViolation(err) {
		return nil, nil
	}
	if err != nil {
		recordErr(span, err)
		return nil, fmt.Errorf("update session messages: %w", err)
	}
	return sess, nil
}

func (s *Store) UpdateFinalReport(ctx context.Context, userID, sessionID, report string) (bool, error) {
	if _, err := uuid.Parse(sessionID); err != nil {
		return false, nil
	}
	ctx, span := storeTracer.Start(ctx, "store.UpdateFinalReport", trace.WithAttributes(attribute.String("session_id", sessionID)))
	defer span.End()

	res, err := s.DB.ExecContext(ctx, `UPDATE research_sessions SET final_report=$3, updated_at=NOW() WHERE id=$1 AND user_id=$2`, sessionID, userID, report)
	if err != nil {
		recordErr(span, err)
		return false, fmt.Errorf("update final report: %w", err)
	}
	return affected(res)
}

func (s *Store) UpdateURLs(ctx context.Context, userID, sessionID string, urls []string) (bool, error) {
	if _, err := uuid.Parse(sessionID); err != nil {
		return false, nil
	}
	ctx, span := storeTracer.Start(ctx, "store.UpdateURLs", trace.WithAttributes(attribute.String("session_id", sessionID)))
	defer span.End()

	if urls == nil {
		urls = []string{}
	}
	res, err := s.DB.ExecContext(ctx, `UPDATE research_sessions SET urls=$3, updated_at=NOW() WHERE id=$1 AND user_id=$2`, sessionID, userID, pq.Array(urls))
	if err != nil {
		recordErr(span, err)
		return false, fmt.Errorf("update session urls: %w", err)
	}
	return affected(res)
}

func (s *Store) ListSessions(ctx context.Context, userID string) ([]session.Session, error) {
	ctx, span := storeTracer.Start(ctx, "store.ListSessions", trace.WithAttributes(attribute.String("user_id", userID)))
	defer span.End()

	rows, err := s.DB.QueryContext(ctx, `SELECT `+sessionColumns+` FROM research_sessions WHERE user_id=$1 ORDER BY updated_at DESC`, userID)
	if err != nil {
		recordErr(span, err)
		return nil, fmt.Errorf("list research sessions: %w", err)
	}
	defer rows.Close()
	out := []session.Session{}
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *sess)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*session.Session, error) {
	var (
		sess     session.Session
		messages []byte
		urls     pq.StringArray
		report   sql.NullString
		created  time.Time
		updated  time.Time
	)
	if err := row.Scan(&sess.ID, &sess.UserID, &sess.Query, &messages, &urls, &report, &created, &updated); err != nil {
		return nil, err
	}
	sess.Messages = []session.Message{}
	if len(messages) > 0 {
		if err := json.Unmarshal(messages, &sess.Messages); err != nil {
			return nil, fmt.Errorf("decode messages for session %s: %w", sess.ID, err)
		}
	}
	sess.URLs = []string(urls)
	if sess.URLs == nil {
		sess.URLs = []string{}
	}
	if report.Valid {
		r := report.String
		sess.FinalReport = &r
	}
	sess.CreatedAt = created.UTC()
	sess.UpdatedAt = updated.UTC()
	return &sess, nil
}

func affected(res sql.Result) (bool, error) {
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// isConstraintViolation reports SQLSTATE class 23 (integrity constraint violation).
func isConstraintViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code.Class() == "23"
}

func recordErr(span trace.Span, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

var _ session.Store = (*Store)(nil)
