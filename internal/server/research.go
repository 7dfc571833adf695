package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/mohammad-safakhou/deepresearch/internal/pipeline"
	"github.com/mohammad-safakhou/deepresearch/internal/runtime"
	"github.com/mohammad-safakhou/deepresearch/internal/session"
	"github.com/mohammad-safakhou/deepresearch/internal/store/cache"
	"github.com/mohammad-safakhou/deepresearch/internal/stream"
)

const (
	msgQueryRequired   = "Query is required."
	msgSessionFailed   = "Failed to create or load research session."
	msgSessionCreate   = "Session creation failed"
	msgPersistFailed   = "Failed to persist session"
	msgSessionBusy     = "A research run is already in progress for this session."
	defaultLockTTL     = 10 * time.Minute
	statusSessionReady = "success"
)

// ResearchHandler serves POST /api/research as a Server-Sent Events stream.
type ResearchHandler struct {
	Store    session.Store
	Resolver *session.Resolver
	Orch     *pipeline.Orchestrator
	Locker   RunLocker
	LockTTL  time.Duration
	Timeout  time.Duration
	Buffer   int
	Metrics  *runtime.Metrics
	Logger   *slog.Logger

	// WriteTimeout bounds each frame write so a stalled client cannot pin the handler.
	WriteTimeout time.Duration
}

type researchRequest struct {
	Query         string   `json:"query"`
	URLs          []string `json:"urls"`
	MaxIterations int      `json:"max_iterations"`
	SessionID     string   `json:"sessionId"`
}

func (h *ResearchHandler) Register(g *echo.Group, secret []byte) {
	g.Use(runtime.EchoAuthMiddleware(secret))
	g.POST("", h.research)
}

func (h *ResearchHandler) research(c echo.Context) error {
	userID, ok := runtime.UserID(c)
	if !ok {
		return echo.NewHTTPError(http.StatusUnauthorized, "unauthorized")
	}
	var req researchRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	query := strings.TrimSpace(req.Query)
	if query == "" {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": msgQueryRequired})
	}

	// The run outlives the request so a disconnected client still gets a persisted report.
	ctx := context.WithoutCancel(c.Request().Context())
	if h.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.Timeout)
		defer cancel()
	}
	ctx, span := otel.Tracer("deepresearch/server").Start(ctx, "research",
		trace.WithAttributes(attribute.String("user_id", userID)))
	defer span.End()

	if h.Locker != nil && req.SessionID != "" {
		unlock, err := h.Locker.TryLock(ctx, userID+":"+req.SessionID, h.lockTTL())
		switch {
		case errors.Is(err, cache.ErrLocked):
			return c.JSON(http.StatusConflict, map[string]string{"error": msgSessionBusy})
		case err != nil:
			h.Logger.Warn("run lock unavailable, continuing unlocked", "session_id", req.SessionID, "error", err)
		default:
			defer func() {
				if err := unlock(context.Background()); err != nil {
					h.Logger.Warn("release run lock", "session_id", req.SessionID, "error", err)
				}
			}()
		}
	}

	resp := c.Response()
	resp.Header().Set(echo.HeaderContentType, "text/event-stream")
	resp.Header().Set("Cache-Control", "no-cache, no-transform")
	resp.Header().Set("Connection", "keep-alive")
	resp.Header().Set("X-Accel-Buffering", "no")
	resp.WriteHeader(http.StatusOK)
	resp.Flush()

	emitter := stream.NewEmitter(resp, h.Buffer,
		stream.WithLogger(h.Logger),
		stream.WithDropCounter(h.Metrics),
		stream.WithWriteTimeout(h.WriteTimeout),
	)
	defer emitter.Close()
	defer h.Metrics.RunStarted()()

	sess, err := h.Resolver.Resolve(ctx, userID, query, req.SessionID)
	if err != nil {
		span.RecordError(err)
		h.Logger.Error("resolve session", "user_id", userID, "session_id", req.SessionID, "error", err)
		if errors.Is(err, session.ErrUnavailable) {
			emitter.Emit(pipeline.ErrorEvent{Error: msgSessionFailed})
		} else {
			emitter.Emit(pipeline.ErrorEvent{Error: msgSessionCreate, Details: err.Error()})
		}
		return nil
	}
	span.SetAttributes(attribute.String("session_id", sess.ID))
	emitter.Emit(pipeline.StatusEvent{Status: statusSessionReady, SessionID: sess.ID})

	sess.Messages = append(session.CloneMessages(sess.Messages), session.NewMessage(session.RoleUser, query))
	saved, err := h.Store.UpdateMessages(ctx, userID, sess.ID, sess.Messages)
	switch {
	case err != nil:
		h.Logger.Error("persist user turn", "session_id", sess.ID, "error", err)
		emitter.Emit(pipeline.ErrorEvent{Error: msgPersistFailed, Details: err.Error()})
	case saved == nil:
		h.Logger.Error("persist user turn", "session_id", sess.ID, "error", "session not found")
		emitter.Emit(pipeline.ErrorEvent{Error: msgPersistFailed, Details: "session not found"})
	default:
		sess = saved
	}

	state := pipeline.NewAgentState(sess, query, req.URLs, req.MaxIterations)
	final := h.Orch.Run(ctx, state, emitter)
	h.Logger.Info("run finished", "session_id", sess.ID, "iterations", final.IterationCount,
		"report", final.FinalReport != nil, "client_connected", emitter.Alive())
	return nil
}

func (h *ResearchHandler) lockTTL() time.Duration {
	if h.LockTTL > 0 {
		return h.LockTTL
	}
	return defaultLockTTL
}
