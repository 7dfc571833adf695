package memory

import (
	"context"
	"testing"
	"time"

	"github.com/mohammad-safakhou/deepresearch/internal/session"
)

func TestSessionStoreScopesByUser(t *testing.T) {
	ctx := context.Background()
	st := NewSessionStore()

	sess, err := st.CreateSession(ctx, "alice", "q1")
	if err != nil || sess == nil {
		t.Fatalf("CreateSession: %+v, %v", sess, err)
	}
	if got, _ := st.GetSession(ctx, "bob", sess.ID); got != nil {
		t.Fatalf("bob must not see alice's session")
	}
	if ok, _ := st.UpdateFinalReport(ctx, "bob", sess.ID, "x"); ok {
		t.Fatalf("bob must not update alice's session")
	}
	if got, _ := st.UpdateMessages(ctx, "bob", sess.ID, nil); got != nil {
		t.Fatalf("bob must not update alice's messages")
	}
	if got, _ := st.GetSession(ctx, "alice", "missing"); got != nil {
		t.Fatalf("unknown id should be nil")
	}
}

func TestSessionStoreReturnsCopies(t *testing.T) {
	ctx := context.Background()
	st := NewSessionStore()
	sess, _ := st.CreateSession(ctx, "alice", "q")

	msgs := []session.Message{session.NewMessage(session.RoleUser, "q")}
	if _, err := st.UpdateMessages(ctx, "alice", sess.ID, msgs); err != nil {
		t.Fatalf("UpdateMessages: %v", err)
	}
	msgs[0].Content = "mutated"

	got, _ := st.GetSession(ctx, "alice", sess.ID)
	if got.Messages[0].Content != "q" {
		t.Fatalf("store aliased caller slice: %q", got.Messages[0].Content)
	}
	got.Messages[0].Content = "mutated again"
	again, _ := st.GetSession(ctx, "alice", sess.ID)
	if again.Messages[0].Content != "q" {
		t.Fatalf("store handed out internal state")
	}
}

func TestSessionStoreUpdates(t *testing.T) {
	ctx := context.Background()
	st := NewSessionStore()
	sess, _ := st.CreateSession(ctx, "alice", "q")

	if ok, err := st.UpdateURLs(ctx, "alice", sess.ID, []string{"https://a.example"}); !ok || err != nil {
		t.Fatalf("UpdateURLs: %v, %v", ok, err)
	}
	if ok, err := st.UpdateFinalReport(ctx, "alice", sess.ID, "# one"); !ok || err != nil {
		t.Fatalf("UpdateFinalReport: %v, %v", ok, err)
	}
	if ok, _ := st.UpdateFinalReport(ctx, "alice", sess.ID, "# two"); !ok {
		t.Fatalf("second report write failed")
	}
	got, _ := st.GetSession(ctx, "alice", sess.ID)
	if got.FinalReport == nil || *got.FinalReport != "# two" {
		t.Fatalf("final report should be last write, got %v", got.FinalReport)
	}
	if len(got.URLs) != 1 {
		t.Fatalf("unexpected urls %v", got.URLs)
	}
}

func TestListSessionsNewestFirst(t *testing.T) {
	ctx := context.Background()
	st := NewSessionStore()
	clock := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	st.now = func() time.Time { clock = clock.Add(time.Minute); return clock }

	first, _ := st.CreateSession(ctx, "alice", "first")
	second, _ := st.CreateSession(ctx, "alice", "second")
	_, _ = st.CreateSession(ctx, "bob", "other")
	_, _ = st.UpdateFinalReport(ctx, "alice", first.ID, "# bumped")

	list, err := st.ListSessions(ctx, "alice")
	if err != nil {
		t.Fatalf("ListSessions: %v", err)
	}
	if len(list) != 2 {
		t.Fatalf("expected 2 sessions, got %d", len(list))
	}
	if list[0].ID != first.ID || list[1].ID != second.ID {
		t.Fatalf("unexpected order: %s, %s", list[0].Query, list[1].Query)
	}
}

func TestCreateSessionRejectsBlankUser(t *testing.T) {
	sess, err := NewSessionStore().CreateSession(context.Background(), "", "q")
	if err != nil || sess != nil {
		t.Fatalf("expected nil,nil got %+v, %v", sess, err)
	}
}
