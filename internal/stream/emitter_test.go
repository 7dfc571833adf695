package stream

import (
	"bytes"
	"errors"
	"net/http"
	"os"
	"strings"
	"sync"
	"testing"
	"time"
)

type safeBuffer struct {
	mu      sync.Mutex
	buf     bytes.Buffer
	flushes int
}

func (s *safeBuffer) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buf.Write(p)
}

func (s *safeBuffer) Flush() {
	s.mu.Lock()
	s.flushes++
	s.mu.Unlock()
}

func (s *safeBuffer) String() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buf.String()
}

type failingWriter struct {
	mu     sync.Mutex
	writes int
	failAt int
}

func (f *failingWriter) Write(p []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.writes++
	if f.writes >= f.failAt {
		return 0, errors.New("broken pipe")
	}
	return len(p), nil
}

type dropRecorder struct {
	mu      sync.Mutex
	reasons []string
}

func (d *dropRecorder) IncEventDropped(reason string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.reasons = append(d.reasons, reason)
}

// deadlineWriter is a ResponseWriter whose connection honours write deadlines. When stall is
// set it behaves like a client that stopped reading.
type deadlineWriter struct {
	mu        sync.Mutex
	stall     bool
	deadline  time.Time
	deadlines []time.Time
	buf       bytes.Buffer
}

func (d *deadlineWriter) Header() http.Header { return http.Header{} }
func (d *deadlineWriter) WriteHeader(int)     {}

func (d *deadlineWriter) SetWriteDeadline(t time.Time) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.deadline = t
	d.deadlines = append(d.deadlines, t)
	return nil
}

func (d *deadlineWriter) Write(p []byte) (int, error) {
	d.mu.Lock()
	stall, deadline := d.stall, d.deadline
	d.mu.Unlock()
	if stall {
		if deadline.IsZero() {
			select {}
		}
		time.Sleep(time.Until(deadline))
		return 0, os.ErrDeadlineExceeded
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.buf.Write(p)
}

func TestEmitterCloseReturnsWhenClientStalls(t *testing.T) {
	w := &deadlineWriter{stall: true}
	drops := &dropRecorder{}
	e := NewEmitter(w, 4, WithWriteTimeout(20*time.Millisecond), WithDropCounter(drops))
	for i := 0; i < 3; i++ {
		e.Emit(map[string]int{"i": i})
	}

	closed := make(chan struct{})
	go func() {
		e.Close()
		close(closed)
	}()
	select {
	case <-closed:
	case <-time.After(2 * time.Second):
		t.Fatalf("Close blocked on a stalled client")
	}
	if e.Alive() {
		t.Fatalf("a timed out write should mark the client gone")
	}
	if len(drops.reasons) != 3 {
		t.Fatalf("expected every frame to be dropped, got %v", drops.reasons)
	}
}

func TestEmitterSetsDeadlinePerFrame(t *testing.T) {
	w := &deadlineWriter{}
	start := time.Now()
	e := NewEmitter(w, 2, WithWriteTimeout(time.Minute))
	e.Emit(map[string]string{"status": "a"})
	e.Emit(map[string]string{"status": "b"})
	e.Close()

	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.deadlines) != 3 {
		t.Fatalf("expected a deadline per frame and a final reset, got %v", w.deadlines)
	}
	for _, d := range w.deadlines[:2] {
		if d.Before(start.Add(time.Minute)) {
			t.Fatalf("deadline %s is shorter than the write timeout", d)
		}
	}
	if !w.deadlines[2].IsZero() {
		t.Fatalf("deadline should be cleared after the last frame, got %s", w.deadlines[2])
	}
	if !strings.Contains(w.buf.String(), `"status":"b"`) {
		t.Fatalf("frames not written: %q", w.buf.String())
	}
}

func TestEmitterWithoutDeadlineSupport(t *testing.T) {
	out := &safeBuffer{}
	e := NewEmitter(out, 1, WithWriteTimeout(time.Second))
	e.Emit(map[string]string{"status": "a"})
	e.Close()
	if !e.Alive() || !strings.Contains(out.String(), `"status":"a"`) {
		t.Fatalf("plain writers should be written without deadlines, got %q", out.String())
	}
}

func TestEmitterFramesInOrder(t *testing.T) {
	out := &safeBuffer{}
	e := NewEmitter(out, 2)
	e.Emit(map[string]string{"status": "a"})
	e.Emit(map[string]string{"status": "b"})
	e.Emit(map[string]any{"sessionId": "s1", "status": "success"})
	e.Close()

	want := "data: {\"status\":\"a\"}\n\n" +
		"data: {\"status\":\"b\"}\n\n" +
		"data: {\"sessionId\":\"s1\",\"status\":\"success\"}\n\n"
	if got := out.String(); got != want {
		t.Fatalf("unexpected stream:\n%s", got)
	}
	if out.flushes != 3 {
		t.Fatalf("expected a flush per frame, got %d", out.flushes)
	}
}

func TestEmitterSwallowsWriteErrors(t *testing.T) {
	w := &failingWriter{failAt: 2}
	drops := &dropRecorder{}
	e := NewEmitter(w, 1, WithDropCounter(drops))
	for i := 0; i < 5; i++ {
		e.Emit(map[string]int{"i": i})
	}
	e.Close()

	if e.Alive() {
		t.Fatalf("emitter should be dead after a write error")
	}
	if w.writes != 2 {
		t.Fatalf("writes after the failure should be skipped, got %d writes", w.writes)
	}
	if len(drops.reasons) != 4 {
		t.Fatalf("expected 4 dropped events, got %v", drops.reasons)
	}
}

func TestEmitAfterCloseIsDropped(t *testing.T) {
	out := &safeBuffer{}
	e := NewEmitter(out, 1)
	e.Close()
	e.Close()
	e.Emit(map[string]string{"late": "event"})
	if out.String() != "" {
		t.Fatalf("nothing should be written after close")
	}
}

func TestEmitterUnencodableEvent(t *testing.T) {
	out := &safeBuffer{}
	e := NewEmitter(out, 1)
	e.Emit(map[string]any{"bad": make(chan int)})
	e.Emit(map[string]string{"ok": "yes"})
	e.Close()
	if got := out.String(); !strings.Contains(got, `"ok":"yes"`) || strings.Contains(got, "bad") {
		t.Fatalf("unexpected stream %q", got)
	}
}

func TestNormalize(t *testing.T) {
	in := "Research started. Report will be updated.Research session started and saved.\n# Title\nbody"
	if got := Normalize(in); got != "# Title\nbody" {
		t.Fatalf("Normalize = %q", got)
	}
	if got := Normalize("  # Untouched  "); got != "  # Untouched  " {
		t.Fatalf("text without boilerplate must be returned as is, got %q", got)
	}
}
