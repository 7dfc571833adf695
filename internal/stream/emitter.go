// Package stream frames pipeline events as Server-Sent Events.
package stream

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"
)

// Sink receives events. Emit never fails from the caller's point of view.
type Sink interface {
	Emit(v any)
}

// DropCounter is told about every event that was not delivered.
type DropCounter interface {
	IncEventDropped(reason string)
}

// Emitter writes `data: <json>\n\n` frames from a single goroutine. Once a write fails the
// client is considered gone and later events are discarded.
type Emitter struct {
	w       io.Writer
	flusher http.Flusher
	frames  chan []byte
	done    chan struct{}
	dead    atomic.Bool

	mu     sync.RWMutex
	closed bool

	logger *slog.Logger
	drops  DropCounter

	writeTimeout time.Duration
	rc           *http.ResponseController
}

type Option func(*Emitter)

func WithLogger(l *slog.Logger) Option {
	return func(e *Emitter) {
		if l != nil {
			e.logger = l
		}
	}
}

func WithDropCounter(d DropCounter) Option { return func(e *Emitter) { e.drops = d } }

// WithWriteTimeout bounds every frame write when the writer is an http.ResponseWriter. A client
// that stops reading is treated as gone once the deadline passes, so Close cannot hang on it.
func WithWriteTimeout(d time.Duration) Option { return func(e *Emitter) { e.writeTimeout = d } }

// NewEmitter starts the writer goroutine. buffer bounds the number of frames queued ahead of
// the writer; Emit blocks once it is full.
func NewEmitter(w io.Writer, buffer int, opts ...Option) *Emitter {
	if buffer <= 0 {
		buffer = 1
	}
	e := &Emitter{
		w:      w,
		frames: make(chan []byte, buffer),
		done:   make(chan struct{}),
		logger: slog.Default(),
	}
	if f, ok := w.(http.Flusher); ok {
		e.flusher = f
	}
	for _, opt := range opts {
		opt(e)
	}
	if rw, ok := w.(http.ResponseWriter); ok && e.writeTimeout > 0 {
		e.rc = http.NewResponseController(rw)
	}
	go e.run()
	return e
}

func (e *Emitter) Emit(v any) {
	if e.dead.Load() {
		e.drop("client_gone")
		return
	}
	payload, err := json.Marshal(v)
	if err != nil {
		e.logger.Error("dropping unencodable event", "error", err)
		e.drop("encode")
		return
	}
	frame := make([]byte, 0, len(payload)+8)
	frame = append(frame, "data: "...)
	frame = append(frame, payload...)
	frame = append(frame, '\n', '\n')

	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.closed {
		e.drop("closed")
		return
	}
	e.frames <- frame
}

// Close flushes queued frames and stops the writer. It is safe to call more than once.
func (e *Emitter) Close() {
	e.mu.Lock()
	if !e.closed {
		e.closed = true
		close(e.frames)
	}
	e.mu.Unlock()
	<-e.done
}

// Alive reports whether the client is still accepting frames.
func (e *Emitter) Alive() bool { return !e.dead.Load() }

func (e *Emitter) run() {
	defer close(e.done)
	defer e.clearDeadline()
	for frame := range e.frames {
		if e.dead.Load() {
			e.drop("client_gone")
			continue
		}
		e.setDeadline(time.Now().Add(e.writeTimeout))
		if _, err := e.w.Write(frame); err != nil {
			e.dead.Store(true)
			e.logger.Warn("event stream write failed, discarding further events", "error", err)
			e.drop("client_gone")
			continue
		}
		if e.flusher != nil {
			e.flusher.Flush()
		}
	}
}

func (e *Emitter) setDeadline(t time.Time) {
	if e.rc == nil {
		return
	}
	if err := e.rc.SetWriteDeadline(t); err != nil {
		if !errors.Is(err, http.ErrNotSupported) {
			e.logger.Warn("set stream write deadline", "error", err)
		}
		e.rc = nil
	}
}

// clearDeadline leaves the connection without a deadline for whatever the server writes next.
func (e *Emitter) clearDeadline() {
	if !e.dead.Load() {
		e.setDeadline(time.Time{})
	}
}

func (e *Emitter) drop(reason string) {
	if e.drops != nil {
		e.drops.IncEventDropped(reason)
	}
}
