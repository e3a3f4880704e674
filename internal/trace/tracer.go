package trace

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	maxIOLen = 500

	defaultTracerBuffer       = 64
	defaultTracerWriteTimeout = 10 * time.Second
)

// ErrTracerClosed is returned for exports submitted after Close.
var ErrTracerClosed = errors.New("tracer closed")

type exportMsg struct {
	ctx    context.Context
	trace  *Trace
	result chan error
}

// TracerOptions configures a Tracer.
type TracerOptions struct {
	// Buffer is the export queue depth.
	Buffer int
	// WriteTimeout bounds every backend call.
	WriteTimeout time.Duration
}

// Tracer serializes exports through a buffered channel drained by a single
// goroutine. Callers wait for their write or for their context, whichever
// comes first; an abandoned write still completes in the background, bounded
// by WriteTimeout. Session starts go straight to the backend so they never
// queue behind exports.
type Tracer struct {
	backend      Backend
	writeTimeout time.Duration
	ch           chan exportMsg
	done         chan struct{}

	mu     sync.RWMutex
	closed bool
}

// NewTracer wraps b. Must call Close when done.
func NewTracer(b Backend, opts TracerOptions) *Tracer {
	if opts.Buffer <= 0 {
		opts.Buffer = defaultTracerBuffer
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = defaultTracerWriteTimeout
	}
	t := &Tracer{
		backend:      b,
		writeTimeout: opts.WriteTimeout,
		ch:           make(chan exportMsg, opts.Buffer),
		done:         make(chan struct{}),
	}
	go t.drain()
	return t
}

func (t *Tracer) drain() {
	defer close(t.done)
	for msg := range t.ch {
		msg.result <- t.write(msg)
	}
}

func (t *Tracer) write(m exportMsg) (err error) {
	ctx, cancel := context.WithTimeout(m.ctx, t.writeTimeout)
	defer cancel()
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("export panicked: %v", p)
			slog.Error("trace write panicked", "trace_id", m.trace.ID, "panic", fmt.Sprint(p))
		}
	}()
	if err = t.backend.Export(ctx, m.trace); err != nil {
		slog.Warn("trace write failed", "kind", "export", "trace_id", m.trace.ID, "error", err)
	}
	return err
}

// StartSession registers a session with the backend, bounded by ctx and
// WriteTimeout.
func (t *Tracer) StartSession(ctx context.Context, name string) (string, error) {
	t.mu.RLock()
	closed := t.closed
	t.mu.RUnlock()
	if closed {
		return "", ErrTracerClosed
	}

	ctx, cancel := context.WithTimeout(ctx, t.writeTimeout)
	defer cancel()
	id, err := t.backend.StartSession(ctx, name)
	if err != nil {
		slog.Warn("trace write failed", "kind", "session", "error", err)
		return "", err
	}
	return id, nil
}

// Export queues tr for the backend and waits for the write.
func (t *Tracer) Export(ctx context.Context, tr *Trace) error {
	m := exportMsg{
		ctx:    context.WithoutCancel(ctx),
		trace:  tr,
		result: make(chan error, 1),
	}

	t.mu.RLock()
	if t.closed {
		t.mu.RUnlock()
		return ErrTracerClosed
	}
	select {
	case t.ch <- m:
		t.mu.RUnlock()
	case <-ctx.Done():
		t.mu.RUnlock()
		return ctx.Err()
	}

	select {
	case err := <-m.result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close drains pending writes and shuts down the background goroutine.
func (t *Tracer) Close() {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.closed = true
	close(t.ch)
	t.mu.Unlock()
	<-t.done
}

func newID() string {
	return uuid.NewString()
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max]
}
