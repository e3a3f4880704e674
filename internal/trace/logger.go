package trace

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

var (
	ErrTraceStarted   = errors.New("trace already started")
	ErrNoTrace        = errors.New("no trace started")
	ErrNoOpenParent   = errors.New("no open parent span")
	ErrConcluded      = errors.New("trace already concluded")
	ErrNotConcluded   = errors.New("trace not concluded")
	ErrAlreadyFlushed = errors.New("trace already flushed")
)

// LoggerOptions configures a Logger.
type LoggerOptions struct {
	Project   string
	LogStream string
	// Now overrides the clock; defaults to time.Now.
	Now func() time.Time
}

// ToolSpan describes one completed tool invocation.
type ToolSpan struct {
	Name       string
	Input      string
	Output     string
	CreatedAt  time.Time
	DurationNs int64
	Tags       []string
}

// LLMSpan describes one completed model call. Token counts stay nil when
// the provider did not report them.
type LLMSpan struct {
	Name            string
	Input           string
	Output          string
	Model           string
	CreatedAt       time.Time
	DurationNs      int64
	NumInputTokens  *int64
	NumOutputTokens *int64
	TotalTokens     *int64
	Tags            []string
}

type openSpan struct {
	span  *Span
	start time.Time
}

// Logger builds the span hierarchy of a single request and submits it to a
// Backend on Flush. Workflow and agent spans become the parent of every span
// added after them until Conclude. All methods are safe for concurrent use.
type Logger struct {
	backend   Backend
	project   string
	logStream string
	now       func() time.Time

	mu         sync.Mutex
	sessionID  string
	trace      *Trace
	traceStart time.Time
	open       []openSpan
	concluded  bool
	flushed    bool
}

// NewLogger creates a logger writing to b.
func NewLogger(b Backend, opts LoggerOptions) *Logger {
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Logger{
		backend:   b,
		project:   opts.Project,
		logStream: opts.LogStream,
		now:       now,
	}
}

// StartSession asks the backend for a new session and binds it to l.
func (l *Logger) StartSession(ctx context.Context, name string) (string, error) {
	id, err := l.backend.StartSession(ctx, name)
	if err != nil {
		return "", fmt.Errorf("start session: %w", err)
	}
	l.SetSessionID(id)
	return id, nil
}

// SetSessionID binds an existing session to l. It also updates an already
// started trace.
func (l *Logger) SetSessionID(id string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.sessionID = id
	if l.trace != nil {
		l.trace.SessionID = id
	}
}

// SessionID returns the bound session, if any.
func (l *Logger) SessionID() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.sessionID
}

// StartTrace opens the root record.
func (l *Logger) StartTrace(input, name string) (*Trace, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.trace != nil {
		return nil, ErrTraceStarted
	}
	now := l.now()
	l.trace = &Trace{
		ID:        newID(),
		SessionID: l.sessionID,
		Project:   l.project,
		LogStream: l.logStream,
		Name:      name,
		Input:     input,
		CreatedAt: now,
	}
	l.traceStart = now
	return l.trace, nil
}

// AddWorkflowSpan opens a workflow span under the current parent.
func (l *Logger) AddWorkflowSpan(input, name string) (*Span, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	s, err := l.appendLocked(&Span{Kind: KindWorkflow, Name: name, Input: input, CreatedAt: now})
	if err != nil {
		return nil, err
	}
	l.open = append(l.open, openSpan{span: s, start: now})
	return s, nil
}

// AddAgentSpan opens an agent span under the current parent.
func (l *Logger) AddAgentSpan(input, name string, createdAt time.Time, tags []string) (*Span, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if createdAt.IsZero() {
		createdAt = l.now()
	}
	s, err := l.appendLocked(&Span{Kind: KindAgent, Name: name, Input: input, CreatedAt: createdAt, Tags: cloneTags(tags)})
	if err != nil {
		return nil, err
	}
	l.open = append(l.open, openSpan{span: s, start: createdAt})
	return s, nil
}

// AddToolSpan records a completed tool span under the current parent.
func (l *Logger) AddToolSpan(ts ToolSpan) (*Span, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.appendLocked(&Span{
		Kind:       KindTool,
		Name:       ts.Name,
		Input:      ts.Input,
		Output:     ts.Output,
		CreatedAt:  ts.CreatedAt,
		DurationNs: ts.DurationNs,
		Tags:       cloneTags(ts.Tags),
	})
}

// AddLLMSpan records a completed model span under the current parent.
func (l *Logger) AddLLMSpan(ls LLMSpan) (*Span, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	createdAt := ls.CreatedAt
	if createdAt.IsZero() {
		createdAt = l.now()
	}
	return l.appendLocked(&Span{
		Kind:            KindLLM,
		Name:            ls.Name,
		Input:           ls.Input,
		Output:          ls.Output,
		Model:           ls.Model,
		CreatedAt:       createdAt,
		DurationNs:      ls.DurationNs,
		NumInputTokens:  ls.NumInputTokens,
		NumOutputTokens: ls.NumOutputTokens,
		TotalTokens:     ls.TotalTokens,
		Tags:            cloneTags(ls.Tags),
	})
}

// Conclude closes every open span and the trace, recording output on each
// record that has none yet.
func (l *Logger) Conclude(output string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.trace == nil {
		return ErrNoTrace
	}
	if l.concluded {
		return ErrConcluded
	}
	now := l.now()
	for i := len(l.open) - 1; i >= 0; i-- {
		o := l.open[i]
		if o.span.Output == "" {
			o.span.Output = output
		}
		o.span.DurationNs = now.Sub(o.start).Nanoseconds()
	}
	l.open = nil
	l.trace.Output = output
	l.trace.DurationNs = now.Sub(l.traceStart).Nanoseconds()
	l.concluded = true
	return nil
}

// Flush submits the concluded trace. A trace is submitted at most once;
// a failed submission is not retried.
func (l *Logger) Flush(ctx context.Context) error {
	l.mu.Lock()
	if l.trace == nil {
		l.mu.Unlock()
		return ErrNoTrace
	}
	if !l.concluded {
		l.mu.Unlock()
		return ErrNotConcluded
	}
	if l.flushed {
		l.mu.Unlock()
		return ErrAlreadyFlushed
	}
	l.flushed = true
	t := l.trace
	l.mu.Unlock()

	if err := l.backend.Export(ctx, t); err != nil {
		return fmt.Errorf("flush trace %s: %w", t.ID, err)
	}
	return nil
}

// Trace returns the root record, or nil before StartTrace.
func (l *Logger) Trace() *Trace {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.trace
}

func (l *Logger) appendLocked(s *Span) (*Span, error) {
	if l.trace == nil {
		return nil, ErrNoTrace
	}
	if l.concluded {
		return nil, ErrConcluded
	}
	if s.Kind != KindWorkflow && len(l.open) == 0 {
		return nil, ErrNoOpenParent
	}
	s.ID = newID()
	s.TraceID = l.trace.ID
	if n := len(l.open); n > 0 {
		s.ParentID = l.open[n-1].span.ID
	}
	l.trace.Spans = append(l.trace.Spans, s)
	return s, nil
}

func cloneTags(tags []string) []string {
	if len(tags) == 0 {
		return nil
	}
	out := make([]string, len(tags))
	copy(out, tags)
	return out
}
