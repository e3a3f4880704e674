package trace

import (
	"context"
	"log/slog"
)

// Backend persists sessions and concluded traces.
type Backend interface {
	// StartSession registers a new session and returns its ID.
	StartSession(ctx context.Context, name string) (string, error)
	// Export persists one concluded trace with all of its spans.
	Export(ctx context.Context, t *Trace) error
}

// Reader is the query side of a backend, served by the trace API.
type Reader interface {
	ListSessions(ctx context.Context, limit, offset int) ([]Session, int, error)
	GetSession(ctx context.Context, id string) (*Session, []Trace, error)
	GetTrace(ctx context.Context, sessionID, traceID string) (*Trace, error)
}

// LogBackend writes concluded traces to the process log. Used when no
// persistent backend is configured.
type LogBackend struct {
	Project   string
	LogStream string
}

// StartSession returns a fresh ID.
func (b *LogBackend) StartSession(_ context.Context, name string) (string, error) {
	id := newID()
	slog.Info("trace session started", "session_id", id, "name", name, "project", b.Project, "log_stream", b.LogStream)
	return id, nil
}

// Export logs the trace summary and one line per span.
func (b *LogBackend) Export(_ context.Context, t *Trace) error {
	slog.Info("trace",
		"trace_id", t.ID,
		"session_id", t.SessionID,
		"project", t.Project,
		"log_stream", t.LogStream,
		"name", t.Name,
		"input", truncate(t.Input, maxIOLen),
		"output", truncate(t.Output, maxIOLen),
		"duration_ns", t.DurationNs,
		"spans", len(t.Spans),
	)
	for _, s := range t.Spans {
		attrs := []any{
			"trace_id", t.ID,
			"span_id", s.ID,
			"parent_id", s.ParentID,
			"kind", s.Kind,
			"name", s.Name,
			"duration_ns", s.DurationNs,
			"tags", s.Tags,
		}
		if s.Model != "" {
			attrs = append(attrs, "model", s.Model)
		}
		if s.TotalTokens != nil {
			attrs = append(attrs, "total_tokens", *s.TotalTokens)
		}
		slog.Info("span", attrs...)
	}
	return nil
}
