package trace

import "time"

// SpanKind classifies a span within a trace.
type SpanKind string

const (
	KindWorkflow SpanKind = "workflow"
	KindAgent    SpanKind = "agent"
	KindTool     SpanKind = "tool"
	KindLLM      SpanKind = "llm"
)

// TagError marks a span whose work failed.
const TagError = "error"

// Session groups the traces of one end-user conversation.
type Session struct {
	ID         string    `json:"id"`
	Name       string    `json:"name"`
	Project    string    `json:"project"`
	LogStream  string    `json:"log_stream"`
	CreatedAt  time.Time `json:"created_at"`
	TraceCount int       `json:"trace_count,omitempty"`
}

// Trace is one user-interaction turn with its flattened span tree.
type Trace struct {
	ID         string    `json:"id"`
	SessionID  string    `json:"session_id,omitempty"`
	Project    string    `json:"project"`
	LogStream  string    `json:"log_stream"`
	Name       string    `json:"name"`
	Input      string    `json:"input"`
	Output     string    `json:"output,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
	DurationNs int64     `json:"duration_ns"`
	SpanCount  int       `json:"span_count,omitempty"`
	Spans      []*Span   `json:"spans,omitempty"`
}

// Span is one timed unit of work. ParentID is empty for children of the trace.
type Span struct {
	ID              string    `json:"id"`
	TraceID         string    `json:"trace_id"`
	ParentID        string    `json:"parent_id,omitempty"`
	Kind            SpanKind  `json:"kind"`
	Name            string    `json:"name"`
	Input           string    `json:"input,omitempty"`
	Output          string    `json:"output,omitempty"`
	Model           string    `json:"model,omitempty"`
	Tags            []string  `json:"tags,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
	DurationNs      int64     `json:"duration_ns"`
	NumInputTokens  *int64    `json:"num_input_tokens,omitempty"`
	NumOutputTokens *int64    `json:"num_output_tokens,omitempty"`
	TotalTokens     *int64    `json:"total_tokens,omitempty"`
}

// HasTag reports whether tag is set on s.
func (s *Span) HasTag(tag string) bool {
	for _, t := range s.Tags {
		if t == tag {
			return true
		}
	}
	return false
}

// SpansOfKind returns the spans of t with kind k, in emission order.
func (t *Trace) SpansOfKind(k SpanKind) []*Span {
	var out []*Span
	for _, s := range t.Spans {
		if s.Kind == k {
			out = append(out, s)
		}
	}
	return out
}
