package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/hubenschmidt/chatobs-poc/gateway/internal/llm"
	"github.com/hubenschmidt/chatobs-poc/gateway/internal/metrics"
	"github.com/hubenschmidt/chatobs-poc/gateway/internal/trace"
)

// toolSpecs declares the registry's tools to the provider, each wrapped so
// that every execution records a tool span.
func (o *Orchestrator) toolSpecs(r *run) []llm.ToolSpec {
	if o.cfg.Tools == nil {
		return nil
	}
	tools := o.cfg.Tools.List()
	specs := make([]llm.ToolSpec, 0, len(tools))
	for _, t := range tools {
		specs = append(specs, llm.ToolSpec{
			Name:        t.Name(),
			Description: t.Description(),
			Schema:      t.Schema(),
			Invoke:      o.instrument(r, t.Name()),
		})
	}
	return specs
}

// instrument returns the provider-facing executor of one tool. The tool's
// error is returned as is after the span is recorded.
func (o *Orchestrator) instrument(r *run, name string) func(ctx context.Context, arguments string) (any, error) {
	return func(ctx context.Context, arguments string) (out any, err error) {
		start := o.now()
		defer func() {
			if p := recover(); p != nil {
				out, err = nil, fmt.Errorf("tool %s panicked: %v", name, p)
			}
			o.recordToolSpan(r, name, arguments, start, out, err)
		}()
		return o.cfg.Tools.Call(ctx, name, arguments)
	}
}

func (o *Orchestrator) recordToolSpan(r *run, name, arguments string, start time.Time, out any, err error) {
	elapsed := o.now().Sub(start)
	tags := []string{TagTool, name}
	var output string
	if err != nil {
		tags = append(tags, trace.TagError)
		output = errorPayload(err)
		metrics.ToolCalls.WithLabelValues(name, "error").Inc()
		slog.Warn("tool failed", "request_id", r.id, "tool", name, "error", err)
	} else {
		output = encodeOutput(out)
		metrics.ToolCalls.WithLabelValues(name, "ok").Inc()
	}
	metrics.ToolDuration.WithLabelValues(name).Observe(elapsed.Seconds())

	r.guard("tool_span", func() error {
		_, spanErr := r.logger.AddToolSpan(trace.ToolSpan{
			Name:       name,
			Input:      arguments,
			Output:     output,
			CreatedAt:  start,
			DurationNs: elapsed.Nanoseconds(),
			Tags:       tags,
		})
		return spanErr
	})
}

func encodeOutput(v any) string {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprint(v)
	}
	return string(data)
}

func errorPayload(err error) string {
	data, _ := json.Marshal(map[string]string{"error": err.Error()})
	return string(data)
}
