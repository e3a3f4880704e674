package orchestrator

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/hubenschmidt/chatobs-poc/gateway/internal/metrics"
	"github.com/hubenschmidt/chatobs-poc/gateway/internal/trace"
)

// State is the lifecycle position of one request.
type State string

const (
	StateNew             State = "new"
	StateSessionResolved State = "session_resolved"
	StateTraceOpen       State = "trace_open"
	StateWorkflowOpen    State = "workflow_open"
	StateAgentOpen       State = "agent_open"
	StateStreaming       State = "streaming"
	StateCompleted       State = "completed"
	StateFailed          State = "failed"
	StateFlushed         State = "flushed"
)

// run is the per-request state. Its logger owns the in-flight hierarchy.
type run struct {
	id           string
	logger       *trace.Logger
	onTransition func(requestID string, from, to State)

	mu    sync.Mutex
	state State
}

func (r *run) transition(to State) {
	r.mu.Lock()
	from := r.state
	r.state = to
	r.mu.Unlock()

	slog.Debug("chat state", "request_id", r.id, "from", from, "to", to)
	if r.onTransition != nil {
		r.onTransition(r.id, from, to)
	}
}

// guard runs one observability step. Errors and panics are logged and
// counted; they never reach the caller, so later steps still run.
func (r *run) guard(step string, fn func() error) (ok bool) {
	defer func() {
		if p := recover(); p != nil {
			metrics.ObservabilityErrors.WithLabelValues(step).Inc()
			slog.Error("observability step panicked", "request_id", r.id, "step", step, "panic", fmt.Sprint(p))
			ok = false
		}
	}()
	if err := fn(); err != nil {
		metrics.ObservabilityErrors.WithLabelValues(step).Inc()
		slog.Warn("observability step failed", "request_id", r.id, "step", step, "error", err)
		return false
	}
	return true
}
