// Package orchestrator wraps each chat request's model interaction in an
// observability span hierarchy: trace, workflow, agent, then one LLM span and
// one tool span per tool execution.
package orchestrator

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hubenschmidt/chatobs-poc/gateway/internal/chat"
	"github.com/hubenschmidt/chatobs-poc/gateway/internal/llm"
	"github.com/hubenschmidt/chatobs-poc/gateway/internal/metrics"
	"github.com/hubenschmidt/chatobs-poc/gateway/internal/tool"
	"github.com/hubenschmidt/chatobs-poc/gateway/internal/trace"
)

// Record names.
const (
	TraceName    = "Chat Request"
	WorkflowName = "Chat Workflow"
	AgentName    = "Agent"
	LLMName      = "LLM"

	TagAgent = "agent"
	TagTool  = "tool"
	TagLLM   = "llm"

	// ErrorOutputPrefix starts the concluding output of a failed request.
	ErrorOutputPrefix = "Error: "
)

const (
	defaultFlushTimeout   = 10 * time.Second
	defaultSessionTimeout = 2 * time.Second
)

// errNoCompletion is reported when a provider returns neither a completion
// nor an error.
var errNoCompletion = errors.New("provider returned no completion")

// SessionResolver maps a conversation ID to a logging-backend session.
type SessionResolver interface {
	Resolve(ctx context.Context, conversationID string) (string, error)
}

// Config wires an Orchestrator.
type Config struct {
	Backend  trace.Backend
	Sessions SessionResolver
	Provider llm.Provider
	Tools    *tool.Registry

	Model        string
	SystemPrompt string
	MaxSteps     int

	Project   string
	LogStream string

	// FlushTimeout bounds each background flush.
	FlushTimeout time.Duration
	// SessionTimeout bounds session resolution before streaming starts. On
	// expiry the request continues without a session.
	SessionTimeout time.Duration
	// OnTransition observes request state changes.
	OnTransition func(requestID string, from, to State)
	// Now overrides the clock; defaults to time.Now.
	Now func() time.Time
}

// Orchestrator handles chat requests. It is safe for concurrent use.
type Orchestrator struct {
	cfg     Config
	now     func() time.Time
	flushes sync.WaitGroup
}

// New creates an orchestrator.
func New(cfg Config) *Orchestrator {
	if cfg.FlushTimeout <= 0 {
		cfg.FlushTimeout = defaultFlushTimeout
	}
	if cfg.SessionTimeout <= 0 {
		cfg.SessionTimeout = defaultSessionTimeout
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Orchestrator{cfg: cfg, now: now}
}

// Handle streams one model response for req, delivering tokens to onToken,
// and records the request's span hierarchy. Observability failures never
// surface here; the returned error is the provider's. The trace is flushed
// in the background once the stream ends; see Wait.
func (o *Orchestrator) Handle(ctx context.Context, req chat.Request, onToken llm.TokenCallback) (*llm.Completion, error) {
	r := o.newRun()
	start := o.now()
	metrics.ChatsActive.Inc()
	defer metrics.ChatsActive.Dec()

	if o.cfg.Sessions != nil {
		r.guard("resolve_session", func() error {
			rctx, cancel := context.WithTimeout(ctx, o.cfg.SessionTimeout)
			defer cancel()
			id, err := o.cfg.Sessions.Resolve(rctx, req.ID)
			if err != nil {
				return err
			}
			r.logger.SetSessionID(id)
			return nil
		})
	}
	r.transition(StateSessionResolved)

	input := chat.LastUserText(req.Messages)
	r.guard("start_trace", func() error {
		_, err := r.logger.StartTrace(input, TraceName)
		return err
	})
	r.transition(StateTraceOpen)

	r.guard("workflow_span", func() error {
		_, err := r.logger.AddWorkflowSpan(input, WorkflowName)
		return err
	})
	r.transition(StateWorkflowOpen)

	transcript := chat.SerializeTranscript(req.Messages)
	agentStart := o.now()
	r.guard("agent_span", func() error {
		_, err := r.logger.AddAgentSpan(transcript, AgentName, agentStart, []string{TagAgent})
		return err
	})
	r.transition(StateAgentOpen)

	r.transition(StateStreaming)
	var firstToken sync.Once
	completion, err := o.cfg.Provider.Stream(ctx, llm.Request{
		Model:        o.cfg.Model,
		System:       o.cfg.SystemPrompt,
		Conversation: req.Messages,
		Tools:        o.toolSpecs(r),
		MaxSteps:     o.cfg.MaxSteps,
	}, func(token string) {
		firstToken.Do(func() { metrics.TimeToFirstToken.Observe(o.now().Sub(start).Seconds()) })
		if onToken != nil {
			onToken(token)
		}
	})
	metrics.ChatDuration.Observe(o.now().Sub(start).Seconds())
	if err == nil && completion == nil {
		err = errNoCompletion
	}

	if err != nil {
		metrics.ChatsTotal.WithLabelValues("error").Inc()
		slog.Error("chat stream failed", "request_id", r.id, "conversation_id", req.ID, "error", err)
		r.guard("conclude", func() error {
			return r.logger.Conclude(ErrorOutputPrefix + err.Error())
		})
		r.transition(StateFailed)
		o.flush(ctx, r)
		return nil, err
	}

	metrics.ChatsTotal.WithLabelValues("ok").Inc()
	o.recordLLMSpan(r, transcript, agentStart, completion)
	r.guard("conclude", func() error {
		return r.logger.Conclude(completion.Text)
	})
	r.transition(StateCompleted)
	o.flush(ctx, r)
	return completion, nil
}

// Wait blocks until every pending flush has finished.
func (o *Orchestrator) Wait() {
	o.flushes.Wait()
}

func (o *Orchestrator) recordLLMSpan(r *run, transcript string, agentStart time.Time, c *llm.Completion) {
	model := c.Model
	if model == "" {
		model = o.cfg.Model
	}
	countTokens("input", c.Usage.InputTokens)
	countTokens("output", c.Usage.OutputTokens)
	r.guard("llm_span", func() error {
		_, err := r.logger.AddLLMSpan(trace.LLMSpan{
			Name:            LLMName,
			Input:           transcript,
			Output:          c.Text,
			Model:           model,
			CreatedAt:       agentStart,
			DurationNs:      o.now().Sub(agentStart).Nanoseconds(),
			NumInputTokens:  c.Usage.InputTokens,
			NumOutputTokens: c.Usage.OutputTokens,
			TotalTokens:     c.Usage.TotalTokens,
			Tags:            []string{TagLLM, model},
		})
		return err
	})
}

func countTokens(direction string, n *int64) {
	if n != nil {
		metrics.Tokens.WithLabelValues(direction).Add(float64(*n))
	}
}

// flush submits the concluded trace without holding up the response. It
// outlives the request context.
func (o *Orchestrator) flush(ctx context.Context, r *run) {
	o.flushes.Add(1)
	go func() {
		defer o.flushes.Done()
		fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.cfg.FlushTimeout)
		defer cancel()

		start := time.Now()
		r.guard("flush", func() error {
			return r.logger.Flush(fctx)
		})
		metrics.FlushDuration.Observe(time.Since(start).Seconds())
		r.transition(StateFlushed)
	}()
}

func (o *Orchestrator) newRun() *run {
	r := &run{
		id:    uuid.NewString(),
		state: StateNew,
		logger: trace.NewLogger(o.cfg.Backend, trace.LoggerOptions{
			Project:   o.cfg.Project,
			LogStream: o.cfg.LogStream,
			Now:       o.now,
		}),
		onTransition: o.cfg.OnTransition,
	}
	return r
}
