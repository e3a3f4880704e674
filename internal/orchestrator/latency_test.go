package orchestrator

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hubenschmidt/chatobs-poc/gateway/internal/llm"
	"github.com/hubenschmidt/chatobs-poc/gateway/internal/session"
	"github.com/hubenschmidt/chatobs-poc/gateway/internal/trace"
)

// slowBackend holds every export until release is closed. hangSessions makes
// StartSession block until its context ends.
type slowBackend struct {
	recordingBackend
	release      chan struct{}
	hangSessions bool
}

func (b *slowBackend) StartSession(ctx context.Context, name string) (string, error) {
	if b.hangSessions {
		<-ctx.Done()
		return "", ctx.Err()
	}
	return b.recordingBackend.StartSession(ctx, name)
}

func (b *slowBackend) Export(ctx context.Context, t *trace.Trace) error {
	select {
	case <-b.release:
	case <-ctx.Done():
		return ctx.Err()
	}
	return b.recordingBackend.Export(ctx, t)
}

func echoModel(ctx context.Context, req llm.Request, onToken llm.TokenCallback) (*llm.Completion, error) {
	onToken("hi")
	return &llm.Completion{Text: "hi", Model: "test-model", FinishReason: llm.FinishStop}, nil
}

// newTracedOrchestrator wires the backend behind an async tracer and a
// memory-backed resolver, as the gateway does.
func newTracedOrchestrator(t *testing.T, b trace.Backend, sessionTimeout time.Duration) (*Orchestrator, *trace.Tracer) {
	t.Helper()
	tracer := trace.NewTracer(b, trace.TracerOptions{Buffer: 16, WriteTimeout: 5 * time.Second})
	orch := New(Config{
		Backend:        tracer,
		Sessions:       session.NewResolver(session.NewMemoryStore(100, time.Hour), tracer),
		Provider:       scriptedProvider(echoModel),
		Model:          "test-model",
		FlushTimeout:   5 * time.Second,
		SessionTimeout: sessionTimeout,
	})
	return orch, tracer
}

// timeToFirstToken runs one request and reports when its first token arrived.
func timeToFirstToken(t *testing.T, orch *Orchestrator, conversationID string) time.Duration {
	t.Helper()
	start := time.Now()
	var first time.Duration
	var once sync.Once
	_, err := orch.Handle(context.Background(), userRequest(conversationID, "hello"), func(string) {
		once.Do(func() { first = time.Since(start) })
	})
	require.NoError(t, err)
	return first
}

func TestNewConversationNotDelayedByQueuedFlushes(t *testing.T) {
	b := &slowBackend{release: make(chan struct{})}
	orch, tracer := newTracedOrchestrator(t, b, time.Second)

	for i := 0; i < 5; i++ {
		timeToFirstToken(t, orch, "")
	}

	assert.Less(t, timeToFirstToken(t, orch, "fresh-conversation"), 200*time.Millisecond)

	close(b.release)
	orch.Wait()
	tracer.Close()

	traces := b.exported()
	require.Len(t, traces, 6)
	for _, tr := range traces {
		assert.NotEmpty(t, tr.SessionID)
	}
}

func TestHungSessionBackendFailsOpen(t *testing.T) {
	b := &slowBackend{release: make(chan struct{}), hangSessions: true}
	close(b.release)
	orch, tracer := newTracedOrchestrator(t, b, 50*time.Millisecond)

	assert.Less(t, timeToFirstToken(t, orch, "conv"), time.Second)

	orch.Wait()
	tracer.Close()
	traces := b.exported()
	require.Len(t, traces, 1)
	assert.Empty(t, traces[0].SessionID)
	assert.Equal(t, "hi", traces[0].Output)
}

func TestNilCompletionTakesFailurePath(t *testing.T) {
	h := newHarness(t, scriptedProvider(func(context.Context, llm.Request, llm.TokenCallback) (*llm.Completion, error) {
		return nil, nil
	}), &recordingBackend{})

	c, err := h.orch.Handle(context.Background(), userRequest("c", "hello"), nil)
	require.ErrorIs(t, err, errNoCompletion)
	assert.Nil(t, c)
	h.orch.Wait()

	traces := h.backend.exported()
	require.Len(t, traces, 1)
	assert.Equal(t, ErrorOutputPrefix+errNoCompletion.Error(), traces[0].Output)
	for _, sp := range traces[0].Spans {
		assert.NotEqual(t, trace.KindLLM, sp.Kind)
	}
}
