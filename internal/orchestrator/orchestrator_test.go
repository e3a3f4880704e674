package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hubenschmidt/chatobs-poc/gateway/internal/chat"
	"github.com/hubenschmidt/chatobs-poc/gateway/internal/llm"
	"github.com/hubenschmidt/chatobs-poc/gateway/internal/session"
	"github.com/hubenschmidt/chatobs-poc/gateway/internal/tool"
	"github.com/hubenschmidt/chatobs-poc/gateway/internal/trace"
)

// recordingBackend keeps every session and exported trace.
type recordingBackend struct {
	mu            sync.Mutex
	sessionCalls  int
	traces        []*trace.Trace
	sessionErr    error
	exportErr     error
	panicOnExport bool
}

func (b *recordingBackend) StartSession(_ context.Context, name string) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.sessionErr != nil {
		return "", b.sessionErr
	}
	b.sessionCalls++
	return fmt.Sprintf("sess-%d", b.sessionCalls), nil
}

func (b *recordingBackend) Export(_ context.Context, t *trace.Trace) error {
	if b.panicOnExport {
		panic("exporter exploded")
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.exportErr != nil {
		return b.exportErr
	}
	b.traces = append(b.traces, t)
	return nil
}

func (b *recordingBackend) exported() []*trace.Trace {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]*trace.Trace(nil), b.traces...)
}

func (b *recordingBackend) sessions() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.sessionCalls
}

// scriptedProvider runs fn as the model.
type scriptedProvider func(ctx context.Context, req llm.Request, onToken llm.TokenCallback) (*llm.Completion, error)

func (p scriptedProvider) Stream(ctx context.Context, req llm.Request, onToken llm.TokenCallback) (*llm.Completion, error) {
	return p(ctx, req, onToken)
}

func findTool(t *testing.T, req llm.Request, name string) llm.ToolSpec {
	t.Helper()
	for _, s := range req.Tools {
		if s.Name == name {
			return s
		}
	}
	t.Fatalf("tool %q not declared", name)
	return llm.ToolSpec{}
}

func int64p(v int64) *int64 { return &v }

// weatherModel calls the weather tool for Boston, then answers.
func weatherModel(t *testing.T) scriptedProvider {
	return func(ctx context.Context, req llm.Request, onToken llm.TokenCallback) (*llm.Completion, error) {
		out, err := findTool(t, req, tool.WeatherName).Invoke(ctx, `{"location":"Boston"}`)
		if err != nil {
			return nil, err
		}
		w := out.(tool.WeatherOutput)
		onToken("It is ")
		onToken(fmt.Sprintf("%dF in %s.", w.Temperature, w.Location))
		return &llm.Completion{
			Text:         fmt.Sprintf("It is %dF in %s.", w.Temperature, w.Location),
			Model:        "test-model",
			Usage:        llm.Usage{InputTokens: int64p(12), OutputTokens: int64p(8), TotalTokens: int64p(20)},
			FinishReason: llm.FinishStop,
		}, nil
	}
}

type harness struct {
	orch    *Orchestrator
	backend *recordingBackend

	mu          sync.Mutex
	transitions map[string][]State
}

func newHarness(t *testing.T, provider llm.Provider, backend *recordingBackend) *harness {
	t.Helper()
	reg, err := tool.NewRegistry(
		tool.NewWeather(func(int) int { return 38 }),
		tool.NewConvert(),
	)
	require.NoError(t, err)

	h := &harness{backend: backend, transitions: map[string][]State{}}
	h.orch = New(Config{
		Backend:      backend,
		Sessions:     session.NewResolver(session.NewMemoryStore(100, time.Hour), backend),
		Provider:     provider,
		Tools:        reg,
		Model:        "test-model",
		SystemPrompt: "be brief",
		MaxSteps:     5,
		Project:      "proj",
		LogStream:    "stream",
		FlushTimeout: time.Second,
		OnTransition: func(id string, _, to State) {
			h.mu.Lock()
			defer h.mu.Unlock()
			h.transitions[id] = append(h.transitions[id], to)
		},
	})
	return h
}

func (h *harness) states() [][]State {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([][]State, 0, len(h.transitions))
	for _, s := range h.transitions {
		out = append(out, s)
	}
	return out
}

func userRequest(id, text string) chat.Request {
	return chat.Request{
		ID: id,
		Messages: []chat.Message{
			{Role: chat.RoleUser, Parts: []chat.Part{{Type: chat.PartText, Text: text}}},
		},
	}
}

func TestHandleRecordsHierarchy(t *testing.T) {
	h := newHarness(t, weatherModel(t), &recordingBackend{})

	var tokens []string
	c, err := h.orch.Handle(context.Background(), userRequest("chat-abc123", "What's the weather in Boston?"), func(tok string) {
		tokens = append(tokens, tok)
	})
	require.NoError(t, err)
	h.orch.Wait()

	assert.Equal(t, "It is 70F in Boston.", c.Text)
	assert.Equal(t, []string{"It is ", "70F in Boston."}, tokens)

	traces := h.backend.exported()
	require.Len(t, traces, 1)
	tr := traces[0]
	assert.Equal(t, "sess-1", tr.SessionID)
	assert.Equal(t, "What's the weather in Boston?", tr.Input)
	assert.Equal(t, "It is 70F in Boston.", tr.Output)
	assert.Equal(t, TraceName, tr.Name)
	assert.Equal(t, "proj", tr.Project)

	require.Len(t, tr.Spans, 4)
	wf, agent, toolSpan, llmSpan := tr.Spans[0], tr.Spans[1], tr.Spans[2], tr.Spans[3]
	assert.Equal(t, trace.KindWorkflow, wf.Kind)
	assert.Empty(t, wf.ParentID)
	assert.Equal(t, trace.KindAgent, agent.Kind)
	assert.Equal(t, wf.ID, agent.ParentID)
	assert.Equal(t, []string{TagAgent}, agent.Tags)

	transcript, err := chat.ParseTranscript(agent.Input)
	require.NoError(t, err)
	require.Len(t, transcript, 1)
	assert.Equal(t, "What's the weather in Boston?", transcript[0].Text())

	assert.Equal(t, trace.KindTool, toolSpan.Kind)
	assert.Equal(t, agent.ID, toolSpan.ParentID)
	assert.Equal(t, tool.WeatherName, toolSpan.Name)
	assert.JSONEq(t, `{"location":"Boston"}`, toolSpan.Input)
	assert.JSONEq(t, `{"location":"Boston","temperature":70}`, toolSpan.Output)
	assert.Contains(t, toolSpan.Tags, "tool")
	assert.Contains(t, toolSpan.Tags, "weather")
	assert.False(t, toolSpan.HasTag(trace.TagError))
	assert.GreaterOrEqual(t, toolSpan.DurationNs, int64(0))

	assert.Equal(t, trace.KindLLM, llmSpan.Kind)
	assert.Equal(t, agent.ID, llmSpan.ParentID)
	assert.Equal(t, agent.Input, llmSpan.Input)
	assert.Equal(t, c.Text, llmSpan.Output)
	assert.Equal(t, "test-model", llmSpan.Model)
	assert.Equal(t, []string{TagLLM, "test-model"}, llmSpan.Tags)
	assert.Equal(t, agent.CreatedAt, llmSpan.CreatedAt)
	require.NotNil(t, llmSpan.TotalTokens)
	assert.Equal(t, int64(20), *llmSpan.TotalTokens)
	assert.Equal(t, int64(12), *llmSpan.NumInputTokens)
	assert.Equal(t, int64(8), *llmSpan.NumOutputTokens)
}

func TestHandleDeclaresToolsAndSettings(t *testing.T) {
	var got llm.Request
	h := newHarness(t, scriptedProvider(func(_ context.Context, req llm.Request, _ llm.TokenCallback) (*llm.Completion, error) {
		got = req
		return &llm.Completion{Text: "ok"}, nil
	}), &recordingBackend{})

	_, err := h.orch.Handle(context.Background(), userRequest("", "hi"), nil)
	require.NoError(t, err)
	h.orch.Wait()

	assert.Equal(t, "test-model", got.Model)
	assert.Equal(t, "be brief", got.System)
	assert.Equal(t, 5, got.MaxSteps)
	require.Len(t, got.Tools, 2)
	assert.Equal(t, tool.ConvertName, got.Tools[0].Name)
	assert.Equal(t, tool.WeatherName, got.Tools[1].Name)
	assert.Equal(t, "object", got.Tools[1].Schema["type"])
}

func TestHandleProviderFailure(t *testing.T) {
	h := newHarness(t, scriptedProvider(func(_ context.Context, _ llm.Request, onToken llm.TokenCallback) (*llm.Completion, error) {
		onToken("partial")
		return nil, errors.New("rate limited")
	}), &recordingBackend{})

	_, err := h.orch.Handle(context.Background(), userRequest("c1", "hello"), nil)
	require.EqualError(t, err, "rate limited")
	h.orch.Wait()

	traces := h.backend.exported()
	require.Len(t, traces, 1)
	tr := traces[0]
	assert.Contains(t, tr.Output, "rate limited")
	assert.True(t, strings.HasPrefix(tr.Output, ErrorOutputPrefix))
	assert.Empty(t, tr.SpansOfKind(trace.KindLLM))
	assert.Len(t, tr.SpansOfKind(trace.KindWorkflow), 1)
	assert.Len(t, tr.SpansOfKind(trace.KindAgent), 1)
}

func TestHandleToolFailure(t *testing.T) {
	var toolErr error
	h := newHarness(t, scriptedProvider(func(ctx context.Context, req llm.Request, _ llm.TokenCallback) (*llm.Completion, error) {
		weather := findTool(t, req, tool.WeatherName)
		_, toolErr = weather.Invoke(ctx, `{"location":"  "}`)
		convert := findTool(t, req, tool.ConvertName)
		if _, err := convert.Invoke(ctx, `{"temperature":212}`); err != nil {
			return nil, err
		}
		return &llm.Completion{Text: "I could not find that location."}, nil
	}), &recordingBackend{})

	_, err := h.orch.Handle(context.Background(), userRequest("c1", "weather?"), nil)
	require.NoError(t, err)
	h.orch.Wait()
	require.Error(t, toolErr)

	tr := h.backend.exported()[0]
	tools := tr.SpansOfKind(trace.KindTool)
	require.Len(t, tools, 2)

	failed, ok := tools[0], tools[1]
	assert.True(t, failed.HasTag(trace.TagError))
	var payload map[string]string
	require.NoError(t, json.Unmarshal([]byte(failed.Output), &payload))
	assert.Equal(t, toolErr.Error(), payload["error"])

	assert.False(t, ok.HasTag(trace.TagError))
	assert.JSONEq(t, `{"celsius":100}`, ok.Output)
	assert.Len(t, tr.SpansOfKind(trace.KindLLM), 1)
}

func TestHandleConcurrentToolSpans(t *testing.T) {
	h := newHarness(t, scriptedProvider(func(ctx context.Context, req llm.Request, _ llm.TokenCallback) (*llm.Completion, error) {
		convert := findTool(t, req, tool.ConvertName)
		var wg sync.WaitGroup
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				_, _ = convert.Invoke(ctx, fmt.Sprintf(`{"temperature":%d}`, i*10))
			}(i)
		}
		wg.Wait()
		return &llm.Completion{Text: "done"}, nil
	}), &recordingBackend{})

	_, err := h.orch.Handle(context.Background(), userRequest("c1", "convert"), nil)
	require.NoError(t, err)
	h.orch.Wait()

	tr := h.backend.exported()[0]
	assert.Len(t, tr.SpansOfKind(trace.KindTool), 8)
	agent := tr.SpansOfKind(trace.KindAgent)[0]
	for _, s := range tr.SpansOfKind(trace.KindTool) {
		assert.Equal(t, agent.ID, s.ParentID)
	}
}

func TestHandleReusesSessionPerConversation(t *testing.T) {
	h := newHarness(t, weatherModel(t), &recordingBackend{})
	for i := 0; i < 2; i++ {
		_, err := h.orch.Handle(context.Background(), userRequest("chat-abc123", "again"), nil)
		require.NoError(t, err)
	}
	h.orch.Wait()

	assert.Equal(t, 1, h.backend.sessions())
	traces := h.backend.exported()
	require.Len(t, traces, 2)
	assert.Equal(t, traces[0].SessionID, traces[1].SessionID)
}

func TestHandleEmptyConversationIDIsIndependent(t *testing.T) {
	h := newHarness(t, weatherModel(t), &recordingBackend{})
	for i := 0; i < 2; i++ {
		_, err := h.orch.Handle(context.Background(), userRequest("", "hi"), nil)
		require.NoError(t, err)
	}
	h.orch.Wait()

	assert.Equal(t, 2, h.backend.sessions())
	traces := h.backend.exported()
	require.Len(t, traces, 2)
	assert.NotEqual(t, traces[0].SessionID, traces[1].SessionID)
}

func TestHandleFallbackTraceInput(t *testing.T) {
	h := newHarness(t, scriptedProvider(func(context.Context, llm.Request, llm.TokenCallback) (*llm.Completion, error) {
		return &llm.Completion{Text: "hello"}, nil
	}), &recordingBackend{})

	req := chat.Request{Messages: []chat.Message{{Role: chat.RoleUser, Parts: []chat.Part{{Type: "file"}}}}}
	_, err := h.orch.Handle(context.Background(), req, nil)
	require.NoError(t, err)
	h.orch.Wait()

	tr := h.backend.exported()[0]
	assert.Equal(t, chat.FallbackTraceInput, tr.Input)
	llmSpan := tr.SpansOfKind(trace.KindLLM)[0]
	assert.Nil(t, llmSpan.TotalTokens)
	assert.Nil(t, llmSpan.NumInputTokens)
	assert.Equal(t, "test-model", llmSpan.Model)
}

func TestHandleSurvivesBackendFailures(t *testing.T) {
	backend := &recordingBackend{sessionErr: errors.New("session api down"), exportErr: errors.New("export down")}
	h := newHarness(t, weatherModel(t), backend)

	var tokens []string
	c, err := h.orch.Handle(context.Background(), userRequest("c1", "weather?"), func(tok string) {
		tokens = append(tokens, tok)
	})
	require.NoError(t, err)
	h.orch.Wait()

	assert.Equal(t, "It is 70F in Boston.", c.Text)
	assert.Len(t, tokens, 2)
	assert.Empty(t, backend.exported())
}

func TestHandleSurvivesPanickingBackend(t *testing.T) {
	h := newHarness(t, weatherModel(t), &recordingBackend{panicOnExport: true})

	c, err := h.orch.Handle(context.Background(), userRequest("c1", "weather?"), nil)
	require.NoError(t, err)
	assert.NotEmpty(t, c.Text)
	h.orch.Wait()

	for _, states := range h.states() {
		assert.Equal(t, StateFlushed, states[len(states)-1])
	}
}

func TestHandleCancelledRequestStillFlushes(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	h := newHarness(t, scriptedProvider(func(ctx context.Context, _ llm.Request, onToken llm.TokenCallback) (*llm.Completion, error) {
		onToken("Hel")
		cancel()
		<-ctx.Done()
		return nil, ctx.Err()
	}), &recordingBackend{})

	_, err := h.orch.Handle(ctx, userRequest("c1", "hello"), nil)
	require.ErrorIs(t, err, context.Canceled)
	h.orch.Wait()

	traces := h.backend.exported()
	require.Len(t, traces, 1)
	assert.Equal(t, ErrorOutputPrefix+context.Canceled.Error(), traces[0].Output)
	assert.Empty(t, traces[0].SpansOfKind(trace.KindLLM))
}

func TestHandleStateTransitions(t *testing.T) {
	ok := newHarness(t, weatherModel(t), &recordingBackend{})
	_, err := ok.orch.Handle(context.Background(), userRequest("c1", "hi"), nil)
	require.NoError(t, err)
	ok.orch.Wait()

	failed := newHarness(t, scriptedProvider(func(context.Context, llm.Request, llm.TokenCallback) (*llm.Completion, error) {
		return nil, errors.New("boom")
	}), &recordingBackend{})
	_, err = failed.orch.Handle(context.Background(), userRequest("c1", "hi"), nil)
	require.Error(t, err)
	failed.orch.Wait()

	prefix := []State{StateSessionResolved, StateTraceOpen, StateWorkflowOpen, StateAgentOpen, StateStreaming}
	require.Len(t, ok.states(), 1)
	assert.Equal(t, append(append([]State{}, prefix...), StateCompleted, StateFlushed), ok.states()[0])
	require.Len(t, failed.states(), 1)
	assert.Equal(t, append(append([]State{}, prefix...), StateFailed, StateFlushed), failed.states()[0])
}

func TestHandleFlushesOncePerRequest(t *testing.T) {
	h := newHarness(t, weatherModel(t), &recordingBackend{})
	const n = 10
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := h.orch.Handle(context.Background(), userRequest(fmt.Sprintf("c%d", i%3), "hi"), nil)
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()
	h.orch.Wait()

	traces := h.backend.exported()
	assert.Len(t, traces, n)
	seen := map[string]bool{}
	for _, tr := range traces {
		assert.False(t, seen[tr.ID], "trace %s exported twice", tr.ID)
		seen[tr.ID] = true
		assert.Len(t, tr.SpansOfKind(trace.KindLLM), 1)
	}
	assert.Equal(t, 3, h.backend.sessions())
}

func TestToolPanicBecomesError(t *testing.T) {
	panicky := tool.New("explode", "always panics", func(context.Context, tool.ConvertInput) (tool.ConvertOutput, error) {
		panic("kaboom")
	})
	reg, err := tool.NewRegistry(panicky)
	require.NoError(t, err)

	backend := &recordingBackend{}
	var invokeErr error
	o := New(Config{
		Backend: backend,
		Tools:   reg,
		Provider: scriptedProvider(func(ctx context.Context, req llm.Request, _ llm.TokenCallback) (*llm.Completion, error) {
			_, invokeErr = findTool(t, req, "explode").Invoke(ctx, `{"temperature":1}`)
			return &llm.Completion{Text: "sorry"}, nil
		}),
	})
	_, err = o.Handle(context.Background(), userRequest("", "x"), nil)
	require.NoError(t, err)
	o.Wait()

	require.Error(t, invokeErr)
	assert.Contains(t, invokeErr.Error(), "kaboom")
	span := backend.exported()[0].SpansOfKind(trace.KindTool)[0]
	assert.True(t, span.HasTag(trace.TagError))
	assert.Empty(t, backend.exported()[0].SessionID)
}
