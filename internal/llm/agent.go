package llm

import (
	"context"
	"errors"
	"fmt"

	"github.com/nlpodyssey/openai-agents-go/agents"
	"github.com/nlpodyssey/openai-agents-go/modelsettings"
	"github.com/openai/openai-go/v2/packages/param"
	"github.com/openai/openai-go/v2/responses"

	"github.com/hubenschmidt/chatobs-poc/gateway/internal/chat"
)

// AgentConfig configures an AgentProvider.
type AgentConfig struct {
	APIKey  string
	BaseURL string
	// UseResponses selects the responses API; OpenAI-compatible servers such
	// as Ollama only speak chat completions.
	UseResponses bool
	DefaultModel string
	MaxTokens    int
	// Temperature below zero leaves the provider default.
	Temperature float64
}

// AgentProvider streams completions through the openai-agents-go runner,
// which drives the tool-call loop.
type AgentProvider struct {
	provider     agents.ModelProvider
	defaultModel string
	maxTokens    int
	temperature  float64
}

// NewAgentProvider creates a provider for an OpenAI-compatible endpoint.
func NewAgentProvider(cfg AgentConfig) *AgentProvider {
	params := agents.OpenAIProviderParams{
		UseResponses: param.NewOpt(cfg.UseResponses),
	}
	if cfg.APIKey != "" {
		params.APIKey = param.NewOpt(cfg.APIKey)
	}
	if cfg.BaseURL != "" {
		params.BaseURL = param.NewOpt(cfg.BaseURL)
	}
	return &AgentProvider{
		provider:     agents.NewOpenAIProvider(params),
		defaultModel: cfg.DefaultModel,
		maxTokens:    cfg.MaxTokens,
		temperature:  cfg.Temperature,
	}
}

// Stream runs the agent loop and relays text deltas to onToken.
func (p *AgentProvider) Stream(ctx context.Context, req Request, onToken TokenCallback) (*Completion, error) {
	model := req.Model
	if model == "" {
		model = p.defaultModel
	}
	maxSteps := req.MaxSteps
	if maxSteps <= 0 {
		maxSteps = 1
	}

	settings := modelsettings.ModelSettings{
		MaxTokens: param.NewOpt(int64(p.maxTokens)),
	}
	if p.temperature >= 0 {
		settings.Temperature = param.NewOpt(p.temperature)
	}

	agent := agents.New("assistant").
		WithInstructions(req.System).
		WithModel(model).
		WithModelSettings(settings).
		WithTools(functionTools(req.Tools)...)

	runner := agents.Runner{Config: agents.RunConfig{
		ModelProvider:   p.provider,
		MaxTurns:        uint64(maxSteps),
		TracingDisabled: true,
	}}

	input := inputItems(req.Conversation)
	if len(input) == 0 {
		return nil, errors.New("llm stream: empty conversation")
	}

	events, errCh, err := runner.RunInputStreamedChan(ctx, agent, input)
	if err != nil {
		return nil, fmt.Errorf("llm stream start: %w", err)
	}

	var st streamState
	for ev := range events {
		raw, ok := ev.(agents.RawResponsesStreamEvent)
		if !ok {
			continue
		}
		st.handle(raw.Data.Type, raw.Data.Delta, raw.Data.RawJSON(), onToken)
	}

	if streamErr := <-errCh; streamErr != nil {
		return nil, fmt.Errorf("llm stream: %w", streamErr)
	}
	if st.failure != "" {
		return nil, fmt.Errorf("llm stream: %s", st.failure)
	}
	return st.completion(model), nil
}

func functionTools(specs []ToolSpec) []agents.Tool {
	tools := make([]agents.Tool, 0, len(specs))
	for _, s := range specs {
		tools = append(tools, agents.FunctionTool{
			Name:             s.Name,
			Description:      s.Description,
			ParamsJSONSchema: s.Schema,
			StrictJSONSchema: param.NewOpt(false),
			OnInvokeTool:     s.Invoke,
		})
	}
	return tools
}

// inputItems maps the conversation to role-tagged model messages. System
// turns are dropped; the agent carries the system prompt.
func inputItems(conversation []chat.Message) []agents.TResponseInputItem {
	items := make([]agents.TResponseInputItem, 0, len(conversation))
	for _, m := range conversation {
		var role responses.EasyInputMessageRole
		switch m.Role {
		case chat.RoleUser:
			role = responses.EasyInputMessageRoleUser
		case chat.RoleAssistant:
			role = responses.EasyInputMessageRoleAssistant
		default:
			continue
		}
		text := chat.Flatten(m)
		if text == "" {
			continue
		}
		items = append(items, responses.ResponseInputItemParamOfMessage(text, role))
	}
	return items
}
