package llm

import (
	"context"

	"github.com/hubenschmidt/chatobs-poc/gateway/internal/chat"
)

// Finish reasons reported on a Completion.
const (
	FinishStop          = "stop"
	FinishLength        = "length"
	FinishContentFilter = "content-filter"
	FinishOther         = "other"
)

// TokenCallback is called for each streamed token.
type TokenCallback func(token string)

// ToolSpec declares a tool to the model. Invoke receives the raw JSON
// arguments produced by the model; its error is reported back to the model.
type ToolSpec struct {
	Name        string
	Description string
	Schema      map[string]any
	Invoke      func(ctx context.Context, arguments string) (any, error)
}

// Request is one streamed chat completion.
type Request struct {
	Model        string
	System       string
	Conversation []chat.Message
	Tools        []ToolSpec
	// MaxSteps bounds the tool-call/response rounds.
	MaxSteps int
}

// Usage holds token counts. Fields the provider did not report stay nil.
type Usage struct {
	InputTokens  *int64 `json:"input_tokens,omitempty"`
	OutputTokens *int64 `json:"output_tokens,omitempty"`
	TotalTokens  *int64 `json:"total_tokens,omitempty"`
}

// Completion is the final result of a stream.
type Completion struct {
	Text         string `json:"text"`
	Model        string `json:"model"`
	Usage        Usage  `json:"usage"`
	FinishReason string `json:"finish_reason"`
}

// Provider streams completions from a model backend.
type Provider interface {
	Stream(ctx context.Context, req Request, onToken TokenCallback) (*Completion, error)
}
