// Package chat holds the inbound conversation model and the outbound UI
// message stream encoding.
package chat

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
)

const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"

	PartText = "text"
)

// FallbackTraceInput is used when the conversation carries no user text.
const FallbackTraceInput = "Chat request"

// maxBodyBytes bounds a chat request body.
const maxBodyBytes = 4 << 20

// ErrMalformedRequest wraps every decode failure of an inbound body.
var ErrMalformedRequest = errors.New("malformed chat request")

// Part is one typed content part of a message. Only text parts carry Text;
// tool-related parts are identified by Type alone.
type Part struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

// Message is one conversation turn.
type Message struct {
	Role  string `json:"role"`
	Parts []Part `json:"parts"`
}

// Request is the inbound chat body. ID is the optional conversation identifier.
type Request struct {
	ID       string    `json:"id,omitempty"`
	Messages []Message `json:"messages"`
}

// DecodeRequest reads a chat request from r. Fields other than id and
// messages are ignored.
func DecodeRequest(r io.Reader) (Request, error) {
	var req Request
	dec := json.NewDecoder(io.LimitReader(r, maxBodyBytes))
	if err := dec.Decode(&req); err != nil {
		return Request{}, fmt.Errorf("%w: %v", ErrMalformedRequest, err)
	}
	return req, nil
}

// Text concatenates the text parts of m.
func (m Message) Text() string {
	var b strings.Builder
	for _, p := range m.Parts {
		if p.Type == PartText {
			b.WriteString(p.Text)
		}
	}
	return b.String()
}

// LastUserText returns the text of the most recent user message that has
// any, or FallbackTraceInput.
func LastUserText(messages []Message) string {
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role != RoleUser {
			continue
		}
		if text := messages[i].Text(); text != "" {
			return text
		}
	}
	return FallbackTraceInput
}
