package chat

import (
	"encoding/json"
	"fmt"
	"strings"
)

// transcriptEntry is one message of a serialized transcript.
type transcriptEntry struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Placeholder renders a non-text part inside a transcript.
func Placeholder(partType string) string {
	return "[" + partType + "]"
}

// SerializeTranscript renders the conversation as a JSON array of
// {role, content}. Text parts are kept verbatim; every other part becomes a
// Placeholder, so tool payloads do not survive a round trip.
func SerializeTranscript(messages []Message) string {
	entries := make([]transcriptEntry, 0, len(messages))
	for _, m := range messages {
		entries = append(entries, transcriptEntry{Role: m.Role, Content: Flatten(m)})
	}
	data, err := json.Marshal(entries)
	if err != nil {
		return "[]"
	}
	return string(data)
}

// ParseTranscript is the inverse of SerializeTranscript. Each message comes
// back with a single text part holding the flattened content.
func ParseTranscript(s string) ([]Message, error) {
	var entries []transcriptEntry
	if err := json.Unmarshal([]byte(s), &entries); err != nil {
		return nil, fmt.Errorf("parse transcript: %w", err)
	}
	messages := make([]Message, 0, len(entries))
	for _, e := range entries {
		messages = append(messages, Message{
			Role:  e.Role,
			Parts: []Part{{Type: PartText, Text: e.Content}},
		})
	}
	return messages, nil
}

// Flatten renders m as one string, with placeholders for non-text parts.
func Flatten(m Message) string {
	var b strings.Builder
	for _, p := range m.Parts {
		if p.Type == PartText {
			b.WriteString(p.Text)
			continue
		}
		b.WriteString(Placeholder(p.Type))
	}
	return b.String()
}
