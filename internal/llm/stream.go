package llm

import (
	"strings"

	"github.com/tidwall/gjson"
)

// Stream event types of the responses API that carry state we keep.
const (
	eventCreated    = "response.created"
	eventTextDelta  = "response.output_text.delta"
	eventCompleted  = "response.completed"
	eventIncomplete = "response.incomplete"
	eventFailed     = "response.failed"
)

// streamState accumulates one multi-step run. Text is reset for every
// response so the final text is the last response's; usage sums across
// responses.
type streamState struct {
	text         strings.Builder
	usage        Usage
	finishReason string
	failure      string
}

func (s *streamState) handle(eventType, delta, raw string, onToken TokenCallback) {
	switch eventType {
	case eventCreated:
		s.text.Reset()
	case eventTextDelta:
		if delta == "" {
			return
		}
		if onToken != nil {
			onToken(delta)
		}
		s.text.WriteString(delta)
	case eventCompleted, eventIncomplete, eventFailed:
		s.finish(gjson.Parse(raw))
	}
}

func (s *streamState) finish(ev gjson.Result) {
	resp := ev.Get("response")
	usage := resp.Get("usage")
	s.usage.InputTokens = addCount(s.usage.InputTokens, usage.Get("input_tokens"))
	s.usage.OutputTokens = addCount(s.usage.OutputTokens, usage.Get("output_tokens"))
	s.usage.TotalTokens = addCount(s.usage.TotalTokens, usage.Get("total_tokens"))
	s.finishReason = finishReason(resp)
	if msg := resp.Get("error.message"); msg.Exists() {
		s.failure = msg.String()
	}
}

func (s *streamState) completion(model string) *Completion {
	reason := s.finishReason
	if reason == "" {
		reason = FinishStop
	}
	return &Completion{
		Text:         s.text.String(),
		Model:        model,
		Usage:        s.usage,
		FinishReason: reason,
	}
}

// addCount adds v to acc. A count never reported stays nil.
func addCount(acc *int64, v gjson.Result) *int64 {
	if !v.Exists() || v.Type == gjson.Null {
		return acc
	}
	n := v.Int()
	if acc != nil {
		n += *acc
	}
	return &n
}

func finishReason(resp gjson.Result) string {
	switch resp.Get("status").String() {
	case "completed":
		return FinishStop
	case "incomplete":
		switch resp.Get("incomplete_details.reason").String() {
		case "max_output_tokens":
			return FinishLength
		case "content_filter":
			return FinishContentFilter
		}
		return FinishOther
	case "":
		return ""
	}
	return FinishOther
}
