package chat

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"

	"github.com/google/uuid"
)

// UI message stream part types.
const (
	StreamStart     = "start"
	StreamTextStart = "text-start"
	StreamTextDelta = "text-delta"
	StreamTextEnd   = "text-end"
	StreamFinish    = "finish"
	StreamError     = "error"
)

// StreamHeader marks a response as a UI message stream.
const StreamHeader = "x-vercel-ai-ui-message-stream"

// StreamPart is one UI message stream chunk.
type StreamPart struct {
	Type         string `json:"type"`
	ID           string `json:"id,omitempty"`
	MessageID    string `json:"messageId,omitempty"`
	Delta        string `json:"delta,omitempty"`
	ErrorText    string `json:"errorText,omitempty"`
	FinishReason string `json:"finishReason,omitempty"`
}

// EmitFunc delivers one stream part to the transport.
type EmitFunc func(StreamPart) error

// StreamWriter sequences UI stream parts for a single assistant message.
// Methods are safe for concurrent use.
type StreamWriter struct {
	mu      sync.Mutex
	emit    EmitFunc
	done    func() error
	textID  string
	started bool
	texting bool
	closed  bool
}

// NewStreamWriter wraps emit. done, if non-nil, runs once after the final part.
func NewStreamWriter(emit EmitFunc, done func() error) *StreamWriter {
	return &StreamWriter{emit: emit, done: done}
}

// NewSSEWriter writes parts as server-sent events to w and flushes after
// every event so tokens reach the client as they are produced.
func NewSSEWriter(w http.ResponseWriter) *StreamWriter {
	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set(StreamHeader, "v1")

	fw := &flushWriter{w: w, flush: func() {}}
	if f, ok := w.(http.Flusher); ok {
		fw.flush = f.Flush
	}
	emit := func(p StreamPart) error {
		data, err := json.Marshal(p)
		if err != nil {
			return err
		}
		_, err = fmt.Fprintf(fw, "data: %s\n\n", data)
		return err
	}
	done := func() error {
		_, err := io.WriteString(fw, "data: [DONE]\n\n")
		return err
	}
	return NewStreamWriter(emit, done)
}

// Start emits the message start part.
func (s *StreamWriter) Start(messageID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return nil
	}
	s.started = true
	if messageID == "" {
		messageID = uuid.NewString()
	}
	return s.emit(StreamPart{Type: StreamStart, MessageID: messageID})
}

// Delta emits one text token, opening the text block on first use.
func (s *StreamWriter) Delta(text string) error {
	if text == "" {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	if !s.texting {
		s.texting = true
		s.textID = uuid.NewString()
		if err := s.emit(StreamPart{Type: StreamTextStart, ID: s.textID}); err != nil {
			return err
		}
	}
	return s.emit(StreamPart{Type: StreamTextDelta, ID: s.textID, Delta: text})
}

// Finish closes the text block and the message.
func (s *StreamWriter) Finish(reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	if err := s.endText(); err != nil {
		return err
	}
	if err := s.emit(StreamPart{Type: StreamFinish, FinishReason: reason}); err != nil {
		return err
	}
	return s.close()
}

// Error reports a provider failure on the stream and closes it.
func (s *StreamWriter) Error(msg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	if err := s.endText(); err != nil {
		return err
	}
	if err := s.emit(StreamPart{Type: StreamError, ErrorText: msg}); err != nil {
		return err
	}
	return s.close()
}

func (s *StreamWriter) endText() error {
	if !s.texting {
		return nil
	}
	s.texting = false
	return s.emit(StreamPart{Type: StreamTextEnd, ID: s.textID})
}

func (s *StreamWriter) close() error {
	s.closed = true
	if s.done == nil {
		return nil
	}
	return s.done()
}

type flushWriter struct {
	w     io.Writer
	flush func()
}

func (fw *flushWriter) Write(p []byte) (int, error) {
	n, err := fw.w.Write(p)
	fw.flush()
	return n, err
}
