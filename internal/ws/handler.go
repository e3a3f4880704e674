package ws

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/hubenschmidt/chatobs-poc/gateway/internal/chat"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  16384,
	WriteBufferSize: 16384,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Server runs one chat request and writes its UI stream.
type Server interface {
	Serve(ctx context.Context, req chat.Request, sw *chat.StreamWriter) error
}

// HandlerConfig holds the shared chat server for all connections.
type HandlerConfig struct {
	Server        Server
	MaxConcurrent int
}

// Handler serves chat over WebSocket with admission control. Each text frame
// is a chat request; the reply is the UI message stream, one part per frame,
// ending with a {"type":"done"} frame.
type Handler struct {
	cfg HandlerConfig
	sem chan struct{}
}

// NewHandler creates a WebSocket handler with a concurrency limit.
func NewHandler(cfg HandlerConfig) *Handler {
	maxConc := cfg.MaxConcurrent
	if maxConc <= 0 {
		maxConc = 100
	}
	return &Handler{
		cfg: cfg,
		sem: make(chan struct{}, maxConc),
	}
}

// ServeHTTP upgrades the connection and serves requests until it closes.
// Returns 503 if at max concurrent connection capacity.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	select {
	case h.sem <- struct{}{}:
		defer func() { <-h.sem }()
	default:
		http.Error(w, "at capacity", http.StatusServiceUnavailable)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	h.runConnection(r.Context(), conn)
}

func (h *Handler) runConnection(ctx context.Context, conn *websocket.Conn) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	send := newFrameSender(conn)
	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			slog.Info("connection closed", "error", err)
			return
		}
		if msgType != websocket.TextMessage {
			continue
		}

		req, err := chat.DecodeRequest(bytes.NewReader(data))
		if err != nil {
			slog.Error("decode chat frame", "error", err)
			send(chat.StreamPart{Type: chat.StreamError, ErrorText: err.Error()})
			continue
		}

		sw := chat.NewStreamWriter(send, func() error {
			return send(chat.StreamPart{Type: "done"})
		})
		if err = h.cfg.Server.Serve(ctx, req, sw); err != nil {
			slog.Error("serve chat frame", "conversation_id", req.ID, "error", err)
		}
	}
}

// newFrameSender serializes writes; gorilla connections allow one writer.
func newFrameSender(conn *websocket.Conn) chat.EmitFunc {
	var mu sync.Mutex
	return func(p chat.StreamPart) error {
		mu.Lock()
		defer mu.Unlock()

		jsonBytes, err := json.Marshal(p)
		if err != nil {
			return err
		}
		if err = conn.WriteMessage(websocket.TextMessage, jsonBytes); err != nil {
			if !errors.Is(err, websocket.ErrCloseSent) {
				slog.Error("write frame", "error", err)
			}
			return err
		}
		return nil
	}
}
