package main

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/hubenschmidt/chatobs-poc/gateway/internal/chat"
	"github.com/hubenschmidt/chatobs-poc/gateway/internal/llm"
	"github.com/hubenschmidt/chatobs-poc/gateway/internal/trace"
)

const (
	// defaultTraceSessionLimit is how many trace sessions are returned
	// when the caller omits the ?limit= query parameter.
	defaultTraceSessionLimit = 20
	maxTraceSessionLimit     = 200
)

type chatServer interface {
	Serve(ctx context.Context, req chat.Request, sw *chat.StreamWriter) error
}

type deps struct {
	chat      chatServer
	wsHandler http.Handler
	traces    trace.Reader
	llmEngine string
	llmModel  string
	engines   []string
	ollamaURL string
}

// registerRoutes wires all HTTP endpoints to the shared mux.
func registerRoutes(mux *http.ServeMux, d deps) {
	mux.HandleFunc("POST /api/chat", d.handleChat)
	if d.wsHandler != nil {
		mux.Handle("/ws/chat", d.wsHandler)
	}
	mux.HandleFunc("/health", handleHealth)
	mux.HandleFunc("GET /api/models", d.handleModels)
	mux.Handle("GET /metrics", promhttp.Handler())
	registerTraceRoutes(mux, d.traces)
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

// handleModels reports the active engine and model, plus the models
// installed in Ollama when that engine is in use.
func (d deps) handleModels(w http.ResponseWriter, r *http.Request) {
	resp := map[string]any{
		"engine":  d.llmEngine,
		"model":   d.llmModel,
		"engines": d.engines,
	}
	if d.llmEngine == "ollama" && d.ollamaURL != "" {
		names, err := llm.ListOllamaModels(r.Context(), d.ollamaURL)
		if err != nil {
			slog.Error("list llm models", "error", err)
			names = []string{d.llmModel}
		}
		resp["ollama_models"] = names
	}
	writeJSON(w, resp)
}

// handleChat streams one assistant message as server-sent events.
func (d deps) handleChat(w http.ResponseWriter, r *http.Request) {
	req, err := chat.DecodeRequest(r.Body)
	if err != nil {
		slog.Error("malformed chat request", "error", err)
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	sw := chat.NewSSEWriter(w)
	if err = d.chat.Serve(r.Context(), req, sw); err != nil && !errors.Is(err, context.Canceled) {
		slog.Warn("chat stream", "conversation_id", req.ID, "error", err)
	}
}

func registerTraceRoutes(mux *http.ServeMux, store trace.Reader) {
	mux.HandleFunc("GET /api/traces/sessions", func(w http.ResponseWriter, r *http.Request) {
		if store == nil {
			http.Error(w, "tracing disabled", http.StatusNotFound)
			return
		}
		limit := queryInt(r, "limit", defaultTraceSessionLimit)
		if limit <= 0 || limit > maxTraceSessionLimit {
			limit = defaultTraceSessionLimit
		}
		offset := max(queryInt(r, "offset", 0), 0)
		sessions, total, err := store.ListSessions(r.Context(), limit, offset)
		if err != nil {
			slog.Error("list trace sessions", "error", err)
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, map[string]any{"sessions": sessions, "total": total})
	})

	mux.HandleFunc("GET /api/traces/sessions/{id}", func(w http.ResponseWriter, r *http.Request) {
		if store == nil {
			http.Error(w, "tracing disabled", http.StatusNotFound)
			return
		}
		sess, traces, err := store.GetSession(r.Context(), r.PathValue("id"))
		if err != nil {
			http.Error(w, "not found", http.StatusNotFound)
			return
		}
		writeJSON(w, map[string]any{"session": sess, "traces": traces})
	})

	mux.HandleFunc("GET /api/traces/sessions/{id}/traces/{traceId}", func(w http.ResponseWriter, r *http.Request) {
		if store == nil {
			http.Error(w, "tracing disabled", http.StatusNotFound)
			return
		}
		t, err := store.GetTrace(r.Context(), r.PathValue("id"), r.PathValue("traceId"))
		if err != nil {
			http.Error(w, "not found", http.StatusNotFound)
			return
		}
		writeJSON(w, map[string]any{"trace": t})
	})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("write json", "error", err)
	}
}

func queryInt(r *http.Request, key string, fallback int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}
