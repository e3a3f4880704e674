package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/hubenschmidt/chatobs-poc/gateway/internal/llm"
	"github.com/hubenschmidt/chatobs-poc/gateway/internal/session"
	"github.com/hubenschmidt/chatobs-poc/gateway/internal/trace"
)

// traceBackend is the configured logging backend. Reader is nil for
// backends that cannot be queried.
type traceBackend struct {
	trace.Backend
	Reader trace.Reader
	close  func() error
}

func (b traceBackend) Close() error {
	if b.close == nil {
		return nil
	}
	return b.close()
}

func openBackend(ctx context.Context, cfg config) (traceBackend, error) {
	switch cfg.logBackend {
	case "", "log":
		return traceBackend{Backend: &trace.LogBackend{Project: cfg.logProject, LogStream: cfg.logStream}}, nil
	case "postgres", "sqlite":
		if cfg.traceDBURL == "" {
			return traceBackend{}, fmt.Errorf("TRACE_DB_URL is required for %s", cfg.logBackend)
		}
		driver := trace.DriverPostgres
		if cfg.logBackend == "sqlite" {
			driver = trace.DriverSQLite
		}
		store, err := trace.Open(ctx, driver, cfg.traceDBURL, trace.StoreOptions{
			Project:   cfg.logProject,
			LogStream: cfg.logStream,
		})
		if err != nil {
			return traceBackend{}, err
		}
		return traceBackend{Backend: store, Reader: store, close: store.Close}, nil
	case "http":
		if cfg.logBackendURL == "" {
			return traceBackend{}, fmt.Errorf("LOG_BACKEND_URL is required for http")
		}
		return traceBackend{Backend: trace.NewHTTPExporter(trace.HTTPExporterConfig{
			BaseURL:   cfg.logBackendURL,
			APIKey:    cfg.logBackendAPIKey,
			Project:   cfg.logProject,
			LogStream: cfg.logStream,
			Client:    trace.NewPooledHTTPClient(cfg.traceBuffer, 30*time.Second),
		})}, nil
	}
	return traceBackend{}, fmt.Errorf("unknown LOG_BACKEND %q", cfg.logBackend)
}

type sessionStore struct {
	session.Store
	close func() error
}

func (s sessionStore) Close() error {
	if s.close == nil {
		return nil
	}
	return s.close()
}

func openSessionStore(ctx context.Context, cfg config) (sessionStore, error) {
	switch cfg.sessionStore {
	case "", "memory":
		return sessionStore{Store: session.NewMemoryStore(cfg.sessionMaxEntries, cfg.sessionTTL)}, nil
	case "redis":
		rs, err := session.NewRedisStoreFromURL(ctx, cfg.redisURL, cfg.sessionTTL)
		if err != nil {
			return sessionStore{}, err
		}
		return sessionStore{Store: rs, close: rs.Close}, nil
	}
	return sessionStore{}, fmt.Errorf("unknown SESSION_STORE %q", cfg.sessionStore)
}

// newLLMProvider registers both engines; Ollama is reached through its
// OpenAI-compatible chat completions endpoint.
func newLLMProvider(cfg config) *llm.Router {
	backends := map[string]llm.Provider{
		"openai": llm.NewAgentProvider(llm.AgentConfig{
			APIKey:       cfg.openAIAPIKey,
			BaseURL:      cfg.openAIBaseURL,
			UseResponses: cfg.openAIUseResponses,
			DefaultModel: cfg.llmModel,
			MaxTokens:    cfg.llmMaxTokens,
			Temperature:  cfg.llmTemperature,
		}),
		"ollama": llm.NewAgentProvider(llm.AgentConfig{
			APIKey:       "ollama",
			BaseURL:      strings.TrimRight(cfg.ollamaURL, "/") + "/v1",
			DefaultModel: cfg.llmModel,
			MaxTokens:    cfg.llmMaxTokens,
			Temperature:  cfg.llmTemperature,
		}),
	}
	return llm.NewRouter(backends, cfg.llmEngine, "openai")
}
