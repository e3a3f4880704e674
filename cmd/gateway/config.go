package main

import (
	"log/slog"
	"strings"
	"time"

	"github.com/hubenschmidt/chatobs-poc/gateway/internal/env"
	"github.com/hubenschmidt/chatobs-poc/gateway/internal/prompts"
)

type config struct {
	port     string
	logLevel slog.Level

	llmEngine          string
	llmModel           string
	openAIAPIKey       string
	openAIBaseURL      string
	openAIUseResponses bool
	ollamaURL          string
	llmSystemPrompt    string
	llmMaxTokens       int
	llmMaxSteps        int
	llmTemperature     float64

	maxConcurrentChats int

	logBackend        string
	logProject        string
	logStream         string
	traceDBURL        string
	logBackendURL     string
	logBackendAPIKey  string
	traceBuffer       int
	traceWriteTimeout time.Duration
	flushTimeout      time.Duration

	sessionStore      string
	sessionTTL        time.Duration
	sessionTimeout    time.Duration
	sessionMaxEntries int
	redisURL          string
}

func loadConfig() config {
	backend := strings.ToLower(env.Str("LOG_BACKEND", "log"))
	return config{
		port:     env.Str("GATEWAY_PORT", "8000"),
		logLevel: parseLevel(env.Str("LOG_LEVEL", "info")),

		llmEngine:          strings.ToLower(env.Str("LLM_ENGINE", "openai")),
		llmModel:           env.Str("LLM_MODEL", "gpt-4o-mini"),
		openAIAPIKey:       env.Str("OPENAI_API_KEY", ""),
		openAIBaseURL:      env.Str("OPENAI_BASE_URL", ""),
		openAIUseResponses: env.Bool("OPENAI_USE_RESPONSES", true),
		ollamaURL:          env.Str("OLLAMA_URL", "http://localhost:11434"),
		llmSystemPrompt:    prompts.ForChat(env.Str("LLM_SYSTEM_PROMPT", "")),
		llmMaxTokens:       env.Int("LLM_MAX_TOKENS", 1024),
		llmMaxSteps:        env.Int("LLM_MAX_STEPS", 5),
		llmTemperature:     env.Float("LLM_TEMPERATURE", -1),

		maxConcurrentChats: env.Int("MAX_CONCURRENT_CHATS", 100),

		logBackend:        backend,
		logProject:        env.Str("LOG_PROJECT", "chat-observability"),
		logStream:         env.Str("LOG_STREAM", "default"),
		traceDBURL:        env.Str("TRACE_DB_URL", defaultTraceDB(backend)),
		logBackendURL:     env.Str("LOG_BACKEND_URL", ""),
		logBackendAPIKey:  env.Str("LOG_BACKEND_API_KEY", ""),
		traceBuffer:       env.Int("TRACE_BUFFER", 64),
		traceWriteTimeout: env.Duration("TRACE_WRITE_TIMEOUT", 10*time.Second),
		flushTimeout:      env.Duration("FLUSH_TIMEOUT", 10*time.Second),

		sessionStore:      strings.ToLower(env.Str("SESSION_STORE", "memory")),
		sessionTTL:        env.Duration("SESSION_TTL", 24*time.Hour),
		sessionTimeout:    env.Duration("SESSION_TIMEOUT", 2*time.Second),
		sessionMaxEntries: env.Int("SESSION_MAX_ENTRIES", 10000),
		redisURL:          env.Str("REDIS_URL", "redis://localhost:6379/0"),
	}
}

func defaultTraceDB(backend string) string {
	if backend == "sqlite" {
		return "traces.db"
	}
	return ""
}

func parseLevel(s string) slog.Level {
	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return slog.LevelInfo
	}
	return level
}
