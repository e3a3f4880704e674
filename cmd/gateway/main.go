package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/joho/godotenv/autoload"

	"github.com/hubenschmidt/chatobs-poc/gateway/internal/orchestrator"
	"github.com/hubenschmidt/chatobs-poc/gateway/internal/session"
	"github.com/hubenschmidt/chatobs-poc/gateway/internal/tool"
	"github.com/hubenschmidt/chatobs-poc/gateway/internal/trace"
	"github.com/hubenschmidt/chatobs-poc/gateway/internal/ws"
)

func main() {
	cfg := loadConfig()
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.logLevel})))

	initCtx, initCancel := context.WithTimeout(context.Background(), 10*time.Second)
	backend, err := openBackend(initCtx, cfg)
	if err != nil {
		initCancel()
		slog.Error("trace backend", "backend", cfg.logBackend, "error", err)
		os.Exit(1)
	}
	sessions, err := openSessionStore(initCtx, cfg)
	initCancel()
	if err != nil {
		slog.Error("session store", "store", cfg.sessionStore, "error", err)
		os.Exit(1)
	}

	// all backend writes go through one async writer
	tracer := trace.NewTracer(backend.Backend, trace.TracerOptions{
		Buffer:       cfg.traceBuffer,
		WriteTimeout: cfg.traceWriteTimeout,
	})

	tools, err := tool.NewRegistry(tool.Builtins()...)
	if err != nil {
		slog.Error("tool registry", "error", err)
		os.Exit(1)
	}

	provider := newLLMProvider(cfg)
	orch := orchestrator.New(orchestrator.Config{
		Backend:        tracer,
		Sessions:       session.NewResolver(sessions.Store, tracer),
		Provider:       provider,
		Tools:          tools,
		Model:          cfg.llmModel,
		SystemPrompt:   cfg.llmSystemPrompt,
		MaxSteps:       cfg.llmMaxSteps,
		Project:        cfg.logProject,
		LogStream:      cfg.logStream,
		FlushTimeout:   cfg.flushTimeout,
		SessionTimeout: cfg.sessionTimeout,
	})

	mux := http.NewServeMux()
	registerRoutes(mux, deps{
		chat:      orch,
		wsHandler: ws.NewHandler(ws.HandlerConfig{
			Server:        orch,
			MaxConcurrent: cfg.maxConcurrentChats,
		}),
		traces:    backend.Reader,
		llmEngine: provider.Engine(),
		llmModel:  cfg.llmModel,
		engines:   provider.Engines(),
		ollamaURL: cfg.ollamaURL,
	})

	addr := ":" + cfg.port
	srv := &http.Server{Addr: addr, Handler: mux}

	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		sig := <-sigCh
		slog.Info("shutting down", "signal", sig)
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		srv.Shutdown(ctx)

		slog.Info("waiting for trace flushes")
		orch.Wait()
		tracer.Close()
		if err := backend.Close(); err != nil {
			slog.Warn("trace backend close", "error", err)
		}
		if err := sessions.Close(); err != nil {
			slog.Warn("session store close", "error", err)
		}
	}()

	slog.Info("gateway starting",
		"addr", addr,
		"llm_engine", cfg.llmEngine,
		"llm_model", cfg.llmModel,
		"log_backend", cfg.logBackend,
		"session_store", cfg.sessionStore,
		"max_concurrent", cfg.maxConcurrentChats,
	)

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		slog.Error("server failed", "error", err)
		os.Exit(1)
	}

	<-stopped
	slog.Info("gateway stopped")
}
