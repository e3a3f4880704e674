package trace

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// NewPooledHTTPClient creates an http.Client with connection pooling and tuned transport.
func NewPooledHTTPClient(poolSize int, timeout time.Duration) *http.Client {
	return &http.Client{
		Timeout: timeout,
		Transport: &http.Transport{
			MaxIdleConns:          poolSize,
			MaxIdleConnsPerHost:   poolSize,
			IdleConnTimeout:       90 * time.Second,
			ResponseHeaderTimeout: 30 * time.Second,
			ForceAttemptHTTP2:     true,
		},
	}
}

// HTTPExporter ships sessions and traces to a remote log service.
//
//	POST {base}/sessions  {"name","project","log_stream"} -> {"id"}
//	POST {base}/traces    Trace JSON
type HTTPExporter struct {
	baseURL   string
	apiKey    string
	project   string
	logStream string
	client    *http.Client
}

// HTTPExporterConfig configures an HTTPExporter.
type HTTPExporterConfig struct {
	BaseURL   string
	APIKey    string
	Project   string
	LogStream string
	Client    *http.Client
}

// NewHTTPExporter creates an exporter. A nil Client gets a pooled default.
func NewHTTPExporter(cfg HTTPExporterConfig) *HTTPExporter {
	client := cfg.Client
	if client == nil {
		client = NewPooledHTTPClient(8, 30*time.Second)
	}
	return &HTTPExporter{
		baseURL:   strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:    cfg.APIKey,
		project:   cfg.Project,
		logStream: cfg.LogStream,
		client:    client,
	}
}

// StartSession creates a remote session and returns the ID it was given.
func (e *HTTPExporter) StartSession(ctx context.Context, name string) (string, error) {
	body := map[string]string{"name": name, "project": e.project, "log_stream": e.logStream}
	var out struct {
		ID string `json:"id"`
	}
	if err := e.post(ctx, "/sessions", body, &out); err != nil {
		return "", err
	}
	if out.ID == "" {
		return "", fmt.Errorf("start session: empty id in response")
	}
	return out.ID, nil
}

// Export posts the trace with all of its spans.
func (e *HTTPExporter) Export(ctx context.Context, t *Trace) error {
	return e.post(ctx, "/traces", t, nil)
}

func (e *HTTPExporter) post(ctx context.Context, path string, in, out any) error {
	payload, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", path, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if e.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+e.apiKey)
	}

	resp, err := e.client.Do(req)
	if err != nil {
		return fmt.Errorf("post %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("post %s: status %d: %s", path, resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	if out == nil {
		return nil
	}
	if err = json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}
