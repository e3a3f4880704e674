package trace

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHTTPExporter(t *testing.T) {
	var (
		mu     sync.Mutex
		paths  []string
		auth   []string
		traces []Trace
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		paths = append(paths, r.URL.Path)
		auth = append(auth, r.Header.Get("Authorization"))
		switch r.URL.Path {
		case "/v1/sessions":
			var body map[string]string
			assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
			assert.Equal(t, "proj", body["project"])
			assert.Equal(t, "Chat abc", body["name"])
			w.Write([]byte(`{"id":"remote-1"}`))
		case "/v1/traces":
			var tr Trace
			assert.NoError(t, json.NewDecoder(r.Body).Decode(&tr))
			traces = append(traces, tr)
			w.WriteHeader(http.StatusAccepted)
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	e := NewHTTPExporter(HTTPExporterConfig{BaseURL: srv.URL + "/v1/", APIKey: "k", Project: "proj", LogStream: "s"})
	sid, err := e.StartSession(context.Background(), "Chat abc")
	require.NoError(t, err)
	assert.Equal(t, "remote-1", sid)

	require.NoError(t, e.Export(context.Background(), sampleTrace(sid)))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"/v1/sessions", "/v1/traces"}, paths)
	assert.Equal(t, []string{"Bearer k", "Bearer k"}, auth)
	require.Len(t, traces, 1)
	assert.Equal(t, sid, traces[0].SessionID)
	assert.Len(t, traces[0].Spans, 4)
}

func TestHTTPExporterErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/sessions" {
			w.Write([]byte(`{}`))
			return
		}
		http.Error(w, "quota exceeded", http.StatusTooManyRequests)
	}))
	defer srv.Close()

	e := NewHTTPExporter(HTTPExporterConfig{BaseURL: srv.URL})
	_, err := e.StartSession(context.Background(), "x")
	require.Error(t, err)

	err = e.Export(context.Background(), &Trace{ID: "t"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "429")
	assert.Contains(t, err.Error(), "quota exceeded")
}
