package cmd

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/the-crypt-keeper/llama-srb-api/internal/config"
	"github.com/the-crypt-keeper/llama-srb-api/pkg/api"
)

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(io.Discard)
	rootCmd.SetArgs(args)
	err := rootCmd.Execute()
	return out.String(), err
}

func fakeServer(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/v1/models":
			json.NewEncoder(w).Encode(api.ModelListResponse{
				Object: api.ObjectList,
				Data:   []api.ModelInfo{{ID: "/models/m.gguf", Object: api.ObjectModel, OwnedBy: "local", EngineState: "READY"}},
			})
		case "/health":
			json.NewEncoder(w).Encode(api.HealthResponse{Status: "ok", EngineState: "READY"})
		case "/v1/completions":
			var req api.CompletionRequest
			json.NewDecoder(r.Body).Decode(&req)
			if !req.Stream {
				json.NewEncoder(w).Encode(api.CompletionResponse{
					ID: "cmpl-1",
					Choices: []api.CompletionChoice{
						{Index: 0, Text: "first", FinishReason: "length"},
						{Index: 1, Text: "second\n", FinishReason: "stop"},
					},
				})
				return
			}
			w.Header().Set("Content-Type", "text/event-stream")
			for _, part := range []string{"Hel", "lo"} {
				data, _ := json.Marshal(api.CompletionChunk{ID: "cmpl-1", Choices: []api.ChunkChoice{{Index: 0, Text: api.StringPtr(part)}}})
				io.WriteString(w, "data: "+string(data)+"\n\n")
			}
			io.WriteString(w, "data: [DONE]\n\n")
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestVersionCommand(t *testing.T) {
	out, err := run(t, "version")
	require.NoError(t, err)
	assert.Equal(t, "llama-srb-api dev\n", out)
}

func TestCompleteCommandStreams(t *testing.T) {
	srv := fakeServer(t)
	out, err := run(t, "complete", "--url", srv.URL, "--no-stream=false", "-n", "1", "say", "hello")
	require.NoError(t, err)
	assert.Equal(t, "Hello\n", out)
}

func TestCompleteCommandNoStream(t *testing.T) {
	srv := fakeServer(t)
	out, err := run(t, "complete", "--url", srv.URL, "--no-stream", "-n", "2", "hi")
	require.NoError(t, err)
	assert.Equal(t, "--- sequence 0 (length) ---\nfirst\n--- sequence 1 (stop) ---\nsecond\n", out)
}

func TestStatusCommand(t *testing.T) {
	srv := fakeServer(t)
	out, err := run(t, "status", "--url", srv.URL)
	require.NoError(t, err)
	assert.Contains(t, out, "/models/m.gguf")
	assert.Contains(t, out, "READY")
	assert.Contains(t, out, "ok")
}

func TestReadPrompt(t *testing.T) {
	got, err := readPrompt([]string{"a", "b"}, strings.NewReader("ignored"))
	require.NoError(t, err)
	assert.Equal(t, "a b", got)

	got, err = readPrompt(nil, strings.NewReader("from stdin\n"))
	require.NoError(t, err)
	assert.Equal(t, "from stdin\n", got)

	got, err = readPrompt([]string{"-"}, strings.NewReader("dash"))
	require.NoError(t, err)
	assert.Equal(t, "dash", got)
}

func TestApplyServeFlags(t *testing.T) {
	cfg := config.Default()
	require.NoError(t, serveCmd.Flags().Parse([]string{"--model", "/m/x.gguf", "-n", "4", "--port", "9999", "--flash-attn=false"}))

	applyServeFlags(serveCmd, &cfg)
	assert.Equal(t, "/m/x.gguf", cfg.Engine.Model)
	assert.Equal(t, 4, cfg.Engine.Parallel)
	assert.Equal(t, 9999, cfg.Server.Port)
	assert.False(t, cfg.Engine.FlashAttention)
	assert.Equal(t, 8192, cfg.Engine.CtxSize, "unchanged flags keep config values")
	require.NoError(t, cfg.Validate())
}

func TestRenderStatusTable(t *testing.T) {
	models := []api.ModelInfo{{ID: "/models/test-7b.gguf", OwnedBy: "local", EngineState: "READY"}}

	plain := renderStatusTable(models, "ok", false)
	for _, want := range []string{"MODEL", "STATE", "/models/test-7b.gguf", "local", "READY", "ok"} {
		assert.Contains(t, plain, want)
	}
	assert.NotContains(t, plain, "\x1b[")

	colored := renderStatusTable(models, "ok", true)
	assert.Contains(t, colored, stateColor("READY").Sprint("READY"))
}

func TestStateColor(t *testing.T) {
	assert.NotEqual(t, stateColor("READY"), stateColor("DOWN"))
	assert.Equal(t, stateColor("READY"), stateColor("RUNNING"))
}
