package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/BaSui01/extractflow/config"
	"github.com/BaSui01/extractflow/internal/metrics"
	"github.com/BaSui01/extractflow/structured"
	"github.com/BaSui01/extractflow/testutil/mocks"
)

const personSchema = `{
  "type": "object",
  "properties": {
    "name": {"type": "string", "minLength": 1},
    "age":  {"type": "integer", "minimum": 0}
  },
  "required": ["name", "age"]
}`

func newTestServer(t *testing.T, cfg *config.Config, configPath string, provider *mocks.MockProvider) (*Server, http.Handler) {
	t.Helper()
	s := NewServer(cfg, configPath, zap.NewNop(), zap.NewAtomicLevelAt(zapcore.InfoLevel))
	s.provider = provider
	s.collector = metrics.NewCollectorWithRegisterer("test", prometheus.NewRegistry(), zap.NewNop())
	require.NoError(t, s.setup(context.Background()))
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	return s, s.routes(ctx)
}

func TestServer_ExtractEndToEnd(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Server.APIKeys = []string{"secret"}
	cfg.Extract.MaxRetries = 2
	provider := mocks.NewScriptedProvider(`{"name":"Jason","age":-1}`, `{"name":"Jason","age":25}`)
	_, h := newTestServer(t, cfg, "", provider)

	body := `{"schema":` + personSchema + `,"prompt":"Jason is 25"}`

	r := httptest.NewRequest(http.MethodPost, "/api/v1/extract", strings.NewReader(body))
	r.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, r)
	require.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, 0, provider.GetCallCount())

	r = httptest.NewRequest(http.MethodPost, "/api/v1/extract", strings.NewReader(body))
	r.Header.Set("Content-Type", "application/json")
	r.Header.Set("X-API-Key", "secret")
	r.Header.Set("X-Request-ID", "req-42")
	w = httptest.NewRecorder()
	h.ServeHTTP(w, r)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var resp struct {
		Success   bool   `json:"success"`
		RequestID string `json:"request_id"`
		Data      struct {
			Value    map[string]any `json:"value"`
			Attempts int            `json:"attempts"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.True(t, resp.Success)
	assert.Equal(t, "req-42", resp.RequestID)
	assert.Equal(t, 2, resp.Data.Attempts)
	assert.Equal(t, "Jason", resp.Data.Value["name"])

	assert.Equal(t, "req-42", provider.GetLastCall().Request.TraceID, "request id is forwarded upstream")
	assert.Equal(t, cfg.LLM.Model, provider.GetLastCall().Request.Model)
}

func TestServer_PublicEndpoints(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Server.APIKeys = []string{"secret"}
	cfg.Server.MetricsPort = 0
	_, h := newTestServer(t, cfg, "", mocks.NewMockProvider())

	for _, path := range []string{"/health", "/healthz", "/ready", "/version", "/metrics"} {
		w := httptest.NewRecorder()
		h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))
		assert.Equal(t, http.StatusOK, w.Code, path)
	}
}

func TestServer_ReloadUpdatesDefaultsAndLevel(t *testing.T) {
	path := filepath.Join(t.TempDir(), "extractflow.yaml")
	require.NoError(t, os.WriteFile(path, []byte("extract:\n  max_retries: 1\n"), 0o644))
	cfg, err := loadConfig(path)
	require.NoError(t, err)

	s, _ := newTestServer(t, cfg, path, mocks.NewMockProvider())
	require.NotNil(t, s.reloader)
	assert.Equal(t, 1, s.extractHandler.Defaults().MaxRetries)

	require.NoError(t, os.WriteFile(path, []byte("extract:\n  max_retries: 3\n  mode: json\nlog:\n  level: debug\n"), 0o644))
	require.NoError(t, s.reloader.Reload())

	d := s.extractHandler.Defaults()
	assert.Equal(t, 3, d.MaxRetries)
	assert.Equal(t, structured.ModeJSON, d.Mode)
	assert.Equal(t, zapcore.DebugLevel, s.level.Level())
}

func TestExtractDefaults(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Extract.Mode = "json_schema"
	d, err := extractDefaults(cfg)
	require.NoError(t, err)
	assert.Equal(t, structured.ModeJSONSchema, d.Mode)
	assert.Equal(t, cfg.Server.MaxBodyBytes, d.MaxBodyBytes)

	cfg.Extract.Mode = "xml"
	_, err = extractDefaults(cfg)
	assert.Error(t, err)
}

func TestCompletionCacheConfig(t *testing.T) {
	c := config.DefaultConfig().Cache
	c.LocalMaxSize = 10
	c.KeyStrategy = "tenant"
	cc := completionCacheConfig(c, false)
	assert.Equal(t, 10, cc.LocalMaxSize)
	assert.Equal(t, "tenant", cc.KeyStrategy)
	assert.False(t, cc.EnableRedis)
	assert.True(t, cc.EnableLocal)
}

// --- extract 子命令 ---

// compatServer 模拟 OpenAI 兼容端点，按顺序返回 contents
func compatServer(t *testing.T, contents ...string) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := int(calls.Add(1)) - 1
		if n >= len(contents) {
			n = len(contents) - 1
		}
		msg, _ := json.Marshal(contents[n])
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"x","model":"m","choices":[{"index":0,"finish_reason":"stop","message":{"role":"assistant","content":` + string(msg) + `}}]}`))
	}))
	t.Cleanup(srv.Close)
	return srv, &calls
}

func writeCLIConfig(t *testing.T, baseURL string) (configPath, schemaPath string) {
	t.Helper()
	dir := t.TempDir()
	configPath = filepath.Join(dir, "extractflow.yaml")
	require.NoError(t, os.WriteFile(configPath, []byte(`
llm:
  default_provider: local
  model: m
  providers:
    local:
      base_url: `+baseURL+`
extract:
  mode: json
`), 0o644))
	schemaPath = filepath.Join(dir, "person.json")
	require.NoError(t, os.WriteFile(schemaPath, []byte(personSchema), 0o644))
	return configPath, schemaPath
}

func TestRunExtract_RetriesThenPrintsValue(t *testing.T) {
	srv, calls := compatServer(t, `{"name":"","age":25}`, `{"name":"Jason","age":25}`)
	configPath, schemaPath := writeCLIConfig(t, srv.URL)

	var stdout, stderr bytes.Buffer
	code := runExtract([]string{"--config", configPath, "--schema", schemaPath, "--retries", "1"},
		strings.NewReader("Jason is 25 years old"), &stdout, &stderr)

	require.Equal(t, 0, code, stderr.String())
	assert.Equal(t, int32(2), calls.Load())
	var got map[string]any
	require.NoError(t, json.Unmarshal(stdout.Bytes(), &got))
	assert.Equal(t, "Jason", got["name"])
}

func TestRunExtract_ValidationFailurePrintsLines(t *testing.T) {
	srv, _ := compatServer(t, `{"name":"Jason","age":-3}`)
	configPath, schemaPath := writeCLIConfig(t, srv.URL)

	var stdout, stderr bytes.Buffer
	code := runExtract([]string{"--config", configPath, "--schema", schemaPath, "--retries", "0"},
		strings.NewReader("Jason"), &stdout, &stderr)

	assert.Equal(t, 1, code)
	assert.Empty(t, stdout.String())
	assert.Contains(t, stderr.String(), "age — ")
}

func TestRunExtract_UsageErrors(t *testing.T) {
	var stdout, stderr bytes.Buffer
	assert.Equal(t, 2, runExtract(nil, strings.NewReader(""), &stdout, &stderr))
	assert.Contains(t, stderr.String(), "--schema is required")

	srv, calls := compatServer(t, `{}`)
	configPath, schemaPath := writeCLIConfig(t, srv.URL)
	stderr.Reset()
	code := runExtract([]string{"--config", configPath, "--schema", schemaPath, "--stream", "sideways"},
		strings.NewReader("text"), &stdout, &stderr)
	assert.Equal(t, 2, code)
	assert.Equal(t, int32(0), calls.Load())
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, zapcore.DebugLevel, parseLevel("DEBUG"))
	assert.Equal(t, zapcore.WarnLevel, parseLevel("warn"))
	assert.Equal(t, zapcore.InfoLevel, parseLevel("verbose"))
}
