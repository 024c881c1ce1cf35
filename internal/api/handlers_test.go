package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"insightbridge/internal/config"
	"insightbridge/internal/pipeline"
	"insightbridge/internal/session"
	"insightbridge/internal/supervisor"
	"insightbridge/internal/validation"
)

type fakeRunner struct {
	schemas  []map[string]interface{}
	result   interface{}
	callErr  error
	startErr error
	stopped  bool
}

func (f *fakeRunner) Start(ctx context.Context) error { return f.startErr }
func (f *fakeRunner) Stop()                           { f.stopped = true }
func (f *fakeRunner) Info() supervisor.ProcessInfo {
	return supervisor.ProcessInfo{PID: 4242, ServerScript: "mcp_server.py"}
}

func (f *fakeRunner) ToolSchemas(ctx context.Context) ([]map[string]interface{}, error) {
	return f.schemas, nil
}

func (f *fakeRunner) CallTool(ctx context.Context, tool string, params map[string]interface{}) (interface{}, error) {
	return f.result, f.callErr
}

type testEnv struct {
	router   *gin.Engine
	store    *session.Store
	registry *supervisor.Registry
	mr       *miniredis.Miniredis
}

func newTestEnv(t *testing.T, runner pipeline.Runner) *testEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	store, err := session.NewStore(context.Background(), rdb, time.Minute, "insight_session")
	require.NoError(t, err)

	cfg := &config.Config{
		SensitiveParams: []string{"apiUrl", "jwtToken"},
		BindHost:        "127.0.0.1",
		BindPort:        0,
	}
	registry := supervisor.NewRegistry()
	pipe := pipeline.NewWithRunner(store, registry, cfg, func() pipeline.Runner { return runner })
	// Test mode skips the remote round-trip but keeps the shape checks.
	validator := validation.NewValidator("https://api.example.com", time.Second, true)

	server := New(cfg, store, registry, validator, pipe)
	router := gin.New()
	server.RegisterRoutes(router)

	return &testEnv{router: router, store: store, registry: registry, mr: mr}
}

func (e *testEnv) do(t *testing.T, method, path string, body interface{}) (*httptest.ResponseRecorder, map[string]interface{}) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)

	var decoded map[string]interface{}
	if w.Body.Len() > 0 {
		_ = json.Unmarshal(w.Body.Bytes(), &decoded)
	}
	return w, decoded
}

func (e *testEnv) initSession(t *testing.T, sessionID string) {
	t.Helper()
	w, _ := e.do(t, http.MethodPost, "/init", gin.H{
		"session_id": sessionID,
		"apiUrl":     "https://data.example.com/api",
		"jwtToken":   "a.b.c",
	})
	require.Equal(t, http.StatusOK, w.Code)
}

func TestWriteTimeoutCoversLongestToolCall(t *testing.T) {
	cfg := &config.Config{
		RequestTimeout:  300 * time.Second,
		ToolCallTimeout: 310 * time.Second,
	}
	assert.Equal(t, 320*time.Second, writeTimeout(cfg))

	// A short call deadline leaves the plain request timeout in charge.
	cfg.ToolCallTimeout = 30 * time.Second
	assert.Equal(t, 300*time.Second, writeTimeout(cfg))
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t, &fakeRunner{})
	w, body := env.do(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "ok", body["status"])
}

func TestInitMissingFields(t *testing.T) {
	env := newTestEnv(t, &fakeRunner{})
	w, body := env.do(t, http.MethodPost, "/init", gin.H{"session_id": "s1"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "Missing required fields", body["error"])
	assert.ElementsMatch(t, []interface{}{"apiUrl", "jwtToken"}, body["missing"])
	assert.Empty(t, env.mr.Keys())
}

func TestInitRejectsMalformedJWT(t *testing.T) {
	env := newTestEnv(t, &fakeRunner{})
	w, body := env.do(t, http.MethodPost, "/init", gin.H{
		"session_id": "s1",
		"apiUrl":     "https://data.example.com/api",
		"jwtToken":   "notajwt",
	})
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, "Invalid JWT token format", body["error"])
	// Rejected credentials must not leave a session behind.
	assert.Empty(t, env.mr.Keys())
}

func TestInitCreatesSessionWithExtras(t *testing.T) {
	env := newTestEnv(t, &fakeRunner{})
	w, body := env.do(t, http.MethodPost, "/init", gin.H{
		"session_id": "s1",
		"apiUrl":     "https://data.example.com/api",
		"jwtToken":   "a.b.c",
		"locale":     "en",
	})
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "ok", body["status"])

	record := env.store.Get(context.Background(), "s1")
	require.NotNil(t, record)
	assert.Equal(t, "https://data.example.com/api", record["apiUrl"])
	assert.Equal(t, "en", record["locale"])
}

func TestInitIsIdempotent(t *testing.T) {
	env := newTestEnv(t, &fakeRunner{})
	env.initSession(t, "s1")

	// A second init on a live session succeeds without re-validating, even
	// with credentials that would fail the shape checks.
	w, body := env.do(t, http.MethodPost, "/init", gin.H{
		"session_id": "s1",
		"apiUrl":     "https://data.example.com/api",
		"jwtToken":   "notajwt",
	})
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "ok", body["status"])
}

func TestShutdownDeletesSession(t *testing.T) {
	env := newTestEnv(t, &fakeRunner{})
	env.initSession(t, "s1")
	env.registry.Register("s1", supervisor.ProcessInfo{PID: 4242, ServerScript: "mcp_server.py"})

	w, body := env.do(t, http.MethodPost, "/shutdown", gin.H{"session_id": "s1"})
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "ok", body["status"])

	assert.False(t, env.store.Exists(context.Background(), "s1"))
	assert.Equal(t, 0, env.registry.Len())
}

func TestShutdownRequiresSessionID(t *testing.T) {
	env := newTestEnv(t, &fakeRunner{})
	w, _ := env.do(t, http.MethodPost, "/shutdown", gin.H{})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestToolsSchemaAnonymous(t *testing.T) {
	runner := &fakeRunner{
		schemas: []map[string]interface{}{{
			"name": "list_sources",
			"inputSchema": map[string]interface{}{
				"properties": map[string]interface{}{
					"apiUrl": map[string]interface{}{"type": "string"},
					"search": map[string]interface{}{"type": "string"},
				},
				"required": []interface{}{"apiUrl", "search"},
			},
		}},
	}
	env := newTestEnv(t, runner)

	w, body := env.do(t, http.MethodGet, "/tools-schema", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "success", body["status"])
	assert.Contains(t, body, "system_info")

	tools := body["tools"].([]interface{})
	require.Len(t, tools, 1)
	properties := tools[0].(map[string]interface{})["inputSchema"].(map[string]interface{})["properties"].(map[string]interface{})
	assert.NotContains(t, properties, "apiUrl")
	assert.Contains(t, properties, "search")

	assert.True(t, runner.stopped)
}

func TestToolsRequiresSession(t *testing.T) {
	env := newTestEnv(t, &fakeRunner{})
	w, _ := env.do(t, http.MethodPost, "/tools", gin.H{"session_id": "nope"})
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestToolsReturnsGuidance(t *testing.T) {
	runner := &fakeRunner{
		schemas: []map[string]interface{}{{"name": "list_sources"}},
	}
	env := newTestEnv(t, runner)
	env.initSession(t, "s1")

	w, body := env.do(t, http.MethodPost, "/tools", gin.H{"session_id": "s1"})
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, body, "tools")
	assert.Contains(t, body, "workflow_guidance")
}

func TestCallToolMissingSession(t *testing.T) {
	env := newTestEnv(t, &fakeRunner{})
	w, body := env.do(t, http.MethodPost, "/call-tool", gin.H{"session_id": "nope", "tool": "list_sources"})
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Contains(t, body["error"], "not initialized")
}

func TestCallToolBadRequest(t *testing.T) {
	env := newTestEnv(t, &fakeRunner{})
	w, _ := env.do(t, http.MethodPost, "/call-tool", gin.H{"session_id": "s1"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestCallToolStripsIntermediate(t *testing.T) {
	runner := &fakeRunner{
		schemas: []map[string]interface{}{{"name": "analyze_source_structure"}},
		result: map[string]interface{}{
			"status":  "success",
			"message": "analyzed",
			"intermediate": map[string]interface{}{
				"sourceStructure": map[string]interface{}{"columns": float64(2)},
				"columnAnalysis":  []interface{}{"c1"},
			},
		},
	}
	env := newTestEnv(t, runner)
	env.initSession(t, "s1")

	w, body := env.do(t, http.MethodPost, "/call-tool", gin.H{
		"session_id": "s1",
		"tool":       "analyze_source_structure",
		"params":     gin.H{"sourceId": "S"},
	})
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "analyzed", body["message"])
	assert.NotContains(t, body, "intermediate")

	record := env.store.Get(context.Background(), "s1")
	assert.Contains(t, record, "sourceStructure")
	assert.Contains(t, record, "columnAnalysis")
	assert.True(t, runner.stopped)
}

func TestCallToolFailure(t *testing.T) {
	runner := &fakeRunner{
		schemas: []map[string]interface{}{{"name": "any_tool"}},
		callErr: errors.New("tool any_tool failed: backend said no"),
	}
	env := newTestEnv(t, runner)
	env.initSession(t, "s1")

	w, body := env.do(t, http.MethodPost, "/call-tool", gin.H{"session_id": "s1", "tool": "any_tool"})
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Contains(t, body["error"], "backend said no")
	assert.True(t, runner.stopped)
}

func TestCallToolSupervisorStartFailure(t *testing.T) {
	runner := &fakeRunner{startErr: errors.New("no mcp binary")}
	env := newTestEnv(t, runner)
	env.initSession(t, "s1")

	w, body := env.do(t, http.MethodPost, "/call-tool", gin.H{"session_id": "s1", "tool": "any_tool"})
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Contains(t, body["error"], "failed to start MCP session")
}
