package handlers

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maxdp/dataplane/cmd/dataplane/condition"
	"github.com/maxdp/dataplane/cmd/dataplane/middleware"
	"github.com/maxdp/dataplane/cmd/dataplane/models"
	"github.com/maxdp/dataplane/cmd/dataplane/nodes"
	"github.com/maxdp/dataplane/cmd/dataplane/repository"
	"github.com/maxdp/dataplane/cmd/dataplane/rowexpr"
	"github.com/maxdp/dataplane/cmd/dataplane/worker"
	"github.com/maxdp/dataplane/common/config"
	"github.com/maxdp/dataplane/common/logger"
)

const linearFlow = `{
	"nodes": [
		{"id": "src", "type": "static_data",
		 "config": {"data_source": "array", "columns": ["id", "name"],
		            "array_data": [[1, "x"], [2, "y"]]}},
		{"id": "pick", "type": "select_columns",
		 "config": {"operation": "select", "columns": ["name"]}},
		{"id": "show", "type": "display_results", "config": {}}
	],
	"edges": [
		{"source": "src", "target": "pick"},
		{"source": "pick", "target": "show"}
	]
}`

func testHandler(t *testing.T) (*ExecuteHandler, *repository.MemoryStore) {
	t.Helper()
	log := logger.New("error", "json")
	store := repository.NewMemoryStore()

	conditions, err := condition.NewEvaluator()
	require.NoError(t, err)
	deps := &nodes.Deps{
		Authorizer: nodes.AllowAll{},
		Conditions: conditions,
		Exprs:      rowexpr.NewCompiler(),
		Log:        log,
	}

	workers := worker.NewManager(config.WorkerConfig{
		MaxActiveAPIs:   10,
		InactiveTTL:     time.Hour,
		CleanupInterval: time.Hour,
		StatsInterval:   time.Hour,
	}, log, nil)

	return NewExecuteHandler(store, workers, deps, nil, nil, log), store
}

func publish(store *repository.MemoryStore, id, path string, active bool, def string) {
	store.Put(&models.PublishedAPI{
		ID:             id,
		APIName:        "api-" + id,
		EndpointPath:   path,
		Version:        3,
		IsActive:       active,
		FlowDefinition: json.RawMessage(def),
	})
}

func dispatch(h *ExecuteHandler, method, path string, body string, headers map[string]string) *httptest.ResponseRecorder {
	e := echo.New()
	var reader *strings.Reader
	if body == "" {
		reader = strings.NewReader("")
	} else {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, "/execute/"+path, reader)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.SetPath("/execute/*")
	c.SetParamNames("*")
	c.SetParamValues(path)
	_ = h.Dispatch(c)
	return rec
}

func TestDispatch_Success(t *testing.T) {
	h, store := testHandler(t)
	publish(store, "api1", "reports/names", true, linearFlow)

	rec := dispatch(h, http.MethodGet, "reports/names", "", nil)

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))

	assert.Equal(t, true, body["success"])
	apiInfo := body["api_info"].(map[string]any)
	assert.Equal(t, "reports/names", apiInfo["endpoint"])
	assert.Equal(t, float64(3), apiInfo["version"])

	result := body["result"].(map[string]any)
	assert.Equal(t, []any{float64(2), float64(1)}, result["shape"])
	assert.Equal(t, []any{"name"}, result["columns"])
	data := result["data"].([]any)
	require.Len(t, data, 2)
	assert.Equal(t, "x", data[0].(map[string]any)["name"])

	// Response headers
	assert.True(t, strings.HasPrefix(rec.Header().Get("X-Execution-ID"), "exec_"))
	assert.NotEmpty(t, rec.Header().Get("X-Execution-Time"))
	assert.Equal(t, "3", rec.Header().Get("X-API-Version"))
}

func TestDispatch_NotFound(t *testing.T) {
	h, _ := testHandler(t)

	rec := dispatch(h, http.MethodGet, "missing/endpoint", "", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "not_found", body["error"])
	assert.Contains(t, body, "execution_id")
	assert.Contains(t, body, "execution_time")
}

func TestDispatch_InactiveEndpoint(t *testing.T) {
	h, store := testHandler(t)
	publish(store, "api2", "paused/flow", false, linearFlow)

	rec := dispatch(h, http.MethodGet, "paused/flow", "", nil)
	require.Equal(t, http.StatusForbidden, rec.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "endpoint_inactive", body["error"])
}

func TestDispatch_BadJSONBody(t *testing.T) {
	h, store := testHandler(t)
	publish(store, "api3", "ingest/data", true, linearFlow)

	rec := dispatch(h, http.MethodPost, "ingest/data", "{not json",
		map[string]string{echo.HeaderContentType: echo.MIMEApplicationJSON})
	require.Equal(t, http.StatusBadRequest, rec.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "bad_input", body["error"])
}

func TestDispatch_BrokenFlowIs500(t *testing.T) {
	h, store := testHandler(t)
	publish(store, "api4", "broken/flow", true, `{"nodes": [], "edges": []}`)

	rec := dispatch(h, http.MethodGet, "broken/flow", "", nil)
	require.Equal(t, http.StatusInternalServerError, rec.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "worker_build_failed", body["error"])
}

func TestDispatch_WebhookInputFromBody(t *testing.T) {
	h, store := testHandler(t)
	// webhook_listener picks up the "webhook_data" global seeded from input
	def := `{
		"nodes": [{"id": "hook", "type": "webhook_listener", "config": {}}],
		"edges": []
	}`
	publish(store, "api5", "hooks/in", true, def)

	rec := dispatch(h, http.MethodPost, "hooks/in",
		`{"webhook_data": [{"event": "ping"}]}`,
		map[string]string{echo.HeaderContentType: echo.MIMEApplicationJSON})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	result := body["result"].(map[string]any)
	assert.Equal(t, []any{float64(1), float64(1)}, result["shape"])
}

func TestWorkerStats_Shape(t *testing.T) {
	h, _ := testHandler(t)

	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/execute/worker-stats", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	require.NoError(t, h.WorkerStats(c))

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Contains(t, body, "manager_stats")
	assert.Contains(t, body, "workers")
	assert.Contains(t, body, "timestamp")
}

func TestRequireAdmin_Blocks(t *testing.T) {
	e := echo.New()
	cfg := config.AuthConfig{RequireAdmin: true}

	called := false
	handler := middleware.RequireAdmin(cfg)(func(c echo.Context) error {
		called = true
		return c.NoContent(http.StatusOK)
	})

	// Anonymous caller
	req := httptest.NewRequest(http.MethodGet, "/execute/worker-stats", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	require.NoError(t, handler(c))
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.False(t, called)

	// Admin caller
	req = httptest.NewRequest(http.MethodGet, "/execute/worker-stats", nil)
	req.Header.Set("X-Admin", "true")
	rec = httptest.NewRecorder()
	c = e.NewContext(req, rec)
	wrapped := middleware.ExtractIdentity(&middleware.HeaderAuthProvider{})(handler)
	require.NoError(t, wrapped(c))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, called)
}

func TestReloadWorker(t *testing.T) {
	h, store := testHandler(t)
	publish(store, "api6", "reload/me", true, linearFlow)

	// Warm the worker
	rec := dispatch(h, http.MethodGet, "reload/me", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	e := echo.New()
	req := httptest.NewRequest(http.MethodPost, "/execute/worker/api6/reload", nil)
	rr := httptest.NewRecorder()
	c := e.NewContext(req, rr)
	c.SetParamNames("api_id")
	c.SetParamValues("api6")
	require.NoError(t, h.ReloadWorker(c))

	var body map[string]any
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	assert.Equal(t, true, body["removed"])
}
