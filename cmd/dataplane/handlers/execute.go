package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/maxdp/dataplane/cmd/dataplane/execlog"
	"github.com/maxdp/dataplane/cmd/dataplane/flowerr"
	"github.com/maxdp/dataplane/cmd/dataplane/middleware"
	"github.com/maxdp/dataplane/cmd/dataplane/models"
	"github.com/maxdp/dataplane/cmd/dataplane/nodes"
	"github.com/maxdp/dataplane/cmd/dataplane/repository"
	"github.com/maxdp/dataplane/cmd/dataplane/table"
	"github.com/maxdp/dataplane/cmd/dataplane/worker"
	"github.com/maxdp/dataplane/common/logger"
	"github.com/maxdp/dataplane/common/metrics"
)

// ExecuteHandler serves the public dispatch surface: health, worker
// administration, and the catch-all flow execution route.
type ExecuteHandler struct {
	store   repository.PublishedAPIStore
	workers *worker.Manager
	deps    *nodes.Deps
	audit   *execlog.Publisher
	metrics *metrics.Metrics
	log     *logger.Logger
}

// NewExecuteHandler creates the dispatch handler. audit and metrics may
// be nil.
func NewExecuteHandler(store repository.PublishedAPIStore, workers *worker.Manager, deps *nodes.Deps, audit *execlog.Publisher, m *metrics.Metrics, log *logger.Logger) *ExecuteHandler {
	return &ExecuteHandler{
		store:   store,
		workers: workers,
		deps:    deps,
		audit:   audit,
		metrics: m,
		log:     log,
	}
}

// Health reports liveness
// GET /execute/health
func (h *ExecuteHandler) Health(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]interface{}{
		"status":    "healthy",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

// WorkerStats returns manager and per-entry statistics
// GET /execute/worker-stats (admin only)
func (h *ExecuteHandler) WorkerStats(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]interface{}{
		"manager_stats": h.workers.ManagerStats(),
		"workers":       h.workers.AllInfo(),
		"timestamp":     time.Now().UTC().Format(time.RFC3339),
	})
}

// ReloadWorker evicts a cached worker so the next dispatch rebuilds it
// POST /execute/worker/:api_id/reload (admin only)
func (h *ExecuteHandler) ReloadWorker(c echo.Context) error {
	apiID := c.Param("api_id")
	removed := h.workers.ForceRemove(apiID)

	message := fmt.Sprintf("worker %s removed, will rebuild on next request", apiID)
	if !removed {
		message = fmt.Sprintf("no cached worker for %s", apiID)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"message": message,
		"removed": removed,
	})
}

// Dispatch executes the published flow behind the requested path
// ANY /execute/*
func (h *ExecuteHandler) Dispatch(c echo.Context) error {
	start := time.Now()
	executionID := fmt.Sprintf("exec_%d", time.Now().UnixMicro())
	endpointPath := c.Param("*")
	ctx := c.Request().Context()

	log := h.log.WithExecutionID(executionID)

	api, err := h.store.FindByPath(ctx, endpointPath)
	if errors.Is(err, repository.ErrNotFound) {
		return h.fail(c, start, executionID, endpointPath, "", http.StatusNotFound,
			"not_found", fmt.Sprintf("no published API at path %q", endpointPath))
	}
	if err != nil {
		log.Error("store lookup failed", "path", endpointPath, "error", err.Error())
		return h.fail(c, start, executionID, endpointPath, "", http.StatusInternalServerError,
			"internal_error", "failed to resolve endpoint")
	}
	if !api.IsActive {
		return h.fail(c, start, executionID, endpointPath, api.ID, http.StatusForbidden,
			"endpoint_inactive", fmt.Sprintf("API %q is not active", api.APIName))
	}

	inputData, err := parseInputs(c)
	if err != nil {
		return h.fail(c, start, executionID, endpointPath, api.ID, http.StatusBadRequest,
			"bad_input", err.Error())
	}
	userCtx := buildUserContext(c)

	exec, err := h.workers.Acquire(ctx, api)
	if err != nil {
		log.Error("worker acquire failed", "api_id", api.ID, "error", err.Error())
		return h.fail(c, start, executionID, endpointPath, api.ID, http.StatusInternalServerError,
			"worker_build_failed", "failed to prepare executor for this endpoint")
	}

	reqDeps := h.requestDeps(log)
	result, err := exec.Invoke(ctx, inputData, executionID, userCtx, reqDeps)
	elapsed := time.Since(start)
	h.workers.Release(api.ID, elapsed)

	if err != nil {
		return h.failExecution(c, start, executionID, endpointPath, api, err)
	}

	h.observe(endpointPath, "success", elapsed)
	h.audit.Publish(execlog.Record{
		ExecutionID: executionID,
		APIID:       api.ID,
		Endpoint:    endpointPath,
		Status:      "success",
		DurationMS:  elapsed.Milliseconds(),
	})
	log.Info("dispatch succeeded",
		"api_id", api.ID, "endpoint", endpointPath, "duration_ms", elapsed.Milliseconds())

	setDispatchHeaders(c, executionID, elapsed, api)
	return c.JSON(http.StatusOK, map[string]interface{}{
		"success": true,
		"api_info": map[string]interface{}{
			"endpoint": api.EndpointPath,
			"version":  api.Version,
			"name":     api.APIName,
		},
		"execution_timestamp": time.Now().UTC().Format(time.RFC3339),
		"result":              shapeResult(result),
	})
}

// requestDeps clones the baseline collaborators with an execution-scoped
// logger. The database handle is the shared pool; never cached inside
// executors.
func (h *ExecuteHandler) requestDeps(log *logger.Logger) *nodes.Deps {
	d := *h.deps
	d.Log = log
	return &d
}

// failExecution maps an invoke error to the right status code
func (h *ExecuteHandler) failExecution(c echo.Context, start time.Time, executionID, endpointPath string, api *models.PublishedAPI, err error) error {
	status := http.StatusInternalServerError
	kind := "execution_failed"

	var pe *flowerr.PermissionError
	var ne *flowerr.NodeError
	switch {
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		status = http.StatusGatewayTimeout
		kind = "execution_timeout"
	case errors.As(err, &pe):
		status = http.StatusForbidden
		kind = "permission_denied"
	case errors.As(err, &ne):
		kind = "node_error"
		if h.metrics != nil {
			h.metrics.NodeErrors.WithLabelValues(ne.NodeType).Inc()
		}
	}

	h.log.WithExecutionID(executionID).Error("dispatch failed",
		"api_id", api.ID, "endpoint", endpointPath, "error", err.Error(),
		"duration_ms", time.Since(start).Milliseconds())

	return h.fail(c, start, executionID, endpointPath, api.ID, status, kind, err.Error())
}

// fail writes the uniform error body and records the outcome
func (h *ExecuteHandler) fail(c echo.Context, start time.Time, executionID, endpointPath, apiID string, status int, kind, message string) error {
	elapsed := time.Since(start)
	h.observe(endpointPath, fmt.Sprintf("%d", status), elapsed)
	h.audit.Publish(execlog.Record{
		ExecutionID: executionID,
		APIID:       apiID,
		Endpoint:    endpointPath,
		Status:      "error",
		DurationMS:  elapsed.Milliseconds(),
	})

	c.Response().Header().Set("X-Execution-ID", executionID)
	return c.JSON(status, map[string]interface{}{
		"error":          kind,
		"message":        message,
		"execution_id":   executionID,
		"execution_time": elapsed.Seconds(),
	})
}

func (h *ExecuteHandler) observe(endpoint, status string, elapsed time.Duration) {
	if h.metrics == nil {
		return
	}
	h.metrics.DispatchTotal.WithLabelValues(endpoint, status).Inc()
	h.metrics.DispatchDuration.WithLabelValues(endpoint).Observe(elapsed.Seconds())
}

func setDispatchHeaders(c echo.Context, executionID string, elapsed time.Duration, api *models.PublishedAPI) {
	header := c.Response().Header()
	header.Set("X-Execution-ID", executionID)
	header.Set("X-Execution-Time", fmt.Sprintf("%.3f", elapsed.Seconds()))
	header.Set("X-API-Version", fmt.Sprintf("%d", api.Version))
}

// parseInputs merges query parameters and the decoded request body into a
// single input map, tagging it with request metadata.
func parseInputs(c echo.Context) (map[string]any, error) {
	input := make(map[string]any)

	for key, values := range c.QueryParams() {
		if len(values) == 1 {
			input[key] = values[0]
		} else {
			input[key] = values
		}
	}

	req := c.Request()
	contentType := req.Header.Get(echo.HeaderContentType)

	switch {
	case req.Body == nil || req.ContentLength == 0:
		// no body

	case strings.HasPrefix(contentType, echo.MIMEApplicationJSON):
		raw, err := io.ReadAll(req.Body)
		if err != nil {
			return nil, fmt.Errorf("read request body: %w", err)
		}
		if len(raw) > 0 {
			var decoded any
			if err := json.Unmarshal(raw, &decoded); err != nil {
				return nil, fmt.Errorf("invalid JSON body: %w", err)
			}
			if obj, ok := decoded.(map[string]any); ok {
				for k, v := range obj {
					input[k] = v
				}
			} else {
				input["body"] = decoded
			}
		}

	case strings.HasPrefix(contentType, echo.MIMEApplicationForm),
		strings.HasPrefix(contentType, echo.MIMEMultipartForm):
		form, err := c.FormParams()
		if err != nil {
			return nil, fmt.Errorf("parse form body: %w", err)
		}
		for key, values := range form {
			if len(values) == 1 {
				input[key] = values[0]
			} else {
				input[key] = values
			}
		}
	}

	input["_metadata"] = map[string]any{
		"method":     req.Method,
		"client_ip":  c.RealIP(),
		"user_agent": req.UserAgent(),
		"timestamp":  time.Now().UTC().Format(time.RFC3339),
	}
	return input, nil
}

// buildUserContext assembles the per-request caller context handed to nodes
func buildUserContext(c echo.Context) map[string]any {
	userCtx := map[string]any{
		"request_id": uuid.New().String(),
		"timestamp":  time.Now().UTC().Format(time.RFC3339),
		"client_ip":  c.RealIP(),
		"user_agent": c.Request().UserAgent(),
	}
	if identity := middleware.GetIdentity(c); identity != nil {
		userCtx["user_id"] = identity.UserID
		userCtx["username"] = identity.Username
		userCtx["workspace_id"] = identity.WorkspaceID
		userCtx["is_authenticated"] = true
	}
	return userCtx
}

// shapeResult serializes an invoke result per the dispatch contract:
// tables become {data, shape, columns, dtypes}, maps pass through with
// nested tables shaped, lists wrap in {data}, scalars stringify.
func shapeResult(result any) map[string]any {
	switch v := result.(type) {
	case *table.Table:
		if v == nil {
			return map[string]any{"result": "null"}
		}
		return map[string]any{
			"data":    v.Records(),
			"shape":   []int{v.NumRows(), v.NumCols()},
			"columns": v.ColumnNames(),
			"dtypes":  v.DTypes(),
		}
	case map[string]any:
		shaped := make(map[string]any, len(v))
		for k, item := range v {
			if t, ok := item.(*table.Table); ok {
				shaped[k] = shapeResult(t)
			} else {
				shaped[k] = item
			}
		}
		return shaped
	case []any:
		return map[string]any{"data": v}
	case nil:
		return map[string]any{"result": "null"}
	default:
		return map[string]any{"result": fmt.Sprintf("%v", v)}
	}
}
