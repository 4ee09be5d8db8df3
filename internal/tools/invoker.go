// Package tools resolves named capabilities and executes them with a
// bounded time budget, recording every invocation durably.
package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/time/rate"

	"github.com/haasonsaas/relay/internal/config"
	"github.com/haasonsaas/relay/internal/observability"
	"github.com/haasonsaas/relay/internal/storage"
	"github.com/haasonsaas/relay/pkg/models"
)

var (
	// ErrToolNotFound covers unknown and inactive tools.
	ErrToolNotFound = errors.New("tools: tool not found")

	// ErrUnsupportedToolType means the definition's kind is not recognized.
	ErrUnsupportedToolType = errors.New("tools: unsupported tool kind")
)

// ExecutionError wraps a failure during an otherwise well-formed
// invocation: transport failure, non-2xx response, schema violation,
// rate limiting, or a sandbox error.
type ExecutionError struct {
	Tool string
	Err  error
}

func (e *ExecutionError) Error() string { return fmt.Sprintf("tool %s: %v", e.Tool, e.Err) }
func (e *ExecutionError) Unwrap() error { return e.Err }

// maxResponseBytes bounds how much of a tool response is kept.
const maxResponseBytes = 1 << 20

// Invoker executes tool definitions. Retries are the caller's concern;
// every Invoke call produces exactly one execution record.
type Invoker struct {
	tools      storage.ToolStore
	executions storage.ExecutionStore
	client     *http.Client
	sandboxCmd string
	sandboxTTL time.Duration
	logger     *observability.Logger
	metrics    *observability.Metrics
	tracer     *observability.Tracer

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	schemas  map[string]*jsonschema.Schema
}

// NewInvoker builds an Invoker. Metrics and tracer may be nil.
func NewInvoker(cfg config.ToolsConfig, tools storage.ToolStore, executions storage.ExecutionStore, logger *observability.Logger, metrics *observability.Metrics, tracer *observability.Tracer) *Invoker {
	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	sandboxTTL := cfg.SandboxTimeout
	if sandboxTTL <= 0 {
		sandboxTTL = 10 * time.Second
	}
	return &Invoker{
		tools:      tools,
		executions: executions,
		client:     &http.Client{Timeout: timeout},
		sandboxCmd: cfg.SandboxCommand,
		sandboxTTL: sandboxTTL,
		logger:     logger,
		metrics:    metrics,
		tracer:     tracer,
		limiters:   make(map[string]*rate.Limiter),
		schemas:    make(map[string]*jsonschema.Schema),
	}
}

// Invoke resolves toolName and executes it with params. The execution
// record transitions pending, running, then completed or failed; the
// record is finalized even when the invocation errors.
func (inv *Invoker) Invoke(ctx context.Context, sessionID, toolName string, params map[string]any) (string, error) {
	ctx, span := inv.tracer.Start(ctx, "tools.invoke",
		attribute.String("tool_name", toolName),
		attribute.String("session_id", sessionID))
	defer span.End()

	record := &models.ToolExecution{
		SessionID: sessionID,
		ToolName:  toolName,
		Input:     params,
		Status:    models.ExecutionPending,
	}
	if err := inv.executions.Create(ctx, record); err != nil {
		err = &ExecutionError{Tool: toolName, Err: fmt.Errorf("create execution record: %w", err)}
		observability.RecordError(span, err)
		return "", err
	}
	start := time.Now()

	result, err := inv.run(ctx, record, sessionID, toolName, params)
	inv.finalize(ctx, record, start, result, err)
	if err != nil {
		observability.RecordError(span, err)
		return "", err
	}
	return result, nil
}

func (inv *Invoker) run(ctx context.Context, record *models.ToolExecution, sessionID, toolName string, params map[string]any) (string, error) {
	tool, err := inv.tools.Get(ctx, toolName)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return "", fmt.Errorf("%w: %s", ErrToolNotFound, toolName)
		}
		return "", &ExecutionError{Tool: toolName, Err: err}
	}
	if !tool.Active {
		return "", fmt.Errorf("%w: %s is inactive", ErrToolNotFound, toolName)
	}

	if !inv.allow(tool) {
		return "", &ExecutionError{Tool: toolName, Err: errors.New("rate limit exceeded")}
	}

	params = withSessionParam(tool, sessionID, params)
	record.Input = params

	if err := inv.validateParams(tool, params); err != nil {
		return "", &ExecutionError{Tool: toolName, Err: err}
	}

	record.Status = models.ExecutionRunning
	if err := inv.executions.Update(ctx, record); err != nil && inv.logger != nil {
		inv.logger.Warn(ctx, "execution record update failed",
			"tool_name", toolName,
			"error", err.Error())
	}

	switch tool.Kind {
	case models.ToolKindHTTP:
		return inv.executeHTTP(ctx, tool, params)
	case models.ToolKindFunction:
		return inv.executeFunction(ctx, tool, params)
	default:
		return "", fmt.Errorf("%w: %q", ErrUnsupportedToolType, tool.Kind)
	}
}

func (inv *Invoker) finalize(ctx context.Context, record *models.ToolExecution, start time.Time, result string, invokeErr error) {
	now := time.Now()
	record.Duration = now.Sub(start)
	record.CompletedAt = &now
	if invokeErr != nil {
		record.Status = models.ExecutionFailed
		record.Error = invokeErr.Error()
	} else {
		record.Status = models.ExecutionCompleted
		record.Output = result
	}

	if err := inv.executions.Update(ctx, record); err != nil && inv.logger != nil {
		inv.logger.Error(ctx, "execution record finalize failed",
			"tool_name", record.ToolName,
			"error", err.Error())
	}
	if inv.metrics != nil {
		inv.metrics.ToolExecutionCounter.WithLabelValues(record.ToolName, string(record.Status)).Inc()
		inv.metrics.ToolExecutionDuration.WithLabelValues(record.ToolName).Observe(record.Duration.Seconds())
	}
}

// allow applies the tool's per-minute rate limit.
func (inv *Invoker) allow(tool *models.ToolDefinition) bool {
	if tool.RateLimit <= 0 {
		return true
	}
	inv.mu.Lock()
	limiter, ok := inv.limiters[tool.Name]
	if !ok {
		limiter = rate.NewLimiter(rate.Limit(float64(tool.RateLimit)/60.0), tool.RateLimit)
		inv.limiters[tool.Name] = limiter
	}
	inv.mu.Unlock()
	return limiter.Allow()
}

// withSessionParam injects the session id when the tool declares it and
// the caller did not supply one. The input map is never mutated.
func withSessionParam(tool *models.ToolDefinition, sessionID string, params map[string]any) map[string]any {
	out := make(map[string]any, len(params)+1)
	for k, v := range params {
		out[k] = v
	}
	if tool.ExpectsSessionParam() {
		if _, ok := out[models.SessionParam]; !ok {
			out[models.SessionParam] = sessionID
		}
	}
	return out
}

func (inv *Invoker) validateParams(tool *models.ToolDefinition, params map[string]any) error {
	if len(tool.Schema) == 0 {
		return nil
	}

	inv.mu.Lock()
	schema, ok := inv.schemas[tool.Name]
	inv.mu.Unlock()
	if !ok {
		compiled, err := jsonschema.CompileString(tool.Name+".schema.json", string(tool.Schema))
		if err != nil {
			return fmt.Errorf("invalid tool schema: %w", err)
		}
		inv.mu.Lock()
		inv.schemas[tool.Name] = compiled
		inv.mu.Unlock()
		schema = compiled
	}

	if err := schema.Validate(params); err != nil {
		return fmt.Errorf("parameter validation failed: %w", err)
	}
	return nil
}

// executeHTTP resolves {param} placeholders in the URL template, binds
// declared query parameters to the query string and declared body
// parameters to a JSON body, and requires a 2xx response.
func (inv *Invoker) executeHTTP(ctx context.Context, tool *models.ToolDefinition, params map[string]any) (string, error) {
	endpoint, consumed := expandTemplate(tool.URLTemplate, params)

	parsed, err := url.Parse(endpoint)
	if err != nil {
		return "", &ExecutionError{Tool: tool.Name, Err: fmt.Errorf("invalid endpoint: %w", err)}
	}

	query := parsed.Query()
	for _, name := range tool.QueryParams {
		if consumed[name] {
			continue
		}
		if value, ok := params[name]; ok {
			query.Set(name, stringify(value))
		}
	}
	parsed.RawQuery = query.Encode()

	method := strings.ToUpper(tool.Method)
	if method == "" {
		method = http.MethodGet
	}

	var body io.Reader
	if method != http.MethodGet && len(tool.BodyParams) > 0 {
		payload := make(map[string]any)
		for _, name := range tool.BodyParams {
			if consumed[name] {
				continue
			}
			if value, ok := params[name]; ok {
				payload[name] = value
			}
		}
		encoded, err := json.Marshal(payload)
		if err != nil {
			return "", &ExecutionError{Tool: tool.Name, Err: fmt.Errorf("encode body: %w", err)}
		}
		body = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, parsed.String(), body)
	if err != nil {
		return "", &ExecutionError{Tool: tool.Name, Err: err}
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := inv.client.Do(req)
	if err != nil {
		return "", &ExecutionError{Tool: tool.Name, Err: err}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return "", &ExecutionError{Tool: tool.Name, Err: fmt.Errorf("read response: %w", err)}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", &ExecutionError{Tool: tool.Name, Err: fmt.Errorf("status %d: %s", resp.StatusCode, truncate(string(data), 200))}
	}
	return string(data), nil
}

// sandboxRequest is the wire contract with the sandbox process: JSON in
// on stdin, result out on stdout, no shared state between invocations.
type sandboxRequest struct {
	Expression string         `json:"expression"`
	Parameters map[string]any `json:"parameters"`
}

func (inv *Invoker) executeFunction(ctx context.Context, tool *models.ToolDefinition, params map[string]any) (string, error) {
	if inv.sandboxCmd == "" {
		return "", &ExecutionError{Tool: tool.Name, Err: errors.New("sandbox command not configured")}
	}

	input, err := json.Marshal(sandboxRequest{Expression: tool.Expression, Parameters: params})
	if err != nil {
		return "", &ExecutionError{Tool: tool.Name, Err: err}
	}

	ctx, cancel := context.WithTimeout(ctx, inv.sandboxTTL)
	defer cancel()

	parts := strings.Fields(inv.sandboxCmd)
	cmd := exec.CommandContext(ctx, parts[0], parts[1:]...)
	cmd.Stdin = bytes.NewReader(input)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		detail := strings.TrimSpace(stderr.String())
		if detail == "" {
			detail = err.Error()
		}
		return "", &ExecutionError{Tool: tool.Name, Err: fmt.Errorf("sandbox: %s", detail)}
	}
	return strings.TrimSpace(stdout.String()), nil
}

// expandTemplate substitutes {param} placeholders and reports which
// parameters were consumed by the path.
func expandTemplate(template string, params map[string]any) (string, map[string]bool) {
	consumed := make(map[string]bool)
	result := template
	for name, value := range params {
		placeholder := "{" + name + "}"
		if strings.Contains(result, placeholder) {
			result = strings.ReplaceAll(result, placeholder, url.PathEscape(stringify(value)))
			consumed[name] = true
		}
	}
	return result, consumed
}

func stringify(value any) string {
	switch v := value.(type) {
	case string:
		return v
	case fmt.Stringer:
		return v.String()
	default:
		return fmt.Sprintf("%v", v)
	}
}

func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	return s[:limit]
}
