package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/swarmd/internal/lane"
	"github.com/fyrsmithlabs/swarmd/internal/logging"
	"github.com/fyrsmithlabs/swarmd/internal/store"
)

const instrumentationName = "github.com/fyrsmithlabs/swarmd/internal/executor"

// Config configures the worker and verifier executors.
type Config struct {
	// MaxWorkerTurns bounds the tool-call loop per attempt.
	MaxWorkerTurns int

	// CallTimeout bounds every external model and tool call. Expiry is
	// an ExecutionError, never a silent hang.
	CallTimeout time.Duration

	// Retry governs transport-failure retries per external call.
	Retry RetryConfig
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		MaxWorkerTurns: 20,
		CallTimeout:    120 * time.Second,
		Retry:          DefaultRetryConfig(),
	}
}

// WorkerResult is the outcome of one worker attempt.
type WorkerResult struct {
	// Output is the model's final text for the attempt.
	Output string

	// FilesTouched lists the file paths the attempt's tool calls touched,
	// in first-touch order. Empty means no usable change set.
	FilesTouched []string
}

// Worker drives one lane's code-generation step.
type Worker struct {
	config Config
	models ModelClient
	tools  ToolRunner
	store  *store.Store
	logger *zap.Logger

	tracer         trace.Tracer
	meter          metric.Meter
	modelCalls     metric.Int64Counter
	toolCallsTotal metric.Int64Counter

	mu     sync.Mutex
	active map[string]struct{}
}

// NewWorker creates a worker executor.
func NewWorker(cfg Config, models ModelClient, tools ToolRunner, st *store.Store, logger *zap.Logger) (*Worker, error) {
	if models == nil {
		return nil, fmt.Errorf("model client is required")
	}
	if tools == nil {
		return nil, fmt.Errorf("tool runner is required")
	}
	if st == nil {
		return nil, fmt.Errorf("store is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.MaxWorkerTurns == 0 {
		cfg = DefaultConfig()
	}

	w := &Worker{
		config: cfg,
		models: models,
		tools:  tools,
		store:  st,
		logger: logger.Named("worker"),
		tracer: otel.Tracer(instrumentationName),
		meter:  otel.Meter(instrumentationName),
		active: make(map[string]struct{}),
	}
	w.initMetrics()
	return w, nil
}

func (w *Worker) initMetrics() {
	var err error
	w.modelCalls, err = w.meter.Int64Counter(
		"swarmd.executor.model_calls_total",
		metric.WithDescription("Model invocations, labeled by role (worker, verifier, planner)."),
		metric.WithUnit("{call}"),
	)
	if err != nil {
		w.logger.Warn("failed to create model calls counter", zap.Error(err))
	}
	w.toolCallsTotal, err = w.meter.Int64Counter(
		"swarmd.executor.tool_calls_total",
		metric.WithDescription("Tool executions relayed to the tool runner, labeled by tool name."),
		metric.WithUnit("{call}"),
	)
	if err != nil {
		w.logger.Warn("failed to create tool calls counter", zap.Error(err))
	}
}

// workerTools is the tool surface offered to the worker model. The calls
// themselves are relayed verbatim to the external tool runner.
var workerTools = []Tool{
	{
		Name:        "read_file",
		Description: "Read the contents of a file at the given path.",
		InputSchema: map[string]interface{}{
			"type":       "object",
			"properties": map[string]interface{}{"path": map[string]interface{}{"type": "string"}},
			"required":   []string{"path"},
		},
	},
	{
		Name:        "write_file",
		Description: "Create or overwrite a file at the given path with the given content.",
		InputSchema: map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"path":    map[string]interface{}{"type": "string"},
				"content": map[string]interface{}{"type": "string"},
			},
			"required": []string{"path", "content"},
		},
	},
	{
		Name:        "run_command",
		Description: "Run a shell command in the workspace and return its output.",
		InputSchema: map[string]interface{}{
			"type":       "object",
			"properties": map[string]interface{}{"command": map[string]interface{}{"type": "string"}},
			"required":   []string{"command"},
		},
	},
}

// Run executes one worker attempt for the lane. At most one invocation per
// lane is active at any time; a concurrent call returns ErrWorkerActive.
func (w *Worker) Run(ctx context.Context, l *lane.Lane, workspaceContext string) (*WorkerResult, error) {
	if err := w.acquire(l.ID); err != nil {
		return nil, err
	}
	defer w.release(l.ID)

	ctx = logging.WithLaneID(ctx, l.ID)
	ctx, span := w.tracer.Start(ctx, "worker.run", trace.WithAttributes(
		attribute.String("lane.id", l.ID),
		attribute.String("manifest.id", l.ManifestID),
	))
	defer span.End()

	messages := []Message{{Role: "user", Content: buildWorkerPrompt(l.Spec, workspaceContext)}}
	result := &WorkerResult{}
	seen := make(map[string]struct{})

	for turn := 0; turn < w.config.MaxWorkerTurns; turn++ {
		mt, err := w.invokeModel(ctx, l.WorkerModelID, messages, workerTools, "worker")
		if err != nil {
			span.SetStatus(codes.Error, err.Error())
			return nil, err
		}
		if mt.Cost > 0 {
			_ = w.store.AddCost(l.ID, mt.Cost)
		}

		if len(mt.ToolCalls) == 0 {
			result.Output = mt.Text
			span.SetAttributes(attribute.Int("worker.files_touched", len(result.FilesTouched)))
			return result, nil
		}

		if mt.Text != "" {
			messages = append(messages, Message{Role: "assistant", Content: mt.Text})
		}

		for _, call := range mt.ToolCalls {
			res, err := w.executeTool(ctx, call)
			if err != nil {
				span.SetStatus(codes.Error, err.Error())
				return nil, err
			}

			if path, ok := call.Input["path"].(string); ok && path != "" {
				if _, dup := seen[path]; !dup {
					seen[path] = struct{}{}
					result.FilesTouched = append(result.FilesTouched, path)
				}
				_ = w.store.AppendFilesTouched(l.ID, path)
			}

			messages = append(messages, Message{
				Role:    "user",
				Content: formatToolResult(call, res),
			})
		}
	}

	// Turn budget exhausted without a final answer.
	err := NewExecutionError("model_call", fmt.Errorf("worker exceeded %d turns", w.config.MaxWorkerTurns))
	span.SetStatus(codes.Error, err.Error())
	return nil, err
}

// invokeModel calls the model collaborator with timeout and retry.
func (w *Worker) invokeModel(ctx context.Context, modelID string, messages []Message, tools []Tool, role string) (*ModelTurn, error) {
	var mt *ModelTurn
	err := retry(ctx, w.config.Retry, func(ctx context.Context) error {
		callCtx, cancel := context.WithTimeout(ctx, w.config.CallTimeout)
		defer cancel()

		var err error
		if tools == nil {
			mt, err = w.models.Invoke(callCtx, modelID, messages)
		} else {
			mt, err = w.models.InvokeWithTools(callCtx, modelID, messages, tools)
		}
		return err
	})

	if w.modelCalls != nil {
		w.modelCalls.Add(ctx, 1, metric.WithAttributes(attribute.String("role", role)))
	}
	if err != nil {
		return nil, NewExecutionError("model_call", err)
	}
	return mt, nil
}

// executeTool relays one call to the tool runner with timeout and retry.
func (w *Worker) executeTool(ctx context.Context, call ToolCall) (*ToolResult, error) {
	var res *ToolResult
	err := retry(ctx, w.config.Retry, func(ctx context.Context) error {
		callCtx, cancel := context.WithTimeout(ctx, w.config.CallTimeout)
		defer cancel()

		var err error
		res, err = w.tools.Execute(callCtx, call)
		return err
	})

	if w.toolCallsTotal != nil {
		w.toolCallsTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("tool", call.Name)))
	}
	if err != nil {
		return nil, NewExecutionError("tool_call", err)
	}
	return res, nil
}

func (w *Worker) acquire(laneID string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, busy := w.active[laneID]; busy {
		return fmt.Errorf("%w: %s", ErrWorkerActive, laneID)
	}
	w.active[laneID] = struct{}{}
	return nil
}

func (w *Worker) release(laneID string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.active, laneID)
}

// buildWorkerPrompt renders the work order deterministically from the lane
// spec and the caller-supplied workspace context.
func buildWorkerPrompt(spec lane.Spec, workspaceContext string) string {
	var b strings.Builder
	b.WriteString("You are implementing one isolated subtask.\n\n")
	b.WriteString("## Task\n")
	b.WriteString(spec.Title)
	b.WriteString("\n\n")
	b.WriteString(spec.Description)
	b.WriteString("\n")

	if len(spec.AcceptanceCriteria) > 0 {
		b.WriteString("\n## Acceptance criteria\n")
		for _, c := range spec.AcceptanceCriteria {
			b.WriteString("- ")
			b.WriteString(c)
			b.WriteString("\n")
		}
	}

	if workspaceContext != "" {
		b.WriteString("\n## Workspace context\n")
		b.WriteString(workspaceContext)
		b.WriteString("\n")
	}

	b.WriteString("\nUse the available tools to make your changes. ")
	b.WriteString("When you are done, reply without tool calls summarizing what you changed.")
	return b.String()
}

// formatToolResult renders a tool outcome for the next model turn.
func formatToolResult(call ToolCall, res *ToolResult) string {
	payload := map[string]interface{}{
		"tool":    call.Name,
		"success": res.Success,
	}
	if res.Output != "" {
		payload["output"] = res.Output
	}
	if res.Error != "" {
		payload["error"] = res.Error
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Sprintf("tool %s: success=%v", call.Name, res.Success)
	}
	return string(data)
}
