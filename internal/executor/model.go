package executor

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/time/rate"
)

// Message represents one conversation message.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Tool describes a tool offered to the model.
type Tool struct {
	Name        string      `json:"name"`
	Description string      `json:"description"`
	InputSchema interface{} `json:"input_schema"`
}

// ToolCall is a tool invocation requested by the model.
type ToolCall struct {
	ID    string                 `json:"id"`
	Name  string                 `json:"name"`
	Input map[string]interface{} `json:"input"`
}

// ToolResult is the outcome of one tool execution.
type ToolResult struct {
	Success bool   `json:"success"`
	Output  string `json:"output,omitempty"`
	Error   string `json:"error,omitempty"`
}

// ModelTurn is one model response: text, any tool-call requests, and the
// cost the collaborator attributes to the call.
type ModelTurn struct {
	Text       string     `json:"text"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	StopReason string     `json:"stop_reason,omitempty"`
	Cost       float64    `json:"cost"`
}

// ModelClient abstracts the external model-call collaborator. It is
// treated as opaque and replaceable.
type ModelClient interface {
	// Invoke sends messages without tools and returns the model's turn.
	Invoke(ctx context.Context, modelID string, messages []Message) (*ModelTurn, error)

	// InvokeWithTools additionally offers tools the model may call.
	InvokeWithTools(ctx context.Context, modelID string, messages []Message, tools []Tool) (*ModelTurn, error)
}

// InvokeModel calls the client with a bounded per-call timeout and the
// given retry policy. Timeout expiry and exhausted retries surface as an
// ExecutionError, never a silent hang.
func InvokeModel(ctx context.Context, timeout time.Duration, rc RetryConfig, client ModelClient, modelID string, messages []Message) (*ModelTurn, error) {
	if timeout <= 0 {
		timeout = DefaultConfig().CallTimeout
	}
	var mt *ModelTurn
	err := retry(ctx, rc, func(ctx context.Context) error {
		callCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()

		var err error
		mt, err = client.Invoke(callCtx, modelID, messages)
		return err
	})
	if err != nil {
		return nil, NewExecutionError("model_call", err)
	}
	return mt, nil
}

// ToolRunner abstracts the external tool-execution collaborator for file
// edits, command execution, and reads.
type ToolRunner interface {
	Execute(ctx context.Context, call ToolCall) (*ToolResult, error)
}

// rateLimitedClient throttles model invocations with a token bucket.
type rateLimitedClient struct {
	inner   ModelClient
	limiter *rate.Limiter
}

// NewRateLimitedClient wraps a ModelClient with a rate limiter. Waiting
// for a token respects context cancellation.
func NewRateLimitedClient(inner ModelClient, rps float64, burst int) ModelClient {
	return &rateLimitedClient{
		inner:   inner,
		limiter: rate.NewLimiter(rate.Limit(rps), burst),
	}
}

func (c *rateLimitedClient) Invoke(ctx context.Context, modelID string, messages []Message) (*ModelTurn, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limiter: %w", err)
	}
	return c.inner.Invoke(ctx, modelID, messages)
}

func (c *rateLimitedClient) InvokeWithTools(ctx context.Context, modelID string, messages []Message, tools []Tool) (*ModelTurn, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limiter: %w", err)
	}
	return c.inner.InvokeWithTools(ctx, modelID, messages, tools)
}
