package executor

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/schema"
)

// LangchainClient adapts a langchaingo model to the ModelClient interface.
// The model id is passed per call, so one client serves the planner,
// worker, and verifier roles against the same provider.
type LangchainClient struct {
	model llms.Model

	// costPer1KTokens prices a call from the provider's token counts.
	// Zero disables cost attribution.
	costPer1KTokens float64
}

// NewLangchainClient wraps a langchaingo model.
func NewLangchainClient(model llms.Model, costPer1KTokens float64) (*LangchainClient, error) {
	if model == nil {
		return nil, fmt.Errorf("model is required")
	}
	return &LangchainClient{model: model, costPer1KTokens: costPer1KTokens}, nil
}

func (c *LangchainClient) Invoke(ctx context.Context, modelID string, messages []Message) (*ModelTurn, error) {
	resp, err := c.model.GenerateContent(ctx, convertMessages(messages), llms.WithModel(modelID))
	if err != nil {
		return nil, fmt.Errorf("generate content: %w", err)
	}
	return c.turnFromResponse(resp)
}

func (c *LangchainClient) InvokeWithTools(ctx context.Context, modelID string, messages []Message, tools []Tool) (*ModelTurn, error) {
	resp, err := c.model.GenerateContent(ctx, convertMessages(messages),
		llms.WithModel(modelID),
		llms.WithFunctions(convertTools(tools)),
	)
	if err != nil {
		return nil, fmt.Errorf("generate content: %w", err)
	}
	return c.turnFromResponse(resp)
}

func (c *LangchainClient) turnFromResponse(resp *llms.ContentResponse) (*ModelTurn, error) {
	if resp == nil || len(resp.Choices) == 0 {
		return nil, fmt.Errorf("model returned no choices")
	}
	choice := resp.Choices[0]

	turn := &ModelTurn{
		Text:       choice.Content,
		StopReason: choice.StopReason,
		Cost:       c.costFrom(choice.GenerationInfo),
	}

	if choice.FuncCall != nil {
		input := map[string]interface{}{}
		if choice.FuncCall.Arguments != "" {
			if err := json.Unmarshal([]byte(choice.FuncCall.Arguments), &input); err != nil {
				return nil, fmt.Errorf("decode tool arguments for %s: %w", choice.FuncCall.Name, err)
			}
		}
		turn.ToolCalls = []ToolCall{{
			ID:    uuid.NewString(),
			Name:  choice.FuncCall.Name,
			Input: input,
		}}
	}
	return turn, nil
}

func (c *LangchainClient) costFrom(info map[string]any) float64 {
	if c.costPer1KTokens <= 0 {
		return 0
	}
	total, ok := info["TotalTokens"].(int)
	if !ok {
		return 0
	}
	return float64(total) / 1000 * c.costPer1KTokens
}

func convertMessages(messages []Message) []llms.MessageContent {
	out := make([]llms.MessageContent, 0, len(messages))
	for _, m := range messages {
		role := schema.ChatMessageTypeGeneric
		switch m.Role {
		case "user":
			role = schema.ChatMessageTypeHuman
		case "assistant":
			role = schema.ChatMessageTypeAI
		case "system":
			role = schema.ChatMessageTypeSystem
		}
		out = append(out, llms.TextParts(role, m.Content))
	}
	return out
}

func convertTools(tools []Tool) []llms.FunctionDefinition {
	out := make([]llms.FunctionDefinition, 0, len(tools))
	for _, t := range tools {
		out = append(out, llms.FunctionDefinition{
			Name:        t.Name,
			Description: t.Description,
			Parameters:  t.InputSchema,
		})
	}
	return out
}
