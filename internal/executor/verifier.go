package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

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

// readOnlyTools is the tool surface offered to the verifier model. The
// verification gate is strictly read-only; anything else is rejected.
var readOnlyTools = []Tool{
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
		Name:        "list_files",
		Description: "List files under the given directory path.",
		InputSchema: map[string]interface{}{
			"type":       "object",
			"properties": map[string]interface{}{"path": map[string]interface{}{"type": "string"}},
			"required":   []string{"path"},
		},
	},
}

func isReadOnlyTool(name string) bool {
	for _, t := range readOnlyTools {
		if t.Name == name {
			return true
		}
	}
	return false
}

// Verifier drives one lane's verification step.
type Verifier struct {
	config Config
	models ModelClient
	tools  ToolRunner
	store  *store.Store
	logger *zap.Logger

	tracer   trace.Tracer
	meter    metric.Meter
	verdicts metric.Int64Counter
}

// NewVerifier creates a verifier executor.
func NewVerifier(cfg Config, models ModelClient, tools ToolRunner, st *store.Store, logger *zap.Logger) (*Verifier, error) {
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

	v := &Verifier{
		config: cfg,
		models: models,
		tools:  tools,
		store:  st,
		logger: logger.Named("verifier"),
		tracer: otel.Tracer(instrumentationName),
		meter:  otel.Meter(instrumentationName),
	}
	v.initMetrics()
	return v, nil
}

func (v *Verifier) initMetrics() {
	var err error
	v.verdicts, err = v.meter.Int64Counter(
		"swarmd.executor.verdicts_total",
		metric.WithDescription("Verification verdicts, labeled pass or fail."),
		metric.WithUnit("{verdict}"),
	)
	if err != nil {
		v.logger.Warn("failed to create verdicts counter", zap.Error(err))
	}
}

// Verify judges one lane's change set against its acceptance criteria and
// the fixed checklist. It returns a binary verdict with findings; it never
// proposes a fix. A mutating tool request from the model is refused and
// recorded as a finding rather than executed.
func (v *Verifier) Verify(ctx context.Context, l *lane.Lane, workerOutput string, plan string) (*lane.VerifierReport, error) {
	ctx = logging.WithLaneID(ctx, l.ID)
	ctx, span := v.tracer.Start(ctx, "verifier.verify", trace.WithAttributes(
		attribute.String("lane.id", l.ID),
		attribute.String("manifest.id", l.ManifestID),
	))
	defer span.End()

	messages := []Message{{Role: "user", Content: buildVerifierPrompt(l, workerOutput, plan)}}
	var refusals []lane.Finding

	for turn := 0; turn < v.config.MaxWorkerTurns; turn++ {
		mt, err := v.invokeModel(ctx, l.VerifierModelID, messages)
		if err != nil {
			span.SetStatus(codes.Error, err.Error())
			return nil, err
		}
		if mt.Cost > 0 {
			_ = v.store.AddCost(l.ID, mt.Cost)
		}

		if len(mt.ToolCalls) == 0 {
			report, err := parseVerifierReport(mt.Text)
			if err != nil {
				span.SetStatus(codes.Error, err.Error())
				return nil, NewExecutionError("model_call", err)
			}
			report.Findings = append(report.Findings, refusals...)
			if v.verdicts != nil {
				v.verdicts.Add(ctx, 1, metric.WithAttributes(attribute.String("verdict", string(report.Verdict))))
			}
			span.SetAttributes(attribute.String("verifier.verdict", string(report.Verdict)))
			return report, nil
		}

		if mt.Text != "" {
			messages = append(messages, Message{Role: "assistant", Content: mt.Text})
		}

		for _, call := range mt.ToolCalls {
			if !isReadOnlyTool(call.Name) {
				v.logger.Warn("verifier requested mutating tool",
					zap.String("lane.id", l.ID),
					zap.String("tool", call.Name))
				refusals = append(refusals, lane.Finding{
					Category:    lane.FindingScopeCreep,
					Severity:    lane.SeverityWarning,
					Description: fmt.Sprintf("verifier requested non-read-only tool %q; refused", call.Name),
				})
				messages = append(messages, Message{
					Role:    "user",
					Content: fmt.Sprintf(`{"tool":%q,"success":false,"error":"verification is read-only"}`, call.Name),
				})
				continue
			}

			res, err := v.executeTool(ctx, call)
			if err != nil {
				span.SetStatus(codes.Error, err.Error())
				return nil, err
			}
			messages = append(messages, Message{Role: "user", Content: formatToolResult(call, res)})
		}
	}

	err := NewExecutionError("model_call", fmt.Errorf("verifier exceeded %d turns", v.config.MaxWorkerTurns))
	span.SetStatus(codes.Error, err.Error())
	return nil, err
}

func (v *Verifier) invokeModel(ctx context.Context, modelID string, messages []Message) (*ModelTurn, error) {
	var mt *ModelTurn
	err := retry(ctx, v.config.Retry, func(ctx context.Context) error {
		callCtx, cancel := context.WithTimeout(ctx, v.config.CallTimeout)
		defer cancel()

		var err error
		mt, err = v.models.InvokeWithTools(callCtx, modelID, messages, readOnlyTools)
		return err
	})
	if err != nil {
		return nil, NewExecutionError("model_call", err)
	}
	return mt, nil
}

func (v *Verifier) executeTool(ctx context.Context, call ToolCall) (*ToolResult, error) {
	var res *ToolResult
	err := retry(ctx, v.config.Retry, func(ctx context.Context) error {
		callCtx, cancel := context.WithTimeout(ctx, v.config.CallTimeout)
		defer cancel()

		var err error
		res, err = v.tools.Execute(callCtx, call)
		return err
	})
	if err != nil {
		return nil, NewExecutionError("tool_call", err)
	}
	return res, nil
}

// buildVerifierPrompt renders the fixed, non-negotiable checklist along
// with the lane's declared files, change summary, and acceptance criteria.
func buildVerifierPrompt(l *lane.Lane, workerOutput, plan string) string {
	var b strings.Builder
	b.WriteString("You are a verification gate. Judge the change set below; do not propose fixes.\n\n")
	b.WriteString("## Task\n")
	b.WriteString(l.Spec.Title)
	b.WriteString("\n\n")
	b.WriteString(l.Spec.Description)
	b.WriteString("\n")

	if len(l.Spec.AcceptanceCriteria) > 0 {
		b.WriteString("\n## Acceptance criteria\n")
		for _, c := range l.Spec.AcceptanceCriteria {
			b.WriteString("- ")
			b.WriteString(c)
			b.WriteString("\n")
		}
	}

	b.WriteString("\n## Declared files\n")
	if len(l.FilesTouched) == 0 {
		b.WriteString("(none)\n")
	}
	for _, f := range l.FilesTouched {
		b.WriteString("- ")
		b.WriteString(f)
		b.WriteString("\n")
	}

	b.WriteString("\n## Change summary\n")
	b.WriteString(workerOutput)
	b.WriteString("\n")

	if plan != "" {
		b.WriteString("\n## Plan\n")
		b.WriteString(plan)
		b.WriteString("\n")
	}

	b.WriteString(`
## Checklist (non-negotiable)
1. Security issues introduced by the change.
2. Scope creep: changes beyond the declared files.
3. Completeness against every acceptance criterion.
4. Alignment with the plan, if one is supplied.

Respond with JSON only:
{"verdict":"pass"|"fail","findings":[{"category":"security"|"scope_creep"|"incomplete"|"plan_mismatch","severity":"info"|"warning"|"error"|"critical","description":"..."}]}`)
	return b.String()
}

// parseVerifierReport extracts the JSON report from the model's final text.
func parseVerifierReport(text string) (*lane.VerifierReport, error) {
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start < 0 || end <= start {
		return nil, fmt.Errorf("no JSON report in verifier response")
	}

	var report lane.VerifierReport
	if err := json.Unmarshal([]byte(text[start:end+1]), &report); err != nil {
		return nil, fmt.Errorf("invalid verifier report: %w", err)
	}

	switch report.Verdict {
	case lane.VerdictPass, lane.VerdictFail:
	default:
		return nil, fmt.Errorf("invalid verdict %q", report.Verdict)
	}
	return &report, nil
}
