package supervisor

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/swarmd/internal/executor"
	"github.com/fyrsmithlabs/swarmd/internal/lane"
	"github.com/fyrsmithlabs/swarmd/internal/logging"
)

// plannerPlan is the JSON shape the planner model must return.
type plannerPlan struct {
	Subtasks []plannerSubtask `json:"subtasks"`
}

type plannerSubtask struct {
	ID                 string   `json:"id"`
	Title              string   `json:"title"`
	Description        string   `json:"description"`
	AcceptanceCriteria []string `json:"acceptance_criteria"`
	DependsOn          []string `json:"depends_on"`
}

// Decompose turns a natural-language goal into a validated manifest of
// subtask lanes. On any failure no manifest and no lanes are created.
func (s *Supervisor) Decompose(ctx context.Context, goal, sessionID, workspaceContext string) (*lane.Manifest, error) {
	ctx, span := s.tracer.Start(ctx, "supervisor.decompose")
	defer span.End()

	if strings.TrimSpace(goal) == "" {
		return nil, &DecompositionError{Reason: "goal is empty"}
	}

	messages := []executor.Message{{Role: "user", Content: buildPlannerPrompt(goal, workspaceContext)}}
	turn, err := executor.InvokeModel(ctx, s.config.CallTimeout, s.config.Retry, s.models, s.config.PlannerModelID, messages)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, &DecompositionError{Reason: "planner call failed", Err: err}
	}

	nodes, err := parsePlan(turn.Text)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, &DecompositionError{Reason: "unparseable plan", Err: err}
	}
	if err := lane.ValidateGraph(nodes); err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, &DecompositionError{Reason: "invalid subtask graph", Err: err}
	}

	m := &lane.Manifest{
		ID:        uuid.NewString(),
		Goal:      goal,
		SessionID: sessionID,
		Nodes:     nodes,
	}
	if err := s.store.CreateManifest(m); err != nil {
		return nil, fmt.Errorf("create manifest: %w", err)
	}
	for _, n := range nodes {
		l := &lane.Lane{
			ID:              uuid.NewString(),
			ManifestID:      m.ID,
			SubtaskNodeID:   n.ID,
			Spec:            n.Spec,
			WorkerModelID:   s.config.WorkerModelID,
			VerifierModelID: s.config.VerifierModelID,
		}
		if err := s.store.CreateLane(l); err != nil {
			return nil, fmt.Errorf("create lane for node %s: %w", n.ID, err)
		}
	}

	span.SetAttributes(
		attribute.String("manifest.id", m.ID),
		attribute.Int("nodes", len(nodes)),
	)
	s.logger.Info("goal decomposed",
		append(logging.ContextFields(ctx),
			zap.String("manifest.id", m.ID),
			zap.Int("lanes", len(nodes)),
		)...)
	return m, nil
}

// parsePlan extracts and decodes the planner's JSON plan. The model may
// frame the JSON with prose, so only the outermost object is decoded.
func parsePlan(text string) ([]lane.SubtaskNode, error) {
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start < 0 || end <= start {
		return nil, fmt.Errorf("no JSON object in planner output")
	}

	var plan plannerPlan
	if err := json.Unmarshal([]byte(text[start:end+1]), &plan); err != nil {
		return nil, fmt.Errorf("decode plan: %w", err)
	}
	if len(plan.Subtasks) == 0 {
		return nil, fmt.Errorf("plan has no subtasks")
	}

	nodes := make([]lane.SubtaskNode, 0, len(plan.Subtasks))
	for _, st := range plan.Subtasks {
		if strings.TrimSpace(st.Title) == "" {
			return nil, fmt.Errorf("subtask %q has no title", st.ID)
		}
		nodes = append(nodes, lane.SubtaskNode{
			ID: st.ID,
			Spec: lane.Spec{
				Title:              st.Title,
				Description:        st.Description,
				AcceptanceCriteria: st.AcceptanceCriteria,
			},
			DependsOn: st.DependsOn,
		})
	}
	return nodes, nil
}

func buildPlannerPrompt(goal, workspaceContext string) string {
	var b strings.Builder
	b.WriteString("You are a planning agent. Decompose the goal below into the smallest\n")
	b.WriteString("set of independent subtasks that together accomplish it. Subtasks that\n")
	b.WriteString("must build on another subtask's output declare it in depends_on. Do not\n")
	b.WriteString("introduce dependency cycles.\n\n")
	b.WriteString("## Goal\n\n")
	b.WriteString(goal)
	b.WriteString("\n")
	if workspaceContext != "" {
		b.WriteString("\n## Workspace context\n\n")
		b.WriteString(workspaceContext)
		b.WriteString("\n")
	}
	b.WriteString("\nRespond with a single JSON object and nothing else:\n\n")
	b.WriteString(`{"subtasks": [{"id": "t1", "title": "...", "description": "...", "acceptance_criteria": ["..."], "depends_on": []}]}`)
	b.WriteString("\n")
	return b.String()
}
