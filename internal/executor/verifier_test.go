package executor

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/swarmd/internal/lane"
	"github.com/fyrsmithlabs/swarmd/internal/store"
)

func TestVerifier_Verify_Pass(t *testing.T) {
	st := store.New(nil, zap.NewNop())
	l := seedLane(t, st)

	models := &fakeModelClient{turns: []*ModelTurn{
		{Text: `{"verdict":"pass","findings":[]}`, Cost: 0.02},
	}}

	v, err := NewVerifier(testConfig(), models, &fakeToolRunner{}, st, zap.NewNop())
	require.NoError(t, err)

	report, err := v.Verify(context.Background(), l, "added handler", "")
	require.NoError(t, err)
	assert.Equal(t, lane.VerdictPass, report.Verdict)
	assert.Empty(t, report.Findings)
}

func TestVerifier_Verify_FailWithFindings(t *testing.T) {
	st := store.New(nil, zap.NewNop())
	l := seedLane(t, st)

	models := &fakeModelClient{turns: []*ModelTurn{
		{Text: `The change is incomplete.
{"verdict":"fail","findings":[{"category":"incomplete","severity":"error","description":"no test for the endpoint"}]}`},
	}}

	v, err := NewVerifier(testConfig(), models, &fakeToolRunner{}, st, zap.NewNop())
	require.NoError(t, err)

	report, err := v.Verify(context.Background(), l, "added handler", "")
	require.NoError(t, err)
	assert.Equal(t, lane.VerdictFail, report.Verdict)
	require.Len(t, report.Findings, 1)
	assert.Equal(t, lane.FindingIncomplete, report.Findings[0].Category)
	assert.Equal(t, lane.SeverityError, report.Findings[0].Severity)
}

func TestVerifier_Verify_ReadOnlyToolsExecuted(t *testing.T) {
	st := store.New(nil, zap.NewNop())
	l := seedLane(t, st)

	models := &fakeModelClient{turns: []*ModelTurn{
		{ToolCalls: []ToolCall{{ID: "t1", Name: "read_file", Input: map[string]interface{}{"path": "health.go"}}}},
		{Text: `{"verdict":"pass","findings":[]}`},
	}}
	tools := &fakeToolRunner{}

	v, err := NewVerifier(testConfig(), models, tools, st, zap.NewNop())
	require.NoError(t, err)

	_, err = v.Verify(context.Background(), l, "out", "")
	require.NoError(t, err)
	require.Len(t, tools.executed(), 1)
	assert.Equal(t, "read_file", tools.executed()[0].Name)
}

func TestVerifier_Verify_MutatingToolRefused(t *testing.T) {
	st := store.New(nil, zap.NewNop())
	l := seedLane(t, st)

	models := &fakeModelClient{turns: []*ModelTurn{
		{ToolCalls: []ToolCall{{ID: "t1", Name: "write_file", Input: map[string]interface{}{"path": "x.go", "content": "hack"}}}},
		{Text: `{"verdict":"pass","findings":[]}`},
	}}
	tools := &fakeToolRunner{}

	v, err := NewVerifier(testConfig(), models, tools, st, zap.NewNop())
	require.NoError(t, err)

	report, err := v.Verify(context.Background(), l, "out", "")
	require.NoError(t, err)

	// The mutating call never reached the tool runner and was recorded.
	assert.Empty(t, tools.executed())
	require.Len(t, report.Findings, 1)
	assert.Contains(t, report.Findings[0].Description, "write_file")
}

func TestVerifier_Verify_UnparseableReport(t *testing.T) {
	st := store.New(nil, zap.NewNop())
	l := seedLane(t, st)

	models := &fakeModelClient{turns: []*ModelTurn{{Text: "looks good to me"}}}

	v, err := NewVerifier(testConfig(), models, &fakeToolRunner{}, st, zap.NewNop())
	require.NoError(t, err)

	_, err = v.Verify(context.Background(), l, "out", "")
	var execErr *ExecutionError
	require.ErrorAs(t, err, &execErr)
}

func TestParseVerifierReport(t *testing.T) {
	tests := []struct {
		name    string
		text    string
		want    lane.Verdict
		wantErr bool
	}{
		{"bare json pass", `{"verdict":"pass"}`, lane.VerdictPass, false},
		{"json with prose", `verdict below {"verdict":"fail","findings":[]} end`, lane.VerdictFail, false},
		{"no json", "pass", "", true},
		{"invalid verdict", `{"verdict":"maybe"}`, "", true},
		{"broken json", `{"verdict":`, "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			report, err := parseVerifierReport(tt.text)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, report.Verdict)
		})
	}
}

func TestBuildVerifierPrompt_ContainsChecklist(t *testing.T) {
	l := &lane.Lane{
		Spec:         lane.Spec{Title: "t", Description: "d", AcceptanceCriteria: []string{"c1"}},
		FilesTouched: []string{"a.go"},
	}
	p := buildVerifierPrompt(l, "summary", "the plan")
	assert.Contains(t, p, "Checklist (non-negotiable)")
	assert.Contains(t, p, "Scope creep")
	assert.Contains(t, p, "a.go")
	assert.Contains(t, p, "the plan")
	assert.Contains(t, p, "do not propose fixes")
}
