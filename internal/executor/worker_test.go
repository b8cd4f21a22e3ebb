package executor

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/swarmd/internal/lane"
	"github.com/fyrsmithlabs/swarmd/internal/store"
)

// fakeModelClient replays scripted turns and records received messages.
type fakeModelClient struct {
	mu    sync.Mutex
	turns []*ModelTurn
	errs  []error
	calls int
	seen  [][]Message
}

func (f *fakeModelClient) next(messages []Message) (*ModelTurn, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seen = append(f.seen, messages)
	i := f.calls
	f.calls++
	if i < len(f.errs) && f.errs[i] != nil {
		return nil, f.errs[i]
	}
	if i < len(f.turns) {
		return f.turns[i], nil
	}
	return &ModelTurn{Text: "done"}, nil
}

func (f *fakeModelClient) Invoke(_ context.Context, _ string, messages []Message) (*ModelTurn, error) {
	return f.next(messages)
}

func (f *fakeModelClient) InvokeWithTools(_ context.Context, _ string, messages []Message, _ []Tool) (*ModelTurn, error) {
	return f.next(messages)
}

func (f *fakeModelClient) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// fakeToolRunner records executed calls.
type fakeToolRunner struct {
	mu     sync.Mutex
	calls  []ToolCall
	result *ToolResult
	err    error
}

func (f *fakeToolRunner) Execute(_ context.Context, call ToolCall) (*ToolResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call)
	if f.err != nil {
		return nil, f.err
	}
	if f.result != nil {
		return f.result, nil
	}
	return &ToolResult{Success: true, Output: "ok"}, nil
}

func (f *fakeToolRunner) executed() []ToolCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]ToolCall(nil), f.calls...)
}

func fastRetry() RetryConfig {
	return RetryConfig{
		MaxRetries:        2,
		InitialBackoff:    time.Millisecond,
		MaxBackoff:        5 * time.Millisecond,
		BackoffMultiplier: 2.0,
	}
}

func testConfig() Config {
	return Config{
		MaxWorkerTurns: 5,
		CallTimeout:    time.Second,
		Retry:          fastRetry(),
	}
}

func seedLane(t *testing.T, st *store.Store) *lane.Lane {
	t.Helper()
	require.NoError(t, st.CreateManifest(&lane.Manifest{ID: "m1", Goal: "goal"}))
	require.NoError(t, st.CreateLane(&lane.Lane{
		ID:            "l1",
		ManifestID:    "m1",
		WorkerModelID: "worker-model",
		Spec: lane.Spec{
			Title:              "add health endpoint",
			Description:        "expose GET /health",
			AcceptanceCriteria: []string{"returns 200"},
		},
	}))
	l, err := st.GetLane("l1")
	require.NoError(t, err)
	return l
}

func TestWorker_Run_ToolLoop(t *testing.T) {
	st := store.New(nil, zap.NewNop())
	l := seedLane(t, st)

	models := &fakeModelClient{turns: []*ModelTurn{
		{
			ToolCalls: []ToolCall{
				{ID: "t1", Name: "write_file", Input: map[string]interface{}{"path": "health.go", "content": "..."}},
				{ID: "t2", Name: "write_file", Input: map[string]interface{}{"path": "health_test.go", "content": "..."}},
			},
			Cost: 0.10,
		},
		{Text: "added handler and test", Cost: 0.05},
	}}
	tools := &fakeToolRunner{}

	w, err := NewWorker(testConfig(), models, tools, st, zap.NewNop())
	require.NoError(t, err)

	res, err := w.Run(context.Background(), l, "repo tree: ...")
	require.NoError(t, err)
	assert.Equal(t, "added handler and test", res.Output)
	assert.Equal(t, []string{"health.go", "health_test.go"}, res.FilesTouched)
	assert.Len(t, tools.executed(), 2)

	stored, err := st.GetLane("l1")
	require.NoError(t, err)
	assert.Equal(t, []string{"health.go", "health_test.go"}, stored.FilesTouched)
	assert.InDelta(t, 0.15, stored.Metrics.TotalCost, 1e-9)
}

func TestWorker_Run_PromptIsDeterministic(t *testing.T) {
	spec := lane.Spec{Title: "t", Description: "d", AcceptanceCriteria: []string{"a", "b"}}
	p1 := buildWorkerPrompt(spec, "ctx")
	p2 := buildWorkerPrompt(spec, "ctx")
	assert.Equal(t, p1, p2)
	assert.Contains(t, p1, "## Acceptance criteria")
	assert.Contains(t, p1, "## Workspace context")
}

func TestWorker_Run_RetriesTransportFailure(t *testing.T) {
	st := store.New(nil, zap.NewNop())
	l := seedLane(t, st)

	models := &fakeModelClient{
		errs:  []error{errors.New("connection reset"), nil},
		turns: []*ModelTurn{nil, {Text: "done after retry"}},
	}

	w, err := NewWorker(testConfig(), models, &fakeToolRunner{}, st, zap.NewNop())
	require.NoError(t, err)

	res, err := w.Run(context.Background(), l, "")
	require.NoError(t, err)
	assert.Equal(t, "done after retry", res.Output)
	assert.Equal(t, 2, models.callCount())
}

func TestWorker_Run_ExecutionErrorAfterRetriesExhausted(t *testing.T) {
	st := store.New(nil, zap.NewNop())
	l := seedLane(t, st)

	transport := errors.New("gateway timeout")
	models := &fakeModelClient{errs: []error{transport, transport, transport}}

	w, err := NewWorker(testConfig(), models, &fakeToolRunner{}, st, zap.NewNop())
	require.NoError(t, err)

	_, err = w.Run(context.Background(), l, "")
	require.Error(t, err)

	var execErr *ExecutionError
	require.ErrorAs(t, err, &execErr)
	assert.Equal(t, "model_call", execErr.Op)
	assert.ErrorIs(t, err, transport)
}

func TestWorker_Run_ToolTransportFailureIsExecutionError(t *testing.T) {
	st := store.New(nil, zap.NewNop())
	l := seedLane(t, st)

	models := &fakeModelClient{turns: []*ModelTurn{
		{ToolCalls: []ToolCall{{ID: "t1", Name: "run_command", Input: map[string]interface{}{"command": "go test"}}}},
	}}
	tools := &fakeToolRunner{err: errors.New("runner unavailable")}

	w, err := NewWorker(testConfig(), models, tools, st, zap.NewNop())
	require.NoError(t, err)

	_, err = w.Run(context.Background(), l, "")
	var execErr *ExecutionError
	require.ErrorAs(t, err, &execErr)
	assert.Equal(t, "tool_call", execErr.Op)
}

func TestWorker_Run_FailedToolResultIsRelayedNotFatal(t *testing.T) {
	st := store.New(nil, zap.NewNop())
	l := seedLane(t, st)

	models := &fakeModelClient{turns: []*ModelTurn{
		{ToolCalls: []ToolCall{{ID: "t1", Name: "run_command", Input: map[string]interface{}{"command": "go test"}}}},
		{Text: "tests fail, giving summary"},
	}}
	tools := &fakeToolRunner{result: &ToolResult{Success: false, Error: "exit 1"}}

	w, err := NewWorker(testConfig(), models, tools, st, zap.NewNop())
	require.NoError(t, err)

	res, err := w.Run(context.Background(), l, "")
	require.NoError(t, err)
	assert.Equal(t, "tests fail, giving summary", res.Output)

	// The failed result went back to the model.
	last := models.seen[len(models.seen)-1]
	assert.Contains(t, last[len(last)-1].Content, "exit 1")
}

func TestWorker_Run_TurnBudgetExhausted(t *testing.T) {
	st := store.New(nil, zap.NewNop())
	l := seedLane(t, st)

	// Model keeps asking for tools forever.
	turns := make([]*ModelTurn, 10)
	for i := range turns {
		turns[i] = &ModelTurn{ToolCalls: []ToolCall{{ID: "t", Name: "read_file", Input: map[string]interface{}{"path": "a.go"}}}}
	}
	models := &fakeModelClient{turns: turns}

	cfg := testConfig()
	cfg.MaxWorkerTurns = 3
	w, err := NewWorker(cfg, models, &fakeToolRunner{}, st, zap.NewNop())
	require.NoError(t, err)

	_, err = w.Run(context.Background(), l, "")
	var execErr *ExecutionError
	require.ErrorAs(t, err, &execErr)
	assert.Contains(t, err.Error(), "exceeded 3 turns")
}

func TestWorker_Run_SingleActiveInvocationPerLane(t *testing.T) {
	st := store.New(nil, zap.NewNop())
	l := seedLane(t, st)

	started := make(chan struct{})
	release := make(chan struct{})
	models := &blockingModelClient{started: started, release: release}

	w, err := NewWorker(testConfig(), models, &fakeToolRunner{}, st, zap.NewNop())
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		_, err := w.Run(context.Background(), l, "")
		done <- err
	}()
	<-started

	_, err = w.Run(context.Background(), l, "")
	require.ErrorIs(t, err, ErrWorkerActive)

	close(release)
	require.NoError(t, <-done)
}

// blockingModelClient blocks the first invocation until released.
type blockingModelClient struct {
	once    sync.Once
	started chan struct{}
	release chan struct{}
}

func (b *blockingModelClient) block() {
	b.once.Do(func() {
		close(b.started)
		<-b.release
	})
}

func (b *blockingModelClient) Invoke(context.Context, string, []Message) (*ModelTurn, error) {
	b.block()
	return &ModelTurn{Text: "done"}, nil
}

func (b *blockingModelClient) InvokeWithTools(context.Context, string, []Message, []Tool) (*ModelTurn, error) {
	b.block()
	return &ModelTurn{Text: "done"}, nil
}

func TestRetry_ContextCancellationStopsRetries(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	calls := 0
	err := retry(ctx, fastRetry(), func(context.Context) error {
		calls++
		return errors.New("nope")
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestRetry_SucceedsWithinBudget(t *testing.T) {
	calls := 0
	err := retry(context.Background(), fastRetry(), func(context.Context) error {
		calls++
		if calls < 3 {
			return errors.New("transient")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestNewRateLimitedClient_Passthrough(t *testing.T) {
	inner := &fakeModelClient{turns: []*ModelTurn{{Text: "hi"}}}
	client := NewRateLimitedClient(inner, 100, 1)

	mt, err := client.Invoke(context.Background(), "m", []Message{{Role: "user", Content: "x"}})
	require.NoError(t, err)
	assert.Equal(t, "hi", mt.Text)
}
