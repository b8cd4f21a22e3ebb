package workspace

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/swarmd/internal/executor"
)

func newTestRunner(t *testing.T) (*Runner, string) {
	t.Helper()
	root := t.TempDir()
	r, err := NewRunner(RunnerConfig{Root: root, CommandTimeout: 5 * time.Second}, zap.NewNop())
	require.NoError(t, err)
	return r, root
}

func call(name string, input map[string]interface{}) executor.ToolCall {
	return executor.ToolCall{ID: "c1", Name: name, Input: input}
}

func TestRunner_WriteThenRead(t *testing.T) {
	r, root := newTestRunner(t)

	res, err := r.Execute(context.Background(), call("write_file", map[string]interface{}{
		"path": "pkg/answer.txt", "content": "42",
	}))
	require.NoError(t, err)
	require.True(t, res.Success)

	data, err := os.ReadFile(filepath.Join(root, "pkg", "answer.txt"))
	require.NoError(t, err)
	assert.Equal(t, "42", string(data))

	res, err = r.Execute(context.Background(), call("read_file", map[string]interface{}{"path": "pkg/answer.txt"}))
	require.NoError(t, err)
	require.True(t, res.Success)
	assert.Equal(t, "42", res.Output)
}

func TestRunner_ReadMissingFileFailsResult(t *testing.T) {
	r, _ := newTestRunner(t)

	res, err := r.Execute(context.Background(), call("read_file", map[string]interface{}{"path": "nope.txt"}))
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.NotEmpty(t, res.Error)
}

func TestRunner_PathEscapeRejected(t *testing.T) {
	r, _ := newTestRunner(t)

	for _, path := range []string{"../outside.txt", "a/../../outside.txt"} {
		res, err := r.Execute(context.Background(), call("write_file", map[string]interface{}{
			"path": path, "content": "x",
		}))
		require.NoError(t, err)
		assert.False(t, res.Success, "path %q should be rejected", path)
	}
}

func TestRunner_ListFiles(t *testing.T) {
	r, root := newTestRunner(t)
	require.NoError(t, os.WriteFile(filepath.Join(root, "b.txt"), []byte("b"), 0o644))
	require.NoError(t, os.Mkdir(filepath.Join(root, "sub"), 0o755))

	res, err := r.Execute(context.Background(), call("list_files", map[string]interface{}{}))
	require.NoError(t, err)
	require.True(t, res.Success)
	assert.Equal(t, "b.txt\nsub/", res.Output)
}

func TestRunner_RunCommand(t *testing.T) {
	r, _ := newTestRunner(t)

	res, err := r.Execute(context.Background(), call("run_command", map[string]interface{}{"command": "echo hi"}))
	require.NoError(t, err)
	require.True(t, res.Success)
	assert.Equal(t, "hi\n", res.Output)

	res, err = r.Execute(context.Background(), call("run_command", map[string]interface{}{"command": "exit 3"}))
	require.NoError(t, err)
	assert.False(t, res.Success)
}

func TestRunner_UnknownTool(t *testing.T) {
	r, _ := newTestRunner(t)

	res, err := r.Execute(context.Background(), call("delete_everything", nil))
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Contains(t, res.Error, "unknown tool")
}

func TestGitApplier_CommitsChangeSet(t *testing.T) {
	root := t.TempDir()
	applier, err := NewGitApplier(root, zap.NewNop())
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(root, "main.go"), []byte("package main\n"), 0o644))

	commitID, err := applier.Apply(context.Background(), "lane-1", []string{"main.go"})
	require.NoError(t, err)
	require.NotEmpty(t, commitID)

	repo, err := git.PlainOpen(root)
	require.NoError(t, err)
	head, err := repo.Head()
	require.NoError(t, err)
	assert.Equal(t, commitID, head.Hash().String())

	commit, err := repo.CommitObject(head.Hash())
	require.NoError(t, err)
	assert.Contains(t, commit.Message, "lane-1")
}

func TestGitApplier_CancelledContext(t *testing.T) {
	root := t.TempDir()
	applier, err := NewGitApplier(root, zap.NewNop())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err = applier.Apply(ctx, "lane-1", []string{"main.go"})
	require.ErrorIs(t, err, context.Canceled)
}
