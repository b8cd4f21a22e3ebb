// Package workspace provides the local collaborators the executors and
// merge coordinator talk to: a tool runner operating on a workspace
// directory and a branch applier committing merged change sets.
package workspace

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/swarmd/internal/executor"
)

// RunnerConfig configures the local tool runner.
type RunnerConfig struct {
	// Root is the workspace directory all file paths resolve against.
	Root string

	// CommandTimeout bounds run_command executions.
	CommandTimeout time.Duration
}

// Runner executes tool calls against a local workspace directory. Paths
// are confined to the root; escaping paths fail the call rather than the
// transport.
type Runner struct {
	config RunnerConfig
	logger *zap.Logger
}

// NewRunner creates a tool runner rooted at cfg.Root.
func NewRunner(cfg RunnerConfig, logger *zap.Logger) (*Runner, error) {
	if cfg.Root == "" {
		return nil, fmt.Errorf("workspace root is required")
	}
	if cfg.CommandTimeout <= 0 {
		cfg.CommandTimeout = 2 * time.Minute
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	abs, err := filepath.Abs(cfg.Root)
	if err != nil {
		return nil, fmt.Errorf("resolve workspace root: %w", err)
	}
	cfg.Root = abs
	return &Runner{config: cfg, logger: logger.Named("workspace")}, nil
}

// Execute dispatches one tool call. Tool-level problems (missing file,
// escaping path, nonzero exit) come back as failed results; only transport
// problems are errors.
func (r *Runner) Execute(ctx context.Context, call executor.ToolCall) (*executor.ToolResult, error) {
	switch call.Name {
	case "read_file":
		return r.readFile(call)
	case "write_file":
		return r.writeFile(call)
	case "list_files":
		return r.listFiles(call)
	case "run_command":
		return r.runCommand(ctx, call)
	default:
		return &executor.ToolResult{Success: false, Error: fmt.Sprintf("unknown tool %q", call.Name)}, nil
	}
}

// resolve confines a tool-supplied path to the workspace root.
func (r *Runner) resolve(path string) (string, error) {
	if path == "" {
		return "", fmt.Errorf("path is required")
	}
	full := filepath.Join(r.config.Root, filepath.Clean("/"+path))
	if full != r.config.Root && !strings.HasPrefix(full, r.config.Root+string(filepath.Separator)) {
		return "", fmt.Errorf("path %q escapes the workspace", path)
	}
	return full, nil
}

func stringArg(call executor.ToolCall, key string) string {
	v, _ := call.Input[key].(string)
	return v
}

func failed(err error) *executor.ToolResult {
	return &executor.ToolResult{Success: false, Error: err.Error()}
}

func (r *Runner) readFile(call executor.ToolCall) (*executor.ToolResult, error) {
	full, err := r.resolve(stringArg(call, "path"))
	if err != nil {
		return failed(err), nil
	}
	data, err := os.ReadFile(full)
	if err != nil {
		return failed(err), nil
	}
	return &executor.ToolResult{Success: true, Output: string(data)}, nil
}

func (r *Runner) writeFile(call executor.ToolCall) (*executor.ToolResult, error) {
	full, err := r.resolve(stringArg(call, "path"))
	if err != nil {
		return failed(err), nil
	}
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return failed(err), nil
	}
	if err := os.WriteFile(full, []byte(stringArg(call, "content")), 0o644); err != nil {
		return failed(err), nil
	}
	return &executor.ToolResult{Success: true, Output: fmt.Sprintf("wrote %s", stringArg(call, "path"))}, nil
}

func (r *Runner) listFiles(call executor.ToolCall) (*executor.ToolResult, error) {
	dir := stringArg(call, "path")
	if dir == "" {
		dir = "."
	}
	full, err := r.resolve(dir)
	if err != nil {
		return failed(err), nil
	}
	entries, err := os.ReadDir(full)
	if err != nil {
		return failed(err), nil
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() {
			name += "/"
		}
		names = append(names, name)
	}
	sort.Strings(names)
	return &executor.ToolResult{Success: true, Output: strings.Join(names, "\n")}, nil
}

func (r *Runner) runCommand(ctx context.Context, call executor.ToolCall) (*executor.ToolResult, error) {
	command := stringArg(call, "command")
	if command == "" {
		return failed(fmt.Errorf("command is required")), nil
	}

	ctx, cancel := context.WithTimeout(ctx, r.config.CommandTimeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	cmd.Dir = r.config.Root
	out, err := cmd.CombinedOutput()
	if ctx.Err() == context.DeadlineExceeded {
		return failed(fmt.Errorf("command timed out after %s", r.config.CommandTimeout)), nil
	}
	if err != nil {
		return &executor.ToolResult{Success: false, Output: string(out), Error: err.Error()}, nil
	}
	r.logger.Debug("command executed", zap.String("command", command))
	return &executor.ToolResult{Success: true, Output: string(out)}, nil
}
