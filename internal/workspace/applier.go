package workspace

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing/object"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/swarmd/internal/logging"
)

// GitApplier commits a lane's change set to the git repository at the
// workspace root. The merge coordinator serializes calls, so Apply never
// races another commit.
type GitApplier struct {
	root   string
	logger *zap.Logger
}

// NewGitApplier opens the repository at root, initializing one when the
// directory is not yet a repository.
func NewGitApplier(root string, logger *zap.Logger) (*GitApplier, error) {
	if root == "" {
		return nil, fmt.Errorf("workspace root is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	_, err := git.PlainOpen(root)
	if errors.Is(err, git.ErrRepositoryNotExists) {
		_, err = git.PlainInit(root, false)
	}
	if err != nil {
		return nil, fmt.Errorf("open workspace repository: %w", err)
	}

	return &GitApplier{root: root, logger: logger.Named("applier")}, nil
}

// Apply stages the lane's files and commits them, returning the commit
// hash.
func (a *GitApplier) Apply(ctx context.Context, laneID string, files []string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	repo, err := git.PlainOpen(a.root)
	if err != nil {
		return "", fmt.Errorf("open workspace repository: %w", err)
	}
	wt, err := repo.Worktree()
	if err != nil {
		return "", fmt.Errorf("open worktree: %w", err)
	}

	for _, path := range files {
		if _, err := wt.Add(path); err != nil {
			return "", fmt.Errorf("stage %s: %w", path, err)
		}
	}

	hash, err := wt.Commit(fmt.Sprintf("apply change set for lane %s", laneID), &git.CommitOptions{
		Author: &object.Signature{
			Name:  "swarmd",
			Email: "swarmd@localhost",
			When:  time.Now(),
		},
	})
	if err != nil {
		return "", fmt.Errorf("commit change set: %w", err)
	}

	a.logger.Info("change set committed",
		append(logging.ContextFields(ctx),
			zap.String("lane.id", laneID),
			zap.String("commit", hash.String()),
			zap.Int("files", len(files)),
		)...)
	return hash.String(), nil
}
