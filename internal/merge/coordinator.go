// Package merge applies verified lane change sets onto the shared target
// branch, one lane at a time.
//
// Merges are serialized by a single global lock held for the duration of
// one application. The coordinator detects overlapping-file collisions
// against the manifest's already-merged file set and escalates them as
// ConflictError; it never resolves a conflict itself — that authority
// belongs to the supervisor.
package merge

import (
	"context"
	"fmt"
	"sort"
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

const instrumentationName = "github.com/fyrsmithlabs/swarmd/internal/merge"

// BranchApplier abstracts the external version-control collaborator that
// applies a lane's changes onto the target branch. This core never performs
// branch plumbing itself.
type BranchApplier interface {
	// Apply applies the lane's files onto the target branch head and
	// returns an identifier for the applied commit.
	Apply(ctx context.Context, laneID string, files []string) (commitID string, err error)
}

// ConflictError reports an overlapping-file collision between a merging
// lane and an already-merged lane. It carries both sides so the supervisor
// can attach them as rework context.
type ConflictError struct {
	LaneID        string
	ConflictsWith string
	Files         []string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("merge conflict: lane %s overlaps lane %s on %s",
		e.LaneID, e.ConflictsWith, strings.Join(e.Files, ", "))
}

// Coordinator serializes merge applications onto the target branch.
type Coordinator struct {
	applier BranchApplier
	store   *store.Store
	logger  *zap.Logger

	tracer    trace.Tracer
	meter     metric.Meter
	merges    metric.Int64Counter
	conflicts metric.Int64Counter

	// mergeLock is the single global merge lock.
	mergeLock sync.Mutex
}

// NewCoordinator creates a merge coordinator.
func NewCoordinator(applier BranchApplier, st *store.Store, logger *zap.Logger) (*Coordinator, error) {
	if applier == nil {
		return nil, fmt.Errorf("branch applier is required")
	}
	if st == nil {
		return nil, fmt.Errorf("store is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	c := &Coordinator{
		applier: applier,
		store:   st,
		logger:  logger.Named("merge"),
		tracer:  otel.Tracer(instrumentationName),
		meter:   otel.Meter(instrumentationName),
	}
	c.initMetrics()
	return c, nil
}

func (c *Coordinator) initMetrics() {
	var err error
	c.merges, err = c.meter.Int64Counter(
		"swarmd.merge.applications_total",
		metric.WithDescription("Merge applications attempted, labeled by outcome."),
		metric.WithUnit("{merge}"),
	)
	if err != nil {
		c.logger.Warn("failed to create merges counter", zap.Error(err))
	}
	c.conflicts, err = c.meter.Int64Counter(
		"swarmd.merge.conflicts_total",
		metric.WithDescription("Overlapping-file collisions escalated to the supervisor."),
		metric.WithUnit("{conflict}"),
	)
	if err != nil {
		c.logger.Warn("failed to create conflicts counter", zap.Error(err))
	}
}

// Merge applies one verified lane's change set onto the target branch.
//
// The global merge lock is held for the duration of a single application.
// An overlap with an already-merged lane aborts the merge and returns a
// *ConflictError; the coordinator performs no resolution of its own. On
// success the lane's files join the manifest's merged file set and the
// merge result is attached to the lane.
func (c *Coordinator) Merge(ctx context.Context, l *lane.Lane) (*lane.MergeResult, error) {
	ctx = logging.WithLaneID(ctx, l.ID)
	ctx, span := c.tracer.Start(ctx, "merge.apply", trace.WithAttributes(
		attribute.String("lane.id", l.ID),
		attribute.String("manifest.id", l.ManifestID),
		attribute.Int("files", len(l.FilesTouched)),
	))
	defer span.End()

	c.mergeLock.Lock()
	defer c.mergeLock.Unlock()

	if err := ctx.Err(); err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	if conflict := c.findConflict(l); conflict != nil {
		if c.conflicts != nil {
			c.conflicts.Add(ctx, 1)
		}
		c.countMerge(ctx, "conflict")
		c.logger.Warn("merge conflict",
			zap.String("lane.id", l.ID),
			zap.String("conflicts_with", conflict.ConflictsWith),
			zap.Strings("files", conflict.Files))
		span.SetStatus(codes.Error, conflict.Error())
		return nil, conflict
	}

	commitID, err := c.applier.Apply(ctx, l.ID, l.FilesTouched)
	if err != nil {
		c.countMerge(ctx, "error")
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("apply lane %s: %w", l.ID, err)
	}

	result := &lane.MergeResult{
		CommitID:  commitID,
		Files:     append([]string(nil), l.FilesTouched...),
		AppliedAt: time.Now(),
	}
	if err := c.store.RecordMergedFiles(l.ManifestID, l.ID, l.FilesTouched); err != nil {
		return nil, fmt.Errorf("record merged files: %w", err)
	}
	if err := c.store.AttachMergeResult(l.ID, result); err != nil {
		return nil, fmt.Errorf("attach merge result: %w", err)
	}

	c.countMerge(ctx, "merged")
	c.logger.Info("lane merged",
		zap.String("lane.id", l.ID),
		zap.String("commit", commitID),
		zap.Int("files", len(result.Files)))
	return result, nil
}

func (c *Coordinator) countMerge(ctx context.Context, outcome string) {
	if c.merges != nil {
		c.merges.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
	}
}

// findConflict checks the lane's files against the manifest's merged set.
// Caller holds the global merge lock.
func (c *Coordinator) findConflict(l *lane.Lane) *ConflictError {
	merged := c.store.MergedFiles(l.ManifestID)
	byOwner := make(map[string][]string)
	for _, path := range l.FilesTouched {
		if owner, taken := merged[path]; taken && owner != l.ID {
			byOwner[owner] = append(byOwner[owner], path)
		}
	}
	if len(byOwner) == 0 {
		return nil
	}

	// Report the first conflicting lane deterministically.
	owners := make([]string, 0, len(byOwner))
	for owner := range byOwner {
		owners = append(owners, owner)
	}
	sort.Strings(owners)

	files := byOwner[owners[0]]
	sort.Strings(files)
	return &ConflictError{
		LaneID:        l.ID,
		ConflictsWith: owners[0],
		Files:         files,
	}
}
