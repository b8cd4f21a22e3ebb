package supervisor

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/swarmd/internal/executor"
	"github.com/fyrsmithlabs/swarmd/internal/lane"
	"github.com/fyrsmithlabs/swarmd/internal/logging"
	"github.com/fyrsmithlabs/swarmd/internal/merge"
	"github.com/fyrsmithlabs/swarmd/internal/store"
)

const instrumentationName = "github.com/fyrsmithlabs/swarmd/internal/supervisor"

// Config governs the supervisor's scheduling and rework policies.
type Config struct {
	// MaxAttempts is the circuit-breaker threshold. A lane whose
	// failure_count reaches it is terminally failed.
	MaxAttempts int

	// MaxParallelLanes bounds how many lanes execute concurrently.
	MaxParallelLanes int

	// Model ids assigned to the lanes and the planner call.
	PlannerModelID  string
	WorkerModelID   string
	VerifierModelID string

	// CallTimeout bounds the planner model call. Expiry surfaces as an
	// execution error inside the decomposition error, never a hang.
	CallTimeout time.Duration

	// Retry governs transport-failure retries on the planner call.
	Retry executor.RetryConfig
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:      3,
		MaxParallelLanes: 4,
		CallTimeout:      executor.DefaultConfig().CallTimeout,
		Retry:            executor.DefaultRetryConfig(),
	}
}

// Supervisor owns decomposition and the orchestration loop.
type Supervisor struct {
	config   Config
	store    *store.Store
	worker   *executor.Worker
	verifier *executor.Verifier
	merger   *merge.Coordinator
	models   executor.ModelClient
	logger   *zap.Logger

	tracer       trace.Tracer
	meter        metric.Meter
	lanesStarted metric.Int64Counter
	lanesMerged  metric.Int64Counter
	lanesFailed  metric.Int64Counter
	reworks      metric.Int64Counter
	laneDuration metric.Float64Histogram
}

// New creates a supervisor.
func New(cfg Config, st *store.Store, w *executor.Worker, v *executor.Verifier, m *merge.Coordinator, models executor.ModelClient, logger *zap.Logger) (*Supervisor, error) {
	if st == nil {
		return nil, fmt.Errorf("store is required")
	}
	if w == nil || v == nil || m == nil {
		return nil, fmt.Errorf("worker, verifier, and merge coordinator are required")
	}
	if models == nil {
		return nil, fmt.Errorf("model client is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = DefaultConfig().MaxAttempts
	}
	if cfg.MaxParallelLanes < 1 {
		cfg.MaxParallelLanes = DefaultConfig().MaxParallelLanes
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = DefaultConfig().CallTimeout
	}

	s := &Supervisor{
		config:   cfg,
		store:    st,
		worker:   w,
		verifier: v,
		merger:   m,
		models:   models,
		logger:   logger.Named("supervisor"),
		tracer:   otel.Tracer(instrumentationName),
		meter:    otel.Meter(instrumentationName),
	}
	s.initMetrics()
	return s, nil
}

func (s *Supervisor) initMetrics() {
	var err error
	s.lanesStarted, err = s.meter.Int64Counter(
		"swarmd.supervisor.lanes_started_total",
		metric.WithDescription("Lane attempts started, including rework attempts."),
		metric.WithUnit("{attempt}"),
	)
	if err != nil {
		s.logger.Warn("failed to create lanes started counter", zap.Error(err))
	}
	s.lanesMerged, err = s.meter.Int64Counter(
		"swarmd.supervisor.lanes_merged_total",
		metric.WithDescription("Lanes that reached the merged state."),
		metric.WithUnit("{lane}"),
	)
	if err != nil {
		s.logger.Warn("failed to create lanes merged counter", zap.Error(err))
	}
	s.lanesFailed, err = s.meter.Int64Counter(
		"swarmd.supervisor.lanes_failed_total",
		metric.WithDescription("Lanes that reached the failed state, labeled by reason."),
		metric.WithUnit("{lane}"),
	)
	if err != nil {
		s.logger.Warn("failed to create lanes failed counter", zap.Error(err))
	}
	s.reworks, err = s.meter.Int64Counter(
		"swarmd.supervisor.reworks_total",
		metric.WithDescription("Rework orders issued, labeled by cause."),
		metric.WithUnit("{rework}"),
	)
	if err != nil {
		s.logger.Warn("failed to create reworks counter", zap.Error(err))
	}
	s.laneDuration, err = s.meter.Float64Histogram(
		"swarmd.supervisor.lane_duration_seconds",
		metric.WithDescription("Wall time from first start to terminal state per lane."),
		metric.WithUnit("s"),
	)
	if err != nil {
		s.logger.Warn("failed to create lane duration histogram", zap.Error(err))
	}
}

// actor names recorded in the audit trail.
const (
	actorSupervisor = "supervisor"
	actorWorker     = "worker"
	actorVerifier   = "verifier"
	actorMerge      = "merge"
)

// Orchestrate drives every lane of the manifest to a terminal state and
// returns the run summary. Cancellation stops new lane spawns immediately;
// lanes already in flight abort at their next external call and are left
// non-terminal. A summary is returned even on cancellation.
func (s *Supervisor) Orchestrate(ctx context.Context, m *lane.Manifest, workspaceContext string) (*lane.Summary, error) {
	ctx = logging.WithManifestID(ctx, m.ID)
	ctx, span := s.tracer.Start(ctx, "supervisor.orchestrate", trace.WithAttributes(
		attribute.String("manifest.id", m.ID),
		attribute.Int("nodes", len(m.Nodes)),
	))
	defer span.End()

	start := time.Now()
	laneByNode, err := s.laneIndex(m.ID)
	if err != nil {
		return nil, err
	}

	done := make(chan string, len(m.Nodes))
	active := make(map[string]struct{})

	for {
		if ctx.Err() != nil {
			for len(active) > 0 {
				delete(active, <-done)
			}
			break
		}

		s.failDoomedLanes(ctx, m, laneByNode)

		statusByNode, err := s.statusIndex(m.ID)
		if err != nil {
			return nil, err
		}
		if len(active) == 0 && allTerminal(statusByNode) {
			break
		}

		spawned := 0
		for _, nodeID := range lane.ReadyNodes(m.Nodes, statusByNode) {
			if len(active) >= s.config.MaxParallelLanes {
				break
			}
			if _, inFlight := active[nodeID]; inFlight {
				continue
			}
			active[nodeID] = struct{}{}
			spawned++
			go func(nodeID, laneID string) {
				defer func() { done <- nodeID }()
				s.runLane(ctx, laneID, workspaceContext)
			}(nodeID, laneByNode[nodeID])
		}

		if len(active) == 0 {
			if spawned == 0 {
				// Nothing running, nothing ready, non-terminal lanes
				// remain. The graph validator should make this
				// unreachable.
				span.SetStatus(codes.Error, "orchestration stalled")
				return nil, fmt.Errorf("orchestration stalled: no runnable lanes in manifest %s", m.ID)
			}
			continue
		}

		select {
		case nodeID := <-done:
			delete(active, nodeID)
		case <-ctx.Done():
		}
	}

	summary := s.buildSummary(m.ID, time.Since(start))
	s.store.PublishManifestCompleted(m.ID, *summary)
	span.SetAttributes(
		attribute.Bool("success", summary.Success),
		attribute.Int("lanes.merged", summary.LanesMerged),
		attribute.Int("lanes.failed", summary.LanesFailed),
	)
	s.logger.Info("orchestration finished",
		append(logging.ContextFields(ctx),
			zap.Bool("success", summary.Success),
			zap.Int("lanes.total", summary.LanesTotal),
			zap.Int("lanes.merged", summary.LanesMerged),
			zap.Int("lanes.failed", summary.LanesFailed),
			zap.Float64("total.cost", summary.TotalCost),
		)...)

	if ctx.Err() != nil {
		return summary, ErrCancellationRequested
	}
	return summary, nil
}

// laneIndex maps subtask node ids to lane ids.
func (s *Supervisor) laneIndex(manifestID string) (map[string]string, error) {
	lanes, err := s.store.GetLanesByManifest(manifestID)
	if err != nil {
		return nil, err
	}
	byNode := make(map[string]string, len(lanes))
	for _, l := range lanes {
		byNode[l.SubtaskNodeID] = l.ID
	}
	return byNode, nil
}

func (s *Supervisor) statusIndex(manifestID string) (map[string]lane.Status, error) {
	lanes, err := s.store.GetLanesByManifest(manifestID)
	if err != nil {
		return nil, err
	}
	byNode := make(map[string]lane.Status, len(lanes))
	for _, l := range lanes {
		byNode[l.SubtaskNodeID] = l.Status
	}
	return byNode, nil
}

func allTerminal(statusByNode map[string]lane.Status) bool {
	for _, st := range statusByNode {
		if !lane.IsTerminal(st) {
			return false
		}
	}
	return true
}

// failDoomedLanes terminally fails every pending lane that depends,
// directly or transitively, on a failed lane. Independent branches are
// untouched.
func (s *Supervisor) failDoomedLanes(ctx context.Context, m *lane.Manifest, laneByNode map[string]string) {
	for {
		statusByNode, err := s.statusIndex(m.ID)
		if err != nil {
			return
		}
		changed := false
		for _, n := range m.Nodes {
			if statusByNode[n.ID] != lane.StatusPending {
				continue
			}
			for _, dep := range n.DependsOn {
				if statusByNode[dep] != lane.StatusFailed {
					continue
				}
				detail := fmt.Sprintf("dependency failed: %s", dep)
				if _, err := s.store.Transition(laneByNode[n.ID], lane.StatusFailed, actorSupervisor, detail); err == nil {
					changed = true
					s.countFailure(ctx, "dependency_failed")
				}
				break
			}
		}
		if !changed {
			return
		}
	}
}

// runLane drives one lane from pending to a terminal state, cycling
// through rework attempts as needed. On cancellation it returns with the
// lane in whatever non-terminal state it had reached.
func (s *Supervisor) runLane(ctx context.Context, laneID, workspaceContext string) {
	ctx = logging.WithLaneID(ctx, laneID)
	laneStart := time.Now()
	extraContext := ""

	for {
		if ctx.Err() != nil {
			return
		}

		l, err := s.store.GetLane(laneID)
		if err != nil {
			s.logger.Error("lane lookup failed", append(logging.ContextFields(ctx), zap.Error(err))...)
			return
		}

		if _, err := s.store.Transition(laneID, lane.StatusRunning, actorSupervisor, "attempt started"); err != nil {
			s.logger.Error("cannot start lane", append(logging.ContextFields(ctx), zap.Error(err))...)
			return
		}
		if s.lanesStarted != nil {
			s.lanesStarted.Add(ctx, 1)
		}

		attemptContext := workspaceContext
		if extraContext != "" {
			attemptContext = workspaceContext + "\n\n" + extraContext
		}
		report, ok := s.runAttempt(ctx, l, attemptContext)
		if !ok {
			// Cancelled mid-attempt; lane stays non-terminal.
			return
		}

		if err := s.store.AttachVerifierReport(laneID, report); err != nil {
			s.logger.Error("cannot attach verifier report", append(logging.ContextFields(ctx), zap.Error(err))...)
		}

		if report.Verdict == lane.VerdictPass {
			terminal, retryContext := s.mergeLane(ctx, laneID, laneStart)
			if terminal {
				return
			}
			if ctx.Err() != nil {
				return
			}
			extraContext = retryContext
			continue
		}

		// FAIL verdict: rework or trip the circuit breaker.
		detail := fmt.Sprintf("verdict fail: %s", summarizeFindings(report.Findings))
		snapshot, err := s.store.Transition(laneID, lane.StatusRework, actorVerifier, detail)
		if err != nil {
			s.logger.Error("cannot mark lane for rework", append(logging.ContextFields(ctx), zap.Error(err))...)
			return
		}
		if s.reworks != nil {
			s.reworks.Add(ctx, 1, metric.WithAttributes(attribute.String("cause", "verification")))
		}
		if s.tripBreaker(ctx, snapshot, laneStart) {
			return
		}
		if err := s.reissue(ctx, laneID); err != nil {
			return
		}
		extraContext = ""
	}
}

// runAttempt runs worker then verifier for one attempt and moves the lane
// to verifying. Worker execution errors and empty change sets become
// synthetic FAIL reports so the lifecycle stays uniform. The second return
// is false when the attempt was aborted by cancellation.
func (s *Supervisor) runAttempt(ctx context.Context, l *lane.Lane, attemptContext string) (*lane.VerifierReport, bool) {
	res, err := s.worker.Run(ctx, l, attemptContext)
	if err != nil {
		if ctx.Err() != nil {
			return nil, false
		}
		if _, terr := s.store.Transition(l.ID, lane.StatusVerifying, actorWorker, fmt.Sprintf("execution error: %v", err)); terr != nil {
			s.logger.Error("cannot move lane to verifying", append(logging.ContextFields(ctx), zap.Error(terr))...)
			return nil, false
		}
		return executionFailReport(fmt.Sprintf("worker execution failed: %v", err)), true
	}

	if err := s.store.AttachWorkerOutput(l.ID, res.Output); err != nil {
		s.logger.Error("cannot attach worker output", append(logging.ContextFields(ctx), zap.Error(err))...)
	}
	if _, err := s.store.Transition(l.ID, lane.StatusVerifying, actorWorker, "attempt complete"); err != nil {
		s.logger.Error("cannot move lane to verifying", append(logging.ContextFields(ctx), zap.Error(err))...)
		return nil, false
	}

	if len(res.FilesTouched) == 0 {
		// No usable change set; the verifier has nothing to judge.
		return executionFailReport("attempt produced no change set"), true
	}

	current, err := s.store.GetLane(l.ID)
	if err != nil {
		return nil, false
	}
	report, err := s.verifier.Verify(ctx, current, res.Output, "")
	if err != nil {
		if ctx.Err() != nil {
			return nil, false
		}
		return executionFailReport(fmt.Sprintf("verification failed: %v", err)), true
	}
	return report, true
}

// mergeLane moves a verified lane through the merge coordinator. It
// returns terminal=true when the lane reached merged or failed, otherwise
// a rework order was issued and retryContext carries both conflicting
// change sets for the next attempt.
func (s *Supervisor) mergeLane(ctx context.Context, laneID string, laneStart time.Time) (terminal bool, retryContext string) {
	if _, err := s.store.Transition(laneID, lane.StatusMerging, actorVerifier, "verdict pass"); err != nil {
		s.logger.Error("cannot move lane to merging", append(logging.ContextFields(ctx), zap.Error(err))...)
		return true, ""
	}

	current, err := s.store.GetLane(laneID)
	if err != nil {
		return true, ""
	}
	result, err := s.merger.Merge(ctx, current)
	if err == nil {
		detail := fmt.Sprintf("applied %d files", len(result.Files))
		if _, terr := s.store.Transition(laneID, lane.StatusMerged, actorMerge, detail); terr != nil {
			s.logger.Error("cannot mark lane merged", append(logging.ContextFields(ctx), zap.Error(terr))...)
			return true, ""
		}
		if s.lanesMerged != nil {
			s.lanesMerged.Add(ctx, 1)
		}
		if s.laneDuration != nil {
			s.laneDuration.Record(ctx, time.Since(laneStart).Seconds())
		}
		return true, ""
	}

	if ctx.Err() != nil {
		return false, ""
	}

	var conflict *merge.ConflictError
	if errors.As(err, &conflict) {
		snapshot, terr := s.store.Transition(laneID, lane.StatusRework, actorSupervisor, conflict.Error())
		if terr != nil {
			s.logger.Error("cannot mark lane for rework", append(logging.ContextFields(ctx), zap.Error(terr))...)
			return true, ""
		}
		if s.reworks != nil {
			s.reworks.Add(ctx, 1, metric.WithAttributes(attribute.String("cause", "merge_conflict")))
		}
		if s.tripBreaker(ctx, snapshot, laneStart) {
			return true, ""
		}
		retryContext = s.conflictContext(current, conflict)
		if rerr := s.reissue(ctx, laneID); rerr != nil {
			return true, ""
		}
		return false, retryContext
	}

	if _, terr := s.store.Transition(laneID, lane.StatusFailed, actorMerge, fmt.Sprintf("merge failed: %v", err)); terr != nil {
		s.logger.Error("cannot mark lane failed", append(logging.ContextFields(ctx), zap.Error(terr))...)
	}
	s.countFailure(ctx, "merge_error")
	if s.laneDuration != nil {
		s.laneDuration.Record(ctx, time.Since(laneStart).Seconds())
	}
	return true, ""
}

// tripBreaker terminally fails a lane in rework once its failure count
// reaches the configured maximum. A tripped lane can never run again.
func (s *Supervisor) tripBreaker(ctx context.Context, snapshot *lane.Lane, laneStart time.Time) bool {
	if snapshot.FailureCount < s.config.MaxAttempts {
		return false
	}
	breaker := &CircuitBreakerError{LaneID: snapshot.ID, Attempts: snapshot.FailureCount}
	if _, err := s.store.Transition(snapshot.ID, lane.StatusFailed, actorSupervisor, breaker.Error()); err != nil {
		s.logger.Error("cannot trip circuit breaker", append(logging.ContextFields(ctx), zap.Error(err))...)
		return true
	}
	s.countFailure(ctx, "circuit_breaker")
	if s.laneDuration != nil {
		s.laneDuration.Record(ctx, time.Since(laneStart).Seconds())
	}
	s.logger.Warn("circuit breaker tripped",
		append(logging.ContextFields(ctx),
			zap.String("lane.id", snapshot.ID),
			zap.Int("attempts", snapshot.FailureCount),
		)...)
	return true
}

// reissue discards the attempt's artifacts and returns the lane to the
// ready pool. Each attempt starts from the original spec.
func (s *Supervisor) reissue(ctx context.Context, laneID string) error {
	if err := s.store.ResetAttempt(laneID); err != nil {
		s.logger.Error("cannot reset lane attempt", append(logging.ContextFields(ctx), zap.Error(err))...)
		return err
	}
	if _, err := s.store.Transition(laneID, lane.StatusPending, actorSupervisor, "fresh work order issued"); err != nil {
		s.logger.Error("cannot reissue lane", append(logging.ContextFields(ctx), zap.Error(err))...)
		return err
	}
	return nil
}

// conflictContext describes both sides of a merge conflict for the next
// attempt's prompt.
func (s *Supervisor) conflictContext(l *lane.Lane, conflict *merge.ConflictError) string {
	var b strings.Builder
	b.WriteString("## Merge conflict from previous attempt\n\n")
	fmt.Fprintf(&b, "Your previous change set touched: %s\n", strings.Join(l.FilesTouched, ", "))
	fmt.Fprintf(&b, "It conflicted on %s, already merged by another work unit.\n", strings.Join(conflict.Files, ", "))
	if other, err := s.store.GetLane(conflict.ConflictsWith); err == nil {
		fmt.Fprintf(&b, "\nThe merged change set touched: %s\n", strings.Join(other.FilesTouched, ", "))
		if other.Artifacts.WorkerOutput != "" {
			b.WriteString("\nIts summary:\n")
			b.WriteString(other.Artifacts.WorkerOutput)
			b.WriteString("\n")
		}
	}
	b.WriteString("\nRedo the task on top of the merged state.")
	return b.String()
}

func (s *Supervisor) countFailure(ctx context.Context, reason string) {
	if s.lanesFailed != nil {
		s.lanesFailed.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
	}
}

func (s *Supervisor) buildSummary(manifestID string, elapsed time.Duration) *lane.Summary {
	summary := &lane.Summary{
		ManifestID:    manifestID,
		TotalDuration: elapsed,
	}
	lanes, err := s.store.GetLanesByManifest(manifestID)
	if err != nil {
		return summary
	}
	summary.LanesTotal = len(lanes)
	for _, l := range lanes {
		summary.TotalCost += l.Metrics.TotalCost
		switch l.Status {
		case lane.StatusMerged:
			summary.LanesMerged++
		case lane.StatusFailed:
			summary.LanesFailed++
		}
	}
	summary.Success = summary.LanesTotal > 0 && summary.LanesMerged == summary.LanesTotal
	return summary
}

func executionFailReport(description string) *lane.VerifierReport {
	return &lane.VerifierReport{
		Verdict: lane.VerdictFail,
		Findings: []lane.Finding{{
			Category:    lane.FindingExecution,
			Severity:    lane.SeverityError,
			Description: description,
		}},
	}
}

func summarizeFindings(findings []lane.Finding) string {
	if len(findings) == 0 {
		return "no findings reported"
	}
	parts := make([]string, 0, len(findings))
	for _, f := range findings {
		parts = append(parts, fmt.Sprintf("%s/%s", f.Category, f.Severity))
	}
	return fmt.Sprintf("%d finding(s): %s", len(findings), strings.Join(parts, ", "))
}
