package store

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/swarmd/internal/lane"
)

const instrumentationName = "github.com/fyrsmithlabs/swarmd/internal/store"

// Store errors.
var (
	ErrLaneNotFound     = errors.New("lane not found")
	ErrManifestNotFound = errors.New("manifest not found")
	ErrLaneExists       = errors.New("lane already exists")
	ErrManifestExists   = errors.New("manifest already exists")
)

// Config configures the store.
type Config struct {
	// RetainTerminal keeps terminal lanes in the store indefinitely for
	// audit. When false, PruneTerminal removes them on request.
	RetainTerminal bool `koanf:"retain_terminal"`
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{RetainTerminal: true}
}

// Store is the in-memory registry of lanes and manifests plus the event bus.
type Store struct {
	config *Config
	logger *zap.Logger

	mu          sync.RWMutex
	lanes       map[string]*lane.Lane
	manifests   map[string]*lane.Manifest
	byManifest  map[string][]string
	byStatus    map[lane.Status]map[string]struct{}
	laneLocks   map[string]*sync.Mutex
	mergedFiles map[string]map[string]string // manifest id -> file path -> owning lane id

	subMu   sync.RWMutex
	subs    map[int]*subscriber
	nextSub int

	meter            metric.Meter
	transitionsTotal metric.Int64Counter
	eventsTotal      metric.Int64Counter
}

// New creates a store.
func New(cfg *Config, logger *zap.Logger) *Store {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	s := &Store{
		config:      cfg,
		logger:      logger.Named("store"),
		lanes:       make(map[string]*lane.Lane),
		manifests:   make(map[string]*lane.Manifest),
		byManifest:  make(map[string][]string),
		byStatus:    make(map[lane.Status]map[string]struct{}),
		laneLocks:   make(map[string]*sync.Mutex),
		mergedFiles: make(map[string]map[string]string),
		subs:        make(map[int]*subscriber),
		meter:       otel.Meter(instrumentationName),
	}
	for _, st := range lane.AllStatuses() {
		s.byStatus[st] = make(map[string]struct{})
	}
	s.initMetrics()
	return s
}

func (s *Store) initMetrics() {
	var err error
	s.transitionsTotal, err = s.meter.Int64Counter(
		"swarmd.store.transitions_total",
		metric.WithDescription("Lane status transitions committed, labeled by target status."),
		metric.WithUnit("{transition}"),
	)
	if err != nil {
		s.logger.Warn("failed to create transitions counter", zap.Error(err))
	}
	s.eventsTotal, err = s.meter.Int64Counter(
		"swarmd.store.events_published_total",
		metric.WithDescription("Events delivered to subscribers, labeled by event kind."),
		metric.WithUnit("{event}"),
	)
	if err != nil {
		s.logger.Warn("failed to create events counter", zap.Error(err))
	}
}

// CreateManifest registers a manifest and publishes ManifestCreated.
func (s *Store) CreateManifest(m *lane.Manifest) error {
	if m == nil || m.ID == "" {
		return fmt.Errorf("manifest id is required")
	}

	s.mu.Lock()
	if _, ok := s.manifests[m.ID]; ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrManifestExists, m.ID)
	}
	s.manifests[m.ID] = m.Clone()
	s.mergedFiles[m.ID] = make(map[string]string)
	s.mu.Unlock()

	s.publish(lane.ManifestCreated{
		ManifestID: m.ID,
		Goal:       m.Goal,
		LaneCount:  len(m.Nodes),
		Timestamp:  time.Now(),
	})
	return nil
}

// CreateLane registers a lane in its initial status and publishes LaneCreated.
func (s *Store) CreateLane(l *lane.Lane) error {
	if l == nil || l.ID == "" {
		return fmt.Errorf("lane id is required")
	}

	s.mu.Lock()
	if _, ok := s.lanes[l.ID]; ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrLaneExists, l.ID)
	}
	if _, ok := s.manifests[l.ManifestID]; !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrManifestNotFound, l.ManifestID)
	}

	stored := l.Clone()
	if stored.Status == "" {
		stored.Status = lane.StatusPending
	}
	now := time.Now()
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = now
	}
	stored.UpdatedAt = stored.CreatedAt

	s.lanes[stored.ID] = stored
	s.byManifest[stored.ManifestID] = append(s.byManifest[stored.ManifestID], stored.ID)
	s.byStatus[stored.Status][stored.ID] = struct{}{}
	s.laneLocks[stored.ID] = &sync.Mutex{}
	s.mu.Unlock()

	s.publish(lane.LaneCreated{
		LaneID:     stored.ID,
		ManifestID: stored.ManifestID,
		Title:      stored.Spec.Title,
		Timestamp:  now,
	})
	return nil
}

// laneLock returns the per-lane mutex, or nil when the lane is unknown.
func (s *Store) laneLock(laneID string) *sync.Mutex {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.laneLocks[laneID]
}

// Transition moves a lane along one legal state-machine edge.
//
// It atomically validates the edge against the lane's current status,
// appends exactly one audit entry, updates the status index, increments
// failure_count when the lane enters rework, stamps completed_at exactly
// once at a terminal status, and publishes LaneTransitioned before
// returning. The returned lane is a snapshot.
func (s *Store) Transition(laneID string, to lane.Status, actor, detail string) (*lane.Lane, error) {
	lk := s.laneLock(laneID)
	if lk == nil {
		return nil, fmt.Errorf("%w: %s", ErrLaneNotFound, laneID)
	}
	lk.Lock()
	defer lk.Unlock()

	s.mu.Lock()
	l, ok := s.lanes[laneID]
	if !ok {
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrLaneNotFound, laneID)
	}

	from := l.Status
	if err := lane.ValidateTransition(from, to); err != nil {
		s.mu.Unlock()
		return nil, fmt.Errorf("lane %s: %w", laneID, err)
	}

	now := time.Now()
	l.AuditTrail = append(l.AuditTrail, lane.AuditEntry{
		Timestamp: now,
		FromState: from,
		ToState:   to,
		Actor:     actor,
		Detail:    detail,
	})
	l.Status = to
	l.UpdatedAt = now
	if to == lane.StatusRework {
		l.FailureCount++
	}
	if lane.IsTerminal(to) && l.CompletedAt.IsZero() {
		l.CompletedAt = now
		l.Metrics.Elapsed = now.Sub(l.CreatedAt)
	}

	delete(s.byStatus[from], laneID)
	s.byStatus[to][laneID] = struct{}{}

	snapshot := l.Clone()
	s.mu.Unlock()

	if s.transitionsTotal != nil {
		s.transitionsTotal.Add(noCtx, 1, metric.WithAttributes(statusAttr(to)))
	}
	s.logger.Debug("lane transitioned",
		zap.String("lane.id", laneID),
		zap.String("from", string(from)),
		zap.String("to", string(to)),
		zap.String("actor", actor))

	s.publish(lane.LaneTransitioned{
		LaneID:       laneID,
		ManifestID:   snapshot.ManifestID,
		From:         from,
		To:           to,
		Actor:        actor,
		Detail:       detail,
		FailureCount: snapshot.FailureCount,
		Timestamp:    now,
	})
	return snapshot, nil
}

// mutateLane applies fn to the lane under its per-lane lock and publishes
// an ArtifactAttached event for the given artifact kind when non-empty.
func (s *Store) mutateLane(laneID string, artifact lane.ArtifactKind, fn func(l *lane.Lane)) error {
	lk := s.laneLock(laneID)
	if lk == nil {
		return fmt.Errorf("%w: %s", ErrLaneNotFound, laneID)
	}
	lk.Lock()
	defer lk.Unlock()

	s.mu.Lock()
	l, ok := s.lanes[laneID]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrLaneNotFound, laneID)
	}
	fn(l)
	l.UpdatedAt = time.Now()
	manifestID := l.ManifestID
	s.mu.Unlock()

	if artifact != "" {
		s.publish(lane.ArtifactAttached{
			LaneID:     laneID,
			ManifestID: manifestID,
			Artifact:   artifact,
			Timestamp:  time.Now(),
		})
	}
	return nil
}

// AttachWorkerOutput records the worker's final output for this attempt.
func (s *Store) AttachWorkerOutput(laneID, output string) error {
	return s.mutateLane(laneID, lane.ArtifactWorkerOutput, func(l *lane.Lane) {
		l.Artifacts.WorkerOutput = output
	})
}

// AttachVerifierReport records the verification gate's report.
func (s *Store) AttachVerifierReport(laneID string, report *lane.VerifierReport) error {
	return s.mutateLane(laneID, lane.ArtifactVerifierReport, func(l *lane.Lane) {
		l.Artifacts.VerifierReport = report
	})
}

// AttachMergeResult records a successful merge application.
func (s *Store) AttachMergeResult(laneID string, result *lane.MergeResult) error {
	return s.mutateLane(laneID, lane.ArtifactMergeResult, func(l *lane.Lane) {
		l.Artifacts.MergeResult = result
	})
}

// AppendFilesTouched appends file paths to the lane's ordered touch list,
// skipping paths already present.
func (s *Store) AppendFilesTouched(laneID string, paths ...string) error {
	return s.mutateLane(laneID, "", func(l *lane.Lane) {
		seen := make(map[string]struct{}, len(l.FilesTouched))
		for _, p := range l.FilesTouched {
			seen[p] = struct{}{}
		}
		for _, p := range paths {
			if _, ok := seen[p]; !ok {
				l.FilesTouched = append(l.FilesTouched, p)
				seen[p] = struct{}{}
			}
		}
	})
}

// AddCost folds model/tool spend into the lane's metrics.
func (s *Store) AddCost(laneID string, cost float64) error {
	return s.mutateLane(laneID, "", func(l *lane.Lane) {
		l.Metrics.TotalCost += cost
	})
}

// ResetAttempt discards the previous attempt's artifacts and touch list.
// Rework starts from the original spec; no patch stacking.
func (s *Store) ResetAttempt(laneID string) error {
	return s.mutateLane(laneID, "", func(l *lane.Lane) {
		l.Artifacts = lane.Artifacts{}
		l.FilesTouched = nil
	})
}

// GetLane returns a snapshot of one lane's full record.
func (s *Store) GetLane(laneID string) (*lane.Lane, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	l, ok := s.lanes[laneID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrLaneNotFound, laneID)
	}
	return l.Clone(), nil
}

// GetManifest returns a snapshot of one manifest.
func (s *Store) GetManifest(manifestID string) (*lane.Manifest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.manifests[manifestID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrManifestNotFound, manifestID)
	}
	return m.Clone(), nil
}

// GetLanesByManifest returns snapshots of a manifest's lanes in creation order.
func (s *Store) GetLanesByManifest(manifestID string) ([]*lane.Lane, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.manifests[manifestID]; !ok {
		return nil, fmt.Errorf("%w: %s", ErrManifestNotFound, manifestID)
	}
	ids := s.byManifest[manifestID]
	out := make([]*lane.Lane, 0, len(ids))
	for _, id := range ids {
		out = append(out, s.lanes[id].Clone())
	}
	return out, nil
}

// GetLanesByStatus returns snapshots of every lane currently in the status.
func (s *Store) GetLanesByStatus(status lane.Status) []*lane.Lane {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*lane.Lane, 0, len(s.byStatus[status]))
	for id := range s.byStatus[status] {
		out = append(out, s.lanes[id].Clone())
	}
	return out
}

// MergedFiles returns the manifest's merged file set as path -> owning lane.
// The caller (merge coordinator) serializes check-and-record externally.
func (s *Store) MergedFiles(manifestID string) map[string]string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	src := s.mergedFiles[manifestID]
	out := make(map[string]string, len(src))
	for k, v := range src {
		out[k] = v
	}
	return out
}

// RecordMergedFiles adds a merged lane's files to the manifest's merged set.
func (s *Store) RecordMergedFiles(manifestID, laneID string, paths []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	set, ok := s.mergedFiles[manifestID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrManifestNotFound, manifestID)
	}
	for _, p := range paths {
		set[p] = laneID
	}
	return nil
}

// PruneTerminal removes terminal lanes of a manifest when retention policy
// allows it. Returns the number of lanes removed.
func (s *Store) PruneTerminal(manifestID string) int {
	if s.config.RetainTerminal {
		return 0
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var kept []string
	removed := 0
	for _, id := range s.byManifest[manifestID] {
		l := s.lanes[id]
		if lane.IsTerminal(l.Status) {
			delete(s.lanes, id)
			delete(s.byStatus[l.Status], id)
			delete(s.laneLocks, id)
			removed++
			continue
		}
		kept = append(kept, id)
	}
	s.byManifest[manifestID] = kept
	return removed
}

// PublishManifestCompleted publishes the terminal event for a run.
func (s *Store) PublishManifestCompleted(manifestID string, summary lane.Summary) {
	s.publish(lane.ManifestCompleted{
		ManifestID: manifestID,
		Summary:    summary,
		Timestamp:  time.Now(),
	})
}
