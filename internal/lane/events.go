package lane

import "time"

// EventKind identifies the concrete type of an Event.
type EventKind string

const (
	EventManifestCreated   EventKind = "manifest.created"
	EventManifestCompleted EventKind = "manifest.completed"
	EventLaneCreated       EventKind = "lane.created"
	EventLaneTransitioned  EventKind = "lane.transitioned"
	EventArtifactAttached  EventKind = "lane.artifact_attached"
)

// Event is one observation record published by the store. Events describe
// committed store state; they are never the authoritative source of it.
//
// The set of implementations is closed: each kind carries its own typed
// payload, so a consumer can never observe an impossible field combination.
type Event interface {
	Kind() EventKind
	OccurredAt() time.Time
	isEvent()
}

// ManifestCreated is published when a goal has been decomposed.
type ManifestCreated struct {
	ManifestID string    `json:"manifest_id"`
	Goal       string    `json:"goal"`
	LaneCount  int       `json:"lane_count"`
	Timestamp  time.Time `json:"timestamp"`
}

// ManifestCompleted is published when every lane of a manifest is terminal
// or the run was cancelled.
type ManifestCompleted struct {
	ManifestID string    `json:"manifest_id"`
	Summary    Summary   `json:"summary"`
	Timestamp  time.Time `json:"timestamp"`
}

// LaneCreated is published when a lane is registered in the store.
type LaneCreated struct {
	LaneID     string    `json:"lane_id"`
	ManifestID string    `json:"manifest_id"`
	Title      string    `json:"title"`
	Timestamp  time.Time `json:"timestamp"`
}

// LaneTransitioned is published for every committed status transition.
type LaneTransitioned struct {
	LaneID       string    `json:"lane_id"`
	ManifestID   string    `json:"manifest_id"`
	From         Status    `json:"from"`
	To           Status    `json:"to"`
	Actor        string    `json:"actor"`
	Detail       string    `json:"detail,omitempty"`
	FailureCount int       `json:"failure_count"`
	Timestamp    time.Time `json:"timestamp"`
}

// ArtifactKind names the artifact slot an ArtifactAttached event refers to.
type ArtifactKind string

const (
	ArtifactWorkerOutput   ArtifactKind = "worker_output"
	ArtifactVerifierReport ArtifactKind = "verifier_report"
	ArtifactMergeResult    ArtifactKind = "merge_result"
)

// ArtifactAttached is published when an executor attaches a work product.
type ArtifactAttached struct {
	LaneID     string       `json:"lane_id"`
	ManifestID string       `json:"manifest_id"`
	Artifact   ArtifactKind `json:"artifact"`
	Timestamp  time.Time    `json:"timestamp"`
}

func (e ManifestCreated) Kind() EventKind   { return EventManifestCreated }
func (e ManifestCompleted) Kind() EventKind { return EventManifestCompleted }
func (e LaneCreated) Kind() EventKind       { return EventLaneCreated }
func (e LaneTransitioned) Kind() EventKind  { return EventLaneTransitioned }
func (e ArtifactAttached) Kind() EventKind  { return EventArtifactAttached }

func (e ManifestCreated) OccurredAt() time.Time   { return e.Timestamp }
func (e ManifestCompleted) OccurredAt() time.Time { return e.Timestamp }
func (e LaneCreated) OccurredAt() time.Time       { return e.Timestamp }
func (e LaneTransitioned) OccurredAt() time.Time  { return e.Timestamp }
func (e ArtifactAttached) OccurredAt() time.Time  { return e.Timestamp }

func (ManifestCreated) isEvent()   {}
func (ManifestCompleted) isEvent() {}
func (LaneCreated) isEvent()       {}
func (LaneTransitioned) isEvent()  {}
func (ArtifactAttached) isEvent()  {}
