package lane

import (
	"time"
)

// Status represents the lifecycle state of a lane.
type Status string

const (
	// StatusPending means the lane is waiting for its dependencies or a
	// free execution slot.
	StatusPending Status = "pending"

	// StatusRunning means the worker executor holds the lane.
	StatusRunning Status = "running"

	// StatusVerifying means the verifier executor is judging the change set.
	StatusVerifying Status = "verifying"

	// StatusRework means the last attempt failed and the supervisor has not
	// yet decided between a fresh attempt and terminal failure.
	StatusRework Status = "rework"

	// StatusMerging means the merge coordinator holds the lane.
	StatusMerging Status = "merging"

	// StatusMerged is the terminal success state.
	StatusMerged Status = "merged"

	// StatusFailed is the terminal failure state.
	StatusFailed Status = "failed"
)

// AllStatuses returns every status, useful for index initialization.
func AllStatuses() []Status {
	return []Status{
		StatusPending, StatusRunning, StatusVerifying,
		StatusRework, StatusMerging, StatusMerged, StatusFailed,
	}
}

// Verdict is the binary output of the verification gate.
type Verdict string

const (
	VerdictPass Verdict = "pass"
	VerdictFail Verdict = "fail"
)

// Severity indicates how serious a verifier finding is.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityError    Severity = "error"
	SeverityCritical Severity = "critical"
)

// FindingCategory classifies a verifier finding.
type FindingCategory string

const (
	FindingSecurity     FindingCategory = "security"
	FindingScopeCreep   FindingCategory = "scope_creep"
	FindingIncomplete   FindingCategory = "incomplete"
	FindingPlanMismatch FindingCategory = "plan_mismatch"
	FindingExecution    FindingCategory = "execution"
)

// Finding is a single verifier observation. The verifier judges; it never
// proposes a fix.
type Finding struct {
	Category    FindingCategory `json:"category"`
	Severity    Severity        `json:"severity"`
	Description string          `json:"description"`
}

// VerifierReport is the verification gate output for one attempt.
type VerifierReport struct {
	Verdict  Verdict   `json:"verdict"`
	Findings []Finding `json:"findings,omitempty"`
}

// MergeResult records a successful merge application.
type MergeResult struct {
	CommitID  string    `json:"commit_id,omitempty"`
	Files     []string  `json:"files"`
	AppliedAt time.Time `json:"applied_at"`
}

// Artifacts holds the work products of a lane's current attempt. Rework
// discards them; each attempt starts from the original spec.
type Artifacts struct {
	WorkerOutput   string          `json:"worker_output,omitempty"`
	VerifierReport *VerifierReport `json:"verifier_report,omitempty"`
	MergeResult    *MergeResult    `json:"merge_result,omitempty"`
}

// AuditEntry is one immutable record in a lane's append-only history.
type AuditEntry struct {
	Timestamp time.Time `json:"timestamp"`
	FromState Status    `json:"from_state"`
	ToState   Status    `json:"to_state"`
	Actor     string    `json:"actor"`
	Detail    string    `json:"detail,omitempty"`
}

// Metrics aggregates cost and elapsed time for one lane.
type Metrics struct {
	TotalCost float64       `json:"total_cost"`
	Elapsed   time.Duration `json:"elapsed"`
}

// Spec describes what a lane must accomplish.
type Spec struct {
	Title              string   `json:"title"`
	Description        string   `json:"description"`
	AcceptanceCriteria []string `json:"acceptance_criteria,omitempty"`
}

// Lane is one isolated unit of work for a single decomposed subtask.
type Lane struct {
	ID              string       `json:"id"`
	ManifestID      string       `json:"manifest_id"`
	SubtaskNodeID   string       `json:"subtask_node_id"`
	Status          Status       `json:"status"`
	Spec            Spec         `json:"spec"`
	WorkerModelID   string       `json:"worker_model_id"`
	VerifierModelID string       `json:"verifier_model_id"`
	FilesTouched    []string     `json:"files_touched,omitempty"`
	Artifacts       Artifacts    `json:"artifacts"`
	AuditTrail      []AuditEntry `json:"audit_trail"`
	Metrics         Metrics      `json:"metrics"`
	FailureCount    int          `json:"failure_count"`
	CreatedAt       time.Time    `json:"created_at"`
	UpdatedAt       time.Time    `json:"updated_at"`
	CompletedAt     time.Time    `json:"completed_at,omitempty"`
}

// Clone returns a deep copy so callers can read a lane without racing the
// store's writers.
func (l *Lane) Clone() *Lane {
	c := *l
	c.Spec.AcceptanceCriteria = append([]string(nil), l.Spec.AcceptanceCriteria...)
	c.FilesTouched = append([]string(nil), l.FilesTouched...)
	c.AuditTrail = append([]AuditEntry(nil), l.AuditTrail...)
	if l.Artifacts.VerifierReport != nil {
		r := *l.Artifacts.VerifierReport
		r.Findings = append([]Finding(nil), l.Artifacts.VerifierReport.Findings...)
		c.Artifacts.VerifierReport = &r
	}
	if l.Artifacts.MergeResult != nil {
		m := *l.Artifacts.MergeResult
		m.Files = append([]string(nil), l.Artifacts.MergeResult.Files...)
		c.Artifacts.MergeResult = &m
	}
	return &c
}

// SubtaskNode is one node in a manifest's dependency graph.
type SubtaskNode struct {
	ID        string   `json:"id"`
	Spec      Spec     `json:"spec"`
	DependsOn []string `json:"depends_on,omitempty"`
}

// Manifest is the decomposition record for one goal. It is never mutated
// after decomposition; aggregate counters are derived from its lanes.
type Manifest struct {
	ID        string        `json:"id"`
	Goal      string        `json:"goal"`
	SessionID string        `json:"session_id,omitempty"`
	Nodes     []SubtaskNode `json:"nodes"`
	CreatedAt time.Time     `json:"created_at"`
}

// Clone returns a deep copy of the manifest.
func (m *Manifest) Clone() *Manifest {
	c := *m
	c.Nodes = make([]SubtaskNode, len(m.Nodes))
	for i, n := range m.Nodes {
		n.DependsOn = append([]string(nil), n.DependsOn...)
		n.Spec.AcceptanceCriteria = append([]string(nil), n.Spec.AcceptanceCriteria...)
		c.Nodes[i] = n
	}
	return &c
}

// Stats is the on-demand aggregate view of one manifest's lanes.
type Stats struct {
	ManifestID  string         `json:"manifest_id"`
	ByStatus    map[Status]int `json:"by_status"`
	TotalCost   float64        `json:"total_cost"`
	NonTerminal int            `json:"non_terminal"`
	Elapsed     time.Duration  `json:"elapsed"`
}

// Summary is returned to the caller when an orchestration run ends.
type Summary struct {
	ManifestID    string        `json:"manifest_id"`
	Success       bool          `json:"success"`
	LanesTotal    int           `json:"lanes_total"`
	LanesMerged   int           `json:"lanes_merged"`
	LanesFailed   int           `json:"lanes_failed"`
	TotalCost     float64       `json:"total_cost"`
	TotalDuration time.Duration `json:"total_duration"`
}
