// Package lane defines the data model for goal orchestration: manifests
// (one decomposed goal with its subtask dependency graph), lanes (one
// isolated unit of work per subtask), the lane status state machine, and
// the closed set of events the store publishes to observers.
//
// A lane moves PENDING -> RUNNING -> VERIFYING -> MERGING -> MERGED on the
// success path. A FAIL verdict sends it VERIFYING -> REWORK, from where the
// supervisor either re-issues the work order (REWORK -> PENDING) or trips
// the circuit breaker (REWORK -> FAILED). A merge conflict sends it
// MERGING -> REWORK or MERGING -> FAILED under the same policy. MERGED and
// FAILED are terminal.
package lane
