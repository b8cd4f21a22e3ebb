// Package supervisor decomposes a natural-language goal into a manifest of
// dependent subtasks and drives every lane through worker, verifier, and
// merge to a terminal state.
//
// The supervisor owns three policies the executors never decide themselves:
// the rework policy (a failed attempt is discarded and re-issued from the
// original spec, never patched), the circuit breaker (failure_count
// reaching the configured maximum terminally fails the lane and its
// unstarted dependents while independent branches continue), and merge
// reconciliation (a conflict reported by the merge coordinator becomes
// either a rework order carrying both conflicting change sets as context,
// or a terminal failure).
package supervisor
