// Package executor drives individual lane steps against the external
// model-call and tool-execution collaborators.
//
// The Worker runs one lane's code-generation step: it builds a prompt
// deterministically from the lane spec and the supplied workspace context,
// relays the model's tool calls verbatim to the tool runner, and folds
// every call into the lane's files_touched list and cost metrics.
//
// The Verifier runs the read-only verification gate: a fixed checklist
// judged against the lane's change set and acceptance criteria, producing
// a binary verdict and findings. It never proposes a fix and never
// executes a mutating tool call.
//
// Both collaborators are opaque interfaces; this package performs no file
// or process I/O of its own.
package executor
