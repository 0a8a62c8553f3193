package worker

import (
	"time"

	"github.com/fyrsmithlabs/iterd/internal/checkpoint"
	"github.com/fyrsmithlabs/iterd/internal/ledger"
)

// Status classifies one worker invocation.
type Status string

const (
	// StatusSuccess: the iteration ran and may have made progress.
	StatusSuccess Status = "success"

	// StatusTerminalSuccess: the worker declared the whole task complete.
	StatusTerminalSuccess Status = "terminal-success"

	// StatusRecoverableFailure: transient; the next iteration is the retry.
	StatusRecoverableFailure Status = "recoverable-failure"

	// StatusFatalFailure: unexpected crash or corrupt output; never retried.
	StatusFatalFailure Status = "fatal-failure"
)

// Outcome is the ephemeral result of one invocation. Nothing in it is
// persisted directly; the supervisor folds it into the snapshot.
type Outcome struct {
	Status Status
	// Reason is set for failures: "timeout", a signature name, or a
	// description of the fatal condition.
	Reason    string
	Delta     ledger.Delta
	Artifacts map[string]string
	// Phase is a phase advance requested by the worker, empty for none.
	Phase    string
	Notes    []string
	ExitCode int
	Duration time.Duration
	// Stderr is a bounded tail for diagnostics, credentials redacted.
	Stderr string
}

// Failed reports whether the outcome is any kind of failure.
func (o *Outcome) Failed() bool {
	return o.Status == StatusRecoverableFailure || o.Status == StatusFatalFailure
}

// payload is what the worker receives on stdin.
type payload struct {
	Task      string               `json:"task"`
	SessionID string               `json:"session_id"`
	Iteration int                  `json:"iteration"`
	Snapshot  *checkpoint.Snapshot `json:"snapshot"`
}
