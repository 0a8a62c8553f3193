package checkpoint

import (
	"fmt"
	"time"

	"github.com/fyrsmithlabs/iterd/internal/ledger"
)

// Phase is the coarse stage of a supervised task. Phases only move forward.
type Phase string

const (
	PhaseExplore Phase = "explore"
	PhasePlan    Phase = "plan"
	PhaseExecute Phase = "execute"
	PhaseDone    Phase = "done"
)

// phaseRank orders phases for the forward-only rule.
var phaseRank = map[Phase]int{
	PhaseExplore: 0,
	PhasePlan:    1,
	PhaseExecute: 2,
	PhaseDone:    3,
}

// ParsePhase validates a phase name, typically from a worker report.
func ParsePhase(s string) (Phase, error) {
	p := Phase(s)
	if !p.Valid() {
		return "", fmt.Errorf("unknown phase %q", s)
	}
	return p, nil
}

// Valid reports whether p is a member of the closed phase set.
func (p Phase) Valid() bool {
	_, ok := phaseRank[p]
	return ok
}

// CanAdvanceTo reports whether moving from p to next respects the
// forward-only rule. Staying in place is allowed.
func (p Phase) CanAdvanceTo(next Phase) bool {
	cur, ok := phaseRank[p]
	if !ok {
		return false
	}
	nxt, ok := phaseRank[next]
	if !ok {
		return false
	}
	return nxt >= cur
}

// FailedAttempt records one failed iteration for postmortem.
type FailedAttempt struct {
	// Iteration is the attempted iteration number (one past the last
	// completed iteration at the time of the attempt).
	Iteration int       `json:"iteration"`
	Reason    string    `json:"reason"`
	At        time.Time `json:"at"`
}

// IterationTiming records how long one completed iteration took. The
// budget manager derives its running mean from these.
type IterationTiming struct {
	Iteration  int       `json:"iteration"`
	DurationMS int64     `json:"duration_ms"`
	At         time.Time `json:"at"`
}

// Duration returns the recorded duration.
func (t IterationTiming) Duration() time.Duration {
	return time.Duration(t.DurationMS) * time.Millisecond
}

// Snapshot is the complete persisted state needed to resume a session from
// the last completed iteration.
type Snapshot struct {
	SessionID string `json:"session_id"`
	// Iteration counts completed iterations. Monotonically non-decreasing
	// across saves.
	Iteration int               `json:"iteration"`
	Phase     Phase             `json:"phase"`
	Ledger    ledger.Ledger     `json:"ledger"`
	Artifacts map[string]string `json:"artifacts"`
	// FailedAttempts accumulates across the session; it is never pruned.
	FailedAttempts []FailedAttempt   `json:"failed_attempts,omitempty"`
	Timings        []IterationTiming `json:"timings,omitempty"`
	// ConsecutiveFailures counts recoverable failures since the last
	// success. Persisted so a resumed session keeps its retry budget.
	ConsecutiveFailures int       `json:"consecutive_failures"`
	UpdatedAt           time.Time `json:"updated_at"`
}

// NewSnapshot returns the well-defined empty snapshot: iteration zero,
// phase explore, empty ledger, no artifacts. First run and resume share
// this single starting point.
func NewSnapshot(sessionID string) *Snapshot {
	return &Snapshot{
		SessionID: sessionID,
		Iteration: 0,
		Phase:     PhaseExplore,
		Ledger:    ledger.Ledger{},
		Artifacts: map[string]string{},
	}
}

// Validate checks the structural invariants a snapshot must satisfy before
// it may be persisted or trusted after a load.
func (s *Snapshot) Validate() error {
	if s.SessionID == "" {
		return fmt.Errorf("snapshot has empty session id")
	}
	if s.Iteration < 0 {
		return fmt.Errorf("snapshot iteration is negative: %d", s.Iteration)
	}
	if !s.Phase.Valid() {
		return fmt.Errorf("snapshot has unknown phase %q", s.Phase)
	}
	if s.ConsecutiveFailures < 0 {
		return fmt.Errorf("snapshot consecutive failure count is negative: %d", s.ConsecutiveFailures)
	}
	return nil
}

// Clone returns a deep copy so callers can stage changes without touching
// the loaded snapshot until the save succeeds.
func (s *Snapshot) Clone() *Snapshot {
	c := *s

	c.Ledger = make(ledger.Ledger, len(s.Ledger))
	copy(c.Ledger, s.Ledger)

	c.Artifacts = make(map[string]string, len(s.Artifacts))
	for k, v := range s.Artifacts {
		c.Artifacts[k] = v
	}

	if s.FailedAttempts != nil {
		c.FailedAttempts = make([]FailedAttempt, len(s.FailedAttempts))
		copy(c.FailedAttempts, s.FailedAttempts)
	}
	if s.Timings != nil {
		c.Timings = make([]IterationTiming, len(s.Timings))
		copy(c.Timings, s.Timings)
	}

	return &c
}
