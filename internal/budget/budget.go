// Package budget decides whether the supervisor may start another
// iteration.
//
// The budget is wall-clock time measured from session creation, so
// downtime between resumes counts against it; a task that needs a fresh
// budget gets a fresh session id. The manager also enforces the iteration
// cap and refuses to start an iteration that is unlikely to fit in the
// time left.
package budget

import (
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/iterd/internal/checkpoint"
	"github.com/fyrsmithlabs/iterd/internal/session"
)

// Config configures the budget manager.
type Config struct {
	// DefaultIterationEstimate stands in for the running mean before any
	// iteration has completed.
	DefaultIterationEstimate time.Duration
}

// DefaultConfig returns production defaults.
func DefaultConfig() *Config {
	return &Config{
		DefaultIterationEstimate: 5 * time.Minute,
	}
}

// Verdict is the budget decision for one prospective iteration.
type Verdict struct {
	Continue bool
	// Reason names the guard that denied continuation; empty on Continue.
	Reason        string
	Remaining     time.Duration
	EstimatedNext time.Duration
}

// Manager answers the may-we-continue question. It holds no mutable state;
// everything it needs arrives in the snapshot.
type Manager struct {
	budget        time.Duration
	start         time.Time
	maxIterations int
	estimate      time.Duration
	logger        *zap.Logger

	// now is the clock, replaceable in tests.
	now func() time.Time
}

// New creates a budget manager bound to one session.
func New(cfg *Config, sess *session.Session, logger *zap.Logger) (*Manager, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if sess == nil {
		return nil, errors.New("session is required")
	}
	if cfg.DefaultIterationEstimate <= 0 {
		return nil, fmt.Errorf("default iteration estimate must be positive, got %s", cfg.DefaultIterationEstimate)
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Manager{
		budget:        sess.TimeBudget,
		start:         sess.CreatedAt,
		maxIterations: sess.MaxIterations,
		estimate:      cfg.DefaultIterationEstimate,
		logger:        logger,
		now:           time.Now,
	}, nil
}

// Remaining returns how much of the time budget is left at the given
// instant. Negative when the budget is overdrawn.
func (m *Manager) Remaining(now time.Time) time.Duration {
	return m.budget - now.Sub(m.start)
}

// MayContinue decides whether another iteration may start.
//
// Denies when the budget is spent, the iteration cap is reached, or the
// time left is smaller than the expected cost of one more iteration. The
// expected cost is the running mean over the snapshot's recorded timings,
// falling back to the configured default before the first completed
// iteration.
func (m *Manager) MayContinue(snap *checkpoint.Snapshot) Verdict {
	remaining := m.Remaining(m.now())
	estimate := m.estimateNext(snap)

	v := Verdict{
		Continue:      true,
		Remaining:     remaining,
		EstimatedNext: estimate,
	}

	switch {
	case remaining <= 0:
		v.Continue = false
		v.Reason = fmt.Sprintf("time budget exhausted (%s over)", (-remaining).Round(time.Second))
	case snap.Iteration >= m.maxIterations:
		v.Continue = false
		v.Reason = fmt.Sprintf("iteration limit reached (%d)", m.maxIterations)
	case remaining < estimate:
		v.Continue = false
		v.Reason = fmt.Sprintf("remaining %s below estimated iteration cost %s",
			remaining.Round(time.Second), estimate.Round(time.Second))
	}

	if !v.Continue {
		m.logger.Info("budget denies continuation",
			zap.String("reason", v.Reason),
			zap.Duration("remaining", remaining),
			zap.Duration("estimated_next", estimate),
			zap.Int("iteration", snap.Iteration),
		)
	}

	return v
}

// estimateNext returns the running mean iteration duration, or the default
// estimate when no iteration has completed yet.
func (m *Manager) estimateNext(snap *checkpoint.Snapshot) time.Duration {
	if len(snap.Timings) == 0 {
		return m.estimate
	}

	var total time.Duration
	for _, t := range snap.Timings {
		total += t.Duration()
	}
	return total / time.Duration(len(snap.Timings))
}
