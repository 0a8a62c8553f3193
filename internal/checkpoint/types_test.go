package checkpoint

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/iterd/internal/ledger"
)

func TestParsePhase(t *testing.T) {
	for _, valid := range []string{"explore", "plan", "execute", "done"} {
		p, err := ParsePhase(valid)
		require.NoError(t, err)
		assert.Equal(t, Phase(valid), p)
	}

	_, err := ParsePhase("review")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown phase")
}

func TestPhaseCanAdvanceTo(t *testing.T) {
	tests := []struct {
		from, to Phase
		want     bool
	}{
		{PhaseExplore, PhasePlan, true},
		{PhaseExplore, PhaseDone, true},
		{PhasePlan, PhasePlan, true},
		{PhaseExecute, PhasePlan, false},
		{PhaseDone, PhaseExplore, false},
		{PhaseExplore, Phase("bogus"), false},
		{Phase("bogus"), PhasePlan, false},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, tt.from.CanAdvanceTo(tt.to), "%s -> %s", tt.from, tt.to)
	}
}

func TestNewSnapshot(t *testing.T) {
	snap := NewSnapshot("payments-20260825-174502")

	assert.Equal(t, "payments-20260825-174502", snap.SessionID)
	assert.Equal(t, 0, snap.Iteration)
	assert.Equal(t, PhaseExplore, snap.Phase)
	assert.NotNil(t, snap.Ledger)
	assert.Empty(t, snap.Ledger)
	assert.NotNil(t, snap.Artifacts)
	assert.Empty(t, snap.Artifacts)
	assert.Zero(t, snap.ConsecutiveFailures)
	assert.NoError(t, snap.Validate())
}

func TestSnapshotValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Snapshot)
		wantErr string
	}{
		{
			name:    "empty session id",
			mutate:  func(s *Snapshot) { s.SessionID = "" },
			wantErr: "empty session id",
		},
		{
			name:    "negative iteration",
			mutate:  func(s *Snapshot) { s.Iteration = -1 },
			wantErr: "negative",
		},
		{
			name:    "unknown phase",
			mutate:  func(s *Snapshot) { s.Phase = "review" },
			wantErr: "unknown phase",
		},
		{
			name:    "negative failure count",
			mutate:  func(s *Snapshot) { s.ConsecutiveFailures = -2 },
			wantErr: "failure count",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			snap := NewSnapshot("sess-20260101-000000")
			tt.mutate(snap)
			err := snap.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestSnapshotClone(t *testing.T) {
	snap := NewSnapshot("sess-20260101-000000")
	snap.Iteration = 3
	snap.Ledger = ledger.Ledger{{Description: "a", Status: ledger.StatusPending, Iteration: 1}}
	snap.Artifacts["plan"] = "original"
	snap.FailedAttempts = []FailedAttempt{{Iteration: 2, Reason: "timeout", At: time.Now()}}
	snap.Timings = []IterationTiming{{Iteration: 1, DurationMS: 1500}}

	clone := snap.Clone()
	clone.Iteration = 4
	clone.Ledger[0].Status = ledger.StatusCompleted
	clone.Artifacts["plan"] = "changed"
	clone.FailedAttempts[0].Reason = "changed"
	clone.Timings[0].DurationMS = 9

	assert.Equal(t, 3, snap.Iteration)
	assert.Equal(t, ledger.StatusPending, snap.Ledger[0].Status)
	assert.Equal(t, "original", snap.Artifacts["plan"])
	assert.Equal(t, "timeout", snap.FailedAttempts[0].Reason)
	assert.Equal(t, int64(1500), snap.Timings[0].DurationMS)
}

func TestIterationTimingDuration(t *testing.T) {
	timing := IterationTiming{Iteration: 1, DurationMS: 2500}
	assert.Equal(t, 2500*time.Millisecond, timing.Duration())
}
