package supervisor

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"

	"github.com/fyrsmithlabs/iterd/internal/budget"
	"github.com/fyrsmithlabs/iterd/internal/checkpoint"
	"github.com/fyrsmithlabs/iterd/internal/completion"
	"github.com/fyrsmithlabs/iterd/internal/ledger"
	"github.com/fyrsmithlabs/iterd/internal/logging"
	"github.com/fyrsmithlabs/iterd/internal/session"
	"github.com/fyrsmithlabs/iterd/internal/worker"
)

// scriptedInvoker plays back a fixed sequence of outcomes.
type scriptedInvoker struct {
	outcomes  []*worker.Outcome
	err       error
	afterCall func(call int)

	calls    int
	tasks    []string
	attempts []int
}

func (f *scriptedInvoker) Invoke(_ context.Context, task string, snap *checkpoint.Snapshot) (*worker.Outcome, error) {
	f.calls++
	f.tasks = append(f.tasks, task)
	f.attempts = append(f.attempts, snap.Iteration+1)

	if f.afterCall != nil {
		f.afterCall(f.calls)
	}
	if f.err != nil {
		return nil, f.err
	}
	if f.calls > len(f.outcomes) {
		return nil, fmt.Errorf("unexpected invocation %d", f.calls)
	}
	return f.outcomes[f.calls-1], nil
}

func (f *scriptedInvoker) Close() error { return nil }

func testDeps(t *testing.T, timeBudget time.Duration, maxIterations int, inv worker.Invoker) (Deps, *session.Session) {
	t.Helper()

	sess, err := session.Create(t.TempDir(), session.Params{
		Project:       "payments",
		WorkDir:       t.TempDir(),
		TimeBudget:    timeBudget,
		MaxIterations: maxIterations,
	}, time.Now())
	require.NoError(t, err)

	store, err := checkpoint.NewStore(&checkpoint.StoreConfig{SyncWrites: false}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	mgr, err := budget.New(nil, sess, nil)
	require.NoError(t, err)

	det := completion.NewDetector(nil)
	t.Cleanup(func() { _ = det.Close() })

	return Deps{Session: sess, Store: store, Budget: mgr, Detector: det, Invoker: inv}, sess
}

func newSupervisor(t *testing.T, deps Deps) Supervisor {
	t.Helper()
	sup, err := New(Config{Task: "polish the API"}, deps, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = sup.Close() })
	return sup
}

func loadSnapshot(t *testing.T, deps Deps) *checkpoint.Snapshot {
	t.Helper()
	snap, err := deps.Store.Load(context.Background(), deps.Session)
	require.NoError(t, err)
	return snap
}

func TestNewValidation(t *testing.T) {
	inv := &scriptedInvoker{}
	deps, _ := testDeps(t, time.Hour, 10, inv)

	tests := []struct {
		name    string
		cfg     Config
		mutate  func(d *Deps)
		wantErr string
	}{
		{"missing task", Config{}, nil, "task is required"},
		{"negative max failures", Config{Task: "x", MaxConsecutiveFailures: -1}, nil, "max consecutive failures"},
		{"negative interval", Config{Task: "x", LaunchInterval: -time.Second}, nil, "launch interval"},
		{"nil session", Config{Task: "x"}, func(d *Deps) { d.Session = nil }, "session is required"},
		{"nil store", Config{Task: "x"}, func(d *Deps) { d.Store = nil }, "checkpoint store is required"},
		{"nil budget", Config{Task: "x"}, func(d *Deps) { d.Budget = nil }, "budget manager is required"},
		{"nil detector", Config{Task: "x"}, func(d *Deps) { d.Detector = nil }, "completion detector is required"},
		{"nil invoker", Config{Task: "x"}, func(d *Deps) { d.Invoker = nil }, "worker invoker is required"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := deps
			if tt.mutate != nil {
				tt.mutate(&d)
			}
			_, err := New(tt.cfg, d, nil)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestRunUntilLedgerComplete(t *testing.T) {
	inv := &scriptedInvoker{outcomes: []*worker.Outcome{
		{
			Status: worker.StatusSuccess,
			Delta: ledger.Delta{
				{Description: "write tests", Status: ledger.StatusCompleted},
				{Description: "fix lint", Status: ledger.StatusPending},
				{Description: "update docs", Status: ledger.StatusPending},
			},
			Artifacts: map[string]string{"plan": "v1"},
			Phase:     "plan",
			Duration:  10 * time.Millisecond,
		},
		{
			Status:    worker.StatusSuccess,
			Delta:     ledger.Delta{{Description: "fix lint", Status: ledger.StatusCompleted}},
			Artifacts: map[string]string{"plan": "v2"},
			Phase:     "execute",
			Duration:  20 * time.Millisecond,
		},
		{
			Status:   worker.StatusSuccess,
			Delta:    ledger.Delta{{Description: "update docs", Status: ledger.StatusCompleted}},
			Duration: 30 * time.Millisecond,
		},
	}}
	deps, sess := testDeps(t, time.Hour, 10, inv)
	sup := newSupervisor(t, deps)

	res, err := sup.Run(context.Background())
	require.NoError(t, err)

	// The first iteration left two items pending, so the loop kept going.
	assert.Equal(t, 3, inv.calls)
	assert.Equal(t, []int{1, 2, 3}, inv.attempts)
	assert.Equal(t, []string{"polish the API", "polish the API", "polish the API"}, inv.tasks)

	assert.Equal(t, StateCompleted, res.State)
	assert.Equal(t, ExitCompleted, res.ExitCode)
	assert.Equal(t, "all 3 ledger items completed", res.Reason)
	assert.Equal(t, 3, res.Iterations)
	require.NoError(t, res.Err)

	_, err = os.Stat(sess.CompleteFlagPath())
	require.NoError(t, err)

	snap := loadSnapshot(t, deps)
	assert.Equal(t, 3, snap.Iteration)
	assert.Equal(t, checkpoint.PhaseExecute, snap.Phase)
	assert.Equal(t, 3, snap.Ledger.Completed())
	assert.Zero(t, snap.Ledger.Pending())
	assert.Equal(t, "v2", snap.Artifacts["plan"])
	assert.Zero(t, snap.ConsecutiveFailures)

	require.Len(t, snap.Timings, 3)
	assert.Equal(t, 1, snap.Timings[0].Iteration)
	assert.Equal(t, int64(10), snap.Timings[0].DurationMS)
	assert.Equal(t, 3, snap.Timings[2].Iteration)
}

func TestRunWorkerSignalsCompletion(t *testing.T) {
	inv := &scriptedInvoker{outcomes: []*worker.Outcome{
		{
			Status: worker.StatusTerminalSuccess,
			Delta:  ledger.Delta{{Description: "stretch goal", Status: ledger.StatusPending}},
		},
	}}
	deps, sess := testDeps(t, time.Hour, 10, inv)
	sup := newSupervisor(t, deps)

	res, err := sup.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, StateCompleted, res.State)
	assert.Equal(t, "worker signaled completion", res.Reason)
	assert.Equal(t, 1, res.Iterations)

	_, err = os.Stat(sess.CompleteFlagPath())
	require.NoError(t, err)
}

func TestRunCompletionFlagStopsRerun(t *testing.T) {
	inv := &scriptedInvoker{outcomes: []*worker.Outcome{
		{Status: worker.StatusTerminalSuccess},
	}}
	deps, _ := testDeps(t, time.Hour, 10, inv)

	res, err := newSupervisor(t, deps).Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, StateCompleted, res.State)

	// A rerun of the completed session must not invoke the worker at all.
	rerunInv := &scriptedInvoker{}
	deps.Invoker = rerunInv

	res, err = newSupervisor(t, deps).Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, StateCompleted, res.State)
	assert.Equal(t, "completion flag present", res.Reason)
	assert.Equal(t, ExitCompleted, res.ExitCode)
	assert.Zero(t, rerunInv.calls)
}

func TestRunBudgetDeniedBeforeFirstIteration(t *testing.T) {
	// Two minutes remaining against the five-minute default estimate.
	inv := &scriptedInvoker{}
	deps, _ := testDeps(t, 2*time.Minute, 10, inv)
	sup := newSupervisor(t, deps)

	res, err := sup.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, StateFailed, res.State)
	assert.Equal(t, "budget exhausted", res.Reason)
	assert.Equal(t, ExitFailed, res.ExitCode)
	assert.ErrorIs(t, res.Err, ErrBudgetExhausted)
	assert.Zero(t, inv.calls)
}

func TestRunIterationCapRespected(t *testing.T) {
	inv := &scriptedInvoker{outcomes: []*worker.Outcome{
		{Status: worker.StatusSuccess},
		{Status: worker.StatusSuccess},
	}}
	deps, _ := testDeps(t, time.Hour, 2, inv)
	sup := newSupervisor(t, deps)

	res, err := sup.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, StateFailed, res.State)
	assert.Equal(t, "budget exhausted", res.Reason)
	assert.ErrorIs(t, res.Err, ErrBudgetExhausted)
	assert.Equal(t, 2, inv.calls)
	assert.Equal(t, 2, res.Iterations)
}

func TestRunConsecutiveRecoverableFailures(t *testing.T) {
	recoverable := &worker.Outcome{
		Status: worker.StatusRecoverableFailure,
		Reason: "timeout",
	}
	inv := &scriptedInvoker{outcomes: []*worker.Outcome{recoverable, recoverable, recoverable}}
	deps, _ := testDeps(t, time.Hour, 10, inv)
	sup := newSupervisor(t, deps)

	res, err := sup.Run(context.Background())
	require.NoError(t, err)

	// The third consecutive failure hits the default cap; no fourth attempt.
	assert.Equal(t, 3, inv.calls)
	assert.Equal(t, StateFailed, res.State)
	assert.Equal(t, "too many consecutive recoverable failures", res.Reason)
	assert.Equal(t, ExitFailed, res.ExitCode)
	assert.ErrorIs(t, res.Err, ErrTooManyFailures)

	snap := loadSnapshot(t, deps)
	assert.Zero(t, snap.Iteration)
	assert.Equal(t, 3, snap.ConsecutiveFailures)
	require.Len(t, snap.FailedAttempts, 3)
	assert.Equal(t, 1, snap.FailedAttempts[0].Iteration)
	assert.Equal(t, "timeout", snap.FailedAttempts[0].Reason)
}

func TestRunSuccessResetsFailureStreak(t *testing.T) {
	inv := &scriptedInvoker{outcomes: []*worker.Outcome{
		{Status: worker.StatusRecoverableFailure, Reason: "rate-limit"},
		{Status: worker.StatusRecoverableFailure, Reason: "rate-limit"},
		{
			Status: worker.StatusSuccess,
			Delta:  ledger.Delta{{Description: "only item", Status: ledger.StatusCompleted}},
		},
	}}
	deps, _ := testDeps(t, time.Hour, 10, inv)
	sup := newSupervisor(t, deps)

	res, err := sup.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, StateCompleted, res.State)
	assert.Equal(t, 1, res.Iterations)

	snap := loadSnapshot(t, deps)
	assert.Zero(t, snap.ConsecutiveFailures)
	assert.Len(t, snap.FailedAttempts, 2)
}

func TestRunFatalFailureStopsImmediately(t *testing.T) {
	inv := &scriptedInvoker{outcomes: []*worker.Outcome{
		{Status: worker.StatusFatalFailure, Reason: "unexpected exit code 9"},
	}}
	deps, _ := testDeps(t, time.Hour, 10, inv)
	sup := newSupervisor(t, deps)

	res, err := sup.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, inv.calls)
	assert.Equal(t, StateFailed, res.State)
	assert.Equal(t, "unexpected exit code 9", res.Reason)
	assert.ErrorIs(t, res.Err, ErrFatalWorker)

	snap := loadSnapshot(t, deps)
	assert.Zero(t, snap.Iteration)
	require.Len(t, snap.FailedAttempts, 1)
	assert.Equal(t, "unexpected exit code 9", snap.FailedAttempts[0].Reason)
}

func TestRunInterruptedBetweenIterationsAndResumes(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	success := &worker.Outcome{Status: worker.StatusSuccess}
	inv := &scriptedInvoker{
		outcomes: []*worker.Outcome{success, success, success, success},
		afterCall: func(call int) {
			if call == 4 {
				cancel()
			}
		},
	}
	deps, _ := testDeps(t, time.Hour, 10, inv)

	res, err := newSupervisor(t, deps).Run(ctx)
	require.NoError(t, err)

	// The signal landed during iteration 4; the iteration finished and the
	// loop stopped before starting iteration 5.
	assert.Equal(t, 4, inv.calls)
	assert.Equal(t, StateInterrupted, res.State)
	assert.Equal(t, ExitInterrupted, res.ExitCode)
	assert.Equal(t, 4, res.Iterations)
	assert.ErrorIs(t, res.Err, ErrInterrupted)

	// A rerun of the same session resumes at iteration 5.
	rerunInv := &scriptedInvoker{outcomes: []*worker.Outcome{
		{Status: worker.StatusTerminalSuccess},
	}}
	deps.Invoker = rerunInv

	res, err = newSupervisor(t, deps).Run(context.Background())
	require.NoError(t, err)

	require.Equal(t, []int{5}, rerunInv.attempts)
	assert.Equal(t, StateCompleted, res.State)
	assert.Equal(t, 5, res.Iterations)
}

func TestRunStorageFailureAborts(t *testing.T) {
	inv := &scriptedInvoker{outcomes: []*worker.Outcome{
		{Status: worker.StatusSuccess},
	}}
	deps, sess := testDeps(t, time.Hour, 10, inv)
	sup := newSupervisor(t, deps)

	// Destroying the session directory makes the post-iteration save fail.
	require.NoError(t, os.RemoveAll(sess.Dir))

	res, err := sup.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, inv.calls)
	assert.Equal(t, StateFailed, res.State)
	assert.Equal(t, "storage failure", res.Reason)
	assert.Equal(t, ExitFailed, res.ExitCode)
	assert.ErrorIs(t, res.Err, checkpoint.ErrStorage)
}

func TestRunPhaseNeverMovesBackwards(t *testing.T) {
	inv := &scriptedInvoker{outcomes: []*worker.Outcome{
		{Status: worker.StatusSuccess, Phase: "execute"},
		{Status: worker.StatusSuccess, Phase: "plan"},
		{Status: worker.StatusTerminalSuccess},
	}}
	deps, _ := testDeps(t, time.Hour, 10, inv)

	tl := logging.NewTestLogger()
	sup, err := New(Config{Task: "polish the API"}, deps, tl.Underlying())
	require.NoError(t, err)
	t.Cleanup(func() { _ = sup.Close() })

	res, err := sup.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, StateCompleted, res.State)

	snap := loadSnapshot(t, deps)
	assert.Equal(t, checkpoint.PhaseExecute, snap.Phase)
	tl.AssertLogged(t, zapcore.WarnLevel, "ignoring backwards phase request")
}

func TestRunResumedRetryStreakStillCapped(t *testing.T) {
	recoverable := &worker.Outcome{Status: worker.StatusRecoverableFailure, Reason: "timeout"}
	inv := &scriptedInvoker{outcomes: []*worker.Outcome{recoverable, recoverable, recoverable}}
	deps, _ := testDeps(t, time.Hour, 10, inv)

	res, err := newSupervisor(t, deps).Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, StateFailed, res.State)

	// The persisted streak keeps a rerun from invoking a fourth time.
	rerunInv := &scriptedInvoker{}
	deps.Invoker = rerunInv

	res, err = newSupervisor(t, deps).Run(context.Background())
	require.NoError(t, err)

	assert.Zero(t, rerunInv.calls)
	assert.Equal(t, StateFailed, res.State)
	assert.Equal(t, "too many consecutive recoverable failures", res.Reason)
	assert.ErrorIs(t, res.Err, ErrTooManyFailures)
}

func TestRunInvokerErrorIsFatal(t *testing.T) {
	inv := &scriptedInvoker{err: fmt.Errorf("marshal worker payload: boom")}
	deps, _ := testDeps(t, time.Hour, 10, inv)
	sup := newSupervisor(t, deps)

	res, err := sup.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, StateFailed, res.State)
	assert.Equal(t, "worker invocation error", res.Reason)
	assert.ErrorIs(t, res.Err, ErrFatalWorker)
}

func TestRunIsSingleShot(t *testing.T) {
	inv := &scriptedInvoker{outcomes: []*worker.Outcome{
		{Status: worker.StatusTerminalSuccess},
	}}
	deps, _ := testDeps(t, time.Hour, 10, inv)
	sup := newSupervisor(t, deps)

	_, err := sup.Run(context.Background())
	require.NoError(t, err)

	_, err = sup.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already ran")
}

func TestRunClosed(t *testing.T) {
	inv := &scriptedInvoker{}
	deps, _ := testDeps(t, time.Hour, 10, inv)
	sup := newSupervisor(t, deps)
	require.NoError(t, sup.Close())

	_, err := sup.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "closed")
}

func TestRunJournalsEvents(t *testing.T) {
	inv := &scriptedInvoker{outcomes: []*worker.Outcome{
		{Status: worker.StatusTerminalSuccess, Duration: 15 * time.Millisecond},
	}}
	deps, sess := testDeps(t, time.Hour, 10, inv)
	sup := newSupervisor(t, deps)

	_, err := sup.Run(context.Background())
	require.NoError(t, err)

	raw, err := os.ReadFile(sess.JournalPath())
	require.NoError(t, err)

	var events []event
	for _, line := range strings.Split(strings.TrimSpace(string(raw)), "\n") {
		var ev event
		require.NoError(t, json.Unmarshal([]byte(line), &ev))
		events = append(events, ev)
	}

	require.Len(t, events, 4)
	assert.Equal(t, eventStateChange, events[0].Type)
	assert.Equal(t, StateRunning, events[0].State)
	assert.Equal(t, eventIterationStarted, events[1].Type)
	assert.Equal(t, 1, events[1].Iteration)
	assert.Equal(t, eventIterationFinished, events[2].Type)
	assert.Equal(t, string(worker.StatusTerminalSuccess), events[2].Status)
	assert.Equal(t, int64(15), events[2].DurationMS)
	assert.Equal(t, eventStateChange, events[3].Type)
	assert.Equal(t, StateCompleted, events[3].State)

	seen := make(map[string]bool, len(events))
	for _, ev := range events {
		assert.NotEmpty(t, ev.ID)
		assert.False(t, seen[ev.ID], "event ids must be unique")
		seen[ev.ID] = true
		assert.Equal(t, sess.ID, ev.SessionID)
		assert.False(t, ev.Time.IsZero())
	}
}

func TestRunJournalFailureDoesNotStopLoop(t *testing.T) {
	inv := &scriptedInvoker{outcomes: []*worker.Outcome{
		{Status: worker.StatusTerminalSuccess},
	}}
	deps, sess := testDeps(t, time.Hour, 10, inv)

	// A directory where the journal file should be makes every append fail.
	require.NoError(t, os.Mkdir(sess.JournalPath(), 0o700))

	sup := newSupervisor(t, deps)
	res, err := sup.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StateCompleted, res.State)
}
