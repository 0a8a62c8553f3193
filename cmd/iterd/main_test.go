package main

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/iterd/internal/checkpoint"
	"github.com/fyrsmithlabs/iterd/internal/config"
	"github.com/fyrsmithlabs/iterd/internal/ledger"
	"github.com/fyrsmithlabs/iterd/internal/session"
)

// resetRunFlags restores the package-level flag variables after a test
// mutates them.
func resetRunFlags(t *testing.T) {
	t.Helper()
	prevProject, prevWorkDir, prevSession := runProject, runWorkDir, runSessionID
	prevWorker, prevBudget, prevMax := runWorkerCmd, runTimeBudget, runMaxIter
	prevLevel, prevFormat := runLogLevel, runLogFormat
	t.Cleanup(func() {
		runProject, runWorkDir, runSessionID = prevProject, prevWorkDir, prevSession
		runWorkerCmd, runTimeBudget, runMaxIter = prevWorker, prevBudget, prevMax
		runLogLevel, runLogFormat = prevLevel, prevFormat
	})
}

func TestApplyRunFlags(t *testing.T) {
	resetRunFlags(t)

	cfg := &config.Config{}
	cfg.Worker.Command = []string{"agent"}
	cfg.Supervisor.TimeBudget = config.Duration(4 * time.Hour)
	cfg.Supervisor.MaxIterations = 50
	cfg.Logging.Level = "info"
	cfg.Logging.Format = "console"

	// Unset flags leave the config untouched.
	runWorkerCmd = nil
	runTimeBudget = 0
	runMaxIter = 0
	runLogLevel = ""
	runLogFormat = ""
	applyRunFlags(cfg)
	assert.Equal(t, []string{"agent"}, cfg.Worker.Command)
	assert.Equal(t, 4*time.Hour, cfg.Supervisor.TimeBudget.Duration())
	assert.Equal(t, 50, cfg.Supervisor.MaxIterations)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, "console", cfg.Logging.Format)

	runWorkerCmd = []string{"/bin/sh", "-c", "true"}
	runTimeBudget = 90 * time.Minute
	runMaxIter = 7
	runLogLevel = "debug"
	runLogFormat = "json"
	applyRunFlags(cfg)
	assert.Equal(t, []string{"/bin/sh", "-c", "true"}, cfg.Worker.Command)
	assert.Equal(t, 90*time.Minute, cfg.Supervisor.TimeBudget.Duration())
	assert.Equal(t, 7, cfg.Supervisor.MaxIterations)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, "json", cfg.Logging.Format)
}

func TestOpenOrCreateSessionDefaultsProject(t *testing.T) {
	resetRunFlags(t)

	workDir := t.TempDir()
	cfg := &config.Config{}
	cfg.Supervisor.StateRoot = t.TempDir()
	cfg.Supervisor.TimeBudget = config.Duration(time.Hour)
	cfg.Supervisor.MaxIterations = 10

	runSessionID = ""
	runProject = ""
	runWorkDir = workDir

	sess, err := openOrCreateSession(cfg)
	require.NoError(t, err)
	assert.Equal(t, filepath.Base(workDir), sess.Project)
	assert.Equal(t, time.Hour, sess.TimeBudget)
	assert.Equal(t, 10, sess.MaxIterations)

	_, err = os.Stat(sess.StatePath())
	require.NoError(t, err)
}

func TestOpenOrCreateSessionResume(t *testing.T) {
	resetRunFlags(t)

	cfg := &config.Config{}
	cfg.Supervisor.StateRoot = t.TempDir()
	cfg.Supervisor.TimeBudget = config.Duration(time.Hour)
	cfg.Supervisor.MaxIterations = 10

	runSessionID = ""
	runProject = "payments"
	runWorkDir = t.TempDir()

	created, err := openOrCreateSession(cfg)
	require.NoError(t, err)

	runSessionID = created.ID
	resumed, err := openOrCreateSession(cfg)
	require.NoError(t, err)
	assert.Equal(t, created.ID, resumed.ID)
	assert.Equal(t, "payments", resumed.Project)

	runSessionID = "missing-20200101-000000"
	_, err = openOrCreateSession(cfg)
	require.Error(t, err)
	assert.ErrorIs(t, err, session.ErrNotFound)
}

func TestCollectStatus(t *testing.T) {
	root := t.TempDir()
	sess, err := session.Create(root, session.Params{
		Project:       "payments",
		WorkDir:       t.TempDir(),
		TimeBudget:    time.Hour,
		MaxIterations: 10,
	}, time.Now())
	require.NoError(t, err)

	store, err := checkpoint.NewStore(&checkpoint.StoreConfig{SyncWrites: false}, zap.NewNop())
	require.NoError(t, err)
	defer store.Close()

	snap, err := store.Load(context.Background(), sess)
	require.NoError(t, err)
	next := snap.Clone()
	next.Iteration = 2
	next.Phase = checkpoint.PhaseExecute
	next.Ledger = ledger.Ledger{
		{Description: "write parser", Status: ledger.StatusCompleted, Iteration: 1},
		{Description: "wire CLI", Status: ledger.StatusPending, Iteration: 1},
	}
	next.UpdatedAt = time.Now().UTC()
	require.NoError(t, store.Save(context.Background(), sess, next))

	view, err := collectStatus(sess)
	require.NoError(t, err)
	assert.Equal(t, sess.ID, view.SessionID)
	assert.Equal(t, "payments", view.Project)
	assert.Equal(t, 2, view.Iteration)
	assert.Equal(t, 10, view.MaxIterations)
	assert.Equal(t, "execute", view.Phase)
	assert.Equal(t, 1, view.LedgerCompleted)
	assert.Equal(t, 1, view.LedgerPending)
	assert.Equal(t, []string{"wire CLI"}, view.PendingItems)
	assert.NotEmpty(t, view.Remaining)
	assert.False(t, view.Complete)
	assert.False(t, view.LockHeld)

	lock, err := session.AcquireLock(sess)
	require.NoError(t, err)
	view, err = collectStatus(sess)
	require.NoError(t, err)
	assert.True(t, view.LockHeld)
	require.NoError(t, lock.Release())

	require.NoError(t, os.WriteFile(sess.CompleteFlagPath(), nil, 0o600))
	view, err = collectStatus(sess)
	require.NoError(t, err)
	assert.True(t, view.Complete)
}

func TestStatusWord(t *testing.T) {
	tests := []struct {
		name string
		view statusView
		want string
	}{
		{
			name: "complete",
			view: statusView{Complete: true},
			want: "complete",
		},
		{
			name: "complete wins over lock",
			view: statusView{Complete: true, LockHeld: true},
			want: "complete",
		},
		{
			name: "running",
			view: statusView{LockHeld: true},
			want: "running (lock held)",
		},
		{
			name: "idle",
			view: statusView{},
			want: "idle",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, statusWord(&tt.view))
		})
	}
}

// TestRunCommandIntegration drives the run command end to end: config from
// environment, session creation, one worker iteration that signals
// completion, and the completion flag on disk afterwards.
func TestRunCommandIntegration(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	resetRunFlags(t)

	home := t.TempDir()
	stateRoot := filepath.Join(home, "state")
	workDir := t.TempDir()
	t.Setenv("HOME", home)
	t.Setenv("ITERD_SUPERVISOR_STATE_ROOT", stateRoot)
	t.Setenv("ITERD_LOGGING_LEVEL", "error")

	script := filepath.Join(t.TempDir(), "worker.sh")
	require.NoError(t, os.WriteFile(script, []byte(`#!/bin/sh
echo '{"items":[{"description":"ship it","status":"completed"}],"phase":"execute"}'
exit 42
`), 0o700))

	rootCmd.SetArgs([]string{"run", "--worker", script, "--workdir", workDir, "--project", "demo", "ship the release"})
	t.Cleanup(func() {
		rootCmd.SetArgs(nil)
		exitCode = 0
	})

	require.NoError(t, rootCmd.Execute())
	assert.Equal(t, 0, exitCode)

	sessions, err := session.List(stateRoot)
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	sess := sessions[0]
	assert.Equal(t, "demo", sess.Project)

	_, err = os.Stat(sess.CompleteFlagPath())
	require.NoError(t, err, "completion flag should exist after a terminal-success run")

	view, err := collectStatus(sess)
	require.NoError(t, err)
	assert.Equal(t, 1, view.Iteration)
	assert.True(t, view.Complete)
	assert.Zero(t, view.LedgerPending)
}
