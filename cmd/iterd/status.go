package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/iterd/internal/budget"
	"github.com/fyrsmithlabs/iterd/internal/checkpoint"
	"github.com/fyrsmithlabs/iterd/internal/config"
	"github.com/fyrsmithlabs/iterd/internal/ledger"
	"github.com/fyrsmithlabs/iterd/internal/session"
)

var statusJSON bool

func init() {
	statusCmd.Flags().BoolVar(&statusJSON, "json", false, "Output results as JSON")
}

var statusCmd = &cobra.Command{
	Use:   "status <session-id>",
	Short: "Show the recorded state of a session",
	Long: `Status reads a session's on-disk state and prints where the run stands:
iteration count, phase, ledger progress, failures, and remaining budget.
It never modifies the session and is safe to run while a supervisor holds it.

Examples:
  # Inspect a session
  iterd status payments-20260825-174502

  # Output as JSON
  iterd status payments-20260825-174502 --json`,
	Args: cobra.ExactArgs(1),
	RunE: runStatus,
}

// statusView is the JSON shape of the status command output.
type statusView struct {
	SessionID           string    `json:"session_id"`
	Project             string    `json:"project"`
	CreatedAt           time.Time `json:"created_at"`
	WorkDir             string    `json:"work_dir"`
	TimeBudget          string    `json:"time_budget"`
	Remaining           string    `json:"remaining"`
	Iteration           int       `json:"iteration"`
	MaxIterations       int       `json:"max_iterations"`
	Phase               string    `json:"phase"`
	LedgerCompleted     int       `json:"ledger_completed"`
	LedgerPending       int       `json:"ledger_pending"`
	FailedAttempts      int       `json:"failed_attempts"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	Complete            bool      `json:"complete"`
	LockHeld            bool      `json:"lock_held"`
	UpdatedAt           time.Time `json:"updated_at,omitempty"`
	PendingItems        []string  `json:"pending_items,omitempty"`
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadWithFile(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	sess, err := session.Open(cfg.Supervisor.StateRoot, args[0])
	if err != nil {
		return fmt.Errorf("failed to open session %s: %w", args[0], err)
	}

	view, err := collectStatus(sess)
	if err != nil {
		return err
	}

	if statusJSON {
		return outputJSON(view)
	}

	fmt.Printf("Session:     %s\n", view.SessionID)
	fmt.Printf("Project:     %s\n", view.Project)
	fmt.Printf("Created:     %s\n", view.CreatedAt.Format("2006-01-02 15:04:05"))
	fmt.Printf("Work Dir:    %s\n", view.WorkDir)
	fmt.Printf("Budget:      %s total, %s remaining\n", view.TimeBudget, view.Remaining)
	fmt.Printf("Iterations:  %d of %d\n", view.Iteration, view.MaxIterations)
	fmt.Printf("Phase:       %s\n", view.Phase)
	fmt.Printf("Ledger:      %d completed, %d pending\n", view.LedgerCompleted, view.LedgerPending)
	fmt.Printf("Failures:    %d recorded, %d consecutive\n", view.FailedAttempts, view.ConsecutiveFailures)
	fmt.Printf("Status:      %s\n", statusWord(view))
	if !view.UpdatedAt.IsZero() {
		fmt.Printf("Updated:     %s\n", view.UpdatedAt.Format("2006-01-02 15:04:05"))
	}
	if len(view.PendingItems) > 0 {
		fmt.Printf("Pending:\n")
		for _, item := range view.PendingItems {
			fmt.Printf("  - %s\n", item)
		}
	}

	return nil
}

// collectStatus assembles the view from the session contract files. Reads
// only; the snapshot load tolerates a session that has not iterated yet.
func collectStatus(sess *session.Session) (*statusView, error) {
	store, err := checkpoint.NewStore(nil, zap.NewNop())
	if err != nil {
		return nil, fmt.Errorf("failed to initialize checkpoint store: %w", err)
	}
	defer store.Close()

	snap, err := store.Load(context.Background(), sess)
	if err != nil {
		return nil, fmt.Errorf("failed to load snapshot: %w", err)
	}

	mgr, err := budget.New(nil, sess, zap.NewNop())
	if err != nil {
		return nil, fmt.Errorf("failed to initialize budget manager: %w", err)
	}
	remaining := mgr.Remaining(time.Now())
	if remaining < 0 {
		remaining = 0
	}

	view := &statusView{
		SessionID:           sess.ID,
		Project:             sess.Project,
		CreatedAt:           sess.CreatedAt,
		WorkDir:             sess.WorkDir,
		TimeBudget:          sess.TimeBudget.String(),
		Remaining:           remaining.Round(time.Second).String(),
		Iteration:           snap.Iteration,
		MaxIterations:       sess.MaxIterations,
		Phase:               string(snap.Phase),
		LedgerCompleted:     snap.Ledger.Completed(),
		LedgerPending:       snap.Ledger.Pending(),
		FailedAttempts:      len(snap.FailedAttempts),
		ConsecutiveFailures: snap.ConsecutiveFailures,
		UpdatedAt:           snap.UpdatedAt,
	}

	if _, err := os.Stat(sess.CompleteFlagPath()); err == nil {
		view.Complete = true
	}
	if _, err := os.Stat(sess.LockPath()); err == nil {
		view.LockHeld = true
	}

	for _, item := range snap.Ledger {
		if item.Status == ledger.StatusPending {
			view.PendingItems = append(view.PendingItems, item.Description)
		}
	}

	return view, nil
}

// statusWord summarizes the session for human output.
func statusWord(view *statusView) string {
	switch {
	case view.Complete:
		return "complete"
	case view.LockHeld:
		return "running (lock held)"
	default:
		return "idle"
	}
}
