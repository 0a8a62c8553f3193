package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/iterd/internal/checkpoint"
	"github.com/fyrsmithlabs/iterd/internal/config"
	"github.com/fyrsmithlabs/iterd/internal/session"
)

var sessionsJSON bool

func init() {
	sessionsCmd.Flags().BoolVar(&sessionsJSON, "json", false, "Output results as JSON")
}

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "List sessions under the state root",
	Long: `Sessions lists every session directory under the state root, newest first,
with a one-line summary of where each run stands.

Examples:
  # List all sessions
  iterd sessions

  # Output as JSON
  iterd sessions --json`,
	Args: cobra.NoArgs,
	RunE: runSessions,
}

func runSessions(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadWithFile(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	sessions, err := session.List(cfg.Supervisor.StateRoot)
	if err != nil {
		return fmt.Errorf("failed to list sessions: %w", err)
	}
	if len(sessions) == 0 {
		fmt.Println("No sessions found")
		return nil
	}

	store, err := checkpoint.NewStore(nil, zap.NewNop())
	if err != nil {
		return fmt.Errorf("failed to initialize checkpoint store: %w", err)
	}
	defer store.Close()

	views := make([]*statusView, 0, len(sessions))
	for _, sess := range sessions {
		snap, err := store.Load(context.Background(), sess)
		if err != nil {
			// A session mid-write or hand-damaged should not hide the rest.
			fmt.Fprintf(os.Stderr, "warning: skipping %s: %v\n", sess.ID, err)
			continue
		}

		view := &statusView{
			SessionID:       sess.ID,
			Project:         sess.Project,
			CreatedAt:       sess.CreatedAt,
			Iteration:       snap.Iteration,
			MaxIterations:   sess.MaxIterations,
			Phase:           string(snap.Phase),
			LedgerCompleted: snap.Ledger.Completed(),
			LedgerPending:   snap.Ledger.Pending(),
		}
		if _, err := os.Stat(sess.CompleteFlagPath()); err == nil {
			view.Complete = true
		}
		if _, err := os.Stat(sess.LockPath()); err == nil {
			view.LockHeld = true
		}
		views = append(views, view)
	}

	if sessionsJSON {
		return outputJSON(views)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "SESSION\tPROJECT\tCREATED\tITER\tPHASE\tPENDING\tSTATUS")
	for _, view := range views {
		fmt.Fprintf(w, "%s\t%s\t%s\t%d/%d\t%s\t%d\t%s\n",
			view.SessionID,
			view.Project,
			view.CreatedAt.Format("2006-01-02 15:04:05"),
			view.Iteration,
			view.MaxIterations,
			view.Phase,
			view.LedgerPending,
			statusWord(view),
		)
	}
	return w.Flush()
}
