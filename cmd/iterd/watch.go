package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/iterd/internal/checkpoint"
	"github.com/fyrsmithlabs/iterd/internal/config"
	"github.com/fyrsmithlabs/iterd/internal/session"
	"github.com/fyrsmithlabs/iterd/pkg/watch"
)

var watchCmd = &cobra.Command{
	Use:   "watch <session-id>",
	Short: "Follow a session's progress live",
	Long: `Watch follows a session directory and prints a progress line every time the
supervisor checkpoints an iteration. It exits when the session completes or
on Ctrl-C. Watching is read-only and works from any process, including on a
session another machine user is running.

Examples:
  # Follow a running session
  iterd watch payments-20260825-174502`,
	Args: cobra.ExactArgs(1),
	RunE: runWatch,
}

func runWatch(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadWithFile(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	sess, err := session.Open(cfg.Supervisor.StateRoot, args[0])
	if err != nil {
		return fmt.Errorf("failed to open session %s: %w", args[0], err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		cancel()
	}()

	store, err := checkpoint.NewStore(nil, zap.NewNop())
	if err != nil {
		return fmt.Errorf("failed to initialize checkpoint store: %w", err)
	}
	defer store.Close()

	watcher, err := watch.NewWatcher(sess.Dir, nil)
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	if err := watcher.Start(ctx); err != nil {
		return fmt.Errorf("failed to start watcher: %w", err)
	}
	defer watcher.Stop()

	fmt.Printf("Watching session %s (%s)\n", sess.ID, sess.Dir)
	printProgress(store, sess)

	// The completion flag may already exist; the watcher only reports new
	// filesystem events.
	if _, err := os.Stat(sess.CompleteFlagPath()); err == nil {
		fmt.Println("Session is complete")
		return nil
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-watcher.Events():
			if !ok {
				return nil
			}
			switch ev.Type {
			case watch.EventSnapshotUpdated:
				printProgress(store, sess)
			case watch.EventCompleted:
				fmt.Println("Session is complete")
				return nil
			case watch.EventJournalAppended:
				// Snapshot updates carry the same information; stay quiet.
			}
		}
	}
}

// printProgress prints one line summarizing the current snapshot. Snapshot
// replacement is atomic, so a load here never sees a partial write; a
// transient error only skips one line.
func printProgress(store checkpoint.Store, sess *session.Session) {
	snap, err := store.Load(context.Background(), sess)
	if err != nil {
		return
	}
	fmt.Printf("[%s] iteration %d  phase=%s  completed=%d  pending=%d  failures=%d\n",
		time.Now().Format("15:04:05"),
		snap.Iteration,
		snap.Phase,
		snap.Ledger.Completed(),
		snap.Ledger.Pending(),
		snap.ConsecutiveFailures,
	)
}
