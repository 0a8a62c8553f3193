package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/iterd/internal/budget"
	"github.com/fyrsmithlabs/iterd/internal/checkpoint"
	"github.com/fyrsmithlabs/iterd/internal/completion"
	"github.com/fyrsmithlabs/iterd/internal/config"
	"github.com/fyrsmithlabs/iterd/internal/logging"
	"github.com/fyrsmithlabs/iterd/internal/session"
	"github.com/fyrsmithlabs/iterd/internal/supervisor"
	"github.com/fyrsmithlabs/iterd/internal/telemetry"
	"github.com/fyrsmithlabs/iterd/internal/worker"
)

var (
	// run command flags
	runProject    string
	runWorkDir    string
	runSessionID  string
	runWorkerCmd  []string
	runTimeBudget time.Duration
	runMaxIter    int
	runLogLevel   string
	runLogFormat  string
)

func init() {
	runCmd.Flags().StringVar(&runProject, "project", "", "Project name (defaults to work directory basename)")
	runCmd.Flags().StringVar(&runWorkDir, "workdir", ".", "Directory the worker runs in")
	runCmd.Flags().StringVar(&runSessionID, "session", "", "Resume an existing session by id instead of starting a new one")
	runCmd.Flags().StringSliceVar(&runWorkerCmd, "worker", nil, "Worker command and arguments (overrides config)")
	runCmd.Flags().DurationVar(&runTimeBudget, "budget", 0, "Wall-clock time budget for a new session (overrides config)")
	runCmd.Flags().IntVar(&runMaxIter, "max-iterations", 0, "Iteration cap for a new session (overrides config)")
	runCmd.Flags().StringVar(&runLogLevel, "log-level", "", "Log level: trace, debug, info, warn, error (overrides config)")
	runCmd.Flags().StringVar(&runLogFormat, "log-format", "", "Log format: console or json (overrides config)")
}

var runCmd = &cobra.Command{
	Use:   "run <task>",
	Short: "Run a supervised iteration loop until the task completes",
	Long: `Run launches the configured worker command once per iteration. Each worker
receives the task and the current snapshot on stdin, does a bounded chunk of
work, and reports ledger progress on stdout. The supervisor merges the report,
checkpoints it, and decides whether to launch again.

SIGINT or SIGTERM lets the current iteration finish, persists its progress,
and exits. Re-running with --session <id> resumes from the saved snapshot.

Exit codes: 0 task completed, 2 failed (budget, fatal error, or repeated
failures), 3 interrupted.

Examples:
  # Start a new session in the current directory
  iterd run "migrate the test suite to testify"

  # Resume an interrupted session
  iterd run --session payments-20260825-174502 "migrate the test suite to testify"

  # Override the worker command and budget
  iterd run --worker "my-agent,--headless" --budget 2h "fix the linter errors"`,
	Args: cobra.ExactArgs(1),
	RunE: runRun,
}

func runRun(cmd *cobra.Command, args []string) error {
	task := args[0]

	// Load configuration
	cfg, err := config.LoadWithFile(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	applyRunFlags(cfg)

	// Setup signal handling for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	// Initialize telemetry before logging so the OTEL log bridge can attach.
	tel, err := telemetry.New(ctx, telemetry.FromAppConfig(cfg.Telemetry, version))
	if err != nil {
		return fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	defer tel.Shutdown(context.Background()) //nolint:errcheck

	logger, err := buildLogger(cfg, tel)
	if err != nil {
		return fmt.Errorf("failed to initialize logging: %w", err)
	}
	defer logger.Sync() //nolint:errcheck
	zlog := logger.Underlying()

	go func() {
		sig := <-sigCh
		zlog.Info("received signal, finishing current iteration", zap.String("signal", sig.String()))
		cancel()
	}()

	// Create or resume the session
	sess, err := openOrCreateSession(cfg)
	if err != nil {
		return err
	}
	ctx = logging.WithSessionID(ctx, sess.ID)

	// One supervisor per session. The lock is held for the process lifetime.
	lock, err := session.AcquireLock(sess)
	if err != nil {
		return fmt.Errorf("failed to acquire session lock: %w", err)
	}
	defer lock.Release() //nolint:errcheck

	// Initialize services
	store, err := checkpoint.NewStore(nil, zlog.Named("checkpoint"))
	if err != nil {
		return fmt.Errorf("failed to initialize checkpoint store: %w", err)
	}
	defer store.Close()

	budgetMgr, err := budget.New(&budget.Config{
		DefaultIterationEstimate: cfg.Supervisor.DefaultIterationEstimate.Duration(),
	}, sess, zlog.Named("budget"))
	if err != nil {
		return fmt.Errorf("failed to initialize budget manager: %w", err)
	}

	detector := completion.NewDetector(zlog.Named("completion"))
	defer detector.Close()

	invoker, err := worker.NewInvoker(worker.Config{
		Command:          cfg.Worker.Command,
		CompleteExitCode: cfg.Worker.CompleteExitCode,
		IterationTimeout: cfg.Worker.IterationTimeout.Duration(),
		SignaturesFile:   cfg.Worker.SignaturesFile,
	}, sess, zlog.Named("worker"))
	if err != nil {
		return fmt.Errorf("failed to initialize worker invoker: %w", err)
	}
	defer invoker.Close()

	sup, err := supervisor.New(supervisor.Config{
		Task:                   task,
		MaxConsecutiveFailures: cfg.Supervisor.MaxConsecutiveFailures,
		LaunchInterval:         cfg.Supervisor.LaunchInterval.Duration(),
	}, supervisor.Deps{
		Session:  sess,
		Store:    store,
		Budget:   budgetMgr,
		Detector: detector,
		Invoker:  invoker,
	}, zlog.Named("supervisor"))
	if err != nil {
		return fmt.Errorf("failed to initialize supervisor: %w", err)
	}
	defer sup.Close()

	logger.Info(ctx, "session ready",
		zap.String("project", sess.Project),
		zap.String("work_dir", sess.WorkDir),
		zap.Duration("time_budget", sess.TimeBudget),
		zap.Int("max_iterations", sess.MaxIterations))

	res, err := sup.Run(ctx)
	if err != nil {
		return fmt.Errorf("supervisor run failed: %w", err)
	}

	fmt.Printf("Session:    %s\n", sess.ID)
	fmt.Printf("Outcome:    %s\n", res.State)
	fmt.Printf("Reason:     %s\n", res.Reason)
	fmt.Printf("Iterations: %d\n", res.Iterations)
	fmt.Printf("Elapsed:    %s\n", res.Elapsed.Round(time.Second))

	exitCode = res.ExitCode
	return nil
}

// applyRunFlags layers command-line overrides on top of the loaded config.
func applyRunFlags(cfg *config.Config) {
	if len(runWorkerCmd) > 0 {
		cfg.Worker.Command = runWorkerCmd
	}
	if runTimeBudget > 0 {
		cfg.Supervisor.TimeBudget = config.Duration(runTimeBudget)
	}
	if runMaxIter > 0 {
		cfg.Supervisor.MaxIterations = runMaxIter
	}
	if runLogLevel != "" {
		cfg.Logging.Level = runLogLevel
	}
	if runLogFormat != "" {
		cfg.Logging.Format = runLogFormat
	}
}

// openOrCreateSession resumes the session named by --session, or creates a
// fresh one. Budgets are fixed at creation; resuming never re-reads them
// from config.
func openOrCreateSession(cfg *config.Config) (*session.Session, error) {
	if runSessionID != "" {
		sess, err := session.Open(cfg.Supervisor.StateRoot, runSessionID)
		if err != nil {
			return nil, fmt.Errorf("failed to resume session %s: %w", runSessionID, err)
		}
		return sess, nil
	}

	project := runProject
	if project == "" {
		abs, err := filepath.Abs(runWorkDir)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve work directory: %w", err)
		}
		project = filepath.Base(abs)
	}

	sess, err := session.Create(cfg.Supervisor.StateRoot, session.Params{
		Project:       project,
		WorkDir:       runWorkDir,
		TimeBudget:    cfg.Supervisor.TimeBudget.Duration(),
		MaxIterations: cfg.Supervisor.MaxIterations,
	}, time.Now())
	if err != nil {
		return nil, fmt.Errorf("failed to create session: %w", err)
	}
	return sess, nil
}

// buildLogger maps the app logging config onto the structured logger. The
// OTEL core is attached only when telemetry export is enabled.
func buildLogger(cfg *config.Config, tel *telemetry.Telemetry) (*logging.Logger, error) {
	lcfg := logging.NewDefaultConfig()

	level, err := logging.LevelFromString(cfg.Logging.Level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", cfg.Logging.Level, err)
	}
	lcfg.Level = level
	lcfg.Format = cfg.Logging.Format
	lcfg.Output.OTEL = cfg.Telemetry.Enabled

	return logging.NewLogger(lcfg, tel.LoggerProvider())
}
