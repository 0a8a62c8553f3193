package supervisor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/fyrsmithlabs/iterd/internal/budget"
	"github.com/fyrsmithlabs/iterd/internal/checkpoint"
	"github.com/fyrsmithlabs/iterd/internal/completion"
	"github.com/fyrsmithlabs/iterd/internal/ledger"
	"github.com/fyrsmithlabs/iterd/internal/session"
	"github.com/fyrsmithlabs/iterd/internal/worker"
)

const instrumentationName = "github.com/fyrsmithlabs/iterd/internal/supervisor"

// State is the loop's lifecycle state.
type State string

const (
	StateIdle        State = "idle"
	StateRunning     State = "running"
	StateCompleted   State = "completed"
	StateFailed      State = "failed"
	StateInterrupted State = "interrupted"
)

// Process exit codes for terminal states. Usage errors exit 1 via cobra.
const (
	ExitCompleted   = 0
	ExitFailed      = 2
	ExitInterrupted = 3
)

// defaultMaxConsecutiveFailures caps recoverable retry streaks.
const defaultMaxConsecutiveFailures = 3

// Config configures the supervisor loop.
type Config struct {
	// Task is the instruction handed to the worker every iteration.
	// Required.
	Task string

	// MaxConsecutiveFailures caps the recoverable-failure streak
	// (default 3).
	MaxConsecutiveFailures int

	// LaunchInterval is the minimum spacing between worker launches.
	// Zero disables pacing.
	LaunchInterval time.Duration
}

// Deps are the collaborators the loop drives. All are required.
type Deps struct {
	Session  *session.Session
	Store    checkpoint.Store
	Budget   *budget.Manager
	Detector completion.Detector
	Invoker  worker.Invoker
}

// Result reports how a run ended.
type Result struct {
	State    State
	Reason   string
	ExitCode int

	// Iterations is the completed iteration count at exit.
	Iterations int
	Elapsed    time.Duration

	// Err classifies the terminal failure; nil on Completed.
	Err error
}

// Supervisor runs the iteration loop for one session.
type Supervisor interface {
	// Run drives the loop until a terminal state. It is single-shot: a
	// supervisor that has finished cannot run again. The returned error
	// covers misuse only; every loop outcome, including failures, is
	// encoded in the Result.
	Run(ctx context.Context) (*Result, error)

	// Close closes the supervisor.
	Close() error
}

// supervisor implements Supervisor.
type supervisor struct {
	config   Config
	sess     *session.Session
	store    checkpoint.Store
	budget   *budget.Manager
	detector completion.Detector
	invoker  worker.Invoker
	logger   *zap.Logger

	limiter *rate.Limiter
	journal *journal

	// Telemetry
	tracer            trace.Tracer
	meter             metric.Meter
	iterationCounter  metric.Int64Counter
	transitionCounter metric.Int64Counter

	mu     sync.RWMutex
	state  State
	closed bool
}

// New creates a supervisor for one session.
func New(cfg Config, deps Deps, logger *zap.Logger) (Supervisor, error) {
	if cfg.Task == "" {
		return nil, errors.New("task is required")
	}
	if cfg.MaxConsecutiveFailures < 0 {
		return nil, fmt.Errorf("max consecutive failures must be non-negative, got %d", cfg.MaxConsecutiveFailures)
	}
	if cfg.MaxConsecutiveFailures == 0 {
		cfg.MaxConsecutiveFailures = defaultMaxConsecutiveFailures
	}
	if cfg.LaunchInterval < 0 {
		return nil, fmt.Errorf("launch interval must be non-negative, got %s", cfg.LaunchInterval)
	}
	if deps.Session == nil {
		return nil, errors.New("session is required")
	}
	if deps.Store == nil {
		return nil, errors.New("checkpoint store is required")
	}
	if deps.Budget == nil {
		return nil, errors.New("budget manager is required")
	}
	if deps.Detector == nil {
		return nil, errors.New("completion detector is required")
	}
	if deps.Invoker == nil {
		return nil, errors.New("worker invoker is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	limiter := rate.NewLimiter(rate.Inf, 1)
	if cfg.LaunchInterval > 0 {
		limiter = rate.NewLimiter(rate.Every(cfg.LaunchInterval), 1)
	}

	s := &supervisor{
		config:   cfg,
		sess:     deps.Session,
		store:    deps.Store,
		budget:   deps.Budget,
		detector: deps.Detector,
		invoker:  deps.Invoker,
		logger:   logger,
		limiter:  limiter,
		journal:  openJournal(deps.Session, logger),
		tracer:   otel.Tracer(instrumentationName),
		meter:    otel.Meter(instrumentationName),
		state:    StateIdle,
	}

	s.initMetrics()

	return s, nil
}

// initMetrics initializes OpenTelemetry metrics.
func (s *supervisor) initMetrics() {
	var err error

	s.iterationCounter, err = s.meter.Int64Counter(
		"iterd.supervisor.iterations_total",
		metric.WithDescription("Total number of worker iterations by outcome status"),
		metric.WithUnit("{iteration}"),
	)
	if err != nil {
		s.logger.Warn("failed to create iteration counter", zap.Error(err))
	}

	s.transitionCounter, err = s.meter.Int64Counter(
		"iterd.supervisor.transitions_total",
		metric.WithDescription("Total number of supervisor state transitions"),
		metric.WithUnit("{transition}"),
	)
	if err != nil {
		s.logger.Warn("failed to create transition counter", zap.Error(err))
	}
}

// Run drives the loop until a terminal state.
func (s *supervisor) Run(ctx context.Context) (*Result, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, errors.New("supervisor is closed")
	}
	if s.state != StateIdle {
		s.mu.Unlock()
		return nil, fmt.Errorf("supervisor already ran (state %s)", s.state)
	}
	s.mu.Unlock()

	start := time.Now()
	ctx, span := s.tracer.Start(ctx, "supervisor.run", trace.WithAttributes(
		attribute.String("session_id", s.sess.ID),
	))
	defer span.End()

	s.transition(StateRunning, "loop started")

	snap, err := s.store.Load(ctx, s.sess)
	if err != nil {
		return s.finish(span, start, nil, StateFailed, "storage failure", ExitFailed,
			fmt.Errorf("load snapshot: %w", err)), nil
	}

	for {
		// 1. Signals are observed between iterations only.
		if ctx.Err() != nil {
			s.persistBestEffort(ctx, snap)
			return s.finish(span, start, snap, StateInterrupted, "interrupted by signal", ExitInterrupted,
				ErrInterrupted), nil
		}

		// 2. Durable completion short-circuits before any work.
		if s.detector.FlagExists(s.sess) {
			return s.finish(span, start, snap, StateCompleted, "completion flag present", ExitCompleted, nil), nil
		}

		// 3. Budget guard: never start an iteration that cannot finish.
		if v := s.budget.MayContinue(snap); !v.Continue {
			return s.finish(span, start, snap, StateFailed, "budget exhausted", ExitFailed,
				fmt.Errorf("%w: %s", ErrBudgetExhausted, v.Reason)), nil
		}

		// A resumed session keeps its persisted retry streak.
		if snap.ConsecutiveFailures >= s.config.MaxConsecutiveFailures {
			return s.finish(span, start, snap, StateFailed, "too many consecutive recoverable failures", ExitFailed,
				fmt.Errorf("%w: %d", ErrTooManyFailures, snap.ConsecutiveFailures)), nil
		}

		// 4. Pace the launch, then invoke. The worker context is detached
		// from cancellation so a signal never kills an in-flight worker.
		if err := s.limiter.Wait(ctx); err != nil {
			s.persistBestEffort(ctx, snap)
			return s.finish(span, start, snap, StateInterrupted, "interrupted by signal", ExitInterrupted,
				ErrInterrupted), nil
		}

		attempt := snap.Iteration + 1
		s.journal.append(event{Type: eventIterationStarted, Iteration: attempt})

		ictx, ispan := s.tracer.Start(ctx, "supervisor.iterate", trace.WithAttributes(
			attribute.Int("iteration", attempt),
		))

		out, err := s.invoker.Invoke(context.WithoutCancel(ictx), s.config.Task, snap)
		if err != nil {
			ispan.RecordError(err)
			ispan.SetStatus(codes.Error, err.Error())
			ispan.End()
			return s.finish(span, start, snap, StateFailed, "worker invocation error", ExitFailed,
				fmt.Errorf("%w: %v", ErrFatalWorker, err)), nil
		}

		ispan.SetAttributes(attribute.String("status", string(out.Status)))
		ispan.End()

		s.journal.append(event{
			Type:       eventIterationFinished,
			Iteration:  attempt,
			Status:     string(out.Status),
			Reason:     out.Reason,
			DurationMS: out.Duration.Milliseconds(),
		})
		if s.iterationCounter != nil {
			s.iterationCounter.Add(ctx, 1, metric.WithAttributes(
				attribute.String("status", string(out.Status)),
			))
		}

		switch out.Status {
		case worker.StatusSuccess, worker.StatusTerminalSuccess:
			next := s.applyOutcome(snap, out, attempt)

			verdict, err := s.detector.Evaluate(ctx, s.sess, next, out)
			if err != nil {
				return s.finish(span, start, snap, StateFailed, "storage failure", ExitFailed,
					fmt.Errorf("evaluate completion: %w", err)), nil
			}

			if err := s.persist(ctx, next); err != nil {
				return s.finish(span, start, snap, StateFailed, "storage failure", ExitFailed, err), nil
			}
			snap = next

			if verdict.Terminal {
				return s.finish(span, start, snap, StateCompleted, verdict.Reason, ExitCompleted, nil), nil
			}

		case worker.StatusRecoverableFailure:
			next := snap.Clone()
			next.FailedAttempts = append(next.FailedAttempts, checkpoint.FailedAttempt{
				Iteration: attempt,
				Reason:    out.Reason,
				At:        time.Now().UTC(),
			})
			next.ConsecutiveFailures++

			if err := s.persist(ctx, next); err != nil {
				return s.finish(span, start, snap, StateFailed, "storage failure", ExitFailed, err), nil
			}
			snap = next

			s.logger.Warn("recoverable worker failure",
				zap.Int("iteration", attempt),
				zap.String("reason", out.Reason),
				zap.Int("consecutive_failures", snap.ConsecutiveFailures),
			)

			if snap.ConsecutiveFailures >= s.config.MaxConsecutiveFailures {
				return s.finish(span, start, snap, StateFailed, "too many consecutive recoverable failures", ExitFailed,
					fmt.Errorf("%w: %d", ErrTooManyFailures, snap.ConsecutiveFailures)), nil
			}
			// The next iteration is the retry.

		case worker.StatusFatalFailure:
			next := snap.Clone()
			next.FailedAttempts = append(next.FailedAttempts, checkpoint.FailedAttempt{
				Iteration: attempt,
				Reason:    out.Reason,
				At:        time.Now().UTC(),
			})

			if err := s.persist(ctx, next); err != nil {
				return s.finish(span, start, snap, StateFailed, "storage failure", ExitFailed, err), nil
			}
			snap = next

			return s.finish(span, start, snap, StateFailed, out.Reason, ExitFailed,
				fmt.Errorf("%w: %s", ErrFatalWorker, out.Reason)), nil

		default:
			return s.finish(span, start, snap, StateFailed, "unknown worker status", ExitFailed,
				fmt.Errorf("%w: unknown status %q", ErrFatalWorker, out.Status)), nil
		}
	}
}

// applyOutcome folds a successful iteration into a staged snapshot copy.
func (s *supervisor) applyOutcome(snap *checkpoint.Snapshot, out *worker.Outcome, attempt int) *checkpoint.Snapshot {
	next := snap.Clone()

	next.Ledger = ledger.Merge(next.Ledger, out.Delta, attempt)
	for name, blob := range out.Artifacts {
		if next.Artifacts == nil {
			next.Artifacts = make(map[string]string, len(out.Artifacts))
		}
		next.Artifacts[name] = blob
	}
	s.advancePhase(next, out.Phase)

	next.Iteration = attempt
	next.Timings = append(next.Timings, checkpoint.IterationTiming{
		Iteration:  attempt,
		DurationMS: out.Duration.Milliseconds(),
		At:         time.Now().UTC(),
	})
	next.ConsecutiveFailures = 0

	return next
}

// advancePhase applies a worker-requested phase move. Phases only move
// forward; a backwards request is dropped, not fatal.
func (s *supervisor) advancePhase(snap *checkpoint.Snapshot, requested string) {
	if requested == "" {
		return
	}
	next := checkpoint.Phase(requested)
	if next == snap.Phase {
		return
	}
	if !snap.Phase.CanAdvanceTo(next) {
		s.logger.Warn("ignoring backwards phase request",
			zap.String("from", string(snap.Phase)),
			zap.String("to", requested),
		)
		return
	}
	snap.Phase = next
}

// persist stamps and saves a snapshot.
func (s *supervisor) persist(ctx context.Context, snap *checkpoint.Snapshot) error {
	snap.UpdatedAt = time.Now().UTC()
	if err := s.store.Save(ctx, s.sess, snap); err != nil {
		return fmt.Errorf("save snapshot: %w", err)
	}
	return nil
}

// persistBestEffort saves on the way out of an interrupted loop. The
// snapshot was already persisted at the last iteration boundary, so a
// failure here loses nothing and is only logged.
func (s *supervisor) persistBestEffort(ctx context.Context, snap *checkpoint.Snapshot) {
	if err := s.persist(ctx, snap); err != nil {
		s.logger.Warn("final snapshot save failed", zap.Error(err))
	}
}

// transition moves the lifecycle state and records the move.
func (s *supervisor) transition(state State, reason string) {
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()

	s.journal.append(event{Type: eventStateChange, State: state, Reason: reason})
	if s.transitionCounter != nil {
		s.transitionCounter.Add(context.Background(), 1, metric.WithAttributes(
			attribute.String("state", string(state)),
		))
	}
	s.logger.Info("supervisor state changed",
		zap.String("state", string(state)),
		zap.String("reason", reason),
	)
}

// finish settles the run into a terminal state and builds the result.
func (s *supervisor) finish(span trace.Span, start time.Time, snap *checkpoint.Snapshot, state State, reason string, exitCode int, failure error) *Result {
	detail := reason
	if failure != nil {
		detail = failure.Error()
	}
	s.transition(state, detail)

	res := &Result{
		State:    state,
		Reason:   reason,
		ExitCode: exitCode,
		Elapsed:  time.Since(start),
		Err:      failure,
	}
	if snap != nil {
		res.Iterations = snap.Iteration
	}

	span.SetAttributes(
		attribute.String("state", string(state)),
		attribute.String("reason", reason),
		attribute.Int("iterations", res.Iterations),
	)
	if state == StateFailed {
		span.SetStatus(codes.Error, detail)
	}

	s.logger.Info("supervisor finished",
		zap.String("state", string(state)),
		zap.String("reason", reason),
		zap.Int("exit_code", exitCode),
		zap.Int("iterations", res.Iterations),
		zap.Duration("elapsed", res.Elapsed),
	)

	return res
}

// Close closes the supervisor and its journal.
func (s *supervisor) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	s.journal.close()
	return nil
}
