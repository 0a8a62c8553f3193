package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/iterd/internal/checkpoint"
	"github.com/fyrsmithlabs/iterd/internal/secrets"
	"github.com/fyrsmithlabs/iterd/internal/session"
)

const instrumentationName = "github.com/fyrsmithlabs/iterd/internal/worker"

const (
	// defaultCompleteExitCode is the worker's "whole task done" exit code.
	defaultCompleteExitCode = 42

	// stdout keeps a generous tail; the report sits at the end.
	defaultStdoutTailBytes = 1 << 20

	// stderr keeps a short diagnostic tail.
	defaultStderrTailBytes = 8 << 10
)

// Config configures the invoker.
type Config struct {
	// Command is the worker argv. Required.
	Command []string

	// CompleteExitCode signals terminal success (default 42).
	CompleteExitCode int

	// IterationTimeout bounds one invocation. Required.
	IterationTimeout time.Duration

	// SignaturesFile is the user-level failure-signature table. Optional;
	// the project table and built-in defaults always apply.
	SignaturesFile string
}

// Invoker runs worker iterations.
type Invoker interface {
	// Invoke runs one iteration against the given snapshot. The returned
	// error covers invoker-internal problems only; everything the worker
	// itself did, including failures, is encoded in the Outcome.
	Invoke(ctx context.Context, task string, snap *checkpoint.Snapshot) (*Outcome, error)

	// Close closes the invoker.
	Close() error
}

// invoker implements Invoker via one exec per call.
type invoker struct {
	config     Config
	sess       *session.Session
	logger     *zap.Logger
	signatures []compiledSignature
	scrubber   secrets.Scrubber

	// Telemetry
	tracer            trace.Tracer
	meter             metric.Meter
	invocationCounter metric.Int64Counter
	timeoutCounter    metric.Int64Counter

	mu     sync.RWMutex
	closed bool
}

// NewInvoker creates a worker invoker bound to one session.
func NewInvoker(cfg Config, sess *session.Session, logger *zap.Logger) (Invoker, error) {
	if len(cfg.Command) == 0 || cfg.Command[0] == "" {
		return nil, errors.New("worker command is required")
	}
	if cfg.IterationTimeout <= 0 {
		return nil, fmt.Errorf("iteration timeout must be positive, got %s", cfg.IterationTimeout)
	}
	if cfg.CompleteExitCode == 0 {
		cfg.CompleteExitCode = defaultCompleteExitCode
	}
	if cfg.CompleteExitCode < 1 || cfg.CompleteExitCode > 255 {
		return nil, fmt.Errorf("complete exit code must be in 1..255, got %d", cfg.CompleteExitCode)
	}
	if sess == nil {
		return nil, errors.New("session is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	sigs, err := LoadSignatures(sess.WorkDir, cfg.SignaturesFile)
	if err != nil {
		return nil, fmt.Errorf("load failure signatures: %w", err)
	}
	compiled, err := compileSignatures(sigs)
	if err != nil {
		return nil, fmt.Errorf("compile failure signatures: %w", err)
	}

	scrubber, err := secrets.New(nil)
	if err != nil {
		return nil, fmt.Errorf("compile secret scrubber: %w", err)
	}

	inv := &invoker{
		config:     cfg,
		sess:       sess,
		logger:     logger,
		signatures: compiled,
		scrubber:   scrubber,
		tracer:     otel.Tracer(instrumentationName),
		meter:      otel.Meter(instrumentationName),
	}

	inv.initMetrics()

	return inv, nil
}

// initMetrics initializes OpenTelemetry metrics.
func (w *invoker) initMetrics() {
	var err error

	w.invocationCounter, err = w.meter.Int64Counter(
		"iterd.worker.invocations_total",
		metric.WithDescription("Total number of worker invocations by outcome status"),
		metric.WithUnit("{invocation}"),
	)
	if err != nil {
		w.logger.Warn("failed to create invocation counter", zap.Error(err))
	}

	w.timeoutCounter, err = w.meter.Int64Counter(
		"iterd.worker.timeouts_total",
		metric.WithDescription("Total number of worker invocations killed by the iteration timeout"),
		metric.WithUnit("{timeout}"),
	)
	if err != nil {
		w.logger.Warn("failed to create timeout counter", zap.Error(err))
	}
}

// Invoke runs one blocking worker iteration.
func (w *invoker) Invoke(ctx context.Context, task string, snap *checkpoint.Snapshot) (*Outcome, error) {
	attempt := snap.Iteration + 1

	ctx, span := w.tracer.Start(ctx, "worker.invoke")
	defer span.End()

	span.SetAttributes(
		attribute.String("session_id", w.sess.ID),
		attribute.Int("iteration", attempt),
	)

	w.mu.RLock()
	if w.closed {
		w.mu.RUnlock()
		return nil, errors.New("invoker is closed")
	}
	w.mu.RUnlock()

	stdin, err := json.Marshal(payload{
		Task:      task,
		SessionID: w.sess.ID,
		Iteration: attempt,
		Snapshot:  snap,
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("marshal worker payload: %w", err)
	}

	cctx, cancel := context.WithTimeout(ctx, w.config.IterationTimeout)
	defer cancel()

	stdout := &tailBuffer{max: defaultStdoutTailBytes}
	stderr := &tailBuffer{max: defaultStderrTailBytes}

	cmd := exec.CommandContext(cctx, w.config.Command[0], w.config.Command[1:]...)
	cmd.Dir = w.sess.WorkDir
	cmd.Stdin = bytes.NewReader(stdin)
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	cmd.Env = append(os.Environ(),
		"ITERD_SESSION_ID="+w.sess.ID,
		"ITERD_SESSION_DIR="+w.sess.Dir,
		fmt.Sprintf("ITERD_ITERATION=%d", attempt),
		"ITERD_TASK="+task,
	)

	start := time.Now()
	runErr := cmd.Run()
	duration := time.Since(start)

	// Scrub before classification so nothing downstream (signature
	// matching, logs, the journal) ever sees the raw tail.
	stderrTail := stderr.String()
	if res := w.scrubber.Scrub(stderrTail); res.Count() > 0 {
		stderrTail = res.Content
		w.logger.Debug("scrubbed secrets from worker stderr",
			zap.Int("iteration", attempt),
			zap.Int("findings", res.Count()),
		)
	}

	out := w.classify(cctx, runErr, stdout.String(), stderrTail)
	out.Duration = duration

	span.SetAttributes(
		attribute.String("status", string(out.Status)),
		attribute.Int("exit_code", out.ExitCode),
	)
	if out.Status == StatusFatalFailure {
		span.SetStatus(codes.Error, out.Reason)
	}

	if w.invocationCounter != nil {
		w.invocationCounter.Add(ctx, 1, metric.WithAttributes(
			attribute.String("status", string(out.Status)),
		))
	}
	if out.Reason == "timeout" && w.timeoutCounter != nil {
		w.timeoutCounter.Add(ctx, 1)
	}

	w.logger.Info("worker invocation finished",
		zap.Int("iteration", attempt),
		zap.String("status", string(out.Status)),
		zap.String("reason", out.Reason),
		zap.Int("exit_code", out.ExitCode),
		zap.Duration("duration", duration),
	)
	if out.Failed() && out.Stderr != "" {
		w.logger.Debug("worker stderr tail",
			zap.Int("iteration", attempt),
			zap.String("stderr", out.Stderr),
		)
	}

	return out, nil
}

// classify maps the raw run result onto the outcome taxonomy.
func (w *invoker) classify(cctx context.Context, runErr error, stdout, stderr string) *Outcome {
	out := &Outcome{Stderr: stderr}

	// The deadline verdict outranks the exit code: a killed worker exits
	// with whatever signal status the kill produced.
	if cctx.Err() == context.DeadlineExceeded {
		out.Status = StatusRecoverableFailure
		out.Reason = "timeout"
		out.ExitCode = exitCodeOf(runErr)
		return out
	}
	if cctx.Err() == context.Canceled {
		out.Status = StatusFatalFailure
		out.Reason = "invocation canceled"
		out.ExitCode = exitCodeOf(runErr)
		return out
	}

	if runErr == nil {
		return w.classifyReport(out, stdout, StatusSuccess)
	}

	var exitErr *exec.ExitError
	if !errors.As(runErr, &exitErr) {
		out.Status = StatusFatalFailure
		out.Reason = fmt.Sprintf("failed to start worker: %v", runErr)
		out.ExitCode = -1
		return out
	}

	code := exitErr.ExitCode()
	out.ExitCode = code

	switch {
	case code == w.config.CompleteExitCode:
		return w.classifyReport(out, stdout, StatusTerminalSuccess)
	case code == -1:
		out.Status = StatusFatalFailure
		out.Reason = "worker terminated by signal"
	default:
		if name, ok := matchSignature(w.signatures, code, stderr); ok {
			out.Status = StatusRecoverableFailure
			out.Reason = name
		} else {
			out.Status = StatusFatalFailure
			out.Reason = fmt.Sprintf("unexpected exit code %d", code)
		}
	}
	return out
}

// classifyReport finishes a successful classification by parsing the
// stdout report. Corrupt output downgrades the invocation to fatal: a
// worker whose reporting cannot be trusted must not advance the ledger.
func (w *invoker) classifyReport(out *Outcome, stdout string, status Status) *Outcome {
	report, present, err := parseReport(stdout)
	if err != nil {
		out.Status = StatusFatalFailure
		out.Reason = fmt.Sprintf("corrupt worker report: %v", err)
		return out
	}

	out.Status = status
	if present {
		out.Delta = report.Items
		out.Artifacts = report.Artifacts
		out.Phase = report.Phase
		out.Notes = report.Notes
	}
	return out
}

// Close closes the invoker.
func (w *invoker) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return nil
	}
	w.closed = true
	return nil
}

// exitCodeOf digs an exit code out of a run error, -1 when there is none.
func exitCodeOf(err error) int {
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode()
	}
	return -1
}

// tailBuffer keeps the last max bytes written to it.
type tailBuffer struct {
	max int
	buf []byte
}

func (b *tailBuffer) Write(p []byte) (int, error) {
	b.buf = append(b.buf, p...)
	if len(b.buf) > b.max {
		b.buf = b.buf[len(b.buf)-b.max:]
	}
	return len(p), nil
}

func (b *tailBuffer) String() string {
	return string(b.buf)
}
