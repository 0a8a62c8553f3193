// Package completion decides when a supervised task is finished and
// records that fact durably.
//
// Terminality has exactly two sources: the worker's explicit completion
// exit code, or a non-empty ledger with nothing left pending. An empty
// ledger never counts as done; it means nobody has described the work
// yet. The verdict is recorded as a zero-byte COMPLETE flag in the
// session directory so resumes and observers can answer "is it done?"
// without replaying any state.
package completion

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/iterd/internal/checkpoint"
	"github.com/fyrsmithlabs/iterd/internal/session"
	"github.com/fyrsmithlabs/iterd/internal/worker"
)

const instrumentationName = "github.com/fyrsmithlabs/iterd/internal/completion"

// Verdict is the detector's ruling for one iteration.
type Verdict struct {
	// Terminal reports whether the session's task is finished.
	Terminal bool

	// Reason explains the ruling in one line.
	Reason string
}

// Detector evaluates task completion and maintains the COMPLETE flag.
type Detector interface {
	// Evaluate rules on the snapshot and outcome of one iteration. On a
	// terminal verdict it writes the COMPLETE flag before returning;
	// failing to write the flag is a storage failure.
	Evaluate(ctx context.Context, sess *session.Session, snap *checkpoint.Snapshot, out *worker.Outcome) (Verdict, error)

	// FlagExists reports whether the session's COMPLETE flag is on disk.
	FlagExists(sess *session.Session) bool

	// Close closes the detector.
	Close() error
}

// detector implements Detector.
type detector struct {
	logger *zap.Logger

	// Telemetry
	tracer            trace.Tracer
	meter             metric.Meter
	evaluationCounter metric.Int64Counter

	mu     sync.RWMutex
	closed bool
}

// NewDetector creates a completion detector.
func NewDetector(logger *zap.Logger) Detector {
	if logger == nil {
		logger = zap.NewNop()
	}

	d := &detector{
		logger: logger,
		tracer: otel.Tracer(instrumentationName),
		meter:  otel.Meter(instrumentationName),
	}

	d.initMetrics()

	return d
}

// initMetrics initializes OpenTelemetry metrics.
func (d *detector) initMetrics() {
	var err error

	d.evaluationCounter, err = d.meter.Int64Counter(
		"iterd.completion.evaluations_total",
		metric.WithDescription("Total number of completion evaluations by verdict"),
		metric.WithUnit("{evaluation}"),
	)
	if err != nil {
		d.logger.Warn("failed to create evaluation counter", zap.Error(err))
	}
}

// Evaluate rules on one iteration and persists a terminal verdict.
func (d *detector) Evaluate(ctx context.Context, sess *session.Session, snap *checkpoint.Snapshot, out *worker.Outcome) (Verdict, error) {
	ctx, span := d.tracer.Start(ctx, "completion.evaluate")
	defer span.End()

	d.mu.RLock()
	if d.closed {
		d.mu.RUnlock()
		return Verdict{}, errors.New("detector is closed")
	}
	d.mu.RUnlock()

	if sess == nil {
		return Verdict{}, errors.New("session is required")
	}
	if snap == nil {
		return Verdict{}, errors.New("snapshot is required")
	}

	v := rule(snap, out)

	span.SetAttributes(
		attribute.String("session_id", sess.ID),
		attribute.Bool("terminal", v.Terminal),
		attribute.String("reason", v.Reason),
	)
	if d.evaluationCounter != nil {
		d.evaluationCounter.Add(ctx, 1, metric.WithAttributes(
			attribute.Bool("terminal", v.Terminal),
		))
	}

	if !v.Terminal {
		return v, nil
	}

	if err := writeFlag(sess.CompleteFlagPath()); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return Verdict{}, fmt.Errorf("%w: write completion flag: %v", checkpoint.ErrStorage, err)
	}

	d.logger.Info("session complete",
		zap.String("session_id", sess.ID),
		zap.String("reason", v.Reason),
		zap.Int("iteration", snap.Iteration),
	)

	return v, nil
}

// rule applies the two-source terminality rule.
func rule(snap *checkpoint.Snapshot, out *worker.Outcome) Verdict {
	if out != nil && out.Status == worker.StatusTerminalSuccess {
		return Verdict{Terminal: true, Reason: "worker signaled completion"}
	}
	if len(snap.Ledger) > 0 && snap.Ledger.Pending() == 0 {
		return Verdict{Terminal: true, Reason: fmt.Sprintf("all %d ledger items completed", len(snap.Ledger))}
	}
	if len(snap.Ledger) == 0 {
		return Verdict{Reason: "ledger is empty"}
	}
	return Verdict{Reason: fmt.Sprintf("%d ledger items pending", snap.Ledger.Pending())}
}

// writeFlag creates the zero-byte flag. A flag that already exists is
// kept as-is; the file is never recreated or truncated.
func writeFlag(path string) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
	if errors.Is(err, os.ErrExist) {
		return nil
	}
	if err != nil {
		return err
	}
	return f.Close()
}

// FlagExists reports whether the COMPLETE flag is on disk.
func (d *detector) FlagExists(sess *session.Session) bool {
	if sess == nil {
		return false
	}
	_, err := os.Stat(sess.CompleteFlagPath())
	return err == nil
}

// Close closes the detector.
func (d *detector) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return nil
	}
	d.closed = true
	return nil
}
