package checkpoint

import (
	"context"
	"encoding/json"
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

	"github.com/fyrsmithlabs/iterd/internal/session"
)

const instrumentationName = "github.com/fyrsmithlabs/iterd/internal/checkpoint"

var (
	// ErrStorage wraps every read/write/rename failure. Always fatal to
	// the supervision loop.
	ErrStorage = errors.New("checkpoint storage failure")

	// ErrIterationRegression indicates a save would move the iteration
	// counter backwards.
	ErrIterationRegression = errors.New("checkpoint iteration regression")
)

// Store persists snapshots.
type Store interface {
	// Load returns the current snapshot, or the empty snapshot when the
	// session has none yet.
	Load(ctx context.Context, sess *session.Session) (*Snapshot, error)

	// Save atomically replaces the current snapshot.
	Save(ctx context.Context, sess *session.Session, snap *Snapshot) error

	// Close closes the store.
	Close() error
}

// StoreConfig configures the checkpoint store.
type StoreConfig struct {
	// SyncWrites controls fsync of the snapshot file and its directory.
	// Disable only in tests or throwaway environments.
	SyncWrites bool
}

// DefaultStoreConfig returns production defaults.
func DefaultStoreConfig() *StoreConfig {
	return &StoreConfig{
		SyncWrites: true,
	}
}

// fileStore implements Store on the session directory.
type fileStore struct {
	config *StoreConfig
	logger *zap.Logger

	// Telemetry
	tracer      trace.Tracer
	meter       metric.Meter
	saveCounter metric.Int64Counter
	loadCounter metric.Int64Counter

	mu     sync.RWMutex
	closed bool
}

// NewStore creates a checkpoint store.
func NewStore(cfg *StoreConfig, logger *zap.Logger) (Store, error) {
	if cfg == nil {
		cfg = DefaultStoreConfig()
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	s := &fileStore{
		config: cfg,
		logger: logger,
		tracer: otel.Tracer(instrumentationName),
		meter:  otel.Meter(instrumentationName),
	}

	s.initMetrics()

	return s, nil
}

// initMetrics initializes OpenTelemetry metrics.
func (s *fileStore) initMetrics() {
	var err error

	s.saveCounter, err = s.meter.Int64Counter(
		"iterd.checkpoint.saves_total",
		metric.WithDescription("Total number of snapshot saves"),
		metric.WithUnit("{save}"),
	)
	if err != nil {
		s.logger.Warn("failed to create save counter", zap.Error(err))
	}

	s.loadCounter, err = s.meter.Int64Counter(
		"iterd.checkpoint.loads_total",
		metric.WithDescription("Total number of snapshot loads"),
		metric.WithUnit("{load}"),
	)
	if err != nil {
		s.logger.Warn("failed to create load counter", zap.Error(err))
	}
}

// Load returns the current snapshot for the session.
//
// A session with no snapshot yet yields NewSnapshot(sess.ID): first run and
// resume are one code path. A snapshot that exists but cannot be parsed is
// a storage failure; silently resetting it would discard progress.
func (s *fileStore) Load(ctx context.Context, sess *session.Session) (*Snapshot, error) {
	_, span := s.tracer.Start(ctx, "checkpoint.load")
	defer span.End()

	span.SetAttributes(attribute.String("session_id", sess.ID))

	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return nil, errors.New("store is closed")
	}
	s.mu.RUnlock()

	snap, err := readSnapshotFile(sess.SnapshotPath())
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	if snap == nil {
		snap = NewSnapshot(sess.ID)
	}

	if snap.SessionID != sess.ID {
		err := fmt.Errorf("snapshot belongs to session %s, not %s: %w", snap.SessionID, sess.ID, ErrStorage)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	if err := snap.Validate(); err != nil {
		err = fmt.Errorf("loaded snapshot invalid: %v: %w", err, ErrStorage)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	if s.loadCounter != nil {
		s.loadCounter.Add(ctx, 1)
	}

	span.SetAttributes(attribute.Int("iteration", snap.Iteration))
	return snap, nil
}

// Save atomically replaces the current snapshot.
//
// The write path is: temp file in the session directory, fsync, close,
// rename over progress.json, then best-effort directory sync. A reader
// never observes a partial snapshot; a crash before the rename leaves the
// prior snapshot intact.
//
// Save persists the snapshot verbatim; callers stamp UpdatedAt when they
// change state, which keeps resume idempotent.
func (s *fileStore) Save(ctx context.Context, sess *session.Session, snap *Snapshot) error {
	_, span := s.tracer.Start(ctx, "checkpoint.save")
	defer span.End()

	span.SetAttributes(
		attribute.String("session_id", sess.ID),
		attribute.Int("iteration", snap.Iteration),
	)

	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return errors.New("store is closed")
	}
	s.mu.RUnlock()

	if err := snap.Validate(); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("refusing to save: %w", err)
	}
	if snap.SessionID != sess.ID {
		err := fmt.Errorf("snapshot session %s does not match session %s", snap.SessionID, sess.ID)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}

	// Monotonic iteration guard. An unreadable existing snapshot does not
	// block the save; the save restores integrity.
	if cur, err := readSnapshotFile(sess.SnapshotPath()); err == nil && cur != nil {
		if snap.Iteration < cur.Iteration {
			err := fmt.Errorf("iteration %d < persisted %d: %w", snap.Iteration, cur.Iteration, ErrIterationRegression)
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return err
		}
	}

	raw, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("marshal snapshot: %v: %w", err, ErrStorage)
	}
	raw = append(raw, '\n')

	if err := s.writeAtomic(sess, raw); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}

	if s.saveCounter != nil {
		s.saveCounter.Add(ctx, 1)
	}

	s.logger.Debug("saved snapshot",
		zap.String("session_id", sess.ID),
		zap.Int("iteration", snap.Iteration),
		zap.String("phase", string(snap.Phase)),
		zap.Int("pending", snap.Ledger.Pending()),
		zap.Int("completed", snap.Ledger.Completed()),
	)

	return nil
}

// writeAtomic performs the temp-write-fsync-rename sequence.
func (s *fileStore) writeAtomic(sess *session.Session, raw []byte) error {
	tmp, err := os.CreateTemp(sess.Dir, ".progress-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp snapshot: %v: %w", err, ErrStorage)
	}
	tmpName := tmp.Name()

	cleanup := func() {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
	}

	if _, err := tmp.Write(raw); err != nil {
		cleanup()
		return fmt.Errorf("write temp snapshot: %v: %w", err, ErrStorage)
	}
	if s.config.SyncWrites {
		if err := tmp.Sync(); err != nil {
			cleanup()
			return fmt.Errorf("sync temp snapshot: %v: %w", err, ErrStorage)
		}
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("close temp snapshot: %v: %w", err, ErrStorage)
	}

	if err := os.Rename(tmpName, sess.SnapshotPath()); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("rename snapshot: %v: %w", err, ErrStorage)
	}

	if s.config.SyncWrites {
		// Directory sync is best effort; the rename itself is already
		// crash safe on the filesystems we care about.
		if dir, err := os.Open(sess.Dir); err == nil {
			if err := dir.Sync(); err != nil {
				s.logger.Debug("session directory sync failed", zap.Error(err))
			}
			_ = dir.Close()
		}
	}

	return nil
}

// Close closes the store.
func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	return nil
}

// readSnapshotFile reads and parses a snapshot file. Missing file yields
// (nil, nil); any other failure wraps ErrStorage.
func readSnapshotFile(path string) (*Snapshot, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read snapshot: %v: %w", err, ErrStorage)
	}

	var snap Snapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		return nil, fmt.Errorf("parse snapshot: %v: %w", err, ErrStorage)
	}
	return &snap, nil
}
