// Package watch follows a session directory and reports changes to the
// files of the session contract: progress.json, COMPLETE and
// events.jsonl.
//
// The watcher depends only on the directory layout, never on supervisor
// internals, so external tooling can use it against any session
// directory. It watches the directory rather than the files because the
// snapshot is replaced by atomic rename (a per-file watch dies with the
// old inode) and the completion flag does not exist until the session
// finishes.
package watch

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// Session contract file names.
const (
	SnapshotFile     = "progress.json"
	CompleteFlagFile = "COMPLETE"
	JournalFile      = "events.jsonl"
)

// ErrWatcherFailed indicates the filesystem watcher failed to initialize.
var ErrWatcherFailed = errors.New("failed to initialize filesystem watcher")

// EventType classifies a session directory change.
type EventType int

const (
	// EventSnapshotUpdated fires when progress.json is replaced.
	EventSnapshotUpdated EventType = iota

	// EventCompleted fires when the COMPLETE flag appears.
	EventCompleted

	// EventJournalAppended fires when events.jsonl grows.
	EventJournalAppended
)

// String returns the event type's name.
func (t EventType) String() string {
	switch t {
	case EventSnapshotUpdated:
		return "snapshot-updated"
	case EventCompleted:
		return "completed"
	case EventJournalAppended:
		return "journal-appended"
	default:
		return "unknown"
	}
}

// Event is one observed session change.
type Event struct {
	// Type is the change classification.
	Type EventType

	// SessionDir is the watched directory.
	SessionDir string

	// Path is the contract file that changed.
	Path string

	// Timestamp is when the change was observed.
	Timestamp time.Time
}

// Watcher reports session directory changes on a channel.
type Watcher struct {
	dir     string
	logger  *zap.Logger
	watcher *fsnotify.Watcher
	events  chan Event
	stop    chan struct{}
}

// NewWatcher creates a watcher for one session directory.
func NewWatcher(sessionDir string, logger *zap.Logger) (*Watcher, error) {
	info, err := os.Stat(sessionDir)
	if err != nil {
		return nil, fmt.Errorf("stat session directory: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("%s is not a directory", sessionDir)
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrWatcherFailed, err)
	}

	return &Watcher{
		dir:     sessionDir,
		logger:  logger,
		watcher: fsw,
		events:  make(chan Event, 16),
		stop:    make(chan struct{}),
	}, nil
}

// Start begins watching. Events arrive on Events() until Stop is called
// or the context is canceled.
func (w *Watcher) Start(ctx context.Context) error {
	if err := w.watcher.Add(w.dir); err != nil {
		return fmt.Errorf("watching %s: %w", w.dir, err)
	}

	go w.processEvents(ctx)

	return nil
}

// Stop stops the watcher and releases its resources. Safe to call more
// than once.
func (w *Watcher) Stop() {
	select {
	case <-w.stop:
		return
	default:
		close(w.stop)
		_ = w.watcher.Close()
	}
}

// Events returns the channel of observed session changes.
func (w *Watcher) Events() <-chan Event {
	return w.events
}

// processEvents translates filesystem events into session events.
func (w *Watcher) processEvents(ctx context.Context) {
	for {
		select {
		case <-w.stop:
			return
		case <-ctx.Done():
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.handleChange(event)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("filesystem watcher error", zap.Error(err))
		}
	}
}

// handleChange classifies one filesystem event. The snapshot lands via
// rename and the flag via create, so creates, writes and renames all
// count; temp files and the lock never produce events.
func (w *Watcher) handleChange(ev fsnotify.Event) {
	if ev.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) == 0 {
		return
	}

	var typ EventType
	switch filepath.Base(ev.Name) {
	case SnapshotFile:
		typ = EventSnapshotUpdated
	case CompleteFlagFile:
		typ = EventCompleted
	case JournalFile:
		typ = EventJournalAppended
	default:
		return
	}

	w.emit(Event{
		Type:       typ,
		SessionDir: w.dir,
		Path:       ev.Name,
		Timestamp:  time.Now(),
	})
}

// emit sends without blocking; a slow consumer loses events, not the
// watcher.
func (w *Watcher) emit(ev Event) {
	select {
	case w.events <- ev:
	default:
		w.logger.Debug("event channel full, dropping event",
			zap.String("type", ev.Type.String()),
			zap.String("path", ev.Path),
		)
	}
}
