// Package session defines the identity and on-disk layout of one supervised
// run.
//
// A session is a project name plus a start timestamp. Its state directory
// under the state root holds everything needed to resume: the current
// snapshot (progress.json), write-once metadata (state.json), the completion
// flag (COMPLETE), the process lock (supervisor.lock), and the iteration
// journal (events.jsonl). Re-using a session id resumes the run; a fresh
// budget requires a fresh id.
package session

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/fyrsmithlabs/iterd/internal/config"
)

// File names inside a session directory. This layout is a stable contract
// consumed by pkg/watch and the status/sessions commands.
const (
	SnapshotFile     = "progress.json"
	StateFile        = "state.json"
	CompleteFlagFile = "COMPLETE"
	LockFile         = "supervisor.lock"
	JournalFile      = "events.jsonl"
)

// stateSchemaVersion guards state.json against incompatible readers.
const stateSchemaVersion = 1

var (
	// ErrNotFound indicates the session directory or its metadata is missing.
	ErrNotFound = errors.New("session not found")

	// ErrExists indicates a session with the same id already has metadata.
	ErrExists = errors.New("session already exists")
)

// Session identifies one supervised run and its state directory.
type Session struct {
	ID            string
	Project       string
	CreatedAt     time.Time
	TimeBudget    time.Duration
	MaxIterations int
	WorkDir       string
	Dir           string
}

// Params carries the caller-supplied parameters for a new session.
type Params struct {
	Project       string
	WorkDir       string
	TimeBudget    time.Duration
	MaxIterations int
}

// state is the write-once metadata persisted as state.json.
type state struct {
	SchemaVersion int             `json:"schema_version"`
	SessionID     string          `json:"session_id"`
	Project       string          `json:"project"`
	CreatedAt     time.Time       `json:"created_at"`
	TimeBudget    config.Duration `json:"time_budget"`
	MaxIterations int             `json:"max_iterations"`
	WorkDir       string          `json:"work_dir"`
}

// Create builds a new session under root, creates its directory, and writes
// state.json exactly once. The id embeds the sanitized project name and the
// start timestamp, so clock ticks make collisions practically impossible;
// O_EXCL on state.json guards the rest.
func Create(root string, p Params, now time.Time) (*Session, error) {
	if root == "" {
		return nil, fmt.Errorf("state root is required")
	}
	if p.Project == "" {
		return nil, fmt.Errorf("project is required")
	}
	if p.TimeBudget <= 0 {
		return nil, fmt.Errorf("time budget must be positive, got %s", p.TimeBudget)
	}
	if p.MaxIterations <= 0 {
		return nil, fmt.Errorf("max iterations must be positive, got %d", p.MaxIterations)
	}

	workDir := p.WorkDir
	if workDir == "" {
		workDir = "."
	}
	workDir, err := filepath.Abs(workDir)
	if err != nil {
		return nil, fmt.Errorf("resolve work dir: %w", err)
	}
	if info, err := os.Stat(workDir); err != nil {
		return nil, fmt.Errorf("work dir: %w", err)
	} else if !info.IsDir() {
		return nil, fmt.Errorf("work dir %s is not a directory", workDir)
	}

	now = now.UTC()
	sess := &Session{
		ID:            NewID(p.Project, now),
		Project:       p.Project,
		CreatedAt:     now,
		TimeBudget:    p.TimeBudget,
		MaxIterations: p.MaxIterations,
		WorkDir:       workDir,
	}
	sess.Dir = filepath.Join(root, sess.ID)

	if err := os.MkdirAll(sess.Dir, 0700); err != nil {
		return nil, fmt.Errorf("create session directory: %w", err)
	}
	if err := writeStateOnce(sess); err != nil {
		return nil, err
	}
	return sess, nil
}

// Open loads an existing session by id. The returned session carries the
// parameters recorded at creation; they are never rewritten.
func Open(root, id string) (*Session, error) {
	if root == "" {
		return nil, fmt.Errorf("state root is required")
	}
	if id == "" {
		return nil, fmt.Errorf("session id is required")
	}

	dir := filepath.Join(root, id)
	raw, err := os.ReadFile(filepath.Join(dir, StateFile))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("session %s: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("read session state: %w", err)
	}

	var st state
	if err := json.Unmarshal(raw, &st); err != nil {
		return nil, fmt.Errorf("parse session state for %s: %w", id, err)
	}
	if st.SchemaVersion != stateSchemaVersion {
		return nil, fmt.Errorf("session %s has unsupported state schema version %d", id, st.SchemaVersion)
	}
	if st.SessionID != id {
		return nil, fmt.Errorf("session state id mismatch: directory %s holds %s", id, st.SessionID)
	}

	return &Session{
		ID:            st.SessionID,
		Project:       st.Project,
		CreatedAt:     st.CreatedAt.UTC(),
		TimeBudget:    st.TimeBudget.Duration(),
		MaxIterations: st.MaxIterations,
		WorkDir:       st.WorkDir,
		Dir:           dir,
	}, nil
}

// List returns all sessions under root, newest first. Directories without
// readable metadata are skipped.
func List(root string) ([]*Session, error) {
	entries, err := os.ReadDir(root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read state root: %w", err)
	}

	var sessions []*Session
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		sess, err := Open(root, entry.Name())
		if err != nil {
			continue
		}
		sessions = append(sessions, sess)
	}

	sort.Slice(sessions, func(i, j int) bool {
		return sessions[i].CreatedAt.After(sessions[j].CreatedAt)
	})
	return sessions, nil
}

// SnapshotPath returns the current snapshot location (progress.json).
func (s *Session) SnapshotPath() string { return filepath.Join(s.Dir, SnapshotFile) }

// StatePath returns the write-once metadata location (state.json).
func (s *Session) StatePath() string { return filepath.Join(s.Dir, StateFile) }

// CompleteFlagPath returns the completion flag location (COMPLETE).
func (s *Session) CompleteFlagPath() string { return filepath.Join(s.Dir, CompleteFlagFile) }

// LockPath returns the process lock location (supervisor.lock).
func (s *Session) LockPath() string { return filepath.Join(s.Dir, LockFile) }

// JournalPath returns the iteration journal location (events.jsonl).
func (s *Session) JournalPath() string { return filepath.Join(s.Dir, JournalFile) }

// writeStateOnce persists state.json with O_EXCL so session metadata can
// never be silently rewritten.
func writeStateOnce(sess *Session) error {
	st := state{
		SchemaVersion: stateSchemaVersion,
		SessionID:     sess.ID,
		Project:       sess.Project,
		CreatedAt:     sess.CreatedAt,
		TimeBudget:    config.Duration(sess.TimeBudget),
		MaxIterations: sess.MaxIterations,
		WorkDir:       sess.WorkDir,
	}
	raw, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal session state: %w", err)
	}
	raw = append(raw, '\n')

	f, err := os.OpenFile(sess.StatePath(), os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0600)
	if err != nil {
		if os.IsExist(err) {
			return fmt.Errorf("session %s: %w", sess.ID, ErrExists)
		}
		return fmt.Errorf("create session state: %w", err)
	}
	defer func() { _ = f.Close() }()

	if _, err := f.Write(raw); err != nil {
		return fmt.Errorf("write session state: %w", err)
	}
	if err := f.Sync(); err != nil {
		return fmt.Errorf("sync session state: %w", err)
	}
	return nil
}
