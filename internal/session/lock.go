package session

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"syscall"
	"time"

	"github.com/google/uuid"
)

const (
	lockSchemaID = "iterd.session_lock"

	// lockStaleAfter bounds how long an unreadable lock file can wedge a
	// session. Locks with readable metadata are reclaimed as soon as the
	// recorded pid is gone.
	lockStaleAfter = 5 * time.Minute

	// lockAttempts bounds the acquire/reclaim cycle so two reclaiming
	// processes cannot spin against each other.
	lockAttempts = 3
)

// ErrLocked indicates another live process holds the session lock.
var ErrLocked = errors.New("session locked by another process")

// Lock is an exclusive process-level claim on a session directory.
//
// It is a plain O_EXCL lock file with JSON metadata identifying the owner.
// A lock whose recorded pid is no longer alive is stale and is reclaimed.
type Lock struct {
	path    string
	OwnerID string
}

// lockMetadata is written into the lock file for diagnostics and
// staleness checks.
type lockMetadata struct {
	SchemaID  string    `json:"schema_id"`
	OwnerID   string    `json:"owner_id"`
	PID       int       `json:"pid"`
	Hostname  string    `json:"hostname"`
	CreatedAt time.Time `json:"created_at"`
}

// AcquireLock takes the exclusive lock for a session directory.
//
// Returns ErrLocked (wrapped, with the holder's pid) when a live process
// already holds it. Stale locks are reclaimed transparently.
func AcquireLock(sess *Session) (*Lock, error) {
	ownerID := uuid.NewString()
	hostname, _ := os.Hostname()

	for attempt := 0; attempt < lockAttempts; attempt++ {
		f, err := os.OpenFile(sess.LockPath(), os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0600)
		if err == nil {
			meta := lockMetadata{
				SchemaID:  lockSchemaID,
				OwnerID:   ownerID,
				PID:       os.Getpid(),
				Hostname:  hostname,
				CreatedAt: time.Now().UTC(),
			}
			if encoded, merr := json.Marshal(meta); merr == nil {
				_, _ = f.Write(append(encoded, '\n'))
				_ = f.Sync()
			}
			_ = f.Close()
			return &Lock{path: sess.LockPath(), OwnerID: ownerID}, nil
		}
		if !os.IsExist(err) {
			return nil, fmt.Errorf("acquire session lock: %w", err)
		}

		holder, stale := inspectLock(sess.LockPath())
		if !stale {
			if holder > 0 {
				return nil, fmt.Errorf("session %s held by pid %d: %w", sess.ID, holder, ErrLocked)
			}
			return nil, fmt.Errorf("session %s: %w", sess.ID, ErrLocked)
		}
		if err := os.Remove(sess.LockPath()); err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("reclaim stale session lock: %w", err)
		}
	}
	return nil, fmt.Errorf("session %s: lock contention: %w", sess.ID, ErrLocked)
}

// Release removes the lock file. Safe to call once per acquired lock.
func (l *Lock) Release() error {
	if l == nil {
		return nil
	}
	if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("release session lock: %w", err)
	}
	return nil
}

// inspectLock reports the recorded holder pid and whether the lock is stale.
func inspectLock(path string) (pid int, stale bool) {
	raw, err := os.ReadFile(path)
	if err != nil {
		// Racing with a release; the retry will see the truth.
		return 0, os.IsNotExist(err)
	}

	var meta lockMetadata
	if err := json.Unmarshal(raw, &meta); err != nil || meta.PID <= 0 {
		// Unreadable metadata: reclaim only past the stale threshold.
		if info, statErr := os.Stat(path); statErr == nil {
			return 0, time.Since(info.ModTime()) > lockStaleAfter
		}
		return 0, false
	}

	return meta.PID, !pidAlive(meta.PID)
}

// pidAlive reports whether a process with the given pid exists.
func pidAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	err = proc.Signal(syscall.Signal(0))
	if err == nil {
		return true
	}
	if errors.Is(err, os.ErrProcessDone) {
		return false
	}
	// EPERM: the process exists but belongs to another user.
	return errors.Is(err, syscall.EPERM)
}
