package supervisor

import (
	"encoding/json"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/iterd/internal/session"
)

type eventType string

const (
	eventStateChange       eventType = "state_change"
	eventIterationStarted  eventType = "iteration_started"
	eventIterationFinished eventType = "iteration_finished"
)

// event is one line of the session's events.jsonl.
type event struct {
	ID         string    `json:"id"`
	Time       time.Time `json:"time"`
	SessionID  string    `json:"session_id"`
	Type       eventType `json:"type"`
	Iteration  int       `json:"iteration,omitempty"`
	State      State     `json:"state,omitempty"`
	Status     string    `json:"status,omitempty"`
	Reason     string    `json:"reason,omitempty"`
	DurationMS int64     `json:"duration_ms,omitempty"`
}

// journal appends loop events to the session's events.jsonl. The journal
// is observability, not state: every failure here degrades to a warning
// and the loop keeps going.
type journal struct {
	sessionID string
	logger    *zap.Logger

	mu   sync.Mutex
	file *os.File
}

func openJournal(sess *session.Session, logger *zap.Logger) *journal {
	j := &journal{sessionID: sess.ID, logger: logger}

	f, err := os.OpenFile(sess.JournalPath(), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		logger.Warn("iteration journal unavailable", zap.Error(err))
		return j
	}
	j.file = f
	return j
}

func (j *journal) append(ev event) {
	ev.ID = uuid.NewString()
	ev.Time = time.Now().UTC()
	ev.SessionID = j.sessionID

	j.mu.Lock()
	defer j.mu.Unlock()

	if j.file == nil {
		return
	}

	line, err := json.Marshal(ev)
	if err != nil {
		j.logger.Warn("journal event marshal failed", zap.Error(err))
		return
	}
	if _, err := j.file.Write(append(line, '\n')); err != nil {
		j.logger.Warn("journal write failed", zap.Error(err))
	}
}

func (j *journal) close() {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.file != nil {
		_ = j.file.Close()
		j.file = nil
	}
}
