package sync

import (
	"fmt"
	"time"

	errs "github.com/kimhsiao/judgesync/internal/errors"
	"github.com/kimhsiao/judgesync/internal/models"
)

// SessionStatus is the lifecycle state of a SyncSession.
type SessionStatus string

const (
	SessionOpen       SessionStatus = "open"
	SessionProcessing SessionStatus = "processing"
	SessionCompleted  SessionStatus = "completed"
)

// SyncSession is the client-side view of one server session: the batch
// of actions a drain attached, processed once and then discarded.
type SyncSession struct {
	ID        string
	DeviceID  string
	StartedAt time.Time

	status    SessionStatus
	actionIDs []models.UUID
}

func newSession(id, deviceID string, startedAt time.Time) *SyncSession {
	return &SyncSession{
		ID:        id,
		DeviceID:  deviceID,
		StartedAt: startedAt,
		status:    SessionOpen,
	}
}

// Status returns the current state.
func (s *SyncSession) Status() SessionStatus {
	return s.status
}

// Attach records an action as part of the session. Only open sessions
// accept actions.
func (s *SyncSession) Attach(id models.UUID) error {
	if s.status != SessionOpen {
		return errs.New(errs.ErrSessionState, fmt.Sprintf("session %s is %s", s.ID, s.status))
	}
	s.actionIDs = append(s.actionIDs, id)
	return nil
}

// ActionIDs returns the attached ids in attach order.
func (s *SyncSession) ActionIDs() []models.UUID {
	out := make([]models.UUID, len(s.actionIDs))
	copy(out, s.actionIDs)
	return out
}

// BeginProcessing moves the session to processing. It succeeds once.
func (s *SyncSession) BeginProcessing() error {
	if s.status != SessionOpen {
		return errs.New(errs.ErrSessionState, fmt.Sprintf("session %s already %s", s.ID, s.status))
	}
	s.status = SessionProcessing
	return nil
}

// Close completes the session. A session is closed once; an open session
// may be closed without processing when a drain aborts.
func (s *SyncSession) Close() error {
	if s.status == SessionCompleted {
		return errs.New(errs.ErrSessionState, fmt.Sprintf("session %s already closed", s.ID))
	}
	s.status = SessionCompleted
	return nil
}
