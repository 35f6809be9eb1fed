// Package remotetest provides an in-memory authoritative sync server for
// tests and local development.
package remotetest

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	errs "github.com/kimhsiao/judgesync/internal/errors"
	"github.com/kimhsiao/judgesync/internal/models"
	"github.com/kimhsiao/judgesync/internal/sync/remote"
	"github.com/kimhsiao/judgesync/internal/uuid"
)

// Resource is the server's copy of one record.
type Resource struct {
	ID        string          `json:"id"`
	Version   int64           `json:"version"`
	Payload   json.RawMessage `json:"payload"`
	UpdatedAt int64           `json:"updatedAt"`
	Deleted   bool            `json:"deleted"`

	// lastDevice wrote every version after streakBase.
	lastDevice string
	streakBase int64
}

type sessionState int

const (
	sessionOpen sessionState = iota
	sessionProcessed
)

type session struct {
	deviceID string
	actions  []remote.ActionEnvelope
	state    sessionState
	result   *remote.SessionResult
}

// Server applies sessions against in-memory resources. A write conflicts
// when its base version is behind the resource and another device wrote
// in between. It is safe for concurrent use and implements remote.Client
// directly, so tests can skip HTTP entirely.
type Server struct {
	mu        sync.Mutex
	resources map[string]*Resource
	sessions  map[string]*session
	applied   map[models.UUID]remote.Outcome
	acked     map[models.UUID]bool
	now       func() time.Time

	failProcess   int
	failActions   map[models.UUID]int
	rejectByRes   map[string]errs.ErrorCode
	hold          chan struct{}
	processCalls  int
	sessionsTotal int

	hub *heartbeatHub
}

// NewServer creates an empty server.
func NewServer() *Server {
	return &Server{
		resources:   make(map[string]*Resource),
		sessions:    make(map[string]*session),
		applied:     make(map[models.UUID]remote.Outcome),
		acked:       make(map[models.UUID]bool),
		failActions: make(map[models.UUID]int),
		rejectByRes: make(map[string]errs.ErrorCode),
		now:         time.Now,
		hub:         newHeartbeatHub(),
	}
}

var _ remote.Client = (*Server)(nil)

// SetClock overrides the server time source.
func (s *Server) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

// PutResource seeds or overwrites a resource as if another device wrote it.
func (s *Server) PutResource(id string, version int64, payload json.RawMessage, updatedAt int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resources[id] = &Resource{
		ID:         id,
		Version:    version,
		Payload:    payload,
		UpdatedAt:  updatedAt,
		lastDevice: "",
		streakBase: version,
	}
}

// Resource returns a copy of a resource.
func (s *Server) Resource(id string) (Resource, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.resources[id]
	if !ok {
		return Resource{}, false
	}
	return *r, true
}

// FailNextProcess makes the next n ProcessSession calls fail as a whole.
func (s *Server) FailNextProcess(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failProcess = n
}

// FailAction reports the action as retryable the next n times it is processed.
func (s *Server) FailAction(id models.UUID, n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failActions[id] = n
}

// RejectResource rejects every write to a resource with code.
func (s *Server) RejectResource(id string, code errs.ErrorCode) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rejectByRes[id] = code
}

// HoldProcess blocks ProcessSession until release is called or the
// caller's context ends.
func (s *Server) HoldProcess() (release func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch := make(chan struct{})
	s.hold = ch
	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			if s.hold == ch {
				s.hold = nil
			}
			s.mu.Unlock()
			close(ch)
		})
	}
}

// ProcessCalls returns how many times ProcessSession was invoked.
func (s *Server) ProcessCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.processCalls
}

// SessionsStarted returns how many sessions were opened.
func (s *Server) SessionsStarted() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessionsTotal
}

// Acked reports whether the device acknowledged id as synced.
func (s *Server) Acked(id models.UUID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.acked[id]
}

// AppliedCount returns how many distinct actions the server applied.
func (s *Server) AppliedCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.applied)
}

// StartSession opens a session for deviceID.
func (s *Server) StartSession(ctx context.Context, deviceID string) (string, error) {
	if deviceID == "" {
		return "", errs.New(errs.ErrValidation, "device id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	id := uuid.NewTimeOrdered()
	s.sessions[id] = &session{deviceID: deviceID}
	s.sessionsTotal++
	return id, nil
}

// AddAction attaches an action to an open session.
func (s *Server) AddAction(ctx context.Context, sessionID string, action *models.PendingAction) (*remote.Ack, error) {
	return s.addEnvelope(sessionID, remote.EnvelopeOf(action))
}

func (s *Server) addEnvelope(sessionID string, env remote.ActionEnvelope) (*remote.Ack, error) {
	if env.ID == "" || !env.Type.Valid() {
		return nil, errs.New(errs.ErrValidation, "invalid action")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[sessionID]
	if !ok {
		return nil, errs.New(errs.ErrNotFound, fmt.Sprintf("session %s not found", sessionID))
	}
	if sess.state != sessionOpen {
		return nil, errs.New(errs.ErrSessionState, fmt.Sprintf("session %s already processed", sessionID))
	}
	if env.DeviceID != sess.deviceID {
		return nil, errs.New(errs.ErrPermission, "action belongs to another device")
	}
	sess.actions = append(sess.actions, env)
	return &remote.Ack{ActionID: env.ID, Accepted: true}, nil
}

// ProcessSession applies every attached action in order. A session is
// processed once; repeating the call returns the first result.
func (s *Server) ProcessSession(ctx context.Context, sessionID string) (*remote.SessionResult, error) {
	s.mu.Lock()
	s.processCalls++
	hold := s.hold
	s.mu.Unlock()

	if hold != nil {
		select {
		case <-hold:
		case <-ctx.Done():
			return nil, errs.Transient("process canceled", ctx.Err())
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[sessionID]
	if !ok {
		return nil, errs.New(errs.ErrNotFound, fmt.Sprintf("session %s not found", sessionID))
	}
	if sess.state == sessionProcessed {
		return sess.result, nil
	}
	if s.failProcess > 0 {
		s.failProcess--
		return nil, errs.New(errs.ErrTransientNetwork, "service unavailable")
	}

	res := &remote.SessionResult{Outcomes: make([]remote.Outcome, 0, len(sess.actions))}
	for _, env := range sess.actions {
		out := s.apply(env)
		switch out.Status {
		case remote.OutcomeSuccess:
			res.Successful++
		case remote.OutcomeConflict:
			res.Conflicts++
		default:
			res.Failed++
		}
		res.Outcomes = append(res.Outcomes, out)
	}
	sess.state = sessionProcessed
	sess.result = res
	return res, nil
}

// apply decides and applies one action. Callers hold s.mu.
func (s *Server) apply(env remote.ActionEnvelope) remote.Outcome {
	if prior, ok := s.applied[env.ID]; ok {
		return prior
	}
	if n := s.failActions[env.ID]; n > 0 {
		s.failActions[env.ID] = n - 1
		return remote.Outcome{ActionID: env.ID, Status: remote.OutcomeRetryable, Error: "temporarily unavailable"}
	}
	if code, ok := s.rejectByRes[env.ResourceID]; ok {
		return remote.Outcome{ActionID: env.ID, Status: remote.OutcomeRejected, ErrorCode: code,
			Error: fmt.Sprintf("write to %s refused", env.ResourceID)}
	}
	if _, err := models.DecodePayload(env.Type, env.Payload); err != nil {
		return remote.Outcome{ActionID: env.ID, Status: remote.OutcomeRejected, ErrorCode: errs.ErrValidation,
			Error: err.Error()}
	}

	res, exists := s.resources[env.ResourceID]
	if !exists {
		if env.Type == models.ActionTypeDelete || env.Type == models.ActionTypeUpdate {
			return remote.Outcome{ActionID: env.ID, Status: remote.OutcomeRejected, ErrorCode: errs.ErrNotFound,
				Error: fmt.Sprintf("resource %s not found", env.ResourceID)}
		}
		res = &Resource{ID: env.ResourceID}
		s.resources[env.ResourceID] = res
	}

	ownStreak := res.lastDevice == env.DeviceID && env.BaseVersion >= res.streakBase && env.BaseVersion <= res.Version
	if env.BaseVersion != res.Version && !ownStreak {
		return remote.Outcome{
			ActionID:        env.ID,
			Status:          remote.OutcomeConflict,
			Error:           fmt.Sprintf("base version %d behind server version %d", env.BaseVersion, res.Version),
			ServerVersion:   res.Version,
			ServerTimestamp: res.UpdatedAt,
			ServerPayload:   res.Payload,
		}
	}

	switch env.Type {
	case models.ActionTypeDelete:
		res.Deleted = true
	case models.ActionTypeUpdate:
		res.Payload = mergeFields(res.Payload, env.Payload)
	default:
		res.Payload = env.Payload
		res.Deleted = false
	}
	if res.lastDevice != env.DeviceID {
		res.lastDevice = env.DeviceID
		res.streakBase = res.Version
	}
	res.Version++
	res.UpdatedAt = s.now().UnixMilli()

	out := remote.Outcome{
		ActionID:        env.ID,
		Status:          remote.OutcomeSuccess,
		ServerVersion:   res.Version,
		ServerTimestamp: res.UpdatedAt,
	}
	s.applied[env.ID] = out
	return out
}

// mergeFields overlays the fields of an update payload onto the current
// record payload.
func mergeFields(current, update json.RawMessage) json.RawMessage {
	var cur, upd struct {
		Collection string                 `json:"collection"`
		Fields     map[string]interface{} `json:"fields"`
	}
	if len(current) > 0 {
		json.Unmarshal(current, &cur)
	}
	json.Unmarshal(update, &upd)
	if cur.Fields == nil {
		cur.Fields = make(map[string]interface{})
	}
	for k, v := range upd.Fields {
		cur.Fields[k] = v
	}
	if cur.Collection == "" {
		cur.Collection = upd.Collection
	}
	merged, err := json.Marshal(cur)
	if err != nil {
		return update
	}
	return merged
}

// MarkSynced records the device's acknowledgement.
func (s *Server) MarkSynced(ctx context.Context, ids []models.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range ids {
		s.acked[id] = true
	}
	return nil
}
