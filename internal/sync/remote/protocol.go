// Package remote speaks the session-based reconciliation protocol to the
// authoritative server.
package remote

import (
	"context"
	"encoding/json"

	errs "github.com/kimhsiao/judgesync/internal/errors"
	"github.com/kimhsiao/judgesync/internal/models"
)

// HTTP routes of the protocol.
const (
	PathSessions  = "/api/v1/sync/sessions"
	PathActions   = "/api/v1/sync/sessions/{id}/actions"
	PathProcess   = "/api/v1/sync/sessions/{id}/process"
	PathAck       = "/api/v1/sync/ack"
	PathHeartbeat = "/ws/heartbeat"
)

// Client is the remote side of a drain.
type Client interface {
	StartSession(ctx context.Context, deviceID string) (string, error)
	AddAction(ctx context.Context, sessionID string, action *models.PendingAction) (*Ack, error)
	ProcessSession(ctx context.Context, sessionID string) (*SessionResult, error)
	MarkSynced(ctx context.Context, ids []models.UUID) error
}

// OutcomeStatus is the server's verdict on one action.
type OutcomeStatus string

const (
	OutcomeSuccess   OutcomeStatus = "success"
	OutcomeRetryable OutcomeStatus = "retryable"
	OutcomeConflict  OutcomeStatus = "conflict"
	OutcomeRejected  OutcomeStatus = "rejected"
)

// Outcome is the per-action result of processing a session.
type Outcome struct {
	ActionID        models.UUID     `json:"actionId"`
	Status          OutcomeStatus   `json:"status"`
	Error           string          `json:"error,omitempty"`
	ErrorCode       errs.ErrorCode  `json:"errorCode,omitempty"`
	ServerVersion   int64           `json:"serverVersion"`
	ServerTimestamp int64           `json:"serverTimestamp"`
	ServerPayload   json.RawMessage `json:"serverPayload,omitempty"`
}

// Err converts a failed outcome to an AppError: retryable outcomes become
// TransientNetwork, rejected ones keep the server's code (Validation when
// absent). Success and conflict return nil.
func (o *Outcome) Err() error {
	switch o.Status {
	case OutcomeRetryable:
		return errs.New(errs.ErrTransientNetwork, o.message("server asked to retry"))
	case OutcomeRejected:
		code := o.ErrorCode
		if code == "" {
			code = errs.ErrValidation
		}
		return errs.New(code, o.message("rejected by server"))
	default:
		return nil
	}
}

func (o *Outcome) message(fallback string) string {
	if o.Error != "" {
		return o.Error
	}
	return fallback
}

// SessionResult is the reply to ProcessSession.
type SessionResult struct {
	Successful int       `json:"successful"`
	Failed     int       `json:"failed"`
	Conflicts  int       `json:"conflicts"`
	Outcomes   []Outcome `json:"outcomes"`
}

// Ack confirms the server holds an action in a session.
type Ack struct {
	ActionID models.UUID `json:"actionId"`
	Accepted bool        `json:"accepted"`
}

// ActionEnvelope is the wire form of a PendingAction.
type ActionEnvelope struct {
	ID          models.UUID       `json:"id"`
	Type        models.ActionType `json:"type"`
	Payload     json.RawMessage   `json:"payload"`
	ResourceID  string            `json:"resourceId"`
	BaseVersion int64             `json:"baseVersion"`
	DeviceID    string            `json:"deviceId"`
	Priority    models.Priority   `json:"priority"`
	CreatedAt   int64             `json:"createdAt"`
}

// EnvelopeOf builds the wire form of an action.
func EnvelopeOf(a *models.PendingAction) ActionEnvelope {
	return ActionEnvelope{
		ID:          a.ID,
		Type:        a.Type,
		Payload:     a.Payload,
		ResourceID:  a.ResourceID,
		BaseVersion: a.BaseVersion,
		DeviceID:    a.DeviceID,
		Priority:    a.Priority,
		CreatedAt:   a.CreatedAt,
	}
}

// StartSessionRequest opens a session.
type StartSessionRequest struct {
	DeviceID string `json:"deviceId"`
}

// StartSessionResponse carries the new session id.
type StartSessionResponse struct {
	SessionID string `json:"sessionId"`
}

// AckRequest acknowledges synced actions.
type AckRequest struct {
	ActionIDs []models.UUID `json:"actionIds"`
}

// Envelope wraps every JSON response body.
type Envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data,omitempty"`
	Error   string          `json:"error,omitempty"`
	Code    errs.ErrorCode  `json:"code,omitempty"`
}
