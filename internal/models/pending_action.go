package models

import (
	"encoding/json"
	"time"
)

// ActionType is the closed set of mutations a device can queue.
type ActionType string

const (
	ActionTypeScoreUpdate ActionType = "score-update"
	ActionTypeCreate      ActionType = "create"
	ActionTypeUpdate      ActionType = "update"
	ActionTypeDelete      ActionType = "delete"
)

// Valid reports whether t belongs to the closed action type set.
func (t ActionType) Valid() bool {
	switch t {
	case ActionTypeScoreUpdate, ActionTypeCreate, ActionTypeUpdate, ActionTypeDelete:
		return true
	}
	return false
}

// ActionStatus is the lifecycle state of a PendingAction.
type ActionStatus string

const (
	ActionStatusPending    ActionStatus = "pending"
	ActionStatusSyncing    ActionStatus = "syncing"
	ActionStatusSynced     ActionStatus = "synced"
	ActionStatusConflicted ActionStatus = "conflicted"
	ActionStatusFailed     ActionStatus = "failed"
)

// IsTerminal reports whether no automatic transition leaves the status.
func (s ActionStatus) IsTerminal() bool {
	return s == ActionStatusSynced || s == ActionStatusFailed
}

// Priority orders actions within a drain. Lower rank drains first.
type Priority string

const (
	PriorityHigh   Priority = "high"
	PriorityNormal Priority = "normal"
	PriorityLow    Priority = "low"
)

// Rank returns the sort rank stored alongside the action.
func (p Priority) Rank() int {
	switch p {
	case PriorityHigh:
		return 0
	case PriorityLow:
		return 2
	default:
		return 1
	}
}

// DefaultMaxRetries is the retry cap applied when none is configured.
const DefaultMaxRetries = 3

// PendingAction is a durable record of one client-originated mutation.
type PendingAction struct {
	ID          UUID            `db:"id" json:"id"`
	Type        ActionType      `db:"type" json:"type"`
	Payload     json.RawMessage `db:"payload" json:"payload"`
	ResourceID  string          `db:"resource_id" json:"resource_id"`
	BaseVersion int64           `db:"base_version" json:"base_version"`
	DeviceID    string          `db:"device_id" json:"device_id"`
	Status      ActionStatus    `db:"status" json:"status"`
	RetryCount  int             `db:"retry_count" json:"retry_count"`
	Priority    Priority        `db:"priority" json:"priority"`
	LastError   string          `db:"last_error" json:"last_error,omitempty"`
	CreatedAt   int64           `db:"created_at" json:"created_at"` // unix millis
	UpdatedAt   int64           `db:"updated_at" json:"updated_at"` // unix millis
}

// TableName returns the table name for PendingAction.
func (PendingAction) TableName() string {
	return "pending_actions"
}

// CreatedAtTime returns CreatedAt as time.Time.
func (a *PendingAction) CreatedAtTime() time.Time {
	return time.UnixMilli(a.CreatedAt)
}

// DecodePayload decodes the stored payload into its typed variant.
func (a *PendingAction) DecodePayload() (Payload, error) {
	return DecodePayload(a.Type, a.Payload)
}

// NewPendingAction builds an unsaved action from a typed payload.
// The store assigns ID, DeviceID, Status and timestamps on enqueue.
func NewPendingAction(resourceID string, baseVersion int64, payload Payload) (*PendingAction, error) {
	raw, err := EncodePayload(payload)
	if err != nil {
		return nil, err
	}
	priority := PriorityNormal
	if payload.ActionType() == ActionTypeScoreUpdate {
		priority = PriorityHigh
	}
	return &PendingAction{
		Type:        payload.ActionType(),
		Payload:     raw,
		ResourceID:  resourceID,
		BaseVersion: baseVersion,
		Priority:    priority,
		Status:      ActionStatusPending,
	}, nil
}

// Clone returns a deep copy safe to hand to other goroutines.
func (a *PendingAction) Clone() *PendingAction {
	c := *a
	if a.Payload != nil {
		c.Payload = append(json.RawMessage(nil), a.Payload...)
	}
	return &c
}
