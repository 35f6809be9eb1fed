package models

import (
	"encoding/json"
	"time"
)

// ResolutionStrategy selects how a conflict is settled.
type ResolutionStrategy string

const (
	ResolutionLastWriteWins ResolutionStrategy = "last-write-wins"
	ResolutionManual        ResolutionStrategy = "manual"
)

// ConflictStatus tracks whether a conflict still needs a decision.
type ConflictStatus string

const (
	ConflictStatusPending  ConflictStatus = "pending"
	ConflictStatusResolved ConflictStatus = "resolved"
)

// ConflictOutcome records which side won once resolved.
type ConflictOutcome string

const (
	OutcomeRemoteWins ConflictOutcome = "remote-wins"
	OutcomeLocalWins  ConflictOutcome = "local-wins"
	OutcomeMerged     ConflictOutcome = "merged"
)

// ConflictRecord is produced when a PendingAction no longer applies cleanly
// against the server's current version of its resource.
type ConflictRecord struct {
	ID                 UUID               `db:"id" json:"id"`
	ActionID           UUID               `db:"action_id" json:"action_id"`
	ResourceID         string             `db:"resource_id" json:"resource_id"`
	ServerPayload      json.RawMessage    `db:"server_payload" json:"server_payload"`
	ServerVersion      int64              `db:"server_version" json:"server_version"`
	ServerTimestamp    int64              `db:"server_timestamp" json:"server_timestamp"` // unix millis
	ClientPayload      json.RawMessage    `db:"client_payload" json:"client_payload"`
	ResolutionStrategy ResolutionStrategy `db:"resolution_strategy" json:"resolution_strategy"`
	Status             ConflictStatus     `db:"status" json:"status"`
	Resolution         ConflictOutcome    `db:"resolution" json:"resolution,omitempty"`
	ResolvedPayload    json.RawMessage    `db:"resolved_payload" json:"resolved_payload,omitempty"`
	DetectedAt         int64              `db:"detected_at" json:"detected_at"`
	ResolvedAt         int64              `db:"resolved_at" json:"resolved_at,omitempty"`
}

// TableName returns the table name for ConflictRecord.
func (ConflictRecord) TableName() string {
	return "conflict_records"
}

// DetectedAtTime returns the DetectedAt as time.Time.
func (c *ConflictRecord) DetectedAtTime() time.Time {
	return time.UnixMilli(c.DetectedAt)
}

// IsResolved reports whether a decision has been applied.
func (c *ConflictRecord) IsResolved() bool {
	return c.Status == ConflictStatusResolved
}
