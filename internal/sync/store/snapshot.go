package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	errs "github.com/kimhsiao/judgesync/internal/errors"
	"github.com/kimhsiao/judgesync/internal/models"
)

// SnapshotVersion is the current export format version.
const SnapshotVersion = 1

// Snapshot is a full copy of the local queue used for backup and restore.
type Snapshot struct {
	Version    int                      `json:"version"`
	ExportedAt time.Time                `json:"exported_at"`
	DeviceID   string                   `json:"device_id,omitempty"`
	Actions    []*models.PendingAction  `json:"actions"`
	Conflicts  []*models.ConflictRecord `json:"conflicts"`
}

// ImportResult summarizes an ImportAll call.
type ImportResult struct {
	Inserted          int `json:"inserted"`
	Updated           int `json:"updated"`
	Skipped           int `json:"skipped"`
	ConflictsRestored int `json:"conflicts_restored"`
}

// ExportAll returns every action and conflict record in a consistent read.
func (s *Store) ExportAll(ctx context.Context) (*Snapshot, error) {
	snap := &Snapshot{
		Version:    SnapshotVersion,
		ExportedAt: s.now().UTC(),
		Actions:    []*models.PendingAction{},
		Conflicts:  []*models.ConflictRecord{},
	}
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, `SELECT `+actionColumns+` FROM pending_actions ORDER BY created_at, seq`)
		if err != nil {
			return errs.Storage("failed to export actions", err)
		}
		for rows.Next() {
			a, err := scanAction(rows)
			if err != nil {
				rows.Close()
				return errs.Storage("failed to scan action", err)
			}
			snap.Actions = append(snap.Actions, a)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return errs.Storage("failed to export actions", err)
		}

		crows, err := tx.QueryContext(ctx, `SELECT `+conflictColumns+` FROM conflict_records ORDER BY detected_at, id`)
		if err != nil {
			return errs.Storage("failed to export conflicts", err)
		}
		defer crows.Close()
		for crows.Next() {
			c, err := scanConflict(crows)
			if err != nil {
				return errs.Storage("failed to scan conflict", err)
			}
			snap.Conflicts = append(snap.Conflicts, c)
		}
		if err := crows.Err(); err != nil {
			return errs.Storage("failed to export conflicts", err)
		}

		var deviceID string
		err = tx.QueryRowContext(ctx, `SELECT id FROM device_identity WHERE singleton = 1`).Scan(&deviceID)
		if err != nil && err != sql.ErrNoRows {
			return errs.Storage("failed to read device identity", err)
		}
		snap.DeviceID = deviceID
		return nil
	})
	if err != nil {
		return nil, err
	}
	return snap, nil
}

// ImportAll restores a snapshot. Unknown actions are inserted as they were
// exported; known actions are overwritten unless the local copy is already
// synced, which is never downgraded. Actions captured mid-drain come back
// as pending. The whole import is one transaction.
func (s *Store) ImportAll(ctx context.Context, snap *Snapshot) (*ImportResult, error) {
	if snap == nil {
		return nil, errs.New(errs.ErrValidation, "snapshot is nil")
	}
	if snap.Version != SnapshotVersion {
		return nil, errs.New(errs.ErrValidation, fmt.Sprintf("unsupported snapshot version %d", snap.Version))
	}
	for _, a := range snap.Actions {
		if a == nil || a.ID == "" || !a.Type.Valid() || a.DeviceID == "" || a.RetryCount < 0 {
			return nil, errs.New(errs.ErrValidation, "snapshot contains an invalid action")
		}
		if _, err := a.DecodePayload(); err != nil {
			return nil, errs.Validation(fmt.Sprintf("snapshot action %s has an invalid payload", a.ID), err)
		}
	}

	result := &ImportResult{}
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		for _, a := range snap.Actions {
			status := a.Status
			if status == models.ActionStatusSyncing || status == "" {
				status = models.ActionStatusPending
			}
			priority := a.Priority
			if priority == "" {
				priority = models.PriorityNormal
			}

			var current models.ActionStatus
			err := tx.QueryRowContext(ctx, `SELECT status FROM pending_actions WHERE id = ?`, a.ID).Scan(&current)
			switch {
			case err == sql.ErrNoRows:
				_, err = tx.ExecContext(ctx, `INSERT INTO pending_actions (id, type, payload, resource_id, base_version,
					device_id, status, retry_count, priority, priority_rank, last_error, created_at, updated_at)
					VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
					a.ID, a.Type, rawOrNull(a.Payload), a.ResourceID, a.BaseVersion, a.DeviceID, status,
					a.RetryCount, priority, priority.Rank(), a.LastError, a.CreatedAt, a.UpdatedAt)
				if err != nil {
					return errs.Storage("failed to import action", err)
				}
				result.Inserted++
			case err != nil:
				return errs.Storage("failed to look up action", err)
			case current == models.ActionStatusSynced:
				result.Skipped++
			default:
				_, err = tx.ExecContext(ctx, `UPDATE pending_actions SET payload = ?, base_version = ?, status = ?,
					retry_count = ?, priority = ?, priority_rank = ?, last_error = ?, updated_at = ? WHERE id = ?`,
					rawOrNull(a.Payload), a.BaseVersion, status, a.RetryCount, priority, priority.Rank(),
					a.LastError, a.UpdatedAt, a.ID)
				if err != nil {
					return errs.Storage("failed to import action", err)
				}
				result.Updated++
			}
		}

		for _, c := range snap.Conflicts {
			if c == nil || c.ID == "" {
				continue
			}
			var exists int
			err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM pending_actions WHERE id = ?`, c.ActionID).Scan(&exists)
			if err != nil {
				return errs.Storage("failed to look up conflict action", err)
			}
			if exists == 0 {
				continue
			}
			if err := upsertConflictTx(ctx, tx, c); err != nil {
				return err
			}
			result.ConflictsRestored++
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.log.Info("Imported snapshot", map[string]interface{}{
		"inserted":  result.Inserted,
		"updated":   result.Updated,
		"skipped":   result.Skipped,
		"conflicts": result.ConflictsRestored,
	})
	return result, nil
}
