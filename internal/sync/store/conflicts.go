package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	errs "github.com/kimhsiao/judgesync/internal/errors"
	"github.com/kimhsiao/judgesync/internal/models"
	"github.com/kimhsiao/judgesync/internal/uuid"
)

const conflictColumns = `id, action_id, resource_id, server_payload, server_version, server_timestamp,
	client_payload, resolution_strategy, status, resolution, resolved_payload, detected_at, resolved_at`

func scanConflict(row scanner) (*models.ConflictRecord, error) {
	var c models.ConflictRecord
	var serverPayload, clientPayload, resolvedPayload string
	if err := row.Scan(&c.ID, &c.ActionID, &c.ResourceID, &serverPayload, &c.ServerVersion, &c.ServerTimestamp,
		&clientPayload, &c.ResolutionStrategy, &c.Status, &c.Resolution, &resolvedPayload,
		&c.DetectedAt, &c.ResolvedAt); err != nil {
		return nil, err
	}
	c.ServerPayload = json.RawMessage(serverPayload)
	c.ClientPayload = json.RawMessage(clientPayload)
	if resolvedPayload != "" {
		c.ResolvedPayload = json.RawMessage(resolvedPayload)
	}
	return &c, nil
}

func rawOrNull(r json.RawMessage) string {
	if len(r) == 0 {
		return "null"
	}
	return string(r)
}

func upsertConflictTx(ctx context.Context, tx *sql.Tx, c *models.ConflictRecord) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO conflict_records (`+conflictColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			resolution_strategy = excluded.resolution_strategy,
			status = excluded.status,
			resolution = excluded.resolution,
			resolved_payload = excluded.resolved_payload,
			resolved_at = excluded.resolved_at`,
		c.ID, c.ActionID, c.ResourceID, rawOrNull(c.ServerPayload), c.ServerVersion, c.ServerTimestamp,
		rawOrNull(c.ClientPayload), c.ResolutionStrategy, c.Status, c.Resolution, string(c.ResolvedPayload),
		c.DetectedAt, c.ResolvedAt)
	if err != nil {
		return errs.Storage("failed to save conflict record", err)
	}
	return nil
}

// MarkConflicted stores an unresolved conflict and parks its action in
// the conflicted state until someone resolves it.
func (s *Store) MarkConflicted(ctx context.Context, id models.UUID, conflict *models.ConflictRecord) error {
	if conflict == nil {
		return errs.New(errs.ErrValidation, "conflict is nil")
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		a, err := getTx(ctx, tx, id)
		if err != nil {
			return err
		}
		if a.Status.IsTerminal() {
			return errs.New(errs.ErrSessionState, fmt.Sprintf("action %s is %s", id, a.Status))
		}
		prepareConflict(conflict, a, s.now().UnixMilli())
		if err := upsertConflictTx(ctx, tx, conflict); err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `UPDATE pending_actions SET status = ?, last_error = ?, updated_at = ?
			WHERE id = ?`, models.ActionStatusConflicted, "conflict with server version", s.now().UnixMilli(), id)
		if err != nil {
			return errs.Storage("failed to mark action conflicted", err)
		}
		return nil
	})
}

func prepareConflict(c *models.ConflictRecord, a *models.PendingAction, now int64) {
	if c.ID == "" {
		c.ID = models.UUID(uuid.New())
	}
	c.ActionID = a.ID
	if c.ResourceID == "" {
		c.ResourceID = a.ResourceID
	}
	if c.ClientPayload == nil {
		c.ClientPayload = a.Payload
	}
	if c.DetectedAt == 0 {
		c.DetectedAt = now
	}
	if c.Status == "" {
		c.Status = models.ConflictStatusPending
	}
}

// ApplyResolution persists a resolved (or re-decided) conflict together
// with the resulting state of its action in one transaction. The action's
// status, payload and base version are taken from action.
func (s *Store) ApplyResolution(ctx context.Context, conflict *models.ConflictRecord, action *models.PendingAction) error {
	if conflict == nil || action == nil {
		return errs.New(errs.ErrValidation, "conflict and action are required")
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		current, err := getTx(ctx, tx, action.ID)
		if err != nil {
			return err
		}
		if current.Status.IsTerminal() {
			return errs.New(errs.ErrSessionState, fmt.Sprintf("action %s is %s", action.ID, current.Status))
		}
		now := s.now().UnixMilli()
		prepareConflict(conflict, current, now)
		if err := upsertConflictTx(ctx, tx, conflict); err != nil {
			return err
		}
		lastErr := ""
		if action.Status == models.ActionStatusConflicted {
			lastErr = "conflict with server version"
		}
		_, err = tx.ExecContext(ctx, `UPDATE pending_actions SET status = ?, payload = ?, base_version = ?,
			last_error = ?, updated_at = ? WHERE id = ?`,
			action.Status, string(action.Payload), action.BaseVersion, lastErr, now, action.ID)
		if err != nil {
			return errs.Storage("failed to update resolved action", err)
		}
		return nil
	})
}

// GetConflict returns one conflict record by id.
func (s *Store) GetConflict(ctx context.Context, id models.UUID) (*models.ConflictRecord, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+conflictColumns+` FROM conflict_records WHERE id = ?`, id)
	c, err := scanConflict(row)
	if err == sql.ErrNoRows {
		return nil, errs.New(errs.ErrNotFound, fmt.Sprintf("conflict %s not found", id))
	}
	if err != nil {
		return nil, errs.Storage("failed to load conflict", err)
	}
	return c, nil
}

// ListConflicts returns conflicts ordered by detection time. An empty
// status returns every conflict.
func (s *Store) ListConflicts(ctx context.Context, status models.ConflictStatus) ([]*models.ConflictRecord, error) {
	query := `SELECT ` + conflictColumns + ` FROM conflict_records`
	var args []interface{}
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, status)
	}
	query += ` ORDER BY detected_at, id`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errs.Storage("failed to query conflicts", err)
	}
	defer rows.Close()

	var out []*models.ConflictRecord
	for rows.Next() {
		c, err := scanConflict(rows)
		if err != nil {
			return nil, errs.Storage("failed to scan conflict", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, errs.Storage("failed to iterate conflicts", err)
	}
	return out, nil
}
