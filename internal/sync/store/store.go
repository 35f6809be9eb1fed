// Package store is the durable action store: the only owner of pending
// actions and conflict records on the device.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	errs "github.com/kimhsiao/judgesync/internal/errors"
	"github.com/kimhsiao/judgesync/internal/logging"
	"github.com/kimhsiao/judgesync/internal/models"
	"github.com/kimhsiao/judgesync/internal/uuid"
)

// Store persists pending actions and conflict records in SQLite.
// Every mutation runs in its own transaction; the single-connection pool
// configured by db.Open serializes concurrent callers.
type Store struct {
	db           *sql.DB
	log          *logging.Logger
	now          func() time.Time
	writeRetries int
	retryDelay   time.Duration
}

// Option configures a Store.
type Option func(*Store)

// WithClock overrides the time source used for timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// WithLogger sets the logger used by the store.
func WithLogger(l *logging.Logger) Option {
	return func(s *Store) { s.log = l }
}

// WithWriteRetries sets how many times a busy write is re-attempted
// before Enqueue surfaces a storage error.
func WithWriteRetries(n int, delay time.Duration) Option {
	return func(s *Store) {
		s.writeRetries = n
		s.retryDelay = delay
	}
}

// New creates a Store over an already migrated database.
func New(db *sql.DB, opts ...Option) *Store {
	s := &Store{
		db:           db,
		log:          logging.Get(),
		now:          time.Now,
		writeRetries: 3,
		retryDelay:   25 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.log = s.log.With(map[string]interface{}{"component": "action_store"})
	return s
}

const actionColumns = `id, type, payload, resource_id, base_version, device_id, status,
	retry_count, priority, last_error, created_at, updated_at`

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanAction(row scanner) (*models.PendingAction, error) {
	var a models.PendingAction
	var payload string
	if err := row.Scan(&a.ID, &a.Type, &payload, &a.ResourceID, &a.BaseVersion, &a.DeviceID,
		&a.Status, &a.RetryCount, &a.Priority, &a.LastError, &a.CreatedAt, &a.UpdatedAt); err != nil {
		return nil, err
	}
	a.Payload = json.RawMessage(payload)
	return &a, nil
}

func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errs.Storage("failed to begin transaction", err)
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return errs.Storage("failed to commit transaction", err)
	}
	return nil
}

// isBusy reports SQLite lock contention, the only write failure worth
// re-attempting locally.
func isBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "SQLITE_BUSY") || strings.Contains(msg, "database is locked")
}

// Enqueue validates and durably records a new action, returning its id.
// ID, Status and timestamps are assigned when missing; DeviceID is required.
// Re-enqueueing an id that already exists is a no-op, so a caller may
// safely re-submit an action whose first write outcome was unknown. On
// failure the caller's action is left untouched.
func (s *Store) Enqueue(ctx context.Context, action *models.PendingAction) (models.UUID, error) {
	if action == nil {
		return "", errs.New(errs.ErrValidation, "action is nil")
	}
	if !action.Type.Valid() {
		return "", errs.New(errs.ErrValidation, fmt.Sprintf("unknown action type %q", action.Type))
	}
	if _, err := action.DecodePayload(); err != nil {
		return "", errs.Validation("invalid payload", err)
	}
	if action.DeviceID == "" {
		return "", errs.New(errs.ErrValidation, "device id is required")
	}

	rec := action.Clone()
	if rec.ID == "" {
		rec.ID = models.UUID(uuid.New())
	}
	if rec.Priority == "" {
		rec.Priority = models.PriorityNormal
	}
	now := s.now().UnixMilli()
	if rec.CreatedAt == 0 {
		rec.CreatedAt = now
	}
	rec.UpdatedAt = now
	rec.Status = models.ActionStatusPending
	rec.RetryCount = 0
	rec.LastError = ""

	query := `INSERT INTO pending_actions (id, type, payload, resource_id, base_version, device_id,
		status, retry_count, priority, priority_rank, last_error, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING`

	var err error
	for attempt := 0; attempt <= s.writeRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return "", errs.Storage("enqueue interrupted", ctx.Err())
			case <-time.After(time.Duration(attempt) * s.retryDelay):
			}
		}
		_, err = s.db.ExecContext(ctx, query, rec.ID, rec.Type, string(rec.Payload), rec.ResourceID,
			rec.BaseVersion, rec.DeviceID, rec.Status, rec.RetryCount, rec.Priority, rec.Priority.Rank(),
			rec.LastError, rec.CreatedAt, rec.UpdatedAt)
		if err == nil || !isBusy(err) {
			break
		}
		s.log.Warn("Action store busy, retrying enqueue", map[string]interface{}{
			"action_id": rec.ID,
			"attempt":   attempt + 1,
		})
	}
	if err != nil {
		return "", errs.Storage("failed to persist action", err)
	}

	*action = *rec
	s.log.Debug("Enqueued action", map[string]interface{}{
		"action_id": rec.ID,
		"type":      rec.Type,
		"priority":  rec.Priority,
	})
	return rec.ID, nil
}

// Get returns one action by id.
func (s *Store) Get(ctx context.Context, id models.UUID) (*models.PendingAction, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+actionColumns+` FROM pending_actions WHERE id = ?`, id)
	a, err := scanAction(row)
	if err == sql.ErrNoRows {
		return nil, errs.New(errs.ErrNotFound, fmt.Sprintf("action %s not found", id))
	}
	if err != nil {
		return nil, errs.Storage("failed to load action", err)
	}
	return a, nil
}

func getTx(ctx context.Context, tx *sql.Tx, id models.UUID) (*models.PendingAction, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+actionColumns+` FROM pending_actions WHERE id = ?`, id)
	a, err := scanAction(row)
	if err == sql.ErrNoRows {
		return nil, errs.New(errs.ErrNotFound, fmt.Sprintf("action %s not found", id))
	}
	if err != nil {
		return nil, errs.Storage("failed to load action", err)
	}
	return a, nil
}

func (s *Store) queryActions(ctx context.Context, query string, args ...interface{}) ([]*models.PendingAction, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errs.Storage("failed to query actions", err)
	}
	defer rows.Close()

	var out []*models.PendingAction
	for rows.Next() {
		a, err := scanAction(rows)
		if err != nil {
			return nil, errs.Storage("failed to scan action", err)
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, errs.Storage("failed to iterate actions", err)
	}
	return out, nil
}

// ListByStatus returns actions in status ordered by createdAt ascending.
// Pass the last id of a previous page as afterID to resume; limit <= 0
// returns everything.
func (s *Store) ListByStatus(ctx context.Context, status models.ActionStatus, afterID models.UUID, limit int) ([]*models.PendingAction, error) {
	if limit <= 0 {
		limit = -1
	}
	if afterID == "" {
		return s.queryActions(ctx, `SELECT `+actionColumns+` FROM pending_actions
			WHERE status = ? ORDER BY created_at, seq LIMIT ?`, status, limit)
	}
	return s.queryActions(ctx, `SELECT `+actionColumns+` FROM pending_actions
		WHERE status = ? AND (created_at, seq) > (SELECT created_at, seq FROM pending_actions WHERE id = ?)
		ORDER BY created_at, seq LIMIT ?`, status, afterID, limit)
}

// ListForDrain returns pending actions ordered by priority, then createdAt.
func (s *Store) ListForDrain(ctx context.Context, limit int) ([]*models.PendingAction, error) {
	if limit <= 0 {
		limit = -1
	}
	return s.queryActions(ctx, `SELECT `+actionColumns+` FROM pending_actions
		WHERE status = ? ORDER BY priority_rank, created_at, seq LIMIT ?`, models.ActionStatusPending, limit)
}

func (s *Store) transition(ctx context.Context, ids []models.UUID, from, to models.ActionStatus) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	changed := 0
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		now := s.now().UnixMilli()
		for _, id := range ids {
			res, err := tx.ExecContext(ctx, `UPDATE pending_actions SET status = ?, updated_at = ?
				WHERE id = ? AND status = ?`, to, now, id, from)
			if err != nil {
				return errs.Storage("failed to update action status", err)
			}
			n, _ := res.RowsAffected()
			changed += int(n)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return changed, nil
}

// MarkSyncing moves pending actions to syncing and returns how many moved.
func (s *Store) MarkSyncing(ctx context.Context, ids []models.UUID) (int, error) {
	return s.transition(ctx, ids, models.ActionStatusPending, models.ActionStatusSyncing)
}

// ResetToPending returns syncing actions to pending without touching their
// retry count. Used when a drain is aborted before outcomes arrive.
func (s *Store) ResetToPending(ctx context.Context, ids []models.UUID) (int, error) {
	return s.transition(ctx, ids, models.ActionStatusSyncing, models.ActionStatusPending)
}

// MarkSynced records successful delivery. A non-nil payload replaces the
// stored one (the server's version won). Already synced actions are left
// unchanged.
func (s *Store) MarkSynced(ctx context.Context, id models.UUID, payload json.RawMessage) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		a, err := getTx(ctx, tx, id)
		if err != nil {
			return err
		}
		if a.Status == models.ActionStatusSynced {
			return nil
		}
		if a.Status == models.ActionStatusFailed {
			return errs.New(errs.ErrSessionState, fmt.Sprintf("action %s already failed", id))
		}
		if payload == nil {
			payload = a.Payload
		}
		_, err = tx.ExecContext(ctx, `UPDATE pending_actions SET status = ?, payload = ?, last_error = '', updated_at = ?
			WHERE id = ?`, models.ActionStatusSynced, string(payload), s.now().UnixMilli(), id)
		if err != nil {
			return errs.Storage("failed to mark action synced", err)
		}
		return nil
	})
}

// MarkRetried returns a syncing action to pending with retryCount and the
// failure reason. Whether the action may be retried at all is the
// caller's decision.
func (s *Store) MarkRetried(ctx context.Context, id models.UUID, retryCount int, reason string) error {
	if retryCount < 0 {
		return errs.New(errs.ErrValidation, fmt.Sprintf("retry count %d is negative", retryCount))
	}
	return s.settle(ctx, id, models.ActionStatusPending, func(tx *sql.Tx, now int64) error {
		_, err := tx.ExecContext(ctx, `UPDATE pending_actions SET status = ?, retry_count = ?, last_error = ?, updated_at = ?
			WHERE id = ?`, models.ActionStatusPending, retryCount, reason, now, id)
		if err != nil {
			return errs.Storage("failed to record retry", err)
		}
		return nil
	})
}

// MarkFailed moves a syncing action to the terminal failed state with a
// reason. The retry count is left as it is.
func (s *Store) MarkFailed(ctx context.Context, id models.UUID, reason string) error {
	return s.settle(ctx, id, models.ActionStatusFailed, func(tx *sql.Tx, now int64) error {
		_, err := tx.ExecContext(ctx, `UPDATE pending_actions SET status = ?, last_error = ?, updated_at = ?
			WHERE id = ?`, models.ActionStatusFailed, reason, now, id)
		if err != nil {
			return errs.Storage("failed to mark action failed", err)
		}
		return nil
	})
}

// settle runs an outcome write for an action that must be syncing.
func (s *Store) settle(ctx context.Context, id models.UUID, to models.ActionStatus, write func(tx *sql.Tx, now int64) error) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		a, err := getTx(ctx, tx, id)
		if err != nil {
			return err
		}
		if a.Status != models.ActionStatusSyncing {
			return errs.New(errs.ErrSessionState,
				fmt.Sprintf("action %s is %s, cannot move to %s", id, a.Status, to))
		}
		return write(tx, s.now().UnixMilli())
	})
}

// RequeueFailed returns a failed action to pending with a fresh retry budget.
func (s *Store) RequeueFailed(ctx context.Context, id models.UUID) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		a, err := getTx(ctx, tx, id)
		if err != nil {
			return err
		}
		if a.Status != models.ActionStatusFailed {
			return errs.New(errs.ErrSessionState, fmt.Sprintf("action %s is %s, not failed", id, a.Status))
		}
		_, err = tx.ExecContext(ctx, `UPDATE pending_actions SET status = ?, retry_count = 0, last_error = '', updated_at = ?
			WHERE id = ?`, models.ActionStatusPending, s.now().UnixMilli(), id)
		if err != nil {
			return errs.Storage("failed to requeue action", err)
		}
		return nil
	})
}

// CountByStatus returns the number of actions per status.
func (s *Store) CountByStatus(ctx context.Context) (map[models.ActionStatus]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM pending_actions GROUP BY status`)
	if err != nil {
		return nil, errs.Storage("failed to count actions", err)
	}
	defer rows.Close()

	counts := map[models.ActionStatus]int{
		models.ActionStatusPending:    0,
		models.ActionStatusSyncing:    0,
		models.ActionStatusSynced:     0,
		models.ActionStatusConflicted: 0,
		models.ActionStatusFailed:     0,
	}
	for rows.Next() {
		var status models.ActionStatus
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, errs.Storage("failed to scan count", err)
		}
		counts[status] = n
	}
	if err := rows.Err(); err != nil {
		return nil, errs.Storage("failed to iterate counts", err)
	}
	return counts, nil
}

// Prune deletes actions in a terminal status created before olderThan.
// Only synced and failed actions may be pruned.
func (s *Store) Prune(ctx context.Context, olderThan time.Time, status models.ActionStatus) (int64, error) {
	if status == "" {
		status = models.ActionStatusSynced
	}
	if !status.IsTerminal() {
		return 0, errs.New(errs.ErrValidation, fmt.Sprintf("cannot prune %s actions", status))
	}
	res, err := s.db.ExecContext(ctx, `DELETE FROM pending_actions WHERE status = ? AND created_at < ?`,
		status, olderThan.UnixMilli())
	if err != nil {
		return 0, errs.Storage("failed to prune actions", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		s.log.Info("Pruned actions", map[string]interface{}{
			"status":     status,
			"count":      n,
			"older_than": olderThan.UTC().Format(time.RFC3339),
		})
	}
	return n, nil
}
