// Package conflict decides what happens to an action the server refused
// because its resource moved on.
package conflict

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	errs "github.com/kimhsiao/judgesync/internal/errors"
	"github.com/kimhsiao/judgesync/internal/logging"
	"github.com/kimhsiao/judgesync/internal/models"
	"github.com/kimhsiao/judgesync/internal/sync/remote"
)

// Store is the persistence the resolver needs.
type Store interface {
	Get(ctx context.Context, id models.UUID) (*models.PendingAction, error)
	GetConflict(ctx context.Context, id models.UUID) (*models.ConflictRecord, error)
	MarkConflicted(ctx context.Context, id models.UUID, conflict *models.ConflictRecord) error
	ApplyResolution(ctx context.Context, conflict *models.ConflictRecord, action *models.PendingAction) error
}

// Resolution is the decided fate of a conflicted action.
type Resolution struct {
	ConflictID models.UUID
	ActionID   models.UUID
	Strategy   models.ResolutionStrategy
	// Outcome is empty while a manual decision is outstanding.
	Outcome      models.ConflictOutcome
	ActionStatus models.ActionStatus
	Payload      json.RawMessage
	BaseVersion  int64
}

// Pending reports whether the conflict still awaits a human.
func (r Resolution) Pending() bool {
	return r.Outcome == ""
}

// Resolver detects and settles conflicts.
type Resolver struct {
	store    Store
	strategy models.ResolutionStrategy
	now      func() time.Time
}

// NewResolver creates a Resolver whose default strategy is strategy.
func NewResolver(store Store, strategy models.ResolutionStrategy) *Resolver {
	if strategy == "" {
		strategy = models.ResolutionLastWriteWins
	}
	return &Resolver{store: store, strategy: strategy, now: time.Now}
}

// Strategy returns the default strategy.
func (r *Resolver) Strategy() models.ResolutionStrategy {
	return r.strategy
}

// Detect returns a conflict record when the server reported a version
// conflict for action, or nil otherwise.
func (r *Resolver) Detect(action *models.PendingAction, outcome *remote.Outcome) *models.ConflictRecord {
	if action == nil || outcome == nil || outcome.Status != remote.OutcomeConflict {
		return nil
	}

	logging.Warn("Concurrent edit conflict detected", map[string]interface{}{
		"action_id":        action.ID,
		"resource_id":      action.ResourceID,
		"base_version":     action.BaseVersion,
		"server_version":   outcome.ServerVersion,
		"local_timestamp":  action.CreatedAt,
		"remote_timestamp": outcome.ServerTimestamp,
	})

	return &models.ConflictRecord{
		ActionID:           action.ID,
		ResourceID:         action.ResourceID,
		ServerPayload:      outcome.ServerPayload,
		ServerVersion:      outcome.ServerVersion,
		ServerTimestamp:    outcome.ServerTimestamp,
		ClientPayload:      action.Payload,
		ResolutionStrategy: r.strategy,
		Status:             models.ConflictStatusPending,
		DetectedAt:         r.now().UnixMilli(),
	}
}

// AutoResolve decides a conflict without persisting anything. Under
// last-write-wins the remote side wins when its timestamp is not older
// than the action's creation; ties go to the server. Under manual the
// result is pending.
func (r *Resolver) AutoResolve(action *models.PendingAction, conflict *models.ConflictRecord, strategy models.ResolutionStrategy) Resolution {
	if strategy == "" {
		strategy = r.strategy
	}
	res := Resolution{
		ConflictID: conflict.ID,
		ActionID:   action.ID,
		Strategy:   strategy,
	}

	if strategy == models.ResolutionManual {
		res.ActionStatus = models.ActionStatusConflicted
		res.Payload = action.Payload
		res.BaseVersion = action.BaseVersion
		return res
	}

	if conflict.ServerTimestamp >= action.CreatedAt {
		res.Outcome = models.OutcomeRemoteWins
		res.ActionStatus = models.ActionStatusSynced
		res.Payload = conflict.ServerPayload
		if isEmpty(res.Payload) {
			res.Payload = action.Payload
		}
		res.BaseVersion = conflict.ServerVersion
	} else {
		res.Outcome = models.OutcomeLocalWins
		res.ActionStatus = models.ActionStatusPending
		res.Payload = action.Payload
		res.BaseVersion = conflict.ServerVersion
	}
	return res
}

// Settle decides conflict with strategy and persists the result: a
// pending manual conflict parks the action as conflicted, anything else
// updates the action and closes the record in one transaction.
func (r *Resolver) Settle(ctx context.Context, action *models.PendingAction, conflict *models.ConflictRecord, strategy models.ResolutionStrategy) (Resolution, error) {
	res := r.AutoResolve(action, conflict, strategy)
	conflict.ResolutionStrategy = res.Strategy

	if res.Pending() {
		if err := r.store.MarkConflicted(ctx, action.ID, conflict); err != nil {
			return Resolution{}, err
		}
		res.ConflictID = conflict.ID
		logging.Warn("Conflict queued for manual review", map[string]interface{}{
			"conflict_id": conflict.ID,
			"action_id":   action.ID,
			"resource_id": action.ResourceID,
		})
		return res, nil
	}

	if err := r.persist(ctx, action, conflict, res); err != nil {
		return Resolution{}, err
	}
	res.ConflictID = conflict.ID

	logging.Info("Conflict resolved using last-write-wins", map[string]interface{}{
		"conflict_id":      conflict.ID,
		"action_id":        action.ID,
		"resolution":       res.Outcome,
		"local_timestamp":  action.CreatedAt,
		"remote_timestamp": conflict.ServerTimestamp,
	})
	return res, nil
}

// ResolveManually settles a pending conflict with merged, which the
// caller must supply. The action gets the merged payload, rebases onto the
// server version and returns to pending. Resolving an already resolved
// conflict returns the earlier result unchanged.
func (r *Resolver) ResolveManually(ctx context.Context, conflictID models.UUID, merged json.RawMessage) (Resolution, error) {
	if isEmpty(merged) {
		return Resolution{}, errs.New(errs.ErrValidation, "merged payload is required")
	}
	conflict, action, done, err := r.load(ctx, conflictID)
	if err != nil || done != nil {
		return derefOr(done), err
	}
	if _, err := models.DecodePayload(action.Type, merged); err != nil {
		return Resolution{}, errs.Validation("merged payload does not fit the action", err)
	}
	return r.rebase(ctx, conflict, action, merged, models.OutcomeMerged)
}

// KeepLocal settles a pending conflict in the device's favour: the local
// payload is rebased onto the server version and resubmitted.
func (r *Resolver) KeepLocal(ctx context.Context, conflictID models.UUID) (Resolution, error) {
	conflict, action, done, err := r.load(ctx, conflictID)
	if err != nil || done != nil {
		return derefOr(done), err
	}
	return r.rebase(ctx, conflict, action, action.Payload, models.OutcomeLocalWins)
}

func (r *Resolver) rebase(ctx context.Context, conflict *models.ConflictRecord, action *models.PendingAction, payload json.RawMessage, outcome models.ConflictOutcome) (Resolution, error) {
	res := Resolution{
		ConflictID:   conflict.ID,
		ActionID:     action.ID,
		Strategy:     models.ResolutionManual,
		Outcome:      outcome,
		ActionStatus: models.ActionStatusPending,
		Payload:      payload,
		BaseVersion:  conflict.ServerVersion,
	}
	if err := r.persist(ctx, action, conflict, res); err != nil {
		return Resolution{}, err
	}
	logging.Info("Conflict resolved manually", map[string]interface{}{
		"conflict_id": conflict.ID,
		"action_id":   action.ID,
		"resolution":  outcome,
	})
	return res, nil
}

// AcceptRemote settles a pending conflict in the server's favour: the
// action is recorded as synced with the server payload.
func (r *Resolver) AcceptRemote(ctx context.Context, conflictID models.UUID) (Resolution, error) {
	conflict, action, done, err := r.load(ctx, conflictID)
	if err != nil || done != nil {
		return derefOr(done), err
	}

	payload := conflict.ServerPayload
	if isEmpty(payload) {
		payload = action.Payload
	}
	res := Resolution{
		ConflictID:   conflict.ID,
		ActionID:     action.ID,
		Strategy:     models.ResolutionManual,
		Outcome:      models.OutcomeRemoteWins,
		ActionStatus: models.ActionStatusSynced,
		Payload:      payload,
		BaseVersion:  conflict.ServerVersion,
	}
	if err := r.persist(ctx, action, conflict, res); err != nil {
		return Resolution{}, err
	}
	return res, nil
}

// load fetches a conflict and its action. done is non-nil when the
// conflict was already resolved.
func (r *Resolver) load(ctx context.Context, conflictID models.UUID) (*models.ConflictRecord, *models.PendingAction, *Resolution, error) {
	conflict, err := r.store.GetConflict(ctx, conflictID)
	if err != nil {
		return nil, nil, nil, err
	}
	if conflict.IsResolved() {
		prior := FromRecord(conflict)
		return conflict, nil, &prior, nil
	}
	action, err := r.store.Get(ctx, conflict.ActionID)
	if err != nil {
		return nil, nil, nil, err
	}
	if action.Status != models.ActionStatusConflicted {
		return nil, nil, nil, errs.New(errs.ErrSessionState,
			fmt.Sprintf("action %s is %s, not conflicted", action.ID, action.Status))
	}
	return conflict, action, nil, nil
}

func (r *Resolver) persist(ctx context.Context, action *models.PendingAction, conflict *models.ConflictRecord, res Resolution) error {
	updated := action.Clone()
	updated.Status = res.ActionStatus
	updated.Payload = res.Payload
	updated.BaseVersion = res.BaseVersion

	conflict.Status = models.ConflictStatusResolved
	conflict.Resolution = res.Outcome
	conflict.ResolvedPayload = res.Payload
	conflict.ResolvedAt = r.now().UnixMilli()
	return r.store.ApplyResolution(ctx, conflict, updated)
}

// FromRecord rebuilds the Resolution a stored conflict ended with.
func FromRecord(c *models.ConflictRecord) Resolution {
	res := Resolution{
		ConflictID:  c.ID,
		ActionID:    c.ActionID,
		Strategy:    c.ResolutionStrategy,
		Outcome:     c.Resolution,
		Payload:     c.ResolvedPayload,
		BaseVersion: c.ServerVersion,
	}
	switch {
	case !c.IsResolved():
		res.ActionStatus = models.ActionStatusConflicted
		res.Payload = c.ClientPayload
	case c.Resolution == models.OutcomeRemoteWins:
		res.ActionStatus = models.ActionStatusSynced
	default:
		res.ActionStatus = models.ActionStatusPending
	}
	return res
}

func derefOr(r *Resolution) Resolution {
	if r == nil {
		return Resolution{}
	}
	return *r
}

func isEmpty(raw json.RawMessage) bool {
	return len(raw) == 0 || string(raw) == "null"
}
