package sync

import (
	"context"
	"fmt"
	"time"

	errs "github.com/kimhsiao/judgesync/internal/errors"
	"github.com/kimhsiao/judgesync/internal/models"
	"github.com/kimhsiao/judgesync/internal/sync/connectivity"
	"github.com/kimhsiao/judgesync/internal/sync/remote"
	"github.com/kimhsiao/judgesync/internal/sync/retry"
	"github.com/kimhsiao/judgesync/internal/telemetry"
)

// drain submits every pending action, one session per batch. Actions
// that return to pending during this drain wait for the next one.
func (e *Engine) drain(parent context.Context) (*DrainResult, error) {
	// Outcome writes must land even after the remote call was cut short.
	storeCtx := context.WithoutCancel(parent)

	// Held actions are persisted whether or not the drain goes ahead.
	if err := e.flushHoldback(storeCtx); err != nil {
		e.log.Warn("Held actions still not persisted", map[string]interface{}{"error": err.Error()})
	}

	if !e.monitor.IsOnline() {
		return &DrainResult{Skipped: true}, nil
	}
	if !e.drainMu.TryLock() {
		return &DrainResult{Skipped: true}, nil
	}
	defer e.drainMu.Unlock()
	e.draining.Store(true)
	defer e.draining.Store(false)

	started := e.now()
	result := &DrainResult{}

	ctx, cancel := context.WithCancel(parent)
	defer cancel()
	events, unsubscribe := e.monitor.Subscribe()
	defer unsubscribe()
	wentOffline := make(chan struct{})
	go watchOffline(ctx, events, cancel, wentOffline)

	if !e.monitor.IsOnline() {
		return &DrainResult{Skipped: true}, nil
	}

	deviceID, err := e.identity.GetOrCreate(storeCtx)
	if err != nil {
		return nil, err
	}

	actions, err := e.store.ListForDrain(storeCtx, 0)
	if err != nil {
		return nil, err
	}

	e.log.Info("Drain started", map[string]interface{}{
		"device_id": deviceID,
		"pending":   len(actions),
	})

	var drainErr error
	for start := 0; start < len(actions); start += e.batchSize {
		end := start + e.batchSize
		if end > len(actions) {
			end = len(actions)
		}
		aborted, err := e.runSession(ctx, storeCtx, deviceID, actions[start:end], result)
		if aborted || isOffline(wentOffline) {
			result.Aborted = true
			break
		}
		if err != nil {
			if parent.Err() != nil {
				drainErr = parent.Err()
			} else {
				drainErr = err
			}
			break
		}
	}

	if result.Aborted && parent.Err() != nil {
		drainErr = parent.Err()
	}

	result.Duration = e.now().Sub(started)
	if !result.Aborted && drainErr == nil {
		e.mu.Lock()
		e.lastSync = e.now()
		e.mu.Unlock()
	}

	e.metrics.RecordDrain(storeCtx, telemetry.DrainStats{
		Successful: result.Successful,
		Retried:    result.Retried,
		Failed:     result.Failed,
		Conflicts:  result.Conflicts,
		Aborted:    result.Aborted,
		Duration:   result.Duration,
	})

	fields := map[string]interface{}{
		"sessions":   result.Sessions,
		"attempted":  result.Attempted,
		"successful": result.Successful,
		"retried":    result.Retried,
		"failed":     result.Failed,
		"conflicts":  result.Conflicts,
		"aborted":    result.Aborted,
		"duration":   result.Duration.String(),
	}
	if drainErr != nil {
		e.log.Error("Drain failed", drainErr, fields)
	} else if result.Aborted {
		e.log.Warn("Drain aborted by connectivity loss", fields)
	} else {
		e.log.Info("Drain completed", fields)
	}

	e.mu.Lock()
	progress := e.onProgress
	e.mu.Unlock()
	if progress != nil {
		progress(*result)
	}

	if drainErr != nil {
		return result, drainErr
	}
	return result, nil
}

// sessionError keeps the code of a session-level failure; transport
// failures stay TransientNetwork so the next drain retries them.
func sessionError(msg string, err error) error {
	code := errs.CodeOf(err)
	if code == errs.ErrInternal {
		code = errs.ErrTransientNetwork
	}
	return errs.Wrap(code, msg, err)
}

func watchOffline(ctx context.Context, events <-chan connectivity.Event, cancel context.CancelFunc, wentOffline chan<- struct{}) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if ev == connectivity.BecameOffline {
				close(wentOffline)
				cancel()
				return
			}
		}
	}
}

func isOffline(ch <-chan struct{}) bool {
	select {
	case <-ch:
		return true
	default:
		return false
	}
}

// runSession drains one batch through one server session. It reports
// aborted when the remote exchange was cut short by ctx; attached
// actions are then back in pending with untouched retry counts.
func (e *Engine) runSession(ctx, storeCtx context.Context, deviceID string, batch []*models.PendingAction, result *DrainResult) (bool, error) {
	sessionID, err := e.client.StartSession(ctx, deviceID)
	if err != nil {
		if ctx.Err() != nil {
			return true, nil
		}
		return false, sessionError("failed to start session", err)
	}
	session := newSession(sessionID, deviceID, e.now())
	result.Sessions++

	ids := make([]models.UUID, len(batch))
	byID := make(map[models.UUID]*models.PendingAction, len(batch))
	for i, a := range batch {
		ids[i] = a.ID
		byID[a.ID] = a
	}
	if _, err := e.store.MarkSyncing(storeCtx, ids); err != nil {
		return false, err
	}

	// Anything still syncing when this returns goes back to pending.
	defer func() {
		if n, err := e.store.ResetToPending(storeCtx, ids); err != nil {
			e.log.Error("Failed to reset unsettled actions", err, map[string]interface{}{"session_id": sessionID})
		} else if n > 0 {
			e.log.Info("Returned unsettled actions to pending", map[string]interface{}{
				"session_id": sessionID,
				"count":      n,
			})
		}
		if session.Status() != SessionCompleted {
			session.Close()
		}
	}()

	for _, a := range batch {
		if ctx.Err() != nil {
			return true, nil
		}
		if _, err := e.client.AddAction(ctx, sessionID, a); err != nil {
			if ctx.Err() != nil {
				return true, nil
			}
			if e.policy.Classify(err) == retry.Retryable {
				return false, errs.Transient(fmt.Sprintf("failed to attach action %s", a.ID), err)
			}
			// The server refused this action outright; keep the rest.
			e.fail(storeCtx, a, err.Error(), result)
			continue
		}
		if err := session.Attach(a.ID); err != nil {
			return false, err
		}
	}

	attached := session.ActionIDs()
	if len(attached) == 0 {
		return false, session.Close()
	}
	result.Attempted += len(attached)

	if err := session.BeginProcessing(); err != nil {
		return false, err
	}
	res, err := e.client.ProcessSession(ctx, sessionID)
	if err != nil {
		if ctx.Err() != nil {
			return true, nil
		}
		return false, sessionError("failed to process session", err)
	}

	outcomes := make(map[models.UUID]*remote.Outcome, len(res.Outcomes))
	for i := range res.Outcomes {
		outcomes[res.Outcomes[i].ActionID] = &res.Outcomes[i]
	}

	var synced []models.UUID
	for _, id := range attached {
		a := byID[id]
		out, ok := outcomes[id]
		if !ok {
			out = &remote.Outcome{ActionID: id, Status: remote.OutcomeRetryable, Error: "no outcome reported"}
		}
		if e.applyOutcome(storeCtx, a, out, result) {
			synced = append(synced, id)
		}
	}

	if err := session.Close(); err != nil {
		return false, err
	}

	if len(synced) > 0 {
		ackCtx, cancelAck := context.WithTimeout(storeCtx, 10*time.Second)
		defer cancelAck()
		if err := e.client.MarkSynced(ackCtx, synced); err != nil {
			e.log.Warn("Failed to acknowledge synced actions", map[string]interface{}{
				"session_id": sessionID,
				"count":      len(synced),
				"error":      err.Error(),
			})
		}
	}
	return false, nil
}

// applyOutcome writes one outcome back to the store and reports whether
// the server applied the action.
func (e *Engine) applyOutcome(ctx context.Context, a *models.PendingAction, out *remote.Outcome, result *DrainResult) bool {
	switch out.Status {
	case remote.OutcomeSuccess:
		if err := e.store.MarkSynced(ctx, a.ID, nil); err != nil {
			e.log.Error("Failed to mark action synced", err, map[string]interface{}{"action_id": a.ID})
			return false
		}
		result.Successful++
		return true

	case remote.OutcomeConflict:
		c := e.resolver.Detect(a, out)
		res, err := e.resolver.Settle(ctx, a, c, e.strategy)
		if err != nil {
			e.log.Error("Failed to record conflict", err, map[string]interface{}{"action_id": a.ID})
			return false
		}
		result.Conflicts++
		e.log.Info("Conflict handled", map[string]interface{}{
			"action_id":   a.ID,
			"conflict_id": res.ConflictID,
			"outcome":     res.Outcome,
			"status":      res.ActionStatus,
		})
		return false

	default:
		err := out.Err()
		if err == nil {
			err = errs.New(errs.ErrInternal, fmt.Sprintf("unknown outcome status %q", out.Status))
		}
		if e.policy.ShouldRetry(a, err) {
			next := e.policy.NextRetryCount(a)
			if serr := e.store.MarkRetried(ctx, a.ID, next, err.Error()); serr != nil {
				e.log.Error("Failed to record retry", serr, map[string]interface{}{"action_id": a.ID})
				return false
			}
			result.Retried++
			return false
		}
		if e.policy.Classify(err) == retry.Retryable {
			exhausted := errs.Wrap(errs.ErrExhaustedRetry,
				fmt.Sprintf("retries exhausted after %d attempts", a.RetryCount+1), err)
			e.fail(ctx, a, exhausted.Error(), result)
			return false
		}
		e.fail(ctx, a, err.Error(), result)
		return false
	}
}

func (e *Engine) fail(ctx context.Context, a *models.PendingAction, reason string, result *DrainResult) {
	if err := e.store.MarkFailed(ctx, a.ID, reason); err != nil {
		e.log.Error("Failed to mark action failed", err, map[string]interface{}{"action_id": a.ID})
		return
	}
	result.Failed++
	e.log.Warn("Action failed", map[string]interface{}{"action_id": a.ID, "reason": reason})
}
