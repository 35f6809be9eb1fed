package sync

import (
	"context"
	"encoding/json"
	"fmt"
	gosync "sync"
	"sync/atomic"
	"time"

	errs "github.com/kimhsiao/judgesync/internal/errors"
	"github.com/kimhsiao/judgesync/internal/logging"
	"github.com/kimhsiao/judgesync/internal/models"
	"github.com/kimhsiao/judgesync/internal/sync/conflict"
	"github.com/kimhsiao/judgesync/internal/sync/connectivity"
	"github.com/kimhsiao/judgesync/internal/sync/remote"
	"github.com/kimhsiao/judgesync/internal/sync/retry"
	"github.com/kimhsiao/judgesync/internal/sync/store"
	"github.com/kimhsiao/judgesync/internal/telemetry"
	"github.com/kimhsiao/judgesync/internal/uuid"
)

// DefaultBatchSize caps how many actions one session carries.
const DefaultBatchSize = 100

// DrainResult reports one drain to the caller and the progress callback.
type DrainResult struct {
	// Skipped is set when the drain did nothing because the device was
	// offline or another drain was running.
	Skipped    bool
	Aborted    bool
	Sessions   int
	Attempted  int
	Successful int
	Retried    int
	Failed     int
	Conflicts  int
	Duration   time.Duration
}

// Stats is a point-in-time view of the queue.
type Stats struct {
	PendingActions int       `json:"pendingActions"`
	UnsyncedCount  int       `json:"unsyncedCount"`
	SyncedCount    int       `json:"syncedCount"`
	FailedCount    int       `json:"failedCount"`
	ConflictCount  int       `json:"conflictCount"`
	HeldBack       int       `json:"heldBack"`
	IsOnline       bool      `json:"isOnline"`
	DeviceID       string    `json:"deviceId"`
	LastSync       time.Time `json:"lastSync,omitempty"`
	Draining       bool      `json:"draining"`
}

// ProgressFunc receives the result of every drain that ran.
type ProgressFunc func(DrainResult)

// Engine is the sync orchestrator. It owns no state of its own beyond
// the drain guard and a holdback list of actions whose write failed.
type Engine struct {
	store    Store
	identity IdentitySource
	monitor  *connectivity.Monitor
	client   remote.Client
	policy   *retry.Policy
	resolver *conflict.Resolver
	metrics  *telemetry.Metrics
	log      *logging.Logger
	now      func() time.Time

	batchSize int
	strategy  models.ResolutionStrategy

	drainMu gosync.Mutex
	flushMu gosync.Mutex

	mu         gosync.Mutex
	holdback   []*models.PendingAction
	lastSync   time.Time
	onProgress ProgressFunc

	draining atomic.Bool
	kicking  atomic.Bool
	rerun    atomic.Bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     gosync.WaitGroup
}

// Option configures an Engine.
type Option func(*Engine)

// WithPolicy sets the retry policy.
func WithPolicy(p *retry.Policy) Option {
	return func(e *Engine) { e.policy = p }
}

// WithStrategy sets the default conflict strategy.
func WithStrategy(s models.ResolutionStrategy) Option {
	return func(e *Engine) { e.strategy = s }
}

// WithBatchSize sets the maximum actions per session.
func WithBatchSize(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.batchSize = n
		}
	}
}

// WithMetrics sets the telemetry sink.
func WithMetrics(m *telemetry.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithLogger sets the engine logger.
func WithLogger(l *logging.Logger) Option {
	return func(e *Engine) { e.log = l }
}

// WithProgress registers a callback invoked after each drain.
func WithProgress(fn ProgressFunc) Option {
	return func(e *Engine) { e.onProgress = fn }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// NewEngine wires an engine from its collaborators.
func NewEngine(s Store, identity IdentitySource, monitor *connectivity.Monitor, client remote.Client, opts ...Option) *Engine {
	e := &Engine{
		store:     s,
		identity:  identity,
		monitor:   monitor,
		client:    client,
		policy:    retry.NewPolicy(models.DefaultMaxRetries),
		metrics:   telemetry.Noop(),
		log:       logging.Get(),
		now:       time.Now,
		batchSize: DefaultBatchSize,
		strategy:  models.ResolutionLastWriteWins,
	}
	for _, opt := range opts {
		opt(e)
	}
	e.log = e.log.With(map[string]interface{}{"component": "sync_engine"})
	e.resolver = conflict.NewResolver(s, e.strategy)
	e.ctx, e.cancel = context.WithCancel(context.Background())
	return e
}

// SetProgress replaces the progress callback.
func (e *Engine) SetProgress(fn ProgressFunc) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.onProgress = fn
}

// Close stops background drains and waits for them to finish.
func (e *Engine) Close() {
	e.cancel()
	e.wg.Wait()
}

// Enqueue durably records action for the current device and returns its
// id. It never waits on the network: when online, a drain is started in
// the background. A StorageError is returned as-is and the action is
// held in memory and re-persisted on the next Enqueue or drain.
func (e *Engine) Enqueue(ctx context.Context, action *models.PendingAction) (models.UUID, error) {
	if action == nil {
		return "", errs.New(errs.ErrValidation, "action is nil")
	}
	deviceID, err := e.identity.GetOrCreate(ctx)
	if err != nil {
		return "", err
	}

	a := action.Clone()
	a.DeviceID = deviceID
	if a.ID == "" {
		a.ID = models.UUID(uuid.New())
	}
	if a.CreatedAt == 0 {
		a.CreatedAt = e.now().UnixMilli()
	}

	if err := e.flushHoldback(ctx); err != nil {
		e.hold(a)
		return "", err
	}

	id, err := e.store.Enqueue(ctx, a)
	if err != nil {
		if errs.Is(err, errs.ErrStorage) {
			e.hold(a)
			e.log.Error("Failed to persist action, holding in memory", err, map[string]interface{}{
				"action_id": a.ID,
			})
		}
		return "", err
	}

	*action = *a
	e.metrics.RecordEnqueue(ctx, string(a.Type))
	if e.monitor.IsOnline() {
		e.kick()
	}
	return id, nil
}

func (e *Engine) hold(a *models.PendingAction) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, h := range e.holdback {
		if h.ID == a.ID {
			return
		}
	}
	e.holdback = append(e.holdback, a)
}

// FlushHeldBack re-persists held actions. It works offline.
func (e *Engine) FlushHeldBack(ctx context.Context) error {
	return e.flushHoldback(ctx)
}

// flushHoldback re-persists held actions in order. It stops at the first
// storage failure so ordering is kept. The list is copied under e.mu and
// written without it; flushMu keeps flushes from overlapping.
func (e *Engine) flushHoldback(ctx context.Context) error {
	e.flushMu.Lock()
	defer e.flushMu.Unlock()

	e.mu.Lock()
	held := make([]*models.PendingAction, len(e.holdback))
	copy(held, e.holdback)
	e.mu.Unlock()
	if len(held) == 0 {
		return nil
	}

	done := make(map[models.UUID]bool, len(held))
	var flushErr error
	for _, a := range held {
		if _, err := e.store.Enqueue(ctx, a); err != nil {
			if errs.Is(err, errs.ErrStorage) {
				flushErr = err
				break
			}
			e.log.Error("Dropping held action rejected by store", err, map[string]interface{}{
				"action_id": a.ID,
			})
			done[a.ID] = true
			continue
		}
		e.log.Info("Persisted held action", map[string]interface{}{"action_id": a.ID})
		e.metrics.RecordEnqueue(ctx, string(a.Type))
		done[a.ID] = true
	}

	e.mu.Lock()
	kept := e.holdback[:0]
	for _, a := range e.holdback {
		if !done[a.ID] {
			kept = append(kept, a)
		}
	}
	e.holdback = kept
	e.mu.Unlock()
	return flushErr
}

// kick runs drains in the background until no further trigger arrived
// while the last one ran.
func (e *Engine) kick() {
	e.rerun.Store(true)
	if !e.kicking.CompareAndSwap(false, true) {
		return
	}
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		for e.rerun.Swap(false) {
			if e.ctx.Err() != nil {
				break
			}
			if _, err := e.drain(e.ctx); err != nil {
				e.log.Warn("Background drain failed", map[string]interface{}{"error": err.Error()})
			}
		}
		e.kicking.Store(false)
		if e.rerun.Load() && e.ctx.Err() == nil {
			e.kick()
		}
	}()
}

// ForceSyncNow runs one drain in the caller's goroutine.
func (e *Engine) ForceSyncNow(ctx context.Context) (*DrainResult, error) {
	return e.drain(ctx)
}

// TriggerDrain starts a drain in the background.
func (e *Engine) TriggerDrain() {
	e.kick()
}

// IsDraining reports whether a drain is running.
func (e *Engine) IsDraining() bool {
	return e.draining.Load()
}

// PendingCount returns the number of durable pending actions.
func (e *Engine) PendingCount(ctx context.Context) (int, error) {
	counts, err := e.store.CountByStatus(ctx)
	if err != nil {
		return 0, err
	}
	return counts[models.ActionStatusPending], nil
}

// Stats returns queue counters, connectivity and the device id.
func (e *Engine) Stats(ctx context.Context) (*Stats, error) {
	counts, err := e.store.CountByStatus(ctx)
	if err != nil {
		return nil, err
	}
	deviceID, err := e.identity.GetOrCreate(ctx)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	held := len(e.holdback)
	last := e.lastSync
	e.mu.Unlock()

	return &Stats{
		PendingActions: counts[models.ActionStatusPending],
		UnsyncedCount: counts[models.ActionStatusPending] + counts[models.ActionStatusSyncing] +
			counts[models.ActionStatusConflicted],
		SyncedCount:   counts[models.ActionStatusSynced],
		FailedCount:   counts[models.ActionStatusFailed],
		ConflictCount: counts[models.ActionStatusConflicted],
		HeldBack:      held,
		IsOnline:      e.monitor.IsOnline(),
		DeviceID:      deviceID,
		LastSync:      last,
		Draining:      e.draining.Load(),
	}, nil
}

// ListFailed returns failed actions with their last error.
func (e *Engine) ListFailed(ctx context.Context) ([]*models.PendingAction, error) {
	return e.store.ListByStatus(ctx, models.ActionStatusFailed, "", 0)
}

// ListConflicts returns conflict records; an empty status lists all.
func (e *Engine) ListConflicts(ctx context.Context, status models.ConflictStatus) ([]*models.ConflictRecord, error) {
	return e.store.ListConflicts(ctx, status)
}

// ResolveConflict settles a pending conflict with a caller-supplied merged
// payload. Already resolved conflicts return their earlier result.
func (e *Engine) ResolveConflict(ctx context.Context, conflictID models.UUID, merged json.RawMessage) (conflict.Resolution, error) {
	return e.resubmit(e.resolver.ResolveManually(ctx, conflictID, merged))
}

// KeepLocal settles a pending conflict by resubmitting the local payload
// against the server's version.
func (e *Engine) KeepLocal(ctx context.Context, conflictID models.UUID) (conflict.Resolution, error) {
	return e.resubmit(e.resolver.KeepLocal(ctx, conflictID))
}

func (e *Engine) resubmit(res conflict.Resolution, err error) (conflict.Resolution, error) {
	if err != nil {
		return res, err
	}
	if res.ActionStatus == models.ActionStatusPending && e.monitor.IsOnline() {
		e.kick()
	}
	return res, nil
}

// AcceptRemote settles a pending conflict in the server's favour.
func (e *Engine) AcceptRemote(ctx context.Context, conflictID models.UUID) (conflict.Resolution, error) {
	return e.resolver.AcceptRemote(ctx, conflictID)
}

// RequeueFailed gives a failed action a fresh retry budget.
func (e *Engine) RequeueFailed(ctx context.Context, id models.UUID) error {
	if err := e.store.RequeueFailed(ctx, id); err != nil {
		return err
	}
	e.log.Info("Requeued failed action", map[string]interface{}{"action_id": id})
	if e.monitor.IsOnline() {
		e.kick()
	}
	return nil
}

// Prune deletes synced actions created before olderThan.
func (e *Engine) Prune(ctx context.Context, olderThan time.Time) (int64, error) {
	return e.store.Prune(ctx, olderThan, models.ActionStatusSynced)
}

// ExportAll snapshots the whole local queue.
func (e *Engine) ExportAll(ctx context.Context) (*store.Snapshot, error) {
	return e.store.ExportAll(ctx)
}

// ImportAll restores a snapshot. It waits for a running drain to finish
// so restored rows never race outcome processing.
func (e *Engine) ImportAll(ctx context.Context, snap *store.Snapshot) (*store.ImportResult, error) {
	if snap != nil && snap.DeviceID != "" {
		deviceID, err := e.identity.GetOrCreate(ctx)
		if err != nil {
			return nil, err
		}
		if deviceID != snap.DeviceID {
			e.log.Warn("Importing a snapshot from another device", map[string]interface{}{
				"snapshot_device": snap.DeviceID,
				"device_id":       deviceID,
			})
		}
	}

	e.drainMu.Lock()
	defer e.drainMu.Unlock()
	res, err := e.store.ImportAll(ctx, e.clampRetries(snap))
	if err != nil {
		return nil, fmt.Errorf("import failed: %w", err)
	}
	return res, nil
}

// clampRetries returns snap with every retry count capped at the policy
// maximum. snap itself is not modified.
func (e *Engine) clampRetries(snap *store.Snapshot) *store.Snapshot {
	if snap == nil {
		return nil
	}
	out := *snap
	out.Actions = make([]*models.PendingAction, len(snap.Actions))
	for i, a := range snap.Actions {
		if a != nil && a.RetryCount > e.policy.Max() {
			c := a.Clone()
			e.log.Warn("Clamping imported retry count", map[string]interface{}{
				"action_id":   a.ID,
				"retry_count": a.RetryCount,
				"max_retries": e.policy.Max(),
			})
			c.RetryCount = e.policy.Max()
			a = c
		}
		out.Actions[i] = a
	}
	return &out
}
