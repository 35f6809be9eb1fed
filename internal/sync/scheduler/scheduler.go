// Package scheduler runs the sync engine in the background: a debounced
// drain after every reconnect, a periodic drain while online, and a
// periodic prune of synced actions.
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/kimhsiao/judgesync/internal/errors"
	"github.com/kimhsiao/judgesync/internal/logging"
	syncpkg "github.com/kimhsiao/judgesync/internal/sync"
	"github.com/kimhsiao/judgesync/internal/sync/connectivity"
)

// Scheduler manages background sync operations.
type Scheduler struct {
	engine         syncpkg.Syncer
	monitor        *connectivity.Monitor
	syncInterval   time.Duration
	onlineDebounce time.Duration
	pruneInterval  time.Duration
	pruneRetention time.Duration
	syncTimeout    time.Duration
	stopCh         chan struct{}
	wg             sync.WaitGroup
	mu             sync.RWMutex
	isRunning      bool
	lastSyncTime   time.Time
	lastPruneTime  time.Time
	syncInProgress bool
	lastResult     *syncpkg.DrainResult
}

// SchedulerConfig holds scheduler configuration.
type SchedulerConfig struct {
	SyncInterval   time.Duration // How often to drain while online (default: 1 minute)
	OnlineDebounce time.Duration // Quiet period after reconnecting before draining (default: 2 seconds)
	PruneInterval  time.Duration // How often to prune synced actions (default: 1 hour)
	PruneRetention time.Duration // How long synced actions are kept (default: 7 days)
	SyncTimeout    time.Duration // Upper bound for one drain (default: 5 minutes)
}

// DefaultSchedulerConfig returns default scheduler configuration.
func DefaultSchedulerConfig() *SchedulerConfig {
	return &SchedulerConfig{
		SyncInterval:   1 * time.Minute,
		OnlineDebounce: 2 * time.Second,
		PruneInterval:  1 * time.Hour,
		PruneRetention: 7 * 24 * time.Hour,
		SyncTimeout:    5 * time.Minute,
	}
}

// NewScheduler creates a new Scheduler. Zero config fields take their
// defaults.
func NewScheduler(engine syncpkg.Syncer, monitor *connectivity.Monitor, config *SchedulerConfig) *Scheduler {
	def := DefaultSchedulerConfig()
	if config == nil {
		config = def
	}
	pick := func(v, d time.Duration) time.Duration {
		if v <= 0 {
			return d
		}
		return v
	}

	return &Scheduler{
		engine:         engine,
		monitor:        monitor,
		syncInterval:   pick(config.SyncInterval, def.SyncInterval),
		onlineDebounce: pick(config.OnlineDebounce, def.OnlineDebounce),
		pruneInterval:  pick(config.PruneInterval, def.PruneInterval),
		pruneRetention: pick(config.PruneRetention, def.PruneRetention),
		syncTimeout:    pick(config.SyncTimeout, def.SyncTimeout),
		stopCh:         make(chan struct{}),
	}
}

// Start starts the background loops. Calling it twice is a no-op.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	if s.isRunning {
		s.mu.Unlock()
		return
	}
	s.isRunning = true
	s.mu.Unlock()

	// Subscribe before the loops start so no edge is missed.
	events, unsubscribe := s.monitor.Subscribe()

	s.wg.Add(3)
	go s.reconnectLoop(ctx, events, unsubscribe)
	go s.periodicSyncLoop(ctx)
	go s.pruneLoop(ctx)

	logging.Info("Background sync scheduler started", map[string]interface{}{
		"sync_interval":   s.syncInterval.String(),
		"online_debounce": s.onlineDebounce.String(),
		"prune_interval":  s.pruneInterval.String(),
	})
}

// Stop stops the background loops and waits for them to exit.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.isRunning {
		s.mu.Unlock()
		return
	}
	s.isRunning = false
	close(s.stopCh)
	s.mu.Unlock()

	s.wg.Wait()

	logging.Info("Background sync scheduler stopped", nil)
}

// SetOnlineStatus overrides the connectivity monitor. It is how hosts
// without a heartbeat prober report network changes.
func (s *Scheduler) SetOnlineStatus(isOnline bool) {
	wasOnline := s.monitor.IsOnline()
	s.monitor.Set(isOnline)

	if wasOnline != isOnline {
		logging.Info("Online status changed",
			map[string]interface{}{
				"was_online": wasOnline,
				"is_online":  isOnline,
			})
	}
}

// reconnectLoop drains once the device has stayed online for the
// debounce period. Going offline again cancels a pending drain.
func (s *Scheduler) reconnectLoop(ctx context.Context, events <-chan connectivity.Event, unsubscribe func()) {
	defer s.wg.Done()
	defer unsubscribe()

	timer := time.NewTimer(s.onlineDebounce)
	if !timer.Stop() {
		<-timer.C
	}
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			if ev == connectivity.BecameOnline {
				timer.Reset(s.onlineDebounce)
			}
		case <-timer.C:
			logging.Debug("Connectivity settled, draining", nil)
			s.runSync(ctx, "reconnect")
		}
	}
}

// periodicSyncLoop drains on every tick while online. Offline ticks only
// re-persist actions the engine is holding in memory.
func (s *Scheduler) periodicSyncLoop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.syncInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-ticker.C:
			if !s.IsOnline() {
				s.flushHeldBack(ctx)
				continue
			}

			s.mu.RLock()
			isSyncing := s.syncInProgress
			s.mu.RUnlock()

			if isSyncing {
				logging.Debug("Sync already in progress, skipping", nil)
				continue
			}

			s.runSync(ctx, "periodic")
		}
	}
}

func (s *Scheduler) flushHeldBack(ctx context.Context) {
	if err := s.engine.FlushHeldBack(ctx); err != nil {
		logging.Warn("Held actions still not persisted", map[string]interface{}{"error": err.Error()})
	}
}

// pruneLoop deletes synced actions past the retention window.
func (s *Scheduler) pruneLoop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.pruneInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.prune(ctx)
		}
	}
}

func (s *Scheduler) prune(ctx context.Context) {
	cutoff := time.Now().Add(-s.pruneRetention)
	n, err := s.engine.Prune(ctx, cutoff)
	if err != nil {
		logging.ErrorWithCode("Prune failed", string(errors.CodeOf(err)), err, nil)
		return
	}

	s.mu.Lock()
	s.lastPruneTime = time.Now()
	s.mu.Unlock()

	if n > 0 {
		logging.Info("Pruned synced actions", map[string]interface{}{
			"deleted": n,
			"cutoff":  cutoff.Format(time.RFC3339),
		})
	}
}

// runSync executes one drain and records its result.
func (s *Scheduler) runSync(ctx context.Context, reason string) {
	if !s.IsOnline() {
		logging.Debug("Skipping sync - device is offline", nil)
		return
	}

	s.mu.Lock()
	s.syncInProgress = true
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.syncInProgress = false
		s.mu.Unlock()
	}()

	syncCtx, cancel := context.WithTimeout(ctx, s.syncTimeout)
	defer cancel()

	result, err := s.engine.ForceSyncNow(syncCtx)
	if err != nil {
		logging.ErrorWithCode("Background sync failed", string(errors.CodeOf(err)), err,
			map[string]interface{}{"reason": reason})
		return
	}
	s.record(result)

	if result.Skipped {
		return
	}
	logging.Info("Background sync completed",
		map[string]interface{}{
			"reason":     reason,
			"successful": result.Successful,
			"retried":    result.Retried,
			"failed":     result.Failed,
			"conflicts":  result.Conflicts,
			"aborted":    result.Aborted,
		})
}

func (s *Scheduler) record(result *syncpkg.DrainResult) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastResult = result
	if !result.Skipped && !result.Aborted {
		s.lastSyncTime = time.Now()
	}
}

// TriggerSync starts a drain in the background.
// Returns true if a drain was started, false if one is already in progress.
func (s *Scheduler) TriggerSync(ctx context.Context) bool {
	s.mu.RLock()
	isSyncing := s.syncInProgress
	s.mu.RUnlock()

	if isSyncing {
		return false
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.runSync(ctx, "trigger")
	}()
	return true
}

// SchedulerStatus is a snapshot of the scheduler state.
type SchedulerStatus struct {
	IsRunning      bool
	IsOnline       bool
	LastSyncTime   *time.Time
	LastPruneTime  *time.Time
	SyncInProgress bool
	LastResult     *syncpkg.DrainResult
	PendingItems   int
	FailedItems    int
	Conflicts      int
}

// GetStatus returns the current status of the scheduler.
func (s *Scheduler) GetStatus(ctx context.Context) SchedulerStatus {
	s.mu.RLock()
	status := SchedulerStatus{
		IsRunning:      s.isRunning,
		IsOnline:       s.monitor.IsOnline(),
		SyncInProgress: s.syncInProgress,
		LastResult:     s.lastResult,
	}
	if !s.lastSyncTime.IsZero() {
		t := s.lastSyncTime
		status.LastSyncTime = &t
	}
	if !s.lastPruneTime.IsZero() {
		t := s.lastPruneTime
		status.LastPruneTime = &t
	}
	s.mu.RUnlock()

	stats, err := s.engine.Stats(ctx)
	if err != nil {
		logging.Warn("Failed to read queue stats", map[string]interface{}{"error": err.Error()})
		return status
	}
	status.PendingItems = stats.PendingActions
	status.FailedItems = stats.FailedCount
	status.Conflicts = stats.ConflictCount
	return status
}

// SyncNow drains immediately and waits for the result.
func (s *Scheduler) SyncNow(ctx context.Context) (*syncpkg.DrainResult, error) {
	s.mu.Lock()
	s.syncInProgress = true
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.syncInProgress = false
		s.mu.Unlock()
	}()

	syncCtx, cancel := context.WithTimeout(ctx, s.syncTimeout)
	defer cancel()

	result, err := s.engine.ForceSyncNow(syncCtx)
	if err != nil {
		return result, err
	}
	s.record(result)

	logging.Info("Manual sync completed",
		map[string]interface{}{
			"successful": result.Successful,
			"failed":     result.Failed,
			"conflicts":  result.Conflicts,
			"skipped":    result.Skipped,
		})

	return result, nil
}

// IsOnline reports the monitor's current state.
func (s *Scheduler) IsOnline() bool {
	return s.monitor.IsOnline()
}

// IsRunning returns whether the scheduler is running.
func (s *Scheduler) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.isRunning
}
