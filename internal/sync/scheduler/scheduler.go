// Package scheduler triggers sync passes in the background: once on every
// offline-to-online transition, periodically while the daemon runs, and on demand.
package scheduler

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize/english"
	"github.com/go-co-op/gocron/v2"
	"github.com/jonboulle/clockwork"

	"github.com/kimhsiao/invoicesync/internal/errors"
	"github.com/kimhsiao/invoicesync/internal/logging"
	syncpkg "github.com/kimhsiao/invoicesync/internal/sync"
)

// Monitor is the part of the reachability monitor the scheduler watches.
type Monitor interface {
	IsReachable() bool
	Subscribe() (<-chan bool, func())
}

// Pruner removes synced records past retention.
type Pruner interface {
	PruneSynced(ctx context.Context, olderThan time.Time) (int64, error)
}

// Notifier receives aggregate, non-blocking notifications.
type Notifier interface {
	PassCompleted(result syncpkg.PassResult)
	ReachabilityChanged(reachable bool)
}

type nopNotifier struct{}

func (nopNotifier) PassCompleted(syncpkg.PassResult) {}
func (nopNotifier) ReachabilityChanged(bool)         {}

// SchedulerConfig holds scheduler configuration.
type SchedulerConfig struct {
	SyncInterval  time.Duration // periodic pass (default: 5 minutes, negative disables)
	PruneInterval time.Duration // synced-record maintenance (default: 24 hours, negative disables)
	Retention     time.Duration // prune synced records older than this (default: 30 days)
	SyncOnStart   bool
	Clock         clockwork.Clock
}

// DefaultSchedulerConfig returns default scheduler configuration.
func DefaultSchedulerConfig() *SchedulerConfig {
	return &SchedulerConfig{
		SyncInterval:  5 * time.Minute,
		PruneInterval: 24 * time.Hour,
		Retention:     30 * 24 * time.Hour,
		SyncOnStart:   true,
	}
}

// Scheduler owns the background triggers for sync passes. Mutual exclusion
// with manual passes is enforced by the PassRunner, not here.
type Scheduler struct {
	runner   syncpkg.PassRunner
	monitor  Monitor
	pruner   Pruner
	notifier Notifier
	config   SchedulerConfig

	cron    gocron.Scheduler
	syncJob gocron.Job
	cancel  context.CancelFunc
	unsub   func()
	wg      sync.WaitGroup

	mu         sync.RWMutex
	isRunning  bool
	isOnline   bool
	lastResult *syncpkg.PassResult
	lastPrune  time.Time
}

// NewScheduler creates a new Scheduler. pruner and notifier may be nil.
func NewScheduler(runner syncpkg.PassRunner, monitor Monitor, pruner Pruner, notifier Notifier, config *SchedulerConfig) *Scheduler {
	if config == nil {
		config = DefaultSchedulerConfig()
	}
	cfg := *config
	defaults := DefaultSchedulerConfig()
	if cfg.SyncInterval == 0 {
		cfg.SyncInterval = defaults.SyncInterval
	}
	if cfg.PruneInterval == 0 {
		cfg.PruneInterval = defaults.PruneInterval
	}
	if cfg.Retention <= 0 {
		cfg.Retention = defaults.Retention
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if notifier == nil {
		notifier = nopNotifier{}
	}

	return &Scheduler{
		runner:   runner,
		monitor:  monitor,
		pruner:   pruner,
		notifier: notifier,
		config:   cfg,
	}
}

// Start registers the periodic jobs and begins watching reachability.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.isRunning {
		return nil
	}

	cron, err := gocron.NewScheduler(
		gocron.WithClock(s.config.Clock),
		gocron.WithLocation(time.UTC),
	)
	if err != nil {
		return errors.Wrap(errors.ErrInternal, "create job scheduler", err)
	}

	ctx, cancel := context.WithCancel(ctx)

	var syncJob gocron.Job
	if s.config.SyncInterval > 0 {
		syncJob, err = cron.NewJob(
			gocron.DurationJob(s.config.SyncInterval),
			gocron.NewTask(s.periodicPass, ctx),
			gocron.WithName("sync-pass"),
			gocron.WithSingletonMode(gocron.LimitModeReschedule),
		)
		if err != nil {
			cancel()
			return errors.Wrap(errors.ErrInternal, "register sync job", err)
		}
	}
	if s.config.PruneInterval > 0 && s.pruner != nil {
		if _, err := cron.NewJob(
			gocron.DurationJob(s.config.PruneInterval),
			gocron.NewTask(s.pruneJob, ctx),
			gocron.WithName("prune-synced"),
			gocron.WithSingletonMode(gocron.LimitModeReschedule),
		); err != nil {
			cancel()
			return errors.Wrap(errors.ErrInternal, "register prune job", err)
		}
	}

	// Subscribe before sampling so no transition falls between the two.
	ch, unsub := s.monitor.Subscribe()
	s.isOnline = s.monitor.IsReachable()

	s.cron = cron
	s.syncJob = syncJob
	s.cancel = cancel
	s.unsub = unsub
	s.isRunning = true

	s.wg.Add(1)
	go s.watch(ctx, ch)
	cron.Start()

	logging.Info("Background sync scheduler started", map[string]interface{}{
		"sync_interval":  s.config.SyncInterval.String(),
		"prune_interval": s.config.PruneInterval.String(),
		"online":         s.isOnline,
	})
	return nil
}

// Stop stops the background jobs and waits for the watcher to exit. A pass in
// flight is allowed to settle its current record.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	if !s.isRunning {
		s.mu.Unlock()
		return nil
	}
	s.isRunning = false
	cron, cancel, unsub := s.cron, s.cancel, s.unsub
	s.cron, s.syncJob = nil, nil
	s.mu.Unlock()

	cancel()
	unsub()
	err := cron.Shutdown()
	s.wg.Wait()

	logging.Info("Background sync scheduler stopped", nil)
	return err
}

// watch merges reachability transitions into auto passes, one per
// unreachable -> reachable edge.
func (s *Scheduler) watch(ctx context.Context, transitions <-chan bool) {
	defer s.wg.Done()

	if s.config.SyncOnStart {
		s.runPass(ctx, syncpkg.TriggerStartup)
	}

	for {
		select {
		case <-ctx.Done():
			return
		case reachable, ok := <-transitions:
			if !ok {
				return
			}
			s.SetOnlineStatus(ctx, reachable)
		}
	}
}

// SetOnlineStatus records a reachability observation. An offline-to-online
// change triggers exactly one auto pass; repeated values are ignored.
func (s *Scheduler) SetOnlineStatus(ctx context.Context, isOnline bool) {
	s.mu.Lock()
	wasOnline := s.isOnline
	s.isOnline = isOnline
	s.mu.Unlock()

	if wasOnline == isOnline {
		return
	}

	logging.Info("Online status changed", map[string]interface{}{
		"was_online": wasOnline,
		"is_online":  isOnline,
	})
	s.notifier.ReachabilityChanged(isOnline)

	if isOnline {
		s.runPass(ctx, syncpkg.TriggerAuto)
	}
}

func (s *Scheduler) periodicPass(ctx context.Context) {
	s.runPass(ctx, syncpkg.TriggerPeriodic)
}

func (s *Scheduler) runPass(ctx context.Context, trigger syncpkg.Trigger) (syncpkg.PassResult, error) {
	if ctx.Err() != nil {
		return syncpkg.PassResult{Trigger: trigger, Skipped: true}, ctx.Err()
	}

	result, err := s.runner.RunSyncPass(ctx, trigger)
	if err != nil {
		logging.ErrorWithCode("Sync pass failed", string(errors.ErrSyncFailed), err,
			map[string]interface{}{"trigger": string(trigger)})
		return result, err
	}
	if result.Skipped {
		logging.Debug("Sync pass skipped", map[string]interface{}{
			"trigger": string(trigger),
			"reason":  result.SkipReason,
		})
		return result, nil
	}

	s.mu.Lock()
	saved := result
	s.lastResult = &saved
	s.mu.Unlock()

	s.notifier.PassCompleted(result)
	return result, nil
}

// SyncNow runs a manual pass and waits for it. When another pass is running
// the result is skipped with zero counts.
func (s *Scheduler) SyncNow(ctx context.Context) (syncpkg.PassResult, error) {
	return s.runPass(ctx, syncpkg.TriggerManual)
}

func (s *Scheduler) pruneJob(ctx context.Context) error {
	_, err := s.Prune(ctx)
	return err
}

// Prune removes synced records older than the retention window.
func (s *Scheduler) Prune(ctx context.Context) (int64, error) {
	if s.pruner == nil {
		return 0, nil
	}
	now := s.config.Clock.Now()
	cutoff := now.Add(-s.config.Retention)

	removed, err := s.pruner.PruneSynced(ctx, cutoff)
	if err != nil {
		logging.Error("Prune of synced invoices failed", err, map[string]interface{}{
			"cutoff": cutoff.UTC().Format(time.RFC3339),
		})
		return 0, err
	}

	s.mu.Lock()
	s.lastPrune = now
	s.mu.Unlock()

	logging.Info("Pruned synced invoices", map[string]interface{}{
		"removed": removed,
		"cutoff":  cutoff.UTC().Format(time.RFC3339),
	})
	return removed, nil
}

// SchedulerStatus is a snapshot of the scheduler.
type SchedulerStatus struct {
	IsRunning  bool                `json:"isRunning"`
	IsOnline   bool                `json:"isOnline"`
	LastResult *syncpkg.PassResult `json:"lastResult,omitempty"`
	NextSync   *time.Time          `json:"nextSync,omitempty"`
	LastPrune  *time.Time          `json:"lastPrune,omitempty"`
}

// GetStatus returns the current status of the scheduler.
func (s *Scheduler) GetStatus() SchedulerStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()

	status := SchedulerStatus{
		IsRunning: s.isRunning,
		IsOnline:  s.isOnline,
	}
	if s.lastResult != nil {
		last := *s.lastResult
		status.LastResult = &last
	}
	if s.syncJob != nil {
		if next, err := s.syncJob.NextRun(); err == nil && !next.IsZero() {
			status.NextSync = &next
		}
	}
	if !s.lastPrune.IsZero() {
		lp := s.lastPrune
		status.LastPrune = &lp
	}
	return status
}

// IsOnline returns the last reachability value the scheduler observed.
func (s *Scheduler) IsOnline() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.isOnline
}

// IsRunning returns whether the scheduler is running.
func (s *Scheduler) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.isRunning
}

// Summary renders a pass result as the aggregate line shown to users, for
// example "2 invoices failed, 1 will retry". Empty when nothing was attempted.
func Summary(result syncpkg.PassResult) string {
	var parts []string
	if result.Failed > 0 {
		parts = append(parts, english.Plural(result.Failed, "invoice", "")+" failed")
	}
	if result.Deferred > 0 {
		if len(parts) == 0 {
			parts = append(parts, english.Plural(result.Deferred, "invoice", "")+" will retry")
		} else {
			parts = append(parts, fmt.Sprintf("%d will retry", result.Deferred))
		}
	}
	if result.Synced > 0 {
		if len(parts) == 0 {
			parts = append(parts, english.Plural(result.Synced, "invoice", "")+" synced")
		} else {
			parts = append(parts, fmt.Sprintf("%d synced", result.Synced))
		}
	}
	return strings.Join(parts, ", ")
}
