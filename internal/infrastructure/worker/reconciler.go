package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// ReconcilerConfig holds configuration for the projection reconciler
type ReconcilerConfig struct {
	Interval  time.Duration
	BatchSize int
	Timeout   time.Duration
}

// DefaultReconcilerConfig returns default configuration
func DefaultReconcilerConfig() ReconcilerConfig {
	return ReconcilerConfig{
		Interval:  5 * time.Minute,
		BatchSize: 200,
		Timeout:   30 * time.Second,
	}
}

// OpenLister pages through requisitions still moving through approval
type OpenLister interface {
	ListOpenIDs(ctx context.Context, afterID int64, limit int) ([]int64, error)
}

// Healer repairs a requisition's cached projection from its ledger
type Healer interface {
	Heal(ctx context.Context, requisitionID int64) (bool, error)
}

// RunStats summarizes one reconciliation pass
type RunStats struct {
	Checked int
	Healed  int
	Failed  int
}

// Reconciler periodically replays the ledger of open requisitions and
// repairs projections that drifted from it
type Reconciler struct {
	config ReconcilerConfig
	lister OpenLister
	healer Healer
	logger *zap.Logger

	mu        sync.Mutex
	isRunning bool
	cancel    context.CancelFunc
	done      chan struct{}
	lastRun   RunStats
	// cursor is the last id checked; passes resume after it and wrap to 0
	// once a short batch reaches the end of the open set
	cursor int64
}

// NewReconciler creates a new reconciler
func NewReconciler(config ReconcilerConfig, lister OpenLister, healer Healer, logger *zap.Logger) *Reconciler {
	defaults := DefaultReconcilerConfig()
	if config.Interval <= 0 {
		config.Interval = defaults.Interval
	}
	if config.BatchSize <= 0 {
		config.BatchSize = defaults.BatchSize
	}
	if config.Timeout <= 0 {
		config.Timeout = defaults.Timeout
	}
	return &Reconciler{
		config: config,
		lister: lister,
		healer: healer,
		logger: logger.Named("reconciler"),
	}
}

// Name returns the worker name for identification
func (r *Reconciler) Name() string {
	return "ProjectionReconciler"
}

// Start begins the reconciliation loop
func (r *Reconciler) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.isRunning {
		return fmt.Errorf("reconciler already running")
	}

	var loopCtx context.Context
	loopCtx, r.cancel = context.WithCancel(ctx)
	r.done = make(chan struct{})
	r.isRunning = true

	r.logger.Info("Reconciler started",
		zap.Duration("interval", r.config.Interval),
		zap.Int("batch_size", r.config.BatchSize))

	go r.loop(loopCtx, r.done)
	return nil
}

// Stop cancels the loop and waits for the current pass to finish
func (r *Reconciler) Stop() error {
	r.mu.Lock()
	if !r.isRunning {
		r.mu.Unlock()
		return nil
	}
	r.isRunning = false
	cancel, done := r.cancel, r.done
	r.mu.Unlock()

	cancel()
	<-done

	stats := r.LastRun()
	r.logger.Info("Reconciler stopped",
		zap.Int("last_checked", stats.Checked),
		zap.Int("last_healed", stats.Healed))
	return nil
}

// LastRun returns the statistics of the most recent pass
func (r *Reconciler) LastRun() RunStats {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastRun
}

func (r *Reconciler) loop(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(r.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.RunOnce(ctx)
		}
	}
}

// RunOnce reconciles the next batch of open requisitions
func (r *Reconciler) RunOnce(ctx context.Context) RunStats {
	var stats RunStats

	r.mu.Lock()
	after := r.cursor
	r.mu.Unlock()

	listCtx, cancel := context.WithTimeout(ctx, r.config.Timeout)
	ids, err := r.lister.ListOpenIDs(listCtx, after, r.config.BatchSize)
	cancel()
	if err != nil {
		r.logger.Error("Failed to list open requisitions", zap.Error(err), zap.Int64("after_id", after))
		return stats
	}

	next := after
	finished := len(ids) < r.config.BatchSize
	for _, id := range ids {
		if ctx.Err() != nil {
			finished = false
			break
		}
		stats.Checked++
		next = id

		healCtx, cancel := context.WithTimeout(ctx, r.config.Timeout)
		healed, err := r.healer.Heal(healCtx, id)
		cancel()

		switch {
		case err != nil && errors.Is(err, context.Canceled):
			stats.Failed++
		case err != nil:
			stats.Failed++
			r.logger.Error("Failed to reconcile requisition",
				zap.Int64("requisition_id", id),
				zap.Error(err))
		case healed:
			stats.Healed++
			r.logger.Warn("Requisition projection repaired", zap.Int64("requisition_id", id))
		}
	}

	if finished {
		next = 0
	}

	r.mu.Lock()
	r.lastRun = stats
	r.cursor = next
	r.mu.Unlock()

	if stats.Healed > 0 || stats.Failed > 0 {
		r.logger.Info("Reconciliation pass finished",
			zap.Int("checked", stats.Checked),
			zap.Int("healed", stats.Healed),
			zap.Int("failed", stats.Failed))
	}
	return stats
}
