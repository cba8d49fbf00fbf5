// Package reconciler implements the Status Reconciler (C9): a thin
// scheduled-or-on-demand driver of ReconcileStatus(all), suppressed while a
// reconcile is already active so the timer can never pile up work.
package reconciler

import (
	"context"
	"log/slog"
	"time"

	"github.com/archiveforge/git-archiver/internal/core"
)

// Enqueuer is the subset of the Task Manager the reconciler needs. Matching
// core.ErrAlreadyInProgress lets the reconciler treat an overlapping run as
// expected, not a failure.
type Enqueuer interface {
	Enqueue(task core.Task) error
}

// Reconciler fires ReconcileStatus(all) on a timer and exposes an on-demand
// trigger for the same task.
type Reconciler struct {
	tasks    Enqueuer
	interval time.Duration
	logger   *slog.Logger
}

// New returns a Reconciler that enqueues the global reconcile task onto
// tasks every interval once Run is started.
func New(tasks Enqueuer, interval time.Duration, logger *slog.Logger) *Reconciler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reconciler{tasks: tasks, interval: interval, logger: logger}
}

// Run blocks, firing TriggerNow on each tick of interval, until ctx is
// cancelled. Callers start it in its own goroutine. A zero or negative
// interval disables the timer entirely; only TriggerNow remains available.
func (r *Reconciler) Run(ctx context.Context) {
	if r.interval <= 0 {
		<-ctx.Done()
		return
	}
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.TriggerNow()
		}
	}
}

// TriggerNow enqueues ReconcileStatus(all) immediately. If a reconcile is
// already queued or active, the attempt is silently suppressed: this is the
// expected steady state for an overlapping timer tick, not an error.
func (r *Reconciler) TriggerNow() {
	if err := r.tasks.Enqueue(core.NewReconcileAllTask()); err != nil {
		r.logger.Debug("reconcile suppressed: already in progress", "error", err)
	}
}
