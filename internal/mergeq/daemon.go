package mergeq

import (
	"context"
	"fmt"
	"io"
	"log"
	"path/filepath"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/v0-dev/v0/internal/deps"
	"github.com/v0-dev/v0/internal/op"
	"github.com/v0-dev/v0/internal/store"
)

// Daemon log rotation thresholds.
const (
	daemonLogMaxSizeMB = 10
	daemonLogBackups   = 3
)

// EpicCloser marks an operation's epic done after its merge.
type EpicCloser interface {
	Close(ctx context.Context, id string) error
}

// Notifier records out-of-band notifications.
type Notifier interface {
	Notify(title, message string)
}

// DaemonConfig wires a Daemon.
type DaemonConfig struct {
	MergeqDir          string
	Queue              *Store
	Ops                *op.Store
	Evaluator          *Evaluator
	Merger             *Merger
	Graph              *deps.Graph
	Driver             deps.Driver
	Epics              EpicCloser
	Notify             Notifier
	PollInterval       time.Duration
	ConflictRetryLimit int
	// LogWriter overrides the rotating daemon.log (tests).
	LogWriter io.Writer
}

// Daemon is the single merge consumer. One instance per build root,
// enforced by the PID file at <mergeq>/daemon.pid.
type Daemon struct {
	cfg     DaemonConfig
	pidFile *store.PIDFile
	logger  *log.Logger
}

// NewDaemon creates the merge queue daemon.
func NewDaemon(cfg DaemonConfig) *Daemon {
	w := cfg.LogWriter
	if w == nil {
		w = &lumberjack.Logger{
			Filename:   filepath.Join(cfg.MergeqDir, "daemon.log"),
			MaxSize:    daemonLogMaxSizeMB,
			MaxBackups: daemonLogBackups,
		}
	}
	return &Daemon{
		cfg:     cfg,
		pidFile: store.NewPIDFile(filepath.Join(cfg.MergeqDir, "daemon.pid")),
		logger:  log.New(w, "", log.LstdFlags|log.LUTC),
	}
}

// PIDFile exposes the daemon's PID file for status reconciliation.
func (d *Daemon) PIDFile() *store.PIDFile {
	return d.pidFile
}

// Run polls until ctx is cancelled. A cancellation during a merge lets
// the in-flight merge finish before exiting.
func (d *Daemon) Run(ctx context.Context) error {
	if err := d.pidFile.Acquire(); err != nil {
		return fmt.Errorf("merge daemon: %w", err)
	}
	defer d.pidFile.Release()

	d.logger.Printf("[daemon] started, polling every %s", d.cfg.PollInterval)
	ticker := time.NewTicker(d.cfg.PollInterval)
	defer ticker.Stop()

	// First cycle runs immediately.
	d.cycle(ctx)
	for {
		select {
		case <-ctx.Done():
			d.logger.Printf("[daemon] stop requested, exiting")
			return nil
		case <-ticker.C:
			d.cycle(ctx)
		}
	}
}

// cycle runs the three poll passes and at most one merge.
func (d *Daemon) cycle(ctx context.Context) {
	if err := d.retryGatePass(); err != nil {
		d.logger.Printf("[daemon] retry-gate pass: %v", err)
	}
	unverified, err := d.cleanupPass(ctx)
	if err != nil {
		d.logger.Printf("[daemon] cleanup pass: %v", err)
	}
	entry, err := d.dispatchPass(ctx, unverified)
	if err != nil {
		d.logger.Printf("[daemon] dispatch pass: %v", err)
		return
	}
	if entry == nil {
		return
	}
	d.execute(ctx, entry)
}

// retryGatePass resets each conflicted entry to pending once. The
// conflict_retried flag bounds the automatic retry; further conflicts
// wait for manual intervention.
func (d *Daemon) retryGatePass() error {
	if d.cfg.ConflictRetryLimit < 1 {
		return nil
	}
	entries, err := d.cfg.Queue.List(StatusConflict)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if e.ConflictRetried {
			continue
		}
		if err := d.cfg.Queue.SetConflictRetried(e.Operation); err != nil {
			d.logger.Printf("[daemon] retry gate for %s: %v", e.Operation, err)
			continue
		}
		if e.MergeType == MergeTypeOperation {
			if err := d.cfg.Ops.Transition(e.Operation, op.PhasePendingMerge, op.TransitionOpts{}); err != nil {
				d.logger.Printf("[daemon] requeue %s for retry: %v", e.Operation, err)
			}
		}
		d.logger.Printf("[daemon] conflict retry granted for %s", e.Operation)
	}
	return nil
}

// cleanupPass removes stale pending entries. An already-merged operation
// is confirmed merged; a vanished branch cancels it. A lookup failure
// leaves the entry alone and keeps it out of this cycle's dispatch.
func (d *Daemon) cleanupPass(ctx context.Context) (map[string]bool, error) {
	entries, err := d.cfg.Queue.Pending()
	if err != nil {
		return nil, err
	}
	unverified := make(map[string]bool)
	for _, e := range entries {
		stale, reason, err := d.cfg.Evaluator.IsStale(ctx, &e)
		if err != nil {
			d.logger.Printf("[daemon] staleness check for %s: %v", e.Operation, err)
			unverified[e.Operation] = true
			continue
		}
		if !stale {
			continue
		}
		if err := d.cfg.Queue.Remove(e.Operation); err != nil {
			d.logger.Printf("[daemon] remove stale entry %s: %v", e.Operation, err)
			continue
		}
		d.logger.Printf("[daemon] removed stale entry %s (%s)", e.Operation, reason)
		if e.MergeType != MergeTypeOperation {
			continue
		}
		switch reason {
		case StaleMerged:
			// merged_at already set elsewhere; nothing to transition.
		case StaleBranchGone:
			if err := d.cfg.Ops.Transition(e.Operation, op.PhaseCancelled, op.TransitionOpts{}); err != nil {
				d.logger.Printf("[daemon] cancel %s after branch vanished: %v", e.Operation, err)
			}
		}
	}
	return unverified, nil
}

// dispatchPass walks pending entries in queue order and claims the first
// mergeable one. Held operations and entries whose staleness could not be
// verified are skipped; operations with open plan issues are sent back to
// their lifecycle driver instead.
func (d *Daemon) dispatchPass(ctx context.Context, unverified map[string]bool) (*Entry, error) {
	entries, err := d.cfg.Queue.Pending()
	if err != nil {
		return nil, err
	}
	for i := range entries {
		e := &entries[i]

		if unverified[e.Operation] {
			d.logger.Printf("[daemon] %s staleness unverified, skipping", e.Operation)
			continue
		}

		if e.MergeType == MergeTypeOperation {
			o, err := d.cfg.Ops.Get(e.Operation)
			if err != nil {
				d.logger.Printf("[daemon] read %s: %v", e.Operation, err)
				continue
			}
			if o.Held {
				d.logger.Printf("[daemon] %s is held, skipping", e.Operation)
				continue
			}

			open, err := d.cfg.Evaluator.OpenIssues(ctx, e.Operation)
			if err != nil {
				d.logger.Printf("[daemon] open-issue check for %s: %v", e.Operation, err)
				continue
			}
			if len(open) > 0 {
				if err := d.cfg.Queue.UpdateStatus(e.Operation, StatusResumed); err != nil {
					d.logger.Printf("[daemon] mark resumed %s: %v", e.Operation, err)
					continue
				}
				d.logger.Printf("[daemon] %s has %d open issues, resuming work", e.Operation, len(open))
				if err := d.cfg.Driver.Resume(e.Operation); err != nil {
					d.logger.Printf("[daemon] resume driver for %s: %v", e.Operation, err)
				}
				continue
			}
		}

		ready, reason, err := d.cfg.Evaluator.IsMergeReady(ctx, e)
		if err != nil {
			d.logger.Printf("[daemon] readiness check for %s: %v", e.Operation, err)
			continue
		}
		if !ready {
			d.logger.Printf("[daemon] %s not ready: %s", e.Operation, reason)
			continue
		}

		if err := d.cfg.Queue.UpdateStatus(e.Operation, StatusProcessing); err != nil {
			return nil, err
		}
		return e, nil
	}
	return nil, nil
}

// execute runs one merge and does all queue, operation, tracker, and
// dependency bookkeeping for its outcome.
func (d *Daemon) execute(ctx context.Context, e *Entry) {
	var o *op.Operation
	branch := e.Operation
	if e.MergeType == MergeTypeOperation {
		var err error
		o, err = d.cfg.Ops.Get(e.Operation)
		if err != nil {
			d.fail(e, nil, fmt.Sprintf("read operation: %v", err))
			return
		}
		branch = branchFor(e, o)
		if o.Phase == op.PhaseCompleted || o.Phase == op.PhaseConflict {
			if err := d.cfg.Ops.Transition(e.Operation, op.PhasePendingMerge, op.TransitionOpts{}); err != nil {
				d.fail(e, o, fmt.Sprintf("enter pending_merge: %v", err))
				return
			}
		}
	}

	d.logger.Printf("[daemon] merging %s (branch %s)", e.Operation, branch)
	res, err := d.cfg.Merger.Merge(ctx, e.Operation, branch)
	if err != nil {
		if res != nil && res.Conflicted {
			d.conflict(e, o, err)
			return
		}
		reason := ReasonWorkspace
		if res != nil {
			reason = res.Reason
		}
		d.fail(e, o, fmt.Sprintf("%s: %v", reason, err))
		return
	}

	d.succeed(ctx, e, o, branch, res.Commit)
}

func (d *Daemon) succeed(ctx context.Context, e *Entry, o *op.Operation, branch, commit string) {
	if o != nil {
		if err := d.cfg.Ops.Transition(o.Name, op.PhaseMerged, op.TransitionOpts{MergeCommit: commit}); err != nil {
			d.fail(e, o, fmt.Sprintf("record merge: %v", err))
			return
		}
	}
	if err := d.cfg.Queue.RecordOutcome(e.Operation, StatusCompleted); err != nil {
		d.logger.Printf("[daemon] mark entry completed %s: %v", e.Operation, err)
	}

	if o != nil {
		if o.EpicID != "" {
			if err := d.cfg.Epics.Close(ctx, o.EpicID); err != nil {
				d.logger.Printf("[daemon] close epic %s: %v", o.EpicID, err)
			}
		}
		merged, err := d.cfg.Ops.Get(o.Name)
		if err == nil {
			if err := d.cfg.Graph.TriggerDependents(ctx, merged); err != nil {
				d.logger.Printf("[daemon] trigger dependents of %s: %v", o.Name, err)
			}
		}
	}

	d.cfg.Merger.DeleteMergedBranch(branch)
	d.cfg.Notify.Notify("merge complete", fmt.Sprintf("%s merged as %s", e.Operation, commit))
	d.logger.Printf("[daemon] merged %s as %s", e.Operation, commit)
}

func (d *Daemon) conflict(e *Entry, o *op.Operation, cause error) {
	if err := d.cfg.Queue.MarkConflict(e.Operation); err != nil {
		d.logger.Printf("[daemon] mark conflict %s: %v", e.Operation, err)
	}
	if o != nil {
		if err := d.cfg.Ops.Transition(o.Name, op.PhaseConflict, op.TransitionOpts{}); err != nil {
			d.logger.Printf("[daemon] transition %s to conflict: %v", o.Name, err)
		}
	}
	d.cfg.Notify.Notify("merge conflict", fmt.Sprintf("%s: %v", e.Operation, cause))
	d.logger.Printf("[daemon] conflict on %s: %v", e.Operation, cause)
}

// fail marks the entry and operation failed. Local commits are kept for
// inspection; the branch is not deleted.
func (d *Daemon) fail(e *Entry, o *op.Operation, reason string) {
	if err := d.cfg.Queue.RecordOutcome(e.Operation, StatusFailed); err != nil {
		d.logger.Printf("[daemon] mark entry failed %s: %v", e.Operation, err)
	}
	if o != nil {
		if err := d.cfg.Ops.Transition(o.Name, op.PhaseFailed, op.TransitionOpts{FailureReason: reason}); err != nil {
			d.logger.Printf("[daemon] transition %s to failed: %v", o.Name, err)
		}
	}
	d.cfg.Notify.Notify("merge failed", fmt.Sprintf("%s: %s", e.Operation, reason))
	d.logger.Printf("[daemon] merge of %s failed: %s", e.Operation, reason)
}
