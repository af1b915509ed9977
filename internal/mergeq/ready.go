package mergeq

import (
	"context"
	"fmt"
	"os"

	"github.com/v0-dev/v0/internal/git"
	"github.com/v0-dev/v0/internal/op"
	"github.com/v0-dev/v0/internal/tracker"
)

// SessionLister answers whether an operation has a live agent session.
type SessionLister interface {
	ActiveFor(operation string) (bool, error)
}

// IssueLister lists tracker issues by label and status.
type IssueLister interface {
	List(ctx context.Context, label, status string) ([]tracker.Issue, error)
}

// Stale reasons returned by IsStale.
const (
	StaleMerged     = "merged"
	StaleBranchGone = "branch_gone"
)

// Evaluator decides whether queue entries may merge and whether they
// are stale. Checks run cheapest first.
type Evaluator struct {
	ops      *op.Store
	sessions SessionLister
	issues   IssueLister
	git      git.Runner
	remote   string
}

// NewEvaluator creates a readiness evaluator.
func NewEvaluator(ops *op.Store, sessions SessionLister, issues IssueLister, g git.Runner, remote string) *Evaluator {
	return &Evaluator{ops: ops, sessions: sessions, issues: issues, git: g, remote: remote}
}

// IsMergeReady reports whether the entry's operation may merge now. The
// reason explains the first failing check.
func (ev *Evaluator) IsMergeReady(ctx context.Context, e *Entry) (bool, string, error) {
	if e.MergeType == MergeTypeBranch {
		return ev.branchReady(ctx, e)
	}

	o, err := ev.ops.Get(e.Operation)
	if err != nil {
		return false, "", err
	}

	if o.Held {
		return false, "held", nil
	}
	if o.Phase != op.PhaseCompleted && o.Phase != op.PhasePendingMerge {
		return false, fmt.Sprintf("phase:%s", o.Phase), nil
	}

	worktree := e.Worktree
	if worktree == "" {
		worktree = o.Worktree
	}
	if fi, err := os.Stat(worktree); worktree == "" || err != nil || !fi.IsDir() {
		return false, "worktree:missing", nil
	}

	active, err := ev.sessions.ActiveFor(e.Operation)
	if err != nil {
		return false, "", err
	}
	if active {
		return false, "session:active", nil
	}

	open, err := ev.openIssueCount(ctx, e.Operation)
	if err != nil {
		return false, "", err
	}
	if open > 0 {
		return false, fmt.Sprintf("open_issues:%d", open), nil
	}
	return true, "", nil
}

// branchReady gates a bare-branch entry: a resolvable remote branch
// stands in for a worktree and no operation state applies.
func (ev *Evaluator) branchReady(ctx context.Context, e *Entry) (bool, string, error) {
	exists, err := ev.git.RemoteBranchExists(ev.remote, e.Operation)
	if err != nil {
		return false, "", err
	}
	if !exists {
		return false, "worktree:missing", nil
	}
	return true, "", nil
}

// OpenIssues returns the operation's open plan issues.
func (ev *Evaluator) OpenIssues(ctx context.Context, operation string) ([]tracker.Issue, error) {
	issues, err := ev.issues.List(ctx, operation, "")
	if err != nil {
		return nil, err
	}
	var open []tracker.Issue
	for _, i := range issues {
		if i.Status == tracker.StatusTodo || i.Status == tracker.StatusInProgress {
			open = append(open, i)
		}
	}
	return open, nil
}

func (ev *Evaluator) openIssueCount(ctx context.Context, operation string) (int, error) {
	open, err := ev.OpenIssues(ctx, operation)
	if err != nil {
		return 0, err
	}
	return len(open), nil
}

// IsStale reports whether the entry refers to work that no longer needs
// merging, with the reason. A failed remote lookup is an error, never
// staleness.
func (ev *Evaluator) IsStale(ctx context.Context, e *Entry) (bool, string, error) {
	branch := e.Operation
	if e.MergeType == MergeTypeOperation {
		o, err := ev.ops.Get(e.Operation)
		if err != nil {
			return false, "", err
		}
		if o.MergedAt != nil {
			return true, StaleMerged, nil
		}
		branch = o.BranchName()
	}

	exists, err := ev.git.RemoteBranchExists(ev.remote, branch)
	if err != nil {
		// Lookup failure. The branch may well exist; propagate.
		return false, "", err
	}
	if !exists {
		return true, StaleBranchGone, nil
	}
	return false, "", nil
}
