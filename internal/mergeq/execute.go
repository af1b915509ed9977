package mergeq

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/v0-dev/v0/internal/git"
	"github.com/v0-dev/v0/internal/op"
	"github.com/v0-dev/v0/internal/session"
)

// Failure reasons recorded on operations when a merge fails.
const (
	ReasonMergeConflict = "merge_conflict"
	ReasonPushFailed    = "push_failed"
	ReasonVerifyFailed  = "verify_failed"
	ReasonWorkspace     = "workspace"
)

// ConflictSessionSpec builds the agent invocation for conflict
// resolution.
type ConflictSessionSpec struct {
	Command []string
	Timeout time.Duration
}

// Sessions is the session surface the merger needs.
type Sessions interface {
	Start(spec session.Spec) (*session.Record, error)
	Wait(name string, timeout, poll time.Duration) bool
}

// MergeResult reports one merge attempt.
type MergeResult struct {
	// Commit is the integrated commit, set on success.
	Commit string
	// Conflicted is true when the merge stopped on an unresolvable
	// conflict; Reason then explains the terminal failure otherwise.
	Conflicted bool
	Reason     string
}

// Merger executes a single merge against the shared workspace checkout.
// It only moves git state; queue and operation bookkeeping stay with the
// daemon.
type Merger struct {
	git           git.Runner
	sessions      Sessions
	workspace     string
	remote        string
	shared        string
	pushRetries   int
	verifyRetries int
	requireRemote bool
	conflictSpec  ConflictSessionSpec
	logf          func(format string, args ...any)
}

// MergerConfig wires a Merger.
type MergerConfig struct {
	Git           git.Runner
	Sessions      Sessions
	Workspace     string
	Remote        string
	SharedBranch  string
	PushRetries   int
	VerifyRetries int
	RequireRemote bool
	ConflictSpec  ConflictSessionSpec
	Logf          func(format string, args ...any)
}

// NewMerger creates a merger over the shared workspace.
func NewMerger(cfg MergerConfig) *Merger {
	logf := cfg.Logf
	if logf == nil {
		logf = log.Printf
	}
	return &Merger{
		git:           cfg.Git,
		sessions:      cfg.Sessions,
		workspace:     cfg.Workspace,
		remote:        cfg.Remote,
		shared:        cfg.SharedBranch,
		pushRetries:   cfg.PushRetries,
		verifyRetries: cfg.VerifyRetries,
		requireRemote: cfg.RequireRemote,
		conflictSpec:  cfg.ConflictSpec,
		logf:          logf,
	}
}

// Merge integrates branch into the shared branch. The returned result
// distinguishes conflict (retryable through the queue's retry gate) from
// terminal failure.
func (m *Merger) Merge(ctx context.Context, operation, branch string) (*MergeResult, error) {
	if err := m.syncWorkspace(); err != nil {
		return &MergeResult{Reason: ReasonWorkspace}, err
	}

	// The merge source is the remote-tracking ref: worktrees push their
	// branch before enqueueing.
	if err := m.git.Fetch(m.remote, branch); err != nil {
		return &MergeResult{Reason: ReasonWorkspace}, fmt.Errorf("fetch %s: %w", branch, err)
	}
	ref := m.remote + "/" + branch

	conflicted, err := m.dryRunConflicts(ref)
	if err != nil {
		return &MergeResult{Reason: ReasonWorkspace}, err
	}
	if conflicted {
		resolved, err := m.resolveConflicts(operation, branch, ref)
		if err != nil {
			return &MergeResult{Conflicted: true, Reason: ReasonMergeConflict}, err
		}
		if !resolved {
			return &MergeResult{Conflicted: true, Reason: ReasonMergeConflict},
				fmt.Errorf("conflicts in %s not resolved by session", branch)
		}
	}

	commit, err := m.applyMerge(branch, ref)
	if err != nil {
		return &MergeResult{Reason: ReasonMergeConflict}, err
	}

	if err := m.push(); err != nil {
		return &MergeResult{Reason: ReasonPushFailed}, err
	}
	if err := m.verify(commit); err != nil {
		return &MergeResult{Reason: ReasonVerifyFailed}, err
	}
	return &MergeResult{Commit: commit}, nil
}

// syncWorkspace puts the shared checkout on the shared branch at the
// remote tip, discarding any leftover state. Reset is unconditional: the
// shared branch may have been force-updated.
func (m *Merger) syncWorkspace() error {
	if err := m.git.Fetch(m.remote, m.shared); err != nil {
		return fmt.Errorf("fetch %s: %w", m.shared, err)
	}
	if err := m.git.DiscardChanges(); err != nil {
		return fmt.Errorf("discard changes: %w", err)
	}
	if err := m.git.CheckoutBranch(m.shared); err != nil {
		return fmt.Errorf("checkout %s: %w", m.shared, err)
	}
	if err := m.git.ResetHard(m.remote + "/" + m.shared); err != nil {
		return fmt.Errorf("reset to %s/%s: %w", m.remote, m.shared, err)
	}
	return nil
}

// dryRunConflicts detects conflicts without touching the working tree.
func (m *Merger) dryRunConflicts(ref string) (bool, error) {
	base, err := m.git.MergeBase(m.shared, ref)
	if err != nil {
		return false, fmt.Errorf("merge-base: %w", err)
	}
	return m.git.MergeTreeConflicts(base, m.shared, ref)
}

// resolveConflicts hands the conflicted merge to an agent session in the
// workspace and reports whether the tree came back conflict-free. The
// merge is left started so the agent sees the conflict markers; it is
// aborted when resolution fails.
func (m *Merger) resolveConflicts(operation, branch, ref string) (bool, error) {
	if err := m.git.MergeNoFFMessage(ref, fmt.Sprintf("merge %s", branch)); err == nil {
		// The dry run predicted a conflict but the merge applied
		// cleanly. Undo it so applyMerge picks the strategy.
		if err := m.git.ResetHard(m.remote + "/" + m.shared); err != nil {
			return false, err
		}
		return true, nil
	}

	prompt := fmt.Sprintf(
		"The merge of %s into %s stopped on conflicts. Resolve every conflict, stage the results, and commit the merge. Run the done script when finished.",
		branch, m.shared)
	rec, err := m.sessions.Start(session.Spec{
		Operation: operation,
		Dir:       m.workspace,
		Command:   m.conflictSpec.Command,
		Prompt:    prompt,
	})
	if err != nil {
		m.git.MergeAbort()
		return false, fmt.Errorf("start conflict session: %w", err)
	}

	m.logf("[mergeq] conflict session %s resolving %s", rec.Name, branch)
	if !m.sessions.Wait(rec.Name, m.conflictSpec.Timeout, 2*time.Second) {
		m.git.MergeAbort()
		return false, fmt.Errorf("conflict session %s did not finish", rec.Name)
	}

	conflicted, err := m.git.HasConflicts()
	if err != nil {
		return false, err
	}
	if conflicted {
		m.git.MergeAbort()
		return false, nil
	}
	// The session committed the merge; reset is not needed. applyMerge
	// will fast-forward onto what the session produced only if the
	// session left the branch mergeable; typically HEAD already carries
	// the resolution commit.
	return true, nil
}

// applyMerge runs the ordered strategy: fast-forward, rebase then
// fast-forward, merge commit. Returns the integrated commit.
func (m *Merger) applyMerge(branch, ref string) (string, error) {
	if head, err := m.git.RevParse("HEAD"); err == nil {
		if remoteTip, err := m.git.RevParse(ref); err == nil {
			if ok, _ := m.git.IsAncestor(remoteTip, head); ok {
				// Already integrated (conflict session committed).
				return head, nil
			}
		}
	}

	if err := m.git.MergeFFOnly(ref); err == nil {
		return m.git.RevParse("HEAD")
	}

	// Rebase the operation branch onto shared, then retry fast-forward.
	if err := m.rebaseOnto(branch, ref); err == nil {
		if err := m.git.MergeFFOnly(branch); err == nil {
			return m.git.RevParse("HEAD")
		}
	}

	if err := m.git.MergeNoFFMessage(ref, fmt.Sprintf("merge %s", branch)); err != nil {
		m.git.MergeAbort()
		return "", fmt.Errorf("merge %s: %w", branch, err)
	}
	return m.git.RevParse("HEAD")
}

// rebaseOnto checks out a local copy of the operation branch, rebases it
// onto the shared branch, and returns the workspace to the shared branch.
func (m *Merger) rebaseOnto(branch, ref string) error {
	if _, err := m.git.Run("checkout", "-B", branch, ref); err != nil {
		return err
	}
	if err := m.git.Rebase(m.shared); err != nil {
		m.git.RebaseAbort()
		m.git.CheckoutBranch(m.shared)
		return err
	}
	return m.git.CheckoutBranch(m.shared)
}

// push sends the shared branch to the remote with growing delays.
func (m *Merger) push() error {
	var err error
	for attempt := 1; attempt <= m.pushRetries; attempt++ {
		if err = m.git.Push(m.remote, m.shared); err == nil {
			return nil
		}
		m.logf("[mergeq] push attempt %d/%d failed: %v", attempt, m.pushRetries, err)
		if attempt < m.pushRetries {
			time.Sleep(time.Duration(attempt) * 2 * time.Second)
		}
	}
	return fmt.Errorf("push %s after %d attempts: %w", m.shared, m.pushRetries, err)
}

// verify confirms the merge commit is an ancestor of the local shared
// branch and, when required, of the remote's shared branch after a fresh
// fetch.
func (m *Merger) verify(commit string) error {
	ok, err := m.git.IsAncestor(commit, m.shared)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("commit %s not on local %s", commit, m.shared)
	}
	if !m.requireRemote {
		return nil
	}

	for attempt := 1; attempt <= m.verifyRetries; attempt++ {
		if err := m.git.Fetch(m.remote, m.shared); err != nil {
			m.logf("[mergeq] verify fetch attempt %d/%d failed: %v", attempt, m.verifyRetries, err)
		} else {
			ok, err := m.git.IsAncestor(commit, m.remote+"/"+m.shared)
			if err == nil && ok {
				return nil
			}
		}
		if attempt < m.verifyRetries {
			time.Sleep(time.Duration(attempt) * 2 * time.Second)
		}
	}
	return fmt.Errorf("commit %s not observable on %s/%s after %d attempts", commit, m.remote, m.shared, m.verifyRetries)
}

// DeleteMergedBranch removes the operation branch from the remote after
// a successful merge. Best-effort.
func (m *Merger) DeleteMergedBranch(branch string) {
	if err := m.git.DeleteRemoteBranch(m.remote, branch); err != nil {
		m.logf("[mergeq] warning: delete remote branch %s: %v", branch, err)
	}
}

// branchFor resolves an entry's merge source branch.
func branchFor(e *Entry, o *op.Operation) string {
	if e.MergeType == MergeTypeBranch {
		return e.Operation
	}
	return o.BranchName()
}
