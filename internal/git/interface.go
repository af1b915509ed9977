// Package git provides an interface for git operations.
package git

import "errors"

// ErrRefMissing indicates a branch or commit does not exist. Callers must
// distinguish this from lookup failures (network errors), which are
// returned as ordinary errors.
var ErrRefMissing = errors.New("ref does not exist")

// Runner abstracts git operations for testing.
type Runner interface {
	Run(args ...string) (string, error)
	CurrentBranch() (string, error)
	CheckoutBranch(name string) error
	BranchExists(name string) (bool, error)
	RemoteBranchExists(remote, name string) (bool, error)
	DeleteBranch(name string) error
	DeleteRemoteBranch(remote, name string) error
	Fetch(remote string, refs ...string) error
	Push(remote, branch string) error
	ResetHard(ref string) error
	DiscardChanges() error
	Status() (string, error)
	HasChanges() (bool, error)
	HasConflicts() (bool, error)
	RevParse(ref string) (string, error)
	IsAncestor(ancestor, descendant string) (bool, error)
	MergeBase(ref1, ref2 string) (string, error)
	MergeTreeConflicts(base, ours, theirs string) (bool, error)
	MergeFFOnly(branch string) error
	MergeNoFFMessage(branch, message string) error
	MergeAbort() error
	Rebase(base string) error
	RebaseAbort() error
	WorktreeAdd(path, branch string) error
	WorktreeRemove(path string) error
	WorktreePrune() error
}
