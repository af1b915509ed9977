package mergeq

import (
	"context"
	"time"

	"github.com/v0-dev/v0/internal/session"
	"github.com/v0-dev/v0/internal/tracker"
)

// fakeGit implements git.Runner with overridable behavior per test.
type fakeGit struct {
	remoteBranches map[string]bool
	remoteErr      error
	calls          []string

	pushErr     error
	pushFails   int
	ffErr       error
	rebaseErr   error
	mergeErr    error
	ancestorOf  map[string]bool
	mergeBase   string
	dryConflict bool
	head        string
	conflicts   bool
}

func newFakeGit() *fakeGit {
	return &fakeGit{
		remoteBranches: map[string]bool{},
		ancestorOf:     map[string]bool{},
		mergeBase:      "base",
		head:           "head0",
	}
}

func (f *fakeGit) record(name string) {
	f.calls = append(f.calls, name)
}

func (f *fakeGit) Run(args ...string) (string, error) {
	f.record("run:" + args[0])
	return "", nil
}
func (f *fakeGit) CurrentBranch() (string, error) { return "dev", nil }
func (f *fakeGit) CheckoutBranch(name string) error {
	f.record("checkout:" + name)
	return nil
}
func (f *fakeGit) BranchExists(name string) (bool, error) { return true, nil }
func (f *fakeGit) RemoteBranchExists(remote, name string) (bool, error) {
	f.record("remote-exists:" + name)
	if f.remoteErr != nil {
		return false, f.remoteErr
	}
	return f.remoteBranches[name], nil
}
func (f *fakeGit) DeleteBranch(name string) error { return nil }
func (f *fakeGit) DeleteRemoteBranch(remote, name string) error {
	f.record("delete-remote:" + name)
	return nil
}
func (f *fakeGit) Fetch(remote string, refs ...string) error {
	f.record("fetch")
	return nil
}
func (f *fakeGit) Push(remote, branch string) error {
	f.record("push")
	if f.pushFails > 0 {
		f.pushFails--
		return f.pushErr
	}
	return nil
}
func (f *fakeGit) ResetHard(ref string) error {
	f.record("reset:" + ref)
	return nil
}
func (f *fakeGit) DiscardChanges() error         { return nil }
func (f *fakeGit) Status() (string, error)       { return "", nil }
func (f *fakeGit) HasChanges() (bool, error)     { return false, nil }
func (f *fakeGit) HasConflicts() (bool, error)   { return f.conflicts, nil }
func (f *fakeGit) RevParse(ref string) (string, error) {
	if ref == "HEAD" {
		return f.head, nil
	}
	return "tip:" + ref, nil
}

// IsAncestor honors recorded answers; otherwise the current HEAD counts
// as reachable from every ref, everything else does not.
func (f *fakeGit) IsAncestor(ancestor, descendant string) (bool, error) {
	if ok, recorded := f.ancestorOf[ancestor+"/"+descendant]; recorded {
		return ok, nil
	}
	return ancestor == f.head, nil
}
func (f *fakeGit) MergeBase(ref1, ref2 string) (string, error) {
	return f.mergeBase, nil
}
func (f *fakeGit) MergeTreeConflicts(base, ours, theirs string) (bool, error) {
	return f.dryConflict, nil
}
func (f *fakeGit) MergeFFOnly(branch string) error {
	f.record("ff:" + branch)
	if f.ffErr != nil {
		return f.ffErr
	}
	f.head = "merged-ff"
	return nil
}
func (f *fakeGit) MergeNoFFMessage(branch, message string) error {
	f.record("merge:" + branch)
	if f.mergeErr != nil {
		return f.mergeErr
	}
	f.head = "merged-commit"
	return nil
}
func (f *fakeGit) MergeAbort() error { f.record("merge-abort"); return nil }
func (f *fakeGit) Rebase(base string) error {
	f.record("rebase:" + base)
	return f.rebaseErr
}
func (f *fakeGit) RebaseAbort() error                   { f.record("rebase-abort"); return nil }
func (f *fakeGit) WorktreeAdd(path, branch string) error { return nil }
func (f *fakeGit) WorktreeRemove(path string) error      { return nil }
func (f *fakeGit) WorktreePrune() error                  { return nil }

// fakeSessions satisfies both SessionLister and Sessions.
type fakeSessions struct {
	active  map[string]bool
	started []session.Spec
	// finish controls Wait's outcome.
	finish bool
	// onStart lets a test mutate state when the session launches.
	onStart func()
}

func (f *fakeSessions) ActiveFor(operation string) (bool, error) {
	return f.active[operation], nil
}

func (f *fakeSessions) Start(spec session.Spec) (*session.Record, error) {
	f.started = append(f.started, spec)
	if f.onStart != nil {
		f.onStart()
	}
	return &session.Record{Name: "sess-1", Operation: spec.Operation, PID: 1}, nil
}

func (f *fakeSessions) Wait(name string, timeout, poll time.Duration) bool {
	return f.finish
}

// fakeIssues serves plan-label issue lists.
type fakeIssues struct {
	byLabel map[string][]tracker.Issue
	err     error
}

func (f *fakeIssues) List(ctx context.Context, label, status string) ([]tracker.Issue, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.byLabel[label], nil
}

func (f *fakeIssues) Close(ctx context.Context, id string) error {
	for label, issues := range f.byLabel {
		for i := range issues {
			if issues[i].ID == id {
				f.byLabel[label][i].Status = tracker.StatusDone
			}
		}
	}
	return nil
}

type fakeNotify struct {
	titles []string
}

func (f *fakeNotify) Notify(title, message string) {
	f.titles = append(f.titles, title)
}

type fakeDriver struct {
	resumed []string
}

func (f *fakeDriver) Resume(name string) error {
	f.resumed = append(f.resumed, name)
	return nil
}
