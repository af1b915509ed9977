package mergeq

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/v0-dev/v0/internal/deps"
	"github.com/v0-dev/v0/internal/op"
	"github.com/v0-dev/v0/internal/tracker"
)

// depsTrackerStub satisfies deps.Tracker for daemon wiring; dependency
// traversal is exercised in the deps package tests.
type depsTrackerStub struct{}

func (depsTrackerStub) Show(ctx context.Context, id string) (*tracker.Issue, error) {
	return &tracker.Issue{ID: id, Status: tracker.StatusDone}, nil
}
func (depsTrackerStub) BlockedBy(ctx context.Context, id string) ([]tracker.Issue, error) {
	return nil, nil
}
func (depsTrackerStub) Close(ctx context.Context, id string) error               { return nil }
func (depsTrackerStub) AddBlocker(ctx context.Context, id, blockerID string) error { return nil }

type daemonFixture struct {
	daemon   *Daemon
	queue    *Store
	ops      *op.Store
	git      *fakeGit
	sessions *fakeSessions
	issues   *fakeIssues
	notify   *fakeNotify
	driver   *fakeDriver
}

func newDaemonFixture(t *testing.T) *daemonFixture {
	t.Helper()
	mergeqDir := t.TempDir()
	ops := op.NewStore(t.TempDir(), "test")
	queue := NewStore(mergeqDir, "test")
	g := newFakeGit()
	sessions := &fakeSessions{active: map[string]bool{}, finish: true}
	issues := &fakeIssues{byLabel: map[string][]tracker.Issue{}}
	notify := &fakeNotify{}
	driver := &fakeDriver{}

	eval := NewEvaluator(ops, sessions, issues, g, "origin")
	merger := NewMerger(MergerConfig{
		Git:           g,
		Sessions:      sessions,
		Workspace:     t.TempDir(),
		Remote:        "origin",
		SharedBranch:  "dev",
		PushRetries:   3,
		VerifyRetries: 3,
		RequireRemote: true,
		ConflictSpec:  ConflictSessionSpec{Command: []string{"agent"}, Timeout: time.Second},
		Logf:          func(string, ...any) {},
	})
	graph := deps.NewGraph(ops, depsTrackerStub{}, driver)

	d := NewDaemon(DaemonConfig{
		MergeqDir:          mergeqDir,
		Queue:              queue,
		Ops:                ops,
		Evaluator:          eval,
		Merger:             merger,
		Graph:              graph,
		Driver:             driver,
		Epics:              issues,
		Notify:             notify,
		PollInterval:       time.Hour,
		ConflictRetryLimit: 1,
		LogWriter:          io.Discard,
	})
	return &daemonFixture{
		daemon: d, queue: queue, ops: ops, git: g,
		sessions: sessions, issues: issues, notify: notify, driver: driver,
	}
}

// readyOperation creates a completed operation whose entry would pass
// every readiness gate.
func (fx *daemonFixture) readyOperation(t *testing.T, name string) {
	t.Helper()
	if _, err := fx.ops.Create(name, op.KindFeature, true); err != nil {
		t.Fatal(err)
	}
	for _, to := range []op.Phase{op.PhasePlanned, op.PhaseQueued, op.PhaseExecuting, op.PhaseCompleted} {
		if err := fx.ops.Transition(name, to, op.TransitionOpts{}); err != nil {
			t.Fatal(err)
		}
	}
	wt := t.TempDir()
	if err := fx.ops.UpdateFields(name, map[string]any{"worktree": wt, "branch": "feature/" + name}); err != nil {
		t.Fatal(err)
	}
	fx.git.remoteBranches["feature/"+name] = true
	if _, err := fx.queue.Enqueue(EnqueueRequest{Operation: name, Worktree: wt}); err != nil {
		t.Fatal(err)
	}
}

func TestCycleHappyPath(t *testing.T) {
	fx := newDaemonFixture(t)
	fx.readyOperation(t, "alpha")

	fx.daemon.cycle(context.Background())

	o, err := fx.ops.Get("alpha")
	if err != nil {
		t.Fatal(err)
	}
	if o.Phase != op.PhaseMerged {
		t.Errorf("phase = %s, want merged (reason %q)", o.Phase, o.FailureReason)
	}
	if o.MergeCommit == "" {
		t.Error("merge_commit not recorded")
	}

	e, err := fx.queue.Find("alpha")
	if err != nil {
		t.Fatal(err)
	}
	if e.Status != StatusCompleted {
		t.Errorf("entry status = %s, want completed", e.Status)
	}

	q, err := fx.queue.Load()
	if err != nil {
		t.Fatal(err)
	}
	if q.Stats.Merged != 1 {
		t.Errorf("stats.merged = %d, want 1", q.Stats.Merged)
	}

	deleted := false
	for _, c := range fx.git.calls {
		if c == "delete-remote:feature/alpha" {
			deleted = true
		}
	}
	if !deleted {
		t.Error("remote operation branch not deleted after merge")
	}
}

func TestCycleStaleCleanupAlreadyMerged(t *testing.T) {
	fx := newDaemonFixture(t)
	fx.readyOperation(t, "alpha")

	// Merged by another path between enqueue and dispatch.
	if err := fx.ops.Transition("alpha", op.PhasePendingMerge, op.TransitionOpts{}); err != nil {
		t.Fatal(err)
	}
	if err := fx.ops.Transition("alpha", op.PhaseMerged, op.TransitionOpts{MergeCommit: "elsewhere"}); err != nil {
		t.Fatal(err)
	}

	fx.daemon.cycle(context.Background())

	if _, err := fx.queue.Find("alpha"); !errors.Is(err, ErrNoEntry) {
		t.Fatalf("err = %v, want entry removed", err)
	}
	// No merge was attempted.
	for _, c := range fx.git.calls {
		if c == "push" {
			t.Error("stale entry triggered a merge")
		}
	}
}

func TestCycleStaleCleanupBranchVanished(t *testing.T) {
	fx := newDaemonFixture(t)
	fx.readyOperation(t, "alpha")
	delete(fx.git.remoteBranches, "feature/alpha")

	fx.daemon.cycle(context.Background())

	if _, err := fx.queue.Find("alpha"); !errors.Is(err, ErrNoEntry) {
		t.Fatalf("err = %v, want entry removed", err)
	}
	o, err := fx.ops.Get("alpha")
	if err != nil {
		t.Fatal(err)
	}
	if o.Phase != op.PhaseCancelled {
		t.Errorf("phase = %s, want cancelled", o.Phase)
	}
}

func TestCycleLookupFailureKeepsEntry(t *testing.T) {
	fx := newDaemonFixture(t)
	fx.readyOperation(t, "alpha")
	fx.git.remoteErr = errors.New("network unreachable")

	fx.daemon.cycle(context.Background())

	e, err := fx.queue.Find("alpha")
	if err != nil {
		t.Fatal(err)
	}
	if e.Status != StatusPending {
		t.Errorf("entry status = %s, want pending preserved", e.Status)
	}
}

func TestCycleOpenIssuesResumeWork(t *testing.T) {
	fx := newDaemonFixture(t)
	fx.readyOperation(t, "alpha")
	fx.issues.byLabel["alpha"] = []tracker.Issue{{ID: "wk-1", Status: tracker.StatusTodo}}

	fx.daemon.cycle(context.Background())

	e, err := fx.queue.Find("alpha")
	if err != nil {
		t.Fatal(err)
	}
	if e.Status != StatusResumed {
		t.Errorf("entry status = %s, want resumed", e.Status)
	}
	if len(fx.driver.resumed) != 1 || fx.driver.resumed[0] != "alpha" {
		t.Errorf("resumed = %v, want [alpha]", fx.driver.resumed)
	}
}

func TestCycleConflictThenRetryThenSuccess(t *testing.T) {
	fx := newDaemonFixture(t)
	fx.readyOperation(t, "alpha")

	// First attempt: dry run predicts a conflict, the merge stops on it,
	// and the resolution session never finishes.
	fx.git.dryConflict = true
	fx.git.mergeErr = errors.New("conflict")
	fx.sessions.finish = false

	fx.daemon.cycle(context.Background())

	e, err := fx.queue.Find("alpha")
	if err != nil {
		t.Fatal(err)
	}
	if e.Status != StatusConflict || e.ConflictRetried {
		t.Fatalf("entry = %+v, want conflict with retry unspent", e)
	}
	o, err := fx.ops.Get("alpha")
	if err != nil {
		t.Fatal(err)
	}
	if o.Phase != op.PhaseConflict {
		t.Fatalf("phase = %s, want conflict", o.Phase)
	}

	// Second cycle: the retry gate re-queues it and the merge succeeds.
	fx.git.dryConflict = false
	fx.git.mergeErr = nil

	fx.daemon.cycle(context.Background())

	e, err = fx.queue.Find("alpha")
	if err != nil {
		t.Fatal(err)
	}
	if e.Status != StatusCompleted || !e.ConflictRetried {
		t.Errorf("entry = %+v, want completed with retry spent", e)
	}
	o, err = fx.ops.Get("alpha")
	if err != nil {
		t.Fatal(err)
	}
	if o.Phase != op.PhaseMerged {
		t.Errorf("phase = %s, want merged", o.Phase)
	}
}

func TestCycleSecondConflictStays(t *testing.T) {
	fx := newDaemonFixture(t)
	fx.readyOperation(t, "alpha")
	fx.git.dryConflict = true
	fx.git.mergeErr = errors.New("conflict")
	fx.sessions.finish = false

	fx.daemon.cycle(context.Background()) // conflict
	fx.daemon.cycle(context.Background()) // retry, conflicts again
	fx.daemon.cycle(context.Background()) // no further auto-retry

	e, err := fx.queue.Find("alpha")
	if err != nil {
		t.Fatal(err)
	}
	if e.Status != StatusConflict || !e.ConflictRetried {
		t.Errorf("entry = %+v, want conflict with retry spent", e)
	}
}

func TestCyclePushFailure(t *testing.T) {
	fx := newDaemonFixture(t)
	fx.readyOperation(t, "alpha")
	fx.git.pushErr = errors.New("remote rejected")
	fx.git.pushFails = 99

	fx.daemon.cycle(context.Background())

	e, err := fx.queue.Find("alpha")
	if err != nil {
		t.Fatal(err)
	}
	if e.Status != StatusFailed {
		t.Errorf("entry status = %s, want failed", e.Status)
	}
	o, err := fx.ops.Get("alpha")
	if err != nil {
		t.Fatal(err)
	}
	if o.Phase != op.PhaseFailed {
		t.Errorf("phase = %s, want failed", o.Phase)
	}
	if o.FailureReason == "" {
		t.Error("failure_reason not set")
	}
	// The branch survives for inspection.
	for _, c := range fx.git.calls {
		if c == "delete-remote:feature/alpha" {
			t.Error("branch deleted on failure")
		}
	}
}

func TestCyclePushSucceedsAfterRetry(t *testing.T) {
	fx := newDaemonFixture(t)
	fx.readyOperation(t, "alpha")
	fx.git.pushErr = errors.New("timeout")
	fx.git.pushFails = 1

	fx.daemon.cycle(context.Background())

	o, err := fx.ops.Get("alpha")
	if err != nil {
		t.Fatal(err)
	}
	if o.Phase != op.PhaseMerged {
		t.Errorf("phase = %s, want merged after push retry", o.Phase)
	}
}

func TestCycleProcessesOneEntryInPriorityOrder(t *testing.T) {
	fx := newDaemonFixture(t)
	fx.readyOperation(t, "alpha")
	fx.readyOperation(t, "bravo")
	if err := fx.queue.Remove("alpha"); err != nil {
		t.Fatal(err)
	}
	// Re-enqueue alpha with a worse priority than bravo.
	o, err := fx.ops.Get("alpha")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := fx.queue.Enqueue(EnqueueRequest{Operation: "alpha", Priority: 5, Worktree: o.Worktree}); err != nil {
		t.Fatal(err)
	}

	fx.daemon.cycle(context.Background())

	bravo, err := fx.queue.Find("bravo")
	if err != nil {
		t.Fatal(err)
	}
	if bravo.Status != StatusCompleted {
		t.Errorf("bravo status = %s, want completed first", bravo.Status)
	}
	alpha, err := fx.queue.Find("alpha")
	if err != nil {
		t.Fatal(err)
	}
	if alpha.Status != StatusPending {
		t.Errorf("alpha status = %s, want still pending after one cycle", alpha.Status)
	}
}

func TestRunHonorsStop(t *testing.T) {
	fx := newDaemonFixture(t)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- fx.daemon.Run(ctx) }()

	time.Sleep(100 * time.Millisecond)
	if pid := fx.daemon.PIDFile().Running(); pid == 0 {
		t.Error("pid file not held while running")
	}
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatal(err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("daemon did not stop")
	}
	if pid := fx.daemon.PIDFile().Running(); pid != 0 {
		t.Error("pid file still held after stop")
	}
}

func TestRunRejectsSecondInstance(t *testing.T) {
	fx := newDaemonFixture(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go fx.daemon.Run(ctx)
	time.Sleep(100 * time.Millisecond)

	second := NewDaemon(DaemonConfig{
		MergeqDir:    fx.daemon.cfg.MergeqDir,
		Queue:        fx.queue,
		Ops:          fx.ops,
		Evaluator:    fx.daemon.cfg.Evaluator,
		Merger:       fx.daemon.cfg.Merger,
		Graph:        fx.daemon.cfg.Graph,
		Driver:       fx.driver,
		Epics:        fx.issues,
		Notify:       fx.notify,
		PollInterval: time.Hour,
		LogWriter:    io.Discard,
	})
	if err := second.Run(ctx); err == nil {
		t.Fatal("second daemon instance must refuse to start")
	}
}

func TestCycleSkipsHeldOperation(t *testing.T) {
	fx := newDaemonFixture(t)
	fx.readyOperation(t, "alpha")
	if err := fx.ops.Hold("alpha"); err != nil {
		t.Fatal(err)
	}

	fx.daemon.cycle(context.Background())

	e, err := fx.queue.Find("alpha")
	if err != nil {
		t.Fatal(err)
	}
	if e.Status != StatusPending {
		t.Errorf("entry status = %s, want pending while held", e.Status)
	}
	o, err := fx.ops.Get("alpha")
	if err != nil {
		t.Fatal(err)
	}
	if o.Phase != op.PhaseCompleted {
		t.Errorf("phase = %s, want completed untouched (reason %q)", o.Phase, o.FailureReason)
	}

	// Clearing the hold lets the next cycle merge it.
	if err := fx.ops.ResumeHold("alpha"); err != nil {
		t.Fatal(err)
	}
	fx.daemon.cycle(context.Background())
	o, err = fx.ops.Get("alpha")
	if err != nil {
		t.Fatal(err)
	}
	if o.Phase != op.PhaseMerged {
		t.Errorf("phase = %s, want merged after unhold", o.Phase)
	}
}
