package status

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"testing"

	"github.com/v0-dev/v0/internal/mergeq"
	"github.com/v0-dev/v0/internal/op"
	"github.com/v0-dev/v0/internal/session"
	"github.com/v0-dev/v0/internal/tracker"
)

// wkFake serves canned wk JSON and counts invocations.
type wkFake struct {
	issues map[string]tracker.Issue
	calls  int
}

func (f *wkFake) Run(ctx context.Context, workDir, name string, args ...string) ([]byte, error) {
	f.calls++
	if len(args) == 0 || args[0] != "show" {
		return nil, fmt.Errorf("unexpected wk call: %v", args)
	}
	var out []tracker.Issue
	for _, a := range args[1:] {
		if a == "--json" {
			continue
		}
		if issue, ok := f.issues[a]; ok {
			out = append(out, issue)
		}
	}
	if len(out) == 1 && len(args) == 3 {
		// Individual show returns an object, not a list.
		return json.Marshal(out[0])
	}
	return json.Marshal(out)
}

func (f *wkFake) RunShell(ctx context.Context, workDir, command string) ([]byte, error) {
	return nil, fmt.Errorf("unexpected shell call")
}

type sessionListFake struct {
	recs  []*session.Record
	calls int
}

func (f *sessionListFake) List() ([]*session.Record, error) {
	f.calls++
	return f.recs, nil
}

type projFixture struct {
	proj     *Projector
	ops      *op.Store
	queue    *mergeq.Store
	wk       *wkFake
	sessions *sessionListFake
}

func newProjFixture(t *testing.T) *projFixture {
	t.Helper()
	ops := op.NewStore(t.TempDir(), "test")
	queue := mergeq.NewStore(t.TempDir(), "test")
	wk := &wkFake{issues: map[string]tracker.Issue{}}
	sessions := &sessionListFake{}
	cache := tracker.NewCache(tracker.NewClient(wk, "wk", ""))
	return &projFixture{
		proj:     NewProjector(ops, queue, sessions, cache),
		ops:      ops,
		queue:    queue,
		wk:       wk,
		sessions: sessions,
	}
}

func TestBuildProjectsPhaseQueueAndSession(t *testing.T) {
	fx := newProjFixture(t)

	if _, err := fx.ops.Create("alpha", op.KindFeature, true); err != nil {
		t.Fatal(err)
	}
	if err := fx.ops.Transition("alpha", op.PhasePlanned, op.TransitionOpts{}); err != nil {
		t.Fatal(err)
	}
	if _, err := fx.queue.Enqueue(mergeq.EnqueueRequest{Operation: "alpha"}); err != nil {
		t.Fatal(err)
	}
	fx.sessions.recs = []*session.Record{{Name: "s1", Operation: "alpha", PID: 1}}

	rows, err := fx.proj.Build(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 1 {
		t.Fatalf("rows = %d, want 1", len(rows))
	}
	r := rows[0]
	if r.Phase != op.PhasePlanned || r.DisplayPhase != "planned" {
		t.Errorf("phase projection = %+v", r)
	}
	if r.QueueStatus != mergeq.StatusPending || r.MergeIcon != mergeIcons[mergeq.StatusPending] {
		t.Errorf("queue projection = %+v", r)
	}
	if !r.SessionLive {
		t.Error("session not projected as live")
	}
	if fx.sessions.calls != 1 {
		t.Errorf("session list called %d times, want 1", fx.sessions.calls)
	}
}

func TestBuildHeldDisplay(t *testing.T) {
	fx := newProjFixture(t)
	if _, err := fx.ops.Create("alpha", op.KindFeature, true); err != nil {
		t.Fatal(err)
	}
	if err := fx.ops.Hold("alpha"); err != nil {
		t.Fatal(err)
	}

	rows, err := fx.proj.Build(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if rows[0].DisplayPhase != "held (init)" {
		t.Errorf("display = %q, want held (init)", rows[0].DisplayPhase)
	}
}

func TestBuildBlockerResolutionIsBatched(t *testing.T) {
	fx := newProjFixture(t)

	// Three blocked operations sharing a blocker universe.
	for i, name := range []string{"alpha", "bravo", "charlie"} {
		if _, err := fx.ops.Create(name, op.KindFeature, true); err != nil {
			t.Fatal(err)
		}
		if err := fx.ops.Transition(name, op.PhasePlanned, op.TransitionOpts{}); err != nil {
			t.Fatal(err)
		}
		epic := fmt.Sprintf("wk-%d", i+1)
		if err := fx.ops.UpdateFields(name, map[string]any{"epic_id": epic}); err != nil {
			t.Fatal(err)
		}
		if err := fx.ops.Transition(name, op.PhaseBlocked, op.TransitionOpts{}); err != nil {
			t.Fatal(err)
		}
	}
	fx.wk.issues["wk-1"] = tracker.Issue{ID: "wk-1", Blockers: []string{"wk-10"}}
	fx.wk.issues["wk-2"] = tracker.Issue{ID: "wk-2", Blockers: []string{"wk-10", "wk-11"}}
	fx.wk.issues["wk-3"] = tracker.Issue{ID: "wk-3"}
	fx.wk.issues["wk-10"] = tracker.Issue{ID: "wk-10", Status: tracker.StatusInProgress, PlanLabel: "delta"}
	fx.wk.issues["wk-11"] = tracker.Issue{ID: "wk-11", Status: tracker.StatusDone}

	rows, err := fx.proj.Build(context.Background())
	if err != nil {
		t.Fatal(err)
	}

	byName := map[string]Row{}
	for _, r := range rows {
		byName[r.Operation] = r
	}
	if got := byName["alpha"].DisplayPhase; got != "blocked by delta" {
		t.Errorf("alpha display = %q", got)
	}
	if got := byName["bravo"].Blocker; got != "delta" {
		t.Errorf("bravo blocker = %q", got)
	}
	if got := byName["charlie"].Blocker; got != "" {
		t.Errorf("charlie blocker = %q, want none", got)
	}

	// One batched epic fetch, one batched blocker fetch.
	if fx.wk.calls != 2 {
		t.Errorf("wk calls = %d, want 2", fx.wk.calls)
	}
}

func TestStyledOutputCarriesDisplayPhase(t *testing.T) {
	r := Row{Operation: "alpha", Phase: op.PhaseFailed, DisplayPhase: "failed"}
	if !strings.Contains(r.Styled(), "failed") {
		t.Errorf("styled output %q does not contain phase", r.Styled())
	}
}
