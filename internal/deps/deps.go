// Package deps evaluates inter-operation dependencies through the issue
// tracker. An operation's epic carries blocker links to other epics;
// blocked operations wait until every blocker's operation has merged.
package deps

import (
	"context"
	"fmt"
	"log"

	"github.com/v0-dev/v0/internal/op"
	"github.com/v0-dev/v0/internal/tracker"
)

// Tracker is the subset of tracker calls the graph needs.
type Tracker interface {
	Show(ctx context.Context, id string) (*tracker.Issue, error)
	BlockedBy(ctx context.Context, id string) ([]tracker.Issue, error)
	Close(ctx context.Context, id string) error
	AddBlocker(ctx context.Context, id, blockerID string) error
}

// Driver resumes an operation's lifecycle out of process. The graph
// never drives work itself; it only requests resumption.
type Driver interface {
	Resume(name string) error
}

// Graph answers blocking questions over the operation store and tracker.
type Graph struct {
	ops     *op.Store
	tracker Tracker
	driver  Driver
}

// NewGraph creates a dependency graph.
func NewGraph(ops *op.Store, tr Tracker, driver Driver) *Graph {
	return &Graph{ops: ops, tracker: tr, driver: driver}
}

// IsBlocked returns the display name of the first open blocker of o's
// epic, or "" when nothing blocks it. Operations without an epic are
// never blocked.
func (g *Graph) IsBlocked(ctx context.Context, o *op.Operation) (string, error) {
	if o.EpicID == "" {
		return "", nil
	}
	epic, err := g.tracker.Show(ctx, o.EpicID)
	if err != nil {
		return "", fmt.Errorf("show epic %s: %w", o.EpicID, err)
	}
	for _, id := range epic.Blockers {
		blocker, err := g.tracker.Show(ctx, id)
		if err != nil {
			return "", fmt.Errorf("show blocker %s: %w", id, err)
		}
		if g.reconcile(ctx, blocker) {
			continue
		}
		if blocker.Open() {
			return blocker.DisplayName(), nil
		}
	}
	return "", nil
}

// reconcile closes a blocker issue whose operation already merged but
// whose tracker status lagged behind. Returns true when the blocker was
// closed here.
func (g *Graph) reconcile(ctx context.Context, blocker *tracker.Issue) bool {
	if !blocker.Open() || blocker.PlanLabel == "" {
		return false
	}
	o, err := g.ops.Get(blocker.PlanLabel)
	if err != nil {
		return false
	}
	if o.Phase != op.PhaseMerged {
		return false
	}
	if err := g.tracker.Close(ctx, blocker.ID); err != nil {
		log.Printf("[deps] warning: close lagging blocker %s: %v", blocker.ID, err)
		return false
	}
	g.ops.AppendEvent(o.Name, "tracker:reconciled", fmt.Sprintf("closed lagging issue %s", blocker.ID))
	return true
}

// TriggerDependents resumes every operation whose epic was blocked by
// the merged operation's epic. Held dependents are skipped; the resume
// happens when the hold clears.
func (g *Graph) TriggerDependents(ctx context.Context, merged *op.Operation) error {
	if merged.EpicID == "" {
		return nil
	}
	dependents, err := g.tracker.BlockedBy(ctx, merged.EpicID)
	if err != nil {
		return fmt.Errorf("blocked-by %s: %w", merged.EpicID, err)
	}

	for _, issue := range dependents {
		name := issue.PlanLabel
		if name == "" || !g.ops.Exists(name) {
			continue
		}
		o, err := g.ops.Get(name)
		if err != nil {
			log.Printf("[deps] warning: read dependent %s: %v", name, err)
			continue
		}
		if o.Held {
			g.ops.AppendEvent(name, "unblock:skipped", fmt.Sprintf("blocker %s merged but operation is held", merged.Name))
			continue
		}
		g.ops.AppendEvent(name, "unblock", fmt.Sprintf("blocker %s merged", merged.Name))
		if err := g.driver.Resume(name); err != nil {
			log.Printf("[deps] warning: resume dependent %s: %v", name, err)
		}
	}
	return nil
}

// AddBlocker links blockerID as a blocker of epicID after rejecting
// links that would close a cycle. The walk follows existing blocker
// edges from blockerID; finding epicID means the new edge would loop.
func (g *Graph) AddBlocker(ctx context.Context, epicID, blockerID string) error {
	if epicID == blockerID {
		return fmt.Errorf("issue %s cannot block itself", epicID)
	}
	seen := map[string]bool{}
	stack := []string{blockerID}
	for len(stack) > 0 {
		id := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if seen[id] {
			continue
		}
		seen[id] = true
		if id == epicID {
			return fmt.Errorf("blocker %s would create a dependency cycle with %s", blockerID, epicID)
		}
		issue, err := g.tracker.Show(ctx, id)
		if err != nil {
			return fmt.Errorf("show %s: %w", id, err)
		}
		stack = append(stack, issue.Blockers...)
	}
	return g.tracker.AddBlocker(ctx, epicID, blockerID)
}
