// Package status projects operation state, queue entries, and session
// liveness into display rows. It exists for the CLI; nothing here feeds
// back into the lifecycle.
package status

import (
	"context"
	"fmt"

	"github.com/charmbracelet/lipgloss"

	"github.com/v0-dev/v0/internal/mergeq"
	"github.com/v0-dev/v0/internal/op"
	"github.com/v0-dev/v0/internal/session"
	"github.com/v0-dev/v0/internal/tracker"
)

// Merge icons by queue entry status.
var mergeIcons = map[string]string{
	mergeq.StatusPending:    "·",
	mergeq.StatusProcessing: "~",
	mergeq.StatusCompleted:  "+",
	mergeq.StatusFailed:     "x",
	mergeq.StatusConflict:   "!",
	mergeq.StatusResumed:    "<",
}

// Phase colors, rendered with lipgloss.
var phaseStyles = map[op.Phase]lipgloss.Style{
	op.PhaseInit:         lipgloss.NewStyle().Foreground(lipgloss.Color("8")),
	op.PhasePlanned:      lipgloss.NewStyle().Foreground(lipgloss.Color("6")),
	op.PhaseQueued:       lipgloss.NewStyle().Foreground(lipgloss.Color("4")),
	op.PhaseBlocked:      lipgloss.NewStyle().Foreground(lipgloss.Color("3")),
	op.PhaseExecuting:    lipgloss.NewStyle().Foreground(lipgloss.Color("5")),
	op.PhaseCompleted:    lipgloss.NewStyle().Foreground(lipgloss.Color("2")),
	op.PhasePendingMerge: lipgloss.NewStyle().Foreground(lipgloss.Color("2")),
	op.PhaseMerged:       lipgloss.NewStyle().Foreground(lipgloss.Color("2")).Bold(true),
	op.PhaseFailed:       lipgloss.NewStyle().Foreground(lipgloss.Color("1")),
	op.PhaseInterrupted:  lipgloss.NewStyle().Foreground(lipgloss.Color("1")),
	op.PhaseCancelled:    lipgloss.NewStyle().Foreground(lipgloss.Color("8")).Strikethrough(true),
	op.PhaseConflict:     lipgloss.NewStyle().Foreground(lipgloss.Color("1")).Bold(true),
}

var heldStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("3")).Bold(true)

// Row is the projection of one operation.
type Row struct {
	Operation    string
	Phase        op.Phase
	DisplayPhase string
	Held         bool
	Blocker      string
	MergeIcon    string
	QueueStatus  string
	SessionLive  bool
}

// Styled returns the display phase with its color applied.
func (r *Row) Styled() string {
	if r.Held {
		return heldStyle.Render(r.DisplayPhase)
	}
	if style, ok := phaseStyles[r.Phase]; ok {
		return style.Render(r.DisplayPhase)
	}
	return r.DisplayPhase
}

// SessionLister lists live sessions.
type SessionLister interface {
	List() ([]*session.Record, error)
}

// Projector builds rows. Tracker reads go through a per-invocation cache
// so blockers resolve in two batched calls no matter how many operations
// are shown.
type Projector struct {
	ops      *op.Store
	queue    *mergeq.Store
	sessions SessionLister
	cache    *tracker.Cache
}

// NewProjector creates a status projector.
func NewProjector(ops *op.Store, queue *mergeq.Store, sessions SessionLister, cache *tracker.Cache) *Projector {
	return &Projector{ops: ops, queue: queue, sessions: sessions, cache: cache}
}

// Build projects every operation. One session-list call and at most two
// tracker calls serve all rows.
func (p *Projector) Build(ctx context.Context) ([]Row, error) {
	ops, err := p.ops.List()
	if err != nil {
		return nil, err
	}

	entries, err := p.queue.List("")
	if err != nil {
		return nil, err
	}
	entryByOp := make(map[string]*mergeq.Entry, len(entries))
	for i := range entries {
		entryByOp[entries[i].Operation] = &entries[i]
	}

	recs, err := p.sessions.List()
	if err != nil {
		return nil, err
	}
	liveByOp := make(map[string]bool, len(recs))
	for _, r := range recs {
		liveByOp[r.Operation] = true
	}

	if err := p.prefetchBlockers(ctx, ops); err != nil {
		return nil, err
	}

	rows := make([]Row, 0, len(ops))
	for _, o := range ops {
		row := Row{
			Operation:   o.Name,
			Phase:       o.Phase,
			Held:        o.Held,
			SessionLive: liveByOp[o.Name],
		}
		row.DisplayPhase = string(o.Phase)
		if o.Held {
			row.DisplayPhase = fmt.Sprintf("held (%s)", o.Phase)
		}

		if o.Phase == op.PhaseBlocked {
			if blocker := p.blockerName(ctx, o); blocker != "" {
				row.Blocker = blocker
				row.DisplayPhase = "blocked by " + blocker
			}
		}

		if e, ok := entryByOp[o.Name]; ok {
			row.QueueStatus = e.Status
			row.MergeIcon = mergeIcons[e.Status]
		}
		rows = append(rows, row)
	}
	return rows, nil
}

// prefetchBlockers warms the cache: all epics in one batch, then every
// referenced blocker in a second.
func (p *Projector) prefetchBlockers(ctx context.Context, ops []*op.Operation) error {
	var epicIDs []string
	for _, o := range ops {
		if o.EpicID != "" {
			epicIDs = append(epicIDs, o.EpicID)
		}
	}
	if len(epicIDs) == 0 {
		return nil
	}
	if err := p.cache.Prefetch(ctx, epicIDs); err != nil {
		return err
	}

	var blockerIDs []string
	for _, id := range epicIDs {
		epic, err := p.cache.Show(ctx, id)
		if err != nil {
			continue
		}
		blockerIDs = append(blockerIDs, epic.Blockers...)
	}
	if len(blockerIDs) == 0 {
		return nil
	}
	return p.cache.Prefetch(ctx, blockerIDs)
}

// blockerName resolves the first open blocker's display name from the
// warmed cache.
func (p *Projector) blockerName(ctx context.Context, o *op.Operation) string {
	if o.EpicID == "" {
		return ""
	}
	epic, err := p.cache.Show(ctx, o.EpicID)
	if err != nil {
		return ""
	}
	for _, id := range epic.Blockers {
		blocker, err := p.cache.Show(ctx, id)
		if err != nil {
			continue
		}
		if blocker.Open() {
			return blocker.DisplayName()
		}
	}
	return ""
}
