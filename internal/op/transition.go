package op

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrInvalidTransition indicates an attempted phase change not in the
	// transition table. This is a programming error in the caller.
	ErrInvalidTransition = errors.New("invalid transition")

	// ErrHeld indicates the transition was suppressed because the
	// operation is held.
	ErrHeld = errors.New("operation is held")
)

// predecessors maps each phase to the phases allowed to enter it.
// Cancelled appears as a predecessor of the resume targets only: nothing
// automatic ever leaves cancelled, but an explicit resume may revive it.
var predecessors = map[Phase][]Phase{
	PhasePlanned:      {PhaseInit, PhaseBlocked, PhaseFailed, PhaseInterrupted, PhaseCancelled},
	PhaseQueued:       {PhasePlanned, PhaseBlocked, PhaseFailed, PhaseInterrupted, PhaseCancelled},
	PhaseBlocked:      {PhaseInit, PhasePlanned},
	PhaseExecuting:    {PhaseQueued},
	PhaseCompleted:    {PhaseExecuting},
	PhasePendingMerge: {PhaseCompleted, PhaseConflict},
	PhaseMerged:       {PhaseCompleted, PhasePendingMerge},
	PhaseConflict:     {PhasePendingMerge},
	PhaseFailed: {
		PhaseInit, PhasePlanned, PhaseQueued, PhaseExecuting,
		PhaseCompleted, PhasePendingMerge, PhaseConflict,
	},
	PhaseInterrupted: {PhaseExecuting},
	// The merge-queue phases appear so stale-branch cleanup can cancel an
	// operation whose branch vanished after its work was done.
	PhaseCancelled: {
		PhaseInit, PhasePlanned, PhaseQueued, PhaseExecuting,
		PhaseCompleted, PhasePendingMerge, PhaseConflict,
	},
	PhaseInit: {PhaseFailed, PhaseInterrupted, PhaseCancelled},
}

// CanTransition reports whether from → to is in the transition table.
func CanTransition(from, to Phase) bool {
	for _, p := range predecessors[to] {
		if p == from {
			return true
		}
	}
	return false
}

// TransitionOpts carries phase-specific inputs for a transition.
type TransitionOpts struct {
	// MergeCommit is required when transitioning into merged.
	MergeCommit string
	// FailureReason is recorded when transitioning into failed.
	FailureReason string
}

// Transition validates and applies a phase change atomically: the phase,
// its timestamps, and any phase-specific fields are written in a single
// locked merge, and the event log records the edge. Held operations
// refuse every target except failed, cancelled, and the merged that
// completes an already-initiated merge (pending_merge → merged).
func (s *Store) Transition(name string, to Phase, opts TransitionOpts) error {
	if !to.Valid() {
		return fmt.Errorf("%w: unknown phase %q", ErrInvalidTransition, to)
	}

	var from Phase
	err := s.Update(name, func(m map[string]any) error {
		cur, _ := m["phase"].(string)
		from = Phase(cur)

		if !CanTransition(from, to) {
			return fmt.Errorf("%w: %s → %s for operation %s", ErrInvalidTransition, from, to, name)
		}

		held, _ := m["held"].(bool)
		if held && !heldExempt(from, to) {
			return fmt.Errorf("%w: %s (target %s)", ErrHeld, name, to)
		}

		now := time.Now().UTC().Format(time.RFC3339)
		m["phase"] = string(to)

		switch to {
		case PhaseCompleted:
			m["completed_at"] = now
		case PhaseMerged:
			if opts.MergeCommit == "" {
				return fmt.Errorf("%w: merged requires a merge commit", ErrInvalidTransition)
			}
			// A queue-managed operation merges only through the daemon,
			// which drives it through pending_merge first.
			if from == PhaseCompleted {
				if queued, _ := m["merge_queued"].(bool); queued {
					return fmt.Errorf("%w: completed → merged is manual-only, %s is queue-managed", ErrInvalidTransition, name)
				}
			}
			m["merged_at"] = now
			m["merge_commit"] = opts.MergeCommit
		case PhasePendingMerge:
			worktree, _ := m["worktree"].(string)
			branch, _ := m["branch"].(string)
			if worktree == "" && branch == "" {
				return fmt.Errorf("%w: pending_merge requires a worktree or branch", ErrInvalidTransition)
			}
		case PhaseFailed:
			if opts.FailureReason != "" {
				m["failure_reason"] = opts.FailureReason
			}
		}

		// Leaving a failure state clears the diagnostic.
		if resumable(from) && to != PhaseFailed {
			delete(m, "failure_reason")
		}
		return nil
	})
	if err != nil {
		return err
	}

	details := fmt.Sprintf("%s → %s", from, to)
	if opts.FailureReason != "" && to == PhaseFailed {
		details += " (" + opts.FailureReason + ")"
	}
	s.AppendEvent(name, "transition", details)
	return nil
}

// heldExempt reports whether a transition may proceed on a held
// operation.
func heldExempt(from, to Phase) bool {
	if to == PhaseFailed || to == PhaseCancelled {
		return true
	}
	// A merge already claimed by the daemon is allowed to finish.
	return to == PhaseMerged && from == PhasePendingMerge
}

// Hold sets the hold flag. Idempotent: holding a held operation is a
// no-op and does not refresh held_at.
func (s *Store) Hold(name string) error {
	changed := false
	err := s.Update(name, func(m map[string]any) error {
		if held, _ := m["held"].(bool); held {
			return nil
		}
		m["held"] = true
		m["held_at"] = time.Now().UTC().Format(time.RFC3339)
		changed = true
		return nil
	})
	if err != nil {
		return err
	}
	if changed {
		s.AppendEvent(name, "hold", "operation held")
	}
	return nil
}

// ResumeHold clears the hold flag. It spawns nothing; the next poll picks
// the operation up.
func (s *Store) ResumeHold(name string) error {
	err := s.Update(name, func(m map[string]any) error {
		m["held"] = false
		delete(m, "held_at")
		return nil
	})
	if err != nil {
		return err
	}
	s.AppendEvent(name, "resume", "hold cleared")
	return nil
}
