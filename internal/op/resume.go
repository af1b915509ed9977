package op

import "fmt"

// resumable phases: recovery applies only to these.
func resumable(p Phase) bool {
	return p == PhaseFailed || p == PhaseInterrupted || p == PhaseCancelled
}

// resumeSource also admits blocked: a dependent whose blocker merged is
// resumed through the same policy.
func resumeSource(p Phase) bool {
	return resumable(p) || p == PhaseBlocked
}

// ResumeTarget derives the last good phase for a recovering operation:
// queued when it already has an epic, planned when it at least has a
// plan, init otherwise.
func ResumeTarget(o *Operation) Phase {
	switch {
	case o.EpicID != "":
		return PhaseQueued
	case o.PlanFile != "":
		return PhasePlanned
	default:
		return PhaseInit
	}
}

// Resume recovers an operation from failed, interrupted, or cancelled,
// transitioning it to the phase derived by ResumeTarget and clearing
// failure_reason.
func (s *Store) Resume(name string) (Phase, error) {
	o, err := s.Get(name)
	if err != nil {
		return "", err
	}
	if !resumeSource(o.Phase) {
		return "", fmt.Errorf("%w: cannot resume from %s", ErrInvalidTransition, o.Phase)
	}

	target := ResumeTarget(o)
	if err := s.Transition(name, target, TransitionOpts{}); err != nil {
		return "", err
	}
	s.AppendEvent(name, "resume", fmt.Sprintf("recovered from %s to %s", o.Phase, target))
	return target, nil
}
