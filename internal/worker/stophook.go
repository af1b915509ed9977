package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/v0-dev/v0/internal/git"
	"github.com/v0-dev/v0/internal/tracker"
)

// HumanAssignee marks an issue handed off for manual work. The
// supervisor never relaunches for issues carrying it.
const HumanAssignee = "worker:human"

// systemReasons approve an exit unconditionally; these are runtime
// conditions no amount of agent work fixes.
var systemReasons = []string{
	"auth", "login", "credential", "credit", "subscription", "billing", "payment",
}

// HookInput is the JSON document the agent runtime feeds the stop hook.
type HookInput struct {
	StopHookActive bool   `json:"stop_hook_active"`
	Reason         string `json:"reason"`
}

// HookDecision is the stop hook's reply.
type HookDecision struct {
	Decision string `json:"decision"`
	Reason   string `json:"reason,omitempty"`
}

func approve() HookDecision {
	return HookDecision{Decision: "approve"}
}

func block(reason string) HookDecision {
	return HookDecision{Decision: "block", Reason: reason}
}

// HookTracker is the tracker surface the stop hook needs.
type HookTracker interface {
	List(ctx context.Context, label, status string) ([]tracker.Issue, error)
	SetAssignee(ctx context.Context, id, assignee string) error
}

// StopHook gates agent exits: work left open blocks the exit unless the
// agent handed it off, re-entrant and system-caused exits pass.
type StopHook struct {
	issues    HookTracker
	git       git.Runner
	dir       string
	planLabel string
}

// NewStopHook creates a stop hook for one agent working tree.
func NewStopHook(issues HookTracker, g git.Runner, dir, planLabel string) *StopHook {
	return &StopHook{issues: issues, git: g, dir: dir, planLabel: planLabel}
}

// Run decodes the hook input from r, evaluates it, and writes the
// decision to w.
func (h *StopHook) Run(ctx context.Context, r io.Reader, w io.Writer) error {
	var in HookInput
	if err := json.NewDecoder(r).Decode(&in); err != nil && err != io.EOF {
		return fmt.Errorf("decode hook input: %w", err)
	}
	decision, err := h.Evaluate(ctx, in)
	if err != nil {
		return err
	}
	return json.NewEncoder(w).Encode(decision)
}

// Evaluate applies the stop rules in order.
func (h *StopHook) Evaluate(ctx context.Context, in HookInput) (HookDecision, error) {
	// Re-entrant invocation: a block already ran once.
	if in.StopHookActive {
		return approve(), nil
	}

	if SystemReason(in.Reason) {
		h.recordStopReason(in.Reason)
		return approve(), nil
	}

	open, err := h.openIssues(ctx)
	if err != nil {
		return HookDecision{}, err
	}
	if len(open) > 0 {
		if issue, ok := h.noteWithoutFix(open); ok {
			if err := h.issues.SetAssignee(ctx, issue.ID, HumanAssignee); err != nil {
				return HookDecision{}, fmt.Errorf("hand off %s: %w", issue.ID, err)
			}
			return block(fmt.Sprintf("issue %s handed off to a human: %s", issue.ID, lastNote(issue))), nil
		}
		ids := make([]string, 0, 3)
		for _, i := range open {
			if len(ids) == 3 {
				break
			}
			ids = append(ids, i.ID)
		}
		return block(fmt.Sprintf("%d issue(s) still open for %s: %s", len(open), h.planLabel, strings.Join(ids, ", "))), nil
	}

	dirty, err := h.uncommittedTracked()
	if err != nil {
		return HookDecision{}, err
	}
	if dirty {
		return block("uncommitted changes in the worktree; commit and push before stopping"), nil
	}

	return approve(), nil
}

// SystemReason reports whether reason matches a system/billing/auth
// substring (case-insensitive).
func SystemReason(reason string) bool {
	lower := strings.ToLower(reason)
	for _, s := range systemReasons {
		if strings.Contains(lower, s) {
			return true
		}
	}
	return false
}

// recordStopReason persists the reason so the wrapper reports a clean
// exit instead of flagging an error.
func (h *StopHook) recordStopReason(reason string) {
	path := filepath.Join(h.dir, StopReason)
	os.WriteFile(path, []byte(reason+"\n"), 0644)
}

func (h *StopHook) openIssues(ctx context.Context) ([]tracker.Issue, error) {
	issues, err := h.issues.List(ctx, h.planLabel, "")
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

// noteWithoutFix detects the handoff: the agent committed nothing but
// explained itself with a note on its single in-progress issue.
func (h *StopHook) noteWithoutFix(open []tracker.Issue) (*tracker.Issue, bool) {
	var candidate *tracker.Issue
	for i := range open {
		if open[i].Status != tracker.StatusInProgress {
			continue
		}
		if candidate != nil {
			return nil, false // more than one in progress, no clean handoff
		}
		candidate = &open[i]
	}
	if candidate == nil || len(candidate.Notes) == 0 {
		return nil, false
	}
	if candidate.Assignee == HumanAssignee {
		return candidate, true // already handed off
	}

	dirty, err := h.uncommittedTracked()
	if err != nil || dirty {
		return nil, false
	}
	return candidate, true
}

func lastNote(i *tracker.Issue) string {
	if len(i.Notes) == 0 {
		return ""
	}
	return i.Notes[len(i.Notes)-1]
}

// uncommittedTracked reports whether the tree has uncommitted changes to
// tracked files. Untracked files alone do not count.
func (h *StopHook) uncommittedTracked() (bool, error) {
	status, err := h.git.Status()
	if err != nil {
		return false, err
	}
	for _, line := range strings.Split(status, "\n") {
		if line == "" || strings.HasPrefix(line, "??") {
			continue
		}
		return true, nil
	}
	return false, nil
}
