// Package op owns the per-operation state documents and the lifecycle
// state machine. An operation is the primary unit of work: it is created
// in phase init, mutated only through the transition engine, and remains
// on disk after cancellation for audit.
package op

import "time"

// Phase is the state-machine location of an operation.
type Phase string

// Operation phases.
const (
	PhaseInit         Phase = "init"
	PhasePlanned      Phase = "planned"
	PhaseQueued       Phase = "queued"
	PhaseBlocked      Phase = "blocked"
	PhaseExecuting    Phase = "executing"
	PhaseCompleted    Phase = "completed"
	PhasePendingMerge Phase = "pending_merge"
	PhaseMerged       Phase = "merged"
	PhaseFailed       Phase = "failed"
	PhaseInterrupted  Phase = "interrupted"
	PhaseCancelled    Phase = "cancelled"
	PhaseConflict     Phase = "conflict"
)

// Phases lists every legal phase value.
var Phases = []Phase{
	PhaseInit, PhasePlanned, PhaseQueued, PhaseBlocked, PhaseExecuting,
	PhaseCompleted, PhasePendingMerge, PhaseMerged, PhaseFailed,
	PhaseInterrupted, PhaseCancelled, PhaseConflict,
}

// Valid reports whether p is one of the enumerated phases.
func (p Phase) Valid() bool {
	for _, q := range Phases {
		if p == q {
			return true
		}
	}
	return false
}

// Terminal reports whether no transitions leave p.
func (p Phase) Terminal() bool {
	return p == PhaseMerged || p == PhaseCancelled
}

// Kind is a branch-naming hint; the core does not branch on it.
type Kind string

// Operation kinds.
const (
	KindFeature Kind = "feature"
	KindFix     Kind = "fix"
	KindChore   Kind = "chore"
)

// ValidKind reports whether k is a known kind.
func ValidKind(k Kind) bool {
	return k == KindFeature || k == KindFix || k == KindChore
}

// Operation is the decoded state document for one operation.
type Operation struct {
	Name        string `json:"name"`
	Kind        Kind   `json:"kind"`
	Phase       Phase  `json:"phase"`
	Held        bool   `json:"held"`
	MergeQueued bool   `json:"merge_queued"`

	PlanFile      string `json:"plan_file,omitempty"`
	EpicID        string `json:"epic_id,omitempty"`
	Worktree      string `json:"worktree,omitempty"`
	Branch        string `json:"branch,omitempty"`
	MergeCommit   string `json:"merge_commit,omitempty"`
	FailureReason string `json:"failure_reason,omitempty"`

	CreatedAt   *time.Time `json:"created_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	MergedAt    *time.Time `json:"merged_at,omitempty"`
	HeldAt      *time.Time `json:"held_at,omitempty"`
	UpdatedAt   *time.Time `json:"updated_at,omitempty"`

	SessionName     string     `json:"session_name,omitempty"`
	WorkerPID       int        `json:"worker_pid,omitempty"`
	WorkerStartedAt *time.Time `json:"worker_started_at,omitempty"`
	WorkerLog       string     `json:"worker_log,omitempty"`

	SchemaVersion int    `json:"_schema_version"`
	MigratedAt    string `json:"_migrated_at,omitempty"`
}

// BranchName returns the operation's integration branch, deriving the
// conventional <kind>/<name> form when none was recorded.
func (o *Operation) BranchName() string {
	if o.Branch != "" {
		return o.Branch
	}
	kind := o.Kind
	if kind == "" {
		kind = KindFeature
	}
	return string(kind) + "/" + o.Name
}
