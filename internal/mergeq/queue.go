// Package mergeq owns the merge queue: the persisted entry list, the
// readiness and staleness evaluators, and the single-consumer daemon that
// integrates finished work into the shared branch.
package mergeq

import (
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/v0-dev/v0/internal/store"
)

// Queue document schema version.
const queueVersion = 1

// Entry statuses.
const (
	StatusPending    = "pending"
	StatusProcessing = "processing"
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
	StatusConflict   = "conflict"
	StatusResumed    = "resumed"
)

// Merge types.
const (
	MergeTypeOperation = "operation"
	MergeTypeBranch    = "branch"
)

// ErrNoEntry indicates no queue entry exists for the operation.
var ErrNoEntry = errors.New("no queue entry")

// Entry is one unit of work awaiting integration.
type Entry struct {
	Operation       string `json:"operation"`
	MergeType       string `json:"merge_type"`
	Priority        int    `json:"priority"`
	Status          string `json:"status"`
	EnqueuedAt      string `json:"enqueued_at"`
	UpdatedAt       string `json:"updated_at"`
	Worktree        string `json:"worktree,omitempty"`
	IssueID         string `json:"issue_id,omitempty"`
	ConflictRetried bool   `json:"conflict_retried,omitempty"`
}

// Active reports whether the entry is still awaiting or undergoing work.
func (e *Entry) Active() bool {
	return e.Status == StatusPending || e.Status == StatusProcessing
}

// Age returns how long the entry has been queued.
func (e *Entry) Age(now time.Time) time.Duration {
	t, err := time.Parse(time.RFC3339, e.EnqueuedAt)
	if err != nil {
		return 0
	}
	return now.Sub(t)
}

// Stats accumulate across daemon cycles in the queue header.
type Stats struct {
	Merged    int `json:"merged"`
	Failed    int `json:"failed"`
	Conflicts int `json:"conflicts"`
}

// Queue is the full queue document.
type Queue struct {
	Version int     `json:"version"`
	Stats   Stats   `json:"stats"`
	Entries []Entry `json:"entries"`
}

// Store persists the queue at <build-root>/mergeq/queue.json. Every
// mutation runs under the queue lock.
type Store struct {
	doc *store.Doc
}

// NewStore creates a queue store over the mergeq directory.
func NewStore(mergeqDir, identity string) *Store {
	return &Store{doc: store.NewDoc(filepath.Join(mergeqDir, "queue.json"), identity)}
}

// Load reads the queue without locking. A missing document reads as an
// empty queue.
func (s *Store) Load() (*Queue, error) {
	var q Queue
	if err := s.doc.Read(&q); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return &Queue{Version: queueVersion}, nil
		}
		return nil, err
	}
	return &q, nil
}

// update decodes the raw document into a Queue, applies fn, and encodes
// it back, all under the queue lock.
func (s *Store) update(fn func(q *Queue) error) error {
	return s.doc.Update(func(m map[string]any) error {
		var q Queue
		if len(m) > 0 {
			raw, err := json.Marshal(m)
			if err != nil {
				return err
			}
			if err := json.Unmarshal(raw, &q); err != nil {
				return fmt.Errorf("%w: queue document: %v", store.ErrCorrupt, err)
			}
		}
		q.Version = queueVersion

		if err := fn(&q); err != nil {
			return err
		}

		raw, err := json.Marshal(&q)
		if err != nil {
			return err
		}
		for k := range m {
			delete(m, k)
		}
		return json.Unmarshal(raw, &m)
	})
}

// EnqueueRequest describes an enqueue.
type EnqueueRequest struct {
	Operation string
	Priority  int
	Worktree  string
	IssueID   string
}

// Enqueue appends a pending entry. Idempotent: an existing active entry
// for the same operation makes this a no-op. A terminal entry for the
// operation is superseded by the new pending entry. Names containing a
// slash are bare branches, not operations.
func (s *Store) Enqueue(req EnqueueRequest) (added bool, err error) {
	mergeType := MergeTypeOperation
	if strings.Contains(req.Operation, "/") {
		mergeType = MergeTypeBranch
	}
	now := time.Now().UTC().Format(time.RFC3339)

	err = s.update(func(q *Queue) error {
		for _, e := range q.Entries {
			if e.Operation == req.Operation && (e.Active() || e.Status == StatusResumed) {
				return nil // already queued
			}
		}
		kept := make([]Entry, 0, len(q.Entries))
		for _, e := range q.Entries {
			if e.Operation == req.Operation {
				continue // supersede the terminal entry
			}
			kept = append(kept, e)
		}
		q.Entries = append(kept, Entry{
			Operation:  req.Operation,
			MergeType:  mergeType,
			Priority:   req.Priority,
			Status:     StatusPending,
			EnqueuedAt: now,
			UpdatedAt:  now,
			Worktree:   req.Worktree,
			IssueID:    req.IssueID,
		})
		added = true
		return nil
	})
	return added, err
}

// UpdateStatus sets the status of the operation's entry.
func (s *Store) UpdateStatus(operation, status string) error {
	return s.mutateEntry(operation, func(e *Entry) error {
		e.Status = status
		return nil
	})
}

// MarkConflict records a conflict on the entry and bumps the counter.
func (s *Store) MarkConflict(operation string) error {
	return s.update(func(q *Queue) error {
		e := findEntry(q, operation)
		if e == nil {
			return fmt.Errorf("%w: %s", ErrNoEntry, operation)
		}
		e.Status = StatusConflict
		e.UpdatedAt = time.Now().UTC().Format(time.RFC3339)
		q.Stats.Conflicts++
		return nil
	})
}

// RecordOutcome sets a terminal status and bumps the matching stat.
func (s *Store) RecordOutcome(operation, status string) error {
	return s.update(func(q *Queue) error {
		e := findEntry(q, operation)
		if e == nil {
			return fmt.Errorf("%w: %s", ErrNoEntry, operation)
		}
		e.Status = status
		e.UpdatedAt = time.Now().UTC().Format(time.RFC3339)
		switch status {
		case StatusCompleted:
			q.Stats.Merged++
		case StatusFailed:
			q.Stats.Failed++
		}
		return nil
	})
}

// Retry resets a terminal entry to pending. The conflict-retried flag is
// cleared so the automatic retry gate applies afresh.
func (s *Store) Retry(operation string) error {
	return s.mutateEntry(operation, func(e *Entry) error {
		if e.Active() {
			return fmt.Errorf("entry for %s is %s, nothing to retry", operation, e.Status)
		}
		e.Status = StatusPending
		e.ConflictRetried = false
		return nil
	})
}

// SetConflictRetried flips the one-shot automatic retry flag.
func (s *Store) SetConflictRetried(operation string) error {
	return s.mutateEntry(operation, func(e *Entry) error {
		e.ConflictRetried = true
		e.Status = StatusPending
		return nil
	})
}

// AddIssueLink attaches a tracker issue to the entry.
func (s *Store) AddIssueLink(operation, issueID string) error {
	return s.mutateEntry(operation, func(e *Entry) error {
		e.IssueID = issueID
		return nil
	})
}

// Remove deletes the operation's entry outright.
func (s *Store) Remove(operation string) error {
	return s.update(func(q *Queue) error {
		kept := q.Entries[:0]
		found := false
		for _, e := range q.Entries {
			if e.Operation == operation {
				found = true
				continue
			}
			kept = append(kept, e)
		}
		if !found {
			return fmt.Errorf("%w: %s", ErrNoEntry, operation)
		}
		q.Entries = kept
		return nil
	})
}

// FindNextPending returns the pending entry minimizing
// (priority, enqueued_at), or nil when none is pending.
func (s *Store) FindNextPending() (*Entry, error) {
	q, err := s.Load()
	if err != nil {
		return nil, err
	}
	var best *Entry
	for i := range q.Entries {
		e := &q.Entries[i]
		if e.Status != StatusPending {
			continue
		}
		if best == nil || entryLess(e, best) {
			best = e
		}
	}
	if best == nil {
		return nil, nil
	}
	out := *best
	return &out, nil
}

// List returns entries in queue order, optionally filtered by status.
func (s *Store) List(status string) ([]Entry, error) {
	q, err := s.Load()
	if err != nil {
		return nil, err
	}
	entries := make([]Entry, 0, len(q.Entries))
	for _, e := range q.Entries {
		if status == "" || e.Status == status {
			entries = append(entries, e)
		}
	}
	sort.SliceStable(entries, func(i, j int) bool {
		return entryLess(&entries[i], &entries[j])
	})
	return entries, nil
}

// Pending returns all pending entries in queue order.
func (s *Store) Pending() ([]Entry, error) {
	return s.List(StatusPending)
}

// Find returns the entry for the operation, or ErrNoEntry.
func (s *Store) Find(operation string) (*Entry, error) {
	q, err := s.Load()
	if err != nil {
		return nil, err
	}
	if e := findEntry(q, operation); e != nil {
		out := *e
		return &out, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrNoEntry, operation)
}

func (s *Store) mutateEntry(operation string, fn func(e *Entry) error) error {
	return s.update(func(q *Queue) error {
		e := findEntry(q, operation)
		if e == nil {
			return fmt.Errorf("%w: %s", ErrNoEntry, operation)
		}
		if err := fn(e); err != nil {
			return err
		}
		e.UpdatedAt = time.Now().UTC().Format(time.RFC3339)
		return nil
	})
}

func findEntry(q *Queue, operation string) *Entry {
	for i := range q.Entries {
		if q.Entries[i].Operation == operation {
			return &q.Entries[i]
		}
	}
	return nil
}

func entryLess(a, b *Entry) bool {
	if a.Priority != b.Priority {
		return a.Priority < b.Priority
	}
	return a.EnqueuedAt < b.EnqueuedAt
}
