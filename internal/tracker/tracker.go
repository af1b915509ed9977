// Package tracker provides the wk issue tracker client for v0. The
// tracker is an external tool; this client shells out to it and decodes
// its JSON output. All tracker failures are wrapped with the failing
// sub-call so callers can surface them distinctly.
package tracker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/v0-dev/v0/internal/exec"
)

// ErrTracker wraps all tracker call failures.
var ErrTracker = errors.New("tracker call failed")

// Issue statuses the core interprets.
const (
	StatusTodo       = "todo"
	StatusInProgress = "in_progress"
	StatusDone       = "done"
	StatusClosed     = "closed"
)

// Issue is a tracker ticket as the core sees it.
type Issue struct {
	ID        string   `json:"id"`
	Title     string   `json:"title"`
	Kind      string   `json:"kind"`
	Status    string   `json:"status"`
	Labels    []string `json:"labels"`
	Blockers  []string `json:"blockers"`
	Assignee  string   `json:"assignee"`
	Notes     []string `json:"notes"`
	PlanLabel string   `json:"plan_label"`
}

// Open reports whether the issue still needs work.
func (i *Issue) Open() bool {
	return i.Status != StatusDone && i.Status != StatusClosed
}

// DisplayName returns the plan label when present, else the id.
func (i *Issue) DisplayName() string {
	if i.PlanLabel != "" {
		return i.PlanLabel
	}
	return i.ID
}

// Client drives the wk CLI.
type Client struct {
	runner  exec.CommandRunner
	command string
	workDir string
}

// NewClient creates a tracker client. command is the wk binary name.
func NewClient(runner exec.CommandRunner, command, workDir string) *Client {
	return &Client{runner: runner, command: command, workDir: workDir}
}

// call runs a wk subcommand and decodes its JSON output into out. A nil
// out discards the output.
func (c *Client) call(ctx context.Context, out any, args ...string) error {
	data, err := c.runner.Run(ctx, c.workDir, c.command, args...)
	if err != nil {
		return fmt.Errorf("%w: wk %s: %v: %s", ErrTracker, strings.Join(args, " "), err, string(data))
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("%w: wk %s: decode: %v", ErrTracker, strings.Join(args, " "), err)
	}
	return nil
}

// Create files a ticket of the given kind (feature, bug, chore) with a
// label and returns its id.
func (c *Client) Create(ctx context.Context, kind, title, label string) (string, error) {
	var issue Issue
	err := c.call(ctx, &issue, "create", "--kind", kind, "--title", title, "--label", label, "--json")
	if err != nil {
		return "", err
	}
	return issue.ID, nil
}

// List returns tickets matching the label and status. Empty status lists
// all.
func (c *Client) List(ctx context.Context, label, status string) ([]Issue, error) {
	args := []string{"list", "--label", label, "--json"}
	if status != "" {
		args = append(args, "--status", status)
	}
	var issues []Issue
	if err := c.call(ctx, &issues, args...); err != nil {
		return nil, err
	}
	return issues, nil
}

// Show returns a single ticket with its blockers, labels, status, and
// notes.
func (c *Client) Show(ctx context.Context, id string) (*Issue, error) {
	var issue Issue
	if err := c.call(ctx, &issue, "show", id, "--json"); err != nil {
		return nil, err
	}
	return &issue, nil
}

// ShowBatch returns multiple tickets in one call, keyed by id. Missing
// ids are absent from the result, not an error.
func (c *Client) ShowBatch(ctx context.Context, ids []string) (map[string]*Issue, error) {
	if len(ids) == 0 {
		return map[string]*Issue{}, nil
	}
	args := append([]string{"show"}, ids...)
	args = append(args, "--json")
	var issues []Issue
	if err := c.call(ctx, &issues, args...); err != nil {
		return nil, err
	}
	out := make(map[string]*Issue, len(issues))
	for i := range issues {
		out[issues[i].ID] = &issues[i]
	}
	return out, nil
}

// BlockedBy returns issues that list id as a blocker.
func (c *Client) BlockedBy(ctx context.Context, id string) ([]Issue, error) {
	var issues []Issue
	if err := c.call(ctx, &issues, "list", "--blocked-by", id, "--json"); err != nil {
		return nil, err
	}
	return issues, nil
}

// Close marks a ticket done.
func (c *Client) Close(ctx context.Context, id string) error {
	return c.call(ctx, nil, "close", id)
}

// Reopen returns a closed ticket to todo.
func (c *Client) Reopen(ctx context.Context, id string) error {
	return c.call(ctx, nil, "reopen", id)
}

// UpdateStatus transitions a ticket's status.
func (c *Client) UpdateStatus(ctx context.Context, id, status string) error {
	return c.call(ctx, nil, "status", id, status)
}

// AddNote records a note on a ticket.
func (c *Client) AddNote(ctx context.Context, id, note string) error {
	return c.call(ctx, nil, "note", id, "--message", note)
}

// SetAssignee sets the ticket's assignee string. The core uses
// "worker:human" as the handoff sentinel.
func (c *Client) SetAssignee(ctx context.Context, id, assignee string) error {
	return c.call(ctx, nil, "assign", id, assignee)
}

// AddBlocker records that issue id is blocked by blockerID.
func (c *Client) AddBlocker(ctx context.Context, id, blockerID string) error {
	return c.call(ctx, nil, "block", id, "--by", blockerID)
}
