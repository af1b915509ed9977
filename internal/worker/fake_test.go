package worker

import (
	"github.com/v0-dev/v0/internal/session"
)

// stubGit implements git.Runner for supervisor and hook tests; only the
// calls the worker package makes carry behavior.
type stubGit struct {
	status string
	calls  []string
}

func (g *stubGit) record(c string) { g.calls = append(g.calls, c) }

func (g *stubGit) Run(args ...string) (string, error)      { return "", nil }
func (g *stubGit) CurrentBranch() (string, error)          { return "dev", nil }
func (g *stubGit) CheckoutBranch(name string) error        { g.record("checkout:" + name); return nil }
func (g *stubGit) BranchExists(name string) (bool, error)  { return true, nil }
func (g *stubGit) RemoteBranchExists(remote, name string) (bool, error) {
	return true, nil
}
func (g *stubGit) DeleteBranch(name string) error                { return nil }
func (g *stubGit) DeleteRemoteBranch(remote, name string) error  { return nil }
func (g *stubGit) Fetch(remote string, refs ...string) error     { g.record("fetch"); return nil }
func (g *stubGit) Push(remote, branch string) error              { return nil }
func (g *stubGit) ResetHard(ref string) error                    { g.record("reset:" + ref); return nil }
func (g *stubGit) DiscardChanges() error                         { return nil }
func (g *stubGit) Status() (string, error)                       { return g.status, nil }
func (g *stubGit) HasChanges() (bool, error)                     { return g.status != "", nil }
func (g *stubGit) HasConflicts() (bool, error)                   { return false, nil }
func (g *stubGit) RevParse(ref string) (string, error)           { return "head", nil }
func (g *stubGit) IsAncestor(a, d string) (bool, error)          { return true, nil }
func (g *stubGit) MergeBase(r1, r2 string) (string, error)       { return "base", nil }
func (g *stubGit) MergeTreeConflicts(b, o, t string) (bool, error) { return false, nil }
func (g *stubGit) MergeFFOnly(branch string) error               { return nil }
func (g *stubGit) MergeNoFFMessage(branch, msg string) error     { return nil }
func (g *stubGit) MergeAbort() error                             { return nil }
func (g *stubGit) Rebase(base string) error                      { return nil }
func (g *stubGit) RebaseAbort() error                            { return nil }
func (g *stubGit) WorktreeAdd(path, branch string) error         { return nil }
func (g *stubGit) WorktreeRemove(path string) error              { return nil }
func (g *stubGit) WorktreePrune() error                          { return nil }

// stubSessions controls session liveness per test.
type stubSessions struct {
	started []session.Spec
	live    map[string]bool
	killed  []string
	nextID  int
}

func newStubSessions() *stubSessions {
	return &stubSessions{live: map[string]bool{}}
}

func (s *stubSessions) Start(spec session.Spec) (*session.Record, error) {
	s.nextID++
	name := spec.Operation + "-s" + string(rune('0'+s.nextID))
	s.started = append(s.started, spec)
	s.live[name] = true
	return &session.Record{Name: name, Operation: spec.Operation, PID: 1000 + s.nextID}, nil
}

func (s *stubSessions) Exists(name string) bool { return s.live[name] }

func (s *stubSessions) Kill(name string) error {
	s.killed = append(s.killed, name)
	delete(s.live, name)
	return nil
}

// die marks every live session dead, as a crashed agent would.
func (s *stubSessions) die() {
	for name := range s.live {
		delete(s.live, name)
	}
}

type stubNotify struct {
	titles []string
}

func (n *stubNotify) Notify(title, message string) {
	n.titles = append(n.titles, title)
}
