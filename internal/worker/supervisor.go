package worker

import (
	"context"
	"errors"
	"fmt"
	"log"
	"path/filepath"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/v0-dev/v0/internal/git"
	"github.com/v0-dev/v0/internal/session"
	"github.com/v0-dev/v0/internal/store"
	"github.com/v0-dev/v0/internal/tracker"
)

// ErrNoProgress stops the supervisor after two consecutive crashes with
// an unchanged work list.
var ErrNoProgress = errors.New("no progress after repeated crashes")

// SessionRunner is the session surface the supervisor needs.
type SessionRunner interface {
	Start(spec session.Spec) (*session.Record, error)
	Exists(name string) bool
	Kill(name string) error
}

// WorkLister lists tracker issues by label and status.
type WorkLister interface {
	List(ctx context.Context, label, status string) ([]tracker.Issue, error)
}

// Notifier records out-of-band notifications.
type Notifier interface {
	Notify(title, message string)
}

// SupervisorConfig wires a Supervisor.
type SupervisorConfig struct {
	// Kind names the worker (one supervisor per kind per project).
	Kind string
	// Operation is the plan label whose issues are this worker's work.
	Operation string
	// Tree is the agent working directory.
	Tree string
	// BuildRoot hosts the supervisor PID file.
	BuildRoot string
	// Command is the agent argv, launched through the run-agent wrapper.
	Command []string
	// TrackerCmd is the issue tracker binary for the exit scripts.
	TrackerCmd string

	Remote       string
	SharedBranch string

	PollInterval time.Duration
	BackoffBase  time.Duration
	BackoffCap   time.Duration
	// IdleTicks kills a session whose plan file stayed unchanged that
	// many polls in a row. Zero disables the idle watch.
	IdleTicks int
	// PlanFile is the tracked artifact for the idle watch.
	PlanFile string
	// Held reports whether the operation is held. A held operation gets
	// no new sessions until the hold clears. Nil means never held.
	Held func() (bool, error)
}

// Supervisor keeps one agent working: it relaunches dead sessions while
// open work remains and gives up only on repeated no-progress crashes.
type Supervisor struct {
	cfg      SupervisorConfig
	sessions SessionRunner
	git      git.Runner
	issues   WorkLister
	notify   Notifier
	pidFile  *store.PIDFile
	logger   *log.Logger

	current      string // live session name, "" when none
	launched     bool   // a session ran since the last crash evaluation
	lastSnapshot string // work list fingerprint at last launch
	crashCount   int
	errCount     int
	idleCount    int

	planChanged atomic.Int64
}

// NewSupervisor creates a supervisor. g must operate on cfg.Tree.
func NewSupervisor(cfg SupervisorConfig, sessions SessionRunner, g git.Runner, issues WorkLister, notify Notifier, logger *log.Logger) *Supervisor {
	if logger == nil {
		logger = log.Default()
	}
	return &Supervisor{
		cfg:      cfg,
		sessions: sessions,
		git:      g,
		issues:   issues,
		notify:   notify,
		pidFile:  store.NewPIDFile(filepath.Join(cfg.BuildRoot, fmt.Sprintf("worker-%s.pid", cfg.Kind))),
		logger:   logger,
	}
}

// Run polls until ctx is cancelled, all work is done, or progress stops.
func (s *Supervisor) Run(ctx context.Context) error {
	if err := s.pidFile.Acquire(); err != nil {
		return fmt.Errorf("worker %s: %w", s.cfg.Kind, err)
	}
	defer s.pidFile.Release()

	if err := InstallContract(s.cfg.Tree, s.cfg.TrackerCmd); err != nil {
		return err
	}

	if s.cfg.IdleTicks > 0 && s.cfg.PlanFile != "" {
		stop, err := s.watchPlan()
		if err != nil {
			s.logger.Printf("[worker:%s] plan watch unavailable: %v", s.cfg.Kind, err)
		} else {
			defer stop()
		}
	}

	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	for {
		done, err := s.tick(ctx)
		if err != nil || done {
			return err
		}
		select {
		case <-ctx.Done():
			s.logger.Printf("[worker:%s] stop requested", s.cfg.Kind)
			return nil
		case <-ticker.C:
		}
	}
}

// tick runs one supervision step. Returns done=true when no open work
// remains.
func (s *Supervisor) tick(ctx context.Context) (bool, error) {
	if s.current != "" && s.sessions.Exists(s.current) {
		s.checkIdle()
		return false, nil
	}

	// The session is gone. Judge the exit before anything else.
	exitedClean := DoneFlagSet(s.cfg.Tree)
	hadSession := s.launched
	s.current = ""
	s.launched = false

	work, err := s.readyWork(ctx)
	if err != nil {
		s.logger.Printf("[worker:%s] work list: %v", s.cfg.Kind, err)
		return false, nil
	}

	if hadSession && !exitedClean {
		if s.snapshot(work) == s.lastSnapshot {
			s.crashCount++
			s.logger.Printf("[worker:%s] crash %d with unchanged work list", s.cfg.Kind, s.crashCount)
			if s.crashCount == 1 {
				s.notify.Notify("agent crashed", fmt.Sprintf("%s worker crashed without progress, relaunching", s.cfg.Kind))
			}
			if s.crashCount >= 2 {
				s.notify.Notify("no progress", fmt.Sprintf("%s worker stopped after %d no-progress crashes", s.cfg.Kind, s.crashCount))
				return false, ErrNoProgress
			}
		} else {
			s.crashCount = 0
		}
	}

	if len(work) == 0 {
		if exitedClean {
			s.logger.Printf("[worker:%s] work complete", s.cfg.Kind)
			return true, nil
		}
		return false, nil
	}

	if s.cfg.Held != nil {
		held, err := s.cfg.Held()
		if err != nil {
			s.logger.Printf("[worker:%s] hold check: %v", s.cfg.Kind, err)
			return false, nil
		}
		if held {
			s.logger.Printf("[worker:%s] operation held, not relaunching", s.cfg.Kind)
			return false, nil
		}
	}

	if err := s.backoff(ctx); err != nil {
		return false, nil // cancelled during backoff
	}
	if err := s.relaunch(work); err != nil {
		s.logger.Printf("[worker:%s] relaunch: %v", s.cfg.Kind, err)
	}
	return false, nil
}

// readyWork returns open issues not handed off to a human.
func (s *Supervisor) readyWork(ctx context.Context) ([]tracker.Issue, error) {
	issues, err := s.issues.List(ctx, s.cfg.Operation, "")
	if err != nil {
		return nil, err
	}
	var work []tracker.Issue
	for _, i := range issues {
		if i.Status != tracker.StatusTodo && i.Status != tracker.StatusInProgress {
			continue
		}
		if i.Assignee == HumanAssignee {
			continue
		}
		work = append(work, i)
	}
	return work, nil
}

// snapshot fingerprints a work list for crash progress comparison.
func (s *Supervisor) snapshot(work []tracker.Issue) string {
	parts := make([]string, len(work))
	for i, w := range work {
		parts[i] = w.ID + ":" + w.Status
	}
	sort.Strings(parts)
	return strings.Join(parts, ",")
}

// backoff sleeps when the wrapper flagged an error exit, doubling per
// consecutive error up to the cap.
func (s *Supervisor) backoff(ctx context.Context) error {
	if !ErrorFlagSet(s.cfg.Tree) {
		s.errCount = 0
		return nil
	}
	s.errCount++
	delay := s.cfg.BackoffBase << (s.errCount - 1)
	if delay > s.cfg.BackoffCap || delay <= 0 {
		delay = s.cfg.BackoffCap
	}
	s.logger.Printf("[worker:%s] error flag set, backing off %s", s.cfg.Kind, delay)
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(delay):
		return nil
	}
}

// relaunch resets the tree to the remote shared branch and starts a new
// session.
func (s *Supervisor) relaunch(work []tracker.Issue) error {
	if err := s.git.Fetch(s.cfg.Remote, s.cfg.SharedBranch); err != nil {
		return fmt.Errorf("fetch before relaunch: %w", err)
	}
	if err := s.git.ResetHard(s.cfg.Remote + "/" + s.cfg.SharedBranch); err != nil {
		return fmt.Errorf("reset before relaunch: %w", err)
	}

	ClearFlags(s.cfg.Tree)
	env := []string{
		"V0_OP=" + s.cfg.Operation,
		"V0_PLAN_LABEL=" + s.cfg.Operation,
		"V0_WORKTREE=" + s.cfg.Tree,
		"V0_REMOTE=" + s.cfg.Remote,
		"V0_SHARED_BRANCH=" + s.cfg.SharedBranch,
	}
	if len(work) > 0 {
		env = append(env, "V0_ISSUE="+work[0].ID)
	}

	command := append([]string{filepath.Join(s.cfg.Tree, "run-agent")}, s.cfg.Command...)
	rec, err := s.sessions.Start(session.Spec{
		Operation: s.cfg.Operation,
		Dir:       s.cfg.Tree,
		Command:   command,
		Env:       env,
	})
	if err != nil {
		return err
	}
	s.current = rec.Name
	s.launched = true
	s.lastSnapshot = s.snapshot(work)
	s.idleCount = 0
	s.logger.Printf("[worker:%s] session %s started with %d open issue(s)", s.cfg.Kind, rec.Name, len(work))
	return nil
}

// checkIdle kills a session whose plan file stayed unchanged for the
// configured number of polls.
func (s *Supervisor) checkIdle() {
	if s.cfg.IdleTicks <= 0 || s.cfg.PlanFile == "" {
		return
	}
	if s.planChanged.Swap(0) > 0 {
		s.idleCount = 0
		return
	}
	s.idleCount++
	if s.idleCount < s.cfg.IdleTicks {
		return
	}
	s.logger.Printf("[worker:%s] idle-complete: plan unchanged for %d polls, killing session %s", s.cfg.Kind, s.idleCount, s.current)
	s.notify.Notify("idle complete", fmt.Sprintf("%s session killed after %d idle polls", s.cfg.Kind, s.idleCount))
	if err := s.sessions.Kill(s.current); err != nil {
		s.logger.Printf("[worker:%s] kill idle session: %v", s.cfg.Kind, err)
	}
	s.idleCount = 0
}

// watchPlan marks plan file changes through fsnotify. The watch covers
// the directory so the marker survives editors that replace the file.
func (s *Supervisor) watchPlan() (func(), error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := w.Add(filepath.Dir(s.cfg.PlanFile)); err != nil {
		w.Close()
		return nil, err
	}
	target := filepath.Clean(s.cfg.PlanFile)

	go func() {
		for {
			select {
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) == target {
					s.planChanged.Add(1)
				}
			case _, ok := <-w.Errors:
				if !ok {
					return
				}
			}
		}
	}()
	return func() { w.Close() }, nil
}
