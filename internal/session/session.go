// Package session manages agent runs as recorded PTY processes. Each
// session has a record file under <build-root>/sessions, a working tree,
// and a captured log. Liveness is judged by the recorded pid, so any
// process can list or kill sessions started by another.
package session

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/creack/pty"
	"github.com/google/uuid"
)

// ErrNotFound indicates no record exists for the session name.
var ErrNotFound = errors.New("session not found")

// Record is the persisted description of one session.
type Record struct {
	Name      string    `json:"name"`
	Operation string    `json:"operation,omitempty"`
	PID       int       `json:"pid"`
	Dir       string    `json:"dir"`
	Log       string    `json:"log"`
	StartedAt time.Time `json:"started_at"`
}

// Spec describes a session to start.
type Spec struct {
	// Name is the session name; a uuid-suffixed name is generated from
	// Operation when empty.
	Name      string
	Operation string
	// Dir is the working tree the agent runs in.
	Dir string
	// Command is the agent argv.
	Command []string
	// Env entries are appended to the inherited environment.
	Env []string
	// Prompt is fed to the agent on stdin.
	Prompt string
	// Log is the capture path; defaults to <dir>/session.log.
	Log string
}

// Manager starts, lists, and kills sessions recorded under one directory.
type Manager struct {
	root string
}

// NewManager creates a manager over <build-root>/sessions.
func NewManager(root string) *Manager {
	return &Manager{root: root}
}

func (m *Manager) recordPath(name string) string {
	return filepath.Join(m.root, name+".json")
}

// Start launches the agent on a PTY and records the session. The PTY
// gives the agent a terminal for line buffering; stdin stays a pipe so
// the prompt ends with a proper EOF. Start returns once the process is
// running; a reaper goroutine drains the PTY into the log and removes
// the record when the process exits.
func (m *Manager) Start(spec Spec) (*Record, error) {
	if len(spec.Command) == 0 {
		return nil, errors.New("session: empty command")
	}
	name := spec.Name
	if name == "" {
		name = spec.Operation + "-" + uuid.New().String()[:8]
	}
	logPath := spec.Log
	if logPath == "" {
		logPath = filepath.Join(spec.Dir, "session.log")
	}

	logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("open session log: %w", err)
	}

	ptmx, pts, err := pty.Open()
	if err != nil {
		logFile.Close()
		return nil, fmt.Errorf("open pty: %w", err)
	}

	cmd := exec.Command(spec.Command[0], spec.Command[1:]...)
	cmd.Dir = spec.Dir
	cmd.Env = append(os.Environ(), spec.Env...)
	cmd.Stdin = strings.NewReader(spec.Prompt)
	cmd.Stdout = pts
	cmd.Stderr = pts
	// Own process group so Kill reaches the agent's children too.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if err := cmd.Start(); err != nil {
		pts.Close()
		ptmx.Close()
		logFile.Close()
		return nil, fmt.Errorf("start agent: %w", err)
	}
	pts.Close() // child inherited the slave end

	rec := &Record{
		Name:      name,
		Operation: spec.Operation,
		PID:       cmd.Process.Pid,
		Dir:       spec.Dir,
		Log:       logPath,
		StartedAt: time.Now().UTC(),
	}
	if err := m.writeRecord(rec); err != nil {
		ptmx.Close()
		logFile.Close()
		cmd.Process.Kill()
		return nil, err
	}

	go func() {
		defer logFile.Close()
		defer ptmx.Close()
		// EIO is the normal PTY read error once the child exits.
		io.Copy(logFile, ptmx)
		cmd.Wait()
		os.Remove(m.recordPath(name))
	}()

	return rec, nil
}

func (m *Manager) writeRecord(rec *Record) error {
	if err := os.MkdirAll(m.root, 0755); err != nil {
		return fmt.Errorf("create sessions dir: %w", err)
	}
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(m.recordPath(rec.Name), append(data, '\n'), 0644)
}

// Get returns the record for name if its process is still alive. Dead
// records are pruned and reported as ErrNotFound.
func (m *Manager) Get(name string) (*Record, error) {
	rec, err := m.readRecord(m.recordPath(name))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
		}
		return nil, err
	}
	if !pidAlive(rec.PID) {
		os.Remove(m.recordPath(name))
		return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	return rec, nil
}

// Exists reports whether a live session with that name exists.
func (m *Manager) Exists(name string) bool {
	_, err := m.Get(name)
	return err == nil
}

// List returns all live sessions, pruning records whose process died
// without cleanup (machine crash, SIGKILL).
func (m *Manager) List() ([]*Record, error) {
	entries, err := os.ReadDir(m.root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("list sessions: %w", err)
	}

	var recs []*Record
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".json" {
			continue
		}
		path := filepath.Join(m.root, e.Name())
		rec, err := m.readRecord(path)
		if err != nil {
			continue
		}
		if !pidAlive(rec.PID) {
			os.Remove(path)
			continue
		}
		recs = append(recs, rec)
	}
	return recs, nil
}

// ActiveFor reports whether any live session belongs to the operation.
func (m *Manager) ActiveFor(operation string) (bool, error) {
	recs, err := m.List()
	if err != nil {
		return false, err
	}
	for _, r := range recs {
		if r.Operation == operation {
			return true, nil
		}
	}
	return false, nil
}

// Kill sends SIGTERM to the session's process group and removes the
// record.
func (m *Manager) Kill(name string) error {
	rec, err := m.Get(name)
	if err != nil {
		return err
	}
	// Negative pid addresses the whole group.
	if err := syscall.Kill(-rec.PID, syscall.SIGTERM); err != nil {
		if err := syscall.Kill(rec.PID, syscall.SIGTERM); err != nil {
			return fmt.Errorf("kill session %s: %w", name, err)
		}
	}
	os.Remove(m.recordPath(name))
	return nil
}

// Wait blocks until the session's process exits or the timeout elapses.
// Returns true if the session ended within the timeout.
func (m *Manager) Wait(name string, timeout, poll time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if !m.Exists(name) {
			return true
		}
		time.Sleep(poll)
	}
	return !m.Exists(name)
}

func (m *Manager) readRecord(path string) (*Record, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("corrupt session record %s: %v", path, err)
	}
	return &rec, nil
}

// pidAlive reports whether the process exists. EPERM means it exists but
// belongs to another user.
func pidAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	err = proc.Signal(syscall.Signal(0))
	return err == nil || errors.Is(err, syscall.EPERM)
}
