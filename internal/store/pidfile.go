package store

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// ErrAlreadyRunning indicates another live process holds the PID file.
var ErrAlreadyRunning = errors.New("already running")

// PIDFile enforces a process singleton. Acquire fails while the recorded
// process is alive; a dead holder's file is replaced.
type PIDFile struct {
	path string
}

// NewPIDFile creates a handle for the PID file at path.
func NewPIDFile(path string) *PIDFile {
	return &PIDFile{path: path}
}

// Path returns the PID file location.
func (p *PIDFile) Path() string {
	return p.path
}

// Read returns the recorded pid, or 0 when the file is absent or
// unparseable.
func (p *PIDFile) Read() int {
	data, err := os.ReadFile(p.path)
	if err != nil {
		return 0
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0
	}
	return pid
}

// Running returns the live holder's pid, or 0.
func (p *PIDFile) Running() int {
	pid := p.Read()
	if pid > 0 && pidAlive(pid) {
		return pid
	}
	return 0
}

// Acquire records the current process. Fails with ErrAlreadyRunning when
// a live holder exists; a stale file is overwritten.
func (p *PIDFile) Acquire() error {
	if pid := p.Running(); pid > 0 {
		return fmt.Errorf("%w: pid %d", ErrAlreadyRunning, pid)
	}
	if err := os.MkdirAll(filepath.Dir(p.path), 0755); err != nil {
		return fmt.Errorf("create dir for %s: %w", p.path, err)
	}
	data := []byte(strconv.Itoa(os.Getpid()) + "\n")
	if err := os.WriteFile(p.path, data, 0644); err != nil {
		return fmt.Errorf("write %s: %w", p.path, err)
	}
	return nil
}

// Release removes the PID file if this process holds it.
func (p *PIDFile) Release() {
	if p.Read() == os.Getpid() {
		os.Remove(p.path)
	}
}

// Reconcile removes a stale PID file and reports what it found: the live
// pid if one holds the file, and whether a stale file was cleaned up.
func (p *PIDFile) Reconcile() (pid int, cleaned bool) {
	pid = p.Read()
	if pid == 0 {
		return 0, false
	}
	if pidAlive(pid) {
		return pid, false
	}
	os.Remove(p.path)
	return 0, true
}
