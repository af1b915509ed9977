package store

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"
)

// Lock is an advisory file lock. The lock file records the holder's
// identity and pid so that other processes can detect a stale holder and
// break the lock. Locks are per-document, never global.
type Lock struct {
	path     string
	identity string
	held     bool
}

// LockConfig controls acquisition retries.
type LockConfig struct {
	// MaxRetries is the number of acquisition attempts before giving up.
	MaxRetries int
	// BaseDelay is the initial backoff delay, doubled per attempt.
	BaseDelay time.Duration
	// MaxDelay caps the backoff delay.
	MaxDelay time.Duration
}

// DefaultLockConfig returns the standard retry budget.
func DefaultLockConfig() LockConfig {
	return LockConfig{
		MaxRetries: 10,
		BaseDelay:  50 * time.Millisecond,
		MaxDelay:   2 * time.Second,
	}
}

// NewLock creates a lock for the given lock file path. The identity string
// names the acquiring component (e.g. "mergeq-daemon").
func NewLock(path, identity string) *Lock {
	return &Lock{path: path, identity: identity}
}

// Acquire takes the lock, retrying with exponential backoff. If the
// recorded holder process is no longer alive, the lock is broken and
// retaken. Returns ErrLockContention when the retry budget is exhausted.
func (l *Lock) Acquire(cfg LockConfig) error {
	delay := cfg.BaseDelay
	for attempt := 0; attempt <= cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			time.Sleep(delay)
			delay *= 2
			if delay > cfg.MaxDelay {
				delay = cfg.MaxDelay
			}
		}

		err := l.tryAcquire()
		if err == nil {
			l.held = true
			return nil
		}
		if !errors.Is(err, os.ErrExist) {
			// Not contention: the directory is unwritable or gone.
			return fmt.Errorf("lock %s: %w", l.path, err)
		}

		// Stale-holder detection: break the lock if the recorded pid is
		// not live.
		if pid, ok := l.holderPid(); ok && !pidAlive(pid) {
			_ = os.Remove(l.path)
			if err := l.tryAcquire(); err == nil {
				l.held = true
				return nil
			}
		}
	}
	return fmt.Errorf("%w: %s", ErrLockContention, l.path)
}

// Release drops the lock. Safe to call on all exit paths; releasing a lock
// that is not held is a no-op.
func (l *Lock) Release() {
	if !l.held {
		return
	}
	_ = os.Remove(l.path)
	l.held = false
}

// tryAcquire creates the lock file exclusively with the holder record.
// The document's directory is created first so that the first write to a
// new document can take its lock.
func (l *Lock) tryAcquire() error {
	if err := os.MkdirAll(filepath.Dir(l.path), 0755); err != nil {
		return err
	}
	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}
	_, werr := fmt.Fprintf(f, "%s (pid %d)\n", l.identity, os.Getpid())
	cerr := f.Close()
	if werr != nil || cerr != nil {
		_ = os.Remove(l.path)
		if werr != nil {
			return werr
		}
		return cerr
	}
	return nil
}

// holderPid parses the pid from the lock file contents.
func (l *Lock) holderPid() (int, bool) {
	data, err := os.ReadFile(l.path)
	if err != nil {
		return 0, false
	}
	s := strings.TrimSpace(string(data))
	open := strings.LastIndex(s, "(pid ")
	if open < 0 || !strings.HasSuffix(s, ")") {
		return 0, false
	}
	pid, err := strconv.Atoi(s[open+5 : len(s)-1])
	if err != nil {
		return 0, false
	}
	return pid, true
}

// pidAlive reports whether the process exists. Signal 0 probes without
// delivering a signal; EPERM still means the process exists.
func pidAlive(pid int) bool {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	err = proc.Signal(syscall.Signal(0))
	return err == nil || err == syscall.EPERM
}
