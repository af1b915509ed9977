// Package store provides the file-based concurrency substrate: JSON
// documents mutated under advisory locks with crash-safe atomic
// replacement. Readers see either the old or the new document, never a
// partial write. Every lock acquired here has a matching release on all
// exit paths; no other package acquires locks directly.
package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// Doc is a JSON document on disk, addressed by its path. The lock path is
// a sibling dotfile so a document and its lock always live in the same
// directory (rename stays atomic).
type Doc struct {
	path     string
	lock     *Lock
	lockCfg  LockConfig
	identity string
}

// NewDoc creates a handle for the document at path. identity names the
// caller in lock files.
func NewDoc(path, identity string) *Doc {
	lockPath := filepath.Join(filepath.Dir(path), "."+filepath.Base(path)+".lock")
	return &Doc{
		path:     path,
		lock:     NewLock(lockPath, identity),
		lockCfg:  DefaultLockConfig(),
		identity: identity,
	}
}

// SetLockConfig overrides the lock retry budget (used by tests and the
// daemon's tighter budgets).
func (d *Doc) SetLockConfig(cfg LockConfig) {
	d.lockCfg = cfg
}

// Path returns the document's on-disk path.
func (d *Doc) Path() string {
	return d.path
}

// Exists reports whether the document exists on disk.
func (d *Doc) Exists() bool {
	_, err := os.Stat(d.path)
	return err == nil
}

// Read unmarshals the document into out without taking the lock. Atomic
// replacement guarantees a consistent read. Returns ErrNotFound if the
// document does not exist and ErrCorrupt if it does not parse.
func (d *Doc) Read(out any) error {
	data, err := os.ReadFile(d.path)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%w: %s", ErrNotFound, d.path)
		}
		return fmt.Errorf("read %s: %w", d.path, err)
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrCorrupt, d.path, err)
	}
	return nil
}

// ReadRaw returns the raw document bytes.
func (d *Doc) ReadRaw() ([]byte, error) {
	data, err := os.ReadFile(d.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, d.path)
		}
		return nil, fmt.Errorf("read %s: %w", d.path, err)
	}
	return data, nil
}

// ReadField returns a single top-level field of the document, or nil if
// the field is absent.
func (d *Doc) ReadField(field string) (any, error) {
	var m map[string]any
	if err := d.Read(&m); err != nil {
		return nil, err
	}
	return m[field], nil
}

// UpdateFields merges the given field map into the document under the
// lock. A nil value deletes the field. The document is created if absent.
func (d *Doc) UpdateFields(fields map[string]any) error {
	return d.Update(func(m map[string]any) error {
		for k, v := range fields {
			if v == nil {
				delete(m, k)
			} else {
				m[k] = v
			}
		}
		return nil
	})
}

// Update applies fn to the decoded document under the lock and writes the
// result atomically. fn receives an empty map when the document does not
// exist yet. Returning an error from fn aborts without writing.
func (d *Doc) Update(fn func(m map[string]any) error) error {
	if err := d.lock.Acquire(d.lockCfg); err != nil {
		return err
	}
	defer d.lock.Release()

	m := make(map[string]any)
	data, err := os.ReadFile(d.path)
	switch {
	case err == nil:
		if err := json.Unmarshal(data, &m); err != nil {
			return fmt.Errorf("%w: %s: %v", ErrCorrupt, d.path, err)
		}
	case os.IsNotExist(err):
		// First write creates the document.
	default:
		return fmt.Errorf("read %s: %w", d.path, err)
	}

	if err := fn(m); err != nil {
		return err
	}
	return writeAtomic(d.path, m)
}

// Replace overwrites the whole document with v under the lock.
func (d *Doc) Replace(v any) error {
	if err := d.lock.Acquire(d.lockCfg); err != nil {
		return err
	}
	defer d.lock.Release()
	return writeAtomic(d.path, v)
}

// Delete removes the document and its lock file.
func (d *Doc) Delete() error {
	if err := d.lock.Acquire(d.lockCfg); err != nil {
		return err
	}
	defer d.lock.Release()
	if err := os.Remove(d.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove %s: %w", d.path, err)
	}
	return nil
}

// writeAtomic writes v as JSON to a sibling temp file, fsyncs, and renames
// over the target.
func writeAtomic(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal %s: %w", path, err)
	}
	data = append(data, '\n')

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create dir for %s: %w", path, err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".tmp-")
	if err != nil {
		return fmt.Errorf("create temp for %s: %w", path, err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write temp for %s: %w", path, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync temp for %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp for %s: %w", path, err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("rename temp over %s: %w", path, err)
	}
	return nil
}
