package op

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/v0-dev/v0/internal/schema"
	"github.com/v0-dev/v0/internal/store"
)

// ErrExists indicates an operation with that name already exists.
var ErrExists = errors.New("operation already exists")

// ErrEpicImmutable indicates an attempt to change an operation's epic.
var ErrEpicImmutable = errors.New("epic_id is immutable once set")

// Store reads and writes operation state documents under
// <build-root>/operations/<name>/state.json. Every read migrates the
// document to the current schema version first.
type Store struct {
	root     string // operations directory
	identity string // lock-file identity for this process
}

// NewStore creates an operation store rooted at the operations directory.
func NewStore(operationsDir, identity string) *Store {
	return &Store{root: operationsDir, identity: identity}
}

// Dir returns the directory for one operation.
func (s *Store) Dir(name string) string {
	return filepath.Join(s.root, name)
}

// PathFor returns the state document path for an operation.
func (s *Store) PathFor(name string) string {
	return filepath.Join(s.root, name, "state.json")
}

// doc returns the store.Doc handle for an operation.
func (s *Store) doc(name string) *store.Doc {
	return store.NewDoc(s.PathFor(name), s.identity)
}

// Exists reports whether the operation's state document exists.
func (s *Store) Exists(name string) bool {
	return s.doc(name).Exists()
}

// Create writes a fresh state document in phase init. Fails with
// ErrExists when the operation already exists.
func (s *Store) Create(name string, kind Kind, mergeQueued bool) (*Operation, error) {
	if !ValidKind(kind) {
		return nil, fmt.Errorf("invalid kind %q", kind)
	}
	if s.Exists(name) {
		return nil, fmt.Errorf("%w: %s", ErrExists, name)
	}

	now := time.Now().UTC()
	o := &Operation{
		Name:          name,
		Kind:          kind,
		Phase:         PhaseInit,
		MergeQueued:   mergeQueued,
		CreatedAt:     &now,
		UpdatedAt:     &now,
		SchemaVersion: schema.CurrentVersion,
	}
	if err := s.doc(name).Replace(o); err != nil {
		return nil, fmt.Errorf("create operation %s: %w", name, err)
	}
	return o, nil
}

// Get reads an operation, migrating its document if it is behind the
// current schema version.
func (s *Store) Get(name string) (*Operation, error) {
	doc := s.doc(name)
	migrated, err := schema.Migrate(doc)
	if err != nil {
		return nil, err
	}
	if migrated {
		s.AppendEvent(name, "schema:migrated", fmt.Sprintf("to v%d", schema.CurrentVersion))
	}

	var o Operation
	if err := doc.Read(&o); err != nil {
		return nil, err
	}
	return &o, nil
}

// ReadField returns one top-level field of the raw document.
func (s *Store) ReadField(name, field string) (any, error) {
	return s.doc(name).ReadField(field)
}

// UpdateFields merges fields into the document under its lock and stamps
// updated_at. A nil value deletes the field. Phase changes must go through
// the transition engine, never through this method. The epic_id, once set,
// may only be re-set to the same value.
func (s *Store) UpdateFields(name string, fields map[string]any) error {
	return s.doc(name).Update(func(m map[string]any) error {
		if v, ok := fields["epic_id"]; ok {
			if cur, _ := m["epic_id"].(string); cur != "" {
				if next, ok := v.(string); !ok || next != cur {
					return fmt.Errorf("%w: %s already has epic %s", ErrEpicImmutable, name, cur)
				}
			}
		}
		for k, v := range fields {
			if v == nil {
				delete(m, k)
			} else {
				m[k] = v
			}
		}
		m["updated_at"] = time.Now().UTC().Format(time.RFC3339)
		return nil
	})
}

// Update applies fn to the raw document map under its lock.
func (s *Store) Update(name string, fn func(m map[string]any) error) error {
	return s.doc(name).Update(func(m map[string]any) error {
		if err := fn(m); err != nil {
			return err
		}
		m["updated_at"] = time.Now().UTC().Format(time.RFC3339)
		return nil
	})
}

// List returns all operations, sorted by name.
func (s *Store) List() ([]*Operation, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("list operations: %w", err)
	}

	var ops []*Operation
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		o, err := s.Get(e.Name())
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				continue
			}
			return nil, err
		}
		ops = append(ops, o)
	}
	sort.Slice(ops, func(i, j int) bool { return ops[i].Name < ops[j].Name })
	return ops, nil
}

// Delete removes a cancelled operation's directory. Only cancelled
// operations may be pruned; everything else stays for audit.
func (s *Store) Delete(name string) error {
	o, err := s.Get(name)
	if err != nil {
		return err
	}
	if o.Phase != PhaseCancelled {
		return fmt.Errorf("cannot delete operation %s in phase %s", name, o.Phase)
	}
	return os.RemoveAll(s.Dir(name))
}
