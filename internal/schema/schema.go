// Package schema versions the operation state documents and migrates them
// on first access. The pattern mirrors an ordered migration table keyed by
// version: every reader compares the document's _schema_version (absent
// means 0) against CurrentVersion and applies the pending migrators inside
// a single atomic update.
package schema

import (
	"fmt"
	"time"

	"github.com/v0-dev/v0/internal/store"
)

// CurrentVersion is the schema version written by this build.
const CurrentVersion = 2

// VersionField and MigratedAtField are the bookkeeping keys on every
// operation document.
const (
	VersionField    = "_schema_version"
	MigratedAtField = "_migrated_at"
)

// Migrator upgrades a document in place from version-1 to version.
type Migrator func(m map[string]any) error

// migrations maps target version to its migrator, applied in order.
var migrations = map[int]Migrator{
	1: migrateV1,
	2: migrateV2,
}

// DocVersion returns the document's schema version. Absent or malformed
// versions read as 0.
func DocVersion(m map[string]any) int {
	v, ok := m[VersionField]
	if !ok {
		return 0
	}
	switch n := v.(type) {
	case float64:
		return int(n)
	case int:
		return n
	default:
		return 0
	}
}

// Migrate upgrades doc to CurrentVersion if it is behind. Returns true if
// a migration ran. Version never decreases: documents at or above
// CurrentVersion are left untouched.
func Migrate(doc *store.Doc) (bool, error) {
	var m map[string]any
	if err := doc.Read(&m); err != nil {
		return false, err
	}
	if DocVersion(m) >= CurrentVersion {
		return false, nil
	}

	err := doc.Update(func(m map[string]any) error {
		from := DocVersion(m)
		if from >= CurrentVersion {
			// Another writer migrated between the check and the lock.
			return nil
		}
		for v := from + 1; v <= CurrentVersion; v++ {
			migrate, ok := migrations[v]
			if !ok {
				return fmt.Errorf("no migrator for schema version %d", v)
			}
			if err := migrate(m); err != nil {
				return fmt.Errorf("migrate to v%d: %w", v, err)
			}
		}
		m[VersionField] = CurrentVersion
		m[MigratedAtField] = time.Now().UTC().Format(time.RFC3339)
		return nil
	})
	if err != nil {
		return false, err
	}
	return true, nil
}

// migrateV1 stamps pre-versioned documents. Version 0 documents predate
// the version field; their fields already match v1.
func migrateV1(m map[string]any) error {
	return nil
}

// migrateV2 removes the legacy safe flag. Its semantics are not
// recoverable, so the value is dropped without preservation.
func migrateV2(m map[string]any) error {
	delete(m, "safe")
	return nil
}
