// Package unit defines the identity of a work unit: one segment CSV file.
//
// A unit's basename encodes its group key and segment discriminator as
// input_table_<group>_<segment>.csv. The basename is the unit's identity for
// the whole run: it must be unique across every group, and it is the only
// thing the done-deduplication and the completion validator compare.
package unit

import (
	"fmt"
	"path/filepath"
	"strings"
)

const (
	// FilePrefix is the shared basename prefix of every unit file.
	FilePrefix = "input_table_"

	// FileSuffix is the extension every unit file carries.
	FileSuffix = ".csv"
)

// IsUnitFile reports whether name is shaped like a unit basename.
// Dotted temp files from the cross-device move fallback are excluded.
func IsUnitFile(name string) bool {
	if strings.HasPrefix(name, ".") {
		return false
	}
	return strings.HasPrefix(name, FilePrefix) && strings.HasSuffix(name, FileSuffix) &&
		len(name) > len(FilePrefix)+len(FileSuffix)
}

// Unit is one claimable segment file, identified by basename.
type Unit struct {
	Basename string
}

// FromPath builds a Unit from any path to a unit file.
func FromPath(path string) Unit {
	return Unit{Basename: filepath.Base(path)}
}

// ID is the run-wide identifier: the basename with the shared prefix and
// extension stripped, i.e. "<group>_<segment>".
func (u Unit) ID() string {
	id := strings.TrimPrefix(u.Basename, FilePrefix)
	return strings.TrimSuffix(id, FileSuffix)
}

// Group returns the group key encoded in the basename. Units of the same
// group are handed to the external computation in a single invocation.
func (u Unit) Group() string {
	id := u.ID()
	if i := strings.Index(id, "_"); i >= 0 {
		return id[:i]
	}
	return id
}

// Segment returns the discriminator part of the identifier, or "" when the
// basename carries no segment part.
func (u Unit) Segment() string {
	id := u.ID()
	if i := strings.Index(id, "_"); i >= 0 {
		return id[i+1:]
	}
	return ""
}

// Basename builds the canonical basename for a group/segment pair.
func Basename(group, segment string) string {
	return fmt.Sprintf("%s%s_%s%s", FilePrefix, group, segment, FileSuffix)
}

// CheckCollisions returns an error naming the first duplicate basename in
// names. Basename uniqueness is the invariant the whole lifecycle rests on:
// a collision would let the done-deduplication silently drop live work, so
// it is rejected at unit-creation time.
func CheckCollisions(names []string) error {
	seen := make(map[string]struct{}, len(names))
	for _, n := range names {
		if _, dup := seen[n]; dup {
			return fmt.Errorf("duplicate unit basename %q", n)
		}
		seen[n] = struct{}{}
	}
	return nil
}
