// Package pkgname validates Android package names and derives the
// content-addressed staging root each installed package gets on device
// (package identity and staging root derivation).
package pkgname

import (
	"path"
	"regexp"

	"github.com/csnewman/exoinstall/internal/xerr"
)

const stagingRootBase = "/data/local/tmp/exopackage"

var segment = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9_]*$`)

// Validate reports a precondition error unless name is a conventional
// reverse-DNS package name: dot-separated segments, each starting with a
// letter and otherwise letters/digits/underscores, at least two segments.
func Validate(name string) error {
	if name == "" {
		return xerr.Errorf(xerr.Precondition, "package name is empty")
	}

	segments := splitDots(name)
	if len(segments) < 2 {
		return xerr.Errorf(xerr.Precondition, "package name %q must have at least two dot-separated segments", name)
	}

	for _, s := range segments {
		if !segment.MatchString(s) {
			return xerr.Errorf(xerr.Precondition, "package name %q has invalid segment %q", name, s)
		}
	}

	return nil
}

func splitDots(name string) []string {
	var segments []string

	start := 0

	for i := 0; i < len(name); i++ {
		if name[i] == '.' {
			segments = append(segments, name[start:i])
			start = i + 1
		}
	}

	segments = append(segments, name[start:])

	return segments
}

// StagingRoot returns the fixed absolute staging directory for name.
// Callers must Validate name first; StagingRoot does not re-validate.
func StagingRoot(name string) string {
	return path.Join(stagingRootBase, name)
}
