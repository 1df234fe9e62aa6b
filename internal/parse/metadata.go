package parse

import (
	"strings"

	"github.com/csnewman/exoinstall/internal/xerr"
)

// ManifestEntry is one `<name> <hash>` line of a host-side exo metadata
// file.
type ManifestEntry struct {
	Name string
	Hash string
}

// ParseManifestEntries parses a two-column metadata file, preserving order
// and duplicates. Lines beginning with "." are comments and are skipped; a
// non-comment line with fewer than two space-separated tokens is a
// malformed-input error. Tokens past the second are ignored, per the
// "<name> <hash>[ <ignored>...]" line shape. Split on a single space
// exactly like ExopackageInstaller.java's Splitter.on(' '), rather than
// collapsing runs of whitespace: a doubled space yields an empty token, so
// "name  hash" parses with an empty Hash and no error.
func ParseManifestEntries(text string) ([]ManifestEntry, error) {
	var entries []ManifestEntry

	for _, line := range strings.Split(text, "\n") {
		if strings.TrimRight(line, "\r") == "" {
			continue
		}

		if strings.HasPrefix(line, ".") {
			continue
		}

		fields := strings.Split(line, " ")
		if len(fields) < 2 {
			return nil, xerr.Errorf(xerr.Malformed, "metadata line has fewer than two tokens: %q", line)
		}

		entries = append(entries, ManifestEntry{Name: fields[0], Hash: fields[1]})
	}

	return entries, nil
}

// SerializeManifestEntries is the inverse of ParseManifestEntries for
// well-formed entries (no name/hash containing whitespace or a leading dot).
func SerializeManifestEntries(entries []ManifestEntry) string {
	var b strings.Builder

	for _, e := range entries {
		b.WriteString(e.Name)
		b.WriteByte(' ')
		b.WriteString(e.Hash)
		b.WriteByte('\n')
	}

	return b.String()
}

// ResolveBase resolves a metadata file's first token (typically a filename
// relative to the metadata file) to a caller-defined path.
type ResolveBase interface {
	Resolve(name string) string
}

// ResolveBaseFunc adapts a plain function to ResolveBase.
type ResolveBaseFunc func(name string) string

// Resolve implements ResolveBase.
func (f ResolveBaseFunc) Resolve(name string) string { return f(name) }

// ParseExopackageInfoMetadata reads a two-column metadata file and returns
// a hash -> resolved-paths multimap, built on top of
// ParseManifestEntries.
func ParseExopackageInfoMetadata(text string, base ResolveBase) (map[string][]string, error) {
	entries, err := ParseManifestEntries(text)
	if err != nil {
		return nil, err
	}

	result := make(map[string][]string, len(entries))

	for _, e := range entries {
		result[e.Hash] = append(result[e.Hash], base.Resolve(e.Name))
	}

	return result, nil
}
