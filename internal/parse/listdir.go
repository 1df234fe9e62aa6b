package parse

import (
	"sort"
	"strings"

	"github.com/csnewman/exoinstall/internal/xerr"
)

// ListDirRecursive interprets the output of `ls -R <root> | cat`: lines
// ending in ":" open a directory section, and the non-empty
// lines that follow (until the next section) are that directory's entries.
// Directories are named both as section headers and as entries of their
// parent, so the directory-path set is subtracted from the entry set to
// leave only regular files. Returned paths are device-relative to root and
// sorted.
func ListDirRecursive(output, root string) ([]string, error) {
	root = strings.TrimSuffix(root, "/")

	dirs := map[string]bool{}
	entries := map[string]bool{}

	var currentDir string

	haveDir := false

	for _, raw := range strings.Split(output, "\n") {
		line := strings.TrimRight(raw, "\r")
		if line == "" {
			continue
		}

		if strings.HasSuffix(line, ":") {
			abs := strings.TrimSuffix(line, ":")
			rel := relativize(root, abs)
			currentDir = rel
			haveDir = true

			if rel != "" {
				dirs[rel] = true
				entries[rel] = true
			}

			continue
		}

		if !haveDir {
			return nil, xerr.Errorf(xerr.Malformed, "ls -R output has an entry before any directory header: %q", line)
		}

		entries[joinRel(currentDir, line)] = true
	}

	var files []string

	for p := range entries {
		if dirs[p] {
			continue
		}

		files = append(files, p)
	}

	sort.Strings(files)

	return files, nil
}

func relativize(root, abs string) string {
	rel := strings.TrimPrefix(abs, root)
	rel = strings.TrimPrefix(rel, "/")

	return rel
}

func joinRel(dir, name string) string {
	if dir == "" {
		return name
	}

	return dir + "/" + name
}
