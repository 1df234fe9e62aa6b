package adbshell

import (
	"context"
	"fmt"
	"path"

	"github.com/csnewman/exoinstall/internal/xerr"
)

// rmFilesMargin is the same fudge factor RealExopackageDevice.java's
// rmFiles reserves on top of its command prefix length, covering the
// space separators joinSpace inserts between filenames — Chunk's budget
// only sums token lengths, not the separators between them.
const rmFilesMargin = 100

// rmFilesOverhead computes the length of the constant parts of the rm
// command built below (the "cd '<dir>' && rm -f " prefix and status
// sentinel) for this particular dir, plus rmFilesMargin, reserved out of
// MaxCommandSize before chunking filenames. Filenames are already quoted
// before being measured, so their surrounding quotes count against the
// budget naturally. Mirrors ExopackageInstaller.java's rmFiles, which
// sizes its budget off commandPrefix.length() (the real dirPath) rather
// than a fixed constant, since a longer dir eats directly into the
// filename budget.
func rmFilesOverhead(dir string) int {
	prefix := fmt.Sprintf("cd '%s' && rm -f ", dir)

	return len(prefix) + len(statusSentinel) + rmFilesMargin
}

// RmFiles deletes filenames (all direct children of dir) in as few shell
// invocations as MaxCommandSize allows (S5: 500 unwanted
// files must not overflow a single command).
func (t *Transport) RmFiles(ctx context.Context, dir string, filenames []string) error {
	if len(filenames) == 0 {
		return nil
	}

	quoted := make([]string, len(filenames))
	for i, f := range filenames {
		quoted[i] = "'" + f + "'"
	}

	budget := MaxCommandSize - rmFilesOverhead(dir)
	if budget < 1 {
		budget = 1
	}

	for _, chunk := range Chunk(quoted, budget) {
		cmd := fmt.Sprintf("cd '%s' && rm -f %s%s", dir, joinSpace(chunk), statusSentinel)

		if _, err := t.Execute(ctx, cmd); err != nil {
			return xerr.Errorf(xerr.DeviceProtocol, "rm -f in %s: %w", dir, err)
		}
	}

	return nil
}

func joinSpace(parts []string) string {
	out := ""

	for i, p := range parts {
		if i > 0 {
			out += " "
		}

		out += p
	}

	return out
}

// MkDirP creates dir and any missing parents via the agent's mkdir-p verb,
// using umask 022 so pushed files inherit predictable permissions.
func (t *Transport) MkDirP(ctx context.Context, dir string) error {
	cmd := fmt.Sprintf("umask 022 && %s mkdir-p '%s'%s", t.agentPath, dir, statusSentinel)

	if _, err := t.Execute(ctx, cmd); err != nil {
		return xerr.Errorf(xerr.DeviceProtocol, "mkdir-p %s: %w", dir, err)
	}

	return nil
}

// MkDirAllParents creates the set of distinct parent directories implied by
// targetPaths (device-relative-or-absolute file paths), deduplicated, in
// one MkDirP call per directory — directory creation happens-before file
// push.
func (t *Transport) MkDirAllParents(ctx context.Context, targetPaths []string) error {
	seen := make(map[string]bool)

	for _, p := range targetPaths {
		dir := path.Dir(p)
		if seen[dir] {
			continue
		}

		seen[dir] = true

		if err := t.MkDirP(ctx, dir); err != nil {
			return err
		}
	}

	return nil
}
