package syncengine

import (
	"context"
	"path"
	"sort"

	"github.com/csnewman/exoinstall/internal/devcap"
	"github.com/csnewman/exoinstall/internal/events"
	"github.com/csnewman/exoinstall/internal/pkgname"
)

// DryRunResult is the diff DryRun would apply, without touching the
// device, for callers that want a preview (e.g. a `--dry-run` CLI flag or
// a test assertion).
type DryRunResult struct {
	ToPush    []string
	ToDelete  []string
	Reinstall bool
}

// DryRun computes what Run would do to bring the device's present set in
// line with cfg's manifest, and whether the package would be reinstalled,
// without pushing, deleting, or installing anything.
func DryRun(ctx context.Context, caps devcap.Capabilities, cfg Config) (DryRunResult, error) {
	if err := pkgname.Validate(cfg.Package); err != nil {
		return DryRunResult{}, err
	}

	root := pkgname.StagingRoot(cfg.Package)

	var result DryRunResult

	if cfg.Manifest.Active() {
		present, err := caps.ListDir(ctx, root)
		if err != nil {
			return DryRunResult{}, err
		}

		plan, err := buildPlan(ctx, caps, cfg)
		if err != nil {
			return DryRunResult{}, err
		}

		presentSet := make(map[string]bool, len(present))
		for _, p := range present {
			presentSet[p] = true
		}

		wanted := make(map[string]bool, len(plan.FilesToInstall)+len(plan.MetadataToInstall))
		for k := range plan.FilesToInstall {
			wanted[k] = true
		}

		for k := range plan.MetadataToInstall {
			wanted[k] = true
		}

		for k := range plan.FilesToInstall {
			if !presentSet[k] {
				result.ToPush = append(result.ToPush, path.Join(root, k))
			}
		}

		for p := range presentSet {
			if wanted[p] || path.Base(p) == "lock" {
				continue
			}

			result.ToDelete = append(result.ToDelete, path.Join(root, p))
		}

		sort.Strings(result.ToPush)
		sort.Strings(result.ToDelete)
	}

	reinstall, err := shouldReinstall(ctx, caps, cfg, events.Target{}, nil, nil)
	if err != nil {
		return DryRunResult{}, err
	}

	result.Reinstall = reinstall

	return result, nil
}
