// Package syncengine orchestrates a single device's install: diffing the
// present staging tree against the desired manifest, pushing/deleting/
// rewriting as needed, deciding whether the main package needs
// reinstalling, and stopping the app afterward.
//
// Grounded on original_source/ExopackageInstaller.java's installUnchecked
// method for the step ordering (directories, then missing files, then
// deletions, then metadata, then the package-signature check, then
// stop/kill) and polydawn-rio's present/wanted-set diffing shape for how
// to structure that as a pure diff followed by a small number of batched
// device operations.
package syncengine

import (
	"context"
	"os"
	"path"
	"sort"
	"time"

	"github.com/csnewman/exoinstall/internal/apkinfo"
	"github.com/csnewman/exoinstall/internal/devcap"
	"github.com/csnewman/exoinstall/internal/events"
	"github.com/csnewman/exoinstall/internal/exoplan"
	"github.com/csnewman/exoinstall/internal/pkgname"
	"github.com/csnewman/exoinstall/internal/xerr"
	"github.com/csnewman/exoinstall/internal/xlog"
)

// Config describes one device's desired end state.
type Config struct {
	// Package is the app being installed; must satisfy pkgname.Validate.
	Package string

	// Manifest names the (up to three) optional exo blocks.
	Manifest exoplan.Manifest

	// Apk is the locally built application package. Required whenever
	// the package may already be installed on the device (Run reads
	// Apk.Signature lazily, only if so).
	Apk *apkinfo.ApkInfo

	// ProcessName, if non-empty, is targeted with `run-as ... killall`
	// instead of a full force-stop when no reinstall happened.
	ProcessName string
}

// Result summarizes what one device install actually did.
type Result struct {
	// Reinstalled reports that the package was missing or its signature
	// differed; InstallApk runs in that case only when Config.Apk is set.
	Reinstalled bool
	Pushed      []string
	Deleted     []string
	Kill        devcap.KillResult
}

// Run performs one device's install.
func Run(ctx context.Context, caps devcap.Capabilities, cfg Config, bus *events.Bus[events.Event], logger *xlog.Logger) (Result, error) {
	if err := pkgname.Validate(cfg.Package); err != nil {
		return Result{}, err
	}

	target := events.Target{Serial: caps.Serial(), Package: cfg.Package}

	var result Result

	if cfg.Manifest.Active() {
		pushed, deleted, err := syncFiles(ctx, caps, cfg, target, bus, logger)
		if err != nil {
			return Result{}, err
		}

		result.Pushed, result.Deleted = pushed, deleted
	}

	reinstall, err := shouldReinstall(ctx, caps, cfg, target, bus, logger)
	if err != nil {
		return Result{}, err
	}

	result.Reinstalled = reinstall

	// An absent Apk only reaches this point when the package is not
	// installed (shouldReinstall rejects the installed case), and then
	// there is nothing local to install: the exo files are synced alone.
	if reinstall && cfg.Apk != nil {
		if err := caps.InstallApk(ctx, cfg.Apk.Path); err != nil {
			return Result{}, err
		}
	}

	killResult, err := stopApp(ctx, caps, cfg, reinstall, target, bus, logger)
	if err != nil {
		return Result{}, err
	}

	result.Kill = killResult

	return result, nil
}

// buildPlan computes the union plan across every active exo block.
func buildPlan(ctx context.Context, caps devcap.Capabilities, cfg Config) (exoplan.Plan, error) {
	plan := exoplan.NewPlan()

	if cfg.Manifest.DexMetadataPath != "" {
		p, err := exoplan.Dex(cfg.Manifest.DexMetadataPath)
		if err != nil {
			return exoplan.Plan{}, err
		}

		plan = plan.Merge(p)
	}

	if cfg.Manifest.NativeLibsDir != "" {
		abis, err := exoplan.DeviceAbis(ctx, caps)
		if err != nil {
			return exoplan.Plan{}, err
		}

		p, err := exoplan.Native(cfg.Manifest.NativeLibsDir, abis)
		if err != nil {
			return exoplan.Plan{}, err
		}

		plan = plan.Merge(p)
	}

	if cfg.Manifest.ResourcesMetadataPath != "" {
		p, err := exoplan.Resources(cfg.Manifest.ResourcesMetadataPath)
		if err != nil {
			return exoplan.Plan{}, err
		}

		plan = plan.Merge(p)
	}

	return plan, nil
}

// syncFiles creates the staging root, lists the
// present set, diff against the plan, push missing files, delete
// unwanted ones, and rewrite every metadata file.
func syncFiles(ctx context.Context, caps devcap.Capabilities, cfg Config, target events.Target, bus *events.Bus[events.Event], logger *xlog.Logger) ([]string, []string, error) {
	start := time.Now()

	root := pkgname.StagingRoot(cfg.Package)

	if err := caps.MkDirP(ctx, root); err != nil {
		return nil, nil, err
	}

	present, err := caps.ListDir(ctx, root)
	if err != nil {
		return nil, nil, err
	}

	plan, err := buildPlan(ctx, caps, cfg)
	if err != nil {
		return nil, nil, err
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

	var missing []string

	for k := range plan.FilesToInstall {
		if !presentSet[k] {
			missing = append(missing, k)
		}
	}

	sort.Strings(missing)

	var metadataKeys []string
	for k := range plan.MetadataToInstall {
		metadataKeys = append(metadataKeys, k)
	}

	sort.Strings(metadataKeys)

	// Directory creation happens-before any push into that directory
	// batched and deduplicated across the whole block.
	if err := mkDirAllParents(ctx, caps, root, append(append([]string{}, missing...), metadataKeys...)); err != nil {
		return nil, nil, err
	}

	pushed, err := pushMissing(ctx, caps, root, plan, missing, target, bus, logger)
	if err != nil {
		return nil, nil, err
	}

	deleted, err := deleteUnwanted(ctx, caps, root, presentSet, wanted)
	if err != nil {
		return nil, nil, err
	}

	if err := writeMetadata(ctx, caps, root, plan, metadataKeys); err != nil {
		return nil, nil, err
	}

	publish(bus, events.Event{
		Kind:     events.KindClassMultiInstall,
		Target:   target,
		Success:  true,
		Duration: time.Since(start),
	})

	return pushed, deleted, nil
}

func mkDirAllParents(ctx context.Context, caps devcap.Capabilities, root string, targets []string) error {
	seen := make(map[string]bool)

	for _, t := range targets {
		dir := path.Join(root, path.Dir(t))
		if seen[dir] {
			continue
		}

		seen[dir] = true

		if err := caps.MkDirP(ctx, dir); err != nil {
			return err
		}
	}

	return nil
}

func pushMissing(ctx context.Context, caps devcap.Capabilities, root string, plan exoplan.Plan, missing []string, target events.Target, bus *events.Bus[events.Event], logger *xlog.Logger) ([]string, error) {
	var pushed []string

	for _, key := range missing {
		start := time.Now()

		devicePath := path.Join(root, key)

		err := caps.PushFile(ctx, devicePath, plan.FilesToInstall[key])

		publish(bus, events.Event{
			Kind:     events.KindFileInstall,
			Target:   target,
			Success:  err == nil,
			Path:     devicePath,
			Duration: time.Since(start),
		})

		if err != nil {
			return nil, err
		}

		pushed = append(pushed, devicePath)
	}

	return pushed, nil
}

func deleteUnwanted(ctx context.Context, caps devcap.Capabilities, root string, presentSet, wanted map[string]bool) ([]string, error) {
	byDir := make(map[string][]string)

	for p := range presentSet {
		if wanted[p] {
			continue
		}

		if path.Base(p) == "lock" {
			continue
		}

		dir := path.Join(root, path.Dir(p))
		byDir[dir] = append(byDir[dir], path.Base(p))
	}

	var dirs []string
	for d := range byDir {
		dirs = append(dirs, d)
	}

	sort.Strings(dirs)

	var deleted []string

	for _, dir := range dirs {
		names := byDir[dir]
		sort.Strings(names)

		if err := caps.RmFiles(ctx, dir, names); err != nil {
			return nil, err
		}

		for _, n := range names {
			deleted = append(deleted, path.Join(dir, n))
		}
	}

	return deleted, nil
}

func writeMetadata(ctx context.Context, caps devcap.Capabilities, root string, plan exoplan.Plan, keys []string) error {
	for _, key := range keys {
		content := plan.MetadataToInstall[key]

		tmp, err := os.CreateTemp("", "exoinstall-metadata-*")
		if err != nil {
			return xerr.Errorf(xerr.DeviceProtocol, "create temp metadata file: %w", err)
		}

		tmpPath := tmp.Name()

		_, writeErr := tmp.Write(content)
		closeErr := tmp.Close()

		if writeErr == nil {
			writeErr = closeErr
		}

		if writeErr != nil {
			os.Remove(tmpPath)

			return xerr.Errorf(xerr.DeviceProtocol, "write temp metadata file: %w", writeErr)
		}

		err = caps.PushFile(ctx, path.Join(root, key), tmpPath)

		os.Remove(tmpPath)

		if err != nil {
			return err
		}
	}

	return nil
}

func publish(bus *events.Bus[events.Event], ev events.Event) {
	if bus != nil {
		bus.Publish(ev)
	}
}
