// Package exoplan computes the desired on-device state for each of the
// three exopackage asset classes — secondary dex, native libraries, and
// resources. Each helper is a pure function of
// a host-side manifest (plus, for native libs, a device ABI read); none of
// them mutate anything on device.
//
// Grounded on original_source/RealExopackageDevice.java's getDeviceAbis
// (the abilist-then-abi/abi2 fallback) and buck's own two-column metadata
// convention that internal/parse.ParseManifestEntries already models.
package exoplan

import (
	"context"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/csnewman/exoinstall/internal/parse"
	"github.com/csnewman/exoinstall/internal/xerr"
)

// Plan is the union of one asset class's device-relative install targets:
// data files sourced from the host filesystem, and metadata files sourced
// from in-memory bytes.
type Plan struct {
	FilesToInstall    map[string]string
	MetadataToInstall map[string][]byte
}

// NewPlan returns an empty Plan ready for Merge.
func NewPlan() Plan {
	return Plan{
		FilesToInstall:    map[string]string{},
		MetadataToInstall: map[string][]byte{},
	}
}

// Merge folds other into p in place, returning p for chaining.
func (p Plan) Merge(other Plan) Plan {
	for k, v := range other.FilesToInstall {
		p.FilesToInstall[k] = v
	}

	for k, v := range other.MetadataToInstall {
		p.MetadataToInstall[k] = v
	}

	return p
}

// Dex computes the plan for the secondary-dex block. metadataPath
// is a host file listing `<jar-filename> <hash>` entries; each entry's jar is
// expected to live alongside the metadata file.
func Dex(metadataPath string) (Plan, error) {
	entries, err := readManifest(metadataPath)
	if err != nil {
		return Plan{}, err
	}

	base := filepath.Dir(metadataPath)
	plan := NewPlan()

	for _, e := range entries {
		target := path.Join("secondary-dex", e.Hash+".dex.jar")
		plan.FilesToInstall[target] = filepath.Join(base, e.Name)
	}

	plan.MetadataToInstall["secondary-dex/metadata.txt"] = []byte(parse.SerializeManifestEntries(entries))

	return plan, nil
}

// Resources computes the plan for the resources block.
func Resources(metadataPath string) (Plan, error) {
	entries, err := readManifest(metadataPath)
	if err != nil {
		return Plan{}, err
	}

	base := filepath.Dir(metadataPath)
	plan := NewPlan()

	for _, e := range entries {
		target := path.Join("resources", e.Hash+".apk")
		plan.FilesToInstall[target] = filepath.Join(base, e.Name)
	}

	plan.MetadataToInstall["resources/metadata.txt"] = []byte(parse.SerializeManifestEntries(entries))

	return plan, nil
}

// PropReader is the minimal device capability DeviceAbis needs: reading a
// single system property.
type PropReader interface {
	GetProp(ctx context.Context, name string) (string, error)
}

// DeviceAbis returns the device's ABI preference list, trying
// ro.product.cpu.abilist first and falling back to ro.product.cpu.abi (+
// optional .abi2) on older devices.
func DeviceAbis(ctx context.Context, props PropReader) ([]string, error) {
	list, err := props.GetProp(ctx, "ro.product.cpu.abilist")
	if err != nil {
		return nil, err
	}

	if list != "" {
		var abis []string

		for _, a := range strings.Split(list, ",") {
			if a = strings.TrimSpace(a); a != "" {
				abis = append(abis, a)
			}
		}

		return abis, nil
	}

	abi1, err := props.GetProp(ctx, "ro.product.cpu.abi")
	if err != nil {
		return nil, err
	}

	if abi1 == "" {
		return nil, xerr.Errorf(xerr.DeviceProtocol, "device returned empty ro.product.cpu.abi")
	}

	abis := []string{abi1}

	abi2, err := props.GetProp(ctx, "ro.product.cpu.abi2")
	if err != nil {
		return nil, err
	}

	if abi2 != "" {
		abis = append(abis, abi2)
	}

	return abis, nil
}

// Native computes the plan for the native-libs block.
// nativeLibsDir is a host directory containing one subdirectory per ABI the
// app ships, each holding a metadata.txt of `<soname> <hash>` entries.
// deviceAbis is the device's preference order (from DeviceAbis); Native
// selects every ABI the app ships that the device also supports, in
// device-preferred order, and writes a top-level metadata.txt naming them.
func Native(nativeLibsDir string, deviceAbis []string) (Plan, error) {
	shipped, err := shippedAbis(nativeLibsDir)
	if err != nil {
		return Plan{}, err
	}

	plan := NewPlan()

	var selected []string

	for _, abi := range deviceAbis {
		if !shipped[abi] {
			continue
		}

		selected = append(selected, abi)

		abiMetaPath := filepath.Join(nativeLibsDir, abi, "metadata.txt")

		entries, err := readManifest(abiMetaPath)
		if err != nil {
			return Plan{}, err
		}

		abiBase := filepath.Dir(abiMetaPath)

		for _, e := range entries {
			target := path.Join("native-libs", abi, e.Hash+".so")
			plan.FilesToInstall[target] = filepath.Join(abiBase, e.Name)
		}

		plan.MetadataToInstall[path.Join("native-libs", abi, "metadata.txt")] =
			[]byte(parse.SerializeManifestEntries(entries))
	}

	plan.MetadataToInstall["native-libs/metadata.txt"] = []byte(strings.Join(selected, "\n") + "\n")

	return plan, nil
}

func shippedAbis(nativeLibsDir string) (map[string]bool, error) {
	entries, err := os.ReadDir(nativeLibsDir)
	if err != nil {
		return nil, xerr.Errorf(xerr.Precondition, "read native libs dir %s: %w", nativeLibsDir, err)
	}

	shipped := make(map[string]bool)

	for _, e := range entries {
		if e.IsDir() {
			shipped[e.Name()] = true
		}
	}

	return shipped, nil
}

func readManifest(metadataPath string) ([]parse.ManifestEntry, error) {
	data, err := os.ReadFile(metadataPath)
	if err != nil {
		return nil, xerr.Errorf(xerr.Precondition, "read metadata file %s: %w", metadataPath, err)
	}

	return parse.ParseManifestEntries(string(data))
}

// Manifest names the host-side inputs for the up-to-three optional exo
// blocks.
type Manifest struct {
	DexMetadataPath       string
	NativeLibsDir         string
	ResourcesMetadataPath string
}

// Active reports whether any block is present.
func (m Manifest) Active() bool {
	return m.DexMetadataPath != "" || m.NativeLibsDir != "" || m.ResourcesMetadataPath != ""
}
