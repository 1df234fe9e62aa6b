// Package devcaptest is an in-memory devcap.Capabilities double, letting
// internal/syncengine's tests exercise install scenarios S1-S5 without a
// real device. Grounded on agent/util/testutil's pattern of small
// call-recording fakes, generalized to a whole capability set.
package devcaptest

import (
	"context"
	"crypto/sha1" //nolint:gosec // content-addressing only, matches internal/agentprovision
	"fmt"
	"os"
	"path"
	"sort"
	"strings"
	"sync"

	"github.com/csnewman/exoinstall/internal/devcap"
	"github.com/csnewman/exoinstall/internal/parse"
	"github.com/csnewman/exoinstall/internal/xerr"
)

// Device is an in-memory device: a flat map of device paths, keyed exactly
// as passed to SeedFile/PushFile, to content, plus recorded calls for
// assertions.
type Device struct {
	mu sync.Mutex

	serial string

	files map[string]string // device path -> content
	props map[string]string

	packageInfo *parse.PackageInfo
	signatures  map[string]string // devicePath -> signature

	installedApks []string
	stopped       []string
	killed        []killCall
	rmCalls       [][]string // one entry per RmFiles call: its filenames
	mkdirCalls    []string
	pushedCalls   []string

	killResult devcap.KillResult
	killErr    error
}

type killCall struct {
	Package string
	Process string
}

// New returns an empty Device.
func New(serial string) *Device {
	return &Device{
		serial:     serial,
		files:      map[string]string{},
		props:      map[string]string{},
		signatures: map[string]string{},
		killResult: devcap.NotRunning,
	}
}

// SeedFile places content at devicePath, keyed exactly as given; ListDir
// reports it only when it lies under the root ListDir is asked for.
func (d *Device) SeedFile(devicePath, content string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.files[devicePath] = content
}

// SeedProp sets a system property value.
func (d *Device) SeedProp(name, value string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.props[name] = value
}

// SeedPackageInfo sets what GetPackageInfo returns.
func (d *Device) SeedPackageInfo(info *parse.PackageInfo) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.packageInfo = info
}

// SeedSignature sets the on-device signature reported for devicePath.
func (d *Device) SeedSignature(devicePath, signature string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.signatures[devicePath] = signature
}

// SetKillResult controls what Kill returns for every call, absent a
// per-process override (there is none in the current API, since spec's
// scenarios only ever target one process per test).
func (d *Device) SetKillResult(result devcap.KillResult, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.killResult, d.killErr = result, err
}

// Files returns a snapshot of the current file set (device paths).
func (d *Device) Files() map[string]string {
	d.mu.Lock()
	defer d.mu.Unlock()

	out := make(map[string]string, len(d.files))
	for k, v := range d.files {
		out[k] = v
	}

	return out
}

// PushedCalls returns every devicePath PushFile was called with, in order.
func (d *Device) PushedCalls() []string {
	d.mu.Lock()
	defer d.mu.Unlock()

	return append([]string(nil), d.pushedCalls...)
}

// RmCalls returns every RmFiles invocation's filenames, one slice per call.
func (d *Device) RmCalls() [][]string {
	d.mu.Lock()
	defer d.mu.Unlock()

	return append([][]string(nil), d.rmCalls...)
}

// MkdirCalls returns every MkDirP argument, in order.
func (d *Device) MkdirCalls() []string {
	d.mu.Lock()
	defer d.mu.Unlock()

	return append([]string(nil), d.mkdirCalls...)
}

// StopCalls returns every package Stop was called with.
func (d *Device) StopCalls() []string {
	d.mu.Lock()
	defer d.mu.Unlock()

	return append([]string(nil), d.stopped...)
}

// KillCalls returns every (package, process) Kill was called with.
func (d *Device) KillCalls() []killCall {
	d.mu.Lock()
	defer d.mu.Unlock()

	return append([]killCall(nil), d.killed...)
}

// InstalledApks returns every localApkPath InstallApk was called with.
func (d *Device) InstalledApks() []string {
	d.mu.Lock()
	defer d.mu.Unlock()

	return append([]string(nil), d.installedApks...)
}

var _ devcap.Capabilities = (*Device)(nil)

// Serial implements devcap.Capabilities.
func (d *Device) Serial() string { return d.serial }

// ShellExecute implements devcap.Capabilities. The in-memory device only
// models the one raw-shell command internal/agentprovision needs
// (`sha1sum <path>`, hashing seeded/pushed file content); anything else is
// an error, since the synchronization engine itself never calls
// ShellExecute directly (it uses the narrower capability methods).
func (d *Device) ShellExecute(_ context.Context, command string) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if strings.HasPrefix(command, "sha1sum ") {
		devicePath := strings.Trim(strings.TrimSuffix(strings.TrimPrefix(command, "sha1sum "), " 2>/dev/null"), "'")

		content, ok := d.files[devicePath]
		if !ok {
			return "", nil
		}

		sum := sha1.Sum([]byte(content)) //nolint:gosec // content-addressing only

		return fmt.Sprintf("%x  %s\n", sum, devicePath), nil
	}

	return "", xerr.Errorf(xerr.DeviceProtocol, "devcaptest: ShellExecute not modeled: %q", command)
}

// GetProp implements devcap.Capabilities.
func (d *Device) GetProp(_ context.Context, name string) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	return d.props[name], nil
}

// ListDir implements devcap.Capabilities, returning paths device-relative
// to root the same way internal/device.Real.ListDir does via
// internal/parse.ListDirRecursive.
func (d *Device) ListDir(_ context.Context, root string) ([]string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	prefix := strings.TrimSuffix(root, "/") + "/"

	var out []string

	for p := range d.files {
		if rel := strings.TrimPrefix(p, prefix); rel != p {
			out = append(out, rel)
		}
	}

	sort.Strings(out)

	return out, nil
}

// GetPackageInfo implements devcap.Capabilities.
func (d *Device) GetPackageInfo(_ context.Context, _ string) (*parse.PackageInfo, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	return d.packageInfo, nil
}

// MkDirP implements devcap.Capabilities.
func (d *Device) MkDirP(_ context.Context, dir string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.mkdirCalls = append(d.mkdirCalls, dir)

	return nil
}

// RmFiles implements devcap.Capabilities.
func (d *Device) RmFiles(_ context.Context, dir string, filenames []string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.rmCalls = append(d.rmCalls, append([]string(nil), filenames...))

	for _, f := range filenames {
		delete(d.files, path.Join(dir, f))
	}

	return nil
}

// GetSignature implements devcap.Capabilities.
func (d *Device) GetSignature(_ context.Context, devicePath string) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	sig, ok := d.signatures[devicePath]
	if !ok {
		return "", xerr.Errorf(xerr.DeviceProtocol, "devcaptest: no signature seeded for %s", devicePath)
	}

	return sig, nil
}

// PushFile implements devcap.Capabilities, reading localSource's real
// bytes so that a subsequent content-hash check (as internal/agentprovision
// does) observes the actual pushed content rather than a placeholder.
func (d *Device) PushFile(_ context.Context, devicePath, localSource string) error {
	content, err := os.ReadFile(localSource)
	if err != nil {
		return xerr.Errorf(xerr.Precondition, "devcaptest: read local source %s: %w", localSource, err)
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	d.pushedCalls = append(d.pushedCalls, devicePath)
	d.files[devicePath] = string(content)

	return nil
}

// InstallApk implements devcap.Capabilities.
func (d *Device) InstallApk(_ context.Context, localApkPath string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.installedApks = append(d.installedApks, localApkPath)

	return nil
}

// Stop implements devcap.Capabilities.
func (d *Device) Stop(_ context.Context, pkg string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.stopped = append(d.stopped, pkg)

	return nil
}

// Kill implements devcap.Capabilities.
func (d *Device) Kill(_ context.Context, pkg, process string) (devcap.KillResult, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.killed = append(d.killed, killCall{Package: pkg, Process: process})

	return d.killResult, d.killErr
}
