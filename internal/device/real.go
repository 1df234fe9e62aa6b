// Package device implements devcap.Capabilities against a real device over
// adb, composing internal/adbshell for plain shell operations and
// internal/agentchannel for the authenticated file-transfer handshake.
package device

import (
	"context"
	"fmt"
	"os/exec"
	"strings"

	"github.com/csnewman/exoinstall/internal/adbshell"
	"github.com/csnewman/exoinstall/internal/agentchannel"
	"github.com/csnewman/exoinstall/internal/devcap"
	"github.com/csnewman/exoinstall/internal/parse"
	"github.com/csnewman/exoinstall/internal/xerr"
	"github.com/csnewman/exoinstall/internal/xlog"
)

// Real drives one physical or emulated device. Its agent port is fixed for
// the device's whole lifetime (assigned once by the installer facade),
// reused across every InstallFile call.
type Real struct {
	adbPath   string
	serial    string
	transport *adbshell.Transport
	channel   *agentchannel.Channel
	port      int
	logger    *xlog.Logger
}

// New builds a Real device bound to one adb serial, one on-device agent
// path, and one fixed forwarded port.
func New(adbPath, serial, agentPath string, secretKeySize, port int, logger *xlog.Logger) *Real {
	return &Real{
		adbPath:   adbPath,
		serial:    serial,
		transport: adbshell.New(adbPath, serial, agentPath, logger),
		channel:   agentchannel.New(adbPath, serial, agentPath, secretKeySize, logger),
		port:      port,
		logger:    logger,
	}
}

var _ devcap.Capabilities = (*Real)(nil)

// Serial implements devcap.Capabilities.
func (r *Real) Serial() string { return r.transport.Serial() }

// ShellExecute implements devcap.Capabilities.
func (r *Real) ShellExecute(ctx context.Context, command string) (string, error) {
	return r.transport.Execute(ctx, command)
}

// GetProp implements devcap.Capabilities.
func (r *Real) GetProp(ctx context.Context, name string) (string, error) {
	return r.transport.GetProp(ctx, name)
}

// ListDir implements devcap.Capabilities via `ls -R <root> | cat` (piped
// through cat so a non-interactive shell never paginates) followed by
// internal/parse.ListDirRecursive.
func (r *Real) ListDir(ctx context.Context, root string) ([]string, error) {
	out, err := r.transport.Execute(ctx, fmt.Sprintf("ls -R '%s' | cat", root))
	if err != nil {
		return nil, err
	}

	return parse.ListDirRecursive(out, root)
}

// GetPackageInfo implements devcap.Capabilities via `pm path` +
// `dumpsys package`, concatenated the way parse.PackageInfo expects.
func (r *Real) GetPackageInfo(ctx context.Context, pkg string) (*parse.PackageInfo, error) {
	// pm path exits non-zero for an absent package without that being a
	// transport failure; Execute only returns an error here for a genuine
	// adb/transport problem (see Transport.runRaw), so any error is fatal.
	pathOut, err := r.transport.Execute(ctx, "pm path "+pkg)
	if err != nil {
		return nil, err
	}

	dumpOut, err := r.transport.Execute(ctx, "dumpsys package "+pkg)
	if err != nil {
		return nil, err
	}

	return parse.ParsePathAndPackageInfo(pathOut+"\n"+dumpOut, pkg)
}

// MkDirP implements devcap.Capabilities.
func (r *Real) MkDirP(ctx context.Context, dir string) error {
	return r.transport.MkDirP(ctx, dir)
}

// RmFiles implements devcap.Capabilities.
func (r *Real) RmFiles(ctx context.Context, dir string, filenames []string) error {
	return r.transport.RmFiles(ctx, dir, filenames)
}

// GetSignature implements devcap.Capabilities.
func (r *Real) GetSignature(ctx context.Context, devicePath string) (string, error) {
	return r.transport.GetSignature(ctx, devicePath)
}

// PushFile implements devcap.Capabilities, opening and releasing its own
// port forward on the device's fixed port for the duration of this single
// call — the forward is owned by the current installFile call.
func (r *Real) PushFile(ctx context.Context, devicePath, localSource string) error {
	fwd, err := r.channel.OpenForward(ctx, r.port)
	if err != nil {
		return err
	}

	defer fwd.Release(ctx)

	return r.channel.InstallFile(ctx, fwd, devicePath, localSource)
}

// InstallApk implements devcap.Capabilities via `adb install -r`, the one
// operation that talks to adb directly rather than through a device shell.
func (r *Real) InstallApk(ctx context.Context, localApkPath string) error {
	cmd := exec.CommandContext(ctx, r.adbPath, "-s", r.serial, "install", "-r", localApkPath)

	out, err := cmd.CombinedOutput()
	if err != nil {
		return xerr.Errorf(xerr.DeviceProtocol, "adb install -r %s: %w (%s)", localApkPath, err, string(out))
	}

	if strings.Contains(string(out), "Failure") {
		return xerr.Errorf(xerr.DeviceProtocol, "adb install -r %s reported failure: %s", localApkPath, string(out))
	}

	return nil
}

// Stop implements devcap.Capabilities via `am force-stop`.
func (r *Real) Stop(ctx context.Context, pkg string) error {
	_, err := r.transport.Execute(ctx, adbshell.WithStatusCheck("am force-stop "+pkg))

	return err
}

// Kill implements devcap.Capabilities via `run-as <pkg> killall
// <process>`, translating the device's "No such process" text into
// devcap.NotRunning rather than an error.
func (r *Real) Kill(ctx context.Context, pkg, process string) (devcap.KillResult, error) {
	cmd := adbshell.WithStatusCheck(fmt.Sprintf("run-as %s killall %s", pkg, process))

	out, err := r.transport.Execute(ctx, cmd)
	if err == nil {
		return devcap.Killed, nil
	}

	if strings.Contains(out, "No such process") || strings.Contains(err.Error(), "No such process") {
		return devcap.NotRunning, nil
	}

	return devcap.KillError, err
}
