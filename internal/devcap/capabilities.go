// Package devcap defines the capability surface the synchronization
// engine drives a device through, and a small dependency-injection
// container for wiring a concrete implementation to it.
package devcap

import (
	"context"

	"github.com/csnewman/exoinstall/internal/parse"
)

// KillResult is the three-valued outcome of a targeted process kill:
// replacing "exception for control flow" with a value the caller can
// switch on and deliberately swallow one branch of.
type KillResult int

const (
	// Killed means the named process was found and killed.
	Killed KillResult = iota
	// NotRunning means no matching process existed; not an error, and
	// categorized xerr.Benign if ever wrapped as one.
	NotRunning
	// KillError means the kill attempt failed for a reason other than the
	// process being absent.
	KillError
)

// Capabilities is everything the synchronization engine (C5) needs from a
// device, real or fake. A real implementation lives in internal/device; an
// in-memory test double lives in internal/devcap/devcaptest.
type Capabilities interface {
	// Serial identifies the device for logging and event scoping.
	Serial() string

	// ShellExecute runs a single shell command, returning combined output.
	ShellExecute(ctx context.Context, command string) (string, error)

	// GetProp reads a single system property.
	GetProp(ctx context.Context, name string) (string, error)

	// ListDir lists every regular file under root, recursively,
	// device-relative to root.
	ListDir(ctx context.Context, root string) ([]string, error)

	// GetPackageInfo returns the installed PackageInfo for pkg, or nil if
	// pkg is not installed.
	GetPackageInfo(ctx context.Context, pkg string) (*parse.PackageInfo, error)

	// MkDirP creates dir and any missing parents.
	MkDirP(ctx context.Context, dir string) error

	// RmFiles deletes filenames, all direct children of dir.
	RmFiles(ctx context.Context, dir string, filenames []string) error

	// GetSignature returns the on-device signing signature of the
	// installed apk at devicePath, via the agent's get-signature verb.
	// The local (host-built) apk's signature is not this method's
	// concern: it is supplied by the caller as ApkInfo.Signature, since
	// computing it requires the signing infrastructure that is
	// out of scope.
	GetSignature(ctx context.Context, devicePath string) (string, error)

	// PushFile installs one file at devicePath, sourced from localSource
	// on the host.
	PushFile(ctx context.Context, devicePath, localSource string) error

	// InstallApk performs a full package (re)install from a local apk.
	InstallApk(ctx context.Context, localApkPath string) error

	// Stop force-stops pkg entirely.
	Stop(ctx context.Context, pkg string) error

	// Kill attempts to kill a single named process within pkg.
	Kill(ctx context.Context, pkg, process string) (KillResult, error)
}
