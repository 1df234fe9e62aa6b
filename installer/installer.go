// Package installer is the exopackage installer's public entry point: it
// fans internal/syncengine's per-device install out
// over every selected device concurrently, aggregates success/failure, and
// emits the install-started/install-finished lifecycle events.
//
// Grounded on agent/bin/server/main.go's top-level wiring style — construct
// the concrete dependencies (transport, provisioner, logger) once and hand
// them to a single orchestrator, no framework in between.
package installer

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/csnewman/exoinstall/internal/agentprovision"
	"github.com/csnewman/exoinstall/internal/apkinfo"
	"github.com/csnewman/exoinstall/internal/devcap"
	"github.com/csnewman/exoinstall/internal/device"
	"github.com/csnewman/exoinstall/internal/events"
	"github.com/csnewman/exoinstall/internal/exoplan"
	"github.com/csnewman/exoinstall/internal/syncengine"
	"github.com/csnewman/exoinstall/internal/xerr"
	"github.com/csnewman/exoinstall/internal/xlog"
)

// firstPort is the first agent port ever handed out by an Installer's
// counter; droidmole's own adb
// tooling defaults to the 5555+ range for device connections, so 2828 was
// picked to stay well clear of it in a mixed environment.
const firstPort = 2828

// Device names one target for a single Install call.
type Device struct {
	// Serial is the adb device serial (e.g. "emulator-5554").
	Serial string
}

// Options describes what to install and how to reach each device's agent.
// Every field applies uniformly across all Devices passed to Install; the
// installer does not support installing different packages to different
// devices in one call.
type Options struct {
	// AdbPath is the adb binary invoked for every device.
	AdbPath string

	// AgentDevicePath is where the on-device agent binary lives once
	// provisioned.
	AgentDevicePath string

	// LocalAgentPath is the host-side agent binary agentprovision pushes
	// on first use per device.
	LocalAgentPath string

	// SecretKeySize is the handshake nonce length.
	SecretKeySize int

	// Package is the Android package under install.
	Package string

	// Manifest names the exo blocks to synchronize.
	Manifest exoplan.Manifest

	// Apk is the locally built package, required whenever a device may
	// already have it installed.
	Apk *apkinfo.ApkInfo

	// ProcessName, if set, enables targeted-kill instead of a full
	// force-stop when no reinstall was needed.
	ProcessName string
}

// CapabilitiesFactory builds the devcap.Capabilities for one device. The
// default, used when no factory is supplied to New, resolves a real
// internal/device.Real through internal/devcap.Resolve. Tests plug their
// own factory into this same hook, returning an
// internal/devcap/devcaptest.Device directly without going through
// Resolve.
type CapabilitiesFactory func(opts Options, serial string, port int, logger *xlog.Logger) (devcap.Capabilities, error)

func defaultCapabilitiesFactory(opts Options, serial string, port int, logger *xlog.Logger) (devcap.Capabilities, error) {
	caps, err := devcap.Resolve(func() devcap.Capabilities {
		return device.New(opts.AdbPath, serial, opts.AgentDevicePath, opts.SecretKeySize, port, logger)
	})
	if err != nil {
		return nil, xerr.Errorf(xerr.Precondition, "installer: resolving device capabilities for %s: %w", serial, err)
	}

	return caps, nil
}

// Installer runs one fan-out install. It is single-use: Install may be
// called exactly once per instance: "the per-install
// object is single-use" — a second call is a caller bug, reported as a
// Malformed error rather than silently reusing stale port/provisioner
// state.
type Installer struct {
	logger      *xlog.Logger
	bus         *events.Bus[events.Event]
	provisioner *agentprovision.Provisioner
	portCounter uint32
	capsFactory CapabilitiesFactory

	mu   sync.Mutex
	used bool
}

// New builds an Installer. logger may be nil, in which case a no-op logger
// is used. capsFactory may be nil, in which case defaultCapabilitiesFactory
// (real adb devices) is used; tests pass their own to substitute an
// in-memory devcaptest.Device.
func New(logger *xlog.Logger, capsFactory CapabilitiesFactory) *Installer {
	if logger == nil {
		logger = xlog.NewNop()
	}

	if capsFactory == nil {
		capsFactory = defaultCapabilitiesFactory
	}

	return &Installer{
		logger:      logger,
		bus:         events.NewBus[events.Event](),
		provisioner: agentprovision.New(logger),
		portCounter: firstPort - 1,
		capsFactory: capsFactory,
	}
}

// Events returns the bus install lifecycle and performance events are
// published on. Subscribe with bus.Listener() before calling Install to
// observe every event.
func (i *Installer) Events() *events.Bus[events.Event] {
	return i.bus
}

// nextPort hands out the next agent-forward port, unique among the ports
// this Installer hands out over its life: incremented atomically, never
// returned to a pool. Each Installer has its own counter starting at
// firstPort.
func (i *Installer) nextPort() int {
	return int(atomic.AddUint32(&i.portCounter, 1))
}

// Install runs the per-device install (internal/syncengine) on every
// device in parallel, returning overall success (true iff
// every device succeeded) and a per-serial error map (nil entry means that
// device succeeded).
func (i *Installer) Install(ctx context.Context, devices []Device, opts Options) (bool, map[string]error) {
	i.mu.Lock()
	if i.used {
		i.mu.Unlock()

		return false, map[string]error{
			"": xerr.Errorf(xerr.Malformed, "installer: Install called more than once on the same Installer instance"),
		}
	}

	i.used = true
	i.mu.Unlock()

	target := events.Target{Package: opts.Package}

	i.bus.Publish(events.Event{
		Kind:        events.KindInstallStarted,
		Target:      target,
		PackageName: opts.Package,
	})

	results := make(map[string]error, len(devices))

	var (
		wg sync.WaitGroup
		mu sync.Mutex
	)

	wg.Add(len(devices))

	for _, d := range devices {
		dCopy := d

		go func() {
			defer wg.Done()
			defer func() {
				if r := recover(); r != nil {
					mu.Lock()
					results[dCopy.Serial] = xerr.Errorf(xerr.DeviceProtocol, "installer: device %s install panicked: %v", dCopy.Serial, r)
					mu.Unlock()
				}
			}()

			err := i.installOne(ctx, dCopy, opts)

			mu.Lock()
			results[dCopy.Serial] = err
			mu.Unlock()
		}()
	}

	wg.Wait()

	success := true

	for _, err := range results {
		if err != nil {
			success = false

			break
		}
	}

	i.bus.Publish(events.Event{
		Kind:        events.KindInstallFinished,
		Target:      target,
		Success:     success,
		PackageName: opts.Package,
	})

	return success, results
}

// installOne provisions the agent (if needed) and runs the per-device sync
// engine for one device, using a port unique to this device for this
// Installer's whole life.
func (i *Installer) installOne(ctx context.Context, d Device, opts Options) error {
	logger := i.logger.ForDevice(d.Serial).ForPackage(opts.Package)

	port := i.nextPort()

	caps, err := i.capsFactory(opts, d.Serial, port, logger)
	if err != nil {
		return err
	}

	if err := i.provisioner.Ensure(ctx, caps, opts.LocalAgentPath, opts.AgentDevicePath); err != nil {
		return xerr.Errorf(xerr.CategoryOf(err), "provisioning agent on %s: %w", d.Serial, err)
	}

	cfg := syncengine.Config{
		Package:     opts.Package,
		Manifest:    opts.Manifest,
		Apk:         opts.Apk,
		ProcessName: opts.ProcessName,
	}

	_, err = syncengine.Run(ctx, caps, cfg, i.bus, logger)

	return err
}

// DryRun previews what Install would do to every device, without pushing,
// deleting, installing, or stopping any of the package's files: a
// "--dry-run"-style preview for callers that want to show the user what an
// install would change before committing to it. It does provision the
// agent binary on a device that lacks it (the reinstall check needs the
// agent), and each device draws a fresh port from the counter. DryRun is
// not gated by the single-use flag, so it may be called any number of
// times, including on an Installer that has already run (or will later
// run) a real Install.
func (i *Installer) DryRun(ctx context.Context, devices []Device, opts Options) (map[string]syncengine.DryRunResult, map[string]error) {
	results := make(map[string]syncengine.DryRunResult, len(devices))
	errs := make(map[string]error, len(devices))

	var (
		wg sync.WaitGroup
		mu sync.Mutex
	)

	wg.Add(len(devices))

	for _, d := range devices {
		dCopy := d

		go func() {
			defer wg.Done()
			defer func() {
				if r := recover(); r != nil {
					mu.Lock()
					errs[dCopy.Serial] = xerr.Errorf(xerr.DeviceProtocol, "installer: device %s dry run panicked: %v", dCopy.Serial, r)
					mu.Unlock()
				}
			}()

			result, err := i.dryRunOne(ctx, dCopy, opts)

			mu.Lock()
			results[dCopy.Serial] = result
			errs[dCopy.Serial] = err
			mu.Unlock()
		}()
	}

	wg.Wait()

	return results, errs
}

// dryRunOne provisions the agent (needed for the get-signature verb the
// reinstall check may issue) and computes one device's diff.
func (i *Installer) dryRunOne(ctx context.Context, d Device, opts Options) (syncengine.DryRunResult, error) {
	logger := i.logger.ForDevice(d.Serial).ForPackage(opts.Package)

	port := i.nextPort()

	caps, err := i.capsFactory(opts, d.Serial, port, logger)
	if err != nil {
		return syncengine.DryRunResult{}, err
	}

	if err := i.provisioner.Ensure(ctx, caps, opts.LocalAgentPath, opts.AgentDevicePath); err != nil {
		return syncengine.DryRunResult{}, xerr.Errorf(xerr.CategoryOf(err), "provisioning agent on %s: %w", d.Serial, err)
	}

	cfg := syncengine.Config{
		Package:     opts.Package,
		Manifest:    opts.Manifest,
		Apk:         opts.Apk,
		ProcessName: opts.ProcessName,
	}

	return syncengine.DryRun(ctx, caps, cfg)
}
