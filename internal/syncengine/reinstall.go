package syncengine

import (
	"context"
	"time"

	"github.com/csnewman/exoinstall/internal/devcap"
	"github.com/csnewman/exoinstall/internal/events"
	"github.com/csnewman/exoinstall/internal/xerr"
	"github.com/csnewman/exoinstall/internal/xlog"
)

// shouldReinstall decides whether the main package needs reinstalling:
// absent PackageInfo always
// means install; otherwise compare local and on-device signatures.
func shouldReinstall(ctx context.Context, caps devcap.Capabilities, cfg Config, target events.Target, bus *events.Bus[events.Event], logger *xlog.Logger) (bool, error) {
	start := time.Now()

	info, err := caps.GetPackageInfo(ctx, cfg.Package)

	publish(bus, events.Event{
		Kind:     events.KindPackageInfoQuery,
		Target:   target,
		Success:  err == nil,
		Duration: time.Since(start),
	})

	if err != nil {
		return false, err
	}

	if info == nil {
		return true, nil
	}

	if cfg.Apk == nil {
		return false, xerr.Errorf(xerr.Precondition, "package %s is installed but no local apk was supplied to compare signatures", cfg.Package)
	}

	localSig, err := cfg.Apk.Signature()
	if err != nil {
		return false, err
	}

	start = time.Now()

	remoteSig, err := caps.GetSignature(ctx, info.ApkPath)

	publish(bus, events.Event{
		Kind:     events.KindSignatureCheck,
		Target:   target,
		Success:  err == nil,
		Duration: time.Since(start),
	})

	if err != nil {
		return false, err
	}

	return localSig != remoteSig, nil
}

// stopApp force-stops or targeted-kills the app after a sync.
func stopApp(ctx context.Context, caps devcap.Capabilities, cfg Config, reinstalled bool, target events.Target, bus *events.Bus[events.Event], logger *xlog.Logger) (devcap.KillResult, error) {
	start := time.Now()

	if reinstalled || cfg.ProcessName == "" {
		err := caps.Stop(ctx, cfg.Package)

		publish(bus, events.Event{
			Kind:     events.KindAppKill,
			Target:   target,
			Success:  err == nil,
			Duration: time.Since(start),
		})

		if err != nil {
			return devcap.KillError, err
		}

		return devcap.Killed, nil
	}

	result, err := caps.Kill(ctx, cfg.Package, cfg.ProcessName)

	publish(bus, events.Event{
		Kind:     events.KindAppKill,
		Target:   target,
		Success:  result != devcap.KillError,
		Duration: time.Since(start),
	})

	switch result {
	case devcap.NotRunning:
		if logger != nil {
			logger.Warnw("targeted kill found no matching process", "package", cfg.Package, "process", cfg.ProcessName)
		}

		return result, nil
	case devcap.KillError:
		return result, err
	default:
		return result, nil
	}
}
