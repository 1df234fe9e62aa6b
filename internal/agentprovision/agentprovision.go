// Package agentprovision lazily installs the on-device agent binary the
// first time a device needs it, and remembers the outcome for the life of
// the Provisioner (installer.New builds one per Installer). The binary
// itself persists on the device, so a later Provisioner finds it by hash
// and skips the push.
//
// Grounded on builder/repository/download.go's hash-verify-then-fetch
// shape: stat what's already there, hash it, skip the transfer if the
// hash already matches, otherwise fetch and verify before trusting it.
// Here "fetch" is a device push rather than an HTTP GET, and progress is
// reported with the same progressbar style.
package agentprovision

import (
	"context"
	"crypto/sha1" //nolint:gosec // content-addressing only, not a security boundary
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/csnewman/exoinstall/internal/devcap"
	"github.com/csnewman/exoinstall/internal/xerr"
	"github.com/csnewman/exoinstall/internal/xlog"
	"github.com/dustin/go-humanize"
	"github.com/schollz/progressbar/v3"
)

// Provisioner ensures the agent binary is present at a fixed device path,
// memoizing per device serial so a multi-install process only ever pushes
// it once per device.
type Provisioner struct {
	logger *xlog.Logger

	mu    sync.Mutex
	onces map[string]*sync.Once
	errs  map[string]error
}

// New builds an empty Provisioner.
func New(logger *xlog.Logger) *Provisioner {
	return &Provisioner{
		logger: logger,
		onces:  map[string]*sync.Once{},
		errs:   map[string]error{},
	}
}

func (p *Provisioner) onceFor(serial string) *sync.Once {
	p.mu.Lock()
	defer p.mu.Unlock()

	if o, ok := p.onces[serial]; ok {
		return o
	}

	o := &sync.Once{}
	p.onces[serial] = o

	return o
}

// Ensure installs the agent at devicePath if it's missing or its content
// hash doesn't match localAgentPath's, and is a no-op on every call after
// the first successful one for a given device.
func (p *Provisioner) Ensure(ctx context.Context, caps devcap.Capabilities, localAgentPath, devicePath string) error {
	serial := caps.Serial()

	p.onceFor(serial).Do(func() {
		p.mu.Lock()
		p.errs[serial] = p.ensure(ctx, caps, localAgentPath, devicePath)
		p.mu.Unlock()
	})

	p.mu.Lock()
	defer p.mu.Unlock()

	return p.errs[serial]
}

func (p *Provisioner) ensure(ctx context.Context, caps devcap.Capabilities, localAgentPath, devicePath string) error {
	localHash, err := hashFile(localAgentPath)
	if err != nil {
		return xerr.Errorf(xerr.Precondition, "hash local agent binary %s: %w", localAgentPath, err)
	}

	curRemoteHash, err := remoteHash(ctx, caps, devicePath)
	if err == nil && curRemoteHash == localHash {
		if p.logger != nil {
			p.logger.Infow("agent already up to date on device", "device", serialOf(caps), "path", devicePath)
		}

		return nil
	}

	if p.logger != nil {
		p.logger.Infow("provisioning agent", "device", serialOf(caps), "path", devicePath)
	}

	info, statErr := os.Stat(localAgentPath)
	if statErr != nil {
		return xerr.Errorf(xerr.Precondition, "stat local agent binary %s: %w", localAgentPath, statErr)
	}

	bar := progressbar.DefaultBytes(info.Size(), "pushing agent to "+serialOf(caps))
	defer bar.Close()

	if err := caps.PushFile(ctx, devicePath, localAgentPath); err != nil {
		return xerr.Errorf(xerr.DeviceProtocol, "push agent binary to %s: %w", devicePath, err)
	}

	_ = bar.Set64(info.Size())

	if p.logger != nil {
		p.logger.Infow("agent pushed", "device", serialOf(caps), "bytes", humanize.Bytes(uint64(info.Size())))
	}

	verifyHash, err := remoteHash(ctx, caps, devicePath)
	if err != nil {
		return xerr.Errorf(xerr.DeviceProtocol, "verify pushed agent binary: %w", err)
	}

	if verifyHash != localHash {
		return xerr.Errorf(xerr.DeviceProtocol, "agent binary hash mismatch after push: got %s want %s", verifyHash, localHash)
	}

	return nil
}

func remoteHash(ctx context.Context, caps devcap.Capabilities, devicePath string) (string, error) {
	out, err := caps.ShellExecute(ctx, fmt.Sprintf("sha1sum '%s' 2>/dev/null", devicePath))
	if err != nil {
		return "", err
	}

	fields := strings.Fields(out)
	if len(fields) == 0 {
		return "", xerr.Errorf(xerr.DeviceProtocol, "no agent binary present at %s", devicePath)
	}

	return fields[0], nil
}

func hashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := sha1.New() //nolint:gosec // content-addressing only

	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}

	return fmt.Sprintf("%x", h.Sum(nil)), nil
}

func serialOf(caps devcap.Capabilities) string { return caps.Serial() }
