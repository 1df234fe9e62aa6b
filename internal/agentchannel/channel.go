// Package agentchannel is the file-transfer protocol layer: forwarding a
// TCP port to the device and running the
// key-prefixed handshake that lets the on-device agent receive a file
// without trusting whatever else can reach the forwarded port.
//
// Grounded on agent/client/sync's push-side framing (a shell-issued
// receive command paired with a raw byte stream) and agent/server/adb/raw.go's
// discipline of never assuming a socket write landed until the shell
// command that authorized it has also exited cleanly.
package agentchannel

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"os/exec"
	"strconv"
	"strings"

	"github.com/csnewman/exoinstall/internal/xerr"
	"github.com/csnewman/exoinstall/internal/xlog"
)

// readyMarker is written by the agent to its stdout once it is ready to
// accept the secret key on the TCP side-channel.
const readyMarker = "z1"

// Channel drives the agent's receive-file handshake for one device.
type Channel struct {
	adbPath       string
	serial        string
	agentPath     string
	secretKeySize int
	logger        *xlog.Logger
}

// New builds a Channel. secretKeySize is TEXT_SECRET_KEY_SIZE, a
// build-time constant of the agent binary treated here as configuration.
func New(adbPath, serial, agentPath string, secretKeySize int, logger *xlog.Logger) *Channel {
	return &Channel{
		adbPath:       adbPath,
		serial:        serial,
		agentPath:     agentPath,
		secretKeySize: secretKeySize,
		logger:        logger,
	}
}

// Forward is a scoped handle on a host<->device TCP port forward. Release
// must run on every exit path; the forward is scoped to the current call.
type Forward struct {
	Port    int
	channel *Channel
}

// OpenForward forwards tcp:port on the host to tcp:port on the device.
// The caller releases it with Release once the current installFile call
// is done with it — owned by the current installFile call.
func (c *Channel) OpenForward(ctx context.Context, port int) (*Forward, error) {
	spec := fmt.Sprintf("tcp:%d", port)

	cmd := exec.CommandContext(ctx, c.adbPath, "-s", c.serial, "forward", spec, spec)
	if out, err := cmd.CombinedOutput(); err != nil {
		return nil, xerr.Errorf(xerr.DeviceProtocol, "adb forward %s: %w (%s)", spec, err, string(out))
	}

	return &Forward{Port: port, channel: c}, nil
}

// Release tears down the forward. Failure is logged, not fatal: a stale
// forward left behind after a completed transfer is a benign error, not
// one worth failing the whole install over.
func (f *Forward) Release(ctx context.Context) {
	spec := fmt.Sprintf("tcp:%d", f.Port)

	cmd := exec.CommandContext(ctx, f.channel.adbPath, "-s", f.channel.serial, "forward", "--remove", spec)
	if out, err := cmd.CombinedOutput(); err != nil {
		if f.channel.logger != nil {
			f.channel.logger.Warnw("failed to remove adb forward", "port", f.Port, "err", err, "output", string(out))
		}
	}
}

// InstallFile pushes localSource to devicePath on the device through fwd,
// following the six-step handshake protocol.
func (c *Channel) InstallFile(ctx context.Context, fwd *Forward, devicePath, localSource string) error {
	info, err := os.Stat(localSource)
	if err != nil {
		return xerr.Errorf(xerr.Precondition, "stat local source %s: %w", localSource, err)
	}

	size := info.Size()

	shellCmd := fmt.Sprintf(
		"umask 022 && %s receive-file %d %d '%s' ; echo -n :$?",
		c.agentPath, fwd.Port, size, devicePath,
	)

	cmd := exec.CommandContext(ctx, c.adbPath, "-s", c.serial, "shell", shellCmd)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return xerr.Errorf(xerr.DeviceProtocol, "open stdout pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return xerr.Errorf(xerr.DeviceProtocol, "start receive-file shell command: %w", err)
	}

	reader := bufio.NewReader(stdout)

	transferErr := c.transfer(ctx, fwd, reader, localSource, size)

	remaining, _ := io.ReadAll(reader)

	waitErr := cmd.Wait()

	var shellErr error

	if waitErr != nil {
		if _, isExit := waitErr.(*exec.ExitError); !isExit {
			shellErr = xerr.Errorf(xerr.DeviceProtocol, "receive-file shell command: %w", waitErr)
		}
	}

	if shellErr == nil {
		if _, status, ok := parseTrailingStatus(string(remaining)); ok && status != 0 {
			shellErr = xerr.Errorf(xerr.DeviceProtocol, "receive-file exited %d", status)
		}
	}

	switch {
	case transferErr != nil && shellErr != nil:
		return xerr.WithSuppressed(transferErr, shellErr)
	case transferErr != nil:
		return transferErr
	case shellErr != nil:
		return shellErr
	}

	return c.chmod(ctx, devicePath)
}

// transfer performs steps 2-5 of the handshake: read the secret key off
// stdout, wait for the ready marker, dial the forwarded port, echo the
// key, and stream the file.
func (c *Channel) transfer(ctx context.Context, fwd *Forward, stdout *bufio.Reader, localSource string, size int64) error {
	key := make([]byte, c.secretKeySize)
	if _, err := io.ReadFull(stdout, key); err != nil {
		return xerr.Errorf(xerr.DeviceProtocol, "read secret key: %w", err)
	}

	if err := waitForMarker(stdout, readyMarker); err != nil {
		return err
	}

	dialer := net.Dialer{}

	conn, err := dialer.DialContext(ctx, "tcp", fmt.Sprintf("127.0.0.1:%d", fwd.Port))
	if err != nil {
		return xerr.Errorf(xerr.DeviceProtocol, "dial forwarded port %d: %w", fwd.Port, err)
	}

	defer conn.Close()

	if _, err := conn.Write(key); err != nil {
		return xerr.Errorf(xerr.DeviceProtocol, "write secret key: %w", err)
	}

	f, err := os.Open(localSource)
	if err != nil {
		return xerr.Errorf(xerr.Precondition, "open local source %s: %w", localSource, err)
	}

	defer f.Close()

	if _, err := io.CopyN(conn, f, size); err != nil {
		return xerr.Errorf(xerr.DeviceProtocol, "stream file content: %w", err)
	}

	if cw, ok := conn.(interface{ CloseWrite() error }); ok {
		_ = cw.CloseWrite()
	}

	return nil
}

func (c *Channel) chmod(ctx context.Context, devicePath string) error {
	cmd := exec.CommandContext(ctx, c.adbPath, "-s", c.serial, "shell", fmt.Sprintf("chmod 644 '%s'", devicePath))
	if out, err := cmd.CombinedOutput(); err != nil {
		return xerr.Errorf(xerr.DeviceProtocol, "chmod 644 %s: %w (%s)", devicePath, err, string(out))
	}

	return nil
}

// waitForMarker consumes bytes from r until marker has been observed as a
// substring of what was read, or the stream ends.
func waitForMarker(r *bufio.Reader, marker string) error {
	var window strings.Builder

	for {
		b, err := r.ReadByte()
		if err != nil {
			return xerr.Errorf(xerr.DeviceProtocol, "waiting for ready marker %q: %w", marker, err)
		}

		window.WriteByte(b)

		s := window.String()
		if strings.Contains(s, marker) {
			return nil
		}

		if len(s) > 4*len(marker) {
			// Keep the tail only; the marker can never span more than its
			// own length plus one stale byte.
			window.Reset()
			window.WriteString(s[len(s)-len(marker):])
		}
	}
}

// parseTrailingStatus extracts the ":<code>" suffix appended by the
// status sentinel, returning the body, the parsed code, and whether one
// was found at all.
func parseTrailingStatus(s string) (string, int, bool) {
	idx := strings.LastIndex(s, ":")
	if idx < 0 {
		return s, 0, false
	}

	code, err := strconv.Atoi(strings.TrimSpace(s[idx+1:]))
	if err != nil {
		return s, 0, false
	}

	return s[:idx], code, true
}
