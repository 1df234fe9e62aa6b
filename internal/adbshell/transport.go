// Package adbshell is the device shell transport:
// running a single shell command on a device and collecting its combined
// output, chunking long argument lists to stay under the adb command-length
// cap, and the two bulk operations (rmFiles, mkDirP) built on top of it.
//
// Grounded on other_examples/google-devx-tools__adb.go's exec.Command-based
// device wrapper (its "; echo ret=$?" exit-status convention, its
// getprop-based ABI read) and on agent/server/adb/raw.go's discipline of
// never trusting shell output without an explicit status check.
package adbshell

import (
	"context"
	"os/exec"
	"strconv"
	"strings"

	"github.com/csnewman/exoinstall/internal/parse"
	"github.com/csnewman/exoinstall/internal/xerr"
	"github.com/csnewman/exoinstall/internal/xlog"
)

// MaxCommandSize is the hard cap the underlying remote-shell protocol
// enforces on a single command: exceeding it silently
// truncates, so every bulk operation must pre-chunk.
const MaxCommandSize = 1019

// statusSentinel is appended by callers that want Execute to verify and
// strip an explicit exit code.
const statusSentinel = "; echo -n :$?"

// WithStatusCheck appends the exit-status sentinel to command, so Execute
// verifies and strips it before returning.
func WithStatusCheck(command string) string {
	return command + statusSentinel
}

// Transport drives one device over `adb -s <serial> shell ...`.
type Transport struct {
	adbPath   string
	serial    string
	agentPath string
	logger    *xlog.Logger
}

// New builds a Transport for one device. agentPath is the on-device path of
// the agent binary, used by verbs (mkdir-p, get-signature) that are issued
// through the agent rather than the bare shell.
func New(adbPath, serial, agentPath string, logger *xlog.Logger) *Transport {
	return &Transport{adbPath: adbPath, serial: serial, agentPath: agentPath, logger: logger}
}

// Serial returns the device serial this Transport talks to.
func (t *Transport) Serial() string { return t.serial }

// AdbPath returns the adb binary path this Transport invokes.
func (t *Transport) AdbPath() string { return t.adbPath }

// Execute runs a single shell command on the device, returning its
// combined stdout+stderr. If command was built with the ";
// echo -n :$?" status sentinel, Execute verifies the trailing exit code and
// strips it before returning; a non-zero exit becomes a device-protocol
// error whose message still carries the command's output for diagnosis.
func (t *Transport) Execute(ctx context.Context, command string) (string, error) {
	raw, err := t.runRaw(ctx, command)
	if err != nil {
		return "", xerr.Errorf(xerr.DeviceProtocol, "shell command failed: %w", err)
	}

	if !strings.Contains(command, statusSentinel) {
		return raw, nil
	}

	return checkStatus(command, raw)
}

func (t *Transport) runRaw(ctx context.Context, command string) (string, error) {
	cmd := exec.CommandContext(ctx, t.adbPath, "-s", t.serial, "shell", command)

	out, err := cmd.CombinedOutput()
	if err != nil {
		if _, isExit := err.(*exec.ExitError); !isExit {
			// adb itself failed to run (device offline, adb not found,
			// etc), as opposed to the remote command exiting non-zero.
			return "", err
		}
	}

	return string(out), nil
}

func checkStatus(command, raw string) (string, error) {
	idx := strings.LastIndex(raw, ":")
	if idx < 0 {
		return "", xerr.Errorf(xerr.DeviceProtocol, "missing exit-status sentinel in output of %q", command)
	}

	body, codeStr := raw[:idx], strings.TrimSpace(raw[idx+1:])

	status, err := strconv.Atoi(codeStr)
	if err != nil {
		return "", xerr.Errorf(xerr.DeviceProtocol, "malformed exit-status sentinel %q in output of %q", codeStr, command)
	}

	if status != 0 {
		return body, xerr.Errorf(xerr.DeviceProtocol, "command %q exited %d: %s", command, status, body)
	}

	return body, nil
}

// GetProp reads a single system property.
func (t *Transport) GetProp(ctx context.Context, name string) (string, error) {
	out, err := t.Execute(ctx, "getprop "+name)
	if err != nil {
		return "", err
	}

	return strings.TrimSpace(out), nil
}

// GetSignature runs the agent's get-signature verb against apkPath and
// validates the single-line result.
func (t *Transport) GetSignature(ctx context.Context, apkPath string) (string, error) {
	out, err := t.Execute(ctx, t.agentPath+" get-signature "+apkPath+statusSentinel)
	if err != nil {
		return "", err
	}

	return parse.ValidateSignatureLine(out)
}
