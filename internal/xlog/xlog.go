// Package xlog wraps zap the way agent/bin/server/main.go does
// (zap.NewDevelopment().Sugar()), adding the per-device and
// per-package field scoping the installer's multi-device fan-out needs so
// every log line in a concurrent run is attributable to a target.
package xlog

import "go.uber.org/zap"

// Logger is a *zap.SugaredLogger with domain-specific field helpers.
type Logger struct {
	*zap.SugaredLogger
}

// New builds a development logger (human-readable, colorized if a TTY) and
// returns a sync function that must be called before process exit.
func New() (*Logger, func()) {
	base, err := zap.NewDevelopment()
	if err != nil {
		// zap.NewDevelopment only fails on a broken encoder config; the
		// stock development config never does, so this is unreachable in
		// this codebase.
		panic(err)
	}

	sugar := base.Sugar()

	return &Logger{SugaredLogger: sugar}, func() { _ = base.Sync() }
}

// NewNop returns a Logger that discards everything, for tests and dry runs
// that don't want to configure a real sink.
func NewNop() *Logger {
	return &Logger{SugaredLogger: zap.NewNop().Sugar()}
}

// ForDevice scopes subsequent log lines with the device's serial.
func (l *Logger) ForDevice(serial string) *Logger {
	return &Logger{SugaredLogger: l.With("device", serial)}
}

// ForPackage scopes subsequent log lines with the package under install.
func (l *Logger) ForPackage(pkg string) *Logger {
	return &Logger{SugaredLogger: l.With("package", pkg)}
}
