package util

import (
	"fmt"
	"sync/atomic"

	"github.com/pterm/pterm"
)

// debug gates per-packet traces. It mirrors the logger level so the hot
// path checks one atomic instead of the shared logger.
var debug atomic.Bool

func init() {
	pterm.DefaultLogger.ShowTime = true
	pterm.DefaultLogger.TimeFormat = "02 Jan 15:04:05"
	pterm.DefaultLogger.MaxWidth = 1000
}

// Leveled logging functions backed by pterm's default logger.
// All output goes to stderr by default (pterm's default).

func LogDebug(format string, args ...any) {
	pterm.DefaultLogger.Debug(fmt.Sprintf(format, args...))
}

func LogInfo(format string, args ...any) {
	pterm.DefaultLogger.Info(fmt.Sprintf(format, args...))
}

// LogSuccess is an info line tagged status=ok, used for session milestones.
func LogSuccess(format string, args ...any) {
	pterm.DefaultLogger.Info(fmt.Sprintf(format, args...), pterm.DefaultLogger.Args("status", "ok"))
}

func LogWarning(format string, args ...any) {
	pterm.DefaultLogger.Warn(fmt.Sprintf(format, args...))
}

func LogError(format string, args ...any) {
	pterm.DefaultLogger.Error(fmt.Sprintf(format, args...))
}

// LogTrace logs one packet event with key/value pairs. It is silent unless
// debug logging is enabled.
func LogTrace(msg string, keyvals ...any) {
	if !debug.Load() {
		return
	}
	pterm.DefaultLogger.Debug(msg, pterm.DefaultLogger.Args(keyvals...))
}

// EnableDebug shows debug messages and packet traces.
func EnableDebug() { setDebug(true) }

// DebugEnabled reports whether EnableDebug was called.
func DebugEnabled() bool { return debug.Load() }

func setDebug(on bool) {
	debug.Store(on)
	if on {
		pterm.DefaultLogger.Level = pterm.LogLevelDebug
	} else {
		pterm.DefaultLogger.Level = pterm.LogLevelInfo
	}
}
