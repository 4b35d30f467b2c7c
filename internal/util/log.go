// Package util provides logging and traffic statistics shared by the other
// packages.
package util

import (
	"fmt"
	"strings"

	"github.com/pion/logging"
	"github.com/pterm/pterm"
)

func init() {
	pterm.DefaultLogger.ShowTime = true
	pterm.DefaultLogger.TimeFormat = "02 Jan 15:04:05"
	pterm.DefaultLogger.MaxWidth = 1000
}

// Leveled logging functions backed by pterm's default logger.
// All output goes to stderr by default (pterm's default).

func LogDebug(format string, args ...interface{}) {
	pterm.DefaultLogger.Debug(fmt.Sprintf(format, args...))
}

func LogInfo(format string, args ...interface{}) {
	pterm.DefaultLogger.Info(fmt.Sprintf(format, args...))
}

func LogSuccess(format string, args ...interface{}) {
	pterm.DefaultLogger.Info(fmt.Sprintf(format, args...))
}

func LogWarning(format string, args ...interface{}) {
	pterm.DefaultLogger.Warn(fmt.Sprintf(format, args...))
}

func LogError(format string, args ...interface{}) {
	pterm.DefaultLogger.Error(fmt.Sprintf(format, args...))
}

// EnableDebug configures the logger to show debug messages.
func EnableDebug() {
	pterm.DefaultLogger.Level = pterm.LogLevelDebug
}

// ──────────────────────────────────────────────────────────────────────────────
// pion bridge
// ──────────────────────────────────────────────────────────────────────────────

// LoggerFactory routes pion's internal logs into the pterm logger, prefixing
// every line with the pion scope ("ice", "dtls", "pc", ...).
type LoggerFactory struct {
	// Quiet drops pion's trace and debug output even when debug logging is on.
	Quiet bool
}

var _ logging.LoggerFactory = LoggerFactory{}

// NewLogger returns a leveled logger for the given pion scope.
func (f LoggerFactory) NewLogger(scope string) logging.LeveledLogger {
	return scopedLogger{prefix: "[" + strings.ToLower(scope) + "] ", quiet: f.Quiet}
}

type scopedLogger struct {
	prefix string
	quiet  bool
}

func (l scopedLogger) Trace(msg string) {
	if !l.quiet {
		LogDebug("%s%s", l.prefix, msg)
	}
}

func (l scopedLogger) Tracef(format string, args ...interface{}) {
	l.Trace(fmt.Sprintf(format, args...))
}

func (l scopedLogger) Debug(msg string) {
	if !l.quiet {
		LogDebug("%s%s", l.prefix, msg)
	}
}

func (l scopedLogger) Debugf(format string, args ...interface{}) {
	l.Debug(fmt.Sprintf(format, args...))
}

func (l scopedLogger) Info(msg string) {
	LogInfo("%s%s", l.prefix, msg)
}

func (l scopedLogger) Infof(format string, args ...interface{}) {
	l.Info(fmt.Sprintf(format, args...))
}

func (l scopedLogger) Warn(msg string) {
	LogWarning("%s%s", l.prefix, msg)
}

func (l scopedLogger) Warnf(format string, args ...interface{}) {
	l.Warn(fmt.Sprintf(format, args...))
}

func (l scopedLogger) Error(msg string) {
	LogError("%s%s", l.prefix, msg)
}

func (l scopedLogger) Errorf(format string, args ...interface{}) {
	l.Error(fmt.Sprintf(format, args...))
}
