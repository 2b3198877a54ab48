// Package log provides a thin wrapper around slog with a package-level
// logger. All output goes to stderr: stdout carries the MCP stdio protocol
// and must stay clean.
package log

import (
	"log/slog"
	"os"
)

var logger = slog.New(slog.NewTextHandler(os.Stderr, nil))

// Setup configures the package logger. With verbose enabled, debug
// messages are emitted as well.
func Setup(verbose bool) {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}

	logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	}))
}

// Debug logs a debug message with key-value pairs
func Debug(msg string, args ...any) {
	logger.Debug(msg, args...)
}

// Info logs an informational message with key-value pairs
func Info(msg string, args ...any) {
	logger.Info(msg, args...)
}

// Warn logs a warning message with key-value pairs
func Warn(msg string, args ...any) {
	logger.Warn(msg, args...)
}

// Error logs an error message with key-value pairs
func Error(msg string, args ...any) {
	logger.Error(msg, args...)
}
