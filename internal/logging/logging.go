// Package logging configures the process-wide logrus logger from settings.
package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/sirupsen/logrus"
)

// MaxLogSize is the size above which the log file is truncated on Setup.
const MaxLogSize = 50 * 1024 * 1024

// Enabled reports whether level turns logging on.
func Enabled(level string) bool {
	level = strings.ToLower(level)
	return level != "" && level != "none" && level != "off"
}

// ParseLevel maps a settings level to a logrus level (case insensitive).
// Unknown levels fall back to debug.
func ParseLevel(level string) logrus.Level {
	switch strings.ToLower(level) {
	case "trace":
		return logrus.TraceLevel
	case "debug":
		return logrus.DebugLevel
	case "info":
		return logrus.InfoLevel
	case "warn":
		return logrus.WarnLevel
	default:
		return logrus.DebugLevel
	}
}

// Setup points the standard logrus logger at the file at path, or discards
// output when level disables logging. The returned closer releases the file.
func Setup(level, path string) (io.Closer, error) {
	if !Enabled(level) {
		logrus.SetOutput(io.Discard)
		return io.NopCloser(nil), nil
	}

	if err := truncate(path, MaxLogSize); err != nil {
		// Non-fatal
		fmt.Fprintf(os.Stderr, "Warning: failed to truncate log file: %v\n", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}
	logFile, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0600)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file: %w", err)
	}
	logrus.SetOutput(logFile)
	logrus.SetLevel(ParseLevel(level))
	return logFile, nil
}

func truncate(path string, limit int64) error {
	info, err := os.Stat(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	if info.Size() <= limit {
		return nil
	}
	return os.Truncate(path, 0)
}
