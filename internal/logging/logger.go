// Package logging builds the slog.Logger used across the coordinator
// and scan agent binaries.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"gopkg.in/natefinch/lumberjack.v2"
)

// RotateOptions configures log file rotation via lumberjack. A zero
// value disables rotation: the file grows unbounded, the same as
// plain append-only logging.
type RotateOptions struct {
	MaxSizeMB  int  // megabytes before rotating; 0 disables rotation
	MaxBackups int  // old rotated files to keep
	MaxAgeDays int  // days to keep old rotated files
	Compress   bool // gzip rotated files
}

// NewLogger builds a slog.Logger configured with the given level, format
// and output.
// Supported formats: "json" (default) and "text".
// Supported levels: "debug", "info" (default), "warn", "error".
// If filePath is non-empty, logs are written to stdout + file
// (io.MultiWriter), with the file managed by lumberjack when
// rotate.MaxSizeMB is positive.
// Returns the logger and an io.Closer to be called on shutdown to flush
// and close the file. If filePath is empty, the returned Closer is a
// no-op.
func NewLogger(level, format, filePath string, rotate RotateOptions) (*slog.Logger, io.Closer) {
	lvl := parseLevel(level)
	opts := &slog.HandlerOptions{Level: lvl}

	var w io.Writer = os.Stdout
	var closer io.Closer = io.NopCloser(strings.NewReader(""))

	if filePath != "" {
		if rotate.MaxSizeMB > 0 {
			lj := &lumberjack.Logger{
				Filename:   filePath,
				MaxSize:    rotate.MaxSizeMB,
				MaxBackups: rotate.MaxBackups,
				MaxAge:     rotate.MaxAgeDays,
				Compress:   rotate.Compress,
			}
			w = io.MultiWriter(os.Stdout, lj)
			closer = lj
		} else {
			f, err := os.OpenFile(filePath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
			if err != nil {
				fmt.Fprintf(os.Stderr, "WARNING: could not open log file %q: %v (logging to stdout only)\n", filePath, err)
			} else {
				w = io.MultiWriter(os.Stdout, f)
				closer = f
			}
		}
	}

	var handler slog.Handler
	switch strings.ToLower(format) {
	case "text":
		handler = slog.NewTextHandler(w, opts)
	default:
		handler = slog.NewJSONHandler(w, opts)
	}

	return slog.New(handler), closer
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
