// Package logging configures the process-wide slog default.
package logging

import (
	"log/slog"
	"os"

	"github.com/lmittmann/tint"
)

const timeFormat = "2006-01-02 15:04:05.000"

// Configure installs a tinted console handler as the default logger.
func Configure(debug bool) {
	level := slog.LevelInfo
	if debug {
		level = slog.LevelDebug
	}

	handler := tint.NewHandler(os.Stderr, &tint.Options{
		Level:      level,
		TimeFormat: timeFormat,
	})
	slog.SetDefault(slog.New(handler))
}
