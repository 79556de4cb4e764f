package logger

import (
	"log/slog"
	"os"
	"strings"
)

// New configures the process logger. Production gets JSON output for log
// aggregation; everything else gets the human-readable text handler at debug.
func New(environment string) *slog.Logger {
	var handler slog.Handler
	if strings.EqualFold(environment, "production") {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo})
	} else {
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug})
	}
	log := slog.New(handler)
	slog.SetDefault(log)
	return log
}
