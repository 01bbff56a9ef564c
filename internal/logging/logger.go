package logging

import (
	"io"
	"log/slog"
	"os"
)

// New builds the service-wide JSON slog logger at the given level (debug,
// info, warn, error). An unrecognized level falls back to info rather than
// failing boot.
func New(level string) *slog.Logger {
	lvl := new(slog.LevelVar)
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl.Set(slog.LevelInfo)
	}

	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	return slog.New(handler)
}

// Discard returns a logger that drops everything. Handed to middleware and
// services under test so assertions stay quiet.
func Discard() *slog.Logger {
	handler := slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError})
	return slog.New(handler)
}
