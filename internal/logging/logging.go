// Package logging builds the structured logger shared by every fewshot command.
package logging

import (
	"context"
	"io"
	"log/slog"
	"os"

	"github.com/mdobak/go-xerrors"
)

// New returns a text logger writing to w (stderr when nil).
// Debug records are emitted only when debug is set.
func New(debug bool, w io.Writer) *slog.Logger {
	if w == nil {
		w = os.Stderr
	}
	level := slog.LevelInfo
	if debug {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}))
}

// Discard returns a logger that drops everything. Used by tests and library callers
// that do not care about progress output.
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// Err attaches err to a record together with the stack captured at this call site.
func Err(err error) slog.Attr {
	if err == nil {
		return slog.Any("error", nil)
	}
	return slog.Any("error", xerrors.New(err))
}

// Fail logs a terminal error for a command.
func Fail(ctx context.Context, logger *slog.Logger, msg string, err error) {
	if logger == nil {
		return
	}
	logger.ErrorContext(ctx, msg, Err(err))
}
