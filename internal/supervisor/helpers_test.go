// ABOUTME: Shared helpers for supervisor tests
// ABOUTME: Provides a logger that drops everything
package supervisor

import (
	"io"
	"log/slog"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
