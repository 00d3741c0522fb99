package logging

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"

	"go.opentelemetry.io/contrib/bridges/otelslog"

	"github.com/enzyme/linkpreview/internal/config"
)

const instrumentationName = "github.com/enzyme/linkpreview"

// Setup installs the process-wide logger. With exportOTLP set, records also
// go to the global OTel logger provider.
func Setup(cfg config.LogConfig, exportOTLP bool) {
	slog.SetDefault(slog.New(NewHandler(os.Stderr, cfg, exportOTLP)))
}

func NewHandler(w io.Writer, cfg config.LogConfig, exportOTLP bool) slog.Handler {
	opts := &slog.HandlerOptions{Level: ParseLevel(cfg.Level)}

	var local slog.Handler
	if cfg.Format == "json" {
		local = slog.NewJSONHandler(w, opts)
	} else {
		local = slog.NewTextHandler(w, opts)
	}
	if !exportOTLP {
		return local
	}
	return fanout{local, otelslog.NewHandler(instrumentationName)}
}

func ParseLevel(s string) slog.Level {
	switch s {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// fanout sends each record to every handler that accepts its level.
type fanout []slog.Handler

func (f fanout) Enabled(ctx context.Context, level slog.Level) bool {
	for _, h := range f {
		if h.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

func (f fanout) Handle(ctx context.Context, r slog.Record) error {
	var errs []error
	for _, h := range f {
		if h.Enabled(ctx, r.Level) {
			if err := h.Handle(ctx, r.Clone()); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}

func (f fanout) WithAttrs(attrs []slog.Attr) slog.Handler {
	out := make(fanout, len(f))
	for i, h := range f {
		out[i] = h.WithAttrs(attrs)
	}
	return out
}

func (f fanout) WithGroup(name string) slog.Handler {
	out := make(fanout, len(f))
	for i, h := range f {
		out[i] = h.WithGroup(name)
	}
	return out
}
