package bridge

import (
	"context"
	"log/slog"
	"os"
)

// Custom levels extending slog's four stdlib levels with TRACE (below
// DEBUG) and SUCCESS (between INFO and WARNING).
const (
	LevelTrace   = slog.LevelDebug - 4
	LevelSuccess = slog.LevelInfo + 2
)

var levelNames = map[slog.Leveler]string{
	LevelTrace:   "TRACE",
	LevelSuccess: "SUCCESS",
}

// levelHandler renders LevelTrace/LevelSuccess with their own names instead
// of falling back to slog's generic "DEBUG+n"/"INFO+n" rendering.
type levelHandler struct {
	slog.Handler
}

func newLevelHandler(w *os.File, minLevel slog.Level) *levelHandler {
	return &levelHandler{
		Handler: slog.NewTextHandler(w, &slog.HandlerOptions{
			Level: minLevel,
			ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
				if a.Key == slog.LevelKey {
					if lvl, ok := a.Value.Any().(slog.Level); ok {
						if name, ok := levelNames[lvl]; ok {
							a.Value = slog.StringValue(name)
						}
					}
				}
				return a
			},
		}),
	}
}

// NewLogger builds the process-wide logger. By default every level goes
// to stdout; levels are not split between stdout and stderr. quiet sends
// everything to stderr instead; silent disables the console sink
// entirely, per CLI flags -q/--quiet and -s/--silent.
func NewLogger(minLevel slog.Level, quiet, silent bool) *slog.Logger {
	if silent {
		return slog.New(slog.NewTextHandler(discardWriter{}, &slog.HandlerOptions{Level: slog.Level(1 << 20)}))
	}
	if quiet {
		return slog.New(newLevelHandler(os.Stderr, minLevel))
	}
	return slog.New(newLevelHandler(os.Stdout, minLevel))
}

type discardWriter struct{}

func (discardWriter) Write(p []byte) (int, error) { return len(p), nil }

func logTrace(ctx context.Context, l *slog.Logger, msg string, args ...any) {
	l.Log(ctx, LevelTrace, msg, args...)
}

func logSuccess(ctx context.Context, l *slog.Logger, msg string, args ...any) {
	l.Log(ctx, LevelSuccess, msg, args...)
}
