package tileserver

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"sync/atomic"

	"golang.org/x/term"
)

// discardHandler drops every record. Enabled reports false so callers skip
// formatting entirely.
type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (discardHandler) WithAttrs([]slog.Attr) slog.Handler        { return discardHandler{} }
func (discardHandler) WithGroup(string) slog.Handler             { return discardHandler{} }

var loggerPtr atomic.Pointer[slog.Logger]

func init() {
	loggerPtr.Store(slog.New(discardHandler{}))
}

// SetLogger configures the logger used by the tile server. The package is
// silent until this is called. Passing nil restores the silent default.
//
// Log levels:
//   - debug: per-tile timings, digests, buffer sizes
//   - info: lifecycle (presets loaded, stream finished)
//   - warn: skipped frames, dropped lights
//   - error: render or encode failures
func SetLogger(l *slog.Logger) {
	if l == nil {
		l = slog.New(discardHandler{})
	}
	loggerPtr.Store(l)
}

// Logger returns the current logger.
func Logger() *slog.Logger {
	return loggerPtr.Load()
}

// DebugLog prints a printf-style line at debug level.
func DebugLog(format string, args ...interface{}) {
	l := Logger()
	if !l.Enabled(context.Background(), slog.LevelDebug) {
		return
	}
	l.Debug(fmt.Sprintf(format, args...))
}

var once sync.Once

func DebugLogOnce(format string, args ...interface{}) {
	once.Do(func() {
		DebugLog(format, args...)
	})
}

// NewLogger builds the process logger on f. format is text, json or auto;
// auto picks text for a terminal and json otherwise.
func NewLogger(f *os.File, level, format string) (*slog.Logger, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("log level %q: %w", level, err)
	}
	options := &slog.HandlerOptions{Level: lvl}
	switch strings.ToLower(format) {
	case "text":
		return slog.New(slog.NewTextHandler(f, options)), nil
	case "json":
		return slog.New(slog.NewJSONHandler(f, options)), nil
	case "", "auto":
		if term.IsTerminal(int(f.Fd())) {
			return slog.New(slog.NewTextHandler(f, options)), nil
		}
		return slog.New(slog.NewJSONHandler(f, options)), nil
	}
	return nil, fmt.Errorf("unknown log format %q", format)
}
