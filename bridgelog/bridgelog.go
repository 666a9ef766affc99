// Package bridgelog provides structured logging for bridgekit components,
// wrapping log/slog the way the teacher's liteclient/logging package does.
package bridgelog

import (
	"io"
	"log/slog"
	"os"

	"github.com/certen/bridgekit/bridgeerr"
)

// Logger wraps *slog.Logger with bridgekit-specific helpers.
type Logger struct {
	*slog.Logger
}

// Config controls logger construction.
type Config struct {
	Level  slog.Level
	Format string // "json" or "text"
	Output io.Writer
}

// DefaultConfig returns sensible defaults: info level, text format, stderr.
func DefaultConfig() Config {
	return Config{Level: slog.LevelInfo, Format: "text", Output: os.Stderr}
}

// New creates a Logger from Config. A zero Config falls back to DefaultConfig.
func New(cfg Config) *Logger {
	if cfg.Output == nil {
		cfg = DefaultConfig()
	}
	opts := &slog.HandlerOptions{Level: cfg.Level}
	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(cfg.Output, opts)
	} else {
		handler = slog.NewTextHandler(cfg.Output, opts)
	}
	return &Logger{Logger: slog.New(handler)}
}

// Discard returns a Logger that drops everything, used as the nil-safe default
// for components constructed without an explicit logger.
func Discard() *Logger {
	return &Logger{Logger: slog.New(slog.NewTextHandler(io.Discard, nil))}
}

// WithComponent returns a Logger tagged with a component name.
func (l *Logger) WithComponent(component string) *Logger {
	if l == nil {
		return Discard().WithComponent(component)
	}
	return &Logger{Logger: l.Logger.With("component", component)}
}

// WithExecution returns a Logger tagged with an executionId, preserving the
// per-executionId ordering the orchestrator relies on for log correlation.
func (l *Logger) WithExecution(executionID string) *Logger {
	if l == nil {
		return Discard().WithExecution(executionID)
	}
	return &Logger{Logger: l.Logger.With("execution_id", executionID)}
}

// WithError returns a Logger with error fields attached, unpacking a
// *bridgeerr.Error's kind/details/context when present.
func (l *Logger) WithError(err error) *Logger {
	if l == nil {
		l = Discard()
	}
	if err == nil {
		return l
	}
	args := []any{"error", err.Error()}
	if be, ok := bridgeerr.As(err); ok {
		args = append(args, "error_kind", string(be.Kind))
		if be.Details != "" {
			args = append(args, "error_details", be.Details)
		}
		for k, v := range be.Context {
			args = append(args, "error_ctx_"+k, v)
		}
	}
	return &Logger{Logger: l.Logger.With(args...)}
}
