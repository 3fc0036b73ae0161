// Package logger configures conductor's structured logging.
//
// Every component in this module takes an optional *slog.Logger rather than
// reaching for a package-level global, so tests can inject a capturing
// handler. This package only supplies the shared defaults: level parsing and
// a handler that drops noisy subsystems' records below a configurable floor
// level.
package logger

import (
	"context"
	"log/slog"
	"strings"
)

// ParseLevel converts a case-insensitive level name to a slog.Level.
// Unknown names fall back to warn rather than erroring, since a typo in a
// config file shouldn't take down the runtime.
func ParseLevel(name string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "debug":
		return slog.LevelDebug, nil
	case "info", "":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelWarn, nil
	}
}

// Subsystem tags a log record with the component that produced it
// ("transport", "upstream", "mcpbridge", "lspbridge", "orchestrator", ...).
// Call sites do this with slog.With("subsystem", ...) rather than a
// dedicated type; Subsystem just centralizes the known names so they don't
// drift across packages.
type Subsystem string

const (
	SubsystemTransport    Subsystem = "transport"
	SubsystemUpstream     Subsystem = "upstream"
	SubsystemPool         Subsystem = "pool"
	SubsystemMCPBridge    Subsystem = "mcpbridge"
	SubsystemLSPBridge    Subsystem = "lspbridge"
	SubsystemToolRegistry Subsystem = "toolregistry"
	SubsystemWorker       Subsystem = "worker"
	SubsystemOrchestrator Subsystem = "orchestrator"
	SubsystemConfig       Subsystem = "config"
	SubsystemMetrics      Subsystem = "metrics"
)

// With returns a child logger tagged with the given subsystem. If base is
// nil, slog.Default() is used.
func With(base *slog.Logger, sub Subsystem) *slog.Logger {
	if base == nil {
		base = slog.Default()
	}
	return base.With("subsystem", string(sub))
}

// quietHandler wraps a slog.Handler and suppresses records from noisy
// subsystems below minLevel, regardless of the handler's own level. This
// mirrors third-party-library log suppression: every record from a quiet
// subsystem below minLevel is dropped, debug records included.
type quietHandler struct {
	next     slog.Handler
	quiet    map[string]bool
	minLevel slog.Level
}

// NewQuietHandler wraps next, suppressing records whose "subsystem"
// attribute is in quietSubsystems unless the record's level is >= minLevel.
func NewQuietHandler(next slog.Handler, minLevel slog.Level, quietSubsystems ...string) slog.Handler {
	quiet := make(map[string]bool, len(quietSubsystems))
	for _, s := range quietSubsystems {
		quiet[s] = true
	}
	return &quietHandler{next: next, quiet: quiet, minLevel: minLevel}
}

func (h *quietHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.next.Enabled(ctx, level)
}

func (h *quietHandler) Handle(ctx context.Context, r slog.Record) error {
	if r.Level < h.minLevel {
		suppressed := false
		r.Attrs(func(a slog.Attr) bool {
			if a.Key == "subsystem" && h.quiet[a.Value.String()] {
				suppressed = true
				return false
			}
			return true
		})
		if suppressed {
			return nil
		}
	}
	return h.next.Handle(ctx, r)
}

func (h *quietHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &quietHandler{next: h.next.WithAttrs(attrs), quiet: h.quiet, minLevel: h.minLevel}
}

func (h *quietHandler) WithGroup(name string) slog.Handler {
	return &quietHandler{next: h.next.WithGroup(name), quiet: h.quiet, minLevel: h.minLevel}
}
