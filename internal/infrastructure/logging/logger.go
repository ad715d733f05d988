package logging

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/nerrad567/httq/internal/infrastructure/config"
)

// serviceName is attached to every log entry.
const serviceName = "httq"

// statusClientClosed is the status recorded for requests the client
// abandoned before a response was written.
const statusClientClosed = 499

// Logger is the HTTQ structured logger.
//
// Thread Safety:
//   - All methods are safe for concurrent use from multiple goroutines.
type Logger struct {
	*slog.Logger
}

// New builds a logger from the logging section of the config. Every entry
// carries the service name and version.
func New(cfg config.LoggingConfig, version string) *Logger {
	output := io.Writer(os.Stdout)
	if strings.EqualFold(cfg.Output, "stderr") {
		output = os.Stderr
	}
	return newLogger(output, cfg, version)
}

func newLogger(output io.Writer, cfg config.LoggingConfig, version string) *Logger {
	opts := &slog.HandlerOptions{Level: parseLevel(cfg.Level)}

	var handler slog.Handler
	if strings.EqualFold(cfg.Format, "text") {
		handler = slog.NewTextHandler(output, opts)
	} else {
		handler = slog.NewJSONHandler(output, opts)
	}

	return &Logger{Logger: slog.New(handler).With(
		"service", serviceName,
		"version", version,
	)}
}

// parseLevel converts a config level to slog.Level. Unknown levels mean info.
func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Default is the startup logger used until the config is loaded: JSON on
// stdout at info level.
func Default() *Logger {
	return New(config.LoggingConfig{Level: "info", Format: "json"}, "dev")
}

// Discard returns a logger that drops everything.
func Discard() *Logger {
	return &Logger{Logger: slog.New(slog.NewTextHandler(io.Discard, nil))}
}

// ForRequest returns a logger tagged with the request ID and, when the
// request carried a bearer token, its subject.
func (l *Logger) ForRequest(requestID, subject string) *Logger {
	args := make([]any, 0, 4)
	if requestID != "" {
		args = append(args, "request_id", requestID)
	}
	if subject != "" {
		args = append(args, "subject", subject)
	}
	if len(args) == 0 {
		return l
	}
	return &Logger{Logger: l.Logger.With(args...)}
}

// Exchange summarises one bridged request for the log.
type Exchange struct {
	Mode     string
	Outcome  string
	Broker   string // targets without passwords
	Status   int
	Actions  int
	Index    int // failing action, or -1
	Duration time.Duration
	Err      error
}

// LogExchange writes the summary line for a finished bridged request.
//
// Successful and client-cancelled exchanges log at debug, rejected requests
// at info and broker-side failures at warn.
func (l *Logger) LogExchange(ctx context.Context, e Exchange) {
	level := slog.LevelDebug
	switch {
	case e.Status == statusClientClosed:
	case e.Status >= http.StatusInternalServerError:
		level = slog.LevelWarn
	case e.Status >= http.StatusBadRequest:
		level = slog.LevelInfo
	}
	if !l.Enabled(ctx, level) {
		return
	}

	attrs := []slog.Attr{
		slog.String("mode", e.Mode),
		slog.String("outcome", e.Outcome),
		slog.Int("status", e.Status),
		slog.Int("actions", e.Actions),
		slog.Int64("duration_ms", e.Duration.Milliseconds()),
	}
	if e.Broker != "" {
		attrs = append(attrs, slog.String("broker", e.Broker))
	}
	if e.Index >= 0 {
		attrs = append(attrs, slog.Int("index", e.Index))
	}
	if e.Err != nil {
		attrs = append(attrs, slog.String("error", e.Err.Error()))
	}
	l.LogAttrs(ctx, level, "bridge exchange", attrs...)
}
