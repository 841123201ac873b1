package logger

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"strconv"
	"time"

	apperrors "github.com/chiquitav2/vpn-provisioner/internal/shared/errors"
	"github.com/lmittmann/tint"
)

// Logger is a slog.Logger that knows the provisioner's context fields and
// how to flatten domain errors into attributes.
type Logger struct {
	*slog.Logger
	config LoggerConfig
}

type LogLevel string

const (
	LevelDebug LogLevel = "debug"
	LevelInfo  LogLevel = "info"
	LevelWarn  LogLevel = "warn"
	LevelError LogLevel = "error"
)

type OutputFormat string

const (
	FormatJSON OutputFormat = "json"
	FormatText OutputFormat = "text"
)

// LoggerConfig is the log section of the service configuration.
type LoggerConfig struct {
	Level      LogLevel     `mapstructure:"level" yaml:"level" json:"level"`
	Format     OutputFormat `mapstructure:"format" yaml:"format" json:"format"`
	AddSource  bool         `mapstructure:"add_source" yaml:"add_source" json:"add_source"`
	Component  string       `mapstructure:"component" yaml:"component" json:"component"`
	Version    string       `mapstructure:"version" yaml:"version" json:"version"`
	TimeFormat string       `mapstructure:"time_format" yaml:"time_format" json:"time_format"`
}

func DefaultConfig() LoggerConfig {
	return LoggerConfig{
		Level:      LevelInfo,
		Format:     FormatText,
		Component:  "vpn-provisioner",
		Version:    "unknown",
		TimeFormat: time.RFC3339,
	}
}

// New logs to stdout.
func New(config LoggerConfig) *Logger {
	return NewWithWriter(config, os.Stdout)
}

func NewWithWriter(config LoggerConfig, w io.Writer) *Logger {
	base := slog.New(handlerFor(config, w))
	if config.Component != "" {
		base = base.With(slog.String("component", config.Component))
	}
	return &Logger{Logger: base, config: config}
}

// NewProduction is a JSON logger at info level.
func NewProduction(component, version string) *Logger {
	cfg := DefaultConfig()
	cfg.Format = FormatJSON
	cfg.Component = component
	cfg.Version = version
	return New(cfg)
}

// NewNop discards every record.
func NewNop() *Logger {
	return &Logger{
		Logger: slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError + 1})),
		config: DefaultConfig(),
	}
}

// ParseLevel accepts the slog level names; anything else is info.
func ParseLevel(level string) slog.Level {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return slog.LevelInfo
	}
	return lvl
}

func handlerFor(config LoggerConfig, w io.Writer) slog.Handler {
	level := ParseLevel(string(config.Level))
	if config.Format != FormatText {
		return slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level, AddSource: config.AddSource})
	}
	layout := config.TimeFormat
	if layout == "" {
		layout = time.RFC3339
	}
	return tint.NewHandler(w, &tint.Options{
		Level:      level,
		TimeFormat: layout,
		AddSource:  config.AddSource,
		NoColor:    w != os.Stdout,
	})
}

func (l *Logger) derive(s *slog.Logger, cfg LoggerConfig) *Logger {
	return &Logger{Logger: s, config: cfg}
}

func (l *Logger) With(args ...any) *Logger {
	return l.derive(l.Logger.With(args...), l.config)
}

// WithComponent tags records with a subsystem name under the process component.
func (l *Logger) WithComponent(name string) *Logger {
	cfg := l.config
	cfg.Component = name
	return l.derive(l.Logger.With(slog.String("subsystem", name)), cfg)
}

// WithContext attaches the request, server, config and owner ids carried by ctx.
func (l *Logger) WithContext(ctx context.Context) *Logger {
	f := fieldsFrom(ctx)
	if f == (fields{}) {
		return l
	}
	return l.derive(l.Logger.With(f.attrs()...), l.config)
}

func (l *Logger) Unwrap() *slog.Logger {
	return l.Logger
}

func (l *Logger) ErrorCtx(ctx context.Context, msg string, err error, args ...any) {
	l.WithContext(ctx).Error(msg, append(errorAttrs(err), args...)...)
}

func (l *Logger) WarnCtx(ctx context.Context, msg string, err error, args ...any) {
	l.WithContext(ctx).Warn(msg, append(errorAttrs(err), args...)...)
}

// HTTPRequest records one served request. 4xx log at warn and 5xx at error.
func (l *Logger) HTTPRequest(ctx context.Context, method, path string, status int, duration time.Duration, args ...any) {
	var level slog.Level
	switch status / 100 {
	case 5:
		level = slog.LevelError
	case 4:
		level = slog.LevelWarn
	default:
		level = slog.LevelInfo
	}
	attrs := append([]any{
		slog.String("http_method", method),
		slog.String("http_path", path),
		slog.Int("http_status", status),
		slog.Duration("duration_ms", duration),
	}, args...)
	l.WithContext(ctx).Log(ctx, level, method+" "+path+" "+strconv.Itoa(status), attrs...)
}

func errorAttrs(err error) []any {
	if err == nil {
		return nil
	}
	out := []any{slog.String("error", err.Error())}
	var de apperrors.DomainError
	if !errors.As(err, &de) {
		return out
	}
	out = append(out,
		slog.String("error_domain", de.Domain()),
		slog.String("error_code", de.Code()),
		slog.Bool("retryable", de.Retryable()))
	for k, v := range de.Metadata() {
		out = append(out, slog.Any(k, v))
	}
	return out
}
