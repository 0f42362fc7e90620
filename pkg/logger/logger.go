// Package logger builds the zap loggers used across the crowdsale service
// and carries them through context.
package logger

import (
	"context"
	"io"
	"os"
	"strings"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Format selects the encoder.
type Format string

const (
	FormatJSON    Format = "json"
	FormatConsole Format = "console"
)

// ParseLevel parses a level name. Unknown names map to info.
func ParseLevel(s string) zapcore.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return zapcore.DebugLevel
	case "warn", "warning":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	case "fatal":
		return zapcore.FatalLevel
	default:
		return zapcore.InfoLevel
	}
}

// Options configures the logger.
type Options struct {
	Level       string
	Format      Format
	ServiceName string

	// Output overrides stdout. Used by tests.
	Output io.Writer
}

// DefaultOptions returns sensible defaults for the logger.
func DefaultOptions() Options {
	return Options{
		Level:  "info",
		Format: FormatJSON,
	}
}

// New builds a logger: JSON with ISO8601 timestamps in production, the
// zap development encoder when format is console.
func New(level string, format Format, serviceName string) (*zap.Logger, error) {
	return NewWithOptions(Options{Level: level, Format: format, ServiceName: serviceName})
}

// NewWithOptions builds a logger from opts.
func NewWithOptions(opts Options) (*zap.Logger, error) {
	zapLevel := ParseLevel(opts.Level)

	if opts.Output != nil {
		return withServiceFields(zap.New(zapcore.NewCore(encoder(opts.Format), zapcore.AddSync(opts.Output), zapLevel)), opts.ServiceName), nil
	}

	var config zap.Config
	if opts.Format == FormatConsole {
		config = zap.NewDevelopmentConfig()
	} else {
		config = zap.NewProductionConfig()
		config.EncoderConfig.TimeKey = "timestamp"
		config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
		config.OutputPaths = []string{"stdout"}
		config.ErrorOutputPaths = []string{"stderr"}
	}
	config.Level = zap.NewAtomicLevelAt(zapLevel)

	base, err := config.Build()
	if err != nil {
		return nil, err
	}
	return withServiceFields(base, opts.ServiceName), nil
}

func encoder(format Format) zapcore.Encoder {
	if format == FormatConsole {
		return zapcore.NewConsoleEncoder(zap.NewDevelopmentEncoderConfig())
	}
	cfg := zap.NewProductionEncoderConfig()
	cfg.TimeKey = "timestamp"
	cfg.EncodeTime = zapcore.ISO8601TimeEncoder
	return zapcore.NewJSONEncoder(cfg)
}

func withServiceFields(l *zap.Logger, serviceName string) *zap.Logger {
	if serviceName != "" {
		l = l.With(zap.String("service_name", serviceName))
	}
	if hostname, err := os.Hostname(); err == nil && hostname != "" {
		l = l.With(zap.String("hostname", hostname))
	}
	return l
}

// Context key for logger.
type ctxKey struct{}

// WithContext returns a new context with the logger attached.
func WithContext(ctx context.Context, l *zap.Logger) context.Context {
	return context.WithValue(ctx, ctxKey{}, l)
}

// FromContext retrieves the logger from context, or a no-op logger.
func FromContext(ctx context.Context) *zap.Logger {
	if l, ok := ctx.Value(ctxKey{}).(*zap.Logger); ok {
		return l
	}
	return zap.NewNop()
}

// RequestIDKey is a common field key for request tracing.
const RequestIDKey = "request_id"

// Crowdsale-related logging helpers.
func CrowdsaleID(id string) zap.Field     { return zap.String("crowdsale_id", id) }
func Account(hex string) zap.Field        { return zap.String("account", hex) }
func Value(dec string) zap.Field          { return zap.String("value", dec) }
func Tokens(dec string) zap.Field         { return zap.String("tokens", dec) }
func RoundID(id int) zap.Field            { return zap.Int("round_id", id) }
func RequestID(id string) zap.Field       { return zap.String(RequestIDKey, id) }
func Component(name string) zap.Field     { return zap.String("component", name) }
func Operation(name string) zap.Field     { return zap.String("operation", name) }
func Latency(d time.Duration) zap.Field   { return zap.Duration("latency", d) }
