// Package logger provides structured, tenant-aware logging for the
// tenantcost platform. It wraps zap so that every subsystem logs through the
// same JSON shape (service, tenant_id, trace context) without each call site
// touching zap directly.
package logger

import (
	"context"
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Output formats.
const (
	// JSONFormat outputs logs in JSON format
	JSONFormat = "json"
	// TextFormat outputs logs in human-readable console format
	TextFormat = "text"
)

// Config represents logger configuration
type Config struct {
	Level   string `yaml:"level" json:"level"`
	Format  string `yaml:"format" json:"format"`
	Service string `yaml:"service" json:"service"`
	Version string `yaml:"version" json:"version"`
}

// Logger is a structured logger carrying accumulated fields
type Logger struct {
	zl *zap.SugaredLogger
}

// ParseLevel parses a log level from string, defaulting to info
func ParseLevel(level string) zapcore.Level {
	switch strings.ToUpper(level) {
	case "DEBUG":
		return zapcore.DebugLevel
	case "INFO":
		return zapcore.InfoLevel
	case "WARN", "WARNING":
		return zapcore.WarnLevel
	case "ERROR":
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

// NewLogger creates a new structured logger
func NewLogger(config *Config) *Logger {
	if config == nil {
		config = &Config{Level: "INFO", Format: JSONFormat}
	}

	encoderConfig := zap.NewProductionEncoderConfig()
	encoderConfig.TimeKey = "timestamp"
	encoderConfig.EncodeTime = zapcore.RFC3339NanoTimeEncoder
	encoderConfig.MessageKey = "message"

	var encoder zapcore.Encoder
	if config.Format == TextFormat {
		encoder = zapcore.NewConsoleEncoder(encoderConfig)
	} else {
		encoder = zapcore.NewJSONEncoder(encoderConfig)
	}

	core := zapcore.NewCore(encoder, zapcore.Lock(os.Stdout), ParseLevel(config.Level))
	zl := zap.New(core, zap.AddCaller(), zap.AddCallerSkip(1)).Sugar()

	if config.Service != "" {
		zl = zl.With("service", config.Service)
	}
	if config.Version != "" {
		zl = zl.With("version", config.Version)
	}

	return &Logger{zl: zl}
}

// NewDefaultLogger creates a logger with default configuration
func NewDefaultLogger(service, version string) *Logger {
	return NewLogger(&Config{
		Level:   "INFO",
		Format:  JSONFormat,
		Service: service,
		Version: version,
	})
}

// NewNopLogger creates a logger that discards everything. Used in tests.
func NewNopLogger() *Logger {
	return &Logger{zl: zap.NewNop().Sugar()}
}

// WithField creates a new logger with an additional field
func (l *Logger) WithField(key string, value interface{}) *Logger {
	return &Logger{zl: l.zl.With(key, value)}
}

// WithFields creates a new logger with additional fields
func (l *Logger) WithFields(fields map[string]interface{}) *Logger {
	args := make([]interface{}, 0, len(fields)*2)
	for k, v := range fields {
		args = append(args, k, v)
	}
	return &Logger{zl: l.zl.With(args...)}
}

// WithError creates a new logger with an error field
func (l *Logger) WithError(err error) *Logger {
	return &Logger{zl: l.zl.With("error", err)}
}

// WithContext creates a new logger carrying request-scoped identifiers
// extracted from the context.
func (l *Logger) WithContext(ctx context.Context) *Logger {
	zl := l.zl
	for _, key := range []string{"request_id", "tenant_id", "user_id"} {
		if value := ctx.Value(key); value != nil {
			if s, ok := value.(string); ok && s != "" {
				zl = zl.With(key, s)
			}
		}
	}
	return &Logger{zl: zl}
}

// Debug logs a debug message
func (l *Logger) Debug(message string, args ...interface{}) {
	l.zl.Debugf(message, args...)
}

// Info logs an info message
func (l *Logger) Info(message string, args ...interface{}) {
	l.zl.Infof(message, args...)
}

// Warn logs a warning message
func (l *Logger) Warn(message string, args ...interface{}) {
	l.zl.Warnf(message, args...)
}

// Error logs an error message
func (l *Logger) Error(message string, args ...interface{}) {
	l.zl.Errorf(message, args...)
}

// Fatal logs a fatal message and exits
func (l *Logger) Fatal(message string, args ...interface{}) {
	l.zl.Fatalf(message, args...)
}

// Sync flushes any buffered log entries
func (l *Logger) Sync() error {
	return l.zl.Sync()
}
