package logger

import (
	"fmt"
	"io"
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// LogLevel represents the severity of a log message
type LogLevel int

const (
	LevelDebug LogLevel = iota
	LevelInfo
	LevelWarn
	LevelError
	LevelFatal
)

// String returns the string representation of the log level
func (l LogLevel) String() string {
	switch l {
	case LevelDebug:
		return "DEBUG"
	case LevelInfo:
		return "INFO"
	case LevelWarn:
		return "WARN"
	case LevelError:
		return "ERROR"
	case LevelFatal:
		return "FATAL"
	default:
		return "UNKNOWN"
	}
}

func (l LogLevel) zapLevel() zapcore.Level {
	switch l {
	case LevelDebug:
		return zapcore.DebugLevel
	case LevelWarn:
		return zapcore.WarnLevel
	case LevelError:
		return zapcore.ErrorLevel
	case LevelFatal:
		return zapcore.FatalLevel
	default:
		return zapcore.InfoLevel
	}
}

// ParseLogLevel converts a string to a LogLevel
func ParseLogLevel(level string) LogLevel {
	switch strings.ToLower(level) {
	case "debug":
		return LevelDebug
	case "info":
		return LevelInfo
	case "warn", "warning":
		return LevelWarn
	case "error":
		return LevelError
	case "fatal":
		return LevelFatal
	default:
		return LevelInfo
	}
}

// OutputFormat determines how logs are encoded
type OutputFormat int

const (
	FormatText OutputFormat = iota
	FormatJSON
)

// ParseOutputFormat converts a string to an OutputFormat
func ParseOutputFormat(format string) OutputFormat {
	if strings.EqualFold(format, "json") {
		return FormatJSON
	}
	return FormatText
}

// Config holds logger configuration
type Config struct {
	Level  LogLevel
	Format OutputFormat
	Output io.Writer
	Debug  bool // Convenience flag to set level to Debug
}

// Logger is a thin printf-style facade over a zap logger.
type Logger struct {
	zap   *zap.Logger
	level zap.AtomicLevel
}

// New creates a text logger on stdout.
func New(debug bool) *Logger {
	return NewWithConfig(Config{
		Level:  LevelInfo,
		Format: FormatText,
		Output: os.Stdout,
		Debug:  debug,
	})
}

// NewWithConfig creates a new logger with detailed configuration
func NewWithConfig(cfg Config) *Logger {
	if cfg.Output == nil {
		cfg.Output = os.Stdout
	}

	level := cfg.Level
	if cfg.Debug {
		level = LevelDebug
	}
	atom := zap.NewAtomicLevelAt(level.zapLevel())

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.TimeKey = "timestamp"
	encCfg.MessageKey = "message"
	encCfg.NameKey = "component"
	encCfg.EncodeTime = zapcore.TimeEncoderOfLayout("2006/01/02 15:04:05.000000")

	var enc zapcore.Encoder
	if cfg.Format == FormatJSON {
		enc = zapcore.NewJSONEncoder(encCfg)
	} else {
		encCfg.EncodeLevel = zapcore.CapitalLevelEncoder
		enc = zapcore.NewConsoleEncoder(encCfg)
	}

	core := zapcore.NewCore(enc, zapcore.AddSync(cfg.Output), atom)
	return &Logger{
		zap:   zap.New(core, zap.AddCaller(), zap.AddCallerSkip(1)),
		level: atom,
	}
}

// NewFromZap wraps an existing zap logger, e.g. a zaptest/observer core in tests.
func NewFromZap(z *zap.Logger) *Logger {
	return &Logger{zap: z.WithOptions(zap.AddCallerSkip(1)), level: zap.NewAtomicLevelAt(zapcore.DebugLevel)}
}

// NewNop returns a logger that discards everything.
func NewNop() *Logger {
	return &Logger{zap: zap.NewNop(), level: zap.NewAtomicLevel()}
}

// Zap exposes the underlying zap logger for libraries that take one.
func (l *Logger) Zap() *zap.Logger {
	return l.zap
}

// SetLevel changes the minimum level at runtime.
func (l *Logger) SetLevel(level LogLevel) {
	l.level.SetLevel(level.zapLevel())
}

// Sync flushes buffered entries.
func (l *Logger) Sync() error {
	return l.zap.Sync()
}

// WithFields returns a new logger with additional fields
func (l *Logger) WithFields(fields map[string]interface{}) *Logger {
	return &Logger{zap: l.zap.With(toZap(fields)...), level: l.level}
}

func (l *Logger) Info(format string, args ...interface{}) {
	l.zap.Info(fmt.Sprintf(format, args...))
}

func (l *Logger) InfoWithFields(message string, fields map[string]interface{}) {
	l.zap.Info(message, toZap(fields)...)
}

func (l *Logger) Error(format string, args ...interface{}) {
	l.zap.Error(fmt.Sprintf(format, args...))
}

func (l *Logger) ErrorWithFields(message string, fields map[string]interface{}) {
	l.zap.Error(message, toZap(fields)...)
}

// Debug logs a debug message (only if debug level is enabled)
func (l *Logger) Debug(format string, args ...interface{}) {
	if ce := l.zap.Check(zapcore.DebugLevel, ""); ce == nil {
		return
	}
	l.zap.Debug(fmt.Sprintf(format, args...))
}

func (l *Logger) DebugWithFields(message string, fields map[string]interface{}) {
	l.zap.Debug(message, toZap(fields)...)
}

func (l *Logger) Warn(format string, args ...interface{}) {
	l.zap.Warn(fmt.Sprintf(format, args...))
}

func (l *Logger) WarnWithFields(message string, fields map[string]interface{}) {
	l.zap.Warn(message, toZap(fields)...)
}

// Fatal logs a fatal error and exits
func (l *Logger) Fatal(format string, args ...interface{}) {
	l.zap.Fatal(fmt.Sprintf(format, args...))
}

func (l *Logger) FatalWithFields(message string, fields map[string]interface{}) {
	l.zap.Fatal(message, toZap(fields)...)
}

// With returns a contextual logger with a component name
func (l *Logger) With(component string) *ContextLogger {
	return &ContextLogger{
		zap:       l.zap.Named(component),
		component: component,
	}
}

// ContextLogger is a Logger scoped to one component.
type ContextLogger struct {
	zap       *zap.Logger
	component string
}

// WithFields returns a new context logger with additional fields
func (c *ContextLogger) WithFields(fields map[string]interface{}) *ContextLogger {
	return &ContextLogger{
		zap:       c.zap.With(toZap(fields)...),
		component: c.component,
	}
}

// Component returns the component name this logger was created with.
func (c *ContextLogger) Component() string {
	return c.component
}

func (c *ContextLogger) Info(format string, args ...interface{}) {
	c.zap.Info(fmt.Sprintf(format, args...))
}

func (c *ContextLogger) InfoWithFields(message string, fields map[string]interface{}) {
	c.zap.Info(message, toZap(fields)...)
}

func (c *ContextLogger) Error(format string, args ...interface{}) {
	c.zap.Error(fmt.Sprintf(format, args...))
}

func (c *ContextLogger) ErrorWithFields(message string, fields map[string]interface{}) {
	c.zap.Error(message, toZap(fields)...)
}

func (c *ContextLogger) Debug(format string, args ...interface{}) {
	if ce := c.zap.Check(zapcore.DebugLevel, ""); ce == nil {
		return
	}
	c.zap.Debug(fmt.Sprintf(format, args...))
}

func (c *ContextLogger) DebugWithFields(message string, fields map[string]interface{}) {
	c.zap.Debug(message, toZap(fields)...)
}

func (c *ContextLogger) Warn(format string, args ...interface{}) {
	c.zap.Warn(fmt.Sprintf(format, args...))
}

func (c *ContextLogger) WarnWithFields(message string, fields map[string]interface{}) {
	c.zap.Warn(message, toZap(fields)...)
}

func (c *ContextLogger) Fatal(format string, args ...interface{}) {
	c.zap.Fatal(fmt.Sprintf(format, args...))
}

func (c *ContextLogger) FatalWithFields(message string, fields map[string]interface{}) {
	c.zap.Fatal(message, toZap(fields)...)
}

// toZap converts a field map into zap fields, errors keep their type.
func toZap(fields map[string]interface{}) []zap.Field {
	if len(fields) == 0 {
		return nil
	}
	out := make([]zap.Field, 0, len(fields))
	for k, v := range fields {
		if err, ok := v.(error); ok {
			out = append(out, zap.NamedError(k, err))
			continue
		}
		out = append(out, zap.Any(k, v))
	}
	return out
}
