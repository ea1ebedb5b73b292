package log

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync/atomic"
	"time"
)

var currentLevel atomic.Value // stores slog.Level

// LevelTrace is a custom trace level below debug
const LevelTrace = slog.Level(-8)

func init() {
	level, err := parseLevel(os.Getenv("LOG_LEVEL"))
	if err != nil {
		level = slog.LevelInfo
	}

	currentLevel.Store(level)
	updateHandler()
}

func parseLevel(s string) (slog.Level, error) {
	switch strings.ToUpper(s) {
	case "ERROR":
		return slog.LevelError, nil
	case "WARN", "WARNING":
		return slog.LevelWarn, nil
	case "INFO", "":
		return slog.LevelInfo, nil
	case "DEBUG":
		return slog.LevelDebug, nil
	case "TRACE":
		return LevelTrace, nil
	default:
		return 0, fmt.Errorf("invalid log level: %s", s)
	}
}

// replaceLevel renders the custom trace level by name instead of "DEBUG-4"
func replaceLevel(a slog.Attr) slog.Attr {
	if a.Key == slog.LevelKey {
		if lvl, ok := a.Value.Any().(slog.Level); ok && lvl == LevelTrace {
			return slog.String(slog.LevelKey, "TRACE")
		}
	}
	return a
}

// updateHandler recreates the default handler with the current log level
func updateHandler() {
	level := currentLevel.Load().(slog.Level)

	var handler slog.Handler
	if strings.ToUpper(os.Getenv("LOG_FORMAT")) == "JSON" {
		handler = slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
			Level: level,
			ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
				if a.Key == slog.TimeKey {
					return slog.String("timestamp", a.Value.Time().UTC().Format(time.RFC3339Nano))
				}
				return replaceLevel(a)
			},
		})
	} else {
		handler = slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
			Level: level,
			ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
				if a.Key == slog.TimeKey {
					return slog.String(slog.TimeKey, a.Value.Time().Format("2006-01-02 15:04:05.000-07:00"))
				}
				return replaceLevel(a)
			},
		})
	}

	slog.SetDefault(slog.New(handler))
}

// SetLogLevel atomically updates the log level at runtime
func SetLogLevel(level string) error {
	newLevel, err := parseLevel(level)
	if err != nil {
		return err
	}

	currentLevel.Store(newLevel)
	updateHandler()

	LogInfoWithFields("logging", "Log level changed", map[string]any{
		"new_level": level,
	})

	return nil
}

// GetLogLevel returns the current log level as a string
func GetLogLevel() string {
	switch currentLevel.Load().(slog.Level) {
	case slog.LevelError:
		return "error"
	case slog.LevelWarn:
		return "warn"
	case slog.LevelInfo:
		return "info"
	case slog.LevelDebug:
		return "debug"
	case LevelTrace:
		return "trace"
	default:
		return "unknown"
	}
}

func Logf(format string, args ...any) {
	slog.Default().Info(fmt.Sprintf(format, args...))
}

func LogError(format string, args ...any) {
	slog.Default().Error(fmt.Sprintf(format, args...))
}

func LogWarn(format string, args ...any) {
	slog.Default().Warn(fmt.Sprintf(format, args...))
}

func LogDebug(format string, args ...any) {
	slog.Default().Debug(fmt.Sprintf(format, args...))
}

func buildArgs(component string, fields map[string]any) []any {
	args := make([]any, 0, len(fields)*2+2)
	args = append(args, "component", component)
	for k, v := range fields {
		args = append(args, k, v)
	}
	return args
}

func LogInfoWithFields(component, message string, fields map[string]any) {
	slog.Default().Info(message, buildArgs(component, fields)...)
}

func LogDebugWithFields(component, message string, fields map[string]any) {
	slog.Default().Debug(message, buildArgs(component, fields)...)
}

func LogErrorWithFields(component, message string, fields map[string]any) {
	slog.Default().Error(message, buildArgs(component, fields)...)
}

func LogWarnWithFields(component, message string, fields map[string]any) {
	slog.Default().Warn(message, buildArgs(component, fields)...)
}

func LogTraceWithFields(component, message string, fields map[string]any) {
	if currentLevel.Load().(slog.Level) <= LevelTrace {
		slog.Default().Log(context.Background(), LevelTrace, message, buildArgs(component, fields)...)
	}
}

// Logger is a component-scoped logger handed to the components that need one.
// A nil *Logger falls back to the process default handler.
type Logger struct {
	component string
	handler   *slog.Logger
}

// New returns a Logger that writes through the process default handler.
func New(component string) *Logger {
	return &Logger{component: component}
}

// NewWithHandler returns a Logger bound to a specific slog.Logger.
func NewWithHandler(component string, handler *slog.Logger) *Logger {
	return &Logger{component: component, handler: handler}
}

// Discard returns a Logger that drops everything.
func Discard() *Logger {
	return NewWithHandler("discard", slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func (l *Logger) slogger() (*slog.Logger, string) {
	if l == nil {
		return slog.Default(), "default"
	}
	if l.handler != nil {
		return l.handler, l.component
	}
	return slog.Default(), l.component
}

func (l *Logger) log(level slog.Level, message string, fields map[string]any) {
	logger, component := l.slogger()
	if level == LevelTrace && currentLevel.Load().(slog.Level) > LevelTrace {
		return
	}
	logger.Log(context.Background(), level, message, buildArgs(component, fields)...)
}

func (l *Logger) Info(message string, fields map[string]any) {
	l.log(slog.LevelInfo, message, fields)
}

func (l *Logger) Warn(message string, fields map[string]any) {
	l.log(slog.LevelWarn, message, fields)
}

func (l *Logger) Error(message string, fields map[string]any) {
	l.log(slog.LevelError, message, fields)
}

func (l *Logger) Debug(message string, fields map[string]any) {
	l.log(slog.LevelDebug, message, fields)
}

func (l *Logger) Trace(message string, fields map[string]any) {
	l.log(LevelTrace, message, fields)
}
