// Package logger wraps zerolog with context-scoped loggers for the engine.
package logger

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/natefinch/lumberjack.v2"
)

// contextKey is the type for context keys
type contextKey string

const (
	// RequestIDKey is the context key for request ID
	RequestIDKey contextKey = "request_id"
	// LoggerKey is the context key for logger
	LoggerKey contextKey = "logger"
	// PlanIDKey carries the settlement plan being worked on
	PlanIDKey contextKey = "plan_id"
)

var (
	globalLogger zerolog.Logger
	globalWriter *SmartWriter
	initMu       sync.Mutex
)

// Config holds logger configuration
type Config struct {
	Level  string // debug, info, warn, error
	Format string // json, console
	Output io.Writer
	// FlushInterval of the buffered writer, 1s when zero
	FlushInterval time.Duration
}

// InitWithFile initializes logger with rotating file output.
// enableConsole also mirrors every line to stdout.
func InitWithFile(filename string, level string, format string, enableConsole bool) {
	dir := filepath.Dir(filename)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		panic(err)
	}

	logFile := &lumberjack.Logger{
		Filename:   filename,
		MaxSize:    100, // megabytes
		MaxBackups: 5,
		MaxAge:     28, // days
		Compress:   true,
	}

	var output io.Writer = logFile
	if enableConsole {
		output = io.MultiWriter(os.Stdout, logFile)
	}

	Init(Config{
		Level:  level,
		Format: format,
		Output: output,
	})
}

// Init initializes the global logger
func Init(cfg Config) {
	initMu.Lock()
	defer initMu.Unlock()

	zerolog.SetGlobalLevel(parseLevel(cfg.Level))

	output := cfg.Output
	if output == nil {
		output = os.Stdout
	}
	interval := cfg.FlushInterval
	if interval <= 0 {
		interval = time.Second
	}

	if globalWriter != nil {
		_ = globalWriter.Close()
	}
	sw := NewSmartWriter(output, interval)
	globalWriter = sw

	zerolog.CallerMarshalFunc = shortCaller

	var out io.Writer = sw
	if cfg.Format == "console" {
		out = zerolog.ConsoleWriter{
			Out:        sw,
			TimeFormat: "2006-01-02 15:04:05.000",
			FormatLevel: func(i interface{}) string {
				return strings.ToUpper(fmt.Sprintf("%-7s", i))
			},
			FormatCaller: func(i interface{}) string {
				return fmt.Sprintf("%-28s", i)
			},
			PartsOrder: []string{
				zerolog.TimestampFieldName,
				zerolog.LevelFieldName,
				zerolog.CallerFieldName,
				zerolog.MessageFieldName,
			},
		}
	}

	globalLogger = zerolog.New(out).With().Timestamp().Caller().Logger()
}

// shortCaller keeps the last two path elements, e.g. usecase/settlement_uc.go:120
func shortCaller(pc uintptr, file string, line int) string {
	short := file
	count := 0
	for i := len(file) - 1; i > 0; i-- {
		if file[i] == '/' {
			count++
			if count == 2 {
				short = file[i+1:]
				break
			}
		}
	}
	return fmt.Sprintf("%s:%d", short, line)
}

// Flush forces all buffered logs to be written to the underlying writer
func Flush() {
	initMu.Lock()
	w := globalWriter
	initMu.Unlock()
	if w != nil {
		_ = w.Sync()
	}
}

func parseLevel(level string) zerolog.Level {
	switch level {
	case "debug":
		return zerolog.DebugLevel
	case "info":
		return zerolog.InfoLevel
	case "warn":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

// WithRequestID creates a new context with request ID
func WithRequestID(ctx context.Context, requestID string) context.Context {
	l := FromContext(ctx).With().Str("request_id", requestID).Logger()
	ctx = context.WithValue(ctx, RequestIDKey, requestID)
	return context.WithValue(ctx, LoggerKey, &l)
}

// WithRequestIDIfMissing tags ctx with a fresh request ID unless it already has one.
// Background work (scheduler fires, worker tasks) enters through here.
func WithRequestIDIfMissing(ctx context.Context) context.Context {
	if GetRequestID(ctx) != "" {
		return ctx
	}
	return WithRequestID(ctx, GenerateRequestID())
}

// FromContext extracts logger from context, falling back to the global logger
func FromContext(ctx context.Context) *zerolog.Logger {
	if ctx == nil {
		return &globalLogger
	}
	if l, ok := ctx.Value(LoggerKey).(*zerolog.Logger); ok && l != nil {
		return l
	}
	if requestID, ok := ctx.Value(RequestIDKey).(string); ok && requestID != "" {
		l := globalLogger.With().Str("request_id", requestID).Logger()
		return &l
	}
	return &globalLogger
}

// GetRequestID extracts request ID from context
func GetRequestID(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if requestID, ok := ctx.Value(RequestIDKey).(string); ok {
		return requestID
	}
	return ""
}

// WithFields adds fields to the context logger
func WithFields(ctx context.Context, fields map[string]interface{}) context.Context {
	event := FromContext(ctx).With()
	for k, v := range fields {
		event = event.Interface(k, v)
	}
	l := event.Logger()
	return context.WithValue(ctx, LoggerKey, &l)
}

// WithTable tags the context logger with a table id
func WithTable(ctx context.Context, tableID string) context.Context {
	l := FromContext(ctx).With().Str("table_id", tableID).Logger()
	return context.WithValue(ctx, LoggerKey, &l)
}

// WithTournament tags the context logger with a tournament id
func WithTournament(ctx context.Context, tournamentID string) context.Context {
	l := FromContext(ctx).With().Str("tournament_id", tournamentID).Logger()
	return context.WithValue(ctx, LoggerKey, &l)
}

// WithPlan tags the context logger with a settlement plan id
func WithPlan(ctx context.Context, planID string) context.Context {
	if GetPlanID(ctx) == planID {
		return ctx
	}
	l := FromContext(ctx).With().Str("plan_id", planID).Logger()
	ctx = context.WithValue(ctx, PlanIDKey, planID)
	return context.WithValue(ctx, LoggerKey, &l)
}

// GetPlanID extracts the settlement plan id from context
func GetPlanID(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	planID, _ := ctx.Value(PlanIDKey).(string)
	return planID
}

func Debug(ctx context.Context) *zerolog.Event { return FromContext(ctx).Debug() }
func Info(ctx context.Context) *zerolog.Event  { return FromContext(ctx).Info() }
func Warn(ctx context.Context) *zerolog.Event  { return FromContext(ctx).Warn() }
func Error(ctx context.Context) *zerolog.Event { return FromContext(ctx).Error() }
func Fatal(ctx context.Context) *zerolog.Event { return FromContext(ctx).Fatal() }

// Global logger methods, for code paths without a context

func DebugGlobal() *zerolog.Event { return globalLogger.Debug() }
func InfoGlobal() *zerolog.Event  { return globalLogger.Info() }
func WarnGlobal() *zerolog.Event  { return globalLogger.Warn() }
func ErrorGlobal() *zerolog.Event { return globalLogger.Error() }
func FatalGlobal() *zerolog.Event { return globalLogger.Fatal() }
