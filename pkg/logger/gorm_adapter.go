package logger

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// GormLogger routes gorm's query log through the context logger,
// so SQL issued during a settlement carries its request, tournament and plan ids.
type GormLogger struct {
	SlowThreshold time.Duration
	LogLevel      gormlogger.LogLevel
	// AuditTables lists tables whose writes are logged at info at any level above silent
	AuditTables []string
}

// NewGormLogger creates a GormLogger at warn level with a 200ms slow threshold.
// Writes to the money tables are always logged.
func NewGormLogger() *GormLogger {
	return &GormLogger{
		SlowThreshold: 200 * time.Millisecond,
		LogLevel:      gormlogger.Warn,
		AuditTables: []string{
			"settlement_plans",
			"settlement_ops",
			"settlement_history",
			"tournament_entries",
		},
	}
}

// LogMode sets the log level
func (l *GormLogger) LogMode(level gormlogger.LogLevel) gormlogger.Interface {
	cp := *l
	cp.LogLevel = level
	return &cp
}

func (l *GormLogger) Info(ctx context.Context, msg string, data ...interface{}) {
	if l.LogLevel >= gormlogger.Info {
		Info(ctx).Msgf(msg, data...)
	}
}

func (l *GormLogger) Warn(ctx context.Context, msg string, data ...interface{}) {
	if l.LogLevel >= gormlogger.Warn {
		Warn(ctx).Msgf(msg, data...)
	}
}

func (l *GormLogger) Error(ctx context.Context, msg string, data ...interface{}) {
	if l.LogLevel >= gormlogger.Error {
		Error(ctx).Msgf(msg, data...)
	}
}

// Trace logs one executed statement
func (l *GormLogger) Trace(ctx context.Context, begin time.Time, fc func() (string, int64), err error) {
	if l.LogLevel <= gormlogger.Silent {
		return
	}

	elapsed := time.Since(begin)

	var event *zerolog.Event
	switch {
	case err != nil && !errors.Is(err, gorm.ErrRecordNotFound) && l.LogLevel >= gormlogger.Error:
		event = Error(ctx).Err(err)
	case l.SlowThreshold != 0 && elapsed > l.SlowThreshold && l.LogLevel >= gormlogger.Warn:
		event = Warn(ctx).Bool("slow_query", true)
	case l.LogLevel >= gormlogger.Info:
		event = Debug(ctx)
	}

	sql, rows := fc()
	if table, ok := l.auditedWrite(sql); ok {
		if event == nil {
			event = Info(ctx)
		}
		event = event.Bool("audit", true).Str("audit_table", table)
	}
	if event == nil {
		return
	}

	event.
		Str("sql", sql).
		Float64("elapsed_ms", float64(elapsed.Nanoseconds())/1e6).
		Int64("rows", rows).
		Msg("gorm query")
}

// auditedWrite reports the audited table an INSERT, UPDATE or DELETE statement touches
func (l *GormLogger) auditedWrite(sql string) (string, bool) {
	head := strings.ToUpper(strings.TrimSpace(sql))
	if !strings.HasPrefix(head, "INSERT") && !strings.HasPrefix(head, "UPDATE") && !strings.HasPrefix(head, "DELETE") {
		return "", false
	}
	for _, table := range l.AuditTables {
		if strings.Contains(sql, `"`+table+`"`) || strings.Contains(sql, "`"+table+"`") || strings.Contains(sql, " "+table+" ") {
			return table, true
		}
	}
	return "", false
}
