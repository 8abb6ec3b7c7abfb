package logger

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// ledgerTables sit on the request path of every billed call.
var ledgerTables = map[string]bool{
	"credit_ledger_entries": true,
	"user_credits":          true,
	"orders":                true,
	"payment_events":        true,
}

var tablePattern = regexp.MustCompile(`(?i)\b(?:from|into|update|join)\s+["` + "`" + `]?([a-z_][a-z0-9_]*)`)

// QueryLoggerConfig configures QueryLogger.
type QueryLoggerConfig struct {
	Level gormlogger.LogLevel
	// SlowThreshold applies to every statement; LedgerSlowThreshold replaces
	// it for statements touching ledger tables.
	SlowThreshold       time.Duration
	LedgerSlowThreshold time.Duration
	// Base defaults to the global logger.
	Base *zap.Logger
}

func DefaultQueryLoggerConfig() QueryLoggerConfig {
	return QueryLoggerConfig{
		Level:               gormlogger.Warn,
		SlowThreshold:       200 * time.Millisecond,
		LedgerSlowThreshold: 50 * time.Millisecond,
	}
}

// QueryLogger is the gorm logger. Statements carry the table they touch and
// whether it belongs to the ledger. Bound values are never logged.
// Unique-key violations are warnings since idempotent inserts rely on them.
type QueryLogger struct {
	cfg QueryLoggerConfig
}

func NewQueryLogger(cfg QueryLoggerConfig) *QueryLogger {
	return &QueryLogger{cfg: cfg}
}

func (l *QueryLogger) LogMode(level gormlogger.LogLevel) gormlogger.Interface {
	next := *l
	next.cfg.Level = level
	return &next
}

func (l *QueryLogger) Info(ctx context.Context, msg string, data ...any) {
	if l.cfg.Level >= gormlogger.Info {
		l.logger(ctx).Info(fmt.Sprintf(msg, data...), zap.String("component", "gorm"))
	}
}

func (l *QueryLogger) Warn(ctx context.Context, msg string, data ...any) {
	if l.cfg.Level >= gormlogger.Warn {
		l.logger(ctx).Warn(fmt.Sprintf(msg, data...), zap.String("component", "gorm"))
	}
}

func (l *QueryLogger) Error(ctx context.Context, msg string, data ...any) {
	if l.cfg.Level >= gormlogger.Error {
		l.logger(ctx).Error(fmt.Sprintf(msg, data...), zap.String("component", "gorm"))
	}
}

func (l *QueryLogger) Trace(ctx context.Context, begin time.Time, fc func() (string, int64), err error) {
	if l.cfg.Level <= gormlogger.Silent {
		return
	}
	elapsed := time.Since(begin)
	sql, rows := fc()
	table := tableFromSQL(sql)
	ledger := ledgerTables[table]

	fields := []zap.Field{
		zap.String("component", "gorm"),
		zap.String("sql", strings.TrimSpace(sql)),
		zap.String("operation", operationFromSQL(sql)),
		zap.String("table", table),
		zap.Bool("ledger", ledger),
		zap.Int64("duration_ms", elapsed.Milliseconds()),
	}
	if rows >= 0 {
		fields = append(fields, zap.Int64("rows_affected", rows))
	}

	log := l.logger(ctx)
	switch {
	case err != nil && errors.Is(err, gorm.ErrRecordNotFound):
		if l.cfg.Level >= gormlogger.Info {
			log.Debug("gorm.query", fields...)
		}
	case err != nil && errors.Is(err, gorm.ErrDuplicatedKey):
		if l.cfg.Level >= gormlogger.Warn {
			log.Warn("gorm.duplicate_key", append(fields, zap.Error(err))...)
		}
	case err != nil:
		if l.cfg.Level >= gormlogger.Error {
			log.Error("gorm.query", append(fields, zap.Error(err))...)
		}
	case l.slow(elapsed, ledger) && l.cfg.Level >= gormlogger.Warn:
		log.Warn("gorm.slow_query", fields...)
	case l.cfg.Level >= gormlogger.Info:
		log.Debug("gorm.query", fields...)
	}
}

// ParamsFilter drops bound values; they carry user ids and payloads.
func (l *QueryLogger) ParamsFilter(_ context.Context, sql string, _ ...any) (string, []any) {
	return sql, nil
}

func (l *QueryLogger) slow(elapsed time.Duration, ledger bool) bool {
	threshold := l.cfg.SlowThreshold
	if ledger && l.cfg.LedgerSlowThreshold > 0 {
		threshold = l.cfg.LedgerSlowThreshold
	}
	return threshold > 0 && elapsed > threshold
}

func (l *QueryLogger) logger(ctx context.Context) *zap.Logger {
	base := l.cfg.Base
	if base == nil {
		base = zap.L()
	}
	return WithContext(ctx, base)
}

func tableFromSQL(sql string) string {
	m := tablePattern.FindStringSubmatch(sql)
	if len(m) < 2 {
		return ""
	}
	return strings.ToLower(m[1])
}

func operationFromSQL(sql string) string {
	for _, token := range strings.Fields(strings.ToUpper(sql)) {
		token = strings.Trim(token, "();")
		switch token {
		case "SELECT", "INSERT", "UPDATE", "DELETE":
			return token
		}
	}
	return "UNKNOWN"
}

var _ gormlogger.Interface = (*QueryLogger)(nil)
