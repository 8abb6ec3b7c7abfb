package logger

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

func newObservedQueryLogger(level gormlogger.LogLevel) (*QueryLogger, *observer.ObservedLogs) {
	core, logs := observer.New(zapcore.DebugLevel)
	cfg := DefaultQueryLoggerConfig()
	cfg.Level = level
	cfg.Base = zap.New(core)
	return NewQueryLogger(cfg), logs
}

func statement(sql string, rows int64) func() (string, int64) {
	return func() (string, int64) { return sql, rows }
}

func TestQueryLoggerFlagsSlowLedgerStatements(t *testing.T) {
	l, logs := newObservedQueryLogger(gormlogger.Warn)
	ctx := context.Background()
	begin := time.Now().Add(-100 * time.Millisecond)

	l.Trace(ctx, begin, statement(`SELECT COALESCE(SUM(credits), 0) AS total FROM credit_ledger_entries WHERE user_id = ?`, 1), nil)
	// same latency on a non-ledger table stays under the general threshold
	l.Trace(ctx, begin, statement(`SELECT id FROM chat_messages WHERE session_id = ?`, 3), nil)

	entries := logs.All()
	require.Len(t, entries, 1)
	assert.Equal(t, "gorm.slow_query", entries[0].Message)
	assert.Equal(t, zapcore.WarnLevel, entries[0].Level)
	fields := entries[0].ContextMap()
	assert.Equal(t, "credit_ledger_entries", fields["table"])
	assert.Equal(t, true, fields["ledger"])
	assert.Equal(t, "SELECT", fields["operation"])
}

func TestQueryLoggerDowngradesDuplicateKeys(t *testing.T) {
	l, logs := newObservedQueryLogger(gormlogger.Warn)
	ctx := context.Background()

	l.Trace(ctx, time.Now(), statement(`INSERT INTO "payment_events" ("id") VALUES (1)`, 0), fmt.Errorf("insert: %w", gorm.ErrDuplicatedKey))
	l.Trace(ctx, time.Now(), statement(`UPDATE user_credits SET subscription_credits = 0`, 0), errors.New("database is locked"))
	l.Trace(ctx, time.Now(), statement(`SELECT * FROM orders`, 0), gorm.ErrRecordNotFound)

	entries := logs.All()
	require.Len(t, entries, 2)
	assert.Equal(t, "gorm.duplicate_key", entries[0].Message)
	assert.Equal(t, zapcore.WarnLevel, entries[0].Level)
	assert.Equal(t, "payment_events", entries[0].ContextMap()["table"])
	assert.Equal(t, "gorm.query", entries[1].Message)
	assert.Equal(t, zapcore.ErrorLevel, entries[1].Level)
	assert.Equal(t, "UPDATE", entries[1].ContextMap()["operation"])
}

func TestQueryLoggerSilentAndParams(t *testing.T) {
	l, logs := newObservedQueryLogger(gormlogger.Warn)
	silent := l.LogMode(gormlogger.Silent)
	silent.Trace(context.Background(), time.Now().Add(-time.Second), statement(`SELECT 1 FROM user_credits`, 1), errors.New("boom"))
	assert.Zero(t, logs.Len())

	sql, params := l.ParamsFilter(context.Background(), "SELECT * FROM orders WHERE user_id = ?", "u1")
	assert.Equal(t, "SELECT * FROM orders WHERE user_id = ?", sql)
	assert.Nil(t, params)
}

func TestTableFromSQL(t *testing.T) {
	assert.Equal(t, "user_credits", tableFromSQL(`UPDATE user_credits SET x = 1`))
	assert.Equal(t, "payment_events", tableFromSQL(`INSERT INTO "payment_events" ("id") VALUES (1)`))
	assert.Equal(t, "credit_ledger_entries", tableFromSQL("SELECT n FROM (SELECT 1 AS n) t JOIN `credit_ledger_entries` e ON 1=1"))
	assert.Equal(t, "", tableFromSQL("PRAGMA foreign_keys"))
	assert.Equal(t, "UNKNOWN", operationFromSQL("PRAGMA foreign_keys"))
}
