package logger

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
	gormlogger "gorm.io/gorm/logger"
)

var _ gormlogger.Interface = (*GormLogger)(nil)

func query(sql string, rows int64) func() (string, int64) {
	return func() (string, int64) { return sql, rows }
}

func TestGormLogger_Trace(t *testing.T) {
	const stmt = "INSERT INTO usage_records (customer_id, idempotence_key) VALUES ('cus_1','k1')"

	t.Run("error", func(t *testing.T) {
		core, recorded := observer.New(zapcore.DebugLevel)
		gl := NewGormLogger(zap.New(core), gormlogger.Error)

		gl.Trace(context.Background(), time.Now(), query(stmt, 0), errors.New("deadlock"))

		require.Equal(t, 1, recorded.Len())
		assert.Equal(t, "statement failed", recorded.All()[0].Message)
	})

	t.Run("record not found ignored", func(t *testing.T) {
		core, recorded := observer.New(zapcore.DebugLevel)
		gl := NewGormLogger(zap.New(core), gormlogger.Error, WithIgnoreRecordNotFoundError(true))

		gl.Trace(context.Background(), time.Now(), query(stmt, 0), gormlogger.ErrRecordNotFound)

		assert.Zero(t, recorded.Len())
	})

	t.Run("slow query", func(t *testing.T) {
		core, recorded := observer.New(zapcore.DebugLevel)
		gl := NewGormLogger(zap.New(core), gormlogger.Warn, WithSlowThreshold(time.Nanosecond))

		gl.Trace(context.Background(), time.Now().Add(-time.Second), query(stmt, 1), nil)

		require.Equal(t, 1, recorded.Len())
		assert.Equal(t, "slow statement", recorded.All()[0].Message)
	})

	t.Run("silent", func(t *testing.T) {
		core, recorded := observer.New(zapcore.DebugLevel)
		gl := NewGormLogger(zap.New(core), gormlogger.Silent)

		gl.Trace(context.Background(), time.Now(), query(stmt, 1), errors.New("ignored"))

		assert.Zero(t, recorded.Len())
	})

	t.Run("statement text only with WithSQL", func(t *testing.T) {
		core, recorded := observer.New(zapcore.DebugLevel)
		ctx := WithProjectID(WithRequestID(context.Background(), "req-1"), "proj_1")

		NewGormLogger(zap.New(core), gormlogger.Info).Trace(ctx, time.Now(), query(stmt, 1), nil)
		NewGormLogger(zap.New(core), gormlogger.Info, WithSQL(true)).Trace(ctx, time.Now(), query(stmt, 1), nil)

		entries := recorded.All()
		require.Len(t, entries, 2)
		assert.NotContains(t, entries[0].ContextMap(), "sql")
		assert.Equal(t, stmt, entries[1].ContextMap()["sql"])
		assert.Equal(t, "req-1", entries[1].ContextMap()["request_id"])
		assert.Equal(t, "proj_1", entries[1].ContextMap()["project_id"])
	})
}

func TestGormLogger_LogMode(t *testing.T) {
	core, recorded := observer.New(zapcore.DebugLevel)
	gl := NewGormLogger(zap.New(core), gormlogger.Silent)

	gl.Info(context.Background(), "suppressed %d", 1)
	assert.Zero(t, recorded.Len())

	loud := gl.LogMode(gormlogger.Info)
	loud.Info(context.Background(), "visible %d", 2)
	loud.Warn(context.Background(), "warn")
	loud.Error(context.Background(), "error")
	assert.Equal(t, 3, recorded.Len())
}

func TestMapGormLogLevel(t *testing.T) {
	assert.Equal(t, gormlogger.Silent, MapGormLogLevel("silent"))
	assert.Equal(t, gormlogger.Error, MapGormLogLevel("error"))
	assert.Equal(t, gormlogger.Warn, MapGormLogLevel("warn"))
	assert.Equal(t, gormlogger.Info, MapGormLogLevel("debug"))
	assert.Equal(t, gormlogger.Warn, MapGormLogLevel("other"))
}
