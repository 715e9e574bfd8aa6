package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
	"gorm.io/gorm/utils"
)

// slowQueryThreshold is the elapsed time past which a query is logged at
// warn level even when SQL tracing is off. Heartbeats and config pulls hit
// the database constantly, so a query this slow is worth surfacing.
const slowQueryThreshold = 200 * time.Millisecond

// sqlLogger routes GORM's internal logging (queries, slow-query warnings,
// errors) through zap instead of GORM's stdout default. ErrRecordNotFound
// is not logged: the repositories translate it to ErrNotFound and callers
// treat that as a normal outcome.
type sqlLogger struct {
	log   *zap.Logger
	level gormlogger.LogLevel
}

// newZapGORMLogger builds the gormlogger.Interface handed to gorm.Open.
// The zero level means gormlogger.Warn; pass gormlogger.Info to trace every
// statement, gormlogger.Silent to turn GORM logging off entirely.
func newZapGORMLogger(log *zap.Logger, level gormlogger.LogLevel) gormlogger.Interface {
	if level == 0 {
		level = gormlogger.Warn
	}
	// Skip past gorm's callbacks so the caller column points at the
	// repository method, not this adapter.
	return &sqlLogger{log: log.WithOptions(zap.AddCallerSkip(3)), level: level}
}

// LogMode implements gormlogger.Interface; GORM calls it for per-session
// level overrides such as db.Debug().
func (l *sqlLogger) LogMode(level gormlogger.LogLevel) gormlogger.Interface {
	out := *l
	out.level = level
	return &out
}

func (l *sqlLogger) Info(_ context.Context, msg string, args ...any) {
	if l.level >= gormlogger.Info {
		l.log.Info(fmt.Sprintf(msg, args...))
	}
}

func (l *sqlLogger) Warn(_ context.Context, msg string, args ...any) {
	if l.level >= gormlogger.Warn {
		l.log.Warn(fmt.Sprintf(msg, args...))
	}
}

func (l *sqlLogger) Error(_ context.Context, msg string, args ...any) {
	if l.level >= gormlogger.Error {
		l.log.Error(fmt.Sprintf(msg, args...))
	}
}

// Trace receives every executed statement with its timing and outcome.
func (l *sqlLogger) Trace(_ context.Context, begin time.Time, fc func() (string, int64), err error) {
	if l.level <= gormlogger.Silent {
		return
	}

	elapsed := time.Since(begin)
	query, rows := fc()
	fields := []zap.Field{
		zap.String("query", query),
		zap.Int64("rows", rows),
		zap.Duration("elapsed", elapsed),
		zap.String("caller", utils.FileWithLineNum()),
	}

	switch {
	case err != nil && !errors.Is(err, gorm.ErrRecordNotFound):
		l.log.Error("query failed", append(fields, zap.Error(err))...)
	case elapsed > slowQueryThreshold:
		l.log.Warn("slow query", fields...)
	case l.level >= gormlogger.Info:
		l.log.Debug("query", fields...)
	}
}
