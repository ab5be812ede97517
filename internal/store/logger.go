package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// GormLogger routes gorm output through slog. Queries are logged at debug,
// queries slower than the threshold at warn and failures at error.
// Record-not-found is not an error here.
type GormLogger struct {
	logger *slog.Logger
	slow   time.Duration
	level  gormlogger.LogLevel
}

var _ gormlogger.Interface = (*GormLogger)(nil)

// NewGormLogger derives the gorm level from the slog handler's enabled level.
func NewGormLogger(logger *slog.Logger, slow time.Duration) *GormLogger {
	logger = logger.With("component", "store")
	level := gormlogger.Warn
	switch {
	case logger.Enabled(context.Background(), slog.LevelDebug):
		level = gormlogger.Info
	case !logger.Enabled(context.Background(), slog.LevelWarn):
		level = gormlogger.Error
	}
	return &GormLogger{logger: logger, slow: slow, level: level}
}

func (l *GormLogger) LogMode(level gormlogger.LogLevel) gormlogger.Interface {
	cp := *l
	cp.level = level
	return &cp
}

func (l *GormLogger) Info(ctx context.Context, msg string, args ...any) {
	if l.level >= gormlogger.Info {
		l.logger.InfoContext(ctx, fmt.Sprintf(msg, args...))
	}
}

func (l *GormLogger) Warn(ctx context.Context, msg string, args ...any) {
	if l.level >= gormlogger.Warn {
		l.logger.WarnContext(ctx, fmt.Sprintf(msg, args...))
	}
}

func (l *GormLogger) Error(ctx context.Context, msg string, args ...any) {
	if l.level >= gormlogger.Error {
		l.logger.ErrorContext(ctx, fmt.Sprintf(msg, args...))
	}
}

func (l *GormLogger) Trace(ctx context.Context, begin time.Time, fc func() (string, int64), err error) {
	if l.level <= gormlogger.Silent {
		return
	}
	elapsed := time.Since(begin)

	switch {
	case err != nil && !errors.Is(err, gorm.ErrRecordNotFound) && l.level >= gormlogger.Error:
		sql, rows := fc()
		l.logger.ErrorContext(ctx, "query failed", "error", err, "sql", sql, "rows", rows, "elapsed", elapsed)
	case l.slow > 0 && elapsed > l.slow && l.level >= gormlogger.Warn:
		sql, rows := fc()
		l.logger.WarnContext(ctx, "slow query", "sql", sql, "rows", rows, "elapsed", elapsed, "threshold", l.slow)
	case l.level >= gormlogger.Info:
		sql, rows := fc()
		l.logger.DebugContext(ctx, "query", "sql", sql, "rows", rows, "elapsed", elapsed)
	}
}
