package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	gormLogger "gorm.io/gorm/logger"

	"github.com/okian/tutorrisk/pkg/logger"
)

// gormLog routes gorm's messages into the structured logger. Query traces are
// reported for failures and slow statements, and at debug otherwise.
type gormLog struct {
	log   logger.Logger
	level gormLogger.LogLevel
	slow  time.Duration
}

func newGormLog(l logger.Logger, slow time.Duration) *gormLog {
	return &gormLog{log: l, level: gormLogger.Warn, slow: slow}
}

// LogMode implements gormLogger.Interface.
func (g *gormLog) LogMode(level gormLogger.LogLevel) gormLogger.Interface {
	c := *g
	c.level = level
	return &c
}

func (g *gormLog) Info(ctx context.Context, msg string, args ...any) {
	if g.level >= gormLogger.Info {
		g.log.Info(ctx, fmt.Sprintf(msg, args...))
	}
}

func (g *gormLog) Warn(ctx context.Context, msg string, args ...any) {
	if g.level >= gormLogger.Warn {
		g.log.Warn(ctx, fmt.Sprintf(msg, args...))
	}
}

func (g *gormLog) Error(ctx context.Context, msg string, args ...any) {
	if g.level >= gormLogger.Error {
		g.log.Error(ctx, fmt.Sprintf(msg, args...))
	}
}

// Trace implements gormLogger.Interface.
func (g *gormLog) Trace(ctx context.Context, begin time.Time, fc func() (string, int64), err error) {
	if g.level <= gormLogger.Silent {
		return
	}
	elapsed := time.Since(begin)
	switch {
	case err != nil && g.level >= gormLogger.Error && !errors.Is(err, gorm.ErrRecordNotFound):
		sql, rows := fc()
		g.log.Error(ctx, "query failed",
			logger.String("sql", sql),
			logger.Any("rows", rows),
			logger.Duration("took", elapsed),
			logger.Error(err),
		)
	case g.slow > 0 && elapsed > g.slow && g.level >= gormLogger.Warn:
		sql, rows := fc()
		g.log.Warn(ctx, "slow query",
			logger.String("sql", sql),
			logger.Any("rows", rows),
			logger.Duration("took", elapsed),
			logger.Duration("threshold", g.slow),
		)
	case g.level >= gormLogger.Info:
		sql, rows := fc()
		g.log.Debug(ctx, "query",
			logger.String("sql", sql),
			logger.Any("rows", rows),
			logger.Duration("took", elapsed),
		)
	}
}

var _ gormLogger.Interface = (*gormLog)(nil)
