package cachestore

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"shellcache/internal/logger"
)

const defaultOverflowLogInterval = time.Minute

type rateLimitedLogger struct {
	mu       sync.Mutex
	lastAt   time.Time
	interval time.Duration
	log      logger.Logger
}

func newRateLimitedLogger(log logger.Logger, interval time.Duration) *rateLimitedLogger {
	return &rateLimitedLogger{log: logger.OrNop(log), interval: interval}
}

func (l *rateLimitedLogger) Warn(msg string, fields ...zap.Field) {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := time.Now()
	if !l.lastAt.IsZero() && now.Sub(l.lastAt) < l.interval {
		return
	}
	l.lastAt = now
	l.log.Warn(msg, fields...)
}
