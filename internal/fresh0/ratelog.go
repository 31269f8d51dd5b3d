package fresh0

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// rateLimitedLogger emits at most one warning per interval and reports how
// many were dropped in between.
type rateLimitedLogger struct {
	mu         sync.Mutex
	lastAt     time.Time
	interval   time.Duration
	suppressed int
	log        zerolog.Logger
}

func newRateLimitedLogger(log zerolog.Logger, interval time.Duration) *rateLimitedLogger {
	return &rateLimitedLogger{log: log, interval: interval}
}

// Warn returns nil while rate limited; zerolog events are nil-safe so the
// caller can chain and Msg unconditionally.
func (l *rateLimitedLogger) Warn() *zerolog.Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := time.Now()
	if !l.lastAt.IsZero() && now.Sub(l.lastAt) < l.interval {
		l.suppressed++
		return nil
	}
	l.lastAt = now
	ev := l.log.Warn()
	if l.suppressed > 0 {
		ev = ev.Int("suppressed", l.suppressed)
		l.suppressed = 0
	}
	return ev
}
