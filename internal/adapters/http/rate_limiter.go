package http

import (
	"sync"
	"time"

	"github.com/dkeye/voicecall/internal/app"
)

// StartLimiter is a sliding-window limit on call starts per client.
type StartLimiter struct {
	mu       sync.Mutex
	history  map[app.ClientID][]time.Time
	limit    int
	interval time.Duration
	now      func() time.Time
}

// NewStartLimiter allows limit starts per interval. A non-positive limit
// disables limiting.
func NewStartLimiter(limit int, interval time.Duration) *StartLimiter {
	return &StartLimiter{
		history:  make(map[app.ClientID][]time.Time),
		limit:    limit,
		interval: interval,
		now:      time.Now,
	}
}

func (rl *StartLimiter) Allow(id app.ClientID) bool {
	if rl.limit <= 0 {
		return true
	}
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	windowStart := now.Add(-rl.interval)

	attempts := rl.history[id]
	fresh := make([]time.Time, 0, len(attempts)+1)
	for _, t := range attempts {
		if t.After(windowStart) {
			fresh = append(fresh, t)
		}
	}
	if len(fresh) >= rl.limit {
		rl.history[id] = fresh
		return false
	}
	rl.history[id] = append(fresh, now)
	return true
}
