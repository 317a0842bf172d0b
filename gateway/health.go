package gateway

import (
	"sync"
	"sync/atomic"
	"time"

	"ignition/logger"
)

// healthTracker counts consecutive REST failures and rate-limits the
// resulting warning log to once per cooldown, resetting on any success.
type healthTracker struct {
	streak    int64
	threshold int
	cooldown  time.Duration

	mu         sync.Mutex
	lastWarned time.Time
}

func newHealthTracker(threshold int, cooldown time.Duration) *healthTracker {
	return &healthTracker{threshold: threshold, cooldown: cooldown}
}

func (h *healthTracker) recordSuccess() {
	atomic.StoreInt64(&h.streak, 0)
}

func (h *healthTracker) recordFailure(op string, err error) {
	n := atomic.AddInt64(&h.streak, 1)
	if int(n) < h.threshold {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if time.Since(h.lastWarned) < h.cooldown {
		return
	}
	h.lastWarned = time.Now()
	logger.Warnf("gateway: %d consecutive failures calling %s, last error: %v", n, op, err)
}
