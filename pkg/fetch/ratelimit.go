package fetch

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

// RateLimiter spaces requests to the same host. Each host gets a token bucket with
// burst 1 whose interval is the largest delay any caller has asked for, so sessions
// sharing a host never make it busier than the strictest of them requested.
type RateLimiter struct {
	mu       sync.Mutex
	limiters map[string]*hostLimiter
	log      *logrus.Entry
}

type hostLimiter struct {
	limiter  *rate.Limiter
	interval time.Duration
}

// NewRateLimiter creates an empty per-host limiter
func NewRateLimiter(log *logrus.Entry) *RateLimiter {
	return &RateLimiter{
		limiters: make(map[string]*hostLimiter),
		log:      log,
	}
}

func (rl *RateLimiter) forHost(host string, delay time.Duration) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	hl, ok := rl.limiters[host]
	if !ok {
		hl = &hostLimiter{limiter: rate.NewLimiter(rate.Every(delay), 1), interval: delay}
		rl.limiters[host] = hl
		return hl.limiter
	}
	if delay > hl.interval {
		hl.interval = delay
		hl.limiter.SetLimit(rate.Every(delay))
	}
	return hl.limiter
}

// Wait blocks until a request to host may be made with at least delay since the previous one.
// A non-positive delay never waits. Returns ctx.Err() if ctx ends first.
func (rl *RateLimiter) Wait(ctx context.Context, host string, delay time.Duration) error {
	if delay <= 0 || host == "" {
		return nil
	}
	host = strings.ToLower(host)
	limiter := rl.forHost(host, delay)

	start := time.Now()
	if err := limiter.Wait(ctx); err != nil {
		return err
	}
	if waited := time.Since(start); waited > time.Millisecond {
		rl.log.WithFields(logrus.Fields{"host": host, "waited": waited, "delay": delay}).Debug("Rate limit applied")
	}
	return nil
}

// Len returns the number of hosts being tracked
func (rl *RateLimiter) Len() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.limiters)
}
