package fetch

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"

	"github.com/Sriram-PR/site-scraper/pkg/utils"
)

// hostSlot is one host's permit pool plus the bookkeeping eviction needs
type hostSlot struct {
	sem      *semaphore.Weighted
	inUse    int64     // held + waiting permits
	lastUsed time.Time // zero until the first release
}

// HostSemaphorePool caps in-flight requests per host across every session in the
// process. Page fetches, downloads and robots.txt fetches all draw from it.
type HostSemaphorePool struct {
	mu      sync.Mutex
	slots   map[string]*hostSlot
	limit   int64
	timeout time.Duration // 0 waits as long as ctx allows
	log     *logrus.Entry
}

// NewHostSemaphorePool creates a pool allowing maxPerHost concurrent requests per host.
// acquireTimeout bounds how long Acquire waits before failing with ErrSemaphoreTimeout.
func NewHostSemaphorePool(maxPerHost int, acquireTimeout time.Duration, log *logrus.Entry) *HostSemaphorePool {
	limit := int64(maxPerHost)
	if limit <= 0 {
		limit = 2
		log.Warnf("max_requests_per_host invalid or zero, defaulting to %d", limit)
	}
	return &HostSemaphorePool{
		slots:   make(map[string]*hostSlot),
		limit:   limit,
		timeout: acquireTimeout,
		log:     log,
	}
}

// Acquire takes one permit for host, blocking until one frees up, ctx ends or the
// acquire timeout passes. Every successful Acquire must be paired with Release.
func (p *HostSemaphorePool) Acquire(ctx context.Context, host string) error {
	host = strings.ToLower(host)

	p.mu.Lock()
	slot, ok := p.slots[host]
	if !ok {
		slot = &hostSlot{sem: semaphore.NewWeighted(p.limit)}
		p.slots[host] = slot
	}
	slot.inUse++
	p.mu.Unlock()

	acquireCtx := ctx
	if p.timeout > 0 {
		var cancel context.CancelFunc
		acquireCtx, cancel = context.WithTimeout(ctx, p.timeout)
		defer cancel()
	}

	if err := slot.sem.Acquire(acquireCtx, 1); err != nil {
		p.mu.Lock()
		slot.inUse--
		p.mu.Unlock()
		if ctx.Err() == nil && errors.Is(err, context.DeadlineExceeded) {
			return fmt.Errorf("%w: host %s after %v", utils.ErrSemaphoreTimeout, host, p.timeout)
		}
		return err
	}
	return nil
}

// Release returns one permit for host
func (p *HostSemaphorePool) Release(host string) {
	host = strings.ToLower(host)

	p.mu.Lock()
	slot, ok := p.slots[host]
	if !ok {
		p.mu.Unlock()
		p.log.Errorf("Release called for unknown host: %s", host)
		return
	}
	slot.inUse--
	slot.lastUsed = time.Now()
	p.mu.Unlock()

	slot.sem.Release(1)
}

// RunEviction drops idle hosts every interval until ctx is done. Should be run in a goroutine.
func (p *HostSemaphorePool) RunEviction(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			p.evictIdle(interval)
		case <-ctx.Done():
			p.log.Debugf("Stopping host semaphore eviction: %v", ctx.Err())
			return
		}
	}
}

func (p *HostSemaphorePool) evictIdle(maxIdle time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := time.Now()
	evicted := 0
	for host, slot := range p.slots {
		if slot.inUse == 0 && !slot.lastUsed.IsZero() && now.Sub(slot.lastUsed) >= maxIdle {
			delete(p.slots, host)
			evicted++
		}
	}
	if evicted > 0 {
		p.log.Debugf("Evicted %d idle host semaphores, %d remain", evicted, len(p.slots))
	}
}

// Len returns the number of tracked hosts
func (p *HostSemaphorePool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.slots)
}
