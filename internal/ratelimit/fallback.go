package ratelimit

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Fallback throttles traffic that has no resolved actor identity, keyed by
// origin address. It is a best-effort, non-durable stand-in for the
// persistent tracker: token buckets approximating the configured per-window
// ceiling, no violation history, nothing survives a restart. Entries idle
// past the horizon are evicted by a timer sweep, not on every request.
//
// The admission curve differs from the tracker's: capacity refills
// continuously over the window length instead of resetting at calendar
// boundaries, so a drained bucket recovers one slot at a time rather than
// all at once. Tune limits with that in mind.
type Fallback struct {
	mu      sync.Mutex
	buckets map[string]*fallbackBucket

	limit      rate.Limit
	burst      int
	horizon    time.Duration
	sweepEvery time.Duration
	now        func() time.Time

	stop chan struct{}
	wg   sync.WaitGroup
}

type fallbackBucket struct {
	lim      *rate.Limiter
	lastSeen time.Time
}

// NewFallback sizes buckets to admit roughly perWindow requests each window
// length, with bursts up to the full allowance.
func NewFallback(perWindow int, window time.Duration) *Fallback {
	if perWindow <= 0 {
		perWindow = 60
	}
	if window <= 0 {
		window = time.Minute
	}
	return &Fallback{
		buckets:    make(map[string]*fallbackBucket),
		limit:      rate.Every(window / time.Duration(perWindow)),
		burst:      perWindow,
		horizon:    3 * window,
		sweepEvery: time.Minute,
		now:        time.Now,
		stop:       make(chan struct{}),
	}
}

// Allow reports whether a request from addr may proceed.
func (f *Fallback) Allow(addr string) bool {
	if addr == "" {
		addr = "unknown"
	}
	f.mu.Lock()
	b, ok := f.buckets[addr]
	if !ok {
		b = &fallbackBucket{lim: rate.NewLimiter(f.limit, f.burst)}
		f.buckets[addr] = b
	}
	b.lastSeen = f.now()
	f.mu.Unlock()
	return b.lim.Allow()
}

// Len reports the tracked address count.
func (f *Fallback) Len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.buckets)
}

// Start launches the eviction sweep.
func (f *Fallback) Start() {
	f.wg.Add(1)
	go func() {
		defer f.wg.Done()
		ticker := time.NewTicker(f.sweepEvery)
		defer ticker.Stop()
		for {
			select {
			case <-f.stop:
				return
			case <-ticker.C:
				f.sweep()
			}
		}
	}()
}

// Stop terminates the eviction sweep.
func (f *Fallback) Stop() {
	close(f.stop)
	f.wg.Wait()
}

func (f *Fallback) sweep() {
	cutoff := f.now().Add(-f.horizon)
	f.mu.Lock()
	defer f.mu.Unlock()
	for addr, b := range f.buckets {
		if b.lastSeen.Before(cutoff) {
			delete(f.buckets, addr)
		}
	}
}
