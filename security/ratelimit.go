package security

import (
	"container/list"
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/nocturne/nocturne-auth/instrumentation"
)

const (
	// DefaultMaxLimiterEntries bounds the number of identifiers tracked by a RateLimiter
	DefaultMaxLimiterEntries = 10000

	limiterCleanupInterval = 5 * time.Minute
	limiterMaxIdle         = 30 * time.Minute
)

// rateLimiterEntry tracks a rate limiter and its last access time
type rateLimiterEntry struct {
	identifier string
	limiter    *rate.Limiter
	lastAccess time.Time
}

// RateLimiter is a named per-identifier token bucket (usually keyed by client
// IP) with LRU eviction to bound memory. One limiter is created per protected
// endpoint group ("token", "device", "device_approve", "invite_accept").
type RateLimiter struct {
	name       string
	limiters   map[string]*list.Element
	lruList    *list.List
	mu         sync.Mutex
	limit      rate.Limit
	burst      int
	maxEntries int
	logger     *slog.Logger
	inst       *instrumentation.Instrumentation
	auditor    *Auditor

	stopCleanup chan struct{}
	stopOnce    sync.Once

	// Statistics
	totalEvictions int64
	totalRejected  int64
}

// NewRateLimiter creates a named rate limiter allowing requestsPerSecond with
// the given burst per identifier.
func NewRateLimiter(name string, requestsPerSecond float64, burst int, logger *slog.Logger) *RateLimiter {
	return NewRateLimiterWithConfig(name, requestsPerSecond, burst, DefaultMaxLimiterEntries, logger)
}

// NewRateLimiterWithConfig is NewRateLimiter with a custom identifier bound.
// maxEntries of 0 disables eviction (not recommended in production).
func NewRateLimiterWithConfig(name string, requestsPerSecond float64, burst, maxEntries int, logger *slog.Logger) *RateLimiter {
	if logger == nil {
		logger = slog.Default()
	}
	if maxEntries < 0 {
		maxEntries = DefaultMaxLimiterEntries
		logger.Warn("Invalid maxEntries, using default", "limiter", name, "max_entries", maxEntries)
	}
	if burst < 1 {
		burst = 1
	}

	rl := &RateLimiter{
		name:        name,
		limiters:    make(map[string]*list.Element),
		lruList:     list.New(),
		limit:       rate.Limit(requestsPerSecond),
		burst:       burst,
		maxEntries:  maxEntries,
		logger:      logger,
		stopCleanup: make(chan struct{}),
	}

	go rl.cleanupLoop()

	return rl
}

// SetInstrumentation counts rejections in oauth.security.rate_limit_exceeded.
func (rl *RateLimiter) SetInstrumentation(inst *instrumentation.Instrumentation) {
	rl.inst = inst
}

// SetAuditor logs rejections as security audit events.
func (rl *RateLimiter) SetAuditor(a *Auditor) {
	rl.auditor = a
}

// Name returns the limiter name used in metrics and logs.
func (rl *RateLimiter) Name() string {
	return rl.name
}

// Allow reports whether a request from identifier may proceed.
func (rl *RateLimiter) Allow(ctx context.Context, identifier string) bool {
	if rl == nil {
		return true
	}

	allowed := rl.allow(identifier, time.Now())
	if !allowed {
		rl.logger.Warn("Rate limit exceeded", "limiter", rl.name, "identifier", identifier)
		if rl.inst != nil {
			rl.inst.Metrics().RecordRateLimitExceeded(ctx, rl.name)
		}
		rl.auditor.LogRateLimitExceeded(identifier, rl.name)
	}
	return allowed
}

func (rl *RateLimiter) allow(identifier string, now time.Time) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	var entry *rateLimiterEntry
	if elem, ok := rl.limiters[identifier]; ok {
		rl.lruList.MoveToFront(elem)
		entry = elem.Value.(*rateLimiterEntry)
	} else {
		if rl.maxEntries > 0 && len(rl.limiters) >= rl.maxEntries {
			rl.evictLRU()
		}
		entry = &rateLimiterEntry{
			identifier: identifier,
			limiter:    rate.NewLimiter(rl.limit, rl.burst),
		}
		rl.limiters[identifier] = rl.lruList.PushFront(entry)
	}

	entry.lastAccess = now
	if !entry.limiter.AllowN(now, 1) {
		rl.totalRejected++
		return false
	}
	return true
}

// evictLRU removes the least recently used entry. Must be called with mu held.
func (rl *RateLimiter) evictLRU() {
	elem := rl.lruList.Back()
	if elem == nil {
		return
	}
	entry := elem.Value.(*rateLimiterEntry)
	delete(rl.limiters, entry.identifier)
	rl.lruList.Remove(elem)
	rl.totalEvictions++
}

func (rl *RateLimiter) cleanupLoop() {
	ticker := time.NewTicker(limiterCleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			rl.Cleanup(limiterMaxIdle)
		case <-rl.stopCleanup:
			return
		}
	}
}

// Cleanup removes limiters idle for longer than maxIdleTime.
func (rl *RateLimiter) Cleanup(maxIdleTime time.Duration) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	removed := 0

	var next *list.Element
	for elem := rl.lruList.Front(); elem != nil; elem = next {
		next = elem.Next()
		entry := elem.Value.(*rateLimiterEntry)
		if now.Sub(entry.lastAccess) > maxIdleTime {
			delete(rl.limiters, entry.identifier)
			rl.lruList.Remove(elem)
			removed++
		}
	}

	if removed > 0 {
		rl.logger.Debug("Rate limiter cleanup completed",
			"limiter", rl.name,
			"removed", removed,
			"remaining", len(rl.limiters))
	}
}

// Stop stops the cleanup goroutine. Safe to call more than once.
func (rl *RateLimiter) Stop() {
	rl.stopOnce.Do(func() { close(rl.stopCleanup) })
}

// Stats holds rate limiter statistics for monitoring
type Stats struct {
	CurrentEntries int
	MaxEntries     int
	TotalEvictions int64
	TotalRejected  int64
}

// GetStats returns current rate limiter statistics.
func (rl *RateLimiter) GetStats() Stats {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	return Stats{
		CurrentEntries: len(rl.limiters),
		MaxEntries:     rl.maxEntries,
		TotalEvictions: rl.totalEvictions,
		TotalRejected:  rl.totalRejected,
	}
}
