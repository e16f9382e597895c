package security

import (
	"container/list"
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/nocturne/nocturne-auth/instrumentation"
)

const (
	// DefaultMaxClientCreationsPerHour is how many unknown client IDs one IP
	// may register before further ad-hoc registrations are refused.
	DefaultMaxClientCreationsPerHour = 10

	// DefaultClientCreationWindow is the sliding window for the limit above.
	DefaultClientCreationWindow = time.Hour

	// DefaultClientCreationMaxEntries bounds the number of tracked IPs.
	DefaultClientCreationMaxEntries = 10000

	clientCreationLimiterName = "client_creation"
)

type creationEntry struct {
	ip         string
	creations  []time.Time
	lastAccess time.Time
}

// ClientCreationLimiter limits ad-hoc client creation per IP over a sliding
// window. Known clients and repeat requests for an existing client ID never
// count against it; the registry only consults it when a new row would be
// written.
type ClientCreationLimiter struct {
	mu           sync.Mutex
	entries      map[string]*list.Element
	lruList      *list.List
	maxPerWindow int
	window       time.Duration
	maxEntries   int
	logger       *slog.Logger
	inst         *instrumentation.Instrumentation
	auditor      *Auditor

	stopCleanup chan struct{}
	stopOnce    sync.Once

	totalBlocked int64
	totalAllowed int64
}

// NewClientCreationLimiter creates a limiter with the default window and bounds.
func NewClientCreationLimiter(logger *slog.Logger) *ClientCreationLimiter {
	return NewClientCreationLimiterWithConfig(DefaultMaxClientCreationsPerHour, DefaultClientCreationWindow, DefaultClientCreationMaxEntries, logger)
}

// NewClientCreationLimiterWithConfig creates a limiter allowing maxPerWindow
// creations per IP within window.
func NewClientCreationLimiterWithConfig(maxPerWindow int, window time.Duration, maxEntries int, logger *slog.Logger) *ClientCreationLimiter {
	if logger == nil {
		logger = slog.Default()
	}
	if maxPerWindow <= 0 {
		maxPerWindow = DefaultMaxClientCreationsPerHour
	}
	if window <= 0 {
		window = DefaultClientCreationWindow
	}
	if maxEntries < 0 {
		maxEntries = DefaultClientCreationMaxEntries
	}

	rl := &ClientCreationLimiter{
		entries:      make(map[string]*list.Element),
		lruList:      list.New(),
		maxPerWindow: maxPerWindow,
		window:       window,
		maxEntries:   maxEntries,
		logger:       logger,
		stopCleanup:  make(chan struct{}),
	}

	go rl.cleanupLoop()

	return rl
}

// SetInstrumentation counts rejections in oauth.security.rate_limit_exceeded.
func (rl *ClientCreationLimiter) SetInstrumentation(inst *instrumentation.Instrumentation) {
	rl.inst = inst
}

// SetAuditor logs rejections as security audit events.
func (rl *ClientCreationLimiter) SetAuditor(a *Auditor) {
	rl.auditor = a
}

// Allow records a creation attempt from ip and reports whether it fits in
// the window. A nil limiter or an empty ip always allows.
func (rl *ClientCreationLimiter) Allow(ctx context.Context, ip string) bool {
	if rl == nil || ip == "" {
		return true
	}

	if rl.allow(ip, time.Now()) {
		return true
	}

	rl.logger.Warn("Ad-hoc client creation rate limit exceeded",
		"ip", ip,
		"max_per_window", rl.maxPerWindow,
		"window", rl.window)
	if rl.inst != nil {
		rl.inst.Metrics().RecordRateLimitExceeded(ctx, clientCreationLimiterName)
	}
	rl.auditor.LogRateLimitExceeded(ip, clientCreationLimiterName)
	return false
}

func (rl *ClientCreationLimiter) allow(ip string, now time.Time) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	windowStart := now.Add(-rl.window)

	elem, ok := rl.entries[ip]
	if !ok {
		if rl.maxEntries > 0 && len(rl.entries) >= rl.maxEntries {
			rl.evictLRU()
		}
		elem = rl.lruList.PushFront(&creationEntry{ip: ip})
		rl.entries[ip] = elem
	} else {
		rl.lruList.MoveToFront(elem)
	}

	entry := elem.Value.(*creationEntry)
	entry.lastAccess = now

	// Drop timestamps that slid out of the window, in place.
	n := 0
	for _, t := range entry.creations {
		if t.After(windowStart) {
			entry.creations[n] = t
			n++
		}
	}
	entry.creations = entry.creations[:n]

	if len(entry.creations) >= rl.maxPerWindow {
		rl.totalBlocked++
		return false
	}

	entry.creations = append(entry.creations, now)
	rl.totalAllowed++
	return true
}

// evictLRU must be called with mu held.
func (rl *ClientCreationLimiter) evictLRU() {
	elem := rl.lruList.Back()
	if elem == nil {
		return
	}
	entry := elem.Value.(*creationEntry)
	delete(rl.entries, entry.ip)
	rl.lruList.Remove(elem)
}

func (rl *ClientCreationLimiter) cleanupLoop() {
	ticker := time.NewTicker(rl.window / 4)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			rl.Cleanup()
		case <-rl.stopCleanup:
			return
		}
	}
}

// Cleanup drops IPs that have not been seen for two windows.
func (rl *ClientCreationLimiter) Cleanup() {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	cutoff := time.Now().Add(-2 * rl.window)
	var next *list.Element
	for elem := rl.lruList.Front(); elem != nil; elem = next {
		next = elem.Next()
		entry := elem.Value.(*creationEntry)
		if entry.lastAccess.Before(cutoff) {
			delete(rl.entries, entry.ip)
			rl.lruList.Remove(elem)
		}
	}
}

// Stop stops the cleanup goroutine. Safe to call more than once.
func (rl *ClientCreationLimiter) Stop() {
	if rl == nil {
		return
	}
	rl.stopOnce.Do(func() { close(rl.stopCleanup) })
}

// CreationStats holds limiter statistics for monitoring
type CreationStats struct {
	TrackedIPs   int
	TotalBlocked int64
	TotalAllowed int64
	MaxPerWindow int
	Window       time.Duration
}

// GetStats returns current limiter statistics.
func (rl *ClientCreationLimiter) GetStats() CreationStats {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	return CreationStats{
		TrackedIPs:   len(rl.entries),
		TotalBlocked: rl.totalBlocked,
		TotalAllowed: rl.totalAllowed,
		MaxPerWindow: rl.maxPerWindow,
		Window:       rl.window,
	}
}
