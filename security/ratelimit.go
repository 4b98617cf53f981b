package security

import (
	"container/list"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	// DefaultRateLimitMaxEntries bounds the number of identifiers tracked at once
	DefaultRateLimitMaxEntries = 10000

	defaultRateLimitCleanupInterval = 5 * time.Minute
	defaultRateLimitIdleTimeout     = 30 * time.Minute
)

// RateLimitConfig configures a RateLimiter.
type RateLimitConfig struct {
	// RequestsPerSecond is the sustained rate allowed per identifier
	RequestsPerSecond float64

	// Burst is the number of requests an idle identifier may make at once
	Burst int

	// MaxEntries bounds tracked identifiers; the least recently used one is evicted
	// when the bound is reached. Zero means DefaultRateLimitMaxEntries.
	MaxEntries int

	// IdleTimeout removes identifiers not seen for this long. Zero means 30 minutes.
	IdleTimeout time.Duration
}

// rateLimiterEntry tracks a rate limiter and its last access time
type rateLimiterEntry struct {
	identifier string
	limiter    *rate.Limiter
	lastAccess time.Time
}

// RateLimiter provides per-identifier rate limiting using a token bucket
// with LRU eviction to prevent unbounded memory growth.
type RateLimiter struct {
	mu       sync.Mutex
	limiters map[string]*list.Element // identifier -> element holding *rateLimiterEntry
	lruList  *list.List

	limit       rate.Limit
	burst       int
	maxEntries  int
	idleTimeout time.Duration

	logger   *slog.Logger
	stopOnce sync.Once
	stop     chan struct{}

	evictions int64
}

// NewRateLimiter creates a rate limiter and starts its background cleanup.
// Call Stop when the limiter is no longer needed.
func NewRateLimiter(cfg RateLimitConfig, logger *slog.Logger) *RateLimiter {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MaxEntries <= 0 {
		cfg.MaxEntries = DefaultRateLimitMaxEntries
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = defaultRateLimitIdleTimeout
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 1
	}

	rl := &RateLimiter{
		limiters:    make(map[string]*list.Element),
		lruList:     list.New(),
		limit:       rate.Limit(cfg.RequestsPerSecond),
		burst:       cfg.Burst,
		maxEntries:  cfg.MaxEntries,
		idleTimeout: cfg.IdleTimeout,
		logger:      logger,
		stop:        make(chan struct{}),
	}

	go rl.cleanupLoop(defaultRateLimitCleanupInterval)

	return rl
}

// Allow reports whether a request from identifier may proceed now.
func (rl *RateLimiter) Allow(identifier string) bool {
	now := time.Now()

	rl.mu.Lock()
	defer rl.mu.Unlock()

	if elem, ok := rl.limiters[identifier]; ok {
		rl.lruList.MoveToFront(elem)
		entry := elem.Value.(*rateLimiterEntry)
		entry.lastAccess = now
		return entry.limiter.AllowN(now, 1)
	}

	if len(rl.limiters) >= rl.maxEntries {
		rl.evictOldest()
	}

	entry := &rateLimiterEntry{
		identifier: identifier,
		limiter:    rate.NewLimiter(rl.limit, rl.burst),
		lastAccess: now,
	}
	rl.limiters[identifier] = rl.lruList.PushFront(entry)

	return entry.limiter.AllowN(now, 1)
}

// evictOldest removes the least recently used entry. Must be called with mu held.
func (rl *RateLimiter) evictOldest() {
	elem := rl.lruList.Back()
	if elem == nil {
		return
	}
	entry := elem.Value.(*rateLimiterEntry)
	delete(rl.limiters, entry.identifier)
	rl.lruList.Remove(elem)
	rl.evictions++

	rl.logger.Debug("Rate limiter LRU eviction",
		"total_evictions", rl.evictions,
		"current_entries", len(rl.limiters))
}

func (rl *RateLimiter) cleanupLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			rl.Cleanup(time.Now())
		case <-rl.stop:
			return
		}
	}
}

// Cleanup removes identifiers idle longer than the configured timeout as of now.
// Returns the number of identifiers removed.
func (rl *RateLimiter) Cleanup(now time.Time) int {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	removed := 0
	// The list is ordered by recency, so stop at the first entry still in use.
	for elem := rl.lruList.Back(); elem != nil; {
		entry := elem.Value.(*rateLimiterEntry)
		if now.Sub(entry.lastAccess) <= rl.idleTimeout {
			break
		}
		prev := elem.Prev()
		delete(rl.limiters, entry.identifier)
		rl.lruList.Remove(elem)
		removed++
		elem = prev
	}

	if removed > 0 {
		rl.logger.Debug("Rate limiter cleanup completed",
			"removed", removed,
			"remaining", len(rl.limiters))
	}
	return removed
}

// Len returns the number of identifiers currently tracked.
func (rl *RateLimiter) Len() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.limiters)
}

// Stop stops the background cleanup goroutine. It is safe to call more than once.
func (rl *RateLimiter) Stop() {
	rl.stopOnce.Do(func() { close(rl.stop) })
}
