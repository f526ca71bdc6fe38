package resilience

import (
	"sync"
	"time"
)

// RateLimitConfig configures a token-bucket rate limiter.
type RateLimitConfig struct {
	RequestsPerMinute int
	BurstSize         int
	CleanupInterval   time.Duration
}

// DefaultRateLimitConfig returns sensible defaults for a per-provider limiter.
func DefaultRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{
		RequestsPerMinute: 600,
		BurstSize:         20,
		CleanupInterval:   time.Minute,
	}
}

// RateLimiter is a per-key token-bucket limiter, keyed by provider or
// destination address so one noisy agent cannot starve settlement
// throughput for the rest of the platform.
type RateLimiter struct {
	cfg     RateLimitConfig
	mu      sync.Mutex
	clients map[string]*bucketState
	stop    chan struct{}
	stopped bool
}

type bucketState struct {
	tokens    float64
	lastCheck time.Time
}

// NewRateLimiter creates a rate limiter and starts its background cleanup.
func NewRateLimiter(cfg RateLimitConfig) *RateLimiter {
	l := &RateLimiter{
		cfg:     cfg,
		clients: make(map[string]*bucketState),
		stop:    make(chan struct{}),
	}
	go l.cleanup()
	return l
}

func (l *RateLimiter) cleanup() {
	ticker := time.NewTicker(l.cfg.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			l.mu.Lock()
			cutoff := time.Now().Add(-2 * time.Minute)
			for key, state := range l.clients {
				if state.lastCheck.Before(cutoff) {
					delete(l.clients, key)
				}
			}
			l.mu.Unlock()
		case <-l.stop:
			return
		}
	}
}

// Stop terminates the cleanup goroutine. Safe to call at most once.
func (l *RateLimiter) Stop() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.stopped {
		close(l.stop)
		l.stopped = true
	}
}

// Allow checks whether a request keyed by key should proceed under the
// limiter's configured requests-per-minute.
func (l *RateLimiter) Allow(key string) bool {
	return l.AllowWithLimit(key, l.cfg.RequestsPerMinute, l.cfg.BurstSize)
}

// AllowWithLimit checks a request against a custom rpm/burst, useful for
// per-tenant or per-provider overrides sharing one limiter instance.
func (l *RateLimiter) AllowWithLimit(key string, rpm, burst int) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	state, exists := l.clients[key]

	if !exists {
		l.clients[key] = &bucketState{
			tokens:    float64(burst - 1),
			lastCheck: now,
		}
		return true
	}

	elapsed := now.Sub(state.lastCheck).Seconds()
	tokensPerSecond := float64(rpm) / 60.0
	state.tokens += elapsed * tokensPerSecond

	if state.tokens > float64(burst) {
		state.tokens = float64(burst)
	}
	state.lastCheck = now

	if state.tokens >= 1 {
		state.tokens--
		return true
	}
	return false
}
