package security

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// RateLimiter keeps one token bucket per client key. A client may spend
// Burst requests at once and regains RequestsPerWindow tokens per window.
type RateLimiter struct {
	mu      sync.Mutex
	clients map[string]*client
	limit   rate.Limit
	burst   int
	window  time.Duration
	perWin  int
	now     func() time.Time

	stop chan struct{}
	once sync.Once
}

type client struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimitConfig holds rate limiter configuration
type RateLimitConfig struct {
	// RequestsPerWindow is the sustained number of requests allowed per window
	RequestsPerWindow int
	// WindowDuration is the duration of the rate limit window
	WindowDuration time.Duration
	// BurstMax is the bucket size
	BurstMax int
}

// DefaultRateLimitConfig returns default rate limit configuration
func DefaultRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{
		RequestsPerWindow: 100,
		WindowDuration:    time.Minute,
		BurstMax:          20,
	}
}

// NewRateLimiter creates a rate limiter and starts its idle-client sweeper.
// Call Stop to end the sweeper.
func NewRateLimiter(cfg RateLimitConfig) *RateLimiter {
	if cfg.RequestsPerWindow < 1 {
		cfg.RequestsPerWindow = 1
	}
	if cfg.WindowDuration <= 0 {
		cfg.WindowDuration = time.Minute
	}
	if cfg.BurstMax < 1 {
		cfg.BurstMax = 1
	}
	rl := &RateLimiter{
		clients: make(map[string]*client),
		limit:   rate.Limit(float64(cfg.RequestsPerWindow) / cfg.WindowDuration.Seconds()),
		burst:   cfg.BurstMax,
		window:  cfg.WindowDuration,
		perWin:  cfg.RequestsPerWindow,
		now:     time.Now,
		stop:    make(chan struct{}),
	}
	go rl.sweep()
	return rl
}

func (rl *RateLimiter) get(key string) *client {
	c, ok := rl.clients[key]
	if !ok {
		c = &client{limiter: rate.NewLimiter(rl.limit, rl.burst)}
		rl.clients[key] = c
	}
	c.lastSeen = rl.now()
	return c
}

// Allow spends one token for key (API key or client IP).
func (rl *RateLimiter) Allow(key string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return rl.get(key).limiter.AllowN(rl.now(), 1)
}

// RateLimitInfo contains rate limit information for response headers
type RateLimitInfo struct {
	Limit      int           `json:"limit"`
	Remaining  int           `json:"remaining"`
	RetryAfter time.Duration `json:"retry_after"`
}

// Info reports the tokens left for key and how long until the next one.
func (rl *RateLimiter) Info(key string) RateLimitInfo {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	tokens := rl.get(key).limiter.TokensAt(now)
	info := RateLimitInfo{Limit: rl.perWin, Remaining: max(int(tokens), 0)}
	if tokens < 1 {
		info.RetryAfter = time.Duration((1 - tokens) / float64(rl.limit) * float64(time.Second))
	}
	return info
}

// Reset forgets key's bucket.
func (rl *RateLimiter) Reset(key string) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	delete(rl.clients, key)
}

// Stop ends the sweeper.
func (rl *RateLimiter) Stop() {
	rl.once.Do(func() { close(rl.stop) })
}

func (rl *RateLimiter) sweep() {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-rl.stop:
			return
		case <-ticker.C:
			rl.evictIdle()
		}
	}
}

// evictIdle drops clients that have been quiet for two windows.
func (rl *RateLimiter) evictIdle() {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	cutoff := rl.now().Add(-2 * rl.window)
	for key, c := range rl.clients {
		if c.lastSeen.Before(cutoff) {
			delete(rl.clients, key)
		}
	}
}
