package middleware

import (
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
)

// RateLimiter is a fixed-window counter per key. The relay uses it for
// HTTP routes keyed by client IP and for pairing-code redemption keyed by
// device.
type RateLimiter struct {
	limit  int
	window time.Duration
	now    func() time.Time

	mu      sync.Mutex
	buckets map[string]bucket

	stop chan struct{}
	once sync.Once
}

type bucket struct {
	used    int
	resetAt time.Time
}

func NewRateLimiter(limit int, window time.Duration) *RateLimiter {
	return NewRateLimiterWithNow(limit, window, time.Now)
}

func NewRateLimiterWithNow(limit int, window time.Duration, now func() time.Time) *RateLimiter {
	rl := &RateLimiter{
		limit:   limit,
		window:  window,
		now:     now,
		buckets: make(map[string]bucket),
		stop:    make(chan struct{}),
	}
	if window > 0 {
		go rl.sweepLoop()
	}
	return rl
}

func (rl *RateLimiter) sweepLoop() {
	ticker := time.NewTicker(rl.window)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			rl.sweep()
		case <-rl.stop:
			return
		}
	}
}

// sweep forgets keys whose window has passed.
func (rl *RateLimiter) sweep() {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	now := rl.now()
	for key, b := range rl.buckets {
		if !now.Before(b.resetAt) {
			delete(rl.buckets, key)
		}
	}
}

// Close stops the sweep goroutine.
func (rl *RateLimiter) Close() {
	rl.once.Do(func() { close(rl.stop) })
}

// Allow counts one attempt for key and reports whether it is within the
// limit.
func (rl *RateLimiter) Allow(key string) bool {
	ok, _ := rl.take(key)
	return ok
}

// take is Allow that also returns how long a refused key must wait.
func (rl *RateLimiter) take(key string) (bool, time.Duration) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	b, ok := rl.buckets[key]
	if !ok || !now.Before(b.resetAt) {
		b = bucket{resetAt: now.Add(rl.window)}
	}
	if b.used >= rl.limit {
		return false, b.resetAt.Sub(now)
	}
	b.used++
	rl.buckets[key] = b
	return true, 0
}

// RateLimitMiddleware limits requests per client IP. scope keeps separate
// routes sharing one limiter from counting against each other. Refused
// requests get 429 with a Retry-After header.
func RateLimitMiddleware(rl *RateLimiter, scope string) gin.HandlerFunc {
	return func(c *gin.Context) {
		ok, wait := rl.take(scope + ":" + c.ClientIP())
		if !ok {
			c.Header("Retry-After", strconv.Itoa(int(math.Ceil(wait.Seconds()))))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "Rate limit exceeded"})
			return
		}
		c.Next()
	}
}
