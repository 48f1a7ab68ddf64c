package httpapi

import (
	"context"
	"fmt"
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/puzpuzpuz/xsync/v2"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

type RateLimitConfig struct {
	PerMinute int
	Burst     int
	// Redis shares buckets across replicas. Nil keeps buckets in process.
	Redis     *redis.Client
	KeyPrefix string
	Logger    *zap.Logger
}

type limiter interface {
	allow(ctx context.Context, key string) (bool, time.Duration, error)
}

type RateLimiter struct {
	limiter limiter
	logger  *zap.Logger
}

func NewRateLimiter(cfg RateLimitConfig) *RateLimiter {
	if cfg.PerMinute <= 0 {
		cfg.PerMinute = 60
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 20
	}
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = "qms:ratelimit"
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	var l limiter = newTokenLimiter(cfg.PerMinute, cfg.Burst, time.Now)
	if cfg.Redis != nil {
		l = &redisLimiter{
			rdb:      cfg.Redis,
			prefix:   cfg.KeyPrefix,
			capacity: cfg.Burst,
			interval: time.Minute / time.Duration(cfg.PerMinute),
			now:      time.Now,
		}
	}
	return &RateLimiter{limiter: l, logger: logger}
}

func (l *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := clientIP(r)
		if ip == "" {
			next.ServeHTTP(w, r)
			return
		}
		allowed, retryAfter, err := l.limiter.allow(r.Context(), ip)
		if err != nil {
			// fail open
			l.logger.Warn("rate limiter unavailable", zap.String("client_ip", ip), zap.Error(err))
			next.ServeHTTP(w, r)
			return
		}
		if !allowed {
			secs := int(math.Ceil(retryAfter.Seconds()))
			w.Header().Set("Retry-After", strconv.Itoa(secs))
			writeError(w, requestIDFrom(r, ""), http.StatusTooManyRequests, "rate_limited", "too many requests")
			return
		}
		next.ServeHTTP(w, r)
	})
}

type tokenLimiter struct {
	rate    float64
	burst   float64
	now     func() time.Time
	buckets *xsync.MapOf[string, *bucket]
}

type bucket struct {
	mu     sync.Mutex
	tokens float64
	last   time.Time
}

func newTokenLimiter(perMinute, burst int, now func() time.Time) *tokenLimiter {
	return &tokenLimiter{
		rate:    float64(perMinute) / 60.0,
		burst:   float64(burst),
		now:     now,
		buckets: xsync.NewMapOf[*bucket](),
	}
}

func (l *tokenLimiter) allow(_ context.Context, key string) (bool, time.Duration, error) {
	now := l.now()
	b, _ := l.buckets.LoadOrCompute(key, func() *bucket {
		return &bucket{tokens: l.burst, last: now}
	})

	b.mu.Lock()
	defer b.mu.Unlock()
	if elapsed := now.Sub(b.last).Seconds(); elapsed > 0 {
		b.tokens = math.Min(l.burst, b.tokens+elapsed*l.rate)
		b.last = now
	}
	if b.tokens < 1 {
		wait := time.Duration((1 - b.tokens) / l.rate * float64(time.Second))
		return false, wait, nil
	}
	b.tokens--
	return true, 0, nil
}

// tokenBucketScript refills by whole intervals and returns
// {allowed, remaining, retry_after_ms}.
var tokenBucketScript = redis.NewScript(`
local key = KEYS[1]
local now_ms = tonumber(ARGV[1])
local capacity = tonumber(ARGV[2])
local interval_ms = tonumber(ARGV[3])
local ttl_seconds = tonumber(ARGV[4])

local state = redis.call('HMGET', key, 'tokens', 'last_refill_ms')
local tokens = tonumber(state[1])
local last_refill = tonumber(state[2])
if tokens == nil or last_refill == nil then
	tokens = capacity
	last_refill = now_ms
end

if interval_ms > 0 then
	local intervals = math.floor(math.max(0, now_ms - last_refill) / interval_ms)
	if intervals > 0 then
		tokens = math.min(capacity, tokens + intervals)
		last_refill = last_refill + (intervals * interval_ms)
	end
end

local allowed = 0
local retry_after_ms = 0
if tokens > 0 then
	allowed = 1
	tokens = tokens - 1
else
	retry_after_ms = math.max(0, interval_ms - (now_ms - last_refill))
end

redis.call('HSET', key, 'tokens', tokens, 'last_refill_ms', last_refill)
redis.call('EXPIRE', key, ttl_seconds)
return { allowed, tokens, retry_after_ms }
`)

type redisLimiter struct {
	rdb      redis.Scripter
	prefix   string
	capacity int
	interval time.Duration
	now      func() time.Time
}

func (l *redisLimiter) allow(ctx context.Context, key string) (bool, time.Duration, error) {
	ttl := int64((l.interval*time.Duration(l.capacity))/time.Second) + 1
	vals, err := tokenBucketScript.Run(ctx, l.rdb, []string{l.prefix + ":ip:" + key},
		l.now().UnixMilli(),
		l.capacity,
		l.interval.Milliseconds(),
		ttl,
	).Int64Slice()
	if err != nil {
		return false, 0, err
	}
	if len(vals) != 3 {
		return false, 0, fmt.Errorf("rate limit script returned %d values", len(vals))
	}
	return vals[0] == 1, time.Duration(vals[2]) * time.Millisecond, nil
}

func clientIP(r *http.Request) string {
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		parts := strings.Split(forwarded, ",")
		return strings.TrimSpace(parts[0])
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
