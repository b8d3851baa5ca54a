package middleware

import (
	"context"
	"math"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	apperrors "github.com/openidx/loginrisk/internal/common/errors"
)

// RateLimitConfig holds configuration for the per-IP rate limiter
type RateLimitConfig struct {
	// Requests allowed per client IP within Window.
	Requests int
	Window   time.Duration
	// PathPrefixes limits the middleware to matching paths; empty means all.
	PathPrefixes []string
	KeyPrefix    string
}

// DefaultRateLimitConfig guards the verification links.
func DefaultRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{
		Requests:     30,
		Window:       time.Minute,
		PathPrefixes: []string{"/api/v1/risk/attempts/"},
		KeyPrefix:    "loginrisk:ratelimit",
	}
}

// limiter decides whether key may proceed. retryAfter is only meaningful
// when allowed is false.
type limiter interface {
	allow(ctx context.Context, key string, now time.Time) (allowed bool, retryAfter time.Duration, err error)
}

// RateLimit rejects requests over the per-IP budget with 429. With a Redis
// client the window is shared by every replica using a sorted set; without
// one each process keeps its own token buckets. Redis errors fail open.
func RateLimit(rdb redis.UniversalClient, cfg RateLimitConfig, logger *zap.Logger) gin.HandlerFunc {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Window <= 0 {
		cfg.Window = time.Minute
	}
	if cfg.Requests < 1 {
		cfg.Requests = 1
	}

	var l limiter
	if rdb != nil {
		l = &slidingWindow{rdb: rdb, cfg: cfg}
	} else {
		l = newLocalBuckets(cfg)
	}

	return func(c *gin.Context) {
		if !matchesPrefix(c.Request.URL.Path, cfg.PathPrefixes) {
			c.Next()
			return
		}

		ctx, cancel := context.WithTimeout(c.Request.Context(), 200*time.Millisecond)
		defer cancel()

		allowed, retryAfter, err := l.allow(ctx, c.ClientIP(), time.Now())
		if err != nil {
			logger.Warn("Rate limiter unavailable, allowing request", zap.Error(err))
			c.Next()
			return
		}
		c.Header("X-RateLimit-Limit", strconv.Itoa(cfg.Requests))
		if !allowed {
			c.Header("Retry-After", strconv.Itoa(int(math.Ceil(retryAfter.Seconds()))))
			apperrors.HandleError(c, apperrors.RateLimit("Too many requests, try again later").
				WithMetadata("retry_after_seconds", int(math.Ceil(retryAfter.Seconds()))))
			c.Abort()
			return
		}
		c.Next()
	}
}

func matchesPrefix(path string, prefixes []string) bool {
	if len(prefixes) == 0 {
		return true
	}
	for _, p := range prefixes {
		if strings.HasPrefix(path, p) {
			return true
		}
	}
	return false
}

type slidingWindow struct {
	rdb redis.UniversalClient
	cfg RateLimitConfig
}

func (s *slidingWindow) allow(ctx context.Context, ip string, now time.Time) (bool, time.Duration, error) {
	key := s.cfg.KeyPrefix + ":" + ip
	member := uuid.New().String()
	nowMs := now.UnixMilli()
	windowStart := nowMs - s.cfg.Window.Milliseconds()

	var card *redis.IntCmd
	_, err := s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZRemRangeByScore(ctx, key, "-inf", strconv.FormatInt(windowStart, 10))
		pipe.ZAdd(ctx, key, redis.Z{Score: float64(nowMs), Member: member})
		card = pipe.ZCard(ctx, key)
		pipe.PExpire(ctx, key, s.cfg.Window+time.Second)
		return nil
	})
	if err != nil {
		return false, 0, err
	}
	if card.Val() <= int64(s.cfg.Requests) {
		return true, 0, nil
	}

	// Rejected requests do not consume the budget.
	if err := s.rdb.ZRem(ctx, key, member).Err(); err != nil {
		return false, 0, err
	}
	oldest, err := s.rdb.ZRangeWithScores(ctx, key, 0, 0).Result()
	if err != nil || len(oldest) == 0 {
		return false, time.Second, nil
	}
	retry := time.Duration(int64(oldest[0].Score)+s.cfg.Window.Milliseconds()-nowMs) * time.Millisecond
	if retry < time.Second {
		retry = time.Second
	}
	return false, retry, nil
}

// maxLocalBuckets caps the in-process table; it is reset when exceeded.
const maxLocalBuckets = 10000

type localBuckets struct {
	mu      sync.Mutex
	limit   rate.Limit
	burst   int
	buckets map[string]*rate.Limiter
}

func newLocalBuckets(cfg RateLimitConfig) *localBuckets {
	return &localBuckets{
		limit:   rate.Every(cfg.Window / time.Duration(cfg.Requests)),
		burst:   cfg.Requests,
		buckets: make(map[string]*rate.Limiter),
	}
}

func (b *localBuckets) allow(_ context.Context, ip string, now time.Time) (bool, time.Duration, error) {
	b.mu.Lock()
	lim, ok := b.buckets[ip]
	if !ok {
		if len(b.buckets) >= maxLocalBuckets {
			b.buckets = make(map[string]*rate.Limiter)
		}
		lim = rate.NewLimiter(b.limit, b.burst)
		b.buckets[ip] = lim
	}
	b.mu.Unlock()

	r := lim.ReserveN(now, 1)
	delay := r.DelayFrom(now)
	if delay == 0 {
		return true, 0, nil
	}
	r.CancelAt(now)
	return false, delay, nil
}
