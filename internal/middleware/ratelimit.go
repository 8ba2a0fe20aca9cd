package middleware

import (
	"time"

	"github.com/akmatori/mcp-server/internal/cache"
	"github.com/akmatori/mcp-server/internal/jsonrpc"
	"github.com/akmatori/mcp-server/internal/pipeline"
	"github.com/akmatori/mcp-server/internal/ratelimit"
	"github.com/akmatori/mcp-server/internal/rpcerrors"
)

// RateLimitConfig configures the per-key token bucket, per spec.md §4.4
// "Token-bucket per (connection OR configured key)".
type RateLimitConfig struct {
	RatePerSecond float64
	Burst         int
	// BucketIdleTTL bounds how long an idle key's bucket is retained before
	// eviction, so a server with many short-lived connections doesn't grow
	// its bucket store without bound.
	BucketIdleTTL time.Duration
}

// keyedLimiter stores one ratelimit.Limiter per rate-limit key in a TTL
// cache, evicting buckets for keys that go quiet — adapting
// mcp-gateway/internal/cache/cache.go's eviction loop to back
// mcp-gateway/internal/ratelimit/limiter.go's per-instance buckets, which in
// the teacher were allocated one-per-tool-instance rather than one-per-key.
type keyedLimiter struct {
	buckets *cache.Cache
	cfg     RateLimitConfig
}

func newKeyedLimiter(cfg RateLimitConfig) *keyedLimiter {
	ttl := cfg.BucketIdleTTL
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &keyedLimiter{
		buckets: cache.New(ttl, ttl/2+time.Second),
		cfg:     cfg,
	}
}

func (k *keyedLimiter) allow(key string) bool {
	v, ok := k.buckets.Get(key)
	var limiter *ratelimit.Limiter
	if ok {
		limiter = v.(*ratelimit.Limiter)
	} else {
		limiter = ratelimit.New(k.cfg.RatePerSecond, k.cfg.Burst)
	}
	allowed := limiter.Allow()
	k.buckets.Set(key, limiter)
	return allowed
}

// NewRateLimit returns the Rate Limit middleware of spec.md §4.4. On
// exhaustion it returns -32004 "Server busy" rather than calling next.
func NewRateLimit(cfg RateLimitConfig) pipeline.Middleware {
	kl := newKeyedLimiter(cfg)
	return func(rc *pipeline.RequestContext, req *jsonrpc.Request, next pipeline.HandlerFunc) *jsonrpc.Response {
		key := rc.RateLimitKey
		if key == "" {
			key = rc.ConnectionID
		}
		if !kl.allow(key) {
			if req.IsNotification() {
				return nil
			}
			return jsonrpc.NewError(req.ID, rpcerrors.Busy(map[string]interface{}{"reason": "rate limit exceeded"}))
		}
		return next(rc, req)
	}
}
