package softban

import "context"

type cacheKey struct{}

// WithCache returns a copy of ctx carrying cache.
func WithCache(ctx context.Context, cache *RequestCache) context.Context {
	return context.WithValue(ctx, cacheKey{}, cache)
}

// CacheFromContext returns the cache attached by WithCache, if any.
func CacheFromContext(ctx context.Context) (*RequestCache, bool) {
	c, ok := ctx.Value(cacheKey{}).(*RequestCache)
	return c, ok && c != nil
}
