package engineports

import "context"

// RateLimiter bounds throughput towards a provider.
type RateLimiter interface {
	Acquire(ctx context.Context, key string) (release func(), err error)
}
