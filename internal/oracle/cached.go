package oracle

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/quantfold/ladderbot/internal/domain"
)

// CachedOracle serves quotes from the price cache when they are fresh
// enough, falling back to the upstream oracle on a miss. Successful upstream
// quotes are written back so the next monitor cycle hits the cache.
type CachedOracle struct {
	upstream domain.PriceOracle
	cache    domain.PriceCache
	maxAge   time.Duration
	now      func() time.Time
}

// NewCachedOracle wraps upstream with a cache-first read path. maxAge bounds
// how old a cached quote may be before it stops counting as a hit.
func NewCachedOracle(upstream domain.PriceOracle, cache domain.PriceCache, maxAge time.Duration) *CachedOracle {
	if maxAge <= 0 {
		maxAge = 30 * time.Second
	}
	return &CachedOracle{
		upstream: upstream,
		cache:    cache,
		maxAge:   maxAge,
		now:      time.Now,
	}
}

// GetPrice returns a cached quote when fresh, otherwise asks upstream. If
// upstream fails and only a stale quote exists, the error is
// domain.ErrPriceStale so callers can tell "no price" from "old price".
func (o *CachedOracle) GetPrice(ctx context.Context, token domain.TokenIdentity) (float64, error) {
	key := token.Key()

	cached, ts, cacheErr := o.cache.GetPrice(ctx, key)
	if cacheErr == nil && o.now().Sub(ts) <= o.maxAge {
		return cached, nil
	}

	price, err := o.upstream.GetPrice(ctx, token)
	if err != nil {
		if cacheErr == nil {
			return 0, fmt.Errorf("oracle: %w: last quote for %s at %s: %v",
				domain.ErrPriceStale, key, ts.Format(time.RFC3339), err)
		}
		return 0, err
	}

	// Best effort; a cache write failure must not hide a good quote.
	if !errors.Is(ctx.Err(), context.Canceled) {
		_ = o.cache.SetPrice(ctx, key, price, o.now())
	}
	return price, nil
}

var _ domain.PriceOracle = (*CachedOracle)(nil)
