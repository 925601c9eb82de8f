package redis

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/quantfold/ladderbot/internal/domain"
)

// priceTTL bounds how long a quote can serve reads. Stale entries expire on
// their own rather than feeding old prices into trigger checks.
const priceTTL = 5 * time.Minute

// PriceCache implements domain.PriceCache. Each token's latest quote lives
// at "price:{tokenKey}" as "<price>@<unix-nanos>" with a TTL.
type PriceCache struct {
	client *redis.Client
}

// NewPriceCache creates a PriceCache backed by the given Client.
func NewPriceCache(c *Client) *PriceCache {
	return &PriceCache{client: c.Underlying()}
}

func encodeQuote(price float64, ts time.Time) string {
	return strconv.FormatFloat(price, 'f', -1, 64) + "@" + strconv.FormatInt(ts.UnixNano(), 10)
}

func decodeQuote(raw string) (float64, time.Time, error) {
	at := strings.LastIndexByte(raw, '@')
	if at < 0 {
		return 0, time.Time{}, fmt.Errorf("malformed quote %q", raw)
	}
	price, err := strconv.ParseFloat(raw[:at], 64)
	if err != nil {
		return 0, time.Time{}, fmt.Errorf("malformed quote price %q: %w", raw, err)
	}
	nanos, err := strconv.ParseInt(raw[at+1:], 10, 64)
	if err != nil {
		return 0, time.Time{}, fmt.Errorf("malformed quote timestamp %q: %w", raw, err)
	}
	return price, time.Unix(0, nanos), nil
}

// SetPrice stores the latest quote for a token and refreshes its TTL.
func (pc *PriceCache) SetPrice(ctx context.Context, tokenKey string, price float64, ts time.Time) error {
	if err := pc.client.Set(ctx, "price:"+tokenKey, encodeQuote(price, ts), priceTTL).Err(); err != nil {
		return fmt.Errorf("redis: set price %s: %w", tokenKey, err)
	}
	return nil
}

// GetPrice returns the latest quote and its observation time for a token.
// It returns domain.ErrNotFound when no quote is cached.
func (pc *PriceCache) GetPrice(ctx context.Context, tokenKey string) (float64, time.Time, error) {
	raw, err := pc.client.Get(ctx, "price:"+tokenKey).Result()
	if errors.Is(err, redis.Nil) {
		return 0, time.Time{}, domain.ErrNotFound
	}
	if err != nil {
		return 0, time.Time{}, fmt.Errorf("redis: get price %s: %w", tokenKey, err)
	}

	price, ts, err := decodeQuote(raw)
	if err != nil {
		return 0, time.Time{}, fmt.Errorf("redis: price %s: %w", tokenKey, err)
	}
	return price, ts, nil
}

var _ domain.PriceCache = (*PriceCache)(nil)
