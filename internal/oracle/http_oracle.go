// Package oracle implements domain.PriceOracle against a DEX aggregator's
// REST API, with an optional cache-first decorator over the price cache.
package oracle

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/quantfold/ladderbot/internal/domain"
)

// HTTPOracle quotes token prices from an aggregator REST endpoint.
type HTTPOracle struct {
	baseURL    string
	httpClient *http.Client
}

// NewHTTPOracle creates an oracle client.
//
// baseURL is the aggregator API root, e.g. "https://api.dexscreener.com".
func NewHTTPOracle(baseURL string) *HTTPOracle {
	return &HTTPOracle{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: 15 * time.Second,
		},
	}
}

// tokenQuote mirrors the aggregator's pair payload. Prices arrive as decimal
// strings to avoid float mangling in transit.
type tokenQuote struct {
	PriceNative string `json:"priceNative"`
	Liquidity   struct {
		Native float64 `json:"native"`
	} `json:"liquidity"`
}

type quoteResponse struct {
	Pairs []tokenQuote `json:"pairs"`
}

// GetPrice returns the current native price for a token. When the
// aggregator reports multiple pools the deepest one wins.
func (o *HTTPOracle) GetPrice(ctx context.Context, token domain.TokenIdentity) (float64, error) {
	if !token.Valid() {
		return 0, fmt.Errorf("oracle: %w: empty token identity", domain.ErrInvalidDecision)
	}

	path := fmt.Sprintf("/latest/dex/tokens/%s/%s",
		url.PathEscape(token.Chain), url.PathEscape(token.Contract))

	body, err := o.doGet(ctx, path)
	if err != nil {
		return 0, fmt.Errorf("oracle: quote %s: %w", token.Key(), err)
	}

	var resp quoteResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return 0, fmt.Errorf("oracle: decode quote for %s: %w", token.Key(), err)
	}
	if len(resp.Pairs) == 0 {
		return 0, fmt.Errorf("oracle: %w: no pools for %s", domain.ErrNotFound, token.Key())
	}

	best := resp.Pairs[0]
	for _, p := range resp.Pairs[1:] {
		if p.Liquidity.Native > best.Liquidity.Native {
			best = p
		}
	}

	price, err := strconv.ParseFloat(best.PriceNative, 64)
	if err != nil {
		return 0, fmt.Errorf("oracle: parse price %q for %s: %w", best.PriceNative, token.Key(), err)
	}
	if price <= 0 {
		return 0, fmt.Errorf("oracle: non-positive price %g for %s", price, token.Key())
	}
	return price, nil
}

func (o *HTTPOracle) doGet(ctx context.Context, path string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, o.baseURL+path, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := o.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, domain.ErrNotFound
	case resp.StatusCode >= 400:
		return nil, fmt.Errorf("status %d: %s", resp.StatusCode, truncate(body, 200))
	}
	return body, nil
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}

var _ domain.PriceOracle = (*HTTPOracle)(nil)
