// Package rates converts USD amounts into bytes, the ledger's native unit.
// The exchange rate comes from a pluggable source and is cached in Redis so
// a feed outage does not stall payment quoting.
package rates

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/shopspring/decimal"

	platformredis "attestor/internal/platform/redis"
	dErrors "attestor/pkg/domain-errors"
)

// bytesPerGB is the number of bytes in one GB, the feed's quoted unit.
var bytesPerGB = decimal.NewFromInt(1_000_000_000)

// Source provides the current GB/USD exchange rate.
type Source interface {
	GBYTEUSD(ctx context.Context) (decimal.Decimal, error)
}

// HTTPSource reads the rate from a JSON data feed.
type HTTPSource struct {
	url    string
	client *http.Client
}

func NewHTTPSource(url string) *HTTPSource {
	return &HTTPSource{url: url, client: &http.Client{Timeout: 10 * time.Second}}
}

func (s *HTTPSource) GBYTEUSD(ctx context.Context) (decimal.Decimal, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.url, nil)
	if err != nil {
		return decimal.Zero, fmt.Errorf("rates request: %w", err)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return decimal.Zero, fmt.Errorf("rates fetch: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return decimal.Zero, fmt.Errorf("rates fetch: status %d", resp.StatusCode)
	}
	var body struct {
		GBYTEUSD decimal.Decimal `json:"GBYTE_USD"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return decimal.Zero, fmt.Errorf("rates decode: %w", err)
	}
	return body.GBYTEUSD, nil
}

// CachedSource decorates a Source with a Redis cache. With no Redis
// configured it is a pass-through.
type CachedSource struct {
	src   Source
	redis *platformredis.Client
	ttl   time.Duration
}

const rateKey = "rates:gbyte_usd"

func NewCachedSource(src Source, redis *platformredis.Client, ttl time.Duration) *CachedSource {
	return &CachedSource{src: src, redis: redis, ttl: ttl}
}

func (c *CachedSource) GBYTEUSD(ctx context.Context) (decimal.Decimal, error) {
	if c.redis != nil {
		if cached, err := c.redis.Get(ctx, rateKey).Result(); err == nil {
			if rate, err := decimal.NewFromString(cached); err == nil {
				return rate, nil
			}
		}
	}
	rate, err := c.src.GBYTEUSD(ctx)
	if err != nil {
		return decimal.Zero, err
	}
	if c.redis != nil {
		c.redis.Set(ctx, rateKey, rate.String(), c.ttl)
	}
	return rate, nil
}

// Converter turns USD prices into byte amounts at the current rate.
type Converter struct {
	src Source
}

func NewConverter(src Source) *Converter {
	return &Converter{src: src}
}

// BytesForUSD returns round(1e9 * usd / rate). A zero or negative rate is
// treated as a feed fault, never as a free attestation.
func (c *Converter) BytesForUSD(ctx context.Context, usd decimal.Decimal) (int64, error) {
	rate, err := c.src.GBYTEUSD(ctx)
	if err != nil {
		return 0, dErrors.Wrap(err, dErrors.CodeUnavailable, "exchange rate unavailable")
	}
	if rate.Sign() <= 0 {
		return 0, dErrors.New(dErrors.CodeUnavailable, "exchange rate feed returned a non-positive rate")
	}
	return usd.Mul(bytesPerGB).DivRound(rate, 0).IntPart(), nil
}
