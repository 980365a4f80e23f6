// Package geo resolves client IPs to ISO-3166 alpha-2 country codes for the
// non-US eligibility check.
package geo

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// CountryUnknown is returned when no resolution is possible. Callers treat
// it conservatively: an unknown location is never evidence of being non-US.
const CountryUnknown = "UNKNOWN"

// Resolver maps an IP address to a country code.
type Resolver interface {
	CountryOf(ctx context.Context, ip string) (string, error)
}

// HTTPResolver queries a geo-IP lookup endpoint. The endpoint URL is
// expected to take the IP as a trailing path segment and answer
// {"countryCode": "XX"}.
type HTTPResolver struct {
	baseURL string
	client  *http.Client
}

func NewHTTPResolver(baseURL string) *HTTPResolver {
	return &HTTPResolver{baseURL: baseURL, client: &http.Client{Timeout: 10 * time.Second}}
}

func (r *HTTPResolver) CountryOf(ctx context.Context, ip string) (string, error) {
	if ip == "" {
		return CountryUnknown, nil
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.baseURL+"/"+ip, nil)
	if err != nil {
		return CountryUnknown, fmt.Errorf("geo request: %w", err)
	}
	resp, err := r.client.Do(req)
	if err != nil {
		return CountryUnknown, fmt.Errorf("geo lookup: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return CountryUnknown, fmt.Errorf("geo lookup: status %d", resp.StatusCode)
	}
	var body struct {
		CountryCode string `json:"countryCode"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return CountryUnknown, fmt.Errorf("geo decode: %w", err)
	}
	if body.CountryCode == "" {
		return CountryUnknown, nil
	}
	return body.CountryCode, nil
}

// Unavailable is the resolver used when no geo endpoint is configured. Every
// lookup answers CountryUnknown, which demotes non-US claims.
type Unavailable struct{}

func (Unavailable) CountryOf(context.Context, string) (string, error) {
	return CountryUnknown, nil
}
