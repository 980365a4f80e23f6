package verification

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// HTTPProvider drives a verification vendor through a thin gateway speaking
// this service's neutral contract. Vendor-specific request shaping lives in
// the gateway, keyed by the provider name.
type HTTPProvider struct {
	name    string
	baseURL string
	apiKey  string
	client  *http.Client
}

func NewHTTPProvider(name, baseURL, apiKey string) *HTTPProvider {
	return &HTTPProvider{
		name:    name,
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		client:  &http.Client{Timeout: 30 * time.Second},
	}
}

func (p *HTTPProvider) Name() string { return p.name }

func (p *HTTPProvider) InitScan(ctx context.Context, subjectRef, callbackToken string) (Scan, error) {
	body, err := json.Marshal(map[string]string{
		"subject_ref":    subjectRef,
		"callback_token": callbackToken,
	})
	if err != nil {
		return Scan{}, fmt.Errorf("init scan: marshal: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/scans", bytes.NewReader(body))
	if err != nil {
		return Scan{}, fmt.Errorf("init scan: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+p.apiKey)
	resp, err := p.client.Do(req)
	if err != nil {
		return Scan{}, fmt.Errorf("init scan: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return Scan{}, fmt.Errorf("init scan: status %d", resp.StatusCode)
	}
	var out struct {
		Reference string `json:"reference"`
		URL       string `json:"url"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return Scan{}, fmt.Errorf("init scan: decode: %w", err)
	}
	return Scan{Reference: out.Reference, URL: out.URL}, nil
}

func (p *HTTPProvider) Poll(ctx context.Context, scanRef string) (*Result, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+"/scans/"+scanRef, nil)
	if err != nil {
		return nil, fmt.Errorf("poll scan: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+p.apiKey)
	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("poll scan: %w", err)
	}
	defer resp.Body.Close()
	switch resp.StatusCode {
	case http.StatusNoContent:
		return nil, nil // still pending
	case http.StatusOK:
	default:
		return nil, fmt.Errorf("poll scan: status %d", resp.StatusCode)
	}
	var res Result
	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
		return nil, fmt.Errorf("poll scan: decode: %w", err)
	}
	if res.ScanReference == "" {
		res.ScanReference = scanRef
	}
	return &res, nil
}
