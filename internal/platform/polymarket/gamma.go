package polymarket

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"
)

// GammaClient fetches market metadata from the Polymarket Gamma API. It is
// read-only and unauthenticated.
type GammaClient struct {
	baseURL    string
	httpClient *http.Client
}

// NewGammaClient creates a Gamma API client. baseURL defaults to the public
// endpoint when empty.
func NewGammaClient(baseURL string) *GammaClient {
	if baseURL == "" {
		baseURL = "https://gamma-api.polymarket.com"
	}
	return &GammaClient{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// ListActiveMarkets fetches up to limit active, open markets ordered by
// volume descending.
func (g *GammaClient) ListActiveMarkets(ctx context.Context, limit int) ([]Market, error) {
	path := "/markets?active=true&closed=false&order=volume&ascending=false&limit=" + strconv.Itoa(limit)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, g.baseURL+path, nil)
	if err != nil {
		return nil, fmt.Errorf("polymarket/gamma: create request: %w", err)
	}

	resp, err := g.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("polymarket/gamma: list markets: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("polymarket/gamma: read response: %w", err)
	}
	if err := checkHTTPStatus(resp.StatusCode, body); err != nil {
		return nil, fmt.Errorf("polymarket/gamma: list markets: %w", err)
	}

	var apiMarkets []APIMarket
	if err := json.Unmarshal(body, &apiMarkets); err != nil {
		return nil, fmt.Errorf("polymarket/gamma: decode markets: %w", err)
	}

	markets := make([]Market, 0, len(apiMarkets))
	for i := range apiMarkets {
		m := apiMarkets[i].ToMarket()
		if m.Active && len(m.TokenIDs) >= 2 {
			markets = append(markets, m)
		}
	}
	return markets, nil
}
