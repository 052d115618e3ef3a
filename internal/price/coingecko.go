package price

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/kartikmendiratta/BCH-1/internal/apperr"
	"github.com/kartikmendiratta/BCH-1/internal/models"

	"github.com/shopspring/decimal"
)

const DefaultURL = "https://api.coingecko.com/api/v3/simple/price?ids=bitcoin-cash&vs_currencies=usd,inr,eur"

// CoinGecko fetches BCH rates from the CoinGecko simple price endpoint
type CoinGecko struct {
	URL    string
	Client *http.Client
}

// NewCoinGecko creates a fetcher whose requests are bounded by timeout
func NewCoinGecko(url string, timeout time.Duration) *CoinGecko {
	if url == "" {
		url = DefaultURL
	}
	return &CoinGecko{URL: url, Client: &http.Client{Timeout: timeout}}
}

type coinGeckoResponse struct {
	BitcoinCash *struct {
		USD decimal.Decimal `json:"usd"`
		INR decimal.Decimal `json:"inr"`
		EUR decimal.Decimal `json:"eur"`
	} `json:"bitcoin-cash"`
}

// Fetch implements Fetcher
func (c *CoinGecko) Fetch(ctx context.Context) (models.Prices, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.URL, nil)
	if err != nil {
		return models.Prices{}, fmt.Errorf("failed to build price request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.Client.Do(req)
	if err != nil {
		return models.Prices{}, fmt.Errorf("%w: %v", apperr.ErrUpstreamUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return models.Prices{}, fmt.Errorf("%w: price feed answered %d", apperr.ErrUpstreamUnavailable, resp.StatusCode)
	}

	var body coinGeckoResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return models.Prices{}, fmt.Errorf("%w: malformed price response: %v", apperr.ErrUpstreamUnavailable, err)
	}
	if body.BitcoinCash == nil {
		return models.Prices{}, fmt.Errorf("%w: price response missing bitcoin-cash", apperr.ErrUpstreamUnavailable)
	}
	return models.Prices{
		USD: body.BitcoinCash.USD,
		INR: body.BitcoinCash.INR,
		EUR: body.BitcoinCash.EUR,
	}, nil
}
