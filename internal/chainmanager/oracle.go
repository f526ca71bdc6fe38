package chainmanager

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"
)

// PriceOracle serves a cached ETH/USD price, refreshing from CoinGecko on
// expiry and falling back to the last known (or configured) price on
// fetch failure rather than blocking gas estimation.
type PriceOracle struct {
	mu         sync.Mutex
	price      float64
	lastUpdate time.Time
	ttl        time.Duration
	fallback   float64
	client     *http.Client
}

// NewPriceOracle creates an oracle that seeds its fallback price and caches
// fetched prices for ttl.
func NewPriceOracle(fallbackPrice float64, ttl time.Duration) *PriceOracle {
	return &PriceOracle{
		price:    fallbackPrice,
		fallback: fallbackPrice,
		ttl:      ttl,
		client:   &http.Client{Timeout: 5 * time.Second},
	}
}

// GetETHPrice returns the current ETH/USD price, refreshing if the cache is
// stale. Fetch errors return the last known price and force a refresh on
// the next call rather than propagating the error, since gas estimation
// must never hard-fail because an external price feed is briefly down.
func (o *PriceOracle) GetETHPrice(ctx context.Context) float64 {
	o.mu.Lock()
	if time.Since(o.lastUpdate) < o.ttl && o.price > 0 {
		defer o.mu.Unlock()
		return o.price
	}
	o.mu.Unlock()

	price, err := o.fetchPrice(ctx)
	o.mu.Lock()
	defer o.mu.Unlock()
	if err != nil {
		o.lastUpdate = time.Time{}
		if o.price > 0 {
			return o.price
		}
		return o.fallback
	}
	o.price = price
	o.lastUpdate = time.Now()
	return o.price
}

func (o *PriceOracle) fetchPrice(ctx context.Context) (float64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		"https://api.coingecko.com/api/v3/simple/price?ids=ethereum&vs_currencies=usd", nil)
	if err != nil {
		return 0, err
	}
	resp, err := o.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("chainmanager: price oracle returned status %d", resp.StatusCode)
	}

	var body struct {
		Ethereum struct {
			USD float64 `json:"usd"`
		} `json:"ethereum"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return 0, err
	}
	if body.Ethereum.USD <= 0 {
		return 0, fmt.Errorf("chainmanager: price oracle returned non-positive price")
	}
	return body.Ethereum.USD, nil
}
