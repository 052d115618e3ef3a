package price

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kartikmendiratta/BCH-1/internal/apperr"
	"github.com/kartikmendiratta/BCH-1/internal/models"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeFetcher struct {
	calls  atomic.Int32
	mu     sync.Mutex
	prices models.Prices
	err    error
	gate   chan struct{}
}

func (f *fakeFetcher) Fetch(ctx context.Context) (models.Prices, error) {
	f.calls.Add(1)
	if f.gate != nil {
		<-f.gate
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.prices, f.err
}

func (f *fakeFetcher) set(p models.Prices, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.prices, f.err = p, err
}

func prices(usd, inr, eur int64) models.Prices {
	return models.Prices{
		USD: decimal.NewFromInt(usd),
		INR: decimal.NewFromInt(inr),
		EUR: decimal.NewFromInt(eur),
	}
}

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func newTestOracle(f Fetcher) (*Oracle, *clock) {
	clk := &clock{t: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	o := NewOracle(f, DefaultTTL, nil, nil)
	o.now = clk.now
	return o, clk
}

func TestOracle_CachesWithinTTL(t *testing.T) {
	f := &fakeFetcher{prices: prices(300, 25000, 280)}
	o, clk := newTestOracle(f)
	ctx := context.Background()

	first := o.GetPrices(ctx)
	clk.advance(59 * time.Second)
	second := o.GetPrices(ctx)

	assert.True(t, first.USD.Equal(decimal.NewFromInt(300)))
	assert.Equal(t, first, second)
	assert.Equal(t, int32(1), f.calls.Load())
}

func TestOracle_RefreshesAfterTTL(t *testing.T) {
	f := &fakeFetcher{prices: prices(300, 25000, 280)}
	o, clk := newTestOracle(f)
	ctx := context.Background()

	o.GetPrices(ctx)
	f.set(prices(310, 26000, 290), nil)
	clk.advance(DefaultTTL)

	got := o.GetPrices(ctx)
	assert.True(t, got.USD.Equal(decimal.NewFromInt(310)))
	assert.Equal(t, int32(2), f.calls.Load())
}

func TestOracle_ServesStaleOnFailure(t *testing.T) {
	f := &fakeFetcher{prices: prices(300, 25000, 280)}
	o, clk := newTestOracle(f)
	ctx := context.Background()

	o.GetPrices(ctx)
	f.set(models.Prices{}, errors.New("feed down"))
	clk.advance(2 * DefaultTTL)

	got := o.GetPrices(ctx)
	assert.True(t, got.USD.Equal(decimal.NewFromInt(300)))
	assert.True(t, got.INR.Equal(decimal.NewFromInt(25000)))
	assert.Equal(t, int32(2), f.calls.Load())
}

func TestOracle_FallbackWhenNeverFetched(t *testing.T) {
	f := &fakeFetcher{err: errors.New("feed down")}
	o, _ := newTestOracle(f)

	got := o.GetPrices(context.Background())
	assert.Equal(t, Fallback, got)
	for currency, want := range map[string]int64{"usd": 450, "INR": 37500, "Eur": 415} {
		rate, ok := got.For(currency)
		require.True(t, ok, currency)
		assert.True(t, rate.Equal(decimal.NewFromInt(want)), currency)
	}
}

func TestOracle_ConcurrentCallersShareOneFetch(t *testing.T) {
	f := &fakeFetcher{prices: prices(300, 25000, 280), gate: make(chan struct{})}
	o, _ := newTestOracle(f)

	const callers = 20
	var wg sync.WaitGroup
	results := make([]models.Prices, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = o.GetPrices(context.Background())
		}(i)
	}

	require.Eventually(t, func() bool { return f.calls.Load() == 1 }, time.Second, time.Millisecond)
	close(f.gate)
	wg.Wait()

	assert.Equal(t, int32(1), f.calls.Load())
	for _, p := range results {
		assert.True(t, p.USD.Equal(decimal.NewFromInt(300)))
	}
}

func TestOracle_CancelledCallerDoesNotPoisonCache(t *testing.T) {
	f := &fakeFetcher{prices: prices(300, 25000, 280)}
	o, _ := newTestOracle(f)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	o.GetPrices(ctx)

	got := o.GetPrices(context.Background())
	assert.True(t, got.USD.Equal(decimal.NewFromInt(300)))
	assert.Equal(t, int32(1), f.calls.Load())
}

func TestCoinGecko_Fetch(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		body    string
		want    models.Prices
		wantErr bool
	}{
		{
			name:   "decodes rates",
			status: http.StatusOK,
			body:   `{"bitcoin-cash":{"usd":452.31,"inr":37612.5,"eur":417.02}}`,
			want: models.Prices{
				USD: decimal.RequireFromString("452.31"),
				INR: decimal.RequireFromString("37612.5"),
				EUR: decimal.RequireFromString("417.02"),
			},
		},
		{
			name:    "rate limited",
			status:  http.StatusTooManyRequests,
			body:    `{"status":{"error_code":429}}`,
			wantErr: true,
		},
		{
			name:    "missing coin",
			status:  http.StatusOK,
			body:    `{}`,
			wantErr: true,
		},
		{
			name:    "malformed body",
			status:  http.StatusOK,
			body:    `not json`,
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				assert.Equal(t, http.MethodGet, r.Method)
				w.WriteHeader(tt.status)
				w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			got, err := NewCoinGecko(srv.URL, time.Second).Fetch(context.Background())
			if tt.wantErr {
				require.Error(t, err)
				assert.ErrorIs(t, err, apperr.ErrUpstreamUnavailable)
				return
			}
			require.NoError(t, err)
			assert.True(t, tt.want.USD.Equal(got.USD))
			assert.True(t, tt.want.INR.Equal(got.INR))
			assert.True(t, tt.want.EUR.Equal(got.EUR))
		})
	}
}

func TestCoinGecko_Unreachable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := srv.URL
	srv.Close()

	_, err := NewCoinGecko(url, 200*time.Millisecond).Fetch(context.Background())
	assert.ErrorIs(t, err, apperr.ErrUpstreamUnavailable)
}
