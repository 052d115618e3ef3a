package price

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/kartikmendiratta/BCH-1/internal/metrics"
	"github.com/kartikmendiratta/BCH-1/internal/models"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

const DefaultTTL = 60 * time.Second

// Fallback is served when the feed has never answered
var Fallback = models.Prices{
	USD: decimal.NewFromInt(450),
	INR: decimal.NewFromInt(37500),
	EUR: decimal.NewFromInt(415),
}

// Fetcher retrieves current rates from an upstream feed
type Fetcher interface {
	Fetch(ctx context.Context) (models.Prices, error)
}

type snapshot struct {
	prices    models.Prices
	fetchedAt time.Time
}

// Oracle serves BCH rates from a single cached value, refreshing it from the
// fetcher once it is older than the TTL. It never returns an error: a failed
// refresh falls back to the last good value, then to Fallback.
type Oracle struct {
	fetcher Fetcher
	ttl     time.Duration
	logger  *zap.Logger
	metrics *metrics.Metrics
	now     func() time.Time

	cache atomic.Pointer[snapshot]
	group singleflight.Group
}

// NewOracle creates an oracle. logger and m may be nil.
func NewOracle(fetcher Fetcher, ttl time.Duration, logger *zap.Logger, m *metrics.Metrics) *Oracle {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Oracle{
		fetcher: fetcher,
		ttl:     ttl,
		logger:  logger,
		metrics: m,
		now:     time.Now,
	}
}

// GetPrices returns the current rates
func (o *Oracle) GetPrices(ctx context.Context) models.Prices {
	if snap := o.cache.Load(); snap != nil && o.now().Sub(snap.fetchedAt) < o.ttl {
		return snap.prices
	}

	// Concurrent callers on an expired cache share one upstream request.
	// The fetch is detached from any single caller's cancellation.
	v, _, _ := o.group.Do("prices", func() (interface{}, error) {
		return o.refresh(context.WithoutCancel(ctx)), nil
	})
	return v.(models.Prices)
}

func (o *Oracle) refresh(ctx context.Context) models.Prices {
	if snap := o.cache.Load(); snap != nil && o.now().Sub(snap.fetchedAt) < o.ttl {
		return snap.prices
	}

	prices, err := o.fetcher.Fetch(ctx)
	if err == nil {
		o.metrics.PriceFetch("ok")
		o.cache.Store(&snapshot{prices: prices, fetchedAt: o.now()})
		return prices
	}

	o.metrics.PriceFetch("error")
	if snap := o.cache.Load(); snap != nil {
		o.logger.Warn("price fetch failed, serving stale rates",
			zap.Error(err), zap.Time("fetched_at", snap.fetchedAt))
		return snap.prices
	}
	o.logger.Warn("price fetch failed, serving fallback rates", zap.Error(err))
	return Fallback
}
