package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds every collector the marketplace exports. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	RequestCount       *prometheus.CounterVec
	RequestDuration    *prometheus.HistogramVec
	OffersCreated      prometheus.Counter
	OfferConsumeFailed prometheus.Counter
	TradesInitiated    prometheus.Counter
	TradeTransitions   *prometheus.CounterVec
	RealtimeClients    prometheus.Gauge
	RealtimeRooms      prometheus.Gauge
	RealtimeMessages   prometheus.Counter
	RealtimeDropped    prometheus.Counter
	PriceFetches       *prometheus.CounterVec
}

// New creates the collectors and registers them on a fresh registry
// together with the Go runtime and process collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		RequestCount: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests.",
			},
			[]string{"method", "path", "status"},
		),
		RequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Duration of HTTP requests in seconds.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "path"},
		),
		OffersCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "p2p_offers_created_total",
			Help: "Offers created.",
		}),
		OfferConsumeFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "p2p_offer_consume_conflicts_total",
			Help: "Offer consumptions rejected because the offer changed concurrently.",
		}),
		TradesInitiated: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "p2p_trades_initiated_total",
			Help: "Trades initiated against offers.",
		}),
		TradeTransitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "p2p_trade_transitions_total",
				Help: "Applied trade status transitions.",
			},
			[]string{"from", "to"},
		),
		RealtimeClients: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "p2p_realtime_clients",
			Help: "Connected websocket clients.",
		}),
		RealtimeRooms: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "p2p_realtime_rooms",
			Help: "Trade rooms with at least one listener.",
		}),
		RealtimeMessages: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "p2p_realtime_messages_total",
			Help: "Chat messages persisted and broadcast.",
		}),
		RealtimeDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "p2p_realtime_dropped_clients_total",
			Help: "Clients removed because they could not keep up.",
		}),
		PriceFetches: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "p2p_price_fetches_total",
				Help: "Upstream price fetches by result.",
			},
			[]string{"result"},
		),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.RequestCount,
		m.RequestDuration,
		m.OffersCreated,
		m.OfferConsumeFailed,
		m.TradesInitiated,
		m.TradeTransitions,
		m.RealtimeClients,
		m.RealtimeRooms,
		m.RealtimeMessages,
		m.RealtimeDropped,
		m.PriceFetches,
	)
	return m
}

// Registry exposes the underlying registry for gathering without HTTP
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the exposition format
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Middleware records request count and latency per route pattern
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	if m == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		path := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			path = rctx.RoutePattern()
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		m.RequestCount.WithLabelValues(r.Method, path, strconv.Itoa(status)).Inc()
		m.RequestDuration.WithLabelValues(r.Method, path).Observe(time.Since(start).Seconds())
	})
}

func (m *Metrics) OfferCreated() {
	if m != nil {
		m.OffersCreated.Inc()
	}
}

func (m *Metrics) OfferConflict() {
	if m != nil {
		m.OfferConsumeFailed.Inc()
	}
}

func (m *Metrics) TradeInitiated() {
	if m != nil {
		m.TradesInitiated.Inc()
	}
}

func (m *Metrics) TradeTransition(from, to string) {
	if m != nil {
		m.TradeTransitions.WithLabelValues(from, to).Inc()
	}
}

func (m *Metrics) ClientConnected() {
	if m != nil {
		m.RealtimeClients.Inc()
	}
}

func (m *Metrics) ClientDisconnected() {
	if m != nil {
		m.RealtimeClients.Dec()
	}
}

func (m *Metrics) SetRooms(n int) {
	if m != nil {
		m.RealtimeRooms.Set(float64(n))
	}
}

func (m *Metrics) MessageBroadcast() {
	if m != nil {
		m.RealtimeMessages.Inc()
	}
}

func (m *Metrics) ClientDropped() {
	if m != nil {
		m.RealtimeDropped.Inc()
	}
}

func (m *Metrics) PriceFetch(result string) {
	if m != nil {
		m.PriceFetches.WithLabelValues(result).Inc()
	}
}
