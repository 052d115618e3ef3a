package api

import (
	"net/http"

	"github.com/kartikmendiratta/BCH-1/internal/metrics"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// RouterOptions carries what the router needs besides the handler
type RouterOptions struct {
	AllowedOrigins []string
	Metrics        *metrics.Metrics
	WebSocket      http.HandlerFunc
}

// NewRouter wires every endpoint
func NewRouter(h *Handler, opts RouterOptions) http.Handler {
	r := chi.NewRouter()

	origins := opts.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}

	r.Use(RequestID)
	r.Use(RequestLogger(h.Logger))
	r.Use(middleware.Recoverer)
	if opts.Metrics != nil {
		r.Use(opts.Metrics.Middleware)
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "PATCH", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", requestIDHeader},
		ExposedHeaders:   []string{"Link", requestIDHeader},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/health", h.Health)
	if opts.Metrics != nil {
		r.Handle("/metrics", opts.Metrics.Handler())
	}
	if opts.WebSocket != nil {
		r.Get("/ws", opts.WebSocket)
	}

	// Public endpoints
	r.Get("/price", h.GetPrices)
	r.Get("/offers", h.ListOffers)
	r.Get("/offers/{id}", h.GetOffer)
	r.Get("/invoices/public/{id}", h.GetPublicInvoice)

	// Protected endpoints (require JWT)
	r.Group(func(r chi.Router) {
		r.Use(h.JWTAuthMiddleware)

		r.Get("/me", h.Me)
		r.Post("/profile", h.UpdateProfile)

		r.Post("/offers", h.CreateOffer)
		r.Delete("/offers/{id}", h.DeleteOffer)

		r.Post("/trades", h.InitiateTrade)
		r.Get("/trades", h.ListTrades)
		r.Get("/trades/{id}", h.GetTrade)
		r.Patch("/trades/{id}/status", h.UpdateTradeStatus)
		r.Post("/trades/{id}/release", h.ReleaseFunds)

		r.Get("/wallet/balance", h.WalletBalance)
		r.Get("/wallet/address", h.WalletAddress)
		r.Post("/wallet/withdraw", h.Withdraw)
		r.Get("/wallet/transactions", h.WalletTransactions)

		r.Post("/invoices", h.CreateInvoice)
		r.Get("/invoices", h.ListInvoices)
		r.Get("/invoices/{id}", h.GetInvoice)
	})

	return r
}
