package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/kartikmendiratta/BCH-1/internal/apperr"
	"github.com/kartikmendiratta/BCH-1/internal/auth"
	"github.com/kartikmendiratta/BCH-1/internal/exchange"
	"github.com/kartikmendiratta/BCH-1/internal/invoice"
	"github.com/kartikmendiratta/BCH-1/internal/models"
	"github.com/kartikmendiratta/BCH-1/internal/offers"
	"github.com/kartikmendiratta/BCH-1/internal/wallet"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// UserStore is the profile persistence the handlers need
type UserStore interface {
	GetUser(ctx context.Context, id int) (*models.User, error)
	UpdateUserName(ctx context.Context, id int, name string) error
}

// PriceSource serves current BCH rates
type PriceSource interface {
	GetPrices(ctx context.Context) models.Prices
}

// Handler contains dependencies for HTTP handlers
type Handler struct {
	Offers      *offers.Ledger
	Trades      *exchange.Engine
	Prices      PriceSource
	Wallets     *wallet.Service
	Invoices    *invoice.Service
	Users       UserStore
	AuthService *auth.AuthService
	Logger      *zap.Logger
}

// NewHandler creates a new handler
func NewHandler(h Handler) *Handler {
	if h.Logger == nil {
		h.Logger = zap.NewNop()
	}
	return &h
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError renders err as {"error": ...} with the status its kind maps to.
// Unexpected failures are logged and masked.
func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := apperr.HTTPStatus(err)
	if status >= http.StatusInternalServerError {
		h.Logger.Error("request failed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.String("request_id", RequestIDFrom(r.Context())),
			zap.Error(err))
	}
	writeJSON(w, status, map[string]string{"error": apperr.Message(err)})
}

func decode(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return fmt.Errorf("%w: invalid request body", apperr.ErrValidation)
	}
	return nil
}

func idParam(r *http.Request) (int, error) {
	id, err := strconv.Atoi(chi.URLParam(r, "id"))
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("%w: invalid id", apperr.ErrValidation)
	}
	return id, nil
}

func queryInt(r *http.Request, key string) (int, error) {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("%w: %s must be a number", apperr.ErrValidation, key)
	}
	return n, nil
}

// Health reports liveness
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":    "ok",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

// GetPrices returns current BCH rates. It always answers, falling back to
// cached or default rates when the feed is down.
func (h *Handler) GetPrices(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.Prices.GetPrices(r.Context()))
}

// CreateOffer handles offer creation
func (h *Handler) CreateOffer(w http.ResponseWriter, r *http.Request) {
	identity := MustIdentity(r.Context())

	var req struct {
		Type          string          `json:"type"`
		AmountBCH     decimal.Decimal `json:"amount_bch"`
		PricePerBCH   decimal.Decimal `json:"price_per_bch"`
		FiatCurrency  string          `json:"fiat_currency"`
		PaymentMethod string          `json:"payment_method"`
		MinLimit      decimal.Decimal `json:"min_limit"`
		MaxLimit      decimal.Decimal `json:"max_limit"`
	}
	if err := decode(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}

	offer, err := h.Offers.CreateOffer(r.Context(), offers.CreateOfferInput{
		OwnerID:       identity.UserID,
		Type:          req.Type,
		AmountBCH:     req.AmountBCH,
		PricePerBCH:   req.PricePerBCH,
		FiatCurrency:  req.FiatCurrency,
		PaymentMethod: req.PaymentMethod,
		MinLimit:      req.MinLimit,
		MaxLimit:      req.MaxLimit,
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusCreated, map[string]any{
		"id":      offer.ID,
		"message": "Offer created",
		"offer":   offer,
	})
}

// ListOffers returns a page of active offers
func (h *Handler) ListOffers(w http.ResponseWriter, r *http.Request) {
	page, err := queryInt(r, "page")
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	limit, err := queryInt(r, "limit")
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	filter := models.OfferFilter{
		Type:         r.URL.Query().Get("type"),
		FiatCurrency: r.URL.Query().Get("fiat"),
		Page:         page,
		PageSize:     limit,
	}
	list, total, err := h.Offers.ListOffers(r.Context(), filter)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if page < 1 {
		page = 1
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"offers": list,
		"total":  total,
		"page":   page,
	})
}

// GetOffer fetches one offer
func (h *Handler) GetOffer(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	offer, err := h.Offers.GetOffer(r.Context(), id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, offer)
}

// DeleteOffer removes one of the caller's offers
func (h *Handler) DeleteOffer(w http.ResponseWriter, r *http.Request) {
	identity := MustIdentity(r.Context())
	id, err := idParam(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if err := h.Offers.DeleteOffer(r.Context(), id, identity.UserID); err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "Offer deleted"})
}

// InitiateTrade opens a trade against an offer
func (h *Handler) InitiateTrade(w http.ResponseWriter, r *http.Request) {
	identity := MustIdentity(r.Context())

	var req struct {
		OfferID   int             `json:"offer_id"`
		AmountBCH decimal.Decimal `json:"amount_bch"`
	}
	if err := decode(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	if req.OfferID <= 0 {
		h.writeError(w, r, fmt.Errorf("%w: offer_id is required", apperr.ErrValidation))
		return
	}

	trade, err := h.Trades.InitiateTrade(r.Context(), identity.UserID, req.OfferID, req.AmountBCH)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, trade)
}

// ListTrades returns every trade the caller is party to
func (h *Handler) ListTrades(w http.ResponseWriter, r *http.Request) {
	identity := MustIdentity(r.Context())
	trades, err := h.Trades.ListTrades(r.Context(), identity.UserID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"trades": trades})
}

// GetTrade returns a trade with its chat history
func (h *Handler) GetTrade(w http.ResponseWriter, r *http.Request) {
	identity := MustIdentity(r.Context())
	id, err := idParam(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	detail, err := h.Trades.GetTrade(r.Context(), id, identity.UserID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, detail)
}

// UpdateTradeStatus moves a trade along the status graph
func (h *Handler) UpdateTradeStatus(w http.ResponseWriter, r *http.Request) {
	identity := MustIdentity(r.Context())
	id, err := idParam(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	var req struct {
		Status models.TradeStatus `json:"status"`
	}
	if err := decode(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}

	trade, err := h.Trades.TransitionStatus(r.Context(), id, identity.UserID, req.Status)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"message": "Status updated",
		"status":  trade.Status,
		"trade":   trade,
	})
}

// ReleaseFunds completes a paid trade on the seller's instruction
func (h *Handler) ReleaseFunds(w http.ResponseWriter, r *http.Request) {
	identity := MustIdentity(r.Context())
	id, err := idParam(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	settlement, err := h.Trades.ReleaseFunds(r.Context(), id, identity.UserID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"message": "BCH released",
		"txid":    settlement.TxID,
	})
}
