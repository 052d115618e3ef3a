package api

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/kartikmendiratta/BCH-1/internal/apperr"
	"github.com/kartikmendiratta/BCH-1/internal/invoice"

	"github.com/shopspring/decimal"
)

const maxNameLen = 100

// Me returns the caller's profile
func (h *Handler) Me(w http.ResponseWriter, r *http.Request) {
	identity := MustIdentity(r.Context())
	user, err := h.Users.GetUser(r.Context(), identity.UserID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, user)
}

// UpdateProfile sets the caller's display name and makes sure they have a wallet
func (h *Handler) UpdateProfile(w http.ResponseWriter, r *http.Request) {
	identity := MustIdentity(r.Context())

	var req struct {
		Name string `json:"name"`
	}
	if err := decode(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	name := strings.TrimSpace(req.Name)
	if len(name) > maxNameLen {
		h.writeError(w, r, fmt.Errorf("%w: name too long (max %d characters)", apperr.ErrValidation, maxNameLen))
		return
	}

	if err := h.Users.UpdateUserName(r.Context(), identity.UserID, name); err != nil {
		h.writeError(w, r, err)
		return
	}
	if _, err := h.Wallets.Ensure(r.Context(), identity.UserID); err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "Profile updated"})
}

// WalletBalance returns the caller's balance valued in USD
func (h *Handler) WalletBalance(w http.ResponseWriter, r *http.Request) {
	identity := MustIdentity(r.Context())
	balance, err := h.Wallets.Balance(r.Context(), identity.UserID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, balance)
}

// WalletAddress returns the caller's deposit address
func (h *Handler) WalletAddress(w http.ResponseWriter, r *http.Request) {
	identity := MustIdentity(r.Context())
	address, err := h.Wallets.Address(r.Context(), identity.UserID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"address": address})
}

// Withdraw debits the caller's wallet
func (h *Handler) Withdraw(w http.ResponseWriter, r *http.Request) {
	identity := MustIdentity(r.Context())

	var req struct {
		Address string          `json:"address"`
		Amount  decimal.Decimal `json:"amount"`
	}
	if err := decode(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}

	tx, err := h.Wallets.Withdraw(r.Context(), identity.UserID, req.Address, req.Amount)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"message": "Withdrawal submitted",
		"txid":    tx.TxID,
	})
}

// WalletTransactions returns the caller's recent wallet movements
func (h *Handler) WalletTransactions(w http.ResponseWriter, r *http.Request) {
	identity := MustIdentity(r.Context())
	txs, err := h.Wallets.Transactions(r.Context(), identity.UserID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"transactions": txs})
}

// CreateInvoice issues a payment request
func (h *Handler) CreateInvoice(w http.ResponseWriter, r *http.Request) {
	identity := MustIdentity(r.Context())

	var req struct {
		Title        string          `json:"title"`
		Description  string          `json:"description"`
		AmountFiat   decimal.Decimal `json:"amount_fiat"`
		FiatCurrency string          `json:"fiat_currency"`
	}
	if err := decode(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}

	inv, err := h.Invoices.Create(r.Context(), invoice.CreateInput{
		OwnerID:      identity.UserID,
		Title:        req.Title,
		Description:  req.Description,
		AmountFiat:   req.AmountFiat,
		FiatCurrency: req.FiatCurrency,
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, inv)
}

// ListInvoices returns the caller's invoices
func (h *Handler) ListInvoices(w http.ResponseWriter, r *http.Request) {
	identity := MustIdentity(r.Context())
	invoices, err := h.Invoices.List(r.Context(), identity.UserID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"invoices": invoices})
}

// GetInvoice returns one of the caller's invoices
func (h *Handler) GetInvoice(w http.ResponseWriter, r *http.Request) {
	identity := MustIdentity(r.Context())
	id, err := idParam(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	inv, err := h.Invoices.Get(r.Context(), id, identity.UserID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, inv)
}

// GetPublicInvoice returns the payer-facing view of an invoice, no auth needed
func (h *Handler) GetPublicInvoice(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	inv, err := h.Invoices.GetPublic(r.Context(), id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, inv)
}
