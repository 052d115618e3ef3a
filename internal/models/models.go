package models

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Offer sides
const (
	SideBuy  = "buy"
	SideSell = "sell"
)

// Offer statuses
const (
	OfferActive   = "active"
	OfferInactive = "inactive"
)

// TradeStatus is the lifecycle state of a trade
type TradeStatus string

const (
	TradeInitiated TradeStatus = "initiated"
	TradeFunded    TradeStatus = "funded"
	TradePaid      TradeStatus = "paid"
	TradeCompleted TradeStatus = "completed"
	TradeDisputed  TradeStatus = "disputed"
	TradeCancelled TradeStatus = "cancelled"
)

// Terminal reports whether no further transition may leave the status
func (s TradeStatus) Terminal() bool {
	return s == TradeCompleted || s == TradeCancelled
}

// Valid reports whether s is a known status
func (s TradeStatus) Valid() bool {
	switch s {
	case TradeInitiated, TradeFunded, TradePaid, TradeCompleted, TradeDisputed, TradeCancelled:
		return true
	}
	return false
}

// User represents an identity known to the marketplace
type User struct {
	ID              int       `json:"id"`
	ExternalSubject string    `json:"external_subject"`
	Email           string    `json:"email"`
	Name            string    `json:"name,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
}

// Offer represents a standing buy or sell order
type Offer struct {
	ID            int             `json:"id"`
	UserID        int             `json:"user_id"`
	UserEmail     string          `json:"user_email,omitempty"`
	Type          string          `json:"type"` // "buy" or "sell"
	AmountBCH     decimal.Decimal `json:"amount_bch"`
	PricePerBCH   decimal.Decimal `json:"price_per_bch"`
	FiatCurrency  string          `json:"fiat_currency"`
	PaymentMethod string          `json:"payment_method"`
	MinLimit      decimal.Decimal `json:"min_limit"`
	MaxLimit      decimal.Decimal `json:"max_limit"`
	Status        string          `json:"status"` // "active" or "inactive"
	CreatedAt     time.Time       `json:"created_at"`
}

// OfferFilter narrows an offer listing. Page is 1-indexed.
type OfferFilter struct {
	Type         string
	FiatCurrency string
	Page         int
	PageSize     int
}

// Trade represents an escrow-backed agreement against an offer
type Trade struct {
	ID            int             `json:"id"`
	OfferID       *int            `json:"offer_id"` // nil once the offer is deleted
	BuyerID       int             `json:"buyer_id"`
	SellerID      int             `json:"seller_id"`
	BuyerEmail    string          `json:"buyer_email,omitempty"`
	SellerEmail   string          `json:"seller_email,omitempty"`
	AmountBCH     decimal.Decimal `json:"amount_bch"`
	AmountFiat    decimal.Decimal `json:"amount_fiat"`
	FiatCurrency  string          `json:"fiat_currency"`
	PaymentMethod string          `json:"payment_method"`
	EscrowAddress string          `json:"escrow_address"`
	Status        TradeStatus     `json:"status"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

// IsParticipant reports whether the user is the buyer or the seller
func (t *Trade) IsParticipant(userID int) bool {
	return t.BuyerID == userID || t.SellerID == userID
}

// TradeDetail is a trade together with its chat history
type TradeDetail struct {
	Trade
	Messages []Message `json:"messages"`
}

// Message is a chat line inside a trade room
type Message struct {
	ID        int       `json:"id"`
	TradeID   int       `json:"trade_id"`
	SenderID  int       `json:"sender_id"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

// Wallet is a user's placeholder BCH balance
type Wallet struct {
	UserID     int             `json:"user_id"`
	Address    string          `json:"address"`
	BalanceBCH decimal.Decimal `json:"balance_bch"`
	CreatedAt  time.Time       `json:"created_at"`
}

// WalletTransaction records a movement on a wallet
type WalletTransaction struct {
	ID            int             `json:"id"`
	UserID        int             `json:"user_id"`
	TxID          string          `json:"txid"`
	Type          string          `json:"type"` // "withdrawal" or "deposit"
	AmountBCH     decimal.Decimal `json:"amount_bch"`
	Confirmations int             `json:"confirmations"`
	CreatedAt     time.Time       `json:"timestamp"`
}

// Invoice statuses
const (
	InvoicePending = "pending"
	InvoicePaid    = "paid"
)

// Invoice is a payment request denominated in fiat and settled in BCH
type Invoice struct {
	ID             int             `json:"id"`
	UserID         int             `json:"user_id,omitempty"`
	Title          string          `json:"title"`
	Description    string          `json:"description,omitempty"`
	AmountFiat     decimal.Decimal `json:"amount_fiat"`
	FiatCurrency   string          `json:"fiat_currency"`
	AmountBCH      decimal.Decimal `json:"amount_bch"`
	PaymentAddress string          `json:"payment_address"`
	Status         string          `json:"status"`
	CreatedAt      time.Time       `json:"created_at"`
	PaidAt         *time.Time      `json:"paid_at"`
}

// Prices holds the BCH exchange rate in each supported fiat currency
type Prices struct {
	USD decimal.Decimal `json:"usd"`
	INR decimal.Decimal `json:"inr"`
	EUR decimal.Decimal `json:"eur"`
}

// For returns the rate for a fiat code (usd, inr, eur), case-insensitively
func (p Prices) For(currency string) (decimal.Decimal, bool) {
	switch strings.ToLower(currency) {
	case "usd":
		return p.USD, true
	case "inr":
		return p.INR, true
	case "eur":
		return p.EUR, true
	}
	return decimal.Zero, false
}
