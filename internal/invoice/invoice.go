package invoice

import (
	"context"
	"fmt"
	"strings"

	"github.com/kartikmendiratta/BCH-1/internal/apperr"
	"github.com/kartikmendiratta/BCH-1/internal/bch"
	"github.com/kartikmendiratta/BCH-1/internal/models"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// amountPlaces is BCH precision (satoshis)
const amountPlaces = 8

// Store is the invoice persistence the service needs
type Store interface {
	CreateInvoice(ctx context.Context, inv *models.Invoice) (*models.Invoice, error)
	GetInvoice(ctx context.Context, id int) (*models.Invoice, error)
	GetUserInvoices(ctx context.Context, userID int) ([]models.Invoice, error)
}

// PriceSource converts fiat amounts to BCH
type PriceSource interface {
	GetPrices(ctx context.Context) models.Prices
}

// Service issues BCH payment requests denominated in fiat
type Service struct {
	store  Store
	prices PriceSource
	logger *zap.Logger
}

// NewService creates an invoice service. logger may be nil.
func NewService(store Store, prices PriceSource, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{store: store, prices: prices, logger: logger}
}

// CreateInput is what an owner supplies for a new invoice
type CreateInput struct {
	OwnerID      int
	Title        string
	Description  string
	AmountFiat   decimal.Decimal
	FiatCurrency string
}

// Create prices the invoice at the current rate and assigns it a payment
// address
func (s *Service) Create(ctx context.Context, in CreateInput) (*models.Invoice, error) {
	title := strings.TrimSpace(in.Title)
	if title == "" || in.FiatCurrency == "" || in.AmountFiat.IsZero() {
		return nil, fmt.Errorf("%w: missing required fields", apperr.ErrValidation)
	}
	if in.AmountFiat.IsNegative() {
		return nil, fmt.Errorf("%w: amount_fiat must be positive", apperr.ErrValidation)
	}

	currency := strings.ToUpper(strings.TrimSpace(in.FiatCurrency))
	rate, ok := s.prices.GetPrices(ctx).For(currency)
	if !ok || !rate.IsPositive() {
		return nil, fmt.Errorf("%w: invalid currency", apperr.ErrValidation)
	}

	inv, err := s.store.CreateInvoice(ctx, &models.Invoice{
		UserID:         in.OwnerID,
		Title:          title,
		Description:    strings.TrimSpace(in.Description),
		AmountFiat:     in.AmountFiat,
		FiatCurrency:   currency,
		AmountBCH:      in.AmountFiat.DivRound(rate, amountPlaces),
		PaymentAddress: bch.GenerateAddress(),
		Status:         models.InvoicePending,
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("invoice created",
		zap.Int("invoice_id", inv.ID),
		zap.Int("user_id", inv.UserID),
		zap.String("amount_bch", inv.AmountBCH.String()))
	return inv, nil
}

// List returns the owner's invoices, newest first
func (s *Service) List(ctx context.Context, ownerID int) ([]models.Invoice, error) {
	return s.store.GetUserInvoices(ctx, ownerID)
}

// Get returns one of the owner's invoices. Another user's invoice is
// reported as missing.
func (s *Service) Get(ctx context.Context, id, ownerID int) (*models.Invoice, error) {
	inv, err := s.store.GetInvoice(ctx, id)
	if err != nil {
		return nil, err
	}
	if inv.UserID != ownerID {
		return nil, fmt.Errorf("%w: invoice not found", apperr.ErrNotFound)
	}
	return inv, nil
}

// GetPublic returns the payer-facing view of an invoice, without its owner
func (s *Service) GetPublic(ctx context.Context, id int) (*models.Invoice, error) {
	inv, err := s.store.GetInvoice(ctx, id)
	if err != nil {
		return nil, err
	}
	public := *inv
	public.UserID = 0
	return &public, nil
}
