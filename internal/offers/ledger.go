package offers

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/kartikmendiratta/BCH-1/internal/apperr"
	"github.com/kartikmendiratta/BCH-1/internal/bch"
	"github.com/kartikmendiratta/BCH-1/internal/metrics"
	"github.com/kartikmendiratta/BCH-1/internal/models"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const (
	DefaultPageSize = 20
	MaxPageSize     = 100
)

// Store is the persistence the ledger needs
type Store interface {
	CreateOffer(ctx context.Context, offer *models.Offer) (*models.Offer, error)
	ListOffers(ctx context.Context, filter models.OfferFilter) ([]models.Offer, int, error)
	GetOffer(ctx context.Context, id int) (*models.Offer, error)
	DeleteOffer(ctx context.Context, offerID, userID int) error
	ConsumeOffer(ctx context.Context, offerID int, amount decimal.Decimal) (decimal.Decimal, error)
	CreateTrade(ctx context.Context, trade *models.Trade) (*models.Trade, error)
}

// Ledger owns every write to offers
type Ledger struct {
	store   Store
	logger  *zap.Logger
	metrics *metrics.Metrics
}

// NewLedger creates a ledger. logger and m may be nil.
func NewLedger(store Store, logger *zap.Logger, m *metrics.Metrics) *Ledger {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Ledger{store: store, logger: logger, metrics: m}
}

// CreateOfferInput carries the owner's offer terms. Zero limits mean unset.
type CreateOfferInput struct {
	OwnerID       int
	Type          string
	AmountBCH     decimal.Decimal
	PricePerBCH   decimal.Decimal
	FiatCurrency  string
	PaymentMethod string
	MinLimit      decimal.Decimal
	MaxLimit      decimal.Decimal
}

// CreateOffer validates and stores a new active offer. max_limit defaults to
// the offer's full fiat value, min_limit to zero.
func (l *Ledger) CreateOffer(ctx context.Context, in CreateOfferInput) (*models.Offer, error) {
	in.Type = strings.ToLower(strings.TrimSpace(in.Type))
	in.FiatCurrency = strings.ToUpper(strings.TrimSpace(in.FiatCurrency))
	in.PaymentMethod = strings.TrimSpace(in.PaymentMethod)

	if in.Type != models.SideBuy && in.Type != models.SideSell {
		return nil, fmt.Errorf("%w: type must be 'buy' or 'sell'", apperr.ErrValidation)
	}
	if !in.AmountBCH.IsPositive() {
		return nil, fmt.Errorf("%w: amount_bch must be positive", apperr.ErrValidation)
	}
	if !in.PricePerBCH.IsPositive() {
		return nil, fmt.Errorf("%w: price_per_bch must be positive", apperr.ErrValidation)
	}
	if in.FiatCurrency == "" || in.PaymentMethod == "" {
		return nil, fmt.Errorf("%w: fiat_currency and payment_method are required", apperr.ErrValidation)
	}
	for _, v := range []decimal.Decimal{in.AmountBCH, in.PricePerBCH, in.MinLimit, in.MaxLimit} {
		if !bch.ValidPrecision(v) {
			return nil, fmt.Errorf("%w: amounts may have at most %d decimal places", apperr.ErrValidation, bch.Decimals)
		}
	}
	if in.MinLimit.IsNegative() {
		return nil, fmt.Errorf("%w: min_limit cannot be negative", apperr.ErrValidation)
	}

	maxLimit := in.MaxLimit
	if maxLimit.IsZero() {
		maxLimit = in.AmountBCH.Mul(in.PricePerBCH)
	}
	if maxLimit.LessThan(in.MinLimit) {
		return nil, fmt.Errorf("%w: max_limit must not be below min_limit", apperr.ErrValidation)
	}

	offer, err := l.store.CreateOffer(ctx, &models.Offer{
		UserID:        in.OwnerID,
		Type:          in.Type,
		AmountBCH:     in.AmountBCH,
		PricePerBCH:   in.PricePerBCH,
		FiatCurrency:  in.FiatCurrency,
		PaymentMethod: in.PaymentMethod,
		MinLimit:      in.MinLimit,
		MaxLimit:      maxLimit,
		Status:        models.OfferActive,
	})
	if err != nil {
		return nil, err
	}

	l.metrics.OfferCreated()
	l.logger.Info("offer created",
		zap.Int("offer_id", offer.ID),
		zap.Int("user_id", offer.UserID),
		zap.String("type", offer.Type),
		zap.String("amount_bch", offer.AmountBCH.String()))
	return offer, nil
}

// ListOffers returns a page of active offers and the total match count.
// Page defaults to 1, page size to 20 and is capped at 100.
func (l *Ledger) ListOffers(ctx context.Context, filter models.OfferFilter) ([]models.Offer, int, error) {
	filter.Type = strings.ToLower(strings.TrimSpace(filter.Type))
	filter.FiatCurrency = strings.ToUpper(strings.TrimSpace(filter.FiatCurrency))
	if filter.Type != "" && filter.Type != models.SideBuy && filter.Type != models.SideSell {
		return nil, 0, fmt.Errorf("%w: type must be 'buy' or 'sell'", apperr.ErrValidation)
	}
	if filter.Page < 1 {
		filter.Page = 1
	}
	if filter.PageSize < 1 {
		filter.PageSize = DefaultPageSize
	}
	if filter.PageSize > MaxPageSize {
		filter.PageSize = MaxPageSize
	}
	// keeps (Page-1)*PageSize from overflowing; any such page is empty anyway
	if maxPage := math.MaxInt / filter.PageSize; filter.Page > maxPage {
		filter.Page = maxPage
	}
	return l.store.ListOffers(ctx, filter)
}

// GetOffer fetches an offer by id
func (l *Ledger) GetOffer(ctx context.Context, id int) (*models.Offer, error) {
	return l.store.GetOffer(ctx, id)
}

// DeleteOffer removes an offer. Only its owner may do so.
func (l *Ledger) DeleteOffer(ctx context.Context, offerID, requesterID int) error {
	if err := l.store.DeleteOffer(ctx, offerID, requesterID); err != nil {
		return err
	}
	l.logger.Info("offer deleted", zap.Int("offer_id", offerID), zap.Int("user_id", requesterID))
	return nil
}

// Consume atomically takes amount from an offer and returns what remains.
// A request larger than the current amount fails with apperr.ErrConflict.
func (l *Ledger) Consume(ctx context.Context, offerID int, amount decimal.Decimal) (decimal.Decimal, error) {
	if !amount.IsPositive() {
		return decimal.Zero, fmt.Errorf("%w: amount must be positive", apperr.ErrValidation)
	}
	if !bch.ValidPrecision(amount) {
		return decimal.Zero, fmt.Errorf("%w: amount may have at most %d decimal places", apperr.ErrValidation, bch.Decimals)
	}
	remaining, err := l.store.ConsumeOffer(ctx, offerID, amount)
	if err != nil {
		if errors.Is(err, apperr.ErrConflict) {
			l.metrics.OfferConflict()
		}
		return decimal.Zero, err
	}
	return remaining, nil
}

// ConsumeForTrade takes trade.AmountBCH from the trade's offer and persists
// the trade in the same atomic step; if the offer cannot cover the amount
// any more, nothing is written and apperr.ErrConflict is returned.
func (l *Ledger) ConsumeForTrade(ctx context.Context, trade *models.Trade) (*models.Trade, error) {
	if !trade.AmountBCH.IsPositive() {
		return nil, fmt.Errorf("%w: amount_bch must be positive", apperr.ErrValidation)
	}
	if !bch.ValidPrecision(trade.AmountBCH) {
		return nil, fmt.Errorf("%w: amount_bch may have at most %d decimal places", apperr.ErrValidation, bch.Decimals)
	}
	created, err := l.store.CreateTrade(ctx, trade)
	if err != nil {
		if errors.Is(err, apperr.ErrConflict) {
			l.metrics.OfferConflict()
			l.logger.Info("offer consumption lost a race",
				zap.Intp("offer_id", trade.OfferID),
				zap.String("amount_bch", trade.AmountBCH.String()))
		}
		return nil, err
	}
	return created, nil
}
