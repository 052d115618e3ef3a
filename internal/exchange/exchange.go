package exchange

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/kartikmendiratta/BCH-1/internal/apperr"
	"github.com/kartikmendiratta/BCH-1/internal/bch"
	"github.com/kartikmendiratta/BCH-1/internal/metrics"
	"github.com/kartikmendiratta/BCH-1/internal/models"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Store is the trade persistence the engine needs
type Store interface {
	GetTrade(ctx context.Context, id int) (*models.Trade, error)
	GetUserTrades(ctx context.Context, userID int) ([]models.Trade, error)
	UpdateTradeStatus(ctx context.Context, id int, from, to models.TradeStatus) (*models.Trade, error)
	GetTradeMessages(ctx context.Context, tradeID int) ([]models.Message, error)
}

// OfferLedger is the part of the offer ledger trade creation goes through
type OfferLedger interface {
	GetOffer(ctx context.Context, id int) (*models.Offer, error)
	ConsumeForTrade(ctx context.Context, trade *models.Trade) (*models.Trade, error)
}

// Publisher fans status changes out to a trade's listeners
type Publisher interface {
	PublishStatusChange(tradeID int, status models.TradeStatus)
}

type actor int

const (
	eitherParty actor = iota
	buyerOnly
	sellerOnly
)

// transitions is the trade status graph. A status absent from the outer map
// is terminal.
var transitions = map[models.TradeStatus]map[models.TradeStatus]actor{
	models.TradeInitiated: {
		models.TradeFunded:    eitherParty,
		models.TradeCancelled: eitherParty,
	},
	models.TradeFunded: {
		models.TradePaid:      buyerOnly,
		models.TradeCancelled: eitherParty,
	},
	models.TradePaid: {
		models.TradeCompleted: sellerOnly,
		models.TradeDisputed:  eitherParty,
	},
	models.TradeDisputed: {
		models.TradeCompleted: sellerOnly,
		models.TradeCancelled: eitherParty,
	},
}

// CanTransition reports whether the graph has an edge from -> to
func CanTransition(from, to models.TradeStatus) bool {
	_, ok := transitions[from][to]
	return ok
}

// Engine drives trades through their lifecycle
type Engine struct {
	store     Store
	offers    OfferLedger
	publisher Publisher
	logger    *zap.Logger
	metrics   *metrics.Metrics
	now       func() time.Time
}

// NewEngine creates a trade engine. publisher, logger and m may be nil.
func NewEngine(store Store, offers OfferLedger, publisher Publisher, logger *zap.Logger, m *metrics.Metrics) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		store:     store,
		offers:    offers,
		publisher: publisher,
		logger:    logger,
		metrics:   m,
		now:       time.Now,
	}
}

// Roles derives buyer and seller from the offer side: the owner of a sell
// offer is the seller, the owner of a buy offer is the buyer.
func Roles(offer *models.Offer, initiatorID int) (buyerID, sellerID int) {
	if offer.Type == models.SideSell {
		return initiatorID, offer.UserID
	}
	return offer.UserID, initiatorID
}

// InitiateTrade opens a trade against an offer for amountBCH. The offer is
// decremented and the trade inserted as one atomic unit; if the offer changed
// underneath, the call fails with apperr.ErrConflict and nothing is written.
func (e *Engine) InitiateTrade(ctx context.Context, initiatorID, offerID int, amountBCH decimal.Decimal) (*models.Trade, error) {
	if !amountBCH.IsPositive() {
		return nil, fmt.Errorf("%w: amount_bch must be positive", apperr.ErrValidation)
	}
	if !bch.ValidPrecision(amountBCH) {
		return nil, fmt.Errorf("%w: amount_bch may have at most %d decimal places", apperr.ErrValidation, bch.Decimals)
	}

	offer, err := e.offers.GetOffer(ctx, offerID)
	if err != nil {
		return nil, err
	}
	if offer.UserID == initiatorID {
		return nil, fmt.Errorf("%w: cannot trade with yourself", apperr.ErrValidation)
	}
	if offer.Status != models.OfferActive {
		return nil, fmt.Errorf("%w: offer is not active", apperr.ErrValidation)
	}
	if amountBCH.GreaterThan(offer.AmountBCH) {
		return nil, fmt.Errorf("%w: amount exceeds available", apperr.ErrValidation)
	}

	buyerID, sellerID := Roles(offer, initiatorID)
	id := offer.ID
	trade, err := e.offers.ConsumeForTrade(ctx, &models.Trade{
		OfferID:       &id,
		BuyerID:       buyerID,
		SellerID:      sellerID,
		AmountBCH:     amountBCH,
		AmountFiat:    amountBCH.Mul(offer.PricePerBCH),
		FiatCurrency:  offer.FiatCurrency,
		PaymentMethod: offer.PaymentMethod,
		EscrowAddress: bch.GenerateAddress(),
		Status:        models.TradeInitiated,
	})
	if err != nil {
		return nil, err
	}

	e.metrics.TradeInitiated()
	e.logger.Info("trade initiated",
		zap.Int("trade_id", trade.ID),
		zap.Int("offer_id", offerID),
		zap.Int("buyer_id", trade.BuyerID),
		zap.Int("seller_id", trade.SellerID),
		zap.String("amount_bch", trade.AmountBCH.String()))
	return trade, nil
}

// participantTrade loads a trade and checks the requester is buyer or seller
func (e *Engine) participantTrade(ctx context.Context, tradeID, requesterID int) (*models.Trade, error) {
	trade, err := e.store.GetTrade(ctx, tradeID)
	if err != nil {
		return nil, err
	}
	if !trade.IsParticipant(requesterID) {
		return nil, fmt.Errorf("%w: not a participant of this trade", apperr.ErrForbidden)
	}
	return trade, nil
}

// GetTrade returns a trade and its messages in creation order
func (e *Engine) GetTrade(ctx context.Context, tradeID, requesterID int) (*models.TradeDetail, error) {
	trade, err := e.participantTrade(ctx, tradeID, requesterID)
	if err != nil {
		return nil, err
	}
	messages, err := e.store.GetTradeMessages(ctx, tradeID)
	if err != nil {
		return nil, err
	}
	return &models.TradeDetail{Trade: *trade, Messages: messages}, nil
}

// ListTrades returns every trade the user is party to, newest first
func (e *Engine) ListTrades(ctx context.Context, requesterID int) ([]models.Trade, error) {
	return e.store.GetUserTrades(ctx, requesterID)
}

// TransitionStatus moves a trade along one edge of the status graph. The
// current status read and the write are checked against each other, so a
// request racing another transition fails with apperr.ErrConflict.
func (e *Engine) TransitionStatus(ctx context.Context, tradeID, requesterID int, target models.TradeStatus) (*models.Trade, error) {
	trade, err := e.participantTrade(ctx, tradeID, requesterID)
	if err != nil {
		return nil, err
	}
	if !target.Valid() {
		return nil, fmt.Errorf("%w: unknown status %q", apperr.ErrValidation, target)
	}

	who, ok := transitions[trade.Status][target]
	if !ok {
		return nil, fmt.Errorf("%w: cannot move from %s to %s", apperr.ErrInvalidTransition, trade.Status, target)
	}
	switch {
	case who == buyerOnly && requesterID != trade.BuyerID:
		return nil, fmt.Errorf("%w: only the buyer can mark a trade %s", apperr.ErrForbidden, target)
	case who == sellerOnly && requesterID != trade.SellerID:
		return nil, fmt.Errorf("%w: only the seller can mark a trade %s", apperr.ErrForbidden, target)
	}

	return e.apply(ctx, trade, target)
}

func (e *Engine) apply(ctx context.Context, trade *models.Trade, target models.TradeStatus) (*models.Trade, error) {
	from := trade.Status
	updated, err := e.store.UpdateTradeStatus(ctx, trade.ID, from, target)
	if err != nil {
		if errors.Is(err, apperr.ErrConflict) {
			e.logger.Info("trade transition lost a race",
				zap.Int("trade_id", trade.ID),
				zap.String("from", string(from)),
				zap.String("to", string(target)))
		}
		return nil, err
	}

	e.metrics.TradeTransition(string(from), string(target))
	e.logger.Info("trade status changed",
		zap.Int("trade_id", updated.ID),
		zap.String("from", string(from)),
		zap.String("to", string(updated.Status)))

	if e.publisher != nil {
		e.publisher.PublishStatusChange(updated.ID, updated.Status)
	}
	return updated, nil
}

// Settlement is the outcome of releasing escrowed funds
type Settlement struct {
	Trade *models.Trade
	TxID  string
}

// ReleaseFunds completes a paid trade on the seller's instruction and
// returns a placeholder settlement reference. This is where funds would
// move between wallets once escrow is real.
func (e *Engine) ReleaseFunds(ctx context.Context, tradeID, requesterID int) (*Settlement, error) {
	trade, err := e.store.GetTrade(ctx, tradeID)
	if err != nil {
		return nil, err
	}
	if trade.SellerID != requesterID {
		return nil, fmt.Errorf("%w: only seller can release", apperr.ErrForbidden)
	}
	if trade.Status != models.TradePaid {
		return nil, fmt.Errorf("%w: trade must be in paid status", apperr.ErrInvalidTransition)
	}

	updated, err := e.apply(ctx, trade, models.TradeCompleted)
	if err != nil {
		return nil, err
	}

	txid := bch.TxID("demo", e.now())
	e.logger.Info("escrow released", zap.Int("trade_id", updated.ID), zap.String("txid", txid))
	return &Settlement{Trade: updated, TxID: txid}, nil
}
