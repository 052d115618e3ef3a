package wallet

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/kartikmendiratta/BCH-1/internal/apperr"
	"github.com/kartikmendiratta/BCH-1/internal/bch"
	"github.com/kartikmendiratta/BCH-1/internal/models"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// HistoryLimit caps how many movements Transactions returns
const HistoryLimit = 50

// Store is the wallet persistence the service needs
type Store interface {
	GetOrCreateWallet(ctx context.Context, userID int, address string) (*models.Wallet, error)
	Withdraw(ctx context.Context, userID int, amount decimal.Decimal, txid string) (*models.WalletTransaction, error)
	GetTransactions(ctx context.Context, userID, limit int) ([]models.WalletTransaction, error)
}

// PriceSource values balances in fiat
type PriceSource interface {
	GetPrices(ctx context.Context) models.Prices
}

// Balance is a wallet's holdings valued at the current USD rate
type Balance struct {
	BalanceBCH decimal.Decimal `json:"balance_bch"`
	BalanceUSD decimal.Decimal `json:"balance_usd"`
}

// Service manages custodial placeholder wallets
type Service struct {
	store  Store
	prices PriceSource
	logger *zap.Logger
	now    func() time.Time
}

// NewService creates a wallet service. logger may be nil.
func NewService(store Store, prices PriceSource, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{store: store, prices: prices, logger: logger, now: time.Now}
}

// Ensure returns the user's wallet, creating one with a fresh address on
// first use
func (s *Service) Ensure(ctx context.Context, userID int) (*models.Wallet, error) {
	w, err := s.store.GetOrCreateWallet(ctx, userID, bch.GenerateAddress())
	if err != nil {
		return nil, err
	}
	return w, nil
}

// Balance returns the user's balance with its USD value
func (s *Service) Balance(ctx context.Context, userID int) (*Balance, error) {
	w, err := s.Ensure(ctx, userID)
	if err != nil {
		return nil, err
	}
	usd := w.BalanceBCH.Mul(s.prices.GetPrices(ctx).USD).Round(2)
	return &Balance{BalanceBCH: w.BalanceBCH, BalanceUSD: usd}, nil
}

// Address returns the user's deposit address
func (s *Service) Address(ctx context.Context, userID int) (string, error) {
	w, err := s.Ensure(ctx, userID)
	if err != nil {
		return "", err
	}
	return w.Address, nil
}

// Withdraw debits amount and records a withdrawal. The balance check and
// debit happen in the store as one conditional update, so two withdrawals
// can never overdraw the wallet together.
func (s *Service) Withdraw(ctx context.Context, userID int, address string, amount decimal.Decimal) (*models.WalletTransaction, error) {
	address = strings.TrimSpace(address)
	if address == "" || !amount.IsPositive() {
		return nil, fmt.Errorf("%w: invalid address or amount", apperr.ErrValidation)
	}
	if !bch.ValidPrecision(amount) {
		return nil, fmt.Errorf("%w: amount may have at most %d decimal places", apperr.ErrValidation, bch.Decimals)
	}
	if !bch.ValidateAddress(address) {
		return nil, fmt.Errorf("%w: address must start with %s or %s", apperr.ErrValidation, bch.TestnetPrefix, bch.MainnetPrefix)
	}

	if _, err := s.Ensure(ctx, userID); err != nil {
		return nil, err
	}

	tx, err := s.store.Withdraw(ctx, userID, amount, bch.TxID("withdraw", s.now()))
	if err != nil {
		return nil, err
	}

	s.logger.Info("withdrawal submitted",
		zap.Int("user_id", userID),
		zap.String("to", address),
		zap.String("amount_bch", amount.String()),
		zap.String("txid", tx.TxID))
	return tx, nil
}

// Transactions returns the user's latest wallet movements, newest first
func (s *Service) Transactions(ctx context.Context, userID int) ([]models.WalletTransaction, error) {
	return s.store.GetTransactions(ctx, userID, HistoryLimit)
}
