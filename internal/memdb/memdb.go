// Package memdb is an in-process store with the same contract as the
// PostgreSQL store in internal/db. Each method runs under one mutex, which
// stands in for the row locks and transactions the database provides.
package memdb

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/kartikmendiratta/BCH-1/internal/apperr"
	"github.com/kartikmendiratta/BCH-1/internal/models"

	"github.com/shopspring/decimal"
)

// Store holds every entity in maps keyed by id
type Store struct {
	mu sync.Mutex

	now func() time.Time

	users        map[int]*models.User
	subjects     map[string]int
	offers       map[int]*models.Offer
	trades       map[int]*models.Trade
	messages     map[int][]models.Message
	wallets      map[int]*models.Wallet
	transactions []models.WalletTransaction
	invoices     map[int]*models.Invoice

	seq map[string]int
}

// New creates an empty store
func New() *Store {
	return &Store{
		now:      time.Now,
		users:    make(map[int]*models.User),
		subjects: make(map[string]int),
		offers:   make(map[int]*models.Offer),
		trades:   make(map[int]*models.Trade),
		messages: make(map[int][]models.Message),
		wallets:  make(map[int]*models.Wallet),
		invoices: make(map[int]*models.Invoice),
		seq:      make(map[string]int),
	}
}

// SetClock replaces the time source, for tests that need deterministic timestamps
func (s *Store) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

func (s *Store) nextID(table string) int {
	s.seq[table]++
	return s.seq[table]
}

func (s *Store) email(userID int) string {
	if u, ok := s.users[userID]; ok {
		return u.Email
	}
	return ""
}

// CreateUser inserts a user; a duplicate subject yields apperr.ErrConflict
func (s *Store) CreateUser(ctx context.Context, subject, email string) (*models.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.subjects[subject]; ok {
		return nil, fmt.Errorf("%w: user %s already exists", apperr.ErrConflict, subject)
	}
	u := &models.User{
		ID:              s.nextID("users"),
		ExternalSubject: subject,
		Email:           email,
		CreatedAt:       s.now(),
	}
	s.users[u.ID] = u
	s.subjects[subject] = u.ID
	cp := *u
	return &cp, nil
}

func (s *Store) GetUserBySubject(ctx context.Context, subject string) (*models.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id, ok := s.subjects[subject]
	if !ok {
		return nil, fmt.Errorf("%w: user not found", apperr.ErrNotFound)
	}
	cp := *s.users[id]
	return &cp, nil
}

func (s *Store) GetUser(ctx context.Context, id int) (*models.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.users[id]
	if !ok {
		return nil, fmt.Errorf("%w: user not found", apperr.ErrNotFound)
	}
	cp := *u
	return &cp, nil
}

func (s *Store) UpdateUserName(ctx context.Context, id int, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.users[id]
	if !ok {
		return fmt.Errorf("%w: user not found", apperr.ErrNotFound)
	}
	u.Name = name
	return nil
}

func (s *Store) CreateOffer(ctx context.Context, offer *models.Offer) (*models.Offer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.users[offer.UserID]; !ok {
		return nil, fmt.Errorf("failed to create offer: user %d does not exist", offer.UserID)
	}
	o := *offer
	o.ID = s.nextID("offers")
	o.CreatedAt = s.now()
	s.offers[o.ID] = &o

	cp := o
	cp.UserEmail = s.email(o.UserID)
	return &cp, nil
}

func (s *Store) ListOffers(ctx context.Context, filter models.OfferFilter) ([]models.Offer, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	matched := []models.Offer{}
	for _, o := range s.offers {
		if o.Status != models.OfferActive {
			continue
		}
		if filter.Type != "" && o.Type != filter.Type {
			continue
		}
		if filter.FiatCurrency != "" && o.FiatCurrency != filter.FiatCurrency {
			continue
		}
		cp := *o
		cp.UserEmail = s.email(o.UserID)
		matched = append(matched, cp)
	}
	sort.Slice(matched, func(i, j int) bool {
		if matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].ID > matched[j].ID
		}
		return matched[i].CreatedAt.After(matched[j].CreatedAt)
	})

	total := len(matched)
	start := (filter.Page - 1) * filter.PageSize
	if start >= total {
		return []models.Offer{}, total, nil
	}
	end := min(start+filter.PageSize, total)
	return matched[start:end], total, nil
}

func (s *Store) GetOffer(ctx context.Context, id int) (*models.Offer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	o, ok := s.offers[id]
	if !ok {
		return nil, fmt.Errorf("%w: offer not found", apperr.ErrNotFound)
	}
	cp := *o
	cp.UserEmail = s.email(o.UserID)
	return &cp, nil
}

func (s *Store) DeleteOffer(ctx context.Context, offerID, userID int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	o, ok := s.offers[offerID]
	if !ok {
		return fmt.Errorf("%w: offer not found", apperr.ErrNotFound)
	}
	if o.UserID != userID {
		return fmt.Errorf("%w: only the owner can delete an offer", apperr.ErrForbidden)
	}
	delete(s.offers, offerID)
	for _, t := range s.trades {
		if t.OfferID != nil && *t.OfferID == offerID {
			t.OfferID = nil
		}
	}
	return nil
}

// consume must be called with s.mu held
func (s *Store) consume(offerID int, amount decimal.Decimal) (decimal.Decimal, error) {
	o, ok := s.offers[offerID]
	if !ok {
		return decimal.Zero, fmt.Errorf("%w: offer not found", apperr.ErrNotFound)
	}
	if o.Status != models.OfferActive {
		return decimal.Zero, fmt.Errorf("%w: offer is no longer active", apperr.ErrConflict)
	}
	if amount.GreaterThan(o.AmountBCH) {
		return decimal.Zero, fmt.Errorf("%w: only %s BCH remaining on offer", apperr.ErrConflict, o.AmountBCH)
	}
	o.AmountBCH = o.AmountBCH.Sub(amount)
	if !o.AmountBCH.IsPositive() {
		o.AmountBCH = decimal.Zero
		o.Status = models.OfferInactive
	}
	return o.AmountBCH, nil
}

func (s *Store) ConsumeOffer(ctx context.Context, offerID int, amount decimal.Decimal) (decimal.Decimal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.consume(offerID, amount)
}

func (s *Store) withEmails(t *models.Trade) *models.Trade {
	cp := *t
	if t.OfferID != nil {
		id := *t.OfferID
		cp.OfferID = &id
	}
	cp.BuyerEmail = s.email(t.BuyerID)
	cp.SellerEmail = s.email(t.SellerID)
	return &cp
}

// CreateTrade consumes the offer and inserts the trade as one step
func (s *Store) CreateTrade(ctx context.Context, trade *models.Trade) (*models.Trade, error) {
	if trade.OfferID == nil {
		return nil, fmt.Errorf("%w: trade has no offer", apperr.ErrValidation)
	}
	if trade.BuyerID == trade.SellerID {
		return nil, fmt.Errorf("failed to create trade: buyer and seller are the same user")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.consume(*trade.OfferID, trade.AmountBCH); err != nil {
		return nil, err
	}

	t := *trade
	offerID := *trade.OfferID
	t.OfferID = &offerID
	t.ID = s.nextID("trades")
	t.CreatedAt = s.now()
	t.UpdatedAt = t.CreatedAt
	s.trades[t.ID] = &t
	return s.withEmails(&t), nil
}

func (s *Store) GetTrade(ctx context.Context, id int) (*models.Trade, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.trades[id]
	if !ok {
		return nil, fmt.Errorf("%w: trade not found", apperr.ErrNotFound)
	}
	return s.withEmails(t), nil
}

func (s *Store) GetUserTrades(ctx context.Context, userID int) ([]models.Trade, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	trades := []models.Trade{}
	for _, t := range s.trades {
		if t.IsParticipant(userID) {
			trades = append(trades, *s.withEmails(t))
		}
	}
	sort.Slice(trades, func(i, j int) bool {
		if trades[i].CreatedAt.Equal(trades[j].CreatedAt) {
			return trades[i].ID > trades[j].ID
		}
		return trades[i].CreatedAt.After(trades[j].CreatedAt)
	})
	return trades, nil
}

// UpdateTradeStatus applies the change only if the trade is still in from
func (s *Store) UpdateTradeStatus(ctx context.Context, id int, from, to models.TradeStatus) (*models.Trade, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.trades[id]
	if !ok {
		return nil, fmt.Errorf("%w: trade not found", apperr.ErrNotFound)
	}
	if t.Status != from {
		return nil, fmt.Errorf("%w: trade is no longer %s", apperr.ErrConflict, from)
	}
	t.Status = to
	t.UpdatedAt = s.now()
	return s.withEmails(t), nil
}

func (s *Store) CreateMessage(ctx context.Context, msg *models.Message) (*models.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.trades[msg.TradeID]; !ok {
		return nil, fmt.Errorf("failed to create message: trade %d does not exist", msg.TradeID)
	}
	m := *msg
	m.ID = s.nextID("messages")
	m.CreatedAt = s.now()
	s.messages[m.TradeID] = append(s.messages[m.TradeID], m)
	return &m, nil
}

// GetTradeMessages returns messages in insertion order
func (s *Store) GetTradeMessages(ctx context.Context, tradeID int) ([]models.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return append([]models.Message{}, s.messages[tradeID]...), nil
}

func (s *Store) GetOrCreateWallet(ctx context.Context, userID int, address string) (*models.Wallet, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	w, ok := s.wallets[userID]
	if !ok {
		if _, exists := s.users[userID]; !exists {
			return nil, fmt.Errorf("failed to create wallet: user %d does not exist", userID)
		}
		w = &models.Wallet{UserID: userID, Address: address, BalanceBCH: decimal.Zero, CreatedAt: s.now()}
		s.wallets[userID] = w
	}
	cp := *w
	return &cp, nil
}

func (s *Store) Withdraw(ctx context.Context, userID int, amount decimal.Decimal, txid string) (*models.WalletTransaction, error) {
	return s.moveFunds(userID, amount.Neg(), "withdrawal", txid)
}

func (s *Store) Credit(ctx context.Context, userID int, amount decimal.Decimal, txid string) (*models.WalletTransaction, error) {
	return s.moveFunds(userID, amount, "deposit", txid)
}

func (s *Store) moveFunds(userID int, delta decimal.Decimal, kind, txid string) (*models.WalletTransaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	w, ok := s.wallets[userID]
	if !ok || w.BalanceBCH.Add(delta).IsNegative() {
		if delta.IsNegative() {
			return nil, fmt.Errorf("%w: insufficient balance", apperr.ErrValidation)
		}
		return nil, fmt.Errorf("%w: wallet not found", apperr.ErrNotFound)
	}
	w.BalanceBCH = w.BalanceBCH.Add(delta)

	rec := models.WalletTransaction{
		ID:        s.nextID("transactions"),
		UserID:    userID,
		TxID:      txid,
		Type:      kind,
		AmountBCH: delta.Abs(),
		CreatedAt: s.now(),
	}
	s.transactions = append(s.transactions, rec)
	return &rec, nil
}

func (s *Store) GetTransactions(ctx context.Context, userID, limit int) ([]models.WalletTransaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	txs := []models.WalletTransaction{}
	for i := len(s.transactions) - 1; i >= 0 && len(txs) < limit; i-- {
		if s.transactions[i].UserID == userID {
			txs = append(txs, s.transactions[i])
		}
	}
	return txs, nil
}

func (s *Store) CreateInvoice(ctx context.Context, inv *models.Invoice) (*models.Invoice, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	i := *inv
	i.ID = s.nextID("invoices")
	i.CreatedAt = s.now()
	s.invoices[i.ID] = &i
	cp := i
	return &cp, nil
}

func (s *Store) GetInvoice(ctx context.Context, id int) (*models.Invoice, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	inv, ok := s.invoices[id]
	if !ok {
		return nil, fmt.Errorf("%w: invoice not found", apperr.ErrNotFound)
	}
	cp := *inv
	return &cp, nil
}

func (s *Store) GetUserInvoices(ctx context.Context, userID int) ([]models.Invoice, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	invoices := []models.Invoice{}
	for _, inv := range s.invoices {
		if inv.UserID == userID {
			invoices = append(invoices, *inv)
		}
	}
	sort.Slice(invoices, func(i, j int) bool { return invoices[i].ID > invoices[j].ID })
	return invoices, nil
}
