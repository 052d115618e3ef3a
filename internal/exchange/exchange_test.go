package exchange

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/kartikmendiratta/BCH-1/internal/apperr"
	"github.com/kartikmendiratta/BCH-1/internal/memdb"
	"github.com/kartikmendiratta/BCH-1/internal/models"
	"github.com/kartikmendiratta/BCH-1/internal/offers"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingPublisher struct {
	mu     sync.Mutex
	events []models.TradeStatus
}

func (p *recordingPublisher) PublishStatusChange(tradeID int, status models.TradeStatus) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, status)
}

func (p *recordingPublisher) published() []models.TradeStatus {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]models.TradeStatus(nil), p.events...)
}

type env struct {
	store     *memdb.Store
	engine    *Engine
	publisher *recordingPublisher
	owner     int
	taker     int
	outsider  int
}

func newEnv(t *testing.T) *env {
	t.Helper()
	ctx := context.Background()
	store := memdb.New()

	ids := make([]int, 3)
	for i, subject := range []string{"owner", "taker", "outsider"} {
		u, err := store.CreateUser(ctx, subject, subject+"@example.com")
		require.NoError(t, err)
		ids[i] = u.ID
	}

	pub := &recordingPublisher{}
	return &env{
		store:     store,
		engine:    NewEngine(store, offers.NewLedger(store, nil, nil), pub, nil, nil),
		publisher: pub,
		owner:     ids[0],
		taker:     ids[1],
		outsider:  ids[2],
	}
}

func (e *env) offer(t *testing.T, side, amount, price string) *models.Offer {
	t.Helper()
	o, err := e.store.CreateOffer(context.Background(), &models.Offer{
		UserID:        e.owner,
		Type:          side,
		AmountBCH:     decimal.RequireFromString(amount),
		PricePerBCH:   decimal.RequireFromString(price),
		FiatCurrency:  "USD",
		PaymentMethod: "bank_transfer",
		MaxLimit:      decimal.RequireFromString(amount).Mul(decimal.RequireFromString(price)),
		Status:        models.OfferActive,
	})
	require.NoError(t, err)
	return o
}

// trade puts a fresh trade in the given status by walking the graph
func (e *env) trade(t *testing.T, status models.TradeStatus) *models.Trade {
	t.Helper()
	ctx := context.Background()
	o := e.offer(t, models.SideSell, "1", "450")
	tr, err := e.engine.InitiateTrade(ctx, e.taker, o.ID, decimal.RequireFromString("0.5"))
	require.NoError(t, err)

	paths := map[models.TradeStatus][]models.TradeStatus{
		models.TradeInitiated: {},
		models.TradeFunded:    {models.TradeFunded},
		models.TradePaid:      {models.TradeFunded, models.TradePaid},
		models.TradeDisputed:  {models.TradeFunded, models.TradePaid, models.TradeDisputed},
		models.TradeCompleted: {models.TradeFunded, models.TradePaid, models.TradeCompleted},
		models.TradeCancelled: {models.TradeCancelled},
	}
	for _, next := range paths[status] {
		actor := tr.SellerID
		if next == models.TradePaid {
			actor = tr.BuyerID
		}
		tr, err = e.engine.TransitionStatus(ctx, tr.ID, actor, next)
		require.NoError(t, err)
	}
	require.Equal(t, status, tr.Status)
	return tr
}

func TestRoles(t *testing.T) {
	sell := &models.Offer{UserID: 1, Type: models.SideSell}
	buyer, seller := Roles(sell, 2)
	assert.Equal(t, 2, buyer)
	assert.Equal(t, 1, seller)

	buy := &models.Offer{UserID: 1, Type: models.SideBuy}
	buyer, seller = Roles(buy, 2)
	assert.Equal(t, 1, buyer)
	assert.Equal(t, 2, seller)
}

func TestEngine_InitiateTrade(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	o := e.offer(t, models.SideSell, "1.0", "500")

	tr, err := e.engine.InitiateTrade(ctx, e.taker, o.ID, decimal.RequireFromString("0.4"))
	require.NoError(t, err)
	assert.Equal(t, models.TradeInitiated, tr.Status)
	assert.Equal(t, e.taker, tr.BuyerID)
	assert.Equal(t, e.owner, tr.SellerID)
	assert.Equal(t, "200", tr.AmountFiat.String())
	assert.Equal(t, "USD", tr.FiatCurrency)
	assert.NotEmpty(t, tr.EscrowAddress)
	require.NotNil(t, tr.OfferID)
	assert.Equal(t, o.ID, *tr.OfferID)

	after, err := e.store.GetOffer(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, "0.6", after.AmountBCH.String())

	_, err = e.engine.InitiateTrade(ctx, e.outsider, o.ID, decimal.RequireFromString("0.7"))
	assert.ErrorIs(t, err, apperr.ErrValidation)

	tr, err = e.engine.InitiateTrade(ctx, e.outsider, o.ID, decimal.RequireFromString("0.6"))
	require.NoError(t, err)
	after, err = e.store.GetOffer(ctx, o.ID)
	require.NoError(t, err)
	assert.True(t, after.AmountBCH.IsZero())
	assert.Equal(t, models.OfferInactive, after.Status)

	_, err = e.engine.InitiateTrade(ctx, e.taker, o.ID, decimal.RequireFromString("0.1"))
	assert.ErrorIs(t, err, apperr.ErrValidation)
}

func TestEngine_InitiateTradeBuyOffer(t *testing.T) {
	e := newEnv(t)
	o := e.offer(t, models.SideBuy, "2", "37000")

	tr, err := e.engine.InitiateTrade(context.Background(), e.taker, o.ID, decimal.NewFromInt(1))
	require.NoError(t, err)
	assert.Equal(t, e.owner, tr.BuyerID)
	assert.Equal(t, e.taker, tr.SellerID)
}

func TestEngine_InitiateTradeRejections(t *testing.T) {
	e := newEnv(t)
	o := e.offer(t, models.SideSell, "1", "450")

	tests := []struct {
		name    string
		user    int
		offerID int
		amount  string
		wantErr error
	}{
		{"self trade", e.owner, o.ID, "0.1", apperr.ErrValidation},
		{"zero amount", e.taker, o.ID, "0", apperr.ErrValidation},
		{"negative amount", e.taker, o.ID, "-0.1", apperr.ErrValidation},
		{"more than offered", e.taker, o.ID, "1.00000001", apperr.ErrValidation},
		{"unknown offer", e.taker, o.ID + 99, "0.1", apperr.ErrNotFound},
		{"finer than a satoshi", e.taker, o.ID, "0.000000005", apperr.ErrValidation},
		{"satoshi plus a fraction", e.taker, o.ID, "0.100000001", apperr.ErrValidation},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := e.engine.InitiateTrade(context.Background(), tt.user, tt.offerID, decimal.RequireFromString(tt.amount))
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}

	trades, err := e.store.GetUserTrades(context.Background(), e.taker)
	require.NoError(t, err)
	assert.Empty(t, trades)

	got, err := e.store.GetOffer(context.Background(), o.ID)
	require.NoError(t, err)
	assert.Equal(t, "1", got.AmountBCH.String())
}

func TestEngine_ConcurrentInitiateNeverOverConsumes(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	o := e.offer(t, models.SideSell, "1.0", "450")

	takers := make([]int, 20)
	for i := range takers {
		u, err := e.store.CreateUser(ctx, "taker-"+strconv.Itoa(i), "t@example.com")
		require.NoError(t, err)
		takers[i] = u.ID
	}

	var wg sync.WaitGroup
	var mu sync.Mutex
	sum := decimal.Zero
	conflicts := 0
	for _, id := range takers {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			tr, err := e.engine.InitiateTrade(ctx, id, o.ID, decimal.RequireFromString("0.15"))
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				sum = sum.Add(tr.AmountBCH)
				return
			}
			conflicts++
		}(id)
	}
	wg.Wait()

	assert.Equal(t, "0.9", sum.String())
	assert.Equal(t, 14, conflicts)

	after, err := e.store.GetOffer(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, "0.1", after.AmountBCH.String())
}

func TestEngine_TransitionGraph(t *testing.T) {
	all := []models.TradeStatus{
		models.TradeInitiated, models.TradeFunded, models.TradePaid,
		models.TradeCompleted, models.TradeDisputed, models.TradeCancelled,
	}
	edges := map[models.TradeStatus][]models.TradeStatus{
		models.TradeInitiated: {models.TradeFunded, models.TradeCancelled},
		models.TradeFunded:    {models.TradePaid, models.TradeCancelled},
		models.TradePaid:      {models.TradeCompleted, models.TradeDisputed},
		models.TradeDisputed:  {models.TradeCompleted, models.TradeCancelled},
	}

	for _, from := range all {
		for _, to := range all {
			want := false
			for _, allowed := range edges[from] {
				if allowed == to {
					want = true
				}
			}
			assert.Equal(t, want, CanTransition(from, to), "%s -> %s", from, to)
		}
	}
}

func TestEngine_TransitionStatus(t *testing.T) {
	tests := []struct {
		from    models.TradeStatus
		to      models.TradeStatus
		actor   string
		wantErr error
	}{
		{models.TradeInitiated, models.TradeFunded, "buyer", nil},
		{models.TradeInitiated, models.TradeFunded, "seller", nil},
		{models.TradeInitiated, models.TradeCancelled, "buyer", nil},
		{models.TradeInitiated, models.TradePaid, "buyer", apperr.ErrInvalidTransition},
		{models.TradeInitiated, models.TradeCompleted, "seller", apperr.ErrInvalidTransition},
		{models.TradeFunded, models.TradePaid, "buyer", nil},
		{models.TradeFunded, models.TradePaid, "seller", apperr.ErrForbidden},
		{models.TradeFunded, models.TradeCancelled, "seller", nil},
		{models.TradeFunded, models.TradeCompleted, "buyer", apperr.ErrInvalidTransition},
		{models.TradePaid, models.TradeCompleted, "seller", nil},
		{models.TradePaid, models.TradeCompleted, "buyer", apperr.ErrForbidden},
		{models.TradePaid, models.TradeDisputed, "buyer", nil},
		{models.TradePaid, models.TradeCancelled, "seller", apperr.ErrInvalidTransition},
		{models.TradeDisputed, models.TradeCompleted, "seller", nil},
		{models.TradeDisputed, models.TradeCompleted, "buyer", apperr.ErrForbidden},
		{models.TradeDisputed, models.TradeCancelled, "buyer", nil},
		{models.TradeCompleted, models.TradeCancelled, "seller", apperr.ErrInvalidTransition},
		{models.TradeCompleted, models.TradeDisputed, "buyer", apperr.ErrInvalidTransition},
		{models.TradeCancelled, models.TradeInitiated, "buyer", apperr.ErrInvalidTransition},
		{models.TradeCancelled, models.TradeFunded, "seller", apperr.ErrInvalidTransition},
		{models.TradeInitiated, models.TradeFunded, "outsider", apperr.ErrForbidden},
		{models.TradeInitiated, "refunded", "buyer", apperr.ErrValidation},
		{models.TradeInitiated, "refunded", "outsider", apperr.ErrForbidden},
		{models.TradePaid, "bogus", "outsider", apperr.ErrForbidden},
	}

	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to)+" by "+tt.actor, func(t *testing.T) {
			e := newEnv(t)
			tr := e.trade(t, tt.from)
			before := len(e.publisher.published())

			actor := map[string]int{"buyer": tr.BuyerID, "seller": tr.SellerID, "outsider": e.outsider}[tt.actor]
			got, err := e.engine.TransitionStatus(context.Background(), tr.ID, actor, tt.to)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				assert.Len(t, e.publisher.published(), before)
				stored, err := e.store.GetTrade(context.Background(), tr.ID)
				require.NoError(t, err)
				assert.Equal(t, tt.from, stored.Status)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.to, got.Status)
			assert.Equal(t, tt.to, e.publisher.published()[before])
		})
	}
}

func TestEngine_ConcurrentTransitionsSerialize(t *testing.T) {
	e := newEnv(t)
	tr := e.trade(t, models.TradePaid)

	const n = 10
	var wg sync.WaitGroup
	results := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			target, actor := models.TradeCompleted, tr.SellerID
			if i%2 == 1 {
				target, actor = models.TradeDisputed, tr.BuyerID
			}
			_, err := e.engine.TransitionStatus(context.Background(), tr.ID, actor, target)
			results <- err
		}(i)
	}
	wg.Wait()
	close(results)

	succeeded := 0
	for err := range results {
		if err == nil {
			succeeded++
			continue
		}
		// a loser either saw the winner's status (no edge) or lost the write
		assert.True(t, errors.Is(err, apperr.ErrConflict) || errors.Is(err, apperr.ErrInvalidTransition), err)
	}
	assert.GreaterOrEqual(t, succeeded, 1)

	// disputed -> completed is a legal follow-up, so at most two can win
	stored, err := e.store.GetTrade(context.Background(), tr.ID)
	require.NoError(t, err)
	assert.Contains(t, []models.TradeStatus{models.TradeCompleted, models.TradeDisputed}, stored.Status)
	assert.LessOrEqual(t, succeeded, 2)
}

func TestEngine_ParticipantOnlyReads(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	tr := e.trade(t, models.TradeInitiated)

	_, err := e.engine.GetTrade(ctx, tr.ID, e.outsider)
	assert.ErrorIs(t, err, apperr.ErrForbidden)

	_, err = e.engine.GetTrade(ctx, tr.ID+50, e.taker)
	assert.ErrorIs(t, err, apperr.ErrNotFound)

	clock := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	e.store.SetClock(func() time.Time { return clock })
	for _, content := range []string{"hello", "sent", "received"} {
		_, err := e.store.CreateMessage(ctx, &models.Message{TradeID: tr.ID, SenderID: tr.BuyerID, Content: content})
		require.NoError(t, err)
	}

	detail, err := e.engine.GetTrade(ctx, tr.ID, tr.SellerID)
	require.NoError(t, err)
	require.Len(t, detail.Messages, 3)
	assert.Equal(t, "hello", detail.Messages[0].Content)
	assert.Equal(t, "received", detail.Messages[2].Content)
	assert.Less(t, detail.Messages[0].ID, detail.Messages[1].ID)

	mine, err := e.engine.ListTrades(ctx, e.taker)
	require.NoError(t, err)
	assert.Len(t, mine, 1)

	theirs, err := e.engine.ListTrades(ctx, e.outsider)
	require.NoError(t, err)
	assert.Empty(t, theirs)
}

func TestEngine_ReleaseFunds(t *testing.T) {
	ctx := context.Background()

	t.Run("seller releases a paid trade", func(t *testing.T) {
		e := newEnv(t)
		e.engine.now = func() time.Time { return time.UnixMilli(0x18b6f1c2a40) }
		tr := e.trade(t, models.TradePaid)

		s, err := e.engine.ReleaseFunds(ctx, tr.ID, tr.SellerID)
		require.NoError(t, err)
		assert.Equal(t, "demo_18b6f1c2a40", s.TxID)
		assert.Equal(t, models.TradeCompleted, s.Trade.Status)
		assert.Contains(t, e.publisher.published(), models.TradeCompleted)
	})

	t.Run("buyer cannot release", func(t *testing.T) {
		e := newEnv(t)
		tr := e.trade(t, models.TradePaid)
		_, err := e.engine.ReleaseFunds(ctx, tr.ID, tr.BuyerID)
		assert.ErrorIs(t, err, apperr.ErrForbidden)
	})

	t.Run("outsider cannot release", func(t *testing.T) {
		e := newEnv(t)
		tr := e.trade(t, models.TradePaid)
		_, err := e.engine.ReleaseFunds(ctx, tr.ID, e.outsider)
		assert.ErrorIs(t, err, apperr.ErrForbidden)
	})

	t.Run("trade must be paid", func(t *testing.T) {
		e := newEnv(t)
		tr := e.trade(t, models.TradeFunded)
		_, err := e.engine.ReleaseFunds(ctx, tr.ID, tr.SellerID)
		assert.ErrorIs(t, err, apperr.ErrInvalidTransition)
	})

	t.Run("released trade stays completed", func(t *testing.T) {
		e := newEnv(t)
		tr := e.trade(t, models.TradePaid)
		_, err := e.engine.ReleaseFunds(ctx, tr.ID, tr.SellerID)
		require.NoError(t, err)
		_, err = e.engine.ReleaseFunds(ctx, tr.ID, tr.SellerID)
		assert.ErrorIs(t, err, apperr.ErrInvalidTransition)
	})
}
