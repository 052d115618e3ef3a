package db

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"strings"

	"github.com/kartikmendiratta/BCH-1/internal/apperr"
	"github.com/kartikmendiratta/BCH-1/internal/models"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

//go:embed migrations/001_init.sql
var initSchema string

const uniqueViolation = "23505"

// DB wraps a PostgreSQL connection pool
type DB struct {
	Pool *pgxpool.Pool
}

// NewDB initializes a new database connection pool
func NewDB(ctx context.Context, connString string, maxConns int32) (*DB, error) {
	cfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("failed to parse connection string: %w", err)
	}
	if maxConns > 0 {
		cfg.MaxConns = maxConns
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	return &DB{Pool: pool}, nil
}

// Close closes the database connection pool
func (db *DB) Close(ctx context.Context) error {
	db.Pool.Close()
	return nil
}

// Migrate applies the embedded schema. Statements are idempotent.
func (db *DB) Migrate(ctx context.Context) error {
	if _, err := db.Pool.Exec(ctx, initSchema); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}

// CreateUser inserts a user keyed by the identity provider's subject.
// A concurrent insert for the same subject yields apperr.ErrConflict.
func (db *DB) CreateUser(ctx context.Context, subject, email string) (*models.User, error) {
	user := &models.User{}
	err := db.Pool.QueryRow(ctx,
		"INSERT INTO users (external_subject, email) VALUES ($1, $2) RETURNING id, external_subject, email, name, created_at",
		subject, email).Scan(&user.ID, &user.ExternalSubject, &user.Email, &user.Name, &user.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, fmt.Errorf("%w: user %s already exists", apperr.ErrConflict, subject)
		}
		return nil, fmt.Errorf("failed to create user: %w", err)
	}
	return user, nil
}

// GetUserBySubject retrieves a user by external subject
func (db *DB) GetUserBySubject(ctx context.Context, subject string) (*models.User, error) {
	return db.getUser(ctx, "external_subject = $1", subject)
}

// GetUser retrieves a user by id
func (db *DB) GetUser(ctx context.Context, id int) (*models.User, error) {
	return db.getUser(ctx, "id = $1", id)
}

func (db *DB) getUser(ctx context.Context, where string, arg any) (*models.User, error) {
	user := &models.User{}
	err := db.Pool.QueryRow(ctx,
		"SELECT id, external_subject, email, name, created_at FROM users WHERE "+where,
		arg).Scan(&user.ID, &user.ExternalSubject, &user.Email, &user.Name, &user.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: user not found", apperr.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	return user, nil
}

// UpdateUserName sets the display name
func (db *DB) UpdateUserName(ctx context.Context, id int, name string) error {
	tag, err := db.Pool.Exec(ctx, "UPDATE users SET name = $1 WHERE id = $2", name, id)
	if err != nil {
		return fmt.Errorf("failed to update user: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: user not found", apperr.ErrNotFound)
	}
	return nil
}

const offerColumns = "o.id, o.user_id, u.email, o.type, o.amount_bch, o.price_per_bch, o.fiat_currency, o.payment_method, o.min_limit, o.max_limit, o.status, o.created_at"

func scanOffer(row pgx.Row) (*models.Offer, error) {
	o := &models.Offer{}
	err := row.Scan(&o.ID, &o.UserID, &o.UserEmail, &o.Type, &o.AmountBCH, &o.PricePerBCH,
		&o.FiatCurrency, &o.PaymentMethod, &o.MinLimit, &o.MaxLimit, &o.Status, &o.CreatedAt)
	if err != nil {
		return nil, err
	}
	return o, nil
}

// CreateOffer inserts a new offer. Field validation belongs to the offer ledger.
func (db *DB) CreateOffer(ctx context.Context, offer *models.Offer) (*models.Offer, error) {
	row := db.Pool.QueryRow(ctx, `
		WITH o AS (
			INSERT INTO offers (user_id, type, amount_bch, price_per_bch, fiat_currency, payment_method, min_limit, max_limit, status)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
			RETURNING *
		)
		SELECT `+offerColumns+` FROM o JOIN users u ON u.id = o.user_id`,
		offer.UserID, offer.Type, offer.AmountBCH, offer.PricePerBCH, offer.FiatCurrency,
		offer.PaymentMethod, offer.MinLimit, offer.MaxLimit, offer.Status)
	newOffer, err := scanOffer(row)
	if err != nil {
		return nil, fmt.Errorf("failed to create offer: %w", err)
	}
	return newOffer, nil
}

// ListOffers returns one page of active offers, newest first, and the total
// number of active offers matching the filter
func (db *DB) ListOffers(ctx context.Context, filter models.OfferFilter) ([]models.Offer, int, error) {
	where := []string{"o.status = 'active'"}
	args := []any{}
	if filter.Type != "" {
		args = append(args, filter.Type)
		where = append(where, fmt.Sprintf("o.type = $%d", len(args)))
	}
	if filter.FiatCurrency != "" {
		args = append(args, filter.FiatCurrency)
		where = append(where, fmt.Sprintf("o.fiat_currency = $%d", len(args)))
	}
	cond := strings.Join(where, " AND ")

	var total int
	if err := db.Pool.QueryRow(ctx, "SELECT COUNT(*) FROM offers o WHERE "+cond, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count offers: %w", err)
	}

	args = append(args, filter.PageSize, (filter.Page-1)*filter.PageSize)
	rows, err := db.Pool.Query(ctx, fmt.Sprintf(
		"SELECT %s FROM offers o JOIN users u ON u.id = o.user_id WHERE %s ORDER BY o.created_at DESC, o.id DESC LIMIT $%d OFFSET $%d",
		offerColumns, cond, len(args)-1, len(args)), args...)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list offers: %w", err)
	}
	defer rows.Close()

	offers := []models.Offer{}
	for rows.Next() {
		offer, err := scanOffer(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("failed to scan offer: %w", err)
		}
		offers = append(offers, *offer)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("failed to list offers: %w", err)
	}
	return offers, total, nil
}

// GetOffer retrieves an offer regardless of status
func (db *DB) GetOffer(ctx context.Context, id int) (*models.Offer, error) {
	offer, err := scanOffer(db.Pool.QueryRow(ctx,
		"SELECT "+offerColumns+" FROM offers o JOIN users u ON u.id = o.user_id WHERE o.id = $1", id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: offer not found", apperr.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get offer: %w", err)
	}
	return offer, nil
}

// DeleteOffer removes an offer if it belongs to the user. Trades keep their
// copy of the terms; their offer_id is nulled by the foreign key.
func (db *DB) DeleteOffer(ctx context.Context, offerID, userID int) error {
	tx, err := db.Pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	// Lock the row so a concurrent trade cannot consume it mid-delete
	var ownerID int
	err = tx.QueryRow(ctx, "SELECT user_id FROM offers WHERE id = $1 FOR UPDATE", offerID).Scan(&ownerID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("%w: offer not found", apperr.ErrNotFound)
		}
		return fmt.Errorf("failed to get offer: %w", err)
	}
	if ownerID != userID {
		return fmt.Errorf("%w: only the owner can delete an offer", apperr.ErrForbidden)
	}

	if _, err := tx.Exec(ctx, "DELETE FROM offers WHERE id = $1", offerID); err != nil {
		return fmt.Errorf("failed to delete offer: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// consumeOffer decrements an offer inside tx, re-reading the amount under a
// row lock. Reaching zero deactivates the offer in the same statement.
func consumeOffer(ctx context.Context, tx pgx.Tx, offerID int, amount decimal.Decimal) (decimal.Decimal, error) {
	var current decimal.Decimal
	var status string
	err := tx.QueryRow(ctx, "SELECT amount_bch, status FROM offers WHERE id = $1 FOR UPDATE", offerID).Scan(&current, &status)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return decimal.Zero, fmt.Errorf("%w: offer not found", apperr.ErrNotFound)
		}
		return decimal.Zero, fmt.Errorf("failed to lock offer: %w", err)
	}
	if status != models.OfferActive {
		return decimal.Zero, fmt.Errorf("%w: offer is no longer active", apperr.ErrConflict)
	}
	if amount.GreaterThan(current) {
		return decimal.Zero, fmt.Errorf("%w: only %s BCH remaining on offer", apperr.ErrConflict, current)
	}

	remaining := current.Sub(amount)
	newStatus := models.OfferActive
	if !remaining.IsPositive() {
		remaining = decimal.Zero
		newStatus = models.OfferInactive
	}
	if _, err := tx.Exec(ctx, "UPDATE offers SET amount_bch = $1, status = $2 WHERE id = $3", remaining, newStatus, offerID); err != nil {
		return decimal.Zero, fmt.Errorf("failed to update offer: %w", err)
	}
	return remaining, nil
}

// ConsumeOffer atomically takes amount from an offer and returns what is left
func (db *DB) ConsumeOffer(ctx context.Context, offerID int, amount decimal.Decimal) (decimal.Decimal, error) {
	tx, err := db.Pool.Begin(ctx)
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	remaining, err := consumeOffer(ctx, tx, offerID, amount)
	if err != nil {
		return decimal.Zero, err
	}
	if err := tx.Commit(ctx); err != nil {
		return decimal.Zero, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return remaining, nil
}

const tradeColumns = "t.id, t.offer_id, t.buyer_id, t.seller_id, b.email, s.email, t.amount_bch, t.amount_fiat, t.fiat_currency, t.payment_method, t.escrow_address, t.status, t.created_at, t.updated_at"

const tradeJoins = " JOIN users b ON b.id = t.buyer_id JOIN users s ON s.id = t.seller_id"

func scanTrade(row pgx.Row) (*models.Trade, error) {
	t := &models.Trade{}
	err := row.Scan(&t.ID, &t.OfferID, &t.BuyerID, &t.SellerID, &t.BuyerEmail, &t.SellerEmail,
		&t.AmountBCH, &t.AmountFiat, &t.FiatCurrency, &t.PaymentMethod, &t.EscrowAddress,
		&t.Status, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return t, nil
}

// CreateTrade consumes trade.AmountBCH from the originating offer and inserts
// the trade in one transaction. Either both happen or neither does.
func (db *DB) CreateTrade(ctx context.Context, trade *models.Trade) (*models.Trade, error) {
	if trade.OfferID == nil {
		return nil, fmt.Errorf("%w: trade has no offer", apperr.ErrValidation)
	}

	tx, err := db.Pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := consumeOffer(ctx, tx, *trade.OfferID, trade.AmountBCH); err != nil {
		return nil, err
	}

	newTrade, err := scanTrade(tx.QueryRow(ctx, `
		WITH t AS (
			INSERT INTO trades (offer_id, buyer_id, seller_id, amount_bch, amount_fiat, fiat_currency, payment_method, escrow_address, status)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
			RETURNING *
		)
		SELECT `+tradeColumns+` FROM t`+tradeJoins,
		trade.OfferID, trade.BuyerID, trade.SellerID, trade.AmountBCH, trade.AmountFiat,
		trade.FiatCurrency, trade.PaymentMethod, trade.EscrowAddress, trade.Status))
	if err != nil {
		return nil, fmt.Errorf("failed to create trade: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return newTrade, nil
}

// GetTrade retrieves a trade with participant emails
func (db *DB) GetTrade(ctx context.Context, id int) (*models.Trade, error) {
	trade, err := scanTrade(db.Pool.QueryRow(ctx, "SELECT "+tradeColumns+" FROM trades t"+tradeJoins+" WHERE t.id = $1", id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: trade not found", apperr.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get trade: %w", err)
	}
	return trade, nil
}

// GetUserTrades retrieves all trades where the user is buyer or seller, newest first
func (db *DB) GetUserTrades(ctx context.Context, userID int) ([]models.Trade, error) {
	rows, err := db.Pool.Query(ctx,
		"SELECT "+tradeColumns+" FROM trades t"+tradeJoins+
			" WHERE t.buyer_id = $1 OR t.seller_id = $1 ORDER BY t.created_at DESC, t.id DESC",
		userID)
	if err != nil {
		return nil, fmt.Errorf("failed to get user trades: %w", err)
	}
	defer rows.Close()

	trades := []models.Trade{}
	for rows.Next() {
		trade, err := scanTrade(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan trade: %w", err)
		}
		trades = append(trades, *trade)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to get user trades: %w", err)
	}
	return trades, nil
}

// UpdateTradeStatus moves a trade from one status to another only if it is
// still in from. A trade that moved in between yields apperr.ErrConflict.
func (db *DB) UpdateTradeStatus(ctx context.Context, id int, from, to models.TradeStatus) (*models.Trade, error) {
	trade, err := scanTrade(db.Pool.QueryRow(ctx, `
		WITH t AS (
			UPDATE trades SET status = $3, updated_at = clock_timestamp()
			WHERE id = $1 AND status = $2
			RETURNING *
		)
		SELECT `+tradeColumns+` FROM t`+tradeJoins,
		id, from, to))
	if err == nil {
		return trade, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("failed to update trade status: %w", err)
	}

	var exists bool
	if err := db.Pool.QueryRow(ctx, "SELECT EXISTS(SELECT 1 FROM trades WHERE id = $1)", id).Scan(&exists); err != nil {
		return nil, fmt.Errorf("failed to check trade existence: %w", err)
	}
	if !exists {
		return nil, fmt.Errorf("%w: trade not found", apperr.ErrNotFound)
	}
	return nil, fmt.Errorf("%w: trade is no longer %s", apperr.ErrConflict, from)
}

// CreateMessage appends a chat message to a trade
func (db *DB) CreateMessage(ctx context.Context, msg *models.Message) (*models.Message, error) {
	newMsg := &models.Message{}
	err := db.Pool.QueryRow(ctx,
		"INSERT INTO messages (trade_id, sender_id, content) VALUES ($1, $2, $3) RETURNING id, trade_id, sender_id, content, created_at",
		msg.TradeID, msg.SenderID, msg.Content).Scan(
		&newMsg.ID, &newMsg.TradeID, &newMsg.SenderID, &newMsg.Content, &newMsg.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to create message: %w", err)
	}
	return newMsg, nil
}

// GetTradeMessages returns a trade's messages in insertion order
func (db *DB) GetTradeMessages(ctx context.Context, tradeID int) ([]models.Message, error) {
	rows, err := db.Pool.Query(ctx,
		"SELECT id, trade_id, sender_id, content, created_at FROM messages WHERE trade_id = $1 ORDER BY created_at ASC, id ASC",
		tradeID)
	if err != nil {
		return nil, fmt.Errorf("failed to get messages: %w", err)
	}
	defer rows.Close()

	messages := []models.Message{}
	for rows.Next() {
		var m models.Message
		if err := rows.Scan(&m.ID, &m.TradeID, &m.SenderID, &m.Content, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		messages = append(messages, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to get messages: %w", err)
	}
	return messages, nil
}
