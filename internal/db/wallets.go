package db

import (
	"context"
	"errors"
	"fmt"

	"github.com/kartikmendiratta/BCH-1/internal/apperr"
	"github.com/kartikmendiratta/BCH-1/internal/models"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"
)

// GetOrCreateWallet returns the user's wallet, creating it with address if
// none exists. Concurrent first calls converge on a single row.
func (db *DB) GetOrCreateWallet(ctx context.Context, userID int, address string) (*models.Wallet, error) {
	_, err := db.Pool.Exec(ctx,
		"INSERT INTO wallets (user_id, address) VALUES ($1, $2) ON CONFLICT (user_id) DO NOTHING",
		userID, address)
	if err != nil {
		return nil, fmt.Errorf("failed to create wallet: %w", err)
	}

	wallet := &models.Wallet{}
	err = db.Pool.QueryRow(ctx,
		"SELECT user_id, address, balance_bch, created_at FROM wallets WHERE user_id = $1",
		userID).Scan(&wallet.UserID, &wallet.Address, &wallet.BalanceBCH, &wallet.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to get wallet: %w", err)
	}
	return wallet, nil
}

// Withdraw debits amount if the balance covers it and records the movement
func (db *DB) Withdraw(ctx context.Context, userID int, amount decimal.Decimal, txid string) (*models.WalletTransaction, error) {
	return db.moveFunds(ctx, userID, amount.Neg(), "withdrawal", txid)
}

// Credit adds amount to the wallet and records a deposit
func (db *DB) Credit(ctx context.Context, userID int, amount decimal.Decimal, txid string) (*models.WalletTransaction, error) {
	return db.moveFunds(ctx, userID, amount, "deposit", txid)
}

func (db *DB) moveFunds(ctx context.Context, userID int, delta decimal.Decimal, kind, txid string) (*models.WalletTransaction, error) {
	tx, err := db.Pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	// The balance guard makes the debit a single conditional update
	tag, err := tx.Exec(ctx,
		"UPDATE wallets SET balance_bch = balance_bch + $2 WHERE user_id = $1 AND balance_bch + $2 >= 0",
		userID, delta)
	if err != nil {
		return nil, fmt.Errorf("failed to update balance: %w", err)
	}
	if tag.RowsAffected() == 0 {
		if delta.IsNegative() {
			return nil, fmt.Errorf("%w: insufficient balance", apperr.ErrValidation)
		}
		return nil, fmt.Errorf("%w: wallet not found", apperr.ErrNotFound)
	}

	record := &models.WalletTransaction{}
	err = tx.QueryRow(ctx,
		"INSERT INTO transactions (user_id, txid, type, amount_bch) VALUES ($1, $2, $3, $4) RETURNING id, user_id, txid, type, amount_bch, confirmations, created_at",
		userID, txid, kind, delta.Abs()).Scan(
		&record.ID, &record.UserID, &record.TxID, &record.Type, &record.AmountBCH, &record.Confirmations, &record.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to record transaction: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return record, nil
}

// GetTransactions returns the user's most recent wallet movements
func (db *DB) GetTransactions(ctx context.Context, userID, limit int) ([]models.WalletTransaction, error) {
	rows, err := db.Pool.Query(ctx,
		"SELECT id, user_id, txid, type, amount_bch, confirmations, created_at FROM transactions WHERE user_id = $1 ORDER BY created_at DESC, id DESC LIMIT $2",
		userID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to get transactions: %w", err)
	}
	defer rows.Close()

	txs := []models.WalletTransaction{}
	for rows.Next() {
		var t models.WalletTransaction
		if err := rows.Scan(&t.ID, &t.UserID, &t.TxID, &t.Type, &t.AmountBCH, &t.Confirmations, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan transaction: %w", err)
		}
		txs = append(txs, t)
	}
	return txs, rows.Err()
}

const invoiceColumns = "id, user_id, title, description, amount_fiat, fiat_currency, amount_bch, payment_address, status, created_at, paid_at"

func scanInvoice(row pgx.Row) (*models.Invoice, error) {
	inv := &models.Invoice{}
	err := row.Scan(&inv.ID, &inv.UserID, &inv.Title, &inv.Description, &inv.AmountFiat, &inv.FiatCurrency,
		&inv.AmountBCH, &inv.PaymentAddress, &inv.Status, &inv.CreatedAt, &inv.PaidAt)
	if err != nil {
		return nil, err
	}
	return inv, nil
}

// CreateInvoice inserts a new invoice
func (db *DB) CreateInvoice(ctx context.Context, inv *models.Invoice) (*models.Invoice, error) {
	newInv, err := scanInvoice(db.Pool.QueryRow(ctx,
		"INSERT INTO invoices (user_id, title, description, amount_fiat, fiat_currency, amount_bch, payment_address, status) VALUES ($1, $2, $3, $4, $5, $6, $7, $8) RETURNING "+invoiceColumns,
		inv.UserID, inv.Title, inv.Description, inv.AmountFiat, inv.FiatCurrency, inv.AmountBCH, inv.PaymentAddress, inv.Status))
	if err != nil {
		return nil, fmt.Errorf("failed to create invoice: %w", err)
	}
	return newInv, nil
}

// GetInvoice retrieves an invoice by id
func (db *DB) GetInvoice(ctx context.Context, id int) (*models.Invoice, error) {
	inv, err := scanInvoice(db.Pool.QueryRow(ctx, "SELECT "+invoiceColumns+" FROM invoices WHERE id = $1", id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: invoice not found", apperr.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get invoice: %w", err)
	}
	return inv, nil
}

// GetUserInvoices lists a user's invoices, newest first
func (db *DB) GetUserInvoices(ctx context.Context, userID int) ([]models.Invoice, error) {
	rows, err := db.Pool.Query(ctx,
		"SELECT "+invoiceColumns+" FROM invoices WHERE user_id = $1 ORDER BY created_at DESC, id DESC", userID)
	if err != nil {
		return nil, fmt.Errorf("failed to get invoices: %w", err)
	}
	defer rows.Close()

	invoices := []models.Invoice{}
	for rows.Next() {
		inv, err := scanInvoice(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan invoice: %w", err)
		}
		invoices = append(invoices, *inv)
	}
	return invoices, rows.Err()
}
