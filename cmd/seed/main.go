package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/kartikmendiratta/BCH-1/internal/auth"
	"github.com/kartikmendiratta/BCH-1/internal/bch"
	"github.com/kartikmendiratta/BCH-1/internal/config"
	"github.com/kartikmendiratta/BCH-1/internal/db"
	"github.com/kartikmendiratta/BCH-1/internal/logging"
	"github.com/kartikmendiratta/BCH-1/internal/models"
	"github.com/kartikmendiratta/BCH-1/internal/offers"
	"github.com/kartikmendiratta/BCH-1/internal/wallet"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

type trader struct {
	subject string
	email   string
	deposit string
}

var traders = []trader{
	{subject: "seed|trader1", email: "trader1@example.com", deposit: "2.5"},
	{subject: "seed|trader2", email: "trader2@example.com", deposit: "1.0"},
}

type seedOffer struct {
	trader        int
	side          string
	amount        string
	price         string
	currency      string
	paymentMethod string
}

var seedOffers = []seedOffer{
	{0, models.SideSell, "1.0", "45000", "INR", "UPI"},
	{0, models.SideSell, "0.5", "455", "USD", "Zelle"},
	{1, models.SideBuy, "0.75", "44000", "INR", "IMPS"},
	{1, models.SideBuy, "0.2", "410", "EUR", "SEPA"},
}

// Seed the database with two traders, funded wallets and a few offers
func main() {
	configPath := flag.String("config", "", "path to config file (default config.yaml)")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintf(os.Stderr, "seed: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	ctx := context.Background()

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	logger, err := logging.New(cfg.LogLevel, cfg.Env)
	if err != nil {
		return err
	}
	defer logger.Sync()

	database, err := db.NewDB(ctx, cfg.Database.URL, cfg.Database.MaxConns)
	if err != nil {
		return err
	}
	defer database.Close(ctx)
	if err := database.Migrate(ctx); err != nil {
		return err
	}

	authService := auth.NewAuthService(database, auth.Options{
		Secret:   cfg.Auth.JWTSecret,
		Issuer:   cfg.Auth.Issuer,
		Audience: cfg.Auth.Audience,
		TokenTTL: 30 * 24 * time.Hour,
		Logger:   logger,
	})
	wallets := wallet.NewService(database, nil, logger)
	ledger := offers.NewLedger(database, logger, nil)

	// First check if we already have offers
	_, total, err := ledger.ListOffers(ctx, models.OfferFilter{})
	if err != nil {
		return fmt.Errorf("failed to check offers: %w", err)
	}
	seeded := total > 0

	userIDs := make([]int, len(traders))
	for i, t := range traders {
		user, err := authService.Resolve(ctx, t.subject, t.email)
		if err != nil {
			return fmt.Errorf("failed to create %s: %w", t.email, err)
		}
		userIDs[i] = user.ID

		if _, err := wallets.Ensure(ctx, user.ID); err != nil {
			return fmt.Errorf("failed to create wallet for %s: %w", t.email, err)
		}
		if !seeded {
			amount := decimal.RequireFromString(t.deposit)
			if _, err := database.Credit(ctx, user.ID, amount, bch.TxID("seed", time.Now())); err != nil {
				return fmt.Errorf("failed to fund wallet for %s: %w", t.email, err)
			}
		}

		token, err := authService.IssueToken(t.subject, t.email)
		if err != nil {
			return fmt.Errorf("failed to issue token for %s: %w", t.email, err)
		}
		fmt.Printf("%s (user %d)\n  token: %s\n", t.email, user.ID, token)
	}

	if seeded {
		fmt.Printf("Database already has %d active offers. No need to seed.\n", total)
		return nil
	}

	for _, o := range seedOffers {
		offer, err := ledger.CreateOffer(ctx, offers.CreateOfferInput{
			OwnerID:       userIDs[o.trader],
			Type:          o.side,
			AmountBCH:     decimal.RequireFromString(o.amount),
			PricePerBCH:   decimal.RequireFromString(o.price),
			FiatCurrency:  o.currency,
			PaymentMethod: o.paymentMethod,
		})
		if err != nil {
			return fmt.Errorf("failed to create offer: %w", err)
		}
		logger.Info("seeded offer", zap.Int("offer_id", offer.ID), zap.String("type", offer.Type))
	}

	fmt.Println("Successfully seeded the database with traders and offers!")
	return nil
}
