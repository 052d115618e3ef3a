package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/kartikmendiratta/BCH-1/internal/api"
	"github.com/kartikmendiratta/BCH-1/internal/auth"
	"github.com/kartikmendiratta/BCH-1/internal/config"
	"github.com/kartikmendiratta/BCH-1/internal/db"
	"github.com/kartikmendiratta/BCH-1/internal/exchange"
	"github.com/kartikmendiratta/BCH-1/internal/invoice"
	"github.com/kartikmendiratta/BCH-1/internal/logging"
	"github.com/kartikmendiratta/BCH-1/internal/memdb"
	"github.com/kartikmendiratta/BCH-1/internal/metrics"
	"github.com/kartikmendiratta/BCH-1/internal/offers"
	"github.com/kartikmendiratta/BCH-1/internal/price"
	"github.com/kartikmendiratta/BCH-1/internal/realtime"
	"github.com/kartikmendiratta/BCH-1/internal/wallet"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// marketStore is everything the services need from persistence. Both the
// PostgreSQL store and memdb satisfy it.
type marketStore interface {
	offers.Store
	exchange.Store
	realtime.Store
	wallet.Store
	invoice.Store
	auth.UserStore
	api.UserStore
}

var (
	_ marketStore = (*db.DB)(nil)
	_ marketStore = (*memdb.Store)(nil)
)

func main() {
	configPath := flag.String("config", "", "path to config file (default config.yaml)")
	memory := flag.Bool("memory", false, "use the in-process store instead of PostgreSQL")
	flag.Parse()

	if err := run(*configPath, *memory); err != nil {
		fmt.Fprintf(os.Stderr, "server: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string, memory bool) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	logger, err := logging.New(cfg.LogLevel, cfg.Env)
	if err != nil {
		return err
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Initialize storage
	var store marketStore
	if memory {
		logger.Warn("using in-memory store, data is lost on exit")
		store = memdb.New()
	} else {
		database, err := db.NewDB(ctx, cfg.Database.URL, cfg.Database.MaxConns)
		if err != nil {
			return err
		}
		defer database.Close(context.Background())
		if err := database.Migrate(ctx); err != nil {
			return err
		}
		store = database
	}

	m := metrics.New()

	// Initialize services
	authService := auth.NewAuthService(store, auth.Options{
		Secret:   cfg.Auth.JWTSecret,
		Issuer:   cfg.Auth.Issuer,
		Audience: cfg.Auth.Audience,
		TokenTTL: cfg.Auth.TokenTTL,
		Logger:   logger.Named("auth"),
	})
	hub := realtime.NewHub(store, authService, realtime.Options{
		SendBuffer:     cfg.Realtime.SendBuffer,
		WriteWait:      cfg.Realtime.WriteWait,
		PongWait:       cfg.Realtime.PongWait,
		AllowedOrigins: cfg.CORS.AllowedOrigins,
	}, logger.Named("realtime"), m)
	ledger := offers.NewLedger(store, logger.Named("offers"), m)
	engine := exchange.NewEngine(store, ledger, hub, logger.Named("trades"), m)
	oracle := price.NewOracle(price.NewCoinGecko(cfg.Price.URL, cfg.Price.Timeout), cfg.Price.TTL, logger.Named("price"), m)

	handler := api.NewHandler(api.Handler{
		Offers:      ledger,
		Trades:      engine,
		Prices:      oracle,
		Wallets:     wallet.NewService(store, oracle, logger.Named("wallet")),
		Invoices:    invoice.NewService(store, oracle, logger.Named("invoice")),
		Users:       store,
		AuthService: authService,
		Logger:      logger,
	})

	srv := &http.Server{
		Addr: cfg.HTTP.Addr,
		Handler: api.NewRouter(handler, api.RouterOptions{
			AllowedOrigins: cfg.CORS.AllowedOrigins,
			Metrics:        m,
			WebSocket:      hub.ServeWS,
		}),
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
		IdleTimeout:  cfg.HTTP.IdleTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("starting server", zap.String("addr", cfg.HTTP.Addr), zap.Bool("memory", memory))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
		defer cancel()
		hub.Close()
		return srv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}
