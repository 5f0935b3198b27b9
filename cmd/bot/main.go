package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/afontaine/volarb/internal/broker"
	"github.com/afontaine/volarb/internal/config"
	"github.com/afontaine/volarb/internal/dashboard"
	"github.com/afontaine/volarb/internal/lifecycle"
	"github.com/afontaine/volarb/internal/retry"
	"github.com/afontaine/volarb/internal/scanner"
	"github.com/afontaine/volarb/internal/spread"
	"github.com/afontaine/volarb/internal/storage"
	"github.com/afontaine/volarb/internal/volatility"
)

// Bot wires the scanner, spread builder and lifecycle manager together and
// drives them on the configured schedule.
type Bot struct {
	config     *config.Config
	broker     broker.Broker
	storage    storage.Interface
	estimator  *volatility.Estimator
	scanner    *scanner.Scanner
	builder    *spread.Builder
	lifecycle  *lifecycle.Manager
	logger     *log.Logger
	lastReview time.Time
}

func main() {
	var configPath string
	flag.StringVar(&configPath, "config", "config.yaml", "Path to configuration file")
	flag.Parse()

	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logger := log.New(os.Stdout, "[BOT] ", log.LstdFlags|log.Lshortfile)

	logger.Printf("Starting volatility-arbitrage bot in %s mode", cfg.Environment.Mode)
	if cfg.IsTestnet() {
		logger.Println("TESTNET MODE - no real money at risk")
	} else {
		logger.Println("LIVE TRADING MODE - real money at risk!")
		logger.Println("Waiting 10 seconds to confirm...")
		time.Sleep(10 * time.Second)
	}

	bot, err := newBot(cfg, logger)
	if err != nil {
		logger.Fatalf("Failed to initialize bot: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		logger.Println("Shutdown signal received, stopping bot...")
		cancel()
	}()

	group, groupCtx := errgroup.WithContext(ctx)

	group.Go(func() error {
		return bot.Run(groupCtx)
	})

	if cfg.Dashboard.Enabled {
		server := newDashboardServer(cfg, bot)
		group.Go(func() error {
			if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("dashboard: %w", err)
			}
			return nil
		})
		group.Go(func() error {
			<-groupCtx.Done()
			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer shutdownCancel()
			return server.Shutdown(shutdownCtx)
		})
	}

	if err := group.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logger.Fatalf("Bot error: %v", err)
	}
	logger.Println("Bot stopped successfully")
}

func newBot(cfg *config.Config, logger *log.Logger) (*Bot, error) {
	store, err := storage.NewStorage(cfg.Storage.Path)
	if err != nil {
		return nil, fmt.Errorf("opening journal: %w", err)
	}

	api := broker.NewDeribitAPI(cfg.Broker.APIKey, cfg.Broker.APISecret, cfg.IsTestnet())
	api.WithTimeout(cfg.BrokerTimeout())
	b := broker.NewCircuitBreakerBroker(api)

	estimator := volatility.NewEstimator(b, cfg.Strategy.Volatility, logger)
	orders := retry.NewClient(b, logger)

	return &Bot{
		config:    cfg,
		broker:    b,
		storage:   store,
		estimator: estimator,
		scanner:   scanner.New(b, estimator, cfg.Strategy, logger),
		builder:   spread.NewBuilder(b, store, cfg.Strategy, cfg.Risk.MaxPositionSize, logger),
		lifecycle: lifecycle.NewManager(b, orders, store, cfg.Exit, logger),
		logger:    logger,
	}, nil
}

func newDashboardServer(cfg *config.Config, bot *Bot) *dashboard.Server {
	dashLogger := logrus.New()
	if level, err := logrus.ParseLevel(cfg.Environment.LogLevel); err == nil {
		dashLogger.SetLevel(level)
	}

	return dashboard.NewServer(dashboard.Config{
		Port:       cfg.Dashboard.Port,
		AuthToken:  cfg.Dashboard.AuthToken,
		Currencies: cfg.Strategy.Currencies,
	}, bot.storage, bot.broker, bot.estimator, dashLogger)
}

// Run verifies connectivity, resolves any half-placed spreads left behind by
// a previous run, and then loops scan cycles until the context is canceled.
// The in-flight cycle always finishes before shutdown is observed.
func (b *Bot) Run(ctx context.Context) error {
	b.logger.Println("Bot starting main loop...")

	for _, currency := range b.config.Strategy.Currencies {
		summary, err := b.broker.GetAccountSummary(ctx, currency)
		if err != nil {
			return fmt.Errorf("failed to connect to exchange: %w", err)
		}
		b.logger.Printf("Connected. %s equity: %.6f (%.2f USD)",
			currency, summary.Equity, summary.EquityUSD)
	}

	reconciler := NewReconciler(b.broker, b.storage, b.logger)
	reconciler.ResolveUnfinishedSpreads(ctx)

	ticker := time.NewTicker(b.config.ScanInterval())
	defer ticker.Stop()

	b.runCycle(ctx)

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			b.runCycle(ctx)
		}
	}
}
