// Command integration runs an end-to-end smoke test against the Deribit
// testnet: market data, volatility estimation, a full scan and a position
// review. It never places orders.
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/afontaine/volarb/internal/broker"
	"github.com/afontaine/volarb/internal/config"
	"github.com/afontaine/volarb/internal/scanner"
	"github.com/afontaine/volarb/internal/volatility"
)

func main() {
	fmt.Println("=== Volatility Arbitrage Bot - End-to-End Integration Test ===")
	fmt.Println()

	cfg, err := config.Load("config.yaml")
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	// Never run this against production.
	if !cfg.IsTestnet() {
		log.Fatalf("Integration tests must run against the testnet. Set environment.mode: 'test' in config.yaml")
	}

	logger := log.New(os.Stdout, "[E2E] ", log.LstdFlags)

	api := broker.NewDeribitAPI(cfg.Broker.APIKey, cfg.Broker.APISecret, true)
	api.WithTimeout(cfg.BrokerTimeout())
	brokerClient := broker.NewCircuitBreakerBroker(api)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Minute)
	defer cancel()

	for _, currency := range cfg.Strategy.Currencies {
		logger.Printf("--- %s ---", currency)

		summary, err := brokerClient.GetAccountSummary(ctx, currency)
		if err != nil {
			log.Fatalf("Account summary failed: %v", err)
		}
		logger.Printf("Account equity: %.6f %s (%.2f USD)", summary.Equity, currency, summary.EquityUSD)

		instruments, err := brokerClient.GetInstruments(ctx, currency)
		if err != nil {
			log.Fatalf("Instrument listing failed: %v", err)
		}
		logger.Printf("Listed %d option instruments", len(instruments))

		estimator := volatility.NewEstimator(brokerClient, cfg.Strategy.Volatility, logger)
		hv, err := estimator.EstimateCurrency(ctx, currency)
		if err != nil {
			log.Fatalf("Volatility estimation failed: %v", err)
		}
		logger.Printf("Blended historical volatility: %.2f%%", hv*100)

		scan := scanner.New(brokerClient, estimator, cfg.Strategy, logger)
		opportunities, err := scan.Scan(ctx, currency)
		if err != nil {
			log.Fatalf("Scan failed: %v", err)
		}
		logger.Printf("Scan produced %d opportunity(ies)", len(opportunities))
		for i, opp := range opportunities {
			if i >= 5 {
				logger.Printf("... and %d more", len(opportunities)-5)
				break
			}
			logger.Printf("  %s %s ratio=%.2f dte=%d", opp.Direction, opp.Instrument.Name(), opp.Ratio, opp.DaysToExpiry)
		}

		positions, err := brokerClient.GetPositions(ctx, currency)
		if err != nil {
			log.Fatalf("Position listing failed: %v", err)
		}
		logger.Printf("Account holds %d open option position(s)", len(positions))
	}

	fmt.Println()
	fmt.Println("All integration checks passed.")
}
