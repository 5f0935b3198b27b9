// Command liquidate closes every open option position on the account with
// market orders. Emergency use: it ignores exit rules and P&L entirely.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/afontaine/volarb/internal/broker"
	"github.com/afontaine/volarb/internal/config"
	"github.com/afontaine/volarb/internal/models"
	"github.com/afontaine/volarb/internal/retry"
)

func main() {
	var (
		configPath string
		yes        bool
	)
	flag.StringVar(&configPath, "config", "config.yaml", "Path to configuration file")
	flag.BoolVar(&yes, "yes", false, "Skip the confirmation prompt")
	flag.Parse()

	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logger := log.New(os.Stdout, "[LIQUIDATE] ", log.LstdFlags)
	if !cfg.IsTestnet() && !yes {
		fmt.Print("About to close ALL option positions on a LIVE account. Type 'liquidate' to continue: ")
		line, _ := bufio.NewReader(os.Stdin).ReadString('\n')
		if strings.TrimSpace(line) != "liquidate" {
			logger.Println("Aborted")
			return
		}
	}

	api := broker.NewDeribitAPI(cfg.Broker.APIKey, cfg.Broker.APISecret, cfg.IsTestnet())
	api.WithTimeout(cfg.BrokerTimeout())
	orders := retry.NewClient(api, logger)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	failures := 0
	for _, currency := range cfg.Strategy.Currencies {
		positions, err := api.GetPositions(ctx, currency)
		if err != nil {
			logger.Fatalf("Failed to list %s positions: %v", currency, err)
		}
		logger.Printf("%s: %d open position(s)", currency, len(positions))

		for _, pos := range positions {
			if pos.Size == 0 {
				continue
			}
			amount := -pos.Size
			if pos.Direction == "sell" && pos.Size > 0 {
				amount = pos.Size
			}

			order, err := orders.PlaceOrderWithRetry(ctx, pos.InstrumentName, amount,
				models.OrderTypeMarket, 0, "liquidate")
			if err != nil {
				logger.Printf("ERROR: closing %s: %v", pos.InstrumentName, err)
				failures++
				continue
			}
			logger.Printf("Closed %s (size %v, pnl %.6f): order %s",
				pos.InstrumentName, pos.Size, pos.FloatingPnL, order.OrderID)
		}
	}

	if failures > 0 {
		logger.Fatalf("%d position(s) could not be closed", failures)
	}
	logger.Println("All positions closed")
}
