package main

import (
	"context"
	"errors"
	"math"
	"time"

	"github.com/afontaine/volarb/internal/spread"
	"github.com/afontaine/volarb/internal/volatility"
)

// capitalDriftTolerance is the relative gap between live equity and the
// configured capital beyond which the bot warns the operator.
const capitalDriftTolerance = 0.10

// runCycle executes one full pass: review open positions against the exit
// rules (on the slower review cadence), then scan each currency and commit
// at most one new spread per currency. Cycles never overlap; the ticker in
// Run only fires again after this returns.
func (b *Bot) runCycle(ctx context.Context) {
	b.logger.Println("Starting trading cycle...")

	review := false
	if time.Since(b.lastReview) >= b.config.PositionReviewInterval() {
		review = true
		b.lastReview = time.Now()
		b.checkCapitalDrift(ctx)
	}

	for _, currency := range b.config.Strategy.Currencies {
		if ctx.Err() != nil {
			return
		}
		if review {
			b.reviewPositions(ctx, currency)
		}
		b.scanAndTrade(ctx, currency)
	}

	b.logger.Println("Trading cycle complete")
}

// checkCapitalDrift sums live equity across the traded currencies and warns
// when it has moved more than capitalDriftTolerance away from the capital
// the risk limits were sized for.
func (b *Bot) checkCapitalDrift(ctx context.Context) {
	capital := b.config.Risk.TotalCapital
	if capital <= 0 {
		return
	}

	var totalUSD float64
	for _, currency := range b.config.Strategy.Currencies {
		summary, err := b.broker.GetAccountSummary(ctx, currency)
		if err != nil {
			b.logger.Printf("Warning: account summary for %s unavailable, skipping drift check: %v", currency, err)
			return
		}
		totalUSD += summary.EquityUSD
	}

	drift := (totalUSD - capital) / capital
	if math.Abs(drift) > capitalDriftTolerance {
		b.logger.Printf("Warning: account equity %.2f USD has drifted %+.0f%% from configured capital %.2f USD",
			totalUSD, drift*100, capital)
	}
}

func (b *Bot) reviewPositions(ctx context.Context, currency string) {
	actions, err := b.lifecycle.ReviewAndClose(ctx, currency)
	if err != nil {
		b.logger.Printf("Warning: position review for %s failed: %v", currency, err)
		return
	}
	for _, action := range actions {
		b.logger.Printf("Closed %s: %s (pnl %.2f%%)", action.Instrument, action.Reason, action.PnLPct*100)
	}
}

// scanAndTrade scans one currency and, capital permitting, executes the
// top-ranked opportunity.
func (b *Bot) scanAndTrade(ctx context.Context, currency string) {
	open, err := b.broker.GetPositions(ctx, currency)
	if err != nil {
		b.logger.Printf("Warning: cannot count open %s positions, skipping entries: %v", currency, err)
		return
	}
	if len(open) >= b.config.Risk.MaxPositions {
		b.logger.Printf("%s at position limit (%d/%d), skipping scan",
			currency, len(open), b.config.Risk.MaxPositions)
		return
	}

	opportunities, err := b.scanner.Scan(ctx, currency)
	if err != nil {
		if errors.Is(err, volatility.ErrUnavailable) {
			b.logger.Printf("Warning: %v", err)
		} else {
			b.logger.Printf("ERROR: scan for %s failed: %v", currency, err)
		}
		return
	}
	if len(opportunities) == 0 {
		b.logger.Printf("No opportunities for %s", currency)
		return
	}

	best := opportunities[0]
	b.logger.Printf("Best opportunity for %s: %s %s (ratio %.2f)",
		currency, best.Direction, best.Instrument.Name(), best.Ratio)

	order, err := b.builder.Build(ctx, best)
	if err != nil {
		var rejection *spread.RejectionError
		var partial *spread.PartialExecutionError
		switch {
		case errors.As(err, &partial):
			// A naked leg may remain on the exchange; the journal already
			// holds the spread in state naked for the next reconciliation.
			b.logger.Printf("ERROR: %v", partial)
		case errors.As(err, &rejection):
			b.logger.Printf("Spread rejected (%s): %v", rejection.Reason, rejection.Err)
		default:
			b.logger.Printf("ERROR: building spread: %v", err)
		}
		return
	}

	b.logger.Printf("Opened %s spread %s on %s, net cost %.4f",
		order.Kind, shortID(order.ID), currency, order.NetCost)
}
