// Package scanner ranks option listings into volatility-arbitrage
// opportunities by comparing quoted implied volatility against the blended
// historical volatility of the underlying.
package scanner

import (
	"context"
	"fmt"
	"log"
	"os"
	"sort"
	"time"

	"github.com/afontaine/volarb/internal/broker"
	"github.com/afontaine/volarb/internal/config"
	"github.com/afontaine/volarb/internal/models"
	"github.com/afontaine/volarb/internal/volatility"
)

// Scanner finds mispriced options for one underlying currency.
type Scanner struct {
	broker    broker.Broker
	estimator *volatility.Estimator
	cfg       config.StrategyConfig
	logger    *log.Logger
	now       func() time.Time
}

// New creates a Scanner. The configuration must already be validated.
func New(b broker.Broker, estimator *volatility.Estimator, cfg config.StrategyConfig, logger *log.Logger) *Scanner {
	if logger == nil {
		logger = log.New(os.Stderr, "scanner: ", log.LstdFlags)
	}
	return &Scanner{
		broker:    b,
		estimator: estimator,
		cfg:       cfg,
		logger:    logger,
		now:       time.Now,
	}
}

// Scan returns the ranked opportunities for a currency: sell candidates
// sorted by ratio descending, followed by buy candidates sorted ascending.
// A sell candidate therefore always outranks any buy candidate, however
// strong; callers taking the head as "best" inherit that bias.
//
// One order-book fetch is issued per eligible option, sequentially, so scan
// latency grows linearly with the size of the listing.
func (s *Scanner) Scan(ctx context.Context, currency string) ([]models.Opportunity, error) {
	hv, err := s.estimator.EstimateCurrency(ctx, currency)
	if err != nil {
		return nil, fmt.Errorf("scanning %s: %w", currency, err)
	}
	if hv <= 0 {
		return nil, fmt.Errorf("scanning %s: non-positive historical volatility %.4f", currency, hv)
	}
	s.logger.Printf("Blended historical volatility for %s: %.2f%%", currency, hv*100)

	instruments, err := s.broker.GetInstruments(ctx, currency)
	if err != nil {
		return nil, fmt.Errorf("scanning %s: %w", currency, err)
	}

	var sells, buys []models.Opportunity
	now := s.now()

	for _, info := range instruments {
		inst, err := models.ParseInstrument(info.InstrumentName)
		if err != nil {
			s.logger.Printf("Warning: skipping unparsable instrument: %v", err)
			continue
		}

		dte := inst.DaysToExpiry(now)
		if dte < s.cfg.MinDaysToExpiry || dte > s.cfg.MaxDaysToExpiry {
			continue
		}

		book, err := s.broker.GetOrderBook(ctx, info.InstrumentName)
		if err != nil {
			s.logger.Printf("Warning: no quote for %s, skipping: %v", info.InstrumentName, err)
			continue
		}
		if book.MarkIV <= 0 {
			continue
		}

		ratio := book.MarkIV / hv
		opp := models.Opportunity{
			Instrument:    inst,
			ImpliedVol:    book.MarkIV,
			HistoricalVol: hv,
			Ratio:         ratio,
			DaysToExpiry:  dte,
		}

		direction, ok := classify(ratio, s.cfg.HighRatioThreshold, s.cfg.LowRatioThreshold)
		if !ok {
			continue
		}
		opp.Direction = direction
		if direction == models.DirectionSell {
			sells = append(sells, opp)
		} else {
			buys = append(buys, opp)
		}
		s.logger.Printf("%s candidate %s: IV %.2f%% vs HV %.2f%% (ratio %.2f)",
			direction, info.InstrumentName, book.MarkIV*100, hv*100, ratio)
	}

	sort.SliceStable(sells, func(i, j int) bool { return sells[i].Ratio > sells[j].Ratio })
	sort.SliceStable(buys, func(i, j int) bool { return buys[i].Ratio < buys[j].Ratio })

	return append(sells, buys...), nil
}

// classify partitions an IV/HV ratio into sell, buy or neither. Ratios
// exactly on a threshold count as fairly priced.
func classify(ratio, high, low float64) (models.Direction, bool) {
	switch {
	case ratio > high:
		return models.DirectionSell, true
	case ratio < low:
		return models.DirectionBuy, true
	default:
		return "", false
	}
}
