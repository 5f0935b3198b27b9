// Package volatility estimates realized volatility for an underlying from
// its price history and compares option surfaces against it.
package volatility

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math"
	"os"

	"gonum.org/v1/gonum/stat"

	"github.com/afontaine/volarb/internal/broker"
	"github.com/afontaine/volarb/internal/config"
)

// ErrUnavailable is returned when the underlying price series cannot be
// fetched. Individual windows falling short of data never cause it; they
// substitute the configured fallback instead.
var ErrUnavailable = errors.New("price history unavailable")

// annualization converts a per-period standard deviation of daily log
// returns into an annualized volatility. Crypto markets trade every day.
var annualization = math.Sqrt(365)

// Estimator blends rolling historical volatilities over three windows into
// one annualized estimate per underlying.
type Estimator struct {
	broker broker.Broker
	cfg    config.VolatilityConfig
	logger *log.Logger
}

// NewEstimator creates a volatility estimator backed by the given broker.
func NewEstimator(b broker.Broker, cfg config.VolatilityConfig, logger *log.Logger) *Estimator {
	if logger == nil {
		logger = log.New(os.Stderr, "volatility: ", log.LstdFlags)
	}
	return &Estimator{broker: b, cfg: cfg, logger: logger}
}

// EstimateCurrency fetches the currency's price history and returns the
// blended annualized historical volatility.
func (e *Estimator) EstimateCurrency(ctx context.Context, currency string) (float64, error) {
	prices, err := e.broker.GetPriceHistory(ctx, currency, e.cfg.Resolution, e.cfg.HistoryLimit)
	if err != nil {
		return 0, fmt.Errorf("%w: %s: %v", ErrUnavailable, currency, err)
	}
	return e.Estimate(prices), nil
}

// Estimate computes the weighted blend of the short, medium and long window
// volatilities. A window that cannot be computed from the series falls back
// to its configured default rather than failing the whole estimate.
func (e *Estimator) Estimate(prices []float64) float64 {
	windows := []int{e.cfg.WindowShort, e.cfg.WindowMedium, e.cfg.WindowLong}

	blended := 0.0
	for i, window := range windows {
		vol, ok := WindowVolatility(prices, window)
		if !ok {
			vol = e.cfg.Fallbacks[i]
			e.logger.Printf("Warning: %d-period volatility needs %d prices, have %d; using fallback %.2f",
				window, window+1, len(prices), vol)
		}
		blended += vol * e.cfg.Weights[i]
	}
	return blended
}

// WindowVolatility computes the annualized sample standard deviation of the
// most recent `window` log returns. It returns false when the series holds
// fewer than window+1 prices or contains non-positive prices.
func WindowVolatility(prices []float64, window int) (float64, bool) {
	if window < 2 || len(prices) < window+1 {
		return 0, false
	}

	tail := prices[len(prices)-window-1:]
	returns := make([]float64, 0, window)
	for i := 1; i < len(tail); i++ {
		if tail[i-1] <= 0 || tail[i] <= 0 {
			return 0, false
		}
		returns = append(returns, math.Log(tail[i]/tail[i-1]))
	}

	return stat.StdDev(returns, nil) * annualization, true
}
