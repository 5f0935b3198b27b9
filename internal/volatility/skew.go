package volatility

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/afontaine/volarb/internal/models"
)

// Moneyness bands used when summarizing a skew profile.
const (
	atmLow   = 0.95
	atmHigh  = 1.05
	otmCall  = 1.1
	otmPut   = 0.9
	minSkewN = 3
)

// SkewPoint is one option's implied volatility plotted against moneyness.
type SkewPoint struct {
	Strike    float64 `json:"strike"`
	Moneyness float64 `json:"moneyness"`
	IV        float64 `json:"iv"`
}

// SkewReport summarizes the implied-volatility skew for one expiry.
// Slopes are IV change per unit of moneyness between the ATM band and the
// OTM wing; nil when there are not enough quotes to measure.
type SkewReport struct {
	Currency   string      `json:"currency"`
	Expiry     string      `json:"expiry"`
	IndexPrice float64     `json:"index_price"`
	CallSkew   []SkewPoint `json:"call_skew"`
	PutSkew    []SkewPoint `json:"put_skew"`
	CallSlope  *float64    `json:"call_slope,omitempty"`
	PutSlope   *float64    `json:"put_slope,omitempty"`
}

// AnalyzeSkew builds the volatility skew profile for one currency and
// expiry (DDMonYY, e.g. 30JUN23). Options without a usable quote are
// skipped.
func (e *Estimator) AnalyzeSkew(ctx context.Context, currency, expiry string) (*SkewReport, error) {
	instruments, err := e.broker.GetInstruments(ctx, currency)
	if err != nil {
		return nil, fmt.Errorf("listing %s instruments for skew: %w", currency, err)
	}

	token := "-" + strings.ToUpper(expiry) + "-"
	report := &SkewReport{Currency: currency, Expiry: strings.ToUpper(expiry)}

	for _, info := range instruments {
		if !strings.Contains(info.InstrumentName, token) {
			continue
		}

		book, err := e.broker.GetOrderBook(ctx, info.InstrumentName)
		if err != nil {
			e.logger.Printf("Warning: no quote for %s, skipping: %v", info.InstrumentName, err)
			continue
		}
		if book.MarkIV <= 0 || book.IndexPrice <= 0 {
			continue
		}
		if report.IndexPrice == 0 {
			report.IndexPrice = book.IndexPrice
		}

		point := SkewPoint{
			Strike:    info.Strike,
			Moneyness: info.Strike / report.IndexPrice,
			IV:        book.MarkIV,
		}
		if info.OptionType == string(models.OptionKindPut) {
			report.PutSkew = append(report.PutSkew, point)
		} else {
			report.CallSkew = append(report.CallSkew, point)
		}
	}

	if report.IndexPrice == 0 {
		return nil, fmt.Errorf("no quoted %s options for expiry %s", currency, expiry)
	}

	sort.Slice(report.CallSkew, func(i, j int) bool { return report.CallSkew[i].Strike < report.CallSkew[j].Strike })
	sort.Slice(report.PutSkew, func(i, j int) bool { return report.PutSkew[i].Strike < report.PutSkew[j].Strike })

	report.CallSlope = skewSlope(report.CallSkew, func(m float64) bool { return m > otmCall })
	report.PutSlope = skewSlope(report.PutSkew, func(m float64) bool { return m < otmPut })
	return report, nil
}

// skewSlope measures the IV gradient between the ATM band and an OTM wing.
func skewSlope(points []SkewPoint, isOTM func(moneyness float64) bool) *float64 {
	if len(points) < minSkewN {
		return nil
	}

	var atm, otm []SkewPoint
	for _, p := range points {
		switch {
		case p.Moneyness >= atmLow && p.Moneyness <= atmHigh:
			atm = append(atm, p)
		case isOTM(p.Moneyness):
			otm = append(otm, p)
		}
	}
	if len(atm) == 0 || len(otm) == 0 {
		return nil
	}

	atmIV, atmM := averages(atm)
	otmIV, otmM := averages(otm)
	if otmM == atmM {
		return nil
	}
	slope := (otmIV - atmIV) / (otmM - atmM)
	return &slope
}

func averages(points []SkewPoint) (avgIV, avgMoneyness float64) {
	for _, p := range points {
		avgIV += p.IV
		avgMoneyness += p.Moneyness
	}
	n := float64(len(points))
	return avgIV / n, avgMoneyness / n
}
