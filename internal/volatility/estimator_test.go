package volatility

import (
	"context"
	"errors"
	"io"
	"log"
	"math"
	"testing"

	"github.com/afontaine/volarb/internal/broker"
	"github.com/afontaine/volarb/internal/config"
	"github.com/afontaine/volarb/internal/models"
)

type mockBroker struct {
	prices    []float64
	pricesErr error
}

func (m *mockBroker) GetPriceHistory(_ context.Context, _, _ string, _ int) ([]float64, error) {
	return m.prices, m.pricesErr
}

func (m *mockBroker) GetInstruments(context.Context, string) ([]broker.InstrumentInfo, error) {
	return nil, nil
}

func (m *mockBroker) GetOrderBook(context.Context, string) (*broker.OrderBook, error) {
	return nil, errors.New("not implemented")
}

func (m *mockBroker) PlaceOrder(context.Context, string, float64, models.OrderType, float64, string) (*broker.Order, error) {
	return nil, errors.New("not implemented")
}

func (m *mockBroker) CancelOrder(context.Context, string) error { return nil }

func (m *mockBroker) GetPositions(context.Context, string) ([]broker.Position, error) {
	return nil, nil
}

func (m *mockBroker) GetAccountSummary(context.Context, string) (*broker.AccountSummary, error) {
	return nil, nil
}

func testVolConfig() config.VolatilityConfig {
	return config.VolatilityConfig{
		WindowShort:  7,
		WindowMedium: 14,
		WindowLong:   30,
		Weights:      []float64{0.5, 0.3, 0.2},
		Fallbacks:    []float64{0.8, 0.7, 0.6},
		Resolution:   "1D",
		HistoryLimit: 31,
	}
}

func quietLogger() *log.Logger {
	return log.New(io.Discard, "", 0)
}

func constantPrices(n int) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = 100
	}
	return out
}

func trendingPrices(n int) []float64 {
	out := make([]float64, n)
	price := 100.0
	for i := range out {
		if i%2 == 0 {
			price *= 1.01
		} else {
			price *= 0.995
		}
		out[i] = price
	}
	return out
}

func TestEstimateConstantSeriesIsZero(t *testing.T) {
	e := NewEstimator(&mockBroker{}, testVolConfig(), quietLogger())

	if got := e.Estimate(constantPrices(35)); got != 0 {
		t.Errorf("Estimate(constant) = %v, want exactly 0", got)
	}
}

func TestEstimateFullSeriesIsFinitePositive(t *testing.T) {
	e := NewEstimator(&mockBroker{}, testVolConfig(), quietLogger())

	got := e.Estimate(trendingPrices(31))
	if math.IsNaN(got) || math.IsInf(got, 0) || got <= 0 {
		t.Errorf("Estimate = %v, want finite positive", got)
	}
}

func TestEstimateSubstitutesFallbacks(t *testing.T) {
	cfg := testVolConfig()
	e := NewEstimator(&mockBroker{}, cfg, quietLogger())

	// 10 prices: the 7-day window computes, 14 and 30 fall back.
	prices := trendingPrices(10)
	vol7, ok := WindowVolatility(prices, 7)
	if !ok {
		t.Fatal("7-day window should be computable from 10 prices")
	}

	want := 0.5*vol7 + 0.3*cfg.Fallbacks[1] + 0.2*cfg.Fallbacks[2]
	if got := e.Estimate(prices); math.Abs(got-want) > 1e-12 {
		t.Errorf("Estimate = %v, want %v", got, want)
	}
}

func TestEstimateEmptySeriesUsesAllFallbacks(t *testing.T) {
	cfg := testVolConfig()
	e := NewEstimator(&mockBroker{}, cfg, quietLogger())

	want := 0.5*cfg.Fallbacks[0] + 0.3*cfg.Fallbacks[1] + 0.2*cfg.Fallbacks[2]
	if got := e.Estimate(nil); math.Abs(got-want) > 1e-12 {
		t.Errorf("Estimate(nil) = %v, want %v", got, want)
	}
}

func TestWindowVolatility(t *testing.T) {
	t.Run("known two-return series", func(t *testing.T) {
		prices := []float64{100, 100 * math.Exp(0.02), 100 * math.Exp(0.02)}
		got, ok := WindowVolatility(prices, 2)
		if !ok {
			t.Fatal("window should be computable")
		}
		// Sample stddev of {0.02, 0} is 0.02/sqrt(2), annualized.
		want := 0.02 / math.Sqrt2 * math.Sqrt(365)
		if math.Abs(got-want) > 1e-9 {
			t.Errorf("WindowVolatility = %v, want %v", got, want)
		}
	})

	t.Run("uses only the window tail", func(t *testing.T) {
		tail := []float64{100, 105, 103, 108, 104, 109, 107, 111}
		withHead := append([]float64{500, 1, 9000}, tail...)

		a, ok := WindowVolatility(tail, 7)
		if !ok {
			t.Fatal("tail window should be computable")
		}
		b, ok := WindowVolatility(withHead, 7)
		if !ok {
			t.Fatal("full window should be computable")
		}
		if math.Abs(a-b) > 1e-12 {
			t.Errorf("head prices leaked into window: %v != %v", a, b)
		}
	})

	t.Run("short series", func(t *testing.T) {
		if _, ok := WindowVolatility([]float64{100, 101}, 7); ok {
			t.Error("short series should not be computable")
		}
	})

	t.Run("non-positive price", func(t *testing.T) {
		if _, ok := WindowVolatility([]float64{100, -5, 101}, 2); ok {
			t.Error("series with non-positive price should not be computable")
		}
	})
}

func TestEstimateCurrencyUnavailable(t *testing.T) {
	b := &mockBroker{pricesErr: errors.New("503 service unavailable")}
	e := NewEstimator(b, testVolConfig(), quietLogger())

	_, err := e.EstimateCurrency(context.Background(), "BTC")
	if !errors.Is(err, ErrUnavailable) {
		t.Errorf("err = %v, want ErrUnavailable", err)
	}
}

func TestEstimateCurrencyBlends(t *testing.T) {
	b := &mockBroker{prices: trendingPrices(31)}
	e := NewEstimator(b, testVolConfig(), quietLogger())

	got, err := e.EstimateCurrency(context.Background(), "BTC")
	if err != nil {
		t.Fatalf("EstimateCurrency failed: %v", err)
	}
	if want := e.Estimate(b.prices); got != want {
		t.Errorf("EstimateCurrency = %v, want %v", got, want)
	}
}
